// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/teradata-labs/hive/pkg/types"
)

// ApplyEvent mutates an instance with one event. Events are pure state
// transitions: applying the same ordered log to the same starting state
// always yields the same instance, which is what replay relies on.
func ApplyEvent(inst *types.WorkflowInstance, e *types.Event) {
	switch e.Type {
	case types.EventInstanceStarted, types.EventInstanceResumed:
		inst.Status = types.InstanceRunning
	case types.EventInstancePaused:
		inst.Status = types.InstancePaused
	case types.EventInstanceCompleted:
		inst.Status = types.InstanceCompleted
		ts := e.Timestamp
		inst.CompletedAt = &ts
		if outputs, ok := e.Payload["outputs"].(map[string]interface{}); ok {
			inst.Context.Outputs = outputs
		}
	case types.EventInstanceFailed:
		inst.Status = types.InstanceFailed
		ts := e.Timestamp
		inst.CompletedAt = &ts
		if msg, ok := e.Payload["error"].(string); ok {
			inst.Error = msg
		}
	case types.EventInstanceCancelled:
		inst.Status = types.InstanceCancelled
		ts := e.Timestamp
		inst.CompletedAt = &ts
	case types.EventNodeEntered:
		inst.CurrentNode = e.NodeID
	case types.EventNodeCompleted:
		if inst.Context.NodeOutputs == nil {
			inst.Context.NodeOutputs = make(map[string]interface{})
		}
		inst.Context.NodeOutputs[e.NodeID] = e.Payload["output"]
	case types.EventHumanTaskCreated:
		inst.Status = types.InstanceWaiting
		if taskID, ok := e.Payload["taskId"].(string); ok {
			inst.HumanTasks = append(inst.HumanTasks, taskID)
		}
	case types.EventHumanTaskDone:
		inst.Status = types.InstanceRunning
	}
}

// RecoverInstance reconstructs an instance from durable state: the stored
// record when present, otherwise the latest snapshot, then the event log
// replayed on top. The reconstructed instance is persisted before return.
func (s *Store) RecoverInstance(ctx context.Context, id string) (*types.WorkflowInstance, error) {
	inst, err := s.GetInstance(ctx, id)
	var after types.Timestamp

	switch {
	case err == nil:
		after = inst.StartedAt
	case errors.Is(err, ErrNotFound):
		snap, snapErr := s.LatestSnapshot(ctx, id)
		if snapErr != nil {
			if errors.Is(snapErr, ErrNotFound) {
				return nil, fmt.Errorf("recover instance %s: no record and no snapshot: %w", id, ErrNotFound)
			}
			return nil, snapErr
		}
		inst = &types.WorkflowInstance{}
		if err := json.Unmarshal(snap.State, inst); err != nil {
			return nil, fmt.Errorf("reify snapshot %s: %w", snap.ID, err)
		}
		after = snap.Timestamp
	default:
		return nil, err
	}

	events, err := s.GetEvents(ctx, id, &after)
	if err != nil {
		return nil, err
	}
	for _, e := range events {
		ApplyEvent(inst, e)
	}

	s.logger.Info("recovered instance",
		zap.String("instance_id", id),
		zap.Int("replayed_events", len(events)),
		zap.String("status", string(inst.Status)))

	if err := s.SaveInstance(ctx, inst); err != nil {
		return nil, err
	}
	return inst, nil
}
