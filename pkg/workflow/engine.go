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

// Package workflow executes user-defined DAGs as suspendable state
// machines. Each instance runs a single-threaded interpreter processing
// one transition at a time; progress is event-sourced through the state
// store, and periodic snapshots make any instance resumable after a
// pause or a crash.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/hive/pkg/communication"
	"github.com/teradata-labs/hive/pkg/observability"
	"github.com/teradata-labs/hive/pkg/statestore"
	"github.com/teradata-labs/hive/pkg/types"
)

var (
	// ErrInstanceNotFound is returned for unknown instance ids.
	ErrInstanceNotFound = errors.New("workflow: instance not found")
	// ErrNotPaused is returned when resume targets a non-paused instance.
	ErrNotPaused = errors.New("workflow: instance is not paused")
	// ErrNoSnapshot is returned when resume finds nothing to restore.
	ErrNoSnapshot = errors.New("workflow: no snapshot to resume from")
	// ErrNotRunning is returned when the engine has shut down.
	ErrNotRunning = errors.New("workflow: engine is not running")
	// ErrTerminal is returned for operations on finished instances.
	ErrTerminal = errors.New("workflow: instance already terminal")
)

// TransformHandler is a pure function over the instance context. Its
// result becomes the transform node's output.
type TransformHandler func(wc *types.WorkflowContext) (interface{}, error)

// CustomHandler executes a custom node.
type CustomHandler func(ctx context.Context, inst *types.WorkflowInstance, node *types.Node) (interface{}, error)

// Config tunes the engine.
type Config struct {
	// SnapshotInterval is the checkpoint cadence while running.
	SnapshotInterval time.Duration
	// EnableSnapshots turns periodic checkpointing on. Pause always
	// snapshots regardless.
	EnableSnapshots bool
	// TaskTimeout bounds a task node request when the node declares none.
	TaskTimeout time.Duration
	// MaxIterations bounds loop nodes that declare no own limit.
	MaxIterations int
}

// DefaultConfig returns the standard engine configuration.
func DefaultConfig() Config {
	return Config{
		SnapshotInterval: 60 * time.Second,
		EnableSnapshots:  true,
		TaskTimeout:      30 * time.Second,
		MaxIterations:    100,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = d.SnapshotInterval
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = d.TaskTimeout
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = d.MaxIterations
	}
	return c
}

// Engine runs workflow instances. Task nodes call out over the message
// bus; everything durable goes through the state store.
type Engine struct {
	id     types.AgentID
	cfg    Config
	bus    *communication.Bus
	store  *statestore.Store
	eval   *Evaluator
	tracer observability.Tracer
	logger *zap.Logger

	mu         sync.Mutex
	interps    map[string]*interp
	transforms map[string]TransformHandler
	customs    map[string]CustomHandler
	closed     bool
}

// New creates an Engine. The id is the engine's bus identity used as the
// sender of task node requests.
func New(id types.AgentID, cfg Config, bus *communication.Bus, store *statestore.Store, tracer observability.Tracer, logger *zap.Logger) *Engine {
	if tracer == nil {
		tracer = observability.NewNoOpTracer()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		id:         id,
		cfg:        cfg.withDefaults(),
		bus:        bus,
		store:      store,
		eval:       NewEvaluator(),
		tracer:     tracer,
		logger:     logger.Named("workflow"),
		interps:    make(map[string]*interp),
		transforms: make(map[string]TransformHandler),
		customs:    make(map[string]CustomHandler),
	}
}

// RegisterFunction installs a condition handler for function conditions.
func (e *Engine) RegisterFunction(name string, fn FunctionHandler) {
	e.eval.RegisterFunction(name, fn)
}

// RegisterTransform installs a transform node handler.
func (e *Engine) RegisterTransform(name string, fn TransformHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transforms[name] = fn
}

// RegisterHandler installs a custom node handler.
func (e *Engine) RegisterHandler(name string, fn CustomHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.customs[name] = fn
}

// StartWorkflow validates the definition, persists it, creates an
// instance with the given inputs, and starts its interpreter. It returns
// the new instance id.
func (e *Engine) StartWorkflow(ctx context.Context, defn *types.WorkflowDefinition, inputs map[string]interface{}, parent string) (string, error) {
	ctx, span := e.tracer.StartSpan(ctx, "workflow.start",
		observability.WithAttribute("workflow.id", defn.ID))
	defer e.tracer.EndSpan(span)

	if err := ValidateDefinition(defn); err != nil {
		span.RecordError(err)
		return "", err
	}
	if err := e.store.SaveWorkflow(ctx, defn); err != nil {
		return "", fmt.Errorf("persist workflow %s: %w", defn.ID, err)
	}

	var startID string
	for _, n := range defn.Nodes {
		if n.Type == types.NodeStart {
			startID = n.ID
			break
		}
	}

	variables := make(map[string]interface{}, len(defn.Variables))
	for _, v := range defn.Variables {
		variables[v.Name] = v.Default
	}
	if inputs == nil {
		inputs = map[string]interface{}{}
	}

	inst := &types.WorkflowInstance{
		ID:           types.NewID("inst"),
		DefinitionID: defn.ID,
		Status:       types.InstanceRunning,
		CurrentNode:  startID,
		Context: types.WorkflowContext{
			Inputs:      inputs,
			Variables:   variables,
			Outputs:     map[string]interface{}{},
			NodeOutputs: map[string]interface{}{},
			Metadata:    map[string]string{},
		},
		Parent:    parent,
		StartedAt: types.Now(),
	}

	e.recordEvent(ctx, inst.ID, types.EventInstanceCreated, "", map[string]interface{}{
		"definitionId": defn.ID,
		"parent":       parent,
	})
	e.recordEvent(ctx, inst.ID, types.EventInstanceStarted, "", nil)
	if err := e.store.SaveInstance(ctx, inst); err != nil {
		return "", fmt.Errorf("persist instance %s: %w", inst.ID, err)
	}

	if _, err := e.spawn(defn, inst); err != nil {
		return "", err
	}
	e.logger.Info("workflow started",
		zap.String("instance_id", inst.ID),
		zap.String("workflow_id", defn.ID))
	return inst.ID, nil
}

// spawn registers and runs an interpreter for the instance.
func (e *Engine) spawn(defn *types.WorkflowDefinition, inst *types.WorkflowInstance) (*interp, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrNotRunning
	}
	it := newInterp(e, defn, inst)
	e.interps[inst.ID] = it
	go it.run()
	return it, nil
}

func (e *Engine) dropInterp(id string) {
	e.mu.Lock()
	delete(e.interps, id)
	e.mu.Unlock()
}

func (e *Engine) interp(id string) *interp {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.interps[id]
}

// PauseWorkflow stops an instance's interpreter, takes a synchronous
// snapshot, and leaves the instance paused. It returns once the
// interpreter has fully stopped.
func (e *Engine) PauseWorkflow(ctx context.Context, id string) error {
	it := e.interp(id)
	if it == nil {
		return fmt.Errorf("%w: %s is not executing", ErrInstanceNotFound, id)
	}
	it.stop(stopPause, "")
	select {
	case <-it.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ResumeWorkflow restores a paused instance from its latest snapshot,
// replays events recorded after the snapshot, and restarts the
// interpreter.
func (e *Engine) ResumeWorkflow(ctx context.Context, id string) error {
	ctx, span := e.tracer.StartSpan(ctx, "workflow.resume",
		observability.WithAttribute("workflow.instance_id", id))
	defer e.tracer.EndSpan(span)

	stored, err := e.store.GetInstance(ctx, id)
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
		}
		return err
	}
	if stored.Status != types.InstancePaused {
		return fmt.Errorf("%w: %s is %s", ErrNotPaused, id, stored.Status)
	}

	snap, err := e.store.LatestSnapshot(ctx, id)
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNoSnapshot, id)
		}
		return err
	}
	inst := &types.WorkflowInstance{}
	if err := json.Unmarshal(snap.State, inst); err != nil {
		return fmt.Errorf("restore snapshot %s: %w", snap.ID, err)
	}

	// Catch up anything recorded around the suspend.
	events, err := e.store.GetEvents(ctx, id, &snap.Timestamp)
	if err != nil {
		return err
	}
	for _, ev := range events {
		statestore.ApplyEvent(inst, ev)
	}
	if inst.Status.IsTerminal() {
		return e.store.SaveInstance(ctx, inst)
	}

	defn, err := e.store.GetWorkflow(ctx, inst.DefinitionID)
	if err != nil {
		return fmt.Errorf("load definition %s: %w", inst.DefinitionID, err)
	}

	inst.Status = types.InstanceRunning
	e.recordEvent(ctx, id, types.EventInstanceResumed, inst.CurrentNode, map[string]interface{}{
		"snapshotId":     snap.ID,
		"replayedEvents": len(events),
	})
	if err := e.store.SaveInstance(ctx, inst); err != nil {
		return err
	}

	if _, err := e.spawn(defn, inst); err != nil {
		return err
	}
	e.logger.Info("workflow resumed",
		zap.String("instance_id", id),
		zap.String("snapshot_id", snap.ID),
		zap.Int("replayed_events", len(events)))
	return nil
}

// CancelWorkflow stops an instance permanently. A paused instance is
// cancelled in place; a running one has its interpreter stopped first.
func (e *Engine) CancelWorkflow(ctx context.Context, id, reason string) error {
	if it := e.interp(id); it != nil {
		it.stop(stopCancel, reason)
		select {
		case <-it.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
		}
		return err
	}
	if inst.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, id, inst.Status)
	}
	now := types.Now()
	inst.Status = types.InstanceCancelled
	inst.CompletedAt = &now
	e.recordEvent(ctx, id, types.EventInstanceCancelled, inst.CurrentNode, map[string]interface{}{
		"reason": reason,
	})
	return e.store.SaveInstance(ctx, inst)
}

// CompleteHumanTask answers a pending human task and lets its instance
// continue. The response becomes the human task node's output.
func (e *Engine) CompleteHumanTask(ctx context.Context, instanceID, taskID string, response map[string]interface{}) error {
	task, err := e.store.GetHumanTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			return fmt.Errorf("workflow: human task %s not found", taskID)
		}
		return err
	}
	if task.InstanceID != instanceID {
		return fmt.Errorf("workflow: human task %s belongs to %s", taskID, task.InstanceID)
	}
	if task.Status != types.HumanTaskPending {
		return fmt.Errorf("workflow: human task %s is %s", taskID, task.Status)
	}

	it := e.interp(instanceID)
	if it == nil {
		return fmt.Errorf("%w: %s is not executing", ErrInstanceNotFound, instanceID)
	}
	select {
	case it.humanResp <- humanResponse{taskID: taskID, response: response}:
		return nil
	case <-it.done:
		return fmt.Errorf("workflow: instance %s stopped before the response was taken", instanceID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DeliverEvent hands an external event to an instance. Event nodes
// waiting for the matching type consume it; anything else is dropped by
// the interpreter.
func (e *Engine) DeliverEvent(ctx context.Context, instanceID, eventType string, payload map[string]interface{}) error {
	it := e.interp(instanceID)
	if it == nil {
		return fmt.Errorf("%w: %s is not executing", ErrInstanceNotFound, instanceID)
	}
	select {
	case it.extEvents <- externalEvent{eventType: eventType, payload: payload}:
		return nil
	case <-it.done:
		return fmt.Errorf("workflow: instance %s stopped", instanceID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetWorkflowStatus returns the current instance state: the live copy
// when the interpreter is running, the stored record otherwise.
func (e *Engine) GetWorkflowStatus(ctx context.Context, id string) (*types.WorkflowInstance, error) {
	if it := e.interp(id); it != nil {
		return it.snapshotInstance(), nil
	}
	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
		}
		return nil, err
	}
	return inst, nil
}

// awaitInstance blocks until the instance's interpreter finishes, then
// returns the stored terminal record.
func (e *Engine) awaitInstance(ctx context.Context, id string) (*types.WorkflowInstance, error) {
	it := e.interp(id)
	if it != nil {
		select {
		case <-it.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return e.store.GetInstance(ctx, id)
}

// Shutdown pauses every running interpreter so instances stay resumable,
// then flushes the event buffer.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	running := make([]*interp, 0, len(e.interps))
	for _, it := range e.interps {
		running = append(running, it)
	}
	e.mu.Unlock()

	for _, it := range running {
		it.stop(stopPause, "")
	}
	for _, it := range running {
		select {
		case <-it.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return e.store.Flush(context.WithoutCancel(ctx))
}

// recordEvent appends one event; store failures are logged, never
// propagated into the interpreter's control flow.
func (e *Engine) recordEvent(ctx context.Context, instanceID, eventType, nodeID string, payload map[string]interface{}) {
	ev := &types.Event{
		ID:         types.NewID("event"),
		InstanceID: instanceID,
		Type:       eventType,
		NodeID:     nodeID,
		Payload:    payload,
		Timestamp:  types.Now(),
	}
	if err := e.store.RecordEvent(ctx, ev); err != nil {
		e.logger.Error("event write failed",
			zap.String("instance_id", instanceID),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

func (e *Engine) transform(name string) TransformHandler {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transforms[name]
}

func (e *Engine) custom(name string) CustomHandler {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.customs[name]
}
