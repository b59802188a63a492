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

// Package agent hosts the per-agent runtime: a serial mailbox consumer
// that answers the reserved topics, executes task assignments, and emits
// heartbeats.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/hive/pkg/communication"
	"github.com/teradata-labs/hive/pkg/observability"
	"github.com/teradata-labs/hive/pkg/types"
)

// DefaultHeartbeatInterval is the cadence of heartbeat INFORMs.
const DefaultHeartbeatInterval = 10 * time.Second

// Options configures a Runtime.
type Options struct {
	HeartbeatInterval time.Duration
	Executor          Executor
	Voter             Voter
	Tracer            observability.Tracer
	Logger            *zap.Logger
}

// Runtime is one agent's unit of execution. It owns its mailbox consumer
// loop and processes one message at a time, so there is at most one task
// in flight per agent.
type Runtime struct {
	mu      sync.RWMutex
	profile types.AgentProfile

	bus     *communication.Bus
	mailbox *communication.Mailbox

	executor Executor
	voter    Voter
	tracer   observability.Tracer
	logger   *zap.Logger

	heartbeatInterval time.Duration

	// Rolling counters, reported on performance:metrics.
	messagesProcessed atomic.Int64
	tasksCompleted    atomic.Int64
	tasksFailed       atomic.Int64
	taskMillisTotal   atomic.Int64

	// Cancellation hook for the task currently executing, if any.
	taskMu     sync.Mutex
	taskCancel context.CancelFunc
	taskID     string

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
}

// New creates a Runtime for the given profile. The profile's state is
// forced to idle until Start.
func New(profile types.AgentProfile, bus *communication.Bus, opts Options) *Runtime {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Tracer == nil {
		opts.Tracer = observability.NewNoOpTracer()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.Voter == nil {
		opts.Voter = VoterFunc(func(context.Context, string, map[string]interface{}) (bool, string) {
			return true, "no objection"
		})
	}
	profile.State = types.AgentIdle
	return &Runtime{
		profile:           profile,
		bus:               bus,
		executor:          opts.Executor,
		voter:             opts.Voter,
		tracer:            opts.Tracer,
		logger:            opts.Logger.With(zap.String("agent", profile.ID.Key())),
		heartbeatInterval: opts.HeartbeatInterval,
	}
}

// ID returns the agent's identity.
func (r *Runtime) ID() types.AgentID {
	return r.profile.ID
}

// Profile returns a copy of the current profile.
func (r *Runtime) Profile() types.AgentProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.profile
}

// Start registers with the bus and launches the consumer and heartbeat
// loops.
func (r *Runtime) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return fmt.Errorf("agent %s already started", r.profile.ID.Key())
	}
	mailbox, err := r.bus.Register(r.profile.ID)
	if err != nil {
		r.started.Store(false)
		return err
	}
	r.mailbox = mailbox

	r.setState(types.AgentActive)

	loopCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.wg.Add(2)
	go r.consumeLoop(loopCtx)
	go r.heartbeatLoop(loopCtx)

	r.logger.Info("agent started",
		zap.String("type", string(r.profile.Type)),
		zap.Duration("heartbeat_interval", r.heartbeatInterval))
	return nil
}

// Stop cancels the loops and deregisters from the bus.
func (r *Runtime) Stop() error {
	if !r.started.CompareAndSwap(true, false) {
		return nil
	}
	r.cancelCurrentTask()
	r.cancel()
	r.wg.Wait()
	r.setState(types.AgentOffline)
	err := r.bus.Deregister(r.profile.ID)
	r.logger.Info("agent stopped")
	return err
}

func (r *Runtime) setState(state types.AgentState) {
	r.mu.Lock()
	r.profile.State = state
	r.mu.Unlock()
}

func (r *Runtime) setWorkload(w float64) {
	r.mu.Lock()
	r.profile.Workload = w
	r.mu.Unlock()
}

func (r *Runtime) consumeLoop(ctx context.Context) {
	defer r.wg.Done()
	for {
		msg, err := r.mailbox.Receive(ctx)
		if err != nil {
			return
		}
		r.messagesProcessed.Add(1)
		r.handle(ctx, msg)
	}
}

func (r *Runtime) heartbeatLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			profile := r.Profile()
			err := r.bus.Broadcast(ctx, r.profile.ID, types.MessageInform, types.TopicHeartbeat,
				map[string]interface{}{
					"state":    string(profile.State),
					"workload": profile.Workload,
				}, types.PriorityLow)
			if err != nil {
				r.logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (r *Runtime) handle(ctx context.Context, msg *types.Message) {
	ctx, span := r.tracer.StartSpan(ctx, "agent.handle",
		observability.WithAttribute(observability.AttrAgentID, r.profile.ID.Key()),
		observability.WithAttribute(observability.AttrMessageTopic, msg.Content.Topic))
	defer r.tracer.EndSpan(span)

	topic := msg.Content.Topic
	switch {
	case topic == types.TopicCapabilityQuery:
		r.respond(ctx, msg, map[string]interface{}{
			"capabilities": r.Profile().Capabilities,
			"type":         string(r.profile.Type),
		})
	case topic == types.TopicStateQuery:
		profile := r.Profile()
		r.respond(ctx, msg, map[string]interface{}{
			"state":    string(profile.State),
			"workload": profile.Workload,
		})
	case topic == types.TopicPerformanceMetrics:
		r.respond(ctx, msg, r.metricsBody())
	case topic == types.TopicTaskAssignment:
		r.handleAssignment(ctx, msg)
	case topic == types.TopicTaskCancel:
		r.handleCancel(msg)
	case msg.Type == types.MessageConsensus:
		r.handleConsensus(ctx, msg)
	case topic == types.TopicHeartbeat:
		// Peer heartbeats are monitored by the scheduler, not by agents.
	default:
		r.logger.Debug("ignoring message", zap.String("topic", topic), zap.String("type", string(msg.Type)))
		if msg.RequiresResponse {
			r.respond(ctx, msg, map[string]interface{}{
				"error": fmt.Sprintf("unsupported topic: %s", topic),
			})
		}
	}
}

func (r *Runtime) metricsBody() map[string]interface{} {
	completed := r.tasksCompleted.Load()
	failed := r.tasksFailed.Load()
	var avgMillis float64
	if done := completed + failed; done > 0 {
		avgMillis = float64(r.taskMillisTotal.Load()) / float64(done)
	}
	return map[string]interface{}{
		"messagesProcessed": r.messagesProcessed.Load(),
		"tasksCompleted":    completed,
		"tasksFailed":       failed,
		"avgTaskMillis":     avgMillis,
	}
}

// handleAssignment runs the assigned tasks serially and answers with one
// RESPONSE carrying per-task outcomes.
func (r *Runtime) handleAssignment(ctx context.Context, msg *types.Message) {
	tasks, err := decodeTasks(msg.Content.Body["tasks"])
	if err != nil {
		r.logger.Warn("bad task assignment", zap.Error(err))
		r.respond(ctx, msg, map[string]interface{}{"success": false, "error": err.Error()})
		return
	}

	r.setState(types.AgentBusy)
	r.setWorkload(100)
	defer func() {
		r.setWorkload(0)
		r.setState(types.AgentActive)
	}()

	results := make(map[string]interface{}, len(tasks))
	allOK := true
	for _, task := range tasks {
		output, err := r.executeTask(ctx, msg, task)
		if err != nil {
			allOK = false
			r.tasksFailed.Add(1)
			results[task.ID] = map[string]interface{}{"success": false, "error": err.Error()}
			r.logger.Warn("task failed",
				zap.String("task_id", task.ID),
				zap.Error(err))
			continue
		}
		r.tasksCompleted.Add(1)
		results[task.ID] = map[string]interface{}{"success": true, "output": output}
	}

	r.respond(ctx, msg, map[string]interface{}{
		"success": allOK,
		"results": results,
	})
}

func (r *Runtime) executeTask(ctx context.Context, assignment *types.Message, task *types.Task) (map[string]interface{}, error) {
	if r.executor == nil {
		return nil, fmt.Errorf("agent %s has no executor", r.profile.ID.Key())
	}

	var taskCtx context.Context
	var cancel context.CancelFunc
	if task.TimeoutMs > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, time.Duration(task.TimeoutMs)*time.Millisecond)
	} else {
		taskCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	r.taskMu.Lock()
	r.taskCancel = cancel
	r.taskID = task.ID
	r.taskMu.Unlock()
	defer func() {
		r.taskMu.Lock()
		r.taskCancel = nil
		r.taskID = ""
		r.taskMu.Unlock()
	}()

	// Progress INFORM on entry; the scheduler uses these to reset its
	// stall timers.
	r.sendProgress(ctx, assignment.From, task.ID, 0)

	start := time.Now()
	output, err := r.executor.Execute(taskCtx, task)
	r.taskMillisTotal.Add(time.Since(start).Milliseconds())
	if err != nil {
		return nil, err
	}

	r.sendProgress(ctx, assignment.From, task.ID, 100)
	return output, nil
}

func (r *Runtime) sendProgress(ctx context.Context, to types.AgentID, taskID string, progress float64) {
	inform := types.NewMessage(r.profile.ID, []types.AgentID{to}, types.MessageInform, types.PriorityNormal,
		"task:progress", map[string]interface{}{
			"taskId":   taskID,
			"progress": progress,
		})
	if err := r.bus.Send(ctx, inform); err != nil {
		r.logger.Debug("progress report failed", zap.Error(err))
	}
}

func (r *Runtime) handleCancel(msg *types.Message) {
	taskID, _ := msg.Content.Body["taskId"].(string)
	r.taskMu.Lock()
	defer r.taskMu.Unlock()
	if r.taskCancel != nil && (taskID == "" || taskID == r.taskID) {
		r.logger.Info("cancelling task", zap.String("task_id", r.taskID))
		r.taskCancel()
	}
}

func (r *Runtime) cancelCurrentTask() {
	r.taskMu.Lock()
	defer r.taskMu.Unlock()
	if r.taskCancel != nil {
		r.taskCancel()
	}
}

func (r *Runtime) handleConsensus(ctx context.Context, msg *types.Message) {
	proposalID, _ := msg.Content.Body["proposalId"].(string)
	proposal, _ := msg.Content.Body["proposal"].(map[string]interface{})
	approve, reason := r.voter.Vote(ctx, proposalID, proposal)
	r.respond(ctx, msg, map[string]interface{}{
		"proposalId": proposalID,
		"approve":    approve,
		"reason":     reason,
	})
}

func (r *Runtime) respond(ctx context.Context, req *types.Message, body map[string]interface{}) {
	resp := req.Response(r.profile.ID, body)
	if err := r.bus.Send(ctx, resp); err != nil {
		r.logger.Warn("response failed",
			zap.String("topic", req.Content.Topic),
			zap.Error(err))
	}
}

// decodeTasks accepts either []*types.Task (in-process callers) or the
// JSON shape produced by serializing one.
func decodeTasks(v interface{}) ([]*types.Task, error) {
	switch t := v.(type) {
	case nil:
		return nil, fmt.Errorf("assignment carries no tasks")
	case []*types.Task:
		return t, nil
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("unrecognized tasks payload: %w", err)
		}
		var tasks []*types.Task
		if err := json.Unmarshal(raw, &tasks); err != nil {
			return nil, fmt.Errorf("unrecognized tasks payload: %w", err)
		}
		return tasks, nil
	}
}
