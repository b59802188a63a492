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
package hive

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/hive/pkg/communication"
	"github.com/teradata-labs/hive/pkg/coordinator"
	"github.com/teradata-labs/hive/pkg/observability"
	"github.com/teradata-labs/hive/pkg/statestore"
	"github.com/teradata-labs/hive/pkg/types"
)

var (
	// ErrNotRunning is returned for operations before Initialize or
	// after Shutdown.
	ErrNotRunning = errors.New("hive: scheduler not running")
	// ErrUnknownTask is returned for unknown task ids.
	ErrUnknownTask = errors.New("hive: unknown task")
	// ErrNoAgents is returned when no assignable agent exists for a task.
	ErrNoAgents = errors.New("hive: no assignable agent")
	// ErrRetriesExhausted is returned when a task is out of retries.
	ErrRetriesExhausted = errors.New("hive: retry cap reached")
	// ErrConsensusNotReached is returned when a required consensus is
	// rejected or expires.
	ErrConsensusNotReached = errors.New("hive: consensus not reached")
)

// Status is the scheduler lifecycle state.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusRunning  Status = "running"
	StatusDraining Status = "draining"
	StatusStopped  Status = "stopped"
)

// Config tunes the scheduler control loops and recovery policy.
type Config struct {
	StallThreshold     time.Duration // no progress for this long marks a task stalled
	HealthInterval     time.Duration // health + progress tick
	AnalysisInterval   time.Duration // pattern analysis tick
	HeartbeatInterval  time.Duration // expected agent heartbeat cadence
	ConsensusThreshold float64       // positive-vote ratio to achieve
	MaxRetries         int           // per-task retry cap
	RetryBackoff       time.Duration // base back-off, doubled per retry
	TaskTimeout        time.Duration // default per-task response bound
	CacheTTL           time.Duration // decomposition cache TTL
}

func (c Config) withDefaults() Config {
	if c.StallThreshold <= 0 {
		c.StallThreshold = 10 * time.Minute
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 5 * time.Second
	}
	if c.AnalysisInterval <= 0 {
		c.AnalysisInterval = 60 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.ConsensusThreshold <= 0 {
		c.ConsensusThreshold = 0.66
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = baseTaskTimeout
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	return c
}

// Validate rejects configs the scheduler cannot run with.
func (c Config) Validate() error {
	if c.ConsensusThreshold < 0 || c.ConsensusThreshold > 1 {
		return fmt.Errorf("hive: consensus threshold %v outside (0,1]", c.ConsensusThreshold)
	}
	if c.StallThreshold < 0 || c.HealthInterval < 0 || c.AnalysisInterval < 0 {
		return fmt.Errorf("hive: negative interval in config")
	}
	return nil
}

// Stats is a point-in-time scheduler summary.
type Stats struct {
	Status         Status `json:"status"`
	GoalsSubmitted int64  `json:"goalsSubmitted"`
	TasksPlanned   int64  `json:"tasksPlanned"`
	TasksCompleted int64  `json:"tasksCompleted"`
	TasksFailed    int64  `json:"tasksFailed"`
	TasksCancelled int64  `json:"tasksCancelled"`
	Reassignments  int64  `json:"reassignments"`
	Retries        int64  `json:"retries"`
	TrackedAgents  int    `json:"trackedAgents"`
}

// trackedTask is the scheduler's bookkeeping for one in-flight task.
type trackedTask struct {
	task         *types.Task
	goalDesc     string
	strategy     PlanStrategy
	assignee     string
	gen          int // bumped on every (re)assignment; stale waiters check it
	lastProgress time.Time
	cancelWait   context.CancelFunc
	dependents   []string // task ids that declared a dependency on this one
}

// Hive is the queen scheduler.
type Hive struct {
	cfg      Config
	id       types.AgentID
	bus      *communication.Bus
	registry *coordinator.AgentRegistry
	store    *statestore.Store
	tracer   observability.Tracer
	logger   *zap.Logger

	cache   *planCache
	mailbox *communication.Mailbox

	mu     sync.Mutex
	status Status
	tasks  map[string]*trackedTask

	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup

	goalsSubmitted int64
	tasksPlanned   int64
	tasksCompleted int64
	tasksFailed    int64
	tasksCancelled int64
	reassignments  int64
	retries        int64
}

// New creates a scheduler. The store may be nil; without it no events
// are persisted.
func New(id types.AgentID, cfg Config, bus *communication.Bus, registry *coordinator.AgentRegistry, store *statestore.Store, tracer observability.Tracer, logger *zap.Logger) (*Hive, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if tracer == nil {
		tracer = observability.NewNoOpTracer()
	}
	return &Hive{
		cfg:      cfg,
		id:       id,
		bus:      bus,
		registry: registry,
		store:    store,
		tracer:   tracer,
		logger:   logger,
		cache:    newPlanCache(cfg.CacheTTL),
		status:   StatusIdle,
		tasks:    make(map[string]*trackedTask),
	}, nil
}

// Initialize registers the scheduler on the bus and starts its control
// loops: a consumer for progress and heartbeat traffic, a health tick,
// and an analysis tick.
func (h *Hive) Initialize(ctx context.Context) error {
	h.mu.Lock()
	if h.status != StatusIdle {
		h.mu.Unlock()
		return fmt.Errorf("hive: already initialized (status %s)", h.status)
	}
	h.mu.Unlock()

	mb, err := h.bus.Register(h.id)
	if err != nil {
		return err
	}
	h.mailbox = mb

	loopCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.stopCh = make(chan struct{})

	h.mu.Lock()
	h.status = StatusRunning
	h.mu.Unlock()

	h.wg.Add(3)
	go h.consumeLoop(loopCtx)
	go h.healthLoop(loopCtx)
	go h.analysisLoop(loopCtx)

	h.logger.Info("scheduler initialized",
		zap.String("id", h.id.Key()),
		zap.Duration("stall_threshold", h.cfg.StallThreshold))
	return nil
}

// SubmitTask plans a goal under the given strategy and executes the
// resulting batches in the background. The returned tasks are the plan;
// their live state is observable through GetTasks.
func (h *Hive) SubmitTask(ctx context.Context, goal *types.Goal, strategy PlanStrategy) ([]*types.Task, error) {
	if h.GetStatus() != StatusRunning {
		return nil, ErrNotRunning
	}
	ctx, span := h.tracer.StartSpan(ctx, "hive.submit",
		observability.WithAttribute(observability.AttrTaskID, goal.ID))
	defer h.tracer.EndSpan(span)

	if strategy == "" {
		strategy = StrategyAuto
	}

	tasks, cached := h.cache.get(goal.Description, strategy)
	if !cached {
		var err error
		tasks, err = Plan(goal, strategy)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		h.cache.put(goal.Description, strategy, tasks)
	}

	batches, err := Batches(tasks)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if goal.Metadata["requireConsensus"] == "true" {
		if err := h.requirePlanConsensus(ctx, goal, strategy, tasks); err != nil {
			return nil, err
		}
	}

	atomic.AddInt64(&h.goalsSubmitted, 1)
	atomic.AddInt64(&h.tasksPlanned, int64(len(tasks)))
	h.track(goal, strategy, tasks)

	h.wg.Add(1)
	go h.runBatches(goal, batches)

	h.logger.Info("goal submitted",
		zap.String("goal_id", goal.ID),
		zap.String("strategy", string(strategy)),
		zap.Int("tasks", len(tasks)),
		zap.Int("batches", len(batches)))
	return cloneTasks(tasks), nil
}

// track registers plan tasks and wires the dependent index used for
// cascade failure.
func (h *Hive) track(goal *types.Goal, strategy PlanStrategy, tasks []*types.Task) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, task := range tasks {
		h.tasks[task.ID] = &trackedTask{
			task:         task,
			goalDesc:     goal.Description,
			strategy:     strategy,
			lastProgress: time.Now(),
		}
	}
	for _, task := range tasks {
		for _, dep := range task.Dependencies {
			if parent, ok := h.tasks[dep]; ok {
				parent.dependents = append(parent.dependents, task.ID)
			}
		}
	}
}

// runBatches executes batches sequentially, tasks within a batch in
// parallel.
func (h *Hive) runBatches(goal *types.Goal, batches [][]*types.Task) {
	defer h.wg.Done()
	for i, batch := range batches {
		var batchWG sync.WaitGroup
		for _, task := range batch {
			if h.taskStatus(task.ID).IsTerminal() {
				continue
			}
			if h.dependencyFailed(task.ID) {
				h.failTask(task.ID, "dependency failed before start")
				continue
			}
			batchWG.Add(1)
			go func(id string) {
				defer batchWG.Done()
				h.executeTask(id)
			}(task.ID)
		}
		batchWG.Wait()
		h.logger.Debug("batch finished",
			zap.String("goal_id", goal.ID),
			zap.Int("batch", i),
			zap.Duration("estimated", BatchDuration(batch, h.cfg.TaskTimeout)))
	}
}

// executeTask assigns the task to the best-scored agent and waits for
// the correlated response, applying the retry policy on failure.
func (h *Hive) executeTask(taskID string) {
	for {
		tracked := h.tracked(taskID)
		if tracked == nil || tracked.task.Status.IsTerminal() {
			return
		}

		assignee, gen, err := h.assign(tracked)
		if err != nil {
			h.failTask(taskID, fmt.Sprintf("assignment: %v", err))
			return
		}

		resp, err := h.awaitResult(tracked, assignee)
		switch {
		case h.genOf(taskID) != gen:
			// Reassigned out from under us; the new owner drives it.
			return
		case err == nil && resp:
			h.completeTask(taskID, assignee)
			return
		case h.taskStatus(taskID).IsTerminal():
			return
		default:
			if !h.scheduleRetry(taskID, assignee, err) {
				return
			}
		}
	}
}

// assign picks the best-scored assignable agent, marks the task
// assigned, and records the event.
func (h *Hive) assign(tracked *trackedTask) (string, int, error) {
	best, ok := h.pickAgent(tracked.task, "")
	if !ok {
		return "", 0, ErrNoAgents
	}
	key := best.ID.Key()

	h.mu.Lock()
	tracked.assignee = key
	tracked.gen++
	gen := tracked.gen
	tracked.lastProgress = time.Now()
	tracked.task.Status = types.TaskAssigned
	tracked.task.AssignedAgents = []string{key}
	tracked.task.UpdatedAt = types.Now()
	h.mu.Unlock()

	h.recordTaskEvent(tracked.task.ID, types.EventTaskAssigned, map[string]interface{}{"agent": key})
	return key, gen, nil
}

func (h *Hive) genOf(taskID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if tracked, ok := h.tasks[taskID]; ok {
		return tracked.gen
	}
	return -1
}

// pickAgent scores all assignable agents for the task, excluding one
// key (the previous assignee on reassignment). Ties break to fewer
// completed tasks, then earliest registration.
func (h *Hive) pickAgent(task *types.Task, exclude string) (types.AgentProfile, bool) {
	var best types.AgentProfile
	bestScore := -1.0
	found := false
	for _, profile := range h.registry.List() {
		key := profile.ID.Key()
		if key == exclude || key == h.id.Key() || !coordinator.Assignable(profile.State) {
			continue
		}
		score := ScoreAgent(profile, task, h.registry)
		better := score > bestScore
		if !better && score == bestScore && found {
			ca, cb := h.registry.CompletedTasks(key), h.registry.CompletedTasks(best.ID.Key())
			better = ca < cb || (ca == cb && h.registry.JoinOrder(key) < h.registry.JoinOrder(best.ID.Key()))
		}
		if !found || better {
			best = profile
			bestScore = score
			found = true
		}
	}
	return best, found
}

// awaitResult sends the assignment and blocks for the agent's response.
// Returns (true, nil) on success, (false, nil) on an agent-reported
// failure, and (false, err) on timeout or transport error.
func (h *Hive) awaitResult(tracked *trackedTask, assignee string) (bool, error) {
	agentID, err := types.ParseAgentID(assignee)
	if err != nil {
		return false, err
	}

	waitCtx, cancel := context.WithCancel(context.Background())
	h.mu.Lock()
	timeout := h.cfg.TaskTimeout
	if tracked.task.TimeoutMs > 0 {
		timeout = time.Duration(tracked.task.TimeoutMs) * time.Millisecond
	}
	tracked.cancelWait = cancel
	taskCopy := cloneTasks([]*types.Task{tracked.task})[0]
	h.mu.Unlock()
	defer cancel()

	msg := types.NewMessage(h.id, []types.AgentID{agentID}, types.MessageCommand, taskCopy.Priority,
		types.TopicTaskAssignment, map[string]interface{}{
			"tasks":  []*types.Task{taskCopy},
			"goalId": taskCopy.GoalID,
		})

	h.markInProgress(taskCopy.ID)
	resp, err := h.bus.SendAndWait(waitCtx, msg, timeout)
	if err != nil {
		return false, err
	}

	results, _ := resp.Content.Body["results"].(map[string]interface{})
	if result, ok := results[taskCopy.ID].(map[string]interface{}); ok {
		success, _ := result["success"].(bool)
		return success, nil
	}
	success, _ := resp.Content.Body["success"].(bool)
	return success, nil
}

func (h *Hive) markInProgress(taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if tracked, ok := h.tasks[taskID]; ok && tracked.task.Status == types.TaskAssigned {
		tracked.task.Status = types.TaskInProgress
		tracked.task.UpdatedAt = types.Now()
	}
}

// scheduleRetry applies the exponential back-off policy in place.
// Returns false when the task is permanently failed.
func (h *Hive) scheduleRetry(taskID, assignee string, cause error) bool {
	h.mu.Lock()
	tracked, ok := h.tasks[taskID]
	if !ok || tracked.task.Status.IsTerminal() {
		h.mu.Unlock()
		return false
	}
	if tracked.task.Retries >= h.cfg.MaxRetries {
		h.mu.Unlock()
		reason := "retry cap reached"
		if cause != nil {
			reason = fmt.Sprintf("retry cap reached: %v", cause)
		}
		h.failTask(taskID, reason)
		return false
	}
	tracked.task.Retries++
	tracked.task.Status = types.TaskPending
	tracked.task.UpdatedAt = types.Now()
	attempt := tracked.task.Retries
	h.mu.Unlock()

	atomic.AddInt64(&h.retries, 1)
	backoff := h.cfg.RetryBackoff << (attempt - 1)
	h.logger.Warn("task retrying",
		zap.String("task_id", taskID),
		zap.String("previous_assignee", assignee),
		zap.Int("attempt", attempt),
		zap.Duration("backoff", backoff),
		zap.Error(cause))

	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-h.stopCh:
		// Shutdown interrupts the back-off; the task stays pending.
		return false
	}
}

func (h *Hive) completeTask(taskID, assignee string) {
	h.mu.Lock()
	tracked, ok := h.tasks[taskID]
	if !ok || tracked.task.Status.IsTerminal() {
		h.mu.Unlock()
		return
	}
	tracked.task.Status = types.TaskCompleted
	tracked.task.Progress = 100
	tracked.task.UpdatedAt = types.Now()
	h.mu.Unlock()

	atomic.AddInt64(&h.tasksCompleted, 1)
	h.registry.RecordCompletion(assignee, true)
	h.recordTaskEvent(taskID, types.EventTaskCompleted, map[string]interface{}{"agent": assignee})
	h.persistTask(taskID)
}

// failTask marks the task permanently failed and cascades to its
// dependents.
func (h *Hive) failTask(taskID, reason string) {
	h.mu.Lock()
	tracked, ok := h.tasks[taskID]
	if !ok || tracked.task.Status.IsTerminal() {
		h.mu.Unlock()
		return
	}
	tracked.task.Status = types.TaskFailed
	tracked.task.UpdatedAt = types.Now()
	if tracked.task.Metadata == nil {
		tracked.task.Metadata = make(map[string]string)
	}
	tracked.task.Metadata["failureReason"] = reason
	assignee := tracked.assignee
	h.mu.Unlock()

	atomic.AddInt64(&h.tasksFailed, 1)
	if assignee != "" {
		h.registry.RecordCompletion(assignee, false)
	}
	h.recordTaskEvent(taskID, types.EventTaskFailed, map[string]interface{}{"reason": reason})
	h.persistTask(taskID)
	h.logger.Warn("task failed", zap.String("task_id", taskID), zap.String("reason", reason))

	h.cascadeFail(taskID, reason)
}

// cascadeFail fails every dependent of a failed task, carrying the
// cause chain in metadata.
func (h *Hive) cascadeFail(taskID, rootReason string) {
	h.mu.Lock()
	tracked, ok := h.tasks[taskID]
	if !ok {
		h.mu.Unlock()
		return
	}
	chain := tracked.task.Metadata["causeChain"]
	if chain == "" {
		chain = taskID
	}
	dependents := append([]string(nil), tracked.dependents...)
	h.mu.Unlock()

	for _, depID := range dependents {
		h.mu.Lock()
		dep, ok := h.tasks[depID]
		if !ok || dep.task.Status.IsTerminal() {
			h.mu.Unlock()
			continue
		}
		dep.task.Status = types.TaskFailed
		dep.task.UpdatedAt = types.Now()
		if dep.task.Metadata == nil {
			dep.task.Metadata = make(map[string]string)
		}
		dep.task.Metadata["causeKind"] = "dependency_failed"
		dep.task.Metadata["causeChain"] = chain + "," + depID
		if dep.cancelWait != nil {
			dep.cancelWait()
		}
		h.mu.Unlock()

		atomic.AddInt64(&h.tasksFailed, 1)
		h.recordTaskEvent(depID, types.EventTaskFailed, map[string]interface{}{
			"reason":     "dependency failed",
			"causeChain": chain,
			"rootCause":  rootReason,
		})
		h.persistTask(depID)
		h.cascadeFail(depID, rootReason)
	}
}

// dependencyFailed reports whether any dependency of the task failed.
func (h *Hive) dependencyFailed(taskID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	tracked, ok := h.tasks[taskID]
	if !ok {
		return false
	}
	for _, dep := range tracked.task.Dependencies {
		if parent, ok := h.tasks[dep]; ok &&
			(parent.task.Status == types.TaskFailed || parent.task.Status == types.TaskCancelled) {
			return true
		}
	}
	return false
}

// CancelTask cancels a tracked task: its wait is released, the assignee
// receives task:cancel, and the status becomes cancelled.
func (h *Hive) CancelTask(ctx context.Context, taskID string) error {
	h.mu.Lock()
	tracked, ok := h.tasks[taskID]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	if tracked.task.Status.IsTerminal() {
		h.mu.Unlock()
		return fmt.Errorf("hive: task %s already %s", taskID, tracked.task.Status)
	}
	tracked.task.Status = types.TaskCancelled
	tracked.task.UpdatedAt = types.Now()
	assignee := tracked.assignee
	if tracked.cancelWait != nil {
		tracked.cancelWait()
	}
	h.mu.Unlock()

	atomic.AddInt64(&h.tasksCancelled, 1)
	if assignee != "" {
		h.sendCancel(ctx, assignee, taskID, "cancelled by scheduler")
	}
	h.recordTaskEvent(taskID, types.EventTaskCancelled, nil)
	h.persistTask(taskID)
	return nil
}

// RetryTask retries a failed task as a fresh task referencing the
// original, invalidating the cached decomposition for its goal.
func (h *Hive) RetryTask(ctx context.Context, taskID string) (*types.Task, error) {
	if h.GetStatus() != StatusRunning {
		return nil, ErrNotRunning
	}
	h.mu.Lock()
	tracked, ok := h.tasks[taskID]
	if !ok {
		h.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	if tracked.task.Status != types.TaskFailed && tracked.task.Status != types.TaskCancelled {
		h.mu.Unlock()
		return nil, fmt.Errorf("hive: task %s is %s, only failed or cancelled tasks retry", taskID, tracked.task.Status)
	}
	if tracked.task.Retries >= h.cfg.MaxRetries {
		h.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrRetriesExhausted, taskID)
	}
	next := tracked.task.Retry()
	h.tasks[next.ID] = &trackedTask{
		task:         next,
		goalDesc:     tracked.goalDesc,
		strategy:     tracked.strategy,
		lastProgress: time.Now(),
	}
	goalDesc, strategy := tracked.goalDesc, tracked.strategy
	h.mu.Unlock()

	h.cache.invalidate(goalDesc, strategy)
	atomic.AddInt64(&h.retries, 1)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.executeTask(next.ID)
	}()
	return cloneTasks([]*types.Task{next})[0], nil
}

// consumeLoop handles progress INFORMs and heartbeats addressed to the
// scheduler.
func (h *Hive) consumeLoop(ctx context.Context) {
	defer h.wg.Done()
	for {
		msg, err := h.mailbox.Receive(ctx)
		if err != nil {
			return
		}
		switch msg.Content.Topic {
		case "task:progress":
			h.noteProgress(msg)
		case types.TopicHeartbeat:
			h.noteHeartbeat(msg)
		default:
			h.logger.Debug("scheduler ignoring message",
				zap.String("topic", msg.Content.Topic),
				zap.String("from", msg.From.Key()))
		}
	}
}

func (h *Hive) noteProgress(msg *types.Message) {
	taskID, _ := msg.Content.Body["taskId"].(string)
	progress, _ := msg.Content.Body["progress"].(float64)
	h.mu.Lock()
	defer h.mu.Unlock()
	if tracked, ok := h.tasks[taskID]; ok {
		tracked.lastProgress = time.Now()
		if progress > tracked.task.Progress && !tracked.task.Status.IsTerminal() {
			tracked.task.Progress = progress
		}
	}
}

func (h *Hive) noteHeartbeat(msg *types.Message) {
	key := msg.From.Key()
	h.registry.MarkHeartbeat(key, time.Now())
	if workload, ok := msg.Content.Body["workload"].(float64); ok {
		h.registry.SetWorkload(key, workload)
	}
}

// healthLoop is the 5s tick: heartbeat sweep, agent-failure recovery,
// and stall detection.
func (h *Hive) healthLoop(ctx context.Context) {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweepAgents(ctx)
			h.sweepStalls(ctx)
		}
	}
}

// sweepAgents marks silent agents unresponsive, then takes failed
// agents out of rotation and reassigns their in-flight work.
func (h *Hive) sweepAgents(ctx context.Context) {
	cutoff := time.Now().Add(-3 * h.cfg.HeartbeatInterval)
	for _, key := range h.registry.SweepUnresponsive(cutoff) {
		h.logger.Warn("agent unresponsive", zap.String("agent", key))
	}

	for _, profile := range h.registry.List() {
		if profile.State != types.AgentUnresponsive && profile.State != types.AgentError {
			continue
		}
		key := profile.ID.Key()
		if err := h.registry.SetState(key, types.AgentOffline); err != nil {
			continue
		}
		h.logger.Warn("agent taken offline", zap.String("agent", key))
		for _, taskID := range h.inFlightFor(key) {
			h.reassign(ctx, taskID, key, "agent failure")
		}
	}
}

func (h *Hive) inFlightFor(assignee string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for id, tracked := range h.tasks {
		if tracked.assignee == assignee && !tracked.task.Status.IsTerminal() {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// sweepStalls reassigns tasks without progress past the threshold.
func (h *Hive) sweepStalls(ctx context.Context) {
	cutoff := time.Now().Add(-h.cfg.StallThreshold)
	h.mu.Lock()
	var stalled []struct{ id, assignee string }
	for id, tracked := range h.tasks {
		status := tracked.task.Status
		if (status == types.TaskAssigned || status == types.TaskInProgress) &&
			tracked.lastProgress.Before(cutoff) {
			stalled = append(stalled, struct{ id, assignee string }{id, tracked.assignee})
		}
	}
	h.mu.Unlock()

	sort.Slice(stalled, func(i, j int) bool { return stalled[i].id < stalled[j].id })
	for _, s := range stalled {
		h.reassign(ctx, s.id, s.assignee, "stalled")
	}
}

// reassign moves a task from its current assignee to the next best
// agent: one reassignment event naming both, a cancel to the original,
// and a fresh dispatch.
func (h *Hive) reassign(ctx context.Context, taskID, from, reason string) {
	tracked := h.tracked(taskID)
	if tracked == nil || tracked.task.Status.IsTerminal() {
		return
	}

	next, ok := h.pickAgent(tracked.task, from)
	if !ok {
		h.failTask(taskID, fmt.Sprintf("no agent available for reassignment after %s", reason))
		return
	}
	to := next.ID.Key()

	h.mu.Lock()
	if tracked.cancelWait != nil {
		tracked.cancelWait()
		tracked.cancelWait = nil
	}
	tracked.assignee = to
	tracked.gen++
	gen := tracked.gen
	tracked.lastProgress = time.Now()
	tracked.task.Status = types.TaskAssigned
	tracked.task.AssignedAgents = []string{to}
	tracked.task.UpdatedAt = types.Now()
	h.mu.Unlock()

	atomic.AddInt64(&h.reassignments, 1)
	h.recordTaskEvent(taskID, types.EventTaskReassigned, map[string]interface{}{
		"from":   from,
		"to":     to,
		"reason": reason,
	})
	if from != "" {
		h.sendCancel(ctx, from, taskID, reason)
	}
	h.logger.Info("task reassigned",
		zap.String("task_id", taskID),
		zap.String("from", from),
		zap.String("to", to),
		zap.String("reason", reason))

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		resp, err := h.awaitResult(tracked, to)
		switch {
		case h.genOf(taskID) != gen:
		case err == nil && resp:
			h.completeTask(taskID, to)
		case h.taskStatus(taskID).IsTerminal():
		default:
			if h.scheduleRetry(taskID, to, err) {
				h.executeTask(taskID)
			}
		}
	}()
}

func (h *Hive) sendCancel(ctx context.Context, assignee, taskID, reason string) {
	agentID, err := types.ParseAgentID(assignee)
	if err != nil {
		return
	}
	msg := types.NewMessage(h.id, []types.AgentID{agentID}, types.MessageCommand, types.PriorityHigh,
		types.TopicTaskCancel, map[string]interface{}{
			"taskId": taskID,
			"reason": reason,
		})
	if err := h.bus.Send(ctx, msg); err != nil {
		h.logger.Debug("cancel notification failed",
			zap.String("agent", assignee),
			zap.Error(err))
	}
}

// analysisLoop is the 60s tick: cache hygiene and a stats summary for
// operators.
func (h *Hive) analysisLoop(ctx context.Context) {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.AnalysisInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evicted := h.cache.evictExpired()
			stats := h.GetStats()
			h.logger.Info("scheduler analysis",
				zap.Int64("goals", stats.GoalsSubmitted),
				zap.Int64("completed", stats.TasksCompleted),
				zap.Int64("failed", stats.TasksFailed),
				zap.Int64("reassignments", stats.Reassignments),
				zap.Int("cache_evicted", evicted))
		}
	}
}

// GetStats returns the scheduler counters.
func (h *Hive) GetStats() Stats {
	return Stats{
		Status:         h.GetStatus(),
		GoalsSubmitted: atomic.LoadInt64(&h.goalsSubmitted),
		TasksPlanned:   atomic.LoadInt64(&h.tasksPlanned),
		TasksCompleted: atomic.LoadInt64(&h.tasksCompleted),
		TasksFailed:    atomic.LoadInt64(&h.tasksFailed),
		TasksCancelled: atomic.LoadInt64(&h.tasksCancelled),
		Reassignments:  atomic.LoadInt64(&h.reassignments),
		Retries:        atomic.LoadInt64(&h.retries),
		TrackedAgents:  len(h.registry.List()),
	}
}

// GetAgents returns the known agent profiles in registration order.
func (h *Hive) GetAgents() []types.AgentProfile {
	return h.registry.List()
}

// GetTasks returns copies of all tracked tasks ordered by id.
func (h *Hive) GetTasks() []*types.Task {
	h.mu.Lock()
	tasks := make([]*types.Task, 0, len(h.tasks))
	for _, tracked := range h.tasks {
		tasks = append(tasks, tracked.task)
	}
	h.mu.Unlock()
	out := cloneTasks(tasks)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetTask returns a copy of one tracked task.
func (h *Hive) GetTask(taskID string) (*types.Task, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	tracked, ok := h.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	return cloneTasks([]*types.Task{tracked.task})[0], nil
}

// GetStatus returns the scheduler lifecycle state.
func (h *Hive) GetStatus() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Shutdown drains the scheduler: refuse new work, release waiters, stop
// the loops, and flush persisted state.
func (h *Hive) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.status != StatusRunning {
		h.mu.Unlock()
		return nil
	}
	h.status = StatusDraining
	for _, tracked := range h.tasks {
		if tracked.cancelWait != nil {
			tracked.cancelWait()
		}
	}
	h.mu.Unlock()

	if h.cancel != nil {
		h.cancel()
	}
	if h.stopCh != nil {
		close(h.stopCh)
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		h.logger.Warn("shutdown timed out waiting for workers")
	}

	_ = h.bus.Deregister(h.id)
	if h.store != nil {
		if err := h.store.Flush(context.WithoutCancel(ctx)); err != nil {
			h.logger.Error("final flush failed", zap.Error(err))
		}
	}

	h.mu.Lock()
	h.status = StatusStopped
	h.mu.Unlock()
	h.logger.Info("scheduler stopped")
	return nil
}

func (h *Hive) tracked(taskID string) *trackedTask {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tasks[taskID]
}

func (h *Hive) taskStatus(taskID string) types.TaskStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	if tracked, ok := h.tasks[taskID]; ok {
		return tracked.task.Status
	}
	return types.TaskCancelled
}

func (h *Hive) recordTaskEvent(taskID, eventType string, payload map[string]interface{}) {
	if h.store == nil {
		return
	}
	e := &types.Event{
		ID:         types.NewID("evt"),
		InstanceID: taskID,
		Type:       eventType,
		Payload:    payload,
		Timestamp:  types.Now(),
	}
	if err := h.store.RecordEvent(context.Background(), e); err != nil {
		h.logger.Error("event record failed",
			zap.String("task_id", taskID),
			zap.String("type", eventType),
			zap.Error(err))
	}
}

func (h *Hive) persistTask(taskID string) {
	if h.store == nil {
		return
	}
	h.mu.Lock()
	tracked, ok := h.tasks[taskID]
	var cp *types.Task
	if ok {
		cp = cloneTasks([]*types.Task{tracked.task})[0]
	}
	h.mu.Unlock()
	if cp == nil {
		return
	}
	if err := h.store.SaveTask(context.Background(), cp); err != nil {
		h.logger.Error("task persist failed", zap.String("task_id", taskID), zap.Error(err))
	}
}
