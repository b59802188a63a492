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

// Package schedule runs objectives and workflows on cron schedules.
// Specs come from YAML files in a watched directory (hot-reloaded on
// change) or are registered programmatically; every run is recorded in
// the state store's event log keyed by schedule id.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/teradata-labs/hive/pkg/hive"
	"github.com/teradata-labs/hive/pkg/observability"
	"github.com/teradata-labs/hive/pkg/statestore"
	"github.com/teradata-labs/hive/pkg/types"
)

var (
	// ErrInvalidSpec wraps every spec validation failure.
	ErrInvalidSpec = errors.New("schedule: invalid spec")
	// ErrNotFound is returned for unknown schedule ids.
	ErrNotFound = errors.New("schedule: not found")
	// ErrStillRunning is returned when skipIfRunning blocks a trigger.
	ErrStillRunning = errors.New("schedule: previous execution still running")
)

// Run event types recorded in the history log.
const (
	eventRunStarted   = "schedule.run.started"
	eventRunCompleted = "schedule.run.completed"
	eventRunFailed    = "schedule.run.failed"
	eventRunSkipped   = "schedule.run.skipped"
)

// GoalSpec targets the hive: the description becomes a goal submitted
// under the named planning strategy.
type GoalSpec struct {
	Description string `yaml:"description" json:"description"`
	Strategy    string `yaml:"strategy,omitempty" json:"strategy,omitempty"`
}

// WorkflowSpec targets the workflow engine: the referenced definition is
// started with the given inputs.
type WorkflowSpec struct {
	ID     string                 `yaml:"id" json:"id"`
	Inputs map[string]interface{} `yaml:"inputs,omitempty" json:"inputs,omitempty"`
}

// Spec is one schedule. Exactly one of Goal or Workflow must be set.
type Spec struct {
	ID                  string        `yaml:"id,omitempty" json:"id"`
	Name                string        `yaml:"name,omitempty" json:"name,omitempty"`
	Cron                string        `yaml:"cron" json:"cron"`
	Timezone            string        `yaml:"timezone,omitempty" json:"timezone,omitempty"`
	Enabled             *bool         `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	SkipIfRunning       bool          `yaml:"skipIfRunning,omitempty" json:"skipIfRunning,omitempty"`
	MaxExecutionSeconds int64         `yaml:"maxExecutionSeconds,omitempty" json:"maxExecutionSeconds,omitempty"`
	Goal                *GoalSpec     `yaml:"goal,omitempty" json:"goal,omitempty"`
	Workflow            *WorkflowSpec `yaml:"workflow,omitempty" json:"workflow,omitempty"`

	// Source is the file the spec was loaded from, empty for
	// programmatic registrations.
	Source string `yaml:"-" json:"source,omitempty"`
}

// IsEnabled reports whether the schedule should run; absence means
// enabled.
func (s *Spec) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Execution is one recorded run of a schedule.
type Execution struct {
	ID         string          `json:"id"`
	ScheduleID string          `json:"scheduleId"`
	Status     string          `json:"status"`
	Error      string          `json:"error,omitempty"`
	StartedAt  types.Timestamp `json:"startedAt"`
	DurationMs int64           `json:"durationMs"`
}

// GoalRunner submits scheduled objectives. *hive.Hive satisfies it.
type GoalRunner interface {
	SubmitTask(ctx context.Context, goal *types.Goal, strategy hive.PlanStrategy) ([]*types.Task, error)
}

// WorkflowRunner starts scheduled workflows and reports their progress.
// *workflow.Engine satisfies it.
type WorkflowRunner interface {
	StartWorkflow(ctx context.Context, defn *types.WorkflowDefinition, inputs map[string]interface{}, parent string) (string, error)
	GetWorkflowStatus(ctx context.Context, id string) (*types.WorkflowInstance, error)
}

// Config tunes the scheduler.
type Config struct {
	// SpecDir is the directory scanned for YAML spec files. Empty
	// disables file loading.
	SpecDir string
	// HotReload watches SpecDir and rescans on change.
	HotReload bool
	// RescanInterval is the safety rescan cadence backing the watcher.
	RescanInterval time.Duration
	// DefaultTimeout bounds one execution when the spec declares none.
	DefaultTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RescanInterval <= 0 {
		c.RescanInterval = 30 * time.Second
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = time.Hour
	}
	return c
}

// Scheduler owns the cron engine and the registered specs.
type Scheduler struct {
	cfg       Config
	goals     GoalRunner
	workflows WorkflowRunner
	store     *statestore.Store
	tracer    observability.Tracer
	logger    *zap.Logger

	mu      sync.RWMutex
	specs   map[string]*Spec
	entries map[string]cron.EntryID
	running map[string]string // schedule id -> execution id

	cron   *cron.Cron
	loader *loader
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Scheduler. Both runners are optional; a spec targeting
// an absent runner fails its runs with a recorded error.
func New(cfg Config, goals GoalRunner, workflows WorkflowRunner, store *statestore.Store, tracer observability.Tracer, logger *zap.Logger) *Scheduler {
	if tracer == nil {
		tracer = observability.NewNoOpTracer()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	s := &Scheduler{
		cfg:       cfg,
		goals:     goals,
		workflows: workflows,
		store:     store,
		tracer:    tracer,
		logger:    logger.Named("schedule"),
		specs:     make(map[string]*Spec),
		entries:   make(map[string]cron.EntryID),
		running:   make(map[string]string),
		cron:      cron.New(),
		stopCh:    make(chan struct{}),
	}
	if cfg.SpecDir != "" {
		s.loader = newLoader(cfg.SpecDir, s, s.logger)
	}
	return s
}

// Start loads specs from the spec directory, starts the cron engine,
// and begins watching for file changes when hot reload is on.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.loader != nil {
		if err := s.loader.scan(ctx); err != nil {
			return fmt.Errorf("initial spec scan: %w", err)
		}
	}
	s.cron.Start()

	if s.loader != nil && s.cfg.HotReload {
		s.wg.Add(1)
		go s.watchSpecs(ctx)
	}
	s.logger.Info("scheduler started",
		zap.Int("schedules", len(s.List())),
		zap.Bool("hot_reload", s.loader != nil && s.cfg.HotReload))
	return nil
}

// Stop shuts the scheduler down, waiting for in-flight runs up to the
// context deadline.
func (s *Scheduler) Stop(ctx context.Context) error {
	close(s.stopCh)
	cronCtx := s.cron.Stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out with runs in flight")
		return ctx.Err()
	}
	select {
	case <-cronCtx.Done():
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out with cron jobs in flight")
		return ctx.Err()
	}
	s.logger.Info("scheduler stopped")
	return nil
}

// Add registers a schedule and arms its cron entry when enabled.
func (s *Scheduler) Add(ctx context.Context, spec *Spec) error {
	if err := validateSpec(spec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.specs[spec.ID]; exists {
		return fmt.Errorf("schedule: %s already registered", spec.ID)
	}
	return s.armLocked(spec)
}

// Update replaces a registered schedule's spec and re-arms its entry.
func (s *Scheduler) Update(ctx context.Context, spec *Spec) error {
	if err := validateSpec(spec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.specs[spec.ID]; !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, spec.ID)
	}
	s.disarmLocked(spec.ID)
	return s.armLocked(spec)
}

// Remove drops a schedule entirely.
func (s *Scheduler) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.specs[id]; !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.disarmLocked(id)
	delete(s.specs, id)
	s.logger.Info("schedule removed", zap.String("schedule_id", id))
	return nil
}

// Pause disarms a schedule without forgetting it.
func (s *Scheduler) Pause(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	spec, exists := s.specs[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.disarmLocked(id)
	disabled := false
	spec.Enabled = &disabled
	return nil
}

// Resume re-arms a paused schedule.
func (s *Scheduler) Resume(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	spec, exists := s.specs[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	enabled := true
	spec.Enabled = &enabled
	s.disarmLocked(id)
	return s.armLocked(spec)
}

// TriggerNow runs a schedule immediately, honoring skipIfRunning. It
// returns the execution id without waiting for the run to finish.
func (s *Scheduler) TriggerNow(ctx context.Context, id string) (string, error) {
	spec, execID, _, err := s.claimRun(id)
	if err != nil {
		return "", err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(context.Background(), spec, execID)
	}()
	return execID, nil
}

// claimRun reserves the running slot for a new execution. The check
// and the claim happen under one write lock so concurrent triggers on
// a skipIfRunning schedule admit exactly one run; the blocking
// execution id accompanies ErrStillRunning.
func (s *Scheduler) claimRun(id string) (*Spec, string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	spec, exists := s.specs[id]
	if !exists {
		return nil, "", "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if blocker := s.running[id]; spec.SkipIfRunning && blocker != "" {
		return nil, "", blocker, fmt.Errorf("%w: %s", ErrStillRunning, blocker)
	}
	execID := types.NewID("run")
	s.running[id] = execID
	cp := *spec
	return &cp, execID, "", nil
}

// Rescan reconciles the spec directory immediately. It is a no-op when
// no spec directory is configured.
func (s *Scheduler) Rescan(ctx context.Context) error {
	if s.loader == nil {
		return nil
	}
	return s.loader.scan(ctx)
}

// Get returns a registered spec.
func (s *Scheduler) Get(id string) (*Spec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	spec, exists := s.specs[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp := *spec
	return &cp, nil
}

// List returns every registered spec id.
func (s *Scheduler) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.specs))
	for id := range s.specs {
		ids = append(ids, id)
	}
	return ids
}

// History returns the most recent executions of a schedule, newest
// last, up to limit (0 means all).
func (s *Scheduler) History(ctx context.Context, scheduleID string, limit int) ([]*Execution, error) {
	events, err := s.store.GetEvents(ctx, scheduleID, nil)
	if err != nil {
		return nil, err
	}
	var out []*Execution
	for _, ev := range events {
		if ev.Type != eventRunCompleted && ev.Type != eventRunFailed && ev.Type != eventRunSkipped {
			continue
		}
		exec := &Execution{
			ScheduleID: scheduleID,
			StartedAt:  ev.Timestamp,
		}
		switch ev.Type {
		case eventRunCompleted:
			exec.Status = "success"
		case eventRunFailed:
			exec.Status = "failed"
		case eventRunSkipped:
			exec.Status = "skipped"
		}
		if id, ok := ev.Payload["executionId"].(string); ok {
			exec.ID = id
		}
		if msg, ok := ev.Payload["error"].(string); ok {
			exec.Error = msg
		}
		if ms, ok := ev.Payload["durationMs"].(float64); ok {
			exec.DurationMs = int64(ms)
		}
		out = append(out, exec)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// armLocked registers the spec and, when enabled, its cron entry.
// Callers hold s.mu.
func (s *Scheduler) armLocked(spec *Spec) error {
	s.specs[spec.ID] = spec
	if !spec.IsEnabled() {
		return nil
	}
	entryID, err := s.cron.AddFunc(spec.Cron, func() {
		s.runScheduled(spec.ID)
	})
	if err != nil {
		return fmt.Errorf("%w: cron %q: %v", ErrInvalidSpec, spec.Cron, err)
	}
	s.entries[spec.ID] = entryID
	s.logger.Info("schedule armed",
		zap.String("schedule_id", spec.ID),
		zap.String("cron", spec.Cron))
	return nil
}

func (s *Scheduler) disarmLocked(id string) {
	if entryID, exists := s.entries[id]; exists {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
}

// runScheduled is the cron job body.
func (s *Scheduler) runScheduled(id string) {
	ctx := context.Background()
	spec, execID, blocker, err := s.claimRun(id)
	if err != nil {
		if errors.Is(err, ErrStillRunning) {
			s.recordRun(ctx, id, eventRunSkipped, map[string]interface{}{
				"executionId": types.NewID("run"),
				"blockedBy":   blocker,
			})
		}
		return
	}
	s.execute(ctx, spec, execID)
}

// execute performs one run and records its outcome in the history log.
func (s *Scheduler) execute(ctx context.Context, spec *Spec, execID string) {
	ctx, span := s.tracer.StartSpan(ctx, "schedule.execute",
		observability.WithAttribute("schedule.id", spec.ID))
	defer s.tracer.EndSpan(span)

	// The running slot was claimed by claimRun; release it only if a
	// later run has not overwritten it.
	defer func() {
		s.mu.Lock()
		if s.running[spec.ID] == execID {
			delete(s.running, spec.ID)
		}
		s.mu.Unlock()
	}()

	timeout := s.cfg.DefaultTimeout
	if spec.MaxExecutionSeconds > 0 {
		timeout = time.Duration(spec.MaxExecutionSeconds) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	s.recordRun(runCtx, spec.ID, eventRunStarted, map[string]interface{}{
		"executionId": execID,
	})

	err := s.runTarget(runCtx, spec, execID)
	duration := time.Since(started)

	payload := map[string]interface{}{
		"executionId": execID,
		"durationMs":  duration.Milliseconds(),
	}
	if err != nil {
		payload["error"] = err.Error()
		s.recordRun(context.Background(), spec.ID, eventRunFailed, payload)
		s.logger.Warn("scheduled run failed",
			zap.String("schedule_id", spec.ID),
			zap.String("execution_id", execID),
			zap.Error(err))
		return
	}
	s.recordRun(context.Background(), spec.ID, eventRunCompleted, payload)
	s.logger.Info("scheduled run completed",
		zap.String("schedule_id", spec.ID),
		zap.String("execution_id", execID),
		zap.Duration("duration", duration))
}

// runTarget dispatches to the spec's target.
func (s *Scheduler) runTarget(ctx context.Context, spec *Spec, execID string) error {
	switch {
	case spec.Goal != nil:
		if s.goals == nil {
			return errors.New("schedule: no goal runner configured")
		}
		goal := types.NewGoal(spec.Goal.Description)
		goal.Metadata = map[string]string{
			"scheduleId":  spec.ID,
			"executionId": execID,
		}
		_, err := s.goals.SubmitTask(ctx, goal, hive.PlanStrategy(spec.Goal.Strategy))
		return err

	case spec.Workflow != nil:
		if s.workflows == nil {
			return errors.New("schedule: no workflow runner configured")
		}
		defn, err := s.store.GetWorkflow(ctx, spec.Workflow.ID)
		if err != nil {
			return fmt.Errorf("load workflow %s: %w", spec.Workflow.ID, err)
		}
		instID, err := s.workflows.StartWorkflow(ctx, defn, spec.Workflow.Inputs, "")
		if err != nil {
			return err
		}
		return s.awaitWorkflow(ctx, instID)

	default:
		return errors.New("schedule: spec has no target")
	}
}

// awaitWorkflow polls the instance until it terminates or the run
// context expires.
func (s *Scheduler) awaitWorkflow(ctx context.Context, instID string) error {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		inst, err := s.workflows.GetWorkflowStatus(ctx, instID)
		if err != nil {
			return err
		}
		if inst.Status.IsTerminal() {
			if inst.Status != types.InstanceCompleted {
				return fmt.Errorf("workflow %s ended %s: %s", instID, inst.Status, inst.Error)
			}
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Scheduler) recordRun(ctx context.Context, scheduleID, eventType string, payload map[string]interface{}) {
	ev := &types.Event{
		ID:         types.NewID("event"),
		InstanceID: scheduleID,
		Type:       eventType,
		Payload:    payload,
		Timestamp:  types.Now(),
	}
	if err := s.store.RecordEvent(ctx, ev); err != nil {
		s.logger.Error("run history write failed",
			zap.String("schedule_id", scheduleID),
			zap.Error(err))
	}
}

// validateSpec checks a spec before arming it.
func validateSpec(spec *Spec) error {
	if spec == nil {
		return fmt.Errorf("%w: nil spec", ErrInvalidSpec)
	}
	if spec.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidSpec)
	}
	if spec.Cron == "" {
		return fmt.Errorf("%w: %s: missing cron expression", ErrInvalidSpec, spec.ID)
	}
	if _, err := cron.ParseStandard(spec.Cron); err != nil {
		return fmt.Errorf("%w: %s: cron %q: %v", ErrInvalidSpec, spec.ID, spec.Cron, err)
	}
	if spec.Timezone != "" {
		if _, err := time.LoadLocation(spec.Timezone); err != nil {
			return fmt.Errorf("%w: %s: timezone %q", ErrInvalidSpec, spec.ID, spec.Timezone)
		}
	}
	if (spec.Goal == nil) == (spec.Workflow == nil) {
		return fmt.Errorf("%w: %s: exactly one of goal or workflow required", ErrInvalidSpec, spec.ID)
	}
	if spec.Goal != nil && spec.Goal.Description == "" {
		return fmt.Errorf("%w: %s: goal needs a description", ErrInvalidSpec, spec.ID)
	}
	if spec.Workflow != nil && spec.Workflow.ID == "" {
		return fmt.Errorf("%w: %s: workflow needs an id", ErrInvalidSpec, spec.ID)
	}
	return nil
}
