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

// Package runtime composes the hive: one object owns the store, the
// bus, the registry, the coordinator, the queen scheduler, the workflow
// engine, and the cron scheduler, and runs their shared lifecycle. There
// are no package-level singletons; everything hangs off a Runtime.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/hive/pkg/agent"
	"github.com/teradata-labs/hive/pkg/communication"
	"github.com/teradata-labs/hive/pkg/coordinator"
	"github.com/teradata-labs/hive/pkg/hive"
	"github.com/teradata-labs/hive/pkg/observability"
	"github.com/teradata-labs/hive/pkg/schedule"
	"github.com/teradata-labs/hive/pkg/statestore"
	"github.com/teradata-labs/hive/pkg/types"
	"github.com/teradata-labs/hive/pkg/workflow"
)

// Status is the runtime lifecycle state.
type Status string

const (
	StatusNew      Status = "new"
	StatusRunning  Status = "running"
	StatusDraining Status = "draining"
	StatusStopped  Status = "stopped"
)

var (
	// ErrNotRunning is returned for work submitted outside the running
	// state.
	ErrNotRunning = errors.New("runtime: not running")
	// ErrDraining is returned for new work while the runtime drains.
	ErrDraining = errors.New("runtime: draining, refusing new work")
	// ErrMaxAgents is returned when the agent cap is reached.
	ErrMaxAgents = errors.New("runtime: agent limit reached")
	// ErrAgentNotFound is returned for unknown agent ids.
	ErrAgentNotFound = errors.New("runtime: agent not found")
)

// Config is the runtime configuration, populated by cmd/hived from
// flags, file, and RUNTIME_* environment variables.
type Config struct {
	// Namespace scopes the runtime's own bus identities (queen,
	// coordinator, workflow engine).
	Namespace string

	// StoreDSN selects the backend: a postgres:// URL opens the
	// Postgres backend, anything else is a SQLite path or URI. Empty
	// means in-memory SQLite.
	StoreDSN string

	// Event buffering (RUNTIME_EVENT_BUFFER_SIZE, RUNTIME_EVENT_FLUSH_MS).
	EventBufferSize    int
	EventFlushInterval time.Duration

	// SnapshotInterval is the workflow checkpoint cadence
	// (RUNTIME_SNAPSHOT_INTERVAL_MS).
	SnapshotInterval time.Duration

	// MaxAgents caps spawned agents (RUNTIME_MAX_AGENTS); zero means
	// unlimited.
	MaxAgents int

	// Scheduler recovery knobs (RUNTIME_STALL_THRESHOLD_MS,
	// RUNTIME_HEARTBEAT_MS, RUNTIME_CONSENSUS_THRESHOLD).
	StallThreshold     time.Duration
	HeartbeatInterval  time.Duration
	ConsensusThreshold float64

	// Mailbox backpressure limits.
	MailboxSoftLimit int
	MailboxHardLimit int

	// ScheduleDir holds cron schedule YAML files; empty disables the
	// cron scheduler's file loading.
	ScheduleDir       string
	ScheduleHotReload bool
}

func (c Config) withDefaults() Config {
	if c.Namespace == "" {
		c.Namespace = "hive"
	}
	return c
}

// Runtime owns every component and their startup/shutdown order.
type Runtime struct {
	cfg    Config
	tracer observability.Tracer
	logger *zap.Logger

	store     *statestore.Store
	bus       *communication.Bus
	registry  *coordinator.AgentRegistry
	coord     *coordinator.Coordinator
	queen     *hive.Hive
	engine    *workflow.Engine
	scheduler *schedule.Scheduler

	mu     sync.Mutex
	status Status
	agents map[string]*agent.Runtime
}

// New builds the component graph. The store is opened here so callers
// can distinguish an unreachable store from later failures.
func New(cfg Config, tracer observability.Tracer, logger *zap.Logger) (*Runtime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tracer == nil {
		tracer = observability.NewNoOpTracer()
	}
	cfg = cfg.withDefaults()

	backend, err := openBackend(cfg.StoreDSN, tracer)
	if err != nil {
		return nil, fmt.Errorf("runtime: open store: %w", err)
	}

	storeCfg := statestore.DefaultConfig()
	if cfg.EventBufferSize > 0 {
		storeCfg.EventBufferSize = cfg.EventBufferSize
	}
	if cfg.EventFlushInterval > 0 {
		storeCfg.FlushInterval = cfg.EventFlushInterval
	}
	store := statestore.New(backend, storeCfg, logger)

	bus := communication.NewBus(communication.Config{
		SoftLimit: cfg.MailboxSoftLimit,
		HardLimit: cfg.MailboxHardLimit,
	}, tracer, logger)

	registry := coordinator.NewAgentRegistry()
	coord := coordinator.New(
		types.AgentID{Namespace: cfg.Namespace, ID: "coordinator"},
		bus, registry, store, tracer, logger)

	queen, err := hive.New(
		types.AgentID{Namespace: cfg.Namespace, ID: "queen"},
		hive.Config{
			StallThreshold:     cfg.StallThreshold,
			HeartbeatInterval:  cfg.HeartbeatInterval,
			ConsensusThreshold: cfg.ConsensusThreshold,
		}, bus, registry, store, tracer, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	engine := workflow.New(
		types.AgentID{Namespace: cfg.Namespace, ID: "workflow-engine"},
		workflow.Config{
			SnapshotInterval: cfg.SnapshotInterval,
			EnableSnapshots:  true,
		}, bus, store, tracer, logger)

	scheduler := schedule.New(schedule.Config{
		SpecDir:   cfg.ScheduleDir,
		HotReload: cfg.ScheduleHotReload,
	}, queen, engine, store, tracer, logger)

	return &Runtime{
		cfg:       cfg,
		tracer:    tracer,
		logger:    logger.Named("runtime"),
		store:     store,
		bus:       bus,
		registry:  registry,
		coord:     coord,
		queen:     queen,
		engine:    engine,
		scheduler: scheduler,
		status:    StatusNew,
		agents:    make(map[string]*agent.Runtime),
	}, nil
}

// openBackend picks the store backend by DSN shape.
func openBackend(dsn string, tracer observability.Tracer) (statestore.Backend, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return statestore.NewPostgresBackend(statestore.PostgresConfig{DSN: dsn, Tracer: tracer})
	}
	return statestore.NewSQLiteBackend(statestore.SQLiteConfig{Path: dsn, Tracer: tracer})
}

// Start brings the queen's control loops and the cron scheduler up.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.status != StatusNew {
		r.mu.Unlock()
		return fmt.Errorf("runtime: already started (status %s)", r.status)
	}
	r.status = StatusRunning
	r.mu.Unlock()

	if err := r.queen.Initialize(ctx); err != nil {
		return fmt.Errorf("runtime: scheduler init: %w", err)
	}
	if err := r.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("runtime: cron scheduler: %w", err)
	}
	r.logger.Info("runtime started", zap.String("namespace", r.cfg.Namespace))
	return nil
}

// Status returns the lifecycle state.
func (r *Runtime) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// SpawnAgent creates, starts, and registers an agent runtime.
func (r *Runtime) SpawnAgent(ctx context.Context, profile types.AgentProfile, opts agent.Options) (*agent.Runtime, error) {
	r.mu.Lock()
	switch r.status {
	case StatusRunning:
	case StatusDraining:
		r.mu.Unlock()
		return nil, ErrDraining
	default:
		r.mu.Unlock()
		return nil, ErrNotRunning
	}
	if r.cfg.MaxAgents > 0 && len(r.agents) >= r.cfg.MaxAgents {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrMaxAgents, r.cfg.MaxAgents)
	}
	r.mu.Unlock()

	if opts.Logger == nil {
		opts.Logger = r.logger
	}
	if opts.Tracer == nil {
		opts.Tracer = r.tracer
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = r.cfg.HeartbeatInterval
	}

	rt := agent.New(profile, r.bus, opts)
	if err := rt.Start(ctx); err != nil {
		return nil, err
	}
	r.registry.Register(rt.Profile())

	r.mu.Lock()
	r.agents[profile.ID.Key()] = rt
	count := len(r.agents)
	r.mu.Unlock()

	r.logger.Info("agent spawned",
		zap.String("agent", profile.ID.Key()),
		zap.Int("agents", count))
	return rt, nil
}

// StopAgent stops a spawned agent and removes it from the registry.
func (r *Runtime) StopAgent(id types.AgentID) error {
	key := id.Key()
	r.mu.Lock()
	rt, exists := r.agents[key]
	delete(r.agents, key)
	r.mu.Unlock()
	if !exists {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, key)
	}
	err := rt.Stop()
	r.registry.Deregister(id)
	return err
}

// Agents returns the spawned agents' profiles.
func (r *Runtime) Agents() []types.AgentProfile {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.AgentProfile, 0, len(r.agents))
	for _, rt := range r.agents {
		out = append(out, rt.Profile())
	}
	return out
}

// Drain moves the runtime into the draining state on a fatal error:
// new work is refused, buffered events are flushed, in-flight work is
// left to finish until Shutdown.
func (r *Runtime) Drain(ctx context.Context, reason string) {
	r.mu.Lock()
	if r.status != StatusRunning {
		r.mu.Unlock()
		return
	}
	r.status = StatusDraining
	r.mu.Unlock()

	r.logger.Error("runtime draining", zap.String("reason", reason))
	if err := r.store.Flush(ctx); err != nil {
		r.logger.Error("drain flush failed", zap.Error(err))
	}
}

// Shutdown stops everything in dependency order: cron scheduler, queen,
// workflow engine, agents, then flushes and closes the store and the
// bus. Returns the context error when the deadline cut the shutdown
// short.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.status == StatusStopped {
		r.mu.Unlock()
		return nil
	}
	r.status = StatusStopped
	agents := make([]*agent.Runtime, 0, len(r.agents))
	for _, rt := range r.agents {
		agents = append(agents, rt)
	}
	r.agents = make(map[string]*agent.Runtime)
	r.mu.Unlock()

	var errs []error
	if err := r.scheduler.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("cron scheduler: %w", err))
	}
	if err := r.queen.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("scheduler: %w", err))
	}
	if err := r.engine.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("workflow engine: %w", err))
	}
	for _, rt := range agents {
		if err := rt.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("agent %s: %w", rt.ID().Key(), err))
		}
	}
	if err := r.store.Flush(context.WithoutCancel(ctx)); err != nil {
		errs = append(errs, fmt.Errorf("event flush: %w", err))
	}
	if err := r.bus.Close(); err != nil {
		errs = append(errs, fmt.Errorf("bus: %w", err))
	}
	if err := r.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	if ctx.Err() != nil {
		errs = append(errs, ctx.Err())
	}
	r.logger.Info("runtime stopped", zap.Int("errors", len(errs)))
	return errors.Join(errs...)
}

// Store exposes the state store.
func (r *Runtime) Store() *statestore.Store { return r.store }

// Bus exposes the message bus.
func (r *Runtime) Bus() *communication.Bus { return r.bus }

// Registry exposes the agent registry.
func (r *Runtime) Registry() *coordinator.AgentRegistry { return r.registry }

// Coordinator exposes the team coordinator.
func (r *Runtime) Coordinator() *coordinator.Coordinator { return r.coord }

// Hive exposes the queen scheduler.
func (r *Runtime) Hive() *hive.Hive { return r.queen }

// Workflows exposes the workflow engine.
func (r *Runtime) Workflows() *workflow.Engine { return r.engine }

// Scheduler exposes the cron scheduler.
func (r *Runtime) Scheduler() *schedule.Scheduler { return r.scheduler }
