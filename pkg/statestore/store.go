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

// Package statestore provides event-sourced durable persistence for
// workflows, instances, snapshots, events, human tasks, teams, and tasks.
//
// The Store front buffers event writes in a bounded ring and flushes on
// capacity, on a timer, and before any event read, so a single process
// always reads its own writes. Raw persistence is delegated to a Backend
// (SQLite or PostgreSQL).
package statestore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/hive/pkg/types"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("statestore: not found")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("statestore: closed")
)

// Backend is a raw persistence driver. Implementations must make every
// Put idempotent on the record's primary key (upsert), and PutEvents
// idempotent on event id (duplicate ids stored once).
type Backend interface {
	PutWorkflow(ctx context.Context, defn *types.WorkflowDefinition) error
	GetWorkflow(ctx context.Context, id string) (*types.WorkflowDefinition, error)
	ListWorkflows(ctx context.Context) ([]*types.WorkflowDefinition, error)
	DeleteWorkflow(ctx context.Context, id string) error

	PutInstance(ctx context.Context, inst *types.WorkflowInstance) error
	GetInstance(ctx context.Context, id string) (*types.WorkflowInstance, error)
	DeleteInstance(ctx context.Context, id string) error

	PutSnapshot(ctx context.Context, snap *types.Snapshot) error
	LatestSnapshot(ctx context.Context, instanceID string) (*types.Snapshot, error)
	ListSnapshots(ctx context.Context, instanceID string) ([]*types.Snapshot, error)
	DeleteSnapshot(ctx context.Context, id string) error
	DeleteSnapshots(ctx context.Context, instanceID string, before *types.Timestamp) error

	PutEvents(ctx context.Context, events []*types.Event) error
	GetEvents(ctx context.Context, instanceID string, after *types.Timestamp) ([]*types.Event, error)
	DeleteEvents(ctx context.Context, instanceID string, before *types.Timestamp) error

	PutHumanTask(ctx context.Context, task *types.HumanTask) error
	GetHumanTask(ctx context.Context, id string) (*types.HumanTask, error)
	ListHumanTasks(ctx context.Context, instanceID string) ([]*types.HumanTask, error)

	PutTask(ctx context.Context, task *types.Task) error
	GetTask(ctx context.Context, id string) (*types.Task, error)
	ListTasks(ctx context.Context) ([]*types.Task, error)

	PutTeam(ctx context.Context, team *types.Team) error
	GetTeam(ctx context.Context, id string) (*types.Team, error)
	ListTeams(ctx context.Context) ([]*types.Team, error)
	DeleteTeam(ctx context.Context, id string) error

	Ping(ctx context.Context) error
	Close() error
}

// Config tunes the buffering layer.
type Config struct {
	// EventBufferSize is the ring capacity; a full ring forces a flush.
	EventBufferSize int
	// FlushInterval is the periodic flush cadence.
	FlushInterval time.Duration
}

// DefaultConfig returns the standard buffering configuration.
func DefaultConfig() Config {
	return Config{
		EventBufferSize: 100,
		FlushInterval:   5 * time.Second,
	}
}

// Store is the durable record of the runtime. All components persist
// through it; writes are serialized per instance and per team.
type Store struct {
	backend Backend
	logger  *zap.Logger
	buffer  *eventBuffer

	locks keyedLocks

	flushCancel context.CancelFunc
	flushDone   chan struct{}

	mu     sync.Mutex
	closed bool
}

// New creates a Store over the backend and starts the periodic flusher.
func New(backend Backend, cfg Config, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.EventBufferSize <= 0 {
		cfg.EventBufferSize = DefaultConfig().EventBufferSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}

	s := &Store{
		backend:   backend,
		logger:    logger,
		buffer:    newEventBuffer(cfg.EventBufferSize),
		flushDone: make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.flushCancel = cancel
	go s.flushLoop(ctx, cfg.FlushInterval)

	return s
}

func (s *Store) flushLoop(ctx context.Context, interval time.Duration) {
	defer close(s.flushDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Flush(context.Background()); err != nil {
				s.logger.Warn("periodic event flush failed", zap.Error(err))
			}
		}
	}
}

// Ping checks backend reachability.
func (s *Store) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// SaveWorkflow persists a workflow definition.
func (s *Store) SaveWorkflow(ctx context.Context, defn *types.WorkflowDefinition) error {
	return s.backend.PutWorkflow(ctx, defn)
}

// GetWorkflow loads a workflow definition.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*types.WorkflowDefinition, error) {
	return s.backend.GetWorkflow(ctx, id)
}

// ListWorkflows returns all workflow definitions.
func (s *Store) ListWorkflows(ctx context.Context) ([]*types.WorkflowDefinition, error) {
	return s.backend.ListWorkflows(ctx)
}

// DeleteWorkflow removes a workflow definition.
func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	return s.backend.DeleteWorkflow(ctx, id)
}

// SaveInstance persists a workflow instance. Writes to the same instance
// are serialized.
func (s *Store) SaveInstance(ctx context.Context, inst *types.WorkflowInstance) error {
	unlock := s.locks.lock("instance:" + inst.ID)
	defer unlock()
	return s.backend.PutInstance(ctx, inst)
}

// GetInstance loads a workflow instance.
func (s *Store) GetInstance(ctx context.Context, id string) (*types.WorkflowInstance, error) {
	return s.backend.GetInstance(ctx, id)
}

// DeleteInstance removes a workflow instance.
func (s *Store) DeleteInstance(ctx context.Context, id string) error {
	unlock := s.locks.lock("instance:" + id)
	defer unlock()
	return s.backend.DeleteInstance(ctx, id)
}

// SaveSnapshot persists a snapshot.
func (s *Store) SaveSnapshot(ctx context.Context, snap *types.Snapshot) error {
	unlock := s.locks.lock("instance:" + snap.InstanceID)
	defer unlock()
	return s.backend.PutSnapshot(ctx, snap)
}

// LatestSnapshot returns the newest snapshot for an instance.
func (s *Store) LatestSnapshot(ctx context.Context, instanceID string) (*types.Snapshot, error) {
	return s.backend.LatestSnapshot(ctx, instanceID)
}

// ListSnapshots returns an instance's snapshots, newest first.
func (s *Store) ListSnapshots(ctx context.Context, instanceID string) ([]*types.Snapshot, error) {
	return s.backend.ListSnapshots(ctx, instanceID)
}

// DeleteSnapshots removes an instance's snapshots older than before, or
// all of them when before is nil.
func (s *Store) DeleteSnapshots(ctx context.Context, instanceID string, before *types.Timestamp) error {
	unlock := s.locks.lock("instance:" + instanceID)
	defer unlock()
	return s.backend.DeleteSnapshots(ctx, instanceID, before)
}

// CleanupSnapshots keeps the keepLast newest snapshots by timestamp and
// deletes the rest.
func (s *Store) CleanupSnapshots(ctx context.Context, instanceID string, keepLast int) error {
	if keepLast <= 0 {
		keepLast = 10
	}
	unlock := s.locks.lock("instance:" + instanceID)
	defer unlock()

	snaps, err := s.backend.ListSnapshots(ctx, instanceID)
	if err != nil {
		return err
	}
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[j].Timestamp.Before(snaps[i].Timestamp)
	})
	for _, old := range snaps[min(keepLast, len(snaps)):] {
		if err := s.backend.DeleteSnapshot(ctx, old.ID); err != nil {
			return err
		}
	}
	return nil
}

// RecordEvent appends to the in-memory ring. The write becomes durable on
// the next flush; a full ring flushes inline and surfaces any error.
func (s *Store) RecordEvent(ctx context.Context, e *types.Event) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}

	// A full ring flushes inline and retries; concurrent writers may
	// refill the ring between the flush and the retry.
	for !s.buffer.append(e) {
		if err := s.Flush(ctx); err != nil {
			return err
		}
	}
	return nil
}

// GetEvents returns an instance's events after the given timestamp (all
// when after is nil), in timestamp order with id lex tie-break. The
// buffer is flushed first so reads observe prior writes.
func (s *Store) GetEvents(ctx context.Context, instanceID string, after *types.Timestamp) ([]*types.Event, error) {
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}
	events, err := s.backend.GetEvents(ctx, instanceID, after)
	if err != nil {
		return nil, err
	}
	sortEvents(events)
	return events, nil
}

// DeleteEvents removes an instance's events older than before, or all of
// them when before is nil.
func (s *Store) DeleteEvents(ctx context.Context, instanceID string, before *types.Timestamp) error {
	if err := s.Flush(ctx); err != nil {
		return err
	}
	return s.backend.DeleteEvents(ctx, instanceID, before)
}

// Flush writes all buffered events to the backend. On failure the taken
// events are prepended back to the ring so nothing is lost.
func (s *Store) Flush(ctx context.Context) error {
	pending := s.buffer.takeAll()
	if len(pending) == 0 {
		return nil
	}
	if err := s.backend.PutEvents(ctx, pending); err != nil {
		s.buffer.prependBack(pending)
		return err
	}
	return nil
}

// SaveHumanTask persists a human task.
func (s *Store) SaveHumanTask(ctx context.Context, task *types.HumanTask) error {
	unlock := s.locks.lock("instance:" + task.InstanceID)
	defer unlock()
	return s.backend.PutHumanTask(ctx, task)
}

// GetHumanTask loads a human task.
func (s *Store) GetHumanTask(ctx context.Context, id string) (*types.HumanTask, error) {
	return s.backend.GetHumanTask(ctx, id)
}

// ListHumanTasks returns human tasks, filtered by instance when
// instanceID is non-empty.
func (s *Store) ListHumanTasks(ctx context.Context, instanceID string) ([]*types.HumanTask, error) {
	return s.backend.ListHumanTasks(ctx, instanceID)
}

// SaveTask persists a task.
func (s *Store) SaveTask(ctx context.Context, task *types.Task) error {
	return s.backend.PutTask(ctx, task)
}

// GetTask loads a task.
func (s *Store) GetTask(ctx context.Context, id string) (*types.Task, error) {
	return s.backend.GetTask(ctx, id)
}

// ListTasks returns all tasks.
func (s *Store) ListTasks(ctx context.Context) ([]*types.Task, error) {
	return s.backend.ListTasks(ctx)
}

// SaveTeam persists a team. Writes to the same team are serialized.
func (s *Store) SaveTeam(ctx context.Context, team *types.Team) error {
	unlock := s.locks.lock("team:" + team.ID)
	defer unlock()
	return s.backend.PutTeam(ctx, team)
}

// GetTeam loads a team.
func (s *Store) GetTeam(ctx context.Context, id string) (*types.Team, error) {
	return s.backend.GetTeam(ctx, id)
}

// ListTeams returns all teams.
func (s *Store) ListTeams(ctx context.Context) ([]*types.Team, error) {
	return s.backend.ListTeams(ctx)
}

// DeleteTeam removes a team record.
func (s *Store) DeleteTeam(ctx context.Context, id string) error {
	unlock := s.locks.lock("team:" + id)
	defer unlock()
	return s.backend.DeleteTeam(ctx, id)
}

// Close flushes the buffer, stops the flusher, and closes the backend.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.flushCancel()
	<-s.flushDone

	flushErr := s.Flush(context.Background())
	closeErr := s.backend.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// sortEvents orders by timestamp, breaking ties by id lex order.
func sortEvents(events []*types.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Timestamp.Equal(events[j].Timestamp.Time) {
			return events[i].ID < events[j].ID
		}
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
}

// keyedLocks serializes writers per record key.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedLocks) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
