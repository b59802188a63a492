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
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/teradata-labs/hive/pkg/observability"
	"github.com/teradata-labs/hive/pkg/types"
)

// InMemoryDSN opens a shared in-process database, used by tests.
const InMemoryDSN = "file::memory:?mode=memory&cache=shared&_busy_timeout=5000"

// SQLiteBackend persists records in a single SQLite database. Records are
// stored as JSON blobs with the columns needed for lookups and ordering
// lifted out alongside.
type SQLiteBackend struct {
	db     *sql.DB
	tracer observability.Tracer
}

// SQLiteConfig configures the SQLite backend.
type SQLiteConfig struct {
	Path   string               // Database file path (default: in-memory)
	Tracer observability.Tracer // Tracer for observability (default: NoOpTracer)
}

// NewSQLiteBackend opens (or creates) the database and initializes the
// schema.
func NewSQLiteBackend(config SQLiteConfig) (*SQLiteBackend, error) {
	if config.Path == "" {
		config.Path = InMemoryDSN
	}
	if config.Tracer == nil {
		config.Tracer = observability.NewNoOpTracer()
	}

	db, err := sql.Open("sqlite3", config.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	b := &SQLiteBackend{db: db, tracer: config.Tracer}
	if err := b.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return b, nil
}

func (b *SQLiteBackend) initSchema() error {
	ctx := context.Background()
	ctx, span := b.tracer.StartSpan(ctx, "statestore.init_schema")
	defer b.tracer.EndSpan(span)

	schema := `
	CREATE TABLE IF NOT EXISTS workflows (
		id TEXT PRIMARY KEY,
		data TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS instances (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		data TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		instance_id TEXT NOT NULL,
		ts INTEGER NOT NULL,
		data TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_instance ON snapshots(instance_id, ts);

	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		instance_id TEXT NOT NULL,
		ts INTEGER NOT NULL,
		data TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_instance ON events(instance_id, ts);

	CREATE TABLE IF NOT EXISTS human_tasks (
		id TEXT PRIMARY KEY,
		instance_id TEXT NOT NULL,
		status TEXT NOT NULL,
		data TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_human_tasks_instance ON human_tasks(instance_id);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		data TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS teams (
		id TEXT PRIMARY KEY,
		data TEXT NOT NULL
	);
	`

	if _, err := b.db.ExecContext(ctx, schema); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// Ping checks database reachability.
func (b *SQLiteBackend) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

// Close closes the database.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

func (b *SQLiteBackend) putBlob(ctx context.Context, query string, id string, v interface{}, extra ...interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record %s: %w", id, err)
	}
	args := append([]interface{}{id}, extra...)
	args = append(args, string(data))
	if _, err := b.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to write record %s: %w", id, err)
	}
	return nil
}

func (b *SQLiteBackend) getBlob(ctx context.Context, query string, id string, v interface{}) error {
	var data string
	err := b.db.QueryRowContext(ctx, query, id).Scan(&data)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to query record %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("failed to unmarshal record %s: %w", id, err)
	}
	return nil
}

// PutWorkflow upserts a workflow definition.
func (b *SQLiteBackend) PutWorkflow(ctx context.Context, defn *types.WorkflowDefinition) error {
	return b.putBlob(ctx,
		`INSERT INTO workflows (id, data) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET data = excluded.data`,
		defn.ID, defn)
}

// GetWorkflow loads a workflow definition.
func (b *SQLiteBackend) GetWorkflow(ctx context.Context, id string) (*types.WorkflowDefinition, error) {
	var defn types.WorkflowDefinition
	if err := b.getBlob(ctx, `SELECT data FROM workflows WHERE id = ?`, id, &defn); err != nil {
		return nil, err
	}
	return &defn, nil
}

// ListWorkflows returns all workflow definitions.
func (b *SQLiteBackend) ListWorkflows(ctx context.Context) ([]*types.WorkflowDefinition, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT data FROM workflows ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.WorkflowDefinition
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var defn types.WorkflowDefinition
		if err := json.Unmarshal([]byte(data), &defn); err != nil {
			return nil, err
		}
		out = append(out, &defn)
	}
	return out, rows.Err()
}

// DeleteWorkflow removes a workflow definition.
func (b *SQLiteBackend) DeleteWorkflow(ctx context.Context, id string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	return err
}

// PutInstance upserts a workflow instance.
func (b *SQLiteBackend) PutInstance(ctx context.Context, inst *types.WorkflowInstance) error {
	return b.putBlob(ctx,
		`INSERT INTO instances (id, status, data) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, data = excluded.data`,
		inst.ID, inst, string(inst.Status))
}

// GetInstance loads a workflow instance.
func (b *SQLiteBackend) GetInstance(ctx context.Context, id string) (*types.WorkflowInstance, error) {
	var inst types.WorkflowInstance
	if err := b.getBlob(ctx, `SELECT data FROM instances WHERE id = ?`, id, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// DeleteInstance removes a workflow instance.
func (b *SQLiteBackend) DeleteInstance(ctx context.Context, id string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id)
	return err
}

// PutSnapshot upserts a snapshot.
func (b *SQLiteBackend) PutSnapshot(ctx context.Context, snap *types.Snapshot) error {
	return b.putBlob(ctx,
		`INSERT INTO snapshots (id, instance_id, ts, data) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET data = excluded.data`,
		snap.ID, snap, snap.InstanceID, snap.Timestamp.UnixMilli())
}

// LatestSnapshot returns the newest snapshot for an instance.
func (b *SQLiteBackend) LatestSnapshot(ctx context.Context, instanceID string) (*types.Snapshot, error) {
	var data string
	err := b.db.QueryRowContext(ctx,
		`SELECT data FROM snapshots WHERE instance_id = ? ORDER BY ts DESC, id DESC LIMIT 1`,
		instanceID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var snap types.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// ListSnapshots returns an instance's snapshots, newest first.
func (b *SQLiteBackend) ListSnapshots(ctx context.Context, instanceID string) ([]*types.Snapshot, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT data FROM snapshots WHERE instance_id = ? ORDER BY ts DESC, id DESC`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Snapshot
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var snap types.Snapshot
		if err := json.Unmarshal([]byte(data), &snap); err != nil {
			return nil, err
		}
		out = append(out, &snap)
	}
	return out, rows.Err()
}

// DeleteSnapshot removes one snapshot by id.
func (b *SQLiteBackend) DeleteSnapshot(ctx context.Context, id string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, id)
	return err
}

// DeleteSnapshots removes an instance's snapshots older than before, or
// all of them when before is nil.
func (b *SQLiteBackend) DeleteSnapshots(ctx context.Context, instanceID string, before *types.Timestamp) error {
	if before == nil {
		_, err := b.db.ExecContext(ctx, `DELETE FROM snapshots WHERE instance_id = ?`, instanceID)
		return err
	}
	_, err := b.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE instance_id = ? AND ts < ?`, instanceID, before.UnixMilli())
	return err
}

// PutEvents stores a batch of events in one transaction. Duplicate event
// ids are ignored so replays of the same batch are harmless.
func (b *SQLiteBackend) PutEvents(ctx context.Context, events []*types.Event) error {
	if len(events) == 0 {
		return nil
	}
	ctx, span := b.tracer.StartSpan(ctx, "statestore.put_events",
		observability.WithAttribute("count", len(events)))
	defer b.tracer.EndSpan(span)

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO events (id, instance_id, ts, data) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`)
	if err != nil {
		span.RecordError(err)
		return err
	}
	defer stmt.Close()

	for _, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to marshal event %s: %w", e.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, e.ID, e.InstanceID, e.Timestamp.UnixMilli(), string(data)); err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to insert event %s: %w", e.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to commit events: %w", err)
	}
	return nil
}

// GetEvents returns an instance's events after the given timestamp.
func (b *SQLiteBackend) GetEvents(ctx context.Context, instanceID string, after *types.Timestamp) ([]*types.Event, error) {
	query := `SELECT data FROM events WHERE instance_id = ? ORDER BY ts, id`
	args := []interface{}{instanceID}
	if after != nil {
		query = `SELECT data FROM events WHERE instance_id = ? AND ts > ? ORDER BY ts, id`
		args = append(args, after.UnixMilli())
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Event
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var e types.Event
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// DeleteEvents removes an instance's events older than before, or all of
// them when before is nil.
func (b *SQLiteBackend) DeleteEvents(ctx context.Context, instanceID string, before *types.Timestamp) error {
	if before == nil {
		_, err := b.db.ExecContext(ctx, `DELETE FROM events WHERE instance_id = ?`, instanceID)
		return err
	}
	_, err := b.db.ExecContext(ctx,
		`DELETE FROM events WHERE instance_id = ? AND ts < ?`, instanceID, before.UnixMilli())
	return err
}

// PutHumanTask upserts a human task.
func (b *SQLiteBackend) PutHumanTask(ctx context.Context, task *types.HumanTask) error {
	return b.putBlob(ctx,
		`INSERT INTO human_tasks (id, instance_id, status, data) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, data = excluded.data`,
		task.ID, task, task.InstanceID, string(task.Status))
}

// GetHumanTask loads a human task.
func (b *SQLiteBackend) GetHumanTask(ctx context.Context, id string) (*types.HumanTask, error) {
	var task types.HumanTask
	if err := b.getBlob(ctx, `SELECT data FROM human_tasks WHERE id = ?`, id, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// ListHumanTasks returns human tasks, filtered by instance when
// instanceID is non-empty.
func (b *SQLiteBackend) ListHumanTasks(ctx context.Context, instanceID string) ([]*types.HumanTask, error) {
	query := `SELECT data FROM human_tasks ORDER BY id`
	var args []interface{}
	if instanceID != "" {
		query = `SELECT data FROM human_tasks WHERE instance_id = ? ORDER BY id`
		args = append(args, instanceID)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.HumanTask
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var task types.HumanTask
		if err := json.Unmarshal([]byte(data), &task); err != nil {
			return nil, err
		}
		out = append(out, &task)
	}
	return out, rows.Err()
}

// PutTask upserts a task.
func (b *SQLiteBackend) PutTask(ctx context.Context, task *types.Task) error {
	return b.putBlob(ctx,
		`INSERT INTO tasks (id, status, data) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, data = excluded.data`,
		task.ID, task, string(task.Status))
}

// GetTask loads a task.
func (b *SQLiteBackend) GetTask(ctx context.Context, id string) (*types.Task, error) {
	var task types.Task
	if err := b.getBlob(ctx, `SELECT data FROM tasks WHERE id = ?`, id, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// ListTasks returns all tasks.
func (b *SQLiteBackend) ListTasks(ctx context.Context) ([]*types.Task, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT data FROM tasks ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Task
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var task types.Task
		if err := json.Unmarshal([]byte(data), &task); err != nil {
			return nil, err
		}
		out = append(out, &task)
	}
	return out, rows.Err()
}

// PutTeam upserts a team.
func (b *SQLiteBackend) PutTeam(ctx context.Context, team *types.Team) error {
	return b.putBlob(ctx,
		`INSERT INTO teams (id, data) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET data = excluded.data`,
		team.ID, team)
}

// GetTeam loads a team.
func (b *SQLiteBackend) GetTeam(ctx context.Context, id string) (*types.Team, error) {
	var team types.Team
	if err := b.getBlob(ctx, `SELECT data FROM teams WHERE id = ?`, id, &team); err != nil {
		return nil, err
	}
	return &team, nil
}

// ListTeams returns all teams.
func (b *SQLiteBackend) ListTeams(ctx context.Context) ([]*types.Team, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT data FROM teams ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Team
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var team types.Team
		if err := json.Unmarshal([]byte(data), &team); err != nil {
			return nil, err
		}
		out = append(out, &team)
	}
	return out, rows.Err()
}

// DeleteTeam removes a team.
func (b *SQLiteBackend) DeleteTeam(ctx context.Context, id string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM teams WHERE id = ?`, id)
	return err
}

var _ Backend = (*SQLiteBackend)(nil)
