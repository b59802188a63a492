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
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teradata-labs/hive/pkg/communication"
	"github.com/teradata-labs/hive/pkg/statestore"
	"github.com/teradata-labs/hive/pkg/types"
)

type engineFixture struct {
	bus    *communication.Bus
	store  *statestore.Store
	engine *Engine
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	bus := communication.NewBus(communication.Config{}, nil, logger)
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", uuid.New().String())
	backend, err := statestore.NewSQLiteBackend(statestore.SQLiteConfig{Path: dsn})
	require.NoError(t, err)
	store := statestore.New(backend, statestore.DefaultConfig(), logger)

	engine := New(types.AgentID{Namespace: "workflow", ID: "engine"}, Config{
		SnapshotInterval: time.Hour, // periodic checkpoints stay quiet in tests
		EnableSnapshots:  true,
		TaskTimeout:      2 * time.Second,
	}, bus, store, nil, logger)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		engine.Shutdown(ctx)
		store.Close()
		bus.Close()
	})
	return &engineFixture{bus: bus, store: store, engine: engine}
}

// respondWith runs a bus agent answering every request with the body
// computed by fn.
func (f *engineFixture) respondWith(t *testing.T, id types.AgentID, fn func(*types.Message) map[string]interface{}) {
	t.Helper()
	mb, err := f.bus.Register(id)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		for {
			msg, err := mb.Receive(ctx)
			if err != nil {
				return
			}
			if err := f.bus.Send(ctx, msg.Response(id, fn(msg))); err != nil {
				return
			}
		}
	}()
}

func (f *engineFixture) waitStatus(t *testing.T, id string, want types.InstanceStatus) *types.WorkflowInstance {
	t.Helper()
	var inst *types.WorkflowInstance
	require.Eventually(t, func() bool {
		got, err := f.engine.GetWorkflowStatus(context.Background(), id)
		if err != nil {
			return false
		}
		inst = got
		return got.Status == want
	}, 5*time.Second, 10*time.Millisecond, "instance %s never reached %s", id, want)
	return inst
}

func taskDefn(id, target, topic string) *types.WorkflowDefinition {
	return &types.WorkflowDefinition{
		ID: id,
		Nodes: []types.Node{
			{ID: "start", Type: types.NodeStart},
			{ID: "work", Type: types.NodeTask, Config: types.NodeConfig{Target: target, Topic: topic}},
			{ID: "end", Type: types.NodeEnd},
		},
		Edges: []types.Edge{
			{From: "start", To: "work"},
			{From: "work", To: "end"},
		},
	}
}

func TestStartWorkflowRunsToCompletion(t *testing.T) {
	f := newEngineFixture(t)
	worker := types.AgentID{Namespace: "worker", ID: "one"}
	f.respondWith(t, worker, func(msg *types.Message) map[string]interface{} {
		return map[string]interface{}{"result": "ok", "echo": msg.Content.Body["nodeId"]}
	})

	id, err := f.engine.StartWorkflow(context.Background(), taskDefn("wf-task", worker.Key(), "work:do"), map[string]interface{}{"n": 1}, "")
	require.NoError(t, err)

	inst := f.waitStatus(t, id, types.InstanceCompleted)
	require.NotNil(t, inst.CompletedAt)

	out, ok := inst.Context.NodeOutputs["work"].(map[string]interface{})
	require.True(t, ok, "task output stored under the node id")
	assert.Equal(t, "ok", out["result"])
	assert.Equal(t, "work", out["echo"])
	// End without an output mapping publishes the node outputs.
	assert.Contains(t, inst.Context.Outputs, "work")
}

func TestStartWorkflowRejectsInvalidDefinition(t *testing.T) {
	f := newEngineFixture(t)
	_, err := f.engine.StartWorkflow(context.Background(), &types.WorkflowDefinition{ID: "bad"}, nil, "")
	assert.ErrorIs(t, err, ErrInvalidDefinition)
}

func TestPauseAndResumeAroundTask(t *testing.T) {
	f := newEngineFixture(t)
	worker := types.AgentID{Namespace: "worker", ID: "slow"}
	release := make(chan struct{})
	f.respondWith(t, worker, func(*types.Message) map[string]interface{} {
		<-release
		return map[string]interface{}{"result": "done"}
	})

	ctx := context.Background()
	id, err := f.engine.StartWorkflow(ctx, taskDefn("wf-pause", worker.Key(), "work:do"), nil, "")
	require.NoError(t, err)

	// Let the interpreter enter the task node, then suspend mid-flight.
	require.Eventually(t, func() bool {
		inst, err := f.engine.GetWorkflowStatus(ctx, id)
		return err == nil && inst.CurrentNode == "work"
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, f.engine.PauseWorkflow(ctx, id))

	inst, err := f.engine.GetWorkflowStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.InstancePaused, inst.Status)
	assert.Equal(t, "work", inst.CurrentNode)

	snap, err := f.store.LatestSnapshot(ctx, id)
	require.NoError(t, err, "pause must leave a snapshot")

	// Checksum is stable across clones of the snapshot state.
	restored := &types.WorkflowInstance{}
	require.NoError(t, json.Unmarshal(snap.State, restored))
	sum, err := types.ChecksumJSON(restored)
	require.NoError(t, err)
	assert.Equal(t, snap.Checksum, sum)

	close(release)
	require.NoError(t, f.engine.ResumeWorkflow(ctx, id))

	final := f.waitStatus(t, id, types.InstanceCompleted)
	out, ok := final.Context.NodeOutputs["work"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "done", out["result"])
}

func TestResumeRequiresPausedInstance(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	inst := &types.WorkflowInstance{
		ID:           "inst-running",
		DefinitionID: "wf",
		Status:       types.InstanceRunning,
		StartedAt:    types.Now(),
	}
	require.NoError(t, f.store.SaveInstance(ctx, inst))
	assert.ErrorIs(t, f.engine.ResumeWorkflow(ctx, inst.ID), ErrNotPaused)

	inst.Status = types.InstancePaused
	require.NoError(t, f.store.SaveInstance(ctx, inst))
	assert.ErrorIs(t, f.engine.ResumeWorkflow(ctx, inst.ID), ErrNoSnapshot)

	assert.ErrorIs(t, f.engine.ResumeWorkflow(ctx, "missing"), ErrInstanceNotFound)
}

func TestDecisionRouting(t *testing.T) {
	defn := func(id string) *types.WorkflowDefinition {
		return &types.WorkflowDefinition{
			ID: id,
			Nodes: []types.Node{
				{ID: "start", Type: types.NodeStart},
				{ID: "route", Type: types.NodeDecision},
				{ID: "big", Type: types.NodeEnd},
				{ID: "small", Type: types.NodeEnd},
			},
			Edges: []types.Edge{
				{From: "start", To: "route"},
				{From: "route", To: "big", Condition: &types.Condition{
					Type: types.ConditionComparison, Left: "inputs.n", Operator: ">", Right: float64(10),
				}},
				{From: "route", To: "small", Default: true},
			},
		}
	}

	f := newEngineFixture(t)
	ctx := context.Background()

	id, err := f.engine.StartWorkflow(ctx, defn("wf-big"), map[string]interface{}{"n": float64(20)}, "")
	require.NoError(t, err)
	assert.Equal(t, "big", f.waitStatus(t, id, types.InstanceCompleted).CurrentNode)

	id, err = f.engine.StartWorkflow(ctx, defn("wf-small"), map[string]interface{}{"n": float64(3)}, "")
	require.NoError(t, err)
	assert.Equal(t, "small", f.waitStatus(t, id, types.InstanceCompleted).CurrentNode)
}

func TestLoopStopsAtMaxIterations(t *testing.T) {
	defn := &types.WorkflowDefinition{
		ID: "wf-loop",
		Nodes: []types.Node{
			{ID: "start", Type: types.NodeStart},
			{ID: "guard", Type: types.NodeLoop, Config: types.NodeConfig{
				Condition:     &types.Condition{Type: types.ConditionExpression, Expression: "true"},
				MaxIterations: 3,
			}},
			{ID: "body", Type: types.NodeTimer, Config: types.NodeConfig{DelayMs: 1}},
			{ID: "end", Type: types.NodeEnd},
		},
		Edges: []types.Edge{
			{From: "start", To: "guard"},
			{From: "guard", To: "body"},
			{From: "body", To: "guard"},
			{From: "guard", To: "end", Default: true},
		},
	}

	f := newEngineFixture(t)
	id, err := f.engine.StartWorkflow(context.Background(), defn, nil, "")
	require.NoError(t, err)

	inst := f.waitStatus(t, id, types.InstanceCompleted)
	assert.Equal(t, "3", inst.Context.Metadata["loop:guard"], "loop ran its bounded iterations")
}

func TestParallelBranchesJoinAndAggregate(t *testing.T) {
	f := newEngineFixture(t)
	f.engine.RegisterTransform("emit-one", func(*types.WorkflowContext) (interface{}, error) {
		return map[string]interface{}{"v": float64(1)}, nil
	})
	f.engine.RegisterTransform("emit-two", func(*types.WorkflowContext) (interface{}, error) {
		return map[string]interface{}{"v": float64(2)}, nil
	})

	defn := &types.WorkflowDefinition{
		ID: "wf-parallel",
		Nodes: []types.Node{
			{ID: "start", Type: types.NodeStart},
			{ID: "split", Type: types.NodeParallel},
			{ID: "left", Type: types.NodeTransform, Config: types.NodeConfig{Handler: "emit-one"}},
			{ID: "right", Type: types.NodeTransform, Config: types.NodeConfig{Handler: "emit-two"}},
			{ID: "sum", Type: types.NodeAggregate, Config: types.NodeConfig{
				Inputs: []string{"left", "right"}, Mode: types.AggregateSum, Field: "v",
			}},
			{ID: "end", Type: types.NodeEnd},
		},
		Edges: []types.Edge{
			{From: "start", To: "split"},
			{From: "split", To: "left"},
			{From: "split", To: "right"},
			{From: "left", To: "sum"},
			{From: "right", To: "sum"},
			{From: "sum", To: "end"},
		},
	}

	id, err := f.engine.StartWorkflow(context.Background(), defn, nil, "")
	require.NoError(t, err)
	inst := f.waitStatus(t, id, types.InstanceCompleted)

	assert.EqualValues(t, 3, inst.Context.NodeOutputs["sum"])

	branches, ok := inst.Context.NodeOutputs["split"].(map[string]interface{})
	require.True(t, ok, "parallel output keyed by branch head")
	assert.Contains(t, branches, "left")
	assert.Contains(t, branches, "right")
}

func TestHumanTaskSuspendsUntilCompleted(t *testing.T) {
	defn := &types.WorkflowDefinition{
		ID: "wf-human",
		Nodes: []types.Node{
			{ID: "start", Type: types.NodeStart},
			{ID: "approve", Type: types.NodeHumanTask, Config: types.NodeConfig{
				Assignee: "alice", Prompt: "approve the release?",
			}},
			{ID: "end", Type: types.NodeEnd},
		},
		Edges: []types.Edge{
			{From: "start", To: "approve"},
			{From: "approve", To: "end"},
		},
	}

	f := newEngineFixture(t)
	ctx := context.Background()
	id, err := f.engine.StartWorkflow(ctx, defn, nil, "")
	require.NoError(t, err)

	f.waitStatus(t, id, types.InstanceWaiting)
	tasks, err := f.store.ListHumanTasks(ctx, id)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "alice", tasks[0].Assignee)
	assert.Equal(t, types.HumanTaskPending, tasks[0].Status)

	require.NoError(t, f.engine.CompleteHumanTask(ctx, id, tasks[0].ID, map[string]interface{}{"approved": true}))

	inst := f.waitStatus(t, id, types.InstanceCompleted)
	out, ok := inst.Context.NodeOutputs["approve"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, out["approved"])

	stored, err := f.store.GetHumanTask(ctx, tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, types.HumanTaskCompleted, stored.Status)
}

func TestEventNodeWaitsForMatchingType(t *testing.T) {
	defn := &types.WorkflowDefinition{
		ID: "wf-event",
		Nodes: []types.Node{
			{ID: "start", Type: types.NodeStart},
			{ID: "gate", Type: types.NodeEvent, Config: types.NodeConfig{EventType: "release:approved"}},
			{ID: "end", Type: types.NodeEnd},
		},
		Edges: []types.Edge{
			{From: "start", To: "gate"},
			{From: "gate", To: "end"},
		},
	}

	f := newEngineFixture(t)
	ctx := context.Background()
	id, err := f.engine.StartWorkflow(ctx, defn, nil, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		inst, err := f.engine.GetWorkflowStatus(ctx, id)
		return err == nil && inst.CurrentNode == "gate"
	}, 2*time.Second, 5*time.Millisecond)

	// A mismatched type is dropped; the matching one unblocks the node.
	require.NoError(t, f.engine.DeliverEvent(ctx, id, "release:rejected", nil))
	require.NoError(t, f.engine.DeliverEvent(ctx, id, "release:approved", map[string]interface{}{"tag": "v2"}))

	inst := f.waitStatus(t, id, types.InstanceCompleted)
	out, ok := inst.Context.NodeOutputs["gate"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "v2", out["tag"])
}

func TestSubworkflowOutputsBecomeNodeOutput(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.engine.RegisterTransform("emit-child", func(*types.WorkflowContext) (interface{}, error) {
		return map[string]interface{}{"x": float64(42)}, nil
	})

	child := &types.WorkflowDefinition{
		ID: "wf-child",
		Nodes: []types.Node{
			{ID: "start", Type: types.NodeStart},
			{ID: "emit", Type: types.NodeTransform, Config: types.NodeConfig{Handler: "emit-child"}},
			{ID: "end", Type: types.NodeEnd},
		},
		Edges: []types.Edge{
			{From: "start", To: "emit"},
			{From: "emit", To: "end"},
		},
	}
	require.NoError(t, f.store.SaveWorkflow(ctx, child))

	parent := &types.WorkflowDefinition{
		ID: "wf-parent",
		Nodes: []types.Node{
			{ID: "start", Type: types.NodeStart},
			{ID: "sub", Type: types.NodeSubworkflow, Config: types.NodeConfig{WorkflowID: "wf-child"}},
			{ID: "end", Type: types.NodeEnd},
		},
		Edges: []types.Edge{
			{From: "start", To: "sub"},
			{From: "sub", To: "end"},
		},
	}

	id, err := f.engine.StartWorkflow(ctx, parent, nil, "")
	require.NoError(t, err)
	inst := f.waitStatus(t, id, types.InstanceCompleted)

	out, ok := inst.Context.NodeOutputs["sub"].(map[string]interface{})
	require.True(t, ok, "subworkflow output is the child's outputs")
	emit, ok := out["emit"].(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 42, emit["x"])
}

func TestCancelWorkflow(t *testing.T) {
	defn := &types.WorkflowDefinition{
		ID: "wf-cancel",
		Nodes: []types.Node{
			{ID: "start", Type: types.NodeStart},
			{ID: "nap", Type: types.NodeTimer, Config: types.NodeConfig{DelayMs: 60_000}},
			{ID: "end", Type: types.NodeEnd},
		},
		Edges: []types.Edge{
			{From: "start", To: "nap"},
			{From: "nap", To: "end"},
		},
	}

	f := newEngineFixture(t)
	ctx := context.Background()
	id, err := f.engine.StartWorkflow(ctx, defn, nil, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		inst, err := f.engine.GetWorkflowStatus(ctx, id)
		return err == nil && inst.CurrentNode == "nap"
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.engine.CancelWorkflow(ctx, id, "operator abort"))

	inst, err := f.engine.GetWorkflowStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceCancelled, inst.Status)
	require.NotNil(t, inst.CompletedAt)

	assert.ErrorIs(t, f.engine.CancelWorkflow(ctx, id, "again"), ErrTerminal)

	events, err := f.store.GetEvents(ctx, id, nil)
	require.NoError(t, err)
	var cancelled int
	for _, ev := range events {
		if ev.Type == types.EventInstanceCancelled {
			cancelled++
		}
	}
	assert.Equal(t, 1, cancelled)
}

func TestFailedTaskFailsInstance(t *testing.T) {
	f := newEngineFixture(t)
	// Target registered nowhere: the send fails and the instance fails.
	id, err := f.engine.StartWorkflow(context.Background(), taskDefn("wf-fail", "worker:ghost", "work:do"), nil, "")
	require.NoError(t, err)

	inst := f.waitStatus(t, id, types.InstanceFailed)
	assert.Contains(t, inst.Error, "work")
}

func TestReplayDeterminism(t *testing.T) {
	f := newEngineFixture(t)
	worker := types.AgentID{Namespace: "worker", ID: "echo"}
	f.respondWith(t, worker, func(*types.Message) map[string]interface{} {
		return map[string]interface{}{"result": "ok"}
	})

	ctx := context.Background()
	id, err := f.engine.StartWorkflow(ctx, taskDefn("wf-replay", worker.Key(), "work:do"), nil, "")
	require.NoError(t, err)
	f.waitStatus(t, id, types.InstanceCompleted)

	events, err := f.store.GetEvents(ctx, id, nil)
	require.NoError(t, err)
	require.NotEmpty(t, events)

	// Applying the full log in one go matches applying it stepwise.
	all := &types.WorkflowInstance{ID: id}
	for _, ev := range events {
		statestore.ApplyEvent(all, ev)
	}
	step := &types.WorkflowInstance{ID: id}
	for _, ev := range events[:len(events)-1] {
		statestore.ApplyEvent(step, ev)
	}
	statestore.ApplyEvent(step, events[len(events)-1])

	wantJSON, err := types.CanonicalJSON(all)
	require.NoError(t, err)
	gotJSON, err := types.CanonicalJSON(step)
	require.NoError(t, err)
	assert.Equal(t, string(wantJSON), string(gotJSON))

	assert.Equal(t, types.InstanceCompleted, all.Status)
	assert.Contains(t, all.Context.NodeOutputs, "work")
}
