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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teradata-labs/hive/pkg/agent"
	"github.com/teradata-labs/hive/pkg/communication"
	"github.com/teradata-labs/hive/pkg/coordinator"
	"github.com/teradata-labs/hive/pkg/types"
)

type hiveFixture struct {
	bus      *communication.Bus
	registry *coordinator.AgentRegistry
	hive     *Hive
}

func newHiveFixture(t *testing.T, cfg Config) *hiveFixture {
	t.Helper()
	bus := communication.NewBus(communication.Config{}, nil, zaptest.NewLogger(t))
	registry := coordinator.NewAgentRegistry()
	h, err := New(types.AgentID{Namespace: "queen", ID: "main"}, cfg, bus, registry, nil, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, h.Initialize(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
		_ = bus.Close()
	})
	return &hiveFixture{bus: bus, registry: registry, hive: h}
}

// quietConfig keeps the background sweeps out of short tests' way.
func quietConfig() Config {
	return Config{
		StallThreshold:    time.Hour,
		HeartbeatInterval: time.Hour,
		TaskTimeout:       2 * time.Second,
		RetryBackoff:      time.Millisecond,
	}
}

func (f *hiveFixture) startAgent(t *testing.T, name string, typ types.AgentType, caps map[string]float64, exec agent.ExecutorFunc, voter agent.VoterFunc) types.AgentID {
	t.Helper()
	profile := types.AgentProfile{
		ID:           types.AgentID{Namespace: "worker", ID: name},
		Type:         typ,
		Capabilities: caps,
		State:        types.AgentIdle,
		RegisteredAt: types.Now(),
	}
	rt := agent.New(profile, f.bus, agent.Options{
		HeartbeatInterval: time.Hour,
		Executor:          exec,
		Voter:             voter,
		Logger:            zaptest.NewLogger(t),
	})
	require.NoError(t, rt.Start(context.Background()))
	t.Cleanup(func() { _ = rt.Stop() })
	f.registry.Register(profile)
	return profile.ID
}

func okExecutor(ctx context.Context, task *types.Task) (map[string]interface{}, error) {
	return map[string]interface{}{"done": task.ID}, nil
}

func approveVoter(ctx context.Context, proposalID string, proposal map[string]interface{}) (bool, string) {
	return true, "fine by me"
}

func waitTasksDone(t *testing.T, h *Hive, want types.TaskStatus, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		count := 0
		for _, task := range h.GetTasks() {
			if task.Status == want {
				count++
			}
		}
		return count >= n
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSubmitRunsPlanToCompletion(t *testing.T) {
	f := newHiveFixture(t, quietConfig())
	f.startAgent(t, "res", types.AgentResearcher,
		map[string]float64{"research": 1, "analysis": 1}, okExecutor, nil)
	f.startAgent(t, "doc", types.AgentDocumenter,
		map[string]float64{"analysis": 1, "documentation": 1}, okExecutor, nil)

	goal := types.NewGoal("investigate message ordering")
	tasks, err := f.hive.SubmitTask(context.Background(), goal, StrategyResearch)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, goal.ID+"-survey", tasks[0].ID)

	waitTasksDone(t, f.hive, types.TaskCompleted, 2)

	stats := f.hive.GetStats()
	assert.Equal(t, int64(1), stats.GoalsSubmitted)
	assert.Equal(t, int64(2), stats.TasksCompleted)
	assert.Zero(t, stats.TasksFailed)

	for _, task := range f.hive.GetTasks() {
		require.Len(t, task.AssignedAgents, 1)
		assert.Equal(t, float64(100), task.Progress)
	}
}

func TestFailingTaskRetriesThenCascades(t *testing.T) {
	cfg := quietConfig()
	cfg.MaxRetries = 1
	f := newHiveFixture(t, cfg)
	f.startAgent(t, "bad", types.AgentResearcher,
		map[string]float64{"research": 1, "analysis": 1, "documentation": 1},
		func(ctx context.Context, task *types.Task) (map[string]interface{}, error) {
			return nil, errors.New("broken tooling")
		}, nil)

	goal := types.NewGoal("investigate flaky build")
	_, err := f.hive.SubmitTask(context.Background(), goal, StrategyResearch)
	require.NoError(t, err)

	waitTasksDone(t, f.hive, types.TaskFailed, 2)

	survey, err := f.hive.GetTask(goal.ID + "-survey")
	require.NoError(t, err)
	assert.Equal(t, 1, survey.Retries)
	assert.Contains(t, survey.Metadata["failureReason"], "retry cap")

	synth, err := f.hive.GetTask(goal.ID + "-synthesize")
	require.NoError(t, err)
	assert.Equal(t, "dependency_failed", synth.Metadata["causeKind"])
	assert.Contains(t, synth.Metadata["causeChain"], goal.ID+"-survey")

	stats := f.hive.GetStats()
	assert.Equal(t, int64(2), stats.TasksFailed)
	assert.Equal(t, int64(1), stats.Retries)
}

func TestPerTaskTimeoutBoundsWait(t *testing.T) {
	cfg := quietConfig()
	cfg.TaskTimeout = time.Hour
	cfg.MaxRetries = 0
	f := newHiveFixture(t, cfg)
	// Responds long after the task's own deadline.
	f.startAgent(t, "slow", types.AgentResearcher,
		map[string]float64{"research": 1},
		func(ctx context.Context, task *types.Task) (map[string]interface{}, error) {
			time.Sleep(3 * time.Second)
			return nil, errors.New("too late")
		}, nil)

	goal := types.NewGoal("poll a slow upstream")
	task := newPlanTask(goal, "poll")
	task.RequiredCapabilities = []string{"research"}
	task.TimeoutMs = 100
	f.hive.cache.put(goal.Description, StrategyResearch, []*types.Task{task})

	_, err := f.hive.SubmitTask(context.Background(), goal, StrategyResearch)
	require.NoError(t, err)

	start := time.Now()
	waitTasksDone(t, f.hive, types.TaskFailed, 1)
	assert.Less(t, time.Since(start), 2*time.Second,
		"task timeout applies instead of the scheduler default")
}

func TestShutdownInterruptsRetryBackoff(t *testing.T) {
	cfg := quietConfig()
	cfg.MaxRetries = 3
	cfg.RetryBackoff = time.Hour
	f := newHiveFixture(t, cfg)
	f.startAgent(t, "bad", types.AgentResearcher,
		map[string]float64{"research": 1, "analysis": 1, "documentation": 1},
		func(ctx context.Context, task *types.Task) (map[string]interface{}, error) {
			return nil, errors.New("broken tooling")
		}, nil)

	goal := types.NewGoal("investigate flaky build")
	_, err := f.hive.SubmitTask(context.Background(), goal, StrategyResearch)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.hive.GetStats().Retries >= 1
	}, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, f.hive.Shutdown(ctx))
	assert.Less(t, time.Since(start), 5*time.Second,
		"shutdown does not wait out the back-off")
	assert.Equal(t, StatusStopped, f.hive.GetStatus())
}

func TestStalledTaskIsReassigned(t *testing.T) {
	cfg := quietConfig()
	cfg.StallThreshold = 150 * time.Millisecond
	cfg.HealthInterval = 25 * time.Millisecond
	cfg.TaskTimeout = 5 * time.Second
	f := newHiveFixture(t, cfg)

	// The researcher outscores the coder via type affinity, so it gets
	// the task first, then hangs without progress.
	f.startAgent(t, "slow", types.AgentResearcher,
		map[string]float64{"research": 1, "analysis": 1},
		func(ctx context.Context, task *types.Task) (map[string]interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}, nil)
	fast := f.startAgent(t, "fast", types.AgentCoder,
		map[string]float64{"research": 1, "analysis": 1}, okExecutor, nil)

	goal := types.NewGoal("survey only")
	tk := &types.Task{
		ID:                   goal.ID + "-survey",
		GoalID:               goal.ID,
		Type:                 "survey",
		Description:          "survey: " + goal.Description,
		Priority:             types.PriorityNormal,
		Status:               types.TaskCreated,
		RequiredCapabilities: []string{"research", "analysis"},
		MaxRetries:           3,
		TimeoutMs:            5000,
		CreatedAt:            types.Now(),
		UpdatedAt:            types.Now(),
	}
	f.hive.track(goal, StrategyAuto, []*types.Task{tk})
	go f.hive.executeTask(tk.ID)

	require.Eventually(t, func() bool {
		got, err := f.hive.GetTask(tk.ID)
		return err == nil && got.Status == types.TaskCompleted
	}, 5*time.Second, 10*time.Millisecond)

	got, err := f.hive.GetTask(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{fast.Key()}, got.AssignedAgents)
	assert.GreaterOrEqual(t, f.hive.GetStats().Reassignments, int64(1))
}

func TestCancelTask(t *testing.T) {
	f := newHiveFixture(t, quietConfig())
	f.startAgent(t, "slow", types.AgentResearcher,
		map[string]float64{"research": 1},
		func(ctx context.Context, task *types.Task) (map[string]interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}, nil)

	goal := types.NewGoal("long haul")
	tk := &types.Task{
		ID:          goal.ID + "-only",
		GoalID:      goal.ID,
		Description: goal.Description,
		Priority:    types.PriorityNormal,
		Status:      types.TaskCreated,
		MaxRetries:  3,
		TimeoutMs:   10_000,
		CreatedAt:   types.Now(),
		UpdatedAt:   types.Now(),
	}
	f.hive.track(goal, StrategyAuto, []*types.Task{tk})
	go f.hive.executeTask(tk.ID)

	require.Eventually(t, func() bool {
		got, err := f.hive.GetTask(tk.ID)
		return err == nil && got.Status == types.TaskInProgress
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.hive.CancelTask(context.Background(), tk.ID))
	got, err := f.hive.GetTask(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCancelled, got.Status)

	// Terminal tasks cannot be cancelled twice.
	assert.Error(t, f.hive.CancelTask(context.Background(), tk.ID))
	assert.ErrorIs(t, f.hive.CancelTask(context.Background(), "nope"), ErrUnknownTask)
}

func TestRetryTaskAfterFailureInvalidatesCache(t *testing.T) {
	f := newHiveFixture(t, quietConfig())

	// No agents: every task fails at assignment.
	goal := types.NewGoal("investigate under-resourcing")
	_, err := f.hive.SubmitTask(context.Background(), goal, StrategyResearch)
	require.NoError(t, err)
	waitTasksDone(t, f.hive, types.TaskFailed, 2)

	_, cached := f.hive.cache.get(goal.Description, StrategyResearch)
	require.True(t, cached)

	f.startAgent(t, "late", types.AgentResearcher,
		map[string]float64{"research": 1, "analysis": 1}, okExecutor, nil)

	retried, err := f.hive.RetryTask(context.Background(), goal.ID+"-survey")
	require.NoError(t, err)
	assert.Equal(t, goal.ID+"-survey", retried.RetryOf)
	assert.Equal(t, 1, retried.Retries)

	_, cached = f.hive.cache.get(goal.Description, StrategyResearch)
	assert.False(t, cached, "retry invalidates the decomposition cache")

	require.Eventually(t, func() bool {
		got, err := f.hive.GetTask(retried.ID)
		return err == nil && got.Status == types.TaskCompleted
	}, 5*time.Second, 10*time.Millisecond)

	// Only failed or cancelled tasks retry.
	_, err = f.hive.RetryTask(context.Background(), retried.ID)
	assert.Error(t, err)
}

func TestConsensusAchieved(t *testing.T) {
	f := newHiveFixture(t, quietConfig())
	var voters []types.AgentID
	for _, name := range []string{"v1", "v2", "v3", "v4"} {
		voters = append(voters, f.startAgent(t, name, types.AgentSpecialist, nil, okExecutor, approveVoter))
	}
	voters = append(voters, f.startAgent(t, "nay", types.AgentSpecialist, nil, okExecutor,
		func(ctx context.Context, proposalID string, proposal map[string]interface{}) (bool, string) {
			return false, "too risky"
		}))

	record, err := f.hive.RunConsensus(context.Background(), "deploy", map[string]interface{}{"version": "2.0"}, voters, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.ConsensusAchieved, record.Status)
	positive, _, expected := record.Tally()
	assert.Equal(t, 5, expected)
	assert.GreaterOrEqual(t, float64(positive)/float64(expected), f.hive.cfg.ConsensusThreshold)
}

func TestConsensusRejected(t *testing.T) {
	f := newHiveFixture(t, quietConfig())
	var voters []types.AgentID
	for _, name := range []string{"n1", "n2", "n3"} {
		voters = append(voters, f.startAgent(t, name, types.AgentSpecialist, nil, okExecutor,
			func(ctx context.Context, proposalID string, proposal map[string]interface{}) (bool, string) {
				return false, "no"
			}))
	}
	for _, name := range []string{"y1", "y2"} {
		voters = append(voters, f.startAgent(t, name, types.AgentSpecialist, nil, okExecutor, approveVoter))
	}

	record, err := f.hive.RunConsensus(context.Background(), "deploy", nil, voters, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.ConsensusRejected, record.Status)
}

func TestConsensusExpires(t *testing.T) {
	f := newHiveFixture(t, quietConfig())
	// Registered on the bus but never consuming: no votes arrive.
	var voters []types.AgentID
	for _, name := range []string{"mute1", "mute2", "mute3"} {
		id := types.AgentID{Namespace: "worker", ID: name}
		_, err := f.bus.Register(id)
		require.NoError(t, err)
		voters = append(voters, id)
	}

	record, err := f.hive.RunConsensus(context.Background(), "deploy", nil, voters, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, types.ConsensusExpired, record.Status)
	_, cast, _ := record.Tally()
	assert.Zero(t, cast)
}

func TestSubmitRequiresRunningScheduler(t *testing.T) {
	f := newHiveFixture(t, quietConfig())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.hive.Shutdown(ctx))

	_, err := f.hive.SubmitTask(context.Background(), types.NewGoal("late"), StrategyAuto)
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.Equal(t, StatusStopped, f.hive.GetStatus())
}
