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
package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teradata-labs/hive/pkg/communication"
	"github.com/teradata-labs/hive/pkg/types"
)

func testProfile(id string, agentType types.AgentType, caps map[string]float64) types.AgentProfile {
	return types.AgentProfile{
		ID:           types.AgentID{Namespace: "test", ID: id},
		Name:         id,
		Type:         agentType,
		Capabilities: caps,
		RegisteredAt: types.Now(),
	}
}

func startAgent(t *testing.T, bus *communication.Bus, profile types.AgentProfile, opts Options) *Runtime {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	rt := New(profile, bus, opts)
	require.NoError(t, rt.Start(context.Background()))
	t.Cleanup(func() { rt.Stop() })
	return rt
}

func newCaller(t *testing.T, bus *communication.Bus) types.AgentID {
	t.Helper()
	caller := types.AgentID{Namespace: "test", ID: "caller"}
	_, err := bus.Register(caller)
	require.NoError(t, err)
	return caller
}

func TestCapabilityQuery(t *testing.T) {
	bus := communication.NewBus(communication.Config{}, nil, zaptest.NewLogger(t))
	defer bus.Close()
	caller := newCaller(t, bus)

	startAgent(t, bus, testProfile("coder-1", types.AgentCoder, map[string]float64{"programming": 0.9}), Options{})

	req := types.NewMessage(caller, []types.AgentID{{Namespace: "test", ID: "coder-1"}},
		types.MessageRequest, types.PriorityNormal, types.TopicCapabilityQuery, nil)
	resp, err := bus.SendAndWait(context.Background(), req, 2*time.Second)
	require.NoError(t, err)

	caps, ok := resp.Content.Body["capabilities"].(map[string]float64)
	require.True(t, ok)
	assert.Equal(t, 0.9, caps["programming"])
	assert.Equal(t, "coder", resp.Content.Body["type"])
}

func TestStateQuery(t *testing.T) {
	bus := communication.NewBus(communication.Config{}, nil, zaptest.NewLogger(t))
	defer bus.Close()
	caller := newCaller(t, bus)

	startAgent(t, bus, testProfile("idle-1", types.AgentAnalyst, nil), Options{})

	req := types.NewMessage(caller, []types.AgentID{{Namespace: "test", ID: "idle-1"}},
		types.MessageRequest, types.PriorityNormal, types.TopicStateQuery, nil)
	resp, err := bus.SendAndWait(context.Background(), req, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, string(types.AgentActive), resp.Content.Body["state"])
	assert.Equal(t, float64(0), resp.Content.Body["workload"])
}

func TestTaskAssignmentRunsAndResponds(t *testing.T) {
	bus := communication.NewBus(communication.Config{}, nil, zaptest.NewLogger(t))
	defer bus.Close()
	caller := newCaller(t, bus)

	executed := make(chan string, 4)
	exec := ExecutorFunc(func(ctx context.Context, task *types.Task) (map[string]interface{}, error) {
		executed <- task.ID
		return map[string]interface{}{"echo": task.Description}, nil
	})
	startAgent(t, bus, testProfile("worker", types.AgentCoder, map[string]float64{"programming": 1}), Options{Executor: exec})

	task := types.NewTask("implement the parser")
	cmd := types.NewMessage(caller, []types.AgentID{{Namespace: "test", ID: "worker"}},
		types.MessageCommand, types.PriorityHigh, types.TopicTaskAssignment,
		map[string]interface{}{"tasks": []*types.Task{task}})

	resp, err := bus.SendAndWait(context.Background(), cmd, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, true, resp.Content.Body["success"])

	results, ok := resp.Content.Body["results"].(map[string]interface{})
	require.True(t, ok)
	result, ok := results[task.ID].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, result["success"])

	select {
	case id := <-executed:
		assert.Equal(t, task.ID, id)
	default:
		t.Fatal("executor never ran")
	}
}

func TestTaskFailureReported(t *testing.T) {
	bus := communication.NewBus(communication.Config{}, nil, zaptest.NewLogger(t))
	defer bus.Close()
	caller := newCaller(t, bus)

	exec := ExecutorFunc(func(ctx context.Context, task *types.Task) (map[string]interface{}, error) {
		return nil, context.DeadlineExceeded
	})
	startAgent(t, bus, testProfile("flaky", types.AgentTester, nil), Options{Executor: exec})

	task := types.NewTask("doomed work")
	cmd := types.NewMessage(caller, []types.AgentID{{Namespace: "test", ID: "flaky"}},
		types.MessageCommand, types.PriorityNormal, types.TopicTaskAssignment,
		map[string]interface{}{"tasks": []*types.Task{task}})

	resp, err := bus.SendAndWait(context.Background(), cmd, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, false, resp.Content.Body["success"])
}

func TestHeartbeatsEmitted(t *testing.T) {
	bus := communication.NewBus(communication.Config{}, nil, zaptest.NewLogger(t))
	defer bus.Close()
	caller := newCaller(t, bus)
	mb := bus.Mailbox(caller)

	startAgent(t, bus, testProfile("beater", types.AgentMonitor, nil),
		Options{HeartbeatInterval: 30 * time.Millisecond})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("no heartbeat observed")
		default:
		}
		if msg := mb.TryReceive(); msg != nil && msg.Content.Topic == types.TopicHeartbeat {
			assert.Equal(t, types.MessageInform, msg.Type)
			assert.Equal(t, types.PriorityLow, msg.Priority)
			assert.Contains(t, msg.Content.Body, "workload")
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConsensusVote(t *testing.T) {
	bus := communication.NewBus(communication.Config{}, nil, zaptest.NewLogger(t))
	defer bus.Close()
	caller := newCaller(t, bus)

	voter := VoterFunc(func(ctx context.Context, proposalID string, proposal map[string]interface{}) (bool, string) {
		return false, "too risky"
	})
	startAgent(t, bus, testProfile("skeptic", types.AgentReviewer, nil), Options{Voter: voter})

	req := types.NewMessage(caller, []types.AgentID{{Namespace: "test", ID: "skeptic"}},
		types.MessageConsensus, types.PriorityHigh, types.TopicConsensusPrefix+"prop-1",
		map[string]interface{}{
			"proposalId": "prop-1",
			"proposal":   map[string]interface{}{"plan": "rewrite everything"},
		})
	resp, err := bus.SendAndWait(context.Background(), req, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, false, resp.Content.Body["approve"])
	assert.Equal(t, "too risky", resp.Content.Body["reason"])
}

func TestStopDeregisters(t *testing.T) {
	bus := communication.NewBus(communication.Config{}, nil, zaptest.NewLogger(t))
	defer bus.Close()

	rt := New(testProfile("fleeting", types.AgentSpecialist, nil), bus, Options{Logger: zaptest.NewLogger(t)})
	require.NoError(t, rt.Start(context.Background()))
	require.NoError(t, rt.Stop())

	assert.Nil(t, bus.Mailbox(rt.ID()))
	assert.Equal(t, types.AgentOffline, rt.Profile().State)
}
