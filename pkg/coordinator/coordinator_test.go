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
package coordinator

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

type fixture struct {
	bus       *communication.Bus
	registry  *AgentRegistry
	coord     *Coordinator
	mailboxes map[string]*communication.Mailbox
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bus := communication.NewBus(communication.Config{}, nil, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = bus.Close() })
	registry := NewAgentRegistry()
	self := types.AgentID{Namespace: "coordinator", ID: "main"}
	_, err := bus.Register(self)
	require.NoError(t, err)
	return &fixture{
		bus:       bus,
		registry:  registry,
		coord:     New(self, bus, registry, nil, nil, zaptest.NewLogger(t)),
		mailboxes: make(map[string]*communication.Mailbox),
	}
}

// addAgent registers an agent on both the bus and the registry.
func (f *fixture) addAgent(t *testing.T, name string, caps map[string]float64, workload float64) types.AgentID {
	t.Helper()
	id := types.AgentID{Namespace: "worker", ID: name}
	mb, err := f.bus.Register(id)
	require.NoError(t, err)
	f.mailboxes[id.Key()] = mb
	f.registry.Register(types.AgentProfile{
		ID:           id,
		Type:         types.AgentCoder,
		Capabilities: caps,
		State:        types.AgentIdle,
		Workload:     workload,
		RegisteredAt: types.Now(),
	})
	return id
}

func (f *fixture) receive(t *testing.T, id types.AgentID) *types.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := f.mailboxes[id.Key()].Receive(ctx)
	require.NoError(t, err)
	return msg
}

func TestCreateTeamLeaderAutoJoins(t *testing.T) {
	f := newFixture(t)
	leader := f.addAgent(t, "lead", map[string]float64{"programming": 0.9}, 0)

	team, err := f.coord.CreateTeam(context.Background(), "alpha", leader, nil, types.FormationFlat)
	require.NoError(t, err)
	assert.Equal(t, types.TeamForming, team.Status)
	assert.Equal(t, []types.AgentID{leader}, team.Members)
	assert.Equal(t, leader, team.Leader)
	assert.Equal(t, team.ID, f.coord.GetAgentTeam(leader))
}

func TestOneTeamPerAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.addAgent(t, "a", nil, 0)
	b := f.addAgent(t, "b", nil, 0)

	team1, err := f.coord.CreateTeam(ctx, "one", a, nil, "")
	require.NoError(t, err)
	_, err = f.coord.CreateTeam(ctx, "two", a, nil, "")
	assert.ErrorIs(t, err, ErrAlreadyTeamed)

	team2, err := f.coord.CreateTeam(ctx, "two", b, nil, "")
	require.NoError(t, err)
	err = f.coord.AddMember(ctx, team1.ID, b)
	assert.ErrorIs(t, err, ErrAlreadyTeamed)

	// Leaving team2 frees b to join team1.
	require.NoError(t, f.coord.RemoveMember(ctx, team2.ID, b))
	require.NoError(t, f.coord.AddMember(ctx, team1.ID, b))
	assert.Equal(t, team1.ID, f.coord.GetAgentTeam(b))
}

func TestRemoveLeaderPromotesNext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lead := f.addAgent(t, "lead", nil, 0)
	second := f.addAgent(t, "second", nil, 0)

	team, err := f.coord.CreateTeam(ctx, "alpha", lead, nil, "")
	require.NoError(t, err)
	require.NoError(t, f.coord.AddMember(ctx, team.ID, second))

	require.NoError(t, f.coord.RemoveMember(ctx, team.ID, lead))
	got, err := f.coord.GetTeam(team.ID)
	require.NoError(t, err)
	assert.Equal(t, second, got.Leader)
	assert.Equal(t, []types.AgentID{second}, got.Members)
	assert.Empty(t, f.coord.GetAgentTeam(lead))
}

func TestRemoveLastMemberDisbands(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lead := f.addAgent(t, "lead", nil, 0)

	team, err := f.coord.CreateTeam(ctx, "alpha", lead, nil, "")
	require.NoError(t, err)
	require.NoError(t, f.coord.RemoveMember(ctx, team.ID, lead))

	_, err = f.coord.GetTeam(team.ID)
	assert.ErrorIs(t, err, ErrTeamNotFound)
	assert.Empty(t, f.coord.GetAgentTeam(lead))
}

func TestAssignGoalDispatchesAssignments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lead := f.addAgent(t, "lead", map[string]float64{"programming": 0.9, "backend_development": 0.8}, 10)
	uiDev := f.addAgent(t, "ui", map[string]float64{"ui_design": 0.9, "frontend_development": 0.9}, 10)

	team, err := f.coord.CreateTeam(ctx, "alpha", lead, nil, types.FormationFlat)
	require.NoError(t, err)
	require.NoError(t, f.coord.AddMember(ctx, team.ID, uiDev))

	goal := types.NewGoal("build the dashboard ui and the api backend")
	require.NoError(t, f.coord.AssignGoal(ctx, team.ID, goal))

	got, err := f.coord.GetTeam(team.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TeamExecuting, got.Status)
	require.Len(t, got.Goals, 1)

	// Flat strategy routes the ui concern to the ui specialist and the
	// backend concern to the leader, each as a task:assignment COMMAND.
	leadMsg := f.receive(t, lead)
	assert.Equal(t, types.MessageCommand, leadMsg.Type)
	assert.Equal(t, types.TopicTaskAssignment, leadMsg.Content.Topic)
	uiMsg := f.receive(t, uiDev)
	assert.Equal(t, types.TopicTaskAssignment, uiMsg.Content.Topic)

	uiTasks, ok := uiMsg.Content.Body["tasks"].([]*types.Task)
	require.True(t, ok)
	require.Len(t, uiTasks, 1)
	assert.Equal(t, "ui", uiTasks[0].Type)
	assert.Equal(t, types.TaskAssigned, uiTasks[0].Status)
	assert.Equal(t, []string{uiDev.Key()}, uiTasks[0].AssignedAgents)
}

func TestAssignGoalDynamicFallsBackToLeastLoaded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// Six members with no capabilities keeps every conditional strategy
	// out of its window, so dynamic dispatch applies. Nobody can do the
	// work, so it falls back to the least-loaded agent.
	busy := f.addAgent(t, "busy0", nil, 80)
	team, err := f.coord.CreateTeam(ctx, "alpha", busy, nil, types.FormationDynamic)
	require.NoError(t, err)
	for i := 1; i < 5; i++ {
		id := f.addAgent(t, "busy"+string(rune('0'+i)), nil, 80)
		require.NoError(t, f.coord.AddMember(ctx, team.ID, id))
	}
	idle := f.addAgent(t, "idle", nil, 5)
	require.NoError(t, f.coord.AddMember(ctx, team.ID, idle))

	goal := types.NewGoal("implement the api backend")
	require.NoError(t, f.coord.AssignGoal(ctx, team.ID, goal))

	msg := f.receive(t, idle)
	assert.Equal(t, types.TopicTaskAssignment, msg.Content.Topic)
}

func TestDisbandTeamNotifiesMembers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lead := f.addAgent(t, "lead", nil, 0)
	other := f.addAgent(t, "other", nil, 0)

	team, err := f.coord.CreateTeam(ctx, "alpha", lead, nil, "")
	require.NoError(t, err)
	require.NoError(t, f.coord.AddMember(ctx, team.ID, other))
	require.NoError(t, f.coord.DisbandTeam(ctx, team.ID))

	// Each member gets a cancel (HIGH) before the disband INFORM.
	cancel := f.receive(t, other)
	assert.Equal(t, types.TopicTaskCancel, cancel.Content.Topic)
	inform := f.receive(t, other)
	assert.Equal(t, "team:disband", inform.Content.Topic)
	assert.Equal(t, team.ID, inform.Content.Body["teamId"])

	assert.Empty(t, f.coord.GetAgentTeam(lead))
	assert.Empty(t, f.coord.GetAgentTeam(other))
	_, err = f.coord.GetTeam(team.ID)
	assert.ErrorIs(t, err, ErrTeamNotFound)
}

func TestFindCapableTeams(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	coder := f.addAgent(t, "coder", map[string]float64{"programming": 0.9}, 0)
	tester := f.addAgent(t, "tester", map[string]float64{"testing": 0.8}, 0)
	scribe := f.addAgent(t, "scribe", map[string]float64{"documentation": 0.7}, 0)

	devTeam, err := f.coord.CreateTeam(ctx, "dev", coder, nil, "")
	require.NoError(t, err)
	require.NoError(t, f.coord.AddMember(ctx, devTeam.ID, tester))
	_, err = f.coord.CreateTeam(ctx, "docs", scribe, nil, "")
	require.NoError(t, err)

	teams := f.coord.FindCapableTeams([]string{"programming", "testing"})
	require.Len(t, teams, 1)
	assert.Equal(t, devTeam.ID, teams[0].ID)

	assert.Empty(t, f.coord.FindCapableTeams([]string{"programming", "documentation"}))
	assert.Len(t, f.coord.FindCapableTeams(nil), 2)
}

func TestOptimizeFormationAppliesOnlyAboveHysteresis(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Four members with four distinct capabilities: matrix scores 0.85,
	// dynamic (current) 0.5, a gain above the hysteresis margin.
	caps := []map[string]float64{
		{"programming": 1}, {"testing": 1}, {"ui_design": 1}, {"analysis": 1},
	}
	lead := f.addAgent(t, "m0", caps[0], 0)
	team, err := f.coord.CreateTeam(ctx, "alpha", lead, nil, types.FormationDynamic)
	require.NoError(t, err)
	members := []types.AgentID{lead}
	for i := 1; i < 4; i++ {
		id := f.addAgent(t, "m"+string(rune('0'+i)), caps[i], 0)
		require.NoError(t, f.coord.AddMember(ctx, team.ID, id))
		members = append(members, id)
	}

	require.NoError(t, f.coord.OptimizeTeamFormation(ctx, team.ID))
	got, err := f.coord.GetTeam(team.ID)
	require.NoError(t, err)
	assert.Equal(t, types.FormationMatrix, got.Formation)

	for _, m := range members {
		msg := f.receive(t, m)
		assert.Equal(t, "structure:matrix", msg.Content.Topic)
		assert.Equal(t, string(types.FormationMatrix), msg.Content.Body["formation"])
	}

	// Already matrix: a second pass is a no-op and sends nothing.
	require.NoError(t, f.coord.OptimizeTeamFormation(ctx, team.ID))
	for _, m := range members {
		assert.Nil(t, f.mailboxes[m.Key()].TryReceive())
	}
}

func TestOptimizeFormationKeepsCurrentWithinMargin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Three members, three distinct capabilities: matrix misses its
	// window (needs more than 3) and no score beats flat's 0.8.
	lead := f.addAgent(t, "m0", map[string]float64{"programming": 1}, 0)
	team, err := f.coord.CreateTeam(ctx, "alpha", lead, nil, types.FormationFlat)
	require.NoError(t, err)
	require.NoError(t, f.coord.AddMember(ctx, team.ID, f.addAgent(t, "m1", map[string]float64{"testing": 1}, 0)))
	require.NoError(t, f.coord.AddMember(ctx, team.ID, f.addAgent(t, "m2", map[string]float64{"analysis": 1}, 0)))

	require.NoError(t, f.coord.OptimizeTeamFormation(ctx, team.ID))
	got, err := f.coord.GetTeam(team.ID)
	require.NoError(t, err)
	assert.Equal(t, types.FormationFlat, got.Formation)
}

func TestRegistrySweepAndHeartbeatRevival(t *testing.T) {
	r := NewAgentRegistry()
	id := types.AgentID{Namespace: "worker", ID: "w"}
	r.Register(types.AgentProfile{ID: id, State: types.AgentActive})

	marked := r.SweepUnresponsive(time.Now().Add(time.Minute))
	assert.Equal(t, []string{id.Key()}, marked)
	p, _ := r.Get(id.Key())
	assert.Equal(t, types.AgentUnresponsive, p.State)

	r.MarkHeartbeat(id.Key(), time.Now())
	p, _ = r.Get(id.Key())
	assert.Equal(t, types.AgentActive, p.State)

	// A later sweep with an older cutoff leaves it alone.
	assert.Empty(t, r.SweepUnresponsive(time.Now().Add(-time.Minute)))
}

func TestPickAgentTieBreaks(t *testing.T) {
	r := NewAgentRegistry()
	a := types.AgentProfile{ID: types.AgentID{Namespace: "worker", ID: "a"}, State: types.AgentIdle}
	b := types.AgentProfile{ID: types.AgentID{Namespace: "worker", ID: "b"}, State: types.AgentIdle}
	r.Register(a)
	r.Register(b)

	task := types.NewTask("anything")

	// Equal scores: fewer completed tasks wins.
	r.RecordCompletion("worker:a", true)
	picked, ok := PickAgent([]types.AgentProfile{a, b}, task, r)
	require.True(t, ok)
	assert.Equal(t, "worker:b", picked.ID.Key())

	// Counters equal again: earliest registration wins.
	r.RecordCompletion("worker:b", true)
	picked, ok = PickAgent([]types.AgentProfile{b, a}, task, r)
	require.True(t, ok)
	assert.Equal(t, "worker:a", picked.ID.Key())

	// Offline agents are never picked.
	require.NoError(t, r.SetState("worker:a", types.AgentOffline))
	offline := a
	offline.State = types.AgentOffline
	picked, ok = PickAgent([]types.AgentProfile{offline, b}, task, r)
	require.True(t, ok)
	assert.Equal(t, "worker:b", picked.ID.Key())

	_, ok = PickAgent([]types.AgentProfile{offline}, task, r)
	assert.False(t, ok)
}

func TestMatchScoreWorkloadPenalty(t *testing.T) {
	task := types.NewTask("implement it")
	task.RequiredCapabilities = []string{"programming", "testing"}

	full := types.AgentProfile{Capabilities: map[string]float64{"programming": 1, "testing": 1}}
	assert.InDelta(t, 1.0, MatchScore(full, task), 1e-9)

	half := types.AgentProfile{Capabilities: map[string]float64{"programming": 1}}
	assert.InDelta(t, 0.5, MatchScore(half, task), 1e-9)

	loaded := full
	loaded.Workload = 50
	assert.InDelta(t, 0.5, MatchScore(loaded, task), 1e-9)
}
