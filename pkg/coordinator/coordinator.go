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

// Package coordinator groups agents into teams, selects a coordination
// strategy per (team, goal), decomposes goals into per-agent task
// bundles, dispatches them over the bus, and re-forms teams when the
// metrics say a different formation would do better.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/teradata-labs/hive/pkg/communication"
	"github.com/teradata-labs/hive/pkg/observability"
	"github.com/teradata-labs/hive/pkg/statestore"
	"github.com/teradata-labs/hive/pkg/types"
)

var (
	// ErrTeamNotFound is returned for unknown team ids.
	ErrTeamNotFound = errors.New("coordinator: team not found")
	// ErrAlreadyTeamed is returned when an agent is already on a team.
	ErrAlreadyTeamed = errors.New("coordinator: agent already in a team")
	// ErrNotMember is returned when an agent is not on the team.
	ErrNotMember = errors.New("coordinator: agent not in team")
	// ErrDisbanded is returned for operations on a disbanded team.
	ErrDisbanded = errors.New("coordinator: team disbanded")
)

// reformationHysteresis is the minimum score gain before a formation
// change is applied.
const reformationHysteresis = 0.1

// Coordinator owns the team records and the agent→team reverse index,
// which enforces one team per agent.
type Coordinator struct {
	mu        sync.RWMutex
	teams     map[string]*types.Team
	agentTeam map[string]string // agent key → team id

	self     types.AgentID
	bus      *communication.Bus
	registry *AgentRegistry
	store    *statestore.Store
	tracer   observability.Tracer
	logger   *zap.Logger
}

// New creates a Coordinator. self is the coordinator's bus identity for
// the COMMANDs and INFORMs it sends. store may be nil in tests; with a
// store, team records and task transitions are persisted.
func New(self types.AgentID, bus *communication.Bus, registry *AgentRegistry, store *statestore.Store, tracer observability.Tracer, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tracer == nil {
		tracer = observability.NewNoOpTracer()
	}
	return &Coordinator{
		teams:     make(map[string]*types.Team),
		agentTeam: make(map[string]string),
		self:      self,
		bus:       bus,
		registry:  registry,
		store:     store,
		tracer:    tracer,
		logger:    logger,
	}
}

// CreateTeam forms a team with the leader as its first member.
func (c *Coordinator) CreateTeam(ctx context.Context, name string, leader types.AgentID, goals []*types.Goal, formation types.Formation) (*types.Team, error) {
	if formation == "" {
		formation = types.FormationDynamic
	}
	c.mu.Lock()
	if teamID, ok := c.agentTeam[leader.Key()]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is in team %s", ErrAlreadyTeamed, leader.Key(), teamID)
	}
	team := &types.Team{
		ID:        types.NewID("team"),
		Name:      name,
		Leader:    leader,
		Members:   []types.AgentID{leader},
		Goals:     goals,
		Formation: formation,
		Status:    types.TeamForming,
		CreatedAt: types.Now(),
	}
	c.teams[team.ID] = team
	c.agentTeam[leader.Key()] = team.ID
	c.mu.Unlock()

	if err := c.persistTeam(ctx, team); err != nil {
		return nil, err
	}
	c.logger.Info("team created",
		zap.String("team_id", team.ID),
		zap.String("name", name),
		zap.String("leader", leader.Key()),
		zap.String("formation", string(formation)))
	return c.snapshotTeam(team.ID), nil
}

// AddMember joins an agent to a team. Fails if the agent is already on
// any team.
func (c *Coordinator) AddMember(ctx context.Context, teamID string, agentID types.AgentID) error {
	c.mu.Lock()
	team, ok := c.teams[teamID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTeamNotFound, teamID)
	}
	if team.Status == types.TeamDisbanded {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDisbanded, teamID)
	}
	if existing, ok := c.agentTeam[agentID.Key()]; ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s is in team %s", ErrAlreadyTeamed, agentID.Key(), existing)
	}
	team.Members = append(team.Members, agentID)
	if team.Status == types.TeamForming {
		team.Status = types.TeamActive
	}
	c.agentTeam[agentID.Key()] = teamID
	c.mu.Unlock()

	return c.persistTeam(ctx, c.snapshotTeam(teamID))
}

// RemoveMember drops an agent from a team. Removing the leader promotes
// the first remaining member; removing the last member disbands.
func (c *Coordinator) RemoveMember(ctx context.Context, teamID string, agentID types.AgentID) error {
	c.mu.Lock()
	team, ok := c.teams[teamID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTeamNotFound, teamID)
	}
	idx := -1
	for i, m := range team.Members {
		if m == agentID {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotMember, agentID.Key())
	}
	team.Members = append(team.Members[:idx], team.Members[idx+1:]...)
	delete(c.agentTeam, agentID.Key())

	if len(team.Members) == 0 {
		c.mu.Unlock()
		return c.DisbandTeam(ctx, teamID)
	}
	if team.Leader == agentID {
		team.Leader = team.Members[0]
		c.logger.Info("leader promoted",
			zap.String("team_id", teamID),
			zap.String("leader", team.Leader.Key()))
	}
	c.mu.Unlock()

	return c.persistTeam(ctx, c.snapshotTeam(teamID))
}

// AssignGoal appends a goal and triggers coordinated execution: pick a
// strategy, decompose, assign, dispatch.
func (c *Coordinator) AssignGoal(ctx context.Context, teamID string, goal *types.Goal) error {
	ctx, span := c.tracer.StartSpan(ctx, "coordinator.assign_goal",
		observability.WithAttribute(observability.AttrTeamID, teamID))
	defer c.tracer.EndSpan(span)

	c.mu.Lock()
	team, ok := c.teams[teamID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTeamNotFound, teamID)
	}
	if team.Status == types.TeamDisbanded {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDisbanded, teamID)
	}
	team.Goals = append(team.Goals, goal)
	if team.Status == types.TeamForming || team.Status == types.TeamActive {
		team.Status = types.TeamExecuting
	}
	c.mu.Unlock()

	if err := c.persistTeam(ctx, c.snapshotTeam(teamID)); err != nil {
		return err
	}

	strategy := c.selectStrategyFor(teamID, goal)
	tasks := Decompose(goal)
	bundles := c.assignTasks(teamID, strategy, tasks)
	return c.dispatch(ctx, teamID, goal, strategy, bundles)
}

// DisbandTeam removes the team: reverse-index entries are evicted,
// members are informed, outstanding assignments are withdrawn, and the
// record is deleted.
func (c *Coordinator) DisbandTeam(ctx context.Context, teamID string) error {
	c.mu.Lock()
	team, ok := c.teams[teamID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTeamNotFound, teamID)
	}
	members := append([]types.AgentID(nil), team.Members...)
	team.Members = nil
	team.Status = types.TeamDisbanded
	for _, m := range members {
		delete(c.agentTeam, m.Key())
	}
	delete(c.teams, teamID)
	c.mu.Unlock()

	for _, m := range members {
		cancel := types.NewMessage(c.self, []types.AgentID{m}, types.MessageCommand, types.PriorityHigh,
			types.TopicTaskCancel, map[string]interface{}{"reason": "team disbanded"})
		if err := c.bus.Send(ctx, cancel); err != nil {
			c.logger.Debug("cancel notification failed", zap.String("agent", m.Key()), zap.Error(err))
		}
		inform := types.NewMessage(c.self, []types.AgentID{m}, types.MessageInform, types.PriorityNormal,
			"team:disband", map[string]interface{}{"teamId": teamID})
		if err := c.bus.Send(ctx, inform); err != nil {
			c.logger.Debug("disband notification failed", zap.String("agent", m.Key()), zap.Error(err))
		}
	}

	if c.store != nil {
		if err := c.store.DeleteTeam(ctx, teamID); err != nil {
			return err
		}
	}
	c.logger.Info("team disbanded", zap.String("team_id", teamID))
	return nil
}

// GetTeam returns a copy of a team.
func (c *Coordinator) GetTeam(teamID string) (*types.Team, error) {
	team := c.snapshotTeam(teamID)
	if team == nil {
		return nil, fmt.Errorf("%w: %s", ErrTeamNotFound, teamID)
	}
	return team, nil
}

// GetAgentTeam returns the id of the team an agent belongs to, or "".
func (c *Coordinator) GetAgentTeam(agentID types.AgentID) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.agentTeam[agentID.Key()]
}

// ListTeams returns copies of all live teams, ordered by id.
func (c *Coordinator) ListTeams() []*types.Team {
	c.mu.RLock()
	ids := make([]string, 0, len(c.teams))
	for id := range c.teams {
		ids = append(ids, id)
	}
	c.mu.RUnlock()
	sort.Strings(ids)

	out := make([]*types.Team, 0, len(ids))
	for _, id := range ids {
		if t := c.snapshotTeam(id); t != nil {
			out = append(out, t)
		}
	}
	return out
}

// FindCapableTeams returns teams whose members jointly cover every
// required capability.
func (c *Coordinator) FindCapableTeams(required []string) []*types.Team {
	var out []*types.Team
	for _, team := range c.ListTeams() {
		covered := make(map[string]bool)
		for _, m := range team.Members {
			if profile, ok := c.registry.Get(m.Key()); ok {
				for name := range profile.Capabilities {
					covered[name] = true
				}
			}
		}
		all := true
		for _, r := range required {
			if !covered[r] {
				all = false
				break
			}
		}
		if all {
			out = append(out, team)
		}
	}
	return out
}

// TeamPerformance summarizes the signals reformation decisions use.
type TeamPerformance struct {
	CompletionRate     float64 `json:"completionRate"`
	AvgResponseMillis  float64 `json:"avgResponseMillis"`
	ErrorRate          float64 `json:"errorRate"`
	WorkloadBalance    float64 `json:"workloadBalance"`
	CollaborationScore float64 `json:"collaborationScore"`
}

// MeasureTeam gathers performance metrics for a team from the registry
// and the bus.
func (c *Coordinator) MeasureTeam(teamID string) (TeamPerformance, error) {
	team := c.snapshotTeam(teamID)
	if team == nil {
		return TeamPerformance{}, fmt.Errorf("%w: %s", ErrTeamNotFound, teamID)
	}

	var completed, total int64
	var workloads []float64
	for _, m := range team.Members {
		key := m.Key()
		done := c.registry.CompletedTasks(key)
		completed += done
		rate := c.registry.SuccessRate(key, 1)
		if rate > 0 {
			total += int64(math.Round(float64(done) / rate))
		} else {
			total += done
		}
		if profile, ok := c.registry.Get(key); ok {
			workloads = append(workloads, profile.Workload)
		}
	}

	perf := TeamPerformance{CompletionRate: 1, WorkloadBalance: 1}
	if total > 0 {
		perf.CompletionRate = float64(completed) / float64(total)
		perf.ErrorRate = 1 - perf.CompletionRate
	}
	if n := len(workloads); n > 0 {
		mean := 0.0
		for _, w := range workloads {
			mean += w
		}
		mean /= float64(n)
		variance := 0.0
		for _, w := range workloads {
			variance += (w - mean) * (w - mean)
		}
		stddev := math.Sqrt(variance / float64(n))
		perf.WorkloadBalance = 1 - stddev/50
		if perf.WorkloadBalance < 0 {
			perf.WorkloadBalance = 0
		}
	}

	busMetrics := c.bus.Metrics()
	perf.AvgResponseMillis = float64(busMetrics.AverageResponseTime.Milliseconds())
	perf.CollaborationScore = 1 - busMetrics.FailureRate

	return perf, nil
}

// OptimizeTeamFormation re-scores every strategy for the team and, when
// a different strategy beats the current formation by more than the
// hysteresis margin, applies it and announces the new structure.
func (c *Coordinator) OptimizeTeamFormation(ctx context.Context, teamID string) error {
	ctx, span := c.tracer.StartSpan(ctx, "coordinator.optimize_formation",
		observability.WithAttribute(observability.AttrTeamID, teamID))
	defer c.tracer.EndSpan(span)

	team := c.snapshotTeam(teamID)
	if team == nil {
		return fmt.Errorf("%w: %s", ErrTeamNotFound, teamID)
	}

	perf, err := c.MeasureTeam(teamID)
	if err != nil {
		return err
	}

	sctx := c.strategyContext(team, nil)
	sctx.Environment = map[string]interface{}{"performance": perf}

	var best Strategy
	bestScore, currentScore := -1.0, 0.0
	for _, s := range Strategies() {
		score := s.Evaluate(sctx)
		if s.Type() == team.Formation {
			currentScore = score
		}
		if score > bestScore {
			best = s
			bestScore = score
		}
	}

	if best.Type() == team.Formation || bestScore-currentScore <= reformationHysteresis {
		c.logger.Debug("formation unchanged",
			zap.String("team_id", teamID),
			zap.String("formation", string(team.Formation)),
			zap.Float64("current_score", currentScore),
			zap.Float64("best_score", bestScore))
		return nil
	}

	c.mu.Lock()
	if live, ok := c.teams[teamID]; ok {
		live.Formation = best.Type()
	}
	c.mu.Unlock()

	topic := "structure:" + strings.ToLower(string(best.Type()))
	for _, m := range team.Members {
		inform := types.NewMessage(c.self, []types.AgentID{m}, types.MessageInform, types.PriorityNormal,
			topic, map[string]interface{}{
				"teamId":    teamID,
				"formation": string(best.Type()),
			})
		if err := c.bus.Send(ctx, inform); err != nil {
			c.logger.Debug("structure notification failed", zap.String("agent", m.Key()), zap.Error(err))
		}
	}

	c.logger.Info("team re-formed",
		zap.String("team_id", teamID),
		zap.String("formation", string(best.Type())),
		zap.Float64("gain", bestScore-currentScore))
	return c.persistTeam(ctx, c.snapshotTeam(teamID))
}

// selectStrategyFor builds the strategy context for one goal and picks
// the best strategy.
func (c *Coordinator) selectStrategyFor(teamID string, goal *types.Goal) Strategy {
	team := c.snapshotTeam(teamID)
	return SelectStrategy(c.strategyContext(team, goal))
}

func (c *Coordinator) strategyContext(team *types.Team, goal *types.Goal) *StrategyContext {
	sctx := &StrategyContext{
		Team:        team,
		AgentStates: make(map[string]types.AgentProfile),
	}
	if goal != nil {
		sctx.CurrentGoals = []*types.Goal{goal}
	} else if team != nil {
		sctx.CurrentGoals = team.Goals
	}
	if team != nil {
		for _, m := range team.Members {
			if profile, ok := c.registry.Get(m.Key()); ok {
				sctx.AgentStates[m.Key()] = profile
			}
		}
	}
	return sctx
}

// assignTasks maps tasks to members according to the strategy.
func (c *Coordinator) assignTasks(teamID string, strategy Strategy, tasks []*types.Task) map[string][]*types.Task {
	team := c.snapshotTeam(teamID)
	if team == nil {
		return nil
	}

	members := make([]types.AgentProfile, 0, len(team.Members))
	for _, m := range team.Members {
		if profile, ok := c.registry.Get(m.Key()); ok {
			members = append(members, profile)
		}
	}

	bundles := make(map[string][]*types.Task)
	assign := func(key string, task *types.Task) {
		bundles[key] = append(bundles[key], task)
	}

	switch strategy.Type() {
	case types.FormationHierarchical:
		// Leader takes the complex subtasks, others the simple ones.
		leaderKey := team.Leader.Key()
		var others []types.AgentProfile
		for _, m := range members {
			if m.ID.Key() != leaderKey {
				others = append(others, m)
			}
		}
		for _, task := range tasks {
			if len(task.RequiredCapabilities) >= 2 || len(others) == 0 {
				assign(leaderKey, task)
				continue
			}
			if agent, ok := PickAgent(others, task, c.registry); ok {
				assign(agent.ID.Key(), task)
			} else {
				assign(leaderKey, task)
			}
		}

	case types.FormationMatrix:
		// One capability, one collaborator slot.
		for _, task := range tasks {
			if len(task.RequiredCapabilities) == 0 {
				if agent, ok := PickAgent(members, task, c.registry); ok {
					assign(agent.ID.Key(), task)
				}
				continue
			}
			claimed := make(map[string]bool)
			for _, capability := range task.RequiredCapabilities {
				bestKey := ""
				bestScore := -1.0
				for _, m := range members {
					if claimed[m.ID.Key()] || !Assignable(m.State) {
						continue
					}
					if score := m.Capabilities[capability]; score > bestScore {
						bestKey = m.ID.Key()
						bestScore = score
					}
				}
				if bestKey != "" {
					claimed[bestKey] = true
					assign(bestKey, task)
				}
			}
			if len(claimed) == 0 {
				if agent, ok := PickAgent(members, task, c.registry); ok {
					assign(agent.ID.Key(), task)
				}
			}
		}

	case types.FormationDynamic:
		for _, task := range tasks {
			var capable []types.AgentProfile
			for _, m := range members {
				if MatchScore(m, task) > 0 && hasAnyRequired(m, task) {
					capable = append(capable, m)
				}
			}
			if agent, ok := LeastLoaded(capable, c.registry); ok {
				assign(agent.ID.Key(), task)
				continue
			}
			// No capable agent: least-loaded of any.
			if agent, ok := LeastLoaded(members, c.registry); ok {
				assign(agent.ID.Key(), task)
			}
		}

	default: // FLAT: peer assignment by capability score
		for _, task := range tasks {
			if agent, ok := PickAgent(members, task, c.registry); ok {
				assign(agent.ID.Key(), task)
			}
		}
	}

	return bundles
}

func hasAnyRequired(profile types.AgentProfile, task *types.Task) bool {
	if len(task.RequiredCapabilities) == 0 {
		return true
	}
	for _, r := range task.RequiredCapabilities {
		if profile.HasCapability(r) {
			return true
		}
	}
	return false
}

// dispatch sends one task:assignment COMMAND per (agent, bundle) and
// records the assignment transitions. Completion is driven by agents
// reporting back through the bus; the coordinator does not wait here.
func (c *Coordinator) dispatch(ctx context.Context, teamID string, goal *types.Goal, strategy Strategy, bundles map[string][]*types.Task) error {
	keys := make([]string, 0, len(bundles))
	for key := range bundles {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		bundle := bundles[key]
		agentID, err := types.ParseAgentID(key)
		if err != nil {
			return err
		}
		for _, task := range bundle {
			task.Status = types.TaskAssigned
			task.AssignedAgents = []string{key}
			task.UpdatedAt = types.Now()
			if c.store != nil {
				if err := c.store.SaveTask(ctx, task); err != nil {
					return err
				}
				if err := c.store.RecordEvent(ctx, &types.Event{
					ID:         types.NewID("evt"),
					InstanceID: task.ID,
					Type:       types.EventTaskAssigned,
					Payload:    map[string]interface{}{"agent": key, "teamId": teamID},
					Timestamp:  types.Now(),
				}); err != nil {
					return err
				}
			}
		}

		cmd := types.NewMessage(c.self, []types.AgentID{agentID}, types.MessageCommand, goal.Priority,
			types.TopicTaskAssignment, map[string]interface{}{
				"tasks":    bundle,
				"goal":     goal,
				"strategy": string(strategy.Type()),
			})
		if err := c.bus.Send(ctx, cmd); err != nil {
			return fmt.Errorf("dispatch to %s: %w", key, err)
		}
		c.logger.Debug("bundle dispatched",
			zap.String("team_id", teamID),
			zap.String("agent", key),
			zap.Int("tasks", len(bundle)))
	}
	return nil
}

func (c *Coordinator) persistTeam(ctx context.Context, team *types.Team) error {
	if c.store == nil || team == nil {
		return nil
	}
	return c.store.SaveTeam(ctx, team)
}

// snapshotTeam returns a deep-enough copy for readers.
func (c *Coordinator) snapshotTeam(teamID string) *types.Team {
	c.mu.RLock()
	defer c.mu.RUnlock()
	team, ok := c.teams[teamID]
	if !ok {
		return nil
	}
	cp := *team
	cp.Members = append([]types.AgentID(nil), team.Members...)
	cp.Goals = append([]*types.Goal(nil), team.Goals...)
	return &cp
}
