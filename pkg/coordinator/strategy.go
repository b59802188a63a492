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
	"github.com/teradata-labs/hive/pkg/types"
)

// StrategyContext is the evidence a strategy scores itself against.
type StrategyContext struct {
	Team         *types.Team
	CurrentGoals []*types.Goal
	AgentStates  map[string]types.AgentProfile
	Environment  map[string]interface{}
}

// TeamSize returns the member count.
func (c *StrategyContext) TeamSize() int {
	if c.Team == nil {
		return 0
	}
	return len(c.Team.Members)
}

// GoalComplexitySum totals the raw verb/structure complexity of the
// current goals on a 0..n scale (one unit per 0.1 of goal complexity).
func (c *StrategyContext) GoalComplexitySum() float64 {
	sum := 0.0
	for _, g := range c.CurrentGoals {
		sum += GoalComplexity(g) * 10
	}
	return sum
}

// UniqueCapabilities counts distinct capabilities across the team.
func (c *StrategyContext) UniqueCapabilities() int {
	seen := make(map[string]bool)
	for _, p := range c.AgentStates {
		for name := range p.Capabilities {
			seen[name] = true
		}
	}
	return len(seen)
}

// Strategy is a coordination pattern: it scores its own fit for a
// context and carries tuning parameters.
type Strategy interface {
	Type() types.Formation
	Parameters() map[string]float64
	Evaluate(ctx *StrategyContext) float64
}

// Strategies returns the built-ins in declared order; ties in selection
// resolve to the earliest.
func Strategies() []Strategy {
	return []Strategy{
		hierarchicalStrategy{},
		flatStrategy{},
		matrixStrategy{},
		dynamicStrategy{},
	}
}

// SelectStrategy evaluates every built-in against the context and picks
// the highest scorer. If all score zero or less, the team's declared
// formation wins, defaulting to DYNAMIC.
func SelectStrategy(ctx *StrategyContext) Strategy {
	strategies := Strategies()
	best := strategies[0]
	bestScore := best.Evaluate(ctx)
	for _, s := range strategies[1:] {
		if score := s.Evaluate(ctx); score > bestScore {
			best = s
			bestScore = score
		}
	}
	if bestScore > 0 {
		return best
	}
	declared := types.FormationDynamic
	if ctx.Team != nil && ctx.Team.Formation != "" {
		declared = ctx.Team.Formation
	}
	for _, s := range strategies {
		if s.Type() == declared {
			return s
		}
	}
	return dynamicStrategy{}
}

// hierarchicalStrategy favors large teams on complex goals: the leader
// takes the complex subtasks, members take the simple ones.
type hierarchicalStrategy struct{}

func (hierarchicalStrategy) Type() types.Formation { return types.FormationHierarchical }

func (hierarchicalStrategy) Parameters() map[string]float64 {
	return map[string]float64{"minTeamSize": 5, "minComplexity": 10}
}

func (hierarchicalStrategy) Evaluate(ctx *StrategyContext) float64 {
	if ctx.TeamSize() > 5 && ctx.GoalComplexitySum() > 10 {
		return 0.9
	}
	return 0.2
}

// flatStrategy favors small teams on simple goals: peer assignment by
// capability score.
type flatStrategy struct{}

func (flatStrategy) Type() types.Formation { return types.FormationFlat }

func (flatStrategy) Parameters() map[string]float64 {
	return map[string]float64{"maxTeamSize": 5, "maxComplexity": 5}
}

func (flatStrategy) Evaluate(ctx *StrategyContext) float64 {
	if ctx.TeamSize() > 0 && ctx.TeamSize() <= 5 && ctx.GoalComplexitySum() <= 5 {
		return 0.8
	}
	return 0.3
}

// matrixStrategy favors capability-diverse teams: multi-capability goals
// split per capability across members.
type matrixStrategy struct{}

func (matrixStrategy) Type() types.Formation { return types.FormationMatrix }

func (matrixStrategy) Parameters() map[string]float64 {
	return map[string]float64{"minUniqueCapabilities": 3}
}

func (matrixStrategy) Evaluate(ctx *StrategyContext) float64 {
	if ctx.UniqueCapabilities() > 3 {
		return 0.85
	}
	return 0.25
}

// dynamicStrategy is the constant-baseline fallback: dispatch to the
// least-loaded capable agent, or the least-loaded agent outright when no
// capable agent exists.
type dynamicStrategy struct{}

func (dynamicStrategy) Type() types.Formation { return types.FormationDynamic }

func (dynamicStrategy) Parameters() map[string]float64 { return map[string]float64{} }

func (dynamicStrategy) Evaluate(ctx *StrategyContext) float64 { return 0.5 }
