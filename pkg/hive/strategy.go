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

// Package hive is the queen scheduler: it turns objectives into task
// graphs, assigns them to scored agents, tracks progress, and applies
// recovery (stall reassignment, retries with back-off, cascade failure,
// consensus decisions).
package hive

import (
	"fmt"
	"regexp"
	"time"

	"github.com/teradata-labs/hive/pkg/coordinator"
	"github.com/teradata-labs/hive/pkg/types"
)

// PlanStrategy selects a domain decomposition for an objective.
type PlanStrategy string

const (
	StrategyDevelopment PlanStrategy = "development"
	StrategyAnalysis    PlanStrategy = "analysis"
	StrategyResearch    PlanStrategy = "research"
	StrategyAuto        PlanStrategy = "auto"
)

// baseTaskTimeout anchors per-task timeout estimates; complexity scales
// it up to 2x.
const baseTaskTimeout = 5 * time.Minute

// Plan expands a goal into an ordered task set with declared
// dependencies. Task ids derive from the goal id, so planning the same
// goal twice yields the same graph.
func Plan(goal *types.Goal, strategy PlanStrategy) ([]*types.Task, error) {
	switch strategy {
	case StrategyDevelopment:
		return chainPlan(goal, []planStep{
			{"design", []string{"architecture", "design"}},
			{"implement", []string{"programming"}},
			{"test", []string{"testing", "quality_assurance"}},
		}), nil
	case StrategyAnalysis:
		return chainPlan(goal, []planStep{
			{"gather", []string{"data_engineering"}},
			{"analyze", []string{"analysis"}},
			{"report", []string{"documentation"}},
		}), nil
	case StrategyResearch:
		return chainPlan(goal, []planStep{
			{"survey", []string{"research", "analysis"}},
			{"synthesize", []string{"analysis", "documentation"}},
		}), nil
	case StrategyAuto, "":
		return autoPlan(goal), nil
	default:
		return nil, fmt.Errorf("hive: unknown strategy %q", strategy)
	}
}

type planStep struct {
	label        string
	capabilities []string
}

func chainPlan(goal *types.Goal, steps []planStep) []*types.Task {
	timeout := estimateTimeout(goal)
	tasks := make([]*types.Task, 0, len(steps))
	var prev *types.Task
	for _, step := range steps {
		task := newPlanTask(goal, step.label)
		task.RequiredCapabilities = step.capabilities
		task.TimeoutMs = timeout
		if prev != nil {
			task.Dependencies = []string{prev.ID}
		}
		tasks = append(tasks, task)
		prev = task
	}
	return tasks
}

// autoPatterns drive implementation-phase splitting for the auto
// strategy; each detected area becomes one parallel implementation task.
var autoPatterns = []struct {
	area         string
	re           *regexp.Regexp
	capabilities []string
}{
	{"backend", regexp.MustCompile(`(?i)\b(api|backend|service|server|endpoint)\b`), []string{"backend_development"}},
	{"frontend", regexp.MustCompile(`(?i)\b(ui|frontend|interface|dashboard)\b`), []string{"ui_design", "frontend_development"}},
	{"data", regexp.MustCompile(`(?i)\b(data|database|pipeline|etl|storage)\b`), []string{"data_engineering"}},
}

// autoPlan emits the canonical three-phase plan: one analysis task, one
// implementation task per detected area (a single generic one when none
// match), and a verification task depending on every implementation.
func autoPlan(goal *types.Goal) []*types.Task {
	timeout := estimateTimeout(goal)

	analysis := newPlanTask(goal, "analysis")
	analysis.RequiredCapabilities = []string{"analysis"}
	analysis.TimeoutMs = timeout
	tasks := []*types.Task{analysis}

	var impls []*types.Task
	for _, p := range autoPatterns {
		if !p.re.MatchString(goal.Description) {
			continue
		}
		impl := newPlanTask(goal, "implement-"+p.area)
		impl.Type = p.area
		impl.RequiredCapabilities = p.capabilities
		impl.Dependencies = []string{analysis.ID}
		impl.TimeoutMs = timeout
		impls = append(impls, impl)
	}
	if len(impls) == 0 {
		impl := newPlanTask(goal, "implement")
		impl.RequiredCapabilities = coordinator.ExtractCapabilities(goal.Description)
		impl.Dependencies = []string{analysis.ID}
		impl.TimeoutMs = timeout
		impls = append(impls, impl)
	}
	tasks = append(tasks, impls...)

	verify := newPlanTask(goal, "verify")
	verify.RequiredCapabilities = []string{"testing", "documentation"}
	verify.TimeoutMs = timeout
	for _, impl := range impls {
		verify.Dependencies = append(verify.Dependencies, impl.ID)
	}
	tasks = append(tasks, verify)
	return tasks
}

// estimateTimeout scales the base timeout by goal complexity.
func estimateTimeout(goal *types.Goal) int64 {
	scale := 1 + coordinator.GoalComplexity(goal)
	return int64(float64(baseTaskTimeout.Milliseconds()) * scale)
}

func newPlanTask(goal *types.Goal, label string) *types.Task {
	now := types.Now()
	return &types.Task{
		ID:          fmt.Sprintf("%s-%s", goal.ID, label),
		GoalID:      goal.ID,
		Description: fmt.Sprintf("%s: %s", label, goal.Description),
		Type:        label,
		Priority:    goal.Priority,
		Status:      types.TaskCreated,
		MaxRetries:  3,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
