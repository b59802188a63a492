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
	"fmt"
	"strings"

	"github.com/teradata-labs/hive/pkg/types"
)

// complexityVerbs signal multi-step work; each occurrence adds weight.
var complexityVerbs = []string{
	"analyze", "research", "design", "implement",
	"optimize", "integrate", "coordinate", "synthesize",
}

// Per-occurrence and per-attribute complexity weights.
const (
	verbWeight       = 0.15
	constraintWeight = 0.05
	subGoalWeight    = 0.1
	dependencyWeight = 0.05

	// phaseThreshold splits goals into sequential phases instead of
	// parallel concerns.
	phaseThreshold = 0.7
)

// GoalComplexity scores a goal in [0,1] from its description and
// structure. Pure function of its input, so decomposition stays
// idempotent.
func GoalComplexity(goal *types.Goal) float64 {
	desc := strings.ToLower(goal.Description)
	score := 0.0
	for _, verb := range complexityVerbs {
		score += float64(strings.Count(desc, verb)) * verbWeight
	}
	score += float64(len(goal.Constraints)) * constraintWeight
	score += float64(len(goal.SubGoals)) * subGoalWeight
	score += float64(len(goal.Dependencies)) * dependencyWeight
	if score > 1 {
		score = 1
	}
	return score
}

// phases for complex goals, each depending on the previous.
var phaseNames = []string{"research", "design", "implement", "test"}

// concerns for simpler goals, independent of each other.
var concernNames = []string{"data", "ui", "backend", "documentation"}

// Decompose splits a goal into tasks. Complex goals (> phaseThreshold)
// become a sequential research/design/implement/test chain; simpler
// goals become independent per-concern tasks. Task ids are derived from
// the goal id so the same input always yields the same plan.
func Decompose(goal *types.Goal) []*types.Task {
	complexity := GoalComplexity(goal)
	if complexity > phaseThreshold {
		return decomposePhases(goal)
	}
	return decomposeConcerns(goal)
}

func decomposePhases(goal *types.Goal) []*types.Task {
	desc := strings.ToLower(goal.Description)
	var phases []string
	for _, phase := range phaseNames {
		if strings.Contains(desc, phase) {
			phases = append(phases, phase)
		}
	}
	// None of the phase verbs appear: the goal is a single phase.
	if len(phases) == 0 {
		task := newGoalTask(goal, "whole", goal.Description)
		return []*types.Task{task}
	}

	tasks := make([]*types.Task, 0, len(phases))
	var prev *types.Task
	for _, phase := range phases {
		task := newGoalTask(goal, phase, fmt.Sprintf("%s: %s", phase, goal.Description))
		task.Type = phase
		task.RequiredCapabilities = ExtractCapabilities(task.Description)
		if prev != nil {
			task.Dependencies = []string{prev.ID}
		}
		tasks = append(tasks, task)
		prev = task
	}
	return tasks
}

func decomposeConcerns(goal *types.Goal) []*types.Task {
	if strings.TrimSpace(goal.Description) == "" {
		return []*types.Task{newGoalTask(goal, "whole", goal.Description)}
	}

	desc := strings.ToLower(goal.Description)
	var tasks []*types.Task
	for _, concern := range concernNames {
		if !concernApplies(concern, desc) {
			continue
		}
		task := newGoalTask(goal, concern, fmt.Sprintf("%s: %s", concern, goal.Description))
		task.Type = concern
		// Capabilities follow the concern, not the shared description,
		// so each concern routes to its own specialist.
		task.RequiredCapabilities = ExtractCapabilities(concern)
		tasks = append(tasks, task)
	}
	if len(tasks) == 0 {
		task := newGoalTask(goal, "whole", goal.Description)
		task.RequiredCapabilities = ExtractCapabilities(goal.Description)
		tasks = append(tasks, task)
	}
	return tasks
}

var concernKeywords = map[string][]string{
	"data":          {"data", "database", "storage", "pipeline", "etl"},
	"ui":            {"ui", "interface", "frontend", "display", "dashboard"},
	"backend":       {"backend", "api", "service", "server", "endpoint"},
	"documentation": {"document", "docs", "readme", "guide"},
}

func concernApplies(concern, desc string) bool {
	for _, kw := range concernKeywords[concern] {
		if strings.Contains(desc, kw) {
			return true
		}
	}
	return false
}

// newGoalTask derives a deterministic task from a goal and a label.
func newGoalTask(goal *types.Goal, label, description string) *types.Task {
	now := types.Now()
	return &types.Task{
		ID:          fmt.Sprintf("%s-%s", goal.ID, label),
		GoalID:      goal.ID,
		Description: description,
		Priority:    goal.Priority,
		Status:      types.TaskCreated,
		MaxRetries:  3,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// capabilityKeywords maps description keywords to the capability sets a
// task requires. Matching is substring-based over the lowercased
// description.
var capabilityKeywords = []struct {
	keyword      string
	capabilities []string
}{
	{"code", []string{"programming"}},
	{"implement", []string{"programming"}},
	{"develop", []string{"programming"}},
	{"ui", []string{"ui_design", "frontend_development"}},
	{"frontend", []string{"ui_design", "frontend_development"}},
	{"test", []string{"testing", "quality_assurance"}},
	{"research", []string{"research", "analysis"}},
	{"analyze", []string{"analysis"}},
	{"design", []string{"architecture", "design"}},
	{"document", []string{"documentation"}},
	{"data", []string{"data_engineering"}},
	{"backend", []string{"backend_development"}},
	{"api", []string{"backend_development"}},
	{"optimize", []string{"optimization"}},
	{"deploy", []string{"operations"}},
}

// ExtractCapabilities derives required capabilities from a description
// using the fixed keyword table. Order follows the table; duplicates are
// removed.
func ExtractCapabilities(description string) []string {
	desc := strings.ToLower(description)
	seen := make(map[string]bool)
	var out []string
	for _, entry := range capabilityKeywords {
		if !strings.Contains(desc, entry.keyword) {
			continue
		}
		for _, c := range entry.capabilities {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	return out
}
