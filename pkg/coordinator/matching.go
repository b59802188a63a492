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

// typeMatchBonus is added when an agent's type matches the task type.
const typeMatchBonus = 0.2

// MatchScore rates how well an agent fits a task: the matched share of
// required capabilities, a bonus for a matching agent type, scaled by a
// workload penalty. An empty requirement set scores on availability
// alone.
func MatchScore(profile types.AgentProfile, task *types.Task) float64 {
	base := 1.0
	if len(task.RequiredCapabilities) > 0 {
		matched := 0
		for _, required := range task.RequiredCapabilities {
			if profile.HasCapability(required) {
				matched++
			}
		}
		base = float64(matched) / float64(len(task.RequiredCapabilities))
	}
	if task.Type != "" && string(profile.Type) == task.Type {
		base += typeMatchBonus
	}
	if base > 1 {
		base = 1
	}
	return base * (1 - profile.Workload/100)
}

// PickAgent chooses the best candidate for a task. Higher score wins;
// equal scores go to the agent with fewer completed tasks (spreading
// load), then to the earliest-registered. Agents that are offline or
// unresponsive are never picked. Returns false when no candidate is
// eligible.
func PickAgent(candidates []types.AgentProfile, task *types.Task, registry *AgentRegistry) (types.AgentProfile, bool) {
	var best types.AgentProfile
	bestScore := -1.0
	found := false

	for _, candidate := range candidates {
		if !Assignable(candidate.State) {
			continue
		}
		score := MatchScore(candidate, task)
		if !found || score > bestScore || (score == bestScore && preferred(candidate, best, registry)) {
			best = candidate
			bestScore = score
			found = true
		}
	}
	return best, found
}

func preferred(a, b types.AgentProfile, registry *AgentRegistry) bool {
	if registry == nil {
		return false
	}
	ca, cb := registry.CompletedTasks(a.ID.Key()), registry.CompletedTasks(b.ID.Key())
	if ca != cb {
		return ca < cb
	}
	return registry.JoinOrder(a.ID.Key()) < registry.JoinOrder(b.ID.Key())
}

// Assignable reports whether an agent state accepts new work.
func Assignable(state types.AgentState) bool {
	switch state {
	case types.AgentOffline, types.AgentUnresponsive, types.AgentError:
		return false
	default:
		return true
	}
}

// LeastLoaded returns the assignable candidate with the lowest workload,
// breaking ties by registration order.
func LeastLoaded(candidates []types.AgentProfile, registry *AgentRegistry) (types.AgentProfile, bool) {
	var best types.AgentProfile
	found := false
	for _, candidate := range candidates {
		if !Assignable(candidate.State) {
			continue
		}
		if !found || candidate.Workload < best.Workload ||
			(candidate.Workload == best.Workload && registry != nil &&
				registry.JoinOrder(candidate.ID.Key()) < registry.JoinOrder(best.ID.Key())) {
			best = candidate
			found = true
		}
	}
	return best, found
}
