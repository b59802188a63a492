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
	"strings"

	"github.com/teradata-labs/hive/pkg/coordinator"
	"github.com/teradata-labs/hive/pkg/types"
)

// Scoring weights: capability match, historical success, availability,
// and a keyword/type-affinity heuristic.
const (
	weightCapability   = 0.40
	weightSuccessRate  = 0.30
	weightAvailability = 0.20
	weightHeuristic    = 0.10

	// defaultSuccessPrior is assumed for agents with no history.
	defaultSuccessPrior = 0.8
)

// typeAffinity maps plan task types to the agent types that naturally
// own them.
var typeAffinity = map[string][]types.AgentType{
	"design":     {types.AgentArchitect},
	"implement":  {types.AgentCoder},
	"backend":    {types.AgentCoder},
	"frontend":   {types.AgentCoder},
	"data":       {types.AgentCoder, types.AgentAnalyst},
	"test":       {types.AgentTester, types.AgentReviewer},
	"verify":     {types.AgentTester, types.AgentReviewer},
	"analysis":   {types.AgentAnalyst},
	"analyze":    {types.AgentAnalyst},
	"gather":     {types.AgentAnalyst},
	"survey":     {types.AgentResearcher},
	"synthesize": {types.AgentResearcher, types.AgentAnalyst},
	"research":   {types.AgentResearcher},
	"report":     {types.AgentDocumenter},
	"document":   {types.AgentDocumenter},
}

// ScoreAgent rates a candidate for a task on [0,1]: 40% capability
// match, 30% success rate, 20% availability, 10% heuristic.
func ScoreAgent(profile types.AgentProfile, task *types.Task, registry *coordinator.AgentRegistry) float64 {
	capability := 1.0
	if len(task.RequiredCapabilities) > 0 {
		matched := 0
		for _, required := range task.RequiredCapabilities {
			if profile.HasCapability(required) {
				matched++
			}
		}
		capability = float64(matched) / float64(len(task.RequiredCapabilities))
	}

	success := defaultSuccessPrior
	if registry != nil {
		success = registry.SuccessRate(profile.ID.Key(), defaultSuccessPrior)
	}

	availability := 1 - profile.Workload/100
	if availability < 0 {
		availability = 0
	}

	return weightCapability*capability +
		weightSuccessRate*success +
		weightAvailability*availability +
		weightHeuristic*heuristicScore(profile, task)
}

// heuristicScore is the domain-keyword and type-affinity weighting: a
// full point for a matching agent type, half a point when the
// description mentions any capability the agent carries.
func heuristicScore(profile types.AgentProfile, task *types.Task) float64 {
	for _, t := range typeAffinity[task.Type] {
		if profile.Type == t {
			return 1
		}
	}
	desc := strings.ToLower(task.Description)
	for name := range profile.Capabilities {
		if strings.Contains(desc, strings.ReplaceAll(name, "_", " ")) ||
			strings.Contains(desc, name) {
			return 0.5
		}
	}
	return 0
}
