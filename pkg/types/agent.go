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
package types

// AgentType tags what kind of worker an agent is. Task assignment gives a
// score bonus when an agent's type matches the task's type.
type AgentType string

const (
	AgentCoordinator AgentType = "coordinator"
	AgentResearcher  AgentType = "researcher"
	AgentCoder       AgentType = "coder"
	AgentAnalyst     AgentType = "analyst"
	AgentArchitect   AgentType = "architect"
	AgentTester      AgentType = "tester"
	AgentReviewer    AgentType = "reviewer"
	AgentOptimizer   AgentType = "optimizer"
	AgentDocumenter  AgentType = "documenter"
	AgentMonitor     AgentType = "monitor"
	AgentSpecialist  AgentType = "specialist"
)

// AgentState is an agent's lifecycle state.
type AgentState string

const (
	AgentIdle         AgentState = "idle"
	AgentActive       AgentState = "active"
	AgentBusy         AgentState = "busy"
	AgentError        AgentState = "error"
	AgentOffline      AgentState = "offline"
	AgentUnresponsive AgentState = "unresponsive"
)

// AgentProfile describes an agent's identity, type, and capabilities.
// Proficiency values are in [0,1].
type AgentProfile struct {
	ID           AgentID            `json:"id"`
	Name         string             `json:"name,omitempty"`
	Type         AgentType          `json:"type"`
	Capabilities map[string]float64 `json:"capabilities,omitempty"`
	State        AgentState         `json:"state"`
	Workload     float64            `json:"workload"` // 0..100, agent-reported
	RegisteredAt Timestamp          `json:"registeredAt"`
}

// HasCapability reports whether the profile lists the capability with any
// proficiency above zero.
func (p *AgentProfile) HasCapability(name string) bool {
	return p.Capabilities[name] > 0
}
