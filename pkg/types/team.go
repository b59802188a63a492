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

// Formation is the coordination pattern over a team.
type Formation string

const (
	FormationHierarchical Formation = "HIERARCHICAL"
	FormationFlat         Formation = "FLAT"
	FormationMatrix       Formation = "MATRIX"
	FormationDynamic      Formation = "DYNAMIC"
)

// TeamStatus is a team's lifecycle state.
type TeamStatus string

const (
	TeamForming   TeamStatus = "FORMING"
	TeamActive    TeamStatus = "ACTIVE"
	TeamExecuting TeamStatus = "EXECUTING"
	TeamDisbanded TeamStatus = "DISBANDED"
)

// Team groups agents under a shared goal and formation.
// Invariants: the leader is always a member; an empty member list forces
// DISBANDED and no members may be added afterwards (I5).
type Team struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Leader    AgentID    `json:"leader"`
	Members   []AgentID  `json:"members"` // ordered: join order
	Goals     []*Goal    `json:"goals,omitempty"`
	Formation Formation  `json:"formation"`
	Status    TeamStatus `json:"status"`
	CreatedAt Timestamp  `json:"createdAt"`
}

// HasMember reports whether the agent is currently on the team.
func (t *Team) HasMember(id AgentID) bool {
	for _, m := range t.Members {
		if m == id {
			return true
		}
	}
	return false
}

// ConsensusStatus is the lifecycle of a consensus proposal.
type ConsensusStatus string

const (
	ConsensusPending  ConsensusStatus = "pending"
	ConsensusAchieved ConsensusStatus = "achieved"
	ConsensusRejected ConsensusStatus = "rejected"
	ConsensusExpired  ConsensusStatus = "expired"
)

// Vote is one agent's position on a proposal.
type Vote struct {
	Approve   bool      `json:"approve"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp Timestamp `json:"timestamp"`
}

// ConsensusProposal is an intra-team vote with a required threshold and a
// deadline. Achieved iff positiveVotes/totalVoters >= Threshold.
type ConsensusProposal struct {
	ID        string                 `json:"id"`
	Scope     string                 `json:"scope"`
	Proposal  map[string]interface{} `json:"proposal"`
	Threshold float64                `json:"threshold"` // (0,1]
	Voters    []string               `json:"voters"`    // agent keys expected to vote
	Votes     map[string]Vote        `json:"votes"`     // agent key → vote
	Deadline  Timestamp              `json:"deadline"`
	Status    ConsensusStatus        `json:"status"`
	CreatedAt Timestamp              `json:"createdAt"`
}

// Tally returns (positive, total cast, total expected).
func (p *ConsensusProposal) Tally() (positive, cast, expected int) {
	for _, v := range p.Votes {
		cast++
		if v.Approve {
			positive++
		}
	}
	return positive, cast, len(p.Voters)
}
