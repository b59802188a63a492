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
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/hive/pkg/observability"
	"github.com/teradata-labs/hive/pkg/types"
)

// DefaultConsensusTimeout bounds a vote when the caller gives none.
const DefaultConsensusTimeout = 30 * time.Second

type ballot struct {
	voter   string
	approve bool
	reason  string
	err     error
}

// RunConsensus puts a proposal to the voters and drives it to a
// terminal status. Each voter receives a CONSENSUS message requiring a
// response; votes are aggregated as they arrive. The proposal is
// achieved as soon as positive/total reaches the threshold, rejected as
// soon as the remaining voters cannot change the outcome, and expired
// at the deadline.
func (h *Hive) RunConsensus(ctx context.Context, scope string, proposal map[string]interface{}, voters []types.AgentID, timeout time.Duration) (*types.ConsensusProposal, error) {
	if len(voters) == 0 {
		return nil, fmt.Errorf("hive: consensus requires voters")
	}
	if timeout <= 0 {
		timeout = DefaultConsensusTimeout
	}

	ctx, span := h.tracer.StartSpan(ctx, "hive.consensus",
		observability.WithAttribute("consensus.scope", scope))
	defer h.tracer.EndSpan(span)

	record := &types.ConsensusProposal{
		ID:        types.NewID("proposal"),
		Scope:     scope,
		Proposal:  proposal,
		Threshold: h.cfg.ConsensusThreshold,
		Votes:     make(map[string]types.Vote),
		Deadline:  types.At(time.Now().Add(timeout)),
		Status:    types.ConsensusPending,
		CreatedAt: types.Now(),
	}
	for _, v := range voters {
		record.Voters = append(record.Voters, v.Key())
	}
	h.recordTaskEvent(record.ID, types.EventConsensusOpened, map[string]interface{}{
		"scope":     scope,
		"threshold": record.Threshold,
		"voters":    len(voters),
	})

	voteCtx, cancelVotes := context.WithCancel(ctx)
	defer cancelVotes()

	ballots := make(chan ballot, len(voters))
	for _, voter := range voters {
		go func(voter types.AgentID) {
			msg := types.NewMessage(h.id, []types.AgentID{voter}, types.MessageConsensus, types.PriorityHigh,
				types.TopicConsensusPrefix+record.ID, map[string]interface{}{
					"proposalId": record.ID,
					"scope":      scope,
					"proposal":   proposal,
				})
			resp, err := h.bus.SendAndWait(voteCtx, msg, timeout)
			if err != nil {
				ballots <- ballot{voter: voter.Key(), err: err}
				return
			}
			approve, _ := resp.Content.Body["approve"].(bool)
			reason, _ := resp.Content.Body["reason"].(string)
			ballots <- ballot{voter: voter.Key(), approve: approve, reason: reason}
		}(voter)
	}

	total := len(voters)
	positive, answered := 0, 0
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

aggregate:
	for answered < total {
		select {
		case b := <-ballots:
			if b.err != nil {
				// Not a vote; the voter may still be counted out by the
				// deadline.
				h.logger.Debug("vote not collected",
					zap.String("voter", b.voter),
					zap.Error(b.err))
				continue
			}
			answered++
			record.Votes[b.voter] = types.Vote{
				Approve:   b.approve,
				Reason:    b.reason,
				Timestamp: types.Now(),
			}
			if b.approve {
				positive++
			}
			ratio := float64(positive) / float64(total)
			if ratio >= record.Threshold {
				record.Status = types.ConsensusAchieved
				break aggregate
			}
			// Even unanimous approval from the rest cannot reach the
			// threshold: reject early.
			remaining := total - answered
			if float64(positive+remaining)/float64(total) < record.Threshold {
				record.Status = types.ConsensusRejected
				break aggregate
			}
		case <-deadline.C:
			record.Status = types.ConsensusExpired
			break aggregate
		case <-ctx.Done():
			record.Status = types.ConsensusExpired
			break aggregate
		}
	}

	if record.Status == types.ConsensusPending {
		// Every voter answered without crossing either bound.
		if float64(positive)/float64(total) >= record.Threshold {
			record.Status = types.ConsensusAchieved
		} else {
			record.Status = types.ConsensusRejected
		}
	}
	cancelVotes()

	eventType := types.EventConsensusRejected
	switch record.Status {
	case types.ConsensusAchieved:
		eventType = types.EventConsensusAchieved
	case types.ConsensusExpired:
		eventType = types.EventConsensusExpired
	}
	pos, cast, expected := record.Tally()
	h.recordTaskEvent(record.ID, eventType, map[string]interface{}{
		"positive": pos,
		"cast":     cast,
		"expected": expected,
	})
	h.logger.Info("consensus concluded",
		zap.String("proposal_id", record.ID),
		zap.String("status", string(record.Status)),
		zap.Int("positive", pos),
		zap.Int("cast", cast),
		zap.Int("expected", expected))
	return record, nil
}

// requirePlanConsensus blocks a submission on team approval of the
// computed plan. The decision is recorded in the goal metadata; a
// non-achieved outcome keeps the goal unapplied.
func (h *Hive) requirePlanConsensus(ctx context.Context, goal *types.Goal, strategy PlanStrategy, tasks []*types.Task) error {
	var voters []types.AgentID
	for _, profile := range h.registry.List() {
		if profile.ID.Key() == h.id.Key() {
			continue
		}
		voters = append(voters, profile.ID)
	}
	if len(voters) == 0 {
		return fmt.Errorf("hive: consensus required but no voters registered")
	}

	taskIDs := make([]string, len(tasks))
	for i, t := range tasks {
		taskIDs[i] = t.ID
	}
	record, err := h.RunConsensus(ctx, "plan:"+goal.ID, map[string]interface{}{
		"goalId":   goal.ID,
		"strategy": string(strategy),
		"tasks":    taskIDs,
	}, voters, DefaultConsensusTimeout)
	if err != nil {
		return err
	}

	if goal.Metadata == nil {
		goal.Metadata = make(map[string]string)
	}
	goal.Metadata["consensus"] = string(record.Status)
	goal.Metadata["consensusProposal"] = record.ID

	if record.Status != types.ConsensusAchieved {
		return fmt.Errorf("%w: proposal %s %s", ErrConsensusNotReached, record.ID, record.Status)
	}
	return nil
}
