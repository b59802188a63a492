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
package workflow

import (
	"errors"
	"fmt"

	"github.com/teradata-labs/hive/pkg/types"
)

// ErrInvalidDefinition wraps every structural validation failure.
var ErrInvalidDefinition = errors.New("workflow: invalid definition")

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidDefinition, fmt.Sprintf(format, args...))
}

// ValidateDefinition checks a definition before execution: unique node
// ids, exactly one start, at least one end, edges between known nodes,
// every node reachable from start, acyclic except for edges returning to
// a loop guard, and per-type config completeness. Validation failures
// are never retried.
func ValidateDefinition(defn *types.WorkflowDefinition) error {
	if defn == nil {
		return invalid("nil definition")
	}
	if defn.ID == "" {
		return invalid("missing id")
	}
	if len(defn.Nodes) == 0 {
		return invalid("%s: no nodes", defn.ID)
	}

	byID := make(map[string]*types.Node, len(defn.Nodes))
	var startID string
	endCount := 0
	for i := range defn.Nodes {
		n := &defn.Nodes[i]
		if n.ID == "" {
			return invalid("%s: node without id", defn.ID)
		}
		if _, dup := byID[n.ID]; dup {
			return invalid("%s: duplicate node id %q", defn.ID, n.ID)
		}
		byID[n.ID] = n
		switch n.Type {
		case types.NodeStart:
			if startID != "" {
				return invalid("%s: more than one start node", defn.ID)
			}
			startID = n.ID
		case types.NodeEnd:
			endCount++
		}
	}
	if startID == "" {
		return invalid("%s: no start node", defn.ID)
	}
	if endCount == 0 {
		return invalid("%s: no end node", defn.ID)
	}

	for _, e := range defn.Edges {
		if byID[e.From] == nil {
			return invalid("%s: edge from unknown node %q", defn.ID, e.From)
		}
		if byID[e.To] == nil {
			return invalid("%s: edge to unknown node %q", defn.ID, e.To)
		}
	}

	for id, n := range byID {
		out := defn.OutgoingEdges(id)
		switch n.Type {
		case types.NodeStart:
			if len(out) != 1 {
				return invalid("%s: start node needs exactly one outgoing edge", defn.ID)
			}
		case types.NodeEnd:
			if len(out) != 0 {
				return invalid("%s: end node %q has outgoing edges", defn.ID, id)
			}
		case types.NodeDecision:
			if len(out) == 0 {
				return invalid("%s: decision node %q has no outgoing edges", defn.ID, id)
			}
		case types.NodeParallel:
			if len(out) < 2 {
				return invalid("%s: parallel node %q needs at least two branches", defn.ID, id)
			}
		case types.NodeLoop:
			if n.Config.Condition == nil {
				return invalid("%s: loop node %q has no condition", defn.ID, id)
			}
			if len(out) != 2 {
				return invalid("%s: loop node %q needs a body edge and a default exit edge", defn.ID, id)
			}
			defaults := 0
			for _, e := range out {
				if e.Default {
					defaults++
				}
			}
			if defaults != 1 {
				return invalid("%s: loop node %q needs exactly one default exit edge", defn.ID, id)
			}
		default:
			if len(out) != 1 {
				return invalid("%s: node %q needs exactly one outgoing edge", defn.ID, id)
			}
		}

		if err := validateConfig(n); err != nil {
			return invalid("%s: node %q: %v", defn.ID, id, err)
		}
	}

	if unreached := unreachableFrom(defn, startID); len(unreached) > 0 {
		return invalid("%s: node %q unreachable from start", defn.ID, unreached[0])
	}
	if cyc := findCycle(defn, byID); cyc != "" {
		return invalid("%s: cycle through %q outside a loop body", defn.ID, cyc)
	}
	return nil
}

func validateConfig(n *types.Node) error {
	switch n.Type {
	case types.NodeTask:
		if n.Config.Target == "" || n.Config.Topic == "" {
			return errors.New("task node needs target and topic")
		}
		if _, err := types.ParseAgentID(n.Config.Target); err != nil {
			return err
		}
	case types.NodeTimer:
		if n.Config.DelayMs <= 0 {
			return errors.New("timer node needs delayMs > 0")
		}
	case types.NodeEvent:
		if n.Config.EventType == "" {
			return errors.New("event node needs eventType")
		}
	case types.NodeSubworkflow:
		if n.Config.WorkflowID == "" {
			return errors.New("subworkflow node needs workflowId")
		}
	case types.NodeTransform, types.NodeCustom:
		if n.Config.Handler == "" {
			return errors.New("node needs a handler id")
		}
	case types.NodeAggregate:
		if len(n.Config.Inputs) == 0 {
			return errors.New("aggregate node needs inputs")
		}
		switch n.Config.Mode {
		case types.AggregateMerge, types.AggregateConcat, types.AggregateSum, types.AggregateAverage:
		default:
			return fmt.Errorf("aggregate node has unknown mode %q", n.Config.Mode)
		}
	}
	return nil
}

// unreachableFrom returns node ids not reachable from start, in declared
// order.
func unreachableFrom(defn *types.WorkflowDefinition, start string) []string {
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range defn.OutgoingEdges(cur) {
			if !seen[e.To] {
				seen[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}
	var missing []string
	for _, n := range defn.Nodes {
		if !seen[n.ID] {
			missing = append(missing, n.ID)
		}
	}
	return missing
}

// findCycle returns a node id on an illegal cycle, or "". Edges whose
// target is a loop guard are the sanctioned back-edges and are skipped.
func findCycle(defn *types.WorkflowDefinition, byID map[string]*types.Node) string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(defn.Nodes))

	var visit func(id string) string
	visit = func(id string) string {
		color[id] = gray
		for _, e := range defn.OutgoingEdges(id) {
			if byID[e.To].Type == types.NodeLoop && color[e.To] == gray {
				continue
			}
			switch color[e.To] {
			case gray:
				return e.To
			case white:
				if hit := visit(e.To); hit != "" {
					return hit
				}
			}
		}
		color[id] = black
		return ""
	}

	for _, n := range defn.Nodes {
		if color[n.ID] == white {
			if hit := visit(n.ID); hit != "" {
				return hit
			}
		}
	}
	return ""
}

// descendants returns every node reachable from id, excluding id itself
// unless it sits on a cycle back to itself.
func descendants(defn *types.WorkflowDefinition, id string) map[string]bool {
	out := make(map[string]bool)
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range defn.OutgoingEdges(cur) {
			if !out[e.To] {
				out[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}
	return out
}

// joinNode finds where a parallel node's branches meet: the first node,
// in breadth-first order from the first branch, that every branch can
// reach.
func joinNode(defn *types.WorkflowDefinition, parallelID string) (string, error) {
	branches := defn.OutgoingEdges(parallelID)
	if len(branches) < 2 {
		return "", fmt.Errorf("workflow: parallel node %q needs at least two branches", parallelID)
	}

	reach := make([]map[string]bool, len(branches))
	for i, b := range branches {
		reach[i] = descendants(defn, b.To)
		reach[i][b.To] = true
	}

	seen := map[string]bool{branches[0].To: true}
	queue := []string{branches[0].To}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		common := true
		for _, r := range reach[1:] {
			if !r[cur] {
				common = false
				break
			}
		}
		if common {
			return cur, nil
		}
		for _, e := range defn.OutgoingEdges(cur) {
			if !seen[e.To] {
				seen[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}
	return "", fmt.Errorf("workflow: branches of %q never join", parallelID)
}
