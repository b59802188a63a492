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

import "encoding/json"

// NodeType enumerates workflow node kinds.
type NodeType string

const (
	NodeStart       NodeType = "start"
	NodeEnd         NodeType = "end"
	NodeTask        NodeType = "task"
	NodeDecision    NodeType = "decision"
	NodeParallel    NodeType = "parallel"
	NodeLoop        NodeType = "loop"
	NodeHumanTask   NodeType = "humanTask"
	NodeTimer       NodeType = "timer"
	NodeEvent       NodeType = "event"
	NodeSubworkflow NodeType = "subworkflow"
	NodeTransform   NodeType = "transform"
	NodeAggregate   NodeType = "aggregate"
	NodeCustom      NodeType = "custom"
)

// ConditionType is the form a condition takes.
type ConditionType string

const (
	ConditionExpression ConditionType = "expression"
	ConditionComparison ConditionType = "comparison"
	ConditionFunction   ConditionType = "function"
)

// Condition guards an edge or a loop. Conditions are side-effect free:
// expressions are interpreted by a bounded DSL, comparisons evaluate
// left/op/right against the instance context, and functions dispatch to a
// registered handler (never eval'd source).
type Condition struct {
	Type       ConditionType `json:"type"`
	Expression string        `json:"expression,omitempty"`
	Left       string        `json:"left,omitempty"`
	Operator   string        `json:"operator,omitempty"`
	Right      interface{}   `json:"right,omitempty"`
	Handler    string        `json:"handler,omitempty"`
}

// AggregateMode selects how an aggregate node combines its inputs.
type AggregateMode string

const (
	AggregateMerge   AggregateMode = "merge"
	AggregateConcat  AggregateMode = "concat"
	AggregateSum     AggregateMode = "sum"
	AggregateAverage AggregateMode = "average"
)

// NodeConfig carries per-type node parameters. Only the fields relevant to
// the node's type are set; validation rejects configs missing required
// fields for their type.
type NodeConfig struct {
	// task: recipient, topic, and request payload
	Target    string                 `json:"target,omitempty"` // agent key
	Topic     string                 `json:"topic,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	TimeoutMs int64                  `json:"timeoutMs,omitempty"`

	// loop
	Condition     *Condition `json:"condition,omitempty"`
	MaxIterations int        `json:"maxIterations,omitempty"`

	// humanTask
	Assignee   string `json:"assignee,omitempty"`
	Prompt     string `json:"prompt,omitempty"`
	DeadlineMs int64  `json:"deadlineMs,omitempty"`

	// timer
	DelayMs int64 `json:"delayMs,omitempty"`

	// event
	EventType string `json:"eventType,omitempty"`

	// subworkflow
	WorkflowID string `json:"workflowId,omitempty"`

	// transform / custom
	Handler string `json:"handler,omitempty"`

	// aggregate
	Inputs []string      `json:"inputs,omitempty"` // node ids
	Mode   AggregateMode `json:"mode,omitempty"`
	Field  string        `json:"field,omitempty"` // numeric field for sum/average
}

// Node is one vertex of a workflow DAG.
type Node struct {
	ID     string     `json:"id"`
	Type   NodeType   `json:"type"`
	Name   string     `json:"name,omitempty"`
	Config NodeConfig `json:"config,omitempty"`
}

// Edge connects two nodes, optionally guarded by a condition. A Default
// edge fires when no conditional sibling matches (decision nodes).
type Edge struct {
	ID        string     `json:"id,omitempty"`
	From      string     `json:"from"`
	To        string     `json:"to"`
	Condition *Condition `json:"condition,omitempty"`
	Default   bool       `json:"default,omitempty"`
}

// VariableDef declares a workflow variable with an optional default.
type VariableDef struct {
	Name    string      `json:"name"`
	Default interface{} `json:"default,omitempty"`
}

// WorkflowDefinition is a user-defined DAG over typed nodes.
type WorkflowDefinition struct {
	ID        string        `json:"id"`
	Name      string        `json:"name,omitempty"`
	Version   string        `json:"version,omitempty"`
	Nodes     []Node        `json:"nodes"`
	Edges     []Edge        `json:"edges"`
	Variables []VariableDef `json:"variables,omitempty"`
}

// NodeByID returns the node with the given id, or nil.
func (d *WorkflowDefinition) NodeByID(id string) *Node {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i]
		}
	}
	return nil
}

// OutgoingEdges returns edges leaving the node, in declared order.
func (d *WorkflowDefinition) OutgoingEdges(nodeID string) []Edge {
	var out []Edge
	for _, e := range d.Edges {
		if e.From == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// InstanceStatus is a workflow instance's lifecycle state.
type InstanceStatus string

const (
	InstancePending   InstanceStatus = "pending"
	InstanceRunning   InstanceStatus = "running"
	InstancePaused    InstanceStatus = "paused"
	InstanceWaiting   InstanceStatus = "waiting"
	InstanceCompleted InstanceStatus = "completed"
	InstanceFailed    InstanceStatus = "failed"
	InstanceCancelled InstanceStatus = "cancelled"
)

// IsTerminal reports whether the status is final.
func (s InstanceStatus) IsTerminal() bool {
	return s == InstanceCompleted || s == InstanceFailed || s == InstanceCancelled
}

// WorkflowContext is the evolving state of a running instance.
type WorkflowContext struct {
	Inputs      map[string]interface{} `json:"inputs,omitempty"`
	Variables   map[string]interface{} `json:"variables,omitempty"`
	Outputs     map[string]interface{} `json:"outputs,omitempty"`
	NodeOutputs map[string]interface{} `json:"nodeOutputs,omitempty"`
	Metadata    map[string]string      `json:"metadata,omitempty"`
}

// WorkflowInstance is one executing copy of a definition.
type WorkflowInstance struct {
	ID           string          `json:"id"`
	DefinitionID string          `json:"definitionId"`
	Status       InstanceStatus  `json:"status"`
	CurrentNode  string          `json:"currentNode,omitempty"`
	Context      WorkflowContext `json:"context"`
	HumanTasks   []string        `json:"humanTasks,omitempty"` // human task ids
	Error        string          `json:"error,omitempty"`
	Parent       string          `json:"parent,omitempty"` // parent instance id
	StartedAt    Timestamp       `json:"startedAt"`
	CompletedAt  *Timestamp      `json:"completedAt,omitempty"`
}

// HumanTaskStatus is the lifecycle of a human task.
type HumanTaskStatus string

const (
	HumanTaskPending   HumanTaskStatus = "pending"
	HumanTaskCompleted HumanTaskStatus = "completed"
	HumanTaskExpired   HumanTaskStatus = "expired"
)

// HumanTask suspends an instance until a person responds. A nil deadline
// means the task never expires.
type HumanTask struct {
	ID          string                 `json:"id"`
	InstanceID  string                 `json:"instanceId"`
	NodeID      string                 `json:"nodeId"`
	Assignee    string                 `json:"assignee,omitempty"`
	Prompt      string                 `json:"prompt,omitempty"`
	Status      HumanTaskStatus        `json:"status"`
	Response    map[string]interface{} `json:"response,omitempty"`
	Deadline    *Timestamp             `json:"deadline,omitempty"`
	CreatedAt   Timestamp              `json:"createdAt"`
	CompletedAt *Timestamp             `json:"completedAt,omitempty"`
}

// Snapshot is a point-in-time serialization of an instance, used for
// suspend/resume. Checksums are computed over the canonical serialization
// of State.
type Snapshot struct {
	ID         string            `json:"id"`
	InstanceID string            `json:"instanceId"`
	Timestamp  Timestamp         `json:"timestamp"`
	State      json.RawMessage   `json:"state"`
	Checksum   string            `json:"checksum"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Event is an immutable transition record. The event log is the system's
// source of truth for replay; wall-clock timestamps are advisory.
type Event struct {
	ID         string                 `json:"id"`
	InstanceID string                 `json:"instanceId"`
	Type       string                 `json:"type"`
	NodeID     string                 `json:"nodeId,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	Timestamp  Timestamp              `json:"timestamp"`
}

// Event type constants recorded by the runtime.
const (
	EventInstanceCreated   = "instance.created"
	EventInstanceStarted   = "instance.started"
	EventInstancePaused    = "instance.paused"
	EventInstanceResumed   = "instance.resumed"
	EventInstanceCompleted = "instance.completed"
	EventInstanceFailed    = "instance.failed"
	EventInstanceCancelled = "instance.cancelled"
	EventNodeEntered       = "node.entered"
	EventNodeCompleted     = "node.completed"
	EventHumanTaskCreated  = "humantask.created"
	EventHumanTaskDone     = "humantask.completed"
	EventTaskAssigned      = "task.assigned"
	EventTaskProgress      = "task.progress"
	EventTaskReassigned    = "task.reassigned"
	EventTaskCompleted     = "task.completed"
	EventTaskFailed        = "task.failed"
	EventTaskCancelled     = "task.cancelled"
	EventConsensusOpened   = "consensus.opened"
	EventConsensusAchieved = "consensus.achieved"
	EventConsensusRejected = "consensus.rejected"
	EventConsensusExpired  = "consensus.expired"
)
