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

import (
	"encoding/json"
	"fmt"
)

// MessageType classifies bus messages.
type MessageType string

const (
	MessageCommand   MessageType = "COMMAND"
	MessageRequest   MessageType = "REQUEST"
	MessageInform    MessageType = "INFORM"
	MessageNegotiate MessageType = "NEGOTIATE"
	MessageConsensus MessageType = "CONSENSUS"
	MessageResponse  MessageType = "RESPONSE"
)

// Priority orders message delivery within a mailbox.
// URGENT is delivered before HIGH, HIGH before NORMAL, NORMAL before LOW.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

var priorityNames = map[Priority]string{
	PriorityLow:    "LOW",
	PriorityNormal: "NORMAL",
	PriorityHigh:   "HIGH",
	PriorityUrgent: "URGENT",
}

// String implements fmt.Stringer.
func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

// MarshalJSON serializes the priority as its name.
func (p Priority) MarshalJSON() ([]byte, error) {
	name, ok := priorityNames[p]
	if !ok {
		return nil, fmt.Errorf("unknown priority: %d", int(p))
	}
	return json.Marshal(name)
}

// UnmarshalJSON parses a priority name.
func (p *Priority) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for prio, n := range priorityNames {
		if n == name {
			*p = prio
			return nil
		}
	}
	return fmt.Errorf("unknown priority: %s", name)
}

// Content is the typed payload of a message: a routing topic plus an
// arbitrary JSON body.
type Content struct {
	Topic string                 `json:"topic"`
	Body  map[string]interface{} `json:"body,omitempty"`
}

// Message is the bus envelope. A nil To slice means broadcast to every
// registered agent except the sender; one element addresses a single
// agent; multiple elements fan out one independent copy per recipient.
type Message struct {
	ID               string      `json:"id"`
	From             AgentID     `json:"from"`
	To               []AgentID   `json:"to,omitempty"`
	Type             MessageType `json:"type"`
	Priority         Priority    `json:"priority"`
	Timestamp        Timestamp   `json:"timestamp"`
	CorrelationID    string      `json:"correlationId,omitempty"`
	RequiresResponse bool        `json:"requiresResponse,omitempty"`
	Content          Content     `json:"content"`

	// SelfLoop permits delivery back to the sender. Only honored for
	// INFORM messages.
	SelfLoop bool `json:"selfLoop,omitempty"`
}

// NewMessage constructs a message with a fresh id and the given envelope
// fields. The timestamp is assigned by the bus on send.
func NewMessage(from AgentID, to []AgentID, msgType MessageType, priority Priority, topic string, body map[string]interface{}) *Message {
	return &Message{
		ID:       NewID("msg"),
		From:     from,
		To:       to,
		Type:     msgType,
		Priority: priority,
		Content:  Content{Topic: topic, Body: body},
	}
}

// IsBroadcast reports whether the message targets every registered agent.
func (m *Message) IsBroadcast() bool { return len(m.To) == 0 }

// Response builds a RESPONSE correlated to m, addressed back to the sender.
func (m *Message) Response(from AgentID, body map[string]interface{}) *Message {
	resp := NewMessage(from, []AgentID{m.From}, MessageResponse, m.Priority, m.Content.Topic, body)
	resp.CorrelationID = m.ID
	return resp
}

// Reserved topics every agent runtime must answer.
const (
	TopicCapabilityQuery    = "capability:query"
	TopicStateQuery         = "state:query"
	TopicPerformanceMetrics = "performance:metrics"
	TopicHeartbeat          = "heartbeat"
	TopicTaskAssignment     = "task:assignment"
	TopicTaskCancel         = "task:cancel"
	TopicConsensusPrefix    = "consensus:"
)
