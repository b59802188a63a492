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

// TaskStatus is the task state lattice:
// created → pending → assigned → in_progress → {completed, failed, cancelled}.
// Terminal states never revert; a retry creates a new task referencing the
// original via RetryOf (I6).
type TaskStatus string

const (
	TaskCreated    TaskStatus = "created"
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// IsTerminal reports whether the status is final.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Goal is a user-supplied work item. Goals decompose into tasks.
type Goal struct {
	ID                   string            `json:"id"`
	Description          string            `json:"description"`
	Type                 string            `json:"type,omitempty"`
	Priority             Priority          `json:"priority"`
	Status               TaskStatus        `json:"status"`
	SubGoals             []*Goal           `json:"subGoals,omitempty"`
	Constraints          []string          `json:"constraints,omitempty"`
	RequiredCapabilities []string          `json:"requiredCapabilities,omitempty"`
	Dependencies         []string          `json:"dependencies,omitempty"`
	Deadline             *Timestamp        `json:"deadline,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
	CreatedAt            Timestamp         `json:"createdAt"`
}

// NewGoal creates a goal in the created state.
func NewGoal(description string) *Goal {
	return &Goal{
		ID:          NewID("goal"),
		Description: description,
		Priority:    PriorityNormal,
		Status:      TaskCreated,
		CreatedAt:   Now(),
	}
}

// Task is the unit of work assigned to agents.
type Task struct {
	ID                   string            `json:"id"`
	GoalID               string            `json:"goalId,omitempty"`
	Description          string            `json:"description"`
	Type                 string            `json:"type,omitempty"`
	Priority             Priority          `json:"priority"`
	Status               TaskStatus        `json:"status"`
	Dependencies         []string          `json:"dependencies,omitempty"`
	RequiredCapabilities []string          `json:"requiredCapabilities,omitempty"`
	AssignedAgents       []string          `json:"assignedAgents,omitempty"` // agent keys
	Deadline             *Timestamp        `json:"deadline,omitempty"`
	Progress             float64           `json:"progress"` // 0..100
	Retries              int               `json:"retries"`
	MaxRetries           int               `json:"maxRetries"`
	RetryOf              string            `json:"retryOf,omitempty"`
	TimeoutMs            int64             `json:"timeoutMs,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
	CreatedAt            Timestamp         `json:"createdAt"`
	UpdatedAt            Timestamp         `json:"updatedAt"`
}

// NewTask creates a task in the created state.
func NewTask(description string) *Task {
	now := Now()
	return &Task{
		ID:          NewID("task"),
		Description: description,
		Priority:    PriorityNormal,
		Status:      TaskCreated,
		MaxRetries:  3,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Retry creates a fresh task carrying the same work with a new id,
// referencing the original. The original keeps its terminal status.
func (t *Task) Retry() *Task {
	next := NewTask(t.Description)
	next.GoalID = t.GoalID
	next.Type = t.Type
	next.Priority = t.Priority
	next.Dependencies = append([]string(nil), t.Dependencies...)
	next.RequiredCapabilities = append([]string(nil), t.RequiredCapabilities...)
	next.TimeoutMs = t.TimeoutMs
	next.Retries = t.Retries + 1
	next.MaxRetries = t.MaxRetries
	next.RetryOf = t.ID
	return next
}
