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

// Package types contains the shared data model for the hive runtime.
// This package breaks import cycles by providing common types that the
// bus, coordinator, scheduler, and workflow packages all depend on.
package types

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AgentID identifies an agent within the runtime. The string key
// "namespace:id" is the agent's bus address and must be unique within
// a process.
type AgentID struct {
	Namespace string `json:"namespace"`
	ID        string `json:"id"`
}

// NewAgentID creates an AgentID with a random id component.
func NewAgentID(namespace string) AgentID {
	return AgentID{Namespace: namespace, ID: uuid.New().String()}
}

// Key returns the bus address "namespace:id".
func (a AgentID) Key() string {
	return a.Namespace + ":" + a.ID
}

// String implements fmt.Stringer.
func (a AgentID) String() string { return a.Key() }

// IsZero reports whether the id is unset.
func (a AgentID) IsZero() bool { return a.Namespace == "" && a.ID == "" }

// ParseAgentID parses a "namespace:id" key back into an AgentID.
func ParseAgentID(key string) (AgentID, error) {
	parts := strings.SplitN(key, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return AgentID{}, fmt.Errorf("invalid agent id: %s", key)
	}
	return AgentID{Namespace: parts[0], ID: parts[1]}, nil
}

// NewID generates a collision-resistant random identifier with a type prefix,
// e.g. "task-4f9c…". Prefixes keep persisted keys self-describing.
func NewID(prefix string) string {
	return prefix + "-" + uuid.New().String()
}

// Clock produces monotonic timestamps. Wall-clock readings never go
// backwards between calls; equal timestamps are disambiguated by id lex
// order at the consumer (see Message ordering).
type Clock struct {
	mu   sync.Mutex
	last time.Time
}

// NewClock creates a Clock starting from the current wall time.
func NewClock() *Clock { return &Clock{} }

// Now returns the current time, clamped to be non-decreasing.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UTC()
	if !now.After(c.last) {
		now = c.last.Add(time.Millisecond)
	}
	c.last = now
	return now
}
