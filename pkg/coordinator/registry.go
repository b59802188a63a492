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
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/teradata-labs/hive/pkg/types"
)

// AgentRegistry is the process-wide directory of known agents: profile,
// live state, workload, task counters, and heartbeat bookkeeping. The
// coordinator and the scheduler both read it; the bus heartbeat consumer
// writes it.
type AgentRegistry struct {
	mu      sync.RWMutex
	agents  map[string]*registeredAgent
	joinSeq int64
}

type registeredAgent struct {
	profile        types.AgentProfile
	joinOrder      int64
	completedTasks int64
	failedTasks    int64
	lastHeartbeat  time.Time
}

// NewAgentRegistry creates an empty registry.
func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{agents: make(map[string]*registeredAgent)}
}

// Register adds or replaces an agent's profile.
func (r *AgentRegistry) Register(profile types.AgentProfile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := profile.ID.Key()
	if existing, ok := r.agents[key]; ok {
		existing.profile = profile
		return
	}
	r.joinSeq++
	r.agents[key] = &registeredAgent{
		profile:       profile,
		joinOrder:     r.joinSeq,
		lastHeartbeat: time.Now(),
	}
}

// Deregister removes an agent.
func (r *AgentRegistry) Deregister(id types.AgentID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, id.Key())
}

// Get returns an agent's profile.
func (r *AgentRegistry) Get(key string) (types.AgentProfile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[key]
	if !ok {
		return types.AgentProfile{}, false
	}
	return a.profile, true
}

// List returns all profiles in registration order.
func (r *AgentRegistry) List() []types.AgentProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.agents))
	for k := range r.agents {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return r.agents[keys[i]].joinOrder < r.agents[keys[j]].joinOrder
	})
	out := make([]types.AgentProfile, 0, len(keys))
	for _, k := range keys {
		out = append(out, r.agents[k].profile)
	}
	return out
}

// SetState updates an agent's lifecycle state.
func (r *AgentRegistry) SetState(key string, state types.AgentState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[key]
	if !ok {
		return fmt.Errorf("unknown agent: %s", key)
	}
	a.profile.State = state
	return nil
}

// SetWorkload updates an agent's reported workload.
func (r *AgentRegistry) SetWorkload(key string, workload float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.agents[key]; ok {
		a.profile.Workload = workload
	}
}

// RecordCompletion increments an agent's task counters.
func (r *AgentRegistry) RecordCompletion(key string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[key]
	if !ok {
		return
	}
	if success {
		a.completedTasks++
	} else {
		a.failedTasks++
	}
}

// CompletedTasks returns how many tasks an agent has completed.
func (r *AgentRegistry) CompletedTasks(key string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.agents[key]; ok {
		return a.completedTasks
	}
	return 0
}

// SuccessRate returns completed/(completed+failed), or the prior for
// agents with no history.
func (r *AgentRegistry) SuccessRate(key string, prior float64) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[key]
	if !ok {
		return prior
	}
	total := a.completedTasks + a.failedTasks
	if total == 0 {
		return prior
	}
	return float64(a.completedTasks) / float64(total)
}

// JoinOrder returns the agent's registration sequence number; earlier
// registrations have lower numbers. Unknown agents sort last.
func (r *AgentRegistry) JoinOrder(key string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.agents[key]; ok {
		return a.joinOrder
	}
	return int64(^uint64(0) >> 1)
}

// MarkHeartbeat records a heartbeat arrival.
func (r *AgentRegistry) MarkHeartbeat(key string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.agents[key]; ok {
		a.lastHeartbeat = at
		if a.profile.State == types.AgentUnresponsive {
			a.profile.State = types.AgentActive
		}
	}
}

// SweepUnresponsive marks agents whose last heartbeat is older than the
// cutoff as unresponsive and returns their keys.
func (r *AgentRegistry) SweepUnresponsive(cutoff time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var marked []string
	for key, a := range r.agents {
		if a.profile.State == types.AgentOffline || a.profile.State == types.AgentUnresponsive {
			continue
		}
		if a.lastHeartbeat.Before(cutoff) {
			a.profile.State = types.AgentUnresponsive
			marked = append(marked, key)
		}
	}
	sort.Strings(marked)
	return marked
}
