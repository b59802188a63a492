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
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/teradata-labs/hive/pkg/types"
)

// DefaultCacheTTL bounds how long a decomposition result stays valid.
const DefaultCacheTTL = 30 * time.Minute

// planCache memoizes decomposition results keyed by
// hash(description ‖ strategy). Entries expire after the TTL and are
// invalidated on explicit retry.
type planCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]planEntry
}

type planEntry struct {
	tasks   []*types.Task
	expires time.Time
}

func newPlanCache(ttl time.Duration) *planCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &planCache{ttl: ttl, entries: make(map[string]planEntry)}
}

func planKey(description string, strategy PlanStrategy) string {
	h := sha256.New()
	h.Write([]byte(description))
	h.Write([]byte{0})
	h.Write([]byte(strategy))
	return hex.EncodeToString(h.Sum(nil))
}

// get returns a deep copy of the cached plan so callers can mutate task
// state without poisoning the cache.
func (c *planCache) get(description string, strategy PlanStrategy) ([]*types.Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[planKey(description, strategy)]
	if !ok || time.Now().After(entry.expires) {
		return nil, false
	}
	return cloneTasks(entry.tasks), true
}

func (c *planCache) put(description string, strategy PlanStrategy, tasks []*types.Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[planKey(description, strategy)] = planEntry{
		tasks:   cloneTasks(tasks),
		expires: time.Now().Add(c.ttl),
	}
}

func (c *planCache) invalidate(description string, strategy PlanStrategy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, planKey(description, strategy))
}

func (c *planCache) evictExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	evicted := 0
	for key, entry := range c.entries {
		if now.After(entry.expires) {
			delete(c.entries, key)
			evicted++
		}
	}
	return evicted
}

func cloneTasks(tasks []*types.Task) []*types.Task {
	out := make([]*types.Task, len(tasks))
	for i, t := range tasks {
		cp := *t
		cp.Dependencies = append([]string(nil), t.Dependencies...)
		cp.RequiredCapabilities = append([]string(nil), t.RequiredCapabilities...)
		cp.AssignedAgents = append([]string(nil), t.AssignedAgents...)
		if t.Metadata != nil {
			cp.Metadata = make(map[string]string, len(t.Metadata))
			for k, v := range t.Metadata {
				cp.Metadata[k] = v
			}
		}
		out[i] = &cp
	}
	return out
}
