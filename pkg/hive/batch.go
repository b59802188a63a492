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
	"errors"
	"time"

	"github.com/teradata-labs/hive/pkg/types"
)

// ErrDependencyCycle is returned when the task graph cannot be
// topologically ordered.
var ErrDependencyCycle = errors.New("hive: dependency cycle in task graph")

// Batches converts a task set into topologically ordered batches: each
// batch holds tasks whose dependencies are satisfied by earlier batches,
// so tasks within a batch are parallel-safe. Dependencies on ids outside
// the set are treated as already satisfied. Input order is preserved
// within a batch.
func Batches(tasks []*types.Task) ([][]*types.Task, error) {
	inSet := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		inSet[t.ID] = true
	}

	done := make(map[string]bool, len(tasks))
	remaining := append([]*types.Task(nil), tasks...)
	var batches [][]*types.Task

	for len(remaining) > 0 {
		var batch, next []*types.Task
		for _, t := range remaining {
			ready := true
			for _, dep := range t.Dependencies {
				if inSet[dep] && !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				batch = append(batch, t)
			} else {
				next = append(next, t)
			}
		}
		if len(batch) == 0 {
			return nil, ErrDependencyCycle
		}
		for _, t := range batch {
			done[t.ID] = true
		}
		batches = append(batches, batch)
		remaining = next
	}
	return batches, nil
}

// BatchDuration estimates a batch's wall time as the longest member
// timeout; tasks without a timeout count as the fallback.
func BatchDuration(batch []*types.Task, fallback time.Duration) time.Duration {
	longest := time.Duration(0)
	for _, t := range batch {
		d := fallback
		if t.TimeoutMs > 0 {
			d = time.Duration(t.TimeoutMs) * time.Millisecond
		}
		if d > longest {
			longest = d
		}
	}
	return longest
}
