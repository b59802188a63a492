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
package statestore

import (
	"sync"

	"github.com/teradata-labs/hive/pkg/types"
)

// eventBuffer is a bounded FIFO staging area for event writes. A failed
// flush prepends its batch back so arrival order is preserved and no
// event is dropped.
type eventBuffer struct {
	mu       sync.Mutex
	events   []*types.Event
	capacity int
}

func newEventBuffer(capacity int) *eventBuffer {
	return &eventBuffer{capacity: capacity}
}

// append adds an event if capacity allows. Returns false when full.
func (b *eventBuffer) append(e *types.Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.events) >= b.capacity {
		return false
	}
	b.events = append(b.events, e)
	return true
}

// takeAll drains the buffer and returns the drained batch in order.
func (b *eventBuffer) takeAll() []*types.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	taken := b.events
	b.events = nil
	return taken
}

// prependBack restores a failed batch ahead of anything appended since
// the take. The buffer may temporarily exceed capacity here; overflow is
// resolved by the next successful flush.
func (b *eventBuffer) prependBack(batch []*types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(append([]*types.Event{}, batch...), b.events...)
}

// size returns the current number of staged events.
func (b *eventBuffer) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}
