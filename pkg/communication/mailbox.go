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
package communication

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/teradata-labs/hive/pkg/types"
)

// Default mailbox limits.
const (
	// DefaultSoftLimit is the queue depth past which LOW-priority
	// messages are dropped oldest-first.
	DefaultSoftLimit = 10_000
	// DefaultHardLimit is the queue depth past which enqueues are
	// rejected with ErrOverflow.
	DefaultHardLimit = 100_000
)

// Mailbox is one agent's ordered, priority-respecting queue. Messages of
// the same priority from the same sender are dequeued in enqueue order;
// higher priorities always dequeue first.
type Mailbox struct {
	owner types.AgentID

	mu sync.Mutex
	// One FIFO per priority, indexed by types.Priority (LOW..URGENT).
	buckets [4][]*types.Message

	softLimit int
	hardLimit int

	// notify wakes a blocked Receive; buffer of 1 coalesces signals.
	notify chan struct{}

	droppedLow int64

	logger *zap.Logger
}

func newMailbox(owner types.AgentID, softLimit, hardLimit int, logger *zap.Logger) *Mailbox {
	if softLimit <= 0 {
		softLimit = DefaultSoftLimit
	}
	if hardLimit <= 0 {
		hardLimit = DefaultHardLimit
	}
	return &Mailbox{
		owner:     owner,
		softLimit: softLimit,
		hardLimit: hardLimit,
		notify:    make(chan struct{}, 1),
		logger:    logger,
	}
}

// Owner returns the agent this mailbox belongs to.
func (m *Mailbox) Owner() types.AgentID { return m.owner }

// enqueue inserts by priority. Past the soft limit, LOW messages are
// shed oldest-first to make room; past the hard limit the enqueue is
// rejected.
func (m *Mailbox) enqueue(msg *types.Message) error {
	m.mu.Lock()
	total := m.lenLocked()
	if total >= m.hardLimit {
		m.mu.Unlock()
		return ErrOverflow
	}
	if total >= m.softLimit {
		if len(m.buckets[types.PriorityLow]) > 0 {
			m.buckets[types.PriorityLow] = m.buckets[types.PriorityLow][1:]
			m.droppedLow++
			m.logger.Warn("mailbox past soft limit, dropped oldest LOW message",
				zap.String("agent", m.owner.Key()),
				zap.Int("depth", total))
		} else {
			m.logger.Warn("mailbox past soft limit",
				zap.String("agent", m.owner.Key()),
				zap.Int("depth", total))
		}
	}
	m.buckets[msg.Priority] = append(m.buckets[msg.Priority], msg)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return nil
}

// TryReceive dequeues the highest-priority pending message, or nil when
// the mailbox is empty.
func (m *Mailbox) TryReceive() *types.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	for p := types.PriorityUrgent; p >= types.PriorityLow; p-- {
		if len(m.buckets[p]) > 0 {
			msg := m.buckets[p][0]
			m.buckets[p] = m.buckets[p][1:]
			return msg
		}
	}
	return nil
}

// Receive blocks until a message is available or the context is done.
func (m *Mailbox) Receive(ctx context.Context) (*types.Message, error) {
	for {
		if msg := m.TryReceive(); msg != nil {
			return msg, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.notify:
		}
	}
}

// Len returns the total number of queued messages.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lenLocked()
}

func (m *Mailbox) lenLocked() int {
	n := 0
	for _, b := range m.buckets {
		n += len(b)
	}
	return n
}

// DroppedLow returns how many LOW messages have been shed.
func (m *Mailbox) DroppedLow() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.droppedLow
}

// drain discards all pending messages, waking any blocked receiver.
func (m *Mailbox) drain() {
	m.mu.Lock()
	for p := range m.buckets {
		m.buckets[p] = nil
	}
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}
