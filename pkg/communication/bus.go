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

// Package communication provides the in-process message bus: typed,
// priority-aware delivery between agents with per-agent mailboxes,
// request/response correlation, and coordination metrics.
package communication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/hive/pkg/observability"
	"github.com/teradata-labs/hive/pkg/types"
)

// Span names for bus instrumentation.
const (
	SpanBusSend        = "bus.send"
	SpanBusBroadcast   = "bus.broadcast"
	SpanBusSendAndWait = "bus.send_and_wait"
)

var (
	// ErrNotRegistered is returned when a recipient has no mailbox.
	ErrNotRegistered = errors.New("communication: agent not registered")
	// ErrAlreadyRegistered is returned on duplicate registration.
	ErrAlreadyRegistered = errors.New("communication: agent already registered")
	// ErrOverflow is returned when a mailbox is at its hard limit.
	ErrOverflow = errors.New("communication: mailbox overflow")
	// ErrSelfDelivery is returned for self-addressed messages without the
	// INFORM self-loop flag.
	ErrSelfDelivery = errors.New("communication: self-delivery requires INFORM with self-loop")
	// ErrTimeout is returned when no response arrives within the bound.
	ErrTimeout = errors.New("communication: response timeout")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("communication: bus closed")
)

// Config tunes per-mailbox limits.
type Config struct {
	SoftLimit int
	HardLimit int
}

// Bus routes messages between registered agents.
// All operations are safe for concurrent use.
type Bus struct {
	mu        sync.RWMutex
	mailboxes map[string]*Mailbox

	// Response waiting (correlation ID → response channel) for the
	// request-response pattern.
	pendingMu        sync.Mutex
	pendingResponses map[string]pendingRequest

	cfg     Config
	clock   *types.Clock
	metrics *busMetrics
	tracer  observability.Tracer
	logger  *zap.Logger
	closed  atomic.Bool
}

type pendingRequest struct {
	ch      chan *types.Message
	started time.Time
}

// NewBus creates a message bus.
func NewBus(cfg Config, tracer observability.Tracer, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tracer == nil {
		tracer = observability.NewNoOpTracer()
	}
	return &Bus{
		mailboxes:        make(map[string]*Mailbox),
		pendingResponses: make(map[string]pendingRequest),
		cfg:              cfg,
		clock:            types.NewClock(),
		metrics:          newBusMetrics(),
		tracer:           tracer,
		logger:           logger,
	}
}

// Register binds an agent to a new mailbox. The returned mailbox is the
// agent's consumer handle.
func (b *Bus) Register(id types.AgentID) (*Mailbox, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	key := id.Key()
	if _, exists := b.mailboxes[key]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, key)
	}
	mb := newMailbox(id, b.cfg.SoftLimit, b.cfg.HardLimit, b.logger)
	b.mailboxes[key] = mb
	b.logger.Debug("agent registered", zap.String("agent", key))
	return mb, nil
}

// Deregister removes an agent's mailbox and discards its queued messages.
func (b *Bus) Deregister(id types.AgentID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := id.Key()
	mb, exists := b.mailboxes[key]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotRegistered, key)
	}
	delete(b.mailboxes, key)
	mb.drain()
	b.logger.Debug("agent deregistered", zap.String("agent", key))
	return nil
}

// Mailbox returns a registered agent's mailbox, or nil.
func (b *Bus) Mailbox(id types.AgentID) *Mailbox {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.mailboxes[id.Key()]
}

// Send routes one message. A single recipient enqueues once; a recipient
// set fans out one independent copy per recipient (same id); an empty
// recipient set broadcasts to every registered mailbox except the sender.
// The bus assigns the timestamp, so per-sender send order matches
// timestamp order.
func (b *Bus) Send(ctx context.Context, msg *types.Message) error {
	if b.closed.Load() {
		return ErrClosed
	}
	_, span := b.tracer.StartSpan(ctx, SpanBusSend,
		observability.WithAttribute(observability.AttrMessageID, msg.ID),
		observability.WithAttribute(observability.AttrMessageTopic, msg.Content.Topic))
	defer b.tracer.EndSpan(span)

	msg.Timestamp = types.At(b.clock.Now())

	// Responses to an in-flight request resolve the waiter directly and
	// never touch a mailbox. Late responses are dropped with a warning.
	if msg.Type == types.MessageResponse && msg.CorrelationID != "" {
		if b.resolveResponse(msg) {
			return nil
		}
		b.logger.Warn("dropping late response",
			zap.String("correlation_id", msg.CorrelationID),
			zap.String("from", msg.From.Key()))
		return nil
	}

	if msg.IsBroadcast() {
		return b.deliverBroadcast(msg)
	}

	for _, to := range msg.To {
		if to == msg.From && !(msg.Type == types.MessageInform && msg.SelfLoop) {
			span.RecordError(ErrSelfDelivery)
			return ErrSelfDelivery
		}
	}

	if len(msg.To) == 1 {
		return b.deliver(msg.To[0], msg)
	}

	// Fan out independent copies sharing the message id.
	for _, to := range msg.To {
		cp := *msg
		cp.To = []types.AgentID{to}
		if err := b.deliver(to, &cp); err != nil {
			return err
		}
	}
	return nil
}

// Broadcast is a convenience for a fan-out from one sender.
func (b *Bus) Broadcast(ctx context.Context, from types.AgentID, msgType types.MessageType, topic string, body map[string]interface{}, priority types.Priority) error {
	_, span := b.tracer.StartSpan(ctx, SpanBusBroadcast,
		observability.WithAttribute(observability.AttrMessageTopic, topic))
	defer b.tracer.EndSpan(span)

	msg := types.NewMessage(from, nil, msgType, priority, topic, body)
	return b.Send(ctx, msg)
}

func (b *Bus) deliverBroadcast(msg *types.Message) error {
	b.mu.RLock()
	recipients := make([]*Mailbox, 0, len(b.mailboxes))
	for key, mb := range b.mailboxes {
		if key == msg.From.Key() {
			continue
		}
		recipients = append(recipients, mb)
	}
	b.mu.RUnlock()

	for _, mb := range recipients {
		cp := *msg
		cp.To = []types.AgentID{mb.owner}
		if err := mb.enqueue(&cp); err != nil {
			b.logger.Warn("broadcast delivery failed",
				zap.String("agent", mb.owner.Key()),
				zap.Error(err))
			continue
		}
		b.metrics.recordDelivery(mb.owner.Key())
	}
	return nil
}

func (b *Bus) deliver(to types.AgentID, msg *types.Message) error {
	b.mu.RLock()
	mb := b.mailboxes[to.Key()]
	b.mu.RUnlock()
	if mb == nil {
		return fmt.Errorf("%w: %s", ErrNotRegistered, to.Key())
	}
	if err := mb.enqueue(msg); err != nil {
		return err
	}
	b.metrics.recordDelivery(to.Key())
	return nil
}

func (b *Bus) resolveResponse(msg *types.Message) bool {
	b.pendingMu.Lock()
	pending, exists := b.pendingResponses[msg.CorrelationID]
	if exists {
		delete(b.pendingResponses, msg.CorrelationID)
	}
	b.pendingMu.Unlock()
	if !exists {
		return false
	}
	pending.ch <- msg
	b.metrics.recordResponse(time.Since(pending.started))
	return true
}

// SendAndWait sends a request and blocks for the correlated RESPONSE.
// The request's requires-response flag is forced on and its id doubles
// as the correlation id. Returns ErrTimeout when the bound elapses.
func (b *Bus) SendAndWait(ctx context.Context, msg *types.Message, timeout time.Duration) (*types.Message, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	ctx, span := b.tracer.StartSpan(ctx, SpanBusSendAndWait,
		observability.WithAttribute(observability.AttrMessageID, msg.ID),
		observability.WithAttribute("timeout_ms", timeout.Milliseconds()))
	defer b.tracer.EndSpan(span)

	msg.RequiresResponse = true
	correlationID := msg.ID

	// Buffered so a resolver never blocks on a departed waiter.
	responseChan := make(chan *types.Message, 1)
	b.pendingMu.Lock()
	b.pendingResponses[correlationID] = pendingRequest{ch: responseChan, started: time.Now()}
	b.pendingMu.Unlock()

	cleanup := func() {
		b.pendingMu.Lock()
		delete(b.pendingResponses, correlationID)
		b.pendingMu.Unlock()
	}

	if err := b.Send(ctx, msg); err != nil {
		cleanup()
		span.RecordError(err)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-responseChan:
		if resp == nil {
			// Channel closed by bus shutdown.
			return nil, ErrClosed
		}
		span.SetAttribute("success", true)
		return resp, nil
	case <-timer.C:
		cleanup()
		b.metrics.recordTimeout()
		span.SetAttribute("timeout", true)
		b.logger.Warn("request-response timeout",
			zap.String("correlation_id", correlationID),
			zap.String("from", msg.From.Key()),
			zap.Duration("timeout", timeout))
		return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case <-ctx.Done():
		cleanup()
		return nil, fmt.Errorf("request canceled: %w", ctx.Err())
	}
}

// Metrics returns a snapshot of bus health, including live queue depths.
func (b *Bus) Metrics() Metrics {
	snap := b.metrics.snapshot()
	b.mu.RLock()
	snap.ActiveAgents = len(b.mailboxes)
	snap.QueueSizes = make(map[string]int, len(b.mailboxes))
	for key, mb := range b.mailboxes {
		snap.QueueSizes[key] = mb.Len()
	}
	b.mu.RUnlock()
	return snap
}

// Close stops the bus: subsequent sends fail, mailboxes are drained, and
// all waiters are released.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	b.pendingMu.Lock()
	for id, pending := range b.pendingResponses {
		close(pending.ch)
		delete(b.pendingResponses, id)
	}
	b.pendingMu.Unlock()

	b.mu.Lock()
	for key, mb := range b.mailboxes {
		mb.drain()
		delete(b.mailboxes, key)
	}
	b.mu.Unlock()

	b.logger.Debug("bus closed")
	return nil
}
