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
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teradata-labs/hive/pkg/types"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	bus := NewBus(Config{}, nil, zaptest.NewLogger(t))
	t.Cleanup(func() { bus.Close() })
	return bus
}

func agentID(id string) types.AgentID {
	return types.AgentID{Namespace: "test", ID: id}
}

func TestSendSingleRecipient(t *testing.T) {
	bus := newTestBus(t)
	alice, bob := agentID("alice"), agentID("bob")
	_, err := bus.Register(alice)
	require.NoError(t, err)
	mb, err := bus.Register(bob)
	require.NoError(t, err)

	msg := types.NewMessage(alice, []types.AgentID{bob}, types.MessageInform, types.PriorityNormal, "news", map[string]interface{}{"k": "v"})
	require.NoError(t, bus.Send(context.Background(), msg))

	got := mb.TryReceive()
	require.NotNil(t, got)
	assert.Equal(t, msg.ID, got.ID)
	assert.False(t, got.Timestamp.IsZero(), "bus must stamp the message")
}

func TestSendToUnregisteredFails(t *testing.T) {
	bus := newTestBus(t)
	alice := agentID("alice")
	_, err := bus.Register(alice)
	require.NoError(t, err)

	msg := types.NewMessage(alice, []types.AgentID{agentID("ghost")}, types.MessageInform, types.PriorityNormal, "x", nil)
	assert.ErrorIs(t, bus.Send(context.Background(), msg), ErrNotRegistered)
}

func TestPriorityOrdering(t *testing.T) {
	bus := newTestBus(t)
	alice, bob := agentID("alice"), agentID("bob")
	_, err := bus.Register(alice)
	require.NoError(t, err)
	mb, err := bus.Register(bob)
	require.NoError(t, err)

	ctx := context.Background()
	to := []types.AgentID{bob}
	low := types.NewMessage(alice, to, types.MessageInform, types.PriorityLow, "t", nil)
	normal := types.NewMessage(alice, to, types.MessageInform, types.PriorityNormal, "t", nil)
	urgent := types.NewMessage(alice, to, types.MessageInform, types.PriorityUrgent, "t", nil)
	high := types.NewMessage(alice, to, types.MessageInform, types.PriorityHigh, "t", nil)

	for _, m := range []*types.Message{low, normal, urgent, high} {
		require.NoError(t, bus.Send(ctx, m))
	}

	assert.Equal(t, urgent.ID, mb.TryReceive().ID)
	assert.Equal(t, high.ID, mb.TryReceive().ID)
	assert.Equal(t, normal.ID, mb.TryReceive().ID)
	assert.Equal(t, low.ID, mb.TryReceive().ID)
	assert.Nil(t, mb.TryReceive())
}

func TestSamePrioritySendOrderPreserved(t *testing.T) {
	bus := newTestBus(t)
	alice, bob := agentID("alice"), agentID("bob")
	_, err := bus.Register(alice)
	require.NoError(t, err)
	mb, err := bus.Register(bob)
	require.NoError(t, err)

	ctx := context.Background()
	var sent []string
	for i := 0; i < 20; i++ {
		msg := types.NewMessage(alice, []types.AgentID{bob}, types.MessageInform, types.PriorityNormal, "seq", map[string]interface{}{"i": i})
		require.NoError(t, bus.Send(ctx, msg))
		sent = append(sent, msg.ID)
	}
	for i := 0; i < 20; i++ {
		got := mb.TryReceive()
		require.NotNil(t, got)
		assert.Equal(t, sent[i], got.ID)
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	bus := newTestBus(t)
	alice, bob, carol := agentID("alice"), agentID("bob"), agentID("carol")
	mbAlice, err := bus.Register(alice)
	require.NoError(t, err)
	mbBob, err := bus.Register(bob)
	require.NoError(t, err)
	mbCarol, err := bus.Register(carol)
	require.NoError(t, err)

	require.NoError(t, bus.Broadcast(context.Background(), alice, types.MessageInform, "announce", nil, types.PriorityNormal))

	assert.Nil(t, mbAlice.TryReceive(), "sender must not receive its own broadcast")
	assert.NotNil(t, mbBob.TryReceive())
	assert.NotNil(t, mbCarol.TryReceive())
}

func TestSelfDeliveryPolicy(t *testing.T) {
	bus := newTestBus(t)
	alice := agentID("alice")
	mb, err := bus.Register(alice)
	require.NoError(t, err)

	ctx := context.Background()

	cmd := types.NewMessage(alice, []types.AgentID{alice}, types.MessageCommand, types.PriorityNormal, "x", nil)
	assert.ErrorIs(t, bus.Send(ctx, cmd), ErrSelfDelivery)

	inform := types.NewMessage(alice, []types.AgentID{alice}, types.MessageInform, types.PriorityNormal, "x", nil)
	assert.ErrorIs(t, bus.Send(ctx, inform), ErrSelfDelivery)

	inform.SelfLoop = true
	require.NoError(t, bus.Send(ctx, inform))
	assert.NotNil(t, mb.TryReceive())
}

func TestMultiRecipientFanOut(t *testing.T) {
	bus := newTestBus(t)
	alice, bob, carol := agentID("alice"), agentID("bob"), agentID("carol")
	_, err := bus.Register(alice)
	require.NoError(t, err)
	mbBob, err := bus.Register(bob)
	require.NoError(t, err)
	mbCarol, err := bus.Register(carol)
	require.NoError(t, err)

	msg := types.NewMessage(alice, []types.AgentID{bob, carol}, types.MessageCommand, types.PriorityHigh, "work", nil)
	require.NoError(t, bus.Send(context.Background(), msg))

	gotBob := mbBob.TryReceive()
	gotCarol := mbCarol.TryReceive()
	require.NotNil(t, gotBob)
	require.NotNil(t, gotCarol)
	// Copies share the id but are independent.
	assert.Equal(t, msg.ID, gotBob.ID)
	assert.Equal(t, msg.ID, gotCarol.ID)
	assert.NotSame(t, gotBob, gotCarol)
}

func TestSendAndWaitResolvesResponse(t *testing.T) {
	bus := newTestBus(t)
	alice, bob := agentID("alice"), agentID("bob")
	_, err := bus.Register(alice)
	require.NoError(t, err)
	mbBob, err := bus.Register(bob)
	require.NoError(t, err)

	ctx := context.Background()

	// Responder loop.
	go func() {
		req, err := mbBob.Receive(ctx)
		if err != nil {
			return
		}
		resp := req.Response(bob, map[string]interface{}{"answer": float64(42)})
		_ = bus.Send(ctx, resp)
	}()

	req := types.NewMessage(alice, []types.AgentID{bob}, types.MessageRequest, types.PriorityNormal, "math", nil)
	resp, err := bus.SendAndWait(ctx, req, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, req.ID, resp.CorrelationID)
	assert.Equal(t, float64(42), resp.Content.Body["answer"])

	m := bus.Metrics()
	assert.Greater(t, m.AverageResponseTime, time.Duration(0))
	assert.Zero(t, m.FailureRate)
}

func TestSendAndWaitTimesOut(t *testing.T) {
	bus := newTestBus(t)
	alice, bob := agentID("alice"), agentID("bob")
	_, err := bus.Register(alice)
	require.NoError(t, err)
	_, err = bus.Register(bob)
	require.NoError(t, err)

	req := types.NewMessage(alice, []types.AgentID{bob}, types.MessageRequest, types.PriorityNormal, "silence", nil)

	start := time.Now()
	_, err = bus.SendAndWait(context.Background(), req, 50*time.Millisecond)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, elapsed, time.Second, "timeout must be honored promptly")
	assert.Greater(t, bus.Metrics().FailureRate, 0.0)
}

func TestLateResponseDropped(t *testing.T) {
	bus := newTestBus(t)
	alice, bob := agentID("alice"), agentID("bob")
	mbAlice, err := bus.Register(alice)
	require.NoError(t, err)
	_, err = bus.Register(bob)
	require.NoError(t, err)

	// No pending request for this correlation id.
	late := types.NewMessage(bob, []types.AgentID{alice}, types.MessageResponse, types.PriorityNormal, "math", nil)
	late.CorrelationID = "msg-long-gone"
	require.NoError(t, bus.Send(context.Background(), late))

	assert.Nil(t, mbAlice.TryReceive(), "late responses are not queued")
}

func TestSoftLimitShedsLow(t *testing.T) {
	bus := NewBus(Config{SoftLimit: 5, HardLimit: 100}, nil, zaptest.NewLogger(t))
	defer bus.Close()
	alice, bob := agentID("alice"), agentID("bob")
	_, err := bus.Register(alice)
	require.NoError(t, err)
	mb, err := bus.Register(bob)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		msg := types.NewMessage(alice, []types.AgentID{bob}, types.MessageInform, types.PriorityLow, "bulk", map[string]interface{}{"i": i})
		require.NoError(t, bus.Send(ctx, msg))
	}
	// At the soft limit, the next enqueue sheds the oldest LOW.
	urgent := types.NewMessage(alice, []types.AgentID{bob}, types.MessageCommand, types.PriorityUrgent, "now", nil)
	require.NoError(t, bus.Send(ctx, urgent))

	assert.Equal(t, 5, mb.Len())
	assert.Equal(t, int64(1), mb.DroppedLow())
	assert.Equal(t, urgent.ID, mb.TryReceive().ID)
}

func TestHardLimitRejects(t *testing.T) {
	bus := NewBus(Config{SoftLimit: 2, HardLimit: 4}, nil, zaptest.NewLogger(t))
	defer bus.Close()
	alice, bob := agentID("alice"), agentID("bob")
	_, err := bus.Register(alice)
	require.NoError(t, err)
	_, err = bus.Register(bob)
	require.NoError(t, err)

	ctx := context.Background()
	// Fill with non-sheddable messages.
	for i := 0; i < 4; i++ {
		msg := types.NewMessage(alice, []types.AgentID{bob}, types.MessageCommand, types.PriorityHigh, "fill", nil)
		require.NoError(t, bus.Send(ctx, msg))
	}
	over := types.NewMessage(alice, []types.AgentID{bob}, types.MessageCommand, types.PriorityHigh, "fill", nil)
	assert.ErrorIs(t, bus.Send(ctx, over), ErrOverflow)
}

func TestDeregisterStopsDelivery(t *testing.T) {
	bus := newTestBus(t)
	alice, bob := agentID("alice"), agentID("bob")
	_, err := bus.Register(alice)
	require.NoError(t, err)
	_, err = bus.Register(bob)
	require.NoError(t, err)

	require.NoError(t, bus.Deregister(bob))
	msg := types.NewMessage(alice, []types.AgentID{bob}, types.MessageInform, types.PriorityNormal, "x", nil)
	assert.ErrorIs(t, bus.Send(context.Background(), msg), ErrNotRegistered)
	assert.ErrorIs(t, bus.Deregister(bob), ErrNotRegistered)
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	bus := newTestBus(t)
	alice := agentID("alice")
	_, err := bus.Register(alice)
	require.NoError(t, err)
	_, err = bus.Register(alice)
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestMetricsSnapshot(t *testing.T) {
	bus := newTestBus(t)
	alice, bob := agentID("alice"), agentID("bob")
	_, err := bus.Register(alice)
	require.NoError(t, err)
	_, err = bus.Register(bob)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		msg := types.NewMessage(alice, []types.AgentID{bob}, types.MessageInform, types.PriorityNormal, "m", nil)
		require.NoError(t, bus.Send(ctx, msg))
	}

	m := bus.Metrics()
	assert.Equal(t, int64(3), m.MessageCount)
	assert.Equal(t, 2, m.ActiveAgents)
	assert.Equal(t, 3, m.QueueSizes[bob.Key()])
	assert.Equal(t, int64(3), m.PerRecipientCounts[bob.Key()])
}

func TestReceiveBlocksUntilMessage(t *testing.T) {
	bus := newTestBus(t)
	alice, bob := agentID("alice"), agentID("bob")
	_, err := bus.Register(alice)
	require.NoError(t, err)
	mb, err := bus.Register(bob)
	require.NoError(t, err)

	ctx := context.Background()
	done := make(chan *types.Message, 1)
	go func() {
		msg, err := mb.Receive(ctx)
		if err == nil {
			done <- msg
		}
	}()

	time.Sleep(20 * time.Millisecond)
	sent := types.NewMessage(alice, []types.AgentID{bob}, types.MessageInform, types.PriorityNormal, "wake", nil)
	require.NoError(t, bus.Send(ctx, sent))

	select {
	case got := <-done:
		assert.Equal(t, sent.ID, got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("Receive did not wake")
	}
}

func TestClosedBusRejectsSends(t *testing.T) {
	bus := NewBus(Config{}, nil, zaptest.NewLogger(t))
	alice := agentID("alice")
	_, err := bus.Register(alice)
	require.NoError(t, err)
	require.NoError(t, bus.Close())

	msg := types.NewMessage(alice, nil, types.MessageInform, types.PriorityNormal, "x", nil)
	assert.ErrorIs(t, bus.Send(context.Background(), msg), ErrClosed)
	_, err = bus.Register(agentID("bob"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestConcurrentSendersSafe(t *testing.T) {
	bus := newTestBus(t)
	recipient := agentID("sink")
	mb, err := bus.Register(recipient)
	require.NoError(t, err)

	const senders = 8
	const perSender = 50
	ctx := context.Background()

	done := make(chan struct{})
	for i := 0; i < senders; i++ {
		from := agentID(fmt.Sprintf("sender-%d", i))
		_, err := bus.Register(from)
		require.NoError(t, err)
		go func(from types.AgentID) {
			defer func() { done <- struct{}{} }()
			for j := 0; j < perSender; j++ {
				msg := types.NewMessage(from, []types.AgentID{recipient}, types.MessageInform, types.PriorityNormal, "load", nil)
				_ = bus.Send(ctx, msg)
			}
		}(from)
	}
	for i := 0; i < senders; i++ {
		<-done
	}

	assert.Equal(t, senders*perSender, mb.Len())
}
