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
package observability

import (
	"context"
	"sync"
	"time"
)

// MockTracer records spans, metrics, and standalone events in memory so
// tests can assert on instrumentation coverage. Safe for concurrent
// use. Only ended spans appear in the accessors.
type MockTracer struct {
	mu      sync.RWMutex
	spans   []*Span
	metrics []MetricSample
	events  []Event
}

// MetricSample is one RecordMetric call captured by the mock.
type MetricSample struct {
	Name   string
	Value  float64
	Labels map[string]string
}

// NewMockTracer creates an empty recording tracer.
func NewMockTracer() *MockTracer {
	return &MockTracer{}
}

// StartSpan creates a span; it is captured when EndSpan runs.
func (m *MockTracer) StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, *Span) {
	span := newSpan(ctx, name, opts...)
	return ContextWithSpan(ctx, span), span
}

// EndSpan finalizes the span's timing and captures it.
func (m *MockTracer) EndSpan(span *Span) {
	if span == nil {
		return
	}
	span.EndTime = time.Now()
	span.Duration = span.EndTime.Sub(span.StartTime)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.spans = append(m.spans, span)
}

// RecordMetric captures the sample.
func (m *MockTracer) RecordMetric(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = append(m.metrics, MetricSample{Name: name, Value: value, Labels: labels})
}

// RecordEvent captures the event.
func (m *MockTracer) RecordEvent(ctx context.Context, name string, attributes map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, Event{Timestamp: time.Now(), Name: name, Attributes: attributes})
}

// Flush is a no-op; everything is already in memory.
func (m *MockTracer) Flush(ctx context.Context) error {
	return nil
}

// Spans returns every ended span, oldest first.
func (m *MockTracer) Spans() []*Span {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Span, len(m.spans))
	copy(out, m.spans)
	return out
}

// SpansNamed returns the ended spans with the given name.
func (m *MockTracer) SpansNamed(name string) []*Span {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Span
	for _, span := range m.spans {
		if span.Name == name {
			out = append(out, span)
		}
	}
	return out
}

// SpanNamed returns the first ended span with the given name, or nil.
func (m *MockTracer) SpanNamed(name string) *Span {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, span := range m.spans {
		if span.Name == name {
			return span
		}
	}
	return nil
}

// Metrics returns every captured metric sample.
func (m *MockTracer) Metrics() []MetricSample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]MetricSample, len(m.metrics))
	copy(out, m.metrics)
	return out
}

// Events returns every captured standalone event.
func (m *MockTracer) Events() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Reset discards everything captured so far.
func (m *MockTracer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spans = nil
	m.metrics = nil
	m.events = nil
}

var _ Tracer = (*MockTracer)(nil)
