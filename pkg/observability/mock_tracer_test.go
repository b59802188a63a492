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
	"testing"
)

func TestMockTracerCapturesEndedSpans(t *testing.T) {
	tracer := NewMockTracer()
	ctx := context.Background()

	ctx, parent := tracer.StartSpan(ctx, "outer", WithAttribute("key", "value"))
	_, child := tracer.StartSpan(ctx, "inner")

	if len(tracer.Spans()) != 0 {
		t.Fatal("Spans must only surface after EndSpan")
	}

	tracer.EndSpan(child)
	tracer.EndSpan(parent)

	spans := tracer.Spans()
	if len(spans) != 2 {
		t.Fatalf("Expected 2 spans, got %d", len(spans))
	}
	if spans[0].Name != "inner" || spans[1].Name != "outer" {
		t.Errorf("Expected end order inner, outer; got %q, %q", spans[0].Name, spans[1].Name)
	}
	if child.ParentID != parent.SpanID {
		t.Error("Child span not linked to parent")
	}
	if child.TraceID != parent.TraceID {
		t.Error("Child span not in parent's trace")
	}

	got := tracer.SpanNamed("outer")
	if got == nil || got.Attributes["key"] != "value" {
		t.Errorf("SpanNamed lost attributes: %v", got)
	}
	if n := len(tracer.SpansNamed("inner")); n != 1 {
		t.Errorf("Expected 1 inner span, got %d", n)
	}
	if tracer.SpanNamed("absent") != nil {
		t.Error("Expected nil for a name never traced")
	}
}

func TestMockTracerCapturesMetricsAndEvents(t *testing.T) {
	tracer := NewMockTracer()

	tracer.RecordMetric("queue.depth", 7, map[string]string{"queue": "inbox"})
	tracer.RecordEvent(context.Background(), "agent.joined", map[string]interface{}{"id": "worker:a"})

	metrics := tracer.Metrics()
	if len(metrics) != 1 || metrics[0].Name != "queue.depth" || metrics[0].Value != 7 {
		t.Errorf("Unexpected metrics: %v", metrics)
	}
	events := tracer.Events()
	if len(events) != 1 || events[0].Name != "agent.joined" {
		t.Errorf("Unexpected events: %v", events)
	}

	tracer.Reset()
	if len(tracer.Spans()) != 0 || len(tracer.Metrics()) != 0 || len(tracer.Events()) != 0 {
		t.Error("Reset must drop everything captured")
	}
}
