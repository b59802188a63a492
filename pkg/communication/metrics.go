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
	"sync"
	"time"
)

// ewmaAlpha weights recent samples in the response-time average.
const ewmaAlpha = 0.2

// Metrics is a point-in-time view of bus health.
type Metrics struct {
	MessageCount        int64            `json:"messageCount"`
	ActiveAgents        int              `json:"activeAgents"`
	AverageResponseTime time.Duration    `json:"averageResponseTime"`
	QueueSizes          map[string]int   `json:"queueSizes"`
	FailureRate         float64          `json:"failureRate"`
	PerRecipientCounts  map[string]int64 `json:"perRecipientCounts"`
}

// busMetrics accumulates counters behind one lock; reads take a copy.
type busMetrics struct {
	mu sync.Mutex

	messageCount       int64
	perRecipientCounts map[string]int64

	responseEWMA time.Duration
	requests     int64
	timeouts     int64
}

func newBusMetrics() *busMetrics {
	return &busMetrics{perRecipientCounts: make(map[string]int64)}
}

func (m *busMetrics) recordDelivery(recipient string) {
	m.mu.Lock()
	m.messageCount++
	m.perRecipientCounts[recipient]++
	m.mu.Unlock()
}

func (m *busMetrics) recordResponse(latency time.Duration) {
	m.mu.Lock()
	m.requests++
	if m.responseEWMA == 0 {
		m.responseEWMA = latency
	} else {
		m.responseEWMA = time.Duration(ewmaAlpha*float64(latency) + (1-ewmaAlpha)*float64(m.responseEWMA))
	}
	m.mu.Unlock()
}

func (m *busMetrics) recordTimeout() {
	m.mu.Lock()
	m.requests++
	m.timeouts++
	m.mu.Unlock()
}

func (m *busMetrics) snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[string]int64, len(m.perRecipientCounts))
	for k, v := range m.perRecipientCounts {
		counts[k] = v
	}
	var failureRate float64
	if m.requests > 0 {
		failureRate = float64(m.timeouts) / float64(m.requests)
	}
	return Metrics{
		MessageCount:        m.messageCount,
		AverageResponseTime: m.responseEWMA,
		FailureRate:         failureRate,
		PerRecipientCounts:  counts,
	}
}
