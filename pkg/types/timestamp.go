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
package types

import (
	"fmt"
	"time"
)

// timestampLayout is the canonical wire format: UTC ISO-8601 with
// millisecond precision. Checksums and replay depend on this being
// byte-for-byte deterministic.
const timestampLayout = "2006-01-02T15:04:05.000Z"

// Timestamp is a time.Time that serializes deterministically.
type Timestamp struct {
	time.Time
}

// Now returns the current time as a Timestamp, truncated to milliseconds.
func Now() Timestamp {
	return At(time.Now())
}

// At converts a time.Time to a canonical Timestamp.
func At(t time.Time) Timestamp {
	return Timestamp{t.UTC().Truncate(time.Millisecond)}
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`""`), nil
	}
	return []byte(`"` + t.UTC().Format(timestampLayout) + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler. Accepts the canonical layout
// and RFC 3339 for compatibility with hand-written definitions.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return fmt.Errorf("invalid timestamp: %s", s)
	}
	s = s[1 : len(s)-1]
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range []string{timestampLayout, time.RFC3339Nano, time.RFC3339} {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC().Truncate(time.Millisecond)
			return nil
		}
	}
	return fmt.Errorf("invalid timestamp: %s", s)
}

// Before reports whether t is before other.
func (t Timestamp) Before(other Timestamp) bool {
	return t.Time.Before(other.Time)
}

// After reports whether t is after other.
func (t Timestamp) After(other Timestamp) bool {
	return t.Time.After(other.Time)
}
