// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Event is one lifecycle signal emitted by the agent pipeline. Payloads are
// free-form JSON objects; the only field the engine relies on is "type".
type Event map[string]any

func (e Event) Type() string {
	if t, ok := e["type"].(string); ok {
		return t
	}
	return ""
}

// Level returns the event's explicit level, or derives one from its type.
func (e Event) Level() string {
	if l, ok := e["level"].(string); ok && l != "" {
		return l
	}
	t := e.Type()
	switch {
	case strings.Contains(t, "error") || strings.Contains(t, "failed"):
		return LevelError
	case strings.Contains(t, "warn"):
		return LevelWarn
	default:
		return LevelInfo
	}
}

func (e Event) Stage() string {
	if s, ok := e["stage"].(string); ok {
		return s
	}
	return ""
}

func (e Event) Message() string {
	if m, ok := e["message"].(string); ok {
		return m
	}
	return e.Type()
}

const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// BufferedEvent is one entry in a run's in-memory ring. Sequence numbers come
// from a single process-wide counter, so they are unique across runs, not
// just within one.
type BufferedEvent struct {
	Sequence  int64     `json:"seq"`
	Event     Event     `json:"event"`
	Timestamp time.Time `json:"timestamp"`
}

// BatchEntry is a flattened, sanitized event ready for bulk insert into the
// durable log.
type BatchEntry struct {
	RunID          string
	CorrelationIDs []string
	Stage          string
	EventType      string
	Level          string
	Message        string
	Payload        []byte
	Source         string
}

// EventRecord is one row of the durable event log. ID is assigned by the
// store and doubles as the pagination cursor.
type EventRecord struct {
	ID             int64           `json:"id"`
	RunID          string          `json:"run_id"`
	CorrelationIDs []string        `json:"correlation_ids,omitempty"`
	Stage          string          `json:"stage,omitempty"`
	EventType      string          `json:"event_type"`
	Level          string          `json:"level"`
	Message        string          `json:"message"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Source         string          `json:"source,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}
