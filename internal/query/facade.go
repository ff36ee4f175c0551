// SPDX-License-Identifier: Apache-2.0

// Package query provides the read-only views over the live buffer and the
// durable event log: merged filtered queries, cursor-paginated listings,
// exports, and the per-run metrics snapshot.
package query

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/pipewatch/runfeed/internal/domain"
)

// durableQueryLimit bounds the durable page read into a merged query.
const durableQueryLimit = 500

const (
	defaultPageLimit = 100
	maxPageLimit     = 500
)

// BufferReader is the live window, served by the engine's event buffer.
type BufferReader interface {
	Read(runID string, sinceSeq int64) []domain.BufferedEvent
	TTL() time.Duration
}

// EventLog is the durable store's read surface.
type EventLog interface {
	ListAfterID(ctx context.Context, runID string, afterID int64, limit int) ([]domain.EventRecord, error)
}

type Facade struct {
	buffer BufferReader
	log    EventLog
	logger *slog.Logger
}

func NewFacade(buffer BufferReader, log EventLog, logger *slog.Logger) *Facade {
	if logger == nil {
		logger = slog.Default()
	}
	return &Facade{
		buffer: buffer,
		log:    log,
		logger: logger,
	}
}

// Filter selects events in a merged query. Every set field is applied as an
// independent predicate pass.
type Filter struct {
	Level  string
	Stage  string
	Type   string
	Search string
	From   time.Time
	To     time.Time
}

// Entry is one row of a merged query: either a buffered event (Sequence set)
// or a durable record (RecordID set), normalized to common columns.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Stage     string         `json:"stage,omitempty"`
	Type      string         `json:"type"`
	Message   string         `json:"message"`
	Sequence  int64          `json:"seq,omitempty"`
	RecordID  int64          `json:"record_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Query concatenates the run's unexpired buffer window with a bounded page
// of durable records (oldest first) and applies the filters to the combined
// set. A durable record whose payload no longer parses becomes a stub entry
// rather than failing the query.
func (q *Facade) Query(ctx context.Context, runID string, f Filter) ([]Entry, error) {
	buffered := q.buffer.Read(runID, 0)

	records, err := q.log.ListAfterID(ctx, runID, 0, durableQueryLimit)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(buffered)+len(records))
	for _, b := range buffered {
		entries = append(entries, entryFromBuffered(b))
	}
	for _, rec := range records {
		entries = append(entries, q.entryFromRecord(rec))
	}

	return applyFilters(entries, f), nil
}

// List is the cursor-paginated durable-only view. It over-fetches one row to
// compute hasMore without a count query.
func (q *Facade) List(ctx context.Context, runID string, sinceID int64, limit int) ([]domain.EventRecord, bool, error) {
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	records, err := q.log.ListAfterID(ctx, runID, sinceID, limit+1)
	if err != nil {
		return nil, false, err
	}

	hasMore := len(records) > limit
	if hasMore {
		records = records[:limit]
	}
	return records, hasMore, nil
}

func entryFromBuffered(b domain.BufferedEvent) Entry {
	return Entry{
		Timestamp: b.Timestamp,
		Level:     b.Event.Level(),
		Stage:     b.Event.Stage(),
		Type:      b.Event.Type(),
		Message:   b.Event.Message(),
		Sequence:  b.Sequence,
		Metadata:  map[string]any(b.Event),
	}
}

func (q *Facade) entryFromRecord(rec domain.EventRecord) Entry {
	metadata := map[string]any{}
	if len(rec.Payload) > 0 {
		if err := json.Unmarshal(rec.Payload, &metadata); err != nil {
			q.logger.Warn("unparseable durable payload, substituting stub",
				"run_id", rec.RunID,
				"record_id", rec.ID,
				"error", err,
			)
			metadata = map[string]any{"parse_error": true}
		}
	}

	return Entry{
		Timestamp: rec.CreatedAt,
		Level:     rec.Level,
		Stage:     rec.Stage,
		Type:      rec.EventType,
		Message:   rec.Message,
		RecordID:  rec.ID,
		Metadata:  metadata,
	}
}

func applyFilters(entries []Entry, f Filter) []Entry {
	if f.Level != "" {
		entries = keep(entries, func(e Entry) bool { return e.Level == f.Level })
	}
	if f.Stage != "" {
		entries = keep(entries, func(e Entry) bool { return e.Stage == f.Stage })
	}
	if f.Type != "" {
		entries = keep(entries, func(e Entry) bool { return e.Type == f.Type })
	}
	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		entries = keep(entries, func(e Entry) bool {
			return strings.Contains(strings.ToLower(e.Message), needle) ||
				strings.Contains(strings.ToLower(e.Type), needle)
		})
	}
	if !f.From.IsZero() {
		entries = keep(entries, func(e Entry) bool { return !e.Timestamp.Before(f.From) })
	}
	if !f.To.IsZero() {
		entries = keep(entries, func(e Entry) bool { return !e.Timestamp.After(f.To) })
	}
	return entries
}

func keep(entries []Entry, pred func(Entry) bool) []Entry {
	out := entries[:0:0]
	for _, e := range entries {
		if pred(e) {
			out = append(out, e)
		}
	}
	return out
}
