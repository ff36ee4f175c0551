// SPDX-License-Identifier: Apache-2.0

package query

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"time"

	"github.com/pipewatch/runfeed/internal/domain"
)

// csvColumns is the fixed export layout. Metadata carries whatever payload
// fields the other columns do not already show.
var csvColumns = []string{"timestamp", "level", "stage", "type", "message", "metadata"}

// Fields stripped from the metadata blob because they are exported as their
// own columns.
var exportedFields = map[string]struct{}{
	"timestamp": {},
	"level":     {},
	"stage":     {},
	"type":      {},
	"message":   {},
}

// ExportJSON returns the filtered merged view of a run as a JSON array.
func (q *Facade) ExportJSON(ctx context.Context, runID string, f Filter) ([]byte, error) {
	entries, err := q.Query(ctx, runID, f)
	if err != nil {
		return nil, err
	}
	return json.Marshal(entries)
}

// ExportCSV writes the filtered merged view of a run as CSV. encoding/csv
// quotes and escapes embedded commas, quotes, and newlines.
func (q *Facade) ExportCSV(ctx context.Context, w io.Writer, runID string, f Filter) error {
	entries, err := q.Query(ctx, runID, f)
	if err != nil {
		return err
	}
	return WriteCSV(w, entries)
}

// WriteCSV renders entries in the fixed export layout. Exposed so the CLI
// can reuse it for durable-only exports.
func WriteCSV(w io.Writer, entries []Entry) error {
	cw := csv.NewWriter(w)

	if err := cw.Write(csvColumns); err != nil {
		return err
	}

	for _, e := range entries {
		if err := cw.Write([]string{
			e.Timestamp.Format(time.RFC3339Nano),
			e.Level,
			e.Stage,
			e.Type,
			e.Message,
			metadataBlob(e.Metadata),
		}); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

// EntriesFromRecords normalizes durable records for export without going
// through a facade (no buffer, no filters). Unparseable payloads become
// stub metadata, same as in a merged query.
func EntriesFromRecords(records []domain.EventRecord) []Entry {
	entries := make([]Entry, 0, len(records))
	for _, rec := range records {
		metadata := map[string]any{}
		if len(rec.Payload) > 0 {
			if err := json.Unmarshal(rec.Payload, &metadata); err != nil {
				metadata = map[string]any{"parse_error": true}
			}
		}
		entries = append(entries, Entry{
			Timestamp: rec.CreatedAt,
			Level:     rec.Level,
			Stage:     rec.Stage,
			Type:      rec.EventType,
			Message:   rec.Message,
			RecordID:  rec.ID,
			Metadata:  metadata,
		})
	}
	return entries
}

func metadataBlob(metadata map[string]any) string {
	if len(metadata) == 0 {
		return ""
	}

	stripped := make(map[string]any, len(metadata))
	for k, v := range metadata {
		if _, exported := exportedFields[k]; exported {
			continue
		}
		stripped[k] = v
	}
	if len(stripped) == 0 {
		return ""
	}

	raw, err := json.Marshal(stripped)
	if err != nil {
		return ""
	}
	return string(raw)
}
