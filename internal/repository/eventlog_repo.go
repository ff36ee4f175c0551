// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pipewatch/runfeed/internal/domain"
)

// EventLogRepository is the durable, append-only event log. Rows get a
// BIGSERIAL identity that doubles as the pagination cursor.
type EventLogRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewEventLogRepository(pool *pgxpool.Pool, logger *slog.Logger) *EventLogRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &EventLogRepository{
		pool:   pool,
		logger: logger,
	}
}

// InsertBatch bulk-inserts one flushed batch via COPY.
func (r *EventLogRepository) InsertBatch(ctx context.Context, entries []domain.BatchEntry) error {
	if len(entries) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []any{
			e.RunID,
			e.CorrelationIDs,
			nullable(e.Stage),
			e.EventType,
			e.Level,
			e.Message,
			e.Payload,
			nullable(e.Source),
		})
	}

	_, err := r.pool.CopyFrom(ctx,
		pgx.Identifier{"pipeline_events"},
		[]string{"run_id", "correlation_ids", "stage", "event_type", "level", "message", "payload", "source"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		r.logger.Error("bulk insert events failed",
			"size", len(entries),
			"error", err,
		)
		return err
	}

	return nil
}

// ListAfterID returns up to limit records for the run with id greater than
// afterID, oldest first.
func (r *EventLogRepository) ListAfterID(ctx context.Context, runID string, afterID int64, limit int) ([]domain.EventRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, run_id, correlation_ids, stage, event_type, level, message, payload, source, created_at
		FROM pipeline_events
		WHERE run_id=$1
		  AND id > $2
		ORDER BY id ASC
		LIMIT $3
	`,
		runID,
		afterID,
		limit,
	)
	if err != nil {
		r.logger.Error("list events query failed",
			"run_id", runID,
			"after_id", afterID,
			"error", err,
		)
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.EventRecord, 0, 16)
	for rows.Next() {
		var (
			rec    domain.EventRecord
			stage  *string
			source *string
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.RunID,
			&rec.CorrelationIDs,
			&stage,
			&rec.EventType,
			&rec.Level,
			&rec.Message,
			&rec.Payload,
			&source,
			&rec.CreatedAt,
		); err != nil {
			r.logger.Error("scan event row failed",
				"run_id", runID,
				"error", err,
			)
			return nil, err
		}
		if stage != nil {
			rec.Stage = *stage
		}
		if source != nil {
			rec.Source = *source
		}
		out = append(out, rec)
	}

	if err := rows.Err(); err != nil {
		r.logger.Error("events rows iteration failed",
			"run_id", runID,
			"error", err,
		)
		return nil, err
	}

	return out, nil
}

// DeleteOlderThan removes records created before the cutoff and returns how
// many went away.
func (r *EventLogRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	cmd, err := r.pool.Exec(ctx, `
		DELETE FROM pipeline_events
		WHERE created_at < $1
	`, cutoff)
	if err != nil {
		r.logger.Error("retention delete failed",
			"cutoff", cutoff,
			"error", err,
		)
		return 0, err
	}

	return cmd.RowsAffected(), nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
