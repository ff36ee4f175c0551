// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pipewatch/runfeed/internal/domain"
)

// StateRepository holds the one-row-per-run derived status snapshot. Writes
// are field-level merges: absent change fields keep the stored value, and a
// first write fills creation defaults.
type StateRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewStateRepository(pool *pgxpool.Pool, logger *slog.Logger) *StateRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &StateRepository{
		pool:   pool,
		logger: logger,
	}
}

// ApplyChange upserts the run's state row. Duplicate and out-of-order
// changes merge idempotently; nothing is rejected as invalid.
func (r *StateRepository) ApplyChange(ctx context.Context, change domain.StateChange) error {
	var summary []byte
	if change.Summary != nil {
		raw, err := json.Marshal(change.Summary)
		if err != nil {
			r.logger.Error("marshal run summary failed", "run_id", change.RunID, "error", err)
			return err
		}
		summary = raw
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO pipeline_state (run_id, status, stage, progress, correlation_id, last_event_id, summary)
		VALUES (
			$1,
			COALESCE($2, 'running'),
			COALESCE($3, 'planning'),
			COALESCE($4, 0),
			NULLIF($5, ''),
			NULLIF($6, ''),
			$7
		)
		ON CONFLICT (run_id) DO UPDATE SET
			status         = COALESCE($2, pipeline_state.status),
			stage          = COALESCE($3, pipeline_state.stage),
			progress       = COALESCE($4, pipeline_state.progress),
			correlation_id = COALESCE(NULLIF($5, ''), pipeline_state.correlation_id),
			last_event_id  = COALESCE(NULLIF($6, ''), pipeline_state.last_event_id),
			summary        = COALESCE($7, pipeline_state.summary),
			updated_at     = NOW()
	`,
		change.RunID,
		(*string)(change.Status),
		(*string)(change.Stage),
		change.Progress,
		change.CorrelationID,
		change.LastEventID,
		summary,
	)
	if err != nil {
		r.logger.Error("upsert pipeline state failed",
			"run_id", change.RunID,
			"error", err,
		)
		return err
	}

	return nil
}

func (r *StateRepository) GetState(ctx context.Context, runID string) (domain.PipelineState, error) {
	var (
		state         domain.PipelineState
		correlationID *string
		lastEventID   *string
	)

	err := r.pool.QueryRow(ctx, `
		SELECT run_id, status, stage, progress, correlation_id, last_event_id, summary, created_at, updated_at
		FROM pipeline_state
		WHERE run_id=$1
	`, runID).Scan(
		&state.RunID,
		&state.Status,
		&state.Stage,
		&state.Progress,
		&correlationID,
		&lastEventID,
		&state.Summary,
		&state.CreatedAt,
		&state.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PipelineState{}, domain.ErrRunStateNotFound
		}
		r.logger.Error("get pipeline state failed", "run_id", runID, "error", err)
		return domain.PipelineState{}, err
	}

	if correlationID != nil {
		state.CorrelationID = *correlationID
	}
	if lastEventID != nil {
		state.LastEventID = *lastEventID
	}

	return state, nil
}

// TerminalRunsUpdatedSince lists runs whose state is terminal and was
// updated at or after the cutoff. The garbage collector evicts their live
// buffers.
func (r *StateRepository) TerminalRunsUpdatedSince(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT run_id
		FROM pipeline_state
		WHERE status IN ($1, $2)
		  AND updated_at >= $3
	`,
		domain.RunCompleted,
		domain.RunFailed,
		cutoff,
	)
	if err != nil {
		r.logger.Error("terminal runs query failed", "error", err)
		return nil, err
	}
	defer rows.Close()

	out := make([]string, 0, 8)
	for rows.Next() {
		var runID string
		if err := rows.Scan(&runID); err != nil {
			r.logger.Error("scan terminal run failed", "error", err)
			return nil, err
		}
		out = append(out, runID)
	}

	if err := rows.Err(); err != nil {
		r.logger.Error("terminal runs iteration failed", "error", err)
		return nil, err
	}

	return out, nil
}
