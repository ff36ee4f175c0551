// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/pipewatch/runfeed/internal/metrics"
)

// RetentionStore deletes durable event records older than the cutoff and
// reports how many went away.
type RetentionStore interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionSweeper deletes durable records past the retention window. Unlike
// the garbage collector this is an administrative operation: SweepOnce
// propagates errors to its caller instead of swallowing them.
type RetentionSweeper struct {
	store  RetentionStore
	logger *slog.Logger

	interval time.Duration
	window   time.Duration

	done chan struct{}
}

func NewRetentionSweeper(store RetentionStore, logger *slog.Logger, interval time.Duration, retentionDays int) *RetentionSweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if retentionDays <= 0 {
		retentionDays = 30
	}
	return &RetentionSweeper{
		store:    store,
		logger:   logger,
		interval: interval,
		window:   time.Duration(retentionDays) * 24 * time.Hour,
		done:     make(chan struct{}),
	}
}

// Start sweeps once immediately, then on every interval tick until Stop.
// Loop-context failures are logged here since there is no caller to return
// them to.
func (s *RetentionSweeper) Start(ctx context.Context) {
	go func() {
		if _, err := s.SweepOnce(ctx); err != nil {
			s.logger.Error("startup retention sweep failed", "error", err)
		}

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := s.SweepOnce(ctx); err != nil {
					s.logger.Error("retention sweep failed", "error", err)
				}
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *RetentionSweeper) Stop() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// SweepOnce deletes everything older than the retention window and returns
// the deleted count.
func (s *RetentionSweeper) SweepOnce(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-s.window)

	deleted, err := s.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	metrics.AddRetentionDeleted(deleted)
	s.logger.Info("retention sweep done",
		"deleted", deleted,
		"cutoff", cutoff,
	)
	return deleted, nil
}
