// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/pipewatch/runfeed/internal/metrics"
)

// GarbageCollector reclaims buffer memory for runs that stopped receiving
// events: a TTL sweep over every buffered run, and eviction of runs whose
// derived state went terminal. Both sweeps are best-effort — failures are
// logged, never escalated, and never touch the hot path.
type GarbageCollector struct {
	buffer *EventBuffer
	states StateStore
	logger *slog.Logger

	interval       time.Duration
	evictionWindow time.Duration

	done chan struct{}
}

func NewGarbageCollector(buffer *EventBuffer, states StateStore, logger *slog.Logger, interval time.Duration) *GarbageCollector {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &GarbageCollector{
		buffer:         buffer,
		states:         states,
		logger:         logger,
		interval:       interval,
		evictionWindow: 24 * time.Hour,
		done:           make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called or ctx is canceled.
func (g *GarbageCollector) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				g.Sweep(ctx)
			case <-g.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (g *GarbageCollector) Stop() {
	select {
	case <-g.done:
	default:
		close(g.done)
	}
}

// Sweep runs both sweeps once. A failure in one does not block the other.
func (g *GarbageCollector) Sweep(ctx context.Context) {
	g.sweepBuffers()
	g.evictCompletedRuns(ctx)
}

func (g *GarbageCollector) sweepBuffers() {
	dropped, removed := g.buffer.SweepExpired()
	metrics.IncGCSweep("buffer")
	if dropped > 0 || removed > 0 {
		g.logger.Debug("buffer sweep done",
			"entries_dropped", dropped,
			"runs_removed", removed,
		)
	}
}

// evictCompletedRuns clears buffers for runs whose state is terminal and was
// updated recently. Once a pipeline is done, nothing tails it live anymore.
func (g *GarbageCollector) evictCompletedRuns(ctx context.Context) {
	cutoff := time.Now().Add(-g.evictionWindow)
	runIDs, err := g.states.TerminalRunsUpdatedSince(ctx, cutoff)
	if err != nil {
		g.logger.Error("completed-run eviction query failed", "error", err)
		return
	}

	metrics.IncGCSweep("eviction")

	evicted := 0
	for _, runID := range runIDs {
		if !g.buffer.Has(runID) {
			continue
		}
		g.buffer.Clear(runID)
		evicted++
	}
	if evicted > 0 {
		g.logger.Info("evicted completed runs from buffer", "count", evicted)
	}
}
