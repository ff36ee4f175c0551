// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pipewatch/runfeed/internal/domain"
	"github.com/pipewatch/runfeed/internal/metrics"
)

// BatchStore performs one bulk insert per flush.
type BatchStore interface {
	InsertBatch(ctx context.Context, entries []domain.BatchEntry) error
}

// BatchWriter defers durable writes off the live-delivery path. Entries
// accumulate in a queue that is flushed when it reaches maxSize or when the
// flush timer fires, whichever comes first. A failed flush puts the batch
// back at the front of the queue; the retry rides the next natural trigger,
// never a tight loop. Flush errors stay here — the producer already
// delivered the event live.
type BatchWriter struct {
	store    BatchStore
	logger   *slog.Logger
	maxSize  int
	interval time.Duration

	mu    sync.Mutex
	queue []domain.BatchEntry
	timer *time.Timer

	// flushMu serializes flushes so the timer path and the size path cannot
	// interleave their swap-and-insert.
	flushMu sync.Mutex
}

func NewBatchWriter(store BatchStore, logger *slog.Logger, maxSize int, interval time.Duration) *BatchWriter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &BatchWriter{
		store:    store,
		logger:   logger,
		maxSize:  maxSize,
		interval: interval,
	}
}

// Enqueue appends the entry and arranges a flush: immediately (in the
// background) once the queue reaches maxSize, otherwise after the flush
// interval unless a timer is already pending.
func (w *BatchWriter) Enqueue(entry domain.BatchEntry) {
	w.mu.Lock()
	w.queue = append(w.queue, entry)
	full := len(w.queue) >= w.maxSize

	if full {
		if w.timer != nil {
			w.timer.Stop()
			w.timer = nil
		}
	} else if w.timer == nil {
		w.timer = time.AfterFunc(w.interval, w.flushBackground)
	}
	w.mu.Unlock()

	if full {
		go w.flushBackground()
	}
}

// Len reports the current queue depth.
func (w *BatchWriter) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

func (w *BatchWriter) flushBackground() {
	_ = w.flushOnce(context.Background())
}

// flushOnce swaps out the whole queue and performs one bulk insert. On
// failure the batch is requeued at the front so a later flush retries it in
// order.
func (w *BatchWriter) flushOnce(ctx context.Context) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	batch := w.queue
	w.queue = nil
	w.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	if err := w.store.InsertBatch(ctx, batch); err != nil {
		w.logger.Error("batch flush failed, requeueing",
			"size", len(batch),
			"error", err,
		)
		metrics.IncBatchFlush("error")

		w.mu.Lock()
		requeued := make([]domain.BatchEntry, 0, len(batch)+len(w.queue))
		requeued = append(requeued, batch...)
		requeued = append(requeued, w.queue...)
		w.queue = requeued
		w.mu.Unlock()
		return err
	}

	metrics.IncBatchFlush("ok")
	metrics.ObserveBatchFlushSize(len(batch))
	w.logger.Debug("batch flushed", "size", len(batch))
	return nil
}

// Flush drains the queue completely, including entries enqueued while a
// flush is in progress. Used at shutdown and by the administrative trigger.
func (w *BatchWriter) Flush(ctx context.Context) error {
	for {
		if err := w.flushOnce(ctx); err != nil {
			return err
		}
		if w.Len() == 0 {
			return nil
		}
	}
}
