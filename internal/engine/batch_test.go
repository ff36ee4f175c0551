// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pipewatch/runfeed/internal/domain"
)

type fakeBatchStore struct {
	mu       sync.Mutex
	batches  [][]domain.BatchEntry
	failures int
}

func (f *fakeBatchStore) InsertBatch(ctx context.Context, entries []domain.BatchEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failures > 0 {
		f.failures--
		return errors.New("store unavailable")
	}

	copied := make([]domain.BatchEntry, len(entries))
	copy(copied, entries)
	f.batches = append(f.batches, copied)
	return nil
}

func (f *fakeBatchStore) flushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func (f *fakeBatchStore) allEntries() []domain.BatchEntry {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []domain.BatchEntry
	for _, b := range f.batches {
		out = append(out, b...)
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func entry(runID string, n int) domain.BatchEntry {
	return domain.BatchEntry{
		RunID:     runID,
		EventType: fmt.Sprintf("agent:e%d", n),
		Level:     domain.LevelInfo,
		Message:   fmt.Sprintf("event %d", n),
		Payload:   []byte(`{}`),
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestSizeTriggerFlushesImmediately(t *testing.T) {
	store := &fakeBatchStore{}
	w := NewBatchWriter(store, discardLogger(), 5, time.Hour)

	for i := 0; i < 5; i++ {
		w.Enqueue(entry("run-1", i))
	}

	waitFor(t, time.Second, func() bool { return store.flushCount() == 1 })

	if got := len(store.allEntries()); got != 5 {
		t.Fatalf("expected 5 entries flushed, got %d", got)
	}
	if w.Len() != 0 {
		t.Fatalf("expected empty queue after flush, got %d", w.Len())
	}
}

func TestTimerTriggerFlushesOnce(t *testing.T) {
	store := &fakeBatchStore{}
	w := NewBatchWriter(store, discardLogger(), 50, 20*time.Millisecond)

	// One below the size trigger; only the timer should fire.
	for i := 0; i < 49; i++ {
		w.Enqueue(entry("run-1", i))
	}

	waitFor(t, time.Second, func() bool { return store.flushCount() == 1 })

	// No second flush shows up after another interval.
	time.Sleep(60 * time.Millisecond)
	if got := store.flushCount(); got != 1 {
		t.Fatalf("expected exactly one flush, got %d", got)
	}
	if got := len(store.allEntries()); got != 49 {
		t.Fatalf("expected 49 entries flushed, got %d", got)
	}
}

func TestFailedFlushRequeuesInOrder(t *testing.T) {
	store := &fakeBatchStore{failures: 1}
	w := NewBatchWriter(store, discardLogger(), 50, time.Hour)

	w.Enqueue(entry("run-1", 0))
	w.Enqueue(entry("run-1", 1))

	if err := w.flushOnce(context.Background()); err == nil {
		t.Fatal("expected first flush to fail")
	}
	if store.flushCount() != 0 {
		t.Fatal("failed flush must not record a batch")
	}
	if w.Len() != 2 {
		t.Fatalf("expected batch requeued, queue len %d", w.Len())
	}

	// A later entry lands behind the requeued batch.
	w.Enqueue(entry("run-1", 2))

	if err := w.flushOnce(context.Background()); err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}

	got := store.allEntries()
	if len(got) != 3 {
		t.Fatalf("expected 3 entries after retry, got %d", len(got))
	}
	for i, e := range got {
		if want := fmt.Sprintf("agent:e%d", i); e.EventType != want {
			t.Fatalf("entry %d: expected %s, got %s", i, want, e.EventType)
		}
	}
}

func TestForcedFlushDrainsEverything(t *testing.T) {
	store := &fakeBatchStore{}
	w := NewBatchWriter(store, discardLogger(), 50, time.Hour)

	for i := 0; i < 7; i++ {
		w.Enqueue(entry("run-1", i))
	}

	if err := w.Flush(context.Background()); err != nil {
		t.Fatalf("unexpected flush error: %v", err)
	}
	if w.Len() != 0 {
		t.Fatalf("expected drained queue, got %d", w.Len())
	}
	if got := len(store.allEntries()); got != 7 {
		t.Fatalf("expected 7 entries, got %d", got)
	}
}

func TestFlushOnEmptyQueueIsNoop(t *testing.T) {
	store := &fakeBatchStore{}
	w := NewBatchWriter(store, discardLogger(), 50, time.Hour)

	if err := w.Flush(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.flushCount() != 0 {
		t.Fatal("expected no flush recorded for empty queue")
	}
}

func TestConcurrentEnqueueLosesNothing(t *testing.T) {
	store := &fakeBatchStore{}
	w := NewBatchWriter(store, discardLogger(), 10, 10*time.Millisecond)

	const producers = 4
	const perProducer = 50

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				w.Enqueue(entry(fmt.Sprintf("run-%d", p), i))
			}
		}(p)
	}
	wg.Wait()

	if err := w.Flush(context.Background()); err != nil {
		t.Fatalf("final flush failed: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		return len(store.allEntries()) == producers*perProducer
	})
}
