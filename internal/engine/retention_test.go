// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeRetentionStore struct {
	mu      sync.Mutex
	deleted int64
	err     error
	cutoffs []time.Time
}

func (f *fakeRetentionStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.deleted, nil
}

func (f *fakeRetentionStore) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cutoffs)
}

func TestSweepOnceReturnsDeletedCount(t *testing.T) {
	store := &fakeRetentionStore{deleted: 17}
	s := NewRetentionSweeper(store, discardLogger(), time.Hour, 30)

	deleted, err := s.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deleted != 17 {
		t.Fatalf("expected 17 deleted, got %d", deleted)
	}

	store.mu.Lock()
	cutoff := store.cutoffs[0]
	store.mu.Unlock()

	want := time.Now().Add(-30 * 24 * time.Hour)
	if diff := cutoff.Sub(want); diff < -time.Minute || diff > time.Minute {
		t.Fatalf("cutoff %s not near expected retention window", cutoff)
	}
}

func TestSweepOncePropagatesErrors(t *testing.T) {
	wantErr := errors.New("permission denied")
	s := NewRetentionSweeper(&fakeRetentionStore{err: wantErr}, discardLogger(), time.Hour, 30)

	if _, err := s.SweepOnce(context.Background()); !errors.Is(err, wantErr) {
		t.Fatalf("expected error to propagate, got %v", err)
	}
}

func TestStartRunsImmediateSweep(t *testing.T) {
	store := &fakeRetentionStore{}
	s := NewRetentionSweeper(store, discardLogger(), time.Hour, 30)

	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, time.Second, func() bool { return store.calls() == 1 })
}

func TestRetentionDefaults(t *testing.T) {
	s := NewRetentionSweeper(&fakeRetentionStore{}, nil, 0, 0)

	if s.interval != 24*time.Hour {
		t.Fatalf("expected default interval 24h, got %s", s.interval)
	}
	if s.window != 30*24*time.Hour {
		t.Fatalf("expected default window 30d, got %s", s.window)
	}
}
