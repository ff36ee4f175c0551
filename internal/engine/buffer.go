// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"sync"
	"time"

	"github.com/pipewatch/runfeed/internal/domain"
)

// EventBuffer keeps a bounded, TTL-limited window of recent events per run so
// that a reconnecting observer can replay the last few seconds cheaply.
// Anything older is the durable store's job.
type EventBuffer struct {
	seq       *SequenceAllocator
	maxEvents int
	ttl       time.Duration

	mu   sync.Mutex
	runs map[string][]domain.BufferedEvent

	now func() time.Time
}

func NewEventBuffer(seq *SequenceAllocator, maxEvents int, ttl time.Duration) *EventBuffer {
	if maxEvents <= 0 {
		maxEvents = 100
	}
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &EventBuffer{
		seq:       seq,
		maxEvents: maxEvents,
		ttl:       ttl,
		runs:      make(map[string][]domain.BufferedEvent),
		now:       time.Now,
	}
}

// Append allocates a sequence for the event and stores it in the run's
// window. Both trims run inline on the touched run only: the hard size trim
// first, then a lazy TTL trim from the front.
func (b *EventBuffer) Append(runID string, ev domain.Event) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	seq := b.seq.Next()
	entries := append(b.runs[runID], domain.BufferedEvent{
		Sequence:  seq,
		Event:     ev,
		Timestamp: b.now(),
	})

	if len(entries) > b.maxEvents {
		entries = entries[len(entries)-b.maxEvents:]
	}
	entries = b.trimExpired(entries)

	b.runs[runID] = entries
	return seq
}

// Read returns the run's unexpired entries with sequence greater than
// sinceSeq, oldest first. Pass 0 to read the whole window. The returned slice
// is a copy; expired entries are skipped but not removed.
func (b *EventBuffer) Read(runID string, sinceSeq int64) []domain.BufferedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.runs[runID]
	cutoff := b.now().Add(-b.ttl)

	out := make([]domain.BufferedEvent, 0, len(entries))
	for _, e := range entries {
		if e.Sequence <= sinceSeq || e.Timestamp.Before(cutoff) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (b *EventBuffer) Clear(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.runs, runID)
}

// Stats reports the number of buffered entries per run, expired or not.
func (b *EventBuffer) Stats() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]int, len(b.runs))
	for runID, entries := range b.runs {
		out[runID] = len(entries)
	}
	return out
}

func (b *EventBuffer) RunIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, 0, len(b.runs))
	for runID := range b.runs {
		out = append(out, runID)
	}
	return out
}

// Has reports whether the run still holds any buffered entries.
func (b *EventBuffer) Has(runID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.runs[runID]) > 0
}

// TTL returns the buffer's retention window.
func (b *EventBuffer) TTL() time.Duration {
	return b.ttl
}

// SweepExpired drops expired entries from every run and removes run keys
// whose windows become empty. It returns the number of entries dropped and
// the number of runs removed.
func (b *EventBuffer) SweepExpired() (dropped, removed int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for runID, entries := range b.runs {
		trimmed := b.trimExpired(entries)
		dropped += len(entries) - len(trimmed)
		if len(trimmed) == 0 {
			delete(b.runs, runID)
			removed++
			continue
		}
		b.runs[runID] = trimmed
	}
	return dropped, removed
}

// trimExpired assumes entries are in append order, so expiry only ever
// removes a prefix. Caller holds the lock.
func (b *EventBuffer) trimExpired(entries []domain.BufferedEvent) []domain.BufferedEvent {
	cutoff := b.now().Add(-b.ttl)
	i := 0
	for i < len(entries) && entries[i].Timestamp.Before(cutoff) {
		i++
	}
	return entries[i:]
}
