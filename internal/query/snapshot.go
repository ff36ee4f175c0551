// SPDX-License-Identifier: Apache-2.0

package query

import "time"

// Snapshot aggregates a run's live buffer window. It deliberately reads only
// the buffer: once a run's window is evicted the snapshot reads empty, and
// BufferWindow lets callers tell evicted-empty from never-seen. Historical
// aggregates belong to the durable store.
type Snapshot struct {
	RunID        string         `json:"run_id"`
	TotalEvents  int            `json:"total_events"`
	ByLevel      map[string]int `json:"by_level"`
	ByStage      map[string]int `json:"by_stage"`
	ByType       map[string]int `json:"by_type"`
	FirstEvent   time.Time      `json:"first_event,omitzero"`
	LastEvent    time.Time      `json:"last_event,omitzero"`
	Duration     string         `json:"duration"`
	BufferWindow string         `json:"buffer_window"`
}

// Metrics computes the run's snapshot from the unexpired buffer contents.
func (q *Facade) Metrics(runID string) Snapshot {
	buffered := q.buffer.Read(runID, 0)

	snap := Snapshot{
		RunID:        runID,
		TotalEvents:  len(buffered),
		ByLevel:      make(map[string]int),
		ByStage:      make(map[string]int),
		ByType:       make(map[string]int),
		Duration:     "0s",
		BufferWindow: q.buffer.TTL().String(),
	}
	if len(buffered) == 0 {
		return snap
	}

	snap.FirstEvent = buffered[0].Timestamp
	snap.LastEvent = buffered[len(buffered)-1].Timestamp
	snap.Duration = snap.LastEvent.Sub(snap.FirstEvent).Round(time.Millisecond).String()

	for _, b := range buffered {
		snap.ByLevel[b.Event.Level()]++
		if stage := b.Event.Stage(); stage != "" {
			snap.ByStage[stage]++
		}
		snap.ByType[b.Event.Type()]++
	}

	return snap
}
