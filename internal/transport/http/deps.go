// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"

	"github.com/google/uuid"
	"github.com/pipewatch/runfeed/internal/domain"
	"github.com/pipewatch/runfeed/internal/engine"
)

// EventEmitter accepts lifecycle events from the pipeline orchestrator.
type EventEmitter interface {
	Emit(ctx context.Context, p engine.EmitParams) (int64, error)
}

// BufferAPI reads and clears the live replay window.
type BufferAPI interface {
	Read(runID string, sinceSeq int64) []domain.BufferedEvent
	ClearBuffer(runID string)
	BufferStats() map[string]int
}

// FeedSubscriber manages live observers for the SSE feed.
type FeedSubscriber interface {
	Subscribe(runID string) (uuid.UUID, <-chan engine.Delivery)
	Unsubscribe(runID string, id uuid.UUID)
}

// StateReader serves the derived per-run status snapshot.
type StateReader interface {
	State(ctx context.Context, runID string) (domain.PipelineState, error)
}

// MaintenanceRunner exposes the administrative operations.
type MaintenanceRunner interface {
	Flush(ctx context.Context) error
	SweepRetention(ctx context.Context) (int64, error)
}
