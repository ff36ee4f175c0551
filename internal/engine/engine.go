// SPDX-License-Identifier: Apache-2.0

// Package engine is the event broadcast and durable-log core of the pipeline
// dashboard. It receives lifecycle events from running agent pipelines, fans
// them out to live observers, buffers a short replay window, batches a
// sanitized audit trail into the durable store, and derives a per-run status
// snapshot.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pipewatch/runfeed/internal/domain"
	"github.com/pipewatch/runfeed/internal/metrics"
)

// Event types that are delivered live but never persisted. These are
// high-frequency stream chatter with no audit value.
var ignoredForPersist = map[string]struct{}{
	"agent:ping":         {},
	"agent:stream_delta": {},
}

const oversizeWarningType = "system:payload_oversize"

type Deps struct {
	Batch     BatchStore
	States    StateStore
	Retention RetentionStore
	Logger    *slog.Logger

	BatchFlushInterval time.Duration
	BatchMaxSize       int
	BufferTTL          time.Duration
	BufferMaxEvents    int
	GCInterval         time.Duration
	RetentionInterval  time.Duration
	RetentionDays      int
	PayloadMaxBytes    int
	ToolOutputMaxBytes int
}

// Engine owns all runs of one process. Construct with New, call Start to run
// the background sweeps, and Shutdown to drain.
type Engine struct {
	logger *slog.Logger

	seq       *SequenceAllocator
	buffer    *EventBuffer
	redactor  *Redactor
	batch     *BatchWriter
	projector *StateProjector
	publisher *PublishChannel
	gc        *GarbageCollector
	retention *RetentionSweeper
	states    StateStore

	payloadMax int
	closed     atomic.Bool
}

func New(deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	payloadMax := deps.PayloadMaxBytes
	if payloadMax <= 0 {
		payloadMax = 10_000
	}

	seq := &SequenceAllocator{}
	buffer := NewEventBuffer(seq, deps.BufferMaxEvents, deps.BufferTTL)

	return &Engine{
		logger:     logger,
		seq:        seq,
		buffer:     buffer,
		redactor:   NewRedactor(payloadMax, deps.ToolOutputMaxBytes),
		batch:      NewBatchWriter(deps.Batch, logger, deps.BatchMaxSize, deps.BatchFlushInterval),
		projector:  NewStateProjector(deps.States, logger),
		publisher:  NewPublishChannel(logger),
		gc:         NewGarbageCollector(buffer, deps.States, logger, deps.GCInterval),
		retention:  NewRetentionSweeper(deps.Retention, logger, deps.RetentionInterval, deps.RetentionDays),
		states:     deps.States,
		payloadMax: payloadMax,
	}
}

// Start launches the background sweeps. The request path works without it;
// tests drive the sweeps directly.
func (e *Engine) Start(ctx context.Context) {
	e.gc.Start(ctx)
	e.retention.Start(ctx)
	e.logger.Info("engine started")
}

// Shutdown stops the sweeps, force-flushes the queued batch, and closes the
// live channels, in that order.
func (e *Engine) Shutdown(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	e.gc.Stop()
	e.retention.Stop()

	if err := e.batch.Flush(ctx); err != nil {
		e.publisher.Close()
		return fmt.Errorf("final batch flush: %w", err)
	}

	e.publisher.Close()
	e.logger.Info("engine shut down")
	return nil
}

// EmitParams carries one lifecycle event from the pipeline orchestrator.
type EmitParams struct {
	RunID          string
	Event          domain.Event
	CorrelationIDs []string
	Source         string

	// SkipPersist delivers the event live without writing it to the durable
	// log, regardless of its type.
	SkipPersist bool
}

// Emit runs the full intake path: oversize check, sequence + buffer append,
// live publish, persistence filter, state projection. The returned sequence
// is the event's resume cursor for this process lifetime. Persistence and
// projection failures never surface here — the live feed must not stop for
// them.
func (e *Engine) Emit(ctx context.Context, p EmitParams) (int64, error) {
	if e.closed.Load() {
		return 0, domain.ErrEngineClosed
	}
	if p.RunID == "" {
		return 0, fmt.Errorf("emit: empty run id")
	}
	if p.Event.Type() == "" {
		return 0, domain.ErrMissingEventType
	}

	if size := payloadSize(p.Event); size > e.payloadMax {
		e.emitOversizeWarning(p.RunID, p.Event.Type(), size)
	}

	seq := e.buffer.Append(p.RunID, p.Event)
	e.publisher.Publish(Delivery{
		RunID:     p.RunID,
		Sequence:  seq,
		Event:     p.Event,
		Timestamp: time.Now(),
	})

	metrics.IncEventEmitted(p.Event.Level())
	e.updateBufferGauge()

	if !p.SkipPersist {
		if _, ignored := ignoredForPersist[p.Event.Type()]; !ignored {
			e.batch.Enqueue(e.toBatchEntry(p))
		}
	}

	e.projector.Project(ctx, p.RunID, p.Event, strconv.FormatInt(seq, 10), firstCorrelationID(p.CorrelationIDs))

	return seq, nil
}

// emitOversizeWarning buffers and publishes a synthetic warning so operators
// see the oversized payload immediately. The warning itself is never
// persisted; the original event still flows through the normal path, where
// the redactor truncates it for the audit trail.
func (e *Engine) emitOversizeWarning(runID, eventType string, size int) {
	warning := domain.Event{
		"type":       oversizeWarningType,
		"level":      domain.LevelWarn,
		"message":    fmt.Sprintf("payload of %s exceeds %d bytes (%d)", eventType, e.payloadMax, size),
		"eventType":  eventType,
		"sizeBytes":  size,
		"limitBytes": e.payloadMax,
	}

	seq := e.buffer.Append(runID, warning)
	e.publisher.Publish(Delivery{
		RunID:     runID,
		Sequence:  seq,
		Event:     warning,
		Timestamp: time.Now(),
	})

	metrics.IncOversizeWarning()
	e.logger.Warn("oversized event payload",
		"run_id", runID,
		"event_type", eventType,
		"size_bytes", size,
	)
}

func (e *Engine) toBatchEntry(p EmitParams) domain.BatchEntry {
	sanitized := e.redactor.Sanitize(p.Event)
	payload, err := json.Marshal(sanitized)
	if err != nil {
		// Events arrive as decoded JSON, so this should not happen; persist
		// the failure marker rather than dropping the record.
		e.logger.Error("marshal sanitized payload failed",
			"run_id", p.RunID,
			"event_type", p.Event.Type(),
			"error", err,
		)
		payload = []byte(`{"marshal_error":true}`)
	}

	return domain.BatchEntry{
		RunID:          p.RunID,
		CorrelationIDs: p.CorrelationIDs,
		Stage:          p.Event.Stage(),
		EventType:      p.Event.Type(),
		Level:          p.Event.Level(),
		Message:        p.Event.Message(),
		Payload:        payload,
		Source:         p.Source,
	}
}

// Read returns the run's buffered events after sinceSeq; 0 reads the whole
// window.
func (e *Engine) Read(runID string, sinceSeq int64) []domain.BufferedEvent {
	return e.buffer.Read(runID, sinceSeq)
}

// Subscribe registers a live observer for the run.
func (e *Engine) Subscribe(runID string) (uuid.UUID, <-chan Delivery) {
	return e.publisher.Subscribe(runID)
}

func (e *Engine) Unsubscribe(runID string, id uuid.UUID) {
	e.publisher.Unsubscribe(runID, id)
}

// State returns the run's derived status snapshot.
func (e *Engine) State(ctx context.Context, runID string) (domain.PipelineState, error) {
	return e.states.GetState(ctx, runID)
}

// ClearBuffer drops the run's live window. Durable records are unaffected.
func (e *Engine) ClearBuffer(runID string) {
	e.buffer.Clear(runID)
	e.updateBufferGauge()
}

// BufferStats reports buffered entry counts per run.
func (e *Engine) BufferStats() map[string]int {
	return e.buffer.Stats()
}

// Buffer exposes the live window to the query facade.
func (e *Engine) Buffer() *EventBuffer {
	return e.buffer
}

// Flush forces the batch writer to drain, independent of its triggers.
func (e *Engine) Flush(ctx context.Context) error {
	return e.batch.Flush(ctx)
}

// SweepRetention runs one administrative retention sweep; the error goes
// back to the caller.
func (e *Engine) SweepRetention(ctx context.Context) (int64, error) {
	return e.retention.SweepOnce(ctx)
}

func (e *Engine) updateBufferGauge() {
	total := 0
	for _, n := range e.buffer.Stats() {
		total += n
	}
	metrics.SetBufferedEvents(total)
}

func payloadSize(ev domain.Event) int {
	raw, err := json.Marshal(ev)
	if err != nil {
		return 0
	}
	return len(raw)
}

func firstCorrelationID(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}
