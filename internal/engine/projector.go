// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/pipewatch/runfeed/internal/domain"
)

// StateStore holds the derived per-run status snapshot.
type StateStore interface {
	ApplyChange(ctx context.Context, change domain.StateChange) error
	GetState(ctx context.Context, runID string) (domain.PipelineState, error)
	TerminalRunsUpdatedSince(ctx context.Context, cutoff time.Time) ([]string, error)
}

// transition is the partial state update a recognized event type implies.
// This is deliberately not a state machine: updates are independent
// field-level merges, duplicates and out-of-order events are accepted, and
// nothing is ever rejected as invalid from the current state.
type transition struct {
	status   *domain.RunStatus
	stage    *domain.Stage
	progress *int
}

var transitions = map[string]transition{
	"agent:start":            {status: statusPtr(domain.RunRunning), stage: stagePtr(domain.StagePlanning), progress: intPtr(5)},
	"agent:bridge_plan_done": {stage: stagePtr(domain.StageSpec), progress: intPtr(25)},
	"agent:spec_done":        {stage: stagePtr(domain.StageFix), progress: intPtr(50)},
	"agent:fix_done":         {stage: stagePtr(domain.StageExecute), progress: intPtr(75)},
	"agent:execute_start":    {stage: stagePtr(domain.StageExecute), progress: intPtr(80)},
	"agent:complete":         {status: statusPtr(domain.RunCompleted), stage: stagePtr(domain.StageComplete), progress: intPtr(100)},
	"agent:error":            {status: statusPtr(domain.RunFailed)},
}

// IsTransition reports whether the event type carries state meaning.
func IsTransition(eventType string) bool {
	_, ok := transitions[eventType]
	return ok
}

// StateProjector upserts per-run state from transition events. Every failure
// is logged and swallowed: a broken projection must never abort emission or
// persistence, the worst case is a stale snapshot.
type StateProjector struct {
	store  StateStore
	logger *slog.Logger
}

func NewStateProjector(store StateStore, logger *slog.Logger) *StateProjector {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateProjector{store: store, logger: logger}
}

// Project applies the event's transition, if it has one, to the run's state.
func (p *StateProjector) Project(ctx context.Context, runID string, ev domain.Event, lastEventID, correlationID string) {
	tr, ok := transitions[ev.Type()]
	if !ok {
		return
	}

	change := domain.StateChange{
		RunID:         runID,
		Status:        tr.status,
		Stage:         tr.stage,
		Progress:      tr.progress,
		CorrelationID: correlationID,
		LastEventID:   lastEventID,
		Summary:       deriveSummary(ev),
	}

	if err := p.store.ApplyChange(ctx, change); err != nil {
		p.logger.Error("state projection failed",
			"run_id", runID,
			"event_type", ev.Type(),
			"error", err,
		)
	}
}

// deriveSummary pulls the artifact names and token count out of a transition
// event, when it carries them.
func deriveSummary(ev domain.Event) *domain.RunSummary {
	var summary domain.RunSummary
	found := false

	if raw, ok := ev["artifacts"].([]any); ok {
		for _, item := range raw {
			switch a := item.(type) {
			case string:
				summary.Artifacts = append(summary.Artifacts, a)
				found = true
			case map[string]any:
				if name, ok := a["name"].(string); ok {
					summary.Artifacts = append(summary.Artifacts, name)
					found = true
				}
			}
		}
	}

	switch tokens := ev["tokensUsed"].(type) {
	case float64:
		summary.TokensUsed = int64(tokens)
		found = true
	case int:
		summary.TokensUsed = int64(tokens)
		found = true
	case int64:
		summary.TokensUsed = tokens
		found = true
	}

	if !found {
		return nil
	}
	return &summary
}

func statusPtr(s domain.RunStatus) *domain.RunStatus { return &s }
func stagePtr(s domain.Stage) *domain.Stage          { return &s }
func intPtr(n int) *int                              { return &n }
