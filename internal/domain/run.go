package domain

import (
	"encoding/json"
	"time"
)

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

type Stage string

const (
	StagePlanning Stage = "planning"
	StageSpec     Stage = "spec"
	StageFix      Stage = "fix"
	StageExecute  Stage = "execute"
	StageComplete Stage = "complete"
)

// PipelineState is the derived per-run status snapshot. One row per run,
// created on the first recognized transition event and merged field-by-field
// afterwards. Runs that never emit a transition event have no row.
type PipelineState struct {
	RunID         string          `json:"run_id"`
	Status        RunStatus       `json:"status"`
	Stage         Stage           `json:"stage"`
	Progress      int             `json:"progress"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	LastEventID   string          `json:"last_event_id,omitempty"`
	Summary       json.RawMessage `json:"summary,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// RunSummary is the small derived blob stored alongside the state row when a
// transition event carries artifacts or token usage.
type RunSummary struct {
	Artifacts  []string `json:"artifacts,omitempty"`
	TokensUsed int64    `json:"tokens_used,omitempty"`
}

// StateChange is one partial update to a run's PipelineState. Nil fields are
// left untouched on merge; the store fills creation defaults (running,
// planning, 0) for fields the first change does not set.
type StateChange struct {
	RunID         string
	Status        *RunStatus
	Stage         *Stage
	Progress      *int
	CorrelationID string
	LastEventID   string
	Summary       *RunSummary
}
