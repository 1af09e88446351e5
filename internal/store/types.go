package store

import (
	"encoding/json"
	"time"

	"github.com/renna-labs/stitch/pkg/schema"
)

// Run is the persisted record of one coordinated execution (whole-pipeline,
// single-step or transform-only).
type Run struct {
	ID          string           `json:"id"`
	ToolID      string           `json:"tool_id"`
	Kind        string           `json:"kind"` // pipeline, step, transform
	Status      schema.RunStatus `json:"status"`
	Payload     map[string]any   `json:"payload,omitempty"`
	StepResults json.RawMessage  `json:"step_results,omitempty"`
	Output      json.RawMessage  `json:"output,omitempty"`
	Error       string           `json:"error,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// RunFilter narrows ListRuns results.
type RunFilter struct {
	ToolID string
	Status schema.RunStatus
	Limit  int
	Offset int
}

// ScheduledRun is a cron-triggered pipeline execution registration.
type ScheduledRun struct {
	ID        string         `json:"id"`
	ToolID    string         `json:"tool_id"`
	CronExpr  string         `json:"cron_expr"`
	Payload   map[string]any `json:"payload,omitempty"`
	Enabled   bool           `json:"enabled"`
	CreatedAt time.Time      `json:"created_at"`
	LastRunAt *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt time.Time      `json:"next_run_at"`
}

// Tool persistence wraps the full tool definition as JSON.
type StoredTool struct {
	ID         string      `json:"id"`
	Definition schema.Tool `json:"definition"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}
