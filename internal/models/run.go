package models

import "time"

// Run statuses, as stored in aggregation_runs.status.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunCanceled  = "canceled"
)

// RunSummary is the bookkeeping row kept for every aggregation run.
type RunSummary struct {
	RunID       string     `json:"run_id"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Sources     int        `json:"sources"`
	Records     int        `json:"records"`
	Grants      int        `json:"grants"`
	Skipped     int        `json:"skipped"`
	Collisions  int        `json:"collisions"`
	DerivedKeys int        `json:"derived_keys"`
	Clients     int        `json:"clients"`
	Matches     int        `json:"matches"`
	AuditURL    string     `json:"audit_url,omitempty"`
	Error       string     `json:"error,omitempty"`
}
