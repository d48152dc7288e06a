package model

import "time"

type RunOutcome string

const (
	OutcomeCompleted RunOutcome = "completed"
	OutcomeRetried   RunOutcome = "retried"
	OutcomeFailed    RunOutcome = "failed"
	OutcomeRecovered RunOutcome = "recovered"
)

// JobRun is one execution attempt, persisted in ClickHouse job_runs.
type JobRun struct {
	JobID      int64      `db:"job_id"      json:"job_id"`
	JobType    string     `db:"job_type"    json:"job_type"`
	Outcome    RunOutcome `db:"outcome"     json:"outcome"`
	Attempts   int        `db:"attempts"    json:"attempts"`
	DurationMs int64      `db:"duration_ms" json:"duration_ms"`
	Error      string     `db:"error"       json:"error,omitempty"`
	StartedAt  time.Time  `db:"started_at"  json:"started_at"`
	FinishedAt time.Time  `db:"finished_at" json:"finished_at"`
}
