package model

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"
)

type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusPaused     JobStatus = "paused"
)

// AllStatuses lists every job status in display order.
var AllStatuses = []JobStatus{StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusPaused}

func (s JobStatus) String() string {
	return string(s)
}

func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusPaused:
		return true
	default:
		return false
	}
}

// Terminal reports whether no scheduler transition leaves s.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusPaused
}

// ParseJobStatus normalizes input. Returns ("", false) on unknown values.
func ParseJobStatus(s string) (JobStatus, bool) {
	st := JobStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", false
	}
	return st, true
}

const (
	MinPriority = 1
	MaxPriority = 100
)

// Job is the DB entity persisted in the jobs table.
type Job struct {
	ID              int64           `db:"id"               json:"id"`
	JobType         string          `db:"job_type"         json:"job_type"`
	Status          JobStatus       `db:"status"           json:"status"`
	Priority        int             `db:"priority"         json:"priority"`
	Attempts        int             `db:"attempts"         json:"attempts"`
	MaxAttempts     int             `db:"max_attempts"     json:"max_attempts"`
	Payload         json.RawMessage `db:"payload"          json:"payload,omitempty"`
	ScheduledAt     sql.NullTime    `db:"scheduled_at"     json:"-"`
	StartedAt       sql.NullTime    `db:"started_at"       json:"-"`
	CompletedAt     sql.NullTime    `db:"completed_at"     json:"-"`
	ErrorMessage    sql.NullString  `db:"error_message"    json:"-"`
	ProgressMessage sql.NullString  `db:"progress_message" json:"-"`
	ResultData      json.RawMessage `db:"result_data"      json:"result_data,omitempty"`
	CreatedBy       int64           `db:"created_by"       json:"created_by"`
	CreatedAt       time.Time       `db:"created_at"       json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"       json:"updated_at"`
}

// CanRetry reports whether another attempt fits under the ceiling.
func (j *Job) CanRetry() bool {
	return j.Attempts < j.MaxAttempts
}

// Eligible mirrors the scheduler's selection predicate.
func (j *Job) Eligible(now time.Time) bool {
	if j.Status != StatusPending || !j.CanRetry() {
		return false
	}
	return !j.ScheduledAt.Valid || !j.ScheduledAt.Time.After(now)
}

// StoreTime normalises t to what a DATETIME(6) column holds, so a value
// read back compares equal to the one written.
func StoreTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// JobGuard is the state a conditional write expects the row to still hold.
// StartedAt, when set, fences a processing row to a single claim.
type JobGuard struct {
	Status    JobStatus
	StartedAt *time.Time
}

// InStatus guards on status alone.
func InStatus(s JobStatus) JobGuard { return JobGuard{Status: s} }

// Claimed guards on j's current status and, for a processing row, on the
// claim that started it.
func Claimed(j *Job) JobGuard {
	g := JobGuard{Status: j.Status}
	if j.Status == StatusProcessing && j.StartedAt.Valid {
		t := StoreTime(j.StartedAt.Time)
		g.StartedAt = &t
	}
	return g
}

// Conditions renders the guard as column -> expected value.
func (g JobGuard) Conditions() map[string]any {
	cond := map[string]any{"status": g.Status.String()}
	if g.StartedAt != nil {
		cond["started_at"] = *g.StartedAt
	}
	return cond
}

// Holds reports whether j satisfies the guard.
func (g JobGuard) Holds(j *Job) bool {
	if j.Status != g.Status {
		return false
	}
	if g.StartedAt == nil {
		return true
	}
	return j.StartedAt.Valid && j.StartedAt.Time.Equal(*g.StartedAt)
}

// JobUpdate is the set of columns the scheduler writes on a transition.
// Nil pointers leave the column untouched.
type JobUpdate struct {
	Status          JobStatus
	Attempts        *int
	ScheduledAt     *time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	ErrorMessage    *string
	ProgressMessage *string
	ResultData      json.RawMessage
}

// Apply copies the update onto j in memory.
func (u JobUpdate) Apply(j *Job, now time.Time) {
	if u.Status != "" {
		j.Status = u.Status
	}
	if u.Attempts != nil {
		j.Attempts = *u.Attempts
	}
	if u.ScheduledAt != nil {
		j.ScheduledAt = sql.NullTime{Time: *u.ScheduledAt, Valid: true}
	}
	if u.StartedAt != nil {
		j.StartedAt = sql.NullTime{Time: *u.StartedAt, Valid: true}
	}
	if u.CompletedAt != nil {
		j.CompletedAt = sql.NullTime{Time: *u.CompletedAt, Valid: true}
	}
	if u.ErrorMessage != nil {
		j.ErrorMessage = sql.NullString{String: *u.ErrorMessage, Valid: true}
	}
	if u.ProgressMessage != nil {
		j.ProgressMessage = sql.NullString{String: *u.ProgressMessage, Valid: true}
	}
	if u.ResultData != nil {
		j.ResultData = u.ResultData
	}
	j.UpdatedAt = now
}

// Columns returns the update as column -> value, status first.
func (u JobUpdate) Columns(now time.Time) map[string]any {
	cols := map[string]any{"updated_at": now}
	if u.Status != "" {
		cols["status"] = u.Status.String()
	}
	if u.Attempts != nil {
		cols["attempts"] = *u.Attempts
	}
	if u.ScheduledAt != nil {
		cols["scheduled_at"] = *u.ScheduledAt
	}
	if u.StartedAt != nil {
		cols["started_at"] = *u.StartedAt
	}
	if u.CompletedAt != nil {
		cols["completed_at"] = *u.CompletedAt
	}
	if u.ErrorMessage != nil {
		cols["error_message"] = truncate(*u.ErrorMessage, 2000)
	}
	if u.ProgressMessage != nil {
		cols["progress_message"] = truncate(*u.ProgressMessage, 500)
	}
	if u.ResultData != nil {
		cols["result_data"] = []byte(u.ResultData)
	}
	return cols
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// JobStats is the raw aggregate behind the health check.
type JobStats struct {
	ByStatus    map[JobStatus]int64 `json:"by_status"`
	Stuck       int64               `json:"stuck"`
	AvgAttempts float64             `json:"avg_attempts"`
}

// Total sums all status counts.
func (s JobStats) Total() int64 {
	var n int64
	for _, c := range s.ByStatus {
		n += c
	}
	return n
}

// JobFilter narrows admin queries; empty fields match everything.
type JobFilter struct {
	JobType  string
	Statuses []JobStatus
}
