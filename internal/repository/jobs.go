package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/jobengine/internal/model"
	"github.com/jmehdipour/jobengine/internal/outbox"
	"github.com/jmoiron/sqlx"
)

// JobsTable is the jobs table; changes are emitted as entity "job".
var JobsTable = outbox.Table{Name: "jobs", Entity: "job"}

// SystemActor is recorded on changes made by the scheduler itself.
const SystemActor int64 = 0

// JobsRepository is the persistence contract the scheduler depends on.
type JobsRepository interface {
	Insert(ctx context.Context, j *model.Job) (int64, error)
	Get(ctx context.Context, id int64) (*model.Job, error)

	// NextEligible returns the best pending row for jobType, or nil.
	NextEligible(ctx context.Context, jobType string, now time.Time) (*model.Job, error)

	// Lock moves id from pending to processing under a row lock.
	// Returns false when the row is no longer pending.
	Lock(ctx context.Context, id int64, now time.Time) (bool, error)

	// Transition applies upd only if the row still satisfies g. now stamps
	// updated_at.
	Transition(ctx context.Context, id int64, g model.JobGuard, upd model.JobUpdate, now time.Time) (bool, error)

	// ListStale returns processing rows started before cutoff; empty jobType matches all.
	ListStale(ctx context.Context, jobType string, cutoff time.Time) ([]model.Job, error)

	// ListExhausted returns pending rows whose attempts reached max_attempts.
	// Such rows are never eligible again and are failed by the scheduler.
	ListExhausted(ctx context.Context, jobType string) ([]model.Job, error)

	// Stats aggregates rows created since `since`; Stuck counts processing rows started before stuckBefore.
	Stats(ctx context.Context, since, stuckBefore time.Time) (model.JobStats, error)
	CountByStatus(ctx context.Context, jobType string) (map[model.JobStatus]int64, error)

	// RequeueFailed resets failed rows of jobType to pending with zero attempts.
	RequeueFailed(ctx context.Context, jobType string, now time.Time) (int64, error)
	DeleteWhere(ctx context.Context, f model.JobFilter) (int64, error)
	Purge(ctx context.Context, olderThan time.Time, statuses []model.JobStatus) (int64, error)
}

// JSON columns are coalesced so NULL scans into json.RawMessage.
const jobColumns = `id, job_type, status, priority, attempts, max_attempts,
	COALESCE(payload, '') AS payload, scheduled_at, started_at, completed_at,
	error_message, progress_message, COALESCE(result_data, '') AS result_data,
	created_by, created_at, updated_at`

// JobsRepositoryImpl is the MySQL implementation. Every row change goes
// through an outbox session so listeners see it after commit.
type JobsRepositoryImpl struct {
	db *sqlx.DB
	w  *outbox.Writer
}

func NewJobsRepository(w *outbox.Writer) *JobsRepositoryImpl {
	return &JobsRepositoryImpl{db: w.DB(), w: w}
}

var _ JobsRepository = (*JobsRepositoryImpl)(nil)

func (r *JobsRepositoryImpl) Insert(ctx context.Context, j *model.Job) (int64, error) {
	row := map[string]any{
		"job_type":     j.JobType,
		"status":       j.Status.String(),
		"priority":     j.Priority,
		"attempts":     j.Attempts,
		"max_attempts": j.MaxAttempts,
		"payload":      []byte(j.Payload),
		"created_by":   j.CreatedBy,
		"created_at":   j.CreatedAt,
		"updated_at":   j.UpdatedAt,
	}
	if j.ScheduledAt.Valid {
		row["scheduled_at"] = j.ScheduledAt.Time
	}
	id, err := r.w.Session(j.CreatedBy).Insert(ctx, JobsTable, row)
	if err != nil {
		return 0, fmt.Errorf("insert job: %w", err)
	}
	return id, nil
}

func (r *JobsRepositoryImpl) Get(ctx context.Context, id int64) (*model.Job, error) {
	var j model.Job
	err := r.db.GetContext(ctx, &j, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *JobsRepositoryImpl) NextEligible(ctx context.Context, jobType string, now time.Time) (*model.Job, error) {
	var j model.Job
	err := r.db.GetContext(ctx, &j, `
		SELECT `+jobColumns+`
		  FROM jobs
		 WHERE job_type = ?
		   AND status = 'pending'
		   AND attempts < max_attempts
		   AND (scheduled_at IS NULL OR scheduled_at <= ?)
		 ORDER BY priority DESC, created_at ASC, id ASC
		 LIMIT 1
	`, jobType, now)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select eligible job: %w", err)
	}
	return &j, nil
}

func (r *JobsRepositoryImpl) Lock(ctx context.Context, id int64, now time.Time) (bool, error) {
	return r.Transition(ctx, id, model.InStatus(model.StatusPending), model.JobUpdate{
		Status:    model.StatusProcessing,
		StartedAt: &now,
	}, now)
}

func (r *JobsRepositoryImpl) Transition(ctx context.Context, id int64, g model.JobGuard, upd model.JobUpdate, now time.Time) (bool, error) {
	ok, err := r.w.Session(SystemActor).UpdateIf(ctx, JobsTable, id, g.Conditions(), upd.Columns(now))
	if err != nil {
		return false, fmt.Errorf("transition job %d from %s: %w", id, g.Status, err)
	}
	return ok, nil
}

func (r *JobsRepositoryImpl) ListStale(ctx context.Context, jobType string, cutoff time.Time) ([]model.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE status = 'processing' AND started_at < ?`
	args := []any{cutoff}
	if jobType != "" {
		q += " AND job_type = ?"
		args = append(args, jobType)
	}
	q += " ORDER BY started_at ASC LIMIT 500"

	var rows []model.Job
	if err := r.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("select stale jobs: %w", err)
	}
	return rows, nil
}

func (r *JobsRepositoryImpl) ListExhausted(ctx context.Context, jobType string) ([]model.Job, error) {
	var rows []model.Job
	if err := r.db.SelectContext(ctx, &rows, `
		SELECT `+jobColumns+`
		  FROM jobs
		 WHERE job_type = ? AND status = 'pending' AND attempts >= max_attempts
		 LIMIT 500
	`, jobType); err != nil {
		return nil, fmt.Errorf("select exhausted jobs: %w", err)
	}
	return rows, nil
}

type statusCount struct {
	Status model.JobStatus `db:"status"`
	N      int64           `db:"n"`
}

func (r *JobsRepositoryImpl) Stats(ctx context.Context, since, stuckBefore time.Time) (model.JobStats, error) {
	st := model.JobStats{ByStatus: make(map[model.JobStatus]int64)}

	var counts []statusCount
	if err := r.db.SelectContext(ctx, &counts, `
		SELECT status, COUNT(*) AS n
		  FROM jobs
		 WHERE created_at >= ?
		 GROUP BY status
	`, since); err != nil {
		return st, fmt.Errorf("count jobs by status: %w", err)
	}
	for _, c := range counts {
		st.ByStatus[c.Status] = c.N
	}

	if err := r.db.GetContext(ctx, &st.Stuck, `
		SELECT COUNT(*) FROM jobs WHERE status = 'processing' AND started_at < ?
	`, stuckBefore); err != nil {
		return st, fmt.Errorf("count stuck jobs: %w", err)
	}

	if err := r.db.GetContext(ctx, &st.AvgAttempts, `
		SELECT COALESCE(AVG(attempts), 0) FROM jobs WHERE created_at >= ?
	`, since); err != nil {
		return st, fmt.Errorf("avg attempts: %w", err)
	}
	return st, nil
}

func (r *JobsRepositoryImpl) CountByStatus(ctx context.Context, jobType string) (map[model.JobStatus]int64, error) {
	q := `SELECT status, COUNT(*) AS n FROM jobs`
	var args []any
	if jobType != "" {
		q += " WHERE job_type = ?"
		args = append(args, jobType)
	}
	q += " GROUP BY status"

	var counts []statusCount
	if err := r.db.SelectContext(ctx, &counts, q, args...); err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	out := make(map[model.JobStatus]int64, len(counts))
	for _, c := range counts {
		out[c.Status] = c.N
	}
	return out, nil
}

func (r *JobsRepositoryImpl) RequeueFailed(ctx context.Context, jobType string, now time.Time) (int64, error) {
	return r.w.Session(SystemActor).Bulk(ctx, JobsTable.Entity, "requeue_failed", func(ctx context.Context, tx *sqlx.Tx) (int64, error) {
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs
			   SET status = 'pending', attempts = 0, scheduled_at = NULL,
			       started_at = NULL, completed_at = NULL, error_message = NULL, updated_at = ?
			 WHERE status = 'failed' AND job_type = ?
		`, now, jobType)
		if err != nil {
			return 0, fmt.Errorf("requeue failed jobs: %w", err)
		}
		return res.RowsAffected()
	})
}

func (r *JobsRepositoryImpl) DeleteWhere(ctx context.Context, f model.JobFilter) (int64, error) {
	q := `DELETE FROM jobs WHERE 1=1`
	var args []any
	if f.JobType != "" {
		q += " AND job_type = ?"
		args = append(args, f.JobType)
	}
	if len(f.Statuses) > 0 {
		in, inArgs, err := sqlx.In(" AND status IN (?)", statusStrings(f.Statuses))
		if err != nil {
			return 0, err
		}
		q += in
		args = append(args, inArgs...)
	}
	return r.w.Session(SystemActor).Bulk(ctx, JobsTable.Entity, "clear", func(ctx context.Context, tx *sqlx.Tx) (int64, error) {
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return 0, fmt.Errorf("delete jobs: %w", err)
		}
		return res.RowsAffected()
	})
}

func (r *JobsRepositoryImpl) Purge(ctx context.Context, olderThan time.Time, statuses []model.JobStatus) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	q, args, err := sqlx.In(`DELETE FROM jobs WHERE updated_at < ? AND status IN (?)`, olderThan, statusStrings(statuses))
	if err != nil {
		return 0, err
	}
	return r.w.Session(SystemActor).Bulk(ctx, JobsTable.Entity, "purge", func(ctx context.Context, tx *sqlx.Tx) (int64, error) {
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return 0, fmt.Errorf("purge jobs: %w", err)
		}
		return res.RowsAffected()
	})
}

func statusStrings(sts []model.JobStatus) []string {
	out := make([]string, len(sts))
	for i, s := range sts {
		out[i] = s.String()
	}
	return out
}
