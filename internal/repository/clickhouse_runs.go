package repository

import (
	"context"
	"fmt"

	"github.com/jmehdipour/jobengine/internal/model"
	"github.com/jmoiron/sqlx"
)

// RunsRepository stores execution history in ClickHouse (jobengine.job_runs).
type RunsRepository interface {
	Insert(ctx context.Context, runs ...model.JobRun) error
	ListByType(ctx context.Context, jobType string, outcome model.RunOutcome, limit, offset int) ([]model.JobRun, error)
}

type chRunsRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewCHRunsRepository(ch *sqlx.DB) RunsRepository {
	return &chRunsRepository{ch: ch}
}

// Insert writes runs as one batch. clickhouse-go sends the prepared
// statement rows as a single block on commit.
func (r *chRunsRepository) Insert(ctx context.Context, runs ...model.JobRun) error {
	if len(runs) == 0 {
		return nil
	}
	tx, err := r.ch.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO jobengine.job_runs
			(job_id, job_type, outcome, attempts, duration_ms, error, started_at, finished_at)
	`)
	if err != nil {
		return fmt.Errorf("prepare job_runs batch: %w", err)
	}
	defer stmt.Close()

	for _, run := range runs {
		if _, err := stmt.ExecContext(ctx,
			run.JobID, run.JobType, string(run.Outcome), run.Attempts,
			run.DurationMs, run.Error, run.StartedAt, run.FinishedAt,
		); err != nil {
			return fmt.Errorf("append job run %d: %w", run.JobID, err)
		}
	}
	return tx.Commit()
}

func (r *chRunsRepository) ListByType(ctx context.Context, jobType string, outcome model.RunOutcome, limit, offset int) ([]model.JobRun, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	q := `
		SELECT job_id, job_type, outcome, attempts, duration_ms, error, started_at, finished_at
		FROM jobengine.job_runs
		WHERE job_type = ?
	`
	args := []any{jobType}

	if outcome != "" {
		q += " AND outcome = ?"
		args = append(args, string(outcome))
	}

	q += " ORDER BY finished_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	var rows []model.JobRun
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}
