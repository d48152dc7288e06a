package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmehdipour/jobengine/internal/model"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCHRunsRepository_InsertBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewCHRunsRepository(sqlx.NewDb(db, "clickhouse"))

	now := time.Now()
	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`INSERT INTO jobengine.job_runs`)
	prep.ExpectExec().WithArgs(int64(1), "scan", "completed", 1, int64(12), "", now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WithArgs(int64(2), "scan", "retried", 2, int64(40), "timeout", now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = repo.Insert(context.Background(),
		model.JobRun{JobID: 1, JobType: "scan", Outcome: model.OutcomeCompleted, Attempts: 1, DurationMs: 12, StartedAt: now, FinishedAt: now},
		model.JobRun{JobID: 2, JobType: "scan", Outcome: model.OutcomeRetried, Attempts: 2, DurationMs: 40, Error: "timeout", StartedAt: now, FinishedAt: now},
	)
	require.NoError(t, err)
	assert.NoError(t, repo.Insert(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCHRunsRepository_ListByTypeClampsLimit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewCHRunsRepository(sqlx.NewDb(db, "clickhouse"))

	now := time.Now()
	mock.ExpectQuery(`FROM jobengine.job_runs\s+WHERE job_type = \?\s+AND outcome = \? ORDER BY finished_at DESC LIMIT \? OFFSET \?`).
		WithArgs("scan", "failed", 50, 0).
		WillReturnRows(sqlmock.NewRows([]string{"job_id", "job_type", "outcome", "attempts", "duration_ms", "error", "started_at", "finished_at"}).
			AddRow(int64(5), "scan", "failed", 3, int64(9), "quota exceeded", now, now))

	rows, err := repo.ListByType(context.Background(), "scan", model.OutcomeFailed, 5000, -1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, model.OutcomeFailed, rows[0].Outcome)
	assert.Equal(t, "quota exceeded", rows[0].Error)
	assert.NoError(t, mock.ExpectationsWereMet())
}
