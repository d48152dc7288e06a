package repository

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmehdipour/jobengine/internal/event"
	"github.com/jmehdipour/jobengine/internal/model"
	"github.com/jmehdipour/jobengine/internal/outbox"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captured struct {
	mu      sync.Mutex
	changes []event.Change
}

func (c *captured) Emit(_ context.Context, ch event.Change) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changes = append(c.changes, ch)
	return nil
}

func newRepo(t *testing.T) (*JobsRepositoryImpl, sqlmock.Sqlmock, *captured) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	rec := &captured{}
	w := outbox.NewWriter(sqlx.NewDb(db, "mysql"), rec, nil)
	return NewJobsRepository(w), mock, rec
}

func q(s string) string { return regexp.QuoteMeta(s) }

var jobRowCols = []string{
	"id", "job_type", "status", "priority", "attempts", "max_attempts", "payload",
	"scheduled_at", "started_at", "completed_at", "error_message", "progress_message",
	"result_data", "created_by", "created_at", "updated_at",
}

func TestJobsRepository_InsertEmitsCreated(t *testing.T) {
	r, mock, rec := newRepo(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(q("INSERT INTO `jobs` (`attempts`, `created_at`, `created_by`, `job_type`, `max_attempts`, `payload`, `priority`, `status`, `updated_at`)")).
		WithArgs(0, now, int64(7), "scan", 3, []byte(`{"url":"x"}`), 50, "pending", now).
		WillReturnResult(sqlmock.NewResult(41, 1))
	mock.ExpectQuery(q("SELECT * FROM `jobs` WHERE `id` = ?")).
		WithArgs(int64(41)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "api_token"}).AddRow(int64(41), "pending", "s3cr3t"))
	mock.ExpectCommit()

	id, err := r.Insert(context.Background(), &model.Job{
		JobType:     "scan",
		Status:      model.StatusPending,
		Priority:    50,
		MaxAttempts: 3,
		Payload:     []byte(`{"url":"x"}`),
		CreatedBy:   7,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(41), id)

	require.Len(t, rec.changes, 1)
	assert.Equal(t, event.TypeCreated, rec.changes[0].Type)
	assert.Equal(t, int64(7), rec.changes[0].Actor)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobsRepository_LockIsConditional(t *testing.T) {
	r, mock, rec := newRepo(t)
	ctx := context.Background()
	cols := []string{"id", "status"}

	mock.ExpectBegin()
	mock.ExpectQuery(q("SELECT * FROM `jobs` WHERE `id` = ? FOR UPDATE")).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(int64(3), "pending"))
	mock.ExpectExec(q("UPDATE `jobs` SET `started_at` = ?, `status` = ?, `updated_at` = ? WHERE `id` = ? AND `status` = ?")).
		WithArgs(sqlmock.AnyArg(), "processing", sqlmock.AnyArg(), int64(3), "pending").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(q("SELECT * FROM `jobs` WHERE `id` = ?")).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(int64(3), "processing"))
	mock.ExpectCommit()

	ok, err := r.Lock(ctx, 3, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	// a second worker sees the row already claimed
	mock.ExpectBegin()
	mock.ExpectQuery(q("SELECT * FROM `jobs` WHERE `id` = ? FOR UPDATE")).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(int64(3), "processing"))
	mock.ExpectCommit()

	ok, err = r.Lock(ctx, 3, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	require.Len(t, rec.changes, 1)
	assert.Equal(t, []string{"status"}, rec.changes[0].ChangedColumns)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobsRepository_NextEligible(t *testing.T) {
	r, mock, _ := newRepo(t)
	now := time.Now()

	mock.ExpectQuery(`ORDER BY priority DESC, created_at ASC, id ASC`).
		WithArgs("scan", now).
		WillReturnRows(sqlmock.NewRows(jobRowCols).AddRow(
			int64(9), "scan", "pending", 80, 1, 3, []byte(`{}`),
			nil, nil, nil, nil, nil, []byte(""), int64(0), now, now,
		))

	j, err := r.NextEligible(context.Background(), "scan", now)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, int64(9), j.ID)
	assert.Equal(t, model.StatusPending, j.Status)
	assert.False(t, j.ScheduledAt.Valid)

	mock.ExpectQuery(`FROM jobs`).WillReturnRows(sqlmock.NewRows(jobRowCols))
	j, err = r.NextEligible(context.Background(), "scan", now)
	require.NoError(t, err)
	assert.Nil(t, j)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobsRepository_Stats(t *testing.T) {
	r, mock, _ := newRepo(t)
	since := time.Now().Add(-24 * time.Hour)
	stuck := time.Now().Add(-10 * time.Minute)

	mock.ExpectQuery(`SELECT status, COUNT\(\*\) AS n`).
		WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"status", "n"}).
			AddRow("completed", int64(8)).
			AddRow("failed", int64(2)))
	mock.ExpectQuery(`status = 'processing' AND started_at < \?`).
		WithArgs(stuck).
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(int64(1)))
	mock.ExpectQuery(`AVG\(attempts\)`).
		WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"a"}).AddRow(1.25))

	st, err := r.Stats(context.Background(), since, stuck)
	require.NoError(t, err)
	assert.EqualValues(t, 10, st.Total())
	assert.EqualValues(t, 2, st.ByStatus[model.StatusFailed])
	assert.EqualValues(t, 1, st.Stuck)
	assert.InDelta(t, 1.25, st.AvgAttempts, 0.0001)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobsRepository_PurgeEmitsAggregate(t *testing.T) {
	r, mock, rec := newRepo(t)
	cutoff := time.Now().Add(-30 * 24 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectExec(q("DELETE FROM jobs WHERE updated_at < ? AND status IN (?, ?)")).
		WithArgs(cutoff, "completed", "failed").
		WillReturnResult(sqlmock.NewResult(0, 5))
	mock.ExpectCommit()

	n, err := r.Purge(context.Background(), cutoff, []model.JobStatus{model.StatusCompleted, model.StatusFailed})
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)

	require.Len(t, rec.changes, 1)
	assert.Equal(t, event.TypeBulk, rec.changes[0].Type)
	assert.Equal(t, "purge", rec.changes[0].After["operation"])

	n, err = r.Purge(context.Background(), cutoff, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobsRepository_TransitionFencesClaim(t *testing.T) {
	r, mock, rec := newRepo(t)
	ctx := context.Background()
	started := model.StoreTime(time.Now().Add(-time.Minute))
	now := model.StoreTime(time.Now())
	cols := []string{"id", "status", "started_at"}
	guard := model.JobGuard{Status: model.StatusProcessing, StartedAt: &started}
	done := model.JobUpdate{Status: model.StatusCompleted}

	// the row was reclaimed by another worker after a stale requeue
	mock.ExpectBegin()
	mock.ExpectQuery(q("SELECT * FROM `jobs` WHERE `id` = ? FOR UPDATE")).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(int64(5), "processing", started.Add(time.Second)))
	mock.ExpectCommit()

	ok, err := r.Transition(ctx, 5, guard, done, now)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, rec.changes)

	mock.ExpectBegin()
	mock.ExpectQuery(q("SELECT * FROM `jobs` WHERE `id` = ? FOR UPDATE")).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(int64(5), "processing", started))
	mock.ExpectExec(q("UPDATE `jobs` SET `status` = ?, `updated_at` = ? WHERE `id` = ? AND `started_at` = ? AND `status` = ?")).
		WithArgs("completed", now, int64(5), started, "processing").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(q("SELECT * FROM `jobs` WHERE `id` = ?")).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(int64(5), "completed", started))
	mock.ExpectCommit()

	ok, err = r.Transition(ctx, 5, guard, done, now)
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, rec.changes, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}
