package memory

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmehdipour/jobengine/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pending(jobType string, prio int, created time.Time) model.Job {
	return model.Job{
		JobType:     jobType,
		Status:      model.StatusPending,
		Priority:    prio,
		MaxAttempts: 3,
		CreatedAt:   created,
		UpdatedAt:   created,
	}
}

func TestLock_ExactlyOneWinner(t *testing.T) {
	s := New()
	id := s.Put(pending("scan", 50, time.Now()))

	const workers = 32
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := s.Lock(context.Background(), id, time.Now())
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 1, wins.Load())
	j, _ := s.Get(context.Background(), id)
	assert.Equal(t, model.StatusProcessing, j.Status)
	assert.True(t, j.StartedAt.Valid)
}

func TestNextEligible_Ordering(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	s.Put(pending("scan", 10, now.Add(-time.Hour)))
	older := s.Put(pending("scan", 80, now.Add(-time.Minute)))
	s.Put(pending("scan", 80, now))
	s.Put(pending("other", 100, now.Add(-2*time.Hour)))

	future := pending("scan", 100, now.Add(-3*time.Hour))
	future.ScheduledAt = sql.NullTime{Time: now.Add(time.Hour), Valid: true}
	s.Put(future)

	exhausted := pending("scan", 100, now.Add(-3*time.Hour))
	exhausted.Attempts = 3
	s.Put(exhausted)

	j, err := s.NextEligible(ctx, "scan", now)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, older, j.ID)

	none, err := s.NextEligible(ctx, "missing", now)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestTransition_RequiresFromStatus(t *testing.T) {
	s := New()
	ctx := context.Background()
	id := s.Put(pending("scan", 50, time.Now()))

	now := time.Now()

	ok, err := s.Transition(ctx, id, model.InStatus(model.StatusProcessing), model.JobUpdate{Status: model.StatusCompleted}, now)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Transition(ctx, 999, model.InStatus(model.StatusPending), model.JobUpdate{Status: model.StatusPaused}, now)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Transition(ctx, id, model.InStatus(model.StatusPending), model.JobUpdate{Status: model.StatusPaused}, now)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTransition_FencesProcessingClaim(t *testing.T) {
	s := New()
	ctx := context.Background()
	first := model.StoreTime(time.Now().Add(-time.Hour))
	second := first.Add(time.Minute)

	j := pending("scan", 50, first)
	j.Status = model.StatusProcessing
	j.StartedAt = sql.NullTime{Time: second, Valid: true}
	id := s.Put(j)

	stale := model.JobGuard{Status: model.StatusProcessing, StartedAt: &first}
	ok, err := s.Transition(ctx, id, stale, model.JobUpdate{Status: model.StatusCompleted}, second)
	require.NoError(t, err)
	assert.False(t, ok, "an older claim must not finalize the row")

	current := model.JobGuard{Status: model.StatusProcessing, StartedAt: &second}
	ok, err = s.Transition(ctx, id, current, model.JobUpdate{Status: model.StatusCompleted}, second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTransition_StampsGivenTime(t *testing.T) {
	s := New()
	id := s.Put(pending("scan", 50, time.Now()))
	at := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)

	ok, err := s.Transition(context.Background(), id, model.InStatus(model.StatusPending), model.JobUpdate{Status: model.StatusPaused}, at)
	require.NoError(t, err)
	require.True(t, ok)

	j, _ := s.Get(context.Background(), id)
	assert.Equal(t, at, j.UpdatedAt)
}

func TestStatsAndAdminOps(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	failed := pending("scan", 50, now)
	failed.Status = model.StatusFailed
	failed.Attempts = 3
	failed.ErrorMessage = sql.NullString{String: "boom", Valid: true}
	fid := s.Put(failed)

	stuck := pending("scan", 50, now)
	stuck.Status = model.StatusProcessing
	stuck.StartedAt = sql.NullTime{Time: now.Add(-20 * time.Minute), Valid: true}
	s.Put(stuck)

	old := pending("scan", 50, now.Add(-48*time.Hour))
	old.Status = model.StatusCompleted
	old.UpdatedAt = now.Add(-48 * time.Hour)
	s.Put(old)

	st, err := s.Stats(ctx, now.Add(-24*time.Hour), now.Add(-10*time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 2, st.Total())
	assert.EqualValues(t, 1, st.Stuck)
	assert.InDelta(t, 1.5, st.AvgAttempts, 0.001)

	stale, err := s.ListStale(ctx, "scan", now.Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Len(t, stale, 1)

	n, err := s.RequeueFailed(ctx, "scan", now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	j, _ := s.Get(ctx, fid)
	assert.Equal(t, model.StatusPending, j.Status)
	assert.Zero(t, j.Attempts)
	assert.False(t, j.ErrorMessage.Valid)

	n, err = s.Purge(ctx, now.Add(-24*time.Hour), []model.JobStatus{model.StatusCompleted})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = s.DeleteWhere(ctx, model.JobFilter{JobType: "scan", Statuses: []model.JobStatus{model.StatusPending}})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	counts, err := s.CountByStatus(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, map[model.JobStatus]int64{model.StatusProcessing: 1}, counts)
}
