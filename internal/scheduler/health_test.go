package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/jmehdipour/jobengine/internal/model"
	"github.com/jmehdipour/jobengine/internal/repository/memory"
	"github.com/stretchr/testify/assert"
)

func TestGrade(t *testing.T) {
	th := DefaultHealthThresholds()
	tests := []struct {
		name   string
		h      Health
		want   HealthStatus
		issues int
	}{
		{"quiet", Health{}, Healthy, 0},
		{"some failures", Health{FailureRate: 0.12}, Warning, 1},
		{"many failures", Health{FailureRate: 0.30}, Critical, 1},
		{"one stuck", Health{Stuck: 1}, Warning, 1},
		{"stuck pile", Health{Stuck: 5, FailureRate: 0.11}, Critical, 2},
		{"retrying a lot", Health{AvgAttempts: 2.5}, Warning, 1},
		{"critical is sticky", Health{FailureRate: 0.5, AvgAttempts: 3}, Critical, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, issues := grade(tt.h, th)
			assert.Equal(t, tt.want, got)
			assert.Len(t, issues, tt.issues)
		})
	}
}

func TestHealthCheck_ComputesAndCaches(t *testing.T) {
	f := setup(t, Config{HealthCacheTTL: time.Minute})
	ctx := context.Background()
	now := f.clk.Now()
	for i := 0; i < 9; i++ {
		f.store.Put(model.Job{JobType: "scan", Status: model.StatusCompleted, MaxAttempts: 3, CreatedAt: now, UpdatedAt: now})
	}
	f.store.Put(model.Job{JobType: "scan", Status: model.StatusFailed, MaxAttempts: 3, CreatedAt: now, UpdatedAt: now})

	h := f.s.HealthCheck(ctx)
	assert.Equal(t, Warning, h.Status)
	assert.EqualValues(t, 10, h.Total)
	assert.InDelta(t, 0.1, h.FailureRate, 0.0001)
	assert.Equal(t, "24h0m0s", h.Window)

	for i := 0; i < 5; i++ {
		f.store.Put(model.Job{
			JobType: "scan", Status: model.StatusProcessing, MaxAttempts: 3,
			StartedAt: sql.NullTime{Time: now.Add(-time.Hour), Valid: true}, CreatedAt: now, UpdatedAt: now,
		})
	}
	assert.Equal(t, Warning, f.s.HealthCheck(ctx).Status, "served from cache")

	f.mr.FastForward(2 * time.Minute)
	h = f.s.HealthCheck(ctx)
	assert.Equal(t, Critical, h.Status)
	assert.EqualValues(t, 5, h.Stuck)
}

type brokenStats struct{ *memory.Store }

func (brokenStats) Stats(context.Context, time.Time, time.Time) (model.JobStats, error) {
	return model.JobStats{}, errors.New("connection reset")
}

func TestHealthCheck_StoreDown(t *testing.T) {
	s := New(Config{}, brokenStats{memory.New()}, nil)
	h := s.HealthCheck(context.Background())
	assert.Equal(t, Critical, h.Status)
	assert.Equal(t, []string{"job store unavailable"}, h.Issues)
}
