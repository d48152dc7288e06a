package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/jmehdipour/jobengine/internal/model"
	"go.uber.org/zap"
)

type HealthStatus string

const (
	Healthy  HealthStatus = "healthy"
	Warning  HealthStatus = "warning"
	Critical HealthStatus = "critical"
)

// HealthThresholds grade the aggregates. Failure rates are fractions of the
// jobs created inside the window.
type HealthThresholds struct {
	FailureRateWarn     float64 `mapstructure:"failure_rate_warn"`
	FailureRateCritical float64 `mapstructure:"failure_rate_critical"`
	StuckWarn           int64   `mapstructure:"stuck_warn"`
	StuckCritical       int64   `mapstructure:"stuck_critical"`
	AvgAttemptsWarn     float64 `mapstructure:"avg_attempts_warn"`
}

func DefaultHealthThresholds() HealthThresholds {
	return HealthThresholds{
		FailureRateWarn:     0.10,
		FailureRateCritical: 0.25,
		StuckWarn:           1,
		StuckCritical:       5,
		AvgAttemptsWarn:     2,
	}
}

type Health struct {
	Status      HealthStatus              `json:"status"`
	Counts      map[model.JobStatus]int64 `json:"counts"`
	Total       int64                     `json:"total"`
	FailureRate float64                   `json:"failure_rate"`
	Stuck       int64                     `json:"stuck"`
	AvgAttempts float64                   `json:"avg_attempts"`
	Issues      []string                  `json:"issues,omitempty"`
	Window      string                    `json:"window"`
	CheckedAt   time.Time                 `json:"checked_at"`
}

const healthCacheKey = "health"

// HealthCheck returns the aggregated job health, served from the control
// cache while it is fresh.
func (s *Scheduler) HealthCheck(ctx context.Context) Health {
	if s.ctl != nil {
		var cached Health
		hit, err := s.ctl.GetJSON(ctx, healthCacheKey, &cached)
		if err != nil {
			s.log.Warn("read health cache", zap.Error(err))
		}
		if hit {
			return cached
		}
	}

	h := s.computeHealth(ctx)
	if s.ctl != nil {
		if err := s.ctl.SetJSON(ctx, healthCacheKey, h, s.cfg.HealthCacheTTL); err != nil {
			s.log.Warn("write health cache", zap.Error(err))
		}
	}
	return h
}

func (s *Scheduler) computeHealth(ctx context.Context) Health {
	now := s.now().UTC()
	h := Health{
		Counts:    map[model.JobStatus]int64{},
		Window:    s.cfg.HealthWindow.String(),
		CheckedAt: now,
	}
	st, err := s.jobs.Stats(ctx, now.Add(-s.cfg.HealthWindow), now.Add(-s.cfg.StaleThreshold))
	if err != nil {
		s.log.Error("health stats", zap.Error(err))
		h.Status = Critical
		h.Issues = []string{"job store unavailable"}
		return h
	}

	for _, k := range model.AllStatuses {
		h.Counts[k] = st.ByStatus[k]
	}
	h.Total = st.Total()
	h.Stuck = st.Stuck
	h.AvgAttempts = st.AvgAttempts
	if h.Total > 0 {
		h.FailureRate = float64(st.ByStatus[model.StatusFailed]) / float64(h.Total)
	}

	h.Status, h.Issues = grade(h, s.cfg.Health)
	return h
}

func grade(h Health, t HealthThresholds) (HealthStatus, []string) {
	status := Healthy
	var issues []string
	raise := func(to HealthStatus, issue string) {
		issues = append(issues, issue)
		if to == Critical || status == Healthy {
			status = to
		}
	}

	switch {
	case t.FailureRateCritical > 0 && h.FailureRate >= t.FailureRateCritical:
		raise(Critical, fmt.Sprintf("failure rate %.1f%%", h.FailureRate*100))
	case t.FailureRateWarn > 0 && h.FailureRate >= t.FailureRateWarn:
		raise(Warning, fmt.Sprintf("failure rate %.1f%%", h.FailureRate*100))
	}
	switch {
	case t.StuckCritical > 0 && h.Stuck >= t.StuckCritical:
		raise(Critical, fmt.Sprintf("%d jobs stuck in processing", h.Stuck))
	case t.StuckWarn > 0 && h.Stuck >= t.StuckWarn:
		raise(Warning, fmt.Sprintf("%d jobs stuck in processing", h.Stuck))
	}
	if t.AvgAttemptsWarn > 0 && h.AvgAttempts >= t.AvgAttemptsWarn {
		raise(Warning, fmt.Sprintf("average attempts %.2f", h.AvgAttempts))
	}
	return status, issues
}
