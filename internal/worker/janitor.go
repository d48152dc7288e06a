package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Purger deletes finished jobs older than a retention window.
type Purger interface {
	Purge(ctx context.Context, olderThan time.Duration) int64
}

// Janitor applies job retention on a fixed interval.
type Janitor struct {
	Purger    Purger
	Log       *zap.Logger
	Every     time.Duration
	Retention time.Duration
}

// Run purges once immediately, then every Every, until ctx is cancelled.
// A zero Retention disables the loop.
func (j *Janitor) Run(ctx context.Context) {
	if j.Retention <= 0 {
		return
	}
	if j.Log == nil {
		j.Log = zap.NewNop()
	}
	if j.Every <= 0 {
		j.Every = time.Hour
	}

	tick := time.NewTicker(j.Every)
	defer tick.Stop()
	for {
		n := j.Purger.Purge(ctx, j.Retention)
		if n > 0 {
			j.Log.Info("retention pass", zap.Int64("purged", n), zap.Duration("retention", j.Retention))
		}
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}
