package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmehdipour/jobengine/internal/scheduler"
	"go.uber.org/zap"
)

// Processor runs one scheduling step; *scheduler.Scheduler implements it.
type Processor interface {
	ProcessBatch(ctx context.Context, jobType string, batchSize int) scheduler.BatchResult
}

// Runner polls one job type:
// - calls ProcessBatch in a loop on every goroutine,
// - goes straight back for more while steps do work,
// - backs off from PollInterval up to MaxIdle while the queue is empty or flagged.
type Runner struct {
	// Dependencies
	Processor Processor
	Log       *zap.Logger

	// Behavior
	JobType      string
	Workers      int           // concurrent polling goroutines
	BatchSize    int           // passed through; the scheduler executes one job per step
	PollInterval time.Duration // first idle sleep
	MaxIdle      time.Duration // idle sleep cap
}

// NewRunner builds a runner with sane defaults.
func NewRunner(p Processor, jobType string, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		Processor:    p,
		Log:          log,
		JobType:      jobType,
		Workers:      1,
		BatchSize:    1,
		PollInterval: time.Second,
		MaxIdle:      30 * time.Second,
	}
}

var errUnknownJobType = errors.New("runner: job type is not registered")

// Run blocks until ctx is cancelled and every goroutine has returned. It
// fails fast when the job type is unknown to the scheduler.
func (r *Runner) Run(ctx context.Context) error {
	if r.JobType == "" {
		return errors.New("runner: empty job type")
	}
	if r.Workers <= 0 {
		r.Workers = 1
	}
	if r.BatchSize <= 0 {
		r.BatchSize = 1
	}
	if r.PollInterval <= 0 {
		r.PollInterval = time.Second
	}
	if r.MaxIdle < r.PollInterval {
		r.MaxIdle = r.PollInterval
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	for i := 0; i < r.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := r.loop(ctx, id); err != nil {
				once.Do(func() { firstErr = err })
				cancel()
			}
		}(i)
	}

	r.Log.Info("runner started",
		zap.String("job_type", r.JobType),
		zap.Int("workers", r.Workers),
		zap.Duration("poll_interval", r.PollInterval))
	wg.Wait()
	r.Log.Info("runner stopped", zap.String("job_type", r.JobType))
	return firstErr
}

func (r *Runner) loop(ctx context.Context, id int) error {
	log := r.Log.With(zap.String("job_type", r.JobType), zap.Int("worker", id))
	idle := r.PollInterval
	for {
		if ctx.Err() != nil {
			return nil
		}
		res := r.Processor.ProcessBatch(ctx, r.JobType, r.BatchSize)
		if res.Outcome == scheduler.OutcomeUnknownType {
			return fmt.Errorf("%w: %q", errUnknownJobType, r.JobType)
		}
		if res.Busy() {
			idle = r.PollInterval
			log.Debug("step done", zap.String("outcome", string(res.Outcome)), zap.Int64("job_id", res.JobID))
			continue
		}
		if res.Outcome == scheduler.OutcomeStoreError {
			log.Warn("step failed", zap.String("reason", res.Reason))
		}

		t := time.NewTimer(idle)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		if idle *= 2; idle > r.MaxIdle {
			idle = r.MaxIdle
		}
	}
}
