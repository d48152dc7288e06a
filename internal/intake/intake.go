// Package intake enqueues jobs from a Kafka topic of model.EnqueueRequest
// messages.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmehdipour/jobengine/internal/kafka"
	"github.com/jmehdipour/jobengine/internal/metrics"
	"github.com/jmehdipour/jobengine/internal/model"
	"github.com/jmehdipour/jobengine/internal/scheduler"
	"go.uber.org/zap"
)

// Source is the subset of *kafka.Consumer the intake needs.
type Source interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, m kafka.Message) error
}

type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload json.RawMessage, opts ...scheduler.EnqueueOption) (int64, error)
}

// Intake:
// - fetches enqueue requests from Kafka,
// - enqueues each through the scheduler,
// - commits after the row is written (at-least-once).
type Intake struct {
	Source    Source
	Scheduler Enqueuer
	Log       *zap.Logger

	Retries    int           // store errors retried per message before it is skipped
	RetryDelay time.Duration // base delay between retries
}

func New(src Source, s Enqueuer, log *zap.Logger) *Intake {
	if log == nil {
		log = zap.NewNop()
	}
	return &Intake{Source: src, Scheduler: s, Log: log, Retries: 3, RetryDelay: 200 * time.Millisecond}
}

// Run blocks until ctx is cancelled.
func (in *Intake) Run(ctx context.Context) error {
	for {
		m, err := in.Source.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			in.Log.Warn("intake fetch", zap.Error(err))
			if !sleep(ctx, in.RetryDelay) {
				return nil
			}
			continue
		}
		in.Handle(ctx, m)
	}
}

// Handle processes one message and commits it unless ctx ends mid-way.
func (in *Intake) Handle(ctx context.Context, m kafka.Message) {
	log := in.Log.With(zap.String("topic", m.Topic), zap.Int("partition", m.Partition), zap.Int64("offset", m.Offset))

	var req model.EnqueueRequest
	if err := json.Unmarshal(m.Value, &req); err != nil || req.JobType == "" {
		// poison → commit, skip
		if err != nil {
			log.Warn("bad enqueue request json", zap.Error(err))
		} else {
			log.Warn("enqueue request missing job_type")
		}
		metrics.JobsTotal.WithLabelValues("intake_rejected", "").Inc()
		in.commit(ctx, m, log)
		return
	}

	opts := []scheduler.EnqueueOption{scheduler.WithCreatedBy(req.CreatedBy)}
	if req.Priority != 0 {
		opts = append(opts, scheduler.WithPriority(req.Priority))
	}
	if req.MaxAttempts != 0 {
		opts = append(opts, scheduler.WithMaxAttempts(req.MaxAttempts))
	}
	if req.DelaySec > 0 {
		opts = append(opts, scheduler.WithDelay(time.Duration(req.DelaySec)*time.Second))
	}

	for attempt := 0; ; attempt++ {
		id, err := in.Scheduler.Enqueue(ctx, req.JobType, req.Payload, opts...)
		if err == nil {
			log.Debug("job enqueued from intake", zap.Int64("job_id", id), zap.String("job_type", req.JobType))
			break
		}
		var ve *scheduler.ValidationError
		if errors.As(err, &ve) || errors.Is(err, scheduler.ErrUnknownJobType) {
			log.Warn("enqueue request rejected", zap.String("job_type", req.JobType), zap.Error(err))
			metrics.JobsTotal.WithLabelValues("intake_rejected", req.JobType).Inc()
			break
		}
		if attempt >= in.Retries {
			log.Error("enqueue request dropped", zap.String("job_type", req.JobType), zap.Int("attempts", attempt+1), zap.Error(err))
			metrics.JobsTotal.WithLabelValues("intake_dropped", req.JobType).Inc()
			break
		}
		if !sleep(ctx, scheduler.Backoff(in.RetryDelay, 5*time.Second, attempt)) {
			return
		}
	}
	in.commit(ctx, m, log)
}

func (in *Intake) commit(ctx context.Context, m kafka.Message, log *zap.Logger) {
	if err := in.Source.Commit(ctx, m); err != nil {
		log.Warn("intake commit", zap.Error(err))
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
