package scheduler

import (
	"context"
	"time"

	"github.com/jmehdipour/jobengine/internal/control"
	"github.com/jmehdipour/jobengine/internal/model"
	"go.uber.org/zap"
)

// Admin operations report booleans and counts; failures are logged.

// Stop raises the stop flag for jobType. Executions already running finish.
func (s *Scheduler) Stop(ctx context.Context, jobType string) bool {
	return s.raise(ctx, jobType, control.SignalStop)
}

// Pause raises the pause flag for jobType.
func (s *Scheduler) Pause(ctx context.Context, jobType string) bool {
	return s.raise(ctx, jobType, control.SignalPause)
}

// Resume clears any stop or pause flag for jobType.
func (s *Scheduler) Resume(ctx context.Context, jobType string) bool {
	if s.ctl == nil {
		return false
	}
	if _, ok := s.widget(jobType); !ok {
		return false
	}
	if _, err := s.ctl.Clear(ctx, jobType); err != nil {
		s.log.Error("clear control flag", zap.String("job_type", jobType), zap.Error(err))
		return false
	}
	s.log.Info("job type resumed", zap.String("job_type", jobType))
	return true
}

func (s *Scheduler) raise(ctx context.Context, jobType string, sig control.Signal) bool {
	if s.ctl == nil {
		return false
	}
	if _, ok := s.widget(jobType); !ok {
		return false
	}
	if err := s.ctl.Raise(ctx, jobType, sig); err != nil {
		s.log.Error("raise control flag", zap.String("job_type", jobType), zap.String("signal", string(sig)), zap.Error(err))
		return false
	}
	s.log.Info("job type flagged", zap.String("job_type", jobType), zap.String("signal", string(sig)))
	return true
}

// RetryFailed moves every failed job of jobType back to pending with its
// attempts reset. Returns the number of rows requeued.
func (s *Scheduler) RetryFailed(ctx context.Context, jobType string) int64 {
	if _, err := Next(model.StatusFailed, TriggerRequeue); err != nil {
		return 0
	}
	n, err := s.jobs.RequeueFailed(ctx, jobType, s.now().UTC())
	if err != nil {
		s.log.Error("requeue failed jobs", zap.String("job_type", jobType), zap.Error(err))
		return 0
	}
	s.log.Info("failed jobs requeued", zap.String("job_type", jobType), zap.Int64("count", n))
	return n
}

// Clear deletes jobs of jobType in the given statuses (completed and failed
// when none are given). Processing rows are never deleted.
func (s *Scheduler) Clear(ctx context.Context, jobType string, statuses ...model.JobStatus) int64 {
	if len(statuses) == 0 {
		statuses = []model.JobStatus{model.StatusCompleted, model.StatusFailed}
	}
	keep := statuses[:0:0]
	for _, st := range statuses {
		if st.Valid() && st != model.StatusProcessing {
			keep = append(keep, st)
		}
	}
	if len(keep) == 0 {
		return 0
	}
	n, err := s.jobs.DeleteWhere(ctx, model.JobFilter{JobType: jobType, Statuses: keep})
	if err != nil {
		s.log.Error("clear jobs", zap.String("job_type", jobType), zap.Error(err))
		return 0
	}
	s.log.Info("jobs cleared", zap.String("job_type", jobType), zap.Int64("count", n))
	return n
}

// Cancel pauses job id if it is pending or processing. A processing job is
// not interrupted; its final write loses the conditional update.
func (s *Scheduler) Cancel(ctx context.Context, id int64) bool {
	msg := "cancelled"
	for _, from := range Sources(TriggerCancel) {
		to, _ := Next(from, TriggerCancel)
		ok, err := s.jobs.Transition(ctx, id, model.InStatus(from), model.JobUpdate{Status: to, ErrorMessage: &msg}, s.now().UTC())
		if err != nil {
			s.log.Error("cancel job", zap.Int64("job_id", id), zap.Error(err))
			return false
		}
		if ok {
			s.log.Info("job cancelled", zap.Int64("job_id", id), zap.String("from", from.String()))
			return true
		}
	}
	return false
}

// Progress records message on a processing job. Widgets reach it through
// widget.ReportProgress.
func (s *Scheduler) Progress(ctx context.Context, id int64, message string) bool {
	ctx = context.WithoutCancel(ctx)
	to, _ := Next(model.StatusProcessing, TriggerProgress)
	ok, err := s.jobs.Transition(ctx, id, model.InStatus(model.StatusProcessing), model.JobUpdate{Status: to, ProgressMessage: &message}, s.now().UTC())
	if err != nil {
		s.log.Warn("record progress", zap.Int64("job_id", id), zap.Error(err))
		return false
	}
	return ok
}

// Status is the admin view of one job type.
type Status struct {
	JobType    string                    `json:"job_type"`
	Registered bool                      `json:"registered"`
	Signal     control.Signal            `json:"signal,omitempty"`
	Counts     map[model.JobStatus]int64 `json:"counts"`
}

func (s *Scheduler) Status(ctx context.Context, jobType string) Status {
	_, registered := s.widget(jobType)
	st := Status{JobType: jobType, Registered: registered, Counts: map[model.JobStatus]int64{}}
	for _, k := range model.AllStatuses {
		st.Counts[k] = 0
	}
	counts, err := s.jobs.CountByStatus(ctx, jobType)
	if err != nil {
		s.log.Error("count jobs", zap.String("job_type", jobType), zap.Error(err))
	}
	for k, v := range counts {
		st.Counts[k] = v
	}
	st.Signal = s.signal(ctx, jobType)
	return st
}

// Purge deletes finished jobs not updated for olderThan. Paused rows are
// kept unless the scheduler is configured to include them.
func (s *Scheduler) Purge(ctx context.Context, olderThan time.Duration) int64 {
	if olderThan <= 0 {
		return 0
	}
	statuses := []model.JobStatus{model.StatusCompleted, model.StatusFailed}
	if s.cfg.RetentionIncludePaused {
		statuses = append(statuses, model.StatusPaused)
	}
	n, err := s.jobs.Purge(ctx, s.now().UTC().Add(-olderThan), statuses)
	if err != nil {
		s.log.Error("purge jobs", zap.Error(err))
		return 0
	}
	s.log.Info("jobs purged", zap.Int64("count", n), zap.Duration("older_than", olderThan))
	return n
}

// Discover asks the widget for candidate items and enqueues each valid one
// with the widget defaults. Invalid items are logged and skipped.
func (s *Scheduler) Discover(ctx context.Context, jobType string, opts ...EnqueueOption) (int, error) {
	w, ok := s.widget(jobType)
	if !ok {
		return 0, ErrUnknownJobType
	}
	items, err := w.DiscoverItems(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, it := range items {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if _, err := s.Enqueue(ctx, jobType, it, opts...); err != nil {
			s.log.Warn("discovered item rejected", zap.String("job_type", jobType), zap.Error(err))
			continue
		}
		n++
	}
	s.log.Info("discovery finished", zap.String("job_type", jobType), zap.Int("found", len(items)), zap.Int("enqueued", n))
	return n, nil
}

// Job returns the job row, or nil when id is unknown.
func (s *Scheduler) Job(ctx context.Context, id int64) (*model.Job, error) {
	return s.jobs.Get(ctx, id)
}
