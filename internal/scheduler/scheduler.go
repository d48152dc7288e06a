// Package scheduler owns the job lifecycle: registration, enqueue, the
// one-job-per-call processing step, stale recovery and health reporting.
//
// One Scheduler is built at process start and injected wherever it is
// needed. Mutual exclusion between workers comes only from the store's
// conditional status update; the stop/pause flags and the stale threshold
// are advisory and consulted between batches.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmehdipour/jobengine/internal/control"
	"github.com/jmehdipour/jobengine/internal/metrics"
	"github.com/jmehdipour/jobengine/internal/model"
	"github.com/jmehdipour/jobengine/internal/repository"
	"github.com/jmehdipour/jobengine/internal/widget"
	"go.uber.org/zap"
)

// Config holds the scheduler knobs; zero fields take the defaults below.
type Config struct {
	StaleThreshold         time.Duration
	ExecTimeout            time.Duration
	RetryBaseDelay         time.Duration
	RetryMaxDelay          time.Duration
	HealthWindow           time.Duration
	HealthCacheTTL         time.Duration
	Health                 HealthThresholds
	RetentionIncludePaused bool
}

func DefaultConfig() Config {
	return Config{
		StaleThreshold: 10 * time.Minute,
		ExecTimeout:    5 * time.Minute,
		RetryBaseDelay: 30 * time.Second,
		RetryMaxDelay:  time.Hour,
		HealthWindow:   24 * time.Hour,
		HealthCacheTTL: time.Minute,
		Health:         DefaultHealthThresholds(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = d.StaleThreshold
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = d.ExecTimeout
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = d.RetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = d.RetryMaxDelay
	}
	if c.HealthWindow <= 0 {
		c.HealthWindow = d.HealthWindow
	}
	if c.HealthCacheTTL <= 0 {
		c.HealthCacheTTL = d.HealthCacheTTL
	}
	if c.Health == (HealthThresholds{}) {
		c.Health = d.Health
	}
	return c
}

// Control is the out-of-band flag and cache store; *control.Store implements it.
type Control interface {
	Raise(ctx context.Context, jobType string, sig control.Signal) error
	Clear(ctx context.Context, jobType string) (bool, error)
	Active(ctx context.Context, jobType string) (control.Signal, error)
	GetJSON(ctx context.Context, key string, dst any) (bool, error)
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
}

// RunSink receives one record per finished execution; repository.RunsRepository implements it.
type RunSink interface {
	Insert(ctx context.Context, runs ...model.JobRun) error
}

type Option func(*Scheduler)

func WithControl(c Control) Option { return func(s *Scheduler) { s.ctl = c } }

func WithRuns(r RunSink) Option { return func(s *Scheduler) { s.runs = r } }

func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

type Scheduler struct {
	cfg  Config
	jobs repository.JobsRepository
	ctl  Control
	runs RunSink
	log  *zap.Logger
	now  func() time.Time

	mu      sync.RWMutex
	widgets map[string]widget.Widget
}

func New(cfg Config, jobs repository.JobsRepository, log *zap.Logger, opts ...Option) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Scheduler{
		cfg:     cfg.withDefaults(),
		jobs:    jobs,
		log:     log,
		now:     time.Now,
		widgets: make(map[string]widget.Widget),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register binds w to jobType. Registering an already known job type is a
// no-op.
func (s *Scheduler) Register(jobType string, w widget.Widget) error {
	jobType = strings.TrimSpace(jobType)
	if jobType == "" || len(jobType) > 64 {
		return &ValidationError{Op: "register", JobType: jobType, Err: errors.New("job type must be 1-64 characters")}
	}
	if w == nil {
		return &ValidationError{Op: "register", JobType: jobType, Err: errors.New("nil widget")}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.widgets[jobType]; ok {
		return nil
	}
	if err := w.Config().Validate(); err != nil {
		return &ValidationError{Op: "register", JobType: jobType, Err: err}
	}
	s.widgets[jobType] = w
	s.log.Info("widget registered", zap.String("job_type", jobType), zap.String("name", w.Config().Name))
	return nil
}

func (s *Scheduler) widget(jobType string) (widget.Widget, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.widgets[jobType]
	return w, ok
}

// Registered returns the known job types, sorted.
func (s *Scheduler) Registered() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.widgets))
	for t := range s.widgets {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

type enqueueOptions struct {
	priority    int
	maxAttempts int
	scheduledAt time.Time
	delay       time.Duration
	createdBy   int64
}

type EnqueueOption func(*enqueueOptions)

func WithPriority(p int) EnqueueOption { return func(o *enqueueOptions) { o.priority = p } }

func WithMaxAttempts(n int) EnqueueOption { return func(o *enqueueOptions) { o.maxAttempts = n } }

// WithDelay schedules the job d after enqueue time.
func WithDelay(d time.Duration) EnqueueOption { return func(o *enqueueOptions) { o.delay = d } }

func WithScheduledAt(t time.Time) EnqueueOption { return func(o *enqueueOptions) { o.scheduledAt = t } }

func WithCreatedBy(actor int64) EnqueueOption { return func(o *enqueueOptions) { o.createdBy = actor } }

// Enqueue validates payload against the job type's schema and inserts a
// pending row. Options override the widget defaults.
func (s *Scheduler) Enqueue(ctx context.Context, jobType string, payload json.RawMessage, opts ...EnqueueOption) (int64, error) {
	w, ok := s.widget(jobType)
	if !ok {
		return 0, fmt.Errorf("enqueue %q: %w", jobType, ErrUnknownJobType)
	}
	cfg := w.Config()
	o := enqueueOptions{priority: cfg.Priority, maxAttempts: cfg.MaxAttempts}
	for _, fn := range opts {
		fn(&o)
	}

	if o.priority < model.MinPriority || o.priority > model.MaxPriority {
		return 0, &ValidationError{Op: "enqueue", JobType: jobType,
			Err: fmt.Errorf("priority must be in [%d,%d], got %d", model.MinPriority, model.MaxPriority, o.priority)}
	}
	if o.maxAttempts < 1 {
		return 0, &ValidationError{Op: "enqueue", JobType: jobType,
			Err: fmt.Errorf("max_attempts must be >= 1, got %d", o.maxAttempts)}
	}
	if err := w.Validate(payload); err != nil {
		return 0, &ValidationError{Op: "enqueue", JobType: jobType, Err: err}
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	now := s.now().UTC()
	j := &model.Job{
		JobType:     jobType,
		Status:      model.StatusPending,
		Priority:    o.priority,
		MaxAttempts: o.maxAttempts,
		Payload:     payload,
		CreatedBy:   o.createdBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	switch {
	case !o.scheduledAt.IsZero():
		j.ScheduledAt.Time, j.ScheduledAt.Valid = o.scheduledAt.UTC(), true
	case o.delay > 0:
		j.ScheduledAt.Time, j.ScheduledAt.Valid = now.Add(o.delay), true
	}

	id, err := s.jobs.Insert(ctx, j)
	if err != nil {
		return 0, fmt.Errorf("enqueue %q: %w", jobType, err)
	}
	metrics.JobsTotal.WithLabelValues("enqueued", jobType).Inc()
	s.log.Debug("job enqueued", zap.Int64("job_id", id), zap.String("job_type", jobType), zap.Int("priority", o.priority))
	return id, nil
}

// Outcome is what a ProcessBatch call ended with.
type Outcome string

const (
	OutcomeIdle        Outcome = "idle"
	OutcomeAborted     Outcome = "aborted"
	OutcomeContended   Outcome = "contended"
	OutcomeCompleted   Outcome = "completed"
	OutcomeRetried     Outcome = "retried"
	OutcomeFailed      Outcome = "failed"
	OutcomeReleased    Outcome = "released"
	OutcomeUnknownType Outcome = "unknown_type"
	OutcomeStoreError  Outcome = "store_error"
)

// BatchResult summarizes one scheduling step.
type BatchResult struct {
	JobType   string  `json:"job_type"`
	Outcome   Outcome `json:"outcome"`
	JobID     int64   `json:"job_id,omitempty"`
	Recovered int     `json:"recovered"` // stale rows put back to pending
	Expired   int     `json:"expired"`   // stale or exhausted rows failed
	Reason    string  `json:"reason,omitempty"`
}

// Busy reports whether the step did work worth polling again for immediately.
func (r BatchResult) Busy() bool {
	switch r.Outcome {
	case OutcomeCompleted, OutcomeRetried, OutcomeFailed, OutcomeReleased, OutcomeContended:
		return true
	}
	return false
}

// ProcessBatch runs one scheduling step for jobType. batchSize is clamped to
// 1: exactly one job is executed per call. Execution errors never escape;
// they become persisted transitions and log lines.
func (s *Scheduler) ProcessBatch(ctx context.Context, jobType string, batchSize int) BatchResult {
	res := BatchResult{JobType: jobType}
	log := s.log.With(zap.String("job_type", jobType))

	w, ok := s.widget(jobType)
	if !ok {
		res.Outcome, res.Reason = OutcomeUnknownType, ErrUnknownJobType.Error()
		log.Warn("process batch for unregistered job type")
		return res
	}
	if batchSize != 1 {
		log.Debug("batch size clamped", zap.Int("requested", batchSize))
	}

	// 1. stale recovery
	s.recoverStale(ctx, jobType, w, &res)

	// 2. cooperative abort
	if err := ctx.Err(); err != nil {
		res.Outcome, res.Reason = OutcomeAborted, err.Error()
		return res
	}
	if sig := s.signal(ctx, jobType); sig != control.SignalNone {
		res.Outcome, res.Reason = OutcomeAborted, string(sig)
		log.Debug("batch skipped by flag", zap.String("signal", string(sig)))
		return res
	}

	// 3. select
	now := model.StoreTime(s.now())
	j, err := s.jobs.NextEligible(ctx, jobType, now)
	if err != nil {
		res.Outcome, res.Reason = OutcomeStoreError, err.Error()
		log.Error("select eligible job", zap.Error(err))
		return res
	}
	if j == nil {
		res.Outcome = OutcomeIdle
		return res
	}
	res.JobID = j.ID

	// 4. lock
	locked, err := s.jobs.Lock(ctx, j.ID, now)
	if err != nil {
		res.Outcome, res.Reason = OutcomeStoreError, err.Error()
		log.Error("lock job", zap.Int64("job_id", j.ID), zap.Error(err))
		return res
	}
	if !locked {
		res.Outcome, res.Reason = OutcomeContended, ErrLockContention.Error()
		metrics.JobsTotal.WithLabelValues("contended", jobType).Inc()
		log.Debug("lock lost", zap.Int64("job_id", j.ID))
		return res
	}
	metrics.JobsTotal.WithLabelValues("locked", jobType).Inc()
	j.Status = model.StatusProcessing
	j.StartedAt.Time, j.StartedAt.Valid = now, true

	// 5-6. execute and finalize; finalization must survive a cancelled ctx
	// or the row would sit in processing until the stale scan.
	res.Outcome = s.run(ctx, w, j)
	return res
}

func (s *Scheduler) signal(ctx context.Context, jobType string) control.Signal {
	if s.ctl == nil {
		return control.SignalNone
	}
	sig, err := s.ctl.Active(ctx, jobType)
	if err != nil {
		// flags are advisory; a flag store outage must not halt processing
		s.log.Warn("read control flag", zap.String("job_type", jobType), zap.Error(err))
		return control.SignalNone
	}
	return sig
}

func (s *Scheduler) run(ctx context.Context, w widget.Widget, j *model.Job) Outcome {
	start := s.now()
	result, execErr := s.execute(ctx, w, j)
	finished := s.now()
	elapsed := finished.Sub(start)
	metrics.JobDuration.WithLabelValues(j.JobType).Observe(elapsed.Seconds())

	fctx := context.WithoutCancel(ctx)
	var out Outcome
	if execErr == nil {
		out = s.complete(fctx, w, j, result, finished)
	} else {
		out = s.fail(fctx, w, j, execErr, finished)
	}

	run := model.JobRun{
		JobID:      j.ID,
		JobType:    j.JobType,
		Attempts:   j.Attempts,
		DurationMs: elapsed.Milliseconds(),
		StartedAt:  start.UTC(),
		FinishedAt: finished.UTC(),
	}
	switch out {
	case OutcomeCompleted:
		run.Outcome = model.OutcomeCompleted
	case OutcomeRetried:
		run.Outcome = model.OutcomeRetried
	case OutcomeFailed:
		run.Outcome = model.OutcomeFailed
	default:
		return out
	}
	if execErr != nil {
		run.Error = execErr.Error()
	}
	s.recordRuns(fctx, run)
	return out
}

// execute invokes the widget with the time budget. A panic or an overrun is
// turned into an error that goes through normal classification.
func (s *Scheduler) execute(ctx context.Context, w widget.Widget, j *model.Job) (result json.RawMessage, err error) {
	ectx, cancel := context.WithTimeout(ctx, s.cfg.ExecTimeout)
	defer cancel()
	ectx = widget.WithProgress(ectx, func(pctx context.Context, msg string) {
		s.Progress(pctx, j.ID, msg)
	})

	start := s.now()
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("widget panicked: %v", r)
			s.log.Error("widget panic", zap.Int64("job_id", j.ID), zap.String("job_type", j.JobType), zap.Any("panic", r))
			return
		}
		if err == nil && s.now().Sub(start) > s.cfg.ExecTimeout {
			result, err = nil, ErrExecutionTimeout
		}
	}()
	return w.Execute(ectx, j.Payload)
}

func (s *Scheduler) complete(ctx context.Context, w widget.Widget, j *model.Job, result json.RawMessage, now time.Time) Outcome {
	upd := model.JobUpdate{CompletedAt: &now, ResultData: result}
	ok, err := s.transition(ctx, j, TriggerSucceed, upd, now)
	if err != nil {
		s.log.Error("persist completion", zap.Int64("job_id", j.ID), zap.Error(err))
		return OutcomeStoreError
	}
	if !ok {
		s.log.Info("job finalized elsewhere, completion dropped", zap.Int64("job_id", j.ID))
		return OutcomeReleased
	}
	metrics.JobsTotal.WithLabelValues("completed", j.JobType).Inc()
	s.hook(j, "on_complete", func() { w.OnComplete(ctx, *j) })
	return OutcomeCompleted
}

// fail classifies execErr and persists either a retry or a terminal failure.
// The attempt ceiling wins over recoverability.
func (s *Scheduler) fail(ctx context.Context, w widget.Widget, j *model.Job, execErr error, now time.Time) Outcome {
	kind := widget.Classify(execErr)
	retry := kind == widget.KindRecoverable && j.CanRetry() && s.allowRetry(w, j, execErr)
	msg := execErr.Error()
	log := s.log.With(
		zap.Int64("job_id", j.ID),
		zap.String("job_type", j.JobType),
		zap.Int("attempts", j.Attempts),
		zap.String("kind", kind.String()),
		zap.Error(execErr),
	)

	if retry {
		attempts := j.Attempts + 1
		at := now.Add(Backoff(s.cfg.RetryBaseDelay, s.cfg.RetryMaxDelay, j.Attempts))
		ok, err := s.transition(ctx, j, TriggerRetry, model.JobUpdate{
			Attempts:     &attempts,
			ScheduledAt:  &at,
			ErrorMessage: &msg,
		}, now)
		switch {
		case err != nil:
			log.Error("persist retry", zap.NamedError("store_error", err))
			return OutcomeStoreError
		case !ok:
			return OutcomeReleased
		}
		metrics.JobsTotal.WithLabelValues("retried", j.JobType).Inc()
		log.Info("job scheduled for retry", zap.Time("scheduled_at", at))
		return OutcomeRetried
	}

	ok, err := s.transition(ctx, j, TriggerFail, model.JobUpdate{CompletedAt: &now, ErrorMessage: &msg}, now)
	switch {
	case err != nil:
		log.Error("persist failure", zap.NamedError("store_error", err))
		return OutcomeStoreError
	case !ok:
		return OutcomeReleased
	}
	metrics.JobsTotal.WithLabelValues("failed", j.JobType).Inc()
	log.Warn("job failed")
	s.hook(j, "on_failure", func() { w.OnFailure(ctx, *j, execErr) })
	return OutcomeFailed
}

func (s *Scheduler) allowRetry(w widget.Widget, j *model.Job, err error) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("on_error hook panicked", zap.Int64("job_id", j.ID), zap.Any("panic", r))
			ok = false
		}
	}()
	return w.OnError(j.Payload, err)
}

// hook runs a side-effect-only widget callback; a panic there never
// affects the persisted outcome.
func (s *Scheduler) hook(j *model.Job, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("widget hook panicked", zap.String("hook", name), zap.Int64("job_id", j.ID), zap.Any("panic", r))
		}
	}()
	fn()
}

// transition resolves the target status from the state table and applies
// upd conditionally on j still being in its current status. A processing
// row must also still carry the claim j was executed under, so a late
// finish from an overrun worker cannot overwrite a newer claim. On success
// j is updated in memory.
func (s *Scheduler) transition(ctx context.Context, j *model.Job, t Trigger, upd model.JobUpdate, now time.Time) (bool, error) {
	to, err := Next(j.Status, t)
	if err != nil {
		return false, err
	}
	upd.Status = to
	ok, err := s.jobs.Transition(ctx, j.ID, model.Claimed(j), upd, now)
	if err != nil || !ok {
		return ok, err
	}
	upd.Apply(j, now)
	return true, nil
}

// recoverStale takes back rows abandoned in processing and fails pending
// rows that have no attempts left.
func (s *Scheduler) recoverStale(ctx context.Context, jobType string, w widget.Widget, res *BatchResult) {
	now := s.now().UTC()
	stale, err := s.jobs.ListStale(ctx, jobType, now.Add(-s.cfg.StaleThreshold))
	if err != nil {
		s.log.Error("list stale jobs", zap.String("job_type", jobType), zap.Error(err))
		return
	}
	msg := ErrStale.Error()
	for i := range stale {
		j := &stale[i]
		log := s.log.With(zap.Int64("job_id", j.ID), zap.String("job_type", j.JobType), zap.Int("attempts", j.Attempts))

		if j.CanRetry() {
			attempts := j.Attempts + 1
			at := now.Add(Backoff(s.cfg.RetryBaseDelay, s.cfg.RetryMaxDelay, j.Attempts))
			ok, err := s.transition(ctx, j, TriggerStaleRetry, model.JobUpdate{
				Attempts:     &attempts,
				ScheduledAt:  &at,
				ErrorMessage: &msg,
			}, now)
			if err != nil {
				log.Error("recover stale job", zap.Error(err))
				continue
			}
			if ok {
				res.Recovered++
				metrics.JobsTotal.WithLabelValues("recovered", j.JobType).Inc()
				s.recordRuns(ctx, model.JobRun{JobID: j.ID, JobType: j.JobType, Outcome: model.OutcomeRecovered,
					Attempts: attempts, Error: msg, StartedAt: j.StartedAt.Time, FinishedAt: now})
				log.Warn("stale job rescheduled", zap.Time("scheduled_at", at))
			}
			continue
		}

		ok, err := s.transition(ctx, j, TriggerStaleFail, model.JobUpdate{CompletedAt: &now, ErrorMessage: &msg}, now)
		if err != nil {
			log.Error("fail stale job", zap.Error(err))
			continue
		}
		if ok {
			res.Expired++
			metrics.JobsTotal.WithLabelValues("failed", j.JobType).Inc()
			log.Warn("stale job failed")
			s.hook(j, "on_failure", func() { w.OnFailure(ctx, *j, ErrStale) })
		}
	}

	exhausted, err := s.jobs.ListExhausted(ctx, jobType)
	if err != nil {
		s.log.Error("list exhausted jobs", zap.String("job_type", jobType), zap.Error(err))
		return
	}
	for i := range exhausted {
		j := &exhausted[i]
		reason := "attempts exhausted"
		if j.ErrorMessage.Valid && j.ErrorMessage.String != "" {
			reason = j.ErrorMessage.String
		}
		ok, err := s.transition(ctx, j, TriggerExhaust, model.JobUpdate{CompletedAt: &now, ErrorMessage: &reason}, now)
		if err != nil {
			s.log.Error("fail exhausted job", zap.Int64("job_id", j.ID), zap.Error(err))
			continue
		}
		if ok {
			res.Expired++
			metrics.JobsTotal.WithLabelValues("failed", j.JobType).Inc()
			s.hook(j, "on_failure", func() { w.OnFailure(ctx, *j, errors.New(reason)) })
		}
	}
}

func (s *Scheduler) recordRuns(ctx context.Context, runs ...model.JobRun) {
	if s.runs == nil {
		return
	}
	if err := s.runs.Insert(ctx, runs...); err != nil {
		s.log.Warn("record job runs", zap.Int("count", len(runs)), zap.Error(err))
	}
}
