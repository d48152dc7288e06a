package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jmehdipour/jobengine/internal/event"
	"github.com/jmehdipour/jobengine/internal/http/middleware"
	"github.com/jmehdipour/jobengine/internal/model"
	"github.com/jmehdipour/jobengine/internal/repository"
	"github.com/jmehdipour/jobengine/internal/scheduler"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

type handlers struct {
	s       *scheduler.Scheduler
	runs    repository.RunsRepository
	emitter *event.Emitter
	log     *zap.Logger
}

type enqueueReq struct {
	JobType     string          `json:"job_type"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	MaxAttempts int             `json:"max_attempts"`
	DelaySec    int             `json:"delay_sec"`
}

func (h *handlers) enqueue(c echo.Context) error {
	var req enqueueReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
	}
	req.JobType = strings.TrimSpace(req.JobType)
	if req.JobType == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "job_type is required"})
	}
	if req.DelaySec < 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "delay_sec must be >= 0"})
	}

	actor := middleware.ActorFromCtx(c)
	opts := []scheduler.EnqueueOption{scheduler.WithCreatedBy(actor)}
	if req.Priority != 0 {
		opts = append(opts, scheduler.WithPriority(req.Priority))
	}
	if req.MaxAttempts != 0 {
		opts = append(opts, scheduler.WithMaxAttempts(req.MaxAttempts))
	}
	if req.DelaySec > 0 {
		opts = append(opts, scheduler.WithDelay(time.Duration(req.DelaySec)*time.Second))
	}

	id, err := h.s.Enqueue(c.Request().Context(), req.JobType, req.Payload, opts...)
	if err != nil {
		var ve *scheduler.ValidationError
		switch {
		case errors.Is(err, scheduler.ErrUnknownJobType):
			return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown_job_type", "job_type": req.JobType})
		case errors.As(err, &ve):
			return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": "invalid_job", "description": ve.Err.Error()})
		}
		h.log.Error("enqueue failed", zap.String("job_type", req.JobType), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
	}

	return c.JSON(http.StatusAccepted, map[string]any{
		"enqueued": true,
		"id":       id,
		"job_type": req.JobType,
	})
}

// jobView exposes the nullable columns the entity hides from JSON.
type jobView struct {
	*model.Job
	ScheduledAt     *time.Time `json:"scheduled_at,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	ProgressMessage string     `json:"progress_message,omitempty"`
}

func viewOf(j *model.Job) jobView {
	v := jobView{Job: j, ErrorMessage: j.ErrorMessage.String, ProgressMessage: j.ProgressMessage.String}
	if j.ScheduledAt.Valid {
		v.ScheduledAt = &j.ScheduledAt.Time
	}
	if j.StartedAt.Valid {
		v.StartedAt = &j.StartedAt.Time
	}
	if j.CompletedAt.Valid {
		v.CompletedAt = &j.CompletedAt.Time
	}
	return v
}

func (h *handlers) job(c echo.Context) error {
	id, ok := pathID(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid id"})
	}
	j, err := h.s.Job(c.Request().Context(), id)
	if err != nil {
		h.log.Error("get job", zap.Int64("job_id", id), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
	}
	if j == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
	}
	return c.JSON(http.StatusOK, viewOf(j))
}

func (h *handlers) cancel(c echo.Context) error {
	id, ok := pathID(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid id"})
	}
	if !h.s.Cancel(c.Request().Context(), id) {
		return c.JSON(http.StatusConflict, map[string]any{"cancelled": false, "id": id})
	}
	return c.JSON(http.StatusOK, map[string]any{"cancelled": true, "id": id})
}

func (h *handlers) jobTypes(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"job_types": h.s.Registered()})
}

func (h *handlers) status(c echo.Context) error {
	st := h.s.Status(c.Request().Context(), c.Param("type"))
	if !st.Registered {
		return c.JSON(http.StatusNotFound, st)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *handlers) signal(fn func(ctx context.Context, jobType string) bool) echo.HandlerFunc {
	return func(c echo.Context) error {
		jobType := c.Param("type")
		if !fn(c.Request().Context(), jobType) {
			return c.JSON(http.StatusConflict, map[string]any{"ok": false, "job_type": jobType})
		}
		return c.JSON(http.StatusOK, map[string]any{"ok": true, "job_type": jobType})
	}
}

func (h *handlers) retryFailed(c echo.Context) error {
	jobType := c.Param("type")
	n := h.s.RetryFailed(c.Request().Context(), jobType)
	return c.JSON(http.StatusOK, map[string]any{"job_type": jobType, "requeued": n})
}

func (h *handlers) discover(c echo.Context) error {
	jobType := c.Param("type")
	n, err := h.s.Discover(c.Request().Context(), jobType, scheduler.WithCreatedBy(middleware.ActorFromCtx(c)))
	if err != nil {
		if errors.Is(err, scheduler.ErrUnknownJobType) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown_job_type", "job_type": jobType})
		}
		h.log.Error("discover", zap.String("job_type", jobType), zap.Error(err))
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "discovery failed"})
	}
	return c.JSON(http.StatusOK, map[string]any{"job_type": jobType, "enqueued": n})
}

// clear accepts ?status=completed,failed; without it the scheduler default applies.
func (h *handlers) clear(c echo.Context) error {
	jobType := c.Param("type")
	var statuses []model.JobStatus
	if raw := strings.TrimSpace(c.QueryParam("status")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st, ok := model.ParseJobStatus(part)
			if !ok {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid status", "status": part})
			}
			statuses = append(statuses, st)
		}
	}
	n := h.s.Clear(c.Request().Context(), jobType, statuses...)
	return c.JSON(http.StatusOK, map[string]any{"job_type": jobType, "deleted": n})
}

func (h *handlers) purge(c echo.Context) error {
	d, err := time.ParseDuration(c.QueryParam("older_than"))
	if err != nil || d <= 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "older_than must be a positive duration"})
	}
	n := h.s.Purge(c.Request().Context(), d)
	return c.JSON(http.StatusOK, map[string]any{"deleted": n, "older_than": d.String()})
}

func (h *handlers) health(c echo.Context) error {
	hc := h.s.HealthCheck(c.Request().Context())
	code := http.StatusOK
	if hc.Status == scheduler.Critical {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, hc)
}

func (h *handlers) performance(c echo.Context) error {
	if h.emitter == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "events disabled"})
	}
	return c.JSON(http.StatusOK, h.emitter.Performance())
}

func (h *handlers) listRuns(c echo.Context) error {
	if h.runs == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "run history disabled"})
	}
	jobType := strings.TrimSpace(c.QueryParam("job_type"))
	if jobType == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "job_type is required"})
	}

	limit := 50
	offset := 0
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	outcome := model.RunOutcome(strings.TrimSpace(c.QueryParam("outcome")))

	runs, err := h.runs.ListByType(c.Request().Context(), jobType, outcome, limit, offset)
	if err != nil {
		c.Logger().Errorf("clickhouse list failed: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"limit":   limit,
		"offset":  offset,
		"count":   len(runs),
		"results": runs,
	})
}

func pathID(c echo.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	return id, err == nil && id > 0
}
