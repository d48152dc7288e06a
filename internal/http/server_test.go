package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jmehdipour/jobengine/internal/control"
	"github.com/jmehdipour/jobengine/internal/http/middleware"
	"github.com/jmehdipour/jobengine/internal/model"
	"github.com/jmehdipour/jobengine/internal/repository/memory"
	"github.com/jmehdipour/jobengine/internal/scheduler"
	"github.com/jmehdipour/jobengine/internal/widget"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noteItem struct {
	Text string `json:"text"`
}

type fakeRuns struct {
	got string
	err error
}

func (f *fakeRuns) Insert(context.Context, ...model.JobRun) error { return nil }

func (f *fakeRuns) ListByType(_ context.Context, jobType string, outcome model.RunOutcome, limit, offset int) ([]model.JobRun, error) {
	f.got = jobType + "/" + string(outcome)
	if f.err != nil {
		return nil, f.err
	}
	return []model.JobRun{{JobID: 1, JobType: jobType, Outcome: model.OutcomeCompleted}}, nil
}

type env struct {
	srv   *Server
	store *memory.Store
	runs  *fakeRuns
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := memory.New()
	s := scheduler.New(scheduler.Config{}, store, nil, scheduler.WithControl(control.New(rdb, time.Hour)))
	require.NoError(t, s.Register("note", &widget.Typed[noteItem]{
		Cfg: widget.Config{Name: "note", Description: "write a note", BatchSize: 1, Priority: 50, MaxAttempts: 3},
		Check: func(n noteItem) error {
			if n.Text == "" {
				return errors.New("text is required")
			}
			return nil
		},
		Run: func(context.Context, noteItem) (any, error) { return nil, nil },
	}))

	runs := &fakeRuns{}
	srv := NewServer(Deps{
		Scheduler: s,
		Runs:      runs,
		Redis:     rdb,
		Gatherer:  prometheus.NewRegistry(),
		Token:     "tok",
		RateLimit: 100,
	})
	return &env{srv: srv, store: store, runs: runs}
}

func (e *env) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set(middleware.HeaderToken, "tok")
	req.Header.Set(middleware.HeaderActor, "3")
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestEnqueueAndInspect(t *testing.T) {
	e := newEnv(t)

	rec := e.do(http.MethodPost, "/v1/jobs", `{"job_type":"note","payload":{"text":"hi"},"priority":70}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	id := int64(decode(t, rec)["id"].(float64))

	j, _ := e.store.Get(context.Background(), id)
	require.NotNil(t, j)
	assert.Equal(t, 70, j.Priority)
	assert.Equal(t, int64(3), j.CreatedBy)

	rec = e.do(http.MethodGet, "/v1/jobs/"+jsonNum(id), "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pending", decode(t, rec)["status"])

	assert.Equal(t, http.StatusNotFound, e.do(http.MethodPost, "/v1/jobs", `{"job_type":"ghost","payload":{}}`).Code)
	assert.Equal(t, http.StatusUnprocessableEntity, e.do(http.MethodPost, "/v1/jobs", `{"job_type":"note","payload":{}}`).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/v1/jobs", `{"payload":{}}`).Code)
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/v1/jobs/999", "").Code)

	rec = e.do(http.MethodPost, "/v1/jobs/"+jsonNum(id)+"/cancel", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusConflict, e.do(http.MethodPost, "/v1/jobs/"+jsonNum(id)+"/cancel", "").Code)
}

func TestControlRoutes(t *testing.T) {
	e := newEnv(t)

	assert.Equal(t, http.StatusOK, e.do(http.MethodPost, "/v1/job-types/note/pause", "").Code)
	rec := e.do(http.MethodGet, "/v1/job-types/note", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pause", decode(t, rec)["signal"])

	assert.Equal(t, http.StatusOK, e.do(http.MethodPost, "/v1/job-types/note/resume", "").Code)
	assert.Equal(t, http.StatusConflict, e.do(http.MethodPost, "/v1/job-types/ghost/stop", "").Code)
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/v1/job-types/ghost", "").Code)

	rec = e.do(http.MethodGet, "/v1/job-types", "")
	assert.Equal(t, []any{"note"}, decode(t, rec)["job_types"])

	now := time.Now()
	e.store.Put(model.Job{JobType: "note", Status: model.StatusFailed, MaxAttempts: 3, Attempts: 3, CreatedAt: now, UpdatedAt: now})
	rec = e.do(http.MethodPost, "/v1/job-types/note/retry-failed", "")
	assert.EqualValues(t, 1, decode(t, rec)["requeued"])

	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodDelete, "/v1/job-types/note/jobs?status=bogus", "").Code)
	rec = e.do(http.MethodDelete, "/v1/job-types/note/jobs?status=pending", "")
	assert.EqualValues(t, 1, decode(t, rec)["deleted"])

	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/v1/jobs/purge", "").Code)
	assert.Equal(t, http.StatusOK, e.do(http.MethodPost, "/v1/jobs/purge?older_than=720h", "").Code)
}

func TestHealthAndReports(t *testing.T) {
	e := newEnv(t)

	rec := e.do(http.MethodGet, "/v1/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode(t, rec)["status"])

	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodGet, "/v1/reports/runs", "").Code)
	rec = e.do(http.MethodGet, "/v1/reports/runs?job_type=note&outcome=completed&limit=5", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "note/completed", e.runs.got)
	assert.EqualValues(t, 5, decode(t, rec)["limit"])

	e.runs.err = errors.New("clickhouse down")
	assert.Equal(t, http.StatusInternalServerError, e.do(http.MethodGet, "/v1/reports/runs?job_type=note", "").Code)

	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/v1/events/performance", "").Code)
}

func TestAuthAndLiveness(t *testing.T) {
	e := newEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func jsonNum(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}
