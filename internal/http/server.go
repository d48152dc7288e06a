package http

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/jmehdipour/jobengine/internal/event"
	"github.com/jmehdipour/jobengine/internal/http/middleware"
	"github.com/jmehdipour/jobengine/internal/repository"
	"github.com/jmehdipour/jobengine/internal/scheduler"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Deps are the services behind the admin API. Runs, Emitter and Redis are optional.
type Deps struct {
	Scheduler *scheduler.Scheduler
	Runs      repository.RunsRepository
	Emitter   *event.Emitter
	Redis     *redis.Client
	Gatherer  prometheus.Gatherer

	Token     string
	RateLimit int
	KeyPrefix string
	LogLevel  string
	Log       *zap.Logger
}

type Server struct {
	e   *echo.Echo
	log *zap.Logger
}

func NewServer(d Deps) *Server {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}

	// echo
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Logger.SetLevel(echoLevel(d.LogLevel))
	e.Use(echoMid.Recover(), echoMid.RequestID())

	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))

	// liveness
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	// middlewares
	authMW := middleware.AdminTokenMiddleware(d.Token)
	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:          d.Redis,
		RPS:            d.RateLimit,
		KeyPrefix:      d.KeyPrefix + "rl:",
		Window:         time.Second,
		RetryAfterHint: true,
	})

	h := &handlers{s: d.Scheduler, runs: d.Runs, emitter: d.Emitter, log: d.Log}

	// routes
	v1 := e.Group("/v1", authMW, rlMW)
	v1.GET("/health", h.health)
	v1.GET("/job-types", h.jobTypes)
	v1.GET("/job-types/:type", h.status)
	v1.POST("/job-types/:type/stop", h.signal(d.Scheduler.Stop))
	v1.POST("/job-types/:type/pause", h.signal(d.Scheduler.Pause))
	v1.POST("/job-types/:type/resume", h.signal(d.Scheduler.Resume))
	v1.POST("/job-types/:type/retry-failed", h.retryFailed)
	v1.POST("/job-types/:type/discover", h.discover)
	v1.DELETE("/job-types/:type/jobs", h.clear)
	v1.POST("/jobs", h.enqueue)
	v1.GET("/jobs/:id", h.job)
	v1.POST("/jobs/:id/cancel", h.cancel)
	v1.POST("/jobs/purge", h.purge)
	v1.GET("/events/performance", h.performance)
	v1.GET("/reports/runs", h.listRuns)

	return &Server{e: e, log: d.Log}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.e }

func (s *Server) Start(addr string) error {
	s.log.Info("http: listening", zap.String("addr", addr))
	return s.e.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }

func echoLevel(level string) log.Lvl {
	switch strings.ToLower(level) {
	case "debug":
		return log.DEBUG
	case "warn":
		return log.WARN
	case "error":
		return log.ERROR
	default:
		return log.INFO
	}
}
