// Package app wires the long-lived services shared by every command.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jmehdipour/jobengine/internal/config"
	"github.com/jmehdipour/jobengine/internal/control"
	"github.com/jmehdipour/jobengine/internal/db"
	"github.com/jmehdipour/jobengine/internal/event"
	"github.com/jmehdipour/jobengine/internal/kafka"
	"github.com/jmehdipour/jobengine/internal/logger"
	"github.com/jmehdipour/jobengine/internal/metrics"
	"github.com/jmehdipour/jobengine/internal/outbox"
	"github.com/jmehdipour/jobengine/internal/repository"
	"github.com/jmehdipour/jobengine/internal/scheduler"
	"github.com/jmehdipour/jobengine/internal/widget/webhook"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type App struct {
	Cfg config.Config
	Log *zap.Logger

	MySQL *sqlx.DB
	Redis *redis.Client
	CH    *sqlx.DB // nil unless clickhouse.enabled

	Bus       *event.Bus
	Emitter   *event.Emitter
	Producer  *kafka.Producer // nil unless events.kafka_enabled
	Writer    *outbox.Writer
	Jobs      repository.JobsRepository
	Runs      repository.RunsRepository // nil unless clickhouse.enabled
	Control   *control.Store
	Scheduler *scheduler.Scheduler

	closers []func() error
}

// Load reads the config and builds the process logger.
func Load(cfgPath string) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.Log.Level)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("build logger: %w", err)
	}
	return cfg, log, nil
}

// New connects every backing store and builds the scheduler with the
// built-in widgets registered. Call Close when done.
func New(cfg config.Config, log *zap.Logger) (a *App, err error) {
	a = &App{Cfg: cfg, Log: log}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	pool := func(c config.DatabaseConfig) db.PoolOpts {
		return db.PoolOpts{
			MaxOpenConns:    c.MaxOpenConns,
			MaxIdleConns:    c.MaxIdleConns,
			ConnMaxLifetime: c.ConnMaxLifetime,
			ConnMaxIdleTime: c.ConnMaxIdleTime,
			PingTimeout:     c.PingTimeout,
		}
	}

	// 1) stores
	if a.MySQL, err = db.NewMySQLConnection(cfg.MySQL.DSN, pool(cfg.MySQL)); err != nil {
		return nil, fmt.Errorf("mysql connect: %w", err)
	}
	a.closers = append(a.closers, a.MySQL.Close)

	if a.Redis, err = db.NewRedisClient(db.RedisOpts{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: cfg.Redis.DialTimeout,
	}); err != nil {
		return nil, fmt.Errorf("redis connect: %w", err)
	}
	a.closers = append(a.closers, a.Redis.Close)

	if cfg.ClickHouse.Enabled {
		if a.CH, err = db.NewClickHouseConnection(cfg.ClickHouse.DSN, pool(cfg.ClickHouse)); err != nil {
			return nil, fmt.Errorf("clickhouse connect: %w", err)
		}
		a.closers = append(a.closers, a.CH.Close)
		a.Runs = repository.NewCHRunsRepository(a.CH)
	}

	// 2) events: builder -> emitter -> bus listeners
	a.Bus = event.NewBus()
	a.Emitter = NewEmitter(cfg.Events, a.Bus, log)
	a.Bus.Subscribe(event.Channel(repository.JobsTable.Entity), "log", logListener(log))
	if cfg.Events.KafkaEnabled {
		a.Producer = kafka.NewProducerFromConfig(kafka.ProducerConfig{
			Brokers:     cfg.Kafka.Brokers,
			TopicPrefix: cfg.Events.TopicPrefix,
		})
		a.Producer.Attach(a.Bus, repository.JobsTable.Entity)
		a.closers = append(a.closers, a.Producer.Close)
	}

	// 3) repositories and scheduler
	a.Writer = outbox.NewWriter(a.MySQL, a.Emitter, log)
	a.Jobs = repository.NewJobsRepository(a.Writer)
	a.Control = control.New(a.Redis, cfg.Scheduler.FlagTTL, control.WithPrefix(cfg.Redis.KeyPrefix))

	opts := []scheduler.Option{scheduler.WithControl(a.Control)}
	if a.Runs != nil {
		opts = append(opts, scheduler.WithRuns(a.Runs))
	}
	a.Scheduler = scheduler.New(cfg.Scheduler.Core(), a.Jobs, log, opts...)
	if err = RegisterBuiltins(a.Scheduler, cfg, log); err != nil {
		return nil, err
	}
	return a, nil
}

// NewEmitter builds the event pipeline from config.
func NewEmitter(c config.EventsConfig, bus *event.Bus, log *zap.Logger) *event.Emitter {
	builder := event.NewBuilder(
		event.WithIDStrategy(event.ParseIDStrategy(c.IDStrategy)),
		event.WithAuthorizer(event.NewStaticAuthorizer(c.PrivilegedActors...)),
	)
	th := event.DefaultThresholds()
	if c.WarnTime > 0 {
		th.WarnTime = c.WarnTime
	}
	if c.CriticalTime > 0 {
		th.CriticalTime = c.CriticalTime
	}
	if c.WarnMem > 0 {
		th.WarnMem = c.WarnMem
	}
	if c.CriticalMem > 0 {
		th.CriticalMem = c.CriticalMem
	}
	return event.NewEmitter(builder, bus, log, event.WithThresholds(th), event.WithWindow(c.Window))
}

// RegisterBuiltins registers the widgets shipped with the binary.
func RegisterBuiltins(s *scheduler.Scheduler, cfg config.Config, log *zap.Logger) error {
	hook := webhook.NewSender(cfg.Webhook, log.Named("webhook"))
	if err := s.Register(webhook.JobType, hook.Widget()); err != nil {
		return fmt.Errorf("register %s: %w", webhook.JobType, err)
	}
	return nil
}

func logListener(log *zap.Logger) event.Listener {
	return func(_ context.Context, env *event.Envelope) error {
		log.Debug("job event",
			zap.String("entity", env.Entity),
			zap.Int64("job_id", env.ID),
			zap.String("type", env.Type.String()),
			zap.String("event_id", env.EventID),
			zap.Strings("changed", env.ChangedColumns))
		return nil
	}
}

// Close releases every connection in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && a.Log != nil {
			a.Log.Warn("close", zap.Error(err))
		}
	}
	a.closers = nil
	if a.Log != nil {
		_ = a.Log.Sync()
	}
}

// ShutdownContext bounds graceful shutdown.
func (a *App) ShutdownContext() (context.Context, context.CancelFunc) {
	d := a.Cfg.HTTP.ShutdownTimeout
	if d <= 0 {
		d = 10 * time.Second
	}
	return context.WithTimeout(context.Background(), d)
}
