package config

import (
	"bytes"
	_ "embed"
	"strings"
	"time"

	"github.com/jmehdipour/jobengine/internal/scheduler"
	"github.com/jmehdipour/jobengine/internal/widget/webhook"
	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// ---- Root ----

type Config struct {
	Log        LogConfig       `mapstructure:"log"`
	HTTP       HTTPConfig      `mapstructure:"http"`
	MySQL      DatabaseConfig  `mapstructure:"mysql"`
	ClickHouse DatabaseConfig  `mapstructure:"clickhouse"`
	Redis      RedisConfig     `mapstructure:"redis"`
	Kafka      KafkaConfig     `mapstructure:"kafka"`
	Scheduler  SchedulerConfig `mapstructure:"scheduler"`
	Events     EventsConfig    `mapstructure:"events"`
	Admin      AdminConfig     `mapstructure:"admin"`
	Webhook    webhook.Config  `mapstructure:"webhook"`
}

// ---- Leaf structs ----

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	KeyPrefix   string        `mapstructure:"key_prefix"`
}

type KafkaConfig struct {
	Brokers        []string `mapstructure:"brokers"`
	GroupID        string   `mapstructure:"group_id"`
	IntakeTopic    string   `mapstructure:"intake_topic"`
	MinBytes       int      `mapstructure:"min_bytes"`
	MaxBytes       int      `mapstructure:"max_bytes"`
	CommitInterval int      `mapstructure:"commit_interval_ms"`
}

type SchedulerConfig struct {
	BatchSize              int                        `mapstructure:"batch_size"`
	Workers                int                        `mapstructure:"workers"`
	PollInterval           time.Duration              `mapstructure:"poll_interval"`
	MaxIdle                time.Duration              `mapstructure:"max_idle"`
	StaleThreshold         time.Duration              `mapstructure:"stale_threshold"`
	ExecTimeout            time.Duration              `mapstructure:"exec_timeout"`
	RetryBaseDelay         time.Duration              `mapstructure:"retry_base_delay"`
	RetryMaxDelay          time.Duration              `mapstructure:"retry_max_delay"`
	HealthWindow           time.Duration              `mapstructure:"health_window"`
	HealthCacheTTL         time.Duration              `mapstructure:"health_cache_ttl"`
	FlagTTL                time.Duration              `mapstructure:"flag_ttl"`
	Retention              time.Duration              `mapstructure:"retention"`
	RetentionEvery         time.Duration              `mapstructure:"retention_every"`
	RetentionIncludePaused bool                       `mapstructure:"retention_include_paused"`
	Thresholds             scheduler.HealthThresholds `mapstructure:"thresholds"`
}

// Core returns the scheduler's own knobs.
func (c SchedulerConfig) Core() scheduler.Config {
	return scheduler.Config{
		StaleThreshold:         c.StaleThreshold,
		ExecTimeout:            c.ExecTimeout,
		RetryBaseDelay:         c.RetryBaseDelay,
		RetryMaxDelay:          c.RetryMaxDelay,
		HealthWindow:           c.HealthWindow,
		HealthCacheTTL:         c.HealthCacheTTL,
		Health:                 c.Thresholds,
		RetentionIncludePaused: c.RetentionIncludePaused,
	}
}

type EventsConfig struct {
	IDStrategy       string        `mapstructure:"id_strategy"`
	PrivilegedActors []int64       `mapstructure:"privileged_actors"`
	Window           int           `mapstructure:"window"`
	WarnTime         time.Duration `mapstructure:"warn_time"`
	CriticalTime     time.Duration `mapstructure:"critical_time"`
	WarnMem          int64         `mapstructure:"warn_mem"`
	CriticalMem      int64         `mapstructure:"critical_mem"`
	KafkaEnabled     bool          `mapstructure:"kafka_enabled"`
	TopicPrefix      string        `mapstructure:"topic_prefix"`
}

type AdminConfig struct {
	Token     string `mapstructure:"token"`
	RateLimit int    `mapstructure:"rate_limit_rps"`
}

// Load reads embedded defaults, merges user YAML (if provided), and applies env overrides (JOBENGINE_*).
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		_ = v.MergeInConfig()
	}

	// env override (JOBENGINE_MYSQL_DSN, ...)
	v.SetEnvPrefix("JOBENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
