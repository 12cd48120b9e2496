// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	DB        DBConfig        `mapstructure:"db"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Worker    WorkerConfig    `mapstructure:"worker"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxConns        int32  `mapstructure:"max_conns"`
	MinConns        int32  `mapstructure:"min_conns"`
	MaxConnLifetime int    `mapstructure:"max_conn_lifetime_seconds"`
}

// QueueConfig selects the execution-job queue provider.
type QueueConfig struct {
	Provider     string `mapstructure:"provider"` // memory | pubsub
	Depth        int    `mapstructure:"depth"`
	ProjectID    string `mapstructure:"project_id"`
	TopicID      string `mapstructure:"topic_id"`
	Subscription string `mapstructure:"subscription"`
}

// NotifyConfig selects the failure-signal sink.
type NotifyConfig struct {
	Provider  string `mapstructure:"provider"` // log | pubsub
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// ArchiveConfig selects the raw-batch archive store.
type ArchiveConfig struct {
	Provider  string `mapstructure:"provider"` // none | memory | gcs
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// SchedulerConfig governs dispatch and stall detection.
type SchedulerConfig struct {
	TickSeconds             int `mapstructure:"tick_seconds"`
	HeartbeatTimeoutSeconds int `mapstructure:"heartbeat_timeout_seconds"`
	HeartbeatGraceSeconds   int `mapstructure:"heartbeat_grace_seconds"`
	MonitorIntervalSeconds  int `mapstructure:"monitor_interval_seconds"`
	RetryBackoffSeconds     int `mapstructure:"retry_backoff_seconds"`
	DefaultMaxRetries       int `mapstructure:"default_max_retries"`
}

// ProxyConfig governs pool selection and cooldown recycling.
type ProxyConfig struct {
	MinSuccessRate      float64 `mapstructure:"min_success_rate"`
	SweepSeconds        int     `mapstructure:"sweep_seconds"`
	CheckTimeoutSeconds int     `mapstructure:"check_timeout_seconds"`
	AcquireRetries      int     `mapstructure:"acquire_retries"`
}

// IngestConfig governs the ingestion pipeline.
type IngestConfig struct {
	FanoutConcurrency int `mapstructure:"fanout_concurrency"`
}

// WorkerConfig governs the in-process execution worker pool.
type WorkerConfig struct {
	Concurrency int    `mapstructure:"concurrency"`
	Command     string `mapstructure:"command"`
	APIBaseURL  string `mapstructure:"api_base_url"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("logging.development", false)
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 2)
	v.SetDefault("db.max_conn_lifetime_seconds", 1800)
	v.SetDefault("queue.provider", "memory")
	v.SetDefault("queue.depth", 256)
	v.SetDefault("notify.provider", "log")
	v.SetDefault("archive.provider", "none")
	v.SetDefault("archive.prefix", "batches")
	v.SetDefault("scheduler.tick_seconds", 60)
	v.SetDefault("scheduler.heartbeat_timeout_seconds", 120)
	v.SetDefault("scheduler.heartbeat_grace_seconds", 180)
	v.SetDefault("scheduler.monitor_interval_seconds", 30)
	v.SetDefault("scheduler.retry_backoff_seconds", 30)
	v.SetDefault("scheduler.default_max_retries", 3)
	v.SetDefault("proxy.min_success_rate", 0.5)
	v.SetDefault("proxy.sweep_seconds", 60)
	v.SetDefault("proxy.check_timeout_seconds", 5)
	v.SetDefault("proxy.acquire_retries", 3)
	v.SetDefault("ingest.fanout_concurrency", 5)
	v.SetDefault("worker.concurrency", 4)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Scheduler.TickSeconds <= 0 {
		return fmt.Errorf("scheduler.tick_seconds must be > 0")
	}
	if c.Scheduler.HeartbeatTimeoutSeconds <= 0 {
		return fmt.Errorf("scheduler.heartbeat_timeout_seconds must be > 0")
	}
	if c.Proxy.MinSuccessRate < 0 || c.Proxy.MinSuccessRate > 1 {
		return fmt.Errorf("proxy.min_success_rate must be within [0,1]")
	}
	if c.Ingest.FanoutConcurrency <= 0 {
		return fmt.Errorf("ingest.fanout_concurrency must be > 0")
	}
	switch c.Queue.Provider {
	case "memory", "pubsub":
	default:
		return fmt.Errorf("unknown queue provider: %s", c.Queue.Provider)
	}
	if c.Queue.Provider == "pubsub" && (c.Queue.ProjectID == "" || c.Queue.TopicID == "") {
		return fmt.Errorf("queue.project_id and queue.topic_id are required for pubsub")
	}
	if c.Archive.Provider == "gcs" && c.Archive.GCSBucket == "" {
		return fmt.Errorf("archive.gcs_bucket is required for gcs archive")
	}
	return nil
}

// Tick returns the dispatch loop interval.
func (c SchedulerConfig) Tick() time.Duration {
	return time.Duration(c.TickSeconds) * time.Second
}

// HeartbeatTimeout returns the stall threshold.
func (c SchedulerConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSeconds) * time.Second
}

// HeartbeatGrace returns the minimum runtime before stall checks apply.
func (c SchedulerConfig) HeartbeatGrace() time.Duration {
	return time.Duration(c.HeartbeatGraceSeconds) * time.Second
}

// MonitorInterval returns how often the heartbeat monitor scans.
func (c SchedulerConfig) MonitorInterval() time.Duration {
	return time.Duration(c.MonitorIntervalSeconds) * time.Second
}

// RetryBackoff returns the fixed delay before a retry resubmission.
func (c SchedulerConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffSeconds) * time.Second
}

// Sweep returns the cooldown release interval.
func (c ProxyConfig) Sweep() time.Duration {
	return time.Duration(c.SweepSeconds) * time.Second
}

// CheckTimeout returns the dial timeout for admin health checks.
func (c ProxyConfig) CheckTimeout() time.Duration {
	return time.Duration(c.CheckTimeoutSeconds) * time.Second
}
