package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

var GlobalConfig *Config

// Config global configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Redis        RedisConfig        `yaml:"redis"`
	MySQL        MySQLConfig        `yaml:"mysql"`
	Queue        QueueConfig        `yaml:"queue"`
	Worker       WorkerConfig       `yaml:"worker"`
	FindMax      FindMaxConfig      `yaml:"findmax"`
	Logger       LoggerConfig       `yaml:"logger"`
	K8s          K8sConfig          `yaml:"k8s"`
	Notification NotificationConfig `yaml:"notification"`
}

// NotificationConfig run completion notification configuration
type NotificationConfig struct {
	FeishuWebhookURL string `yaml:"feishu_webhook_url"` // empty disables notifications
}

// ServerConfig orchestrator HTTP server configuration
type ServerConfig struct {
	Port   int    `yaml:"port"`
	Mode   string `yaml:"mode"`    // debug, release
	APIKey string `yaml:"api_key"` // empty disables auth
}

// RedisConfig shared state store configuration
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MySQLConfig results archive configuration
type MySQLConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// DSN builds the MySQL connection string.
func (c MySQLConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// QueueConfig finalize queue configuration
type QueueConfig struct {
	Concurrency int `yaml:"concurrency"`  // queue processing concurrency
	MaxRetry    int `yaml:"max_retry"`    // maximum retry count
	TaskTimeout int `yaml:"task_timeout"` // task timeout (seconds)
}

// WorkerConfig worker-side protocol timing
type WorkerConfig struct {
	HeartbeatInterval int `yaml:"heartbeat_interval"`  // Heartbeat refresh interval (seconds)
	HeartbeatTimeout  int `yaml:"heartbeat_timeout"`   // Staleness ceiling (seconds)
	StatusPollMs      int `yaml:"status_poll_ms"`      // RunStatus poll interval (milliseconds)
	RendezvousTimeout int `yaml:"rendezvous_timeout"`  // Max wait for RUNNING (seconds)
	ShutdownGraceSecs int `yaml:"shutdown_grace_secs"` // Teardown drain window (seconds)
}

// FindMaxConfig default search parameters; per-run overrides win
type FindMaxConfig struct {
	StartConcurrency     int     `yaml:"start_concurrency"`
	MaxConcurrency       int     `yaml:"max_concurrency"`
	ConcurrencyIncrement int     `yaml:"concurrency_increment"`
	StepDurationSeconds  int     `yaml:"step_duration_seconds"`
	MaxErrorRatePct      float64 `yaml:"max_error_rate_pct"`
	LatencyStabilityPct  float64 `yaml:"latency_stability_pct"`
	ThinkTimeMs          int     `yaml:"think_time_ms"`
	QPSCapPerWorker      float64 `yaml:"qps_cap_per_worker"`
}

// LoggerConfig logger configuration
type LoggerConfig struct {
	Level  string           `yaml:"level"`  // debug, info, warn, error
	Output string           `yaml:"output"` // console, file, both
	File   LoggerFileConfig `yaml:"file"`
}

// LoggerFileConfig logger file configuration
type LoggerFileConfig struct {
	Path string `yaml:"path"`
}

// K8sConfig worker launcher configuration
type K8sConfig struct {
	Enabled     bool   `yaml:"enabled"`      // launch workers as a K8s Job
	Namespace   string `yaml:"namespace"`    // K8s namespace
	WorkerImage string `yaml:"worker_image"` // image the worker pods run
	Kubeconfig  string `yaml:"kubeconfig"`   // empty = in-cluster config
}

// HeartbeatIntervalDuration worker heartbeat interval as a duration.
func (c WorkerConfig) HeartbeatIntervalDuration() time.Duration {
	if c.HeartbeatInterval <= 0 {
		return time.Second
	}
	return time.Duration(c.HeartbeatInterval) * time.Second
}

// HeartbeatTimeoutDuration staleness ceiling as a duration.
func (c WorkerConfig) HeartbeatTimeoutDuration() time.Duration {
	if c.HeartbeatTimeout <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.HeartbeatTimeout) * time.Second
}

// StatusPollDuration RunStatus poll interval as a duration.
func (c WorkerConfig) StatusPollDuration() time.Duration {
	if c.StatusPollMs <= 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(c.StatusPollMs) * time.Millisecond
}

// RendezvousTimeoutDuration rendezvous ceiling as a duration.
func (c WorkerConfig) RendezvousTimeoutDuration() time.Duration {
	if c.RendezvousTimeout <= 0 {
		return 2 * time.Minute
	}
	return time.Duration(c.RendezvousTimeout) * time.Second
}

// ShutdownGraceDuration teardown drain ceiling as a duration.
func (c WorkerConfig) ShutdownGraceDuration() time.Duration {
	if c.ShutdownGraceSecs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.ShutdownGraceSecs) * time.Second
}

// Init initializes configuration
func Init() error {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return err
	}

	GlobalConfig = &cfg
	return nil
}
