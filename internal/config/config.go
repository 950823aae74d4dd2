package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Events     EventsConfig     `yaml:"events"`
	Backend    BackendConfig    `yaml:"backend"`
	Grader     GraderConfig     `yaml:"grader"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Execution  ExecutionConfig  `yaml:"execution"`
	Registry   RegistryConfig   `yaml:"registry"`
	Quality    QualityConfig    `yaml:"quality"`
	Escalation EscalationConfig `yaml:"escalation"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Port        int    `yaml:"port"`
	MetricsPort int    `yaml:"metrics_port"`
	AdminToken  string `yaml:"admin_token"`
	PublicURL   string `yaml:"public_url"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type EventsConfig struct {
	URL string `yaml:"url"`
}

type BackendConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

type GraderConfig struct {
	URL string `yaml:"url"`
}

type SchedulerConfig struct {
	TickIntervalMs   int            `yaml:"tick_interval_ms"`
	AgingThresholdMs int            `yaml:"aging_threshold_ms"`
	RetryBaseMs      int            `yaml:"retry_base_ms"`
	RetryMaxMs       int            `yaml:"retry_max_ms"`
	MaxRetries       int            `yaml:"max_retries"`
	MaxRetriesByType map[string]int `yaml:"max_retries_by_type"`
}

type ExecutionConfig struct {
	PollIntervalMs   int            `yaml:"poll_interval_ms"`
	DefaultTimeoutMs int            `yaml:"default_timeout_ms"`
	TimeoutMsByType  map[string]int `yaml:"timeout_ms_by_type"`
}

type RegistryConfig struct {
	HeartbeatIntervalMs int `yaml:"heartbeat_interval_ms"`
	SuspectAfterMissed  int `yaml:"suspect_after_missed"`
	DegradedAfterMissed int `yaml:"degraded_after_missed"`
	OfflineAfterMs      int `yaml:"offline_after_ms"`
}

// QualityConfig holds the decision thresholds and per-type signal weights.
// Both are snapshotted onto every score record at decision time, so edits
// here never reinterpret historical decisions.
type QualityConfig struct {
	AutoApproveThreshold float64                  `yaml:"auto_approve_threshold"`
	MinThreshold         float64                  `yaml:"min_threshold"`
	DomainMatchFloor     float64                  `yaml:"domain_match_floor"`
	Weights              SignalWeights            `yaml:"weights"`
	WeightsByType        map[string]SignalWeights `yaml:"weights_by_type"`
}

type SignalWeights struct {
	Aesthetic   float64 `yaml:"aesthetic"`
	Technical   float64 `yaml:"technical"`
	DomainMatch float64 `yaml:"domain_match"`
}

type EscalationConfig struct {
	AutoThreshold      float64 `yaml:"auto_threshold"`
	ConfirmThreshold   float64 `yaml:"confirm_threshold"`
	RateLimitPerWindow int     `yaml:"rate_limit_per_window"`
	RateWindowMs       int     `yaml:"rate_window_ms"`
	ConfirmTTLMs       int     `yaml:"confirm_ttl_ms"`
	RecheckDelayMs     int     `yaml:"recheck_delay_ms"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Scheduler.TickIntervalMs) * time.Millisecond
}

func (c *Config) AgingThreshold() time.Duration {
	return time.Duration(c.Scheduler.AgingThresholdMs) * time.Millisecond
}

func (c *Config) RetryBase() time.Duration {
	return time.Duration(c.Scheduler.RetryBaseMs) * time.Millisecond
}

func (c *Config) RetryMax() time.Duration {
	return time.Duration(c.Scheduler.RetryMaxMs) * time.Millisecond
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Execution.PollIntervalMs) * time.Millisecond
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Registry.HeartbeatIntervalMs) * time.Millisecond
}

func (c *Config) OfflineAfter() time.Duration {
	return time.Duration(c.Registry.OfflineAfterMs) * time.Millisecond
}

func (c *Config) RateWindow() time.Duration {
	return time.Duration(c.Escalation.RateWindowMs) * time.Millisecond
}

func (c *Config) ConfirmTTL() time.Duration {
	return time.Duration(c.Escalation.ConfirmTTLMs) * time.Millisecond
}

func (c *Config) RecheckDelay() time.Duration {
	return time.Duration(c.Escalation.RecheckDelayMs) * time.Millisecond
}

// MaxRetriesFor returns the retry budget for a task type.
func (c *Config) MaxRetriesFor(taskType string) int {
	if n, ok := c.Scheduler.MaxRetriesByType[taskType]; ok {
		return n
	}
	return c.Scheduler.MaxRetries
}

// TimeoutFor returns the execution timeout ceiling for a task type.
func (c *Config) TimeoutFor(taskType string) time.Duration {
	if ms, ok := c.Execution.TimeoutMsByType[taskType]; ok {
		return time.Duration(ms) * time.Millisecond
	}
	return time.Duration(c.Execution.DefaultTimeoutMs) * time.Millisecond
}

// WeightsFor returns the quality signal weights for a task type.
func (c *Config) WeightsFor(taskType string) SignalWeights {
	if w, ok := c.Quality.WeightsByType[taskType]; ok {
		return w
	}
	return c.Quality.Weights
}

func Load(path string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:        8700,
			MetricsPort: 8701,
			PublicURL:   "http://localhost:8700",
		},
		Events: EventsConfig{
			URL: "nats://localhost:4222",
		},
		Backend: BackendConfig{
			URL: "http://localhost:9100",
		},
		Grader: GraderConfig{
			URL: "http://localhost:9200",
		},
		Scheduler: SchedulerConfig{
			TickIntervalMs:   2000,
			AgingThresholdMs: 300000,
			RetryBaseMs:      1000,
			RetryMaxMs:       60000,
			MaxRetries:       3,
		},
		Execution: ExecutionConfig{
			PollIntervalMs:   5000,
			DefaultTimeoutMs: 900000,
		},
		Registry: RegistryConfig{
			HeartbeatIntervalMs: 10000,
			SuspectAfterMissed:  1,
			DegradedAfterMissed: 3,
			OfflineAfterMs:      120000,
		},
		Quality: QualityConfig{
			AutoApproveThreshold: 0.80,
			MinThreshold:         0.65,
			DomainMatchFloor:     0.40,
			Weights: SignalWeights{
				Aesthetic:   0.4,
				Technical:   0.3,
				DomainMatch: 0.3,
			},
		},
		Escalation: EscalationConfig{
			AutoThreshold:      0.85,
			ConfirmThreshold:   0.60,
			RateLimitPerWindow: 3,
			RateWindowMs:       3600000,
			ConfirmTTLMs:       900000,
			RecheckDelayMs:     30000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("WARDEN_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}
	if v := os.Getenv("WARDEN_METRICS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.MetricsPort = n
		}
	}
	if v := os.Getenv("WARDEN_ADMIN_TOKEN"); v != "" {
		cfg.Server.AdminToken = v
	}
	if v := os.Getenv("WARDEN_PUBLIC_URL"); v != "" {
		cfg.Server.PublicURL = v
	}
	if v := os.Getenv("WARDEN_DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("WARDEN_EVENTS_URL"); v != "" {
		cfg.Events.URL = v
	}
	if v := os.Getenv("WARDEN_BACKEND_URL"); v != "" {
		cfg.Backend.URL = v
	}
	if v := os.Getenv("WARDEN_BACKEND_TOKEN"); v != "" {
		cfg.Backend.Token = v
	}
	if v := os.Getenv("WARDEN_GRADER_URL"); v != "" {
		cfg.Grader.URL = v
	}
	if v := os.Getenv("WARDEN_TICK_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Scheduler.TickIntervalMs = n
		}
	}
	if v := os.Getenv("WARDEN_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Scheduler.MaxRetries = n
		}
	}
	if v := os.Getenv("WARDEN_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
