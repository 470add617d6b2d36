// Package config loads server configuration from environment variables,
// with numeric tuning knobs that named YAML profiles can override.
package config

import (
	"os"
	"strconv"
	"strings"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string
	// DatabaseURL is optional; empty selects lite mode, where state lives
	// in process memory plus a local SQLite file.
	DatabaseURL string
	// RedisURL is optional; empty selects the in-process key-value and
	// rate-limit backends.
	RedisURL string

	ChittyIDBaseURL string
	ChittyIDAPIKey  string

	// SinksPath points at the export sink declarations; empty disables
	// distribution.
	SinksPath          string
	ExportMasterSecret string

	// ProfilesDir and Profile select an optional tuning profile applied on
	// top of the environment.
	ProfilesDir string
	Profile     string

	OTLPEndpoint string

	Tuning Tuning
}

// Tuning collects the recognized numeric options and their defaults.
type Tuning struct {
	Retry      RetryTuning             `yaml:"retry"`
	RateLimits map[string]BucketTuning `yaml:"rate_limits,omitempty"`
	Session    SessionTuning           `yaml:"session"`
	Rollout    RolloutTuning           `yaml:"rollout"`
	Export     ExportTuning            `yaml:"export"`
}

// RetryTuning caps outbound retry loops.
type RetryTuning struct {
	MaxAttempts int `yaml:"max_attempts"`
	BaseDelayMs int `yaml:"base_delay_ms"`
}

// BucketTuning is one rate-limit class's bucket shape.
type BucketTuning struct {
	Requests      int `yaml:"requests"`
	WindowSeconds int `yaml:"window_seconds"`
}

// SessionTuning controls session lifecycle sweeps.
type SessionTuning struct {
	ArchiveAfterDays int `yaml:"archive_after_days"`
}

// RolloutTuning controls capability metric windows and invocation pruning.
type RolloutTuning struct {
	WindowHours        int `yaml:"window_hours"`
	PruneOlderThanDays int `yaml:"prune_older_than_days"`
}

// ExportTuning controls the outbound event drain.
type ExportTuning struct {
	BatchSize  int `yaml:"batch_size"`
	MaxRetries int `yaml:"max_retries"`
}

// DefaultTuning returns the shipped defaults.
func DefaultTuning() Tuning {
	return Tuning{
		Retry: RetryTuning{MaxAttempts: 10, BaseDelayMs: 1000},
		RateLimits: map[string]BucketTuning{
			"mcp_tools_call":         {Requests: 100, WindowSeconds: 60},
			"chittyid_mint":          {Requests: 10, WindowSeconds: 60},
			"api":                    {Requests: 300, WindowSeconds: 60},
			"default":                {Requests: 60, WindowSeconds: 60},
			"authenticated_override": {Requests: 1000, WindowSeconds: 60},
		},
		Session: SessionTuning{ArchiveAfterDays: 7},
		Rollout: RolloutTuning{WindowHours: 168, PruneOlderThanDays: 90},
		Export:  ExportTuning{BatchSize: 50, MaxRetries: 5},
	}
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		Port:        envOr("PORT", "8080"),
		LogLevel:    envOr("LOG_LEVEL", "INFO"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),

		ChittyIDBaseURL: envOr("CHITTYID_URL", "https://id.chitty.cc"),
		ChittyIDAPIKey:  os.Getenv("CHITTYID_API_KEY"),

		SinksPath:          os.Getenv("EXPORT_SINKS_PATH"),
		ExportMasterSecret: os.Getenv("EXPORT_MASTER_SECRET"),

		ProfilesDir: os.Getenv("PROFILES_DIR"),
		Profile:     envOr("PROFILE", "default"),

		OTLPEndpoint: os.Getenv("OTLP_ENDPOINT"),

		Tuning: DefaultTuning(),
	}
	cfg.Tuning.applyEnv()
	return cfg
}

// applyEnv overlays recognized environment overrides onto the tuning set.
func (t *Tuning) applyEnv() {
	t.Retry.MaxAttempts = envInt("RETRY_MAX_ATTEMPTS", t.Retry.MaxAttempts)
	t.Retry.BaseDelayMs = envInt("RETRY_BASE_DELAY_MS", t.Retry.BaseDelayMs)
	t.Session.ArchiveAfterDays = envInt("SESSION_ARCHIVE_AFTER_DAYS", t.Session.ArchiveAfterDays)
	t.Rollout.WindowHours = envInt("ROLLOUT_WINDOW_HOURS", t.Rollout.WindowHours)
	t.Rollout.PruneOlderThanDays = envInt("ROLLOUT_PRUNE_OLDER_THAN_DAYS", t.Rollout.PruneOlderThanDays)
	t.Export.BatchSize = envInt("EXPORT_BATCH_SIZE", t.Export.BatchSize)
	t.Export.MaxRetries = envInt("EXPORT_MAX_RETRIES", t.Export.MaxRetries)
	for class, bucket := range t.RateLimits {
		prefix := "RATE_LIMIT_" + strings.ToUpper(class) + "_"
		bucket.Requests = envInt(prefix+"REQUESTS", bucket.Requests)
		bucket.WindowSeconds = envInt(prefix+"WINDOW_SECONDS", bucket.WindowSeconds)
		t.RateLimits[class] = bucket
	}
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envInt(name string, fallback int) int {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
