// Parcelguard - Package Forwarding Back Office Security & Audit Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parcelguard

// Package config provides layered configuration loading for Parcelguard.
// Defaults are overridden by an optional YAML file, which is overridden by
// PARCELGUARD_-prefixed environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for the service.
type Config struct {
	Logging LoggingConfig `koanf:"logging"`
	Server  ServerConfig  `koanf:"server"`
	Storage StorageConfig `koanf:"storage"`
	Audit   AuditConfig   `koanf:"audit"`
	Lockout LockoutConfig `koanf:"lockout"`
	Risk    RiskConfig    `koanf:"risk"`
	Cache   CacheConfig   `koanf:"cache"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn warning error disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

// ServerConfig configures the operator read API.
type ServerConfig struct {
	Host    string        `koanf:"host" validate:"required"`
	Port    int           `koanf:"port" validate:"gte=1,lte=65535"`
	Timeout time.Duration `koanf:"timeout"`

	// RateLimit is the per-IP request ceiling for the read API.
	RateLimit       int           `koanf:"rate_limit" validate:"gte=1"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`

	// CORSAllowedOrigins lists origins allowed to consume the API.
	CORSAllowedOrigins []string `koanf:"cors_allowed_origins"`
}

// StorageConfig configures the embedded BadgerDB store.
type StorageConfig struct {
	// Path is the BadgerDB directory. Empty means in-memory (tests, dev).
	Path string `koanf:"path"`
}

// AuditConfig configures event capture and the batch writer.
type AuditConfig struct {
	Enabled bool `koanf:"enabled"`

	// AsyncEnabled routes model mutation and HTTP events through the
	// batch pipeline instead of synchronous appends.
	AsyncEnabled bool `koanf:"async_enabled"`

	// BatchSize is the chunk size for bulk inserts.
	BatchSize int `koanf:"batch_size" validate:"gte=1"`

	// FlushInterval flushes a partial chunk after this long.
	FlushInterval time.Duration `koanf:"flush_interval"`

	// MaxAttempts is the retry ceiling for a failed chunk flush.
	MaxAttempts int `koanf:"max_attempts" validate:"gte=1"`

	// RetryDelay is the delay between chunk flush attempts.
	RetryDelay time.Duration `koanf:"retry_delay"`

	// JobTimeout is the wall-clock budget for one batch job.
	JobTimeout time.Duration `koanf:"job_timeout"`

	// AuditedKinds lists the entity kinds whose mutations are recorded.
	AuditedKinds []string `koanf:"audited_kinds"`

	// CriticalKinds marks kinds with longer retention intent.
	CriticalKinds []string `koanf:"critical_kinds"`

	// RedactFields is the global denylist of field names scrubbed from
	// before/after/extra payloads.
	RedactFields []string `koanf:"redact_fields"`

	// RedactFieldsPerKind adds per-entity-kind denylist entries.
	RedactFieldsPerKind map[string][]string `koanf:"redact_fields_per_kind"`

	// RetentionDays is how long audit records are kept.
	RetentionDays int `koanf:"retention_days" validate:"gte=1"`
}

// LockoutConfig configures the failed-authentication tracker.
type LockoutConfig struct {
	Enabled bool `koanf:"enabled"`

	// MaxAttempts is the failure ceiling within Window before a block.
	MaxAttempts int `koanf:"max_attempts" validate:"gte=1"`

	// Window is the sliding failure-counting window.
	Window time.Duration `koanf:"window"`

	// BlockDuration is how long a blocked key stays blocked.
	BlockDuration time.Duration `koanf:"block_duration"`

	// TrackByIP also counts failures per source IP.
	TrackByIP bool `koanf:"track_by_ip"`
}

// RiskConfig configures the risk analyzer.
type RiskConfig struct {
	// NewIPLookbackDays is how far back to look for a known IP.
	NewIPLookbackDays int `koanf:"new_ip_lookback_days" validate:"gte=1"`

	// OffHoursStart/OffHoursEnd bound the off-hours window (local hours,
	// the window wraps midnight when start > end).
	OffHoursStart int `koanf:"off_hours_start" validate:"gte=0,lte=23"`
	OffHoursEnd   int `koanf:"off_hours_end" validate:"gte=0,lte=23"`

	// RapidLoginCount within RapidLoginWindow triggers the stuffing signal.
	RapidLoginCount  int           `koanf:"rapid_login_count" validate:"gte=1"`
	RapidLoginWindow time.Duration `koanf:"rapid_login_window"`

	Thresholds RiskThresholds `koanf:"thresholds"`

	// AlertWebhookURL receives HIGH+ alerts. Empty disables webhook delivery.
	AlertWebhookURL string `koanf:"alert_webhook_url" validate:"omitempty,url"`
}

// RiskThresholds maps scores to ordinal levels. A score below Medium is LOW.
type RiskThresholds struct {
	Medium   int `koanf:"medium" validate:"gte=1,lte=100"`
	High     int `koanf:"high" validate:"gte=1,lte=100"`
	Critical int `koanf:"critical" validate:"gte=1,lte=100"`
}

// CacheConfig configures the statistics cache layer.
type CacheConfig struct {
	// DefaultTTL is for frequently-changing aggregates.
	DefaultTTL time.Duration `koanf:"default_ttl"`

	// SlowTTL is for slow-moving aggregates.
	SlowTTL time.Duration `koanf:"slow_ttl"`

	// WarmupInterval is how often the warmer recomputes common keys.
	WarmupInterval time.Duration `koanf:"warmup_interval"`

	// WarmupWindows lists trailing-day windows to pre-warm (e.g. 7, 30, 90).
	WarmupWindows []int `koanf:"warmup_windows"`
}

// defaultConfig returns a Config with all defaults applied.
// These are applied first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8443,
			Timeout:         30 * time.Second,
			RateLimit:          120,
			RateLimitWindow:    time.Minute,
			CORSAllowedOrigins: []string{"*"},
		},
		Storage: StorageConfig{
			Path: "/data/parcelguard",
		},
		Audit: AuditConfig{
			Enabled:       true,
			AsyncEnabled:  true,
			BatchSize:     100,
			FlushInterval: 5 * time.Second,
			MaxAttempts:   3,
			RetryDelay:    30 * time.Second,
			JobTimeout:    5 * time.Minute,
			AuditedKinds: []string{
				"customer", "package", "manifest", "invoice", "user", "warehouse",
			},
			CriticalKinds: []string{"user", "invoice"},
			RedactFields: []string{
				"password", "password_confirmation", "secret", "token",
				"api_key", "credit_card", "card_number", "cvv", "ssn",
			},
			RedactFieldsPerKind: map[string][]string{},
			RetentionDays:       365,
		},
		Lockout: LockoutConfig{
			Enabled:       true,
			MaxAttempts:   5,
			Window:        15 * time.Minute,
			BlockDuration: 30 * time.Minute,
			TrackByIP:     true,
		},
		Risk: RiskConfig{
			NewIPLookbackDays: 30,
			OffHoursStart:     23,
			OffHoursEnd:       6,
			RapidLoginCount:   10,
			RapidLoginWindow:  5 * time.Minute,
			Thresholds: RiskThresholds{
				Medium:   25,
				High:     50,
				Critical: 75,
			},
		},
		Cache: CacheConfig{
			DefaultTTL:     15 * time.Minute,
			SlowTTL:        time.Hour,
			WarmupInterval: 30 * time.Minute,
			WarmupWindows:  []int{7, 30, 90},
		},
	}
}

// validate is the shared struct validator instance.
var validate = validator.New()

// Validate checks the configuration for structural and cross-field errors.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	if c.Audit.FlushInterval <= 0 {
		return fmt.Errorf("audit.flush_interval must be positive")
	}
	if c.Audit.JobTimeout <= 0 {
		return fmt.Errorf("audit.job_timeout must be positive")
	}
	if c.Lockout.Window <= 0 || c.Lockout.BlockDuration <= 0 {
		return fmt.Errorf("lockout.window and lockout.block_duration must be positive")
	}
	if c.Cache.DefaultTTL <= 0 || c.Cache.SlowTTL <= 0 {
		return fmt.Errorf("cache TTLs must be positive")
	}

	t := c.Risk.Thresholds
	if !(t.Medium < t.High && t.High < t.Critical) {
		return fmt.Errorf("risk thresholds must be strictly increasing: medium < high < critical")
	}

	for _, w := range c.Cache.WarmupWindows {
		if w <= 0 {
			return fmt.Errorf("cache.warmup_windows entries must be positive, got %d", w)
		}
	}

	return nil
}
