// Parcelguard - Package Forwarding Back Office Security & Audit Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parcelguard

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := defaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidateRejectsBadThresholds(t *testing.T) {
	cfg := defaultConfig()
	cfg.Risk.Thresholds.High = cfg.Risk.Thresholds.Medium // not strictly increasing
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for non-increasing risk thresholds")
	}
}

func TestValidateRejectsZeroWindow(t *testing.T) {
	cfg := defaultConfig()
	cfg.Lockout.Window = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero lockout window")
	}
}

func TestValidateRejectsBadWarmupWindow(t *testing.T) {
	cfg := defaultConfig()
	cfg.Cache.WarmupWindows = []int{7, -1}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for negative warmup window")
	}
}

func TestEnvTransform(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"PARCELGUARD_LOCKOUT_MAX_ATTEMPTS", "lockout.max_attempts"},
		{"PARCELGUARD_AUDIT_BATCH_SIZE", "audit.batch_size"},
		{"PARCELGUARD_SERVER_PORT", "server.port"},
		{"PARCELGUARD_LOGGING_LEVEL", "logging.level"},
	}

	for _, tt := range tests {
		if got := envTransform(tt.in); got != tt.want {
			t.Errorf("envTransform(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoadFromFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
lockout:
  max_attempts: 7
audit:
  batch_size: 50
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("PARCELGUARD_LOCKOUT_BLOCK_DURATION", "1h")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Lockout.MaxAttempts != 7 {
		t.Errorf("file override not applied: MaxAttempts = %d, want 7", cfg.Lockout.MaxAttempts)
	}
	if cfg.Audit.BatchSize != 50 {
		t.Errorf("file override not applied: BatchSize = %d, want 50", cfg.Audit.BatchSize)
	}
	if cfg.Lockout.BlockDuration != time.Hour {
		t.Errorf("env override not applied: BlockDuration = %v, want 1h", cfg.Lockout.BlockDuration)
	}
	// Untouched fields keep defaults
	if cfg.Audit.MaxAttempts != 3 {
		t.Errorf("default lost: MaxAttempts = %d, want 3", cfg.Audit.MaxAttempts)
	}
}
