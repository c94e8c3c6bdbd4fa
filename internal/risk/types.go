// Parcelguard - Package Forwarding Back Office Security & Audit Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parcelguard

// Package risk scores authentication activity against the audit log and the
// lockout counters, and dispatches alerts for high-scoring assessments.
// Analysis is side-effect free; recording and alerting decisions belong to
// the caller.
package risk

import (
	"time"
)

// Level is the ordinal severity of an assessment.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// rank orders levels for floor comparisons.
func (l Level) rank() int {
	switch l {
	case LevelMedium:
		return 1
	case LevelHigh:
		return 2
	case LevelCritical:
		return 3
	default:
		return 0
	}
}

// AtLeast reports whether l is at or above other.
func (l Level) AtLeast(other Level) bool {
	return l.rank() >= other.rank()
}

// Signal names contributed to an assessment.
const (
	SignalNewIP          = "new_ip"
	SignalOffHours       = "off_hours"
	SignalRapidLogins    = "rapid_logins"
	SignalIPFailureSpike = "ip_failure_spike"
	SignalLockout        = "lockout_triggered"
)

// Signal weights. Additive, capped at 100. The lockout signal additionally
// floors the level at HIGH regardless of the numeric score.
const (
	weightNewIP          = 25
	weightOffHours       = 15
	weightRapidLogins    = 30
	weightIPFailureSpike = 30
)

// Subject identifies what an assessment is about. Either field may be empty.
type Subject struct {
	UserID string `json:"user_id,omitempty"`
	IP     string `json:"ip,omitempty"`
}

// Assessment is the outcome of one analysis pass.
type Assessment struct {
	Subject    Subject   `json:"subject"`
	Score      int       `json:"score"`
	Level      Level     `json:"level"`
	Signals    []string  `json:"signals"`
	ComputedAt time.Time `json:"computed_at"`
}

// Alert carries an assessment to the notifiers. ID correlates notifier
// deliveries with the alert_dispatched audit record.
type Alert struct {
	ID         string         `json:"id"`
	Assessment *Assessment    `json:"assessment"`
	Context    map[string]any `json:"context,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Thresholds maps scores to levels. A score below Medium is LOW.
type Thresholds struct {
	Medium   int
	High     int
	Critical int
}

// levelFor maps a score to its band.
func (t Thresholds) levelFor(score int) Level {
	switch {
	case score >= t.Critical:
		return LevelCritical
	case score >= t.High:
		return LevelHigh
	case score >= t.Medium:
		return LevelMedium
	default:
		return LevelLow
	}
}

// Config configures the analyzer.
type Config struct {
	// NewIPLookbackDays is how far back a successful login from an IP keeps
	// it "known" for a user.
	NewIPLookbackDays int

	// OffHoursStart/OffHoursEnd bound the off-hours window in UTC hours.
	// The window wraps midnight when start > end.
	OffHoursStart int
	OffHoursEnd   int

	// RapidLoginCount within RapidLoginWindow triggers the stuffing signal.
	RapidLoginCount  int
	RapidLoginWindow time.Duration

	// IPFailureSpikeCount is the window failure count at which an IP is
	// considered spiking. Zero means 5.
	IPFailureSpikeCount int

	Thresholds Thresholds
}
