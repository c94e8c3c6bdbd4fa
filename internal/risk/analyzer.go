// Parcelguard - Package Forwarding Back Office Security & Audit Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parcelguard

package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/tomtom215/parcelguard/internal/audit"
	"github.com/tomtom215/parcelguard/internal/lockout"
	"github.com/tomtom215/parcelguard/internal/metrics"
)

// Analyzer computes risk assessments from the audit log and the lockout
// counters. All lookups are bounded counts; no assessment reads more than a
// handful of indexed ranges.
type Analyzer struct {
	store    audit.Store
	counters lockout.CounterStore
	cfg      Config

	// now is injectable for off-hours tests.
	now func() time.Time
}

// NewAnalyzer creates an analyzer. counters may be nil when lockout tracking
// is disabled; the lockout and failure-spike signals then never fire.
func NewAnalyzer(store audit.Store, counters lockout.CounterStore, cfg Config) *Analyzer {
	if cfg.IPFailureSpikeCount <= 0 {
		cfg.IPFailureSpikeCount = 5
	}
	return &Analyzer{
		store:    store,
		counters: counters,
		cfg:      cfg,
		now:      time.Now,
	}
}

// AnalyzeUser scores a user's current activity from the given IP.
// Side-effect free: the caller decides whether to record or alert.
func (a *Analyzer) AnalyzeUser(ctx context.Context, userID, ip string) (*Assessment, error) {
	now := a.now().UTC()
	assessment := &Assessment{
		Subject:    Subject{UserID: userID, IP: ip},
		Signals:    []string{},
		ComputedAt: now,
	}

	if ip != "" {
		novel, err := a.isNewIP(ctx, userID, ip, now)
		if err != nil {
			return nil, err
		}
		if novel {
			a.addSignal(assessment, SignalNewIP, weightNewIP)
		}
	}

	if a.isOffHours(now) {
		a.addSignal(assessment, SignalOffHours, weightOffHours)
	}

	rapid, err := a.isRapidLogins(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	if rapid {
		a.addSignal(assessment, SignalRapidLogins, weightRapidLogins)
	}

	a.applyIPSignals(ctx, assessment, ip)
	a.applyLockoutFloor(ctx, assessment, lockout.NormalizeKey(lockout.ScopeEmail, userID))
	a.finalize(assessment)
	return assessment, nil
}

// AnalyzeIP scores an IP's current activity independently of any user.
func (a *Analyzer) AnalyzeIP(ctx context.Context, ip string) (*Assessment, error) {
	now := a.now().UTC()
	assessment := &Assessment{
		Subject:    Subject{IP: ip},
		Signals:    []string{},
		ComputedAt: now,
	}

	if a.isOffHours(now) {
		a.addSignal(assessment, SignalOffHours, weightOffHours)
	}

	a.applyIPSignals(ctx, assessment, ip)
	a.applyLockoutFloor(ctx, assessment, lockout.NormalizeKey(lockout.ScopeIP, ip))
	a.finalize(assessment)
	return assessment, nil
}

func (a *Analyzer) addSignal(as *Assessment, name string, weight int) {
	as.Signals = append(as.Signals, name)
	as.Score += weight
}

// isNewIP reports whether the user has no successful login from this IP in
// the lookback window.
func (a *Analyzer) isNewIP(ctx context.Context, userID, ip string, now time.Time) (bool, error) {
	since := now.AddDate(0, 0, -a.cfg.NewIPLookbackDays)
	count, err := a.store.Count(ctx, audit.Filter{
		Types:    []audit.EventType{audit.TypeAuthentication},
		Actions:  []string{audit.ActionLoginSuccess},
		ActorID:  userID,
		OriginIP: ip,
		Since:    &since,
	})
	if err != nil {
		return false, fmt.Errorf("new-ip lookup: %w", err)
	}
	return count == 0, nil
}

// isOffHours reports whether t falls inside the configured window. The
// window wraps midnight when start > end (e.g. 23..6).
func (a *Analyzer) isOffHours(t time.Time) bool {
	hour := t.Hour()
	start, end := a.cfg.OffHoursStart, a.cfg.OffHoursEnd
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

// isRapidLogins reports whether the user produced more authentication events
// in the trailing window than the configured ceiling.
func (a *Analyzer) isRapidLogins(ctx context.Context, userID string, now time.Time) (bool, error) {
	since := now.Add(-a.cfg.RapidLoginWindow)
	count, err := a.store.Count(ctx, audit.Filter{
		Types:   []audit.EventType{audit.TypeAuthentication},
		ActorID: userID,
		Since:   &since,
	})
	if err != nil {
		return false, fmt.Errorf("rapid-login lookup: %w", err)
	}
	return count > int64(a.cfg.RapidLoginCount), nil
}

// applyIPSignals adds the failure-spike signal from the lockout window
// counter for the IP. Counter errors are ignored: a missing signal lowers
// the score, it never fails the assessment.
func (a *Analyzer) applyIPSignals(ctx context.Context, as *Assessment, ip string) {
	if a.counters == nil || ip == "" {
		return
	}
	count, err := a.counters.Get(ctx, lockout.NormalizeKey(lockout.ScopeIP, ip))
	if err == nil && count >= int64(a.cfg.IPFailureSpikeCount) {
		a.addSignal(as, SignalIPFailureSpike, weightIPFailureSpike)
	}
}

// applyLockoutFloor marks the assessment when the key is currently blocked.
// The lockout signal carries no weight; it floors the level at HIGH instead.
func (a *Analyzer) applyLockoutFloor(ctx context.Context, as *Assessment, key lockout.Key) {
	if a.counters == nil || key.Value == "" {
		return
	}
	if _, blocked, err := a.counters.BlockedUntil(ctx, key); err == nil && blocked {
		as.Signals = append(as.Signals, SignalLockout)
	}
}

// finalize caps the score, maps it to a level, applies the lockout floor,
// and counts the assessment.
func (a *Analyzer) finalize(as *Assessment) {
	if as.Score > 100 {
		as.Score = 100
	}
	as.Level = a.cfg.Thresholds.levelFor(as.Score)

	for _, s := range as.Signals {
		if s == SignalLockout && !as.Level.AtLeast(LevelHigh) {
			as.Level = LevelHigh
			break
		}
	}

	metrics.RiskAssessments.WithLabelValues(string(as.Level)).Inc()
}
