// Parcelguard - Package Forwarding Back Office Security & Audit Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parcelguard

package lockout

import (
	"context"
	"time"

	"github.com/tomtom215/parcelguard/internal/audit"
	"github.com/tomtom215/parcelguard/internal/logging"
	"github.com/tomtom215/parcelguard/internal/metrics"
)

// Config configures the tracker thresholds.
type Config struct {
	Enabled       bool
	MaxAttempts   int
	Window        time.Duration
	BlockDuration time.Duration
	TrackByIP     bool
}

// BlockHandler is invoked when a key transitions into the blocked state.
// Used to hook alerting; it runs synchronously on the failure path.
type BlockHandler func(ctx context.Context, key Key, until time.Time)

// Tracker implements the failed-authentication lockout policy on top of a
// CounterStore.
type Tracker struct {
	store    CounterStore
	recorder *audit.Recorder
	cfg      Config
	onBlock  BlockHandler

	now func() time.Time
}

// NewTracker creates a tracker. recorder and onBlock may be nil.
func NewTracker(store CounterStore, recorder *audit.Recorder, cfg Config, onBlock BlockHandler) *Tracker {
	return &Tracker{
		store:    store,
		recorder: recorder,
		cfg:      cfg,
		onBlock:  onBlock,
		now:      time.Now,
	}
}

// RecordFailure registers one failed attempt for the email and, when IP
// tracking is on, the origin IP. Returns true if any key is now blocked.
// Counter errors are logged and swallowed: a broken counter store must not
// take the login path down with it.
func (t *Tracker) RecordFailure(ctx context.Context, email, ip string) bool {
	if !t.cfg.Enabled {
		return false
	}

	blocked := t.recordFailureFor(ctx, NormalizeKey(ScopeEmail, email), ip)
	if t.cfg.TrackByIP && ip != "" {
		if t.recordFailureFor(ctx, NormalizeKey(ScopeIP, ip), ip) {
			blocked = true
		}
	}
	return blocked
}

func (t *Tracker) recordFailureFor(ctx context.Context, key Key, ip string) bool {
	if key.Value == "" {
		return false
	}

	count, err := t.store.Increment(ctx, key, t.cfg.Window)
	if err != nil {
		logging.Error().Err(err).
			Str("scope", string(key.Scope)).
			Msg("failed to increment lockout counter")
		return false
	}

	if count < int64(t.cfg.MaxAttempts) {
		return false
	}

	// Already blocked keys stay blocked; do not re-trigger on every further
	// failure within the window.
	if _, already, err := t.store.BlockedUntil(ctx, key); err == nil && already {
		return true
	}

	until := t.now().Add(t.cfg.BlockDuration)
	if err := t.store.SetBlocked(ctx, key, until); err != nil {
		logging.Error().Err(err).
			Str("scope", string(key.Scope)).
			Msg("failed to set lockout block")
		return false
	}

	metrics.LockoutsTriggered.WithLabelValues(string(key.Scope)).Inc()
	logging.Warn().
		Str("scope", string(key.Scope)).
		Int64("failures", count).
		Time("until", until).
		Msg("lockout triggered")

	if t.recorder != nil {
		t.recorder.RecordLockoutTriggered(ctx, string(key.Scope), key.Value, ip, t.cfg.BlockDuration)
	}
	if t.onBlock != nil {
		t.onBlock(ctx, key, until)
	}
	return true
}

// RecordSuccess resets the email window and block after a successful login.
// IP counters are deliberately left alone so a distributed attack cannot
// launder its counter through one valid account.
func (t *Tracker) RecordSuccess(ctx context.Context, email string) {
	if !t.cfg.Enabled || email == "" {
		return
	}
	key := NormalizeKey(ScopeEmail, email)
	if err := t.store.Delete(ctx, key); err != nil {
		logging.Error().Err(err).Msg("failed to reset lockout counter")
	}
}

// IsBlocked reports whether the email or IP is currently blocked. Hot path:
// reads only, never increments. A store error fails open so an infrastructure
// problem cannot lock every customer out.
func (t *Tracker) IsBlocked(ctx context.Context, email, ip string) bool {
	if !t.cfg.Enabled {
		return false
	}

	keys := []Key{NormalizeKey(ScopeEmail, email)}
	if t.cfg.TrackByIP && ip != "" {
		keys = append(keys, NormalizeKey(ScopeIP, ip))
	}

	for _, key := range keys {
		if key.Value == "" {
			continue
		}
		_, blocked, err := t.store.BlockedUntil(ctx, key)
		if err != nil {
			logging.Error().Err(err).
				Str("scope", string(key.Scope)).
				Msg("lockout check failed, failing open")
			continue
		}
		if blocked {
			metrics.BlockedChecks.WithLabelValues("blocked").Inc()
			return true
		}
	}

	metrics.BlockedChecks.WithLabelValues("clean").Inc()
	return false
}

// BlockedFor returns the remaining block time rounded up to the minute, zero
// when not blocked. Coarse on purpose: the caller's "temporarily locked"
// message must not leak which scope matched or the exact expiry.
func (t *Tracker) BlockedFor(ctx context.Context, email, ip string) time.Duration {
	if !t.cfg.Enabled {
		return 0
	}

	keys := []Key{NormalizeKey(ScopeEmail, email)}
	if t.cfg.TrackByIP && ip != "" {
		keys = append(keys, NormalizeKey(ScopeIP, ip))
	}

	var max time.Duration
	for _, key := range keys {
		until, blocked, err := t.store.BlockedUntil(ctx, key)
		if err != nil || !blocked {
			continue
		}
		if d := until.Sub(t.now()); d > max {
			max = d
		}
	}
	if max <= 0 {
		return 0
	}

	rounded := max.Truncate(time.Minute)
	if rounded < max {
		rounded += time.Minute
	}
	return rounded
}

// Clear removes the counter and block for a key. Operator remediation path;
// records a lockout_cleared audit event.
func (t *Tracker) Clear(ctx context.Context, scope Scope, value, actorID string) error {
	key := NormalizeKey(scope, value)
	if err := t.store.Delete(ctx, key); err != nil {
		return err
	}
	if t.recorder != nil {
		t.recorder.Record(ctx, audit.Event{
			ActorID:     actorID,
			Type:        audit.TypeAuthentication,
			Action:      audit.ActionLockoutCleared,
			SubjectType: string(scope),
			SubjectID:   key.Value,
		})
	}
	return nil
}
