// Parcelguard - Package Forwarding Back Office Security & Audit Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parcelguard

package listener

import (
	"context"
	"fmt"

	"github.com/tomtom215/parcelguard/internal/audit"
	"github.com/tomtom215/parcelguard/internal/lockout"
	"github.com/tomtom215/parcelguard/internal/logging"
	"github.com/tomtom215/parcelguard/internal/risk"
)

// AuthListener translates authentication domain events into audit records,
// drives the lockout tracker, and runs risk analysis on qualifying events.
type AuthListener struct {
	recorder   *audit.Recorder
	tracker    *lockout.Tracker
	analyzer   *risk.Analyzer
	dispatcher *risk.Dispatcher
}

// NewAuthListener creates the listener. tracker, analyzer, and dispatcher
// may each be nil; the corresponding behavior is then skipped.
func NewAuthListener(recorder *audit.Recorder, tracker *lockout.Tracker, analyzer *risk.Analyzer, dispatcher *risk.Dispatcher) *AuthListener {
	return &AuthListener{
		recorder:   recorder,
		tracker:    tracker,
		analyzer:   analyzer,
		dispatcher: dispatcher,
	}
}

func (l *AuthListener) Name() string { return "auth" }

// Handle routes one domain event. Unknown event names are ignored so the bus
// can carry events this listener does not care about.
func (l *AuthListener) Handle(ctx context.Context, e DomainEvent) error {
	switch e.Name {
	case EventLoginSuccess:
		return l.handleLoginSuccess(ctx, e)
	case EventLoginFailure:
		return l.handleLoginFailure(ctx, e)
	case EventLogout:
		l.recorder.Record(ctx, audit.Event{
			ActorID: e.UserID, Type: audit.TypeAuthentication,
			Action: audit.ActionLogout, OriginIP: e.IP,
			UserAgent: e.UserAgent, OccurredAt: e.OccurredAt,
		})
	case EventPasswordChanged:
		l.recorder.Record(ctx, audit.Event{
			ActorID: e.UserID, Type: audit.TypeAuthentication,
			Action: audit.ActionPasswordChanged, OriginIP: e.IP,
			OccurredAt: e.OccurredAt,
		})
	case EventRoleAssigned, EventRoleRevoked:
		action := audit.ActionRoleAssigned
		if e.Name == EventRoleRevoked {
			action = audit.ActionRoleRevoked
		}
		l.recorder.Record(ctx, audit.Event{
			ActorID: e.UserID, Type: audit.TypeAuthorization,
			Action: action, OriginIP: e.IP,
			Extra: e.Payload, OccurredAt: e.OccurredAt,
		})
	}
	return nil
}

func (l *AuthListener) handleLoginSuccess(ctx context.Context, e DomainEvent) error {
	l.recorder.RecordLoginSuccess(ctx, e.UserID, e.IP, e.UserAgent)
	if l.tracker != nil {
		l.tracker.RecordSuccess(ctx, e.UserID)
	}
	return l.assess(ctx, e)
}

func (l *AuthListener) handleLoginFailure(ctx context.Context, e DomainEvent) error {
	reason, _ := e.Payload["reason"].(string)
	l.recorder.RecordLoginFailure(ctx, e.UserID, e.IP, e.UserAgent, reason)
	if l.tracker != nil {
		l.tracker.RecordFailure(ctx, e.UserID, e.IP)
	}
	return l.assess(ctx, e)
}

// assess runs risk analysis and acts on the outcome: MEDIUM and above is
// recorded as suspicious activity, HIGH and above is alerted.
func (l *AuthListener) assess(ctx context.Context, e DomainEvent) error {
	if l.analyzer == nil || e.UserID == "" {
		return nil
	}

	assessment, err := l.analyzer.AnalyzeUser(ctx, e.UserID, e.IP)
	if err != nil {
		return fmt.Errorf("risk analysis for %s: %w", e.Name, err)
	}

	if !assessment.Level.AtLeast(risk.LevelMedium) {
		return nil
	}

	l.recorder.RecordSuspiciousActivity(ctx, e.UserID, e.IP, map[string]any{
		"score":   assessment.Score,
		"level":   string(assessment.Level),
		"signals": assessment.Signals,
		"trigger": e.Name,
	})

	if assessment.Level.AtLeast(risk.LevelHigh) && l.dispatcher != nil {
		delivered := l.dispatcher.Dispatch(ctx, &risk.Alert{
			Assessment: assessment,
			Context:    map[string]any{"trigger": e.Name},
		})
		logging.Info().
			Str("level", string(assessment.Level)).
			Int("score", assessment.Score).
			Int("delivered", delivered).
			Msg("risk alert dispatched")
	}
	return nil
}
