// Parcelguard - Package Forwarding Back Office Security & Audit Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parcelguard

package risk

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/parcelguard/internal/audit"
	"github.com/tomtom215/parcelguard/internal/logging"
	"github.com/tomtom215/parcelguard/internal/metrics"
)

// Notifier delivers an alert to one channel.
type Notifier interface {
	Name() string
	Enabled() bool
	Send(ctx context.Context, alert *Alert) error
}

// Dispatcher fans an alert out to an ordered list of notifiers. Each
// notifier's failure is isolated: it is logged and counted, and the
// remaining notifiers still run.
type Dispatcher struct {
	notifiers []Notifier
	recorder  *audit.Recorder
}

// NewDispatcher creates a dispatcher. recorder may be nil.
func NewDispatcher(recorder *audit.Recorder, notifiers ...Notifier) *Dispatcher {
	return &Dispatcher{notifiers: notifiers, recorder: recorder}
}

// Dispatch delivers the alert to every enabled notifier in order and returns
// how many deliveries succeeded.
func (d *Dispatcher) Dispatch(ctx context.Context, alert *Alert) int {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}

	delivered := 0
	for _, n := range d.notifiers {
		if !n.Enabled() {
			continue
		}
		if err := n.Send(ctx, alert); err != nil {
			metrics.AlertsDispatched.WithLabelValues(n.Name(), "error").Inc()
			logging.Error().Err(err).
				Str("notifier", n.Name()).
				Str("level", string(alert.Assessment.Level)).
				Msg("alert delivery failed")
			continue
		}
		metrics.AlertsDispatched.WithLabelValues(n.Name(), "success").Inc()
		delivered++
	}

	if delivered > 0 && d.recorder != nil {
		d.recorder.Record(ctx, audit.Event{
			ActorID:  alert.Assessment.Subject.UserID,
			Type:     audit.TypeSecurityEvent,
			Action:   audit.ActionAlertDispatched,
			OriginIP: alert.Assessment.Subject.IP,
			Extra: map[string]any{
				"level":     string(alert.Assessment.Level),
				"score":     alert.Assessment.Score,
				"signals":   alert.Assessment.Signals,
				"alert_id":  alert.ID,
				"delivered": delivered,
			},
		})
	}
	return delivered
}
