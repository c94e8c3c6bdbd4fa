// Parcelguard - Package Forwarding Back Office Security & Audit Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parcelguard

// Package listener adapts domain activity into the audit pipeline: an
// in-process bus fans domain events out to auditing, lockout, and risk
// handlers, mutation hooks capture model changes from the data layer, and an
// HTTP middleware captures request traffic.
package listener

import (
	"context"
	"fmt"
	"time"

	"github.com/tomtom215/parcelguard/internal/logging"
)

// DomainEvent is the neutral shape collaborators publish on the bus, either
// in-process or through the ingestion endpoint.
type DomainEvent struct {
	// Name identifies the event, e.g. "auth.login_success".
	Name       string         `json:"name"`
	UserID     string         `json:"user_id,omitempty"`
	IP         string         `json:"ip,omitempty"`
	UserAgent  string         `json:"user_agent,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at,omitempty"`
}

// Domain event names understood by the shipped handlers.
const (
	EventLoginSuccess    = "auth.login_success"
	EventLoginFailure    = "auth.login_failure"
	EventLogout          = "auth.logout"
	EventPasswordChanged = "auth.password_changed"
	EventRoleAssigned    = "auth.role_assigned"
	EventRoleRevoked     = "auth.role_revoked"
)

// Handler consumes domain events.
type Handler interface {
	Name() string
	Handle(ctx context.Context, e DomainEvent) error
}

// Bus fans events out to a fixed, ordered handler list. Handlers run
// synchronously in registration order; a handler's error or panic is logged
// and the remaining handlers still run.
type Bus struct {
	handlers []Handler
}

// NewBus creates a bus over the given handlers.
func NewBus(handlers ...Handler) *Bus {
	return &Bus{handlers: handlers}
}

// Publish delivers the event to every handler in order.
func (b *Bus) Publish(ctx context.Context, e DomainEvent) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}

	for _, h := range b.handlers {
		b.dispatch(ctx, h, e)
	}
}

// dispatch runs one handler with panic and error isolation.
func (b *Bus) dispatch(ctx context.Context, h Handler, e DomainEvent) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().
				Str("handler", h.Name()).
				Str("event", e.Name).
				Err(fmt.Errorf("panic: %v", r)).
				Msg("domain event handler panicked")
		}
	}()

	if err := h.Handle(ctx, e); err != nil {
		logging.Error().Err(err).
			Str("handler", h.Name()).
			Str("event", e.Name).
			Msg("domain event handler failed")
	}
}
