// Parcelguard - Package Forwarding Back Office Security & Audit Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parcelguard

// Package audit provides the append-only audit event log: event shaping,
// redaction, persistence, and the recording boundary used by collaborators.
// Records are immutable once written; corrections are new records.
package audit

import (
	"context"
	"errors"
	"time"
)

// EventType categorizes audit events.
type EventType string

const (
	TypeAuthentication EventType = "authentication"
	TypeAuthorization  EventType = "authorization"
	TypeModelMutation  EventType = "model_mutation"
	TypeHTTPRequest    EventType = "http_request"
	TypeHTTPResponse   EventType = "http_response"
	TypeSecurityEvent  EventType = "security_event"
)

// Authentication actions.
const (
	ActionLoginSuccess    = "login_success"
	ActionLoginFailure    = "login_failure"
	ActionLogout          = "logout"
	ActionLockoutCleared  = "lockout_cleared"
	ActionPasswordChanged = "password_changed"
)

// Authorization actions.
const (
	ActionAccessGranted = "access_granted"
	ActionAccessDenied  = "access_denied"
	ActionRoleAssigned  = "role_assigned"
	ActionRoleRevoked   = "role_revoked"
)

// Model mutation actions.
const (
	ActionCreate  = "create"
	ActionUpdate  = "update"
	ActionDelete  = "delete"
	ActionRestore = "restore"
)

// HTTP actions.
const (
	ActionRequest  = "request"
	ActionResponse = "response"
)

// Security event actions. ActionLockoutTriggered appears under both
// authentication and security_event kinds.
const (
	ActionLockoutTriggered   = "lockout_triggered"
	ActionSuspiciousActivity = "suspicious_activity_detected"
	ActionManualCorrection   = "manual_correction"
	ActionAlertDispatched    = "alert_dispatched"
)

// actionAllowlist maps each event type to its recognized actions.
// Normalize rejects anything outside this table.
var actionAllowlist = map[EventType]map[string]struct{}{
	TypeAuthentication: setOf(
		ActionLoginSuccess, ActionLoginFailure, ActionLogout,
		ActionLockoutTriggered, ActionLockoutCleared, ActionPasswordChanged,
	),
	TypeAuthorization: setOf(
		ActionAccessGranted, ActionAccessDenied,
		ActionRoleAssigned, ActionRoleRevoked,
	),
	TypeModelMutation: setOf(
		ActionCreate, ActionUpdate, ActionDelete, ActionRestore,
	),
	TypeHTTPRequest:  setOf(ActionRequest),
	TypeHTTPResponse: setOf(ActionResponse),
	TypeSecurityEvent: setOf(
		ActionSuspiciousActivity, ActionLockoutTriggered,
		ActionManualCorrection, ActionAlertDispatched,
	),
}

func setOf(actions ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(actions))
	for _, a := range actions {
		m[a] = struct{}{}
	}
	return m
}

// Event is the ephemeral input shape raised by collaborators before
// normalization and persistence.
type Event struct {
	ActorID     string         `json:"actor_id,omitempty"`
	Type        EventType      `json:"event_type"`
	Action      string         `json:"action"`
	SubjectType string         `json:"subject_type,omitempty"`
	SubjectID   string         `json:"subject_id,omitempty"`
	Before      map[string]any `json:"before,omitempty"`
	After       map[string]any `json:"after,omitempty"`
	OriginIP    string         `json:"origin_ip,omitempty"`
	UserAgent   string         `json:"user_agent,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
	OccurredAt  time.Time      `json:"occurred_at"`
}

// Record is the persisted, immutable form of an Event. The JSON shape is a
// stable external contract consumed by report exports and compliance views;
// Before/After marshal to null when not applicable.
type Record struct {
	ID          uint64         `json:"id"`
	ActorID     string         `json:"actor_id"`
	Type        EventType      `json:"event_type"`
	SubjectType string         `json:"subject_type"`
	SubjectID   string         `json:"subject_id"`
	Action      string         `json:"action"`
	Before      map[string]any `json:"before"`
	After       map[string]any `json:"after"`
	OriginIP    string         `json:"origin_ip"`
	UserAgent   string         `json:"user_agent"`
	Extra       map[string]any `json:"extra"`
	OccurredAt  time.Time      `json:"occurred_at"`
	CreatedAt   time.Time      `json:"created_at"`
}

// RecordFromEvent builds an unpersisted Record from a normalized event.
// The store assigns ID and CreatedAt on append.
func RecordFromEvent(e *Event) *Record {
	return &Record{
		ActorID:     e.ActorID,
		Type:        e.Type,
		SubjectType: e.SubjectType,
		SubjectID:   e.SubjectID,
		Action:      e.Action,
		Before:      e.Before,
		After:       e.After,
		OriginIP:    e.OriginIP,
		UserAgent:   e.UserAgent,
		Extra:       e.Extra,
		OccurredAt:  e.OccurredAt,
	}
}

// Filter defines filtering options for audit queries.
type Filter struct {
	Types       []EventType `json:"types,omitempty"`
	Actions     []string    `json:"actions,omitempty"`
	ActorID     string      `json:"actor_id,omitempty"`
	SubjectType string      `json:"subject_type,omitempty"`
	SubjectID   string      `json:"subject_id,omitempty"`
	OriginIP    string      `json:"origin_ip,omitempty"`
	Since       *time.Time  `json:"since,omitempty"`
	Until       *time.Time  `json:"until,omitempty"`

	// Limit caps results; 0 means DefaultQueryLimit. Results are
	// recent-first.
	Limit int `json:"limit,omitempty"`
}

// DefaultQueryLimit bounds unpaginated queries.
const DefaultQueryLimit = 100

// Matches returns true if the record satisfies all filter criteria.
func (f *Filter) Matches(r *Record) bool {
	if len(f.Types) > 0 && !containsType(f.Types, r.Type) {
		return false
	}
	if len(f.Actions) > 0 && !containsString(f.Actions, r.Action) {
		return false
	}
	if f.ActorID != "" && r.ActorID != f.ActorID {
		return false
	}
	if f.SubjectType != "" && r.SubjectType != f.SubjectType {
		return false
	}
	if f.SubjectID != "" && r.SubjectID != f.SubjectID {
		return false
	}
	if f.OriginIP != "" && r.OriginIP != f.OriginIP {
		return false
	}
	if f.Since != nil && r.OccurredAt.Before(*f.Since) {
		return false
	}
	if f.Until != nil && r.OccurredAt.After(*f.Until) {
		return false
	}
	return true
}

func containsType(types []EventType, t EventType) bool {
	for _, v := range types {
		if v == t {
			return true
		}
	}
	return false
}

func containsString(values []string, s string) bool {
	for _, v := range values {
		if v == s {
			return true
		}
	}
	return false
}

// Store defines the interface for audit record persistence.
// The log is append-only: there is no update or per-record delete operation,
// only retention-driven purging of old records.
type Store interface {
	// Append persists a single record, assigning its ID and CreatedAt.
	Append(ctx context.Context, record *Record) error

	// AppendBatch persists a chunk of records in one write. The chunk
	// either fully persists or fails as a whole.
	AppendBatch(ctx context.Context, records []*Record) error

	// Get retrieves a record by ID.
	Get(ctx context.Context, id uint64) (*Record, error)

	// Query retrieves records matching the filter, recent-first.
	Query(ctx context.Context, filter Filter) ([]Record, error)

	// Count returns the number of records matching the filter.
	Count(ctx context.Context, filter Filter) (int64, error)

	// PurgeOlderThan removes records created before the cutoff (retention).
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// ErrInvalidEventKind is returned for an unrecognized event type or an
// action outside the type's allow-list.
var ErrInvalidEventKind = errors.New("invalid audit event kind")

// ErrRecordNotFound is returned when a record ID does not exist.
var ErrRecordNotFound = errors.New("audit record not found")
