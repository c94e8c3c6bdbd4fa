// Parcelguard - Package Forwarding Back Office Security & Audit Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parcelguard

package audit

import (
	"context"
	"strings"
	"time"

	"github.com/tomtom215/parcelguard/internal/logging"
	"github.com/tomtom215/parcelguard/internal/metrics"
)

// Sink enqueues normalized events for asynchronous batch persistence.
// Implemented by the pipeline publisher.
type Sink interface {
	Enqueue(ctx context.Context, e Event) error
}

// RecorderConfig configures the recording boundary.
type RecorderConfig struct {
	// Enabled controls whether events are recorded at all.
	Enabled bool

	// AsyncEnabled routes RecordAsync through the sink. When false, or
	// when no sink is wired, RecordAsync degrades to a synchronous append.
	AsyncEnabled bool

	// AuditedKinds lists the entity kinds whose mutations are recorded.
	AuditedKinds []string
}

// Recorder is the inbound boundary between collaborators and the audit log.
// Every method swallows failures: an audit error is logged and counted but
// never propagated, so instrumentation can never break the business
// operation that triggered it.
// CacheInvalidator drops cached aggregates whose truth a write may have
// changed. Satisfied by statcache.Cache.
type CacheInvalidator interface {
	InvalidatePrefix(prefix string) int
}

type Recorder struct {
	store      Store
	normalizer *Normalizer
	sink       Sink
	cache      CacheInvalidator

	enabled bool
	async   bool
	kinds   map[string]struct{}
}

// NewRecorder creates a recorder. sink may be nil for synchronous-only use.
func NewRecorder(store Store, normalizer *Normalizer, sink Sink, cfg RecorderConfig) *Recorder {
	kinds := make(map[string]struct{}, len(cfg.AuditedKinds))
	for _, k := range cfg.AuditedKinds {
		kinds[strings.ToLower(k)] = struct{}{}
	}
	return &Recorder{
		store:      store,
		normalizer: normalizer,
		sink:       sink,
		enabled:    cfg.Enabled,
		async:      cfg.AsyncEnabled,
		kinds:      kinds,
	}
}

// AttachCache wires the statistics cache so synchronous appends invalidate
// stale aggregates the same way the batch pipeline does.
func (r *Recorder) AttachCache(cache CacheInvalidator) {
	r.cache = cache
}

// IsAuditedKind reports whether mutations of the given entity kind are
// recorded.
func (r *Recorder) IsAuditedKind(kind string) bool {
	_, ok := r.kinds[strings.ToLower(kind)]
	return ok
}

// Record normalizes and synchronously appends an event. Failures are logged
// and swallowed.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if !r.enabled {
		return
	}

	normalized, err := r.normalizer.Normalize(e)
	if err != nil {
		metrics.AuditEventsDropped.WithLabelValues("invalid_kind").Inc()
		logging.Warn().Err(err).
			Str("event_type", string(e.Type)).
			Str("action", e.Action).
			Msg("dropping unrecognized audit event")
		return
	}

	if err := r.store.Append(ctx, RecordFromEvent(&normalized)); err != nil {
		metrics.AuditEventsDropped.WithLabelValues("store_error").Inc()
		logging.Error().Err(err).
			Str("event_type", string(normalized.Type)).
			Str("action", normalized.Action).
			Msg("failed to append audit record")
		return
	}

	if r.cache != nil {
		r.cache.InvalidatePrefix("audit")
	}
	metrics.AuditEventsRecorded.WithLabelValues(string(normalized.Type), "sync").Inc()
}

// RecordAsync normalizes and enqueues an event for batch persistence.
// Failures are logged and swallowed. Falls back to a synchronous append when
// async recording is disabled or no sink is wired.
func (r *Recorder) RecordAsync(ctx context.Context, e Event) {
	if !r.enabled {
		return
	}
	if !r.async || r.sink == nil {
		r.Record(ctx, e)
		return
	}

	normalized, err := r.normalizer.Normalize(e)
	if err != nil {
		metrics.AuditEventsDropped.WithLabelValues("invalid_kind").Inc()
		logging.Warn().Err(err).
			Str("event_type", string(e.Type)).
			Str("action", e.Action).
			Msg("dropping unrecognized audit event")
		return
	}

	if err := r.sink.Enqueue(ctx, normalized); err != nil {
		metrics.AuditEventsDropped.WithLabelValues("publish_error").Inc()
		logging.Error().Err(err).
			Str("event_type", string(normalized.Type)).
			Msg("failed to enqueue audit event, falling back to sync append")
		r.Record(ctx, normalized)
		return
	}

	metrics.AuditEventsRecorded.WithLabelValues(string(normalized.Type), "async").Inc()
}

// Helper methods for common audit events.

// RecordLoginSuccess records a successful authentication.
func (r *Recorder) RecordLoginSuccess(ctx context.Context, actorID, ip, userAgent string) {
	r.Record(ctx, Event{
		ActorID:   actorID,
		Type:      TypeAuthentication,
		Action:    ActionLoginSuccess,
		OriginIP:  ip,
		UserAgent: userAgent,
	})
}

// RecordLoginFailure records a failed authentication attempt.
func (r *Recorder) RecordLoginFailure(ctx context.Context, actorID, ip, userAgent, reason string) {
	r.Record(ctx, Event{
		ActorID:   actorID,
		Type:      TypeAuthentication,
		Action:    ActionLoginFailure,
		OriginIP:  ip,
		UserAgent: userAgent,
		Extra:     map[string]any{"reason": reason},
	})
}

// RecordLockoutTriggered records a key crossing its failure ceiling as a
// security event.
func (r *Recorder) RecordLockoutTriggered(ctx context.Context, scope, key, ip string, blockedFor time.Duration) {
	r.Record(ctx, Event{
		ActorID:     key,
		Type:        TypeSecurityEvent,
		Action:      ActionLockoutTriggered,
		SubjectType: scope,
		SubjectID:   key,
		OriginIP:    ip,
		Extra: map[string]any{
			"scope":               scope,
			"blocked_for_seconds": int(blockedFor.Seconds()),
		},
	})
}

// RecordSuspiciousActivity records a MEDIUM+ risk assessment outcome.
func (r *Recorder) RecordSuspiciousActivity(ctx context.Context, actorID, ip string, extra map[string]any) {
	r.Record(ctx, Event{
		ActorID:  actorID,
		Type:     TypeSecurityEvent,
		Action:   ActionSuspiciousActivity,
		OriginIP: ip,
		Extra:    extra,
	})
}

// RecordMutation records a model create/update/delete if the entity kind is
// audited. Mutations flow through the async batch path.
func (r *Recorder) RecordMutation(ctx context.Context, kind, subjectID, action, actorID string, before, after map[string]any) {
	if !r.IsAuditedKind(kind) {
		return
	}
	r.RecordAsync(ctx, Event{
		ActorID:     actorID,
		Type:        TypeModelMutation,
		Action:      action,
		SubjectType: kind,
		SubjectID:   subjectID,
		Before:      before,
		After:       after,
	})
}

// RecordHTTPRequest records an inbound HTTP request asynchronously.
func (r *Recorder) RecordHTTPRequest(ctx context.Context, actorID, method, path, ip, userAgent string) {
	r.RecordAsync(ctx, Event{
		ActorID:   actorID,
		Type:      TypeHTTPRequest,
		Action:    ActionRequest,
		OriginIP:  ip,
		UserAgent: userAgent,
		Extra:     map[string]any{"method": method, "path": path},
	})
}

// RecordHTTPResponse records a completed HTTP exchange asynchronously.
func (r *Recorder) RecordHTTPResponse(ctx context.Context, actorID, method, path, ip string, status int, elapsed time.Duration) {
	r.RecordAsync(ctx, Event{
		ActorID:  actorID,
		Type:     TypeHTTPResponse,
		Action:   ActionResponse,
		OriginIP: ip,
		Extra: map[string]any{
			"method":     method,
			"path":       path,
			"status":     status,
			"elapsed_ms": elapsed.Milliseconds(),
		},
	})
}
