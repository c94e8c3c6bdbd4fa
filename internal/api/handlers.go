// Parcelguard - Package Forwarding Back Office Security & Audit Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parcelguard

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/parcelguard/internal/audit"
	"github.com/tomtom215/parcelguard/internal/listener"
	"github.com/tomtom215/parcelguard/internal/lockout"
	"github.com/tomtom215/parcelguard/internal/pipeline"
	"github.com/tomtom215/parcelguard/internal/risk"
	"github.com/tomtom215/parcelguard/internal/statcache"
)

// maxQueryLimit caps operator-supplied limits.
const maxQueryLimit = 1000

// BlockedLister lists currently blocked lockout keys. Satisfied by both
// counter store implementations.
type BlockedLister interface {
	Blocked(ctx context.Context) (map[lockout.Key]time.Time, error)
}

// EventSink accepts ingested domain events. Satisfied by listener.Bus.
type EventSink interface {
	Publish(ctx context.Context, e listener.DomainEvent)
}

// Handler serves the operator endpoints.
type Handler struct {
	store    audit.Store
	cache    *statcache.Cache
	cacheTTL time.Duration
	blocked  BlockedLister
	analyzer *risk.Analyzer
	dlq      *pipeline.DeadLetterQueue
	events   EventSink
}

// NewHandler creates a handler. blocked, analyzer, dlq, and events may be
// nil; their endpoints then report empty results or reject requests.
func NewHandler(store audit.Store, cache *statcache.Cache, cacheTTL time.Duration,
	blocked BlockedLister, analyzer *risk.Analyzer, dlq *pipeline.DeadLetterQueue,
	events EventSink) *Handler {
	if cacheTTL <= 0 {
		cacheTTL = 15 * time.Minute
	}
	return &Handler{
		store:    store,
		cache:    cache,
		cacheTTL: cacheTTL,
		blocked:  blocked,
		analyzer: analyzer,
		dlq:      dlq,
		events:   events,
	}
}

// AuditEvents handles GET /api/v1/audit/events.
func (h *Handler) AuditEvents(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	filter, err := parseFilter(r)
	if err != nil {
		rw.BadRequest(err.Error())
		return
	}

	records, err := h.store.Query(r.Context(), filter)
	if err != nil {
		rw.StorageError(err)
		return
	}
	if records == nil {
		records = []audit.Record{}
	}

	rw.SuccessWithMeta(records, &APIMeta{Count: len(records)})
}

// AuditEvent handles GET /api/v1/audit/events/{id}.
func (h *Handler) AuditEvent(w http.ResponseWriter, r *http.Request, idParam string) {
	rw := NewResponseWriter(w, r)

	id, err := strconv.ParseUint(idParam, 10, 64)
	if err != nil {
		rw.BadRequest("invalid record id")
		return
	}

	record, err := h.store.Get(r.Context(), id)
	switch {
	case err == nil:
		rw.Success(record)
	case errors.Is(err, audit.ErrRecordNotFound):
		rw.NotFound("audit record not found")
	default:
		rw.StorageError(err)
	}
}

// statsParams keys the statistics cache; equal windows share an entry.
type statsParams struct {
	WindowDays int `json:"window_days"`
}

// StatsCacheKey returns the cache key for a trailing window of days. The
// warmer uses the same keys, so warmed entries serve handler reads directly.
func StatsCacheKey(days int) string {
	return statcache.GenerateKey("audit:stats", statsParams{WindowDays: days})
}

// StatsWarmupJobs builds warm-up jobs for the configured trailing windows.
func StatsWarmupJobs(store audit.Store, windows []int, ttl time.Duration) []statcache.WarmupJob {
	jobs := make([]statcache.WarmupJob, 0, len(windows))
	for _, days := range windows {
		days := days
		jobs = append(jobs, statcache.WarmupJob{
			Key: StatsCacheKey(days),
			TTL: ttl,
			Compute: func(ctx context.Context) (any, error) {
				since := time.Now().UTC().AddDate(0, 0, -days)
				return audit.ComputeStats(ctx, store, since)
			},
		})
	}
	return jobs
}

// AuditStats handles GET /api/v1/audit/stats?window_days=7.
func (h *Handler) AuditStats(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	days := 7
	if raw := r.URL.Query().Get("window_days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 730 {
			rw.BadRequest("window_days must be between 1 and 730")
			return
		}
		days = parsed
	}

	compute := func() (any, error) {
		since := time.Now().UTC().AddDate(0, 0, -days)
		return audit.ComputeStats(r.Context(), h.store, since)
	}

	var (
		stats any
		err   error
	)
	if h.cache != nil {
		stats, err = h.cache.GetOrCompute(StatsCacheKey(days), h.cacheTTL, compute)
	} else {
		stats, err = compute()
	}
	if err != nil {
		rw.StorageError(err)
		return
	}

	rw.Success(stats)
}

// lockoutEntry is one blocked key in the lockout listing.
type lockoutEntry struct {
	Scope        string    `json:"scope"`
	Key          string    `json:"key"`
	BlockedUntil time.Time `json:"blocked_until"`
}

// Lockouts handles GET /api/v1/lockouts.
func (h *Handler) Lockouts(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	entries := []lockoutEntry{}
	if h.blocked != nil {
		blocked, err := h.blocked.Blocked(r.Context())
		if err != nil {
			rw.StorageError(err)
			return
		}
		for key, until := range blocked {
			entries = append(entries, lockoutEntry{
				Scope:        string(key.Scope),
				Key:          key.Value,
				BlockedUntil: until,
			})
		}
	}

	rw.SuccessWithMeta(entries, &APIMeta{Count: len(entries)})
}

// RiskUser handles GET /api/v1/risk/user?user_id=...&ip=...
func (h *Handler) RiskUser(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		rw.BadRequest("user_id is required")
		return
	}
	if h.analyzer == nil {
		rw.InternalError("risk analysis is not configured")
		return
	}

	assessment, err := h.analyzer.AnalyzeUser(r.Context(), userID, r.URL.Query().Get("ip"))
	if err != nil {
		rw.StorageError(err)
		return
	}
	rw.Success(assessment)
}

// RiskIP handles GET /api/v1/risk/ip?ip=...
func (h *Handler) RiskIP(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	ip := r.URL.Query().Get("ip")
	if ip == "" {
		rw.BadRequest("ip is required")
		return
	}
	if h.analyzer == nil {
		rw.InternalError("risk analysis is not configured")
		return
	}

	assessment, err := h.analyzer.AnalyzeIP(r.Context(), ip)
	if err != nil {
		rw.StorageError(err)
		return
	}
	rw.Success(assessment)
}

// dlqView is the dead-letter listing payload.
type dlqView struct {
	Entries []pipeline.DeadLetter `json:"entries"`
	Dropped int64                 `json:"dropped"`
}

// DLQ handles GET /api/v1/dlq.
func (h *Handler) DLQ(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	view := dlqView{Entries: []pipeline.DeadLetter{}}
	if h.dlq != nil {
		view.Entries = h.dlq.List()
		view.Dropped = h.dlq.Dropped()
	}

	rw.SuccessWithMeta(view, &APIMeta{Count: len(view.Entries)})
}

// maxIngestBody bounds the ingestion request body.
const maxIngestBody = 64 << 10

// IngestEvent handles POST /api/v1/events: the inbound surface for host
// applications that run out of process. The event fans out to the auditing,
// lockout, and risk handlers synchronously.
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	if h.events == nil {
		rw.InternalError("event ingestion is not configured")
		return
	}

	var event listener.DomainEvent
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIngestBody))
	if err := dec.Decode(&event); err != nil {
		rw.BadRequest("invalid event payload")
		return
	}
	if event.Name == "" {
		rw.BadRequest("event name is required")
		return
	}

	h.events.Publish(r.Context(), event)
	rw.Accepted(map[string]any{"name": event.Name})
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	rw.Success(map[string]any{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

// parseFilter builds an audit filter from query parameters.
func parseFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	filter := audit.Filter{
		ActorID:     q.Get("actor_id"),
		SubjectType: q.Get("subject_type"),
		SubjectID:   q.Get("subject_id"),
		OriginIP:    q.Get("origin_ip"),
	}

	for _, t := range splitParam(q.Get("type")) {
		filter.Types = append(filter.Types, audit.EventType(t))
	}
	filter.Actions = splitParam(q.Get("action"))

	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, fmt.Errorf("since must be RFC 3339: %w", err)
		}
		filter.Since = &t
	}
	if raw := q.Get("until"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, fmt.Errorf("until must be RFC 3339: %w", err)
		}
		filter.Until = &t
	}

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > maxQueryLimit {
			return filter, fmt.Errorf("limit must be between 1 and %d", maxQueryLimit)
		}
		filter.Limit = limit
	}

	return filter, nil
}

func splitParam(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
