// Parcelguard - Package Forwarding Back Office Security & Audit Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parcelguard

package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/parcelguard/internal/audit"
	"github.com/tomtom215/parcelguard/internal/listener"
	"github.com/tomtom215/parcelguard/internal/lockout"
	"github.com/tomtom215/parcelguard/internal/pipeline"
	"github.com/tomtom215/parcelguard/internal/risk"
	"github.com/tomtom215/parcelguard/internal/statcache"
)

type fixture struct {
	store    *audit.MemoryStore
	counters *lockout.MemoryCounterStore
	cache    *statcache.Cache
	dlq      *pipeline.DeadLetterQueue
	router   http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := audit.NewMemoryStore()
	counters := lockout.NewMemoryCounterStore()
	cache := statcache.New("stats")
	dlq := pipeline.NewDeadLetterQueue(8)

	analyzer := risk.NewAnalyzer(store, counters, risk.Config{
		NewIPLookbackDays: 30,
		OffHoursStart:     23, OffHoursEnd: 6,
		RapidLoginCount: 10, RapidLoginWindow: 5 * time.Minute,
		Thresholds: risk.Thresholds{Medium: 25, High: 50, Critical: 75},
	})

	redactor := audit.NewRedactor(nil, nil)
	recorder := audit.NewRecorder(store, audit.NewNormalizer(redactor), nil, audit.RecorderConfig{Enabled: true})
	tracker := lockout.NewTracker(counters, recorder, lockout.Config{
		Enabled:       true,
		MaxAttempts:   5,
		Window:        15 * time.Minute,
		BlockDuration: 30 * time.Minute,
		TrackByIP:     true,
	}, nil)
	bus := listener.NewBus(listener.NewAuthListener(recorder, tracker, analyzer, nil))

	handler := NewHandler(store, cache, 15*time.Minute, counters, analyzer, dlq, bus)
	router := NewRouter(handler, RouterConfig{RateLimit: 1000, RateLimitWindow: time.Minute})

	return &fixture{store: store, counters: counters, cache: cache, dlq: dlq, router: router}
}

func (f *fixture) get(t *testing.T, path string) (*httptest.ResponseRecorder, APIResponse) {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	var body APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response for %s: %v (body: %s)", path, err, rec.Body.String())
	}
	return rec, body
}

func seedRecords(t *testing.T, store *audit.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		err := store.Append(ctx, &audit.Record{
			Type: audit.TypeAuthentication, Action: audit.ActionLoginFailure,
			ActorID: "bob@example.com", OriginIP: "203.0.113.7",
			OccurredAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	_ = store.Append(ctx, &audit.Record{
		Type: audit.TypeModelMutation, Action: audit.ActionUpdate,
		SubjectType: "package", SubjectID: "p-1", ActorID: "u1",
		OccurredAt: base.Add(10 * time.Minute),
	})
}

func TestAuditEventsEndpoint(t *testing.T) {
	f := newFixture(t)
	seedRecords(t, f.store)

	rec, body := f.get(t, "/api/v1/audit/events?type=authentication&action=login_failure")
	if rec.Code != http.StatusOK || !body.Success {
		t.Fatalf("unexpected response: %d %+v", rec.Code, body)
	}
	if body.Meta.Count != 3 {
		t.Fatalf("expected 3 records, got %d", body.Meta.Count)
	}
}

func TestAuditEventsRejectsBadParams(t *testing.T) {
	f := newFixture(t)

	for _, path := range []string{
		"/api/v1/audit/events?since=yesterday",
		"/api/v1/audit/events?limit=0",
		"/api/v1/audit/events?limit=99999",
	} {
		rec, body := f.get(t, path)
		if rec.Code != http.StatusBadRequest || body.Error == nil {
			t.Errorf("%s: expected 400 with error, got %d", path, rec.Code)
		}
	}
}

func TestAuditEventByID(t *testing.T) {
	f := newFixture(t)
	seedRecords(t, f.store)

	rec, body := f.get(t, "/api/v1/audit/events/1")
	if rec.Code != http.StatusOK || !body.Success {
		t.Fatalf("unexpected response: %d %+v", rec.Code, body)
	}

	rec, _ = f.get(t, "/api/v1/audit/events/9999")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing record, got %d", rec.Code)
	}

	rec, _ = f.get(t, "/api/v1/audit/events/abc")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for junk id, got %d", rec.Code)
	}
}

func TestAuditStatsServedThroughCache(t *testing.T) {
	f := newFixture(t)
	seedRecords(t, f.store)

	rec, body := f.get(t, "/api/v1/audit/stats?window_days=7")
	if rec.Code != http.StatusOK || !body.Success {
		t.Fatalf("unexpected response: %d %+v", rec.Code, body)
	}

	// The computed stats must now be cached under the shared key scheme.
	if _, ok := f.cache.Get(StatsCacheKey(7)); !ok {
		t.Fatal("stats response must populate the cache")
	}

	rec, _ = f.get(t, "/api/v1/audit/stats?window_days=0")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad window, got %d", rec.Code)
	}
}

func TestLockoutsEndpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := lockout.NormalizeKey(lockout.ScopeEmail, "bob@example.com")
	_ = f.counters.SetBlocked(ctx, key, time.Now().Add(30*time.Minute))

	rec, body := f.get(t, "/api/v1/lockouts")
	if rec.Code != http.StatusOK || body.Meta.Count != 1 {
		t.Fatalf("expected 1 blocked key, got %d (status %d)", body.Meta.Count, rec.Code)
	}
}

func TestRiskEndpoints(t *testing.T) {
	f := newFixture(t)

	rec, body := f.get(t, "/api/v1/risk/user?user_id=bob@example.com&ip=198.51.100.9")
	if rec.Code != http.StatusOK || !body.Success {
		t.Fatalf("unexpected response: %d %+v", rec.Code, body)
	}

	var assessment risk.Assessment
	raw, _ := json.Marshal(body.Data)
	if err := json.Unmarshal(raw, &assessment); err != nil {
		t.Fatalf("decode assessment: %v", err)
	}
	// No login history from that IP: the new_ip signal fires.
	if assessment.Score < 25 {
		t.Errorf("expected new_ip contribution, got %+v", assessment)
	}

	rec, _ = f.get(t, "/api/v1/risk/user")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without user_id, got %d", rec.Code)
	}

	rec, _ = f.get(t, "/api/v1/risk/ip?ip=198.51.100.9")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for risk/ip, got %d", rec.Code)
	}
	rec, _ = f.get(t, "/api/v1/risk/ip")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without ip, got %d", rec.Code)
	}
}

func TestDLQEndpoint(t *testing.T) {
	f := newFixture(t)
	f.dlq.Add(pipeline.DeadLetter{
		Records:  []audit.Record{{Type: audit.TypeAuthentication, Action: audit.ActionLogout}},
		Error:    "store unavailable",
		Attempts: 3,
		FailedAt: time.Now().UTC(),
	})

	rec, body := f.get(t, "/api/v1/dlq")
	if rec.Code != http.StatusOK || body.Meta.Count != 1 {
		t.Fatalf("expected 1 dead letter, got %d (status %d)", body.Meta.Count, rec.Code)
	}
}

func TestIngestEventDrivesLockoutChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/api/v1/events", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		return rec
	}

	// Five ingested failures must cross the lockout threshold end to end.
	for i := 0; i < 5; i++ {
		rec := post(`{"name":"auth.login_failure","user_id":"bob@example.com","ip":"203.0.113.7"}`)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d (body: %s)", rec.Code, rec.Body.String())
		}
	}

	key := lockout.NormalizeKey(lockout.ScopeEmail, "bob@example.com")
	if _, blocked, _ := f.counters.BlockedUntil(ctx, key); !blocked {
		t.Fatal("ingested failures must trigger the lockout")
	}

	count, err := f.store.Count(ctx, audit.Filter{
		Types:   []audit.EventType{audit.TypeAuthentication},
		Actions: []string{audit.ActionLoginFailure},
		ActorID: "bob@example.com",
	})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 5 {
		t.Fatalf("expected 5 recorded failures, got %d", count)
	}
}

func TestIngestEventRejectsBadPayloads(t *testing.T) {
	f := newFixture(t)

	for _, body := range []string{"", "{not json", `{"user_id":"bob@example.com"}`} {
		req := httptest.NewRequest("POST", "/api/v1/events", strings.NewReader(body))
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("payload %q: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	f := newFixture(t)

	rec, body := f.get(t, "/health")
	if rec.Code != http.StatusOK || !body.Success {
		t.Fatalf("unexpected health response: %d", rec.Code)
	}

	req := httptest.NewRequest("GET", "/metrics", nil)
	mrec := httptest.NewRecorder()
	f.router.ServeHTTP(mrec, req)
	if mrec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", mrec.Code)
	}
}

func TestCORSHeadersOnAPIRoutes(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest("GET", "/api/v1/audit/events", nil)
	req.Header.Set("Origin", "https://reports.example.com")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected permissive CORS header, got %q", got)
	}

	// Preflight for the ingestion endpoint.
	pre := httptest.NewRequest("OPTIONS", "/api/v1/events", nil)
	pre.Header.Set("Origin", "https://reports.example.com")
	pre.Header.Set("Access-Control-Request-Method", "POST")
	prec := httptest.NewRecorder()
	f.router.ServeHTTP(prec, pre)

	if prec.Code != http.StatusOK && prec.Code != http.StatusNoContent {
		t.Fatalf("preflight must succeed, got %d", prec.Code)
	}
	if got := prec.Header().Get("Access-Control-Allow-Methods"); got == "" {
		t.Fatal("preflight must advertise allowed methods")
	}
}

func TestNoMutationEndpoints(t *testing.T) {
	f := newFixture(t)

	for _, method := range []string{"POST", "PUT", "PATCH", "DELETE"} {
		req := httptest.NewRequest(method, "/api/v1/audit/events", nil)
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s must not be routable, got %d", method, rec.Code)
		}
	}
}
