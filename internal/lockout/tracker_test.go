// Parcelguard - Package Forwarding Back Office Security & Audit Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parcelguard

package lockout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/parcelguard/internal/audit"
)

func testConfig() Config {
	return Config{
		Enabled:       true,
		MaxAttempts:   5,
		Window:        15 * time.Minute,
		BlockDuration: 30 * time.Minute,
		TrackByIP:     true,
	}
}

func TestTrackerBlocksAtThreshold(t *testing.T) {
	tr := NewTracker(NewMemoryCounterStore(), nil, testConfig(), nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if blocked := tr.RecordFailure(ctx, "bob@example.com", "10.0.0.1"); blocked {
			t.Fatalf("blocked after %d failures, ceiling is 5", i+1)
		}
	}
	if !tr.RecordFailure(ctx, "bob@example.com", "10.0.0.1") {
		t.Fatal("5th failure must block")
	}
	if !tr.IsBlocked(ctx, "bob@example.com", "10.0.0.1") {
		t.Fatal("IsBlocked must report the block")
	}
}

func TestTrackerSuccessResetsEmailNotIP(t *testing.T) {
	tr := NewTracker(NewMemoryCounterStore(), nil, testConfig(), nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		tr.RecordFailure(ctx, "bob@example.com", "10.0.0.1")
	}
	tr.RecordSuccess(ctx, "bob@example.com")

	// The email counter is back at zero: five more failures are needed.
	for i := 0; i < 4; i++ {
		if tr.RecordFailure(ctx, "bob@example.com", "10.0.0.99") {
			t.Fatalf("email counter not reset, blocked after %d post-success failures", i+1)
		}
	}

	// The IP counter kept its 4 failures: one more from that IP blocks it.
	if !tr.RecordFailure(ctx, "carol@example.com", "10.0.0.1") {
		t.Fatal("IP counter must survive another account's success")
	}
}

func TestTrackerBlockExpires(t *testing.T) {
	store := NewMemoryCounterStore()
	current := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return current }

	tr := NewTracker(store, nil, testConfig(), nil)
	tr.now = store.now
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		tr.RecordFailure(ctx, "bob@example.com", "")
	}
	if !tr.IsBlocked(ctx, "bob@example.com", "") {
		t.Fatal("expected blocked")
	}

	current = current.Add(31 * time.Minute)
	if tr.IsBlocked(ctx, "bob@example.com", "") {
		t.Fatal("block must expire after BlockDuration")
	}
}

func TestTrackerWindowExpiryResetsCount(t *testing.T) {
	store := NewMemoryCounterStore()
	current := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return current }

	tr := NewTracker(store, nil, testConfig(), nil)
	tr.now = store.now
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		tr.RecordFailure(ctx, "bob@example.com", "")
	}

	// The window started at the first failure; past it, counts start over.
	current = current.Add(16 * time.Minute)
	if tr.RecordFailure(ctx, "bob@example.com", "") {
		t.Fatal("failure in a fresh window must not block")
	}
	count, _ := store.Get(ctx, NormalizeKey(ScopeEmail, "bob@example.com"))
	if count != 1 {
		t.Fatalf("expected fresh window count 1, got %d", count)
	}
}

func TestTrackerEmitsAuditAndCallbackOnce(t *testing.T) {
	auditStore := audit.NewMemoryStore()
	redactor := audit.NewRedactor(nil, nil)
	rec := audit.NewRecorder(auditStore, audit.NewNormalizer(redactor), nil,
		audit.RecorderConfig{Enabled: true})

	var (
		mu        sync.Mutex
		callbacks []Key
	)
	onBlock := func(ctx context.Context, key Key, until time.Time) {
		mu.Lock()
		callbacks = append(callbacks, key)
		mu.Unlock()
	}

	cfg := testConfig()
	cfg.TrackByIP = false
	tr := NewTracker(NewMemoryCounterStore(), rec, cfg, onBlock)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		tr.RecordFailure(ctx, "bob@example.com", "10.0.0.1")
	}

	count, _ := auditStore.Count(ctx, audit.Filter{Actions: []string{audit.ActionLockoutTriggered}})
	if count != 1 {
		t.Fatalf("expected exactly 1 lockout_triggered record, got %d", count)
	}
	if len(callbacks) != 1 {
		t.Fatalf("expected exactly 1 onBlock callback, got %d", len(callbacks))
	}
	if callbacks[0].Scope != ScopeEmail || callbacks[0].Value != "bob@example.com" {
		t.Errorf("unexpected callback key: %+v", callbacks[0])
	}
}

func TestTrackerEmailNormalization(t *testing.T) {
	tr := NewTracker(NewMemoryCounterStore(), nil, testConfig(), nil)
	ctx := context.Background()

	tr.RecordFailure(ctx, "Bob@Example.com", "")
	tr.RecordFailure(ctx, "bob@example.com", "")
	tr.RecordFailure(ctx, "BOB@EXAMPLE.COM", "")
	tr.RecordFailure(ctx, " bob@example.com ", "")
	if !tr.RecordFailure(ctx, "bob@example.com", "") {
		t.Fatal("case and whitespace variants must share one counter")
	}
}

func TestTrackerBlockedForCoarse(t *testing.T) {
	store := NewMemoryCounterStore()
	current := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return current }

	tr := NewTracker(store, nil, testConfig(), nil)
	tr.now = store.now
	ctx := context.Background()

	if d := tr.BlockedFor(ctx, "bob@example.com", ""); d != 0 {
		t.Fatalf("unblocked key must report 0, got %v", d)
	}

	for i := 0; i < 5; i++ {
		tr.RecordFailure(ctx, "bob@example.com", "")
	}

	current = current.Add(90 * time.Second)
	d := tr.BlockedFor(ctx, "bob@example.com", "")
	if d != 29*time.Minute {
		t.Fatalf("remaining must round up to the minute: got %v", d)
	}
	if d%time.Minute != 0 {
		t.Fatalf("remaining must be minute-coarse: %v", d)
	}
}

func TestTrackerClear(t *testing.T) {
	auditStore := audit.NewMemoryStore()
	redactor := audit.NewRedactor(nil, nil)
	rec := audit.NewRecorder(auditStore, audit.NewNormalizer(redactor), nil,
		audit.RecorderConfig{Enabled: true})

	tr := NewTracker(NewMemoryCounterStore(), rec, testConfig(), nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		tr.RecordFailure(ctx, "bob@example.com", "")
	}
	if !tr.IsBlocked(ctx, "bob@example.com", "") {
		t.Fatal("expected blocked")
	}

	if err := tr.Clear(ctx, ScopeEmail, "bob@example.com", "admin-1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if tr.IsBlocked(ctx, "bob@example.com", "") {
		t.Fatal("cleared key must not be blocked")
	}

	count, _ := auditStore.Count(ctx, audit.Filter{Actions: []string{audit.ActionLockoutCleared}})
	if count != 1 {
		t.Fatalf("expected lockout_cleared record, got %d", count)
	}
}

func TestTrackerDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	tr := NewTracker(NewMemoryCounterStore(), nil, cfg, nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if tr.RecordFailure(ctx, "bob@example.com", "10.0.0.1") {
			t.Fatal("disabled tracker must never block")
		}
	}
	if tr.IsBlocked(ctx, "bob@example.com", "10.0.0.1") {
		t.Fatal("disabled tracker must report clean")
	}
}

func TestMemoryCounterStoreConcurrentIncrements(t *testing.T) {
	store := NewMemoryCounterStore()
	ctx := context.Background()
	key := NormalizeKey(ScopeIP, "10.0.0.1")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				_, _ = store.Increment(ctx, key, time.Hour)
			}
		}()
	}
	wg.Wait()

	count, _ := store.Get(ctx, key)
	if count != 200 {
		t.Fatalf("lost increments: got %d, want 200", count)
	}
}
