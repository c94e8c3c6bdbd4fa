// Parcelguard - Package Forwarding Back Office Security & Audit Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parcelguard

package statcache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWarmerPopulatesCache(t *testing.T) {
	c := New("test")
	jobs := []WarmupJob{
		{Key: "audit:stats:7d", TTL: time.Hour, Compute: func(ctx context.Context) (any, error) { return "seven", nil }},
		{Key: "audit:stats:30d", TTL: time.Hour, Compute: func(ctx context.Context) (any, error) { return "thirty", nil }},
	}

	w := NewWarmer(c, jobs, time.Hour)
	w.runOnce(context.Background())

	if v, ok := c.Get("audit:stats:7d"); !ok || v != "seven" {
		t.Fatalf("7d window not warmed: v=%v ok=%v", v, ok)
	}
	if v, ok := c.Get("audit:stats:30d"); !ok || v != "thirty" {
		t.Fatalf("30d window not warmed: v=%v ok=%v", v, ok)
	}
}

func TestWarmerIsolatesJobFailures(t *testing.T) {
	c := New("test")
	jobs := []WarmupJob{
		{Key: "bad", TTL: time.Hour, Compute: func(ctx context.Context) (any, error) {
			return nil, errors.New("query timeout")
		}},
		{Key: "good", TTL: time.Hour, Compute: func(ctx context.Context) (any, error) { return 1, nil }},
	}

	w := NewWarmer(c, jobs, time.Hour)
	w.runOnce(context.Background())

	if _, ok := c.Get("good"); !ok {
		t.Fatal("later job must still run after an earlier failure")
	}
	if _, ok := c.Get("bad"); ok {
		t.Fatal("failed job must not cache a value")
	}
}

func TestWarmerKeepsStaleValueOnFailure(t *testing.T) {
	c := New("test")
	c.Set("k", "stale-but-valid", time.Hour)

	jobs := []WarmupJob{
		{Key: "k", TTL: time.Hour, Compute: func(ctx context.Context) (any, error) {
			return nil, errors.New("store down")
		}},
	}
	NewWarmer(c, jobs, time.Hour).runOnce(context.Background())

	if v, ok := c.Get("k"); !ok || v != "stale-but-valid" {
		t.Fatalf("stale value must survive a failed refresh: v=%v ok=%v", v, ok)
	}
}

func TestWarmerRefreshesUnexpiredEntries(t *testing.T) {
	c := New("test")
	c.Set("k", "old", time.Hour)

	jobs := []WarmupJob{
		{Key: "k", TTL: time.Hour, Compute: func(ctx context.Context) (any, error) { return "new", nil }},
	}
	NewWarmer(c, jobs, time.Hour).runOnce(context.Background())

	if v, _ := c.Get("k"); v != "new" {
		t.Fatalf("warm-up must refresh even unexpired entries: got %v", v)
	}
}

func TestWarmerStopsOnCanceledContext(t *testing.T) {
	c := New("test")
	calls := 0
	jobs := []WarmupJob{
		{Key: "k", TTL: time.Hour, Compute: func(ctx context.Context) (any, error) {
			calls++
			return calls, nil
		}},
	}

	w := NewWarmer(c, jobs, time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- w.Serve(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	if calls == 0 {
		t.Fatal("expected at least the immediate warm-up pass")
	}
}
