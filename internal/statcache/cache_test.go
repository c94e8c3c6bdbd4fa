// Parcelguard - Package Forwarding Back Office Security & Audit Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parcelguard

package statcache

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestGetOrComputeCachesWithinTTL(t *testing.T) {
	c := New("test")

	calls := 0
	compute := func() (any, error) {
		calls++
		return calls, nil
	}

	v, err := c.GetOrCompute("audit:stats:7d", time.Minute, compute)
	if err != nil {
		t.Fatalf("GetOrCompute: %v", err)
	}
	if v.(int) != 1 {
		t.Fatalf("unexpected value %v", v)
	}

	v, _ = c.GetOrCompute("audit:stats:7d", time.Minute, compute)
	if v.(int) != 1 || calls != 1 {
		t.Fatalf("second read should be a hit: value=%v calls=%d", v, calls)
	}
}

func TestExpiredEntryForcesRecompute(t *testing.T) {
	c := New("test")
	current := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return current }

	calls := 0
	compute := func() (any, error) {
		calls++
		return calls, nil
	}

	_, _ = c.GetOrCompute("k", 15*time.Minute, compute)

	current = current.Add(14 * time.Minute)
	if _, ok := c.Get("k"); !ok {
		t.Fatal("entry expired before its TTL")
	}

	current = current.Add(2 * time.Minute)
	if _, ok := c.Get("k"); ok {
		t.Fatal("expired entry served")
	}

	v, _ := c.GetOrCompute("k", 15*time.Minute, compute)
	if v.(int) != 2 || calls != 2 {
		t.Fatalf("expected recompute after expiry: value=%v calls=%d", v, calls)
	}
}

func TestComputeErrorNotCached(t *testing.T) {
	c := New("test")

	boom := errors.New("store unavailable")
	_, err := c.GetOrCompute("k", time.Minute, func() (any, error) { return nil, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected compute error, got %v", err)
	}

	v, err := c.GetOrCompute("k", time.Minute, func() (any, error) { return "ok", nil })
	if err != nil || v != "ok" {
		t.Fatalf("failed compute must not poison the key: v=%v err=%v", v, err)
	}
}

func TestInvalidateForcesRecompute(t *testing.T) {
	c := New("test")

	calls := 0
	compute := func() (any, error) {
		calls++
		return calls, nil
	}

	_, _ = c.GetOrCompute("k", time.Hour, compute)
	c.Invalidate("k")
	v, _ := c.GetOrCompute("k", time.Hour, compute)
	if v.(int) != 2 {
		t.Fatalf("expected recompute after invalidation, got %v", v)
	}
}

func TestInvalidatePrefix(t *testing.T) {
	c := New("test")
	c.Set("audit:stats:7d", 1, time.Hour)
	c.Set("audit:stats:30d", 2, time.Hour)
	c.Set("lockout:active", 3, time.Hour)

	if removed := c.InvalidatePrefix("audit:"); removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	if _, ok := c.Get("audit:stats:7d"); ok {
		t.Fatal("prefixed entry survived invalidation")
	}
	if _, ok := c.Get("lockout:active"); !ok {
		t.Fatal("unrelated entry was evicted")
	}
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	c := New("test")
	current := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return current }

	c.Set("short", 1, time.Minute)
	c.Set("long", 2, time.Hour)

	current = current.Add(5 * time.Minute)
	if removed := c.Sweep(); removed != 1 {
		t.Fatalf("expected 1 swept, got %d", removed)
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 remaining, got %d", c.Len())
	}
}

func TestGenerateKeyDeterministic(t *testing.T) {
	type params struct {
		Window string `json:"window"`
		Actor  string `json:"actor"`
	}

	a := GenerateKey("audit:stats", params{Window: "7d", Actor: "u1"})
	b := GenerateKey("audit:stats", params{Window: "7d", Actor: "u1"})
	if a != b {
		t.Fatalf("equal params must yield equal keys: %s != %s", a, b)
	}

	c := GenerateKey("audit:stats", params{Window: "30d", Actor: "u1"})
	if a == c {
		t.Fatal("different params must yield different keys")
	}

	if a[:12] != "audit:stats:" {
		t.Fatalf("key must be prefixed with the statistic name: %s", a)
	}
}

func TestCacheConcurrentAccess(t *testing.T) {
	c := New("test")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _ = c.GetOrCompute("shared", time.Minute, func() (any, error) { return 42, nil })
				c.Set("other", j, time.Minute)
				c.InvalidatePrefix("oth")
			}
		}()
	}
	wg.Wait()

	if v, ok := c.Get("shared"); !ok || v.(int) != 42 {
		t.Fatalf("unexpected final state: v=%v ok=%v", v, ok)
	}
}
