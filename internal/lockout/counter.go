// Parcelguard - Package Forwarding Back Office Security & Audit Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parcelguard

// Package lockout tracks failed authentication attempts per IP and per email
// and blocks keys that cross the failure ceiling. The state machine
// Clean -> Tracking -> Blocked -> Clean is driven entirely by counters and
// TTLs; no background sweeper is required for correctness.
package lockout

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Scope distinguishes the two tracked key spaces.
type Scope string

const (
	ScopeIP    Scope = "ip"
	ScopeEmail Scope = "email"
)

// Key identifies one tracked counter.
type Key struct {
	Scope Scope
	Value string
}

// NormalizeKey lowercases email values so "Bob@X.com" and "bob@x.com" share
// one counter. IPs are left untouched.
func NormalizeKey(scope Scope, value string) Key {
	if scope == ScopeEmail {
		value = strings.ToLower(strings.TrimSpace(value))
	}
	return Key{Scope: scope, Value: value}
}

// CounterStore is the persistence contract for failure counters and blocks.
// Increment must be atomic per key: concurrent failures may not lose counts.
type CounterStore interface {
	// Increment adds one failure to the key's window counter and returns the
	// new count. The window TTL starts at the first count; later increments
	// within the window do not extend it.
	Increment(ctx context.Context, key Key, window time.Duration) (int64, error)

	// Get returns the current window count, zero if none or expired.
	Get(ctx context.Context, key Key) (int64, error)

	// Delete clears the key's window counter and any block.
	Delete(ctx context.Context, key Key) error

	// SetBlocked marks the key blocked until the given time.
	SetBlocked(ctx context.Context, key Key, until time.Time) error

	// BlockedUntil returns the block expiry for the key. ok is false when the
	// key is not blocked or the block has expired.
	BlockedUntil(ctx context.Context, key Key) (until time.Time, ok bool, err error)
}

type memCounter struct {
	count     int64
	expiresAt time.Time
}

// MemoryCounterStore is an in-process CounterStore for tests and
// single-instance deployments.
type MemoryCounterStore struct {
	mu       sync.Mutex
	counters map[Key]memCounter
	blocks   map[Key]time.Time

	// now is injectable for tests.
	now func() time.Time
}

// NewMemoryCounterStore creates an empty store.
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{
		counters: make(map[Key]memCounter),
		blocks:   make(map[Key]time.Time),
		now:      time.Now,
	}
}

func (s *MemoryCounterStore) Increment(ctx context.Context, key Key, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c, ok := s.counters[key]
	if !ok || !now.Before(c.expiresAt) {
		c = memCounter{count: 0, expiresAt: now.Add(window)}
	}
	c.count++
	s.counters[key] = c
	return c.count, nil
}

func (s *MemoryCounterStore) Get(ctx context.Context, key Key) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok || !s.now().Before(c.expiresAt) {
		return 0, nil
	}
	return c.count, nil
}

func (s *MemoryCounterStore) Delete(ctx context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counters, key)
	delete(s.blocks, key)
	return nil
}

func (s *MemoryCounterStore) SetBlocked(ctx context.Context, key Key, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[key] = until
	return nil
}

func (s *MemoryCounterStore) BlockedUntil(ctx context.Context, key Key) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	until, ok := s.blocks[key]
	if !ok || !s.now().Before(until) {
		return time.Time{}, false, nil
	}
	return until, true, nil
}

// Sweep removes expired counters and blocks. Optional memory hygiene;
// reads already treat expired entries as absent.
func (s *MemoryCounterStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, c := range s.counters {
		if !now.Before(c.expiresAt) {
			delete(s.counters, key)
			removed++
		}
	}
	for key, until := range s.blocks {
		if !now.Before(until) {
			delete(s.blocks, key)
			removed++
		}
	}
	return removed
}

// Blocked returns all currently blocked keys with their expiries. Serves the
// operator API's lockout listing.
func (s *MemoryCounterStore) Blocked(ctx context.Context) (map[Key]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make(map[Key]time.Time)
	for key, until := range s.blocks {
		if now.Before(until) {
			out[key] = until
		}
	}
	return out, nil
}
