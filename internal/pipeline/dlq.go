// Parcelguard - Package Forwarding Back Office Security & Audit Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parcelguard

package pipeline

import (
	"sync"
	"time"

	"github.com/tomtom215/parcelguard/internal/audit"
)

// DefaultDLQCapacity bounds the in-memory dead-letter queue.
const DefaultDLQCapacity = 256

// DeadLetter is a chunk that exhausted its retries. Entries are retained for
// operator inspection only; nothing resubmits them automatically.
type DeadLetter struct {
	Records   []audit.Record `json:"records"`
	Error     string         `json:"error"`
	Attempts  int            `json:"attempts"`
	FailedAt  time.Time      `json:"failed_at"`
}

// DeadLetterQueue is a bounded FIFO of failed chunks. When full, the oldest
// entry is evicted to admit the newest.
type DeadLetterQueue struct {
	mu       sync.Mutex
	entries  []DeadLetter
	capacity int
	dropped  int64
}

// NewDeadLetterQueue creates a queue. capacity <= 0 means DefaultDLQCapacity.
func NewDeadLetterQueue(capacity int) *DeadLetterQueue {
	if capacity <= 0 {
		capacity = DefaultDLQCapacity
	}
	return &DeadLetterQueue{capacity: capacity}
}

// Add appends a dead letter, evicting the oldest entry when at capacity.
func (q *DeadLetterQueue) Add(dl DeadLetter) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= q.capacity {
		q.entries = q.entries[1:]
		q.dropped++
	}
	q.entries = append(q.entries, dl)
}

// List returns a copy of the retained entries, oldest first.
func (q *DeadLetterQueue) List() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]DeadLetter, len(q.entries))
	copy(out, q.entries)
	return out
}

// Len returns the number of retained entries.
func (q *DeadLetterQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Dropped returns how many entries were evicted to admit newer ones.
func (q *DeadLetterQueue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
