// Parcelguard - Package Forwarding Back Office Security & Audit Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parcelguard

package audit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store using in-memory storage.
// Suitable for tests and single-instance development. Data is lost on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
	nextID  uint64

	// now is injectable for tests.
	now func() time.Time
}

// NewMemoryStore creates a new in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID: 1,
		now:    time.Now,
	}
}

// Append persists a single record.
func (s *MemoryStore) Append(ctx context.Context, record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.assign(record)
	s.records = append(s.records, *record)
	return nil
}

// AppendBatch persists a chunk of records in one critical section, so the
// chunk is visible all-or-nothing to readers.
func (s *MemoryStore) AppendBatch(ctx context.Context, records []*Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, record := range records {
		s.assign(record)
		s.records = append(s.records, *record)
	}
	return nil
}

// assign sets ID and CreatedAt. Caller holds the write lock.
func (s *MemoryStore) assign(record *Record) {
	record.ID = s.nextID
	s.nextID++
	record.CreatedAt = s.now().UTC()
}

// Get retrieves a record by ID.
func (s *MemoryStore) Get(ctx context.Context, id uint64) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := range s.records {
		if s.records[i].ID == id {
			record := s.records[i]
			return &record, nil
		}
	}
	return nil, ErrRecordNotFound
}

// Query retrieves records matching the filter, recent-first.
// Limit 0 applies DefaultQueryLimit; a negative limit disables the cap.
func (s *MemoryStore) Query(ctx context.Context, filter Filter) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := filter.Limit
	if limit == 0 {
		limit = DefaultQueryLimit
	}

	var results []Record
	for i := len(s.records) - 1; i >= 0; i-- {
		record := s.records[i]
		if !filter.Matches(&record) {
			continue
		}
		results = append(results, record)
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results, nil
}

// Count returns the number of records matching the filter.
func (s *MemoryStore) Count(ctx context.Context, filter Filter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for i := range s.records {
		if filter.Matches(&s.records[i]) {
			count++
		}
	}
	return count, nil
}

// PurgeOlderThan removes records created before the cutoff.
func (s *MemoryStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kept []Record
	var purged int64
	for i := range s.records {
		if s.records[i].CreatedAt.Before(cutoff) {
			purged++
			continue
		}
		kept = append(kept, s.records[i])
	}
	s.records = kept
	return purged, nil
}

// Len returns the number of records in the store.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
