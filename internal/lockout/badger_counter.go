// Parcelguard - Package Forwarding Back Office Security & Audit Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parcelguard

package lockout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

const (
	counterKeyPrefix = "lockout:cnt:"
	blockKeyPrefix   = "lockout:blk:"

	// maxTxnRetries bounds the conflict-retry loop on concurrent increments.
	maxTxnRetries = 10
)

// counterValue is the persisted window counter. ExpiresAt pins the window to
// the first failure so later increments cannot extend it.
type counterValue struct {
	Count     int64     `json:"count"`
	ExpiresAt time.Time `json:"expires_at"`
}

// BadgerCounterStore persists counters and blocks in BadgerDB. Entries carry
// a badger TTL so expired keys vanish without a sweep.
type BadgerCounterStore struct {
	db *badger.DB

	now func() time.Time
}

// NewBadgerCounterStore wraps an open badger database.
func NewBadgerCounterStore(db *badger.DB) *BadgerCounterStore {
	return &BadgerCounterStore{db: db, now: time.Now}
}

func counterKey(key Key) []byte {
	return []byte(counterKeyPrefix + string(key.Scope) + ":" + key.Value)
}

func blockKey(key Key) []byte {
	return []byte(blockKeyPrefix + string(key.Scope) + ":" + key.Value)
}

func (s *BadgerCounterStore) Increment(ctx context.Context, key Key, window time.Duration) (int64, error) {
	var count int64

	// Increments on the same key conflict under badger's SSI; retry until the
	// transaction commits cleanly.
	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		err := s.db.Update(func(txn *badger.Txn) error {
			now := s.now()
			cv := counterValue{ExpiresAt: now.Add(window)}

			item, err := txn.Get(counterKey(key))
			switch {
			case err == nil:
				var existing counterValue
				if err := item.Value(func(val []byte) error {
					return json.Unmarshal(val, &existing)
				}); err != nil {
					return fmt.Errorf("decode counter: %w", err)
				}
				if now.Before(existing.ExpiresAt) {
					cv = existing
				}
			case errors.Is(err, badger.ErrKeyNotFound):
				// first failure in a fresh window
			default:
				return err
			}

			cv.Count++
			count = cv.Count

			data, err := json.Marshal(cv)
			if err != nil {
				return fmt.Errorf("encode counter: %w", err)
			}
			entry := badger.NewEntry(counterKey(key), data).WithTTL(time.Until(cv.ExpiresAt))
			return txn.SetEntry(entry)
		})
		if err == nil {
			return count, nil
		}
		if !errors.Is(err, badger.ErrConflict) {
			return 0, fmt.Errorf("increment %s/%s: %w", key.Scope, key.Value, err)
		}
	}

	return 0, fmt.Errorf("increment %s/%s: transaction conflicts exhausted", key.Scope, key.Value)
}

func (s *BadgerCounterStore) Get(ctx context.Context, key Key) (int64, error) {
	var count int64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(counterKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var cv counterValue
			if err := json.Unmarshal(val, &cv); err != nil {
				return err
			}
			if s.now().Before(cv.ExpiresAt) {
				count = cv.Count
			}
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("get counter %s/%s: %w", key.Scope, key.Value, err)
	}
	return count, nil
}

func (s *BadgerCounterStore) Delete(ctx context.Context, key Key) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(counterKey(key)); err != nil {
			return err
		}
		return txn.Delete(blockKey(key))
	})
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", key.Scope, key.Value, err)
	}
	return nil
}

func (s *BadgerCounterStore) SetBlocked(ctx context.Context, key Key, until time.Time) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		data, err := until.UTC().MarshalBinary()
		if err != nil {
			return err
		}
		entry := badger.NewEntry(blockKey(key), data).WithTTL(time.Until(until))
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("set block %s/%s: %w", key.Scope, key.Value, err)
	}
	return nil
}

func (s *BadgerCounterStore) BlockedUntil(ctx context.Context, key Key) (time.Time, bool, error) {
	var (
		until   time.Time
		blocked bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blockKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var t time.Time
			if err := t.UnmarshalBinary(val); err != nil {
				return err
			}
			if s.now().Before(t) {
				until = t
				blocked = true
			}
			return nil
		})
	})
	if err != nil {
		return time.Time{}, false, fmt.Errorf("blocked until %s/%s: %w", key.Scope, key.Value, err)
	}
	return until, blocked, nil
}

// Blocked lists all currently blocked keys with their expiries.
func (s *BadgerCounterStore) Blocked(ctx context.Context) (map[Key]time.Time, error) {
	out := make(map[Key]time.Time)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(blockKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			suffix := strings.TrimPrefix(string(item.Key()), blockKeyPrefix)
			scope, value, ok := strings.Cut(suffix, ":")
			if !ok {
				continue
			}
			key := Key{Scope: Scope(scope), Value: value}

			if err := item.Value(func(val []byte) error {
				var t time.Time
				if err := t.UnmarshalBinary(val); err != nil {
					return err
				}
				if s.now().Before(t) {
					out[key] = t
				}
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	return out, nil
}
