// Parcelguard - Package Forwarding Back Office Security & Audit Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parcelguard

package audit

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

// Key layout for BadgerDB storage.
const (
	recordKeyPrefix  = "audit:rec:"
	actorIndexPrefix = "audit:idx:actor:"
	sequenceKey      = "audit_seq"
	sequenceBatch    = 128
)

// BadgerStore implements Store using BadgerDB for durable, append-only
// persistence. IDs are assigned monotonically from a badger sequence, so
// records sort chronologically by key.
type BadgerStore struct {
	db  *badger.DB
	seq *badger.Sequence
}

// NewBadgerStore creates a BadgerDB-backed audit store.
func NewBadgerStore(db *badger.DB) (*BadgerStore, error) {
	seq, err := db.GetSequence([]byte(sequenceKey), sequenceBatch)
	if err != nil {
		return nil, fmt.Errorf("audit sequence: %w", err)
	}
	return &BadgerStore{db: db, seq: seq}, nil
}

// Close releases the ID sequence. The caller owns the badger.DB itself.
func (s *BadgerStore) Close() error {
	return s.seq.Release()
}

// recordKey builds the storage key for a record ID.
func recordKey(id uint64) []byte {
	key := make([]byte, len(recordKeyPrefix)+8)
	copy(key, recordKeyPrefix)
	binary.BigEndian.PutUint64(key[len(recordKeyPrefix):], id)
	return key
}

// indexEntry is the small value stored under an actor index key. It holds
// just enough to evaluate the analyzer's filters without loading the record.
type indexEntry struct {
	Type     EventType `json:"t"`
	Action   string    `json:"a"`
	OriginIP string    `json:"ip,omitempty"`
}

// actorIndexKey builds the secondary index key for a record:
// audit:idx:actor:<actor>\x00<occurred-at-be><id-be>. Keys for one actor
// sort chronologically, so time-windowed lookups are a bounded range read.
func actorIndexKey(actor string, occurredAt time.Time, id uint64) []byte {
	key := make([]byte, 0, len(actorIndexPrefix)+len(actor)+1+16)
	key = append(key, actorIndexPrefix...)
	key = append(key, actor...)
	key = append(key, 0)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(occurredAt.UTC().UnixNano()))
	key = append(key, buf[:]...)
	binary.BigEndian.PutUint64(buf[:], id)
	return append(key, buf[:]...)
}

// actorIndexSpan returns the key prefix covering one actor's entries and the
// seek position for a lower time bound.
func actorIndexSpan(actor string, since *time.Time) (prefix, seek []byte) {
	prefix = make([]byte, 0, len(actorIndexPrefix)+len(actor)+1)
	prefix = append(prefix, actorIndexPrefix...)
	prefix = append(prefix, actor...)
	prefix = append(prefix, 0)

	seek = prefix
	if since != nil {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(since.UTC().UnixNano()))
		seek = append(append([]byte{}, prefix...), buf[:]...)
	}
	return prefix, seek
}

// indexKeyTime extracts the occurred-at timestamp from an actor index key.
func indexKeyTime(key, prefix []byte) time.Time {
	ts := binary.BigEndian.Uint64(key[len(prefix) : len(prefix)+8])
	return time.Unix(0, int64(ts)).UTC()
}

// indexKeyID extracts the record ID from an actor index key.
func indexKeyID(key, prefix []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(prefix)+8:])
}

// usesActorIndex reports whether the filter can be answered from the actor
// index alone. Subject filters need the full record.
func usesActorIndex(filter *Filter) bool {
	return filter.ActorID != "" && filter.SubjectType == "" && filter.SubjectID == ""
}

// matchesIndex evaluates the index-resolvable filter criteria.
func (f *Filter) matchesIndex(e *indexEntry) bool {
	if len(f.Types) > 0 && !containsType(f.Types, e.Type) {
		return false
	}
	if len(f.Actions) > 0 && !containsString(f.Actions, e.Action) {
		return false
	}
	if f.OriginIP != "" && e.OriginIP != f.OriginIP {
		return false
	}
	return true
}

// nextID reserves a new monotonic record ID (always > 0).
func (s *BadgerStore) nextID() (uint64, error) {
	n, err := s.seq.Next()
	if err != nil {
		return 0, fmt.Errorf("next audit id: %w", err)
	}
	return n + 1, nil
}

// Append persists a single record.
func (s *BadgerStore) Append(ctx context.Context, record *Record) error {
	id, err := s.nextID()
	if err != nil {
		return err
	}
	record.ID = id
	record.CreatedAt = time.Now().UTC()

	data, idx, err := encodeRecord(record)
	if err != nil {
		return err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(recordKey(id), data); err != nil {
			return err
		}
		if record.ActorID != "" {
			return txn.Set(actorIndexKey(record.ActorID, record.OccurredAt, id), idx)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

// encodeRecord marshals the record and its actor index entry.
func encodeRecord(record *Record) (data, idx []byte, err error) {
	data, err = json.Marshal(record)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal audit record: %w", err)
	}
	idx, err = json.Marshal(indexEntry{
		Type:     record.Type,
		Action:   record.Action,
		OriginIP: record.OriginIP,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("marshal index entry: %w", err)
	}
	return data, idx, nil
}

// AppendBatch persists a chunk of records through one write batch. Badger
// write batches are atomic per transaction flush, so a chunk either fully
// persists or the whole call errors and can be retried.
func (s *BadgerStore) AppendBatch(ctx context.Context, records []*Record) error {
	if len(records) == 0 {
		return nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	now := time.Now().UTC()
	for _, record := range records {
		id, err := s.nextID()
		if err != nil {
			return err
		}
		record.ID = id
		record.CreatedAt = now

		data, idx, err := encodeRecord(record)
		if err != nil {
			return err
		}
		if err := wb.Set(recordKey(id), data); err != nil {
			return fmt.Errorf("batch set: %w", err)
		}
		if record.ActorID != "" {
			if err := wb.Set(actorIndexKey(record.ActorID, record.OccurredAt, id), idx); err != nil {
				return fmt.Errorf("batch index set: %w", err)
			}
		}
	}

	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flush audit batch: %w", err)
	}
	return nil
}

// Get retrieves a record by ID.
func (s *BadgerStore) Get(ctx context.Context, id uint64) (*Record, error) {
	var record Record

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrRecordNotFound
		}
		if err != nil {
			return fmt.Errorf("get audit record: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &record)
		})
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// Query retrieves records matching the filter, recent-first. Actor-scoped
// filters resolve through the actor index; everything else reverse-iterates
// record keys, which sort by ID, so iteration stops once the limit is
// reached.
func (s *BadgerStore) Query(ctx context.Context, filter Filter) ([]Record, error) {
	limit := filter.Limit
	if limit == 0 {
		limit = DefaultQueryLimit
	}

	if usesActorIndex(&filter) {
		return s.queryByActor(ctx, filter, limit)
	}

	var results []Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(recordKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek past the last possible record key.
		seek := recordKey(^uint64(0))
		for it.Seek(seek); it.ValidForPrefix([]byte(recordKeyPrefix)); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			var record Record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &record)
			})
			if err != nil {
				return fmt.Errorf("decode audit record: %w", err)
			}

			if !filter.Matches(&record) {
				continue
			}
			results = append(results, record)
			if limit > 0 && len(results) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// queryByActor resolves an actor-scoped query through the index: a reverse
// range read over the actor's entries, bounded by the time window and the
// limit, fetching only the matching records.
func (s *BadgerStore) queryByActor(ctx context.Context, filter Filter, limit int) ([]Record, error) {
	prefix, _ := actorIndexSpan(filter.ActorID, nil)

	var results []Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek past the actor's last possible entry.
		seek := append(append([]byte{}, prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			key := it.Item().Key()
			ts := indexKeyTime(key, prefix)
			if filter.Until != nil && ts.After(*filter.Until) {
				continue
			}
			if filter.Since != nil && ts.Before(*filter.Since) {
				// Entries only get older from here.
				return nil
			}

			var entry indexEntry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			})
			if err != nil {
				return fmt.Errorf("decode index entry: %w", err)
			}
			if !filter.matchesIndex(&entry) {
				continue
			}

			item, err := txn.Get(recordKey(indexKeyID(key, prefix)))
			if err != nil {
				return fmt.Errorf("resolve indexed record: %w", err)
			}
			var record Record
			err = item.Value(func(val []byte) error {
				return json.Unmarshal(val, &record)
			})
			if err != nil {
				return fmt.Errorf("decode audit record: %w", err)
			}

			results = append(results, record)
			if limit > 0 && len(results) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// Count returns the number of records matching the filter. Actor-scoped
// filters count index entries over the time window instead of scanning
// records.
func (s *BadgerStore) Count(ctx context.Context, filter Filter) (int64, error) {
	if usesActorIndex(&filter) {
		return s.countByActor(ctx, filter)
	}

	var count int64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(recordKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix([]byte(recordKeyPrefix)); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			var record Record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &record)
			})
			if err != nil {
				return fmt.Errorf("decode audit record: %w", err)
			}
			if filter.Matches(&record) {
				count++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// countByActor counts matching index entries in one bounded range read.
func (s *BadgerStore) countByActor(ctx context.Context, filter Filter) (int64, error) {
	prefix, seek := actorIndexSpan(filter.ActorID, filter.Since)

	var count int64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			if filter.Until != nil && indexKeyTime(it.Item().Key(), prefix).After(*filter.Until) {
				// Entries only get newer from here.
				return nil
			}

			var entry indexEntry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			})
			if err != nil {
				return fmt.Errorf("decode index entry: %w", err)
			}
			if filter.matchesIndex(&entry) {
				count++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// PurgeOlderThan removes records created before the cutoff. This is the only
// deletion path; it serves retention, not correction.
func (s *BadgerStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var stale, staleIdx [][]byte

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(recordKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix([]byte(recordKeyPrefix)); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			var record Record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &record)
			})
			if err != nil {
				return fmt.Errorf("decode audit record: %w", err)
			}
			if record.CreatedAt.Before(cutoff) {
				stale = append(stale, it.Item().KeyCopy(nil))
				if record.ActorID != "" {
					staleIdx = append(staleIdx, actorIndexKey(record.ActorID, record.OccurredAt, record.ID))
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if len(stale) == 0 {
		return 0, nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range append(stale, staleIdx...) {
		if err := wb.Delete(key); err != nil {
			return 0, fmt.Errorf("purge delete: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("purge flush: %w", err)
	}
	return int64(len(stale)), nil
}
