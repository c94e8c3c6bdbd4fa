// Parcelguard - Package Forwarding Back Office Security & Audit Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parcelguard

package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/tomtom215/parcelguard/internal/audit"
	"github.com/tomtom215/parcelguard/internal/statcache"
)

// flakyStore fails AppendBatch a configured number of times, then delegates.
type flakyStore struct {
	*audit.MemoryStore
	mu        sync.Mutex
	failures  int
	attempts  int
	permanent bool
}

func newFlakyStore(failures int, permanent bool) *flakyStore {
	return &flakyStore{
		MemoryStore: audit.NewMemoryStore(),
		failures:    failures,
		permanent:   permanent,
	}
}

func (s *flakyStore) AppendBatch(ctx context.Context, records []*audit.Record) error {
	s.mu.Lock()
	s.attempts++
	attempt := s.attempts
	s.mu.Unlock()

	if attempt <= s.failures {
		if s.permanent {
			return NewPermanentError("schema mismatch", nil)
		}
		return errors.New("store unavailable")
	}
	return s.MemoryStore.AppendBatch(ctx, records)
}

func (s *flakyStore) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func testConsumerConfig() Config {
	return Config{
		BatchSize:     100,
		FlushInterval: 50 * time.Millisecond,
		MaxAttempts:   3,
		RetryDelay:    time.Millisecond,
		JobTimeout:    time.Second,
	}
}

func TestConsumerPersistsChunkAndDropsMalformed(t *testing.T) {
	pubSub := NewPubSub(16)
	defer pubSub.Close()

	store := audit.NewMemoryStore()
	consumer := NewConsumer(pubSub, store, nil, testConsumerConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Serve(ctx) }()

	pub, err := NewPublisher(pubSub)
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	for i := 0; i < 8; i++ {
		err := pub.Enqueue(context.Background(), audit.Event{
			Type:       audit.TypeAuthentication,
			Action:     audit.ActionLoginSuccess,
			ActorID:    "u1",
			OccurredAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	// Two malformed messages: invalid JSON and a missing action.
	_ = pubSub.Publish(TopicAuditEvents, message.NewMessage(watermill.NewUUID(), []byte("{not json")))
	_ = pubSub.Publish(TopicAuditEvents, message.NewMessage(watermill.NewUUID(), []byte(`{"event_type":"authentication"}`)))

	waitFor(t, time.Second, func() bool { return store.Len() == 8 })

	cancel()
	<-done

	if store.Len() != 8 {
		t.Fatalf("expected 8 persisted records, got %d", store.Len())
	}
}

func TestConsumerFlushesOnBatchSize(t *testing.T) {
	pubSub := NewPubSub(16)
	defer pubSub.Close()

	cfg := testConsumerConfig()
	cfg.BatchSize = 3
	cfg.FlushInterval = time.Hour // size, not time, must trigger the flush

	store := audit.NewMemoryStore()
	consumer := NewConsumer(pubSub, store, nil, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = consumer.Serve(ctx) }()

	pub, _ := NewPublisher(pubSub)
	for i := 0; i < 3; i++ {
		_ = pub.Enqueue(context.Background(), audit.Event{
			Type: audit.TypeModelMutation, Action: audit.ActionCreate,
			SubjectType: "package", OccurredAt: time.Now().UTC(),
		})
	}

	waitFor(t, time.Second, func() bool { return store.Len() == 3 })
}

func TestFlushChunkRetriesTransientFailure(t *testing.T) {
	store := newFlakyStore(2, false)
	consumer := NewConsumer(nil, store, nil, testConsumerConfig())

	chunk := []*audit.Record{{Type: audit.TypeAuthentication, Action: audit.ActionLogout}}
	consumer.flushChunk(context.Background(), chunk)

	if store.Attempts() != 3 {
		t.Fatalf("expected 3 attempts, got %d", store.Attempts())
	}
	if store.Len() != 1 {
		t.Fatalf("chunk must persist after retries, got %d records", store.Len())
	}
	if consumer.DLQ().Len() != 0 {
		t.Fatal("recovered chunk must not dead-letter")
	}
}

func TestFlushChunkDeadLettersAfterExhaustedRetries(t *testing.T) {
	store := newFlakyStore(100, false)
	consumer := NewConsumer(nil, store, nil, testConsumerConfig())

	chunk := []*audit.Record{
		{Type: audit.TypeAuthentication, Action: audit.ActionLogout, ActorID: "u1"},
		{Type: audit.TypeAuthentication, Action: audit.ActionLogout, ActorID: "u2"},
	}
	consumer.flushChunk(context.Background(), chunk)

	if store.Attempts() != 3 {
		t.Fatalf("expected exactly MaxAttempts=3 attempts, got %d", store.Attempts())
	}
	if consumer.DLQ().Len() != 1 {
		t.Fatalf("expected 1 dead letter, got %d", consumer.DLQ().Len())
	}

	dl := consumer.DLQ().List()[0]
	if len(dl.Records) != 2 || dl.Attempts != 3 || dl.Error == "" {
		t.Fatalf("dead letter must retain the chunk and failure detail: %+v", dl)
	}
}

func TestFlushChunkPermanentErrorSkipsRetries(t *testing.T) {
	store := newFlakyStore(100, true)
	consumer := NewConsumer(nil, store, nil, testConsumerConfig())

	consumer.flushChunk(context.Background(), []*audit.Record{
		{Type: audit.TypeAuthentication, Action: audit.ActionLogout},
	})

	if store.Attempts() != 1 {
		t.Fatalf("permanent error must not be retried: %d attempts", store.Attempts())
	}
	if consumer.DLQ().Len() != 1 {
		t.Fatal("permanent failure must dead-letter")
	}
}

func TestFlushChunkInvalidatesStatsCache(t *testing.T) {
	cache := statcache.New("test")
	cache.Set("audit:stats:7d", "stale", time.Hour)
	cache.Set("lockout:active", "unrelated", time.Hour)

	store := audit.NewMemoryStore()
	consumer := NewConsumer(nil, store, cache, testConsumerConfig())

	consumer.flushChunk(context.Background(), []*audit.Record{
		{Type: audit.TypeAuthentication, Action: audit.ActionLogout},
	})

	if _, ok := cache.Get("audit:stats:7d"); ok {
		t.Fatal("audit aggregates must be invalidated after a flush")
	}
	if _, ok := cache.Get("lockout:active"); !ok {
		t.Fatal("unrelated cache entries must survive")
	}
}

func TestDeadLetterQueueBounded(t *testing.T) {
	q := NewDeadLetterQueue(2)
	for i := 0; i < 3; i++ {
		q.Add(DeadLetter{Error: "x", Attempts: i + 1, FailedAt: time.Now()})
	}

	if q.Len() != 2 {
		t.Fatalf("expected capacity 2, got %d", q.Len())
	}
	if q.Dropped() != 1 {
		t.Fatalf("expected 1 evicted, got %d", q.Dropped())
	}
	entries := q.List()
	if entries[0].Attempts != 2 || entries[1].Attempts != 3 {
		t.Fatalf("oldest entry must be evicted first: %+v", entries)
	}
}

func TestPublisherRejectsNil(t *testing.T) {
	if _, err := NewPublisher(nil); err == nil {
		t.Fatal("expected error for nil publisher")
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
