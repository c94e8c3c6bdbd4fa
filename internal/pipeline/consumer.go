// Parcelguard - Package Forwarding Back Office Security & Audit Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parcelguard

package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"

	"github.com/tomtom215/parcelguard/internal/audit"
	"github.com/tomtom215/parcelguard/internal/logging"
	"github.com/tomtom215/parcelguard/internal/metrics"
	"github.com/tomtom215/parcelguard/internal/statcache"
)

// Config tunes the batch consumer.
type Config struct {
	// BatchSize is the chunk size for bulk appends.
	BatchSize int

	// FlushInterval flushes a partial chunk after this long.
	FlushInterval time.Duration

	// MaxAttempts is the total append attempts per chunk before
	// dead-lettering.
	MaxAttempts int

	// RetryDelay is the constant delay between attempts.
	RetryDelay time.Duration

	// JobTimeout is the wall-clock budget for one chunk, retries included.
	JobTimeout time.Duration

	// DLQCapacity bounds the dead-letter queue. Zero means the default.
	DLQCapacity int
}

// Consumer drains the audit topic into chunked bulk appends. A chunk either
// fully persists or dead-letters as a whole; malformed individual messages
// are dropped before chunking and never poison their chunk.
type Consumer struct {
	subscriber message.Subscriber
	store      audit.Store
	cache      *statcache.Cache
	dlq        *DeadLetterQueue
	cfg        Config
	breaker    *gobreaker.CircuitBreaker[struct{}]
}

// NewConsumer creates a consumer. cache may be nil to skip invalidation.
func NewConsumer(sub message.Subscriber, store audit.Store, cache *statcache.Cache, cfg Config) *Consumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 5 * time.Minute
	}

	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:    "audit-batch-store",
		Timeout: time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})

	return &Consumer{
		subscriber: sub,
		store:      store,
		cache:      cache,
		dlq:        NewDeadLetterQueue(cfg.DLQCapacity),
		cfg:        cfg,
		breaker:    breaker,
	}
}

// DLQ exposes the dead-letter queue for operator inspection.
func (c *Consumer) DLQ() *DeadLetterQueue { return c.dlq }

// Serve subscribes and consumes until the context is canceled. Any buffered
// chunk is flushed before returning. Implements suture.Service.
func (c *Consumer) Serve(ctx context.Context) error {
	msgs, err := c.subscriber.Subscribe(ctx, TopicAuditEvents)
	if err != nil {
		return NewRetryableError("subscribe to audit topic", err)
	}

	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	var chunk []*audit.Record
	// Final flush runs on its own context: the serve context is already dead.
	drain := func() {
		if len(chunk) == 0 {
			return
		}
		flushCtx, cancel := context.WithTimeout(context.Background(), c.cfg.JobTimeout)
		defer cancel()
		c.flushChunk(flushCtx, chunk)
	}

	for {
		select {
		case <-ctx.Done():
			drain()
			return ctx.Err()

		case msg, ok := <-msgs:
			if !ok {
				drain()
				return nil
			}
			if record := c.decode(msg); record != nil {
				chunk = append(chunk, record)
			}
			msg.Ack()

			if len(chunk) >= c.cfg.BatchSize {
				c.flush(ctx, chunk)
				chunk = nil
			}

		case <-ticker.C:
			if len(chunk) > 0 {
				c.flush(ctx, chunk)
				chunk = nil
			}
		}
	}
}

// decode parses a message into a record. Malformed messages are dropped with
// a warning; the rest of the chunk is unaffected.
func (c *Consumer) decode(msg *message.Message) *audit.Record {
	var e audit.Event
	if err := json.Unmarshal(msg.Payload, &e); err != nil {
		metrics.AuditEventsDropped.WithLabelValues("malformed").Inc()
		logging.Warn().Err(err).
			Str("message_id", msg.UUID).
			Msg("dropping malformed audit message")
		return nil
	}
	if e.Type == "" || e.Action == "" {
		metrics.AuditEventsDropped.WithLabelValues("malformed").Inc()
		logging.Warn().
			Str("message_id", msg.UUID).
			Msg("dropping audit message without type or action")
		return nil
	}
	return audit.RecordFromEvent(&e)
}

// flush persists one chunk under the job timeout.
func (c *Consumer) flush(ctx context.Context, chunk []*audit.Record) {
	jobCtx, cancel := context.WithTimeout(ctx, c.cfg.JobTimeout)
	defer cancel()
	c.flushChunk(jobCtx, chunk)
}

// flushChunk bulk-appends a chunk through the circuit breaker with constant
// delay retries. Exhausted retries dead-letter the whole chunk.
func (c *Consumer) flushChunk(ctx context.Context, chunk []*audit.Record) {
	start := time.Now()
	attempts := 0

	operation := func() error {
		attempts++
		_, err := c.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, c.store.AppendBatch(ctx, chunk)
		})
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return backoff.Permanent(err)
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			logging.Warn().Int("chunk_size", len(chunk)).Msg("audit store breaker open, delaying chunk")
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewConstantBackOff(c.cfg.RetryDelay),
			uint64(c.cfg.MaxAttempts-1),
		),
		ctx,
	)

	if err := backoff.Retry(operation, policy); err != nil {
		c.deadLetter(chunk, err, attempts)
		return
	}

	metrics.BatchFlushDuration.Observe(time.Since(start).Seconds())
	metrics.BatchChunkSize.Observe(float64(len(chunk)))
	if attempts > 1 {
		metrics.BatchFlushes.WithLabelValues("retried").Inc()
	} else {
		metrics.BatchFlushes.WithLabelValues("success").Inc()
	}

	if c.cache != nil {
		c.cache.InvalidatePrefix("audit")
	}

	logging.Debug().
		Int("records", len(chunk)).
		Int("attempts", attempts).
		Dur("elapsed", time.Since(start)).
		Msg("audit chunk flushed")
}

// deadLetter parks a chunk that could not be persisted.
func (c *Consumer) deadLetter(chunk []*audit.Record, err error, attempts int) {
	records := make([]audit.Record, len(chunk))
	for i, r := range chunk {
		records[i] = *r
	}
	c.dlq.Add(DeadLetter{
		Records:  records,
		Error:    err.Error(),
		Attempts: attempts,
		FailedAt: time.Now().UTC(),
	})

	metrics.DeadLetteredJobs.Inc()
	metrics.BatchFlushes.WithLabelValues("dead_lettered").Inc()
	logging.Error().Err(err).
		Int("records", len(chunk)).
		Int("attempts", attempts).
		Msg("audit chunk dead-lettered after exhausting retries")
}

func (c *Consumer) String() string { return "audit-batch-consumer" }
