// Parcelguard - Package Forwarding Back Office Security & Audit Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parcelguard

package statcache

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/tomtom215/parcelguard/internal/logging"
	"github.com/tomtom215/parcelguard/internal/metrics"
)

// WarmupJob recomputes one statistic and caches it for future readers.
type WarmupJob struct {
	Key     string
	TTL     time.Duration
	Compute func(ctx context.Context) (any, error)
}

// Warmer pre-populates the cache on a schedule so the most common
// statistics never pay a compute on the read path. Each run recomputes
// every job unconditionally; a warm entry that still has TTL left is
// refreshed anyway so readers observe bounded staleness.
type Warmer struct {
	cache    *Cache
	jobs     []WarmupJob
	interval time.Duration
	limiter  *rate.Limiter
}

// NewWarmer creates a warmer. interval defaults to 10m. Jobs are paced
// at a couple per second so a large job list does not stampede the store.
func NewWarmer(cache *Cache, jobs []WarmupJob, interval time.Duration) *Warmer {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Warmer{
		cache:    cache,
		jobs:     jobs,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Limit(2), 1),
	}
}

// Serve runs an immediate warm-up, then repeats on the interval until the
// context is canceled. Implements suture.Service.
func (w *Warmer) Serve(ctx context.Context) error {
	w.runOnce(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

// runOnce executes every job. A failing job is logged and skipped; the
// remaining jobs still run, and stale cached values for the failed key are
// left in place rather than evicted.
func (w *Warmer) runOnce(ctx context.Context) {
	start := time.Now()
	failures := 0

	for _, job := range w.jobs {
		if err := w.limiter.Wait(ctx); err != nil {
			return
		}

		value, err := job.Compute(ctx)
		if err != nil {
			failures++
			logging.Warn().Err(err).Str("key", job.Key).Msg("cache warm-up job failed")
			continue
		}
		w.cache.Set(job.Key, value, job.TTL)
	}

	switch {
	case failures == 0:
		metrics.WarmupRuns.WithLabelValues("success").Inc()
	case failures < len(w.jobs):
		metrics.WarmupRuns.WithLabelValues("partial").Inc()
	default:
		metrics.WarmupRuns.WithLabelValues("error").Inc()
	}

	logging.Debug().
		Int("jobs", len(w.jobs)).
		Int("failures", failures).
		Dur("elapsed", time.Since(start)).
		Msg("cache warm-up pass complete")
}

func (w *Warmer) String() string { return "statcache-warmer" }
