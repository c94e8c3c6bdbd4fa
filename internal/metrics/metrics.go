// Parcelguard - Package Forwarding Back Office Security & Audit Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parcelguard

// Package metrics provides Prometheus metrics for the audit and security
// monitoring pipeline. Metrics are exposed at /metrics in Prometheus text
// format by the read API.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Audit capture metrics
	AuditEventsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_events_recorded_total",
			Help: "Total audit events accepted for persistence",
		},
		[]string{"event_type", "path"}, // path: "sync", "async"
	)

	AuditEventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_events_dropped_total",
			Help: "Total audit events dropped before persistence",
		},
		[]string{"reason"}, // "invalid_kind", "malformed", "store_error", "publish_error"
	)

	// Batch writer metrics
	BatchFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_batch_flushes_total",
			Help: "Total batch flush operations",
		},
		[]string{"result"}, // "success", "retried", "dead_lettered"
	)

	BatchFlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "audit_batch_flush_duration_seconds",
			Help:    "Duration of batch flush operations",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 30, 60},
		},
	)

	BatchChunkSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "audit_batch_chunk_size",
			Help:    "Number of records per flushed chunk",
			Buckets: []float64{1, 10, 25, 50, 100, 250, 500},
		},
	)

	DeadLetteredJobs = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_dead_lettered_jobs_total",
			Help: "Batch jobs marked permanently failed after exhausting retries",
		},
	)

	// Lockout metrics
	LockoutsTriggered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockouts_triggered_total",
			Help: "Total keys transitioned into the blocked state",
		},
		[]string{"scope"}, // "ip", "email"
	)

	BlockedChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockout_blocked_checks_total",
			Help: "Total isBlocked checks on the authentication hot path",
		},
		[]string{"result"}, // "blocked", "clean"
	)

	// Risk analyzer metrics
	RiskAssessments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_assessments_total",
			Help: "Total risk assessments computed",
		},
		[]string{"level"}, // "low", "medium", "high", "critical"
	)

	AlertsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerts_dispatched_total",
			Help: "Total alert deliveries attempted",
		},
		[]string{"notifier", "result"}, // result: "success", "error"
	)

	// Statistics cache metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "statcache_hits_total",
			Help: "Total statistics cache hits",
		},
		[]string{"cache"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "statcache_misses_total",
			Help: "Total statistics cache misses (compute required)",
		},
		[]string{"cache"},
	)

	WarmupRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "statcache_warmup_runs_total",
			Help: "Total cache warm-up executions",
		},
		[]string{"result"}, // "success", "partial", "error"
	)
)
