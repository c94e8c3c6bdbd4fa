// Parcelguard - Package Forwarding Back Office Security & Audit Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parcelguard

// Command server runs the Parcelguard audit and security monitoring
// service: the audit store, the batch write pipeline, the lockout
// tracker, the risk analyzer, and the operator read API, all under one
// supervisor tree.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/tomtom215/parcelguard/internal/api"
	"github.com/tomtom215/parcelguard/internal/audit"
	"github.com/tomtom215/parcelguard/internal/config"
	"github.com/tomtom215/parcelguard/internal/listener"
	"github.com/tomtom215/parcelguard/internal/lockout"
	"github.com/tomtom215/parcelguard/internal/logging"
	"github.com/tomtom215/parcelguard/internal/pipeline"
	"github.com/tomtom215/parcelguard/internal/risk"
	"github.com/tomtom215/parcelguard/internal/statcache"
	"github.com/tomtom215/parcelguard/internal/supervisor"
)

func main() {
	if err := run(); err != nil {
		logging.Error().Err(err).Msg("fatal error")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	logging.Info().
		Str("level", cfg.Logging.Level).
		Str("storage_path", cfg.Storage.Path).
		Msg("starting parcelguard")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openBadger(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			logging.Error().Err(cerr).Msg("closing badger")
		}
	}()

	store, err := audit.NewBadgerStore(db)
	if err != nil {
		return fmt.Errorf("init audit store: %w", err)
	}
	counters := lockout.NewBadgerCounterStore(db)

	// Capture side: redaction, normalization, async pipeline, recorder.
	redactor := audit.NewRedactor(cfg.Audit.RedactFields, cfg.Audit.RedactFieldsPerKind)
	normalizer := audit.NewNormalizer(redactor)

	pubsub := pipeline.NewPubSub(0)
	defer func() {
		if cerr := pubsub.Close(); cerr != nil {
			logging.Error().Err(cerr).Msg("closing pubsub")
		}
	}()
	publisher, err := pipeline.NewPublisher(pubsub)
	if err != nil {
		return fmt.Errorf("init publisher: %w", err)
	}

	recorder := audit.NewRecorder(store, normalizer, publisher, audit.RecorderConfig{
		Enabled:      cfg.Audit.Enabled,
		AsyncEnabled: cfg.Audit.AsyncEnabled,
		AuditedKinds: cfg.Audit.AuditedKinds,
	})

	cache := statcache.New("audit-stats")
	recorder.AttachCache(cache)
	consumer := pipeline.NewConsumer(pubsub, store, cache, pipeline.Config{
		BatchSize:     cfg.Audit.BatchSize,
		FlushInterval: cfg.Audit.FlushInterval,
		MaxAttempts:   cfg.Audit.MaxAttempts,
		RetryDelay:    cfg.Audit.RetryDelay,
		JobTimeout:    cfg.Audit.JobTimeout,
	})

	// Security side: lockout tracking and risk analysis.
	tracker := lockout.NewTracker(counters, recorder, lockout.Config{
		Enabled:       cfg.Lockout.Enabled,
		MaxAttempts:   cfg.Lockout.MaxAttempts,
		Window:        cfg.Lockout.Window,
		BlockDuration: cfg.Lockout.BlockDuration,
		TrackByIP:     cfg.Lockout.TrackByIP,
	}, nil)

	analyzer := risk.NewAnalyzer(store, counters, risk.Config{
		NewIPLookbackDays: cfg.Risk.NewIPLookbackDays,
		OffHoursStart:     cfg.Risk.OffHoursStart,
		OffHoursEnd:       cfg.Risk.OffHoursEnd,
		RapidLoginCount:   cfg.Risk.RapidLoginCount,
		RapidLoginWindow:  cfg.Risk.RapidLoginWindow,
		Thresholds: risk.Thresholds{
			Medium:   cfg.Risk.Thresholds.Medium,
			High:     cfg.Risk.Thresholds.High,
			Critical: cfg.Risk.Thresholds.Critical,
		},
	})
	dispatcher := risk.NewDispatcher(recorder, risk.NewWebhookNotifier(risk.WebhookConfig{
		WebhookURL: cfg.Risk.AlertWebhookURL,
	}))

	// Domain event intake: in-process collaborators publish on the bus,
	// out-of-process hosts reach it through the ingestion endpoint.
	bus := listener.NewBus(listener.NewAuthListener(recorder, tracker, analyzer, dispatcher))

	// Operator API.
	handler := api.NewHandler(store, cache, cfg.Cache.DefaultTTL, counters, analyzer, consumer.DLQ(), bus)
	router := api.NewRouter(handler, api.RouterConfig{
		RateLimit:          cfg.Server.RateLimit,
		RateLimitWindow:    cfg.Server.RateLimitWindow,
		CORSAllowedOrigins: cfg.Server.CORSAllowedOrigins,
		AuditMiddleware:    listener.HTTPAudit(recorder),
	})
	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	server := api.NewServer(addr, router, cfg.Server.Timeout)

	// Background services.
	warmer := statcache.NewWarmer(cache,
		api.StatsWarmupJobs(store, cfg.Cache.WarmupWindows, cfg.Cache.SlowTTL),
		cfg.Cache.WarmupInterval)
	cleaner := audit.NewRetentionCleaner(store, cfg.Audit.RetentionDays, 0)

	tree := supervisor.NewTree(slog.New(logging.NewSlogHandler()), supervisor.DefaultTreeConfig())
	tree.AddStorageService(cleaner)
	tree.AddPipelineService(consumer)
	tree.AddPipelineService(warmer)
	tree.AddAPIService(server)

	err = tree.Serve(ctx)
	if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		for _, svc := range report {
			logging.Warn().Str("service", svc.Name).Msg("service did not stop in time")
		}
	}
	if err != nil && ctx.Err() != nil {
		// Normal shutdown path.
		logging.Info().Msg("parcelguard stopped")
		return nil
	}
	return err
}

// openBadger opens the embedded store, in memory when no path is set.
func openBadger(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	return badger.Open(opts)
}
