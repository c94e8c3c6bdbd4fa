// Parcelguard - Package Forwarding Back Office Security & Audit Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parcelguard

package audit

import (
	"context"
	"time"

	"github.com/tomtom215/parcelguard/internal/logging"
)

// RetentionCleaner purges records older than the retention window on a
// schedule. It is designed to run as a supervised service.
type RetentionCleaner struct {
	store         Store
	retentionDays int
	interval      time.Duration
}

// NewRetentionCleaner creates a cleaner. interval defaults to 24h.
func NewRetentionCleaner(store Store, retentionDays int, interval time.Duration) *RetentionCleaner {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &RetentionCleaner{
		store:         store,
		retentionDays: retentionDays,
		interval:      interval,
	}
}

// Serve runs the retention loop until the context is canceled.
// Implements suture.Service.
func (c *RetentionCleaner) Serve(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.runOnce(ctx)
		}
	}
}

// runOnce performs a single purge pass.
func (c *RetentionCleaner) runOnce(ctx context.Context) {
	cutoff := time.Now().UTC().AddDate(0, 0, -c.retentionDays)

	count, err := c.store.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		logging.Error().Err(err).Msg("audit retention purge failed")
		return
	}
	if count > 0 {
		logging.Info().Int64("count", count).Time("cutoff", cutoff).Msg("purged expired audit records")
	}
}

func (c *RetentionCleaner) String() string { return "audit-retention" }
