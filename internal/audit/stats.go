// Parcelguard - Package Forwarding Back Office Security & Audit Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parcelguard

package audit

import (
	"context"
	"time"
)

// Stats holds pre-aggregated counts over a window of audit records.
// Served to dashboards through the statistics cache.
type Stats struct {
	Total        int64            `json:"total"`
	ByType       map[string]int64 `json:"by_type"`
	ByAction     map[string]int64 `json:"by_action"`
	ByDay        map[string]int64 `json:"by_day"`
	FailedLogins int64            `json:"failed_logins"`
	Since        time.Time        `json:"since"`
	ComputedAt   time.Time        `json:"computed_at"`
}

// ComputeStats aggregates counts by type, action, and day for records that
// occurred at or after since. This is the compute function behind the
// statistics cache; call sites choose their own TTL.
func ComputeStats(ctx context.Context, store Store, since time.Time) (*Stats, error) {
	records, err := store.Query(ctx, Filter{Since: &since, Limit: -1})
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		ByType:     make(map[string]int64),
		ByAction:   make(map[string]int64),
		ByDay:      make(map[string]int64),
		Since:      since,
		ComputedAt: time.Now().UTC(),
	}

	for i := range records {
		r := &records[i]
		stats.Total++
		stats.ByType[string(r.Type)]++
		stats.ByAction[r.Action]++
		stats.ByDay[r.OccurredAt.Format("2006-01-02")]++
		if r.Type == TypeAuthentication && r.Action == ActionLoginFailure {
			stats.FailedLogins++
		}
	}

	return stats, nil
}
