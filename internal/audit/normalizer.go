// Parcelguard - Package Forwarding Back Office Security & Audit Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parcelguard

package audit

import (
	"fmt"
	"time"
)

// Normalizer validates, redacts, and shapes raw events into a form fit for
// persistence. Normalize is a pure transform: it has no side effects and
// never mutates its input.
type Normalizer struct {
	redactor *Redactor

	// now is injectable for tests.
	now func() time.Time
}

// NewNormalizer creates a normalizer with the given redactor.
func NewNormalizer(redactor *Redactor) *Normalizer {
	return &Normalizer{
		redactor: redactor,
		now:      time.Now,
	}
}

// Normalize validates the event's kind and action against the allow-list,
// scrubs denylisted fields from Before/After/Extra, normalizes the timestamp
// to UTC, and drops Before/After for non-mutation events.
func (n *Normalizer) Normalize(e Event) (Event, error) {
	if e.Type == "" || e.Action == "" {
		return Event{}, fmt.Errorf("%w: empty type or action", ErrInvalidEventKind)
	}

	actions, ok := actionAllowlist[e.Type]
	if !ok {
		return Event{}, fmt.Errorf("%w: unknown type %q", ErrInvalidEventKind, e.Type)
	}
	if _, ok := actions[e.Action]; !ok {
		return Event{}, fmt.Errorf("%w: action %q not allowed for type %q", ErrInvalidEventKind, e.Action, e.Type)
	}

	out := e

	// Before/After carry state diffs for mutations only.
	if e.Type != TypeModelMutation {
		out.Before = nil
		out.After = nil
	} else {
		out.Before = n.redactor.Scrub(e.SubjectType, e.Before)
		out.After = n.redactor.Scrub(e.SubjectType, e.After)
	}

	out.Extra = n.redactor.Scrub(e.SubjectType, e.Extra)

	if e.OccurredAt.IsZero() {
		out.OccurredAt = n.now().UTC()
	} else {
		out.OccurredAt = e.OccurredAt.UTC()
	}

	return out, nil
}
