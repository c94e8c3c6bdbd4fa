// Parcelguard - Package Forwarding Back Office Security & Audit Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parcelguard

package audit

import "strings"

// RedactionMarker replaces every denylisted value. The original value never
// reaches the store in any form.
const RedactionMarker = "[REDACTED]"

// Redactor scrubs denylisted field names from event payloads. Matching is
// case-insensitive and applies at any nesting depth, including maps inside
// slices. Redaction is unconditional; there is no per-call opt-out.
type Redactor struct {
	global  map[string]struct{}
	perKind map[string]map[string]struct{}
}

// NewRedactor builds a redactor from a global denylist and optional
// per-entity-kind additions.
func NewRedactor(global []string, perKind map[string][]string) *Redactor {
	r := &Redactor{
		global:  make(map[string]struct{}, len(global)),
		perKind: make(map[string]map[string]struct{}, len(perKind)),
	}
	for _, f := range global {
		r.global[strings.ToLower(f)] = struct{}{}
	}
	for kind, fields := range perKind {
		set := make(map[string]struct{}, len(fields))
		for _, f := range fields {
			set[strings.ToLower(f)] = struct{}{}
		}
		r.perKind[strings.ToLower(kind)] = set
	}
	return r
}

// Scrub returns a deep copy of m with denylisted values replaced by the
// redaction marker. kind selects per-kind denylist additions; pass "" for
// payloads not tied to an entity kind. The input map is never modified.
func (r *Redactor) Scrub(kind string, m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	extra := r.perKind[strings.ToLower(kind)]
	return r.scrubMap(m, extra)
}

func (r *Redactor) denied(key string, extra map[string]struct{}) bool {
	k := strings.ToLower(key)
	if _, ok := r.global[k]; ok {
		return true
	}
	if extra != nil {
		if _, ok := extra[k]; ok {
			return true
		}
	}
	return false
}

func (r *Redactor) scrubMap(m map[string]any, extra map[string]struct{}) map[string]any {
	out := make(map[string]any, len(m))
	for key, val := range m {
		if r.denied(key, extra) {
			out[key] = RedactionMarker
			continue
		}
		out[key] = r.scrubValue(val, extra)
	}
	return out
}

func (r *Redactor) scrubValue(v any, extra map[string]struct{}) any {
	switch val := v.(type) {
	case map[string]any:
		return r.scrubMap(val, extra)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.scrubValue(item, extra)
		}
		return out
	default:
		return v
	}
}
