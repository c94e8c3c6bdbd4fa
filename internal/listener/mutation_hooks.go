// Parcelguard - Package Forwarding Back Office Security & Audit Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parcelguard

package listener

import (
	"context"
	"sync"

	"github.com/tomtom215/parcelguard/internal/audit"
)

// Mutation describes one model change reported by the data-access layer.
type Mutation struct {
	Kind    string
	ID      string
	Action  string // audit.ActionCreate/Update/Delete/Restore
	ActorID string
	Before  map[string]any
	After   map[string]any
}

// Hook is an extra per-kind callback run after the mutation is audited.
type Hook func(ctx context.Context, m Mutation)

// MutationHooks is the central registry the data-access layer calls on every
// create/update/delete/restore. Every mutation of an audited kind produces an
// audit event; registered per-kind hooks run afterwards.
type MutationHooks struct {
	recorder *audit.Recorder

	mu    sync.RWMutex
	hooks map[string][]Hook
}

// NewMutationHooks creates the registry.
func NewMutationHooks(recorder *audit.Recorder) *MutationHooks {
	return &MutationHooks{
		recorder: recorder,
		hooks:    make(map[string][]Hook),
	}
}

// Register adds a hook for an entity kind. Hooks run in registration order.
func (h *MutationHooks) Register(kind string, hook Hook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks[kind] = append(h.hooks[kind], hook)
}

// OnCreate reports a created entity.
func (h *MutationHooks) OnCreate(ctx context.Context, kind, id, actorID string, after map[string]any) {
	h.dispatch(ctx, Mutation{Kind: kind, ID: id, Action: audit.ActionCreate, ActorID: actorID, After: after})
}

// OnUpdate reports an updated entity with its before and after states.
func (h *MutationHooks) OnUpdate(ctx context.Context, kind, id, actorID string, before, after map[string]any) {
	h.dispatch(ctx, Mutation{Kind: kind, ID: id, Action: audit.ActionUpdate, ActorID: actorID, Before: before, After: after})
}

// OnDelete reports a deleted entity with its last state.
func (h *MutationHooks) OnDelete(ctx context.Context, kind, id, actorID string, before map[string]any) {
	h.dispatch(ctx, Mutation{Kind: kind, ID: id, Action: audit.ActionDelete, ActorID: actorID, Before: before})
}

// OnRestore reports a soft-deleted entity brought back.
func (h *MutationHooks) OnRestore(ctx context.Context, kind, id, actorID string, after map[string]any) {
	h.dispatch(ctx, Mutation{Kind: kind, ID: id, Action: audit.ActionRestore, ActorID: actorID, After: after})
}

func (h *MutationHooks) dispatch(ctx context.Context, m Mutation) {
	// The recorder gates on audited kinds; hooks run regardless so callers
	// can attach non-audit behavior to any kind.
	h.recorder.RecordMutation(ctx, m.Kind, m.ID, m.Action, m.ActorID, m.Before, m.After)

	h.mu.RLock()
	hooks := h.hooks[m.Kind]
	h.mu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, m)
	}
}
