// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package workspace

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/loom/awareness"
	"github.com/bureau-foundation/loom/canvas"
	"github.com/bureau-foundation/loom/document"
	docsync "github.com/bureau-foundation/loom/sync"
)

// errorBuffer is the Errors channel capacity. When nobody drains the
// channel the newest errors win.
const errorBuffer = 16

// DocumentHandle is one open room: the replica, its canvas, its
// presence tracker, and the wiring that keeps all three fed. Handles
// stay valid until their room is closed.
type DocumentHandle struct {
	room    string
	manager *Manager
	doc     *document.Doc
	canvas  *canvas.Canvas
	tracker *awareness.Tracker

	errs        chan error
	stopTracker context.CancelFunc
}

// Room returns the room name.
func (h *DocumentHandle) Room() string {
	return h.room
}

// Document returns the room's replica for direct reads and
// transactions.
func (h *DocumentHandle) Document() *document.Doc {
	return h.doc
}

// Canvas returns the room's observer surface.
func (h *DocumentHandle) Canvas() *canvas.Canvas {
	return h.canvas
}

// Awareness returns the room's presence tracker.
func (h *DocumentHandle) Awareness() *awareness.Tracker {
	return h.tracker
}

// Container returns a typed handle over the named container,
// delegating to the room's canvas.
func (h *DocumentHandle) Container(name string, kind document.ContainerKind) (canvas.Handle, error) {
	return h.canvas.Container(name, kind)
}

// ConnectionState returns the shared sync connection's current state.
func (h *DocumentHandle) ConnectionState() docsync.ConnState {
	return h.manager.client.State()
}

// ConnectionStates returns a channel streaming sync connection state
// changes, starting with the current state.
func (h *DocumentHandle) ConnectionStates() <-chan docsync.ConnState {
	return h.manager.client.States()
}

// Errors returns the channel carrying the room's durability failures:
// conditions the engine cannot absorb, like a store that refuses
// appends. The document stays usable while they occur; only
// persistence is degraded. The channel is never closed.
func (h *DocumentHandle) Errors() <-chan error {
	return h.errs
}

// Flush folds the room's current state into a stored snapshot,
// trimming the covered log tail.
func (h *DocumentHandle) Flush(ctx context.Context) error {
	return h.saveSnapshot(ctx)
}

// onCommit is the document's commit hook: persist first, then stream
// to the peer, then notify observers. Remote batches persist too, so
// a restart replays converged state instead of re-syncing it.
func (h *DocumentHandle) onCommit(commit document.Commit) {
	switch commit.Source {
	case document.SourceLocal:
		h.persist(commit.Ops)
		h.manager.client.Push(h.room, commit.Ops)
	case document.SourceRemote:
		h.persist(commit.Ops)
	case document.SourceSnapshot:
		// A merged snapshot folds history the log tail depends on;
		// the store must capture it or a restart replays a tail with
		// missing roots.
		if err := h.saveSnapshot(h.manager.ctx); err != nil {
			h.report(err)
		}
	}
	h.canvas.Dispatch(commit)
}

func (h *DocumentHandle) persist(ops []document.Op) {
	if len(ops) == 0 {
		return
	}
	if err := h.manager.store.Append(h.manager.ctx, h.room, ops); err != nil {
		h.report(fmt.Errorf("workspace: persist %d ops for room %q: %w", len(ops), h.room, err))
	}
}

func (h *DocumentHandle) saveSnapshot(ctx context.Context) error {
	snap, err := h.doc.EncodeState()
	if err != nil {
		return fmt.Errorf("workspace: encode room %q: %w", h.room, err)
	}
	if err := h.manager.store.SaveSnapshot(ctx, h.room, snap, h.doc.StateVector()); err != nil {
		return fmt.Errorf("workspace: snapshot room %q: %w", h.room, err)
	}
	return nil
}

// report surfaces a durability failure without stopping the document.
func (h *DocumentHandle) report(err error) {
	h.manager.logger.Error("durability failure", "room", h.room, "error", err)
	for {
		select {
		case h.errs <- err:
			return
		default:
			select {
			case <-h.errs:
			default:
			}
		}
	}
}
