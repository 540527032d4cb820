// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package integration_test exercises the full editing stack the way a
// deployment runs it: workspace managers speaking the framed protocol
// over real WebSocket connections to a relay hub, with file-backed
// stores where durability is the point of the test. Everything runs
// in-process on loopback listeners; no external services are needed.
package integration_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/bureau-foundation/loom/document"
	"github.com/bureau-foundation/loom/lib/ident"
	"github.com/bureau-foundation/loom/oplog"
	docsync "github.com/bureau-foundation/loom/sync"
	"github.com/bureau-foundation/loom/transport"
	"github.com/bureau-foundation/loom/workspace"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// relay is one running relay instance: a hub behind a WebSocket
// listener on a loopback port.
type relay struct {
	hub      *docsync.Hub
	listener *transport.WSListener
	cancel   context.CancelFunc

	// Address is the ws:// URL editors dial.
	Address string
}

// startRelay serves a hub over the given store on a random loopback
// port. The relay stops with the test; call Stop earlier to simulate
// an outage or restart.
func startRelay(t *testing.T, store oplog.Store) *relay {
	t.Helper()
	hub, err := docsync.NewHub(docsync.HubConfig{Store: store, Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewHub: %v", err)
	}
	listener, err := transport.NewWSListener("127.0.0.1:0", "/sync", testLogger())
	if err != nil {
		t.Fatalf("NewWSListener: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go listener.Serve(ctx, hub.Handler())
	go hub.Run(ctx)

	r := &relay{hub: hub, listener: listener, cancel: cancel, Address: listener.Address()}
	t.Cleanup(r.Stop)
	return r
}

// Stop tears the relay down. Safe to call twice; the store stays open
// for a successor instance.
func (r *relay) Stop() {
	r.cancel()
	r.listener.Close()
	r.hub.Close()
}

// newEditor builds a workspace manager that dials the relay over
// WebSocket with millisecond retry timing.
func newEditor(t *testing.T, client ident.ClientID, store oplog.Store, address string) *workspace.Manager {
	t.Helper()
	return newEditorWith(t, client, store, docsync.ClientConfig{
		Dialer:  &transport.WSDialer{},
		Address: address,
	})
}

// newEditorWith builds a workspace manager over an arbitrary sync
// transport. Retry timing is tightened and heartbeats are effectively
// disabled so tests exercise the paths they mean to.
func newEditorWith(t *testing.T, client ident.ClientID, store oplog.Store, sync docsync.ClientConfig) *workspace.Manager {
	t.Helper()
	sync.InitialBackoff = time.Millisecond
	sync.MaxBackoff = 10 * time.Millisecond
	sync.HeartbeatInterval = time.Hour
	m, err := workspace.NewManager(workspace.Config{
		Client:                 client,
		Logger:                 testLogger(),
		Store:                  store,
		Sync:                   sync,
		AwarenessFlushInterval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})
	return m
}

// newOfflineEditor builds a workspace manager with no sync connection.
func newOfflineEditor(t *testing.T, client ident.ClientID, store oplog.Store) *workspace.Manager {
	t.Helper()
	m, err := workspace.NewManager(workspace.Config{
		Client: client,
		Logger: testLogger(),
		Store:  store,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})
	return m
}

// shutdown stops a manager mid-test, ahead of its registered cleanup.
func shutdown(t *testing.T, m *workspace.Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func openRoom(t *testing.T, m *workspace.Manager, room string) *workspace.DocumentHandle {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h, err := m.Open(ctx, room)
	if err != nil {
		t.Fatalf("Open(%q): %v", room, err)
	}
	return h
}

func awaitSynced(t *testing.T, h *workspace.DocumentHandle) {
	t.Helper()
	awaitSyncedWithin(t, h, 5*time.Second)
}

func awaitSyncedWithin(t *testing.T, h *workspace.DocumentHandle, patience time.Duration) {
	t.Helper()
	states := h.ConnectionStates()
	timeout := time.After(patience)
	for {
		select {
		case state := <-states:
			if state == docsync.StateSynced {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for sync, state %s", h.ConnectionState())
		}
	}
}

func appendBoard(t *testing.T, h *workspace.DocumentHandle, s string) {
	t.Helper()
	board, err := h.Canvas().Text("board")
	if err != nil {
		t.Fatalf("Text: %v", err)
	}
	err = board.Update(func(txn *document.TextTxn) error {
		return txn.Append(s)
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
}

func boardText(t *testing.T, h *workspace.DocumentHandle) string {
	t.Helper()
	got, err := h.Document().ReadText("board")
	if err != nil {
		t.Fatalf("ReadText: %v", err)
	}
	return got
}

// waitForBoard polls until the handle's board text equals want.
func waitForBoard(t *testing.T, h *workspace.DocumentHandle, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if boardText(t, h) == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("board = %q, want %q", boardText(t, h), want)
}

// waitForMatch polls until both handles agree on a board of wantLen
// runes, then returns the agreed text.
func waitForMatch(t *testing.T, a, b *workspace.DocumentHandle, wantLen int) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		textA, textB := boardText(t, a), boardText(t, b)
		if textA == textB && len([]rune(textA)) == wantLen {
			return textA
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("replicas did not converge: %q vs %q", boardText(t, a), boardText(t, b))
	return ""
}
