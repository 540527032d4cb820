// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sync

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/bureau-foundation/loom/document"
	"github.com/bureau-foundation/loom/lib/ident"
	"github.com/bureau-foundation/loom/oplog"
	"github.com/bureau-foundation/loom/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDoc(t *testing.T, client ident.ClientID) *document.Doc {
	t.Helper()
	doc, err := document.New(document.Config{Client: client, Logger: testLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return doc
}

// appendText commits one local edit appending to a text container.
func appendText(t *testing.T, doc *document.Doc, name, text string) {
	t.Helper()
	err := doc.Update(func(txn *document.Txn) error {
		field, err := txn.Text(name)
		if err != nil {
			return err
		}
		return field.Append(text)
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
}

// waitForText polls until the text container converges on want.
func waitForText(t *testing.T, doc *document.Doc, name, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := doc.ReadText(name)
		if err == nil && got == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	got, err := doc.ReadText(name)
	t.Fatalf("ReadText(%q) = %q, %v, want %q", name, got, err, want)
}

// awaitState drains a States subscription until the wanted state
// arrives. Intermediate states are discarded: tests assert the
// milestones of a connection, not every transition.
func awaitState(t *testing.T, states <-chan ConnState, want ConnState) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case state := <-states:
			if state == want {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

// dialerFunc adapts a function to the transport.Dialer interface.
type dialerFunc func(ctx context.Context, address string) (net.Conn, error)

func (f dialerFunc) DialContext(ctx context.Context, address string) (net.Conn, error) {
	return f(ctx, address)
}

// newTestClient builds a Client with fast retry timing so liveness
// tests finish quickly. Tests override fields via the mutate callback.
func newTestClient(t *testing.T, id ident.ClientID, dialer transport.Dialer, address string, mutate func(*ClientConfig)) *Client {
	t.Helper()
	cfg := ClientConfig{
		Dialer:            dialer,
		Address:           address,
		Client:            id,
		Logger:            testLogger(),
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        10 * time.Millisecond,
		HeartbeatInterval: time.Hour,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// startHub runs a Hub over an in-memory listener and returns the hub
// and the address clients dial.
func startHub(t *testing.T, network *transport.MemoryNetwork, store oplog.Store, mutate func(*HubConfig)) (*Hub, string) {
	t.Helper()
	return startHubAt(t, network, "relay", store, mutate)
}

func startHubAt(t *testing.T, network *transport.MemoryNetwork, address string, store oplog.Store, mutate func(*HubConfig)) (*Hub, string) {
	t.Helper()
	cfg := HubConfig{
		Store:  store,
		Logger: testLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	hub, err := NewHub(cfg)
	if err != nil {
		t.Fatalf("NewHub: %v", err)
	}
	listener, err := network.Listen(address)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go listener.Serve(ctx, hub.Handler())
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		listener.Close()
		hub.Close()
	})
	return hub, listener.Address()
}

// connectRoom attaches doc to room on client, wires the commit hook
// that streams local edits, and connects. It returns the state
// subscription after the Synced milestone.
func connectRoom(t *testing.T, ctx context.Context, client *Client, room string, doc *document.Doc) <-chan ConnState {
	t.Helper()
	doc.SetCommitHook(func(commit document.Commit) {
		if commit.Source == document.SourceLocal {
			client.Push(room, commit.Ops)
		}
	})
	if err := client.Attach(room, doc, nil); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	states := client.States()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	awaitState(t, states, StateSynced)
	return states
}
