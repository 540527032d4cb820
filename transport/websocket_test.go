// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/loom/wire"
)

func startWSListener(t *testing.T) *WSListener {
	t.Helper()
	listener, err := NewWSListener("127.0.0.1:0", "/sync", testLogger())
	if err != nil {
		t.Fatalf("NewWSListener: %v", err)
	}
	t.Cleanup(func() { listener.Close() })
	return listener
}

func TestWSListenerAddressIsURL(t *testing.T) {
	listener := startWSListener(t)

	address := listener.Address()
	if !strings.HasPrefix(address, "ws://") {
		t.Errorf("Address() = %q, want ws:// prefix", address)
	}
	if !strings.HasSuffix(address, "/sync") {
		t.Errorf("Address() = %q, want /sync suffix", address)
	}
}

func TestWSRoundTrip(t *testing.T) {
	listener := startWSListener(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go listener.Serve(ctx, echoHandler)

	dialer := &WSDialer{HandshakeTimeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, listener.Address())
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	defer conn.Close()

	if got := exchange(t, conn, "hello over websocket"); got != "hello over websocket" {
		t.Errorf("echo = %q, want %q", got, "hello over websocket")
	}
}

// TestWSCarriesProtocolFrames verifies that a frame written in a single
// Write arrives as one intact message and parses on the far side.
func TestWSCarriesProtocolFrames(t *testing.T) {
	listener := startWSListener(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go listener.Serve(ctx, echoHandler)

	dialer := &WSDialer{HandshakeTimeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, listener.Address())
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	defer conn.Close()

	sent := wire.Frame{Type: wire.FrameAwareness, Payload: []byte("presence payload")}
	if err := wire.WriteFrame(conn, sent); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	got, err := wire.ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.Type != sent.Type || !bytes.Equal(got.Payload, sent.Payload) {
		t.Errorf("frame = %#x %q, want %#x %q", got.Type, got.Payload, sent.Type, sent.Payload)
	}
}

// TestWSLargeMessage pushes a payload bigger than any internal buffer
// through the connection; the read side must reassemble it across
// message boundaries.
func TestWSLargeMessage(t *testing.T) {
	listener := startWSListener(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go listener.Serve(ctx, echoHandler)

	dialer := &WSDialer{HandshakeTimeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, listener.Address())
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	defer conn.Close()

	payload := make([]byte, 64*1024)
	rand.New(rand.NewSource(7)).Read(payload)

	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}

	reply := make([]byte, len(payload))
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if !bytes.Equal(reply, payload) {
		t.Error("echoed payload differs from original")
	}
}

func TestWSDialerRefused(t *testing.T) {
	dialer := &WSDialer{HandshakeTimeout: time.Second}

	_, err := dialer.DialContext(context.Background(), "ws://127.0.0.1:1/sync")
	if err == nil {
		t.Error("expected error dialing non-listening port")
	}
}

func TestWSListenerContextCancellation(t *testing.T) {
	listener := startWSListener(t)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- listener.Serve(ctx, echoHandler)
	}()

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("Serve did not return after context cancellation")
	}
}

// TestWSPeerCloseReadsEOF verifies that a clean close by the peer
// surfaces as io.EOF, the same way a closed TCP stream would.
func TestWSPeerCloseReadsEOF(t *testing.T) {
	listener := startWSListener(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go listener.Serve(ctx, func(conn net.Conn) {
		conn.Close()
	})

	dialer := &WSDialer{HandshakeTimeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, listener.Address())
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	defer conn.Close()

	buffer := make([]byte, 1)
	if _, err := conn.Read(buffer); err != io.EOF {
		t.Errorf("Read after peer close = %v, want io.EOF", err)
	}
}
