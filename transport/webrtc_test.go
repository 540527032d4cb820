// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
)

// TestWebRTCTransport_DialAndServe creates two WebRTCTransports connected
// via an in-process MemorySignaler and verifies that bytes round-trip
// through a WebRTC data channel.
func TestWebRTCTransport_DialAndServe(t *testing.T) {
	signaler := NewMemorySignaler()
	logger := testLogger()

	// Empty ICE config means host candidates only (loopback).
	config := ICEConfig{}

	// Transport A (dialer side).
	transportA := NewWebRTCTransport(signaler, "editor/alpha", config, logger)
	defer transportA.Close()

	// Transport B (answering side).
	transportB := NewWebRTCTransport(signaler, "editor/beta", config, logger)
	defer transportB.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go transportB.Serve(ctx, echoHandler)
	<-transportB.Ready()

	conn, err := transportA.DialContext(ctx, "editor/beta")
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	defer conn.Close()

	if got := exchange(t, conn, "hello over data channel"); got != "hello over data channel" {
		t.Errorf("echo = %q, want %q", got, "hello over data channel")
	}
}

// TestWebRTCTransport_SequentialChannels opens multiple sequential data
// channels over the same PeerConnection, verifying that the connection
// is reusable and each channel carries its own byte stream.
func TestWebRTCTransport_SequentialChannels(t *testing.T) {
	signaler := NewMemorySignaler()
	logger := testLogger()
	config := ICEConfig{}

	transportA := NewWebRTCTransport(signaler, "editor/alpha", config, logger)
	defer transportA.Close()

	transportB := NewWebRTCTransport(signaler, "editor/beta", config, logger)
	defer transportB.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go transportB.Serve(ctx, echoHandler)
	<-transportB.Ready()

	for index := 0; index < 3; index++ {
		conn, err := transportA.DialContext(ctx, "editor/beta")
		if err != nil {
			t.Fatalf("dial %d: DialContext: %v", index, err)
		}

		message := fmt.Sprintf("channel %d payload", index)
		if got := exchange(t, conn, message); got != message {
			t.Errorf("dial %d: echo = %q, want %q", index, got, message)
		}
		conn.Close()
	}
}

// TestWebRTCTransport_ConcurrentDials opens multiple data channels to the
// same peer concurrently. Before the getOrCreatePeer fix, concurrent
// callers would each try to establish their own PeerConnection
// (overwriting each other's offers), causing all but one to hang. After
// the fix, concurrent callers share a single PeerConnection
// establishment attempt.
func TestWebRTCTransport_ConcurrentDials(t *testing.T) {
	signaler := NewMemorySignaler()
	logger := testLogger()
	config := ICEConfig{}

	transportA := NewWebRTCTransport(signaler, "editor/alpha", config, logger)
	defer transportA.Close()

	transportB := NewWebRTCTransport(signaler, "editor/beta", config, logger)
	defer transportB.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go transportB.Serve(ctx, echoHandler)
	<-transportB.Ready()

	const concurrency = 5
	var waitGroup sync.WaitGroup
	failures := make(chan error, concurrency)

	for index := 0; index < concurrency; index++ {
		waitGroup.Add(1)
		go func(index int) {
			defer waitGroup.Done()

			conn, err := transportA.DialContext(ctx, "editor/beta")
			if err != nil {
				failures <- fmt.Errorf("dial %d: %w", index, err)
				return
			}
			defer conn.Close()

			message := fmt.Sprintf("concurrent payload %d", index)
			if _, err := conn.Write([]byte(message)); err != nil {
				failures <- fmt.Errorf("dial %d: write: %w", index, err)
				return
			}
			reply := make([]byte, len(message))
			if _, err := io.ReadFull(conn, reply); err != nil {
				failures <- fmt.Errorf("dial %d: read: %w", index, err)
				return
			}
			if string(reply) != message {
				failures <- fmt.Errorf("dial %d: echo = %q, want %q", index, reply, message)
			}
		}(index)
	}

	waitGroup.Wait()
	close(failures)

	for err := range failures {
		t.Error(err)
	}
}

// TestWebRTCTransport_Address verifies that Address() returns the peer
// name.
func TestWebRTCTransport_Address(t *testing.T) {
	signaler := NewMemorySignaler()

	wt := NewWebRTCTransport(signaler, "editor/workstation", ICEConfig{}, testLogger())
	defer wt.Close()

	if address := wt.Address(); address != "editor/workstation" {
		t.Errorf("Address() = %q, want %q", address, "editor/workstation")
	}
}

// TestWebRTCTransport_DialAfterClose verifies that DialContext returns an
// error after the transport is closed.
func TestWebRTCTransport_DialAfterClose(t *testing.T) {
	signaler := NewMemorySignaler()

	wt := NewWebRTCTransport(signaler, "editor/alpha", ICEConfig{}, testLogger())
	wt.Close()

	_, err := wt.DialContext(context.Background(), "editor/beta")
	if err == nil {
		t.Fatal("expected error from DialContext after Close, got nil")
	}
}

// TestWebRTCTransport_Bidirectional verifies that both sides can serve
// and dial each other. After A connects to B, B should be able to open
// data channels back to A over the same PeerConnection.
func TestWebRTCTransport_Bidirectional(t *testing.T) {
	signaler := NewMemorySignaler()
	logger := testLogger()
	config := ICEConfig{}

	transportA := NewWebRTCTransport(signaler, "editor/alpha", config, logger)
	defer transportA.Close()

	transportB := NewWebRTCTransport(signaler, "editor/beta", config, logger)
	defer transportB.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Each side greets and closes; the dialer reads to EOF.
	greeter := func(greeting string) ConnHandler {
		return func(conn net.Conn) {
			defer conn.Close()
			conn.Write([]byte(greeting))
		}
	}

	go transportA.Serve(ctx, greeter("from-alpha"))
	go transportB.Serve(ctx, greeter("from-beta"))
	<-transportA.Ready()
	<-transportB.Ready()

	// A → B.
	connAtoB, err := transportA.DialContext(ctx, "editor/beta")
	if err != nil {
		t.Fatalf("A→B DialContext: %v", err)
	}
	greetingB, _ := io.ReadAll(connAtoB)
	connAtoB.Close()
	if string(greetingB) != "from-beta" {
		t.Errorf("A→B greeting = %q, want %q", greetingB, "from-beta")
	}

	// B → A (reuses the PeerConnection that A already established, or
	// creates a new one via signaling).
	connBtoA, err := transportB.DialContext(ctx, "editor/alpha")
	if err != nil {
		t.Fatalf("B→A DialContext: %v", err)
	}
	greetingA, _ := io.ReadAll(connBtoA)
	connBtoA.Close()
	if string(greetingA) != "from-alpha" {
		t.Errorf("B→A greeting = %q, want %q", greetingA, "from-alpha")
	}
}

// TestWebRTCTransport_UpdateICEConfig verifies that UpdateICEConfig
// replaces the config used for future PeerConnections.
func TestWebRTCTransport_UpdateICEConfig(t *testing.T) {
	signaler := NewMemorySignaler()

	wt := NewWebRTCTransport(signaler, "editor/alpha", ICEConfig{}, testLogger())
	defer wt.Close()

	// Initially empty.
	wt.configMu.RLock()
	if len(wt.iceConfig.Servers) != 0 {
		t.Errorf("initial servers = %d, want 0", len(wt.iceConfig.Servers))
	}
	wt.configMu.RUnlock()

	// Update.
	wt.UpdateICEConfig(ICEConfigFromURLs([]string{"turn:turn.local:3478"}, "user", "pass"))

	wt.configMu.RLock()
	if len(wt.iceConfig.Servers) != 1 {
		t.Errorf("updated servers = %d, want 1", len(wt.iceConfig.Servers))
	}
	wt.configMu.RUnlock()
}

// TestWebRTCTransport_PeerAuth wires authenticators into both transports
// and verifies that the handshake completes and data flows afterwards.
func TestWebRTCTransport_PeerAuth(t *testing.T) {
	publicKeyAlpha, privateKeyAlpha := newTestKeypair(t)
	publicKeyBeta, privateKeyBeta := newTestKeypair(t)

	signaler := NewMemorySignaler()
	logger := testLogger()
	config := ICEConfig{}

	transportA := NewWebRTCTransport(signaler, "editor/alpha", config, logger)
	defer transportA.Close()
	transportA.UseAuthenticator(&testAuthenticator{
		privateKey: privateKeyAlpha,
		peerKeys:   map[string]ed25519.PublicKey{"editor/beta": publicKeyBeta},
	})

	transportB := NewWebRTCTransport(signaler, "editor/beta", config, logger)
	defer transportB.Close()
	transportB.UseAuthenticator(&testAuthenticator{
		privateKey: privateKeyBeta,
		peerKeys:   map[string]ed25519.PublicKey{"editor/alpha": publicKeyAlpha},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go transportB.Serve(ctx, echoHandler)
	<-transportB.Ready()

	conn, err := transportA.DialContext(ctx, "editor/beta")
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	defer conn.Close()

	if got := exchange(t, conn, "authenticated payload"); got != "authenticated payload" {
		t.Errorf("echo = %q, want %q", got, "authenticated payload")
	}
}

// TestWebRTCTransport_PeerAuthRejected verifies that DialContext fails
// when the remote peer signs with a key the dialer does not trust.
func TestWebRTCTransport_PeerAuthRejected(t *testing.T) {
	publicKeyAlpha, privateKeyAlpha := newTestKeypair(t)
	publicKeyImpostor, _ := newTestKeypair(t)
	_, privateKeyBeta := newTestKeypair(t)

	signaler := NewMemorySignaler()
	logger := testLogger()
	config := ICEConfig{}

	// Alpha expects beta to hold the impostor key; real beta signs with
	// its own.
	transportA := NewWebRTCTransport(signaler, "editor/alpha", config, logger)
	defer transportA.Close()
	transportA.UseAuthenticator(&testAuthenticator{
		privateKey: privateKeyAlpha,
		peerKeys:   map[string]ed25519.PublicKey{"editor/beta": publicKeyImpostor},
	})

	transportB := NewWebRTCTransport(signaler, "editor/beta", config, logger)
	defer transportB.Close()
	transportB.UseAuthenticator(&testAuthenticator{
		privateKey: privateKeyBeta,
		peerKeys:   map[string]ed25519.PublicKey{"editor/alpha": publicKeyAlpha},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go transportB.Serve(ctx, echoHandler)
	<-transportB.Ready()

	_, err := transportA.DialContext(ctx, "editor/beta")
	if err == nil {
		t.Fatal("expected DialContext to fail against untrusted peer key, got nil")
	}
}

// TestMemorySignaler_PublishAndPoll verifies the in-process signaler
// correctly stores and retrieves offers and answers.
func TestMemorySignaler_PublishAndPoll(t *testing.T) {
	signaler := NewMemorySignaler()
	ctx := context.Background()

	// Publish an offer from A to B.
	if err := signaler.PublishOffer(ctx, "editor/a", "editor/b", "offer-sdp"); err != nil {
		t.Fatalf("PublishOffer failed: %v", err)
	}

	// B polls for offers.
	offers, err := signaler.PollOffers(ctx, "editor/b")
	if err != nil {
		t.Fatalf("PollOffers failed: %v", err)
	}
	if len(offers) != 1 {
		t.Fatalf("expected 1 offer, got %d", len(offers))
	}
	if offers[0].Peer != "editor/a" {
		t.Errorf("Peer = %q, want %q", offers[0].Peer, "editor/a")
	}
	if offers[0].SDP != "offer-sdp" {
		t.Errorf("SDP = %q, want %q", offers[0].SDP, "offer-sdp")
	}

	// Polling again returns nothing (already seen).
	offers, err = signaler.PollOffers(ctx, "editor/b")
	if err != nil {
		t.Fatalf("second PollOffers failed: %v", err)
	}
	if len(offers) != 0 {
		t.Errorf("expected 0 offers on second poll, got %d", len(offers))
	}

	// Publish an answer from B to A.
	if err := signaler.PublishAnswer(ctx, "editor/a", "editor/b", "answer-sdp"); err != nil {
		t.Fatalf("PublishAnswer failed: %v", err)
	}

	// A polls for answers.
	answers, err := signaler.PollAnswers(ctx, "editor/a")
	if err != nil {
		t.Fatalf("PollAnswers failed: %v", err)
	}
	if len(answers) != 1 {
		t.Fatalf("expected 1 answer, got %d", len(answers))
	}
	if answers[0].Peer != "editor/b" {
		t.Errorf("Peer = %q, want %q", answers[0].Peer, "editor/b")
	}
	if answers[0].SDP != "answer-sdp" {
		t.Errorf("SDP = %q, want %q", answers[0].SDP, "answer-sdp")
	}
}

func TestMemorySignaler_IndependentConsumers(t *testing.T) {
	signaler := NewMemorySignaler()
	ctx := context.Background()

	// Publish an offer from A to B.
	if err := signaler.PublishOffer(ctx, "editor/a", "editor/b", "offer-for-b"); err != nil {
		t.Fatalf("PublishOffer to B failed: %v", err)
	}

	// B sees the offer.
	offers, err := signaler.PollOffers(ctx, "editor/b")
	if err != nil {
		t.Fatalf("PollOffers for B failed: %v", err)
	}
	if len(offers) != 1 {
		t.Errorf("expected 1 offer for B, got %d", len(offers))
	}

	// C should not see an offer directed at B.
	offers, err = signaler.PollOffers(ctx, "editor/c")
	if err != nil {
		t.Fatalf("PollOffers for C failed: %v", err)
	}
	if len(offers) != 0 {
		t.Errorf("expected 0 offers for C, got %d", len(offers))
	}
}
