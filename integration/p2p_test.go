// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package integration_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/loom/oplog"
	docsync "github.com/bureau-foundation/loom/sync"
	"github.com/bureau-foundation/loom/transport"
)

// TestPeerEditorsSyncOverWebRTC connects two workspace managers
// directly over a WebRTC data channel, exchanging SDP through the
// relay's HTTP signaling endpoints. No hub sits between them; the
// answering manager serves the framed protocol to the dialer.
func TestPeerEditorsSyncOverWebRTC(t *testing.T) {
	t.Parallel()

	signaling := httptest.NewServer(
		transport.NewSignalingHandler(transport.NewSignalDirectory(), testLogger()))
	t.Cleanup(signaling.Close)

	transportA := transport.NewWebRTCTransport(
		transport.NewHTTPSignaler(signaling.URL, nil),
		"editor/alpha", transport.ICEConfig{}, testLogger())
	t.Cleanup(func() { transportA.Close() })
	transportB := transport.NewWebRTCTransport(
		transport.NewHTTPSignaler(signaling.URL, nil),
		"editor/beta", transport.ICEConfig{}, testLogger())
	t.Cleanup(func() { transportB.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	// Beta answers: an otherwise offline manager serving its replica
	// to whichever peer dials in.
	beta := newOfflineEditor(t, 2, oplog.NewMemory())
	hBeta := openRoom(t, beta, "notes")
	appendBoard(t, hBeta, "beta")
	go transportB.Serve(ctx, beta.HandleConn)
	<-transportB.Ready()

	// Alpha dials beta by peer name through the signaling server.
	alpha := newEditorWith(t, 1, oplog.NewMemory(), docsync.ClientConfig{
		Dialer:  transportA,
		Address: "editor/beta",
	})
	hAlpha := openRoom(t, alpha, "notes")
	appendBoard(t, hAlpha, "alpha")

	// Signaling is polled, so connection establishment takes a couple
	// of poll cycles before the sync handshake can start.
	awaitSyncedWithin(t, hAlpha, 15*time.Second)

	agreed := waitForMatch(t, hAlpha, hBeta, len("alphabeta"))
	if !strings.Contains(agreed, "alpha") || !strings.Contains(agreed, "beta") {
		t.Fatalf("converged text %q lost an edit", agreed)
	}
}
