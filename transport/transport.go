// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"net"
)

// ConnHandler processes one inbound connection carrying the framed sync
// protocol. The handler owns the connection and must close it; listeners
// stop accepting on shutdown but never close connections they have
// already handed off.
type ConnHandler func(conn net.Conn)

// Listener accepts inbound connections from sync peers. A relay creates
// a Listener and calls Serve with a handler that runs the session loop
// for each editor connection.
type Listener interface {
	// Serve starts accepting connections and dispatches each one to
	// handler on its own goroutine. Blocks until ctx is cancelled or
	// Close is called. Returns nil on clean shutdown.
	Serve(ctx context.Context, handler ConnHandler) error

	// Address returns the address peers use to connect. The format is
	// transport-specific: "192.168.1.10:7654" for TCP, a ws:// URL for
	// WebSocket, a peer name for WebRTC.
	Address() string

	// Close shuts down the listener. Subsequent calls to Serve return
	// immediately.
	Close() error
}

// Dialer opens connections to sync peers. An editor uses a Dialer to
// reach its relay (or another editor directly, over WebRTC).
type Dialer interface {
	// DialContext opens a connection to the peer at the given transport
	// address. The address format matches what the peer's
	// Listener.Address() returns.
	DialContext(ctx context.Context, address string) (net.Conn, error)
}
