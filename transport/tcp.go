// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// Compile-time interface checks.
var (
	_ Listener = (*TCPListener)(nil)
	_ Dialer   = (*TCPDialer)(nil)
)

// TCPListener accepts inbound TCP connections from sync peers. This is
// the development and trusted-network transport; it carries the framed
// protocol directly on the TCP stream with no further wrapping.
type TCPListener struct {
	listener net.Listener

	stop     chan struct{}
	stopOnce sync.Once
}

// NewTCPListener creates a TCP transport listener on the specified
// address (e.g., ":7654" or "192.168.1.10:7654"). Use ":0" for a random
// available port.
func NewTCPListener(address string) (*TCPListener, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	return &TCPListener{
		listener: listener,
		stop:     make(chan struct{}),
	}, nil
}

// Serve accepts TCP connections and dispatches each to handler on its
// own goroutine. Blocks until ctx is cancelled or Close is called.
func (l *TCPListener) Serve(ctx context.Context, handler ConnHandler) error {
	go func() {
		select {
		case <-ctx.Done():
		case <-l.stop:
		}
		l.listener.Close()
	}()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		go handler(conn)
	}
}

// Address returns the TCP address in "host:port" format.
func (l *TCPListener) Address() string {
	return l.listener.Addr().String()
}

// Close shuts down the TCP listener. Connections already handed to the
// handler stay open; the handler closes them. Close is idempotent.
func (l *TCPListener) Close() error {
	l.stopOnce.Do(func() {
		close(l.stop)
	})
	if err := l.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// TCPDialer opens TCP connections to sync peers.
type TCPDialer struct {
	// Timeout is the maximum time to wait for a TCP connection to be
	// established. Zero means no standalone timeout; only the context
	// deadline applies.
	Timeout time.Duration
}

// DialContext opens a TCP connection to the given address (host:port).
func (d *TCPDialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	return (&net.Dialer{Timeout: d.Timeout}).DialContext(ctx, "tcp", address)
}
