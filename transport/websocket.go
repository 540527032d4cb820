// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Compile-time interface checks.
var (
	_ Listener = (*WSListener)(nil)
	_ Dialer   = (*WSDialer)(nil)
	_ net.Conn = (*wsConn)(nil)
)

// wsUpgrader upgrades editor HTTP requests to WebSocket. Origin checks
// are disabled: editors connect from local applications and from
// browser contexts on other hosts, and authentication happens inside
// the protocol, not at the HTTP layer.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewWSHandler returns an http.Handler that upgrades each request to a
// WebSocket connection and runs handler on it. A relay mounts this on
// its router alongside the signaling and health endpoints; the handler
// call blocks for the life of the connection, which is exactly the
// lifetime of the upgraded request's goroutine.
func NewWSHandler(handler ConnHandler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		ws, err := wsUpgrader.Upgrade(writer, request, nil)
		if err != nil {
			// Upgrade has already written the HTTP error response.
			logger.Warn("websocket upgrade failed",
				"remote", request.RemoteAddr,
				"error", err,
			)
			return
		}
		handler(newWSConn(ws))
	})
}

// WSListener serves the sync protocol over WebSocket on its own HTTP
// server. Each protocol frame travels as one binary WebSocket message.
// Relays that multiplex sync with other HTTP endpoints mount
// [NewWSHandler] on their own router instead.
type WSListener struct {
	listener net.Listener
	path     string
	logger   *slog.Logger

	mu     sync.Mutex
	server *http.Server

	stop     chan struct{}
	stopOnce sync.Once
}

// NewWSListener creates a WebSocket listener on the given TCP address,
// upgrading requests at the given path (e.g., "/sync"). Use ":0" for a
// random available port.
func NewWSListener(address, path string, logger *slog.Logger) (*WSListener, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	return &WSListener{
		listener: listener,
		path:     path,
		logger:   logger,
		stop:     make(chan struct{}),
	}, nil
}

// Serve accepts WebSocket connections and dispatches each to handler.
// Blocks until ctx is cancelled or Close is called.
func (l *WSListener) Serve(ctx context.Context, handler ConnHandler) error {
	router := mux.NewRouter()
	router.Handle(l.path, NewWSHandler(handler, l.logger))

	server := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	l.mu.Lock()
	l.server = server
	l.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-l.stop:
		}
		server.Close()
	}()

	err := server.Serve(l.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Address returns the ws:// URL peers dial, including the upgrade path.
func (l *WSListener) Address() string {
	return "ws://" + l.listener.Addr().String() + l.path
}

// Close shuts down the HTTP server and stops accepting upgrades. Open
// WebSocket connections are hijacked from the server and stay with
// their handlers, which close them.
func (l *WSListener) Close() error {
	l.stopOnce.Do(func() {
		close(l.stop)
	})

	l.mu.Lock()
	server := l.server
	l.mu.Unlock()

	if server != nil {
		return server.Close()
	}
	return l.listener.Close()
}

// WSDialer opens WebSocket connections to sync peers.
type WSDialer struct {
	// HandshakeTimeout bounds the WebSocket opening handshake. Zero
	// means only the context deadline applies.
	HandshakeTimeout time.Duration
}

// DialContext connects to a ws:// or wss:// URL as returned by
// WSListener.Address.
func (d *WSDialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	ws, response, err := dialer.DialContext(ctx, address, nil)
	if err != nil {
		if response != nil && response.Body != nil {
			response.Body.Close()
		}
		return nil, fmt.Errorf("websocket dial %s: %w", address, err)
	}
	return newWSConn(ws), nil
}

// wsConn adapts a gorilla WebSocket connection to net.Conn for the
// framed protocol. Each Write sends one binary message, so a frame
// written in a single Write arrives as a single message on the peer.
// Read is buffered across message boundaries: a large message satisfies
// several Reads, and an empty read position pulls the next message.
type wsConn struct {
	ws *websocket.Conn

	// reader is the in-progress message being consumed by Read. Nil
	// between messages.
	reader io.Reader

	// writeMu serializes writers; gorilla connections support only one
	// concurrent writer.
	writeMu sync.Mutex
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Read(buffer []byte) (int, error) {
	for {
		if c.reader == nil {
			messageType, reader, err := c.ws.NextReader()
			if err != nil {
				return 0, translateWSError(err)
			}
			if messageType != websocket.BinaryMessage {
				// The protocol is binary-only; stray text messages are
				// dropped. NextReader discards the unread remainder.
				continue
			}
			c.reader = reader
		}

		bytesRead, err := c.reader.Read(buffer)
		if err == io.EOF {
			// Message exhausted; the next Read pulls a new message.
			c.reader = nil
			if bytesRead > 0 {
				return bytesRead, nil
			}
			continue
		}
		return bytesRead, err
	}
}

func (c *wsConn) Write(buffer []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, buffer); err != nil {
		return 0, err
	}
	return len(buffer), nil
}

// Close sends a best-effort close message and tears down the underlying
// connection.
func (c *wsConn) Close() error {
	c.writeMu.Lock()
	c.ws.WriteMessage(websocket.CloseMessage, []byte{})
	c.writeMu.Unlock()
	return c.ws.Close()
}

func (c *wsConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *wsConn) SetDeadline(deadline time.Time) error {
	if err := c.ws.SetReadDeadline(deadline); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(deadline)
}

func (c *wsConn) SetReadDeadline(deadline time.Time) error {
	return c.ws.SetReadDeadline(deadline)
}

func (c *wsConn) SetWriteDeadline(deadline time.Time) error {
	return c.ws.SetWriteDeadline(deadline)
}

// translateWSError maps WebSocket close handshakes onto io.EOF so the
// session loop treats a clean peer departure like any other stream end.
func translateWSError(err error) error {
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) {
		return io.EOF
	}
	return err
}
