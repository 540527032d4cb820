// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
)

// Compile-time interface checks.
var (
	_ Listener = (*MemoryListener)(nil)
	_ Dialer   = (*MemoryNetwork)(nil)
)

// MemoryNetwork connects in-process listeners and dialers through
// net.Pipe, with no sockets involved. Tests that need an editor, a
// relay, and a wire between them share one MemoryNetwork: the relay
// calls Listen, the editor dials the listener's address.
//
// The network itself is the Dialer; dialing an address with no
// registered listener fails immediately.
type MemoryNetwork struct {
	mu        sync.Mutex
	listeners map[string]*MemoryListener
}

// NewMemoryNetwork creates an empty in-process network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		listeners: make(map[string]*MemoryListener),
	}
}

// Listen registers a listener under the given address. The address is
// an opaque name ("relay", "editor-b"); registering the same address
// twice is an error until the first listener is closed.
func (n *MemoryNetwork) Listen(address string) (*MemoryListener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, exists := n.listeners[address]; exists {
		return nil, fmt.Errorf("memory network: address %q already in use", address)
	}

	listener := &MemoryListener{
		network:     n,
		address:     address,
		connections: make(chan net.Conn, 16),
		stop:        make(chan struct{}),
	}
	n.listeners[address] = listener
	return listener, nil
}

// DialContext opens a pipe to the listener registered at address. The
// server half is delivered to the listener's Serve loop; the client
// half is returned.
func (n *MemoryNetwork) DialContext(ctx context.Context, address string) (net.Conn, error) {
	n.mu.Lock()
	listener, ok := n.listeners[address]
	n.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("memory network: no listener at %q", address)
	}

	client, server := net.Pipe()
	select {
	case listener.connections <- server:
		return client, nil
	case <-listener.stop:
		client.Close()
		server.Close()
		return nil, net.ErrClosed
	case <-ctx.Done():
		client.Close()
		server.Close()
		return nil, ctx.Err()
	}
}

// remove drops a closed listener from the registry so its address can
// be reused.
func (n *MemoryNetwork) remove(listener *MemoryListener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if current, ok := n.listeners[listener.address]; ok && current == listener {
		delete(n.listeners, listener.address)
	}
}

// MemoryListener accepts pipe connections delivered by its parent
// MemoryNetwork.
type MemoryListener struct {
	network     *MemoryNetwork
	address     string
	connections chan net.Conn

	stop     chan struct{}
	stopOnce sync.Once
}

// Serve dispatches each delivered connection to handler on its own
// goroutine. Blocks until ctx is cancelled or Close is called.
func (l *MemoryListener) Serve(ctx context.Context, handler ConnHandler) error {
	for {
		select {
		case conn := <-l.connections:
			go handler(conn)
		case <-ctx.Done():
			return nil
		case <-l.stop:
			return nil
		}
	}
}

// Address returns the name the listener was registered under.
func (l *MemoryListener) Address() string {
	return l.address
}

// Close deregisters the listener. Pending dials fail with net.ErrClosed;
// established pipes stay open.
func (l *MemoryListener) Close() error {
	l.stopOnce.Do(func() {
		close(l.stop)
		l.network.remove(l)
	})
	return nil
}
