// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sync

import (
	"errors"
	"fmt"
)

// ErrClientClosed is returned by client operations after Close.
var ErrClientClosed = errors.New("sync: client is closed")

// ErrVersionMismatch reports that the peer speaks a different protocol
// revision. The handshake refuses it outright: silently misreading
// replicated operations is worse than failing loudly.
var ErrVersionMismatch = errors.New("sync: protocol version mismatch")

// protocolError marks a failure caused by the peer violating the
// protocol (malformed frame, version skew, an operation the document
// rejects) rather than by the link failing. The distinction drives the
// reconnect loop: transport failures retry forever under backoff,
// while repeated protocol failures escalate to the terminal error
// state, because redialing a peer that keeps sending garbage only
// replays the garbage.
type protocolError struct {
	err error
}

func (e *protocolError) Error() string { return e.err.Error() }

func (e *protocolError) Unwrap() error { return e.err }

func protocolErrorf(format string, args ...any) error {
	return &protocolError{err: fmt.Errorf(format, args...)}
}

func isProtocolError(err error) bool {
	var pe *protocolError
	return errors.As(err, &pe)
}
