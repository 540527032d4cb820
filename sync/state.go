// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sync

import "fmt"

// ConnState is the connection lifecycle of a sync client. The client
// surfaces every transient failure as a state change rather than an
// error: callers render a connection badge and otherwise keep editing
// locally.
type ConnState uint8

const (
	// StateDisconnected is the initial state, and the state after
	// Close or a cancelled Connect.
	StateDisconnected ConnState = iota

	// StateConnecting covers dialing and the per-room hello exchange.
	StateConnecting

	// StateSyncingStep1 means state vectors are in flight: this side
	// has announced what it holds and waits for the peer's vector.
	StateSyncingStep1

	// StateSyncingStep2 means the diff for the peer is sent and this
	// side waits for the acknowledgement that it was applied.
	StateSyncingStep2

	// StateSynced means every attached room finished its handshake;
	// updates now stream incrementally in both directions.
	StateSynced

	// StateReconnecting means the session was lost and the client is
	// waiting out a backoff interval before redialing.
	StateReconnecting

	// StateError is terminal: retries were exhausted or the peer
	// repeatedly violated the protocol. Only Reconnect leaves it.
	StateError
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSyncingStep1:
		return "syncing-step-1"
	case StateSyncingStep2:
		return "syncing-step-2"
	case StateSynced:
		return "synced"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Terminal reports whether the state requires an explicit Reconnect
// to leave.
func (s ConnState) Terminal() bool { return s == StateError }

// roomPhase is one room's position in the per-connection handshake.
// The client-level ConnState aggregates the phases of every attached
// room: the connection reports the least advanced room.
type roomPhase uint8

const (
	// phaseHello: our hello for the room is out, the peer's has not
	// arrived.
	phaseHello roomPhase = iota + 1

	// phaseVector: our state vector is out, the peer's has not
	// arrived.
	phaseVector

	// phaseDiff: our diff answering the peer's vector is out, the
	// peer's acknowledgement has not arrived.
	phaseDiff

	// phaseSynced: handshake complete, updates stream.
	phaseSynced
)

func (p roomPhase) String() string {
	switch p {
	case phaseHello:
		return "hello"
	case phaseVector:
		return "vector"
	case phaseDiff:
		return "diff"
	case phaseSynced:
		return "synced"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// connStateFor maps a room phase to the connection state the client
// reports while its least advanced room sits in that phase.
func connStateFor(p roomPhase) ConnState {
	switch p {
	case phaseHello:
		return StateConnecting
	case phaseVector:
		return StateSyncingStep1
	case phaseDiff:
		return StateSyncingStep2
	default:
		return StateSynced
	}
}
