// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ident defines replica identity: client ids, operation ids,
// and state vectors. Everything above it (document core, wire, sync,
// persistence) keys on these three types, so their ordering rules are
// fixed here and nowhere else.
package ident

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// ClientID identifies one replica session. Ids are random 53-bit
// values (the mantissa limit keeps them exact in consumers that
// round-trip through IEEE 754 doubles); the space is large enough
// that collisions across a workspace's lifetime are negligible.
// Zero is reserved and never assigned.
type ClientID uint64

// clientIDBits caps generated ids at 53 bits.
const clientIDBits = 53

// NewClientID returns a fresh random ClientID.
func NewClientID() (ClientID, error) {
	var buffer [8]byte
	for {
		if _, err := rand.Read(buffer[:]); err != nil {
			return 0, fmt.Errorf("ident: generating client id: %w", err)
		}
		id := ClientID(binary.BigEndian.Uint64(buffer[:]) & (1<<clientIDBits - 1))
		if id != 0 {
			return id, nil
		}
	}
}

func (c ClientID) String() string {
	return fmt.Sprintf("%d", uint64(c))
}

// OpID identifies one operation: the replica that created it and that
// replica's clock value at creation. Clocks are per-client,
// monotonically increasing, never reused. The zero OpID means "none"
// (head position for inserts, no predecessor).
type OpID struct {
	Client ClientID `cbor:"c"`
	Clock  uint64   `cbor:"k"`
}

// IsZero reports whether id is the reserved "none" id.
func (id OpID) IsZero() bool {
	return id.Client == 0 && id.Clock == 0
}

// Less orders OpIDs by clock, then by client. This single total
// order backs every tie-break in the engine: the HIGHER id wins
// last-writer-wins races (equal clocks fall to the higher client id),
// and sequence siblings sort by it. Both replicas of a race evaluate
// the same comparison, which is what makes the outcome deterministic.
func (id OpID) Less(other OpID) bool {
	if id.Clock != other.Clock {
		return id.Clock < other.Clock
	}
	return id.Client < other.Client
}

func (id OpID) String() string {
	if id.IsZero() {
		return "0@0"
	}
	return fmt.Sprintf("%d@%d", id.Clock, uint64(id.Client))
}
