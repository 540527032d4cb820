// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/loom/document"
	"github.com/bureau-foundation/loom/lib/codec"
	"github.com/bureau-foundation/loom/lib/ident"
)

// ProtocolVersion is the sync protocol revision this package speaks.
// Peers exchange it in hello frames and refuse mismatches outright:
// silently misreading replicated operations is worse than failing
// loudly.
const ProtocolVersion = 1

// Every payload below opens with the room id: one connection carries
// many rooms, and the receiver demuxes on Room before anything else.

// Hello joins one room on a connection. Each side sends a hello per
// room before any sync frame for that room; the accepting side
// answers with its own. Version skew fails the handshake.
type Hello struct {
	Room            string         `cbor:"r"`
	ProtocolVersion uint32         `cbor:"v"`
	Client          ident.ClientID `cbor:"c"`
	// Token optionally authenticates the join; relays that require
	// tokens reject hellos without a valid one.
	Token string `cbor:"t,omitempty"`
}

// SyncStep1 announces the sender's state vector for one room.
type SyncStep1 struct {
	Room        string            `cbor:"r"`
	StateVector ident.StateVector `cbor:"sv"`
}

// SyncStep2 answers a step-1 announcement with exactly what the
// announcer lacks: either the missing operations or, when the
// announcer is behind the responder's compaction horizon, a full
// snapshot. Both may be empty when the announcer is already current.
type SyncStep2 struct {
	Room     string            `cbor:"r"`
	Ops      []document.Op     `cbor:"op,omitempty"`
	Snapshot *SnapshotEnvelope `cbor:"sn,omitempty"`
}

// Update carries operations committed after the initial sync.
type Update struct {
	Room string        `cbor:"r"`
	Ops  []document.Op `cbor:"op"`
}

// Ack reports the receiver's state vector after applying a diff or
// update. It completes a room handshake and, resent periodically,
// doubles as the idle heartbeat.
type Ack struct {
	Room        string            `cbor:"r"`
	StateVector ident.StateVector `cbor:"sv"`
}

// AwarenessState is one client's ephemeral presence payload. State
// nil announces departure. Seq orders states from one client; the
// higher sequence wins.
type AwarenessState struct {
	Client ident.ClientID   `cbor:"c"`
	Seq    uint64           `cbor:"q"`
	State  codec.RawMessage `cbor:"s,omitempty"`
	// TTLMillis is how long the entry stays live without a refresh.
	// Zero means the receiver's default.
	TTLMillis uint64 `cbor:"tt,omitempty"`
}

// AwarenessBatch carries awareness states, possibly for several
// clients when a relay forwards its accumulated view.
type AwarenessBatch struct {
	Room   string           `cbor:"r"`
	States []AwarenessState `cbor:"st"`
}

// SnapshotEnvelope wraps an encoded document snapshot with an
// integrity checksum. Snapshots replace whole replica state, so a
// corrupt transfer must be detected before it is merged.
type SnapshotEnvelope struct {
	// Checksum is the 32-byte BLAKE3 hash of Data.
	Checksum []byte `cbor:"ck"`
	// Data is the CBOR-encoded document snapshot.
	Data []byte `cbor:"da"`
}

// NewSnapshotEnvelope wraps snapshot bytes with their checksum.
func NewSnapshotEnvelope(data []byte) *SnapshotEnvelope {
	sum := blake3.Sum256(data)
	return &SnapshotEnvelope{Checksum: sum[:], Data: data}
}

// Verify recomputes the checksum and rejects a mismatch.
func (e *SnapshotEnvelope) Verify() error {
	sum := blake3.Sum256(e.Data)
	if !bytes.Equal(sum[:], e.Checksum) {
		return fmt.Errorf("snapshot checksum mismatch: got %x, want %x", sum[:8], e.Checksum[:min(8, len(e.Checksum))])
	}
	return nil
}

// WriteEnvelope marshals v, wraps it in a compression envelope with
// the preferred tag, and writes it as one frame.
func WriteEnvelope(w io.Writer, frameType byte, v any, preferred CompressionTag) error {
	body, err := codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", FrameTypeName(frameType), err)
	}
	payload, err := EncodePayload(body, preferred)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", FrameTypeName(frameType), err)
	}
	return WriteFrame(w, Frame{Type: frameType, Payload: payload})
}

// ReadEnvelope reads one frame and unwraps its compression envelope,
// returning the frame type and the raw CBOR body for the caller to
// decode by type.
func ReadEnvelope(r io.Reader) (byte, []byte, error) {
	frame, err := ReadFrame(r)
	if err != nil {
		return 0, nil, err
	}
	body, err := DecodePayload(frame.Payload)
	if err != nil {
		return 0, nil, fmt.Errorf("decode %s payload: %w", FrameTypeName(frame.Type), err)
	}
	return frame.Type, body, nil
}
