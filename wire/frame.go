// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the loom sync protocol: framed binary messages
// carrying CBOR payloads between replicas and relays.
//
// The package is organized around the protocol layers:
//
//   - frame.go: outer framing (type byte plus length-prefixed payload)
//   - compress.go: per-frame payload compression envelope
//   - payload.go: the CBOR message bodies for each frame type
//
// Every frame payload is wrapped in a compression envelope (see
// EncodePayload), so a connection peer always reads frames with
// ReadEnvelope rather than interpreting raw payload bytes.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame type constants for the sync protocol wire format. Each frame
// is a 5-byte header (1 byte type + 4 byte big-endian payload length)
// followed by the payload. These values are protocol constants;
// changing them breaks compatibility with deployed peers.
const (
	// FrameSyncStep1 announces the sender's state vector. Sent by
	// both sides after hello; the receiver answers with a
	// FrameSyncStep2 containing what the announcer lacks.
	FrameSyncStep1 byte = 0x01

	// FrameSyncStep2 carries the diff for a step-1 announcement:
	// the missing operations, or a full snapshot when the announcer
	// is behind the responder's compaction horizon.
	FrameSyncStep2 byte = 0x02

	// FrameUpdate carries freshly committed operations. Sent by
	// whichever side produced them; the relay fans updates out to
	// every other subscriber of the room.
	FrameUpdate byte = 0x03

	// FrameAwareness carries ephemeral presence states. Never
	// persisted and never acked.
	FrameAwareness byte = 0x04

	// FrameAck confirms applied frames by reporting the receiver's
	// state vector. Resent periodically, it doubles as the idle
	// heartbeat.
	FrameAck byte = 0x05

	// FrameHello opens a connection: protocol version, room id, and
	// the sender's client id. Each side sends one before anything
	// else.
	FrameHello byte = 0x06
)

// frameHeaderLength is the fixed size of a frame header: 1 byte type
// + 4 bytes payload length.
const frameHeaderLength = 5

// MaxPayloadLength is the maximum allowed frame payload size. 16 MB
// accommodates snapshot transfers for large documents; update frames
// are typically well under a kilobyte.
const MaxPayloadLength = 16 * 1024 * 1024

// Frame is a single sync protocol frame.
type Frame struct {
	Type    byte
	Payload []byte
}

// WriteFrame writes a framed message to w. The frame format is:
// [1 byte type] [4 bytes payload length, big-endian uint32] [payload].
func WriteFrame(w io.Writer, frame Frame) error {
	if len(frame.Payload) > MaxPayloadLength {
		return fmt.Errorf("frame payload %d exceeds maximum %d", len(frame.Payload), MaxPayloadLength)
	}
	// One Write per frame: message-oriented transports (WebSocket,
	// data channels) map each Write to one message, which keeps frame
	// and message boundaries aligned.
	buf := make([]byte, frameHeaderLength+len(frame.Payload))
	buf[0] = frame.Type
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(frame.Payload)))
	copy(buf[frameHeaderLength:], frame.Payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads a framed message from r. Returns an error if the
// stream is malformed or the payload exceeds MaxPayloadLength.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [frameHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, fmt.Errorf("read frame header: %w", err)
	}
	frameType := header[0]
	payloadLength := binary.BigEndian.Uint32(header[1:5])
	if payloadLength > MaxPayloadLength {
		return Frame{}, fmt.Errorf("payload length %d exceeds maximum %d", payloadLength, MaxPayloadLength)
	}
	payload := make([]byte, payloadLength)
	if payloadLength > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("read frame payload: %w", err)
		}
	}
	return Frame{Type: frameType, Payload: payload}, nil
}

// FrameTypeName returns a human-readable name for logging.
func FrameTypeName(frameType byte) string {
	switch frameType {
	case FrameSyncStep1:
		return "sync-step-1"
	case FrameSyncStep2:
		return "sync-step-2"
	case FrameUpdate:
		return "update"
	case FrameAwareness:
		return "awareness"
	case FrameAck:
		return "ack"
	case FrameHello:
		return "hello"
	default:
		return fmt.Sprintf("unknown(0x%02x)", frameType)
	}
}
