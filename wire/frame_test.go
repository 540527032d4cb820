// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		frame Frame
	}{
		{name: "empty payload", frame: Frame{Type: FrameSyncStep1}},
		{name: "small payload", frame: Frame{Type: FrameUpdate, Payload: []byte("hello")}},
		{name: "binary payload", frame: Frame{Type: FrameAck, Payload: []byte{0x00, 0xff, 0x80, 0x7f}}},
		{name: "large payload", frame: Frame{Type: FrameSyncStep2, Payload: bytes.Repeat([]byte{0xab}, 1<<20)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			if err := WriteFrame(&buf, tt.frame); err != nil {
				t.Fatalf("WriteFrame: %v", err)
			}
			got, err := ReadFrame(&buf)
			if err != nil {
				t.Fatalf("ReadFrame: %v", err)
			}
			if got.Type != tt.frame.Type {
				t.Fatalf("type = 0x%02x, want 0x%02x", got.Type, tt.frame.Type)
			}
			if !bytes.Equal(got.Payload, tt.frame.Payload) {
				t.Fatalf("payload mismatch: %d bytes vs %d", len(got.Payload), len(tt.frame.Payload))
			}
		})
	}
}

func TestFrameSequence(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	frames := []Frame{
		{Type: FrameHello, Payload: []byte("h")},
		{Type: FrameSyncStep1, Payload: []byte("s1")},
		{Type: FrameUpdate, Payload: []byte("u")},
	}
	for _, f := range frames {
		if err := WriteFrame(&buf, f); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}
	for i, want := range frames {
		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame %d: %v", i, err)
		}
		if got.Type != want.Type || !bytes.Equal(got.Payload, want.Payload) {
			t.Fatalf("frame %d = %+v, want %+v", i, got, want)
		}
	}
}

func TestReadFrameRejectsOversizedPayload(t *testing.T) {
	t.Parallel()
	var header [frameHeaderLength]byte
	header[0] = FrameUpdate
	binary.BigEndian.PutUint32(header[1:5], MaxPayloadLength+1)
	_, err := ReadFrame(bytes.NewReader(header[:]))
	if err == nil || !strings.Contains(err.Error(), "exceeds maximum") {
		t.Fatalf("ReadFrame error = %v, want payload length rejection", err)
	}
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	t.Parallel()
	frame := Frame{Type: FrameUpdate, Payload: make([]byte, MaxPayloadLength+1)}
	if err := WriteFrame(&bytes.Buffer{}, frame); err == nil {
		t.Fatal("WriteFrame accepted an oversized payload")
	}
}

func TestReadFrameTruncated(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := WriteFrame(&buf, Frame{Type: FrameUpdate, Payload: []byte("abcdef")}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	whole := buf.Bytes()
	for _, cut := range []int{0, 1, frameHeaderLength - 1, frameHeaderLength, len(whole) - 1} {
		if _, err := ReadFrame(bytes.NewReader(whole[:cut])); err == nil {
			t.Fatalf("ReadFrame of %d/%d bytes succeeded", cut, len(whole))
		}
	}
}

func TestFrameTypeName(t *testing.T) {
	t.Parallel()
	known := map[byte]string{
		FrameSyncStep1: "sync-step-1",
		FrameSyncStep2: "sync-step-2",
		FrameUpdate:    "update",
		FrameAwareness: "awareness",
		FrameAck:       "ack",
		FrameHello:     "hello",
	}
	for frameType, want := range known {
		if got := FrameTypeName(frameType); got != want {
			t.Errorf("FrameTypeName(0x%02x) = %q, want %q", frameType, got, want)
		}
	}
	if got := FrameTypeName(0x7e); got != "unknown(0x7e)" {
		t.Errorf("FrameTypeName(0x7e) = %q", got)
	}
}
