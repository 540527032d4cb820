// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sync

import (
	"context"
	"encoding/binary"
	"net"
	"sync"

	"github.com/bureau-foundation/loom/lib/codec"
	"github.com/bureau-foundation/loom/transport"
	"github.com/bureau-foundation/loom/wire"
)

// RecordedFrame is one protocol frame captured off a connection, with
// its compression envelope already removed.
type RecordedFrame struct {
	// Sent is true for frames written by the recording side, false
	// for frames it read.
	Sent bool
	Type byte
	// Body is the decoded frame payload, nil when the payload did not
	// decode.
	Body []byte
}

// Recorder captures the protocol frames crossing connections opened
// through a RecordingDialer. It answers questions about what actually
// went over the wire: that an offline editing session resynced with
// exactly the missing operations, that a handshake took the expected
// shape, what a misbehaving peer really sent.
type Recorder struct {
	mu     sync.Mutex
	frames []RecordedFrame
}

func (r *Recorder) add(frame RecordedFrame) {
	r.mu.Lock()
	r.frames = append(r.frames, frame)
	r.mu.Unlock()
}

// Frames returns everything captured so far, in capture order.
func (r *Recorder) Frames() []RecordedFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RecordedFrame(nil), r.frames...)
}

// Reset discards everything captured so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.frames = nil
	r.mu.Unlock()
}

// SentUpdates decodes the update frames the recording side sent for
// one room, in order.
func (r *Recorder) SentUpdates(room string) []wire.Update {
	var updates []wire.Update
	for _, frame := range r.Frames() {
		if !frame.Sent || frame.Type != wire.FrameUpdate || frame.Body == nil {
			continue
		}
		var update wire.Update
		if err := codec.Unmarshal(frame.Body, &update); err != nil {
			continue
		}
		if update.Room == room {
			updates = append(updates, update)
		}
	}
	return updates
}

// SentSteps decodes the step-2 diffs the recording side sent for one
// room, in order.
func (r *Recorder) SentSteps(room string) []wire.SyncStep2 {
	var steps []wire.SyncStep2
	for _, frame := range r.Frames() {
		if !frame.Sent || frame.Type != wire.FrameSyncStep2 || frame.Body == nil {
			continue
		}
		var step wire.SyncStep2
		if err := codec.Unmarshal(frame.Body, &step); err != nil {
			continue
		}
		if step.Room == room {
			steps = append(steps, step)
		}
	}
	return steps
}

// RecordingDialer wraps a dialer so every connection it opens taps
// its frames into a Recorder. The tap is passive: bytes pass through
// untouched.
type RecordingDialer struct {
	Dialer   transport.Dialer
	Recorder *Recorder
}

func (d *RecordingDialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	conn, err := d.Dialer.DialContext(ctx, address)
	if err != nil {
		return nil, err
	}
	return &recordingConn{
		Conn:  conn,
		read:  frameParser{recorder: d.Recorder, sent: false},
		wrote: frameParser{recorder: d.Recorder, sent: true},
	}, nil
}

// recordingConn taps both directions of one connection. Each parser
// is touched only by the goroutine driving its direction, matching
// the usual one-reader one-writer connection discipline.
type recordingConn struct {
	net.Conn
	read  frameParser
	wrote frameParser
}

func (c *recordingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.read.feed(p[:n])
	}
	return n, err
}

func (c *recordingConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if n > 0 {
		c.wrote.feed(p[:n])
	}
	return n, err
}

// frameParser incrementally reassembles frames from a byte-stream
// tap. Reads may deliver partial frames; the parser buffers until a
// whole frame (1 byte type, 4 byte big-endian length, payload) is
// present.
type frameParser struct {
	recorder *Recorder
	sent     bool
	buf      []byte
	broken   bool
}

func (p *frameParser) feed(data []byte) {
	if p.broken {
		return
	}
	p.buf = append(p.buf, data...)
	for {
		if len(p.buf) < 5 {
			return
		}
		length := binary.BigEndian.Uint32(p.buf[1:5])
		if length > wire.MaxPayloadLength {
			// The tap lost framing; stop recording rather than
			// mis-slice everything after.
			p.broken = true
			p.buf = nil
			return
		}
		total := 5 + int(length)
		if len(p.buf) < total {
			return
		}
		payload := make([]byte, length)
		copy(payload, p.buf[5:total])
		frame := RecordedFrame{Sent: p.sent, Type: p.buf[0]}
		if body, err := wire.DecodePayload(payload); err == nil {
			frame.Body = body
		}
		p.recorder.add(frame)
		p.buf = p.buf[total:]
	}
}
