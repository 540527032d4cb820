// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sync

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"

	"github.com/bureau-foundation/loom/awareness"
	"github.com/bureau-foundation/loom/document"
	"github.com/bureau-foundation/loom/lib/clock"
	"github.com/bureau-foundation/loom/lib/codec"
	"github.com/bureau-foundation/loom/lib/ident"
	"github.com/bureau-foundation/loom/wire"
)

// outboundBuffer is the per-session write queue depth. Deep enough to
// absorb a handshake burst for many rooms; a full queue applies
// backpressure to the session's own traffic and marks relay fan-out
// targets as too slow.
const outboundBuffer = 64

// outFrame is one frame queued for a session's writer goroutine.
type outFrame struct {
	frameType byte
	payload   any
	preferred wire.CompressionTag
}

// frameWriter serializes all writes for one connection through a
// single goroutine, so read-loop replies, pushed updates, awareness
// forwarding, and heartbeats never interleave mid-frame.
type frameWriter struct {
	conn     net.Conn
	outbound chan outFrame
	done     <-chan struct{}
	fail     func(error)
}

func newFrameWriter(conn net.Conn, done <-chan struct{}, fail func(error)) *frameWriter {
	return &frameWriter{
		conn:     conn,
		outbound: make(chan outFrame, outboundBuffer),
		done:     done,
		fail:     fail,
	}
}

func (w *frameWriter) run() {
	for {
		select {
		case <-w.done:
			return
		case frame := <-w.outbound:
			if err := wire.WriteEnvelope(w.conn, frame.frameType, frame.payload, frame.preferred); err != nil {
				w.fail(fmt.Errorf("write %s frame: %w", wire.FrameTypeName(frame.frameType), err))
				return
			}
		}
	}
}

// send queues a frame, blocking while the writer is saturated.
// Returns without queueing once the session dies.
func (w *frameWriter) send(frameType byte, payload any, preferred wire.CompressionTag) {
	select {
	case w.outbound <- outFrame{frameType: frameType, payload: payload, preferred: preferred}:
	case <-w.done:
	}
}

// trySend queues a frame without blocking. Reports false only when
// the queue is full on a live session: the caller treats that
// consumer as too slow to keep.
func (w *frameWriter) trySend(frameType byte, payload any, preferred wire.CompressionTag) bool {
	select {
	case w.outbound <- outFrame{frameType: frameType, payload: payload, preferred: preferred}:
		return true
	case <-w.done:
		return true
	default:
		return false
	}
}

// buildDiff computes the step-2 answer for a peer's state vector: the
// operations the peer lacks, or a checksummed snapshot when the peer
// is behind the local compaction floor and the individual operations
// no longer exist.
func buildDiff(room string, doc *document.Doc, peer ident.StateVector) (wire.SyncStep2, wire.CompressionTag, error) {
	ops, snapshotNeeded := doc.MissingFrom(peer)
	if !snapshotNeeded {
		return wire.SyncStep2{Room: room, Ops: ops}, wire.CompressionLZ4, nil
	}
	snap, err := doc.EncodeState()
	if err != nil {
		return wire.SyncStep2{}, 0, fmt.Errorf("encode snapshot for room %q: %w", room, err)
	}
	data, err := snap.Marshal()
	if err != nil {
		return wire.SyncStep2{}, 0, fmt.Errorf("marshal snapshot for room %q: %w", room, err)
	}
	return wire.SyncStep2{Room: room, Snapshot: wire.NewSnapshotEnvelope(data)}, wire.CompressionZstd, nil
}

// applyDiff folds a peer's step-2 answer into the local replica:
// snapshot first (verified), then any operations. Every failure here
// is the peer's fault and classifies as a protocol error.
func applyDiff(doc *document.Doc, step wire.SyncStep2) error {
	if step.Snapshot != nil {
		if err := step.Snapshot.Verify(); err != nil {
			return protocolErrorf("room %q snapshot: %w", step.Room, err)
		}
		snap, err := document.UnmarshalSnapshot(step.Snapshot.Data)
		if err != nil {
			return protocolErrorf("room %q snapshot: %w", step.Room, err)
		}
		if err := doc.MergeSnapshot(snap); err != nil {
			return protocolErrorf("room %q snapshot: %w", step.Room, err)
		}
	}
	if len(step.Ops) > 0 {
		if _, err := doc.ApplyRemote(step.Ops); err != nil {
			return protocolErrorf("room %q diff: %w", step.Room, err)
		}
	}
	return nil
}

// clientSession drives one connection for a Client: per-room
// handshakes, streaming, heartbeats, and awareness forwarding. It
// lives until the connection fails, a handshake watchdog fires, or
// the client shuts it down; the run loop decides what happens next.
type clientSession struct {
	client *Client
	conn   net.Conn
	logger *slog.Logger
	clock  clock.Clock
	writer *frameWriter

	done chan struct{}

	mu        sync.Mutex
	phases    map[string]roomPhase
	watchdogs map[string]*clock.Timer
	sawSync   bool
	failure   error
	closed    bool
}

func newClientSession(c *Client, conn net.Conn) *clientSession {
	s := &clientSession{
		client:    c,
		conn:      conn,
		logger:    c.logger.With("remote", conn.RemoteAddr().String()),
		clock:     c.clock,
		done:      make(chan struct{}),
		phases:    make(map[string]roomPhase),
		watchdogs: make(map[string]*clock.Timer),
	}
	s.writer = newFrameWriter(conn, s.done, s.fail)
	return s
}

// run drives the session until it ends, returning the error that
// ended it.
func (s *clientSession) run(ctx context.Context) error {
	go s.writer.run()
	go s.heartbeatLoop()
	go func() {
		select {
		case <-ctx.Done():
			s.fail(ctx.Err())
		case <-s.done:
		}
	}()

	for _, room := range s.client.attachedRooms() {
		s.startRoom(room)
	}
	s.publishAggregate()

	err := s.readLoop()
	s.fail(err)
	return s.result()
}

// fail records the first session-ending error and tears the
// connection down. Safe to call from any goroutine, repeatedly.
func (s *clientSession) fail(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.failure = err
	for room, timer := range s.watchdogs {
		timer.Stop()
		delete(s.watchdogs, room)
	}
	s.mu.Unlock()
	close(s.done)
	s.conn.Close()
}

func (s *clientSession) result() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

func (s *clientSession) sawSynced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sawSync
}

// startRoom opens the handshake for one room: hello out, step
// watchdog armed, awareness announcements forwarding. Idempotent.
func (s *clientSession) startRoom(room string) {
	binding, ok := s.client.binding(room)
	if !ok {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, active := s.phases[room]; active {
		s.mu.Unlock()
		return
	}
	s.phases[room] = phaseHello
	s.armWatchdogLocked(room)
	s.mu.Unlock()

	s.writer.send(wire.FrameHello, wire.Hello{
		Room:            room,
		ProtocolVersion: wire.ProtocolVersion,
		Client:          s.client.cfg.Client,
		Token:           s.client.cfg.Token,
	}, wire.CompressionLZ4)

	if binding.tracker != nil {
		go s.forwardAwareness(room, binding.tracker)
		// Re-announce presence so peers see us again after a
		// reconnect without waiting for the next local change.
		if state, ok := binding.tracker.LocalEntry(); ok {
			s.writer.send(wire.FrameAwareness, wire.AwarenessBatch{
				Room:   room,
				States: []wire.AwarenessState{state},
			}, wire.CompressionLZ4)
		}
	}
	s.publishAggregate()
}

// stopRoom abandons a room mid-session after a detach. The peer is
// not told; inbound frames for the room are dropped at dispatch.
func (s *clientSession) stopRoom(room string) {
	s.mu.Lock()
	if timer := s.watchdogs[room]; timer != nil {
		timer.Stop()
		delete(s.watchdogs, room)
	}
	delete(s.phases, room)
	s.mu.Unlock()
	s.publishAggregate()
}

// armWatchdogLocked starts the per-room step timer. A handshake that
// stalls in any phase kills the whole session: a half-synced
// connection is worth less than a fresh backoff cycle.
func (s *clientSession) armWatchdogLocked(room string) {
	timeout := s.client.cfg.StepTimeout
	s.watchdogs[room] = s.clock.AfterFunc(timeout, func() {
		s.logger.Warn("sync handshake timed out", "room", room, "timeout", timeout)
		s.fail(fmt.Errorf("handshake for room %q timed out after %v", room, timeout))
	})
}

// advanceLocked moves a room to the next handshake phase, re-arming
// its watchdog, or retiring it once the room is synced.
func (s *clientSession) advanceLocked(room string, phase roomPhase) {
	s.phases[room] = phase
	timer := s.watchdogs[room]
	if timer == nil {
		return
	}
	if phase == phaseSynced {
		timer.Stop()
		delete(s.watchdogs, room)
		return
	}
	timer.Reset(s.client.cfg.StepTimeout)
}

// publishAggregate recomputes the connection state from the least
// advanced attached room and hands it to the client's subscribers.
// A client with nothing attached reports Synced: connected, nothing
// to reconcile.
func (s *clientSession) publishAggregate() {
	attached := s.client.attachedRooms()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	lowest := phaseSynced
	for _, room := range attached {
		phase, active := s.phases[room]
		if !active {
			phase = phaseHello
		}
		if phase < lowest {
			lowest = phase
		}
	}
	state := connStateFor(lowest)
	if state == StateSynced {
		s.sawSync = true
	}
	s.mu.Unlock()

	s.client.setState(state)
}

// pushUpdate streams freshly committed local operations. During the
// hello phase the peer has not joined the room yet, so the operations
// ride the upcoming step-2 diff instead of an update frame.
func (s *clientSession) pushUpdate(room string, ops []document.Op) {
	s.mu.Lock()
	phase := s.phases[room]
	s.mu.Unlock()
	if phase < phaseVector {
		return
	}
	s.writer.send(wire.FrameUpdate, wire.Update{Room: room, Ops: ops}, wire.CompressionLZ4)
}

// heartbeatLoop sends a periodic ack per synced room. The ack is
// idempotent flow control and doubles as liveness: relays evict
// sessions silent past their heartbeat window, and an otherwise idle
// editor would never send anything.
func (s *clientSession) heartbeatLoop() {
	ticker := s.clock.NewTicker(s.client.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			for _, room := range s.syncedRooms() {
				binding, ok := s.client.binding(room)
				if !ok {
					continue
				}
				s.writer.send(wire.FrameAck, wire.Ack{
					Room:        room,
					StateVector: binding.doc.StateVector(),
				}, wire.CompressionLZ4)
			}
		}
	}
}

func (s *clientSession) syncedRooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	rooms := make([]string, 0, len(s.phases))
	for room, phase := range s.phases {
		if phase == phaseSynced {
			rooms = append(rooms, room)
		}
	}
	sort.Strings(rooms)
	return rooms
}

// forwardAwareness relays throttled local announcements for one room
// until the session ends or the room is detached.
func (s *clientSession) forwardAwareness(room string, tracker *awareness.Tracker) {
	for {
		select {
		case <-s.done:
			return
		case batch := <-tracker.Outbound():
			if _, ok := s.client.binding(room); !ok {
				return
			}
			s.writer.send(wire.FrameAwareness, batch, wire.CompressionLZ4)
		}
	}
}

// readLoop decodes and dispatches inbound frames until the connection
// ends. Link failures return as plain errors; peer misbehavior
// returns as protocol errors, and the distinction decides whether the
// client retries quietly or escalates.
func (s *clientSession) readLoop() error {
	for {
		frame, err := wire.ReadFrame(s.conn)
		if err != nil {
			select {
			case <-s.done:
				// Own teardown provoked this read error; surface the
				// recorded cause instead.
				return s.result()
			default:
			}
			return fmt.Errorf("read frame: %w", err)
		}
		body, err := wire.DecodePayload(frame.Payload)
		if err != nil {
			return protocolErrorf("decode %s payload: %w", wire.FrameTypeName(frame.Type), err)
		}
		if err := s.handleFrame(frame.Type, body); err != nil {
			return err
		}
	}
}

func (s *clientSession) handleFrame(frameType byte, body []byte) error {
	switch frameType {
	case wire.FrameHello:
		var hello wire.Hello
		if err := codec.Unmarshal(body, &hello); err != nil {
			return protocolErrorf("decode hello: %w", err)
		}
		return s.onHello(hello)
	case wire.FrameSyncStep1:
		var step wire.SyncStep1
		if err := codec.Unmarshal(body, &step); err != nil {
			return protocolErrorf("decode sync-step-1: %w", err)
		}
		return s.onStep1(step)
	case wire.FrameSyncStep2:
		var step wire.SyncStep2
		if err := codec.Unmarshal(body, &step); err != nil {
			return protocolErrorf("decode sync-step-2: %w", err)
		}
		return s.onStep2(step)
	case wire.FrameUpdate:
		var update wire.Update
		if err := codec.Unmarshal(body, &update); err != nil {
			return protocolErrorf("decode update: %w", err)
		}
		return s.onUpdate(update)
	case wire.FrameAck:
		var ack wire.Ack
		if err := codec.Unmarshal(body, &ack); err != nil {
			return protocolErrorf("decode ack: %w", err)
		}
		return s.onAck(ack)
	case wire.FrameAwareness:
		var batch wire.AwarenessBatch
		if err := codec.Unmarshal(body, &batch); err != nil {
			return protocolErrorf("decode awareness: %w", err)
		}
		return s.onAwareness(batch)
	default:
		return protocolErrorf("unknown frame type 0x%02x", frameType)
	}
}

// onHello receives the peer's hello for a room and answers it with
// our state vector. When the peer initiated a room we did not (a
// direct peer attached it first), our own hello goes out before the
// vector so the exchange stays symmetric.
func (s *clientSession) onHello(hello wire.Hello) error {
	if hello.ProtocolVersion != wire.ProtocolVersion {
		return &protocolError{err: fmt.Errorf(
			"room %q: peer speaks protocol %d, this client speaks %d: %w",
			hello.Room, hello.ProtocolVersion, wire.ProtocolVersion, ErrVersionMismatch)}
	}
	binding, ok := s.client.binding(hello.Room)
	if !ok {
		s.logger.Warn("hello for unattached room", "room", hello.Room)
		return nil
	}

	s.startRoom(hello.Room)

	s.mu.Lock()
	if s.phases[hello.Room] != phaseHello {
		s.mu.Unlock()
		s.logger.Debug("duplicate hello", "room", hello.Room)
		return nil
	}
	s.advanceLocked(hello.Room, phaseVector)
	s.mu.Unlock()

	s.writer.send(wire.FrameSyncStep1, wire.SyncStep1{
		Room:        hello.Room,
		StateVector: binding.doc.StateVector(),
	}, wire.CompressionLZ4)
	s.publishAggregate()
	return nil
}

// onStep1 answers the peer's state vector with its diff.
func (s *clientSession) onStep1(step wire.SyncStep1) error {
	binding, ok := s.client.binding(step.Room)
	if !ok {
		s.logger.Warn("sync-step-1 for unattached room", "room", step.Room)
		return nil
	}
	diff, preferred, err := buildDiff(step.Room, binding.doc, step.StateVector)
	if err != nil {
		return err
	}
	s.writer.send(wire.FrameSyncStep2, diff, preferred)

	s.mu.Lock()
	if s.phases[step.Room] == phaseVector {
		s.advanceLocked(step.Room, phaseDiff)
	}
	s.mu.Unlock()
	s.publishAggregate()
	return nil
}

// onStep2 applies the peer's diff and acknowledges it.
func (s *clientSession) onStep2(step wire.SyncStep2) error {
	binding, ok := s.client.binding(step.Room)
	if !ok {
		s.logger.Warn("sync-step-2 for unattached room", "room", step.Room)
		return nil
	}
	if err := applyDiff(binding.doc, step); err != nil {
		return err
	}
	s.writer.send(wire.FrameAck, wire.Ack{
		Room:        step.Room,
		StateVector: binding.doc.StateVector(),
	}, wire.CompressionLZ4)
	return nil
}

// onUpdate applies streamed operations and acknowledges them.
func (s *clientSession) onUpdate(update wire.Update) error {
	binding, ok := s.client.binding(update.Room)
	if !ok {
		s.logger.Debug("update for unattached room", "room", update.Room)
		return nil
	}
	if _, err := binding.doc.ApplyRemote(update.Ops); err != nil {
		return protocolErrorf("room %q update: %w", update.Room, err)
	}
	s.writer.send(wire.FrameAck, wire.Ack{
		Room:        update.Room,
		StateVector: binding.doc.StateVector(),
	}, wire.CompressionLZ4)
	return nil
}

// onAck completes the handshake for a room waiting on its diff
// acknowledgement. Later acks are the peer's applied watermark and
// need no action: resync covers gaps, so nothing queues behind them.
func (s *clientSession) onAck(ack wire.Ack) error {
	s.mu.Lock()
	if s.phases[ack.Room] == phaseDiff {
		s.advanceLocked(ack.Room, phaseSynced)
	}
	s.mu.Unlock()
	s.publishAggregate()
	return nil
}

func (s *clientSession) onAwareness(batch wire.AwarenessBatch) error {
	binding, ok := s.client.binding(batch.Room)
	if !ok || binding.tracker == nil {
		return nil
	}
	binding.tracker.ApplyRemote(batch.States)
	return nil
}
