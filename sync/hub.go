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
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/loom/document"
	"github.com/bureau-foundation/loom/lib/clock"
	"github.com/bureau-foundation/loom/lib/codec"
	"github.com/bureau-foundation/loom/lib/ident"
	"github.com/bureau-foundation/loom/lib/netutil"
	"github.com/bureau-foundation/loom/oplog"
	"github.com/bureau-foundation/loom/transport"
	"github.com/bureau-foundation/loom/wire"
)

// DefaultHeartbeatWindow is how long a relay session may stay silent
// before it is presumed dead and evicted. Three missed default
// heartbeats.
const DefaultHeartbeatWindow = 60 * time.Second

// HubConfig configures a relay hub.
type HubConfig struct {
	// Store persists every room the hub serves. Required. The hub
	// does not close it.
	Store oplog.Store

	// Logger is required.
	Logger *slog.Logger

	// Clock defaults to the real clock.
	Clock clock.Clock

	// Token, when set, must be presented by every hello.
	Token string

	// HeartbeatWindow bounds session silence; Run evicts sessions
	// quiet past it. Zero means DefaultHeartbeatWindow.
	HeartbeatWindow time.Duration

	// Fanout optionally bridges room traffic to the other relay
	// instances sharing the store.
	Fanout *Fanout
}

// hubRoom is one served room: the relay's own replica plus the
// sessions currently joined to it. The replica answers handshake
// diffs and never mints operations of its own.
type hubRoom struct {
	name string
	doc  *document.Doc

	// durable is the watermark of what the store holds, which lags
	// the replica's own vector whenever an append fails. Freshness is
	// judged against durable, not the replica, so an op the store
	// refused is appended again when the next diff or update carries
	// it. Guarded by Hub.mu.
	durable ident.StateVector

	// awareness is the relay's accumulated presence view, replayed to
	// late joiners. Guarded by Hub.mu.
	awareness map[ident.ClientID]wire.AwarenessState

	// members is guarded by Hub.mu.
	members map[*hubSession]struct{}
}

// Hub is the accepting side of sync: it serves any number of
// connections, demuxes their rooms, keeps a server replica per room
// converged through the same handshake clients use with each other,
// persists what it learns, and relays it to everyone else in the
// room. Mount Handler on a transport listener and call Run for
// background maintenance.
type Hub struct {
	cfg    HubConfig
	logger *slog.Logger
	clock  clock.Clock

	opsRelayed atomic.Uint64

	mu       sync.Mutex
	rooms    map[string]*hubRoom
	sessions map[*hubSession]struct{}
	closed   bool
}

// HubStats is a point-in-time snapshot for logs and health surfaces.
type HubStats struct {
	Rooms    int
	Sessions int

	// OpsRelayed counts operations forwarded to room members.
	OpsRelayed uint64
}

// NewHub validates the configuration and returns a hub ready to
// accept connections.
func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("sync: store is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("sync: logger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.HeartbeatWindow <= 0 {
		cfg.HeartbeatWindow = DefaultHeartbeatWindow
	}
	return &Hub{
		cfg:      cfg,
		logger:   cfg.Logger,
		clock:    cfg.Clock,
		rooms:    make(map[string]*hubRoom),
		sessions: make(map[*hubSession]struct{}),
	}, nil
}

// Handler returns the connection handler to mount on a transport
// listener.
func (h *Hub) Handler() transport.ConnHandler {
	return h.serveConn
}

// Run drives background maintenance until ctx is done: silent-session
// eviction and, when configured, the cross-instance fan-out receiver.
func (h *Hub) Run(ctx context.Context) {
	if h.cfg.Fanout != nil {
		go func() {
			if err := h.cfg.Fanout.run(ctx, h.applyFanout); err != nil && ctx.Err() == nil {
				h.logger.Error("fanout receiver stopped", "error", err)
			}
		}()
	}
	ticker := h.clock.NewTicker(h.cfg.HeartbeatWindow / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.evictSilent()
		}
	}
}

// Close shuts every session down. The owner closes its listener and
// store separately.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	sessions := make([]*hubSession, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.shutdown()
	}
	return nil
}

// Stats returns a snapshot of the hub's counters.
func (h *Hub) Stats() HubStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HubStats{
		Rooms:      len(h.rooms),
		Sessions:   len(h.sessions),
		OpsRelayed: h.opsRelayed.Load(),
	}
}

func (h *Hub) serveConn(conn net.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := &hubSession{
		hub:      h,
		conn:     conn,
		logger:   h.logger.With("remote", conn.RemoteAddr().String()),
		done:     make(chan struct{}),
		rooms:    make(map[string]*hubRoom),
		lastSeen: h.clock.Now(),
	}
	s.writer = newFrameWriter(conn, s.done, func(err error) {
		s.logger.Debug("write failed", "error", err)
		s.shutdown()
	})

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.sessions[s] = struct{}{}
	h.mu.Unlock()

	go s.writer.run()
	s.logger.Debug("session opened")

	err := s.readLoop(ctx)
	s.shutdown()
	h.dropSession(ctx, s)

	switch {
	case err == nil, netutil.IsExpectedCloseError(err):
		s.logger.Debug("session closed")
	case isProtocolError(err):
		s.logger.Warn("session violated protocol", "error", err)
	default:
		s.logger.Debug("session ended", "error", err)
	}
}

// room returns the live room, loading it from the store on first
// join. Loading happens outside the hub lock; a lost load race keeps
// the winner.
func (h *Hub) room(ctx context.Context, name string) (*hubRoom, error) {
	h.mu.Lock()
	if room, ok := h.rooms[name]; ok {
		h.mu.Unlock()
		return room, nil
	}
	h.mu.Unlock()

	clientID, err := ident.NewClientID()
	if err != nil {
		return nil, fmt.Errorf("mint replica id: %w", err)
	}
	doc, err := document.New(document.Config{
		Client: clientID,
		Logger: h.logger.With("room", name),
	})
	if err != nil {
		return nil, err
	}
	snap, tail, err := h.cfg.Store.Load(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load room: %w", err)
	}
	if snap != nil {
		if err := doc.MergeSnapshot(snap); err != nil {
			return nil, fmt.Errorf("merge stored snapshot: %w", err)
		}
	}
	if len(tail) > 0 {
		if _, err := doc.ApplyRemote(tail); err != nil {
			return nil, fmt.Errorf("replay stored log: %w", err)
		}
	}

	room := &hubRoom{
		name:      name,
		doc:       doc,
		durable:   doc.StateVector(),
		awareness: make(map[ident.ClientID]wire.AwarenessState),
		members:   make(map[*hubSession]struct{}),
	}
	h.mu.Lock()
	if existing, ok := h.rooms[name]; ok {
		h.mu.Unlock()
		return existing, nil
	}
	h.rooms[name] = room
	h.mu.Unlock()
	h.logger.Info("room loaded", "room", name, "ops", len(tail), "snapshot", snap != nil)
	return room, nil
}

func (h *Hub) addMember(room *hubRoom, s *hubSession) {
	h.mu.Lock()
	room.members[s] = struct{}{}
	h.mu.Unlock()
}

// broadcast queues a frame to every member of the room except origin.
// A member whose write queue is full cannot keep up; it is closed and
// recovers the missed traffic through its reconnect handshake.
func (h *Hub) broadcast(room *hubRoom, origin *hubSession, frameType byte, payload any, preferred wire.CompressionTag) {
	h.mu.Lock()
	members := make([]*hubSession, 0, len(room.members))
	for member := range room.members {
		if member != origin {
			members = append(members, member)
		}
	}
	h.mu.Unlock()

	for _, member := range members {
		if !member.writer.trySend(frameType, payload, preferred) {
			member.logger.Warn("session cannot keep up, closing", "room", room.name)
			member.shutdown()
		}
	}
}

// mergeAwareness folds presence states into the room's accumulated
// view and returns the ones that changed it, in input order. A
// departure for a client the view never held still relays: members
// may know the client from before this relay restarted.
func (h *Hub) mergeAwareness(room *hubRoom, states []wire.AwarenessState) []wire.AwarenessState {
	h.mu.Lock()
	defer h.mu.Unlock()
	var changed []wire.AwarenessState
	for _, state := range states {
		known, exists := room.awareness[state.Client]
		if exists && state.Seq <= known.Seq {
			continue
		}
		if state.State == nil {
			delete(room.awareness, state.Client)
		} else {
			room.awareness[state.Client] = state
		}
		changed = append(changed, state)
	}
	return changed
}

// awarenessView snapshots the room's accumulated presence for a
// joining session, sorted by client.
func (h *Hub) awarenessView(room *hubRoom) wire.AwarenessBatch {
	h.mu.Lock()
	defer h.mu.Unlock()
	states := make([]wire.AwarenessState, 0, len(room.awareness))
	for _, state := range room.awareness {
		states = append(states, state)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Client < states[j].Client })
	return wire.AwarenessBatch{Room: room.name, States: states}
}

// dropSession removes a finished session from every room it joined,
// withdraws its awareness entry, and unloads rooms left with no
// members. The withdrawal bumps the peer's own sequence once, so a
// frame still in flight from the dead session cannot resurrect the
// entry.
func (h *Hub) dropSession(ctx context.Context, s *hubSession) {
	type withdrawal struct {
		room  *hubRoom
		batch wire.AwarenessBatch
	}
	var withdrawals []withdrawal

	h.mu.Lock()
	delete(h.sessions, s)
	for name, room := range s.rooms {
		delete(room.members, s)
		if state, ok := room.awareness[s.client]; ok {
			delete(room.awareness, s.client)
			leave := wire.AwarenessState{Client: s.client, Seq: state.Seq + 1}
			withdrawals = append(withdrawals, withdrawal{
				room:  room,
				batch: wire.AwarenessBatch{Room: name, States: []wire.AwarenessState{leave}},
			})
		}
		if len(room.members) == 0 {
			delete(h.rooms, name)
		}
	}
	h.mu.Unlock()

	for _, w := range withdrawals {
		h.broadcast(w.room, nil, wire.FrameAwareness, w.batch, wire.CompressionLZ4)
		if h.cfg.Fanout != nil {
			h.cfg.Fanout.Publish(ctx, w.batch.Room, wire.FrameAwareness, w.batch)
		}
	}
}

// evictSilent closes sessions whose last frame predates the heartbeat
// window. Their read loops unwind and clean up membership as usual.
func (h *Hub) evictSilent() {
	cutoff := h.clock.Now().Add(-h.cfg.HeartbeatWindow)
	h.mu.Lock()
	var silent []*hubSession
	for s := range h.sessions {
		if s.lastSeenTime().Before(cutoff) {
			silent = append(silent, s)
		}
	}
	h.mu.Unlock()

	for _, s := range silent {
		s.logger.Info("no heartbeat inside window, closing session", "window", h.cfg.HeartbeatWindow)
		s.shutdown()
	}
}

// applyFanout integrates a frame relayed from a peer instance: fold
// it into the local replica when the room is live here, then forward
// it to local members. The origin instance already persisted it, so
// nothing is appended.
func (h *Hub) applyFanout(room string, frameType byte, body []byte) {
	h.mu.Lock()
	target := h.rooms[room]
	h.mu.Unlock()
	if target == nil {
		// No local members. The next join reloads the room from the
		// shared store.
		return
	}
	switch frameType {
	case wire.FrameUpdate:
		var update wire.Update
		if err := codec.Unmarshal(body, &update); err != nil {
			h.logger.Warn("fanout: bad update", "room", room, "error", err)
			return
		}
		if _, err := target.doc.ApplyRemote(update.Ops); err != nil {
			h.logger.Warn("fanout: update rejected", "room", room, "error", err)
			return
		}
		// The origin instance appended these to the shared store.
		h.mu.Lock()
		for _, op := range update.Ops {
			target.durable.Observe(op.ID)
		}
		h.mu.Unlock()
		h.broadcast(target, nil, wire.FrameUpdate, update, wire.CompressionLZ4)
		h.opsRelayed.Add(uint64(len(update.Ops)))
	case wire.FrameSyncStep2:
		var step wire.SyncStep2
		if err := codec.Unmarshal(body, &step); err != nil {
			h.logger.Warn("fanout: bad snapshot", "room", room, "error", err)
			return
		}
		if err := applyDiff(target.doc, step); err != nil {
			h.logger.Warn("fanout: snapshot rejected", "room", room, "error", err)
			return
		}
		h.mu.Lock()
		target.durable.Merge(target.doc.StateVector())
		h.mu.Unlock()
		h.broadcast(target, nil, wire.FrameSyncStep2, step, wire.CompressionZstd)
	case wire.FrameAwareness:
		var batch wire.AwarenessBatch
		if err := codec.Unmarshal(body, &batch); err != nil {
			h.logger.Warn("fanout: bad awareness", "room", room, "error", err)
			return
		}
		changed := h.mergeAwareness(target, batch.States)
		if len(changed) > 0 {
			h.broadcast(target, nil, wire.FrameAwareness, wire.AwarenessBatch{Room: room, States: changed}, wire.CompressionLZ4)
		}
	default:
		h.logger.Warn("fanout: unexpected frame", "room", room, "type", wire.FrameTypeName(frameType))
	}
}

// hubSession is one accepted connection. The rooms and client fields
// are owned by the session's read goroutine; the mutex guards only
// what the reaper inspects.
type hubSession struct {
	hub    *Hub
	conn   net.Conn
	logger *slog.Logger
	writer *frameWriter
	done   chan struct{}

	client ident.ClientID
	rooms  map[string]*hubRoom

	mu       sync.Mutex
	lastSeen time.Time
	closed   bool
}

func (s *hubSession) shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
	s.conn.Close()
}

func (s *hubSession) touch() {
	s.mu.Lock()
	s.lastSeen = s.hub.clock.Now()
	s.mu.Unlock()
}

func (s *hubSession) lastSeenTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

func (s *hubSession) readLoop(ctx context.Context) error {
	for {
		frame, err := wire.ReadFrame(s.conn)
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
			}
			return err
		}
		s.touch()
		body, err := wire.DecodePayload(frame.Payload)
		if err != nil {
			return protocolErrorf("decode %s payload: %w", wire.FrameTypeName(frame.Type), err)
		}
		if err := s.handleFrame(ctx, frame.Type, body); err != nil {
			return err
		}
	}
}

func (s *hubSession) handleFrame(ctx context.Context, frameType byte, body []byte) error {
	switch frameType {
	case wire.FrameHello:
		var hello wire.Hello
		if err := codec.Unmarshal(body, &hello); err != nil {
			return protocolErrorf("decode hello: %w", err)
		}
		return s.onHello(ctx, hello)
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
		return s.onStep2(ctx, step)
	case wire.FrameUpdate:
		var update wire.Update
		if err := codec.Unmarshal(body, &update); err != nil {
			return protocolErrorf("decode update: %w", err)
		}
		return s.onUpdate(ctx, update)
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
		return s.onAwareness(ctx, batch)
	default:
		return protocolErrorf("unknown frame type 0x%02x", frameType)
	}
}

// onHello joins the session to a room and answers with the relay's
// own hello, its state vector, and the room's accumulated presence.
// A repeated hello for a joined room restarts that room's handshake,
// which is how a client re-attaches mid-session.
func (s *hubSession) onHello(ctx context.Context, hello wire.Hello) error {
	if hello.ProtocolVersion != wire.ProtocolVersion {
		// Answer with our version so the peer can classify the skew
		// before the connection drops.
		s.writer.send(wire.FrameHello, wire.Hello{
			Room:            hello.Room,
			ProtocolVersion: wire.ProtocolVersion,
		}, wire.CompressionLZ4)
		return protocolErrorf("room %q: peer speaks protocol %d, this relay speaks %d",
			hello.Room, hello.ProtocolVersion, wire.ProtocolVersion)
	}
	if s.hub.cfg.Token != "" && hello.Token != s.hub.cfg.Token {
		return protocolErrorf("room %q: join token rejected", hello.Room)
	}
	if hello.Client == 0 {
		return protocolErrorf("room %q: hello without client id", hello.Room)
	}
	if s.client != 0 && s.client != hello.Client {
		return protocolErrorf("room %q: client id changed mid-session from %d to %d",
			hello.Room, s.client, hello.Client)
	}
	s.client = hello.Client

	room, err := s.hub.room(ctx, hello.Room)
	if err != nil {
		return fmt.Errorf("room %q: %w", hello.Room, err)
	}
	s.rooms[hello.Room] = room
	s.hub.addMember(room, s)
	s.logger.Info("client joined room", "room", hello.Room, "peer", hello.Client)

	s.writer.send(wire.FrameHello, wire.Hello{
		Room:            hello.Room,
		ProtocolVersion: wire.ProtocolVersion,
		Client:          room.doc.ClientID(),
	}, wire.CompressionLZ4)
	s.writer.send(wire.FrameSyncStep1, wire.SyncStep1{
		Room:        hello.Room,
		StateVector: room.doc.StateVector(),
	}, wire.CompressionLZ4)
	if view := s.hub.awarenessView(room); len(view.States) > 0 {
		s.writer.send(wire.FrameAwareness, view, wire.CompressionLZ4)
	}
	return nil
}

// onStep1 answers a member's state vector with its diff.
func (s *hubSession) onStep1(step wire.SyncStep1) error {
	room := s.rooms[step.Room]
	if room == nil {
		return protocolErrorf("sync-step-1 for room %q without hello", step.Room)
	}
	diff, preferred, err := buildDiff(step.Room, room.doc, step.StateVector)
	if err != nil {
		return err
	}
	s.writer.send(wire.FrameSyncStep2, diff, preferred)
	return nil
}

// onStep2 folds a member's diff into the room and acknowledges it.
func (s *hubSession) onStep2(ctx context.Context, step wire.SyncStep2) error {
	room := s.rooms[step.Room]
	if room == nil {
		return protocolErrorf("sync-step-2 for room %q without hello", step.Room)
	}
	if step.Snapshot != nil {
		if err := s.applySnapshot(ctx, room, step); err != nil {
			return err
		}
	} else if err := s.applyOps(ctx, room, step.Room, step.Ops); err != nil {
		return err
	}
	s.writer.send(wire.FrameAck, wire.Ack{
		Room:        step.Room,
		StateVector: room.doc.StateVector(),
	}, wire.CompressionLZ4)
	return nil
}

// onUpdate folds streamed operations into the room and acknowledges
// them.
func (s *hubSession) onUpdate(ctx context.Context, update wire.Update) error {
	room := s.rooms[update.Room]
	if room == nil {
		return protocolErrorf("update for room %q without hello", update.Room)
	}
	if err := s.applyOps(ctx, room, update.Room, update.Ops); err != nil {
		return err
	}
	s.writer.send(wire.FrameAck, wire.Ack{
		Room:        update.Room,
		StateVector: room.doc.StateVector(),
	}, wire.CompressionLZ4)
	return nil
}

// onAck records liveness. The vector itself needs no action: resync
// covers gaps, so nothing queues behind a member's watermark.
func (s *hubSession) onAck(ack wire.Ack) error {
	if s.rooms[ack.Room] == nil {
		return protocolErrorf("ack for room %q without hello", ack.Room)
	}
	return nil
}

func (s *hubSession) onAwareness(ctx context.Context, batch wire.AwarenessBatch) error {
	room := s.rooms[batch.Room]
	if room == nil {
		return protocolErrorf("awareness for room %q without hello", batch.Room)
	}
	changed := s.hub.mergeAwareness(room, batch.States)
	if len(changed) == 0 {
		return nil
	}
	relay := wire.AwarenessBatch{Room: batch.Room, States: changed}
	s.hub.broadcast(room, s, wire.FrameAwareness, relay, wire.CompressionLZ4)
	if s.hub.cfg.Fanout != nil {
		s.hub.cfg.Fanout.Publish(ctx, batch.Room, wire.FrameAwareness, relay)
	}
	return nil
}

// applyOps integrates member operations into the room replica,
// persists the ones the store does not hold yet, and relays them to
// the room's other members and to peer instances. Nothing is
// announced unless it is durable first: an op the store refused
// stays unacknowledged in the durable watermark and is appended again
// when the next diff or update carries it.
func (s *hubSession) applyOps(ctx context.Context, room *hubRoom, roomName string, ops []document.Op) error {
	if len(ops) == 0 {
		return nil
	}
	h := s.hub
	h.mu.Lock()
	durable := room.durable.Clone()
	h.mu.Unlock()

	fresh := make([]document.Op, 0, len(ops))
	for _, op := range ops {
		if op.ID.Clock > durable.Get(op.ID.Client) {
			fresh = append(fresh, op)
		}
	}
	if _, err := room.doc.ApplyRemote(ops); err != nil {
		return protocolErrorf("room %q: %w", roomName, err)
	}
	if len(fresh) == 0 {
		return nil
	}
	if err := h.cfg.Store.Append(ctx, roomName, fresh); err != nil {
		s.logger.Error("append failed, update not relayed",
			"room", roomName, "ops", len(fresh), "error", err)
		return nil
	}
	h.mu.Lock()
	for _, op := range fresh {
		room.durable.Observe(op.ID)
	}
	h.mu.Unlock()

	update := wire.Update{Room: roomName, Ops: fresh}
	h.broadcast(room, s, wire.FrameUpdate, update, wire.CompressionLZ4)
	h.opsRelayed.Add(uint64(len(fresh)))
	if h.cfg.Fanout != nil {
		h.cfg.Fanout.Publish(ctx, roomName, wire.FrameUpdate, update)
	}
	return nil
}

// applySnapshot handles the rare inbound direction: a member whose
// compaction floor passed this relay sends whole state instead of a
// diff. The merged result becomes the room's new stored snapshot and
// is re-broadcast as a snapshot, since the operations it folds no
// longer exist individually.
func (s *hubSession) applySnapshot(ctx context.Context, room *hubRoom, step wire.SyncStep2) error {
	if err := applyDiff(room.doc, step); err != nil {
		return err
	}
	snap, err := room.doc.EncodeState()
	if err != nil {
		return fmt.Errorf("room %q: encode merged state: %w", step.Room, err)
	}
	if err := s.hub.cfg.Store.SaveSnapshot(ctx, step.Room, snap, snap.StateVector); err != nil {
		s.logger.Error("snapshot save failed, not relayed", "room", step.Room, "error", err)
		return nil
	}
	s.hub.mu.Lock()
	room.durable.Merge(snap.StateVector)
	s.hub.mu.Unlock()
	data, err := snap.Marshal()
	if err != nil {
		return fmt.Errorf("room %q: marshal merged state: %w", step.Room, err)
	}
	relay := wire.SyncStep2{Room: step.Room, Snapshot: wire.NewSnapshotEnvelope(data)}
	s.hub.broadcast(room, s, wire.FrameSyncStep2, relay, wire.CompressionZstd)
	if s.hub.cfg.Fanout != nil {
		s.hub.cfg.Fanout.Publish(ctx, step.Room, wire.FrameSyncStep2, relay)
	}
	s.logger.Info("member snapshot merged", "room", step.Room, "peer", s.client)
	return nil
}
