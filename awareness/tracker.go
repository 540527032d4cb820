// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package awareness

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bureau-foundation/loom/lib/clock"
	"github.com/bureau-foundation/loom/lib/codec"
	"github.com/bureau-foundation/loom/lib/ident"
	"github.com/bureau-foundation/loom/wire"
)

const (
	// DefaultTTL is how long a peer entry stays live without a
	// refresh.
	DefaultTTL = 30 * time.Second

	// DefaultFlushInterval throttles outbound announcements: however
	// often SetLocal is called, at most one batch per interval leaves
	// the tracker.
	DefaultFlushInterval = 250 * time.Millisecond

	// reapInterval is how often the Run loop checks for lapsed
	// entries and due re-announcements.
	reapInterval = time.Second
)

// Event classifies a change to a peer's presence.
type Event uint8

const (
	// EventJoin fires the first time a client's state is seen.
	EventJoin Event = iota + 1
	// EventUpdate fires when a known client's state changes.
	EventUpdate
	// EventLeave fires when a client announces departure or its entry
	// lapses past the TTL.
	EventLeave
)

func (e Event) String() string {
	switch e {
	case EventJoin:
		return "join"
	case EventUpdate:
		return "update"
	case EventLeave:
		return "leave"
	default:
		return fmt.Sprintf("event(%d)", uint8(e))
	}
}

// Entry is one client's presence as currently known.
type Entry struct {
	Client ident.ClientID
	Seq    uint64
	// State is the client's opaque presence blob. Nil announces
	// departure.
	State codec.RawMessage
	// Expires is when the entry lapses without a refresh. Zero for
	// the local entry, which never expires locally.
	Expires time.Time
}

// Callback observes presence changes. For EventLeave the entry holds
// the client's last known state.
type Callback func(Event, Entry)

// Config configures a Tracker.
type Config struct {
	// Room names the document this tracker announces into. Required.
	Room string

	// Client is the local client id. Required.
	Client ident.ClientID

	// Logger receives structured diagnostics. Required.
	Logger *slog.Logger

	// Clock drives throttling, expiry, and re-announcement.
	// Defaults to the real clock.
	Clock clock.Clock

	// TTL overrides DefaultTTL when positive.
	TTL time.Duration

	// FlushInterval overrides DefaultFlushInterval when positive.
	FlushInterval time.Duration
}

// Tracker tracks presence for one document replica.
//
// All methods are safe for concurrent use. Callbacks run one at a
// time in arrival order, outside the tracker lock, so a callback may
// call back into the tracker.
type Tracker struct {
	cfg    Config
	logger *slog.Logger
	clock  clock.Clock

	mu       sync.Mutex
	localSeq uint64
	local    codec.RawMessage
	localSet bool
	// announced is when the local entry last left the tracker;
	// re-announcement is due a third of a TTL later so peers never
	// see the local entry lapse.
	announced time.Time
	flushing  bool
	peers     map[ident.ClientID]Entry

	subs    map[uint64]Callback
	nextSub uint64

	eventQueue []queuedEvent
	notifying  bool

	outbound chan wire.AwarenessBatch
}

type queuedEvent struct {
	event Event
	entry Entry
}

// NewTracker builds a Tracker for one document.
func NewTracker(cfg Config) (*Tracker, error) {
	if cfg.Room == "" {
		return nil, fmt.Errorf("awareness: Room is required")
	}
	if cfg.Client == 0 {
		return nil, fmt.Errorf("awareness: Client is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("awareness: Logger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	return &Tracker{
		cfg:      cfg,
		logger:   cfg.Logger.With("room", cfg.Room),
		clock:    cfg.Clock,
		peers:    make(map[ident.ClientID]Entry),
		subs:     make(map[uint64]Callback),
		outbound: make(chan wire.AwarenessBatch, 16),
	}, nil
}

// Outbound returns the channel of announcement batches a sync session
// forwards to its peer. The channel is never closed; a slow or absent
// consumer sheds the oldest batch, keeping the latest state.
func (t *Tracker) Outbound() <-chan wire.AwarenessBatch {
	return t.outbound
}

// SetLocal replaces the local presence state and schedules an
// announcement. A nil state announces departure, equivalent to Clear.
func (t *Tracker) SetLocal(state codec.RawMessage) {
	t.mu.Lock()
	t.localSeq++
	t.local = state
	t.localSet = state != nil
	t.scheduleFlushLocked()
	t.mu.Unlock()
}

// Clear announces departure: peers remove the local entry on receipt
// instead of waiting for its TTL.
func (t *Tracker) Clear() {
	t.SetLocal(nil)
}

// LocalEntry returns the local announcement as it would go on the
// wire, and whether any state is set. Sync sessions use it to
// re-announce presence right after a reconnect.
func (t *Tracker) LocalEntry() (wire.AwarenessState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.localSet {
		return wire.AwarenessState{}, false
	}
	return t.localStateLocked(), true
}

func (t *Tracker) localStateLocked() wire.AwarenessState {
	return wire.AwarenessState{
		Client:    t.cfg.Client,
		Seq:       t.localSeq,
		State:     t.local,
		TTLMillis: uint64(t.cfg.TTL / time.Millisecond),
	}
}

// scheduleFlushLocked arms the throttle timer if it is not already
// pending. Called with t.mu held.
func (t *Tracker) scheduleFlushLocked() {
	if t.flushing {
		return
	}
	t.flushing = true
	t.clock.AfterFunc(t.cfg.FlushInterval, t.flush)
}

// flush publishes the local entry to the outbound channel.
func (t *Tracker) flush() {
	t.mu.Lock()
	t.flushing = false
	state := t.localStateLocked()
	t.announced = t.clock.Now()
	t.mu.Unlock()

	t.publish(wire.AwarenessBatch{
		Room:   t.cfg.Room,
		States: []wire.AwarenessState{state},
	})
}

// publish pushes a batch, shedding the oldest pending batch when the
// channel is full.
func (t *Tracker) publish(batch wire.AwarenessBatch) {
	for {
		select {
		case t.outbound <- batch:
			return
		default:
		}
		select {
		case <-t.outbound:
		default:
		}
	}
}

// ApplyRemote merges announcements received from a peer. Stale
// announcements (sequence at or below the known one) are dropped;
// fresher ones update the entry and notify subscribers. A nil state
// is a departure.
func (t *Tracker) ApplyRemote(states []wire.AwarenessState) {
	t.mu.Lock()
	now := t.clock.Now()
	for _, state := range states {
		if state.Client == t.cfg.Client {
			// Our own announcement reflected back by a relay.
			continue
		}
		known, exists := t.peers[state.Client]
		if exists && state.Seq <= known.Seq {
			continue
		}

		if state.State == nil {
			if exists {
				delete(t.peers, state.Client)
				known.Seq = state.Seq
				t.queueEventLocked(EventLeave, known)
			}
			continue
		}

		ttl := t.cfg.TTL
		if state.TTLMillis > 0 {
			ttl = time.Duration(state.TTLMillis) * time.Millisecond
		}
		entry := Entry{
			Client:  state.Client,
			Seq:     state.Seq,
			State:   state.State,
			Expires: now.Add(ttl),
		}
		t.peers[state.Client] = entry
		switch {
		case !exists:
			t.queueEventLocked(EventJoin, entry)
		case bytes.Equal(known.State, state.State):
			// A keepalive refresh. The entry's TTL extends but
			// subscribers see nothing.
		default:
			t.queueEventLocked(EventUpdate, entry)
		}
	}
	t.flushEventsLocked()
}

// Peers returns the live peer entries, sorted by client id. The local
// entry is not included.
func (t *Tracker) Peers() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, 0, len(t.peers))
	for _, entry := range t.peers {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Client < out[j].Client })
	return out
}

// Subscribe registers a callback for presence events. The returned
// function unregisters it; after it returns, the callback will not
// run for any later mutation.
func (t *Tracker) Subscribe(fn Callback) func() {
	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}

// Run drives expiry and periodic re-announcement until ctx is done.
// Entries past their TTL are removed with a synthesized leave event,
// so "user left" fires even when the peer vanished without an
// announcement. The local entry re-announces a third of a TTL after
// its last flush, keeping remote copies fresh.
func (t *Tracker) Run(ctx context.Context) {
	ticker := t.clock.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

// sweep runs one expiry and re-announcement pass.
func (t *Tracker) sweep() {
	t.mu.Lock()
	now := t.clock.Now()
	for client, entry := range t.peers {
		if !entry.Expires.After(now) {
			delete(t.peers, client)
			t.queueEventLocked(EventLeave, entry)
			t.logger.Debug("awareness entry lapsed", "client", client.String())
		}
	}

	refresh := t.localSet && now.Sub(t.announced) >= t.cfg.TTL/3 && !t.flushing
	if refresh {
		// A refresh must carry a fresh sequence number: peers drop
		// anything at or below the one they know.
		t.localSeq++
		t.scheduleFlushLocked()
	}
	t.flushEventsLocked()
}

func (t *Tracker) queueEventLocked(event Event, entry Entry) {
	t.eventQueue = append(t.eventQueue, queuedEvent{event: event, entry: entry})
}

// flushEventsLocked delivers queued events in order. Called with t.mu
// held; returns with it released. Delivery is single flight outside
// the lock, so callbacks may call back into the tracker.
func (t *Tracker) flushEventsLocked() {
	t.mu.Unlock()
	for {
		t.mu.Lock()
		if t.notifying || len(t.eventQueue) == 0 {
			t.mu.Unlock()
			return
		}
		next := t.eventQueue[0]
		t.eventQueue = t.eventQueue[1:]
		subs := make([]Callback, 0, len(t.subs))
		for _, fn := range t.subs {
			subs = append(subs, fn)
		}
		t.notifying = true
		t.mu.Unlock()
		for _, fn := range subs {
			fn(next.event, next.entry)
		}
		t.mu.Lock()
		t.notifying = false
		t.mu.Unlock()
	}
}
