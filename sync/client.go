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
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bureau-foundation/loom/awareness"
	"github.com/bureau-foundation/loom/document"
	"github.com/bureau-foundation/loom/lib/clock"
	"github.com/bureau-foundation/loom/lib/ident"
	"github.com/bureau-foundation/loom/transport"
)

const (
	// DefaultStepTimeout bounds how long a room may sit in one
	// handshake phase before the session is abandoned.
	DefaultStepTimeout = 30 * time.Second

	// DefaultHeartbeatInterval is the idle ack cadence. It must stay
	// comfortably inside the relay's heartbeat window.
	DefaultHeartbeatInterval = 20 * time.Second

	// DefaultInitialBackoff and DefaultMaxBackoff bound the reconnect
	// schedule: exponential with jitter between these two.
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 30 * time.Second

	// DefaultProtocolErrorLimit is how many consecutive sessions may
	// end in a peer protocol violation before the client parks in the
	// terminal error state instead of replaying the same garbage.
	DefaultProtocolErrorLimit = 3

	// stateBuffer is each States subscriber's channel capacity.
	stateBuffer = 8
)

// ClientConfig configures a sync client.
type ClientConfig struct {
	// Dialer and Address locate the peer for Connect. Both may be
	// empty for a client that only adopts inbound connections via
	// HandleConn.
	Dialer  transport.Dialer
	Address string

	// Client identifies this replica. Required.
	Client ident.ClientID

	// Logger is required.
	Logger *slog.Logger

	// Clock defaults to the real clock.
	Clock clock.Clock

	// Token is presented in every hello. A relay configured with a
	// token rejects sessions that do not present it.
	Token string

	// StepTimeout bounds each handshake phase per room. Zero means
	// DefaultStepTimeout.
	StepTimeout time.Duration

	// HeartbeatInterval is the idle ack cadence. Zero means
	// DefaultHeartbeatInterval.
	HeartbeatInterval time.Duration

	// InitialBackoff and MaxBackoff bound the reconnect schedule.
	// Zero means the defaults.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// MaxRetries caps consecutive sessions that end before reaching
	// Synced; when reached the client parks in the terminal error
	// state. Zero retries forever.
	MaxRetries int

	// ProtocolErrorLimit caps consecutive sessions ended by peer
	// protocol violations. Zero means DefaultProtocolErrorLimit.
	ProtocolErrorLimit int
}

// roomBinding is one attached room: its replica and, optionally, its
// presence tracker.
type roomBinding struct {
	doc     *document.Doc
	tracker *awareness.Tracker
}

// Client keeps a set of attached room documents converged with a peer
// over one connection. Connect starts a supervision loop that dials,
// hands the connection to a session, and redials under exponential
// backoff when the session ends; HandleConn instead adopts a
// connection somebody else established, for direct peer sync.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger
	clock  clock.Clock

	mu       sync.Mutex
	rooms    map[string]roomBinding
	state    ConnState
	lastErr  error
	subs     map[uint64]chan ConnState
	nextSub  uint64
	session  *clientSession
	cancel   context.CancelFunc
	running  bool
	closed   bool
	sessions uint64
	protoErr uint64
}

// ClientStats is a point-in-time snapshot for logs and health
// surfaces.
type ClientStats struct {
	State ConnState
	Rooms int

	// Sessions counts attempts that dialed successfully.
	Sessions uint64

	// ProtocolErrors counts sessions ended by a peer protocol
	// violation.
	ProtocolErrors uint64
}

// NewClient validates the configuration and returns an idle client in
// the disconnected state.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Client == 0 {
		return nil, fmt.Errorf("sync: client ID is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("sync: logger is required")
	}
	if (cfg.Dialer == nil) != (cfg.Address == "") {
		return nil, fmt.Errorf("sync: dialer and address must be set together")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.ProtocolErrorLimit <= 0 {
		cfg.ProtocolErrorLimit = DefaultProtocolErrorLimit
	}
	return &Client{
		cfg:    cfg,
		logger: cfg.Logger.With("client", cfg.Client),
		clock:  cfg.Clock,
		rooms:  make(map[string]roomBinding),
		state:  StateDisconnected,
		subs:   make(map[uint64]chan ConnState),
	}, nil
}

// Attach binds a room's document (and optionally its presence
// tracker) to this client. On a live session the room's handshake
// starts immediately; otherwise it runs when a session is next
// established.
func (c *Client) Attach(room string, doc *document.Doc, tracker *awareness.Tracker) error {
	if room == "" {
		return fmt.Errorf("sync: room is required")
	}
	if doc == nil {
		return fmt.Errorf("sync: document is required")
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if _, exists := c.rooms[room]; exists {
		c.mu.Unlock()
		return fmt.Errorf("sync: room %q is already attached", room)
	}
	c.rooms[room] = roomBinding{doc: doc, tracker: tracker}
	session := c.session
	c.mu.Unlock()

	if session != nil {
		session.startRoom(room)
	}
	return nil
}

// Detach unbinds a room. The peer is not told: frames still arriving
// for the room are dropped at dispatch, and a relay keeps the
// membership until the connection ends.
func (c *Client) Detach(room string) {
	c.mu.Lock()
	_, existed := c.rooms[room]
	delete(c.rooms, room)
	session := c.session
	c.mu.Unlock()

	if existed && session != nil {
		session.stopRoom(room)
	}
}

// Connect starts the supervision loop and returns once it is running;
// progress streams through States. Cancelling ctx stops the loop and
// returns the client to the disconnected state.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	if c.cfg.Dialer == nil {
		return fmt.Errorf("sync: client has no dialer configured")
	}
	if c.running {
		return fmt.Errorf("sync: client is already connecting")
	}
	if c.session != nil {
		return fmt.Errorf("sync: a peer session is already live")
	}
	if c.state.Terminal() {
		return fmt.Errorf("sync: client is in the terminal error state, call Reconnect")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	go c.run(runCtx)
	return nil
}

// Reconnect clears the terminal error state and starts the
// supervision loop over with fresh retry budgets.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if !c.state.Terminal() {
		c.mu.Unlock()
		return fmt.Errorf("sync: reconnect from state %s, want %s", c.state, StateError)
	}
	c.lastErr = nil
	c.mu.Unlock()

	c.setState(StateDisconnected)
	return c.Connect(ctx)
}

// HandleConn adopts an inbound connection as this client's session,
// for direct peer sync where the other side dialed us. The handshake
// is symmetric, so the session runs exactly like a dialed one; there
// is no retry loop because the dialing side owns reconnection. The
// call blocks until the session ends, matching the transport
// connection-handler shape. A connection arriving while a session is
// live is refused.
func (c *Client) HandleConn(conn net.Conn) {
	c.mu.Lock()
	if c.closed || c.running || c.session != nil {
		c.mu.Unlock()
		conn.Close()
		return
	}
	session := newClientSession(c, conn)
	c.session = session
	c.sessions++
	c.mu.Unlock()

	c.setState(StateConnecting)
	err := session.run(context.Background())

	c.mu.Lock()
	c.session = nil
	if err != nil && isProtocolError(err) {
		c.protoErr++
	}
	closed := c.closed
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("peer session ended", "error", err)
	}
	if !closed {
		c.setState(StateDisconnected)
	}
}

// Close tears down the current session, stops the supervision loop,
// and refuses further work.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	session := c.session
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if session != nil {
		session.fail(ErrClientClosed)
	}
	c.setState(StateDisconnected)
	return nil
}

// Push streams freshly committed local operations for an attached
// room. While disconnected it is a no-op: the operations are already
// in the document, and the next handshake's diff carries them.
func (c *Client) Push(room string, ops []document.Op) {
	if len(ops) == 0 {
		return
	}
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return
	}
	session.pushUpdate(room, ops)
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the error that parked the client in the terminal
// state, or nil.
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// States returns a channel streaming connection state changes. Each
// call registers an independent subscriber that lives as long as the
// client; the current state is delivered immediately, and a
// subscriber that falls behind loses oldest updates first.
func (c *Client) States() <-chan ConnState {
	ch := make(chan ConnState, stateBuffer)
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	state := c.state
	c.mu.Unlock()
	ch <- state
	return ch
}

// Stats returns a snapshot of the client's counters.
func (c *Client) Stats() ClientStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ClientStats{
		State:          c.state,
		Rooms:          len(c.rooms),
		Sessions:       c.sessions,
		ProtocolErrors: c.protoErr,
	}
}

// setState publishes a state change to every subscriber, newest wins.
func (c *Client) setState(state ConnState) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	subs := make([]chan ConnState, 0, len(c.subs))
	for _, ch := range c.subs {
		subs = append(subs, ch)
	}
	c.mu.Unlock()

	for _, ch := range subs {
		for {
			select {
			case ch <- state:
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

func (c *Client) binding(room string) (roomBinding, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.rooms[room]
	return b, ok
}

func (c *Client) attachedRooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

// run is the supervision loop: dial, run the session, classify the
// ending, back off, repeat. Two failure budgets gate the loop.
// MaxRetries counts consecutive sessions that never reached Synced,
// for unreachable peers. The protocol streak counts consecutive
// sessions ended by peer violations, because redialing a peer that
// sends garbage replays the same garbage.
func (c *Client) run(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		c.running = false
		c.cancel = nil
		c.mu.Unlock()
		// Disconnected is published only after running clears, so a
		// caller that observes the state can Connect immediately.
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
		}
	}()

	schedule := c.newBackoff()
	failedSessions := 0
	protocolStreak := 0

	for {
		c.setState(StateConnecting)
		reachedSynced, err := c.runSession(ctx)
		if ctx.Err() != nil {
			return
		}

		if reachedSynced {
			failedSessions = 0
			schedule.Reset()
		} else {
			failedSessions++
		}
		if err != nil && isProtocolError(err) {
			protocolStreak++
			c.mu.Lock()
			c.protoErr++
			c.mu.Unlock()
		} else {
			protocolStreak = 0
		}
		c.logger.Warn("session ended",
			"error", err,
			"synced", reachedSynced,
			"failed_sessions", failedSessions,
			"protocol_streak", protocolStreak)

		if protocolStreak >= c.cfg.ProtocolErrorLimit {
			c.terminal(fmt.Errorf("sync: %d consecutive protocol failures: %w", protocolStreak, err))
			return
		}
		if c.cfg.MaxRetries > 0 && failedSessions >= c.cfg.MaxRetries {
			c.terminal(fmt.Errorf("sync: %d consecutive failed connection attempts: %w", failedSessions, err))
			return
		}

		c.setState(StateReconnecting)
		wait := schedule.NextBackOff()
		c.logger.Debug("reconnecting", "backoff", wait)
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(wait):
		}
	}
}

// runSession dials once and drives the session to its end, reporting
// whether it ever reached Synced.
func (c *Client) runSession(ctx context.Context) (bool, error) {
	conn, err := c.cfg.Dialer.DialContext(ctx, c.cfg.Address)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.cfg.Address, err)
	}

	session := newClientSession(c, conn)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return false, ErrClientClosed
	}
	c.session = session
	c.sessions++
	c.mu.Unlock()

	err = session.run(ctx)

	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
	return session.sawSynced(), err
}

// terminal parks the client in the error state. Only Reconnect leaves
// it.
func (c *Client) terminal(err error) {
	c.logger.Error("giving up on peer", "error", err)
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	c.setState(StateError)
}

// newBackoff builds the reconnect schedule: exponential with jitter,
// capped, never expiring on its own. Retry budgets live in the run
// loop, not the schedule.
func (c *Client) newBackoff() *backoff.ExponentialBackOff {
	schedule := &backoff.ExponentialBackOff{
		InitialInterval:     c.cfg.InitialBackoff,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         c.cfg.MaxBackoff,
		Clock:               c.clock,
	}
	schedule.Reset()
	return schedule
}
