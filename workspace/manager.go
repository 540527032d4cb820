// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/bureau-foundation/loom/awareness"
	"github.com/bureau-foundation/loom/canvas"
	"github.com/bureau-foundation/loom/document"
	"github.com/bureau-foundation/loom/lib/clock"
	"github.com/bureau-foundation/loom/lib/ident"
	"github.com/bureau-foundation/loom/oplog"
	docsync "github.com/bureau-foundation/loom/sync"
)

// ErrClosed is returned by manager operations after Shutdown.
var ErrClosed = errors.New("workspace: manager is closed")

// Config configures a Manager.
type Config struct {
	// Client identifies this replica in every document the manager
	// opens. Required.
	Client ident.ClientID

	// Logger is required.
	Logger *slog.Logger

	// Store persists every open room's operation log. The manager
	// uses it but does not own it; the caller closes it after
	// Shutdown. Required.
	Store oplog.Store

	// Clock drives awareness, compaction, and reconnect timing.
	// Defaults to the real clock.
	Clock clock.Clock

	// Sync carries the relay connection settings: dialer, address,
	// token, timeouts, retry budgets. Client, Logger, and Clock are
	// filled in from this config. Leave Dialer and Address empty for
	// a workspace that syncs only over connections adopted with
	// HandleConn, or not at all.
	Sync docsync.ClientConfig

	// AwarenessTTL and AwarenessFlushInterval tune each room's
	// presence tracker. Zero means the tracker defaults.
	AwarenessTTL           time.Duration
	AwarenessFlushInterval time.Duration

	// CompactionInterval is how often stored logs fold into
	// snapshots. Zero disables background compaction; Flush and
	// Close still write snapshots.
	CompactionInterval time.Duration

	// TombstoneRetention is how many clock ticks of tombstone
	// history each compaction sweep keeps. Zero keeps tombstones
	// forever; logs still fold.
	TombstoneRetention uint64

	// DropOrphanedEdits sets every opened document's policy for
	// edits that arrive after their entry was deleted.
	DropOrphanedEdits bool
}

// Manager opens and closes rooms. Every room shares the manager's
// sync connection and store; each gets its own replica, canvas, and
// presence tracker.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	clk    clock.Clock
	store  oplog.Store
	client *docsync.Client

	// ctx outlives any single call: it carries the sync supervision
	// loop, the per-room trackers, and the compactor until Shutdown.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	handles   map[string]*DocumentHandle
	connected bool
	closed    bool
}

// NewManager validates the configuration and returns an idle manager
// with no rooms open.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Client == 0 {
		return nil, fmt.Errorf("workspace: Client is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("workspace: Logger is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("workspace: Store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}

	syncCfg := cfg.Sync
	syncCfg.Client = cfg.Client
	syncCfg.Logger = cfg.Logger
	syncCfg.Clock = cfg.Clock
	client, err := docsync.NewClient(syncCfg)
	if err != nil {
		return nil, fmt.Errorf("workspace: build sync client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:     cfg,
		logger:  cfg.Logger,
		clk:     cfg.Clock,
		store:   cfg.Store,
		client:  client,
		ctx:     ctx,
		cancel:  cancel,
		handles: make(map[string]*DocumentHandle),
	}

	if cfg.CompactionInterval > 0 {
		var horizon oplog.HorizonFunc
		if cfg.TombstoneRetention > 0 {
			horizon = oplog.RetainRecent(cfg.TombstoneRetention)
		}
		compactor, err := oplog.NewCompactor(oplog.CompactorConfig{
			Store:    cfg.Store,
			Logger:   cfg.Logger,
			Horizon:  horizon,
			Interval: cfg.CompactionInterval,
			Clock:    cfg.Clock,
		})
		if err != nil {
			cancel()
			client.Close()
			return nil, fmt.Errorf("workspace: build compactor: %w", err)
		}
		go compactor.Run(ctx)
	}
	return m, nil
}

// Open returns the room's handle, creating it on first open: the
// stored snapshot and log tail are restored into a fresh replica, the
// room attaches to the shared sync connection, and its presence
// tracker starts. Opening an already open room returns the existing
// handle. ctx bounds the restore only; the room stays open after Open
// returns.
func (m *Manager) Open(ctx context.Context, room string) (*DocumentHandle, error) {
	if room == "" {
		return nil, fmt.Errorf("workspace: room is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if h, ok := m.handles[room]; ok {
		return h, nil
	}

	doc, err := document.New(document.Config{
		Client:            m.cfg.Client,
		Logger:            m.logger,
		DropOrphanedEdits: m.cfg.DropOrphanedEdits,
	})
	if err != nil {
		return nil, fmt.Errorf("workspace: open room %q: %w", room, err)
	}

	snap, tail, err := m.store.Load(ctx, room)
	if err != nil {
		return nil, fmt.Errorf("workspace: load room %q: %w", room, err)
	}
	if snap != nil {
		if err := doc.MergeSnapshot(snap); err != nil {
			return nil, fmt.Errorf("workspace: restore room %q snapshot: %w", room, err)
		}
	}
	if len(tail) > 0 {
		if _, err := doc.ApplyRemote(tail); err != nil {
			return nil, fmt.Errorf("workspace: replay room %q log: %w", room, err)
		}
	}

	cv, err := canvas.New(doc)
	if err != nil {
		return nil, fmt.Errorf("workspace: open room %q: %w", room, err)
	}
	tracker, err := awareness.NewTracker(awareness.Config{
		Room:          room,
		Client:        m.cfg.Client,
		Logger:        m.logger,
		Clock:         m.clk,
		TTL:           m.cfg.AwarenessTTL,
		FlushInterval: m.cfg.AwarenessFlushInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("workspace: open room %q: %w", room, err)
	}

	trackerCtx, stopTracker := context.WithCancel(m.ctx)
	h := &DocumentHandle{
		room:        room,
		manager:     m,
		doc:         doc,
		canvas:      cv,
		tracker:     tracker,
		errs:        make(chan error, errorBuffer),
		stopTracker: stopTracker,
	}
	doc.SetCommitHook(h.onCommit)

	if err := m.client.Attach(room, doc, tracker); err != nil {
		doc.SetCommitHook(nil)
		stopTracker()
		return nil, fmt.Errorf("workspace: attach room %q: %w", room, err)
	}
	go tracker.Run(trackerCtx)

	if m.cfg.Sync.Dialer != nil && !m.connected {
		if err := m.client.Connect(m.ctx); err != nil {
			m.client.Detach(room)
			doc.SetCommitHook(nil)
			stopTracker()
			return nil, fmt.Errorf("workspace: connect: %w", err)
		}
		m.connected = true
	}

	m.handles[room] = h
	return h, nil
}

// Close flushes the room's state into a stored snapshot and releases
// it: the room detaches from the sync connection, its tracker stops,
// and the handle goes stale.
func (m *Manager) Close(ctx context.Context, room string) error {
	m.mu.Lock()
	h, ok := m.handles[room]
	delete(m.handles, room)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("workspace: room %q is not open", room)
	}
	return m.closeHandle(ctx, h)
}

func (m *Manager) closeHandle(ctx context.Context, h *DocumentHandle) error {
	m.client.Detach(h.room)
	h.doc.SetCommitHook(nil)
	h.stopTracker()
	return h.Flush(ctx)
}

// Rooms lists the open rooms sorted by name.
func (m *Manager) Rooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	rooms := make([]string, 0, len(m.handles))
	for room := range m.handles {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

// Reconnect clears a terminal sync error and resumes the supervision
// loop with fresh retry budgets. It fails while the connection is
// healthy.
func (m *Manager) Reconnect() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.connected = true
	m.mu.Unlock()
	return m.client.Reconnect(m.ctx)
}

// HandleConn adopts an inbound connection for direct peer sync. The
// call blocks until the session ends; every open room handshakes over
// the adopted connection.
func (m *Manager) HandleConn(conn net.Conn) {
	m.client.HandleConn(conn)
}

// SyncStats reports the shared connection's counters.
func (m *Manager) SyncStats() docsync.ClientStats {
	return m.client.Stats()
}

// Shutdown closes every open room (flushing each into a stored
// snapshot), stops the sync connection, and halts background work.
// The store stays open; it belongs to the caller.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	handles := make([]*DocumentHandle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.handles = make(map[string]*DocumentHandle)
	m.mu.Unlock()

	sort.Slice(handles, func(i, j int) bool { return handles[i].room < handles[j].room })

	var errs []error
	for _, h := range handles {
		if err := m.closeHandle(ctx, h); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.client.Close(); err != nil {
		errs = append(errs, err)
	}
	m.cancel()
	return errors.Join(errs...)
}
