// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package oplog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bureau-foundation/loom/document"
	"github.com/bureau-foundation/loom/lib/clock"
	"github.com/bureau-foundation/loom/lib/ident"
)

// DefaultCompactionInterval is how often the compactor sweeps all
// rooms when CompactorConfig.Interval is zero.
const DefaultCompactionInterval = 5 * time.Minute

// rebuildClient identifies the throwaway documents the compactor
// rebuilds from storage. They never mint operations, so this ID never
// reaches a log or the wire.
const rebuildClient = ident.ClientID(1)

// HorizonFunc picks the tombstone pruning cutoff for a room, given
// the document rebuilt from its stored state. Returning zero (or a
// value at or below the document's current horizon) skips pruning for
// this cycle; the log still folds into a snapshot.
type HorizonFunc func(room string, doc *document.Doc) uint64

// RetainRecent returns a HorizonFunc that keeps tombstones within lag
// clock ticks of the newest operation and prunes everything older.
// RetainRecent(0) prunes every tombstone each cycle, which is only
// safe when all replicas sync promptly.
func RetainRecent(lag uint64) HorizonFunc {
	return func(room string, doc *document.Doc) uint64 {
		top := doc.StateVector().MaxClock()
		if top <= lag {
			return 0
		}
		return top - lag
	}
}

// CompactorConfig configures a Compactor.
type CompactorConfig struct {
	// Store is the log being compacted. Required.
	Store Store

	// Logger is required.
	Logger *slog.Logger

	// Horizon picks each room's tombstone pruning cutoff. Nil means
	// fold logs into snapshots without ever pruning tombstones.
	Horizon HorizonFunc

	// Interval between sweeps. Defaults to DefaultCompactionInterval.
	Interval time.Duration

	// Clock defaults to the real clock. Tests inject a fake.
	Clock clock.Clock
}

// Compactor periodically folds room logs into snapshots and prunes
// old tombstones. A sweep visits every room; per-room failures are
// logged and retried on the next sweep.
type Compactor struct {
	store    Store
	logger   *slog.Logger
	horizon  HorizonFunc
	interval time.Duration
	clk      clock.Clock
}

// NewCompactor validates the config and returns a Compactor.
func NewCompactor(cfg CompactorConfig) (*Compactor, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("oplog: compactor Store is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("oplog: compactor Logger is required")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultCompactionInterval
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Compactor{
		store:    cfg.Store,
		logger:   cfg.Logger,
		horizon:  cfg.Horizon,
		interval: interval,
		clk:      clk,
	}, nil
}

// Run sweeps on a ticker until the context is cancelled.
func (c *Compactor) Run(ctx context.Context) {
	ticker := c.clk.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// Sweep compacts every room once. Per-room errors are logged, not
// returned; the sweep always visits every room.
func (c *Compactor) Sweep(ctx context.Context) {
	rooms, err := c.store.Rooms(ctx)
	if err != nil {
		c.logger.Error("listing rooms for compaction", "error", err)
		return
	}
	for _, room := range rooms {
		if ctx.Err() != nil {
			return
		}
		if err := c.CompactRoom(ctx, room); err != nil {
			c.logger.Error("compacting room", "room", room, "error", err)
		}
	}
}

// CompactRoom rebuilds one room from storage, prunes tombstones past
// the horizon, and replaces its stored state with a fresh snapshot.
// Rooms whose log is already folded and fully pruned are left alone.
func (c *Compactor) CompactRoom(ctx context.Context, room string) error {
	snap, tail, err := c.store.Load(ctx, room)
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}
	if snap == nil && len(tail) == 0 {
		return nil
	}

	doc, err := document.New(document.Config{
		Client: rebuildClient,
		Logger: c.logger,
	})
	if err != nil {
		return fmt.Errorf("rebuild: %w", err)
	}
	if snap != nil {
		if err := doc.MergeSnapshot(snap); err != nil {
			return fmt.Errorf("merge snapshot: %w", err)
		}
	}
	if len(tail) > 0 {
		if _, err := doc.ApplyRemote(tail); err != nil {
			return fmt.Errorf("replay tail: %w", err)
		}
	}
	if pending := doc.Stats().Pending; pending > 0 {
		// The log references operations it does not contain. The
		// unsatisfied ops stay in the tail, uncovered by the new
		// snapshot's state vector.
		c.logger.Warn("op log has dependency gaps",
			"room", room, "pending", pending)
	}

	pruned := 0
	if c.horizon != nil {
		if cutoff := c.horizon(room, doc); cutoff > doc.TombstoneHorizon() {
			pruned = doc.Compact(cutoff)
		}
	}
	if len(tail) == 0 && pruned == 0 {
		return nil
	}

	fresh, err := doc.EncodeState()
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := c.store.SaveSnapshot(ctx, room, fresh, doc.StateVector()); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	c.logger.Info("compacted room",
		"room", room,
		"ops_folded", len(tail),
		"tombstones_pruned", pruned,
		"horizon", doc.TombstoneHorizon(),
	)
	return nil
}
