// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package document

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/bureau-foundation/loom/lib/codec"
	"github.com/bureau-foundation/loom/lib/ident"
)

// DefaultMaxPendingOps caps how many remote operations may wait on
// missing dependencies before ApplyRemote rejects further ones.
const DefaultMaxPendingOps = 4096

// Config configures a Doc.
type Config struct {
	// Client is this replica's identity. Operation ids minted by
	// Update carry it. Required.
	Client ident.ClientID

	// Logger receives structured diagnostics. Required.
	Logger *slog.Logger

	// DropOrphanedEdits discards edits that arrive for an already
	// deleted sequence entry. The default keeps the newest payload
	// under the tombstone so a later undelete or an audit reads the
	// value the writer intended.
	DropOrphanedEdits bool

	// MaxPendingOps overrides DefaultMaxPendingOps when positive.
	MaxPendingOps int
}

// Source labels what produced a commit.
type Source uint8

const (
	// SourceLocal marks commits produced by Update on this replica.
	SourceLocal Source = iota + 1
	// SourceRemote marks commits produced by ApplyRemote.
	SourceRemote
	// SourceSnapshot marks commits produced by MergeSnapshot.
	SourceSnapshot
)

func (s Source) String() string {
	switch s {
	case SourceLocal:
		return "local"
	case SourceRemote:
		return "remote"
	case SourceSnapshot:
		return "snapshot"
	default:
		return fmt.Sprintf("source(%d)", uint8(s))
	}
}

// Commit describes one applied mutation batch. Ops lists the
// operations integrated by the batch in application order; it is nil
// for snapshot merges, whose effect is not expressible as individual
// ops. Containers names the containers whose visible state changed,
// sorted; a batch of pure duplicates produces no commit at all.
type Commit struct {
	Source     Source
	Ops        []Op
	Containers []string
}

// Stats are cumulative counters for one Doc.
type Stats struct {
	// OpsApplied counts operations integrated into the state,
	// including ones with no visible effect (lost LWW races).
	OpsApplied uint64
	// OpsDuplicate counts redeliveries dropped by the state vector.
	OpsDuplicate uint64
	// OpsBuffered counts operations that were parked at least once
	// waiting for a missing dependency.
	OpsBuffered uint64
	// OpsExpired counts operations dropped because they referenced
	// an identity this replica never integrated even though their
	// declared dependencies were satisfied. A healthy peer set never
	// produces these.
	OpsExpired uint64
	// EditsOrphaned counts edits that landed on tombstoned entries.
	EditsOrphaned uint64
	// Pending is the current parked-operation count.
	Pending int
	// SnapshotsMerged counts MergeSnapshot calls that decoded.
	SnapshotsMerged uint64
	// TombstonesPruned counts payloads and registers freed by
	// Compact.
	TombstonesPruned uint64
}

// Doc is one convergent document replica: a set of named containers,
// the state vector summarizing which operations are integrated, a
// buffer for remote operations whose dependencies have not arrived,
// and the per-client history that answers sync diffs.
//
// All methods are safe for concurrent use. A single mutex serializes
// mutation; read methods copy out under it. Nothing blocks on I/O
// while the mutex is held.
type Doc struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	clock      uint64
	sv         ident.StateVector
	containers map[string]*container
	pending    *pendingSet
	history    *history
	// folded is the per-client watermark at or below which history
	// no longer holds individual operations (they were compacted or
	// arrived folded inside a snapshot). Peers behind it get a
	// snapshot instead of an op diff.
	folded  ident.StateVector
	horizon uint64
	stats   Stats

	commitHook  func(Commit)
	commitQueue []Commit
	notifying   bool
}

// New builds an empty document replica.
func New(cfg Config) (*Doc, error) {
	if cfg.Client == 0 {
		return nil, fmt.Errorf("document: Client is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("document: Logger is required")
	}
	if cfg.MaxPendingOps <= 0 {
		cfg.MaxPendingOps = DefaultMaxPendingOps
	}
	return &Doc{
		cfg:        cfg,
		logger:     cfg.Logger.With("client", cfg.Client),
		sv:         ident.NewStateVector(),
		containers: make(map[string]*container),
		pending:    newPendingSet(cfg.MaxPendingOps),
		history:    newHistory(),
		folded:     ident.NewStateVector(),
	}, nil
}

// ClientID returns this replica's identity.
func (d *Doc) ClientID() ident.ClientID {
	return d.cfg.Client
}

// StateVector returns a copy of the integration watermarks.
func (d *Doc) StateVector() ident.StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sv.Clone()
}

// TombstoneHorizon returns the clock at or below which tombstone
// payloads have been discarded.
func (d *Doc) TombstoneHorizon() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.horizon
}

// Stats returns a copy of the counters.
func (d *Doc) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats
	s.Pending = d.pending.len()
	return s
}

// Containers lists the containers sorted by name.
func (d *Doc) Containers() []ContainerInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ContainerInfo, 0, len(d.containers))
	for _, c := range d.containers {
		out = append(out, ContainerInfo{Name: c.name, Kind: c.kind, Len: c.length()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetCommitHook installs the commit callback. Commits are delivered
// one at a time in application order, outside the document lock, so
// the callback may call back into the document; mutations it makes
// are applied immediately and their commits delivered after the
// current one returns. Pass nil to remove.
func (d *Doc) SetCommitHook(fn func(Commit)) {
	d.mu.Lock()
	d.commitHook = fn
	d.mu.Unlock()
}

// Update runs fn as one transaction against this replica. Mutations
// apply eagerly, so later calls inside fn observe earlier ones. If fn
// returns an error the operations already created still stand (there
// is no rollback; they may already be observable) and the error is
// returned. Update never blocks on network or disk.
func (d *Doc) Update(fn func(*Txn) error) error {
	d.mu.Lock()
	txn := &Txn{doc: d, touched: make(map[string]struct{})}
	err := fn(txn)
	if len(txn.ops) == 0 {
		d.mu.Unlock()
		return err
	}
	d.queueCommitLocked(Commit{
		Source:     SourceLocal,
		Ops:        txn.ops,
		Containers: sortedNames(txn.touched),
	})
	d.flushCommitsLocked()
	return err
}

// ApplyRemote integrates a batch of operations from a peer. Returns
// the number of operations integrated (duplicates and parked
// operations are not counted). Operations whose dependencies are not
// yet satisfied are parked and integrated automatically once the
// missing operations arrive; ErrPendingOverflow reports a full
// buffer. A malformed operation aborts the batch after the preceding
// operations have been applied.
func (d *Doc) ApplyRemote(ops []Op) (int, error) {
	d.mu.Lock()

	var (
		applied  []Op
		touched  = make(map[string]struct{})
		batchErr error
	)
	for i := range ops {
		op := ops[i]
		if err := op.validate(); err != nil {
			batchErr = fmt.Errorf("document: apply op %s: %w", op.ID, err)
			break
		}
		integrated, changed, err := d.processLocked(op)
		if err != nil {
			batchErr = err
			break
		}
		if integrated {
			applied = append(applied, op)
			if changed != "" {
				touched[changed] = struct{}{}
			}
		}
	}

	// Anything just integrated may satisfy dependencies of parked
	// operations; drain until no parked operation moves.
	if len(applied) > 0 {
		for {
			ready := d.pending.takeReady(d.sv)
			if len(ready) == 0 {
				break
			}
			for _, op := range ready {
				integrated, changed, err := d.processLocked(op)
				if err != nil && batchErr == nil {
					batchErr = err
				}
				if integrated {
					applied = append(applied, op)
					if changed != "" {
						touched[changed] = struct{}{}
					}
				}
			}
		}
	}

	if len(applied) == 0 {
		d.mu.Unlock()
		return 0, batchErr
	}
	n := len(applied)
	d.queueCommitLocked(Commit{
		Source:     SourceRemote,
		Ops:        applied,
		Containers: sortedNames(touched),
	})
	d.flushCommitsLocked()
	return n, batchErr
}

// processLocked runs the full integration pipeline for one validated
// remote operation: duplicate check, dependency check (parking the op
// if one is missing), then integration. Returns whether the op was
// integrated and, if its container visibly changed, the container
// name.
func (d *Doc) processLocked(op Op) (integrated bool, changedContainer string, err error) {
	if d.sv.Covers(op.ID) {
		d.stats.OpsDuplicate++
		return false, "", nil
	}
	for _, dep := range op.Deps {
		if !d.sv.Covers(dep) {
			if parkErr := d.pending.park(op, dep); parkErr != nil {
				return false, "", fmt.Errorf("document: buffer op %s waiting on %s: %w", op.ID, dep, parkErr)
			}
			d.stats.OpsBuffered++
			return false, "", nil
		}
	}
	changed, err := d.integrateLocked(op)
	if err != nil {
		return false, "", err
	}
	d.observeLocked(op)
	if changed {
		return true, op.Container, nil
	}
	return true, "", nil
}

// integrateLocked applies the operation's effect to its container.
// The caller has established that the op is new and its dependencies
// are satisfied. Reports whether visible state changed.
func (d *Doc) integrateLocked(op Op) (bool, error) {
	c, err := d.containerFor(op.Container, op.Kind)
	if err != nil {
		return false, err
	}
	switch op.Type {
	case OpInsert:
		if !op.Parent.IsZero() && !c.seq.knows(op.Parent) {
			d.dropExpiredLocked(op, "parent", op.Parent)
			return false, nil
		}
		return c.seq.insert(&atom{
			id:     op.ID,
			parent: op.Parent,
			value:  op.Value,
		}), nil

	case OpTextInsert:
		if !op.Parent.IsZero() && !c.seq.knows(op.Parent) {
			d.dropExpiredLocked(op, "parent", op.Parent)
			return false, nil
		}
		parent := op.Parent
		clock := op.ID.Clock
		changed := false
		for _, r := range op.Runes {
			id := ident.OpID{Client: op.ID.Client, Clock: clock}
			if c.seq.insert(&atom{id: id, parent: parent, r: r}) {
				changed = true
			}
			parent = id
			clock++
		}
		return changed, nil

	case OpDelete:
		if !c.seq.knows(op.Target) {
			d.dropExpiredLocked(op, "target", op.Target)
			return false, nil
		}
		return c.seq.delete(op.Target, op.ID), nil

	case OpEdit:
		if !c.seq.knows(op.Target) {
			d.dropExpiredLocked(op, "target", op.Target)
			return false, nil
		}
		changed, orphaned := c.seq.edit(op.Target, op.Value, op.ID, !d.cfg.DropOrphanedEdits)
		if orphaned {
			d.stats.EditsOrphaned++
		}
		return changed, nil

	case OpSet:
		if op.ID.Clock <= d.horizon {
			// A delete marker for this key written before the horizon
			// is gone. Applying the set could resurrect the key here
			// while replicas that still hold the marker suppress it,
			// so every replica at this horizon drops the op instead.
			// The op is still observed, keeping the sender's later
			// ops unstalled.
			d.stats.OpsExpired++
			d.logger.Warn("dropping map write below compaction horizon",
				"op", op.ID.String(), "container", op.Container, "horizon", d.horizon)
			return false, nil
		}
		return c.kv.set(op.Key, op.Value, op.ID), nil

	default:
		return false, fmt.Errorf("document: apply op %s: type %s: %w", op.ID, op.Type, ErrUnknownOp)
	}
}

// observeLocked records an integrated operation: state vector, Lamport
// clock, history. Expired operations are recorded too so the state
// vector never develops a gap that would stall the sender's later
// operations.
func (d *Doc) observeLocked(op Op) {
	last := op.LastID()
	d.sv.Observe(last)
	if last.Clock > d.clock {
		d.clock = last.Clock
	}
	d.history.append(op)
	d.stats.OpsApplied++
}

func (d *Doc) dropExpiredLocked(op Op, role string, missing ident.OpID) {
	d.stats.OpsExpired++
	d.logger.Warn("dropping operation with unknown reference",
		"op", op.ID.String(),
		"container", op.Container,
		"role", role,
		"ref", missing.String())
}

// MissingFrom computes what a peer at the given state vector lacks:
// the operations to send, in per-client clock order with clients in
// ascending id order, plus whether the peer is behind this replica's
// compaction floor and needs a snapshot instead.
func (d *Doc) MissingFrom(peer ident.StateVector) (ops []Op, snapshotNeeded bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for client, floor := range d.folded {
		if floor > peer.Get(client) {
			return nil, true
		}
	}
	return d.history.since(peer), false
}

// Compact discards bookkeeping for operations at or below the horizon
// clock: sequence tombstone payloads are freed (identity and tree
// position survive so later and concurrent references stay well
// defined), map delete markers are removed, and per-client history is
// trimmed. Peers that have not caught up past the horizon will be
// served snapshots from now on. Returns the number of tombstones
// pruned.
func (d *Doc) Compact(horizon uint64) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if horizon <= d.horizon {
		return 0
	}
	pruned := 0
	for _, c := range d.containers {
		if c.kind == KindMap {
			pruned += c.kv.pruneTombstones(horizon)
		} else {
			pruned += c.seq.pruneTombstones(horizon)
		}
	}
	d.history.trim(horizon)
	for client, mark := range d.sv {
		floor := min(mark, horizon)
		if floor > d.folded.Get(client) {
			d.folded[client] = floor
		}
	}
	d.horizon = horizon
	// Locally minted ops must land above the horizon.
	if horizon > d.clock {
		d.clock = horizon
	}
	d.stats.TombstonesPruned += uint64(pruned)
	d.logger.Debug("compacted document", "horizon", horizon, "pruned", pruned)
	return pruned
}

// nextSpanLocked mints the id for a local operation spanning the
// given number of clock ticks.
func (d *Doc) nextSpanLocked(span uint64) ident.OpID {
	first := d.clock + 1
	d.clock += span
	return ident.OpID{Client: d.cfg.Client, Clock: first}
}

// localDepsLocked builds the dependency list for a local op: this
// client's previous operation, then the structural references.
func (d *Doc) localDepsLocked(parent, target ident.OpID) []ident.OpID {
	deps := make([]ident.OpID, 0, 3)
	if prev := d.sv.Get(d.cfg.Client); prev > 0 {
		deps = append(deps, ident.OpID{Client: d.cfg.Client, Clock: prev})
	}
	for _, ref := range []ident.OpID{parent, target} {
		if ref.IsZero() {
			continue
		}
		dup := false
		for _, have := range deps {
			if have == ref {
				dup = true
				break
			}
		}
		if !dup {
			deps = append(deps, ref)
		}
	}
	return deps
}

func (d *Doc) queueCommitLocked(c Commit) {
	d.commitQueue = append(d.commitQueue, c)
}

// flushCommitsLocked delivers queued commits in order. Called with
// d.mu held; returns with it released. Delivery happens outside the
// lock and is single flight, so a callback that mutates the document
// queues its commit behind the one in flight.
func (d *Doc) flushCommitsLocked() {
	d.mu.Unlock()
	for {
		d.mu.Lock()
		if d.notifying || len(d.commitQueue) == 0 {
			d.mu.Unlock()
			return
		}
		next := d.commitQueue[0]
		d.commitQueue = d.commitQueue[1:]
		hook := d.commitHook
		d.notifying = true
		d.mu.Unlock()
		if hook != nil {
			hook(next)
		}
		d.mu.Lock()
		d.notifying = false
		d.mu.Unlock()
	}
}

func sortedNames(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// readContainer looks up a container for a read. Absent names read
// as empty rather than springing the container into existence.
func (d *Doc) readContainer(name string, kind ContainerKind) (*container, error) {
	c, ok := d.containers[name]
	if !ok {
		return nil, nil
	}
	if c.kind != kind {
		return nil, fmt.Errorf("document: container %q is %s, not %s: %w", name, c.kind, kind, ErrKindMismatch)
	}
	return c, nil
}

// ReadText returns the text container's visible content.
func (d *Doc) ReadText(name string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, err := d.readContainer(name, KindText)
	if err != nil || c == nil {
		return "", err
	}
	atoms := c.seq.visible()
	runes := make([]rune, len(atoms))
	for i, a := range atoms {
		runes[i] = a.r
	}
	return string(runes), nil
}

// ReadList returns copies of the sequence container's visible values
// in order.
func (d *Doc) ReadList(name string) ([]codec.RawMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, err := d.readContainer(name, KindSequence)
	if err != nil || c == nil {
		return nil, err
	}
	atoms := c.seq.visible()
	out := make([]codec.RawMessage, len(atoms))
	for i, a := range atoms {
		out[i] = append(codec.RawMessage(nil), a.value...)
	}
	return out, nil
}

// ReadMap returns copies of the map container's live entries.
func (d *Doc) ReadMap(name string) (map[string]codec.RawMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, err := d.readContainer(name, KindMap)
	if err != nil || c == nil {
		return map[string]codec.RawMessage{}, err
	}
	out := make(map[string]codec.RawMessage, len(c.kv.entries))
	for k, r := range c.kv.entries {
		if r.deleted() {
			continue
		}
		out[k] = append(codec.RawMessage(nil), r.value...)
	}
	return out, nil
}
