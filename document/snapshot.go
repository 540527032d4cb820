// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package document

import (
	"fmt"
	"sort"

	"github.com/bureau-foundation/loom/lib/codec"
	"github.com/bureau-foundation/loom/lib/ident"
)

// SchemaVersion is the snapshot layout version this package reads
// and writes. Decoding any other version fails with
// ErrVersionMismatch; there is no silent best-effort interpretation
// of replicated state.
const SchemaVersion = 1

// Snapshot is a self-contained encoding of a document replica:
// merging it into an empty document yields this replica's state, and
// merging it into a diverged one is equivalent to applying the
// operations it folds. Containers are sorted by name and entries are
// emitted in deterministic order, so two replicas with identical
// state produce bit-identical snapshots.
type Snapshot struct {
	SchemaVersion    uint32            `cbor:"v"`
	StateVector      ident.StateVector `cbor:"sv"`
	Containers       []ContainerState  `cbor:"cs"`
	TombstoneHorizon uint64            `cbor:"th"`
}

// ContainerState is one container's encoded entries. State holds
// []seqEntry for sequence and text containers, []mapEntry for maps.
type ContainerState struct {
	Name  string           `cbor:"n"`
	Kind  ContainerKind    `cbor:"k"`
	State codec.RawMessage `cbor:"s"`
}

// seqEntry is one atom, tombstones included, in weave order so a
// parent always precedes its children.
type seqEntry struct {
	ID       ident.OpID       `cbor:"id"`
	Parent   ident.OpID       `cbor:"pa"`
	Value    codec.RawMessage `cbor:"va,omitempty"`
	Rune     string           `cbor:"rn,omitempty"`
	ValueID  ident.OpID       `cbor:"vi"`
	Deleted  bool             `cbor:"de,omitempty"`
	DeleteID ident.OpID       `cbor:"di"`
}

// mapEntry is one register, delete markers included, sorted by key.
type mapEntry struct {
	Key   string           `cbor:"ky"`
	Value codec.RawMessage `cbor:"va,omitempty"`
	ID    ident.OpID       `cbor:"id"`
}

// Marshal encodes the snapshot deterministically.
func (s *Snapshot) Marshal() ([]byte, error) {
	return codec.Marshal(s)
}

// UnmarshalSnapshot decodes a snapshot, rejecting unknown schema
// versions.
func UnmarshalSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := codec.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("document: decode snapshot: %w", err)
	}
	if s.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("document: snapshot schema %d, want %d: %w", s.SchemaVersion, SchemaVersion, ErrVersionMismatch)
	}
	return &s, nil
}

// EncodeState captures the replica as a snapshot.
func (d *Doc) EncodeState() (*Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	snap := &Snapshot{
		SchemaVersion:    SchemaVersion,
		StateVector:      d.sv.Clone(),
		TombstoneHorizon: d.horizon,
	}
	names := make([]string, 0, len(d.containers))
	for name := range d.containers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c := d.containers[name]
		state, err := encodeContainerState(c)
		if err != nil {
			return nil, fmt.Errorf("document: encode container %q: %w", name, err)
		}
		snap.Containers = append(snap.Containers, ContainerState{
			Name:  c.name,
			Kind:  c.kind,
			State: state,
		})
	}
	return snap, nil
}

func encodeContainerState(c *container) (codec.RawMessage, error) {
	if c.kind == KindMap {
		keys := make([]string, 0, len(c.kv.entries))
		for k := range c.kv.entries {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		entries := make([]mapEntry, 0, len(keys))
		for _, k := range keys {
			r := c.kv.entries[k]
			entries = append(entries, mapEntry{Key: k, Value: r.value, ID: r.id})
		}
		return codec.Marshal(entries)
	}

	atoms := c.seq.all()
	entries := make([]seqEntry, 0, len(atoms))
	for _, a := range atoms {
		e := seqEntry{
			ID:       a.id,
			Parent:   a.parent,
			Value:    a.value,
			ValueID:  a.valueID,
			Deleted:  a.deleted,
			DeleteID: a.deleteID,
		}
		if c.kind == KindText {
			e.Rune = string(a.r)
		}
		entries = append(entries, e)
	}
	return codec.Marshal(entries)
}

// decodedContainer is one container state decoded and structurally
// verified, ready to merge.
type decodedContainer struct {
	name       string
	kind       ContainerKind
	seqEntries []seqEntry
	mapEntries []mapEntry
}

// MergeSnapshot folds a snapshot into this replica. Entries merge
// with the same rules operations use (tombstones win, values compare
// last-writer-wins by op id), the state vector and compaction floor
// advance to cover what the snapshot folds, and any parked operations
// the snapshot satisfies are integrated. Structural problems are
// detected before anything is touched, so a failed merge leaves the
// replica unchanged.
func (d *Doc) MergeSnapshot(snap *Snapshot) error {
	if snap.SchemaVersion != SchemaVersion {
		return fmt.Errorf("document: snapshot schema %d, want %d: %w", snap.SchemaVersion, SchemaVersion, ErrVersionMismatch)
	}

	d.mu.Lock()
	decoded, err := d.validateSnapshotLocked(snap)
	if err != nil {
		d.mu.Unlock()
		return err
	}

	touched := make(map[string]struct{})
	for _, dc := range decoded {
		c, err := d.containerFor(dc.name, dc.kind)
		if err != nil {
			// validateSnapshotLocked checked kinds already.
			d.mu.Unlock()
			return err
		}
		changed := false
		if dc.kind == KindMap {
			for _, e := range dc.mapEntries {
				if c.kv.set(e.Key, e.Value, e.ID) {
					changed = true
				}
			}
		} else {
			for _, e := range dc.seqEntries {
				if mergeSeqEntry(c, e) {
					changed = true
				}
			}
		}
		if changed {
			touched[dc.name] = struct{}{}
		}
	}

	d.sv.Merge(snap.StateVector)
	d.folded.Merge(snap.StateVector)
	if m := snap.StateVector.MaxClock(); m > d.clock {
		d.clock = m
	}
	if snap.TombstoneHorizon > d.horizon {
		d.horizon = snap.TombstoneHorizon
	}
	if d.horizon > d.clock {
		d.clock = d.horizon
	}
	d.stats.SnapshotsMerged++

	if len(touched) > 0 {
		d.queueCommitLocked(Commit{
			Source:     SourceSnapshot,
			Containers: sortedNames(touched),
		})
	}

	// The snapshot may cover dependencies that parked operations
	// were waiting for.
	var drained []Op
	drainTouched := make(map[string]struct{})
	for {
		ready := d.pending.takeReady(d.sv)
		if len(ready) == 0 {
			break
		}
		for _, op := range ready {
			integrated, changed, perr := d.processLocked(op)
			if perr != nil && err == nil {
				err = perr
			}
			if integrated {
				drained = append(drained, op)
				if changed != "" {
					drainTouched[changed] = struct{}{}
				}
			}
		}
	}
	if len(drained) > 0 {
		d.queueCommitLocked(Commit{
			Source:     SourceRemote,
			Ops:        drained,
			Containers: sortedNames(drainTouched),
		})
	}

	d.flushCommitsLocked()
	return err
}

// validateSnapshotLocked decodes every container state and verifies
// structure: known kinds, no duplicate or kind-conflicting names, and
// sequence parents that resolve either locally or earlier in the
// entry list.
func (d *Doc) validateSnapshotLocked(snap *Snapshot) ([]decodedContainer, error) {
	seen := make(map[string]struct{}, len(snap.Containers))
	out := make([]decodedContainer, 0, len(snap.Containers))
	for _, cs := range snap.Containers {
		if cs.Name == "" {
			return nil, fmt.Errorf("document: snapshot container with empty name: %w", ErrMalformedOp)
		}
		if !cs.Kind.valid() {
			return nil, fmt.Errorf("document: snapshot container %q kind %d: %w", cs.Name, cs.Kind, ErrMalformedOp)
		}
		if _, dup := seen[cs.Name]; dup {
			return nil, fmt.Errorf("document: snapshot container %q repeated: %w", cs.Name, ErrMalformedOp)
		}
		seen[cs.Name] = struct{}{}
		if existing, ok := d.containers[cs.Name]; ok && existing.kind != cs.Kind {
			return nil, fmt.Errorf("document: container %q is %s, not %s: %w", cs.Name, existing.kind, cs.Kind, ErrKindMismatch)
		}

		dc := decodedContainer{name: cs.Name, kind: cs.Kind}
		if cs.Kind == KindMap {
			if err := codec.Unmarshal(cs.State, &dc.mapEntries); err != nil {
				return nil, fmt.Errorf("document: decode snapshot container %q: %w", cs.Name, err)
			}
			for _, e := range dc.mapEntries {
				if e.Key == "" || e.ID.IsZero() {
					return nil, fmt.Errorf("document: snapshot container %q has malformed register: %w", cs.Name, ErrMalformedOp)
				}
			}
		} else {
			if err := codec.Unmarshal(cs.State, &dc.seqEntries); err != nil {
				return nil, fmt.Errorf("document: decode snapshot container %q: %w", cs.Name, err)
			}
			known := make(map[ident.OpID]struct{}, len(dc.seqEntries))
			var local *rga
			if existing, ok := d.containers[cs.Name]; ok {
				local = existing.seq
			}
			for _, e := range dc.seqEntries {
				if e.ID.IsZero() {
					return nil, fmt.Errorf("document: snapshot container %q has entry with zero id: %w", cs.Name, ErrMalformedOp)
				}
				if !e.Parent.IsZero() {
					_, inSnap := known[e.Parent]
					if !inSnap && (local == nil || !local.knows(e.Parent)) {
						return nil, fmt.Errorf("document: snapshot container %q entry %s references unknown parent %s: %w", cs.Name, e.ID, e.Parent, ErrMissingDependency)
					}
				}
				known[e.ID] = struct{}{}
			}
		}
		out = append(out, dc)
	}
	return out, nil
}

// mergeSeqEntry folds one atom entry into the container. Reports
// whether visible state changed.
func mergeSeqEntry(c *container, e seqEntry) bool {
	a := c.seq.atoms[e.ID]
	if a == nil {
		na := &atom{
			id:       e.ID,
			parent:   e.Parent,
			value:    e.Value,
			valueID:  e.ValueID,
			deleted:  e.Deleted,
			deleteID: e.DeleteID,
		}
		if e.Rune != "" {
			na.r = []rune(e.Rune)[0]
		}
		c.seq.insert(na)
		return !e.Deleted
	}

	changed := false
	if e.Deleted {
		if !a.deleted {
			c.seq.delete(e.ID, e.DeleteID)
			changed = true
		} else if e.DeleteID.Less(a.deleteID) {
			a.deleteID = e.DeleteID
		}
	}
	if a.valueID.Less(e.ValueID) {
		a.value = e.Value
		a.valueID = e.ValueID
		if !a.deleted {
			changed = true
		}
	}
	return changed
}
