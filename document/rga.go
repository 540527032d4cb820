// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package document

import (
	"sort"

	"github.com/bureau-foundation/loom/lib/codec"
	"github.com/bureau-foundation/loom/lib/ident"
)

// atom is one identity slot in a sequence or text container. Sequence
// atoms carry a CBOR payload in value; text atoms carry a single rune
// in r. Deleted atoms stay in the tree as tombstones so concurrent
// operations that reference them remain well defined; compaction
// frees their payloads but never their identity.
type atom struct {
	id     ident.OpID
	parent ident.OpID

	value codec.RawMessage
	r     rune

	// valueID is the id of the op that wrote the current value: zero
	// while the original insert payload stands, the winning edit op
	// id after. Edits compare against it last-writer-wins.
	valueID ident.OpID

	deleted bool
	// deleteID is the canonical tombstone op id. Concurrent deletes
	// of one atom keep the smallest id so every replica records the
	// same one.
	deleteID ident.OpID
}

// rga is the replicated-growable-array tree backing sequence and text
// containers. Every atom names its parent (the atom it was inserted
// after; zero for the container head), and siblings under one parent
// order by descending clock, then ascending client id. Materialized
// order is the depth-first traversal of that tree, which depends only
// on the atom set, never on arrival order. That is the whole
// convergence argument: two replicas holding the same atom set
// materialize the same text.
//
// The descending-clock rule makes repeated typing at one position
// read naturally (the later insert lands first), and the ascending
// client tie-break puts concurrent head inserts from fresh replicas
// in ascending client order.
type rga struct {
	atoms    map[ident.OpID]*atom
	children map[ident.OpID][]*atom

	// weave caches the depth-first traversal; nil after an insert
	// changes the tree. Deletes and edits leave traversal order
	// alone, so they keep the cache.
	weave []*atom

	// liveCount tracks non-deleted atoms for O(1) Len.
	liveCount int
}

func newRGA() *rga {
	return &rga{
		atoms:    make(map[ident.OpID]*atom),
		children: make(map[ident.OpID][]*atom),
	}
}

// siblingLess orders children of one parent: descending clock, then
// ascending client. Replicas agree on this order by construction.
func siblingLess(a, b *atom) bool {
	if a.id.Clock != b.id.Clock {
		return a.id.Clock > b.id.Clock
	}
	return a.id.Client < b.id.Client
}

// knows reports whether the atom id has been integrated (live or
// tombstoned).
func (r *rga) knows(id ident.OpID) bool {
	_, ok := r.atoms[id]
	return ok
}

// insert integrates a new atom. Returns false if the id is already
// present (idempotent redelivery). The parent must either exist or be
// zero; callers enforce that through dependency checks.
func (r *rga) insert(a *atom) bool {
	if _, exists := r.atoms[a.id]; exists {
		return false
	}
	r.atoms[a.id] = a

	siblings := r.children[a.parent]
	at := sort.Search(len(siblings), func(i int) bool {
		return siblingLess(a, siblings[i])
	})
	siblings = append(siblings, nil)
	copy(siblings[at+1:], siblings[at:])
	siblings[at] = a
	r.children[a.parent] = siblings

	if !a.deleted {
		r.liveCount++
	}
	r.weave = nil
	return true
}

// delete tombstones the atom. Reports whether visible state changed
// (false when the atom was already deleted; the canonical deleteID
// still settles on the smallest id).
func (r *rga) delete(target, deleteID ident.OpID) bool {
	a := r.atoms[target]
	if a == nil {
		return false
	}
	if a.deleted {
		if deleteID.Less(a.deleteID) {
			a.deleteID = deleteID
		}
		return false
	}
	a.deleted = true
	a.deleteID = deleteID
	r.liveCount--
	return true
}

// edit replaces the atom's payload last-writer-wins by op id. Edits
// landing on a tombstoned atom are orphaned: with keepOrphans the
// payload updates under the tombstone (an undelete or audit sees the
// newest value), without it the edit is discarded. Reports whether
// visible state changed and whether the edit was orphaned.
func (r *rga) edit(target ident.OpID, value codec.RawMessage, editID ident.OpID, keepOrphans bool) (changed, orphaned bool) {
	a := r.atoms[target]
	if a == nil {
		return false, false
	}
	if a.deleted {
		if keepOrphans && a.valueID.Less(editID) {
			a.value = value
			a.valueID = editID
		}
		return false, true
	}
	if a.valueID.Less(editID) {
		a.value = value
		a.valueID = editID
		return true, false
	}
	return false, false
}

// materialize rebuilds the cached weave: a pre-order walk of the
// insertion tree, children in sibling order. Iterative because text
// chains (each rune parented on its predecessor) nest as deep as the
// document is long.
func (r *rga) materialize() {
	if r.weave != nil {
		return
	}
	weave := make([]*atom, 0, len(r.atoms))

	type frame struct {
		siblings []*atom
		next     int
	}
	stack := make([]frame, 0, 16)
	stack = append(stack, frame{siblings: r.children[ident.OpID{}]})

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next >= len(top.siblings) {
			stack = stack[:len(stack)-1]
			continue
		}
		a := top.siblings[top.next]
		top.next++
		weave = append(weave, a)
		if kids := r.children[a.id]; len(kids) > 0 {
			stack = append(stack, frame{siblings: kids})
		}
	}
	r.weave = weave
}

// visibleAt returns the index-th live atom, or nil when out of range.
func (r *rga) visibleAt(index int) *atom {
	if index < 0 {
		return nil
	}
	r.materialize()
	seen := 0
	for _, a := range r.weave {
		if a.deleted {
			continue
		}
		if seen == index {
			return a
		}
		seen++
	}
	return nil
}

// visible returns the live atoms in materialized order.
func (r *rga) visible() []*atom {
	r.materialize()
	out := make([]*atom, 0, r.liveCount)
	for _, a := range r.weave {
		if !a.deleted {
			out = append(out, a)
		}
	}
	return out
}

// all returns every atom, tombstones included, in materialized order.
// Snapshot encoding walks this so parents always precede children.
func (r *rga) all() []*atom {
	r.materialize()
	return r.weave
}

// pruneTombstones frees the payloads of atoms tombstoned at or below
// the horizon clock. Identity and tree position survive: removing the
// slot itself would re-order siblings differently on replicas that
// compact at different times. Returns the number of payloads freed.
func (r *rga) pruneTombstones(horizon uint64) int {
	freed := 0
	for _, a := range r.atoms {
		if a.deleted && a.deleteID.Clock <= horizon && a.value != nil {
			a.value = nil
			a.valueID = ident.OpID{}
			freed++
		}
	}
	return freed
}
