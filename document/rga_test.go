// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package document

import (
	"testing"

	"github.com/bureau-foundation/loom/lib/ident"
)

func seqAtom(client ident.ClientID, clock uint64, parent ident.OpID) *atom {
	return &atom{
		id:     ident.OpID{Client: client, Clock: clock},
		parent: parent,
		value:  []byte{0x01},
	}
}

func weaveIDs(r *rga) []ident.OpID {
	atoms := r.all()
	out := make([]ident.OpID, len(atoms))
	for i, a := range atoms {
		out[i] = a.id
	}
	return out
}

func TestSiblingOrder(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		a, b *atom
		less bool
	}{
		{
			name: "higher clock first",
			a:    seqAtom(1, 5, ident.OpID{}),
			b:    seqAtom(1, 3, ident.OpID{}),
			less: true,
		},
		{
			name: "lower clock later",
			a:    seqAtom(1, 3, ident.OpID{}),
			b:    seqAtom(1, 5, ident.OpID{}),
			less: false,
		},
		{
			name: "equal clock ascending client",
			a:    seqAtom(1, 4, ident.OpID{}),
			b:    seqAtom(2, 4, ident.OpID{}),
			less: true,
		},
		{
			name: "equal clock descending client",
			a:    seqAtom(7, 4, ident.OpID{}),
			b:    seqAtom(2, 4, ident.OpID{}),
			less: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := siblingLess(tt.a, tt.b); got != tt.less {
				t.Fatalf("siblingLess(%v, %v) = %v, want %v", tt.a.id, tt.b.id, got, tt.less)
			}
		})
	}
}

// The tree, and therefore the weave, is a pure function of the atom
// set: inserting the same atoms in any order yields one traversal.
func TestWeaveIndependentOfInsertionOrder(t *testing.T) {
	t.Parallel()
	root1 := seqAtom(1, 1, ident.OpID{})
	child1 := seqAtom(1, 2, root1.id)
	root2 := seqAtom(2, 1, ident.OpID{})
	child2 := seqAtom(2, 3, root2.id)

	build := func(atoms ...*atom) *rga {
		r := newRGA()
		for _, a := range atoms {
			// Inserted atoms are shared between orderings below, so
			// copy to keep each tree's bookkeeping independent.
			c := *a
			r.insert(&c)
		}
		return r
	}

	want := weaveIDs(build(root1, child1, root2, child2))
	orders := [][]*atom{
		{child2, root2, child1, root1},
		{root2, root1, child2, child1},
		{child1, child2, root1, root2},
	}
	for i, order := range orders {
		got := weaveIDs(build(order...))
		if len(got) != len(want) {
			t.Fatalf("order %d: weave %v, want %v", i, got, want)
		}
		for j := range want {
			if got[j] != want[j] {
				t.Fatalf("order %d: weave %v, want %v", i, got, want)
			}
		}
	}

	// Roots order by the sibling rule: equal clocks, ascending
	// client, each followed by its subtree.
	if want[0] != root1.id || want[1] != child1.id || want[2] != root2.id || want[3] != child2.id {
		t.Fatalf("weave = %v, want [root1 child1 root2 child2]", want)
	}
}

func TestInsertIdempotent(t *testing.T) {
	t.Parallel()
	r := newRGA()
	a := seqAtom(1, 1, ident.OpID{})
	if !r.insert(a) {
		t.Fatal("first insert reported existing")
	}
	if r.insert(seqAtom(1, 1, ident.OpID{})) {
		t.Fatal("second insert of same id reported new")
	}
	if r.liveCount != 1 {
		t.Fatalf("liveCount = %d, want 1", r.liveCount)
	}
}

func TestDeleteCanonicalID(t *testing.T) {
	t.Parallel()
	r := newRGA()
	target := seqAtom(1, 1, ident.OpID{})
	r.insert(target)

	first := ident.OpID{Client: 3, Clock: 5}
	second := ident.OpID{Client: 2, Clock: 5}
	if !r.delete(target.id, first) {
		t.Fatal("first delete reported no change")
	}
	if r.delete(target.id, second) {
		t.Fatal("second delete reported visible change")
	}
	// The smaller id wins no matter which delete arrived first.
	if got := r.atoms[target.id].deleteID; got != second {
		t.Fatalf("deleteID = %v, want %v", got, second)
	}
	if r.delete(target.id, first); r.atoms[target.id].deleteID != second {
		t.Fatalf("larger delete id displaced canonical %v", second)
	}
	if r.liveCount != 0 {
		t.Fatalf("liveCount = %d, want 0", r.liveCount)
	}
}

func TestEditLastWriterWins(t *testing.T) {
	t.Parallel()
	r := newRGA()
	target := seqAtom(1, 1, ident.OpID{})
	r.insert(target)

	newer := ident.OpID{Client: 2, Clock: 9}
	older := ident.OpID{Client: 1, Clock: 4}
	if changed, orphaned := r.edit(target.id, []byte{0x02}, newer, true); !changed || orphaned {
		t.Fatalf("edit = (%v, %v), want (true, false)", changed, orphaned)
	}
	if changed, _ := r.edit(target.id, []byte{0x03}, older, true); changed {
		t.Fatal("older edit displaced newer value")
	}
	if got := r.atoms[target.id].value; len(got) != 1 || got[0] != 0x02 {
		t.Fatalf("value = %x, want 02", got)
	}
}

func TestEditOnTombstone(t *testing.T) {
	t.Parallel()
	for _, keep := range []bool{true, false} {
		r := newRGA()
		target := seqAtom(1, 1, ident.OpID{})
		r.insert(target)
		r.delete(target.id, ident.OpID{Client: 2, Clock: 2})

		editID := ident.OpID{Client: 3, Clock: 3}
		changed, orphaned := r.edit(target.id, []byte{0x0a}, editID, keep)
		if changed || !orphaned {
			t.Fatalf("keep=%v: edit = (%v, %v), want (false, true)", keep, changed, orphaned)
		}
		got := r.atoms[target.id].value
		if keep && (len(got) != 1 || got[0] != 0x0a) {
			t.Fatalf("keep=true: tombstone value = %x, want 0a", got)
		}
		if !keep && len(got) == 1 && got[0] == 0x0a {
			t.Fatal("keep=false: orphaned edit retained")
		}
	}
}

func TestPruneTombstonesKeepsIdentity(t *testing.T) {
	t.Parallel()
	r := newRGA()
	keep := seqAtom(1, 1, ident.OpID{})
	gone := seqAtom(1, 2, keep.id)
	late := seqAtom(1, 3, keep.id)
	r.insert(keep)
	r.insert(gone)
	r.insert(late)
	r.delete(gone.id, ident.OpID{Client: 1, Clock: 4})
	r.delete(late.id, ident.OpID{Client: 1, Clock: 20})

	if freed := r.pruneTombstones(10); freed != 1 {
		t.Fatalf("pruneTombstones freed %d, want 1", freed)
	}
	a := r.atoms[gone.id]
	if a == nil {
		t.Fatal("pruned tombstone lost its identity")
	}
	if a.value != nil {
		t.Fatal("pruned tombstone kept its payload")
	}
	if !a.deleted || a.deleteID.IsZero() {
		t.Fatal("pruned tombstone lost delete bookkeeping")
	}
	// The tombstone past the horizon keeps its payload.
	if r.atoms[late.id].value == nil {
		t.Fatal("tombstone above horizon was pruned")
	}
	// Tree position survives: the pruned atom still anchors weave
	// order for its subtree.
	ids := weaveIDs(r)
	if len(ids) != 3 || ids[0] != keep.id {
		t.Fatalf("weave after prune = %v", ids)
	}
}

func TestVisibleIndexing(t *testing.T) {
	t.Parallel()
	r := newRGA()
	a := seqAtom(1, 1, ident.OpID{})
	b := seqAtom(1, 2, a.id)
	c := seqAtom(1, 3, b.id)
	r.insert(a)
	r.insert(b)
	r.insert(c)
	r.delete(b.id, ident.OpID{Client: 1, Clock: 4})

	if got := r.visibleAt(0); got == nil || got.id != a.id {
		t.Fatalf("visibleAt(0) = %v, want %v", got, a.id)
	}
	if got := r.visibleAt(1); got == nil || got.id != c.id {
		t.Fatalf("visibleAt(1) = %v, want %v", got, c.id)
	}
	if got := r.visibleAt(2); got != nil {
		t.Fatalf("visibleAt(2) = %v, want nil", got.id)
	}
	if got := r.visibleAt(-1); got != nil {
		t.Fatalf("visibleAt(-1) = %v, want nil", got.id)
	}
	if got := len(r.visible()); got != 2 {
		t.Fatalf("len(visible) = %d, want 2", got)
	}
}
