// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package document

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/bureau-foundation/loom/lib/codec"
	"github.com/bureau-foundation/loom/lib/ident"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDoc(t *testing.T, client ident.ClientID) *Doc {
	t.Helper()
	d, err := New(Config{Client: client, Logger: testLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func mustMarshal(t *testing.T, v any) codec.RawMessage {
	t.Helper()
	data, err := codec.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return data
}

// deliver sends everything `to` lacks from `from`, as ops or, past
// the compaction floor, as a snapshot.
func deliver(t *testing.T, from, to *Doc) {
	t.Helper()
	ops, needSnapshot := from.MissingFrom(to.StateVector())
	if needSnapshot {
		snap, err := from.EncodeState()
		if err != nil {
			t.Fatalf("EncodeState: %v", err)
		}
		if err := to.MergeSnapshot(snap); err != nil {
			t.Fatalf("MergeSnapshot: %v", err)
		}
		return
	}
	if len(ops) == 0 {
		return
	}
	if _, err := to.ApplyRemote(ops); err != nil {
		t.Fatalf("ApplyRemote: %v", err)
	}
}

// converge exchanges updates between all docs until stable.
func converge(t *testing.T, docs ...*Doc) {
	t.Helper()
	for range 3 {
		for _, a := range docs {
			for _, b := range docs {
				if a != b {
					deliver(t, a, b)
				}
			}
		}
	}
}

func listStrings(t *testing.T, d *Doc, name string) []string {
	t.Helper()
	raws, err := d.ReadList(name)
	if err != nil {
		t.Fatalf("ReadList(%q): %v", name, err)
	}
	out := make([]string, len(raws))
	for i, raw := range raws {
		if err := codec.Unmarshal(raw, &out[i]); err != nil {
			t.Fatalf("Unmarshal list entry %d: %v", i, err)
		}
	}
	return out
}

func mapString(t *testing.T, d *Doc, name, key string) (string, bool) {
	t.Helper()
	m, err := d.ReadMap(name)
	if err != nil {
		t.Fatalf("ReadMap(%q): %v", name, err)
	}
	raw, ok := m[key]
	if !ok {
		return "", false
	}
	var s string
	if err := codec.Unmarshal(raw, &s); err != nil {
		t.Fatalf("Unmarshal map key %q: %v", key, err)
	}
	return s, true
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Logger: testLogger()}); err == nil {
		t.Fatal("New accepted zero client id")
	}
	if _, err := New(Config{Client: 1}); err == nil {
		t.Fatal("New accepted nil logger")
	}
}

func TestUpdateReadsOwnWrites(t *testing.T) {
	t.Parallel()
	d := newTestDoc(t, 1)
	err := d.Update(func(txn *Txn) error {
		list, err := txn.List("items")
		if err != nil {
			return err
		}
		for _, s := range []string{"a", "b", "c"} {
			if _, err := list.Append(s); err != nil {
				return err
			}
		}
		if list.Len() != 3 {
			t.Errorf("Len inside txn = %d, want 3", list.Len())
		}
		var got string
		if err := list.Get(1, &got); err != nil {
			return err
		}
		if got != "b" {
			t.Errorf("Get(1) = %q, want %q", got, "b")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := listStrings(t, d, "items"); len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Fatalf("ReadList = %v, want [a b c]", got)
	}
}

// Two replicas insert into the same empty list at the same position
// with the same clock. Both must settle on ascending client order.
func TestListConcurrentInsertOrder(t *testing.T) {
	t.Parallel()
	a := newTestDoc(t, 1)
	b := newTestDoc(t, 2)

	update := func(d *Doc, s string) {
		err := d.Update(func(txn *Txn) error {
			list, err := txn.List("words")
			if err != nil {
				return err
			}
			_, err = list.Append(s)
			return err
		})
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
	}
	update(a, "hello")
	update(b, "world")
	converge(t, a, b)

	want := []string{"hello", "world"}
	for name, d := range map[string]*Doc{"a": a, "b": b} {
		got := listStrings(t, d, "words")
		if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
			t.Fatalf("replica %s list = %v, want %v", name, got, want)
		}
	}
}

// Concurrent writes to one map key: the higher (clock, client) pair
// wins on every replica regardless of arrival order.
func TestMapLastWriterWins(t *testing.T) {
	t.Parallel()
	opA := Op{
		ID:        ident.OpID{Client: 1, Clock: 5},
		Container: "meta",
		Kind:      KindMap,
		Type:      OpSet,
		Key:       "title",
		Value:     mustMarshal(t, "draft-a"),
	}
	opB := Op{
		ID:        ident.OpID{Client: 2, Clock: 5},
		Container: "meta",
		Kind:      KindMap,
		Type:      OpSet,
		Key:       "title",
		Value:     mustMarshal(t, "draft-b"),
	}

	orders := map[string][]Op{
		"a-then-b": {opA, opB},
		"b-then-a": {opB, opA},
	}
	for name, ops := range orders {
		d := newTestDoc(t, 9)
		for _, op := range ops {
			if _, err := d.ApplyRemote([]Op{op}); err != nil {
				t.Fatalf("%s: ApplyRemote: %v", name, err)
			}
		}
		got, ok := mapString(t, d, "meta", "title")
		if !ok || got != "draft-b" {
			t.Fatalf("%s: title = %q (ok=%v), want draft-b", name, got, ok)
		}
	}
}

// An op that arrives before its dependency parks, then integrates
// once the dependency shows up. The observer never exposes the
// intermediate inversion.
func TestApplyRemoteBuffersMissingDependencies(t *testing.T) {
	t.Parallel()
	d := newTestDoc(t, 1)

	op1 := Op{
		ID:        ident.OpID{Client: 9, Clock: 1},
		Container: "items",
		Kind:      KindSequence,
		Type:      OpInsert,
		Value:     mustMarshal(t, "first"),
	}
	op2 := Op{
		ID:        ident.OpID{Client: 9, Clock: 2},
		Container: "items",
		Kind:      KindSequence,
		Type:      OpInsert,
		Deps:      []ident.OpID{op1.ID},
		Parent:    op1.ID,
		Value:     mustMarshal(t, "second"),
	}

	n, err := d.ApplyRemote([]Op{op2})
	if err != nil {
		t.Fatalf("ApplyRemote(op2): %v", err)
	}
	if n != 0 {
		t.Fatalf("ApplyRemote(op2) integrated %d ops, want 0", n)
	}
	if got := listStrings(t, d, "items"); len(got) != 0 {
		t.Fatalf("list before dependency = %v, want empty", got)
	}
	stats := d.Stats()
	if stats.Pending != 1 || stats.OpsBuffered != 1 {
		t.Fatalf("stats = %+v, want Pending=1 OpsBuffered=1", stats)
	}

	n, err = d.ApplyRemote([]Op{op1})
	if err != nil {
		t.Fatalf("ApplyRemote(op1): %v", err)
	}
	if n != 2 {
		t.Fatalf("ApplyRemote(op1) integrated %d ops, want 2", n)
	}
	got := listStrings(t, d, "items")
	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Fatalf("list = %v, want [first second]", got)
	}
	if d.Stats().Pending != 0 {
		t.Fatalf("Pending = %d after drain, want 0", d.Stats().Pending)
	}
}

func TestApplyRemoteDropsDuplicates(t *testing.T) {
	t.Parallel()
	a := newTestDoc(t, 1)
	err := a.Update(func(txn *Txn) error {
		m, err := txn.Map("meta")
		if err != nil {
			return err
		}
		return m.Set("k", "v")
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	ops, _ := a.MissingFrom(ident.NewStateVector())

	b := newTestDoc(t, 2)
	if n, err := b.ApplyRemote(ops); err != nil || n != len(ops) {
		t.Fatalf("first ApplyRemote = (%d, %v), want (%d, nil)", n, err, len(ops))
	}
	n, err := b.ApplyRemote(ops)
	if err != nil {
		t.Fatalf("second ApplyRemote: %v", err)
	}
	if n != 0 {
		t.Fatalf("second ApplyRemote integrated %d ops, want 0", n)
	}
	if got := b.Stats().OpsDuplicate; got != uint64(len(ops)) {
		t.Fatalf("OpsDuplicate = %d, want %d", got, len(ops))
	}
}

// The same op set delivered in different orders, one op per batch,
// produces identical replicas.
func TestConvergenceAcrossDeliveryOrders(t *testing.T) {
	t.Parallel()
	src := newTestDoc(t, 7)
	err := src.Update(func(txn *Txn) error {
		list, err := txn.List("items")
		if err != nil {
			return err
		}
		for _, s := range []string{"one", "two", "three"} {
			if _, err := list.Append(s); err != nil {
				return err
			}
		}
		if err := list.Delete(1); err != nil {
			return err
		}
		m, err := txn.Map("meta")
		if err != nil {
			return err
		}
		if err := m.Set("title", "notes"); err != nil {
			return err
		}
		if err := m.Set("title", "notes v2"); err != nil {
			return err
		}
		text, err := txn.Text("body")
		if err != nil {
			return err
		}
		if err := text.Append("hello"); err != nil {
			return err
		}
		return text.InsertAt(5, " world")
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	ops, needSnapshot := src.MissingFrom(ident.NewStateVector())
	if needSnapshot {
		t.Fatal("MissingFrom wants a snapshot for an uncompacted doc")
	}

	wantSnap, err := src.EncodeState()
	if err != nil {
		t.Fatalf("EncodeState: %v", err)
	}
	wantBytes, err := wantSnap.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	orders := map[string]func(int) int{
		"forward": func(i int) int { return i },
		"reverse": func(i int) int { return len(ops) - 1 - i },
		"straddle": func(i int) int {
			half := (len(ops) + 1) / 2
			if i < half {
				return i * 2
			}
			return (i-half)*2 + 1
		},
	}
	for name, pick := range orders {
		d := newTestDoc(t, 8)
		for i := range ops {
			if _, err := d.ApplyRemote([]Op{ops[pick(i)]}); err != nil {
				t.Fatalf("%s: ApplyRemote: %v", name, err)
			}
		}
		if p := d.Stats().Pending; p != 0 {
			t.Fatalf("%s: %d ops still pending", name, p)
		}
		snap, err := d.EncodeState()
		if err != nil {
			t.Fatalf("%s: EncodeState: %v", name, err)
		}
		gotBytes, err := snap.Marshal()
		if err != nil {
			t.Fatalf("%s: Marshal: %v", name, err)
		}
		if !bytes.Equal(gotBytes, wantBytes) {
			t.Fatalf("%s: replica state diverged from source", name)
		}
	}
}

func TestCommitHookOrderAndReentrancy(t *testing.T) {
	t.Parallel()
	d := newTestDoc(t, 1)

	var commits []Commit
	reentered := false
	d.SetCommitHook(func(c Commit) {
		commits = append(commits, c)
		if !reentered {
			reentered = true
			err := d.Update(func(txn *Txn) error {
				m, err := txn.Map("meta")
				if err != nil {
					return err
				}
				return m.Set("from", "hook")
			})
			if err != nil {
				t.Errorf("reentrant Update: %v", err)
			}
		}
	})

	err := d.Update(func(txn *Txn) error {
		m, err := txn.Map("meta")
		if err != nil {
			return err
		}
		return m.Set("first", "yes")
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	if len(commits) != 2 {
		t.Fatalf("got %d commits, want 2", len(commits))
	}
	for i, c := range commits {
		if c.Source != SourceLocal || len(c.Ops) != 1 {
			t.Fatalf("commit %d = %+v, want one local op", i, c)
		}
	}
	if commits[0].Ops[0].Key != "first" || commits[1].Ops[0].Key != "from" {
		t.Fatalf("commits out of order: %q then %q", commits[0].Ops[0].Key, commits[1].Ops[0].Key)
	}
}

func TestUpdateErrorKeepsAppliedOps(t *testing.T) {
	t.Parallel()
	d := newTestDoc(t, 1)
	sentinel := errors.New("caller failure")

	var commits int
	d.SetCommitHook(func(Commit) { commits++ })

	err := d.Update(func(txn *Txn) error {
		list, lerr := txn.List("items")
		if lerr != nil {
			return lerr
		}
		if _, lerr := list.Append("kept"); lerr != nil {
			return lerr
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("Update error = %v, want %v", err, sentinel)
	}
	if got := listStrings(t, d, "items"); len(got) != 1 || got[0] != "kept" {
		t.Fatalf("list = %v, want [kept]", got)
	}
	if commits != 1 {
		t.Fatalf("commits = %d, want 1", commits)
	}
}

func TestContainerKindConflict(t *testing.T) {
	t.Parallel()
	d := newTestDoc(t, 1)
	err := d.Update(func(txn *Txn) error {
		list, err := txn.List("shared")
		if err != nil {
			return err
		}
		_, err = list.Append("x")
		return err
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	op := Op{
		ID:        ident.OpID{Client: 2, Clock: 1},
		Container: "shared",
		Kind:      KindMap,
		Type:      OpSet,
		Key:       "k",
		Value:     mustMarshal(t, "v"),
	}
	if _, err := d.ApplyRemote([]Op{op}); !errors.Is(err, ErrKindMismatch) {
		t.Fatalf("ApplyRemote error = %v, want ErrKindMismatch", err)
	}

	err = d.Update(func(txn *Txn) error {
		_, terr := txn.Text("shared")
		return terr
	})
	if !errors.Is(err, ErrKindMismatch) {
		t.Fatalf("Update error = %v, want ErrKindMismatch", err)
	}
}

func TestPendingOverflow(t *testing.T) {
	t.Parallel()
	d, err := New(Config{Client: 1, Logger: testLogger(), MaxPendingOps: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var batch []Op
	for i := range 3 {
		batch = append(batch, Op{
			ID:        ident.OpID{Client: 5, Clock: uint64(100 + i)},
			Container: "items",
			Kind:      KindSequence,
			Type:      OpInsert,
			Deps:      []ident.OpID{{Client: 6, Clock: uint64(50 + i)}},
			Value:     mustMarshal(t, i),
		})
	}
	_, err = d.ApplyRemote(batch)
	if !errors.Is(err, ErrPendingOverflow) {
		t.Fatalf("ApplyRemote error = %v, want ErrPendingOverflow", err)
	}
	if p := d.Stats().Pending; p != 2 {
		t.Fatalf("Pending = %d, want 2", p)
	}
}

func TestOrphanedEditPolicies(t *testing.T) {
	t.Parallel()
	for _, drop := range []bool{false, true} {
		a := newTestDoc(t, 1)
		c, err := New(Config{Client: 3, Logger: testLogger(), DropOrphanedEdits: drop})
		if err != nil {
			t.Fatalf("New: %v", err)
		}

		err = a.Update(func(txn *Txn) error {
			list, err := txn.List("items")
			if err != nil {
				return err
			}
			_, err = list.Append("doomed")
			return err
		})
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
		deliver(t, a, c)

		// The editing replica writes concurrently with the delete.
		b := newTestDoc(t, 2)
		deliver(t, a, b)
		err = b.Update(func(txn *Txn) error {
			list, err := txn.List("items")
			if err != nil {
				return err
			}
			return list.Edit(0, "revised")
		})
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
		err = a.Update(func(txn *Txn) error {
			list, err := txn.List("items")
			if err != nil {
				return err
			}
			return list.Delete(0)
		})
		if err != nil {
			t.Fatalf("Update: %v", err)
		}

		deliver(t, a, c)
		deliver(t, b, c)
		if got := listStrings(t, c, "items"); len(got) != 0 {
			t.Fatalf("drop=%v: list = %v, want empty", drop, got)
		}
		if got := c.Stats().EditsOrphaned; got != 1 {
			t.Fatalf("drop=%v: EditsOrphaned = %d, want 1", drop, got)
		}
	}
}

func TestMapDeleteSemantics(t *testing.T) {
	t.Parallel()
	a := newTestDoc(t, 1)
	b := newTestDoc(t, 2)

	var minted int
	a.SetCommitHook(func(c Commit) { minted += len(c.Ops) })
	err := a.Update(func(txn *Txn) error {
		m, err := txn.Map("meta")
		if err != nil {
			return err
		}
		return m.Delete("ghost")
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if minted != 0 {
		t.Fatalf("deleting an absent key minted %d ops, want 0", minted)
	}
	a.SetCommitHook(nil)

	err = a.Update(func(txn *Txn) error {
		m, err := txn.Map("meta")
		if err != nil {
			return err
		}
		return m.Set("k", "v1")
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	converge(t, a, b)

	// Concurrent: a rewrites the key, b deletes it. Both actions get
	// clock 2; b has the higher client id, so the delete wins.
	err = a.Update(func(txn *Txn) error {
		m, err := txn.Map("meta")
		if err != nil {
			return err
		}
		return m.Set("k", "v2")
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	err = b.Update(func(txn *Txn) error {
		m, err := txn.Map("meta")
		if err != nil {
			return err
		}
		return m.Delete("k")
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	converge(t, a, b)

	for name, d := range map[string]*Doc{"a": a, "b": b} {
		if got, ok := mapString(t, d, "meta", "k"); ok {
			t.Fatalf("replica %s still reads k=%q, want deleted", name, got)
		}
	}
}

func TestLocalOpDependencies(t *testing.T) {
	t.Parallel()
	a := newTestDoc(t, 1)
	var ops []Op
	a.SetCommitHook(func(c Commit) { ops = append(ops, c.Ops...) })

	err := a.Update(func(txn *Txn) error {
		m, err := txn.Map("meta")
		if err != nil {
			return err
		}
		if err := m.Set("x", 1); err != nil {
			return err
		}
		return m.Set("y", 2)
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("got %d ops, want 2", len(ops))
	}
	if len(ops[0].Deps) != 0 {
		t.Fatalf("first op deps = %v, want none", ops[0].Deps)
	}
	if len(ops[1].Deps) != 1 || ops[1].Deps[0] != ops[0].ID {
		t.Fatalf("second op deps = %v, want [%v]", ops[1].Deps, ops[0].ID)
	}

	// A remote-rooted insert depends on the parent atom, and the
	// chain dep and parent dep collapse when they coincide.
	b := newTestDoc(t, 2)
	deliver(t, a, b)
	var bOps []Op
	b.SetCommitHook(func(c Commit) { bOps = append(bOps, c.Ops...) })
	err = b.Update(func(txn *Txn) error {
		list, err := txn.List("items")
		if err != nil {
			return err
		}
		if _, err := list.Append("p"); err != nil {
			return err
		}
		_, err = list.Append("q")
		return err
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if len(bOps) != 2 {
		t.Fatalf("got %d ops, want 2", len(bOps))
	}
	if len(bOps[1].Deps) != 1 || bOps[1].Deps[0] != bOps[0].ID {
		t.Fatalf("chained insert deps = %v, want [%v]", bOps[1].Deps, bOps[0].ID)
	}
	if bOps[1].Parent != bOps[0].ID {
		t.Fatalf("chained insert parent = %v, want %v", bOps[1].Parent, bOps[0].ID)
	}
}

func TestStateVectorTracksSpans(t *testing.T) {
	t.Parallel()
	d := newTestDoc(t, 4)
	err := d.Update(func(txn *Txn) error {
		text, err := txn.Text("body")
		if err != nil {
			return err
		}
		return text.Append("abc")
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := d.StateVector().Get(4); got != 3 {
		t.Fatalf("state vector after 3-rune insert = %d, want 3", got)
	}
	err = d.Update(func(txn *Txn) error {
		text, err := txn.Text("body")
		if err != nil {
			return err
		}
		return text.Append("d")
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := d.StateVector().Get(4); got != 4 {
		t.Fatalf("state vector after fourth rune = %d, want 4", got)
	}
}

func TestContainersListing(t *testing.T) {
	t.Parallel()
	d := newTestDoc(t, 1)
	err := d.Update(func(txn *Txn) error {
		if list, err := txn.List("zeta"); err != nil {
			return err
		} else if _, err := list.Append(1); err != nil {
			return err
		}
		if m, err := txn.Map("alpha"); err != nil {
			return err
		} else if err := m.Set("k", "v"); err != nil {
			return err
		}
		text, err := txn.Text("mid")
		if err != nil {
			return err
		}
		return text.Append("hi")
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	got := d.Containers()
	want := []ContainerInfo{
		{Name: "alpha", Kind: KindMap, Len: 1},
		{Name: "mid", Kind: KindText, Len: 2},
		{Name: "zeta", Kind: KindSequence, Len: 1},
	}
	if len(got) != len(want) {
		t.Fatalf("Containers = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Containers[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}
