// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package document

import (
	"fmt"

	"github.com/bureau-foundation/loom/lib/codec"
	"github.com/bureau-foundation/loom/lib/ident"
)

// Txn is the handle passed to Update. It hands out typed views over
// the document's containers; mutations through them mint operations,
// apply them immediately, and collect them for the transaction's
// commit. A Txn is only valid inside its Update call.
type Txn struct {
	doc     *Doc
	ops     []Op
	touched map[string]struct{}
}

// applyLocal integrates a freshly minted local op and records it in
// the transaction.
func (t *Txn) applyLocal(op Op) {
	changed, err := t.doc.integrateLocked(op)
	if err != nil {
		// Local ops target containers the accessor already resolved
		// and reference atoms read under the same lock, so the only
		// integration failures are programming errors.
		panic(fmt.Sprintf("document: local op %s failed to integrate: %v", op.ID, err))
	}
	t.doc.observeLocked(op)
	t.ops = append(t.ops, op)
	if changed {
		t.touched[op.Container] = struct{}{}
	}
}

// List returns a view over the named sequence container, creating it
// on first use.
func (t *Txn) List(name string) (*ListTxn, error) {
	if name == "" {
		return nil, fmt.Errorf("document: container name is required")
	}
	c, err := t.doc.containerFor(name, KindSequence)
	if err != nil {
		return nil, err
	}
	return &ListTxn{txn: t, c: c}, nil
}

// Map returns a view over the named map container, creating it on
// first use.
func (t *Txn) Map(name string) (*MapTxn, error) {
	if name == "" {
		return nil, fmt.Errorf("document: container name is required")
	}
	c, err := t.doc.containerFor(name, KindMap)
	if err != nil {
		return nil, err
	}
	return &MapTxn{txn: t, c: c}, nil
}

// Text returns a view over the named text container, creating it on
// first use.
func (t *Txn) Text(name string) (*TextTxn, error) {
	if name == "" {
		return nil, fmt.Errorf("document: container name is required")
	}
	c, err := t.doc.containerFor(name, KindText)
	if err != nil {
		return nil, err
	}
	return &TextTxn{txn: t, c: c}, nil
}

// ListTxn mutates one sequence container. Indexes address visible
// entries; mutations are visible to subsequent calls in the same
// transaction.
type ListTxn struct {
	txn *Txn
	c   *container
}

// Len returns the visible entry count.
func (l *ListTxn) Len() int {
	return l.c.seq.liveCount
}

// Get decodes the entry at index into out.
func (l *ListTxn) Get(index int, out any) error {
	a := l.c.seq.visibleAt(index)
	if a == nil {
		return fmt.Errorf("document: list %q index %d out of range", l.c.name, index)
	}
	if err := codec.Unmarshal(a.value, out); err != nil {
		return fmt.Errorf("document: list %q index %d: %w", l.c.name, index, err)
	}
	return nil
}

// InsertAt inserts v so it becomes the entry at index. Index may
// equal Len to append. Returns the new entry's id.
func (l *ListTxn) InsertAt(index int, v any) (ident.OpID, error) {
	if index < 0 || index > l.Len() {
		return ident.OpID{}, fmt.Errorf("document: list %q insert at %d out of range [0,%d]", l.c.name, index, l.Len())
	}
	value, err := codec.Marshal(v)
	if err != nil {
		return ident.OpID{}, fmt.Errorf("document: list %q insert: %w", l.c.name, err)
	}
	var parent ident.OpID
	if index > 0 {
		parent = l.c.seq.visibleAt(index - 1).id
	}
	d := l.txn.doc
	op := Op{
		ID:        d.nextSpanLocked(1),
		Container: l.c.name,
		Kind:      KindSequence,
		Type:      OpInsert,
		Deps:      d.localDepsLocked(parent, ident.OpID{}),
		Parent:    parent,
		Value:     value,
	}
	l.txn.applyLocal(op)
	return op.ID, nil
}

// Append inserts v after the last visible entry.
func (l *ListTxn) Append(v any) (ident.OpID, error) {
	return l.InsertAt(l.Len(), v)
}

// Delete removes the entry at index.
func (l *ListTxn) Delete(index int) error {
	a := l.c.seq.visibleAt(index)
	if a == nil {
		return fmt.Errorf("document: list %q delete at %d out of range", l.c.name, index)
	}
	d := l.txn.doc
	op := Op{
		ID:        d.nextSpanLocked(1),
		Container: l.c.name,
		Kind:      KindSequence,
		Type:      OpDelete,
		Deps:      d.localDepsLocked(ident.OpID{}, a.id),
		Target:    a.id,
	}
	l.txn.applyLocal(op)
	return nil
}

// Edit replaces the value of the entry at index, keeping its
// identity and position.
func (l *ListTxn) Edit(index int, v any) error {
	a := l.c.seq.visibleAt(index)
	if a == nil {
		return fmt.Errorf("document: list %q edit at %d out of range", l.c.name, index)
	}
	value, err := codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("document: list %q edit: %w", l.c.name, err)
	}
	d := l.txn.doc
	op := Op{
		ID:        d.nextSpanLocked(1),
		Container: l.c.name,
		Kind:      KindSequence,
		Type:      OpEdit,
		Deps:      d.localDepsLocked(ident.OpID{}, a.id),
		Target:    a.id,
		Value:     value,
	}
	l.txn.applyLocal(op)
	return nil
}

// MapTxn mutates one map container.
type MapTxn struct {
	txn *Txn
	c   *container
}

// Len returns the live key count.
func (m *MapTxn) Len() int {
	return m.c.kv.size()
}

// Keys returns the live keys sorted.
func (m *MapTxn) Keys() []string {
	return m.c.kv.keys()
}

// Get decodes the key's value into out. ok is false for absent keys.
func (m *MapTxn) Get(key string, out any) (bool, error) {
	value, ok := m.c.kv.get(key)
	if !ok {
		return false, nil
	}
	if err := codec.Unmarshal(value, out); err != nil {
		return false, fmt.Errorf("document: map %q key %q: %w", m.c.name, key, err)
	}
	return true, nil
}

// Set writes v under key.
func (m *MapTxn) Set(key string, v any) error {
	if key == "" {
		return fmt.Errorf("document: map %q: key is required", m.c.name)
	}
	value, err := codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("document: map %q set %q: %w", m.c.name, key, err)
	}
	m.write(key, value)
	return nil
}

// Delete removes key. Deleting an absent key is a no-op that mints
// no operation.
func (m *MapTxn) Delete(key string) error {
	if key == "" {
		return fmt.Errorf("document: map %q: key is required", m.c.name)
	}
	if _, ok := m.c.kv.get(key); !ok {
		return nil
	}
	m.write(key, nil)
	return nil
}

func (m *MapTxn) write(key string, value codec.RawMessage) {
	d := m.txn.doc
	op := Op{
		ID:        d.nextSpanLocked(1),
		Container: m.c.name,
		Kind:      KindMap,
		Type:      OpSet,
		Deps:      d.localDepsLocked(ident.OpID{}, ident.OpID{}),
		Key:       key,
		Value:     value,
	}
	m.txn.applyLocal(op)
}

// TextTxn mutates one text container. Indexes and lengths count
// runes, not bytes.
type TextTxn struct {
	txn *Txn
	c   *container
}

// Len returns the visible rune count.
func (x *TextTxn) Len() int {
	return x.c.seq.liveCount
}

// String returns the visible content.
func (x *TextTxn) String() string {
	atoms := x.c.seq.visible()
	runes := make([]rune, len(atoms))
	for i, a := range atoms {
		runes[i] = a.r
	}
	return string(runes)
}

// InsertAt inserts s so its first rune lands at rune index.
func (x *TextTxn) InsertAt(index int, s string) error {
	if s == "" {
		return nil
	}
	if index < 0 || index > x.Len() {
		return fmt.Errorf("document: text %q insert at %d out of range [0,%d]", x.c.name, index, x.Len())
	}
	runes := []rune(s)
	var parent ident.OpID
	if index > 0 {
		parent = x.c.seq.visibleAt(index - 1).id
	}
	d := x.txn.doc
	op := Op{
		ID:        d.nextSpanLocked(uint64(len(runes))),
		Container: x.c.name,
		Kind:      KindText,
		Type:      OpTextInsert,
		Deps:      d.localDepsLocked(parent, ident.OpID{}),
		Parent:    parent,
		Runes:     string(runes),
	}
	x.txn.applyLocal(op)
	return nil
}

// Append inserts s after the last visible rune.
func (x *TextTxn) Append(s string) error {
	return x.InsertAt(x.Len(), s)
}

// Delete removes count runes starting at rune index.
func (x *TextTxn) Delete(index, count int) error {
	if count < 0 {
		return fmt.Errorf("document: text %q delete count %d is negative", x.c.name, count)
	}
	if index < 0 || index+count > x.Len() {
		return fmt.Errorf("document: text %q delete [%d,%d) out of range [0,%d]", x.c.name, index, index+count, x.Len())
	}
	if count == 0 {
		return nil
	}
	// Collect targets before the first delete shifts visible
	// indexes.
	targets := make([]ident.OpID, count)
	visible := x.c.seq.visible()
	for i := range count {
		targets[i] = visible[index+i].id
	}
	d := x.txn.doc
	for _, target := range targets {
		op := Op{
			ID:        d.nextSpanLocked(1),
			Container: x.c.name,
			Kind:      KindText,
			Type:      OpDelete,
			Deps:      d.localDepsLocked(ident.OpID{}, target),
			Target:    target,
		}
		x.txn.applyLocal(op)
	}
	return nil
}

// ReplaceRange deletes count runes at index and inserts s in their
// place.
func (x *TextTxn) ReplaceRange(index, count int, s string) error {
	if err := x.Delete(index, count); err != nil {
		return err
	}
	return x.InsertAt(index, s)
}
