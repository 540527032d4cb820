// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package document

import (
	"bytes"
	"sort"

	"github.com/bureau-foundation/loom/lib/codec"
	"github.com/bureau-foundation/loom/lib/ident"
)

// register is one key's last-writer-wins cell. A nil value is a
// delete marker: the key reads as absent but the cell stays resident
// until compaction so slower writes for the same key lose to it.
type register struct {
	value codec.RawMessage
	id    ident.OpID
}

func (r register) deleted() bool {
	return r.value == nil
}

// kvmap backs map containers. Each key holds an independent register;
// writes compare op ids and the higher (clock, then client) id wins,
// so replicas settle on identical winners regardless of delivery
// order.
type kvmap struct {
	entries map[string]register
}

func newKVMap() *kvmap {
	return &kvmap{entries: make(map[string]register)}
}

// set applies a write. Reports whether visible state changed: a
// losing write, a redelivered one, or a byte-identical value from a
// winning id all report false.
func (m *kvmap) set(key string, value codec.RawMessage, id ident.OpID) bool {
	prev, exists := m.entries[key]
	if exists && !prev.id.Less(id) {
		return false
	}
	m.entries[key] = register{value: value, id: id}
	if !exists {
		return value != nil
	}
	if prev.deleted() && value == nil {
		return false
	}
	return !bytes.Equal(prev.value, value)
}

// get returns the key's value. ok is false for absent and deleted
// keys alike.
func (m *kvmap) get(key string) (codec.RawMessage, bool) {
	r, exists := m.entries[key]
	if !exists || r.deleted() {
		return nil, false
	}
	return r.value, true
}

// keys returns the live keys in sorted order.
func (m *kvmap) keys() []string {
	out := make([]string, 0, len(m.entries))
	for k, r := range m.entries {
		if !r.deleted() {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// size returns the number of live keys.
func (m *kvmap) size() int {
	n := 0
	for _, r := range m.entries {
		if !r.deleted() {
			n++
		}
	}
	return n
}

// pruneTombstones drops delete markers written at or below the
// horizon clock. Unlike sequence tombstones these carry no structure,
// so the whole cell goes. Returns the number of cells removed.
func (m *kvmap) pruneTombstones(horizon uint64) int {
	removed := 0
	for k, r := range m.entries {
		if r.deleted() && r.id.Clock <= horizon {
			delete(m.entries, k)
			removed++
		}
	}
	return removed
}
