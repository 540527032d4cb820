// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package oplog

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/bureau-foundation/loom/document"
	"github.com/bureau-foundation/loom/lib/ident"
)

// Memory is an in-process Store for tests and ephemeral rooms.
// Snapshots are held in their marshaled form so the encode/decode
// path is exercised the same way the durable backends exercise it.
type Memory struct {
	mu     sync.Mutex
	rooms  map[string]*memoryRoom
	closed bool
}

type memoryRoom struct {
	snapshot []byte
	ops      []document.Op
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{rooms: make(map[string]*memoryRoom)}
}

func (m *Memory) Load(ctx context.Context, room string) (*document.Snapshot, []document.Op, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, nil, ErrClosed
	}
	state, ok := m.rooms[room]
	if !ok {
		return nil, nil, nil
	}
	var snap *document.Snapshot
	if state.snapshot != nil {
		decoded, err := document.UnmarshalSnapshot(state.snapshot)
		if err != nil {
			return nil, nil, fmt.Errorf("oplog: load room %q: %w", room, err)
		}
		snap = decoded
	}
	tail := append([]document.Op(nil), state.ops...)
	return snap, tail, nil
}

func (m *Memory) Append(ctx context.Context, room string, ops []document.Op) error {
	if len(ops) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	state := m.roomLocked(room)
	state.ops = append(state.ops, ops...)
	return nil
}

func (m *Memory) SaveSnapshot(ctx context.Context, room string, snap *document.Snapshot, upTo ident.StateVector) error {
	data, err := snap.Marshal()
	if err != nil {
		return fmt.Errorf("oplog: save snapshot for room %q: %w", room, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	state := m.roomLocked(room)
	state.snapshot = data
	remaining := state.ops[:0:0]
	for _, op := range state.ops {
		if !upTo.Covers(op.LastID()) {
			remaining = append(remaining, op)
		}
	}
	state.ops = remaining
	return nil
}

func (m *Memory) Rooms(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	names := make([]string, 0, len(m.rooms))
	for name := range m.rooms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Memory) roomLocked(room string) *memoryRoom {
	state, ok := m.rooms[room]
	if !ok {
		state = &memoryRoom{}
		m.rooms[room] = state
	}
	return state
}
