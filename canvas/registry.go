// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package canvas

import (
	"sync"

	"github.com/bureau-foundation/loom/document"
)

// registry holds one container's observers in a slot arena. Slot
// indices are stable for the registry's lifetime; cancelling marks
// the slot dead and pushes its index on the free list for the next
// Observe to reuse. Each slot carries a generation counter so a stale
// Subscription cannot cancel the slot's next tenant.
type registry struct {
	name string
	kind document.ContainerKind

	mu    sync.Mutex
	slots []slot
	free  []int
}

type slot struct {
	fn   func(Change)
	gen  uint64
	live bool
}

// recipient pins one delivery target: the slot index plus the
// generation observed when the dispatch collected it.
type recipient struct {
	index int
	gen   uint64
}

func (r *registry) observe(fn func(Change)) *Subscription {
	if fn == nil {
		return &Subscription{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var index int
	if n := len(r.free); n > 0 {
		index = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		index = len(r.slots)
		r.slots = append(r.slots, slot{})
	}
	s := &r.slots[index]
	s.gen++
	s.fn = fn
	s.live = true
	return &Subscription{registry: r, index: index, gen: s.gen}
}

func (r *registry) cancel(index int, gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if index < 0 || index >= len(r.slots) {
		return
	}
	s := &r.slots[index]
	if !s.live || s.gen != gen {
		return
	}
	s.live = false
	s.fn = nil
	r.free = append(r.free, index)
}

// collect snapshots the live observers at the start of a dispatch.
// Observers registered after this point belong to the next commit.
func (r *registry) collect() []recipient {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.slots) == len(r.free) {
		return nil
	}
	out := make([]recipient, 0, len(r.slots)-len(r.free))
	for i := range r.slots {
		if r.slots[i].live {
			out = append(out, recipient{index: i, gen: r.slots[i].gen})
		}
	}
	return out
}

// deliver invokes the collected recipients in slot order. Each slot
// is rechecked under the lock immediately before its callback runs,
// so a Cancel that has returned is never delivered to, including one
// issued by an earlier callback of the same dispatch.
func (r *registry) deliver(recipients []recipient, change Change) {
	for _, rc := range recipients {
		r.mu.Lock()
		s := &r.slots[rc.index]
		fn := s.fn
		ok := s.live && s.gen == rc.gen
		r.mu.Unlock()
		if ok {
			fn(change)
		}
	}
}

// Subscription identifies one registered observer. The zero value is
// inert.
type Subscription struct {
	registry *registry
	index    int
	gen      uint64
}

// Cancel removes the observer. It is idempotent and safe from any
// goroutine, including the observer's own callback; once it returns,
// the observer receives no further changes. Cancelling a nil or
// inert Subscription is a no-op.
func (s *Subscription) Cancel() {
	if s == nil || s.registry == nil {
		return
	}
	s.registry.cancel(s.index, s.gen)
}
