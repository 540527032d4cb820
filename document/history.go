// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package document

import (
	"sort"

	"github.com/bureau-foundation/loom/lib/ident"
)

// history retains integrated operations per client, in clock order,
// to answer sync diffs: a peer announces its state vector and gets
// back exactly the operations above its per-client watermarks.
// Compaction trims entries below the horizon; peers that far behind
// are served a snapshot instead.
type history struct {
	ops map[ident.ClientID][]Op
}

func newHistory() *history {
	return &history{ops: make(map[ident.ClientID][]Op)}
}

// append records an integrated operation. Operations integrate in
// per-client clock order, so append only ever extends the tail; a
// redelivered operation that slipped past the caller is dropped.
func (h *history) append(op Op) {
	client := op.ID.Client
	s := h.ops[client]
	if n := len(s); n > 0 && s[n-1].LastID().Clock >= op.ID.Clock {
		return
	}
	h.ops[client] = append(s, op)
}

// since returns the retained operations above the peer's watermarks:
// clients in ascending id order, each client's operations in clock
// order. Watermarks always land on operation boundaries because
// replicas observe whole operations.
func (h *history) since(peer ident.StateVector) []Op {
	clients := make([]ident.ClientID, 0, len(h.ops))
	for c := range h.ops {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	var out []Op
	for _, c := range clients {
		s := h.ops[c]
		mark := peer.Get(c)
		first := sort.Search(len(s), func(i int) bool {
			return s[i].LastID().Clock > mark
		})
		out = append(out, s[first:]...)
	}
	return out
}

// trim drops operations wholly at or below the horizon clock.
func (h *history) trim(horizon uint64) {
	for c, s := range h.ops {
		first := sort.Search(len(s), func(i int) bool {
			return s[i].LastID().Clock > horizon
		})
		if first == 0 {
			continue
		}
		if first == len(s) {
			delete(h.ops, c)
			continue
		}
		h.ops[c] = append([]Op(nil), s[first:]...)
	}
}
