// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ident

import (
	"fmt"
	"sort"
	"strings"
)

// StateVector summarizes a replica's integrated history: for each
// known client, the highest clock integrated from that client.
// Because every operation depends on its same-client predecessor and
// is therefore integrated in creation order, the per-client maximum
// is exact: a replica with sv[C] = n holds every op C created with
// clock <= n and none above. Sync step 2 sends precisely the ops
// above the peer's entries, never more.
//
// The zero value is not usable; call NewStateVector or Clone.
type StateVector map[ClientID]uint64

// NewStateVector returns an empty vector.
func NewStateVector() StateVector {
	return make(StateVector)
}

// Get returns the highest integrated clock for client, zero if the
// client is unknown.
func (sv StateVector) Get(client ClientID) uint64 {
	return sv[client]
}

// Observe records that id has been integrated. Integration happens in
// per-client clock order, so id.Clock normally exceeds the current
// entry; the max guards against redundant observes during snapshot
// replay.
func (sv StateVector) Observe(id OpID) {
	if id.Clock > sv[id.Client] {
		sv[id.Client] = id.Clock
	}
}

// Covers reports whether the vector already includes id. A covered id
// arriving again is a duplicate delivery.
func (sv StateVector) Covers(id OpID) bool {
	return id.Clock <= sv[id.Client]
}

// Merge folds other into sv, keeping the pointwise maximum.
func (sv StateVector) Merge(other StateVector) {
	for client, clock := range other {
		if clock > sv[client] {
			sv[client] = clock
		}
	}
}

// Clone returns an independent copy.
func (sv StateVector) Clone() StateVector {
	out := make(StateVector, len(sv))
	for client, clock := range sv {
		out[client] = clock
	}
	return out
}

// Equal reports whether two vectors describe the same history.
// Entries at zero are treated as absent.
func (sv StateVector) Equal(other StateVector) bool {
	for client, clock := range sv {
		if clock != 0 && other[client] != clock {
			return false
		}
	}
	for client, clock := range other {
		if clock != 0 && sv[client] != clock {
			return false
		}
	}
	return true
}

// MaxClock returns the highest clock across all clients. A replica
// seeds its Lamport counter above this after loading history.
func (sv StateVector) MaxClock() uint64 {
	var max uint64
	for _, clock := range sv {
		if clock > max {
			max = clock
		}
	}
	return max
}

// String renders entries sorted by client id, for logs and tests.
func (sv StateVector) String() string {
	clients := make([]ClientID, 0, len(sv))
	for client := range sv {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	var b strings.Builder
	b.WriteByte('{')
	for i, client := range clients {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%d:%d", uint64(client), sv[client])
	}
	b.WriteByte('}')
	return b.String()
}
