// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package document implements the CRDT core: shared containers
// (ordered sequences, last-writer-wins maps, growable text), the
// operation model that mutates them, and the merge rules that make
// every replica converge to the same materialized state no matter how
// operations are ordered, duplicated, or delayed in transit.
//
// A Doc is a named collection of independently mergeable containers.
// Local mutations go through Update, which batches operations into
// one transaction: applied to in-memory state immediately (the local
// caller always sees its own writes), then handed as a unit to
// persistence and transport. Remote operations arrive through
// ApplyRemote; operations whose causal dependencies have not been
// integrated yet are buffered and drained automatically when the
// dependencies arrive.
//
// Merges are commutative, associative, and idempotent per container
// kind:
//
//   - Sequence items are atoms in an insertion tree. Concurrent
//     inserts after the same parent both survive; siblings order by
//     descending clock, then ascending client id, so all replicas
//     materialize the same order and two fresh replicas inserting at
//     the head of an empty sequence land in ascending client order.
//   - Map keys hold the write with the greatest (clock, client) pair;
//     an exact clock tie falls to the higher client id.
//   - Text is the sequence CRDT at rune granularity. An insert op
//     carries a whole string and expands into chained per-rune atoms
//     with consecutive clocks, so multi-byte content never splits.
//
// Deletions tombstone their targets rather than removing them, which
// keeps concurrent references well defined. Tombstones are pruned
// during compaction once they fall behind the retention horizon; see
// the oplog package for the driver.
//
// All methods on a Doc are safe for concurrent use; one mutex
// serializes mutation, and the merge itself is pure in-memory
// computation that never blocks on I/O.
package document
