// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package oplog defines the durable storage contract for document
// operation logs and snapshots.
//
// A document's durable form is a snapshot plus a tail of operations
// appended after the snapshot was taken. Opening a room loads the
// snapshot, merges it, and replays the tail; the result is identical
// to having applied every operation ever acknowledged. Appends are
// atomic per batch: a crash can lose an entire unacknowledged batch
// but never tear an operation in half.
//
// The [Store] interface has four backends:
//
//   - [Memory]: process-local, for tests and ephemeral rooms.
//   - sqlitelog: single-file SQLite for relays and desktop apps.
//   - boltlog: single-file bbolt for client-side caches.
//   - pglog: PostgreSQL for relay fleets sharing one database.
//
// The [Compactor] periodically folds each room's log into a fresh
// snapshot, prunes tombstones past the retention horizon, and deletes
// the folded log rows. Compaction failures are logged and retried on
// the next cycle; they are never fatal to the process.
package oplog
