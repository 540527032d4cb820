// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package workspace assembles the full client stack behind one call:
// a Manager opens rooms, and each open room is a DocumentHandle
// wiring a document replica to its stored operation log, the shared
// relay connection, a presence tracker, and the canvas observers.
//
// Opening a room restores the stored snapshot and log tail into a
// fresh replica before anything else touches it, so a restarted
// process resumes exactly where it stopped, offline edits included.
// From then on every committed transaction is appended to the store
// first, streamed to the relay second, and fanned out to observers
// last. Durability failures do not stop the document; they surface on
// the handle's Errors channel while editing continues in memory.
//
// All rooms of one Manager share a single sync connection, one
// handshake per room multiplexed over it. There is no process-wide
// state: two Managers in one process are fully independent.
package workspace
