// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package awareness tracks ephemeral per-client presence for one
// document: cursor positions, selections, display names, whatever a
// client wants peers to see while it is connected.
//
// Awareness state is not part of the document and never persists.
// Entries are last-writer-wins per client (higher sequence number
// wins) and lapse after a TTL unless refreshed, so a peer that
// vanishes without a leave announcement still disappears for
// everyone else.
//
// A Tracker owns the local client's state and a view of every peer's.
// SetLocal schedules the local entry for the outbound channel,
// throttled so rapid cursor movement coalesces into one frame per
// flush interval. Run drives expiry and periodic re-announcement from
// an injected clock, which makes both testable without sleeping.
package awareness
