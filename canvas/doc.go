// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package canvas bridges a document to its consumers: typed handles
// over the document's containers plus a per-container subscription
// registry that turns committed transactions into change
// notifications.
//
// The package adds no merge semantics. Reads come straight from the
// document, mutations run through the document's transaction
// machinery, and observers see one aggregated Change per commit per
// container, in the order the document applied the commits. Local
// and remote mutations reach observers the same way; the Source field
// tells them apart.
//
// Observers are held in a slot arena with stable indices, so
// cancelling a Subscription is O(1) and takes effect immediately:
// once Cancel returns, the observer receives nothing, even when a
// dispatch is in flight on another goroutine.
package canvas
