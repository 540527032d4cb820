// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package oplog

import (
	"context"
	"errors"

	"github.com/bureau-foundation/loom/document"
	"github.com/bureau-foundation/loom/lib/ident"
)

// ErrClosed is returned by store operations after Close.
var ErrClosed = errors.New("oplog: store is closed")

// Store persists document operation logs and snapshots, keyed by room.
//
// Implementations must be safe for concurrent use. A room that has
// never been written to loads as (nil, nil, nil): a nil snapshot and
// an empty tail describe an empty document.
type Store interface {
	// Load returns the most recent snapshot for the room (nil if none
	// was ever saved) and the operation tail appended after it, in
	// append order.
	Load(ctx context.Context, room string) (*document.Snapshot, []document.Op, error)

	// Append durably adds a batch of operations to the room's log.
	// The batch is atomic: after a crash either every operation in it
	// is present or none is.
	Append(ctx context.Context, room string, ops []document.Op) error

	// SaveSnapshot replaces the room's snapshot and deletes log
	// entries whose full clock span is covered by upTo. Operations
	// not covered (for example ops parked on missing dependencies
	// when the snapshot was encoded) remain in the tail.
	SaveSnapshot(ctx context.Context, room string, snap *document.Snapshot, upTo ident.StateVector) error

	// Rooms lists every room with stored state, sorted by name.
	Rooms(ctx context.Context) ([]string, error)

	// Close releases the store's resources. Operations after Close
	// return ErrClosed.
	Close() error
}
