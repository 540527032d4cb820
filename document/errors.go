// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package document

import "errors"

var (
	// ErrMissingDependency reports that an op references history the
	// document has not integrated. ApplyRemote buffers such ops
	// internally; the sentinel surfaces only through ApplyOne, for
	// callers that manage their own buffering.
	ErrMissingDependency = errors.New("missing dependency")

	// ErrUnknownOp reports an op type this engine version does not
	// understand. Protocol error class: the connection should drop
	// and resync.
	ErrUnknownOp = errors.New("unknown op type")

	// ErrMalformedOp reports an op that is structurally invalid
	// (zero id, missing payload, kind/type mismatch). Protocol error
	// class.
	ErrMalformedOp = errors.New("malformed op")

	// ErrKindMismatch reports a container accessed or mutated under a
	// different kind than it was created with.
	ErrKindMismatch = errors.New("container kind mismatch")

	// ErrPendingOverflow reports that the causally-blocked op buffer
	// exceeded its cap. Protocol error class: the peer is feeding ops
	// whose dependencies never arrive.
	ErrPendingOverflow = errors.New("pending op buffer overflow")

	// ErrVersionMismatch reports a snapshot written by a newer engine
	// schema than this one understands.
	ErrVersionMismatch = errors.New("snapshot schema version mismatch")
)
