// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Loom-inspect decodes stored room histories for operator debugging.
// It opens an op log through the same backends the relay and editors
// use and prints snapshots and operations in CBOR diagnostic notation
// (RFC 8949 §8), which is what you want when a room misbehaves and
// the question is "what exactly is in this file".
//
// Without --room it lists every room in the store with its snapshot
// size and log depth. With --room it dumps that room's snapshot
// envelope and each logged operation, one notation line per item.
//
//	loom-inspect --backend sqlite --path relay.db
//	loom-inspect --backend bolt --path editor.db --room notes
//	loom-inspect --backend postgres --url postgres://loom@db/loom --room notes
//
// --raw skips the store layer entirely and walks a file of
// concatenated CBOR items, printing each one. Useful for frame
// captures and corrupt files that no backend will open.
package main
