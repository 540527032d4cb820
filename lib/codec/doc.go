// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides loom's standard CBOR encoding configuration.
//
// Every byte loom persists or puts on the wire is CBOR through this
// package: operation payloads, sync frames, snapshots, stored op
// logs, awareness blobs. The one exception is the relay's HTTP
// surface (signaling and health endpoints speak JSON, since browsers
// and curl are their consumers).
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2):
// sorted map keys, smallest integer encoding, no indefinite-length
// items. Same logical data, identical bytes. That is what makes
// snapshot comparison and convergence assertions in tests a plain
// bytes.Equal.
//
// For buffer-oriented operations (snapshots, stored ops):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (connections):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// # Struct tag rules
//
//   - `cbor` tag: the type is only ever serialized as CBOR. All wire
//     payloads and stored records use this.
//   - `json` tag: the type may serialize as BOTH JSON and CBOR
//     (fxamacker/cbor reads `json` tags when `cbor` tags are absent).
//     Used by the relay's HTTP signaling types.
//
// Never use both tags on one field; the tag documents which contract
// the type participates in. Map keys on the wire are text strings
// with one exception: state vectors encode as uint64-keyed maps,
// which deterministic encoding sorts bytewise like any other key.
package codec
