// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sync implements the session protocol that brings document
// replicas to a consistent state and keeps them there.
//
// A Client owns one outbound connection and multiplexes any number of
// attached rooms over it. Per room the handshake runs hello (version
// check), then both sides exchange state vectors, then each side sends
// exactly the operations the other lacks, then acknowledgements
// complete the exchange. After that, committed operations stream
// incrementally. Lost connections redial under exponential backoff
// with jitter; failures surface as ConnState transitions, never as
// errors, except for the terminal StateError that requires an explicit
// Reconnect.
//
// A Hub is the accepting side for relay deployments: it keeps a
// server-side replica per room backed by an oplog.Store, answers
// handshakes from that replica, and fans updates out to every other
// member of the room. Two clients can also sync directly: the
// accepting side adopts the connection with Client.HandleConn and the
// same handshake runs symmetrically.
package sync
