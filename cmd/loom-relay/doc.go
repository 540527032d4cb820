// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Loom-relay is the always-on sync relay. Editors that cannot reach
// each other directly connect here; the relay keeps a server-side
// replica per room, persists every operation it learns, and forwards
// updates to the room's other members. A room's full history survives
// even when every editor is offline.
//
// One HTTP listener serves three surfaces:
//
//	<sync_path>      WebSocket upgrade carrying the framed sync protocol
//	/signal/*        SDP mailboxes for editors negotiating direct WebRTC links
//	/healthz         hub statistics for load balancer checks
//
// An optional raw TCP listener carries the same framed protocol
// without the WebSocket layer, for native editors on trusted networks.
//
// Persistence backends: sqlite (single relay), bolt (single relay,
// pure Go), postgres (relay fleet), memory (ephemeral, development
// only). With a Redis address configured, updates fan out across
// relay instances sharing the postgres store, so one room can span a
// load-balanced fleet.
//
// Configuration comes from a YAML file named by LOOM_CONFIG or
// --config; see lib/config. With discovery.mdns enabled the relay
// advertises itself as _loom-sync._tcp on the local network.
package main
