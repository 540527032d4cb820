// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport provides the network substrate for document sync.
// Everything above it speaks framed messages over a net.Conn; this
// package supplies the conns.
//
// Two interfaces define the contract: [Listener] accepts inbound
// connections (Serve, Address, Close) and [Dialer] opens outbound ones
// (DialContext). Sessions never care which implementation produced a
// connection; a relay serving WebSocket editors and an editor pair
// linked by a WebRTC data channel run the same protocol bytes.
//
// Implementations:
//
//   - [TCPListener] and [TCPDialer]: plain TCP, for development and
//     trusted networks.
//   - [WSListener] and [WSDialer]: WebSocket (binary messages, one
//     protocol frame per message), the relay's editor-facing transport.
//   - [MemoryNetwork]: in-process net.Pipe pairs for tests.
//   - [WebRTCTransport]: peer-to-peer data channels via pion/webrtc,
//     implementing both Listener and Dialer on a single instance. Each
//     pair of peers shares one PeerConnection with SCTP-multiplexed
//     data channels, so concurrent document streams to the same peer
//     avoid head-of-line blocking against each other.
//
// WebRTC signaling is abstracted behind the [Signaler] interface, which
// publishes and polls SDP offers and answers keyed by peer name.
// [HTTPSignaler] talks to a relay's signaling endpoints (the server
// side is [NewSignalingHandler] backed by a [SignalDirectory]);
// [MemorySignaler] is the in-process implementation for tests.
// Establishment uses vanilla ICE: all candidates are gathered before
// the SDP is published, so signaling needs exactly one round-trip.
// When both peers dial each other simultaneously, the peer whose name
// is lexicographically smaller keeps its offer and the other side
// drops its redundant PeerConnection.
//
// When a [PeerAuthenticator] is configured on a [WebRTCTransport], each
// new PeerConnection completes a mutual Ed25519 challenge-response
// handshake on a dedicated data channel before sync channels are
// accepted. This binds the connection to the peers' published signing
// keys, preventing impersonation by a party that can reach the
// signaling channel. The handshake costs one round-trip per
// PeerConnection, amortized across all channels it carries.
//
// [ICEConfig] holds STUN/TURN server configuration for candidate
// gathering; [ICEConfigFromURLs] builds one from configured server
// URLs. [DataChannelConn] wraps a detached pion data channel as a
// net.Conn with deadline support.
//
// [AdvertiseRelay] and [DiscoverRelays] let a relay announce itself on
// the local network over mDNS and let editors find it without
// configuration.
package transport
