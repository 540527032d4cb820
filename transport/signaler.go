// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import "context"

// signalingSeparator separates the offerer and target peer names in a
// signaling mailbox key. Peer names are restricted to letters, digits,
// dots, dashes, and slashes, so the pipe character is an unambiguous
// boundary.
const signalingSeparator = "|"

// Signaler abstracts the mechanism for exchanging WebRTC session
// descriptions between sync peers. The production implementation posts
// to a relay's signaling endpoints over HTTP; tests use an in-process
// mailbox.
//
// The signaling model is vanilla ICE: all ICE candidates are gathered
// before the SDP is published, so connection establishment requires
// exactly one signaling round-trip (offer, then answer).
type Signaler interface {
	// PublishOffer publishes a complete SDP offer directed at a target
	// peer. peer is the offerer's name, targetPeer the intended
	// recipient. The implementation stores the SDP where the target can
	// find it, keyed "<peer>|<targetPeer>".
	PublishOffer(ctx context.Context, peer, targetPeer, sdp string) error

	// PublishAnswer publishes a complete SDP answer in response to a
	// previously received offer. The key matches the offer:
	// "<offererPeer>|<peer>".
	PublishAnswer(ctx context.Context, offererPeer, peer, sdp string) error

	// PollOffers returns all pending offers directed at this peer that
	// have not been returned by a previous poll.
	PollOffers(ctx context.Context, peer string) ([]SignalMessage, error)

	// PollAnswers returns all pending answers to offers originated by
	// this peer that have not been returned by a previous poll.
	PollAnswers(ctx context.Context, peer string) ([]SignalMessage, error)
}

// SignalMessage represents a signaling message (offer or answer).
type SignalMessage struct {
	// Peer is the name of the other party. For received offers this is
	// the offerer; for received answers it is the answerer.
	Peer string

	// SDP is the complete Session Description Protocol string with all
	// ICE candidates embedded.
	SDP string

	// Timestamp is the ISO 8601 creation time of the signal.
	Timestamp string
}
