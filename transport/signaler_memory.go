// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Compile-time interface check.
var _ Signaler = (*MemorySignaler)(nil)

// MemorySignaler is an in-process Signaler for tests. Offers and
// answers are exchanged through an internal map with no network
// involved. Two WebRTCTransport instances sharing the same
// MemorySignaler can establish PeerConnections without a relay.
type MemorySignaler struct {
	mu       sync.Mutex
	offers   map[string]SignalMessage // key: "offerer|target"
	answers  map[string]SignalMessage // key: "offerer|target"
	lastSeen map[string]time.Time     // per-consumer poll state
}

// NewMemorySignaler creates a new in-process signaler.
func NewMemorySignaler() *MemorySignaler {
	return &MemorySignaler{
		offers:   make(map[string]SignalMessage),
		answers:  make(map[string]SignalMessage),
		lastSeen: make(map[string]time.Time),
	}
}

func (s *MemorySignaler) PublishOffer(_ context.Context, peer, targetPeer, sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := peer + signalingSeparator + targetPeer
	s.offers[key] = SignalMessage{
		Peer:      peer,
		SDP:       sdp,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	return nil
}

func (s *MemorySignaler) PublishAnswer(_ context.Context, offererPeer, peer, sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := offererPeer + signalingSeparator + peer
	s.answers[key] = SignalMessage{
		Peer:      peer,
		SDP:       sdp,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	return nil
}

func (s *MemorySignaler) PollOffers(_ context.Context, peer string) ([]SignalMessage, error) {
	return s.pollSignals(peer, s.offers, "offers", matchOfferKey)
}

func (s *MemorySignaler) PollAnswers(_ context.Context, peer string) ([]SignalMessage, error) {
	return s.pollSignals(peer, s.answers, "answers", matchAnswerKey)
}

// signalKeyMatcher reports whether a mailbox key of the form
// "offerer|target" concerns the given peer, returning the counterparty
// when it does.
type signalKeyMatcher func(key, peer string) (string, bool)

// matchOfferKey matches keys whose target is the polling peer and
// returns the offerer.
func matchOfferKey(key, peer string) (string, bool) {
	offerer, target, ok := strings.Cut(key, signalingSeparator)
	if !ok || target != peer || offerer == "" {
		return "", false
	}
	return offerer, true
}

// matchAnswerKey matches keys whose offerer is the polling peer and
// returns the answerer.
func matchAnswerKey(key, peer string) (string, bool) {
	offerer, target, ok := strings.Cut(key, signalingSeparator)
	if !ok || offerer != peer || target == "" {
		return "", false
	}
	return target, true
}

// pollSignals iterates a signal store and returns messages whose keys
// match the given matcher, filtering out already-seen timestamps.
func (s *MemorySignaler) pollSignals(peer string, store map[string]SignalMessage, storeLabel string, match signalKeyMatcher) ([]SignalMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var messages []SignalMessage

	for key, msg := range store {
		if _, ok := match(key, peer); !ok {
			continue
		}

		timestamp, err := time.Parse(time.RFC3339Nano, msg.Timestamp)
		if err != nil {
			continue
		}

		seenKey := storeLabel + ":" + peer + ":" + key
		if last, ok := s.lastSeen[seenKey]; ok && !timestamp.After(last) {
			continue
		}
		s.lastSeen[seenKey] = timestamp

		messages = append(messages, msg)
	}

	return messages, nil
}
