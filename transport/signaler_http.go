// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/bureau-foundation/loom/lib/netutil"
)

// maxMailboxDepth caps the pending signals held for one peer. A peer
// that never polls sheds its oldest signals instead of growing the
// mailbox without bound.
const maxMailboxDepth = 32

// Compile-time interface check.
var _ Signaler = (*HTTPSignaler)(nil)

// signalEnvelope is the JSON body exchanged with the relay's signaling
// endpoints.
type signalEnvelope struct {
	From      string `json:"from"`
	To        string `json:"to,omitempty"`
	SDP       string `json:"sdp"`
	Timestamp string `json:"timestamp,omitempty"`
}

// HTTPSignaler exchanges session descriptions through a relay's
// signaling endpoints. Offers and answers are POSTed as JSON; polling
// GETs drain the caller's mailbox, so each signal is delivered exactly
// once.
type HTTPSignaler struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSignaler creates a signaler talking to the relay at baseURL
// (e.g., "http://relay.local:7654"). A nil client uses a default with a
// 10-second request timeout.
func NewHTTPSignaler(baseURL string, client *http.Client) *HTTPSignaler {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSignaler{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

// PublishOffer posts a complete SDP offer addressed to targetPeer.
func (s *HTTPSignaler) PublishOffer(ctx context.Context, peer, targetPeer, sdp string) error {
	return s.post(ctx, "/signal/offers", signalEnvelope{
		From:      peer,
		To:        targetPeer,
		SDP:       sdp,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// PublishAnswer posts a complete SDP answer addressed to the offerer.
func (s *HTTPSignaler) PublishAnswer(ctx context.Context, offererPeer, peer, sdp string) error {
	return s.post(ctx, "/signal/answers", signalEnvelope{
		From:      peer,
		To:        offererPeer,
		SDP:       sdp,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// PollOffers drains and returns the offers addressed to this peer.
func (s *HTTPSignaler) PollOffers(ctx context.Context, peer string) ([]SignalMessage, error) {
	return s.poll(ctx, "/signal/offers", peer)
}

// PollAnswers drains and returns the answers addressed to this peer's
// outstanding offers.
func (s *HTTPSignaler) PollAnswers(ctx context.Context, peer string) ([]SignalMessage, error) {
	return s.poll(ctx, "/signal/answers", peer)
}

func (s *HTTPSignaler) post(ctx context.Context, path string, envelope signalEnvelope) error {
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("transport: encoding signal: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("transport: building signal request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := s.client.Do(request)
	if err != nil {
		return fmt.Errorf("transport: posting signal to %s: %w", path, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusNoContent {
		return fmt.Errorf("transport: signal endpoint %s returned %s: %s",
			path, response.Status, netutil.ErrorBody(response.Body))
	}
	io.Copy(io.Discard, response.Body)
	return nil
}

func (s *HTTPSignaler) poll(ctx context.Context, path, peer string) ([]SignalMessage, error) {
	pollURL := s.baseURL + path + "?peer=" + url.QueryEscape(peer)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, pollURL, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: building poll request: %w", err)
	}

	response, err := s.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("transport: polling %s: %w", path, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("transport: signal endpoint %s returned %s: %s",
			path, response.Status, netutil.ErrorBody(response.Body))
	}

	var envelopes []signalEnvelope
	if err := netutil.DecodeResponse(response.Body, &envelopes); err != nil {
		return nil, fmt.Errorf("transport: decoding poll response: %w", err)
	}

	messages := make([]SignalMessage, 0, len(envelopes))
	for _, envelope := range envelopes {
		messages = append(messages, SignalMessage{
			Peer:      envelope.From,
			SDP:       envelope.SDP,
			Timestamp: envelope.Timestamp,
		})
	}
	return messages, nil
}

// SignalDirectory is the relay-side mailbox behind the signaling
// endpoints. Offers are keyed by their target peer, answers by the
// offerer they respond to; a poll takes the whole mailbox.
type SignalDirectory struct {
	mu      sync.Mutex
	offers  map[string][]SignalMessage
	answers map[string][]SignalMessage
}

// NewSignalDirectory creates an empty signal mailbox.
func NewSignalDirectory() *SignalDirectory {
	return &SignalDirectory{
		offers:  make(map[string][]SignalMessage),
		answers: make(map[string][]SignalMessage),
	}
}

// PutOffer stores an offer for the target peer to collect.
func (d *SignalDirectory) PutOffer(from, to, sdp, timestamp string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.offers[to] = appendSignal(d.offers[to], SignalMessage{
		Peer:      from,
		SDP:       sdp,
		Timestamp: timestamp,
	})
}

// TakeOffers removes and returns all offers addressed to peer.
func (d *SignalDirectory) TakeOffers(peer string) []SignalMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	messages := d.offers[peer]
	delete(d.offers, peer)
	return messages
}

// PutAnswer stores an answer for the offerer to collect.
func (d *SignalDirectory) PutAnswer(from, to, sdp, timestamp string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.answers[to] = appendSignal(d.answers[to], SignalMessage{
		Peer:      from,
		SDP:       sdp,
		Timestamp: timestamp,
	})
}

// TakeAnswers removes and returns all answers addressed to peer.
func (d *SignalDirectory) TakeAnswers(peer string) []SignalMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	messages := d.answers[peer]
	delete(d.answers, peer)
	return messages
}

// appendSignal appends to a mailbox, shedding the oldest entries once
// the depth cap is reached.
func appendSignal(mailbox []SignalMessage, message SignalMessage) []SignalMessage {
	mailbox = append(mailbox, message)
	if len(mailbox) > maxMailboxDepth {
		mailbox = mailbox[len(mailbox)-maxMailboxDepth:]
	}
	return mailbox
}

// NewSignalingHandler returns the HTTP handler serving the signaling
// endpoints, backed by the given directory:
//
//	POST /signal/offers    {"from","to","sdp","timestamp"}
//	GET  /signal/offers?peer=<name>
//	POST /signal/answers   {"from","to","sdp","timestamp"}
//	GET  /signal/answers?peer=<name>
//
// Routes are registered with absolute paths, so a relay can mount the
// handler at its router root or under PathPrefix("/signal/").
func NewSignalingHandler(directory *SignalDirectory, logger *slog.Logger) http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/signal/offers", func(writer http.ResponseWriter, request *http.Request) {
		handleSignalPost(writer, request, logger, directory.PutOffer)
	}).Methods(http.MethodPost)

	router.HandleFunc("/signal/offers", func(writer http.ResponseWriter, request *http.Request) {
		handleSignalPoll(writer, request, logger, directory.TakeOffers)
	}).Methods(http.MethodGet)

	router.HandleFunc("/signal/answers", func(writer http.ResponseWriter, request *http.Request) {
		handleSignalPost(writer, request, logger, directory.PutAnswer)
	}).Methods(http.MethodPost)

	router.HandleFunc("/signal/answers", func(writer http.ResponseWriter, request *http.Request) {
		handleSignalPoll(writer, request, logger, directory.TakeAnswers)
	}).Methods(http.MethodGet)

	return router
}

func handleSignalPost(writer http.ResponseWriter, request *http.Request, logger *slog.Logger, put func(from, to, sdp, timestamp string)) {
	var envelope signalEnvelope
	if err := json.NewDecoder(io.LimitReader(request.Body, 1<<20)).Decode(&envelope); err != nil {
		http.Error(writer, "malformed signal body", http.StatusBadRequest)
		return
	}
	if envelope.From == "" || envelope.To == "" || envelope.SDP == "" {
		http.Error(writer, "signal requires from, to, and sdp", http.StatusBadRequest)
		return
	}
	if envelope.Timestamp == "" {
		envelope.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	put(envelope.From, envelope.To, envelope.SDP, envelope.Timestamp)
	logger.Debug("signal stored",
		"path", request.URL.Path,
		"from", envelope.From,
		"to", envelope.To,
	)
	writer.WriteHeader(http.StatusNoContent)
}

func handleSignalPoll(writer http.ResponseWriter, request *http.Request, logger *slog.Logger, take func(peer string) []SignalMessage) {
	peer := request.URL.Query().Get("peer")
	if peer == "" {
		http.Error(writer, "peer query parameter required", http.StatusBadRequest)
		return
	}

	messages := take(peer)
	envelopes := make([]signalEnvelope, 0, len(messages))
	for _, message := range messages {
		envelopes = append(envelopes, signalEnvelope{
			From:      message.Peer,
			SDP:       message.SDP,
			Timestamp: message.Timestamp,
		})
	}

	writer.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(writer).Encode(envelopes); err != nil {
		logger.Warn("writing poll response failed", "peer", peer, "error", err)
	}
}
