// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func startSignalingServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(NewSignalingHandler(NewSignalDirectory(), testLogger()))
	t.Cleanup(server.Close)
	return server
}

// TestHTTPSignaler_PublishAndPoll round-trips an offer and an answer
// through the relay endpoints. Polling drains the mailbox, so a second
// poll returns nothing.
func TestHTTPSignaler_PublishAndPoll(t *testing.T) {
	server := startSignalingServer(t)
	signaler := NewHTTPSignaler(server.URL, nil)
	ctx := context.Background()

	if err := signaler.PublishOffer(ctx, "editor/a", "editor/b", "offer-sdp"); err != nil {
		t.Fatalf("PublishOffer: %v", err)
	}

	offers, err := signaler.PollOffers(ctx, "editor/b")
	if err != nil {
		t.Fatalf("PollOffers: %v", err)
	}
	if len(offers) != 1 {
		t.Fatalf("expected 1 offer, got %d", len(offers))
	}
	if offers[0].Peer != "editor/a" {
		t.Errorf("Peer = %q, want %q", offers[0].Peer, "editor/a")
	}
	if offers[0].SDP != "offer-sdp" {
		t.Errorf("SDP = %q, want %q", offers[0].SDP, "offer-sdp")
	}
	if offers[0].Timestamp == "" {
		t.Error("expected a timestamp on the polled offer")
	}

	// The mailbox is drained.
	offers, err = signaler.PollOffers(ctx, "editor/b")
	if err != nil {
		t.Fatalf("second PollOffers: %v", err)
	}
	if len(offers) != 0 {
		t.Errorf("expected 0 offers on second poll, got %d", len(offers))
	}

	// The answer comes back to the offerer.
	if err := signaler.PublishAnswer(ctx, "editor/a", "editor/b", "answer-sdp"); err != nil {
		t.Fatalf("PublishAnswer: %v", err)
	}

	answers, err := signaler.PollAnswers(ctx, "editor/a")
	if err != nil {
		t.Fatalf("PollAnswers: %v", err)
	}
	if len(answers) != 1 {
		t.Fatalf("expected 1 answer, got %d", len(answers))
	}
	if answers[0].Peer != "editor/b" {
		t.Errorf("Peer = %q, want %q", answers[0].Peer, "editor/b")
	}
	if answers[0].SDP != "answer-sdp" {
		t.Errorf("SDP = %q, want %q", answers[0].SDP, "answer-sdp")
	}
}

// TestHTTPSignaler_TargetedDelivery verifies that signals only reach the
// peer they are addressed to.
func TestHTTPSignaler_TargetedDelivery(t *testing.T) {
	server := startSignalingServer(t)
	signaler := NewHTTPSignaler(server.URL, nil)
	ctx := context.Background()

	if err := signaler.PublishOffer(ctx, "editor/a", "editor/b", "offer-for-b"); err != nil {
		t.Fatalf("PublishOffer: %v", err)
	}

	// C polls first and must not intercept B's offer.
	offers, err := signaler.PollOffers(ctx, "editor/c")
	if err != nil {
		t.Fatalf("PollOffers for C: %v", err)
	}
	if len(offers) != 0 {
		t.Errorf("expected 0 offers for C, got %d", len(offers))
	}

	offers, err = signaler.PollOffers(ctx, "editor/b")
	if err != nil {
		t.Fatalf("PollOffers for B: %v", err)
	}
	if len(offers) != 1 {
		t.Errorf("expected 1 offer for B, got %d", len(offers))
	}
}

// TestSignalDirectory_MailboxCap verifies that a mailbox sheds its
// oldest signals once the depth cap is reached.
func TestSignalDirectory_MailboxCap(t *testing.T) {
	directory := NewSignalDirectory()

	total := maxMailboxDepth + 8
	for index := 0; index < total; index++ {
		directory.PutOffer("editor/a", "editor/b", fmt.Sprintf("sdp-%d", index), "")
	}

	offers := directory.TakeOffers("editor/b")
	if len(offers) != maxMailboxDepth {
		t.Fatalf("mailbox depth = %d, want %d", len(offers), maxMailboxDepth)
	}

	// The oldest entries were shed; the newest survived.
	if got, want := offers[0].SDP, fmt.Sprintf("sdp-%d", total-maxMailboxDepth); got != want {
		t.Errorf("oldest surviving SDP = %q, want %q", got, want)
	}
	if got, want := offers[len(offers)-1].SDP, fmt.Sprintf("sdp-%d", total-1); got != want {
		t.Errorf("newest SDP = %q, want %q", got, want)
	}
}

// TestSignalingHandler_RejectsBadRequests covers the validation paths of
// the relay endpoints.
func TestSignalingHandler_RejectsBadRequests(t *testing.T) {
	server := startSignalingServer(t)

	tests := []struct {
		name   string
		method string
		url    string
		body   string
	}{
		{
			name:   "malformed JSON",
			method: http.MethodPost,
			url:    server.URL + "/signal/offers",
			body:   "{not json",
		},
		{
			name:   "missing SDP",
			method: http.MethodPost,
			url:    server.URL + "/signal/offers",
			body:   `{"from":"editor/a","to":"editor/b"}`,
		},
		{
			name:   "missing recipient",
			method: http.MethodPost,
			url:    server.URL + "/signal/answers",
			body:   `{"from":"editor/b","sdp":"answer-sdp"}`,
		},
		{
			name:   "poll without peer",
			method: http.MethodGet,
			url:    server.URL + "/signal/offers",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			request, err := http.NewRequest(test.method, test.url, strings.NewReader(test.body))
			if err != nil {
				t.Fatalf("NewRequest: %v", err)
			}
			if test.method == http.MethodPost {
				request.Header.Set("Content-Type", "application/json")
			}

			response, err := http.DefaultClient.Do(request)
			if err != nil {
				t.Fatalf("Do: %v", err)
			}
			response.Body.Close()

			if response.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", response.StatusCode, http.StatusBadRequest)
			}
		})
	}
}

// TestHTTPSignaler_ErrorStatus verifies that non-2xx responses surface
// as errors on the client.
func TestHTTPSignaler_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		http.Error(writer, "relay on fire", http.StatusInternalServerError)
	}))
	defer server.Close()

	signaler := NewHTTPSignaler(server.URL, nil)
	ctx := context.Background()

	if err := signaler.PublishOffer(ctx, "editor/a", "editor/b", "offer-sdp"); err == nil {
		t.Error("expected PublishOffer to surface the server error")
	}
	if _, err := signaler.PollOffers(ctx, "editor/b"); err == nil {
		t.Error("expected PollOffers to surface the server error")
	}
}
