// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
)

// Compile-time interface checks.
var (
	_ Listener = (*WebRTCTransport)(nil)
	_ Dialer   = (*WebRTCTransport)(nil)
)

// signalingPollInterval is how often the transport polls for inbound
// signaling offers from peers.
const signalingPollInterval = 2 * time.Second

// iceGatherTimeout is the maximum time to wait for ICE candidate
// gathering to complete before publishing the SDP.
const iceGatherTimeout = 15 * time.Second

// answerPollInterval is how often the dialer polls for an SDP answer
// after publishing an offer.
const answerPollInterval = 500 * time.Millisecond

// answerTimeout is the maximum time to wait for an SDP answer before
// giving up.
const answerTimeout = 30 * time.Second

// channelOpenTimeout is the maximum time to wait for a created data
// channel to reach the open state.
const channelOpenTimeout = 10 * time.Second

// WebRTCTransport provides peer-to-peer sync over WebRTC data channels.
// It implements both Listener and Dialer because both directions share
// the same pool of PeerConnections.
//
// Each remote peer gets one PeerConnection with potentially many data
// channels. Each DialContext call opens a new data channel on the
// existing PeerConnection (or establishes a new PeerConnection if none
// exists). The Serve side accepts inbound data channels from peers and
// dispatches them, wrapped as net.Conn, to the connection handler.
//
// Signaling uses the Signaler interface (a relay's HTTP endpoints in
// production, an in-process mailbox in tests). Connection establishment
// uses vanilla ICE: all candidates are gathered before the SDP is
// published, so signaling requires exactly one round-trip.
type WebRTCTransport struct {
	signaler Signaler
	peerName string
	logger   *slog.Logger

	// iceConfig and auth are protected by configMu: deployments refresh
	// TURN credentials periodically, and the authenticator is installed
	// after construction but before the transport is used.
	configMu  sync.RWMutex
	iceConfig ICEConfig
	auth      PeerAuthenticator

	// peers maps remote peer name to peerState.
	mu    sync.Mutex
	peers map[string]*peerState

	// inboundConnections carries data channels opened by remote peers,
	// wrapped as net.Conn. Serve reads from this channel and dispatches
	// each connection to the handler.
	inboundConnections chan net.Conn

	// ready is closed when Serve has started the signaling poller and
	// is ready to accept inbound connections. Callers can wait on
	// Ready() before dialing.
	ready     chan struct{}
	readyOnce sync.Once

	// closed signals shutdown.
	closed    chan struct{}
	closeOnce sync.Once

	// channelCounter generates unique data channel labels.
	channelCounter atomic.Uint64
}

// peerState tracks the WebRTC PeerConnection to a single remote peer.
// The peers map is protected by WebRTCTransport.mu; the channels inside
// peerState synchronize on their own.
type peerState struct {
	connection  *webrtc.PeerConnection
	peerName    string
	established chan struct{} // closed when ICE reaches Connected/Completed

	// offerer records which side initiated this PeerConnection. The
	// offerer opens the auth channel when authentication is configured.
	offerer bool

	// authDone is closed when the authentication handshake finishes
	// (immediately at creation when no authenticator is configured).
	// authErr is written before authDone is closed and read only after
	// observing the close.
	authDone chan struct{}
	authOnce sync.Once
	authErr  error

	// dead is closed when the peer entry is torn down (tie-break, ICE
	// failure cleanup, auth failure, transport shutdown), unblocking
	// every goroutine still waiting on established or authDone.
	dead     chan struct{}
	deadOnce sync.Once
}

// markDead tears down the peer's wait channels exactly once.
func (p *peerState) markDead() {
	p.deadOnce.Do(func() {
		close(p.dead)
	})
}

// NewWebRTCTransport creates a WebRTC transport. peerName identifies
// this endpoint in signaling (e.g., "relay/main" or "editor/laptop-a").
// The signaler provides the mechanism for exchanging SDP offers and
// answers.
func NewWebRTCTransport(signaler Signaler, peerName string, iceConfig ICEConfig, logger *slog.Logger) *WebRTCTransport {
	return &WebRTCTransport{
		signaler:           signaler,
		peerName:           peerName,
		iceConfig:          iceConfig,
		logger:             logger,
		peers:              make(map[string]*peerState),
		inboundConnections: make(chan net.Conn, 64),
		ready:              make(chan struct{}),
		closed:             make(chan struct{}),
	}
}

// Ready returns a channel that is closed when Serve has started the
// signaling poller and is ready to accept inbound connections. This
// enables callers to synchronize without polling or sleeping.
func (wt *WebRTCTransport) Ready() <-chan struct{} {
	return wt.ready
}

// Serve starts the signaling poller and dispatches each inbound data
// channel to handler on its own goroutine. Blocks until ctx is
// cancelled or Close is called.
func (wt *WebRTCTransport) Serve(ctx context.Context, handler ConnHandler) error {
	go wt.signalingPoller(ctx)

	wt.readyOnce.Do(func() { close(wt.ready) })

	for {
		select {
		case conn := <-wt.inboundConnections:
			go handler(conn)
		case <-ctx.Done():
			return nil
		case <-wt.closed:
			return nil
		}
	}
}

// Address returns this endpoint's peer name. Remote peers use it as the
// dial address, which signaling resolves to a PeerConnection.
func (wt *WebRTCTransport) Address() string {
	return wt.peerName
}

// Close shuts down all PeerConnections and stops the signaling poller.
func (wt *WebRTCTransport) Close() error {
	wt.closeOnce.Do(func() {
		close(wt.closed)
	})

	wt.mu.Lock()
	defer wt.mu.Unlock()

	for peerName, peer := range wt.peers {
		peer.markDead()
		peer.connection.Close()
		delete(wt.peers, peerName)
	}
	return nil
}

// UpdateICEConfig replaces the ICE configuration for new
// PeerConnections. Existing PeerConnections continue using their
// current configuration.
func (wt *WebRTCTransport) UpdateICEConfig(config ICEConfig) {
	wt.configMu.Lock()
	defer wt.configMu.Unlock()
	wt.iceConfig = config
}

// UseAuthenticator installs a PeerAuthenticator. Every PeerConnection
// established afterwards must complete the mutual handshake before
// data channels flow. Configure before Serve or the first DialContext;
// connections established earlier are not retroactively authenticated.
func (wt *WebRTCTransport) UseAuthenticator(auth PeerAuthenticator) {
	wt.configMu.Lock()
	defer wt.configMu.Unlock()
	wt.auth = auth
}

func (wt *WebRTCTransport) authenticator() PeerAuthenticator {
	wt.configMu.RLock()
	defer wt.configMu.RUnlock()
	return wt.auth
}

// DialContext opens a data channel to the peer identified by address
// (the peer's name in signaling). If no PeerConnection exists to that
// peer, it creates one by publishing an SDP offer and waiting for the
// answer. Each call creates a new ordered, reliable data channel.
func (wt *WebRTCTransport) DialContext(ctx context.Context, address string) (net.Conn, error) {
	select {
	case <-wt.closed:
		return nil, net.ErrClosed
	default:
	}

	peer, err := wt.getOrCreatePeer(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("establishing peer connection to %s: %w", address, err)
	}

	// Wait for the PeerConnection to be established.
	select {
	case <-peer.established:
	case <-peer.dead:
		return nil, fmt.Errorf("connection to %s torn down during establishment", address)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-wt.closed:
		return nil, net.ErrClosed
	}

	// Wait for authentication when an authenticator is configured.
	select {
	case <-peer.authDone:
		if peer.authErr != nil {
			return nil, fmt.Errorf("peer %s: %w", address, peer.authErr)
		}
	case <-peer.dead:
		return nil, fmt.Errorf("connection to %s torn down during authentication", address)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-wt.closed:
		return nil, net.ErrClosed
	}

	return wt.openDataChannel(peer)
}

// getOrCreatePeer returns the peerState for the given peer name,
// creating and signaling a new PeerConnection if necessary. If another
// goroutine is already establishing a connection to this peer, callers
// wait for that attempt rather than starting a parallel one.
func (wt *WebRTCTransport) getOrCreatePeer(ctx context.Context, peerName string) (*peerState, error) {
	wt.mu.Lock()

	if peer, ok := wt.peers[peerName]; ok {
		state := peer.connection.ICEConnectionState()
		if state != webrtc.ICEConnectionStateFailed &&
			state != webrtc.ICEConnectionStateClosed {
			wt.mu.Unlock()
			return peer, nil
		}
		// Connection is dead. Tear down and re-establish.
		peer.markDead()
		peer.connection.Close()
		delete(wt.peers, peerName)
	}

	// Create the PeerConnection and store it in the map before
	// releasing the lock. This ensures concurrent callers find this
	// entry and wait on peer.established instead of starting duplicate
	// signaling.
	pc, err := wt.newPeerConnection()
	if err != nil {
		wt.mu.Unlock()
		return nil, fmt.Errorf("creating PeerConnection: %w", err)
	}

	peer := wt.newPeerState(pc, peerName, true)
	wt.peers[peerName] = peer
	wt.mu.Unlock()

	// Run signaling outside the lock. On failure, clean up the map
	// entry so the next caller retries.
	if err := wt.establishOutbound(ctx, peer); err != nil {
		wt.mu.Lock()
		if current, ok := wt.peers[peerName]; ok && current == peer {
			delete(wt.peers, peerName)
		}
		wt.mu.Unlock()
		peer.markDead()
		pc.Close()
		return nil, err
	}

	if wt.authenticator() != nil {
		go wt.runAuthAsOfferer(peer)
	}

	return peer, nil
}

// newPeerState builds the tracking state for one PeerConnection. When
// no authenticator is configured the auth gate is open from the start.
func (wt *WebRTCTransport) newPeerState(pc *webrtc.PeerConnection, peerName string, offerer bool) *peerState {
	peer := &peerState{
		connection:  pc,
		peerName:    peerName,
		established: make(chan struct{}),
		offerer:     offerer,
		authDone:    make(chan struct{}),
		dead:        make(chan struct{}),
	}
	if wt.authenticator() == nil {
		peer.authOnce.Do(func() { close(peer.authDone) })
	}
	return peer
}

// establishOutbound performs SDP signaling for a PeerConnection that is
// already stored in the peers map. The caller must have created the
// PeerConnection and registered it before calling this. On success the
// peer.established channel will be closed by the ICE state handler.
func (wt *WebRTCTransport) establishOutbound(ctx context.Context, peer *peerState) error {
	pc := peer.connection

	// Register inbound data channel handler (the peer may open
	// channels to us).
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		wt.handleInboundDataChannel(dc, peer)
	})

	// Monitor ICE connection state.
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		wt.handleICEStateChange(peer, state)
	})

	// Create a trigger data channel to generate the SDP offer. The
	// remote side doesn't use this channel; it just forces pion to
	// include a data channel section in the SDP.
	if _, err := pc.CreateDataChannel("init", nil); err != nil {
		return fmt.Errorf("creating init data channel: %w", err)
	}

	// Create and set the local SDP offer.
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("creating SDP offer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}

	// Wait for ICE gathering to complete (vanilla ICE).
	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		return fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	// Publish the complete SDP offer.
	completeSDP := pc.LocalDescription().SDP
	if err := wt.signaler.PublishOffer(ctx, wt.peerName, peer.peerName, completeSDP); err != nil {
		return fmt.Errorf("publishing SDP offer: %w", err)
	}

	wt.logger.Info("WebRTC offer published", "peer", peer.peerName)

	// Poll for the answer.
	answerSDP, err := wt.waitForAnswer(ctx, peer.peerName)
	if err != nil {
		return fmt.Errorf("waiting for SDP answer from %s: %w", peer.peerName, err)
	}

	// Set the remote description.
	answer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answerSDP,
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}

	wt.logger.Info("WebRTC outbound connection established", "peer", peer.peerName)
	return nil
}

// waitForAnswer polls the signaler for an SDP answer from the specified
// peer.
func (wt *WebRTCTransport) waitForAnswer(ctx context.Context, peerName string) (string, error) {
	deadline := time.After(answerTimeout)
	ticker := time.NewTicker(answerPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			return "", fmt.Errorf("timed out after %s", answerTimeout)
		case <-ctx.Done():
			return "", ctx.Err()
		case <-wt.closed:
			return "", net.ErrClosed
		case <-ticker.C:
			answers, err := wt.signaler.PollAnswers(ctx, wt.peerName)
			if err != nil {
				wt.logger.Warn("polling for SDP answer failed", "error", err)
				continue
			}
			for _, answer := range answers {
				if answer.Peer == peerName {
					return answer.SDP, nil
				}
			}
		}
	}
}

// signalingPoller runs in the background and checks for incoming SDP
// offers from peers.
func (wt *WebRTCTransport) signalingPoller(ctx context.Context) {
	ticker := time.NewTicker(signalingPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-wt.closed:
			return
		case <-ticker.C:
			wt.processInboundOffers(ctx)
		}
	}
}

// processInboundOffers checks for new SDP offers and answers them.
func (wt *WebRTCTransport) processInboundOffers(ctx context.Context) {
	offers, err := wt.signaler.PollOffers(ctx, wt.peerName)
	if err != nil {
		wt.logger.Warn("polling for SDP offers failed", "error", err)
		return
	}

	for _, offer := range offers {
		wt.mu.Lock()
		existing, hasExisting := wt.peers[offer.Peer]
		wt.mu.Unlock()

		if hasExisting {
			state := existing.connection.ICEConnectionState()
			if state != webrtc.ICEConnectionStateFailed &&
				state != webrtc.ICEConnectionStateClosed {
				// Signaling race: we already have a connection (or are
				// establishing one) to this peer. Tie-breaking: the
				// lexicographically smaller peer name is the canonical
				// offerer. If the peer should be the offerer (their
				// name < ours), accept their offer and tear down our
				// outbound attempt. Otherwise, ignore their offer.
				if offer.Peer > wt.peerName {
					// We are the canonical offerer. Ignore their offer.
					continue
				}
				// They are the canonical offerer. Tear down our
				// connection.
				wt.mu.Lock()
				existing.markDead()
				existing.connection.Close()
				delete(wt.peers, offer.Peer)
				wt.mu.Unlock()
			} else {
				// Existing connection is dead. Clean it up.
				wt.mu.Lock()
				existing.markDead()
				existing.connection.Close()
				delete(wt.peers, offer.Peer)
				wt.mu.Unlock()
			}
		}

		if err := wt.answerOffer(ctx, offer); err != nil {
			wt.logger.Error("answering WebRTC offer failed",
				"peer", offer.Peer,
				"error", err,
			)
		}
	}
}

// answerOffer creates a PeerConnection in response to an incoming SDP
// offer.
func (wt *WebRTCTransport) answerOffer(ctx context.Context, offer SignalMessage) error {
	pc, err := wt.newPeerConnection()
	if err != nil {
		return fmt.Errorf("creating PeerConnection: %w", err)
	}

	peer := wt.newPeerState(pc, offer.Peer, false)

	// Register inbound data channel handler.
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		wt.handleInboundDataChannel(dc, peer)
	})

	// Monitor ICE connection state.
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		wt.handleICEStateChange(peer, state)
	})

	// Set the remote offer.
	remoteOffer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer.SDP,
	}
	if err := pc.SetRemoteDescription(remoteOffer); err != nil {
		pc.Close()
		return fmt.Errorf("setting remote description: %w", err)
	}

	// Create answer.
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return fmt.Errorf("creating SDP answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return fmt.Errorf("setting local description: %w", err)
	}

	// Wait for ICE gathering to complete.
	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		pc.Close()
		return fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		pc.Close()
		return ctx.Err()
	}

	// Publish the complete answer.
	completeSDP := pc.LocalDescription().SDP
	if err := wt.signaler.PublishAnswer(ctx, offer.Peer, wt.peerName, completeSDP); err != nil {
		pc.Close()
		return fmt.Errorf("publishing SDP answer: %w", err)
	}

	// Store the peer.
	wt.mu.Lock()
	wt.peers[offer.Peer] = peer
	wt.mu.Unlock()

	if wt.authenticator() != nil {
		go wt.watchAuthDeadline(peer)
	}

	wt.logger.Info("WebRTC inbound connection answered",
		"peer", offer.Peer,
	)

	return nil
}

// handleInboundDataChannel wraps an incoming data channel as a net.Conn
// and pushes it to the inbound connection channel once the peer has
// authenticated (immediately when no authenticator is configured).
func (wt *WebRTCTransport) handleInboundDataChannel(dc *webrtc.DataChannel, peer *peerState) {
	// The "init" data channel is a trigger used by establishOutbound to
	// force pion to include a data channel section in the SDP offer.
	// Neither side sends data on it. Pion's SCTP implementation can
	// exhibit internal lock contention when multiple streams on the
	// same association have concurrent blocked reads, so the init
	// channel is closed instead of parked on a reader.
	if dc.Label() == "init" {
		dc.OnOpen(func() {
			dc.Close()
		})
		return
	}

	if dc.Label() == authChannelLabel {
		wt.handleInboundAuthChannel(dc, peer)
		return
	}

	wt.logger.Debug("inbound data channel received",
		"peer", peer.peerName,
		"label", dc.Label(),
	)
	dc.OnOpen(func() {
		wt.logger.Debug("inbound data channel opened",
			"peer", peer.peerName,
			"label", dc.Label(),
		)
		rawChannel, err := dc.Detach()
		if err != nil {
			wt.logger.Error("detaching inbound data channel failed",
				"peer", peer.peerName,
				"label", dc.Label(),
				"error", err,
			)
			return
		}

		conn := NewDataChannelConn(
			rawChannel,
			wt.peerName+"/"+dc.Label(),
			peer.peerName+"/"+dc.Label(),
		)

		go func() {
			select {
			case <-peer.authDone:
			case <-peer.dead:
				conn.Close()
				return
			case <-wt.closed:
				conn.Close()
				return
			}
			if peer.authErr != nil {
				conn.Close()
				return
			}
			select {
			case wt.inboundConnections <- conn:
			case <-wt.closed:
				conn.Close()
			}
		}()
	})
}

// handleInboundAuthChannel runs the answerer's side of the mutual
// authentication handshake on a channel the offerer opened.
func (wt *WebRTCTransport) handleInboundAuthChannel(dc *webrtc.DataChannel, peer *peerState) {
	dc.OnOpen(func() {
		auth := wt.authenticator()
		if auth == nil || peer.offerer {
			// No authenticator configured, or an auth channel arriving
			// on a connection we offered: the peer is out of protocol.
			dc.Close()
			return
		}

		rawChannel, err := dc.Detach()
		if err != nil {
			wt.finishAuth(peer, fmt.Errorf("detaching auth channel: %w", err))
			return
		}

		stream := NewDataChannelConn(
			rawChannel,
			wt.peerName+"/"+authChannelLabel,
			peer.peerName+"/"+authChannelLabel,
		)
		defer stream.Close()
		stream.SetDeadline(time.Now().Add(authTimeout))

		wt.finishAuth(peer, runPeerAuth(stream, auth, wt.peerName, peer.peerName))
	})
}

// runAuthAsOfferer opens the auth channel on a PeerConnection this side
// offered and runs the handshake. DialContext callers block on the auth
// gate until this finishes.
func (wt *WebRTCTransport) runAuthAsOfferer(peer *peerState) {
	auth := wt.authenticator()
	if auth == nil {
		return
	}

	select {
	case <-peer.established:
	case <-peer.dead:
		return
	case <-wt.closed:
		return
	}

	stream, err := wt.openChannel(peer, authChannelLabel)
	if err != nil {
		wt.finishAuth(peer, fmt.Errorf("opening auth channel: %w", err))
		return
	}
	defer stream.Close()
	stream.SetDeadline(time.Now().Add(authTimeout))

	wt.finishAuth(peer, runPeerAuth(stream, auth, wt.peerName, peer.peerName))
}

// watchAuthDeadline tears down an answered PeerConnection whose offerer
// never completes (or never starts) the handshake.
func (wt *WebRTCTransport) watchAuthDeadline(peer *peerState) {
	select {
	case <-peer.established:
	case <-peer.dead:
		return
	case <-wt.closed:
		return
	}

	timer := time.NewTimer(authTimeout)
	defer timer.Stop()

	select {
	case <-peer.authDone:
	case <-peer.dead:
	case <-wt.closed:
	case <-timer.C:
		wt.finishAuth(peer, fmt.Errorf("peer did not authenticate within %s", authTimeout))
	}
}

// finishAuth records the handshake outcome exactly once and opens the
// auth gate. A failed handshake tears down the whole PeerConnection.
func (wt *WebRTCTransport) finishAuth(peer *peerState, err error) {
	peer.authOnce.Do(func() {
		peer.authErr = err
		close(peer.authDone)

		if err != nil {
			wt.logger.Error("peer authentication failed",
				"peer", peer.peerName,
				"error", err,
			)
			wt.mu.Lock()
			if current, ok := wt.peers[peer.peerName]; ok && current == peer {
				delete(wt.peers, peer.peerName)
			}
			wt.mu.Unlock()
			peer.markDead()
			peer.connection.Close()
			return
		}

		wt.logger.Info("peer authenticated", "peer", peer.peerName)
	})
}

// handleICEStateChange monitors PeerConnection state and manages the
// established signal.
func (wt *WebRTCTransport) handleICEStateChange(peer *peerState, state webrtc.ICEConnectionState) {
	wt.logger.Info("ICE state change",
		"peer", peer.peerName,
		"state", state.String(),
	)

	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		// Signal that the connection is ready for data channels.
		select {
		case <-peer.established:
			// Already signaled.
		default:
			close(peer.established)
		}

	case webrtc.ICEConnectionStateFailed:
		wt.logger.Warn("WebRTC connection failed, will re-establish on next dial",
			"peer", peer.peerName,
		)
		// Don't remove from peers map here; DialContext/getOrCreatePeer
		// checks the state and re-establishes if needed.

	case webrtc.ICEConnectionStateClosed:
		wt.mu.Lock()
		if current, ok := wt.peers[peer.peerName]; ok && current == peer {
			delete(wt.peers, peer.peerName)
		}
		wt.mu.Unlock()
		peer.markDead()
	}
}

// openDataChannel creates a new ordered, reliable sync channel on the
// peer's PeerConnection and returns it as a net.Conn.
func (wt *WebRTCTransport) openDataChannel(peer *peerState) (net.Conn, error) {
	counter := wt.channelCounter.Add(1)
	return wt.openChannel(peer, fmt.Sprintf("sync-%d", counter))
}

// openChannel creates a data channel with the given label, waits for it
// to open, and wraps the detached stream as a net.Conn.
func (wt *WebRTCTransport) openChannel(peer *peerState, label string) (net.Conn, error) {
	wt.logger.Debug("opening data channel",
		"label", label,
		"peer", peer.peerName,
	)

	ordered := true
	dc, err := peer.connection.CreateDataChannel(label, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		return nil, fmt.Errorf("creating data channel %s: %w", label, err)
	}

	// Wait for the data channel to open.
	openChan := make(chan struct{})
	dc.OnOpen(func() {
		wt.logger.Debug("data channel opened", "label", label, "peer", peer.peerName)
		close(openChan)
	})

	select {
	case <-openChan:
	case <-time.After(channelOpenTimeout):
		wt.logger.Warn("data channel open timed out", "label", label, "peer", peer.peerName)
		dc.Close()
		return nil, fmt.Errorf("data channel %s did not open within %s", label, channelOpenTimeout)
	case <-peer.dead:
		dc.Close()
		return nil, fmt.Errorf("connection to %s torn down", peer.peerName)
	case <-wt.closed:
		dc.Close()
		return nil, net.ErrClosed
	}

	rawChannel, err := dc.Detach()
	if err != nil {
		dc.Close()
		return nil, fmt.Errorf("detaching data channel %s: %w", label, err)
	}

	return NewDataChannelConn(
		rawChannel,
		wt.peerName+"/"+label,
		peer.peerName+"/"+label,
	), nil
}

// newPeerConnection creates a pion PeerConnection with the current ICE
// config.
func (wt *WebRTCTransport) newPeerConnection() (*webrtc.PeerConnection, error) {
	wt.configMu.RLock()
	config := webrtc.Configuration{
		ICEServers: wt.iceConfig.Servers,
	}
	wt.configMu.RUnlock()

	// Use a SettingEngine to enable data channel detach (required for
	// stream-oriented ReadWriteCloser access) and loopback ICE
	// candidates (required for same-machine sessions and test
	// environments where loopback is the only available interface).
	settingEngine := webrtc.SettingEngine{}
	settingEngine.DetachDataChannels()
	settingEngine.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(config)
}
