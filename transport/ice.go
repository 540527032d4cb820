// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"github.com/pion/webrtc/v4"
)

// ICEConfig holds ICE server configuration for WebRTC PeerConnections.
// Relays and editors load it from their configuration; deployments
// behind NAT list a STUN or TURN server here.
type ICEConfig struct {
	// Servers is the list of ICE servers (STUN + TURN) to use during
	// candidate gathering. Order matters: pion tries them in sequence.
	Servers []webrtc.ICEServer
}

// ICEConfigFromURLs builds an ICEConfig from configured server URLs
// ("stun:stun.example.org:3478", "turn:turn.example.org:3478") with
// optional shared credentials. Empty urls return a config with only
// host candidates (no STUN, no TURN), which is sufficient for
// same-machine and same-LAN sessions.
func ICEConfigFromURLs(urls []string, username, credential string) ICEConfig {
	if len(urls) == 0 {
		return ICEConfig{}
	}
	server := webrtc.ICEServer{URLs: urls}
	if username != "" {
		server.Username = username
		server.Credential = credential
	}
	return ICEConfig{
		Servers: []webrtc.ICEServer{server},
	}
}
