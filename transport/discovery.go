// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/grandcat/zeroconf"
)

// DiscoveryService is the mDNS service type relays advertise on the
// local network.
const DiscoveryService = "_loom-sync._tcp"

// discoveryDomain is the mDNS domain for LAN discovery.
const discoveryDomain = "local."

// RelayEntry describes one relay discovered on the local network.
type RelayEntry struct {
	// Instance is the advertised instance name, usually the relay's
	// configured name plus its hostname.
	Instance string

	// Address is the relay's "host:port" endpoint, built from the first
	// advertised IPv4 address.
	Address string

	// Text carries the advertised TXT records (e.g., the sync path).
	Text []string
}

// AdvertiseRelay registers the relay in mDNS so editors on the same
// network can find it without configuration. txt entries ride along in
// the service's TXT record. The returned stop function deregisters the
// service; call it on shutdown.
func AdvertiseRelay(instance string, port int, txt []string, logger *slog.Logger) (func(), error) {
	server, err := zeroconf.Register(instance, DiscoveryService, discoveryDomain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("registering mDNS service: %w", err)
	}
	logger.Info("mDNS service registered",
		"instance", instance,
		"service", DiscoveryService,
		"port", port,
	)
	return server.Shutdown, nil
}

// DiscoverRelays browses the local network for advertised relays until
// ctx expires and returns everything found. A typical caller passes a
// context with a timeout of a few seconds.
func DiscoverRelays(ctx context.Context, logger *slog.Logger) ([]RelayEntry, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("creating mDNS resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	done := make(chan struct{})

	var relays []RelayEntry
	go func() {
		defer close(done)
		for entry := range entries {
			if len(entry.AddrIPv4) == 0 {
				continue
			}
			relay := RelayEntry{
				Instance: entry.Instance,
				Address:  net.JoinHostPort(entry.AddrIPv4[0].String(), strconv.Itoa(entry.Port)),
				Text:     entry.Text,
			}
			logger.Debug("mDNS relay discovered",
				"instance", relay.Instance,
				"address", relay.Address,
			)
			relays = append(relays, relay)
		}
	}()

	if err := resolver.Browse(ctx, DiscoveryService, discoveryDomain, entries); err != nil {
		return nil, fmt.Errorf("browsing mDNS services: %w", err)
	}

	// Browse returns immediately; the entries channel closes when ctx
	// expires.
	<-done
	return relays, nil
}
