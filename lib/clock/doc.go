// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time so timing-dependent behavior is
// testable without real waiting.
//
// Everything in loom that observes or schedules time takes a Clock:
// the sync client sleeps out its reconnect backoff through one, the
// awareness tracker runs its TTL reaper on one of its tickers, the
// oplog compactor wakes on one, and relay sessions stamp last-seen
// times from Now. Production wiring passes Real(); tests pass a Fake
// and drive it with Advance, so a 30-second heartbeat window or a
// capped backoff schedule runs in microseconds and without flakes.
//
// # Wiring pattern
//
// Structs that need time hold a Clock field:
//
//	type Tracker struct {
//	    clock clock.Clock
//	    // ...
//	}
//
// In production:
//
//	t := NewTracker(Config{Clock: clock.Real()})
//
// In tests:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	t := NewTracker(Config{Clock: c})
//	// ... start goroutines ...
//	c.WaitForTimers(1) // block until the reaper registers its ticker
//	c.Advance(30 * time.Second) // fire it deterministically
//
// WaitForTimers closes the race between a goroutine registering a
// timer and the test advancing past its deadline; no production or
// test code in this module should need a raw time.Sleep for
// synchronization.
package clock
