// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package boringtun

import (
	"errors"
	"sync/atomic"
)

// Stats counts dropped and processed messages. The zero value is ready.
type Stats struct {
	Malformed           atomic.Uint64
	AuthFailures        atomic.Uint64
	Replays             atomic.Uint64
	UnknownIndex        atomic.Uint64
	UnknownPeer         atomic.Uint64
	SpoofedSource       atomic.Uint64
	CookieRepliesSent   atomic.Uint64
	RateLimited         atomic.Uint64
	HandshakesCompleted atomic.Uint64
	HandshakeTimeouts   atomic.Uint64
	PacketsDropped      atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Malformed           uint64
	AuthFailures        uint64
	Replays             uint64
	UnknownIndex        uint64
	UnknownPeer         uint64
	SpoofedSource       uint64
	CookieRepliesSent   uint64
	RateLimited         uint64
	HandshakesCompleted uint64
	HandshakeTimeouts   uint64
	PacketsDropped      uint64
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Malformed:           s.Malformed.Load(),
		AuthFailures:        s.AuthFailures.Load(),
		Replays:             s.Replays.Load(),
		UnknownIndex:        s.UnknownIndex.Load(),
		UnknownPeer:         s.UnknownPeer.Load(),
		SpoofedSource:       s.SpoofedSource.Load(),
		CookieRepliesSent:   s.CookieRepliesSent.Load(),
		RateLimited:         s.RateLimited.Load(),
		HandshakesCompleted: s.HandshakesCompleted.Load(),
		HandshakeTimeouts:   s.HandshakeTimeouts.Load(),
		PacketsDropped:      s.PacketsDropped.Load(),
	}
}

// countDrop attributes a dropped datagram to its category.
func (s *Stats) countDrop(err error) {
	switch {
	case err == nil:
	case errors.Is(err, ErrMalformed):
		s.Malformed.Add(1)
	case errors.Is(err, ErrAuthentication):
		s.AuthFailures.Add(1)
	case errors.Is(err, ErrReplay):
		s.Replays.Add(1)
	case errors.Is(err, ErrUnknownIndex):
		s.UnknownIndex.Add(1)
	case errors.Is(err, ErrUnknownPeer):
		s.UnknownPeer.Add(1)
	case errors.Is(err, ErrSpoofedSource):
		s.SpoofedSource.Add(1)
	case errors.Is(err, ErrUnderLoad):
		s.RateLimited.Add(1)
	default:
		s.PacketsDropped.Add(1)
	}
}
