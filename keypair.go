// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package boringtun

import (
	"time"
)

// Keypair is one symmetric session derived from a completed handshake.
// sendNonce is only touched under the owning peer's lock.
type Keypair struct {
	ciphers     sessionCiphers
	replay      *SlidingWindow
	sendNonce   uint64
	created     time.Time
	isInitiator bool
	localIndex  uint32
	remoteIndex uint32
}

func newKeypair(c *sessionCiphers, initiator bool, local, remote uint32, window uint64, now time.Time) *Keypair {
	return &Keypair{
		ciphers:     *c,
		replay:      NewSlidingWindow(window),
		created:     now,
		isInitiator: initiator,
		localIndex:  local,
		remoteIndex: remote,
	}
}

func (kp *Keypair) age(now time.Time) time.Duration {
	return now.Sub(kp.created)
}

// expired reports whether the session may no longer carry data in either
// direction.
func (kp *Keypair) expired(now time.Time, t *Timers) bool {
	return kp.age(now) >= t.RejectAfterTime
}

// canSend reports whether the next send nonce is still below the hard limits.
func (kp *Keypair) canSend(now time.Time, t *Timers, l *Limits) bool {
	return !kp.expired(now, t) && kp.sendNonce < l.RejectAfterMessages
}

// needsRekey reports whether a replacement should be negotiated.
func (kp *Keypair) needsRekey(now time.Time, t *Timers, l *Limits) bool {
	if kp.sendNonce >= l.RekeyAfterMessages {
		return true
	}
	if kp.isInitiator {
		return kp.age(now) >= t.RekeyAfterTime
	}
	return kp.age(now) >= t.responderRekeyAge()
}

// Session slots. A fixed array with explicit moves keeps ownership of each
// session unambiguous while a rekey is in flight.
const (
	slotCurrent = iota
	slotNext
	slotPrevious
	slotCount
)

type sessionSlots [slotCount]*Keypair

// installCurrent makes kp the current session. The old current moves to
// previous; the displaced previous and any pending next are returned so the
// caller can release their indices.
func (s *sessionSlots) installCurrent(kp *Keypair) []*Keypair {
	var released []*Keypair
	if s[slotNext] != nil {
		released = append(released, s[slotNext])
		s[slotNext] = nil
	}
	if s[slotCurrent] != nil {
		if s[slotPrevious] != nil {
			released = append(released, s[slotPrevious])
		}
		s[slotPrevious] = s[slotCurrent]
	}
	s[slotCurrent] = kp
	return released
}

// installNext parks a responder session until the initiator proves it holds
// the same keys.
func (s *sessionSlots) installNext(kp *Keypair) []*Keypair {
	var released []*Keypair
	if s[slotNext] != nil {
		released = append(released, s[slotNext])
	}
	s[slotNext] = kp
	return released
}

// promote moves next into current after data arrived under it.
func (s *sessionSlots) promote() []*Keypair {
	next := s[slotNext]
	if next == nil {
		return nil
	}
	s[slotNext] = nil
	return s.installCurrent(next)
}

func (s *sessionSlots) holds(kp *Keypair) bool {
	for _, k := range s {
		if k == kp && kp != nil {
			return true
		}
	}
	return false
}

// purge drops expired sessions.
func (s *sessionSlots) purge(now time.Time, t *Timers) []*Keypair {
	var released []*Keypair
	for i, k := range s {
		if k != nil && k.expired(now, t) {
			released = append(released, k)
			s[i] = nil
		}
	}
	return released
}

func (s *sessionSlots) clear() []*Keypair {
	var released []*Keypair
	for i, k := range s {
		if k != nil {
			released = append(released, k)
			s[i] = nil
		}
	}
	return released
}

func (s *sessionSlots) empty() bool {
	return s[slotCurrent] == nil && s[slotNext] == nil && s[slotPrevious] == nil
}
