// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package boringtun

import (
	"time"
)

// limiterIdleTime is how long a per-source bucket survives without traffic.
const limiterIdleTime = 10 * time.Second

// Tick advances every timer: handshake retries and timeouts, rekey triggers,
// session expiry, keepalives and cookie secret rotation. It returns the
// datagrams that must be sent. Call it at least every few hundred
// milliseconds.
func (e *Engine) Tick() []Datagram {
	if e.closed.Load() {
		return nil
	}
	now := e.clock.Now()

	if rotated, err := e.guard.checker.Rotate(now); err != nil {
		e.log.WithField("function", "Tick").WithError(err).Warn("Failed to rotate cookie secret")
	} else if rotated {
		e.log.WithField("function", "Tick").Debug("Cookie secret rotated")
	}
	e.guard.limiter.gc(now, limiterIdleTime)

	var out []Datagram
	for _, p := range *e.peers.Load() {
		out = append(out, e.tickPeer(p, now)...)
	}
	return out
}

func (e *Engine) tickPeer(p *Peer, now time.Time) []Datagram {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	t := &e.cfg.Timers
	var out []Datagram

	p.releaseLocked(p.sessions.purge(now, t))

	if dg := e.tickHandshakeLocked(p, now); dg != nil {
		out = append(out, *dg)
	}

	if !p.timers.zeroed && !p.timers.lastHandshake.IsZero() && now.Sub(p.timers.lastHandshake) >= 3*t.RejectAfterTime {
		p.zeroLocked()
		p.timers.zeroed = true
		e.log.WithFields(peerFields(p, "tickPeer")).Debug("Session keys zeroed after inactivity")
		return out
	}

	if dg := e.tickKeepaliveLocked(p, now); dg != nil {
		out = append(out, *dg)
	}
	return out
}

// tickHandshakeLocked drives the initiator state machine: retransmit with
// backoff, give up after the retry budget or the attempt lifetime, and start
// a rekey when the current session asks for one.
func (e *Engine) tickHandshakeLocked(p *Peer, now time.Time) *Datagram {
	t := &e.cfg.Timers
	hs := &p.handshake

	if hs.state == handshakeInitiationSent {
		due := now.Sub(hs.lastSent) >= t.retryInterval(hs.retries)
		if now.Sub(hs.started) >= t.RekeyAttemptTime || (due && hs.retries >= t.MaxHandshakeRetries) {
			e.giveUpLocked(p)
			return nil
		}
		if !due {
			return nil
		}
		hs.retries++
		dg, err := e.beginHandshakeLocked(p, now, true)
		if err != nil {
			e.log.WithFields(peerFields(p, "tickHandshake")).WithError(err).Debug("Retransmit failed")
			return nil
		}
		return dg
	}

	if p.timers.abandoned {
		return nil
	}
	if !e.wantsRekeyLocked(p, now) {
		return nil
	}
	dg, err := e.maybeBeginHandshakeLocked(p, now)
	if err != nil {
		e.log.WithFields(peerFields(p, "tickHandshake")).WithError(err).Debug("Rekey not started")
		return nil
	}
	return dg
}

func (e *Engine) wantsRekeyLocked(p *Peer, now time.Time) bool {
	t := &e.cfg.Timers
	cur := p.sessions[slotCurrent]
	if cur == nil {
		return false
	}
	if cur.needsRekey(now, t, &e.cfg.Limits) {
		return true
	}
	fu := p.timers.firstUnanswered
	return !fu.IsZero() && now.Sub(fu) >= t.KeepaliveTimeout+t.RekeyTimeout
}

// giveUpLocked abandons the attempt and drops what was waiting for it. Only
// new outbound traffic starts another attempt.
func (e *Engine) giveUpLocked(p *Peer) {
	p.abandonHandshakeLocked()
	if n := len(p.staged); n > 0 {
		e.stats.PacketsDropped.Add(uint64(n))
		p.staged = nil
	}
	p.timers.abandoned = true
	p.timers.firstUnanswered = time.Time{}
	e.stats.HandshakeTimeouts.Add(1)
	e.log.WithFields(peerFields(p, "giveUp")).Info("Handshake did not complete, giving up")
}

// tickKeepaliveLocked emits a passive keepalive when data arrived and nothing
// went back for KeepaliveTimeout, and a persistent keepalive when nothing was
// sent for the configured interval.
func (e *Engine) tickKeepaliveLocked(p *Peer, now time.Time) *Datagram {
	t := &e.cfg.Timers
	if !p.endpoint.IsValid() {
		return nil
	}

	passive := p.timers.keepaliveOwed && now.Sub(p.timers.lastDataReceived) >= t.KeepaliveTimeout
	persistent := p.persistentKeepalive > 0 && now.Sub(p.timers.lastSent) >= p.persistentKeepalive
	if !passive && !persistent {
		return nil
	}

	data, err := e.encryptLocked(p, nil, now)
	if err == nil {
		return &Datagram{Data: data, Endpoint: p.endpoint}
	}
	p.timers.keepaliveOwed = false
	if !persistent {
		return nil
	}

	p.timers.abandoned = false
	dg, err := e.maybeBeginHandshakeLocked(p, now)
	if err != nil {
		return nil
	}
	return dg
}
