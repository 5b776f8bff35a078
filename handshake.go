// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package boringtun

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"
)

// Handshake message body spans: the Noise payload is the contiguous run of
// fields between the indices and the MACs.
const (
	initiationBodyStart = 8
	initiationBodyEnd   = initiationBodyStart + noiseInitiationSize
	responseBodyStart   = 12
	responseBodyEnd     = responseBodyStart + noiseResponseSize
)

// beginHandshakeLocked sends a fresh initiation to p. Retransmits of the same
// attempt keep started and the retry count; everything else (ephemeral,
// timestamp, index) is new.
func (e *Engine) beginHandshakeLocked(p *Peer, now time.Time, retransmit bool) (*Datagram, error) {
	if !p.endpoint.IsValid() {
		return nil, ErrNoEndpoint
	}

	hs := &p.handshake
	started, retries := now, 0
	if retransmit && hs.state == handshakeInitiationSent {
		started, retries = hs.started, hs.retries
	}
	p.abandonHandshakeLocked()

	idx, err := e.indices.newIndex(p)
	if err != nil {
		return nil, fmt.Errorf("allocate index: %w", err)
	}

	body, transcript, err := writeInitiation(e.static, p.publicKey, p.psk, timestampAt(now), nil)
	if err != nil {
		e.indices.delete(idx)
		return nil, err
	}

	msg := MessageInitiation{Type: MessageInitiationType, Sender: idx}
	copy(msg.Ephemeral[:], body[0:32])
	copy(msg.Static[:], body[32:80])
	copy(msg.Timestamp[:], body[80:])
	packet := encodeMessageInitiation(&msg)
	p.cookies.AddMacs(packet, now)

	*hs = handshakeAttempt{
		state:      handshakeInitiationSent,
		localIndex: idx,
		transcript: transcript,
		started:    started,
		lastSent:   now,
		retries:    retries,
	}
	if !retransmit {
		p.timers.lastInitiation = now
	}
	p.timers.lastSent = now
	p.timers.abandoned = false

	e.log.WithFields(peerFields(p, "beginHandshake")).WithField("retries", retries).Debug("Sending handshake initiation")
	return &Datagram{Data: packet, Endpoint: p.endpoint}, nil
}

// maybeBeginHandshakeLocked starts an attempt unless one is in flight or the
// last one started less than RekeyTimeout ago.
func (e *Engine) maybeBeginHandshakeLocked(p *Peer, now time.Time) (*Datagram, error) {
	if p.handshake.state == handshakeInitiationSent {
		return nil, nil
	}
	last := p.timers.lastInitiation
	if !last.IsZero() && now.Sub(last) < e.cfg.Timers.RekeyTimeout {
		return nil, nil
	}
	return e.beginHandshakeLocked(p, now, false)
}

// consumeInitiation is the responder side: admission, identity and timestamp
// checks, then a Response and a session parked in the next slot.
func (e *Engine) consumeInitiation(data []byte, src netip.AddrPort, now time.Time) (*PacketResult, error) {
	msg, err := decodeMessageInitiation(data)
	if err != nil {
		return nil, err
	}

	if res, err := e.admit(data, msg.Sender, src, now); res != nil || err != nil {
		return res, err
	}

	body := data[initiationBodyStart:initiationBodyEnd]
	in, err := readInitiation(e.static, body, NoisePresharedKey{})
	if err != nil {
		return nil, err
	}

	p := e.lookupPeer(in.static)
	if p == nil {
		return nil, fmt.Errorf("%w: initiation from %s", ErrUnknownPeer, keyPreview(in.static))
	}

	p.mu.Lock()
	psk := p.psk
	p.mu.Unlock()
	if !psk.IsZero() {
		if in, err = readInitiation(e.static, body, psk); err != nil {
			return nil, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPeerClosed
	}
	if !in.timestamp.After(p.lastTimestamp) {
		return nil, ErrStaleTimestamp
	}
	if !p.lastInitiationConsumed.IsZero() && now.Sub(p.lastInitiationConsumed) < e.cfg.Timers.HandshakeInitiationRate {
		return nil, ErrFlood
	}
	p.lastTimestamp = in.timestamp
	p.lastInitiationConsumed = now

	respBody, ciphers, err := in.writeResponse()
	if err != nil {
		return nil, err
	}

	idx, err := e.indices.newIndex(p)
	if err != nil {
		return nil, fmt.Errorf("allocate index: %w", err)
	}
	kp := newKeypair(ciphers, false, idx, msg.Sender, e.cfg.Limits.ReplayWindow, now)
	e.indices.setKeypair(idx, kp)
	p.releaseLocked(p.sessions.installNext(kp))

	resp := MessageResponse{Type: MessageResponseType, Sender: idx, Receiver: msg.Sender}
	copy(resp.Ephemeral[:], respBody[0:32])
	copy(resp.Empty[:], respBody[32:])
	packet := encodeMessageResponse(&resp)
	p.cookies.AddMacs(packet, now)

	p.roamLocked(src)
	p.timers.lastReceived = now
	p.timers.lastSent = now
	p.timers.lastHandshake = now
	p.timers.zeroed = false
	e.stats.HandshakesCompleted.Add(1)

	e.log.WithFields(peerFields(p, "consumeInitiation")).Debug("Handshake initiation accepted")
	return &PacketResult{
		Type:      PacketHandshakeResponse,
		Peer:      p.publicKey,
		Datagrams: []Datagram{{Data: packet, Endpoint: src}},
	}, nil
}

// consumeResponse is the initiator side: the response must answer the live
// attempt. The new session becomes current immediately and staged packets go
// out under it; without staged packets a keepalive confirms the session.
func (e *Engine) consumeResponse(data []byte, src netip.AddrPort, now time.Time) (*PacketResult, error) {
	msg, err := decodeMessageResponse(data)
	if err != nil {
		return nil, err
	}

	if res, err := e.admit(data, msg.Sender, src, now); res != nil || err != nil {
		return res, err
	}

	entry, ok := e.indices.lookup(msg.Receiver)
	if !ok || entry.keypair != nil {
		return nil, fmt.Errorf("%w: response for %d", ErrUnknownIndex, msg.Receiver)
	}
	p := entry.peer

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPeerClosed
	}
	hs := &p.handshake
	if hs.state != handshakeInitiationSent || hs.localIndex != msg.Receiver {
		return nil, fmt.Errorf("%w: no attempt for %d", ErrUnknownIndex, msg.Receiver)
	}
	if now.Sub(hs.started) >= e.cfg.Timers.RekeyAttemptTime {
		p.abandonHandshakeLocked()
		return nil, fmt.Errorf("%w: handshake attempt too old", ErrSessionExpired)
	}

	ciphers, err := hs.transcript.readResponse(e.static, data[responseBodyStart:responseBodyEnd])
	if err != nil {
		return nil, err
	}

	kp := newKeypair(ciphers, true, hs.localIndex, msg.Sender, e.cfg.Limits.ReplayWindow, now)
	e.indices.setKeypair(hs.localIndex, kp)
	p.releaseLocked(p.sessions.installCurrent(kp))

	hs.transcript.wipe()
	*hs = handshakeAttempt{state: handshakeEstablished}

	p.roamLocked(src)
	p.timers.lastReceived = now
	p.timers.lastHandshake = now
	p.timers.firstUnanswered = time.Time{}
	p.timers.zeroed = false
	e.stats.HandshakesCompleted.Add(1)

	out := e.flushStagedLocked(p, now)
	if len(out) == 0 {
		ka, err := e.encryptLocked(p, nil, now)
		if err != nil {
			return nil, err
		}
		out = append(out, Datagram{Data: ka, Endpoint: p.endpoint})
	}

	e.log.WithFields(peerFields(p, "consumeResponse")).Info("Handshake completed")
	return &PacketResult{Type: PacketHandshakeComplete, Peer: p.publicKey, Datagrams: out}, nil
}

// consumeCookieReply stores the cookie for the next message to the peer that
// owns the receiver index. Retransmission waits for the retry timer.
func (e *Engine) consumeCookieReply(data []byte, now time.Time) (*PacketResult, error) {
	msg, err := decodeMessageCookieReply(data)
	if err != nil {
		return nil, err
	}
	entry, ok := e.indices.lookup(msg.Receiver)
	if !ok {
		return nil, fmt.Errorf("%w: cookie reply for %d", ErrUnknownIndex, msg.Receiver)
	}
	if err := entry.peer.cookies.ConsumeReply(msg, now); err != nil {
		return nil, err
	}
	e.log.WithFields(peerFields(entry.peer, "consumeCookieReply")).Debug("Cookie received")
	return &PacketResult{Type: PacketCookieConsumed, Peer: entry.peer.publicKey}, nil
}

// admit runs the cookie guard. A non-nil result is a cookie reply that
// replaces the handshake; a non-nil error is a drop.
func (e *Engine) admit(data []byte, sender uint32, src netip.AddrPort, now time.Time) (*PacketResult, error) {
	switch e.guard.admit(data, src, now) {
	case admitDrop:
		return nil, fmt.Errorf("%w: invalid mac1", ErrAuthentication)
	case admitCookie:
		reply, err := e.guard.checker.CreateReply(data, sender, src, now)
		if err != nil {
			return nil, err
		}
		e.stats.CookieRepliesSent.Add(1)
		e.log.WithFields(logrus.Fields{
			"function": "admit",
			"source":   src.String(),
		}).Debug("Under load, answering with cookie")
		return &PacketResult{
			Type:      PacketCookieReply,
			Datagrams: []Datagram{{Data: reply, Endpoint: src}},
		}, fmt.Errorf("%w: cookie required", ErrUnderLoad)
	default:
		return nil, nil
	}
}
