// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the BSD 3-Clause License.
// See LICENSE file in the project root for full license information.

package boringtun

import (
	"fmt"
	"net/netip"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

// encryptLocked seals pkt under the current session. The nonce is taken and
// the packet sealed under the peer lock, so nonces never repeat. A nil pkt is
// a keepalive.
func (e *Engine) encryptLocked(p *Peer, pkt []byte, now time.Time) ([]byte, error) {
	kp := p.sessions[slotCurrent]
	if kp == nil || !kp.canSend(now, &e.cfg.Timers, &e.cfg.Limits) {
		return nil, ErrSessionExpired
	}

	counter := kp.sendNonce
	kp.sendNonce++

	padded := paddedSize(len(pkt), e.cfg.MTU)
	plaintext := make([]byte, padded)
	copy(plaintext, pkt)

	out := make([]byte, MessageTransportHeaderSize, MessageTransportHeaderSize+padded+chacha20poly1305.Overhead)
	putTransportHeader(out, kp.remoteIndex, counter)
	out = kp.ciphers.send.Encrypt(out, counter, nil, plaintext)

	p.timers.lastSent = now
	p.timers.keepaliveOwed = false
	if len(pkt) > 0 && p.timers.firstUnanswered.IsZero() {
		p.timers.firstUnanswered = now
	}
	p.txBytes += uint64(len(out))
	return out, nil
}

// sendLocked encrypts pkt if a usable session exists. Otherwise the packet is
// staged and a handshake is started when none is in flight.
func (e *Engine) sendLocked(p *Peer, pkt []byte, now time.Time) (*PacketResult, error) {
	if !p.endpoint.IsValid() {
		return nil, ErrNoEndpoint
	}
	p.timers.abandoned = false

	if data, err := e.encryptLocked(p, pkt, now); err == nil {
		return &PacketResult{
			Type:      PacketEncrypted,
			Peer:      p.publicKey,
			Datagrams: []Datagram{{Data: data, Endpoint: p.endpoint}},
		}, nil
	}

	p.stageLocked(pkt)
	dg, err := e.maybeBeginHandshakeLocked(p, now)
	if err != nil {
		return nil, err
	}
	if dg == nil {
		return &PacketResult{Type: PacketQueued, Peer: p.publicKey}, nil
	}
	return &PacketResult{
		Type:      PacketHandshakeInitiation,
		Peer:      p.publicKey,
		Datagrams: []Datagram{*dg},
	}, nil
}

// flushStagedLocked sends queued packets under the current session. Packets
// stay queued if the session cannot send.
func (e *Engine) flushStagedLocked(p *Peer, now time.Time) []Datagram {
	var out []Datagram
	for len(p.staged) > 0 {
		data, err := e.encryptLocked(p, p.staged[0], now)
		if err != nil {
			break
		}
		out = append(out, Datagram{Data: data, Endpoint: p.endpoint})
		p.staged[0] = nil
		p.staged = p.staged[1:]
	}
	if len(p.staged) == 0 {
		p.staged = nil
	}
	return out
}

// consumeTransport authenticates a data message, enforces the replay window,
// and validates the inner source address against the sender's allowed IPs.
func (e *Engine) consumeTransport(data []byte, src netip.AddrPort, now time.Time) (*PacketResult, error) {
	msg, err := decodeMessageTransport(data)
	if err != nil {
		return nil, err
	}

	entry, ok := e.indices.lookup(msg.Receiver)
	if !ok || entry.keypair == nil {
		return nil, fmt.Errorf("%w: transport for %d", ErrUnknownIndex, msg.Receiver)
	}
	kp := entry.keypair
	p := entry.peer

	if msg.Counter >= e.cfg.Limits.RejectAfterMessages {
		return nil, fmt.Errorf("%w: counter %d past limit", ErrSessionExpired, msg.Counter)
	}

	// The AEAD is stateless, so opening runs outside the peer lock.
	plaintext, err := kp.ciphers.receive.Decrypt(nil, msg.Counter, nil, msg.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: transport counter %d", ErrAuthentication, msg.Counter)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPeerClosed
	}
	if !p.sessions.holds(kp) {
		return nil, fmt.Errorf("%w: session %d retired", ErrUnknownIndex, msg.Receiver)
	}
	if kp.expired(now, &e.cfg.Timers) {
		return nil, ErrSessionExpired
	}
	if kp.replay.CheckReplay(msg.Counter) {
		return nil, fmt.Errorf("%w: counter %d", ErrReplay, msg.Counter)
	}

	var out []Datagram
	if p.sessions[slotNext] == kp {
		p.releaseLocked(p.sessions.promote())
		e.log.WithFields(peerFields(p, "consumeTransport")).Info("Session confirmed by peer")
		out = e.flushStagedLocked(p, now)
	}

	p.roamLocked(src)
	p.timers.lastReceived = now
	p.timers.firstUnanswered = time.Time{}
	p.rxBytes += uint64(len(data))

	if len(plaintext) == 0 {
		return &PacketResult{Type: PacketKeepalive, Peer: p.publicKey, Datagrams: out}, nil
	}

	info, ok := parsePacket(plaintext)
	if !ok || info.length > len(plaintext) {
		return flushedOnly(p, out), fmt.Errorf("%w: inner packet", ErrMalformed)
	}
	plaintext = plaintext[:info.length]

	if !e.router.Allowed(p, info.src) {
		return flushedOnly(p, out), fmt.Errorf("%w: %s", ErrSpoofedSource, info.src)
	}

	p.timers.lastDataReceived = now
	p.timers.keepaliveOwed = true

	return &PacketResult{
		Type:      PacketTransportData,
		Peer:      p.publicKey,
		Datagrams: out,
		Packet:    plaintext,
	}, nil
}

// flushedOnly keeps staged packets released by a promotion when the datagram
// that caused it is itself dropped.
func flushedOnly(p *Peer, out []Datagram) *PacketResult {
	if len(out) == 0 {
		return nil
	}
	return &PacketResult{Type: PacketDropped, Peer: p.publicKey, Datagrams: out}
}
