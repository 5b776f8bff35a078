// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package boringtun

import (
	"net/netip"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard/tai64n"
)

// Peer is the per-peer protocol state. mu guards every field below it:
// sessions, the handshake attempt and the timers change together.
type Peer struct {
	engine    *Engine
	publicKey NoisePublicKey
	cookies   CookieGenerator

	mu                  sync.Mutex
	closed              bool
	psk                 NoisePresharedKey
	endpoint            netip.AddrPort
	persistentKeepalive time.Duration

	sessions  sessionSlots
	handshake handshakeAttempt

	// Responder-side replay and flood protection for initiations.
	lastTimestamp          tai64n.Timestamp
	lastInitiationConsumed time.Time

	staged [][]byte

	timers  peerTimers
	rxBytes uint64
	txBytes uint64
}

// handshakeAttempt is the initiator side of the handshake state machine.
type handshakeAttempt struct {
	state      handshakeState
	localIndex uint32
	transcript *initiatorTranscript
	started    time.Time // first initiation of this attempt
	lastSent   time.Time // most recent (re)transmission
	retries    int
}

type peerTimers struct {
	lastSent         time.Time // any datagram
	lastReceived     time.Time // any authenticated datagram
	lastDataReceived time.Time
	firstUnanswered  time.Time // first data sent since the last receive
	lastHandshake    time.Time // last completed handshake
	lastInitiation   time.Time // last fresh attempt started
	keepaliveOwed    bool      // data received and nothing sent since
	abandoned        bool      // attempt gave up; only new traffic re-arms
	zeroed           bool
}

// PeerStatus is a point-in-time view of a peer.
type PeerStatus struct {
	PublicKey           NoisePublicKey
	Endpoint            netip.AddrPort
	AllowedIPs          []netip.Prefix
	PersistentKeepalive time.Duration
	HasPresharedKey     bool
	LastHandshake       time.Time
	RxBytes             uint64
	TxBytes             uint64

	// SessionIndex is the local index of the current session, or zero.
	SessionIndex uint32
	Handshake    string
}

func newPeer(e *Engine, cfg PeerConfig) *Peer {
	p := &Peer{
		engine:              e,
		publicKey:           cfg.PublicKey,
		psk:                 cfg.PresharedKey,
		endpoint:            cfg.Endpoint,
		persistentKeepalive: cfg.PersistentKeepalive,
	}
	p.cookies.Init(cfg.PublicKey, e.cfg.Timers.CookieRefreshTime)
	return p
}

// PublicKey returns the peer's static public key.
func (p *Peer) PublicKey() NoisePublicKey {
	return p.publicKey
}

// Endpoint returns the last authenticated remote address.
func (p *Peer) Endpoint() netip.AddrPort {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.endpoint
}

// ClearEndpoint forgets the remote address until the peer is heard from again.
func (p *Peer) ClearEndpoint() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endpoint = netip.AddrPort{}
}

func (p *Peer) status() PeerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := PeerStatus{
		PublicKey:           p.publicKey,
		Endpoint:            p.endpoint,
		PersistentKeepalive: p.persistentKeepalive,
		HasPresharedKey:     !p.psk.IsZero(),
		LastHandshake:       p.timers.lastHandshake,
		RxBytes:             p.rxBytes,
		TxBytes:             p.txBytes,
		Handshake:           p.handshake.state.String(),
	}
	if cur := p.sessions[slotCurrent]; cur != nil {
		st.SessionIndex = cur.localIndex
	}
	st.AllowedIPs = p.engine.router.EntriesForPeer(p)
	return st
}

// roamLocked records src as the peer's endpoint. Only called once a datagram
// from src has authenticated.
func (p *Peer) roamLocked(src netip.AddrPort) {
	if src.IsValid() {
		p.endpoint = src
	}
}

// stageLocked queues an outbound packet until a session exists, dropping the
// oldest packet when the queue is full.
func (p *Peer) stageLocked(pkt []byte) {
	limit := p.engine.cfg.Limits.StagedQueueLength
	if len(p.staged) >= limit {
		copy(p.staged, p.staged[1:])
		p.staged = p.staged[:len(p.staged)-1]
		p.engine.stats.PacketsDropped.Add(1)
	}
	buf := make([]byte, len(pkt))
	copy(buf, pkt)
	p.staged = append(p.staged, buf)
}

// releaseLocked returns the indices of dropped sessions to the engine.
func (p *Peer) releaseLocked(kps []*Keypair) {
	for _, kp := range kps {
		p.engine.indices.delete(kp.localIndex)
	}
}

// abandonHandshakeLocked discards the live attempt. The index is released
// unless a session took it over.
func (p *Peer) abandonHandshakeLocked() {
	hs := &p.handshake
	if hs.state == handshakeInitiationSent {
		p.engine.indices.delete(hs.localIndex)
	}
	if hs.transcript != nil {
		hs.transcript.wipe()
	}
	established := hs.state == handshakeEstablished
	*hs = handshakeAttempt{}
	if established {
		hs.state = handshakeEstablished
	}
}

// zeroLocked drops every session, the handshake attempt and staged packets.
func (p *Peer) zeroLocked() {
	p.releaseLocked(p.sessions.clear())
	p.abandonHandshakeLocked()
	p.handshake.state = handshakeIdle
	p.staged = nil
	p.timers.keepaliveOwed = false
	p.timers.firstUnanswered = time.Time{}
}

// close tears the peer down. Workers holding the pointer observe closed and
// discard their work.
func (p *Peer) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.zeroLocked()
	setZero(p.psk[:])
}

// update applies cfg and reports whether the peer was still open.
func (p *Peer) update(cfg PeerConfig) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.psk = cfg.PresharedKey
	if cfg.Endpoint.IsValid() {
		p.endpoint = cfg.Endpoint
	}
	p.persistentKeepalive = cfg.PersistentKeepalive
	return true
}
