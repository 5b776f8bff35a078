// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the BSD 3-Clause License.
// See LICENSE file in the project root for full license information.

package boringtun

import (
	"bytes"
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"
)

// PacketType indicates the type of a processed packet result.
type PacketType int

const (
	// PacketHandshakeInitiation carries a handshake initiation to send.
	PacketHandshakeInitiation PacketType = iota
	// PacketHandshakeResponse carries a handshake response to send back.
	PacketHandshakeResponse
	// PacketHandshakeComplete means our initiation was answered; Datagrams
	// holds the staged packets or a keepalive.
	PacketHandshakeComplete
	// PacketCookieReply carries a cookie reply to send instead of a response.
	PacketCookieReply
	// PacketCookieConsumed means a cookie for the next handshake was stored.
	PacketCookieConsumed
	// PacketTransportData carries a decrypted IP packet.
	PacketTransportData
	// PacketKeepalive is an authenticated empty transport message.
	PacketKeepalive
	// PacketEncrypted carries an encrypted transport message to send.
	PacketEncrypted
	// PacketQueued means the packet waits for a handshake already in flight.
	PacketQueued
	// PacketDropped accompanies an error when datagrams still need sending.
	PacketDropped
)

func (t PacketType) String() string {
	switch t {
	case PacketHandshakeInitiation:
		return "handshake-initiation"
	case PacketHandshakeResponse:
		return "handshake-response"
	case PacketHandshakeComplete:
		return "handshake-complete"
	case PacketCookieReply:
		return "cookie-reply"
	case PacketCookieConsumed:
		return "cookie-consumed"
	case PacketTransportData:
		return "transport-data"
	case PacketKeepalive:
		return "keepalive"
	case PacketEncrypted:
		return "encrypted"
	case PacketQueued:
		return "queued"
	case PacketDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Datagram is a wire message and the address it goes to.
type Datagram struct {
	Data     []byte
	Endpoint netip.AddrPort
}

// PacketResult is the outcome of processing one datagram or packet.
type PacketResult struct {
	// Type indicates what kind of result this is.
	Type PacketType
	// Peer is the public key of the peer involved, zero for cookie replies.
	Peer NoisePublicKey
	// Datagrams must be sent by the caller, in order.
	Datagrams []Datagram
	// Packet is a decrypted IP packet for the local interface.
	Packet []byte
}

// Engine implements the WireGuard protocol for a set of peers. It performs no
// I/O: callers feed it datagrams, packets and ticks and send what it returns.
// All methods are safe for concurrent use.
type Engine struct {
	cfg        Config
	privateKey NoisePrivateKey
	publicKey  NoisePublicKey
	static     noise.DHKey
	clock      TimeProvider
	log        logrus.FieldLogger

	guard   CookieGuard
	indices *indexTable
	router  *AllowedIPs

	peersMu sync.Mutex // serializes writers of peers
	peers   atomic.Pointer[map[NoisePublicKey]*Peer]

	stats  Stats
	closed atomic.Bool
}

// NewEngine creates a protocol engine and adds cfg.Peers.
func NewEngine(cfg Config) (*Engine, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	privKey := cfg.PrivateKey
	if privKey.IsZero() {
		var err error
		privKey, err = GeneratePrivateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate private key: %w", err)
		}
	}
	privKey.clamp()
	pubKey := privKey.PublicKey()

	e := &Engine{
		cfg:        cfg,
		privateKey: privKey,
		publicKey:  pubKey,
		static:     staticKeypair(privKey, pubKey),
		clock:      cfg.Clock,
		log:        cfg.Logger,
		indices:    newIndexTable(),
		router:     NewAllowedIPs(),
	}
	e.cfg.PrivateKey = NoisePrivateKey{}
	e.cfg.Peers = nil

	if err := e.guard.checker.Init(pubKey, e.clock.Now(), cfg.Timers.CookieRefreshTime); err != nil {
		return nil, err
	}
	e.guard.limiter = newHandshakeLimiter(cfg.Limits.HandshakeRate, cfg.Limits.HandshakeBurst,
		cfg.Limits.LoadThreshold, cfg.Timers.UnderLoadAfterTime)

	empty := make(map[NoisePublicKey]*Peer)
	e.peers.Store(&empty)

	for _, pc := range cfg.Peers {
		if err := e.AddPeer(pc); err != nil {
			return nil, err
		}
	}

	e.log.WithFields(logrus.Fields{
		"function": "NewEngine",
		"key":      keyPreview(pubKey),
		"peers":    len(cfg.Peers),
	}).Info("Engine started")
	return e, nil
}

// PublicKey returns the engine's public key.
func (e *Engine) PublicKey() NoisePublicKey {
	return e.publicKey
}

// Stats returns a snapshot of the drop and handshake counters.
func (e *Engine) Stats() StatsSnapshot {
	return e.stats.Snapshot()
}

func (e *Engine) lookupPeer(pk NoisePublicKey) *Peer {
	return (*e.peers.Load())[pk]
}

// AddPeer configures a new peer.
func (e *Engine) AddPeer(cfg PeerConfig) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if cfg.PublicKey.IsZero() {
		return fmt.Errorf("%w: zero public key", ErrMalformed)
	}
	if cfg.PublicKey.Equals(e.publicKey) {
		return ErrSelfPeer
	}

	e.peersMu.Lock()
	defer e.peersMu.Unlock()

	cur := *e.peers.Load()
	if _, exists := cur[cfg.PublicKey]; exists {
		return ErrPeerExists
	}
	p := newPeer(e, cfg)
	e.router.ReplacePeer(p, cfg.AllowedIPs)

	next := make(map[NoisePublicKey]*Peer, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[cfg.PublicKey] = p
	e.peers.Store(&next)

	e.log.WithFields(peerFields(p, "AddPeer")).WithField("allowed_ips", len(cfg.AllowedIPs)).Info("Peer added")
	return nil
}

// UpdatePeer replaces the configuration of an existing peer. Sessions stay up;
// a changed preshared key applies from the next handshake.
func (e *Engine) UpdatePeer(cfg PeerConfig) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}

	// Held across the route swap so a concurrent RemovePeer cannot be undone.
	e.peersMu.Lock()
	defer e.peersMu.Unlock()

	p := e.lookupPeer(cfg.PublicKey)
	if p == nil {
		return ErrUnknownPeer
	}
	if !p.update(cfg) {
		return ErrPeerClosed
	}
	e.router.ReplacePeer(p, cfg.AllowedIPs)
	e.log.WithFields(peerFields(p, "UpdatePeer")).Info("Peer updated")
	return nil
}

// RemovePeer tears a peer down. In-flight work for it is discarded.
func (e *Engine) RemovePeer(pk NoisePublicKey) error {
	e.peersMu.Lock()
	cur := *e.peers.Load()
	p, ok := cur[pk]
	if !ok {
		e.peersMu.Unlock()
		return ErrUnknownPeer
	}
	next := make(map[NoisePublicKey]*Peer, len(cur))
	for k, v := range cur {
		if k != pk {
			next[k] = v
		}
	}
	e.peers.Store(&next)
	e.router.RemoveByPeer(p)
	e.peersMu.Unlock()

	p.close()
	e.log.WithFields(peerFields(p, "RemovePeer")).Info("Peer removed")
	return nil
}

// Peer returns the status of one peer.
func (e *Engine) Peer(pk NoisePublicKey) (PeerStatus, bool) {
	p := e.lookupPeer(pk)
	if p == nil {
		return PeerStatus{}, false
	}
	return p.status(), true
}

// Peers returns the status of every peer, ordered by public key.
func (e *Engine) Peers() []PeerStatus {
	cur := *e.peers.Load()
	out := make([]PeerStatus, 0, len(cur))
	for _, p := range cur {
		out = append(out, p.status())
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].PublicKey[:], out[j].PublicKey[:]) < 0
	})
	return out
}

// ProcessDatagram handles one datagram received from src. Datagrams in the
// result must be sent even when an error is returned alongside it. Errors
// describe why the datagram was dropped and are never answered.
func (e *Engine) ProcessDatagram(data []byte, src netip.AddrPort) (*PacketResult, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	now := e.clock.Now()

	msgType, err := messageType(data)
	if err != nil {
		e.stats.countDrop(err)
		return nil, err
	}

	var res *PacketResult
	switch msgType {
	case MessageInitiationType:
		res, err = e.consumeInitiation(data, src, now)
	case MessageResponseType:
		res, err = e.consumeResponse(data, src, now)
	case MessageCookieReplyType:
		res, err = e.consumeCookieReply(data, now)
	case MessageTransportType:
		res, err = e.consumeTransport(data, src, now)
	default:
		err = fmt.Errorf("%w: unknown message type %d", ErrMalformed, msgType)
	}

	if err != nil {
		e.stats.countDrop(err)
		e.log.WithFields(logrus.Fields{
			"function": "ProcessDatagram",
			"source":   src.String(),
			"type":     msgType,
		}).WithError(err).Debug("Datagram dropped")
	}
	return res, err
}

// SendPacket routes a plaintext IP packet to the peer owning its destination
// and encrypts it, or stages it behind a handshake.
func (e *Engine) SendPacket(pkt []byte) (*PacketResult, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	info, ok := parsePacket(pkt)
	if !ok {
		e.stats.Malformed.Add(1)
		return nil, fmt.Errorf("%w: outbound packet", ErrMalformed)
	}
	p := e.router.Lookup(info.dst)
	if p == nil {
		e.stats.PacketsDropped.Add(1)
		return nil, fmt.Errorf("%w: %s", ErrNoRoute, info.dst)
	}

	now := e.clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPeerClosed
	}
	return e.sendLocked(p, pkt, now)
}

// InitiateHandshake starts a handshake with a peer right away, unless one is
// already in flight.
func (e *Engine) InitiateHandshake(pk NoisePublicKey) (*PacketResult, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	p := e.lookupPeer(pk)
	if p == nil {
		return nil, ErrUnknownPeer
	}

	now := e.clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPeerClosed
	}
	p.timers.abandoned = false
	res := &PacketResult{Type: PacketHandshakeInitiation, Peer: pk}
	if p.handshake.state == handshakeInitiationSent {
		res.Type = PacketQueued
		return res, nil
	}
	dg, err := e.beginHandshakeLocked(p, now, false)
	if err != nil {
		return nil, err
	}
	res.Datagrams = []Datagram{*dg}
	return res, nil
}

// Close tears down every peer. The engine rejects all later calls.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	for _, p := range *e.peers.Load() {
		p.close()
	}
	setZero(e.privateKey[:])
	setZero(e.static.Private)
	e.log.WithField("function", "Close").Info("Engine closed")
	return nil
}
