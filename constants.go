// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the BSD 3-Clause License.
// See LICENSE file in the project root for full license information.

// Package boringtun implements a user-space WireGuard protocol engine.
//
// The Engine is a sans-IO core: it consumes wire datagrams, plaintext IP
// packets and timer ticks, and returns the datagrams and packets the caller
// must emit. Server wraps an Engine with a UDP read loop, a TUN read loop, a
// bounded worker pool and a periodic ticker.
package boringtun

import (
	"math"
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.zx2c4.com/wireguard/tai64n"
)

// WireGuard protocol constants
const (
	// Protocol labels
	wgLabelMAC1   = "mac1----"
	wgLabelCookie = "cookie--"

	// Noise parameters
	noiseConstruction = "Noise_IKpsk2_25519_ChaChaPoly_BLAKE2s"
	wgIdentifier      = "WireGuard v1 zx2c4 Jason@zx2c4.com"

	// Message types
	MessageInitiationType  = 1
	MessageResponseType    = 2
	MessageCookieReplyType = 3
	MessageTransportType   = 4

	// Message sizes
	MessageInitiationSize      = 148
	MessageResponseSize        = 92
	MessageCookieReplySize     = 64
	MessageTransportHeaderSize = 16
	MessageTransportSize       = MessageTransportHeaderSize + chacha20poly1305.Overhead
	MessageKeepaliveSize       = MessageTransportSize

	// Transport message offsets
	MessageTransportOffsetReceiver = 4
	MessageTransportOffsetCounter  = 8
	MessageTransportOffsetContent  = 16

	// Noise payload sizes carried inside handshake messages
	noiseInitiationSize = NoisePublicKeySize + NoisePublicKeySize + chacha20poly1305.Overhead +
		tai64n.TimestampSize + chacha20poly1305.Overhead
	noiseResponseSize = NoisePublicKeySize + chacha20poly1305.Overhead

	// Key sizes
	NoisePublicKeySize    = 32
	NoisePrivateKeySize   = 32
	NoisePresharedKeySize = 32

	// PaddingMultiple is the block boundary transport plaintext is padded to.
	PaddingMultiple = 16

	// DefaultMTU bounds padded plaintext when Config.MTU is unset.
	DefaultMTU = 1420
)

// Default protocol timers.
const (
	DefaultRekeyAfterTime          = 120 * time.Second
	DefaultRejectAfterTime         = 180 * time.Second
	DefaultRekeyAttemptTime        = 90 * time.Second
	DefaultRekeyTimeout            = 5 * time.Second
	DefaultMaxRetryInterval        = 20 * time.Second
	DefaultKeepaliveTimeout        = 10 * time.Second
	DefaultCookieRefreshTime       = 120 * time.Second
	DefaultHandshakeInitiationRate = 20 * time.Millisecond
	DefaultUnderLoadAfterTime      = time.Second

	// DefaultMaxHandshakeRetries is the number of retransmits after the first
	// initiation before an attempt is abandoned.
	DefaultMaxHandshakeRetries = 3
)

// Default protocol limits.
const (
	DefaultRekeyAfterMessages  = uint64(1) << 60
	DefaultRejectAfterMessages = math.MaxUint64 - (uint64(1) << 13)

	// DefaultReplayWindow is the number of counters below the highest
	// received one that are still accepted.
	DefaultReplayWindow = 8192 - 64

	// DoS mitigation
	DefaultHandshakeRate  = 20
	DefaultHandshakeBurst = 5
	DefaultLoadThreshold  = 100

	DefaultStagedQueueLength = 128
	DefaultWorkers           = 4
)

// NoisePublicKey is a Curve25519 public key.
type NoisePublicKey [NoisePublicKeySize]byte

// NoisePrivateKey is a Curve25519 private key.
type NoisePrivateKey [NoisePrivateKeySize]byte

// NoisePresharedKey is a WireGuard preshared key.
type NoisePresharedKey [NoisePresharedKeySize]byte

// Message structs for WireGuard protocol

// MessageInitiation represents a handshake initiation message.
type MessageInitiation struct {
	Type      uint32
	Sender    uint32
	Ephemeral [NoisePublicKeySize]byte
	Static    [NoisePublicKeySize + chacha20poly1305.Overhead]byte
	Timestamp [tai64n.TimestampSize + chacha20poly1305.Overhead]byte
	MAC1      [blake2s.Size128]byte
	MAC2      [blake2s.Size128]byte
}

// MessageResponse represents a handshake response message.
type MessageResponse struct {
	Type      uint32
	Sender    uint32
	Receiver  uint32
	Ephemeral [NoisePublicKeySize]byte
	Empty     [chacha20poly1305.Overhead]byte
	MAC1      [blake2s.Size128]byte
	MAC2      [blake2s.Size128]byte
}

// MessageTransport represents a data transport message.
type MessageTransport struct {
	Type     uint32
	Receiver uint32
	Counter  uint64
	Content  []byte
}

// MessageCookieReply represents a cookie reply message.
type MessageCookieReply struct {
	Type     uint32
	Receiver uint32
	Nonce    [chacha20poly1305.NonceSizeX]byte
	Cookie   [blake2s.Size128 + chacha20poly1305.Overhead]byte
}

// handshakeState is the initiator-side state of a peer's handshake.
type handshakeState int

const (
	handshakeIdle = handshakeState(iota)
	handshakeInitiationSent
	handshakeEstablished
)

func (s handshakeState) String() string {
	switch s {
	case handshakeIdle:
		return "idle"
	case handshakeInitiationSent:
		return "initiation-sent"
	case handshakeEstablished:
		return "established"
	default:
		return "unknown"
	}
}
