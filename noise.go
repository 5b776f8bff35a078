// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package boringtun

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/flynn/noise"
	"golang.zx2c4.com/wireguard/tai64n"
)

// noiseSuite is Curve25519 + ChaCha20-Poly1305 + BLAKE2s; with the IK pattern
// and psk2 it yields Noise_IKpsk2_25519_ChaChaPoly_BLAKE2s.
var noiseSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)

func init() {
	if name := "Noise_" + noise.HandshakeIK.Name + "psk2_" + string(noiseSuite.Name()); name != noiseConstruction {
		panic("boringtun: unexpected noise construction " + name)
	}
}

// sessionCiphers are the two directional transport ciphers produced by a
// completed handshake. Nonces are managed by the caller.
type sessionCiphers struct {
	send    noise.Cipher
	receive noise.Cipher
}

func staticKeypair(sk NoisePrivateKey, pk NoisePublicKey) noise.DHKey {
	priv := make([]byte, NoisePrivateKeySize)
	pub := make([]byte, NoisePublicKeySize)
	copy(priv, sk[:])
	copy(pub, pk[:])
	return noise.DHKey{Private: priv, Public: pub}
}

func newNoiseState(initiator bool, static noise.DHKey, peer []byte, psk NoisePresharedKey, rng io.Reader) (*noise.HandshakeState, error) {
	if rng == nil {
		rng = rand.Reader
	}
	pskCopy := make([]byte, NoisePresharedKeySize)
	copy(pskCopy, psk[:])

	return noise.NewHandshakeState(noise.Config{
		CipherSuite:           noiseSuite,
		Random:                rng,
		Pattern:               noise.HandshakeIK,
		Initiator:             initiator,
		Prologue:              []byte(wgIdentifier),
		PresharedKey:          pskCopy,
		PresharedKeyPlacement: 2,
		StaticKeypair:         static,
		PeerStatic:            peer,
	})
}

// initiatorTranscript holds what is needed to replay the first handshake
// message: a failed or forged response must never disturb the attempt, so
// the transcript is rebuilt for every response instead of being mutated.
type initiatorTranscript struct {
	ephemeral []byte
	timestamp tai64n.Timestamp
	psk       NoisePresharedKey
	remote    NoisePublicKey
}

// writeInitiation runs "-> e, es, s, ss" with the timestamp as payload. The
// returned body is ephemeral || enc(static) || enc(timestamp).
func writeInitiation(static noise.DHKey, remote NoisePublicKey, psk NoisePresharedKey, ts tai64n.Timestamp, rng io.Reader) ([]byte, *initiatorTranscript, error) {
	hs, err := newNoiseState(true, static, remote[:], psk, rng)
	if err != nil {
		return nil, nil, fmt.Errorf("noise state: %w", err)
	}
	body, _, _, err := hs.WriteMessage(nil, ts[:])
	if err != nil {
		return nil, nil, fmt.Errorf("write initiation: %w", err)
	}
	if len(body) != noiseInitiationSize {
		return nil, nil, fmt.Errorf("initiation body size %d", len(body))
	}
	eph := hs.LocalEphemeral()
	t := &initiatorTranscript{
		ephemeral: append([]byte(nil), eph.Private...),
		timestamp: ts,
		psk:       psk,
		remote:    remote,
	}
	return body, t, nil
}

// readResponse replays the initiation from the transcript and consumes
// "<- e, ee, se, psk" from body.
func (t *initiatorTranscript) readResponse(static noise.DHKey, body []byte) (*sessionCiphers, error) {
	hs, err := newNoiseState(true, static, t.remote[:], t.psk, bytes.NewReader(t.ephemeral))
	if err != nil {
		return nil, fmt.Errorf("noise state: %w", err)
	}
	if _, _, _, err := hs.WriteMessage(nil, t.timestamp[:]); err != nil {
		return nil, fmt.Errorf("replay initiation: %w", err)
	}
	payload, cs1, cs2, err := hs.ReadMessage(nil, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	if len(payload) != 0 || cs1 == nil || cs2 == nil {
		return nil, fmt.Errorf("%w: unexpected response payload", ErrMalformed)
	}
	return &sessionCiphers{send: cs1.Cipher(), receive: cs2.Cipher()}, nil
}

func (t *initiatorTranscript) wipe() {
	setZero(t.ephemeral)
}

// initiationResult is what the responder learns from a valid initiation.
type initiationResult struct {
	state     *noise.HandshakeState
	static    NoisePublicKey
	timestamp tai64n.Timestamp
}

// readInitiation consumes "-> e, es, s, ss" and returns the initiator's static
// key and timestamp. psk only affects later messages; the caller re-reads
// with the peer's psk once the peer is known.
func readInitiation(static noise.DHKey, body []byte, psk NoisePresharedKey) (*initiationResult, error) {
	hs, err := newNoiseState(false, static, nil, psk, nil)
	if err != nil {
		return nil, fmt.Errorf("noise state: %w", err)
	}
	payload, _, _, err := hs.ReadMessage(nil, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	if len(payload) != tai64n.TimestampSize {
		return nil, fmt.Errorf("%w: timestamp size %d", ErrMalformed, len(payload))
	}
	res := &initiationResult{state: hs}
	copy(res.static[:], hs.PeerStatic())
	copy(res.timestamp[:], payload)
	return res, nil
}

// writeResponse produces ephemeral || enc(empty) and the session ciphers from
// the responder's point of view.
func (r *initiationResult) writeResponse() ([]byte, *sessionCiphers, error) {
	body, cs1, cs2, err := r.state.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("write response: %w", err)
	}
	if len(body) != noiseResponseSize || cs1 == nil || cs2 == nil {
		return nil, nil, fmt.Errorf("response body size %d", len(body))
	}
	return body, &sessionCiphers{send: cs2.Cipher(), receive: cs1.Cipher()}, nil
}
