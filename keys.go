// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package boringtun

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// clamp applies the Curve25519 clamping operation to a private key.
func (sk *NoisePrivateKey) clamp() {
	sk[0] &= 248
	sk[31] = (sk[31] & 127) | 64
}

// PublicKey derives the public key from this private key.
func (sk NoisePrivateKey) PublicKey() NoisePublicKey {
	var pk NoisePublicKey
	result, _ := curve25519.X25519(sk[:], curve25519.Basepoint)
	copy(pk[:], result)
	return pk
}

// IsZero reports whether the key is unset.
func (sk NoisePrivateKey) IsZero() bool { return isZero(sk[:]) }

// IsZero reports whether the key is unset.
func (pk NoisePublicKey) IsZero() bool { return isZero(pk[:]) }

// IsZero reports whether the key is unset.
func (psk NoisePresharedKey) IsZero() bool { return isZero(psk[:]) }

// Equals compares two public keys in constant time.
func (pk NoisePublicKey) Equals(other NoisePublicKey) bool {
	return subtle.ConstantTimeCompare(pk[:], other[:]) == 1
}

// String encodes the key as base64, the format wg(8) uses.
func (pk NoisePublicKey) String() string {
	return base64.StdEncoding.EncodeToString(pk[:])
}

// String encodes the key as base64.
func (sk NoisePrivateKey) String() string {
	return base64.StdEncoding.EncodeToString(sk[:])
}

// String encodes the key as base64.
func (psk NoisePresharedKey) String() string {
	return base64.StdEncoding.EncodeToString(psk[:])
}

// GeneratePrivateKey generates a new random Curve25519 private key.
func GeneratePrivateKey() (NoisePrivateKey, error) {
	var key NoisePrivateKey
	if _, err := rand.Read(key[:]); err != nil {
		return key, err
	}
	key.clamp()
	return key, nil
}

// GeneratePresharedKey returns 32 random bytes.
func GeneratePresharedKey() (NoisePresharedKey, error) {
	var key NoisePresharedKey
	_, err := rand.Read(key[:])
	return key, err
}

// ParsePrivateKey decodes a base64 or hex private key.
func ParsePrivateKey(s string) (NoisePrivateKey, error) {
	var key NoisePrivateKey
	err := parseKey(key[:], s)
	if err == nil {
		key.clamp()
	}
	return key, err
}

// ParsePublicKey decodes a base64 or hex public key.
func ParsePublicKey(s string) (NoisePublicKey, error) {
	var key NoisePublicKey
	err := parseKey(key[:], s)
	return key, err
}

// ParsePresharedKey decodes a base64 or hex preshared key.
func ParsePresharedKey(s string) (NoisePresharedKey, error) {
	var key NoisePresharedKey
	err := parseKey(key[:], s)
	return key, err
}

func parseKey(dst []byte, s string) error {
	switch len(s) {
	case hex.EncodedLen(len(dst)):
		b, err := hex.DecodeString(s)
		if err != nil {
			return fmt.Errorf("decode hex key: %w", err)
		}
		copy(dst, b)
		return nil
	case base64.StdEncoding.EncodedLen(len(dst)):
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("decode base64 key: %w", err)
		}
		if len(b) != len(dst) {
			return fmt.Errorf("invalid key length: %d", len(b))
		}
		copy(dst, b)
		return nil
	default:
		return fmt.Errorf("invalid key encoding length: %d", len(s))
	}
}
