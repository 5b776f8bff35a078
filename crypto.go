// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package boringtun

import (
	"crypto/hmac"
	"crypto/subtle"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
)

// labelKey computes HASH(label || publicKey), used for the MAC1 key and the
// cookie encryption key.
func labelKey(label string, publicKey NoisePublicKey) [blake2s.Size]byte {
	var key [blake2s.Size]byte
	hash, _ := blake2s.New256(nil)
	hash.Write([]byte(label))
	hash.Write(publicKey[:])
	hash.Sum(key[:0])
	return key
}

// calculateMAC1Key computes the MAC1 key from a public key.
func calculateMAC1Key(publicKey NoisePublicKey) [blake2s.Size]byte {
	return labelKey(wgLabelMAC1, publicKey)
}

// calculateCookieKey computes the XChaCha20Poly1305 key used to seal cookies.
func calculateCookieKey(publicKey NoisePublicKey) [chacha20poly1305.KeySize]byte {
	return labelKey(wgLabelCookie, publicKey)
}

// mac computes keyed BLAKE2s-128 over the concatenation of inputs.
func mac(dst *[blake2s.Size128]byte, key []byte, inputs ...[]byte) {
	h, err := blake2s.New128(key)
	if err != nil {
		// blake2s.New128 only fails for keys longer than 32 bytes.
		panic(err)
	}
	for _, in := range inputs {
		h.Write(in)
	}
	h.Sum(dst[:0])
}

// macEqual compares two MACs in constant time.
func macEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}

func setZero(arr []byte) {
	for i := range arr {
		arr[i] = 0
	}
}

func isZero(arr []byte) bool {
	acc := 1
	for _, v := range arr {
		acc &= subtle.ConstantTimeByteEq(v, 0)
	}
	return acc == 1
}
