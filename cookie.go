// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package boringtun

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
)

// CookieChecker verifies MAC1/MAC2 on incoming handshake messages and issues
// cookie replies. It owns the rotating cookie secret.
type CookieChecker struct {
	sync.RWMutex
	refresh time.Duration
	mac1    struct {
		key [blake2s.Size]byte
	}
	mac2 struct {
		secret        [blake2s.Size]byte
		secretSet     time.Time
		encryptionKey [chacha20poly1305.KeySize]byte
	}
}

// CookieGenerator creates MAC1/MAC2 for outgoing handshake messages towards
// one peer and remembers the last cookie that peer handed us.
type CookieGenerator struct {
	sync.Mutex
	refresh time.Duration
	mac1    struct {
		key [blake2s.Size]byte
	}
	mac2 struct {
		cookie        [blake2s.Size128]byte
		cookieSet     time.Time
		hasLastMAC1   bool
		lastMAC1      [blake2s.Size128]byte
		encryptionKey [chacha20poly1305.KeySize]byte
	}
}

// Init initializes the CookieChecker with the local public key.
func (cc *CookieChecker) Init(pk NoisePublicKey, now time.Time, refresh time.Duration) error {
	cc.Lock()
	defer cc.Unlock()

	cc.refresh = refresh
	cc.mac1.key = calculateMAC1Key(pk)
	cc.mac2.encryptionKey = calculateCookieKey(pk)
	return cc.rotateLocked(now)
}

func (cc *CookieChecker) rotateLocked(now time.Time) error {
	if _, err := cryptoRandRead(cc.mac2.secret[:]); err != nil {
		return fmt.Errorf("generate cookie secret: %w", err)
	}
	cc.mac2.secretSet = now
	return nil
}

// Rotate replaces the cookie secret if it is older than the refresh period.
// It reports whether a rotation happened.
func (cc *CookieChecker) Rotate(now time.Time) (bool, error) {
	cc.Lock()
	defer cc.Unlock()

	if now.Sub(cc.mac2.secretSet) < cc.refresh {
		return false, nil
	}
	if err := cc.rotateLocked(now); err != nil {
		return false, err
	}
	return true, nil
}

// CheckMAC1 verifies the MAC1 field of a handshake message.
func (cc *CookieChecker) CheckMAC1(msg []byte) bool {
	cc.RLock()
	defer cc.RUnlock()

	size := len(msg)
	if size < blake2s.Size128*2 {
		return false
	}

	smac2 := size - blake2s.Size128
	smac1 := smac2 - blake2s.Size128

	var computed [blake2s.Size128]byte
	mac(&computed, cc.mac1.key[:], msg[:smac1])
	return macEqual(computed[:], msg[smac1:smac2])
}

// CheckMAC2 verifies the MAC2 field of a handshake message against the cookie
// the sender would have been issued for src.
func (cc *CookieChecker) CheckMAC2(msg []byte, src netip.AddrPort, now time.Time) bool {
	cc.RLock()
	defer cc.RUnlock()

	size := len(msg)
	if size < blake2s.Size128*2 {
		return false
	}
	smac2 := size - blake2s.Size128
	if isZero(msg[smac2:]) {
		return false
	}
	if now.Sub(cc.mac2.secretSet) > cc.refresh {
		return false
	}

	var cookie [blake2s.Size128]byte
	mac(&cookie, cc.mac2.secret[:], sourceBytes(src))

	var mac2 [blake2s.Size128]byte
	mac(&mac2, cookie[:], msg[:smac2])

	return macEqual(mac2[:], msg[smac2:])
}

// CreateReply builds a cookie reply for the handshake message msg received
// from src. receiver is the sender index carried by msg.
func (cc *CookieChecker) CreateReply(msg []byte, receiver uint32, src netip.AddrPort, now time.Time) ([]byte, error) {
	size := len(msg)
	if size < blake2s.Size128*2 {
		return nil, fmt.Errorf("%w: message too short for cookie reply", ErrMalformed)
	}
	smac2 := size - blake2s.Size128
	smac1 := smac2 - blake2s.Size128

	cc.Lock()
	defer cc.Unlock()

	if now.Sub(cc.mac2.secretSet) > cc.refresh {
		if err := cc.rotateLocked(now); err != nil {
			return nil, err
		}
	}

	reply := make([]byte, MessageCookieReplySize)
	binary.LittleEndian.PutUint32(reply[0:4], MessageCookieReplyType)
	binary.LittleEndian.PutUint32(reply[4:8], receiver)

	nonce := reply[8 : 8+chacha20poly1305.NonceSizeX]
	if _, err := cryptoRandRead(nonce); err != nil {
		return nil, fmt.Errorf("generate cookie nonce: %w", err)
	}

	var cookie [blake2s.Size128]byte
	mac(&cookie, cc.mac2.secret[:], sourceBytes(src))

	xaead, err := chacha20poly1305.NewX(cc.mac2.encryptionKey[:])
	if err != nil {
		return nil, err
	}
	xaead.Seal(reply[:32], nonce, cookie[:], msg[smac1:smac2])
	return reply, nil
}

// Init initializes the CookieGenerator with the remote public key.
func (cg *CookieGenerator) Init(pk NoisePublicKey, refresh time.Duration) {
	cg.Lock()
	defer cg.Unlock()

	cg.refresh = refresh
	cg.mac1.key = calculateMAC1Key(pk)
	cg.mac2.encryptionKey = calculateCookieKey(pk)
	cg.mac2.cookieSet = time.Time{}
	cg.mac2.hasLastMAC1 = false
}

// AddMacs fills MAC1 and, when a fresh cookie is held, MAC2 of msg.
func (cg *CookieGenerator) AddMacs(msg []byte, now time.Time) {
	size := len(msg)

	smac2 := size - blake2s.Size128
	smac1 := smac2 - blake2s.Size128

	var mac1, mac2 [blake2s.Size128]byte

	cg.Lock()
	defer cg.Unlock()

	mac(&mac1, cg.mac1.key[:], msg[:smac1])
	copy(msg[smac1:smac2], mac1[:])
	cg.mac2.lastMAC1 = mac1
	cg.mac2.hasLastMAC1 = true

	if cg.mac2.cookieSet.IsZero() || now.Sub(cg.mac2.cookieSet) > cg.refresh {
		setZero(msg[smac2:])
		return
	}

	mac(&mac2, cg.mac2.cookie[:], msg[:smac2])
	copy(msg[smac2:], mac2[:])
}

// ConsumeReply decrypts a cookie reply and stores the cookie for the next
// handshake message.
func (cg *CookieGenerator) ConsumeReply(msg *MessageCookieReply, now time.Time) error {
	cg.Lock()
	defer cg.Unlock()

	if !cg.mac2.hasLastMAC1 {
		return fmt.Errorf("%w: cookie reply without outstanding message", ErrMalformed)
	}

	xaead, err := chacha20poly1305.NewX(cg.mac2.encryptionKey[:])
	if err != nil {
		return err
	}

	cookie, err := xaead.Open(nil, msg.Nonce[:], msg.Cookie[:], cg.mac2.lastMAC1[:])
	if err != nil {
		return fmt.Errorf("%w: decrypt cookie: %v", ErrAuthentication, err)
	}

	copy(cg.mac2.cookie[:], cookie)
	cg.mac2.cookieSet = now
	return nil
}

// HasCookie reports whether a cookie younger than the refresh period is held.
func (cg *CookieGenerator) HasCookie(now time.Time) bool {
	cg.Lock()
	defer cg.Unlock()
	return !cg.mac2.cookieSet.IsZero() && now.Sub(cg.mac2.cookieSet) <= cg.refresh
}

// sourceBytes is the cookie input for a remote address: IP followed by the
// little-endian port.
func sourceBytes(src netip.AddrPort) []byte {
	b, _ := netip.AddrPortFrom(src.Addr().Unmap(), src.Port()).MarshalBinary()
	return b
}

// cryptoRandRead is a wrapper for testing.
var cryptoRandRead = func(b []byte) (int, error) {
	return rand.Read(b)
}
