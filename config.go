// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the BSD 3-Clause License.
// See LICENSE file in the project root for full license information.

package boringtun

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"
)

// Timers holds the protocol timing constants. Zero fields take the Default*
// values.
type Timers struct {
	RekeyAfterTime          time.Duration
	RejectAfterTime         time.Duration
	RekeyAttemptTime        time.Duration
	RekeyTimeout            time.Duration
	MaxRetryInterval        time.Duration
	KeepaliveTimeout        time.Duration
	CookieRefreshTime       time.Duration
	HandshakeInitiationRate time.Duration
	UnderLoadAfterTime      time.Duration

	// MaxHandshakeRetries is the number of retransmits before an attempt is
	// abandoned.
	MaxHandshakeRetries int
}

// Limits holds the protocol counters and capacities. Zero fields take the
// Default* values.
type Limits struct {
	RekeyAfterMessages  uint64
	RejectAfterMessages uint64

	// ReplayWindow is rounded up to a multiple of 64.
	ReplayWindow uint64

	// HandshakeRate and HandshakeBurst size the per-source bucket for
	// handshake messages that carry no valid cookie.
	HandshakeRate  float64
	HandshakeBurst int

	// LoadThreshold is the number of handshake messages per second above
	// which every source must present a cookie.
	LoadThreshold int

	StagedQueueLength int
}

// Config configures an Engine.
type Config struct {
	// PrivateKey is the local static private key. If zero, a new key is generated.
	PrivateKey NoisePrivateKey

	// Peers are added before NewEngine returns.
	Peers []PeerConfig

	// MTU bounds padded transport plaintext. Default: DefaultMTU.
	MTU int

	Timers Timers
	Limits Limits

	// Clock drives every timer decision. Default: SystemClock.
	Clock TimeProvider

	// Logger receives protocol events. Default: the logrus standard logger.
	Logger logrus.FieldLogger
}

// PeerConfig describes one configured peer.
type PeerConfig struct {
	PublicKey NoisePublicKey

	// PresharedKey is mixed into the handshake; zero means none.
	PresharedKey NoisePresharedKey

	AllowedIPs []netip.Prefix

	// Endpoint is the initial remote address. It is replaced by the source
	// of every authenticated datagram from the peer.
	Endpoint netip.AddrPort

	// PersistentKeepalive sends a keepalive whenever nothing was sent to the
	// peer for this long. Zero disables it.
	PersistentKeepalive time.Duration
}

func (c *Config) setDefaults() {
	if c.MTU <= 0 {
		c.MTU = DefaultMTU
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = defaultLogger()
	}
	c.Timers.setDefaults()
	c.Limits.setDefaults()
}

func (t *Timers) setDefaults() {
	setDuration(&t.RekeyAfterTime, DefaultRekeyAfterTime)
	setDuration(&t.RejectAfterTime, DefaultRejectAfterTime)
	setDuration(&t.RekeyAttemptTime, DefaultRekeyAttemptTime)
	setDuration(&t.RekeyTimeout, DefaultRekeyTimeout)
	setDuration(&t.MaxRetryInterval, DefaultMaxRetryInterval)
	setDuration(&t.KeepaliveTimeout, DefaultKeepaliveTimeout)
	setDuration(&t.CookieRefreshTime, DefaultCookieRefreshTime)
	setDuration(&t.HandshakeInitiationRate, DefaultHandshakeInitiationRate)
	setDuration(&t.UnderLoadAfterTime, DefaultUnderLoadAfterTime)
	if t.MaxHandshakeRetries <= 0 {
		t.MaxHandshakeRetries = DefaultMaxHandshakeRetries
	}
}

func (l *Limits) setDefaults() {
	if l.RekeyAfterMessages == 0 {
		l.RekeyAfterMessages = DefaultRekeyAfterMessages
	}
	if l.RejectAfterMessages == 0 {
		l.RejectAfterMessages = DefaultRejectAfterMessages
	}
	if l.ReplayWindow == 0 {
		l.ReplayWindow = DefaultReplayWindow
	}
	if l.HandshakeRate <= 0 {
		l.HandshakeRate = DefaultHandshakeRate
	}
	if l.HandshakeBurst <= 0 {
		l.HandshakeBurst = DefaultHandshakeBurst
	}
	if l.LoadThreshold <= 0 {
		l.LoadThreshold = DefaultLoadThreshold
	}
	if l.StagedQueueLength <= 0 {
		l.StagedQueueLength = DefaultStagedQueueLength
	}
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

func (c *Config) validate() error {
	if c.Limits.RekeyAfterMessages >= c.Limits.RejectAfterMessages {
		return fmt.Errorf("rekey-after-messages %d must be below reject-after-messages %d",
			c.Limits.RekeyAfterMessages, c.Limits.RejectAfterMessages)
	}
	if c.Timers.RekeyAfterTime >= c.Timers.RejectAfterTime {
		return fmt.Errorf("rekey-after-time %v must be below reject-after-time %v",
			c.Timers.RekeyAfterTime, c.Timers.RejectAfterTime)
	}
	if c.MTU < ipv4HeaderMinSize {
		return fmt.Errorf("mtu %d too small", c.MTU)
	}
	return nil
}

// responderRekeyAge is the age at which a responder-created current session
// asks for a new handshake.
func (t *Timers) responderRekeyAge() time.Duration {
	return t.RejectAfterTime - t.KeepaliveTimeout - t.RekeyTimeout
}

// retryInterval is the wait before retransmit number retry+1.
func (t *Timers) retryInterval(retry int) time.Duration {
	d := t.RekeyTimeout
	for i := 0; i < retry && d < t.MaxRetryInterval; i++ {
		d *= 2
	}
	if d > t.MaxRetryInterval {
		d = t.MaxRetryInterval
	}
	return d
}
