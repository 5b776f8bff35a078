// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package boringtun

import (
	"encoding/binary"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard/tai64n"
)

// TimeProvider is the engine's only source of time. Every timer decision
// (rekey, retries, keepalives, cookie rotation, rate limiting) reads it, so
// tests can drive the engine deterministically.
type TimeProvider interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns time.Now.
func (SystemClock) Now() time.Time { return time.Now() }

// ManualClock is a TimeProvider that only moves when told to.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock returns a clock frozen at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current manual time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new time.
func (c *ManualClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

const (
	tai64nBase     = uint64(0x400000000000000a)
	tai64nWhitener = uint32(0x1000000 - 1)
)

// timestampAt encodes t as a TAI64N label, rounded down to 2^24ns so the
// initiation does not leak a precise clock reading.
func timestampAt(t time.Time) tai64n.Timestamp {
	var ts tai64n.Timestamp
	secs := tai64nBase + uint64(t.Unix())
	nano := uint32(t.Nanosecond()) &^ tai64nWhitener
	binary.BigEndian.PutUint64(ts[0:8], secs)
	binary.BigEndian.PutUint32(ts[8:12], nano)
	return ts
}
