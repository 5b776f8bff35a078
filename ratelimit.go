// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package boringtun

import (
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// handshakeLimiter tracks handshake load: one token bucket per source IP for
// messages that carry no valid cookie, and a global bucket that flips the
// engine into its under-load mode.
type handshakeLimiter struct {
	mu             sync.Mutex
	perSource      rate.Limit
	burst          int
	sources        map[netip.Addr]*sourceBucket
	global         *rate.Limiter
	underLoadAfter time.Duration
	underLoadUntil time.Time
}

type sourceBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newHandshakeLimiter(perSecond float64, burst int, loadThreshold int, underLoadAfter time.Duration) *handshakeLimiter {
	return &handshakeLimiter{
		perSource:      rate.Limit(perSecond),
		burst:          burst,
		sources:        make(map[netip.Addr]*sourceBucket),
		global:         rate.NewLimiter(rate.Limit(loadThreshold), loadThreshold),
		underLoadAfter: underLoadAfter,
	}
}

// recordHandshake accounts one handshake message against the global budget
// and reports whether the engine is under load.
func (l *handshakeLimiter) recordHandshake(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.global.AllowN(now, 1) {
		l.underLoadUntil = now.Add(l.underLoadAfter)
	}
	return now.Before(l.underLoadUntil)
}

// allowSource consumes one token from the bucket of addr.
func (l *handshakeLimiter) allowSource(addr netip.Addr, now time.Time) bool {
	addr = addr.Unmap()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.sources[addr]
	if !ok {
		b = &sourceBucket{limiter: rate.NewLimiter(l.perSource, l.burst)}
		l.sources[addr] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// gc forgets sources idle for longer than idle.
func (l *handshakeLimiter) gc(now time.Time, idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for addr, b := range l.sources {
		if now.Sub(b.lastSeen) > idle {
			delete(l.sources, addr)
			removed++
		}
	}
	return removed
}

func (l *handshakeLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sources)
}

// admission is the CookieGuard verdict for a handshake message.
type admission int

const (
	admitAccept admission = iota
	admitCookie
	admitDrop
)

// CookieGuard decides whether a handshake message may proceed to the
// expensive Diffie-Hellman work.
type CookieGuard struct {
	checker CookieChecker
	limiter *handshakeLimiter
}

// admit checks MAC1, then requires a valid MAC2 whenever the engine is under
// load or the source has exhausted its bucket.
func (g *CookieGuard) admit(msg []byte, src netip.AddrPort, now time.Time) admission {
	if !g.checker.CheckMAC1(msg) {
		return admitDrop
	}
	loaded := g.limiter.recordHandshake(now)
	if g.checker.CheckMAC2(msg, src, now) {
		return admitAccept
	}
	if loaded || !g.limiter.allowSource(src.Addr(), now) {
		return admitCookie
	}
	return admitAccept
}
