// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package boringtun

import "sync"

const blockBits = 64

// SlidingWindow implements replay protection using a bitmap-based sliding
// window. It accepts each counter at most once and rejects counters that are
// width or more below the highest counter accepted so far.
//
// The ring holds one block more than the window so the oldest partially
// covered block never aliases the newest one.
type SlidingWindow struct {
	mutex sync.Mutex
	width uint64
	last  uint64 // highest accepted counter
	ring  []uint64
}

// NewSlidingWindow returns a window accepting counters up to width below the
// high-water mark. width is rounded up to a multiple of 64.
func NewSlidingWindow(width uint64) *SlidingWindow {
	sw := &SlidingWindow{}
	sw.init(width)
	return sw
}

func (sw *SlidingWindow) init(width uint64) {
	if width == 0 {
		width = DefaultReplayWindow
	}
	if r := width % blockBits; r != 0 {
		width += blockBits - r
	}
	sw.width = width
	sw.ring = make([]uint64, width/blockBits+1)
	sw.last = 0
}

// Width returns the window width in counters.
func (sw *SlidingWindow) Width() uint64 {
	sw.mutex.Lock()
	defer sw.mutex.Unlock()
	return sw.width
}

// CheckReplay checks if a packet counter has been seen before.
// Returns true if the counter is a replay (already seen or too old).
// Automatically marks the counter as seen if it is new.
func (sw *SlidingWindow) CheckReplay(counter uint64) bool {
	sw.mutex.Lock()
	defer sw.mutex.Unlock()

	if sw.ring == nil {
		sw.init(0)
	}

	ringBlocks := uint64(len(sw.ring))
	block := counter / blockBits

	if counter > sw.last {
		current := sw.last / blockBits
		diff := block - current
		if diff > ringBlocks {
			diff = ringBlocks
		}
		for i := uint64(1); i <= diff; i++ {
			sw.ring[(current+i)%ringBlocks] = 0
		}
		sw.last = counter
	} else if sw.last-counter >= sw.width {
		return true
	}

	word := block % ringBlocks
	mask := uint64(1) << (counter % blockBits)
	if sw.ring[word]&mask != 0 {
		return true
	}
	sw.ring[word] |= mask
	return false
}

// Reset resets the sliding window, clearing all state.
func (sw *SlidingWindow) Reset() {
	sw.mutex.Lock()
	defer sw.mutex.Unlock()
	for i := range sw.ring {
		sw.ring[i] = 0
	}
	sw.last = 0
}
