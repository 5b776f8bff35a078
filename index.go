// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package boringtun

import (
	"encoding/binary"
	"errors"
	"sync"
)

// indexEntry maps a locally assigned receiver index to its owner. keypair is
// nil while the index only names a pending handshake.
type indexEntry struct {
	peer    *Peer
	keypair *Keypair
}

// indexTable hands out random, unique, non-zero 32-bit receiver indices.
type indexTable struct {
	sync.RWMutex
	table map[uint32]indexEntry
}

func newIndexTable() *indexTable {
	return &indexTable{table: make(map[uint32]indexEntry)}
}

const maxIndexAttempts = 64

// newIndex reserves a fresh index for peer.
func (t *indexTable) newIndex(peer *Peer) (uint32, error) {
	var b [4]byte
	for i := 0; i < maxIndexAttempts; i++ {
		if _, err := cryptoRandRead(b[:]); err != nil {
			return 0, err
		}
		idx := binary.LittleEndian.Uint32(b[:])
		if idx == 0 {
			continue
		}

		t.Lock()
		if _, used := t.table[idx]; !used {
			t.table[idx] = indexEntry{peer: peer}
			t.Unlock()
			return idx, nil
		}
		t.Unlock()
	}
	return 0, errors.New("index space exhausted")
}

// setKeypair attaches a session to an index reserved by newIndex.
func (t *indexTable) setKeypair(idx uint32, kp *Keypair) {
	t.Lock()
	defer t.Unlock()
	if e, ok := t.table[idx]; ok {
		e.keypair = kp
		t.table[idx] = e
	}
}

func (t *indexTable) lookup(idx uint32) (indexEntry, bool) {
	t.RLock()
	defer t.RUnlock()
	e, ok := t.table[idx]
	return e, ok
}

func (t *indexTable) delete(idx uint32) {
	if idx == 0 {
		return
	}
	t.Lock()
	defer t.Unlock()
	delete(t.table, idx)
}

func (t *indexTable) len() int {
	t.RLock()
	defer t.RUnlock()
	return len(t.table)
}
