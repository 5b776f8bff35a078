// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package boringtun

import (
	"fmt"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// AllowedIPs is the cryptokey routing table: a longest-prefix-match index
// from address to peer. Readers load an immutable snapshot; writers rebuild
// the snapshot and publish it with a single pointer swap.
type AllowedIPs struct {
	mu      sync.Mutex // serializes writers
	entries map[netip.Prefix]*Peer
	table   atomic.Pointer[routeTable]
}

type routeTable struct {
	v4     *trieNode
	v6     *trieNode
	byPeer map[*Peer][]netip.Prefix
}

type trieNode struct {
	child [2]*trieNode
	peer  *Peer
}

// NewAllowedIPs returns an empty routing table.
func NewAllowedIPs() *AllowedIPs {
	r := &AllowedIPs{entries: make(map[netip.Prefix]*Peer)}
	r.table.Store(&routeTable{byPeer: map[*Peer][]netip.Prefix{}})
	return r
}

// Insert maps prefix to peer. A prefix already owned by another peer moves
// to the new one.
func (r *AllowedIPs) Insert(prefix netip.Prefix, peer *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[normalizePrefix(prefix)] = peer
	r.publishLocked()
}

// ReplacePeer atomically sets the full prefix list of a peer.
func (r *AllowedIPs) ReplacePeer(peer *Peer, prefixes []netip.Prefix) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for p, owner := range r.entries {
		if owner == peer {
			delete(r.entries, p)
		}
	}
	for _, p := range prefixes {
		r.entries[normalizePrefix(p)] = peer
	}
	r.publishLocked()
}

// RemoveByPeer drops every prefix owned by peer.
func (r *AllowedIPs) RemoveByPeer(peer *Peer) {
	r.ReplacePeer(peer, nil)
}

// Lookup returns the peer owning the longest prefix that contains addr.
func (r *AllowedIPs) Lookup(addr netip.Addr) *Peer {
	t := r.table.Load()
	addr = addr.Unmap()
	n := t.v6
	if addr.Is4() {
		n = t.v4
	}
	return n.lookup(addr)
}

// Allowed reports whether addr falls inside one of peer's own prefixes.
func (r *AllowedIPs) Allowed(peer *Peer, addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range r.table.Load().byPeer[peer] {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// EntriesForPeer returns peer's prefixes in a stable order.
func (r *AllowedIPs) EntriesForPeer(peer *Peer) []netip.Prefix {
	src := r.table.Load().byPeer[peer]
	out := make([]netip.Prefix, len(src))
	copy(out, src)
	return out
}

// Len returns the number of prefixes in the table.
func (r *AllowedIPs) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *AllowedIPs) publishLocked() {
	t := &routeTable{byPeer: make(map[*Peer][]netip.Prefix)}
	for p, peer := range r.entries {
		if p.Addr().Is4() {
			t.v4 = t.v4.insert(p, peer)
		} else {
			t.v6 = t.v6.insert(p, peer)
		}
		t.byPeer[peer] = append(t.byPeer[peer], p)
	}
	for _, list := range t.byPeer {
		sort.Slice(list, func(i, j int) bool {
			if list[i].Bits() != list[j].Bits() {
				return list[i].Bits() > list[j].Bits()
			}
			return list[i].Addr().Less(list[j].Addr())
		})
	}
	r.table.Store(t)
}

func (n *trieNode) insert(p netip.Prefix, peer *Peer) *trieNode {
	if n == nil {
		n = &trieNode{}
	}
	addr := p.Addr().AsSlice()
	cur := n
	for i := 0; i < p.Bits(); i++ {
		b := bitAt(addr, i)
		if cur.child[b] == nil {
			cur.child[b] = &trieNode{}
		}
		cur = cur.child[b]
	}
	cur.peer = peer
	return n
}

func (n *trieNode) lookup(addr netip.Addr) *Peer {
	if n == nil {
		return nil
	}
	bits := addr.AsSlice()
	var found *Peer
	cur := n
	for i := 0; cur != nil; i++ {
		if cur.peer != nil {
			found = cur.peer
		}
		if i == len(bits)*8 {
			break
		}
		cur = cur.child[bitAt(bits, i)]
	}
	return found
}

func bitAt(b []byte, i int) int {
	return int(b[i/8]>>(7-uint(i%8))) & 1
}

func normalizePrefix(p netip.Prefix) netip.Prefix {
	return netip.PrefixFrom(p.Addr().Unmap(), p.Bits()).Masked()
}

// ParseAllowedIP parses "addr/cidr". The prefix length must fit the address
// family: at most 32 for IPv4 and 128 for IPv6.
func ParseAllowedIP(s string) (netip.Prefix, error) {
	addrPart, bitsPart, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return netip.Prefix{}, fmt.Errorf("invalid allowed IP %q: missing prefix length", s)
	}
	addr, err := netip.ParseAddr(addrPart)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid allowed IP %q: %w", s, err)
	}
	bits, err := strconv.Atoi(bitsPart)
	if err != nil || bits < 0 || bits > addr.BitLen() {
		return netip.Prefix{}, fmt.Errorf("invalid allowed IP %q: bad prefix length", s)
	}
	return netip.PrefixFrom(addr, bits).Masked(), nil
}
