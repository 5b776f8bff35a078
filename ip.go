// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package boringtun

import (
	"encoding/binary"
	"net/netip"
)

// Byte offsets into IPv4 (RFC 791) and IPv6 (RFC 8200) headers. Only the
// fields needed for cryptokey routing are read.
const (
	ipv4HeaderMinSize     = 20
	ipv4OffsetTotalLength = 2
	ipv4OffsetSrc         = 12
	ipv4OffsetDst         = 16

	ipv6HeaderSize          = 40
	ipv6OffsetPayloadLength = 4
	ipv6OffsetSrc           = 8
	ipv6OffsetDst           = 24
)

// packetInfo is the routing view of a plaintext IP packet.
type packetInfo struct {
	src    netip.Addr
	dst    netip.Addr
	length int // length claimed by the IP header
}

// parsePacket extracts addresses and the header-declared length. It reports
// false for anything that is not a well-formed IPv4 or IPv6 header.
func parsePacket(pkt []byte) (packetInfo, bool) {
	if len(pkt) == 0 {
		return packetInfo{}, false
	}
	switch pkt[0] >> 4 {
	case 4:
		if len(pkt) < ipv4HeaderMinSize {
			return packetInfo{}, false
		}
		length := int(binary.BigEndian.Uint16(pkt[ipv4OffsetTotalLength:]))
		if length < ipv4HeaderMinSize {
			return packetInfo{}, false
		}
		return packetInfo{
			src:    netip.AddrFrom4([4]byte(pkt[ipv4OffsetSrc:ipv4OffsetDst])),
			dst:    netip.AddrFrom4([4]byte(pkt[ipv4OffsetDst : ipv4OffsetDst+4])),
			length: length,
		}, true
	case 6:
		if len(pkt) < ipv6HeaderSize {
			return packetInfo{}, false
		}
		length := ipv6HeaderSize + int(binary.BigEndian.Uint16(pkt[ipv6OffsetPayloadLength:]))
		return packetInfo{
			src:    netip.AddrFrom16([16]byte(pkt[ipv6OffsetSrc:ipv6OffsetDst])),
			dst:    netip.AddrFrom16([16]byte(pkt[ipv6OffsetDst : ipv6OffsetDst+16])),
			length: length,
		}, true
	default:
		return packetInfo{}, false
	}
}

// paddedSize rounds n up to PaddingMultiple without exceeding mtu. Packets
// already larger than mtu are not padded.
func paddedSize(n, mtu int) int {
	if n > mtu {
		return n
	}
	p := (n + PaddingMultiple - 1) / PaddingMultiple * PaddingMultiple
	if p > mtu {
		return mtu
	}
	return p
}
