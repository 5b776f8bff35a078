// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package commands

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/linux-usage-tips/boringtun"
)

// parsePeer reads a --peer value of the form
//
//	pubkey=KEY,allowed-ips=10.0.0.2/32;fd00::2/128,endpoint=host:port,keepalive=25,psk=KEY
//
// Only pubkey is required.
func parsePeer(s string) (boringtun.PeerConfig, error) {
	var pc boringtun.PeerConfig
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return pc, fmt.Errorf("peer field %q: expected key=value", field)
		}

		var err error
		switch key {
		case "pubkey", "public-key":
			pc.PublicKey, err = boringtun.ParsePublicKey(value)
		case "psk", "preshared-key":
			pc.PresharedKey, err = boringtun.ParsePresharedKey(value)
		case "allowed-ips":
			for _, p := range strings.Split(value, ";") {
				if strings.TrimSpace(p) == "" {
					continue
				}
				prefix, perr := boringtun.ParseAllowedIP(p)
				if perr != nil {
					return pc, perr
				}
				pc.AllowedIPs = append(pc.AllowedIPs, prefix)
			}
		case "endpoint":
			pc.Endpoint, err = resolveEndpoint(value)
		case "keepalive":
			var secs int
			secs, err = strconv.Atoi(value)
			if err == nil && (secs < 0 || secs > 65535) {
				err = fmt.Errorf("out of range")
			}
			pc.PersistentKeepalive = time.Duration(secs) * time.Second
		default:
			return pc, fmt.Errorf("unknown peer field %q", key)
		}
		if err != nil {
			return pc, fmt.Errorf("peer field %s: %w", key, err)
		}
	}
	if pc.PublicKey.IsZero() {
		return pc, fmt.Errorf("peer %q: pubkey is required", s)
	}
	return pc, nil
}

func resolveEndpoint(s string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
	}
	addr, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		return netip.AddrPort{}, err
	}
	ap := addr.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}
