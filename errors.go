// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package boringtun

import "errors"

// Errors returned by Engine operations. They are for the caller's accounting
// only: a datagram that produces one of these is dropped without any reply
// unless the PacketResult says otherwise. ErrUnderLoad always comes with a
// cookie reply to send.
var (
	ErrMalformed      = errors.New("malformed message")
	ErrAuthentication = errors.New("authentication failed")
	ErrReplay         = errors.New("replayed counter")
	ErrUnknownPeer    = errors.New("unknown peer")
	ErrUnknownIndex   = errors.New("unknown receiver index")
	ErrStaleTimestamp = errors.New("handshake timestamp not newer than last accepted")
	ErrFlood          = errors.New("handshake initiation flood")
	ErrNoRoute        = errors.New("no peer for destination")
	ErrSessionExpired = errors.New("session expired")
	ErrSpoofedSource  = errors.New("source address not allowed for peer")
	ErrPeerClosed     = errors.New("peer removed")
	ErrUnderLoad      = errors.New("handshake rate limited")
	ErrPeerExists     = errors.New("peer already configured")
	ErrSelfPeer       = errors.New("peer key equals local public key")
	ErrEngineClosed   = errors.New("engine closed")
	ErrNoEndpoint     = errors.New("peer endpoint unknown")
)
