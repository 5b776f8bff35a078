// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

// Package commands defines the boringtun CLI.
//
// Commands
//
//   - genkey   Print a new private key
//   - pubkey   Read a private key on stdin and print its public key
//   - genpsk   Print a new preshared key
//   - up       Bring up a tunnel on a TUN device and serve until interrupted
//
// Keys use the base64 encoding of wg(8); hex is accepted on input.
package commands
