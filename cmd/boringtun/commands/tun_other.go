// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

//go:build !linux

package commands

import "github.com/songgao/water"

// openTUN lets the system pick the interface name.
func openTUN(string) (*water.Interface, string, error) {
	iface, err := water.New(water.Config{DeviceType: water.TUN})
	if err != nil {
		return nil, "", err
	}
	return iface, iface.Name(), nil
}
