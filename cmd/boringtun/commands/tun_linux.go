// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package commands

import "github.com/songgao/water"

func openTUN(name string) (*water.Interface, string, error) {
	cfg := water.Config{DeviceType: water.TUN}
	cfg.Name = name
	iface, err := water.New(cfg)
	if err != nil {
		return nil, "", err
	}
	return iface, iface.Name(), nil
}
