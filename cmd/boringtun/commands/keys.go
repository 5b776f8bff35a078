// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package commands

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/linux-usage-tips/boringtun"
)

func genkeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "genkey",
		Short: "Generate a private key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sk, err := boringtun.GeneratePrivateKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sk.String())
			return nil
		},
	}
}

func pubkeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pubkey",
		Short: "Derive the public key of a private key read from stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			line = strings.TrimSpace(line)
			if line == "" {
				if err != nil {
					return fmt.Errorf("read private key: %w", err)
				}
				return fmt.Errorf("empty private key")
			}
			sk, err := boringtun.ParsePrivateKey(line)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sk.PublicKey().String())
			return nil
		},
	}
}

func genpskCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "genpsk",
		Short: "Generate a preshared key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			psk, err := boringtun.GeneratePresharedKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), psk.String())
			return nil
		},
	}
}
