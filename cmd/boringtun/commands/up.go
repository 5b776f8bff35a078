// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package commands

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/linux-usage-tips/boringtun"
)

type upOptions struct {
	privateKey     string
	privateKeyFile string
	listen         string
	tunName        string
	mtu            int
	workers        int
	peers          []string
}

func upCmd() *cobra.Command {
	var opts upOptions
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Bring up a tunnel and serve until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runUp(ctx, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.privateKey, "private-key", "", "local private key (base64 or hex)")
	f.StringVar(&opts.privateKeyFile, "private-key-file", "", "file holding the local private key")
	f.StringVar(&opts.listen, "listen", ":51820", "UDP listen address")
	f.StringVar(&opts.tunName, "tun", "", "TUN interface name (Linux only)")
	f.IntVar(&opts.mtu, "mtu", boringtun.DefaultMTU, "largest plaintext packet the engine pads to; set the interface MTU to match outside this tool (ip link set dev <tun> mtu N)")
	f.IntVar(&opts.workers, "workers", boringtun.DefaultWorkers, "packet worker goroutines")
	f.StringArrayVar(&opts.peers, "peer", nil, "peer as pubkey=KEY,allowed-ips=A/N;B/M,endpoint=HOST:PORT,keepalive=SECS,psk=KEY (repeatable)")
	cmd.MarkFlagsMutuallyExclusive("private-key", "private-key-file")
	return cmd
}

func (o upOptions) engineConfig() (boringtun.Config, error) {
	keyText := o.privateKey
	if o.privateKeyFile != "" {
		b, err := os.ReadFile(o.privateKeyFile)
		if err != nil {
			return boringtun.Config{}, fmt.Errorf("read private key: %w", err)
		}
		keyText = strings.TrimSpace(string(b))
	}
	if keyText == "" {
		return boringtun.Config{}, fmt.Errorf("--private-key or --private-key-file is required")
	}
	sk, err := boringtun.ParsePrivateKey(keyText)
	if err != nil {
		return boringtun.Config{}, fmt.Errorf("private key: %w", err)
	}

	cfg := boringtun.Config{
		PrivateKey: sk,
		MTU:        o.mtu,
		Logger:     log.WithField("component", "engine"),
	}
	for _, s := range o.peers {
		pc, err := parsePeer(s)
		if err != nil {
			return boringtun.Config{}, err
		}
		cfg.Peers = append(cfg.Peers, pc)
	}
	return cfg, nil
}

func runUp(ctx context.Context, opts upOptions) error {
	cfg, err := opts.engineConfig()
	if err != nil {
		return err
	}
	engine, err := boringtun.NewEngine(cfg)
	if err != nil {
		return err
	}
	defer engine.Close()

	tun, name, err := openTUN(opts.tunName)
	if err != nil {
		return fmt.Errorf("open tun: %w", err)
	}

	conn, err := net.ListenPacket("udp", opts.listen)
	if err != nil {
		tun.Close()
		return fmt.Errorf("listen: %w", err)
	}
	defer conn.Close()

	srv, err := boringtun.NewServer(boringtun.ServerConfig{
		Engine:  engine,
		TUN:     tun,
		Workers: opts.workers,
		Logger:  log.WithField("component", "server"),
	})
	if err != nil {
		tun.Close()
		return err
	}

	log.WithFields(logrus.Fields{
		"function":   "runUp",
		"tun":        name,
		"listen":     conn.LocalAddr().String(),
		"public_key": engine.PublicKey().String(),
		"peers":      len(cfg.Peers),
	}).Info("Tunnel up")

	err = srv.Serve(ctx, conn)

	for _, st := range engine.Peers() {
		log.WithFields(logrus.Fields{
			"function": "runUp",
			"peer":     st.PublicKey.String(),
			"rx":       st.RxBytes,
			"tx":       st.TxBytes,
		}).Info("Peer totals")
	}
	stats := engine.Stats()
	log.WithFields(logrus.Fields{
		"function":   "runUp",
		"handshakes": stats.HandshakesCompleted,
		"auth_fail":  stats.AuthFailures,
		"replays":    stats.Replays,
		"cookies":    stats.CookieRepliesSent,
	}).Info("Tunnel down")
	return err
}
