// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package boringtun

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ServerConfig configures a Server.
type ServerConfig struct {
	// Engine is the protocol engine. Required.
	Engine *Engine

	// TUN exchanges plaintext IP packets with the local network stack.
	// Serve closes it when it stops and does not wait for a Read that Close
	// fails to unblock. Optional when OnPacket is set.
	TUN io.ReadWriteCloser

	// OnPacket receives decrypted packets when no TUN is configured.
	OnPacket func(pkt []byte, peer NoisePublicKey)

	// Workers is the number of goroutines processing packets. Default: DefaultWorkers.
	Workers int

	// TickInterval controls how often Engine.Tick runs. Default: 250ms.
	TickInterval time.Duration

	// ReadBufferSize is the size of the UDP and TUN read buffers. Default: 2048.
	ReadBufferSize int

	// Logger defaults to the engine's logger.
	Logger logrus.FieldLogger
}

// Server runs an Engine over a net.PacketConn and a TUN device: two read
// loops feed a bounded worker pool, and a ticker drives the engine timers.
type Server struct {
	engine         *Engine
	tun            io.ReadWriteCloser
	onPacket       func(pkt []byte, peer NoisePublicKey)
	workers        int
	tickInterval   time.Duration
	readBufferSize int
	log            logrus.FieldLogger

	tunMu sync.Mutex // serializes TUN writes

	mu     sync.Mutex
	conn   net.PacketConn
	cancel context.CancelFunc
}

type jobKind int

const (
	jobInbound jobKind = iota
	jobOutbound
)

type job struct {
	kind jobKind
	data []byte
	src  netip.AddrPort
}

const jobsPerWorker = 256

// NewServer creates a Server from the given configuration.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("boringtun: Engine is required")
	}
	if cfg.TUN == nil && cfg.OnPacket == nil {
		return nil, errors.New("boringtun: either TUN or OnPacket must be set")
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	interval := cfg.TickInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	bufSize := cfg.ReadBufferSize
	if bufSize <= 0 {
		bufSize = 2048
	}
	log := cfg.Logger
	if log == nil {
		log = cfg.Engine.log
	}

	return &Server{
		engine:         cfg.Engine,
		tun:            cfg.TUN,
		onPacket:       cfg.OnPacket,
		workers:        workers,
		tickInterval:   interval,
		readBufferSize: bufSize,
		log:            log,
	}, nil
}

// Serve runs the server on conn until ctx is done, Close is called, or a
// read loop fails permanently. It does not close conn.
func (s *Server) Serve(ctx context.Context, conn net.PacketConn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return errors.New("boringtun: server already serving")
	}
	s.conn = conn
	s.cancel = cancel
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.cancel = nil
		s.mu.Unlock()
	}()

	g, ctx := errgroup.WithContext(ctx)
	jobs := make(chan job, s.workers*jobsPerWorker)

	g.Go(func() error { return s.readLoop(ctx, conn, jobs) })
	if s.tun != nil {
		// The reader runs outside the group: a TUN Read can outlive Serve.
		tunErr := make(chan error, 1)
		go func() { tunErr <- s.tunLoop(ctx, jobs) }()
		g.Go(func() error {
			select {
			case err := <-tunErr:
				return err
			case <-ctx.Done():
				return nil
			}
		})
	}
	for i := 0; i < s.workers; i++ {
		g.Go(func() error {
			s.worker(ctx, conn, jobs)
			return nil
		})
	}
	g.Go(func() error {
		s.tickLoop(ctx, conn)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		// Unblock pending reads.
		conn.SetReadDeadline(time.Now())
		if s.tun != nil {
			s.tun.Close()
		}
		return nil
	})

	s.log.WithFields(logrus.Fields{
		"function": "Serve",
		"local":    conn.LocalAddr().String(),
		"workers":  s.workers,
	}).Info("Server started")

	err := g.Wait()
	s.log.WithField("function", "Serve").Info("Server stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close stops Serve. It does not close the net.PacketConn or the Engine; the
// caller owns those.
func (s *Server) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Send encrypts a plaintext IP packet and sends it to the peer routing its
// destination.
func (s *Server) Send(pkt []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("boringtun: server not running")
	}

	res, err := s.engine.SendPacket(pkt)
	if res != nil {
		s.writeDatagrams(conn, res.Datagrams)
	}
	return err
}

// Connect starts a handshake with a peer without waiting for traffic.
func (s *Server) Connect(pk NoisePublicKey) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("boringtun: server not running")
	}

	res, err := s.engine.InitiateHandshake(pk)
	if err != nil {
		return fmt.Errorf("boringtun: initiate handshake: %w", err)
	}
	s.writeDatagrams(conn, res.Datagrams)
	return nil
}

func (s *Server) readLoop(ctx context.Context, conn net.PacketConn, jobs chan<- job) error {
	buf := make([]byte, s.readBufferSize)

	for {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("udp read: %w", err)
		}

		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])

		select {
		case jobs <- job{kind: jobInbound, data: data, src: udpAddr.AddrPort()}:
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Server) tunLoop(ctx context.Context, jobs chan<- job) error {
	buf := make([]byte, s.readBufferSize)

	for {
		n, err := s.tun.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("tun read: %w", err)
		}
		if n == 0 {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])

		select {
		case jobs <- job{kind: jobOutbound, data: data}:
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Server) worker(ctx context.Context, conn net.PacketConn, jobs <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-jobs:
			switch j.kind {
			case jobInbound:
				s.processIncoming(conn, j.data, j.src)
			case jobOutbound:
				s.processOutgoing(conn, j.data)
			}
		}
	}
}

func (s *Server) processIncoming(conn net.PacketConn, data []byte, src netip.AddrPort) {
	res, _ := s.engine.ProcessDatagram(data, src)
	if res == nil {
		return
	}
	s.writeDatagrams(conn, res.Datagrams)
	if res.Type == PacketTransportData && len(res.Packet) > 0 {
		s.deliver(res.Packet, res.Peer)
	}
}

func (s *Server) processOutgoing(conn net.PacketConn, pkt []byte) {
	res, err := s.engine.SendPacket(pkt)
	if err != nil {
		s.log.WithField("function", "processOutgoing").WithError(err).Debug("Outbound packet dropped")
	}
	if res != nil {
		s.writeDatagrams(conn, res.Datagrams)
	}
}

func (s *Server) deliver(pkt []byte, peer NoisePublicKey) {
	if s.tun == nil {
		s.onPacket(pkt, peer)
		return
	}
	s.tunMu.Lock()
	defer s.tunMu.Unlock()
	if _, err := s.tun.Write(pkt); err != nil {
		s.log.WithField("function", "deliver").WithError(err).Warn("TUN write failed")
	}
}

func (s *Server) writeDatagrams(conn net.PacketConn, dgs []Datagram) {
	for _, d := range dgs {
		if _, err := conn.WriteTo(d.Data, net.UDPAddrFromAddrPort(d.Endpoint)); err != nil {
			s.log.WithFields(logrus.Fields{
				"function": "writeDatagrams",
				"endpoint": d.Endpoint.String(),
			}).WithError(err).Debug("UDP write failed")
		}
	}
}

func (s *Server) tickLoop(ctx context.Context, conn net.PacketConn) {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.writeDatagrams(conn, s.engine.Tick())
		}
	}
}
