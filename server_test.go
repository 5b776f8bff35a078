package boringtun

import (
	"context"
	"io"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chanTUN is an in-memory TUN: the server reads packets pushed into in and
// writes decrypted packets to out.
type chanTUN struct {
	in   chan []byte
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func newChanTUN() *chanTUN {
	return &chanTUN{
		in:   make(chan []byte, 16),
		out:  make(chan []byte, 16),
		done: make(chan struct{}),
	}
}

func (c *chanTUN) Read(b []byte) (int, error) {
	select {
	case p := <-c.in:
		return copy(b, p), nil
	case <-c.done:
		return 0, io.EOF
	}
}

func (c *chanTUN) Write(b []byte) (int, error) {
	p := append([]byte(nil), b...)
	select {
	case c.out <- p:
		return len(b), nil
	case <-c.done:
		return 0, io.ErrClosedPipe
	}
}

func (c *chanTUN) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func listenLoopback(t *testing.T) net.PacketConn {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func addrOf(conn net.PacketConn) netip.AddrPort {
	return conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// serve runs srv until the test ends and returns once it accepts sends.
func serve(t *testing.T, srv *Server, conn net.PacketConn) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx, conn) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errc:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return")
		}
	})
	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return srv.conn != nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestServerConfigValidation(t *testing.T) {
	_, err := NewServer(ServerConfig{})
	assert.Error(t, err, "engine is required")

	e, err := NewEngine(Config{Logger: testLogger()})
	require.NoError(t, err)
	defer e.Close()

	_, err = NewServer(ServerConfig{Engine: e})
	assert.Error(t, err, "a packet sink is required")

	srv, err := NewServer(ServerConfig{Engine: e, OnPacket: func([]byte, NoisePublicKey) {}})
	require.NoError(t, err)
	assert.Equal(t, DefaultWorkers, srv.workers)
	assert.Equal(t, 250*time.Millisecond, srv.tickInterval)

	assert.Error(t, srv.Send(ipv4Packet(tunIPA, tunIPB, nil)), "not serving yet")
	assert.Error(t, srv.Connect(e.PublicKey()))
}

func TestServerExchangeOverUDP(t *testing.T) {
	connA := listenLoopback(t)
	connB := listenLoopback(t)

	skA, err := GeneratePrivateKey()
	require.NoError(t, err)
	skB, err := GeneratePrivateKey()
	require.NoError(t, err)

	engA, err := NewEngine(Config{
		PrivateKey: skA,
		Logger:     testLogger(),
		Peers: []PeerConfig{{
			PublicKey:  skB.PublicKey(),
			AllowedIPs: []netip.Prefix{netip.PrefixFrom(tunIPB, 32)},
			Endpoint:   addrOf(connB),
		}},
	})
	require.NoError(t, err)
	defer engA.Close()

	// B learns A's endpoint from the handshake.
	engB, err := NewEngine(Config{
		PrivateKey: skB,
		Logger:     testLogger(),
		Peers: []PeerConfig{{
			PublicKey:  skA.PublicKey(),
			AllowedIPs: []netip.Prefix{netip.PrefixFrom(tunIPA, 32)},
		}},
	})
	require.NoError(t, err)
	defer engB.Close()

	type delivery struct {
		pkt  []byte
		peer NoisePublicKey
	}
	gotA := make(chan delivery, 4)
	srvA, err := NewServer(ServerConfig{
		Engine:       engA,
		Workers:      2,
		TickInterval: 50 * time.Millisecond,
		OnPacket: func(pkt []byte, peer NoisePublicKey) {
			gotA <- delivery{append([]byte(nil), pkt...), peer}
		},
	})
	require.NoError(t, err)

	tunB := newChanTUN()
	srvB, err := NewServer(ServerConfig{Engine: engB, TUN: tunB, TickInterval: 50 * time.Millisecond})
	require.NoError(t, err)

	serve(t, srvA, connA)
	serve(t, srvB, connB)

	ping := ipv4Packet(tunIPA, tunIPB, []byte("ping over udp"))
	require.NoError(t, srvA.Send(ping))

	select {
	case pkt := <-tunB.out:
		assert.Equal(t, ping, pkt)
	case <-time.After(5 * time.Second):
		t.Fatal("B never received the staged packet")
	}

	st, ok := engB.Peer(skA.PublicKey())
	require.True(t, ok)
	assert.Equal(t, addrOf(connA), st.Endpoint)

	pong := ipv4Packet(tunIPB, tunIPA, []byte("pong over udp"))
	tunB.in <- pong

	select {
	case d := <-gotA:
		assert.Equal(t, pong, d.pkt)
		assert.Equal(t, skB.PublicKey(), d.peer)
	case <-time.After(5 * time.Second):
		t.Fatal("A never received the reply")
	}

	assert.Equal(t, uint64(1), engA.Stats().HandshakesCompleted)
}

func TestServerConnectAndDoubleServe(t *testing.T) {
	connA := listenLoopback(t)
	connB := listenLoopback(t)

	skB, err := GeneratePrivateKey()
	require.NoError(t, err)
	engA, err := NewEngine(Config{Logger: testLogger()})
	require.NoError(t, err)
	defer engA.Close()
	engB, err := NewEngine(Config{PrivateKey: skB, Logger: testLogger()})
	require.NoError(t, err)
	defer engB.Close()

	require.NoError(t, engA.AddPeer(PeerConfig{PublicKey: skB.PublicKey(), Endpoint: addrOf(connB)}))
	require.NoError(t, engB.AddPeer(PeerConfig{PublicKey: engA.PublicKey()}))

	noop := func([]byte, NoisePublicKey) {}
	srvA, err := NewServer(ServerConfig{Engine: engA, OnPacket: noop})
	require.NoError(t, err)
	srvB, err := NewServer(ServerConfig{Engine: engB, OnPacket: noop})
	require.NoError(t, err)

	serve(t, srvA, connA)
	serve(t, srvB, connB)

	assert.Error(t, srvA.Serve(context.Background(), connA), "already serving")

	require.NoError(t, srvA.Connect(skB.PublicKey()))
	require.Eventually(t, func() bool {
		st, _ := engA.Peer(skB.PublicKey())
		return st.Handshake == "established"
	}, 5*time.Second, 10*time.Millisecond)

	var unknown NoisePublicKey
	unknown[0] = 1
	assert.Error(t, srvA.Connect(unknown))
}

func TestServerCloseStopsServe(t *testing.T) {
	conn := listenLoopback(t)
	e, err := NewEngine(Config{Logger: testLogger()})
	require.NoError(t, err)
	defer e.Close()

	tun := newChanTUN()
	srv, err := NewServer(ServerConfig{Engine: e, TUN: tun})
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(context.Background(), conn) }()
	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return srv.conn != nil
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, srv.Close())
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Close")
	}

	select {
	case <-tun.done:
	default:
		t.Error("TUN was not closed")
	}
}

// stuckTUN never returns from Read, and Close does not unblock it.
type stuckTUN struct {
	release chan struct{}
}

func (s *stuckTUN) Read([]byte) (int, error) {
	<-s.release
	return 0, io.EOF
}

func (s *stuckTUN) Write(b []byte) (int, error) { return len(b), nil }

func (s *stuckTUN) Close() error { return nil }

func TestServeReturnsWithStuckTUN(t *testing.T) {
	conn := listenLoopback(t)
	e, err := NewEngine(Config{Logger: testLogger()})
	require.NoError(t, err)
	defer e.Close()

	tun := &stuckTUN{release: make(chan struct{})}
	t.Cleanup(func() { close(tun.release) })

	srv, err := NewServer(ServerConfig{Engine: e, TUN: tun})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx, conn) }()
	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return srv.conn != nil
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve blocked on the TUN read after cancel")
	}
}
