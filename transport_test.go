package boringtun

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ipv6Packet crafts a minimal IPv6 packet with no extension headers.
func ipv6Packet(src, dst netip.Addr, payload []byte) []byte {
	pkt := make([]byte, 40+len(payload))
	pkt[0] = 0x60
	binary.BigEndian.PutUint16(pkt[4:6], uint16(len(payload)))
	pkt[6] = 17
	pkt[7] = 64
	s, d := src.As16(), dst.As16()
	copy(pkt[8:24], s[:])
	copy(pkt[24:40], d[:])
	copy(pkt[40:], payload)
	return pkt
}

func sealAtoB(t *testing.T, tp *testPair, pkt []byte) []byte {
	t.Helper()
	res, err := tp.a.engine.SendPacket(pkt)
	require.NoError(t, err)
	require.Equal(t, PacketEncrypted, res.Type)
	require.Len(t, res.Datagrams, 1)
	return res.Datagrams[0].Data
}

func TestTransportReplayRejected(t *testing.T) {
	tp := newTestPair(t, nil)
	tp.establish(t)

	data := sealAtoB(t, tp, ipv4Packet(tunIPA, tunIPB, []byte("once")))

	res, err := tp.b.engine.ProcessDatagram(data, addrA)
	require.NoError(t, err)
	assert.Equal(t, PacketTransportData, res.Type)

	res, err = tp.b.engine.ProcessDatagram(data, addrA)
	assert.ErrorIs(t, err, ErrReplay)
	assert.Nil(t, res)
	assert.Equal(t, uint64(1), tp.b.engine.Stats().Replays)
}

func TestTransportOutOfOrderAcceptedOnce(t *testing.T) {
	tp := newTestPair(t, nil)
	tp.establish(t)

	var sealed [][]byte
	for i := 0; i < 16; i++ {
		sealed = append(sealed, sealAtoB(t, tp, ipv4Packet(tunIPA, tunIPB, []byte{byte(i)})))
	}

	order := rand.New(rand.NewSource(7)).Perm(len(sealed))
	for _, i := range order {
		res, err := tp.b.engine.ProcessDatagram(sealed[i], addrA)
		require.NoError(t, err, "datagram %d", i)
		assert.Equal(t, byte(i), res.Packet[20])
	}
	for _, i := range order {
		_, err := tp.b.engine.ProcessDatagram(sealed[i], addrA)
		assert.ErrorIs(t, err, ErrReplay)
	}
}

func TestTransportPadding(t *testing.T) {
	tp := newTestPair(t, nil)
	tp.establish(t)

	pkt := ipv4Packet(tunIPA, tunIPB, []byte{0x42})
	require.Len(t, pkt, 21)

	data := sealAtoB(t, tp, pkt)
	assert.Len(t, data, MessageTransportHeaderSize+32+16)

	res, err := tp.b.engine.ProcessDatagram(data, addrA)
	require.NoError(t, err)
	assert.Equal(t, pkt, res.Packet, "padding is trimmed to the IP length")
}

func TestTransportPaddingCappedAtMTU(t *testing.T) {
	tp := newTestPair(t, func(c *Config) { c.MTU = 100 })
	tp.establish(t)

	cases := []struct {
		name      string
		size      int
		plaintext int
	}{
		{"rounds up", 90, 96},
		{"capped", 99, 100},
		{"exact", 100, 100},
		{"oversized", 150, 150},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pkt := ipv4Packet(tunIPA, tunIPB, make([]byte, tc.size-20))
			data := sealAtoB(t, tp, pkt)
			assert.Len(t, data, MessageTransportHeaderSize+tc.plaintext+16)

			res, err := tp.b.engine.ProcessDatagram(data, addrA)
			require.NoError(t, err)
			assert.Equal(t, pkt, res.Packet)
		})
	}
}

func TestPaddedSize(t *testing.T) {
	assert.Equal(t, 0, paddedSize(0, 1420))
	assert.Equal(t, 16, paddedSize(1, 1420))
	assert.Equal(t, 16, paddedSize(16, 1420))
	assert.Equal(t, 1420, paddedSize(1419, 1420))
	assert.Equal(t, 1500, paddedSize(1500, 1420))
}

func TestTransportSpoofedSourceRejected(t *testing.T) {
	tp := newTestPair(t, nil)
	tp.establish(t)

	forged := netip.MustParseAddr("10.0.0.99")
	data := sealAtoB(t, tp, ipv4Packet(forged, tunIPB, []byte("spoof")))

	res, err := tp.b.engine.ProcessDatagram(data, addrA)
	assert.ErrorIs(t, err, ErrSpoofedSource)
	assert.Nil(t, res)
	assert.Equal(t, uint64(1), tp.b.engine.Stats().SpoofedSource)
}

func TestTransportInnerLengthBeyondPlaintext(t *testing.T) {
	tp := newTestPair(t, nil)
	tp.establish(t)

	pkt := ipv4Packet(tunIPA, tunIPB, []byte("short"))
	binary.BigEndian.PutUint16(pkt[2:4], 400)
	data := sealAtoB(t, tp, pkt)

	_, err := tp.b.engine.ProcessDatagram(data, addrA)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestTransportIPv6(t *testing.T) {
	tp := newTestPair(t, nil)
	v6A := netip.MustParseAddr("fd00::2")
	v6B := netip.MustParseAddr("fd00::1")

	require.NoError(t, tp.a.engine.UpdatePeer(PeerConfig{
		PublicKey:  tp.b.pub(),
		AllowedIPs: []netip.Prefix{netip.PrefixFrom(tunIPB, 32), netip.PrefixFrom(v6B, 128)},
	}))
	require.NoError(t, tp.b.engine.UpdatePeer(PeerConfig{
		PublicKey:  tp.a.pub(),
		AllowedIPs: []netip.Prefix{netip.PrefixFrom(tunIPA, 32), netip.MustParsePrefix("fd00::/124")},
	}))
	tp.establish(t)

	pkt := ipv6Packet(v6A, v6B, []byte("over v6"))
	data := sealAtoB(t, tp, pkt)
	res, err := tp.b.engine.ProcessDatagram(data, addrA)
	require.NoError(t, err)
	assert.Equal(t, pkt, res.Packet)
}

// Two peers behind one engine: each destination goes to the peer whose
// allowed IPs contain it.
func TestTransportRoutesByDestination(t *testing.T) {
	tp := newTestPair(t, nil)
	tp.establish(t)

	sk, err := GeneratePrivateKey()
	require.NoError(t, err)
	thirdEndpoint := netip.MustParseAddrPort("192.0.2.3:51820")
	require.NoError(t, tp.a.engine.AddPeer(PeerConfig{
		PublicKey:  sk.PublicKey(),
		AllowedIPs: []netip.Prefix{netip.MustParsePrefix("10.0.0.0/24")},
		Endpoint:   thirdEndpoint,
	}))

	// The /32 wins over the /24 for B's address.
	res, err := tp.a.engine.SendPacket(ipv4Packet(tunIPA, tunIPB, []byte("to B")))
	require.NoError(t, err)
	assert.Equal(t, tp.b.pub(), res.Peer)
	assert.Equal(t, PacketEncrypted, res.Type)

	res, err = tp.a.engine.SendPacket(ipv4Packet(tunIPA, netip.MustParseAddr("10.0.0.7"), []byte("to C")))
	require.NoError(t, err)
	assert.Equal(t, sk.PublicKey(), res.Peer)
	require.Equal(t, PacketHandshakeInitiation, res.Type)
	assert.Equal(t, thirdEndpoint, res.Datagrams[0].Endpoint)

	_, err = tp.a.engine.SendPacket(ipv4Packet(tunIPA, netip.MustParseAddr("172.16.0.1"), nil))
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestSendPacketValidation(t *testing.T) {
	tp := newTestPair(t, nil)

	_, err := tp.a.engine.SendPacket(nil)
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = tp.a.engine.SendPacket([]byte{0x45, 0x00})
	assert.ErrorIs(t, err, ErrMalformed)

	p := tp.a.engine.lookupPeer(tp.b.pub())
	p.ClearEndpoint()
	_, err = tp.a.engine.SendPacket(ipv4Packet(tunIPA, tunIPB, nil))
	assert.ErrorIs(t, err, ErrNoEndpoint)
}

func TestRoamingFollowsAuthenticatedSource(t *testing.T) {
	tp := newTestPair(t, nil)
	tp.establish(t)

	roamed := netip.MustParseAddrPort("203.0.113.5:9999")
	attacker := netip.MustParseAddrPort("198.51.100.66:1234")

	// A forged datagram from another address moves nothing.
	data := sealAtoB(t, tp, ipv4Packet(tunIPA, tunIPB, []byte("move")))
	forged := bytes.Clone(data)
	forged[len(forged)-1] ^= 0x01
	_, err := tp.b.engine.ProcessDatagram(forged, attacker)
	require.ErrorIs(t, err, ErrAuthentication)

	st, _ := tp.b.engine.Peer(tp.a.pub())
	assert.Equal(t, addrA, st.Endpoint)

	_, err = tp.b.engine.ProcessDatagram(data, roamed)
	require.NoError(t, err)
	st, _ = tp.b.engine.Peer(tp.a.pub())
	assert.Equal(t, roamed, st.Endpoint)

	res, err := tp.b.engine.SendPacket(ipv4Packet(tunIPB, tunIPA, []byte("back")))
	require.NoError(t, err)
	assert.Equal(t, roamed, res.Datagrams[0].Endpoint)
}

func TestTransportUnknownIndex(t *testing.T) {
	tp := newTestPair(t, nil)
	tp.establish(t)

	data := sealAtoB(t, tp, ipv4Packet(tunIPA, tunIPB, nil))
	binary.LittleEndian.PutUint32(data[MessageTransportOffsetReceiver:], 0xdeadbeef)

	_, err := tp.b.engine.ProcessDatagram(data, addrA)
	assert.ErrorIs(t, err, ErrUnknownIndex)
	assert.Equal(t, uint64(1), tp.b.engine.Stats().UnknownIndex)
}

func TestKeepaliveDoesNotOweReply(t *testing.T) {
	tp := newTestPair(t, nil)
	tp.establish(t)

	p := tp.b.engine.lookupPeer(tp.a.pub())
	owed := func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.timers.keepaliveOwed
	}
	assert.False(t, owed(), "keepalives are not answered")

	data := sealAtoB(t, tp, ipv4Packet(tunIPA, tunIPB, []byte("data")))
	_, err := tp.b.engine.ProcessDatagram(data, addrA)
	require.NoError(t, err)
	assert.True(t, owed())

	_, err = tp.b.engine.SendPacket(ipv4Packet(tunIPB, tunIPA, []byte("reply")))
	require.NoError(t, err)
	assert.False(t, owed(), "any send settles the debt")
}

func TestMalformedDatagramsNeverPanic(t *testing.T) {
	tp := newTestPair(t, nil)
	tp.establish(t)

	valid := [][]byte{
		sealAtoB(t, tp, ipv4Packet(tunIPA, tunIPB, []byte("fuzz seed"))),
	}
	res, err := tp.a.engine.InitiateHandshake(tp.b.pub())
	require.NoError(t, err)
	valid = append(valid, res.Datagrams[0].Data)

	rng := rand.New(rand.NewSource(1))
	inputs := [][]byte{nil, {}, {1}, {4, 0, 0}, {9, 0, 0, 0}, {1, 1, 0, 0}}
	for _, v := range valid {
		for n := 0; n <= len(v); n += 3 {
			inputs = append(inputs, v[:n])
		}
		for i := 0; i < 64; i++ {
			c := bytes.Clone(v)
			c[rng.Intn(len(c))] ^= byte(1 << rng.Intn(8))
			inputs = append(inputs, c)
		}
	}
	for typ := byte(1); typ <= 4; typ++ {
		for _, size := range []int{4, 31, 32, 64, 92, 148, 200} {
			b := make([]byte, size)
			rng.Read(b)
			b[0], b[1], b[2], b[3] = typ, 0, 0, 0
			inputs = append(inputs, b)
		}
	}

	for _, in := range inputs {
		assert.NotPanics(t, func() {
			tp.b.engine.ProcessDatagram(in, addrA)
			tp.a.engine.ProcessDatagram(in, addrB)
		})
	}
}

func TestMessageTypeAndSizes(t *testing.T) {
	_, err := messageType([]byte{1, 0})
	assert.ErrorIs(t, err, ErrMalformed)

	typ, err := messageType([]byte{4, 0, 0, 0, 0xff})
	require.NoError(t, err)
	assert.Equal(t, uint32(MessageTransportType), typ)

	_, err = decodeMessageInitiation(make([]byte, MessageInitiationSize-1))
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = decodeMessageResponse(make([]byte, MessageResponseSize+1))
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = decodeMessageCookieReply(make([]byte, 10))
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = decodeMessageTransport(make([]byte, MessageTransportSize-1))
	assert.ErrorIs(t, err, ErrMalformed)

	// Type tags with non-zero upper bytes are not valid messages.
	_, err = messageType([]byte{4, 0, 0, 1})
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = messageType([]byte{1, 1, 0, 0})
	assert.ErrorIs(t, err, ErrMalformed)

	tp := newTestPair(t, nil)
	_, err = tp.a.engine.ProcessDatagram([]byte{4, 0, 0, 1, 0, 0, 0, 0}, addrB)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestTransportHeaderLayout(t *testing.T) {
	buf := make([]byte, MessageTransportHeaderSize)
	putTransportHeader(buf, 0x01020304, 7)

	msg, err := decodeMessageTransport(append(buf, make([]byte, 16)...))
	require.NoError(t, err)
	assert.Equal(t, uint32(MessageTransportType), msg.Type)
	assert.Equal(t, uint32(0x01020304), msg.Receiver)
	assert.Equal(t, uint64(7), msg.Counter)
	assert.Len(t, msg.Content, 16)
}

func TestParsePacket(t *testing.T) {
	v4 := ipv4Packet(tunIPA, tunIPB, []byte("abc"))
	info, ok := parsePacket(v4)
	require.True(t, ok)
	assert.Equal(t, tunIPA, info.src)
	assert.Equal(t, tunIPB, info.dst)
	assert.Equal(t, 23, info.length)

	v6 := ipv6Packet(netip.MustParseAddr("fd00::1"), netip.MustParseAddr("fd00::2"), []byte("abcd"))
	info, ok = parsePacket(v6)
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("fd00::2"), info.dst)
	assert.Equal(t, 44, info.length)

	for _, bad := range [][]byte{nil, {0x45}, {0x60, 0, 0}, {0x10, 0, 0, 0}} {
		_, ok := parsePacket(bad)
		assert.False(t, ok)
	}
}
