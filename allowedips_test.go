package boringtun

import (
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowedIPsLongestPrefixMatch(t *testing.T) {
	r := NewAllowedIPs()
	wide, narrow, host := &Peer{}, &Peer{}, &Peer{}

	r.Insert(netip.MustParsePrefix("10.0.0.0/8"), wide)
	r.Insert(netip.MustParsePrefix("10.1.0.0/16"), narrow)
	r.Insert(netip.MustParsePrefix("10.1.2.3/32"), host)

	tests := []struct {
		addr string
		want *Peer
	}{
		{"10.9.9.9", wide},
		{"10.1.9.9", narrow},
		{"10.1.2.3", host},
		{"10.1.2.4", narrow},
		{"11.0.0.1", nil},
		{"::ffff:10.1.2.3", host},
		{"fd00::1", nil},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			assert.Same(t, tt.want, r.Lookup(netip.MustParseAddr(tt.addr)))
		})
	}
}

func TestAllowedIPsIPv6AndDefaultRoute(t *testing.T) {
	r := NewAllowedIPs()
	def, site := &Peer{}, &Peer{}

	r.Insert(netip.MustParsePrefix("::/0"), def)
	r.Insert(netip.MustParsePrefix("fd00:1::/32"), site)

	assert.Same(t, site, r.Lookup(netip.MustParseAddr("fd00:1::42")))
	assert.Same(t, def, r.Lookup(netip.MustParseAddr("2001:db8::1")))
	assert.Nil(t, r.Lookup(netip.MustParseAddr("192.0.2.1")), "v6 default does not cover v4")
}

func TestAllowedIPsHostBitsMasked(t *testing.T) {
	r := NewAllowedIPs()
	p := &Peer{}
	r.Insert(netip.MustParsePrefix("10.1.2.3/16"), p)

	assert.Equal(t, []netip.Prefix{netip.MustParsePrefix("10.1.0.0/16")}, r.EntriesForPeer(p))
	assert.Same(t, p, r.Lookup(netip.MustParseAddr("10.1.200.1")))
}

func TestAllowedIPsPrefixMovesBetweenPeers(t *testing.T) {
	r := NewAllowedIPs()
	a, b := &Peer{}, &Peer{}
	prefix := netip.MustParsePrefix("192.168.0.0/24")

	r.Insert(prefix, a)
	r.Insert(prefix, b)

	assert.Same(t, b, r.Lookup(netip.MustParseAddr("192.168.0.1")))
	assert.Empty(t, r.EntriesForPeer(a))
	assert.Equal(t, 1, r.Len())
}

func TestAllowedIPsReplaceAndRemove(t *testing.T) {
	r := NewAllowedIPs()
	a, b := &Peer{}, &Peer{}

	r.ReplacePeer(a, []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/24"),
		netip.MustParsePrefix("10.0.1.0/24"),
	})
	r.ReplacePeer(b, []netip.Prefix{netip.MustParsePrefix("10.0.2.0/24")})
	require.Equal(t, 3, r.Len())

	r.ReplacePeer(a, []netip.Prefix{netip.MustParsePrefix("10.0.5.0/24")})
	assert.Nil(t, r.Lookup(netip.MustParseAddr("10.0.0.1")))
	assert.Same(t, a, r.Lookup(netip.MustParseAddr("10.0.5.1")))
	assert.Same(t, b, r.Lookup(netip.MustParseAddr("10.0.2.1")))

	r.RemoveByPeer(b)
	assert.Nil(t, r.Lookup(netip.MustParseAddr("10.0.2.1")))
	assert.Equal(t, 1, r.Len())
}

func TestAllowedIPsAllowed(t *testing.T) {
	r := NewAllowedIPs()
	a, b := &Peer{}, &Peer{}
	r.Insert(netip.MustParsePrefix("10.0.0.0/8"), a)
	r.Insert(netip.MustParsePrefix("10.1.0.0/16"), b)

	assert.True(t, r.Allowed(a, netip.MustParseAddr("10.2.0.1")))
	assert.True(t, r.Allowed(b, netip.MustParseAddr("10.1.0.1")))
	assert.False(t, r.Allowed(b, netip.MustParseAddr("10.2.0.1")))
	// A containing prefix counts even where a longer one belongs to someone else.
	assert.True(t, r.Allowed(a, netip.MustParseAddr("10.1.0.1")))
	assert.False(t, r.Allowed(&Peer{}, netip.MustParseAddr("10.1.0.1")))
}

func TestAllowedIPsEntriesOrder(t *testing.T) {
	r := NewAllowedIPs()
	p := &Peer{}
	r.ReplacePeer(p, []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("10.2.0.0/16"),
		netip.MustParsePrefix("10.1.0.0/16"),
		netip.MustParsePrefix("10.1.1.1/32"),
	})

	assert.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("10.1.1.1/32"),
		netip.MustParsePrefix("10.1.0.0/16"),
		netip.MustParsePrefix("10.2.0.0/16"),
		netip.MustParsePrefix("10.0.0.0/8"),
	}, r.EntriesForPeer(p))
}

func TestParseAllowedIP(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "10.0.0.1/32", want: "10.0.0.1/32"},
		{in: " 10.0.0.7/24 ", want: "10.0.0.0/24"},
		{in: "0.0.0.0/0", want: "0.0.0.0/0"},
		{in: "fd00::1/64", want: "fd00::/64"},
		{in: "::/0", want: "::/0"},
		{in: "10.0.0.1/33", wantErr: true},
		{in: "fd00::/129", wantErr: true},
		{in: "10.0.0.1", wantErr: true},
		{in: "10.0.0.1/-1", wantErr: true},
		{in: "10.0.0.1/x", wantErr: true},
		{in: "host/24", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAllowedIP(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestAllowedIPsConcurrentReaders(t *testing.T) {
	r := NewAllowedIPs()
	a, b := &Peer{}, &Peer{}
	r.Insert(netip.MustParsePrefix("10.0.0.0/8"), a)

	addr := netip.MustParseAddr("10.1.1.1")
	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				got := r.Lookup(addr)
				if got != a && got != b {
					t.Errorf("lookup returned an unexpected peer")
					return
				}
			}
		}()
	}

	for i := 0; i < 200; i++ {
		if i%2 == 0 {
			r.Insert(netip.MustParsePrefix("10.1.0.0/16"), b)
		} else {
			r.RemoveByPeer(b)
		}
	}
	close(stop)
	wg.Wait()
}
