package dhcp4

import (
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"microdns/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "microdns.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testPool() *Pool {
	p := NewPool(
		net.ParseIP("10.0.10.100"), net.ParseIP("10.0.10.101"),
		SubnetMaskFromPrefix(24), net.ParseIP("10.0.10.1"),
		[]net.IP{net.ParseIP("10.0.10.1")}, "lan.local", 3600,
	)
	p.Name = "pool0"
	return p
}

func discoverPacket(mac [6]byte) *Packet {
	p := &Packet{Op: 1, Htype: 1, Hlen: 6, Xid: 0x1234}
	copy(p.Chaddr[:], mac[:])
	p.Options = []Option{messageTypeOption(Discover), {Code: OptEnd}}
	p.Ciaddr = net.IPv4zero
	p.Yiaddr = net.IPv4zero
	p.Siaddr = net.IPv4zero
	p.Giaddr = net.IPv4zero
	return p
}

func requestPacket(mac [6]byte, ip net.IP) *Packet {
	p := discoverPacket(mac)
	p.Options = []Option{
		messageTypeOption(Request),
		ipOption(OptRequestedIP, ip),
		{Code: OptEnd},
	}
	return p
}

var clientMAC = [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}

func TestPacketRoundTrip(t *testing.T) {
	p := discoverPacket(clientMAC)
	p.Flags = broadcastFlag
	p.Options = []Option{
		messageTypeOption(Discover),
		ipOption(OptRequestedIP, net.ParseIP("10.0.10.100")),
		stringOption(OptHostname, "client-1"),
		{Code: 43, Data: []byte{1, 2, 3}}, // vendor-specific, retained opaquely
		{Code: OptEnd},
	}

	parsed, err := ParsePacket(p.Bytes())
	require.NoError(t, err)
	require.Equal(t, p.Op, parsed.Op)
	require.Equal(t, p.Xid, parsed.Xid)
	require.Equal(t, p.Flags, parsed.Flags)
	require.Equal(t, p.Chaddr, parsed.Chaddr)
	require.Equal(t, p.Options, parsed.Options)
	require.Equal(t, "aa:bb:cc:dd:ee:ff", parsed.MACAddress())
	require.Equal(t, "client-1", parsed.Hostname())
	require.True(t, parsed.RequestedIP().Equal(net.ParseIP("10.0.10.100")))
}

func TestParseRejectsTruncatedAndCookieless(t *testing.T) {
	_, err := ParsePacket(make([]byte, 100))
	require.ErrorIs(t, err, errShortPacket)

	raw := discoverPacket(clientMAC).Bytes()
	raw[236] = 0
	_, err = ParsePacket(raw)
	require.ErrorIs(t, err, errNoMagicCookie)
}

func TestPoolAllocateLowestFree(t *testing.T) {
	p := testPool()
	require.Equal(t, "10.0.10.100", p.Allocate().String())
	require.Equal(t, "10.0.10.101", p.Allocate().String())
	require.Nil(t, p.Allocate(), "exhausted pool returns nil")

	p.Release(net.ParseIP("10.0.10.100"))
	require.Equal(t, "10.0.10.100", p.Allocate().String())

	// releasing an unheld IP is a no-op
	p.Release(net.ParseIP("10.0.10.55"))
	require.Nil(t, p.Allocate())
}

func TestPoolAllocateSpecific(t *testing.T) {
	p := testPool()
	require.True(t, p.AllocateSpecific(net.ParseIP("10.0.10.101")))
	require.False(t, p.AllocateSpecific(net.ParseIP("10.0.10.101")), "double allocation")
	require.False(t, p.AllocateSpecific(net.ParseIP("10.0.20.5")), "out of range")
	require.Equal(t, "10.0.10.100", p.Allocate().String())
}

func TestDiscoverRequestReleaseCycle(t *testing.T) {
	st := openTestStore(t)
	srv := NewServer(st, []*Pool{testPool()}, nil, nil)

	offer := srv.HandlePacket(discoverPacket(clientMAC))
	require.NotNil(t, offer)
	mt, _ := offer.MessageType()
	require.Equal(t, Offer, mt)
	require.Equal(t, "10.0.10.100", offer.Yiaddr.String())
	require.Equal(t, byte(2), offer.Op)

	ack := srv.HandlePacket(requestPacket(clientMAC, offer.Yiaddr))
	require.NotNil(t, ack)
	mt, _ = ack.MessageType()
	require.Equal(t, Ack, mt)
	require.Equal(t, uint32(3600), leaseTimeOf(t, ack))

	leases, err := st.ListActiveLeases()
	require.NoError(t, err)
	require.Len(t, leases, 1)
	require.Equal(t, "10.0.10.100", leases[0].IPAddr)
	require.Equal(t, "aa:bb:cc:dd:ee:ff", leases[0].MACAddr)

	rel := discoverPacket(clientMAC)
	rel.Options = []Option{messageTypeOption(Release), {Code: OptEnd}}
	rel.Ciaddr = net.ParseIP("10.0.10.100")
	require.Nil(t, srv.HandlePacket(rel), "RELEASE gets no reply")

	leases, err = st.ListActiveLeases()
	require.NoError(t, err)
	require.Empty(t, leases)

	// the pool returned the IP, so the same client is offered it again
	offer2 := srv.HandlePacket(discoverPacket(clientMAC))
	require.NotNil(t, offer2)
	require.Equal(t, "10.0.10.100", offer2.Yiaddr.String())
}

func TestDiscoverReOffersActiveLease(t *testing.T) {
	st := openTestStore(t)
	srv := NewServer(st, []*Pool{testPool()}, nil, nil)

	offer := srv.HandlePacket(discoverPacket(clientMAC))
	require.NotNil(t, srv.HandlePacket(requestPacket(clientMAC, offer.Yiaddr)))

	again := srv.HandlePacket(discoverPacket(clientMAC))
	require.NotNil(t, again)
	require.Equal(t, offer.Yiaddr.String(), again.Yiaddr.String())
}

func TestReservationPrecedenceAndMismatchNak(t *testing.T) {
	st := openTestStore(t)
	resMAC := [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x01}
	res := Reservation{MAC: "aa:bb:cc:dd:ee:01", IP: net.ParseIP("10.0.10.5"), Hostname: "reserved-host"}
	srv := NewServer(st, []*Pool{testPool()}, []Reservation{res}, nil)
	require.NoError(t, srv.RestoreLeases())

	// reserved IP is outside the pool range; option set comes from the first pool
	offer := srv.HandlePacket(discoverPacket(resMAC))
	require.NotNil(t, offer)
	require.Equal(t, "10.0.10.5", offer.Yiaddr.String())
	require.Equal(t, net.ParseIP("10.0.10.1").To4().String(), net.IP(offer.GetOption(OptRouter)).String())

	nak := srv.HandlePacket(requestPacket(resMAC, net.ParseIP("10.0.10.99")))
	require.NotNil(t, nak)
	mt, _ := nak.MessageType()
	require.Equal(t, Nak, mt)

	ack := srv.HandlePacket(requestPacket(resMAC, res.IP))
	require.NotNil(t, ack)
	mt, _ = ack.MessageType()
	require.Equal(t, Ack, mt)

	leases, err := st.ListActiveLeases()
	require.NoError(t, err)
	require.Len(t, leases, 1)
	require.Equal(t, "reserved-host", leases[0].Hostname)
}

func TestRequestUnknownPoolNak(t *testing.T) {
	st := openTestStore(t)
	srv := NewServer(st, []*Pool{testPool()}, nil, nil)

	nak := srv.HandlePacket(requestPacket(clientMAC, net.ParseIP("192.168.99.10")))
	require.NotNil(t, nak)
	mt, _ := nak.MessageType()
	require.Equal(t, Nak, mt)
}

func TestPXEOptionsOnOffer(t *testing.T) {
	st := openTestStore(t)
	p := testPool()
	p.NextServer = net.ParseIP("10.0.10.2")
	p.BootFile = "pxelinux.0"
	srv := NewServer(st, []*Pool{p}, nil, nil)

	offer := srv.HandlePacket(discoverPacket(clientMAC))
	require.NotNil(t, offer)
	require.Equal(t, "10.0.10.2", offer.Siaddr.String())
	require.Equal(t, "10.0.10.2", string(offer.GetOption(OptTFTPServer)))
	require.Equal(t, "pxelinux.0", string(offer.GetOption(OptBootfile)))
	require.Equal(t, byte(0), offer.File[127], "file field stays NUL-terminated")
	require.Equal(t, "pxelinux.0", cString(offer.File[:]))
}

func TestReplyDestination(t *testing.T) {
	req := discoverPacket(clientMAC)
	reply := &Packet{Yiaddr: net.ParseIP("10.0.10.100").To4()}

	req.Giaddr = net.ParseIP("10.0.0.254").To4()
	dst := replyDestination(req, reply)
	require.Equal(t, "10.0.0.254", dst.IP.String())
	require.Equal(t, 67, dst.Port)

	req.Giaddr = net.IPv4zero
	req.Flags = broadcastFlag
	dst = replyDestination(req, reply)
	require.Equal(t, net.IPv4bcast.String(), dst.IP.String())
	require.Equal(t, 68, dst.Port)

	req.Flags = 0
	dst = replyDestination(req, reply)
	require.Equal(t, "10.0.10.100", dst.IP.String())
	require.Equal(t, 68, dst.Port)
}

func TestNonBootRequestIgnored(t *testing.T) {
	st := openTestStore(t)
	srv := NewServer(st, []*Pool{testPool()}, nil, nil)
	p := discoverPacket(clientMAC)
	p.Op = 2 // BOOTREPLY must be dropped
	require.Nil(t, srv.HandlePacket(p))
}

func leaseTimeOf(t *testing.T, p *Packet) uint32 {
	t.Helper()
	data := p.GetOption(OptLeaseTime)
	require.Len(t, data, 4)
	return uint32(data[0])<<24 | uint32(data[1])<<16 | uint32(data[2])<<8 | uint32(data[3])
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
