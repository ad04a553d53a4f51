package dhcp6

import (
	"encoding/hex"
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
	return NewPool(net.ParseIP("2001:db8::"), 64, []net.IP{net.ParseIP("2001:db8::53")}, "lan.local", 7200)
}

var (
	serverMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0xaa, 0xbb, 0xcc}
	clientID  = []byte{0x00, 0x03, 0x00, 0x01, 0xde, 0xad, 0xbe, 0xef, 0x00, 0x01}
)

func solicitPacket() *Packet {
	p := &Packet{MsgType: Solicit, TxID: [3]byte{0x01, 0x02, 0x03}}
	p.Options = append(p.Options,
		Option{Code: OptClientID, Data: clientID},
		ianaOption(42, net.IPv6unspecified, 0),
	)
	return p
}

func TestPacketRoundTrip(t *testing.T) {
	p := solicitPacket()
	parsed, err := ParsePacket(p.Bytes())
	require.NoError(t, err)
	require.Equal(t, p.MsgType, parsed.MsgType)
	require.Equal(t, p.TxID, parsed.TxID)
	require.Equal(t, clientID, parsed.ClientID())

	ia, ok := parsed.ParseIANA()
	require.True(t, ok)
	require.Equal(t, uint32(42), ia.IAID)
}

func TestParseRejectsShort(t *testing.T) {
	_, err := ParsePacket([]byte{1, 2})
	require.ErrorIs(t, err, errTooShort)
}

func TestPoolCounterAllocation(t *testing.T) {
	p := testPool()
	first := p.Allocate()
	require.Equal(t, "2001:db8::100", first.String())
	require.Equal(t, "2001:db8::101", p.Allocate().String())
}

func TestSolicitAdvertise(t *testing.T) {
	st := openTestStore(t)
	srv := NewServer(st, []*Pool{testPool()}, serverMAC, nil)

	adv := srv.HandlePacket(solicitPacket())
	require.NotNil(t, adv)
	require.Equal(t, byte(Advertise), adv.MsgType)
	require.Equal(t, clientID, adv.ClientID())
	require.Equal(t, duidLL(serverMAC), adv.GetOption(OptServerID))

	ia, ok := adv.ParseIANA()
	require.True(t, ok)
	require.Equal(t, uint32(42), ia.IAID)
	require.Equal(t, "2001:db8::100", ia.Addr.String())

	// no lease is persisted until REQUEST
	leases, err := st.ListActiveLeases()
	require.NoError(t, err)
	require.Empty(t, leases)
}

func TestRequestPersistsDUIDLease(t *testing.T) {
	st := openTestStore(t)
	srv := NewServer(st, []*Pool{testPool()}, serverMAC, nil)

	adv := srv.HandlePacket(solicitPacket())
	require.NotNil(t, adv)
	advIA, _ := adv.ParseIANA()

	req := solicitPacket()
	req.MsgType = Request
	req.Options[1] = ianaOption(42, advIA.Addr, 0)
	reply := srv.HandlePacket(req)
	require.NotNil(t, reply)
	require.Equal(t, byte(Reply), reply.MsgType)

	leases, err := st.ListActiveLeases()
	require.NoError(t, err)
	require.Len(t, leases, 1)
	require.Equal(t, advIA.Addr.String(), leases[0].IPAddr)
	require.Equal(t, hex.EncodeToString(clientID), leases[0].MACAddr)

	rel := solicitPacket()
	rel.MsgType = Release
	require.NotNil(t, srv.HandlePacket(rel))

	leases, err = st.ListActiveLeases()
	require.NoError(t, err)
	require.Empty(t, leases)
}

func TestClientHostnameFromFQDNOption(t *testing.T) {
	p := solicitPacket()
	// flags byte, then DNS-encoded "host6.lan"
	p.Options = append(p.Options, Option{Code: OptClientFQDN, Data: []byte{0, 5, 'h', 'o', 's', 't', '6', 3, 'l', 'a', 'n', 0}})
	require.Equal(t, "host6", p.ClientHostname())

	require.Equal(t, "", solicitPacket().ClientHostname())
}

func TestPacketWithoutClientIDIgnored(t *testing.T) {
	st := openTestStore(t)
	srv := NewServer(st, []*Pool{testPool()}, serverMAC, nil)
	require.Nil(t, srv.HandlePacket(&Packet{MsgType: Solicit}))
}
