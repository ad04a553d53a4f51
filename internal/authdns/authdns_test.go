package authdns

import (
	"net"
	"path/filepath"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"microdns/internal/model"
	"microdns/internal/store"
)

type fakeWriter struct {
	dns.ResponseWriter
	written *dns.Msg
	tcp     bool
}

func (f *fakeWriter) WriteMsg(m *dns.Msg) error { f.written = m; return nil }
func (f *fakeWriter) RemoteAddr() net.Addr {
	if f.tcp {
		return &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5000}
	}
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5000}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "microdns.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, "127.0.0.1:0")
}

func TestAuthApexAnswer(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.Store.CreateZone("example.com", &model.Zone{SOA: model.SoaData{Mname: "ns1.example.com", Rname: "hostmaster.example.com"}, DefaultTTL: 60}))
	zone, err := s.Store.GetZoneByName("example.com")
	require.NoError(t, err)
	require.NoError(t, s.Store.CreateRecord(&model.Record{
		ZoneID: zone.ID, Name: "@", TTL: 60, Enabled: true,
		Data: model.RecordData{Type: model.TypeA, A: net.ParseIP("10.0.0.1").To4()},
	}))

	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)
	w := &fakeWriter{}
	s.serveDNS(w, req)

	require.NotNil(t, w.written)
	require.Equal(t, dns.RcodeSuccess, w.written.Rcode)
	require.True(t, w.written.Authoritative)
	require.Len(t, w.written.Answer, 1)
	a, ok := w.written.Answer[0].(*dns.A)
	require.True(t, ok)
	require.Equal(t, "10.0.0.1", a.A.String())
}

func TestAuthNXDomainHasSOAAuthority(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.Store.CreateZone("example.com", &model.Zone{SOA: model.SoaData{Mname: "ns1.example.com", Rname: "hostmaster.example.com"}}))

	req := new(dns.Msg)
	req.SetQuestion("nope.example.com.", dns.TypeA)
	w := &fakeWriter{}
	s.serveDNS(w, req)

	require.Equal(t, dns.RcodeNameError, w.written.Rcode)
	require.Empty(t, w.written.Answer)
	require.Len(t, w.written.Ns, 1)
	_, ok := w.written.Ns[0].(*dns.SOA)
	require.True(t, ok)
}

func TestAuthRefusedForUnknownZone(t *testing.T) {
	s := newTestServer(t)
	req := new(dns.Msg)
	req.SetQuestion("nope.example.com.", dns.TypeA)
	w := &fakeWriter{}
	s.serveDNS(w, req)
	require.Equal(t, dns.RcodeRefused, w.written.Rcode)
}
