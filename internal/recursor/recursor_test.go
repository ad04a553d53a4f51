package recursor

import (
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"microdns/internal/cache"
)

func TestCacheKeyDistinguishesTypeAndClass(t *testing.T) {
	k1 := cacheKeyFor("example.com.", dns.TypeA, dns.ClassINET)
	k2 := cacheKeyFor("example.com.", dns.TypeAAAA, dns.ClassINET)
	require.NotEqual(t, k1, k2)
}

func TestCachedResponseGetsRequestTransactionID(t *testing.T) {
	c := cache.NewShardedCache(100, 4)
	m := new(dns.Msg)
	m.SetQuestion("host.corp.local.", dns.TypeA)
	m.Id = 999
	rr, err := dns.NewRR("host.corp.local. 30 IN A 1.2.3.4")
	require.NoError(t, err)
	m.Answer = append(m.Answer, rr)

	raw, err := m.Pack()
	require.NoError(t, err)
	c.Insert("host.corp.local.|1|1", raw, 30*time.Second)

	cached, ok := c.Get("host.corp.local.|1|1")
	require.True(t, ok)
	out := unpackWithID(cached, 42)
	require.NotNil(t, out)
	require.Equal(t, uint16(42), out.Id)
	require.Len(t, out.Answer, 1)
}

func TestMinAnswerTTL(t *testing.T) {
	m := new(dns.Msg)
	rr1, _ := dns.NewRR("a.example.com. 100 IN A 1.1.1.1")
	rr2, _ := dns.NewRR("a.example.com. 30 IN A 1.1.1.2")
	m.Answer = []dns.RR{rr1, rr2}
	ttl, ok := minAnswerTTL(m)
	require.True(t, ok)
	require.Equal(t, uint32(30), ttl)
}

func TestCandidateServersLongestSuffixWins(t *testing.T) {
	r := New(nil, nil, map[string][]string{
		"corp.local":     {"10.0.0.1:53"},
		"eng.corp.local": {"10.0.0.2:53"},
	}, nil)
	servers := r.candidateServers("host.eng.corp.local.")
	require.Equal(t, []string{"10.0.0.2:53"}, servers)

	servers = r.candidateServers("host.corp.local.")
	require.Equal(t, []string{"10.0.0.1:53"}, servers)

	servers = r.candidateServers("host.unrelated.com.")
	require.Equal(t, DefaultUpstreams, servers)
}
