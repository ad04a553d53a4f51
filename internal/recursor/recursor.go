// Package recursor implements the forwarding/recursive resolver: local-zone
// short-circuit, TTL-respecting response cache, a forward-zone table with
// longest-suffix match, and first-success-wins upstream fan-out. Iterative
// resolution from root hints is out of scope; every miss is forwarded.
package recursor

import (
	"context"
	"log"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"microdns/internal/cache"
	"microdns/internal/metrics"
	"microdns/internal/store"
)

// DefaultUpstreams is used when no forward zone matches a query.
var DefaultUpstreams = []string{"8.8.8.8:53", "8.8.4.4:53", "1.1.1.1:53"}

const (
	maxInFlightUDP   = 10000
	maxConcurrentTCP = 1000
	upstreamTimeout  = 5 * time.Second
	tcpConnDeadline  = 30 * time.Second
)

// Resolver is the recursive/forwarding DNS listener.
type Resolver struct {
	Store        *store.Store
	Cache        *cache.ShardedCache
	ForwardZones map[string][]string // zone (no trailing dot) -> server list
	Upstreams    []string

	udpSem  *semaphore.Weighted
	tcpSem  *semaphore.Weighted
	group   singleflight.Group
	metrics *metrics.Metrics
}

// New builds a Resolver. upstreams defaults to DefaultUpstreams when nil.
func New(st *store.Store, c *cache.ShardedCache, forwardZones map[string][]string, upstreams []string) *Resolver {
	if len(upstreams) == 0 {
		upstreams = DefaultUpstreams
	}
	return &Resolver{
		Store:        st,
		Cache:        c,
		ForwardZones: forwardZones,
		Upstreams:    upstreams,
		udpSem:       semaphore.NewWeighted(maxInFlightUDP),
		tcpSem:       semaphore.NewWeighted(maxConcurrentTCP),
		metrics:      metrics.NewMetrics(),
	}
}

// ListenAndServe starts the UDP and TCP listeners on listen and blocks
// until ctx is cancelled.
func (r *Resolver) ListenAndServe(ctx context.Context, listen string) error {
	handler := dns.HandlerFunc(r.serveDNS)

	udp := &dns.Server{Addr: listen, Net: "udp", Handler: handler}

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return err
	}
	tcp := &dns.Server{
		Listener:     newBoundedListener(ln, r.tcpSem),
		Net:          "tcp",
		Handler:      handler,
		ReadTimeout:  tcpConnDeadline,
		WriteTimeout: tcpConnDeadline,
	}

	errCh := make(chan error, 2)
	go func() { errCh <- udp.ListenAndServe() }()
	go func() { errCh <- tcp.ActivateAndServe() }()

	select {
	case <-ctx.Done():
		udp.ShutdownContext(context.Background())
		tcp.ShutdownContext(context.Background())
		return nil
	case err := <-errCh:
		return err
	}
}

func (r *Resolver) serveDNS(w dns.ResponseWriter, req *dns.Msg) {
	if _, isUDP := w.RemoteAddr().(*net.UDPAddr); isUDP {
		if !r.udpSem.TryAcquire(1) {
			return // over the in-flight cap; drop silently rather than queue unbounded work
		}
		defer r.udpSem.Release(1)
	}

	if len(req.Question) == 0 {
		writeServFail(w, req)
		return
	}
	q := req.Question[0]
	qname := strings.ToLower(q.Name)
	r.metrics.IncrementQueries()
	r.metrics.RecordQueryType(dns.TypeToString[q.Qtype])

	// 1. Local-authoritative short-circuit.
	if zone, err := r.Store.FindZoneForFQDN(qname); err == nil {
		res := r.synthesizeLocal(req, zone, qname, q.Qtype)
		w.WriteMsg(res)
		return
	}


	cacheKey := cacheKeyFor(qname, q.Qtype, q.Qclass)

	// 2. Cache lookup.
	if cached, ok := r.Cache.Get(cacheKey); ok {
		if msg := unpackWithID(cached, req.Id); msg != nil {
			r.metrics.IncrementCacheHits()
			w.WriteMsg(msg)
			return
		}
	}
	r.metrics.IncrementCacheMisses()

	// 3+4. Forward table / upstream fan-out, coalesced by cache key.
	start := time.Now()
	v, err, _ := r.group.Do(cacheKey, func() (interface{}, error) {
		return r.resolveUpstream(req, qname)
	})
	r.metrics.RecordLatency(qname, time.Since(start))
	if err != nil {
		log.Printf("recursor: resolve %s %s failed: %v", qname, dns.TypeToString[q.Qtype], err)
		writeServFail(w, req)
		return
	}
	resp := v.(*dns.Msg)

	// 5. Cache iff NoError and min TTL across answers > 0.
	if resp.Rcode == dns.RcodeSuccess {
		if ttl, ok := minAnswerTTL(resp); ok && ttl > 0 {
			raw, err := resp.Pack()
			if err == nil {
				r.Cache.Insert(cacheKey, raw, time.Duration(ttl)*time.Second)
			}
		}
	}

	reply := resp.Copy()
	reply.Id = req.Id
	r.metrics.RecordResponseCode(dns.RcodeToString[reply.Rcode])
	if reply.Rcode == dns.RcodeNameError {
		r.metrics.RecordNXDOMAIN(qname)
	}
	w.WriteMsg(reply)
}

func cacheKeyFor(qname string, qtype, qclass uint16) string {
	return qname + "|" + strconv.Itoa(int(qtype)) + "|" + strconv.Itoa(int(qclass))
}

func unpackWithID(raw []byte, id uint16) *dns.Msg {
	m := new(dns.Msg)
	if err := m.Unpack(raw); err != nil {
		return nil
	}
	m.Id = id
	return m
}

func minAnswerTTL(m *dns.Msg) (uint32, bool) {
	if len(m.Answer) == 0 {
		return 0, false
	}
	min := m.Answer[0].Header().Ttl
	for _, rr := range m.Answer[1:] {
		if rr.Header().Ttl < min {
			min = rr.Header().Ttl
		}
	}
	return min, true
}

// resolveUpstream implements steps 3-4: pick the candidate server list
// (longest-suffix forward zone, else global upstreams) and try each in
// order with a 5s per-attempt timeout; first success wins.
func (r *Resolver) resolveUpstream(req *dns.Msg, qname string) (*dns.Msg, error) {
	servers := r.candidateServers(qname)
	client := &dns.Client{Timeout: upstreamTimeout}

	upstream := new(dns.Msg)
	upstream.SetQuestion(req.Question[0].Name, req.Question[0].Qtype)
	upstream.RecursionDesired = true

	var lastErr error
	for _, srv := range servers {
		resp, _, err := client.Exchange(upstream, srv)
		if err != nil {
			lastErr = err
			continue
		}
		resp.RecursionAvailable = true
		return resp, nil
	}
	if lastErr == nil {
		lastErr = errServFail
	}
	return nil, lastErr
}

func (r *Resolver) candidateServers(qname string) []string {
	name := strings.TrimSuffix(qname, ".")
	var bestZone string
	var bestServers []string
	for zone, servers := range r.ForwardZones {
		z := strings.ToLower(zone)
		if name == z || strings.HasSuffix(name, "."+z) {
			if len(z) > len(bestZone) {
				bestZone = z
				bestServers = servers
			}
		}
	}
	if bestServers != nil {
		return bestServers
	}
	return r.Upstreams
}

func writeServFail(w dns.ResponseWriter, req *dns.Msg) {
	m := new(dns.Msg)
	m.SetRcode(req, dns.RcodeServerFailure)
	w.WriteMsg(m)
}
