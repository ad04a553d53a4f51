package api

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/miekg/dns"

	"microdns/internal/model"
)

func (s *Server) handleListLeases(w http.ResponseWriter, r *http.Request) {
	leases, err := s.Store.ListActiveLeases()
	if err != nil {
		writeInternalError(w, err)
		return
	}
	now := time.Now()
	live := leases[:0]
	for _, l := range leases {
		if l.LeaseEnd.After(now) {
			live = append(live, l)
		}
	}
	offset, limit := pagination(r)
	writeJSON(w, paginate(live, offset, limit))
}

func (s *Server) handleListIpamPools(w http.ResponseWriter, r *http.Request) {
	offset, limit := pagination(r)
	writeJSON(w, paginate(s.Cfg.Ipam.Pools, offset, limit))
}

func (s *Server) handleListIpamAllocations(w http.ResponseWriter, r *http.Request) {
	allocs, err := s.Store.ListIpamAllocations(r.URL.Query().Get("pool"))
	if err != nil {
		writeInternalError(w, err)
		return
	}
	offset, limit := pagination(r)
	writeJSON(w, paginate(allocs, offset, limit))
}

type ipamAllocateRequest struct {
	Pool      string `json:"pool"`
	Container string `json:"container"`
}

// handleIpamAllocate hands out the lowest free address of the named pool.
// A duplicate (pool, container) pair returns the existing allocation with
// 200 rather than 201.
func (s *Server) handleIpamAllocate(w http.ResponseWriter, r *http.Request) {
	var req ipamAllocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid json body")
		return
	}
	var pool *poolRange
	for _, p := range s.Cfg.Ipam.Pools {
		if p.Name == req.Pool {
			pr, err := newPoolRange(p.RangeStart, p.RangeEnd)
			if err != nil {
				writeBadRequest(w, err.Error())
				return
			}
			pr.gateway = p.Gateway
			pr.bridge = p.Bridge
			pr.subnet = p.Subnet
			pool = pr
			break
		}
	}
	if pool == nil {
		writeNotFound(w)
		return
	}

	existing, err := s.Store.ListIpamAllocations(req.Pool)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	taken := make(map[string]struct{}, len(existing))
	for _, a := range existing {
		taken[a.IP] = struct{}{}
	}
	ip, ok := pool.lowestFree(taken)
	if !ok {
		writeJSONStatus(w, http.StatusConflict, map[string]string{"error": "pool exhausted"})
		return
	}

	alloc, existed, err := s.Store.CreateIpamAllocation(&model.IpamAllocation{
		Pool:      req.Pool,
		IP:        ip,
		Container: req.Container,
		Gateway:   pool.gateway,
		Bridge:    pool.bridge,
		Subnet:    pool.subnet,
	})
	if err != nil {
		writeInternalError(w, err)
		return
	}
	status := http.StatusCreated
	if existed {
		status = http.StatusOK
	}
	writeJSONStatus(w, status, alloc)
}

func (s *Server) handleDeleteIpamAllocation(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.DeleteIpamAllocation(mux.Vars(r)["id"]); err != nil {
		writeInternalError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// poolRange scans an IPAM pool's [start, end] for the lowest free address.
type poolRange struct {
	start, end              uint32
	gateway, bridge, subnet string
}

func newPoolRange(startStr, endStr string) (*poolRange, error) {
	start := net.ParseIP(startStr)
	end := net.ParseIP(endStr)
	if start == nil || end == nil || start.To4() == nil || end.To4() == nil {
		return nil, fmt.Errorf("bad pool range %q-%q", startStr, endStr)
	}
	return &poolRange{
		start: binary.BigEndian.Uint32(start.To4()),
		end:   binary.BigEndian.Uint32(end.To4()),
	}, nil
}

func (p *poolRange) lowestFree(taken map[string]struct{}) (string, bool) {
	for v := p.start; v <= p.end; v++ {
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, v)
		ip := net.IP(b).String()
		if _, ok := taken[ip]; !ok {
			return ip, true
		}
		if v == p.end {
			break
		}
	}
	return "", false
}

func (s *Server) handleDHCPStatus(w http.ResponseWriter, _ *http.Request) {
	leases, err := s.Store.ListActiveLeases()
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{
		"v4_enabled":    s.Cfg.DHCPv4.Enabled,
		"v6_enabled":    s.Cfg.DHCPv6.Enabled,
		"pools":         len(s.Cfg.DHCPv4.Pools),
		"reservations":  len(s.Cfg.DHCPv4.Reservations),
		"active_leases": len(leases),
	})
}

// handleClusterStatus returns the coordinator's full instance table, or a
// single self row on leaves and standalone instances.
func (s *Server) handleClusterStatus(w http.ResponseWriter, _ *http.Request) {
	if s.Tracker != nil && s.Cfg.Instance.Mode == "coordinator" {
		writeJSON(w, map[string]interface{}{
			"mode":      s.Cfg.Instance.Mode,
			"instances": s.Tracker.GetAllStatus(),
		})
		return
	}
	zones, err := s.Store.ListZones()
	if err != nil {
		writeInternalError(w, err)
		return
	}
	leases, err := s.Store.ListActiveLeases()
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{
		"mode": s.Cfg.Instance.Mode,
		"self": map[string]interface{}{
			"instance_id":   s.Cfg.Instance.ID,
			"zones_served":  len(zones),
			"active_leases": len(leases),
		},
	})
}

type peerConnectivity struct {
	PeerID   string `json:"peer_id"`
	Addr     string `json:"addr"`
	DNSUDPMs int64  `json:"dns_udp_ms"`
	DNSUDPOk bool   `json:"dns_udp_ok"`
	DNSTCPMs int64  `json:"dns_tcp_ms"`
	DNSTCPOk bool   `json:"dns_tcp_ok"`
	HTTPMs   int64  `json:"http_ms"`
	HTTPOk   bool   `json:"http_ok"`
}

// handleConnectivity probes every configured peer over DNS-UDP, DNS-TCP
// (root query) and HTTP /api/v1/health, 3 seconds each, reporting latency.
func (s *Server) handleConnectivity(w http.ResponseWriter, _ *http.Request) {
	timeout := s.Cfg.ConnectivityProbeTimeout
	if timeout == 0 {
		timeout = 3 * time.Second
	}
	out := make([]peerConnectivity, 0, len(s.Cfg.Instance.Peers))
	for _, peer := range s.Cfg.Instance.Peers {
		pc := peerConnectivity{PeerID: peer.ID, Addr: peer.Addr}
		dnsAddr := fmt.Sprintf("%s:%d", peer.Addr, peer.DNSPort)

		pc.DNSUDPMs, pc.DNSUDPOk = dnsProbe("udp", dnsAddr, timeout)
		pc.DNSTCPMs, pc.DNSTCPOk = dnsProbe("tcp", dnsAddr, timeout)

		httpURL := fmt.Sprintf("http://%s:%d/api/v1/health", peer.Addr, peer.HTTPPort)
		pc.HTTPMs, pc.HTTPOk = httpProbe(httpURL, timeout)
		out = append(out, pc)
	}
	writeJSON(w, out)
}

// dnsProbe sends a root NS query and reports round-trip latency.
func dnsProbe(network, addr string, timeout time.Duration) (int64, bool) {
	client := &dns.Client{Net: network, Timeout: timeout}
	msg := new(dns.Msg)
	msg.SetQuestion(".", dns.TypeNS)
	start := time.Now()
	_, _, err := client.Exchange(msg, addr)
	return time.Since(start).Milliseconds(), err == nil
}

func httpProbe(url string, timeout time.Duration) (int64, bool) {
	client := &http.Client{Timeout: timeout}
	start := time.Now()
	resp, err := client.Get(url)
	if err != nil {
		return time.Since(start).Milliseconds(), false
	}
	resp.Body.Close()
	return time.Since(start).Milliseconds(), resp.StatusCode == http.StatusOK
}
