package dhcp4

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"microdns/internal/config"
	"microdns/internal/metrics"
	"microdns/internal/model"
	"microdns/internal/registrar"
	"microdns/internal/store"
)

// Reservation is a static MAC->IP binding that preempts pool allocation.
type Reservation struct {
	MAC      string
	IP       net.IP
	Hostname string
}

// Server is the DHCPv4 listener and DISCOVER/REQUEST/RELEASE state
// machine. Pools and reservations are fixed at startup; leases live in the
// Store.
type Server struct {
	Store        *store.Store
	Registrar    *registrar.Registrar // nil when DNS registration is disabled
	Pools        []*Pool
	Reservations map[string]Reservation // keyed by lowercase MAC

	// OnLeaseCreated/OnLeaseReleased, when set, observe lease lifecycle
	// (wired to the federation bus by the composition root).
	OnLeaseCreated  func(*model.Lease)
	OnLeaseReleased func(*model.Lease)

	metrics *metrics.Metrics
	conn    *net.UDPConn
}

// NewServer builds a Server. reservations keys are lowercased.
func NewServer(st *store.Store, pools []*Pool, reservations []Reservation, reg *registrar.Registrar) *Server {
	resMap := make(map[string]Reservation, len(reservations))
	for _, r := range reservations {
		resMap[strings.ToLower(r.MAC)] = r
	}
	return &Server{
		Store:        st,
		Registrar:    reg,
		Pools:        pools,
		Reservations: resMap,
		metrics:      metrics.NewMetrics(),
	}
}

// RestoreLeases seeds the pool allocators from persisted active leases and
// marks every reservation IP allocated in every pool it intersects, so
// reservations are never handed to other clients.
func (s *Server) RestoreLeases() error {
	leases, err := s.Store.ListActiveLeases()
	if err != nil {
		return err
	}
	now := time.Now()
	restored := 0
	for _, l := range leases {
		if l.LeaseEnd.Before(now) {
			continue
		}
		ip := net.ParseIP(l.IPAddr)
		if ip == nil {
			continue
		}
		for _, p := range s.Pools {
			p.MarkAllocated(ip)
		}
		restored++
	}
	for _, r := range s.Reservations {
		for _, p := range s.Pools {
			p.MarkAllocated(r.IP)
		}
	}
	log.Printf("dhcp4: restored %d active leases into pool allocators", restored)
	return nil
}

// ListenAndServe binds UDP 0.0.0.0:67 with broadcast enabled and serves
// until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := &net.UDPAddr{IP: net.IPv4zero, Port: 67}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return err
	}
	s.conn = conn

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, 1500)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		data := append([]byte(nil), buf[:n]...)
		go s.handleDatagram(data, src)
	}
}

func (s *Server) handleDatagram(data []byte, src *net.UDPAddr) {
	pkt, err := ParsePacket(data)
	if err != nil {
		log.Printf("dhcp4: dropping malformed packet from %s: %v", src, err)
		return
	}
	reply := s.HandlePacket(pkt)
	if reply == nil {
		return
	}
	dst := replyDestination(pkt, reply)
	if _, err := s.conn.WriteToUDP(reply.Bytes(), dst); err != nil {
		log.Printf("dhcp4: send reply to %s: %v", dst, err)
	}
}

// HandlePacket runs the per-packet state machine and returns the reply, or
// nil when no reply is due (non-BOOTREQUEST, RELEASE, unknown types,
// exhausted pools).
func (s *Server) HandlePacket(pkt *Packet) *Packet {
	if pkt.Op != 1 { // BOOTREQUEST only
		return nil
	}
	mtype, ok := pkt.MessageType()
	if !ok {
		return nil
	}
	switch mtype {
	case Discover:
		s.metrics.RecordDHCPMessage("discover")
		return s.handleDiscover(pkt)
	case Request:
		s.metrics.RecordDHCPMessage("request")
		return s.handleRequest(pkt)
	case Release:
		s.metrics.RecordDHCPMessage("release")
		s.handleRelease(pkt)
		return nil
	default:
		return nil
	}
}

func (s *Server) handleDiscover(pkt *Packet) *Packet {
	mac := pkt.MACAddress()

	if res, ok := s.Reservations[mac]; ok {
		for _, p := range s.Pools {
			p.MarkAllocated(res.IP)
		}
		return s.buildReply(pkt, Offer, res.IP, s.poolFor(res.IP))
	}

	if lease, ok, err := s.Store.FindLeaseByMAC(mac); err == nil && ok {
		if ip := net.ParseIP(lease.IPAddr); ip != nil {
			return s.buildReply(pkt, Offer, ip, s.poolFor(ip))
		}
	}

	if req := pkt.RequestedIP(); req != nil {
		if p := s.poolFor(req); p != nil {
			if p.AllocateSpecific(req) {
				return s.buildReply(pkt, Offer, req, p)
			}
			if ip := p.Allocate(); ip != nil {
				return s.buildReply(pkt, Offer, ip, p)
			}
			return nil
		}
	}

	for _, p := range s.Pools {
		if ip := p.Allocate(); ip != nil {
			return s.buildReply(pkt, Offer, ip, p)
		}
	}
	log.Printf("dhcp4: no free addresses for %s", mac)
	return nil
}

func (s *Server) handleRequest(pkt *Packet) *Packet {
	mac := pkt.MACAddress()
	requested := pkt.RequestedIP()
	if requested == nil && !pkt.Ciaddr.IsUnspecified() {
		requested = pkt.Ciaddr
	}

	if res, ok := s.Reservations[mac]; ok {
		if requested == nil || !requested.Equal(res.IP) {
			return s.buildNak(pkt)
		}
		hostname := pkt.Hostname()
		if hostname == "" {
			hostname = res.Hostname
		}
		pool := s.poolFor(res.IP)
		s.persistLease(mac, res.IP, hostname, pool)
		return s.buildReply(pkt, Ack, res.IP, pool)
	}

	if requested == nil {
		return s.buildNak(pkt)
	}
	pool := s.poolFor(requested)
	if pool == nil {
		return s.buildNak(pkt)
	}
	pool.MarkAllocated(requested)
	s.persistLease(mac, requested, pkt.Hostname(), pool)
	return s.buildReply(pkt, Ack, requested, pool)
}

func (s *Server) handleRelease(pkt *Packet) {
	mac := pkt.MACAddress()
	lease, ok, err := s.Store.FindLeaseByMAC(mac)
	if err != nil || !ok {
		return
	}
	if err := s.Store.ReleaseLeaseByMAC(mac); err != nil {
		log.Printf("dhcp4: release lease for %s: %v", mac, err)
		return
	}
	if _, reserved := s.Reservations[mac]; !reserved {
		if ip := net.ParseIP(lease.IPAddr); ip != nil {
			if p := s.poolFor(ip); p != nil {
				p.Release(ip)
			}
		}
	}
	if s.Registrar != nil && lease.Hostname != "" {
		if err := s.Registrar.Unregister(lease.Hostname); err != nil {
			log.Printf("dhcp4: unregister %s: %v", lease.Hostname, err)
		}
	}
	if s.OnLeaseReleased != nil {
		s.OnLeaseReleased(lease)
	}
	log.Printf("dhcp4: released %s from %s", lease.IPAddr, mac)
}

// persistLease creates or renews the lease row for (mac, ip). A renewal of
// the same IP keeps the lease ID so the row is overwritten in place.
func (s *Server) persistLease(mac string, ip net.IP, hostname string, pool *Pool) {
	leaseTime := uint32(3600)
	poolID := ""
	if pool != nil {
		leaseTime = pool.LeaseTimeSecs
		poolID = pool.Name
	}
	now := time.Now().UTC()
	lease := &model.Lease{
		IPAddr:     ip.String(),
		MACAddr:    mac,
		Hostname:   hostname,
		LeaseStart: now,
		LeaseEnd:   now.Add(time.Duration(leaseTime) * time.Second),
		PoolID:     poolID,
		State:      model.LeaseActive,
	}
	if prev, ok, err := s.Store.FindLeaseByMAC(mac); err == nil && ok && prev.IPAddr == lease.IPAddr {
		lease.ID = prev.ID
		lease.LeaseStart = prev.LeaseStart
	}
	if err := s.Store.CreateLease(lease); err != nil {
		log.Printf("dhcp4: persist lease %s -> %s: %v", mac, ip, err)
		return
	}
	if s.Registrar != nil && hostname != "" {
		if err := s.Registrar.RegisterV4(hostname, ip); err != nil {
			log.Printf("dhcp4: register %s: %v", hostname, err)
		}
	}
	if s.OnLeaseCreated != nil {
		s.OnLeaseCreated(lease)
	}
	log.Printf("dhcp4: leased %s to %s (%s) for %ds", ip, mac, hostname, leaseTime)
}

// buildReply assembles an OFFER or ACK. pool may be nil only when a
// reservation lies outside every range, in which case the first pool
// supplies the option set.
func (s *Server) buildReply(req *Packet, mtype MessageType, yiaddr net.IP, pool *Pool) *Packet {
	if pool == nil {
		pool = s.firstPool()
	}
	if pool == nil {
		return nil
	}

	reply := s.newReplySkeleton(req)
	reply.Yiaddr = yiaddr.To4()

	reply.Options = append(reply.Options,
		messageTypeOption(mtype),
		ipOption(OptServerID, s.serverIdentifier()),
		ipOption(OptSubnetMask, pool.SubnetMask),
		ipOption(OptRouter, pool.Gateway),
		u32Option(OptLeaseTime, pool.LeaseTimeSecs),
	)
	if len(pool.DNSServers) > 0 {
		reply.Options = append(reply.Options, ipListOption(OptDNSServer, pool.DNSServers))
	}
	if pool.Domain != "" {
		reply.Options = append(reply.Options, stringOption(OptDomainName, pool.Domain))
	}

	if pool.NextServer != nil {
		reply.Siaddr = pool.NextServer.To4()
		copyCString(reply.Sname[:], pool.NextServer.String())
		copyCString(reply.File[:], pool.BootFile)
		reply.Options = append(reply.Options,
			stringOption(OptTFTPServer, pool.NextServer.String()),
			stringOption(OptBootfile, pool.BootFile),
		)
	}

	reply.Options = append(reply.Options, Option{Code: OptEnd})
	if mtype == Offer {
		s.metrics.RecordDHCPMessage("offer")
	} else {
		s.metrics.RecordDHCPMessage("ack")
	}
	return reply
}

func (s *Server) buildNak(req *Packet) *Packet {
	reply := s.newReplySkeleton(req)
	reply.Options = append(reply.Options,
		messageTypeOption(Nak),
		ipOption(OptServerID, s.serverIdentifier()),
		Option{Code: OptEnd},
	)
	s.metrics.RecordDHCPMessage("nak")
	return reply
}

func (s *Server) newReplySkeleton(req *Packet) *Packet {
	reply := &Packet{
		Op:     2, // BOOTREPLY
		Htype:  req.Htype,
		Hlen:   req.Hlen,
		Xid:    req.Xid,
		Flags:  req.Flags,
		Giaddr: req.Giaddr,
	}
	reply.Chaddr = req.Chaddr
	return reply
}

// serverIdentifier is the first pool's gateway.
func (s *Server) serverIdentifier() net.IP {
	if p := s.firstPool(); p != nil {
		return p.Gateway
	}
	return net.IPv4zero
}

func (s *Server) firstPool() *Pool {
	if len(s.Pools) == 0 {
		return nil
	}
	return s.Pools[0]
}

func (s *Server) poolFor(ip net.IP) *Pool {
	for _, p := range s.Pools {
		if p.Contains(ip) {
			return p
		}
	}
	return nil
}

// copyCString truncates src to len(dst)-1 bytes and zero-pads the rest,
// keeping the final byte NUL (BOOTP sname/file are C strings).
func copyCString(dst []byte, src string) {
	for i := range dst {
		dst[i] = 0
	}
	n := len(src)
	if n > len(dst)-1 {
		n = len(dst) - 1
	}
	copy(dst, src[:n])
}

const broadcastFlag = 0x8000

// replyDestination picks where the reply goes: relay agent first, then
// broadcast when the client asked for it, then unicast to the offered
// address, else broadcast.
func replyDestination(req, reply *Packet) *net.UDPAddr {
	if !req.Giaddr.IsUnspecified() {
		return &net.UDPAddr{IP: req.Giaddr, Port: 67}
	}
	if req.Flags&broadcastFlag != 0 {
		return &net.UDPAddr{IP: net.IPv4bcast, Port: 68}
	}
	if reply.Yiaddr != nil && !reply.Yiaddr.IsUnspecified() {
		return &net.UDPAddr{IP: reply.Yiaddr, Port: 68}
	}
	return &net.UDPAddr{IP: net.IPv4bcast, Port: 68}
}

// PoolsFromConfig builds runtime pools from the `dhcp.v4.pools` config
// entries, naming them pool0, pool1, ... Bad entries are skipped with a log
// line rather than failing startup.
func PoolsFromConfig(cfgPools []config.DHCPv4Pool) []*Pool {
	var pools []*Pool
	for i, cp := range cfgPools {
		start := net.ParseIP(cp.RangeStart)
		end := net.ParseIP(cp.RangeEnd)
		if start == nil || end == nil {
			log.Printf("dhcp4: skipping pool %d: bad range %q-%q", i, cp.RangeStart, cp.RangeEnd)
			continue
		}
		prefixLen, _ := PrefixLenFromSubnet(cp.Subnet)
		var servers []net.IP
		for _, d := range cp.DNS {
			if ip := net.ParseIP(d); ip != nil {
				servers = append(servers, ip)
			}
		}
		leaseTime := uint32(3600)
		if cp.LeaseTimeSecs > 0 {
			leaseTime = uint32(cp.LeaseTimeSecs)
		}
		p := NewPool(start, end, SubnetMaskFromPrefix(prefixLen), net.ParseIP(cp.Gateway), servers, cp.Domain, leaseTime)
		p.Name = fmt.Sprintf("pool%d", i)
		if cp.NextServer != "" {
			p.NextServer = net.ParseIP(cp.NextServer)
			p.BootFile = cp.BootFile
		}
		pools = append(pools, p)
	}
	return pools
}

// ReservationsFromConfig parses the `dhcp.v4.reservations` config entries.
func ReservationsFromConfig(cfgRes []config.DHCPv4Reservation) []Reservation {
	var out []Reservation
	for _, cr := range cfgRes {
		ip := net.ParseIP(cr.IP)
		if ip == nil {
			log.Printf("dhcp4: skipping reservation for %s: bad ip %q", cr.MAC, cr.IP)
			continue
		}
		out = append(out, Reservation{MAC: strings.ToLower(cr.MAC), IP: ip, Hostname: cr.Hostname})
	}
	return out
}
