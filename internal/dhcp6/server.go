package dhcp6

import (
	"context"
	"encoding/hex"
	"log"
	"net"
	"time"

	"microdns/internal/metrics"
	"microdns/internal/model"
	"microdns/internal/registrar"
	"microdns/internal/store"
)

// Server is the DHCPv6 listener. Leases are persisted with the hex-encoded
// client DUID standing in for the MAC column.
type Server struct {
	Store     *store.Store
	Registrar *registrar.Registrar // nil when DNS registration is disabled
	Pools     []*Pool
	ServerID  []byte // DUID-LL

	metrics *metrics.Metrics
	conn    *net.UDPConn
}

// NewServer builds a Server whose Server ID is a DUID-LL over mac.
func NewServer(st *store.Store, pools []*Pool, mac net.HardwareAddr, reg *registrar.Registrar) *Server {
	return &Server{
		Store:     st,
		Registrar: reg,
		Pools:     pools,
		ServerID:  duidLL(mac),
		metrics:   metrics.NewMetrics(),
	}
}

// ListenAndServe binds UDP [::]:547 and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	conn, err := net.ListenUDP("udp6", &net.UDPAddr{IP: net.IPv6unspecified, Port: 547})
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
		log.Printf("dhcp6: dropping malformed packet from %s: %v", src, err)
		return
	}
	reply := s.HandlePacket(pkt)
	if reply == nil {
		return
	}
	if _, err := s.conn.WriteToUDP(reply.Bytes(), src); err != nil {
		log.Printf("dhcp6: send reply to %s: %v", src, err)
	}
}

// HandlePacket dispatches on message type and returns the reply, or nil.
func (s *Server) HandlePacket(pkt *Packet) *Packet {
	clientID := pkt.ClientID()
	if clientID == nil {
		return nil
	}
	switch pkt.MsgType {
	case Solicit:
		s.metrics.RecordDHCPMessage("solicit")
		return s.handleSolicit(pkt, clientID)
	case Request:
		s.metrics.RecordDHCPMessage("request6")
		return s.handleRequest(pkt, clientID)
	case Release:
		s.metrics.RecordDHCPMessage("release6")
		return s.handleRelease(pkt, clientID)
	default:
		return nil
	}
}

func (s *Server) handleSolicit(pkt *Packet, clientID []byte) *Packet {
	pool := s.firstPool()
	if pool == nil {
		return nil
	}
	addr := s.addressFor(clientID, pkt, pool)
	return s.buildReply(pkt, Advertise, clientID, addr, pool)
}

func (s *Server) handleRequest(pkt *Packet, clientID []byte) *Packet {
	pool := s.firstPool()
	if pool == nil {
		return nil
	}
	addr := s.addressFor(clientID, pkt, pool)

	duid := hex.EncodeToString(clientID)
	hostname := pkt.ClientHostname()
	now := time.Now().UTC()
	lease := &model.Lease{
		IPAddr:     addr.String(),
		MACAddr:    duid,
		Hostname:   hostname,
		LeaseStart: now,
		LeaseEnd:   now.Add(time.Duration(pool.LeaseTimeSecs) * time.Second),
		PoolID:     pool.Prefix.String(),
		State:      model.LeaseActive,
	}
	if prev, ok, err := s.Store.FindLeaseByMAC(duid); err == nil && ok && prev.IPAddr == lease.IPAddr {
		lease.ID = prev.ID
		lease.LeaseStart = prev.LeaseStart
	}
	if err := s.Store.CreateLease(lease); err != nil {
		log.Printf("dhcp6: persist lease for %s: %v", duid, err)
	} else {
		log.Printf("dhcp6: leased %s to duid %s for %ds", addr, duid, pool.LeaseTimeSecs)
		if s.Registrar != nil && hostname != "" {
			if err := s.Registrar.RegisterV6(hostname, addr); err != nil {
				log.Printf("dhcp6: register %s: %v", hostname, err)
			}
		}
	}
	return s.buildReply(pkt, Reply, clientID, addr, pool)
}

func (s *Server) handleRelease(pkt *Packet, clientID []byte) *Packet {
	duid := hex.EncodeToString(clientID)
	if lease, ok, err := s.Store.FindLeaseByMAC(duid); err == nil && ok {
		if s.Registrar != nil && lease.Hostname != "" {
			if err := s.Registrar.Unregister(lease.Hostname); err != nil {
				log.Printf("dhcp6: unregister %s: %v", lease.Hostname, err)
			}
		}
	}
	if err := s.Store.ReleaseLeaseByMAC(duid); err != nil {
		log.Printf("dhcp6: release lease for duid %s: %v", duid, err)
	} else {
		log.Printf("dhcp6: released lease for duid %s", duid)
	}
	reply := &Packet{MsgType: Reply, TxID: pkt.TxID}
	reply.Options = append(reply.Options,
		Option{Code: OptClientID, Data: clientID},
		Option{Code: OptServerID, Data: s.ServerID},
	)
	return reply
}

// addressFor returns the active-lease address for the client when one
// exists, else the address echoed in the request's IA_NA, else a fresh
// allocation.
func (s *Server) addressFor(clientID []byte, pkt *Packet, pool *Pool) net.IP {
	duid := hex.EncodeToString(clientID)
	if lease, ok, err := s.Store.FindLeaseByMAC(duid); err == nil && ok {
		if ip := net.ParseIP(lease.IPAddr); ip != nil {
			return ip
		}
	}
	if ia, ok := pkt.ParseIANA(); ok && ia.Addr != nil && !ia.Addr.IsUnspecified() {
		return ia.Addr
	}
	return pool.Allocate()
}

func (s *Server) buildReply(pkt *Packet, msgType byte, clientID []byte, addr net.IP, pool *Pool) *Packet {
	iaid := uint32(0)
	if ia, ok := pkt.ParseIANA(); ok {
		iaid = ia.IAID
	}
	reply := &Packet{MsgType: msgType, TxID: pkt.TxID}
	reply.Options = append(reply.Options,
		Option{Code: OptClientID, Data: clientID},
		Option{Code: OptServerID, Data: s.ServerID},
		ianaOption(iaid, addr, pool.LeaseTimeSecs),
	)
	if len(pool.DNSServers) > 0 {
		reply.Options = append(reply.Options, dnsServersOption(pool.DNSServers))
	}
	return reply
}

func (s *Server) firstPool() *Pool {
	if len(s.Pools) == 0 {
		return nil
	}
	return s.Pools[0]
}
