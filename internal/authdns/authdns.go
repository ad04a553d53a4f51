// Package authdns serves authoritative DNS over UDP and TCP, including
// inbound and outbound AXFR. All answers come from the store's enabled
// records; the health monitor disables records by flipping that flag.
package authdns

import (
	"context"
	"log"
	"net"
	"strings"

	"github.com/miekg/dns"

	"microdns/internal/dnswire"
	"microdns/internal/metrics"
	"microdns/internal/model"
	"microdns/internal/store"
)

// Server is the authoritative DNS listener.
type Server struct {
	Store  *store.Store
	Listen string

	udp     *dns.Server
	tcp     *dns.Server
	metrics *metrics.Metrics
}

// New returns a Server bound to listen, backed by st.
func New(st *store.Store, listen string) *Server {
	return &Server{Store: st, Listen: listen, metrics: metrics.NewMetrics()}
}

// ListenAndServe starts the UDP and TCP listeners and blocks until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	handler := dns.HandlerFunc(s.serveDNS)

	s.udp = &dns.Server{Addr: s.Listen, Net: "udp", Handler: handler}
	s.tcp = &dns.Server{Addr: s.Listen, Net: "tcp", Handler: handler}

	errCh := make(chan error, 2)
	go func() { errCh <- s.udp.ListenAndServe() }()
	go func() { errCh <- s.tcp.ListenAndServe() }()

	select {
	case <-ctx.Done():
		s.udp.ShutdownContext(context.Background())
		s.tcp.ShutdownContext(context.Background())
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) serveDNS(w dns.ResponseWriter, req *dns.Msg) {
	isTCP := isTCPWriter(w)

	if req.Opcode != dns.OpcodeQuery {
		writeRcode(w, req, dns.RcodeNotImplemented)
		return
	}
	if len(req.Question) == 0 {
		writeRcode(w, req, dns.RcodeFormatError)
		return
	}

	q := req.Question[0]
	qname := strings.ToLower(q.Name)
	s.metrics.IncrementQueries()
	s.metrics.RecordQueryType(dns.TypeToString[q.Qtype])

	if q.Qtype == dns.TypeAXFR {
		if !isTCP {
			writeRcode(w, req, dns.RcodeRefused)
			return
		}
		s.handleAXFROut(w, req, qname)
		return
	}

	res := new(dns.Msg)
	res.SetReply(req)
	res.Authoritative = true
	res.RecursionAvailable = false

	zone, err := s.Store.FindZoneForFQDN(qname)
	if err != nil {
		res.Rcode = dns.RcodeRefused
		w.WriteMsg(res)
		return
	}

	if q.Qtype == dns.TypeANY || q.Qtype == dns.TypeSOA {
		res.Answer = append(res.Answer, dnswire.SOARR(zone))
		w.WriteMsg(res)
		return
	}

	rtype, ok := dnswire.RecordTypeFromRR(q.Qtype)
	if !ok {
		res.Rcode = dns.RcodeSuccess
		dnswire.AddSOAAuthority(res, zone)
		w.WriteMsg(res)
		return
	}

	rel := relativeQueryName(qname, zone.Name)
	recs, err := s.Store.QueryRecords(zone.ID, rel, rtype)
	if err != nil {
		log.Printf("authdns: store error querying %s %s: %v", qname, rtype, err)
		res.Rcode = dns.RcodeServerFailure
		w.WriteMsg(res)
		return
	}

	if len(recs) == 0 {
		res.Rcode = dns.RcodeNameError
		dnswire.AddSOAAuthority(res, zone)
		w.WriteMsg(res)
		return
	}

	for _, r := range recs {
		rr, err := dnswire.RecordToRR(zone, r)
		if err != nil {
			continue
		}
		res.Answer = append(res.Answer, rr)
	}
	w.WriteMsg(res)
}

func relativeQueryName(qname, zoneName string) string {
	rel, ok := dnswire.RelativeNameForZone(qname, dnswire.EnsureFQDN(zoneName))
	if !ok {
		return qname
	}
	return rel
}

func writeRcode(w dns.ResponseWriter, req *dns.Msg, rcode int) {
	m := new(dns.Msg)
	m.SetRcode(req, rcode)
	w.WriteMsg(m)
}

func isTCPWriter(w dns.ResponseWriter) bool {
	_, ok := w.RemoteAddr().(*net.TCPAddr)
	return ok
}

// handleAXFROut streams a zone transfer: SOA, every record, SOA, in one
// message unless the zone outgrows it, in which case the records continue
// in further messages. Exact zone match only; no suffix match.
func (s *Server) handleAXFROut(w dns.ResponseWriter, req *dns.Msg, qname string) {
	zoneName := strings.TrimSuffix(qname, ".")
	zone, err := s.Store.GetZoneByName(zoneName)
	if err != nil {
		writeRcode(w, req, dns.RcodeRefused)
		return
	}

	records, err := s.Store.ListRecords(zone.ID)
	if err != nil {
		log.Printf("authdns: AXFR list records for %s: %v", zoneName, err)
		writeRcode(w, req, dns.RcodeServerFailure)
		return
	}

	soa := dnswire.SOARR(zone)
	tr := new(dns.Transfer)
	ch := make(chan *dns.Envelope)

	go func() {
		defer close(ch)
		// A new message starts only when the next record would take the
		// current one past ~60000 bytes, below the 64 KiB TCP limit.
		batch := []dns.RR{soa}
		size := dns.Len(soa)
		for _, r := range records {
			if r.Data.Type == model.TypeSOA {
				continue
			}
			rr, err := dnswire.RecordToRR(zone, r)
			if err != nil {
				continue
			}
			if size+dns.Len(rr) > 60000 {
				ch <- &dns.Envelope{RR: batch}
				batch, size = nil, 0
			}
			batch = append(batch, rr)
			size += dns.Len(rr)
		}
		ch <- &dns.Envelope{RR: append(batch, soa)}
	}()

	if err := tr.Out(w, req, ch); err != nil {
		log.Printf("authdns: AXFR out failed for %s: %v", zoneName, err)
	}
}
