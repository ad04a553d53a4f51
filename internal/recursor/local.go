package recursor

import (
	"errors"

	"github.com/miekg/dns"

	"microdns/internal/dnswire"
	"microdns/internal/model"
)

var errServFail = errors.New("recursor: all upstreams failed")

// synthesizeLocal answers a query the same way authdns would for a zone the
// store is authoritative for, except RA is set and RD is left as the client
// sent it (recursion is "available" because this instance also forwards),
// and the cache is bypassed entirely.
func (r *Resolver) synthesizeLocal(req *dns.Msg, zone *model.Zone, qname string, qtype uint16) *dns.Msg {
	res := new(dns.Msg)
	res.SetReply(req)
	res.Authoritative = true
	res.RecursionAvailable = true
	res.RecursionDesired = req.RecursionDesired

	if qtype == dns.TypeANY || qtype == dns.TypeSOA {
		res.Answer = append(res.Answer, dnswire.SOARR(zone))
		return res
	}

	rtype, ok := dnswire.RecordTypeFromRR(qtype)
	if !ok {
		dnswire.AddSOAAuthority(res, zone)
		return res
	}

	rel, ok := dnswire.RelativeNameForZone(qname, dnswire.EnsureFQDN(zone.Name))
	if !ok {
		rel = qname
	}
	recs, err := r.Store.QueryRecords(zone.ID, rel, rtype)
	if err != nil {
		res.Rcode = dns.RcodeServerFailure
		return res
	}
	if len(recs) == 0 {
		res.Rcode = dns.RcodeNameError
		dnswire.AddSOAAuthority(res, zone)
		return res
	}
	for _, rec := range recs {
		rr, err := dnswire.RecordToRR(zone, rec)
		if err != nil {
			continue
		}
		res.Answer = append(res.Answer, rr)
	}
	return res
}
