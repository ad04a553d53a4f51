package dnswire

import (
	"fmt"

	"github.com/miekg/dns"

	"microdns/internal/model"
)

// RecordToRR builds a dns.RR for record, owned by zone, suitable for the
// answer/authority/additional sections of a wire message.
func RecordToRR(zone *model.Zone, record *model.Record) (dns.RR, error) {
	name := WireNameForRecord(record.Name, zone.Name)
	hdr := dns.RR_Header{
		Name:   name,
		Rrtype: rrTypeFor(record.Data.Type),
		Class:  dns.ClassINET,
		Ttl:    record.TTL,
	}

	switch record.Data.Type {
	case model.TypeA:
		return &dns.A{Hdr: hdr, A: record.Data.A}, nil
	case model.TypeAAAA:
		return &dns.AAAA{Hdr: hdr, AAAA: record.Data.AAAA}, nil
	case model.TypeCNAME:
		return &dns.CNAME{Hdr: hdr, Target: EnsureFQDN(record.Data.CNAME)}, nil
	case model.TypeNS:
		return &dns.NS{Hdr: hdr, Ns: EnsureFQDN(record.Data.NS)}, nil
	case model.TypePTR:
		return &dns.PTR{Hdr: hdr, Ptr: EnsureFQDN(record.Data.PTR)}, nil
	case model.TypeMX:
		return &dns.MX{Hdr: hdr, Preference: record.Data.MX.Preference, Mx: EnsureFQDN(record.Data.MX.Exchange)}, nil
	case model.TypeSRV:
		return &dns.SRV{
			Hdr:      hdr,
			Priority: record.Data.SRV.Priority,
			Weight:   record.Data.SRV.Weight,
			Port:     record.Data.SRV.Port,
			Target:   EnsureFQDN(record.Data.SRV.Target),
		}, nil
	case model.TypeTXT:
		return &dns.TXT{Hdr: hdr, Txt: []string{record.Data.TXT}}, nil
	case model.TypeCAA:
		return &dns.CAA{Hdr: hdr, Flag: record.Data.CAA.Flags, Tag: record.Data.CAA.Tag, Value: record.Data.CAA.Value}, nil
	case model.TypeSOA:
		return SOARR(zone), nil
	default:
		return nil, fmt.Errorf("dnswire: unsupported record type %q", record.Data.Type)
	}
}

// SOARR builds the canonical dns.SOA for a zone from its stored SOA tuple.
func SOARR(zone *model.Zone) *dns.SOA {
	return &dns.SOA{
		Hdr: dns.RR_Header{
			Name:   EnsureFQDN(zone.Name),
			Rrtype: dns.TypeSOA,
			Class:  dns.ClassINET,
			Ttl:    zone.DefaultTTL,
		},
		Ns:      EnsureFQDN(zone.SOA.Mname),
		Mbox:    EnsureFQDN(zone.SOA.Rname),
		Serial:  zone.SOA.Serial,
		Refresh: zone.SOA.Refresh,
		Retry:   zone.SOA.Retry,
		Expire:  zone.SOA.Expire,
		Minttl:  zone.SOA.Minimum,
	}
}

// AddSOAAuthority puts zone's SOA record into msg's authority section,
// used for NXDOMAIN and NODATA responses.
func AddSOAAuthority(msg *dns.Msg, zone *model.Zone) {
	msg.Ns = append(msg.Ns, SOARR(zone))
}

func rrTypeFor(t model.RecordType) uint16 {
	switch t {
	case model.TypeA:
		return dns.TypeA
	case model.TypeAAAA:
		return dns.TypeAAAA
	case model.TypeCNAME:
		return dns.TypeCNAME
	case model.TypeMX:
		return dns.TypeMX
	case model.TypeNS:
		return dns.TypeNS
	case model.TypePTR:
		return dns.TypePTR
	case model.TypeSOA:
		return dns.TypeSOA
	case model.TypeSRV:
		return dns.TypeSRV
	case model.TypeTXT:
		return dns.TypeTXT
	case model.TypeCAA:
		return dns.TypeCAA
	default:
		return dns.TypeNone
	}
}

// RecordTypeFromRR maps a wire RR type back to the model's RecordType, used
// by the inbound AXFR client to classify incoming records. ok is false for
// unsupported wire types (the caller should skip the record).
func RecordTypeFromRR(rrtype uint16) (model.RecordType, bool) {
	switch rrtype {
	case dns.TypeA:
		return model.TypeA, true
	case dns.TypeAAAA:
		return model.TypeAAAA, true
	case dns.TypeCNAME:
		return model.TypeCNAME, true
	case dns.TypeMX:
		return model.TypeMX, true
	case dns.TypeNS:
		return model.TypeNS, true
	case dns.TypePTR:
		return model.TypePTR, true
	case dns.TypeSOA:
		return model.TypeSOA, true
	case dns.TypeSRV:
		return model.TypeSRV, true
	case dns.TypeTXT:
		return model.TypeTXT, true
	case dns.TypeCAA:
		return model.TypeCAA, true
	default:
		return "", false
	}
}

// RRToRecordData converts a wire RR into a stored RecordData payload.
// Target-style fields (CNAME, NS, MX, SRV, ...) lose their trailing dot on
// the way in. ok mirrors RecordTypeFromRR.
func RRToRecordData(rr dns.RR) (model.RecordData, bool) {
	switch v := rr.(type) {
	case *dns.A:
		return model.RecordData{Type: model.TypeA, A: v.A}, true
	case *dns.AAAA:
		return model.RecordData{Type: model.TypeAAAA, AAAA: v.AAAA}, true
	case *dns.CNAME:
		return model.RecordData{Type: model.TypeCNAME, CNAME: StripTrailingDot(v.Target)}, true
	case *dns.NS:
		return model.RecordData{Type: model.TypeNS, NS: StripTrailingDot(v.Ns)}, true
	case *dns.PTR:
		return model.RecordData{Type: model.TypePTR, PTR: StripTrailingDot(v.Ptr)}, true
	case *dns.MX:
		return model.RecordData{Type: model.TypeMX, MX: model.MxData{Preference: v.Preference, Exchange: StripTrailingDot(v.Mx)}}, true
	case *dns.SRV:
		return model.RecordData{Type: model.TypeSRV, SRV: model.SrvData{Priority: v.Priority, Weight: v.Weight, Port: v.Port, Target: StripTrailingDot(v.Target)}}, true
	case *dns.TXT:
		txt := ""
		if len(v.Txt) > 0 {
			txt = v.Txt[0]
		}
		return model.RecordData{Type: model.TypeTXT, TXT: txt}, true
	case *dns.CAA:
		return model.RecordData{Type: model.TypeCAA, CAA: model.CaaData{Flags: v.Flag, Tag: v.Tag, Value: v.Value}}, true
	case *dns.SOA:
		return model.RecordData{Type: model.TypeSOA, SOA: model.SoaData{
			Mname: StripTrailingDot(v.Ns), Rname: StripTrailingDot(v.Mbox), Serial: v.Serial,
			Refresh: v.Refresh, Retry: v.Retry, Expire: v.Expire, Minimum: v.Minttl,
		}}, true
	default:
		return model.RecordData{}, false
	}
}
