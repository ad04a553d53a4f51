package authdns

import (
	"errors"
	"fmt"

	"github.com/miekg/dns"

	"microdns/internal/dnswire"
	"microdns/internal/model"
)

const (
	maxAXFRRecords = 100_000
	maxAXFRBytes   = 100 * 1024 * 1024
)

// TransferIn pulls a zone from a remote primary via AXFR (triggered by REST
// `zones/transfer`). It enforces the record-count and cumulative-byte caps,
// then atomically upserts the zone and replaces its records. The received
// SOA's TTL becomes the zone's new DefaultTTL.
func (s *Server) TransferIn(zoneName, primaryAddr string) error {
	zoneFQDN := dnswire.EnsureFQDN(zoneName)

	msg := new(dns.Msg)
	msg.SetAxfr(zoneFQDN)
	tr := new(dns.Transfer)
	envCh, err := tr.In(msg, primaryAddr)
	if err != nil {
		return fmt.Errorf("authdns: AXFR in %s from %s: %w", zoneName, primaryAddr, err)
	}

	var soa *dns.SOA
	var soaCount int
	var totalBytes int
	var records []*model.Record

outer:
	for env := range envCh {
		if env.Error != nil {
			return fmt.Errorf("authdns: AXFR in %s: %w", zoneName, env.Error)
		}
		for _, rr := range env.RR {
			totalBytes += len(rr.String())
			if totalBytes > maxAXFRBytes {
				return fmt.Errorf("authdns: AXFR in %s: exceeded %d byte cap", zoneName, maxAXFRBytes)
			}
			if rr.Header().Rrtype == dns.TypeSOA {
				soaCount++
				if soaCount == 1 {
					soa = rr.(*dns.SOA)
					continue
				}
				// second SOA closes the transfer.
				break outer
			}

			rel, ok := dnswire.RelativeNameForZone(rr.Header().Name, zoneFQDN)
			if !ok {
				continue // out-of-zone record, skip
			}
			data, ok := dnswire.RRToRecordData(rr)
			if !ok {
				continue // unsupported type, skip (tolerant conversion)
			}
			records = append(records, &model.Record{
				Name:    rel,
				TTL:     rr.Header().Ttl,
				Data:    data,
				Enabled: true,
			})
			if len(records) > maxAXFRRecords {
				return fmt.Errorf("authdns: AXFR in %s: exceeded %d record cap", zoneName, maxAXFRRecords)
			}
		}
	}

	if soa == nil {
		return errors.New("authdns: AXFR in: no SOA received")
	}

	zone, err := s.Store.GetZoneByName(zoneName)
	if err != nil {
		zone = &model.Zone{}
	}
	zone.Name = zoneName
	zone.DefaultTTL = soa.Hdr.Ttl
	zone.SOA = model.SoaData{
		Mname:   dnswire.StripTrailingDot(soa.Ns),
		Rname:   dnswire.StripTrailingDot(soa.Mbox),
		Serial:  soa.Serial,
		Refresh: soa.Refresh,
		Retry:   soa.Retry,
		Expire:  soa.Expire,
		Minimum: soa.Minttl,
	}
	if err := s.Store.UpsertZone(zone); err != nil {
		return fmt.Errorf("authdns: AXFR in %s: upsert zone: %w", zoneName, err)
	}
	if err := s.Store.ReplaceZoneRecords(zone.ID, records); err != nil {
		return fmt.Errorf("authdns: AXFR in %s: replace records: %w", zoneName, err)
	}
	return nil
}
