// Package registrar drives the DNS side-effects of DHCP lease events:
// forward and reverse record insert on ACK, forward-record delete on
// RELEASE.
package registrar

import (
	"fmt"
	"log"
	"net"
	"strings"

	"microdns/internal/model"
	"microdns/internal/store"
)

// Registrar wires DHCP lease lifecycle events into forward/reverse DNS
// records.
type Registrar struct {
	Store         *store.Store
	ForwardZone   string
	ReverseZoneV4 string
	ReverseZoneV6 string
	DefaultTTL    uint32
}

// New builds a Registrar.
func New(st *store.Store, forwardZone, reverseZoneV4, reverseZoneV6 string, defaultTTL uint32) *Registrar {
	return &Registrar{
		Store:         st,
		ForwardZone:   forwardZone,
		ReverseZoneV4: reverseZoneV4,
		ReverseZoneV6: reverseZoneV6,
		DefaultTTL:    defaultTTL,
	}
}

// RegisterV4 inserts an A record for hostname -> ip in the forward zone and
// a PTR record (keyed on the last octet) in the IPv4 reverse zone, then
// bumps the forward zone's SOA serial.
func (r *Registrar) RegisterV4(hostname string, ip net.IP) error {
	zone, err := r.Store.GetZoneByName(r.ForwardZone)
	if err != nil {
		log.Printf("registrar: forward zone %s not found, skipping registration for %s", r.ForwardZone, hostname)
		return nil
	}

	v4 := ip.To4()
	if err := r.Store.CreateRecord(&model.Record{
		ZoneID:  zone.ID,
		Name:    hostname,
		TTL:     r.DefaultTTL,
		Enabled: true,
		Data:    model.RecordData{Type: model.TypeA, A: v4},
	}); err != nil {
		return fmt.Errorf("registrar: create A record: %w", err)
	}
	log.Printf("registrar: registered A %s.%s -> %s", hostname, r.ForwardZone, v4)

	if revZone, err := r.Store.GetZoneByName(r.ReverseZoneV4); err == nil {
		ptrName := fmt.Sprintf("%d", v4[3])
		target := hostname + "." + r.ForwardZone + "."
		if err := r.Store.CreateRecord(&model.Record{
			ZoneID:  revZone.ID,
			Name:    ptrName,
			TTL:     r.DefaultTTL,
			Enabled: true,
			Data:    model.RecordData{Type: model.TypePTR, PTR: target},
		}); err != nil {
			log.Printf("registrar: create PTR record for %s: %v", hostname, err)
		} else {
			log.Printf("registrar: registered PTR %s.%s -> %s", ptrName, r.ReverseZoneV4, target)
		}
	} else {
		log.Printf("registrar: reverse zone %s not found, skipping PTR for %s", r.ReverseZoneV4, hostname)
	}

	if _, err := r.Store.IncrementSOASerial(zone.ID); err != nil {
		log.Printf("registrar: increment SOA serial for %s: %v", r.ForwardZone, err)
	}
	return nil
}

// RegisterV6 inserts an AAAA record for hostname -> ip in the forward zone.
// Reverse (PTR in ip6.arpa) construction is not implemented.
func (r *Registrar) RegisterV6(hostname string, ip net.IP) error {
	zone, err := r.Store.GetZoneByName(r.ForwardZone)
	if err != nil {
		log.Printf("registrar: forward zone %s not found, skipping registration for %s", r.ForwardZone, hostname)
		return nil
	}

	if err := r.Store.CreateRecord(&model.Record{
		ZoneID:  zone.ID,
		Name:    hostname,
		TTL:     r.DefaultTTL,
		Enabled: true,
		Data:    model.RecordData{Type: model.TypeAAAA, AAAA: ip.To16()},
	}); err != nil {
		return fmt.Errorf("registrar: create AAAA record: %w", err)
	}
	log.Printf("registrar: registered AAAA %s.%s -> %s", hostname, r.ForwardZone, ip)

	if _, err := r.Store.IncrementSOASerial(zone.ID); err != nil {
		log.Printf("registrar: increment SOA serial for %s: %v", r.ForwardZone, err)
	}
	return nil
}

// Unregister deletes every record in the forward zone whose relative name
// equals hostname.
func (r *Registrar) Unregister(hostname string) error {
	zone, err := r.Store.GetZoneByName(r.ForwardZone)
	if err != nil {
		return nil
	}
	records, err := r.Store.ListRecords(zone.ID)
	if err != nil {
		return fmt.Errorf("registrar: list records: %w", err)
	}
	for _, rec := range records {
		if strings.EqualFold(rec.Name, hostname) {
			if err := r.Store.DeleteRecord(rec.ID); err != nil {
				log.Printf("registrar: delete record %s: %v", rec.ID, err)
				continue
			}
			log.Printf("registrar: unregistered %s.%s", hostname, r.ForwardZone)
		}
	}
	return nil
}
