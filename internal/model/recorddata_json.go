package model

import (
	"encoding/json"
	"fmt"
	"net"
)

// recordDataJSON is the on-wire shape: {"type":"A","data":<payload>}.
type recordDataJSON struct {
	Type RecordType      `json:"type"`
	Data json.RawMessage `json:"data"`
}

// MarshalJSON preserves the {"type":...,"data":...} discriminated shape the
// original persisted format uses, so stored documents round-trip byte-for-byte
// across implementations.
func (d RecordData) MarshalJSON() ([]byte, error) {
	var payload interface{}
	switch d.Type {
	case TypeA:
		payload = d.A.String()
	case TypeAAAA:
		payload = d.AAAA.String()
	case TypeCNAME:
		payload = d.CNAME
	case TypeMX:
		payload = d.MX
	case TypeNS:
		payload = d.NS
	case TypePTR:
		payload = d.PTR
	case TypeSOA:
		payload = d.SOA
	case TypeSRV:
		payload = d.SRV
	case TypeTXT:
		payload = d.TXT
	case TypeCAA:
		payload = d.CAA
	default:
		return nil, fmt.Errorf("model: unknown record data type %q", d.Type)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(recordDataJSON{Type: d.Type, Data: raw})
}

// UnmarshalJSON restores a RecordData from its discriminated JSON shape.
func (d *RecordData) UnmarshalJSON(b []byte) error {
	var wire recordDataJSON
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}

	d.Type = wire.Type
	switch wire.Type {
	case TypeA:
		var s string
		if err := json.Unmarshal(wire.Data, &s); err != nil {
			return err
		}
		ip := net.ParseIP(s)
		if ip == nil {
			return fmt.Errorf("model: invalid A address %q", s)
		}
		d.A = ip.To4()
		if d.A == nil {
			return fmt.Errorf("model: %q is not an IPv4 address", s)
		}
	case TypeAAAA:
		var s string
		if err := json.Unmarshal(wire.Data, &s); err != nil {
			return err
		}
		ip := net.ParseIP(s)
		if ip == nil {
			return fmt.Errorf("model: invalid AAAA address %q", s)
		}
		d.AAAA = ip
	case TypeCNAME:
		return json.Unmarshal(wire.Data, &d.CNAME)
	case TypeMX:
		return json.Unmarshal(wire.Data, &d.MX)
	case TypeNS:
		return json.Unmarshal(wire.Data, &d.NS)
	case TypePTR:
		return json.Unmarshal(wire.Data, &d.PTR)
	case TypeSOA:
		return json.Unmarshal(wire.Data, &d.SOA)
	case TypeSRV:
		return json.Unmarshal(wire.Data, &d.SRV)
	case TypeTXT:
		return json.Unmarshal(wire.Data, &d.TXT)
	case TypeCAA:
		return json.Unmarshal(wire.Data, &d.CAA)
	default:
		return fmt.Errorf("model: unknown record data type %q", wire.Type)
	}
	return nil
}
