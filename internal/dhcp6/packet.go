// Package dhcp6 implements the minimal DHCPv6 path: SOLICIT/ADVERTISE,
// REQUEST/REPLY and RELEASE, with DUID-keyed leases. The wire
// format is a 1-byte message type, a 3-byte transaction id, then TLV options
// with 2-byte code and 2-byte length (RFC 8415).
package dhcp6

import (
	"encoding/binary"
	"errors"
	"net"
)

// DHCPv6 message types (RFC 8415 §7.3).
const (
	Solicit   = 1
	Advertise = 2
	Request   = 3
	Reply     = 7
	Release   = 8
)

// DHCPv6 option codes.
const (
	OptClientID   = 1
	OptServerID   = 2
	OptIANA       = 3
	OptIAAddr     = 5
	OptDNSServers = 23
	OptDomainList = 24
	OptClientFQDN = 39
)

// Option is a single DHCPv6 TLV option.
type Option struct {
	Code uint16
	Data []byte
}

// Packet is a parsed DHCPv6 message.
type Packet struct {
	MsgType byte
	TxID    [3]byte
	Options []Option
}

var errTooShort = errors.New("dhcp6: packet shorter than header")

// ParsePacket parses a raw DHCPv6 datagram.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < 4 {
		return nil, errTooShort
	}
	p := &Packet{MsgType: data[0]}
	copy(p.TxID[:], data[1:4])

	i := 4
	for i+4 <= len(data) {
		code := binary.BigEndian.Uint16(data[i : i+2])
		l := int(binary.BigEndian.Uint16(data[i+2 : i+4]))
		i += 4
		if i+l > len(data) {
			break
		}
		p.Options = append(p.Options, Option{Code: code, Data: append([]byte(nil), data[i:i+l]...)})
		i += l
	}
	return p, nil
}

// Bytes serializes the packet.
func (p *Packet) Bytes() []byte {
	buf := make([]byte, 4, 128)
	buf[0] = p.MsgType
	copy(buf[1:4], p.TxID[:])
	for _, o := range p.Options {
		var hdr [4]byte
		binary.BigEndian.PutUint16(hdr[:2], o.Code)
		binary.BigEndian.PutUint16(hdr[2:], uint16(len(o.Data)))
		buf = append(buf, hdr[:]...)
		buf = append(buf, o.Data...)
	}
	return buf
}

// GetOption returns the data of the first option matching code, or nil.
func (p *Packet) GetOption(code uint16) []byte {
	for _, o := range p.Options {
		if o.Code == code {
			return o.Data
		}
	}
	return nil
}

// ClientID returns the client DUID (option 1), or nil.
func (p *Packet) ClientID() []byte { return p.GetOption(OptClientID) }

// ClientHostname returns the first label of the Client FQDN option (39),
// or "" when absent. The option carries a flags byte followed by a
// DNS-encoded domain name (RFC 4704).
func (p *Packet) ClientHostname() string {
	data := p.GetOption(OptClientFQDN)
	if len(data) < 2 {
		return ""
	}
	l := int(data[1])
	if l == 0 || 2+l > len(data) {
		return ""
	}
	return string(data[2 : 2+l])
}

// IANA holds the parsed contents of an IA_NA option.
type IANA struct {
	IAID uint32
	T1   uint32
	T2   uint32
	Addr net.IP // from the nested IAADDR, nil when absent
}

// ParseIANA parses the first IA_NA option of the packet, if present.
func (p *Packet) ParseIANA() (*IANA, bool) {
	data := p.GetOption(OptIANA)
	if len(data) < 12 {
		return nil, false
	}
	ia := &IANA{
		IAID: binary.BigEndian.Uint32(data[0:4]),
		T1:   binary.BigEndian.Uint32(data[4:8]),
		T2:   binary.BigEndian.Uint32(data[8:12]),
	}
	i := 12
	for i+4 <= len(data) {
		code := binary.BigEndian.Uint16(data[i : i+2])
		l := int(binary.BigEndian.Uint16(data[i+2 : i+4]))
		i += 4
		if i+l > len(data) {
			break
		}
		if code == OptIAAddr && l >= 16 {
			ia.Addr = net.IP(append([]byte(nil), data[i:i+16]...))
		}
		i += l
	}
	return ia, true
}

// ianaOption builds an IA_NA option wrapping one IAADDR whose preferred and
// valid lifetimes both equal lifetime.
func ianaOption(iaid uint32, addr net.IP, lifetime uint32) Option {
	iaaddr := make([]byte, 24)
	copy(iaaddr[0:16], addr.To16())
	binary.BigEndian.PutUint32(iaaddr[16:20], lifetime)
	binary.BigEndian.PutUint32(iaaddr[20:24], lifetime)

	data := make([]byte, 12, 12+4+24)
	binary.BigEndian.PutUint32(data[0:4], iaid)
	binary.BigEndian.PutUint32(data[4:8], lifetime/2)
	binary.BigEndian.PutUint32(data[8:12], lifetime*4/5)

	var hdr [4]byte
	binary.BigEndian.PutUint16(hdr[:2], OptIAAddr)
	binary.BigEndian.PutUint16(hdr[2:], uint16(len(iaaddr)))
	data = append(data, hdr[:]...)
	data = append(data, iaaddr...)
	return Option{Code: OptIANA, Data: data}
}

// dnsServersOption packs a list of IPv6 DNS servers into option 23.
func dnsServersOption(servers []net.IP) Option {
	data := make([]byte, 0, 16*len(servers))
	for _, s := range servers {
		data = append(data, s.To16()...)
	}
	return Option{Code: OptDNSServers, Data: data}
}

// duidLL builds a DUID-LL (type 3, hardware type 1) from a MAC address.
func duidLL(mac net.HardwareAddr) []byte {
	duid := make([]byte, 4+len(mac))
	binary.BigEndian.PutUint16(duid[0:2], 3)
	binary.BigEndian.PutUint16(duid[2:4], 1)
	copy(duid[4:], mac)
	return duid
}
