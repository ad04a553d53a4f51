// Package dhcp4 implements the DHCPv4 server: packet codec, an address pool
// allocator, and the DISCOVER/REQUEST/RELEASE state machine (RFC 2131).
package dhcp4

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// MessageType is the DHCP message type (option 53).
type MessageType uint8

const (
	Discover MessageType = 1
	Offer    MessageType = 2
	Request  MessageType = 3
	Decline  MessageType = 4
	Ack      MessageType = 5
	Nak      MessageType = 6
	Release  MessageType = 7
	Inform   MessageType = 8
)

// DHCP option codes.
const (
	OptSubnetMask    = 1
	OptRouter        = 3
	OptDNSServer     = 6
	OptHostname      = 12
	OptDomainName    = 15
	OptRequestedIP   = 50
	OptLeaseTime     = 51
	OptMessageType   = 53
	OptServerID      = 54
	OptParameterList = 55
	OptTFTPServer    = 66
	OptBootfile      = 67
	OptEnd           = 255
)

var magicCookie = [4]byte{99, 130, 83, 99}

// Option is a single DHCP TLV option.
type Option struct {
	Code byte
	Data []byte
}

// Packet is a parsed BOOTP/DHCP message: a fixed 236-byte header, a 4-byte
// magic cookie, then a run of TLV options (RFC 2131).
type Packet struct {
	Op      byte // 1=BOOTREQUEST, 2=BOOTREPLY
	Htype   byte
	Hlen    byte
	Hops    byte
	Xid     uint32
	Secs    uint16
	Flags   uint16
	Ciaddr  net.IP
	Yiaddr  net.IP
	Siaddr  net.IP
	Giaddr  net.IP
	Chaddr  [16]byte
	Sname   [64]byte
	File    [128]byte
	Options []Option
}

var errShortPacket = errors.New("dhcp4: packet shorter than fixed header")
var errNoMagicCookie = errors.New("dhcp4: missing DHCP magic cookie")

// ParsePacket parses a raw BOOTP/DHCP datagram.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < 240 {
		return nil, errShortPacket
	}
	var magic [4]byte
	copy(magic[:], data[236:240])
	if magic != magicCookie {
		return nil, errNoMagicCookie
	}

	p := &Packet{
		Op:     data[0],
		Htype:  data[1],
		Hlen:   data[2],
		Hops:   data[3],
		Xid:    binary.BigEndian.Uint32(data[4:8]),
		Secs:   binary.BigEndian.Uint16(data[8:10]),
		Flags:  binary.BigEndian.Uint16(data[10:12]),
		Ciaddr: net.IP(append([]byte(nil), data[12:16]...)),
		Yiaddr: net.IP(append([]byte(nil), data[16:20]...)),
		Siaddr: net.IP(append([]byte(nil), data[20:24]...)),
		Giaddr: net.IP(append([]byte(nil), data[24:28]...)),
	}
	copy(p.Chaddr[:], data[28:44])
	copy(p.Sname[:], data[44:108])
	copy(p.File[:], data[108:236])

	opts, err := parseOptions(data[240:])
	if err != nil {
		return nil, err
	}
	p.Options = opts
	return p, nil
}

func parseOptions(data []byte) ([]Option, error) {
	var opts []Option
	i := 0
	for i < len(data) {
		code := data[i]
		i++
		if code == OptEnd {
			opts = append(opts, Option{Code: OptEnd})
			break
		}
		if code == 0 { // pad
			continue
		}
		if i >= len(data) {
			break
		}
		l := int(data[i])
		i++
		if i+l > len(data) {
			break
		}
		opts = append(opts, Option{Code: code, Data: append([]byte(nil), data[i:i+l]...)})
		i += l
	}
	return opts, nil
}

// Bytes serializes the packet, padding to the historical BOOTP minimum of
// 300 bytes.
func (p *Packet) Bytes() []byte {
	buf := make([]byte, 240)
	buf[0] = p.Op
	buf[1] = p.Htype
	buf[2] = p.Hlen
	buf[3] = p.Hops
	binary.BigEndian.PutUint32(buf[4:8], p.Xid)
	binary.BigEndian.PutUint16(buf[8:10], p.Secs)
	binary.BigEndian.PutUint16(buf[10:12], p.Flags)
	copy(buf[12:16], to4(p.Ciaddr))
	copy(buf[16:20], to4(p.Yiaddr))
	copy(buf[20:24], to4(p.Siaddr))
	copy(buf[24:28], to4(p.Giaddr))
	copy(buf[28:44], p.Chaddr[:])
	copy(buf[44:108], p.Sname[:])
	copy(buf[108:236], p.File[:])
	copy(buf[236:240], magicCookie[:])

	hasEnd := false
	for _, opt := range p.Options {
		buf = append(buf, opt.Code)
		if opt.Code != OptEnd {
			buf = append(buf, byte(len(opt.Data)))
			buf = append(buf, opt.Data...)
		} else {
			hasEnd = true
		}
	}
	if !hasEnd {
		buf = append(buf, OptEnd)
	}
	for len(buf) < 300 {
		buf = append(buf, 0)
	}
	return buf
}

func to4(ip net.IP) []byte {
	if ip == nil {
		return net.IPv4zero.To4()
	}
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return net.IPv4zero.To4()
}

// MessageType returns the option-53 message type, if present and valid.
func (p *Packet) MessageType() (MessageType, bool) {
	data := p.GetOption(OptMessageType)
	if len(data) != 1 {
		return 0, false
	}
	return MessageType(data[0]), true
}

// RequestedIP returns option 50, if present.
func (p *Packet) RequestedIP() net.IP {
	data := p.GetOption(OptRequestedIP)
	if len(data) != 4 {
		return nil
	}
	return net.IPv4(data[0], data[1], data[2], data[3])
}

// Hostname returns option 12, if present.
func (p *Packet) Hostname() string {
	data := p.GetOption(OptHostname)
	if data == nil {
		return ""
	}
	return string(data)
}

// GetOption returns the raw data of the first option matching code, or nil.
func (p *Packet) GetOption(code byte) []byte {
	for _, o := range p.Options {
		if o.Code == code {
			return o.Data
		}
	}
	return nil
}

// MACAddress renders Chaddr[:Hlen] (capped at 6 bytes) as a colon-separated
// lowercase hex string.
func (p *Packet) MACAddress() string {
	n := int(p.Hlen)
	if n > 6 {
		n = 6
	}
	mac := p.Chaddr[:n]
	s := ""
	for i, b := range mac {
		if i > 0 {
			s += ":"
		}
		s += fmt.Sprintf("%02x", b)
	}
	return s
}

func ipOption(code byte, ip net.IP) Option {
	return Option{Code: code, Data: append([]byte(nil), to4(ip)...)}
}

func u32Option(code byte, v uint32) Option {
	data := make([]byte, 4)
	binary.BigEndian.PutUint32(data, v)
	return Option{Code: code, Data: data}
}

func ipListOption(code byte, ips []net.IP) Option {
	data := make([]byte, 0, 4*len(ips))
	for _, ip := range ips {
		data = append(data, to4(ip)...)
	}
	return Option{Code: code, Data: data}
}

func stringOption(code byte, s string) Option {
	return Option{Code: code, Data: []byte(s)}
}

func messageTypeOption(mt MessageType) Option {
	return Option{Code: OptMessageType, Data: []byte{byte(mt)}}
}
