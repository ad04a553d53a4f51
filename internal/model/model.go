// Package model defines the persistent entities shared by every MicroDNS
// component: zones, records, leases, IPAM allocations and replication
// metadata. These are the JSON documents stored in internal/store's bbolt
// buckets.
package model

import (
	"net"
	"time"
)

// InstanceMode is the federation role an instance runs in.
type InstanceMode string

const (
	ModeStandalone  InstanceMode = "standalone"
	ModeLeaf        InstanceMode = "leaf"
	ModeCoordinator InstanceMode = "coordinator"
)

// RecordType mirrors the DNS RR types MicroDNS persists and serves.
type RecordType string

const (
	TypeA     RecordType = "A"
	TypeAAAA  RecordType = "AAAA"
	TypeCNAME RecordType = "CNAME"
	TypeMX    RecordType = "MX"
	TypeNS    RecordType = "NS"
	TypePTR   RecordType = "PTR"
	TypeSOA   RecordType = "SOA"
	TypeSRV   RecordType = "SRV"
	TypeTXT   RecordType = "TXT"
	TypeCAA   RecordType = "CAA"
)

// SoaData holds the tuple carried by a zone's SOA record.
type SoaData struct {
	Mname   string `json:"mname"`
	Rname   string `json:"rname"`
	Serial  uint32 `json:"serial"`
	Refresh uint32 `json:"refresh"`
	Retry   uint32 `json:"retry"`
	Expire  uint32 `json:"expire"`
	Minimum uint32 `json:"minimum"`
}

// SrvData is the record payload for an SRV RR.
type SrvData struct {
	Priority uint16 `json:"priority"`
	Weight   uint16 `json:"weight"`
	Port     uint16 `json:"port"`
	Target   string `json:"target"`
}

// CaaData is the record payload for a CAA RR.
type CaaData struct {
	Flags uint8  `json:"flags"`
	Tag   string `json:"tag"`
	Value string `json:"value"`
}

// MxData is the record payload for an MX RR.
type MxData struct {
	Preference uint16 `json:"preference"`
	Exchange   string `json:"exchange"`
}

// RecordData is the polymorphic RR payload. Exactly one of the typed fields
// is populated, selected by Type. MarshalJSON/UnmarshalJSON preserve the
// {"type":"<NAME>","data":...} shape so persisted documents stay
// compatible across versions.
type RecordData struct {
	Type  RecordType
	A     net.IP
	AAAA  net.IP
	CNAME string
	MX    MxData
	NS    string
	PTR   string
	SOA   SoaData
	SRV   SrvData
	TXT   string
	CAA   CaaData
}

// HealthCheck is the optional LB probe configuration attached to a record.
type HealthCheck struct {
	ProbeType          ProbeType `json:"probe_type"`
	Endpoint           string    `json:"endpoint,omitempty"`
	IntervalSecs       uint32    `json:"interval_secs"`
	TimeoutSecs        uint32    `json:"timeout_secs"`
	HealthyThreshold   uint32    `json:"healthy_threshold"`
	UnhealthyThreshold uint32    `json:"unhealthy_threshold"`
}

// ProbeType is the LB health-check probe kind.
type ProbeType string

const (
	ProbePing  ProbeType = "ping"
	ProbeHTTP  ProbeType = "http"
	ProbeHTTPS ProbeType = "https"
	ProbeTCP   ProbeType = "tcp"
)

// Zone is a contiguous DNS namespace this instance is authoritative for.
type Zone struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"` // no trailing dot
	SOA        SoaData   `json:"soa"`
	DefaultTTL uint32    `json:"default_ttl"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Record is one resource record within a zone.
type Record struct {
	ID          string       `json:"id"`
	ZoneID      string       `json:"zone_id"`
	Name        string       `json:"name"` // relative, "@" for apex, or "*.foo"
	TTL         uint32       `json:"ttl"`
	Data        RecordData   `json:"data"`
	Enabled     bool         `json:"enabled"`
	HealthCheck *HealthCheck `json:"health_check,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// LeaseState is the lifecycle state of a DHCP lease.
type LeaseState string

const (
	LeaseActive   LeaseState = "active"
	LeaseExpired  LeaseState = "expired"
	LeaseReleased LeaseState = "released"
)

// Lease is a time-bounded IP assignment to a MAC or DHCPv6 DUID.
type Lease struct {
	ID         string     `json:"id"`
	IPAddr     string     `json:"ip_addr"`
	MACAddr    string     `json:"mac_addr"` // MAC for v4, hex DUID for v6
	Hostname   string     `json:"hostname,omitempty"`
	LeaseStart time.Time  `json:"lease_start"`
	LeaseEnd   time.Time  `json:"lease_end"`
	PoolID     string     `json:"pool_id"`
	State      LeaseState `json:"state"`
}

// IpamAllocation is a manually or API-driven IP assignment outside of DHCP.
type IpamAllocation struct {
	ID        string    `json:"id"`
	Pool      string    `json:"pool"`
	IP        string    `json:"ip"`
	Container string    `json:"container"`
	Gateway   string    `json:"gateway,omitempty"`
	Bridge    string    `json:"bridge,omitempty"`
	Subnet    string    `json:"subnet,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ReplicationMeta tracks the replication state of a zone pulled from a peer.
type ReplicationMeta struct {
	ZoneID       string    `json:"zone_id"`
	ZoneName     string    `json:"zone_name"`
	SourcePeerID string    `json:"source_peer_id"`
	LastSynced   time.Time `json:"last_synced"`
	SourceSerial uint32    `json:"source_serial"`
}
