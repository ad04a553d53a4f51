// Package rpc is the typed Peer RPC surface used by zone replication and
// federation status: ListZones,
// ListRecords, Heartbeat and GetClusterStatus over gRPC's HTTP/2 transport.
// Message types mirror microdns.proto field-for-field; the wire encoding is
// the JSON codec in codec.go until a protoc run generates real protobuf
// bindings (see DESIGN.md).
package rpc

// ListZonesRequest asks a peer for every zone it serves.
type ListZonesRequest struct{}

// ZoneMsg is a zone row on the wire.
type ZoneMsg struct {
	Id         string `json:"id"`
	Name       string `json:"name"`
	Mname      string `json:"mname"`
	Rname      string `json:"rname"`
	Serial     uint32 `json:"serial"`
	Refresh    uint32 `json:"refresh"`
	Retry      uint32 `json:"retry"`
	Expire     uint32 `json:"expire"`
	Minimum    uint32 `json:"minimum"`
	DefaultTtl uint32 `json:"default_ttl"`
}

// ListZonesResponse carries the peer's authoritative zone listing.
type ListZonesResponse struct {
	Zones []*ZoneMsg `json:"zones"`
}

// ListRecordsRequest asks for every record of one zone.
type ListRecordsRequest struct {
	ZoneId string `json:"zone_id"`
}

// RecordMsg is a record row on the wire. DataJson preserves the persisted
// {"type":"<NAME>","data":...} shape verbatim.
type RecordMsg struct {
	Id       string `json:"id"`
	ZoneId   string `json:"zone_id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Ttl      uint32 `json:"ttl"`
	Enabled  bool   `json:"enabled"`
	DataJson []byte `json:"data_json"`
}

// ListRecordsResponse carries one zone's records.
type ListRecordsResponse struct {
	Records []*RecordMsg `json:"records"`
}

// HeartbeatRequest reports a leaf's status to a coordinator peer.
type HeartbeatRequest struct {
	InstanceId   string `json:"instance_id"`
	Mode         string `json:"mode"`
	UptimeSecs   uint64 `json:"uptime_secs"`
	ActiveLeases int64  `json:"active_leases"`
	ZonesServed  int64  `json:"zones_served"`
}

// HeartbeatResponse acknowledges a heartbeat.
type HeartbeatResponse struct {
	Ok bool `json:"ok"`
}

// ClusterStatusRequest asks a coordinator for its instance table.
type ClusterStatusRequest struct{}

// InstanceStatusMsg is one instance row on the wire.
type InstanceStatusMsg struct {
	InstanceId   string `json:"instance_id"`
	Mode         string `json:"mode"`
	UptimeSecs   uint64 `json:"uptime_secs"`
	ActiveLeases int64  `json:"active_leases"`
	ZonesServed  int64  `json:"zones_served"`
	LastSeenUnix int64  `json:"last_seen_unix"`
	Healthy      bool   `json:"healthy"`
}

// ClusterStatusResponse carries the coordinator's instance table.
type ClusterStatusResponse struct {
	Instances []*InstanceStatusMsg `json:"instances"`
}
