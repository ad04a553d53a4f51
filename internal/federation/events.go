// Package federation implements the cross-instance coordination layer: the
// event model, the pluggable message bus (NATS, Kafka/Redpanda, in-memory),
// the heartbeat tracker, and the leaf/coordinator/configsync agents.
package federation

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"microdns/internal/model"
)

// EventType discriminates the federation event union.
type EventType string

const (
	EventLeaseCreated  EventType = "LeaseCreated"
	EventLeaseReleased EventType = "LeaseReleased"
	EventZoneChanged   EventType = "ZoneChanged"
	EventRecordChanged EventType = "RecordChanged"
	EventHealthChanged EventType = "HealthChanged"
	EventHeartbeat     EventType = "Heartbeat"
	EventConfigPush    EventType = "ConfigPush"
)

// HeartbeatPayload carries a leaf's periodic status counters.
type HeartbeatPayload struct {
	Mode         string `json:"mode"`
	UptimeSecs   uint64 `json:"uptime_secs"`
	ActiveLeases int    `json:"active_leases"`
	ZonesServed  int    `json:"zones_served"`
}

// ConfigPayloadType discriminates ConfigPush payloads.
type ConfigPayloadType string

const (
	PayloadZoneSync     ConfigPayloadType = "ZoneSync"
	PayloadConfigUpdate ConfigPayloadType = "ConfigUpdate"
)

// ConfigPayload is the ConfigPush payload union: either a zone+records sync
// or a raw TOML configuration push.
type ConfigPayload struct {
	Type        ConfigPayloadType `json:"type"`
	ZoneJSON    json.RawMessage   `json:"zone_json,omitempty"`
	RecordsJSON json.RawMessage   `json:"records_json,omitempty"`
	ConfigTOML  string            `json:"config_toml,omitempty"`
}

// ConfigPush targets an instance (or all, when Target is empty) with a
// configuration payload.
type ConfigPush struct {
	Source    string        `json:"source"`
	Target    string        `json:"target,omitempty"`
	Payload   ConfigPayload `json:"payload"`
	Timestamp time.Time     `json:"timestamp"`
}

// Event is the tagged union published on the bus. Exactly the fields for
// its Type are populated; the JSON keeps the type discriminator inline.
type Event struct {
	Type       EventType `json:"type"`
	InstanceID string    `json:"instance_id"`

	Lease      *model.Lease      `json:"lease,omitempty"`
	ZoneID     string            `json:"zone_id,omitempty"`
	ZoneName   string            `json:"zone_name,omitempty"`
	RecordID   string            `json:"record_id,omitempty"`
	Healthy    *bool             `json:"healthy,omitempty"`
	Heartbeat  *HeartbeatPayload `json:"heartbeat,omitempty"`
	ConfigPush *ConfigPush       `json:"config_push,omitempty"`
}

// MaxConfigPayloadBytes caps ConfigPush payloads.
const MaxConfigPayloadBytes = 10 * 1024 * 1024

// ErrPayloadTooLarge rejects oversized ConfigPush payloads before any
// deserialization happens.
var ErrPayloadTooLarge = errors.New("federation: config payload exceeds 10 MiB")

// Suffix returns the topic suffix for the event's type:
// leases, dns, health, heartbeat or config.
func (e *Event) Suffix() string {
	switch e.Type {
	case EventLeaseCreated, EventLeaseReleased:
		return "leases"
	case EventZoneChanged, EventRecordChanged:
		return "dns"
	case EventHealthChanged:
		return "health"
	case EventHeartbeat:
		return "heartbeat"
	case EventConfigPush:
		return "config"
	default:
		return "dns"
	}
}

// Validate rejects events whose ConfigPush payload is oversized.
func (e *Event) Validate() error {
	if e.Type != EventConfigPush || e.ConfigPush == nil {
		return nil
	}
	p := e.ConfigPush.Payload
	size := len(p.ZoneJSON) + len(p.RecordsJSON) + len(p.ConfigTOML)
	if size > MaxConfigPayloadBytes {
		return fmt.Errorf("%w (%d bytes)", ErrPayloadTooLarge, size)
	}
	return nil
}
