package federation

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"microdns/internal/metrics"
	"microdns/internal/model"
	"microdns/internal/store"
)

// LeafAgent publishes a Heartbeat every interval, with lease and zone
// counts supplied by the two injected counters.
type LeafAgent struct {
	Bus        Bus
	InstanceID string
	Mode       string
	Interval   time.Duration
	LeaseCount func() int
	ZoneCount  func() int
}

// Run loops until ctx is cancelled.
func (a *LeafAgent) Run(ctx context.Context) {
	started := time.Now()
	ticker := time.NewTicker(a.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ev := &Event{
				Type:       EventHeartbeat,
				InstanceID: a.InstanceID,
				Heartbeat: &HeartbeatPayload{
					Mode:         a.Mode,
					UptimeSecs:   uint64(time.Since(started).Seconds()),
					ActiveLeases: a.LeaseCount(),
					ZonesServed:  a.ZoneCount(),
				},
			}
			if err := a.Bus.Publish(ctx, ev); err != nil {
				log.Printf("federation: publish heartbeat: %v", err)
			}
		}
	}
}

// CoordinatorAgent subscribes to heartbeat, lease and health topics from
// every instance; heartbeats feed the tracker, the rest are logged. A
// background task prunes stale tracker entries every 60s.
type CoordinatorAgent struct {
	Bus     Bus
	Prefix  string
	Tracker *Tracker
}

// Run loops until ctx is cancelled.
func (a *CoordinatorAgent) Run(ctx context.Context) {
	m := metrics.NewMetrics()

	patterns := []string{
		TopicFor(a.Prefix, "*", "heartbeat"),
		TopicFor(a.Prefix, "*", "leases"),
		TopicFor(a.Prefix, "*", "health"),
	}
	var cancels []func()
	merged := make(chan *Event, 64)
	for _, p := range patterns {
		ch, cancel, err := a.Bus.Subscribe(p)
		if err != nil {
			log.Printf("federation: subscribe %s: %v", p, err)
			continue
		}
		cancels = append(cancels, cancel)
		go func() {
			for ev := range ch {
				select {
				case merged <- ev:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	defer func() {
		for _, c := range cancels {
			c()
		}
	}()

	pruneTicker := time.NewTicker(60 * time.Second)
	defer pruneTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pruneTicker.C:
			if n := a.Tracker.PruneStale(); n > 0 {
				log.Printf("federation: pruned %d stale instances", n)
			}
			m.SetHeartbeatInstances(a.Tracker.Len())
		case ev := <-merged:
			a.handleEvent(ev)
			m.SetHeartbeatInstances(a.Tracker.Len())
		}
	}
}

func (a *CoordinatorAgent) handleEvent(ev *Event) {
	switch ev.Type {
	case EventHeartbeat:
		if ev.Heartbeat != nil {
			a.Tracker.RecordHeartbeat(ev.InstanceID, ev.Heartbeat)
		}
	case EventLeaseCreated, EventLeaseReleased:
		ip := ""
		if ev.Lease != nil {
			ip = ev.Lease.IPAddr
		}
		log.Printf("federation: %s from %s (%s)", ev.Type, ev.InstanceID, ip)
	case EventHealthChanged:
		log.Printf("federation: health change from %s: record %s", ev.InstanceID, ev.RecordID)
	default:
		log.Printf("federation: event %s from %s", ev.Type, ev.InstanceID)
	}
}

// ConfigSyncAgent applies ConfigPush messages addressed to this instance
// (or broadcast). ZoneSync payloads are applied to the store; ConfigUpdate
// payloads are accepted after the size check but hot-reload is not
// implemented.
type ConfigSyncAgent struct {
	Bus        Bus
	Store      *store.Store
	InstanceID string
	Prefix     string
}

// Run loops until ctx is cancelled.
func (a *ConfigSyncAgent) Run(ctx context.Context) {
	ch, cancel, err := a.Bus.Subscribe(TopicFor(a.Prefix, "*", "config"))
	if err != nil {
		log.Printf("federation: subscribe config: %v", err)
		return
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := a.Handle(ev); err != nil {
				log.Printf("federation: config push from %s: %v", ev.InstanceID, err)
			}
		}
	}
}

// Handle applies one ConfigPush event.
func (a *ConfigSyncAgent) Handle(ev *Event) error {
	if ev.Type != EventConfigPush || ev.ConfigPush == nil {
		return nil
	}
	push := ev.ConfigPush
	if push.Target != "" && push.Target != a.InstanceID {
		return nil
	}
	if err := ev.Validate(); err != nil {
		return err
	}

	switch push.Payload.Type {
	case PayloadZoneSync:
		return a.applyZoneSync(&push.Payload)
	case PayloadConfigUpdate:
		log.Printf("federation: config update from %s accepted (%d bytes); hot reload not implemented",
			push.Source, len(push.Payload.ConfigTOML))
		return nil
	default:
		log.Printf("federation: unknown config payload %q from %s", push.Payload.Type, push.Source)
		return nil
	}
}

func (a *ConfigSyncAgent) applyZoneSync(p *ConfigPayload) error {
	var zone model.Zone
	if err := json.Unmarshal(p.ZoneJSON, &zone); err != nil {
		return err
	}
	var records []*model.Record
	if len(p.RecordsJSON) > 0 {
		if err := json.Unmarshal(p.RecordsJSON, &records); err != nil {
			return err
		}
	}
	if err := a.Store.UpsertZone(&zone); err != nil {
		return err
	}
	if err := a.Store.ReplaceZoneRecords(zone.ID, records); err != nil {
		return err
	}
	log.Printf("federation: zone sync applied for %s (%d records)", zone.Name, len(records))
	return nil
}

// NewBus builds the configured bus backend: "nats", "kafka"/"redpanda", or
// the in-memory backend for "noop" and anything unrecognized.
func NewBus(backend, url string, brokers []string, prefix string) (Bus, error) {
	switch backend {
	case "nats":
		return NewNATSBus(url, prefix)
	case "kafka", "redpanda":
		return NewKafkaBus(brokers, prefix)
	default:
		return NewMemoryBus(prefix), nil
	}
}
