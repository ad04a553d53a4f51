package lbmonitor

import (
	"context"
	"log"
	"time"

	"microdns/internal/metrics"
	"microdns/internal/model"
	"microdns/internal/store"
)

// Monitor is the periodic LB health loop. Only A and AAAA
// records carrying a health check are probed; the healthy flag drives the
// record's Enabled column, which the DNS servers filter on.
type Monitor struct {
	Store    *store.Store
	Interval time.Duration

	// OnHealthChanged, when set, observes healthy flips (wired to the
	// federation bus by the composition root).
	OnHealthChanged func(record *model.Record, healthy bool)

	state   *HealthState
	metrics *metrics.Metrics
}

// New builds a Monitor with the given check interval.
func New(st *store.Store, interval time.Duration) *Monitor {
	if interval == 0 {
		interval = 10 * time.Second
	}
	return &Monitor{
		Store:    st,
		Interval: interval,
		state:    NewHealthState(),
		metrics:  metrics.NewMetrics(),
	}
}

// Run loops until ctx is cancelled, probing every cycle.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunCycle()
		}
	}
}

// RunCycle walks every zone and probes every health-checked A/AAAA record
// once, then applies the group failsafe.
func (m *Monitor) RunCycle() {
	zones, err := m.Store.ListZones()
	if err != nil {
		log.Printf("lbmonitor: list zones: %v", err)
		return
	}

	groups := make(map[groupKey][]string)
	probed := make(map[string]struct{})
	recordsByID := make(map[string]*model.Record)

	for _, zone := range zones {
		records, err := m.Store.ListRecords(zone.ID)
		if err != nil {
			log.Printf("lbmonitor: list records for %s: %v", zone.Name, err)
			continue
		}
		for _, rec := range records {
			if rec.HealthCheck == nil {
				continue
			}
			if rec.Data.Type != model.TypeA && rec.Data.Type != model.TypeAAAA {
				continue
			}
			probed[rec.ID] = struct{}{}
			recordsByID[rec.ID] = rec
			key := groupKey{ZoneID: rec.ZoneID, Name: rec.Name, Type: string(rec.Data.Type)}
			groups[key] = append(groups[key], rec.ID)

			m.probeRecord(rec)
		}
	}

	for _, id := range m.state.FailsafeRecords(groups) {
		rec := recordsByID[id]
		if rec == nil || rec.Enabled {
			continue
		}
		rec.Enabled = true
		if err := m.Store.UpdateRecord(rec); err != nil {
			log.Printf("lbmonitor: failsafe enable %s: %v", id, err)
			continue
		}
		m.metrics.IncrementFailsafeEvents()
		log.Printf("lbmonitor: failsafe enabled %s (%s %s): all group members unhealthy", id, rec.Name, rec.Data.Type)
	}

	m.state.Forget(probed)
}

func (m *Monitor) probeRecord(rec *model.Record) {
	target := probeTarget(rec)
	success := Probe(rec.HealthCheck, target)
	if success {
		m.metrics.RecordProbeResult("healthy")
	} else {
		m.metrics.RecordProbeResult("unhealthy")
	}

	healthy, flipped := m.state.Apply(rec.ID, success,
		rec.HealthCheck.HealthyThreshold, rec.HealthCheck.UnhealthyThreshold)
	if !flipped {
		return
	}

	rec.Enabled = healthy
	if err := m.Store.UpdateRecord(rec); err != nil {
		log.Printf("lbmonitor: update record %s: %v", rec.ID, err)
		return
	}
	log.Printf("lbmonitor: %s (%s %s) is now %s", rec.ID, rec.Name, rec.Data.Type, healthyWord(healthy))
	if m.OnHealthChanged != nil {
		m.OnHealthChanged(rec, healthy)
	}
}

func probeTarget(rec *model.Record) string {
	switch rec.Data.Type {
	case model.TypeA:
		return rec.Data.A.String()
	case model.TypeAAAA:
		return rec.Data.AAAA.String()
	}
	return ""
}

func healthyWord(healthy bool) string {
	if healthy {
		return "healthy"
	}
	return "unhealthy"
}
