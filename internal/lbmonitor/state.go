// Package lbmonitor runs the load-balancer health loop: periodic probes over
// every A/AAAA record carrying a health check, per-record hysteresis, and the group
// failsafe that keeps one record enabled when a whole group goes dark.
package lbmonitor

import (
	"sort"
	"sync"
)

// RecordHealth is the per-record hysteresis state. Records start healthy
// (optimistic).
type RecordHealth struct {
	SuccessCount uint32
	FailureCount uint32
	Healthy      bool
}

// RecordResult applies one probe outcome and reports whether the healthy
// flag flipped.
func (h *RecordHealth) RecordResult(success bool, healthyThreshold, unhealthyThreshold uint32) (flipped bool) {
	if success {
		h.SuccessCount++
		h.FailureCount = 0
		if !h.Healthy && h.SuccessCount >= healthyThreshold {
			h.Healthy = true
			return true
		}
		return false
	}
	h.FailureCount++
	h.SuccessCount = 0
	if h.Healthy && h.FailureCount >= unhealthyThreshold {
		h.Healthy = false
		return true
	}
	return false
}

// groupKey identifies a failsafe group: records sharing (zone, name, type).
type groupKey struct {
	ZoneID string
	Name   string
	Type   string
}

// HealthState tracks hysteresis state for every probed record. Transitions
// are computed under the lock; store writes happen outside it.
type HealthState struct {
	mu      sync.Mutex
	records map[string]*RecordHealth // record ID -> state
}

// NewHealthState returns an empty HealthState.
func NewHealthState() *HealthState {
	return &HealthState{records: make(map[string]*RecordHealth)}
}

// Apply records one probe outcome for recordID and returns the record's
// current healthy flag plus whether it just flipped.
func (s *HealthState) Apply(recordID string, success bool, healthyThreshold, unhealthyThreshold uint32) (healthy, flipped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.records[recordID]
	if !ok {
		h = &RecordHealth{Healthy: true}
		s.records[recordID] = h
	}
	flipped = h.RecordResult(success, healthyThreshold, unhealthyThreshold)
	return h.Healthy, flipped
}

// Healthy reports the current healthy flag for recordID; unknown records are
// healthy (optimistic start).
func (s *HealthState) Healthy(recordID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.records[recordID]
	if !ok {
		return true
	}
	return h.Healthy
}

// Forget drops state for records no longer probed.
func (s *HealthState) Forget(keep map[string]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.records {
		if _, ok := keep[id]; !ok {
			delete(s.records, id)
		}
	}
}

// FailsafeRecords returns, for each group of >=2 records that are all
// unhealthy, the single member to force-enable. The choice is made
// deterministic by sorting record IDs and taking the first. The underlying
// hysteresis state is not touched.
func (s *HealthState) FailsafeRecords(groups map[groupKey][]string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for _, ids := range groups {
		if len(ids) < 2 {
			continue
		}
		allUnhealthy := true
		for _, id := range ids {
			if h, ok := s.records[id]; !ok || h.Healthy {
				allUnhealthy = false
				break
			}
		}
		if !allUnhealthy {
			continue
		}
		sorted := append([]string(nil), ids...)
		sort.Strings(sorted)
		out = append(out, sorted[0])
	}
	return out
}
