package federation

import (
	"sync"
	"time"
)

// InstanceStatus is one row of the coordinator's heartbeat table.
type InstanceStatus struct {
	InstanceID   string    `json:"instance_id"`
	Mode         string    `json:"mode"`
	UptimeSecs   uint64    `json:"uptime_secs"`
	ActiveLeases int       `json:"active_leases"`
	ZonesServed  int       `json:"zones_served"`
	LastSeen     time.Time `json:"last_seen"`
	Healthy      bool      `json:"healthy"`
}

// Tracker is the per-coordinator heartbeat table. An
// instance is healthy while its last heartbeat is younger than timeout;
// entries older than 3x timeout are pruned.
type Tracker struct {
	mu        sync.RWMutex
	timeout   time.Duration
	instances map[string]*InstanceStatus
}

// NewTracker builds a Tracker with the given staleness timeout.
func NewTracker(timeout time.Duration) *Tracker {
	return &Tracker{
		timeout:   timeout,
		instances: make(map[string]*InstanceStatus),
	}
}

// RecordHeartbeat upserts the instance row with last_seen=now, healthy=true.
func (t *Tracker) RecordHeartbeat(instanceID string, hb *HeartbeatPayload) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.instances[instanceID] = &InstanceStatus{
		InstanceID:   instanceID,
		Mode:         hb.Mode,
		UptimeSecs:   hb.UptimeSecs,
		ActiveLeases: hb.ActiveLeases,
		ZonesServed:  hb.ZonesServed,
		LastSeen:     time.Now(),
		Healthy:      true,
	}
}

// GetAllStatus refreshes every row's healthy flag against the timeout and
// returns a snapshot.
func (t *Tracker) GetAllStatus() []*InstanceStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	out := make([]*InstanceStatus, 0, len(t.instances))
	for _, st := range t.instances {
		st.Healthy = now.Sub(st.LastSeen) < t.timeout
		cp := *st
		out = append(out, &cp)
	}
	return out
}

// GetInstanceStatus returns one instance row, if known.
func (t *Tracker) GetInstanceStatus(instanceID string) (*InstanceStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.instances[instanceID]
	if !ok {
		return nil, false
	}
	cp := *st
	cp.Healthy = time.Since(cp.LastSeen) < t.timeout
	return &cp, true
}

// PruneStale deletes entries whose last heartbeat is older than 3x the
// timeout, returning how many were removed.
func (t *Tracker) PruneStale() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := time.Now().Add(-3 * t.timeout)
	removed := 0
	for id, st := range t.instances {
		if st.LastSeen.Before(cutoff) {
			delete(t.instances, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked instances.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.instances)
}
