package lbmonitor

import (
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"microdns/internal/model"
	"microdns/internal/store"
)

func TestHysteresisTransitions(t *testing.T) {
	h := &RecordHealth{Healthy: true}

	// two failures needed to go unhealthy
	require.False(t, h.RecordResult(false, 2, 2))
	require.True(t, h.Healthy)
	require.True(t, h.RecordResult(false, 2, 2))
	require.False(t, h.Healthy)

	// a single success resets the failure count but does not flip yet
	require.False(t, h.RecordResult(true, 2, 2))
	require.False(t, h.Healthy)
	require.True(t, h.RecordResult(true, 2, 2))
	require.True(t, h.Healthy)

	// interleaved failure resets the success streak
	h = &RecordHealth{}
	require.False(t, h.RecordResult(true, 3, 3))
	require.False(t, h.RecordResult(false, 3, 3))
	require.Equal(t, uint32(0), h.SuccessCount)
}

func TestFailsafePicksDeterministicMember(t *testing.T) {
	s := NewHealthState()
	for _, id := range []string{"b-record", "a-record", "c-record"} {
		s.Apply(id, false, 1, 1)
	}
	groups := map[groupKey][]string{
		{ZoneID: "z", Name: "www", Type: "A"}: {"b-record", "a-record", "c-record"},
	}
	picked := s.FailsafeRecords(groups)
	require.Equal(t, []string{"a-record"}, picked)
}

func TestFailsafeSkipsGroupsWithHealthyMember(t *testing.T) {
	s := NewHealthState()
	s.Apply("one", false, 1, 1)
	s.Apply("two", true, 1, 1)
	groups := map[groupKey][]string{
		{ZoneID: "z", Name: "www", Type: "A"}: {"one", "two"},
	}
	require.Empty(t, s.FailsafeRecords(groups))

	// single-member groups never trigger the failsafe
	groups = map[groupKey][]string{
		{ZoneID: "z", Name: "solo", Type: "A"}: {"one"},
	}
	require.Empty(t, s.FailsafeRecords(groups))
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "microdns.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// unreachableEndpoint reserves a port and closes it, so TCP probes against
// it get connection refused.
func unreachableEndpoint(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestCycleDisablesUnhealthyAndFailsafes(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.CreateZone("example.com", &model.Zone{}))
	zone, err := st.GetZoneByName("example.com")
	require.NoError(t, err)

	endpoint := unreachableEndpoint(t)
	check := &model.HealthCheck{
		ProbeType:          model.ProbeTCP,
		Endpoint:           endpoint,
		TimeoutSecs:        1,
		HealthyThreshold:   1,
		UnhealthyThreshold: 2,
	}
	mk := func(ip string) *model.Record {
		r := &model.Record{
			ZoneID:      zone.ID,
			Name:        "www",
			TTL:         60,
			Enabled:     true,
			HealthCheck: check,
			Data:        model.RecordData{Type: model.TypeA, A: net.ParseIP(ip).To4()},
		}
		require.NoError(t, st.CreateRecord(r))
		return r
	}
	r1 := mk("127.0.0.1")
	r2 := mk("127.0.0.2")

	m := New(st, 0)
	m.RunCycle() // failure 1 of 2: still healthy
	m.RunCycle() // failure 2: both flip unhealthy, failsafe enables one

	g1, err := st.GetRecord(r1.ID)
	require.NoError(t, err)
	g2, err := st.GetRecord(r2.ID)
	require.NoError(t, err)

	enabled := 0
	if g1.Enabled {
		enabled++
	}
	if g2.Enabled {
		enabled++
	}
	require.Equal(t, 1, enabled, "exactly one group member stays enabled")

	want := r1.ID
	if r2.ID < want {
		want = r2.ID
	}
	if g1.Enabled {
		require.Equal(t, want, g1.ID)
	} else {
		require.Equal(t, want, g2.ID)
	}
}

func TestCycleRecoversViaLocalListener(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.CreateZone("example.com", &model.Zone{}))
	zone, err := st.GetZoneByName("example.com")
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	rec := &model.Record{
		ZoneID:  zone.ID,
		Name:    "api",
		TTL:     60,
		Enabled: true,
		HealthCheck: &model.HealthCheck{
			ProbeType:          model.ProbeTCP,
			Endpoint:           ln.Addr().String(),
			TimeoutSecs:        1,
			HealthyThreshold:   1,
			UnhealthyThreshold: 1,
		},
		Data: model.RecordData{Type: model.TypeA, A: net.ParseIP("127.0.0.1").To4()},
	}
	require.NoError(t, st.CreateRecord(rec))

	m := New(st, 0)
	m.RunCycle()

	got, err := st.GetRecord(rec.ID)
	require.NoError(t, err)
	require.True(t, got.Enabled, "record probed against a live listener stays enabled")
}

func TestPortFromEndpoint(t *testing.T) {
	require.Equal(t, "8080", portFromEndpoint("10.0.0.1:8080"))
	require.Equal(t, "9000", portFromEndpoint("http://host:9000/health"))
	require.Equal(t, "80", portFromEndpoint(""))
	require.Equal(t, "80", portFromEndpoint("plainhost"))
}
