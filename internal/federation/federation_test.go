package federation

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"microdns/internal/model"
	"microdns/internal/store"
)

func TestMatchTopic(t *testing.T) {
	cases := []struct {
		pattern, topic string
		want           bool
	}{
		{"microdns.*.heartbeat", "microdns.leaf-1.heartbeat", true},
		{"microdns.*.heartbeat", "microdns.leaf-1.leases", false},
		{"microdns.*.heartbeat", "microdns.a.b.heartbeat", false}, // * is single-segment
		{"microdns.leaf-1.config", "microdns.leaf-1.config", true},
		{"microdns.*.config", "microdns.leaf.config.extra", false},
		{"microdns.*.*", "microdns.leaf-1.dns", true},
		{"microdns.lea.heartbeat", "microdns.leaf.heartbeat", false}, // never substring
	}
	for _, c := range cases {
		require.Equal(t, c.want, MatchTopic(c.pattern, c.topic), "%s vs %s", c.pattern, c.topic)
	}
}

func TestEventSuffixes(t *testing.T) {
	require.Equal(t, "leases", (&Event{Type: EventLeaseCreated}).Suffix())
	require.Equal(t, "leases", (&Event{Type: EventLeaseReleased}).Suffix())
	require.Equal(t, "dns", (&Event{Type: EventZoneChanged}).Suffix())
	require.Equal(t, "health", (&Event{Type: EventHealthChanged}).Suffix())
	require.Equal(t, "heartbeat", (&Event{Type: EventHeartbeat}).Suffix())
	require.Equal(t, "config", (&Event{Type: EventConfigPush}).Suffix())
}

func TestMemoryBusDelivery(t *testing.T) {
	bus := NewMemoryBus("microdns")
	defer bus.Close()

	ch, cancel, err := bus.Subscribe("microdns.*.heartbeat")
	require.NoError(t, err)
	defer cancel()

	ev := &Event{
		Type:       EventHeartbeat,
		InstanceID: "leaf-1",
		Heartbeat:  &HeartbeatPayload{Mode: "leaf", ActiveLeases: 3},
	}
	require.NoError(t, bus.Publish(context.Background(), ev))

	select {
	case got := <-ch:
		require.Equal(t, "leaf-1", got.InstanceID)
		require.Equal(t, 3, got.Heartbeat.ActiveLeases)
	case <-time.After(time.Second):
		t.Fatal("heartbeat not delivered")
	}

	// an event on another suffix is not delivered
	require.NoError(t, bus.Publish(context.Background(), &Event{Type: EventZoneChanged, InstanceID: "leaf-1"}))
	select {
	case got := <-ch:
		t.Fatalf("unexpected delivery: %v", got.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOversizeConfigPushRejected(t *testing.T) {
	bus := NewMemoryBus("microdns")
	defer bus.Close()

	ev := &Event{
		Type:       EventConfigPush,
		InstanceID: "coord",
		ConfigPush: &ConfigPush{
			Source:    "coord",
			Payload:   ConfigPayload{Type: PayloadConfigUpdate, ConfigTOML: strings.Repeat("x", MaxConfigPayloadBytes+1)},
			Timestamp: time.Now(),
		},
	}
	err := bus.Publish(context.Background(), ev)
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestTrackerHeartbeatAndPrune(t *testing.T) {
	tr := NewTracker(50 * time.Millisecond)
	tr.RecordHeartbeat("leaf-1", &HeartbeatPayload{Mode: "leaf", ActiveLeases: 2, ZonesServed: 5})

	st, ok := tr.GetInstanceStatus("leaf-1")
	require.True(t, ok)
	require.True(t, st.Healthy)
	require.Equal(t, 5, st.ZonesServed)

	time.Sleep(60 * time.Millisecond)
	all := tr.GetAllStatus()
	require.Len(t, all, 1)
	require.False(t, all[0].Healthy, "timeout exceeded, unhealthy")
	require.Equal(t, 0, tr.PruneStale(), "not yet past 3x timeout")

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, tr.PruneStale())
	require.Equal(t, 0, tr.Len())
}

func TestConfigSyncZoneApply(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "microdns.db"))
	require.NoError(t, err)
	defer st.Close()

	agent := &ConfigSyncAgent{Store: st, InstanceID: "leaf-1", Prefix: "microdns"}

	zone := model.Zone{ID: "z1", Name: "pushed.example", SOA: model.SoaData{Serial: 7}}
	records := []*model.Record{
		{Name: "@", TTL: 60, Enabled: true, Data: model.RecordData{Type: model.TypeTXT, TXT: "hello"}},
	}
	zoneJSON, _ := json.Marshal(zone)
	recordsJSON, _ := json.Marshal(records)

	ev := &Event{
		Type:       EventConfigPush,
		InstanceID: "coord",
		ConfigPush: &ConfigPush{
			Source:    "coord",
			Target:    "leaf-1",
			Payload:   ConfigPayload{Type: PayloadZoneSync, ZoneJSON: zoneJSON, RecordsJSON: recordsJSON},
			Timestamp: time.Now(),
		},
	}
	require.NoError(t, agent.Handle(ev))

	got, err := st.GetZoneByName("pushed.example")
	require.NoError(t, err)
	require.Equal(t, "z1", got.ID)
	recs, err := st.ListRecords("z1")
	require.NoError(t, err)
	require.Len(t, recs, 1)

	// a push targeted at another instance is ignored
	other := *ev
	otherPush := *ev.ConfigPush
	otherPush.Target = "leaf-2"
	otherPush.Payload = ConfigPayload{Type: PayloadZoneSync, ZoneJSON: []byte(`{"id":"z2","name":"no.example"}`)}
	other.ConfigPush = &otherPush
	require.NoError(t, agent.Handle(&other))
	_, err = st.GetZoneByName("no.example")
	require.Error(t, err)
}
