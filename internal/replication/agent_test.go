package replication

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"microdns/internal/config"
	"microdns/internal/model"
	"microdns/internal/rpc"
	"microdns/internal/store"
)

type fakePeer struct {
	zones    []*rpc.ZoneMsg
	records  map[string][]*rpc.RecordMsg
	listErr  error
	dialErr  error
	closed   bool
	pullsFor map[string]int
}

func (f *fakePeer) ListZones(context.Context) (*rpc.ListZonesResponse, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return &rpc.ListZonesResponse{Zones: f.zones}, nil
}

func (f *fakePeer) ListRecords(_ context.Context, zoneID string) (*rpc.ListRecordsResponse, error) {
	if f.pullsFor == nil {
		f.pullsFor = make(map[string]int)
	}
	f.pullsFor[zoneID]++
	return &rpc.ListRecordsResponse{Records: f.records[zoneID]}, nil
}

func (f *fakePeer) Close() error {
	f.closed = true
	return nil
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "microdns.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testAgent(st *store.Store, peer *fakePeer) *Agent {
	a := New(st, []config.PeerConfig{{ID: "peer-1", Addr: "127.0.0.1", GRPCPort: 50051}}, time.Minute, 5*time.Minute, time.Second)
	a.Dial = func(string) (PeerClient, error) {
		if peer.dialErr != nil {
			return nil, peer.dialErr
		}
		return peer, nil
	}
	return a
}

func recordMsg(t *testing.T, id, zoneID, name string, data model.RecordData) *rpc.RecordMsg {
	t.Helper()
	raw, err := json.Marshal(&data)
	require.NoError(t, err)
	return &rpc.RecordMsg{Id: id, ZoneId: zoneID, Name: name, Type: string(data.Type), Ttl: 60, Enabled: true, DataJson: raw}
}

func TestPullAppliesZoneAndRecords(t *testing.T) {
	st := openTestStore(t)
	peer := &fakePeer{
		zones: []*rpc.ZoneMsg{{Id: "z1", Name: "a.com", Serial: 2024010101, DefaultTtl: 300}},
		records: map[string][]*rpc.RecordMsg{
			"z1": {
				recordMsg(t, "r1", "z1", "@", model.RecordData{Type: model.TypeA, A: mustIP(t, "10.0.0.1")}),
				{Id: "bad", ZoneId: "z1", Name: "x", Type: "A", DataJson: []byte(`{not json`)},
			},
		},
	}
	a := testAgent(st, peer)
	a.SyncAllPeers(context.Background())

	zone, err := st.GetZoneByName("a.com")
	require.NoError(t, err)
	require.Equal(t, "z1", zone.ID)

	recs, err := st.ListRecords("z1")
	require.NoError(t, err)
	require.Len(t, recs, 1, "unconvertible record is skipped, not fatal")

	meta, found, err := st.GetReplicationMeta("z1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint32(2024010101), meta.SourceSerial)
	require.Equal(t, "peer-1", meta.SourcePeerID)
	require.True(t, peer.closed)
}

func TestSerialGateSkipsUnchangedZone(t *testing.T) {
	st := openTestStore(t)
	peer := &fakePeer{
		zones: []*rpc.ZoneMsg{{Id: "z1", Name: "a.com", Serial: 5}},
		records: map[string][]*rpc.RecordMsg{
			"z1": {recordMsg(t, "r1", "z1", "@", model.RecordData{Type: model.TypeA, A: mustIP(t, "10.0.0.1")})},
		},
	}
	a := testAgent(st, peer)
	a.SyncAllPeers(context.Background())
	require.Equal(t, 1, peer.pullsFor["z1"])

	before, _, err := st.GetReplicationMeta("z1")
	require.NoError(t, err)

	// same serial again: meta refreshed, no record pull
	a.SyncAllPeers(context.Background())
	require.Equal(t, 1, peer.pullsFor["z1"])

	after, _, err := st.GetReplicationMeta("z1")
	require.NoError(t, err)
	require.False(t, after.LastSynced.Before(before.LastSynced))

	// serial advanced: pulled again
	peer.zones[0].Serial = 6
	a.SyncAllPeers(context.Background())
	require.Equal(t, 2, peer.pullsFor["z1"])
}

func TestTombstoneRemovedZones(t *testing.T) {
	st := openTestStore(t)
	peer := &fakePeer{
		zones: []*rpc.ZoneMsg{
			{Id: "za", Name: "a.com", Serial: 1},
			{Id: "zb", Name: "b.com", Serial: 1},
		},
		records: map[string][]*rpc.RecordMsg{},
	}
	a := testAgent(st, peer)
	a.SyncAllPeers(context.Background())

	_, err := st.GetZoneByName("a.com")
	require.NoError(t, err)
	_, err = st.GetZoneByName("b.com")
	require.NoError(t, err)

	peer.zones = peer.zones[:1] // peer stops advertising b.com
	a.SyncAllPeers(context.Background())

	_, err = st.GetZoneByName("a.com")
	require.NoError(t, err)
	_, err = st.GetZoneByName("b.com")
	require.Error(t, err, "tombstoned zone is gone")

	metas, err := st.ListReplicationMeta()
	require.NoError(t, err)
	require.Len(t, metas, 1)
	require.Equal(t, "za", metas[0].ZoneID)
}

func TestUnreachablePeerKeepsServingStale(t *testing.T) {
	st := openTestStore(t)
	peer := &fakePeer{
		zones:   []*rpc.ZoneMsg{{Id: "z1", Name: "a.com", Serial: 1}},
		records: map[string][]*rpc.RecordMsg{},
	}
	a := testAgent(st, peer)
	a.SyncAllPeers(context.Background())

	peer.dialErr = errors.New("connection refused")
	a.SyncAllPeers(context.Background())

	// the replicated zone is still served
	_, err := st.GetZoneByName("a.com")
	require.NoError(t, err)
}

func mustIP(t *testing.T, s string) net.IP {
	t.Helper()
	ip := net.ParseIP(s)
	require.NotNil(t, ip)
	return ip.To4()
}
