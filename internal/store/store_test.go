package store

import (
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"microdns/internal/model"
	"microdns/internal/storeerr"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "microdns.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateZoneDuplicate(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.CreateZone("example.com", &model.Zone{SOA: model.SoaData{Mname: "ns1.example.com"}}))
	err := s.CreateZone("example.com", &model.Zone{})
	require.Error(t, err)
	require.True(t, errors.Is(err, storeerr.ErrDuplicateZone))
}

func TestRecordLifecycleAdvancesSerial(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.CreateZone("example.com", &model.Zone{SOA: model.SoaData{Serial: 1}}))
	zone, err := s.GetZoneByName("example.com")
	require.NoError(t, err)
	serial0 := zone.SOA.Serial

	rec := &model.Record{ZoneID: zone.ID, Name: "@", TTL: 60, Enabled: true, Data: model.RecordData{Type: model.TypeA, A: mustIP("10.0.0.1")}}
	require.NoError(t, s.CreateRecord(rec))

	zone, err = s.GetZone(zone.ID)
	require.NoError(t, err)
	require.Greater(t, zone.SOA.Serial, serial0)

	got, err := s.QueryRecords(zone.ID, "@", model.TypeA)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, rec.ID, got[0].ID)

	require.NoError(t, s.DeleteRecord(rec.ID))
	got, err = s.QueryRecords(zone.ID, "@", model.TypeA)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestDeleteZoneCascades(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.CreateZone("example.com", &model.Zone{}))
	zone, err := s.GetZoneByName("example.com")
	require.NoError(t, err)

	rec := &model.Record{ZoneID: zone.ID, Name: "@", Data: model.RecordData{Type: model.TypeA, A: mustIP("10.0.0.1")}}
	require.NoError(t, s.CreateRecord(rec))

	require.NoError(t, s.DeleteZone(zone.ID))
	_, err = s.GetZone(zone.ID)
	require.True(t, errors.Is(err, storeerr.ErrZoneNotFound))
	_, err = s.GetRecord(rec.ID)
	require.True(t, errors.Is(err, storeerr.ErrRecordNotFound))

	recs, err := s.ListRecords(zone.ID)
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestFindZoneForFQDNLongestSuffix(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.CreateZone("example.com", &model.Zone{}))
	require.NoError(t, s.CreateZone("foo.example.com", &model.Zone{}))

	zone, err := s.FindZoneForFQDN("bar.foo.example.com")
	require.NoError(t, err)
	require.Equal(t, "foo.example.com", zone.Name)

	zone, err = s.FindZoneForFQDN("other.example.com")
	require.NoError(t, err)
	require.Equal(t, "example.com", zone.Name)
}

func TestLeaseIndexesAndPurge(t *testing.T) {
	s := openTestStore(t)
	lease := &model.Lease{
		IPAddr:     "10.0.10.100",
		MACAddr:    "aa:bb:cc:dd:ee:ff",
		LeaseStart: time.Now().Add(-2 * time.Hour),
		LeaseEnd:   time.Now().Add(-25 * time.Hour),
		State:      model.LeaseActive,
	}
	require.NoError(t, s.CreateLease(lease))

	_, found, err := s.FindLeaseByMAC(lease.MACAddr)
	require.NoError(t, err)
	require.False(t, found, "lease end is in the past, must not be active")

	n, err := s.PurgeExpiredLeases(24 * time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, found, err = s.FindLeaseByIP(lease.IPAddr)
	require.NoError(t, err)
	require.False(t, found)
}

func TestIpamAllocateIdempotent(t *testing.T) {
	s := openTestStore(t)
	a1, existed, err := s.CreateIpamAllocation(&model.IpamAllocation{Pool: "p1", IP: "10.1.1.1", Container: "c1"})
	require.NoError(t, err)
	require.False(t, existed)

	a2, existed, err := s.CreateIpamAllocation(&model.IpamAllocation{Pool: "p1", IP: "10.1.1.2", Container: "c1"})
	require.NoError(t, err)
	require.True(t, existed)
	require.Equal(t, a1.ID, a2.ID)
}

func mustIP(s string) (ip net.IP) {
	ip = net.ParseIP(s)
	if ip == nil {
		panic("bad ip " + s)
	}
	return ip.To4()
}
