// Package store is the single source of truth for MicroDNS: an embedded,
// transactional key-value store holding zones, records, leases, IPAM
// allocations and zone-replication metadata, each in its own bbolt bucket
// with secondary indexes. bbolt's own write-lock serializes mutations;
// callers never need an extra layer of locking.
package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"microdns/internal/model"
	"microdns/internal/storeerr"
)

const (
	bucketZones           = "zones"
	bucketZoneNameIndex   = "zone_name_index"
	bucketRecords         = "records"
	bucketRecordsByZone   = "records_by_zone"
	bucketLeases          = "leases"
	bucketMACLeaseIndex   = "mac_lease_index"
	bucketIPLeaseIndex    = "ip_lease_index"
	bucketIpamAllocations = "ipam_allocations"
	bucketReplicationMeta = "replication_meta"
)

var allBuckets = []string{
	bucketZones,
	bucketZoneNameIndex,
	bucketRecords,
	bucketRecordsByZone,
	bucketLeases,
	bucketMACLeaseIndex,
	bucketIPLeaseIndex,
	bucketIpamAllocations,
	bucketReplicationMeta,
}

// Store is a handle onto the embedded database. It is safe to share by
// reference across every MicroDNS component; no component owns it
// exclusively.
type Store struct {
	db *bolt.DB
}

// Open creates (if needed) and opens the bbolt file at path, creating every
// bucket up front.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(b)); err != nil {
				return fmt.Errorf("store: create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

func newID() string { return uuid.NewString() }

func getJSON(b *bolt.Bucket, key string, out interface{}) (bool, error) {
	raw := b.Get([]byte(key))
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("store: decode %s: %w", key, err)
	}
	return true, nil
}

func putJSON(b *bolt.Bucket, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", key, err)
	}
	return b.Put([]byte(key), raw)
}

// ---- Zones ----------------------------------------------------------------

// CreateZone writes zone under a fresh id (or zone.ID if already set) and
// installs the name index in one transaction, failing with
// storeerr.ErrDuplicateZone if the name is already taken.
func (s *Store) CreateZone(name string, zone *model.Zone) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		nameIdx := tx.Bucket([]byte(bucketZoneNameIndex))
		if existing := nameIdx.Get([]byte(name)); existing != nil {
			return fmt.Errorf("store: zone %q: %w", name, storeerr.ErrDuplicateZone)
		}
		if zone.ID == "" {
			zone.ID = newID()
		}
		now := time.Now().UTC()
		zone.Name = name
		zone.CreatedAt = now
		zone.UpdatedAt = now
		zones := tx.Bucket([]byte(bucketZones))
		if err := putJSON(zones, zone.ID, zone); err != nil {
			return err
		}
		return nameIdx.Put([]byte(name), []byte(zone.ID))
	})
}

// UpsertZone inserts or updates a zone by ID. If the row already exists
// under a different name, the old name-index entry is removed and the new
// one installed.
func (s *Store) UpsertZone(zone *model.Zone) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		zones := tx.Bucket([]byte(bucketZones))
		nameIdx := tx.Bucket([]byte(bucketZoneNameIndex))

		if zone.ID == "" {
			zone.ID = newID()
		}
		var existing model.Zone
		found, err := getJSON(zones, zone.ID, &existing)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		if found {
			if existing.Name != zone.Name {
				nameIdx.Delete([]byte(existing.Name))
			}
			zone.CreatedAt = existing.CreatedAt
		} else {
			zone.CreatedAt = now
		}
		zone.UpdatedAt = now
		if err := putJSON(zones, zone.ID, zone); err != nil {
			return err
		}
		return nameIdx.Put([]byte(zone.Name), []byte(zone.ID))
	})
}

// DeleteZone removes the zone row, its name-index entry, every
// records_by_zone entry prefixed "{zoneID}:", and every record those
// entries list, atomically.
func (s *Store) DeleteZone(zoneID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		zones := tx.Bucket([]byte(bucketZones))
		var zone model.Zone
		found, err := getJSON(zones, zoneID, &zone)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("store: zone %q: %w", zoneID, storeerr.ErrZoneNotFound)
		}
		nameIdx := tx.Bucket([]byte(bucketZoneNameIndex))
		nameIdx.Delete([]byte(zone.Name))
		zones.Delete([]byte(zoneID))

		records := tx.Bucket([]byte(bucketRecords))
		byZone := tx.Bucket([]byte(bucketRecordsByZone))
		deleteZoneRecordsLocked(byZone, records, zoneID)
		return nil
	})
}

// deleteZoneRecordsLocked removes every records_by_zone entry prefixed
// "{zoneID}:" and every record it lists. Caller holds the write transaction.
func deleteZoneRecordsLocked(byZone, records *bolt.Bucket, zoneID string) {
	prefix := []byte(zoneID + ":")
	c := byZone.Cursor()
	var keys [][]byte
	for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
		for _, id := range splitIDs(string(v)) {
			records.Delete([]byte(id))
		}
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		byZone.Delete(k)
	}
}

// ReplaceZoneRecords atomically deletes every current record of zoneID and
// inserts newRecords, rebuilding index entries. Used by AXFR
// inbound and replication.
func (s *Store) ReplaceZoneRecords(zoneID string, newRecords []*model.Record) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		records := tx.Bucket([]byte(bucketRecords))
		byZone := tx.Bucket([]byte(bucketRecordsByZone))
		deleteZoneRecordsLocked(byZone, records, zoneID)

		now := time.Now().UTC()
		for _, r := range newRecords {
			if r.ID == "" {
				r.ID = newID()
			}
			r.ZoneID = zoneID
			r.CreatedAt = now
			r.UpdatedAt = now
			if err := putJSON(records, r.ID, r); err != nil {
				return err
			}
			if err := indexAddLocked(byZone, zoneID, r.Name, string(r.Data.Type), r.ID); err != nil {
				return err
			}
		}
		_, err := advanceSerialLocked(tx, zoneID)
		return err
	})
}

func recordsByZoneKey(zoneID, name string, rtype string) string {
	return fmt.Sprintf("%s:%s:%s", zoneID, strings.ToLower(name), rtype)
}

func splitIDs(v string) []string {
	if v == "" {
		return nil
	}
	return strings.Split(v, ",")
}

func joinIDs(ids []string) string { return strings.Join(ids, ",") }

func indexAddLocked(byZone *bolt.Bucket, zoneID, name, rtype, recordID string) error {
	key := []byte(recordsByZoneKey(zoneID, name, rtype))
	ids := splitIDs(string(byZone.Get(key)))
	for _, id := range ids {
		if id == recordID {
			return nil
		}
	}
	ids = append(ids, recordID)
	return byZone.Put(key, []byte(joinIDs(ids)))
}

func indexRemoveLocked(byZone *bolt.Bucket, zoneID, name, rtype, recordID string) error {
	key := []byte(recordsByZoneKey(zoneID, name, rtype))
	ids := splitIDs(string(byZone.Get(key)))
	out := ids[:0]
	for _, id := range ids {
		if id != recordID {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		return byZone.Delete(key)
	}
	return byZone.Put(key, []byte(joinIDs(out)))
}

// GetZone fetches a zone by id.
func (s *Store) GetZone(zoneID string) (*model.Zone, error) {
	var zone model.Zone
	err := s.db.View(func(tx *bolt.Tx) error {
		found, err := getJSON(tx.Bucket([]byte(bucketZones)), zoneID, &zone)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("store: zone %q: %w", zoneID, storeerr.ErrZoneNotFound)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &zone, nil
}

// GetZoneByName fetches a zone by its (non-FQDN) name via the name index.
func (s *Store) GetZoneByName(name string) (*model.Zone, error) {
	var zone model.Zone
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket([]byte(bucketZoneNameIndex)).Get([]byte(name))
		if id == nil {
			return fmt.Errorf("store: zone %q: %w", name, storeerr.ErrZoneNotFound)
		}
		found, err := getJSON(tx.Bucket([]byte(bucketZones)), string(id), &zone)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("store: zone %q: %w", name, storeerr.ErrZoneNotFound)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &zone, nil
}

// ListZones returns every zone in the store, in no particular order.
func (s *Store) ListZones() ([]*model.Zone, error) {
	var out []*model.Zone
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketZones)).ForEach(func(_, v []byte) error {
			var z model.Zone
			if err := json.Unmarshal(v, &z); err != nil {
				return err
			}
			out = append(out, &z)
			return nil
		})
	})
	return out, err
}

// FindZoneForFQDN returns the zone whose name is the longest suffix of fqdn.
func (s *Store) FindZoneForFQDN(fqdn string) (*model.Zone, error) {
	fqdn = strings.ToLower(strings.TrimSuffix(fqdn, "."))
	zones, err := s.ListZones()
	if err != nil {
		return nil, err
	}
	var best *model.Zone
	for _, z := range zones {
		name := strings.ToLower(z.Name)
		if fqdn == name || strings.HasSuffix(fqdn, "."+name) {
			if best == nil || len(name) > len(best.Name) {
				best = z
			}
		}
	}
	if best == nil {
		return nil, fmt.Errorf("store: no zone for %q: %w", fqdn, storeerr.ErrZoneNotFound)
	}
	return best, nil
}

// IncrementSOASerial reads the zone, advances its SOA serial (base =
// YYYYMMDD*100 in UTC; serial = max(current+1, base); never decrements)
// and writes it back, returning the new serial.
func (s *Store) IncrementSOASerial(zoneID string) (uint32, error) {
	var newSerial uint32
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		newSerial, err = advanceSerialLocked(tx, zoneID)
		return err
	})
	return newSerial, err
}

func advanceSerialLocked(tx *bolt.Tx, zoneID string) (uint32, error) {
	zones := tx.Bucket([]byte(bucketZones))
	var zone model.Zone
	found, err := getJSON(zones, zoneID, &zone)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("store: zone %q: %w", zoneID, storeerr.ErrZoneNotFound)
	}
	base := uint32(0)
	today := time.Now().UTC().Format("20060102")
	fmt.Sscanf(today, "%d", &base)
	base *= 100
	next := zone.SOA.Serial + 1
	if base > next {
		next = base
	}
	zone.SOA.Serial = next
	zone.UpdatedAt = time.Now().UTC()
	if err := putJSON(zones, zoneID, &zone); err != nil {
		return 0, err
	}
	return next, nil
}
