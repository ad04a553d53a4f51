package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"microdns/internal/model"
	"microdns/internal/storeerr"
)

// CreateRecord inserts a new record, indexes it, and advances the zone's
// SOA serial, all in one transaction.
func (s *Store) CreateRecord(record *model.Record) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if record.ID == "" {
			record.ID = newID()
		}
		now := time.Now().UTC()
		record.CreatedAt = now
		record.UpdatedAt = now

		records := tx.Bucket([]byte(bucketRecords))
		byZone := tx.Bucket([]byte(bucketRecordsByZone))
		if err := putJSON(records, record.ID, record); err != nil {
			return err
		}
		if err := indexAddLocked(byZone, record.ZoneID, record.Name, string(record.Data.Type), record.ID); err != nil {
			return err
		}
		_, err := advanceSerialLocked(tx, record.ZoneID)
		return err
	})
}

// UpdateRecord overwrites an existing record by ID, fixing up the
// records_by_zone index if the zone/name/type tuple changed, and advances
// the zone's SOA serial.
func (s *Store) UpdateRecord(record *model.Record) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		records := tx.Bucket([]byte(bucketRecords))
		byZone := tx.Bucket([]byte(bucketRecordsByZone))

		var existing model.Record
		found, err := getJSON(records, record.ID, &existing)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("store: record %q: %w", record.ID, storeerr.ErrRecordNotFound)
		}
		record.CreatedAt = existing.CreatedAt
		record.UpdatedAt = time.Now().UTC()

		sameSlot := existing.ZoneID == record.ZoneID &&
			strings.EqualFold(existing.Name, record.Name) &&
			existing.Data.Type == record.Data.Type
		if !sameSlot {
			if err := indexRemoveLocked(byZone, existing.ZoneID, existing.Name, string(existing.Data.Type), existing.ID); err != nil {
				return err
			}
			if err := indexAddLocked(byZone, record.ZoneID, record.Name, string(record.Data.Type), record.ID); err != nil {
				return err
			}
		}
		if err := putJSON(records, record.ID, record); err != nil {
			return err
		}
		_, err = advanceSerialLocked(tx, record.ZoneID)
		return err
	})
}

// DeleteRecord removes a record and its index entry, advancing the zone's
// SOA serial.
func (s *Store) DeleteRecord(recordID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		records := tx.Bucket([]byte(bucketRecords))
		byZone := tx.Bucket([]byte(bucketRecordsByZone))

		var existing model.Record
		found, err := getJSON(records, recordID, &existing)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("store: record %q: %w", recordID, storeerr.ErrRecordNotFound)
		}
		records.Delete([]byte(recordID))
		if err := indexRemoveLocked(byZone, existing.ZoneID, existing.Name, string(existing.Data.Type), existing.ID); err != nil {
			return err
		}
		_, err = advanceSerialLocked(tx, existing.ZoneID)
		return err
	})
}

// GetRecord fetches a single record by id.
func (s *Store) GetRecord(recordID string) (*model.Record, error) {
	var rec model.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		found, err := getJSON(tx.Bucket([]byte(bucketRecords)), recordID, &rec)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("store: record %q: %w", recordID, storeerr.ErrRecordNotFound)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// QueryRecords does an index lookup for (zoneID, name, type), filtered to
// enabled=true records only.
func (s *Store) QueryRecords(zoneID, name string, rtype model.RecordType) ([]*model.Record, error) {
	recs, err := s.lookupRecords(zoneID, name, rtype)
	if err != nil {
		return nil, err
	}
	out := recs[:0]
	for _, r := range recs {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) lookupRecords(zoneID, name string, rtype model.RecordType) ([]*model.Record, error) {
	var out []*model.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		byZone := tx.Bucket([]byte(bucketRecordsByZone))
		records := tx.Bucket([]byte(bucketRecords))
		raw := byZone.Get([]byte(recordsByZoneKey(zoneID, name, string(rtype))))
		for _, id := range splitIDs(string(raw)) {
			var r model.Record
			found, err := getJSON(records, id, &r)
			if err != nil {
				return err
			}
			if found {
				out = append(out, &r)
			}
		}
		return nil
	})
	return out, err
}

// ListRecords returns every record in a zone, with no enabled filter;
// callers that serve DNS must filter themselves.
func (s *Store) ListRecords(zoneID string) ([]*model.Record, error) {
	var out []*model.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketRecords)).ForEach(func(_, v []byte) error {
			var r model.Record
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.ZoneID == zoneID {
				out = append(out, &r)
			}
			return nil
		})
	})
	return out, err
}

// QueryFQDN iterates zones, picks the longest-suffix zone covering fqdn, and
// queries it with the derived relative name ("@" if fqdn == zone).
func (s *Store) QueryFQDN(fqdn string, rtype model.RecordType) ([]*model.Record, *model.Zone, error) {
	zone, err := s.FindZoneForFQDN(fqdn)
	if err != nil {
		return nil, nil, err
	}
	rel := relativeName(fqdn, zone.Name)
	recs, err := s.QueryRecords(zone.ID, rel, rtype)
	return recs, zone, err
}

func relativeName(fqdn, zoneName string) string {
	fqdn = strings.ToLower(strings.TrimSuffix(fqdn, "."))
	zoneName = strings.ToLower(zoneName)
	if fqdn == zoneName {
		return "@"
	}
	return strings.TrimSuffix(fqdn, "."+zoneName)
}
