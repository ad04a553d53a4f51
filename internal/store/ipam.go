package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"microdns/internal/model"
)

// CreateIpamAllocation writes a new IPAM allocation. If one already exists
// for (pool, container) it is returned unchanged instead (the REST layer
// maps this to a 200-not-201 response).
func (s *Store) CreateIpamAllocation(alloc *model.IpamAllocation) (*model.IpamAllocation, bool, error) {
	var result model.IpamAllocation
	var existed bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketIpamAllocations))
		var found *model.IpamAllocation
		err := b.ForEach(func(_, v []byte) error {
			var a model.IpamAllocation
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.Pool == alloc.Pool && a.Container == alloc.Container {
				found = &a
			}
			return nil
		})
		if err != nil {
			return err
		}
		if found != nil {
			result = *found
			existed = true
			return nil
		}
		if alloc.ID == "" {
			alloc.ID = newID()
		}
		alloc.CreatedAt = time.Now().UTC()
		if err := putJSON(b, alloc.ID, alloc); err != nil {
			return err
		}
		result = *alloc
		return nil
	})
	return &result, existed, err
}

// GetIpamAllocation fetches one allocation by id.
func (s *Store) GetIpamAllocation(id string) (*model.IpamAllocation, error) {
	var a model.IpamAllocation
	err := s.db.View(func(tx *bolt.Tx) error {
		found, err := getJSON(tx.Bucket([]byte(bucketIpamAllocations)), id, &a)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("store: ipam allocation %q not found", id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListIpamAllocations returns every allocation, optionally filtered by pool
// (empty pool returns all).
func (s *Store) ListIpamAllocations(pool string) ([]*model.IpamAllocation, error) {
	var out []*model.IpamAllocation
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketIpamAllocations)).ForEach(func(_, v []byte) error {
			var a model.IpamAllocation
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if pool == "" || a.Pool == pool {
				out = append(out, &a)
			}
			return nil
		})
	})
	return out, err
}

// DeleteIpamAllocation removes an allocation by id; no-op if absent.
func (s *Store) DeleteIpamAllocation(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketIpamAllocations)).Delete([]byte(id))
	})
}
