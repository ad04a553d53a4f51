package store

import (
	"encoding/json"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"microdns/internal/model"
)

// CreateLease writes the lease and updates both MAC and IP indexes in one
// transaction.
func (s *Store) CreateLease(lease *model.Lease) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if lease.ID == "" {
			lease.ID = newID()
		}
		leases := tx.Bucket([]byte(bucketLeases))
		if err := putJSON(leases, lease.ID, lease); err != nil {
			return err
		}
		macIdx := tx.Bucket([]byte(bucketMACLeaseIndex))
		ipIdx := tx.Bucket([]byte(bucketIPLeaseIndex))
		if err := macIdx.Put([]byte(strings.ToLower(lease.MACAddr)), []byte(lease.ID)); err != nil {
			return err
		}
		return ipIdx.Put([]byte(lease.IPAddr), []byte(lease.ID))
	})
}

// FindLeaseByMAC returns the lease for mac iff it is active and unexpired.
func (s *Store) FindLeaseByMAC(mac string) (*model.Lease, bool, error) {
	var lease model.Lease
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket([]byte(bucketMACLeaseIndex)).Get([]byte(strings.ToLower(mac)))
		if id == nil {
			return nil
		}
		ok, err := getJSON(tx.Bucket([]byte(bucketLeases)), string(id), &lease)
		if err != nil || !ok {
			return err
		}
		if lease.State == model.LeaseActive && lease.LeaseEnd.After(time.Now()) {
			found = true
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	return &lease, true, nil
}

// FindLeaseByIP returns any lease (regardless of state) currently indexed
// under ip, used by the pool allocator to reconcile lease/pool state.
func (s *Store) FindLeaseByIP(ip string) (*model.Lease, bool, error) {
	var lease model.Lease
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket([]byte(bucketIPLeaseIndex)).Get([]byte(ip))
		if id == nil {
			return nil
		}
		ok, err := getJSON(tx.Bucket([]byte(bucketLeases)), string(id), &lease)
		if err != nil {
			return err
		}
		found = ok
		return nil
	})
	return &lease, found, err
}

// ReleaseLeaseByMAC flips the lease state to released but leaves index rows
// in place until purge.
func (s *Store) ReleaseLeaseByMAC(mac string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		macIdx := tx.Bucket([]byte(bucketMACLeaseIndex))
		id := macIdx.Get([]byte(strings.ToLower(mac)))
		if id == nil {
			return nil
		}
		leases := tx.Bucket([]byte(bucketLeases))
		var lease model.Lease
		found, err := getJSON(leases, string(id), &lease)
		if err != nil || !found {
			return err
		}
		lease.State = model.LeaseReleased
		return putJSON(leases, lease.ID, &lease)
	})
}

// ListActiveLeases returns every lease currently in the active state.
func (s *Store) ListActiveLeases() ([]*model.Lease, error) {
	var out []*model.Lease
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketLeases)).ForEach(func(_, v []byte) error {
			var l model.Lease
			if err := json.Unmarshal(v, &l); err != nil {
				return err
			}
			if l.State == model.LeaseActive {
				out = append(out, &l)
			}
			return nil
		})
	})
	return out, err
}

// PurgeExpiredLeases deletes every lease (any state) whose LeaseEnd is older
// than retention, plus its index rows.
func (s *Store) PurgeExpiredLeases(retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention)
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		leases := tx.Bucket([]byte(bucketLeases))
		macIdx := tx.Bucket([]byte(bucketMACLeaseIndex))
		ipIdx := tx.Bucket([]byte(bucketIPLeaseIndex))

		var toDelete []*model.Lease
		err := leases.ForEach(func(_, v []byte) error {
			var l model.Lease
			if err := json.Unmarshal(v, &l); err != nil {
				return err
			}
			if l.LeaseEnd.Before(cutoff) {
				toDelete = append(toDelete, &l)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, l := range toDelete {
			leases.Delete([]byte(l.ID))
			if string(macIdx.Get([]byte(strings.ToLower(l.MACAddr)))) == l.ID {
				macIdx.Delete([]byte(strings.ToLower(l.MACAddr)))
			}
			if string(ipIdx.Get([]byte(l.IPAddr))) == l.ID {
				ipIdx.Delete([]byte(l.IPAddr))
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// DeleteLeaseByID removes a lease and both its index entries unconditionally.
func (s *Store) DeleteLeaseByID(leaseID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		leases := tx.Bucket([]byte(bucketLeases))
		var l model.Lease
		found, err := getJSON(leases, leaseID, &l)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		leases.Delete([]byte(leaseID))
		macIdx := tx.Bucket([]byte(bucketMACLeaseIndex))
		ipIdx := tx.Bucket([]byte(bucketIPLeaseIndex))
		if string(macIdx.Get([]byte(strings.ToLower(l.MACAddr)))) == leaseID {
			macIdx.Delete([]byte(strings.ToLower(l.MACAddr)))
		}
		if string(ipIdx.Get([]byte(l.IPAddr))) == leaseID {
			ipIdx.Delete([]byte(l.IPAddr))
		}
		return nil
	})
}
