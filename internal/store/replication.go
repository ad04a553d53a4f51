package store

import (
	"encoding/json"

	bolt "go.etcd.io/bbolt"

	"microdns/internal/model"
)

// SetReplicationMeta creates or overwrites the replication metadata for a
// zone.
func (s *Store) SetReplicationMeta(meta *model.ReplicationMeta) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket([]byte(bucketReplicationMeta)), meta.ZoneID, meta)
	})
}

// GetReplicationMeta fetches replication metadata for a zone, if present.
func (s *Store) GetReplicationMeta(zoneID string) (*model.ReplicationMeta, bool, error) {
	var meta model.ReplicationMeta
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		found, err = getJSON(tx.Bucket([]byte(bucketReplicationMeta)), zoneID, &meta)
		return err
	})
	if err != nil || !found {
		return nil, found, err
	}
	return &meta, true, nil
}

// ListReplicationMeta returns every replication metadata row.
func (s *Store) ListReplicationMeta() ([]*model.ReplicationMeta, error) {
	var out []*model.ReplicationMeta
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketReplicationMeta)).ForEach(func(_, v []byte) error {
			var m model.ReplicationMeta
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			out = append(out, &m)
			return nil
		})
	})
	return out, err
}

// DeleteReplicationMeta removes the replication metadata row for a zone.
func (s *Store) DeleteReplicationMeta(zoneID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketReplicationMeta)).Delete([]byte(zoneID))
	})
}

// GetZonesForPeer filters the replication metadata list down to zones
// sourced from peerID.
func (s *Store) GetZonesForPeer(peerID string) ([]*model.ReplicationMeta, error) {
	all, err := s.ListReplicationMeta()
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, m := range all {
		if m.SourcePeerID == peerID {
			out = append(out, m)
		}
	}
	return out, nil
}
