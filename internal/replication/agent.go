// Package replication pulls authoritative zones from configured peers over
// the Peer RPC surface: serial-gated, stale-tolerant, with explicit
// tombstoning of zones a peer stops advertising.
package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"microdns/internal/config"
	"microdns/internal/metrics"
	"microdns/internal/model"
	"microdns/internal/rpc"
	"microdns/internal/store"
)

// PeerClient is the slice of the RPC client replication needs; rpc.Client
// satisfies it.
type PeerClient interface {
	ListZones(ctx context.Context) (*rpc.ListZonesResponse, error)
	ListRecords(ctx context.Context, zoneID string) (*rpc.ListRecordsResponse, error)
	Close() error
}

// Dialer opens a PeerClient for addr.
type Dialer func(addr string) (PeerClient, error)

func defaultDialer(addr string) (PeerClient, error) {
	return rpc.Dial(addr)
}

// Agent is the peer-pull replication loop.
type Agent struct {
	Store          *store.Store
	Peers          []config.PeerConfig
	PullInterval   time.Duration
	StaleThreshold time.Duration
	PeerTimeout    time.Duration
	Dial           Dialer

	metrics *metrics.Metrics
}

// New builds an Agent, substituting the documented defaults for any zero
// interval.
func New(st *store.Store, peers []config.PeerConfig, pullInterval, staleThreshold, peerTimeout time.Duration) *Agent {
	if pullInterval == 0 {
		pullInterval = 60 * time.Second
	}
	if staleThreshold == 0 {
		staleThreshold = 300 * time.Second
	}
	if peerTimeout == 0 {
		peerTimeout = 10 * time.Second
	}
	return &Agent{
		Store:          st,
		Peers:          peers,
		PullInterval:   pullInterval,
		StaleThreshold: staleThreshold,
		PeerTimeout:    peerTimeout,
		Dial:           defaultDialer,
		metrics:        metrics.NewMetrics(),
	}
}

// Run loops until ctx is cancelled, syncing every pull interval.
func (a *Agent) Run(ctx context.Context) {
	ticker := time.NewTicker(a.PullInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.SyncAllPeers(ctx)
		}
	}
}

// SyncAllPeers syncs each configured peer in turn. Failures are isolated
// per peer and never abort the loop.
func (a *Agent) SyncAllPeers(ctx context.Context) {
	for _, peer := range a.Peers {
		if err := a.SyncPeer(ctx, peer); err != nil {
			a.logPeerUnreachable(peer, err)
		}
	}
}

// SyncPeer pulls from one peer: list zones, pull the ones whose serial
// advanced, refresh meta for the rest, tombstone the disappeared.
func (a *Agent) SyncPeer(ctx context.Context, peer config.PeerConfig) error {
	addr := fmt.Sprintf("%s:%d", peer.Addr, peer.GRPCPort)
	client, err := a.Dial(addr)
	if err != nil {
		return err
	}
	defer client.Close()

	callCtx, cancel := context.WithTimeout(ctx, a.PeerTimeout)
	zones, err := client.ListZones(callCtx)
	cancel()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	seen := make(map[string]struct{}, len(zones.Zones))
	for _, zmsg := range zones.Zones {
		seen[zmsg.Id] = struct{}{}
		if err := a.syncZone(ctx, client, peer, zmsg, now); err != nil {
			a.metrics.RecordReplicationPull("failed")
			log.Printf("replication: sync zone %s from %s: %v", zmsg.Name, peer.ID, err)
		}
	}

	// Explicit tombstoning: anything previously sourced from this peer but
	// absent from its current listing goes away, zone and records and meta.
	metas, err := a.Store.GetZonesForPeer(peer.ID)
	if err != nil {
		return err
	}
	for _, meta := range metas {
		if _, ok := seen[meta.ZoneID]; ok {
			continue
		}
		log.Printf("replication: peer %s no longer advertises %s, deleting", peer.ID, meta.ZoneName)
		if err := a.Store.DeleteZone(meta.ZoneID); err != nil {
			log.Printf("replication: delete tombstoned zone %s: %v", meta.ZoneName, err)
		}
		if err := a.Store.DeleteReplicationMeta(meta.ZoneID); err != nil {
			log.Printf("replication: delete meta for %s: %v", meta.ZoneName, err)
		}
	}

	a.metrics.SetReplicationLag(peer.ID, 0)
	return nil
}

func (a *Agent) syncZone(ctx context.Context, client PeerClient, peer config.PeerConfig, zmsg *rpc.ZoneMsg, now time.Time) error {
	meta, found, err := a.Store.GetReplicationMeta(zmsg.Id)
	if err != nil {
		return err
	}
	if found && meta.SourceSerial >= zmsg.Serial {
		meta.LastSynced = now
		a.metrics.RecordReplicationPull("skipped")
		return a.Store.SetReplicationMeta(meta)
	}

	callCtx, cancel := context.WithTimeout(ctx, a.PeerTimeout)
	records, err := client.ListRecords(callCtx, zmsg.Id)
	cancel()
	if err != nil {
		return err
	}

	zone := &model.Zone{
		ID:   zmsg.Id,
		Name: zmsg.Name,
		SOA: model.SoaData{
			Mname:   zmsg.Mname,
			Rname:   zmsg.Rname,
			Serial:  zmsg.Serial,
			Refresh: zmsg.Refresh,
			Retry:   zmsg.Retry,
			Expire:  zmsg.Expire,
			Minimum: zmsg.Minimum,
		},
		DefaultTTL: zmsg.DefaultTtl,
	}
	if err := a.Store.UpsertZone(zone); err != nil {
		return err
	}
	if err := a.Store.ReplaceZoneRecords(zone.ID, convertRecords(records.Records, zmsg.Name)); err != nil {
		return err
	}
	a.metrics.RecordReplicationPull("applied")
	log.Printf("replication: pulled %s from %s (serial %d)", zmsg.Name, peer.ID, zmsg.Serial)
	return a.Store.SetReplicationMeta(&model.ReplicationMeta{
		ZoneID:       zmsg.Id,
		ZoneName:     zmsg.Name,
		SourcePeerID: peer.ID,
		LastSynced:   now,
		SourceSerial: zmsg.Serial,
	})
}

// convertRecords converts wire records, skipping (with a log line, not an
// error) any record that fails to convert.
func convertRecords(msgs []*rpc.RecordMsg, zoneName string) []*model.Record {
	out := make([]*model.Record, 0, len(msgs))
	for _, m := range msgs {
		var data model.RecordData
		if err := json.Unmarshal(m.DataJson, &data); err != nil {
			log.Printf("replication: skipping record %s in %s: %v", m.Id, zoneName, err)
			continue
		}
		out = append(out, &model.Record{
			ID:      m.Id,
			Name:    m.Name,
			TTL:     m.Ttl,
			Enabled: m.Enabled,
			Data:    data,
		})
	}
	return out
}

// logPeerUnreachable downgrades to a quiet line unless some zone
// replicated from the peer has gone stale past the threshold. Serving
// continues from stale data either way.
func (a *Agent) logPeerUnreachable(peer config.PeerConfig, cause error) {
	metas, err := a.Store.GetZonesForPeer(peer.ID)
	if err != nil {
		log.Printf("replication: list zones for peer %s: %v", peer.ID, err)
		return
	}
	now := time.Now().UTC()
	var oldest time.Duration
	stale := false
	for _, m := range metas {
		age := now.Sub(m.LastSynced)
		if age > oldest {
			oldest = age
		}
		if age > a.StaleThreshold {
			stale = true
		}
	}
	if len(metas) > 0 {
		a.metrics.SetReplicationLag(peer.ID, oldest.Seconds())
	}
	if stale {
		log.Printf("replication: WARNING peer %s unreachable, replicated zones stale for %s: %v", peer.ID, oldest.Round(time.Second), cause)
	} else {
		log.Printf("replication: peer %s unreachable, will retry: %v", peer.ID, cause)
	}
}
