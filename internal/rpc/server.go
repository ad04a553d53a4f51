package rpc

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"time"

	"google.golang.org/grpc"

	"microdns/internal/federation"
	"microdns/internal/store"
)

// PeerServer is the service interface from microdns.proto.
type PeerServer interface {
	ListZones(context.Context, *ListZonesRequest) (*ListZonesResponse, error)
	ListRecords(context.Context, *ListRecordsRequest) (*ListRecordsResponse, error)
	Heartbeat(context.Context, *HeartbeatRequest) (*HeartbeatResponse, error)
	GetClusterStatus(context.Context, *ClusterStatusRequest) (*ClusterStatusResponse, error)
}

// Server implements PeerServer over the store and heartbeat tracker.
type Server struct {
	Store   *store.Store
	Tracker *federation.Tracker // nil on non-coordinators
}

// ListZones returns every local zone with its SOA tuple.
func (s *Server) ListZones(_ context.Context, _ *ListZonesRequest) (*ListZonesResponse, error) {
	zones, err := s.Store.ListZones()
	if err != nil {
		return nil, err
	}
	resp := &ListZonesResponse{}
	for _, z := range zones {
		resp.Zones = append(resp.Zones, &ZoneMsg{
			Id:         z.ID,
			Name:       z.Name,
			Mname:      z.SOA.Mname,
			Rname:      z.SOA.Rname,
			Serial:     z.SOA.Serial,
			Refresh:    z.SOA.Refresh,
			Retry:      z.SOA.Retry,
			Expire:     z.SOA.Expire,
			Minimum:    z.SOA.Minimum,
			DefaultTtl: z.DefaultTTL,
		})
	}
	return resp, nil
}

// ListRecords returns every record of one zone, data as persisted JSON.
func (s *Server) ListRecords(_ context.Context, req *ListRecordsRequest) (*ListRecordsResponse, error) {
	records, err := s.Store.ListRecords(req.ZoneId)
	if err != nil {
		return nil, err
	}
	resp := &ListRecordsResponse{}
	for _, r := range records {
		dataJSON, err := json.Marshal(&r.Data)
		if err != nil {
			log.Printf("rpc: encode record %s data: %v", r.ID, err)
			continue
		}
		resp.Records = append(resp.Records, &RecordMsg{
			Id:       r.ID,
			ZoneId:   r.ZoneID,
			Name:     r.Name,
			Type:     string(r.Data.Type),
			Ttl:      r.TTL,
			Enabled:  r.Enabled,
			DataJson: dataJSON,
		})
	}
	return resp, nil
}

// Heartbeat feeds the tracker when this instance coordinates.
func (s *Server) Heartbeat(_ context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error) {
	if s.Tracker != nil {
		s.Tracker.RecordHeartbeat(req.InstanceId, &federation.HeartbeatPayload{
			Mode:         req.Mode,
			UptimeSecs:   req.UptimeSecs,
			ActiveLeases: int(req.ActiveLeases),
			ZonesServed:  int(req.ZonesServed),
		})
	}
	return &HeartbeatResponse{Ok: true}, nil
}

// GetClusterStatus returns the tracker's instance table (empty on leaves).
func (s *Server) GetClusterStatus(_ context.Context, _ *ClusterStatusRequest) (*ClusterStatusResponse, error) {
	resp := &ClusterStatusResponse{}
	if s.Tracker == nil {
		return resp, nil
	}
	for _, st := range s.Tracker.GetAllStatus() {
		resp.Instances = append(resp.Instances, &InstanceStatusMsg{
			InstanceId:   st.InstanceID,
			Mode:         st.Mode,
			UptimeSecs:   st.UptimeSecs,
			ActiveLeases: int64(st.ActiveLeases),
			ZonesServed:  int64(st.ZonesServed),
			LastSeenUnix: st.LastSeen.Unix(),
			Healthy:      st.Healthy,
		})
	}
	return resp, nil
}

// PeerServiceDesc is the gRPC service descriptor for microdns.Peer, written
// in the same shape protoc would generate.
var PeerServiceDesc = grpc.ServiceDesc{
	ServiceName: "microdns.Peer",
	HandlerType: (*PeerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListZones", Handler: _Peer_ListZones_Handler},
		{MethodName: "ListRecords", Handler: _Peer_ListRecords_Handler},
		{MethodName: "Heartbeat", Handler: _Peer_Heartbeat_Handler},
		{MethodName: "GetClusterStatus", Handler: _Peer_GetClusterStatus_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/rpc/microdns.proto",
}

func _Peer_ListZones_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ListZonesRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PeerServer).ListZones(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/microdns.Peer/ListZones"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PeerServer).ListZones(ctx, req.(*ListZonesRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Peer_ListRecords_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ListRecordsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PeerServer).ListRecords(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/microdns.Peer/ListRecords"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PeerServer).ListRecords(ctx, req.(*ListRecordsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Peer_Heartbeat_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(HeartbeatRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PeerServer).Heartbeat(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/microdns.Peer/Heartbeat"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PeerServer).Heartbeat(ctx, req.(*HeartbeatRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Peer_GetClusterStatus_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ClusterStatusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PeerServer).GetClusterStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/microdns.Peer/GetClusterStatus"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PeerServer).GetClusterStatus(ctx, req.(*ClusterStatusRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ListenAndServe registers the Peer service on a gRPC server bound to
// listen and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, listen string) error {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return err
	}
	grpcServer := grpc.NewServer(grpc.ForceServerCodec(jsonCodec{}))
	grpcServer.RegisterService(&PeerServiceDesc, s)

	go func() {
		<-ctx.Done()
		done := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			grpcServer.Stop()
		}
	}()

	log.Printf("rpc: peer service listening on %s", listen)
	return grpcServer.Serve(ln)
}
