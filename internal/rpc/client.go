package rpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client is a typed Peer RPC client.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to a peer's RPC listener.
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("rpc: dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// ListZones fetches the peer's zone listing.
func (c *Client) ListZones(ctx context.Context) (*ListZonesResponse, error) {
	out := new(ListZonesResponse)
	if err := c.conn.Invoke(ctx, "/microdns.Peer/ListZones", &ListZonesRequest{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListRecords fetches one zone's records from the peer.
func (c *Client) ListRecords(ctx context.Context, zoneID string) (*ListRecordsResponse, error) {
	out := new(ListRecordsResponse)
	if err := c.conn.Invoke(ctx, "/microdns.Peer/ListRecords", &ListRecordsRequest{ZoneId: zoneID}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Heartbeat reports this instance's status to the peer.
func (c *Client) Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error) {
	out := new(HeartbeatResponse)
	if err := c.conn.Invoke(ctx, "/microdns.Peer/Heartbeat", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetClusterStatus fetches the peer's instance table.
func (c *Client) GetClusterStatus(ctx context.Context) (*ClusterStatusResponse, error) {
	out := new(ClusterStatusResponse)
	if err := c.conn.Invoke(ctx, "/microdns.Peer/GetClusterStatus", &ClusterStatusRequest{}, out); err != nil {
		return nil, err
	}
	return out, nil
}
