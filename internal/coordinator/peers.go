package coordinator

import (
	"context"

	"github.com/dreamware/dirstore/internal/cluster"
)

// Transfer moves file bytes between storage nodes.
type Transfer interface {
	Upload(ctx context.Context, addr string, rec cluster.FileRecord, data []byte) error
	Download(ctx context.Context, addr, name string) (cluster.FileRecord, []byte, error)
}

// Peers is everything a directory server sends to other processes.
type Peers interface {
	Transfer
	Heartbeat(ctx context.Context, addr string) error
	PushState(ctx context.Context, addr string, state ServerState) error
}

// RPCPeers implements Peers over cluster.Client.
type RPCPeers struct {
	client *cluster.Client
}

// NewRPCPeers wraps client.
func NewRPCPeers(client *cluster.Client) *RPCPeers {
	return &RPCPeers{client: client}
}

// Heartbeat succeeds on any reply; the body is ignored.
func (p *RPCPeers) Heartbeat(ctx context.Context, addr string) error {
	req, err := cluster.NewMessage(cluster.CmdHeartbeat)
	if err != nil {
		return err
	}
	_, err = p.client.Call(ctx, addr, req)
	return err
}

func (p *RPCPeers) Upload(ctx context.Context, addr string, rec cluster.FileRecord, data []byte) error {
	_, err := p.client.Do(ctx, addr, cluster.CmdUpload, rec, data)
	return err
}

func (p *RPCPeers) Download(ctx context.Context, addr, name string) (cluster.FileRecord, []byte, error) {
	resp, err := p.client.Do(ctx, addr, cluster.CmdDownload, name)
	if err != nil {
		return cluster.FileRecord{}, nil, err
	}
	var rec cluster.FileRecord
	var data []byte
	if err := resp.Item(0, &rec); err != nil {
		return cluster.FileRecord{}, nil, err
	}
	if err := resp.Item(1, &data); err != nil {
		return cluster.FileRecord{}, nil, err
	}
	return rec, data, nil
}

func (p *RPCPeers) PushState(ctx context.Context, addr string, state ServerState) error {
	_, err := p.client.Do(ctx, addr, cluster.CmdState, state)
	return err
}
