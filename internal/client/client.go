// Package client is a small library for talking to a dirstore cluster:
// listing files on the directory tier, picking a storage node, and moving
// files to and from it.
//
// Directory calls go through a failover.Caller. Storage-node calls that fail
// to connect ask the directory for a different node once and retry.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dreamware/dirstore/internal/cluster"
	"github.com/dreamware/dirstore/internal/failover"
)

// ErrNotConnected is returned by storage-node operations before Connect.
var ErrNotConnected = errors.New("not connected to a storage node")

// Client holds the directory endpoints and the storage node picked by the
// last CONNECT. Safe for concurrent use.
type Client struct {
	directory *failover.Caller
	rpc       *cluster.Client
	logger    zerolog.Logger

	mu   sync.RWMutex
	node string
}

// New creates a client for the directory pair primary and backup.
func New(primary, backup string, rpc *cluster.Client, logger zerolog.Logger) *Client {
	return &Client{
		directory: failover.New(primary, backup, logger),
		rpc:       rpc,
		logger:    logger,
	}
}

// Node returns the storage node in use, or "" before Connect.
func (c *Client) Node() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.node
}

// Directory returns the directory endpoint calls currently go to.
func (c *Client) Directory() string {
	return c.directory.Current()
}

// ListDirectoryFiles returns the files the directory tier considers fully
// replicated.
func (c *Client) ListDirectoryFiles(ctx context.Context) ([]cluster.FileRecord, error) {
	resp, err := c.directory.Call(ctx, c.rpc, cluster.CmdFileList)
	if err != nil {
		return nil, err
	}
	return decodeList(resp)
}

// Connect asks the directory for a live storage node and uses it for the
// following storage-node operations.
func (c *Client) Connect(ctx context.Context) (string, error) {
	resp, err := c.directory.Call(ctx, c.rpc, cluster.CmdConnect)
	if err != nil {
		return "", err
	}
	var addr string
	if err := resp.Item(0, &addr); err != nil {
		return "", err
	}

	c.mu.Lock()
	c.node = addr
	c.mu.Unlock()
	c.logger.Debug().Str("node", addr).Msg("connected to storage node")
	return addr, nil
}

// ListNodeFiles returns the files held by the connected storage node.
func (c *Client) ListNodeFiles(ctx context.Context) ([]cluster.FileRecord, error) {
	resp, err := c.nodeCall(ctx, cluster.CmdFileList)
	if err != nil {
		return nil, err
	}
	return decodeList(resp)
}

// Upload stores a new file through the connected storage node. It fails
// with a *cluster.RemoteError if the name is already taken.
func (c *Client) Upload(ctx context.Context, name string, data []byte) error {
	rec := cluster.FileRecord{Name: name, Size: int64(len(data))}
	_, err := c.nodeCall(ctx, cluster.CmdNewFile, rec, data)
	return err
}

// Download fetches a file from the connected storage node.
func (c *Client) Download(ctx context.Context, name string) (cluster.FileRecord, []byte, error) {
	resp, err := c.nodeCall(ctx, cluster.CmdDownload, name)
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

// nodeCall sends one request to the connected node. If the node cannot be
// reached a fresh CONNECT replaces it and the request is sent once more.
func (c *Client) nodeCall(ctx context.Context, command string, items ...any) (cluster.Message, error) {
	addr := c.Node()
	if addr == "" {
		return cluster.Message{}, ErrNotConnected
	}

	resp, err := c.rpc.Do(ctx, addr, command, items...)
	if err == nil || !cluster.IsUnreachable(err) {
		return resp, err
	}

	c.logger.Warn().Err(err).Str("node", addr).Msg("storage node unreachable, reconnecting")
	next, cerr := c.Connect(ctx)
	if cerr != nil {
		return cluster.Message{}, fmt.Errorf("reconnect after %v: %w", err, cerr)
	}
	return c.rpc.Do(ctx, next, command, items...)
}

func decodeList(resp cluster.Message) ([]cluster.FileRecord, error) {
	var files []cluster.FileRecord
	if err := resp.Item(0, &files); err != nil {
		return nil, err
	}
	return files, nil
}
