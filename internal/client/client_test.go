package client

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/dirstore/internal/cluster"
	"github.com/dreamware/dirstore/internal/failover"
)

func serve(t *testing.T, h cluster.HandlerFunc) string {
	t.Helper()
	ts := httptest.NewServer(cluster.NewMux(h))
	t.Cleanup(ts.Close)
	return strings.TrimPrefix(ts.URL, "http://")
}

func deadAddr(t *testing.T) string {
	t.Helper()
	ts := httptest.NewServer(nil)
	addr := strings.TrimPrefix(ts.URL, "http://")
	ts.Close()
	return addr
}

// fakeNode keeps files in a map and answers like a storage node.
type fakeNode struct {
	mu    sync.Mutex
	files map[string][]byte
}

func (n *fakeNode) Handle(_ context.Context, req cluster.Message) cluster.Message {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch req.Command {
	case cluster.CmdNewFile:
		var rec cluster.FileRecord
		var data []byte
		_ = req.Item(0, &rec)
		_ = req.Item(1, &data)
		if _, ok := n.files[rec.Name]; ok {
			return cluster.Failure(cluster.ReasonFileExists)
		}
		n.files[rec.Name] = data
		return cluster.Success()
	case cluster.CmdDownload:
		var name string
		_ = req.Item(0, &name)
		data, ok := n.files[name]
		if !ok {
			return cluster.Failure(cluster.ReasonFileNotFound)
		}
		return cluster.Success(cluster.FileRecord{Name: name, Size: int64(len(data))}, data)
	case cluster.CmdFileList:
		var out []cluster.FileRecord
		for name, data := range n.files {
			out = append(out, cluster.FileRecord{Name: name, Size: int64(len(data))})
		}
		return cluster.Success(out)
	}
	return cluster.Failure(cluster.ReasonBadRequest)
}

// directoryFor answers CONNECT with the given addresses in turn.
func directoryFor(files []cluster.FileRecord, nodes ...string) cluster.HandlerFunc {
	var mu sync.Mutex
	next := 0
	return func(_ context.Context, req cluster.Message) cluster.Message {
		switch req.Command {
		case cluster.CmdFileList:
			return cluster.Success(files)
		case cluster.CmdConnect:
			mu.Lock()
			defer mu.Unlock()
			if next >= len(nodes) {
				return cluster.Failure(cluster.ReasonNoLiveNode)
			}
			addr := nodes[next]
			next++
			return cluster.Success(addr)
		}
		return cluster.Failure(cluster.ReasonBadRequest)
	}
}

func TestListDirectoryFiles(t *testing.T) {
	files := []cluster.FileRecord{{Name: "a", Size: 1}, {Name: "b", Size: 2}}
	dir := serve(t, directoryFor(files))

	tests := []struct {
		name     string
		primary  string
		backup   string
		switched bool
	}{
		{name: "primary up", primary: dir, backup: deadAddr(t)},
		{name: "primary down", primary: deadAddr(t), backup: dir, switched: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(tt.primary, tt.backup, cluster.NewClient(0), zerolog.Nop())
			got, err := c.ListDirectoryFiles(context.Background())
			require.NoError(t, err)
			assert.Equal(t, files, got)
			assert.Equal(t, tt.switched, c.Directory() == tt.backup)
		})
	}
}

func TestBothDirectoriesDown(t *testing.T) {
	c := New(deadAddr(t), deadAddr(t), cluster.NewClient(0), zerolog.Nop())

	_, err := c.ListDirectoryFiles(context.Background())
	assert.ErrorIs(t, err, failover.ErrExhausted)

	_, err = c.Connect(context.Background())
	assert.ErrorIs(t, err, failover.ErrExhausted)
}

func TestNodeOperationsNeedConnect(t *testing.T) {
	c := New(deadAddr(t), deadAddr(t), cluster.NewClient(0), zerolog.Nop())
	ctx := context.Background()

	_, err := c.ListNodeFiles(ctx)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, c.Upload(ctx, "f", []byte("x")), ErrNotConnected)
	_, _, err = c.Download(ctx, "f")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestConnectNoLiveNode(t *testing.T) {
	dir := serve(t, directoryFor(nil))
	c := New(dir, deadAddr(t), cluster.NewClient(0), zerolog.Nop())

	_, err := c.Connect(context.Background())
	var remote *cluster.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, cluster.ReasonNoLiveNode, remote.Reason)
	assert.Empty(t, c.Node())
}

func TestUploadDownload(t *testing.T) {
	node := serve(t, (&fakeNode{files: map[string][]byte{}}).Handle)
	dir := serve(t, directoryFor(nil, node))
	c := New(dir, deadAddr(t), cluster.NewClient(0), zerolog.Nop())
	ctx := context.Background()

	addr, err := c.Connect(ctx)
	require.NoError(t, err)
	assert.Equal(t, node, addr)

	require.NoError(t, c.Upload(ctx, "hello.txt", []byte("hello")))

	rec, data, err := c.Download(ctx, "hello.txt")
	require.NoError(t, err)
	assert.Equal(t, cluster.FileRecord{Name: "hello.txt", Size: 5}, rec)
	assert.Equal(t, []byte("hello"), data)

	files, err := c.ListNodeFiles(ctx)
	require.NoError(t, err)
	assert.Equal(t, []cluster.FileRecord{{Name: "hello.txt", Size: 5}}, files)

	var remote *cluster.RemoteError
	require.ErrorAs(t, c.Upload(ctx, "hello.txt", []byte("again")), &remote)
	assert.Equal(t, cluster.ReasonFileExists, remote.Reason)

	_, _, err = c.Download(ctx, "missing")
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, cluster.ReasonFileNotFound, remote.Reason)
	assert.Equal(t, node, c.Node(), "application failures keep the node")
}

func TestReconnectAfterNodeFailure(t *testing.T) {
	live := serve(t, (&fakeNode{files: map[string][]byte{"f": []byte("1")}}).Handle)
	dead := deadAddr(t)
	dir := serve(t, directoryFor(nil, dead, live))
	c := New(dir, deadAddr(t), cluster.NewClient(0), zerolog.Nop())
	ctx := context.Background()

	addr, err := c.Connect(ctx)
	require.NoError(t, err)
	require.Equal(t, dead, addr)

	files, err := c.ListNodeFiles(ctx)
	require.NoError(t, err)
	assert.Len(t, files, 1)
	assert.Equal(t, live, c.Node())
}

func TestReconnectFails(t *testing.T) {
	dir := serve(t, directoryFor(nil, deadAddr(t)))
	c := New(dir, deadAddr(t), cluster.NewClient(0), zerolog.Nop())
	ctx := context.Background()

	_, err := c.Connect(ctx)
	require.NoError(t, err)

	_, _, err = c.Download(ctx, "f")
	var remote *cluster.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, cluster.ReasonNoLiveNode, remote.Reason)
}
