package integration

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/dreamware/dirstore/internal/client"
	"github.com/dreamware/dirstore/internal/cluster"
	"github.com/dreamware/dirstore/internal/coordinator"
	"github.com/dreamware/dirstore/internal/failover"
	"github.com/dreamware/dirstore/internal/node"
	"github.com/dreamware/dirstore/internal/storage"
)

const (
	waitFor = 5 * time.Second
	tick    = 20 * time.Millisecond
)

// process is one in-process server bound to a loopback listener.
type process struct {
	addr   string
	cancel context.CancelFunc
	done   chan error
}

func (p *process) stop(t *testing.T) {
	t.Helper()
	p.cancel()
	select {
	case err := <-p.done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatalf("server %s did not stop", p.addr)
	}
}

// TestSystem is a directory pair plus storage nodes, all in this process.
type TestSystem struct {
	t      *testing.T
	client *cluster.Client

	primary     *coordinator.Server
	backup      *coordinator.Server
	primaryProc *process
	backupProc  *process

	mu    sync.Mutex
	nodes []*node.Node
	procs []*process
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln
}

func serve(t *testing.T, ln net.Listener, h cluster.Handler) *process {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	p := &process{addr: ln.Addr().String(), cancel: cancel, done: make(chan error, 1)}
	go func() { p.done <- cluster.ServeListener(ctx, ln, h, zerolog.Nop()) }()
	return p
}

func directoryConfig(id string, primary bool, backupAddr string) coordinator.Config {
	return coordinator.Config{
		ID:            id,
		Primary:       primary,
		BackupAddr:    backupAddr,
		StateInterval: 20 * time.Millisecond,
		PollInterval:  10 * time.Millisecond,
		ProbeRate:     rate.Inf,
		Rand:          rand.New(rand.NewSource(1)),
	}
}

// NewTestSystem starts the backup, then the primary pushing state to it.
func NewTestSystem(t *testing.T) *TestSystem {
	ts := &TestSystem{t: t, client: cluster.NewClient(2 * time.Second)}

	backupLn := listen(t)
	ts.backup = coordinator.NewServer(directoryConfig("dir-b", false, ""),
		coordinator.NewRPCPeers(ts.client), zerolog.Nop())
	ts.backup.Start()
	ts.backupProc = serve(t, backupLn, ts.backup)

	primaryLn := listen(t)
	ts.primary = coordinator.NewServer(directoryConfig("dir-a", true, ts.backupProc.addr),
		coordinator.NewRPCPeers(ts.client), zerolog.Nop())
	ts.primary.Start()
	ts.primaryProc = serve(t, primaryLn, ts.primary)

	t.Cleanup(ts.Stop)
	return ts
}

// AddNode starts a storage node and registers it with the directory tier.
func (ts *TestSystem) AddNode(ctx context.Context) *node.Node {
	t := ts.t
	t.Helper()

	ts.mu.Lock()
	id := fmt.Sprintf("node-%d", len(ts.nodes)+1)
	ts.mu.Unlock()

	ln := listen(t)
	directory := failover.New(ts.primaryProc.addr, ts.backupProc.addr, zerolog.Nop())
	n, err := node.New(id, ln.Addr().String(), storage.NewMemoryStore(), directory, ts.client, zerolog.Nop())
	require.NoError(t, err)

	p := serve(t, ln, n)
	require.NoError(t, n.Register(ctx))

	ts.mu.Lock()
	ts.nodes = append(ts.nodes, n)
	ts.procs = append(ts.procs, p)
	ts.mu.Unlock()
	return n
}

// Nodes returns the storage nodes started so far.
func (ts *TestSystem) Nodes() []*node.Node {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]*node.Node(nil), ts.nodes...)
}

// NewClient returns a client library instance bound to the directory pair.
func (ts *TestSystem) NewClient() *client.Client {
	return client.New(ts.primaryProc.addr, ts.backupProc.addr, ts.client, zerolog.Nop())
}

// StopPrimary takes the primary directory off the network.
func (ts *TestSystem) StopPrimary() {
	ts.primaryProc.stop(ts.t)
	ts.primary.Stop()
}

// Stop shuts everything down. Servers already stopped are skipped.
func (ts *TestSystem) Stop() {
	ts.mu.Lock()
	procs := append([]*process(nil), ts.procs...)
	ts.mu.Unlock()

	for _, p := range append(procs, ts.primaryProc, ts.backupProc) {
		p.cancel()
	}
	ts.primary.Stop()
	ts.backup.Stop()
}

// holdsEverywhere reports whether every node stores name with the given bytes.
func (ts *TestSystem) holdsEverywhere(name string, want []byte) bool {
	for _, n := range ts.Nodes() {
		got, err := n.Store().Get(name)
		if err != nil || string(got) != string(want) {
			return false
		}
		if !n.Files().FileExists(name) {
			return false
		}
	}
	return true
}

func fileNames(recs []cluster.FileRecord) []string {
	names := make([]string, 0, len(recs))
	for _, r := range recs {
		names = append(names, r.Name)
	}
	return names
}

// TestDistributedStorage walks a file through upload, replication, primary
// loss and backup promotion.
func TestDistributedStorage(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	ts := NewTestSystem(t)
	for i := 0; i < 3; i++ {
		ts.AddNode(ctx)
	}

	c := ts.NewClient()
	_, err := c.Connect(ctx)
	require.NoError(t, err)

	report := []byte("quarterly numbers")
	require.NoError(t, c.Upload(ctx, "report.txt", report))

	t.Run("upload replicates to every node", func(t *testing.T) {
		require.Eventually(t, func() bool {
			return ts.holdsEverywhere("report.txt", report)
		}, waitFor, tick)

		require.Eventually(t, func() bool {
			files, err := c.ListDirectoryFiles(ctx)
			return err == nil && assert.ObjectsAreEqual([]string{"report.txt"}, fileNames(files))
		}, waitFor, tick)
	})

	t.Run("duplicate name is rejected", func(t *testing.T) {
		err := c.Upload(ctx, "report.txt", []byte("other"))
		var remote *cluster.RemoteError
		require.ErrorAs(t, err, &remote)
		assert.Equal(t, cluster.ReasonFileExists, remote.Reason)
	})

	t.Run("download from the connected node", func(t *testing.T) {
		rec, data, err := c.Download(ctx, "report.txt")
		require.NoError(t, err)
		assert.Equal(t, "report.txt", rec.Name)
		assert.Equal(t, report, data)
	})

	t.Run("backup mirrors the primary", func(t *testing.T) {
		require.Eventually(t, func() bool {
			return ts.backup.Registry().FileExists("report.txt") && ts.backup.Registry().NodeCount() == 3
		}, waitFor, tick)
		assert.Equal(t, coordinator.RoleBackupStandby, ts.backup.Role())
		assert.Equal(t, 0, ts.backup.EngineStarts())
	})

	ts.StopPrimary()

	t.Run("backup takes over", func(t *testing.T) {
		files, err := c.ListDirectoryFiles(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"report.txt"}, fileNames(files))
		assert.Equal(t, ts.backupProc.addr, c.Directory())
		assert.Equal(t, coordinator.RoleBackupPromoted, ts.backup.Role())
		assert.Equal(t, 1, ts.backup.EngineStarts())
	})

	t.Run("uploads keep replicating after failover", func(t *testing.T) {
		notes := []byte("written after the primary died")
		require.NoError(t, c.Upload(ctx, "notes.txt", notes))
		require.Eventually(t, func() bool {
			return ts.holdsEverywhere("notes.txt", notes)
		}, waitFor, tick)
	})

	t.Run("late node receives every file", func(t *testing.T) {
		late := ts.AddNode(ctx)
		require.Eventually(t, func() bool {
			return late.Files().Len() == 2
		}, waitFor, tick)
		assert.True(t, ts.holdsEverywhere("report.txt", report))
	})
}
