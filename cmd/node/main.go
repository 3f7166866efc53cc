// Package main implements the dirstore storage node, which holds file bytes
// and serves transfers for the directory tier and clients.
//
// The node is a worker in the dirstore system, responsible for:
//   - Storing replicas pushed by the directory (UPLOAD)
//   - Accepting new files from clients after the directory agrees (NEWFILE)
//   - Serving downloads and its own file list
//   - Answering liveness probes (HEARTBEAT)
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│              Storage Node                │
//	├─────────────────────────────────────────┤
//	│  RPC (POST /rpc):                       │
//	│    UPLOAD NEWFILE DOWNLOAD FILELIST     │
//	│    HEARTBEAT                            │
//	├─────────────────────────────────────────┤
//	│  Components:                            │
//	│    Store         - bytes on disk        │
//	│    Catalog       - file records         │
//	│    Caller        - directory failover   │
//	└─────────────────────────────────────────┘
//
// Configuration:
//   - NODE_ID: Unique node identifier (required)
//   - NODE_LISTEN: Listen address (default: ":14000")
//   - NODE_ADDR: Public host:port reported to the directory (default: "127.0.0.1:14000")
//   - DIRECTORY_PRIMARY: Primary directory host:port (required)
//   - DIRECTORY_BACKUP: Backup directory host:port (required)
//   - NODE_DATA_DIR: Data directory, or "memory" (default: "./<NODE_ID>")
//   - MAX_CONNS: Concurrent connections served (default: 128)
//   - RPC_TIMEOUT: Deadline for directory calls, 0 for none (default: "0")
//   - LOG_LEVEL: debug, info, warn, error (default: "info")
//
// Example usage:
//
//	NODE_ID=node-1 \
//	NODE_LISTEN=:14001 \
//	NODE_ADDR=127.0.0.1:14001 \
//	DIRECTORY_PRIMARY=127.0.0.1:13000 \
//	DIRECTORY_BACKUP=127.0.0.1:13001 \
//	./node
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/dreamware/dirstore/internal/cluster"
	"github.com/dreamware/dirstore/internal/failover"
	"github.com/dreamware/dirstore/internal/logging"
	"github.com/dreamware/dirstore/internal/node"
	"github.com/dreamware/dirstore/internal/storage"
)

// logFatal is a variable to allow mocking fatal exits in tests.
// This indirection enables test code to intercept fatal errors
// without actually terminating the test process.
var logFatal = func(format string, args ...any) {
	zlog.Fatal().Msgf(format, args...)
}

// memoryDataDir selects the in-memory store instead of a directory.
const memoryDataDir = "memory"

type config struct {
	id         string
	listen     string
	addr       string
	primary    string
	backup     string
	dataDir    string
	maxConns   int
	rpcTimeout time.Duration
	logLevel   string
}

func loadConfig() config {
	id := mustGetenv("NODE_ID")
	return config{
		id:         id,
		listen:     getenv("NODE_LISTEN", ":14000"),
		addr:       getenv("NODE_ADDR", "127.0.0.1:14000"),
		primary:    mustGetenv("DIRECTORY_PRIMARY"),
		backup:     mustGetenv("DIRECTORY_BACKUP"),
		dataDir:    getenv("NODE_DATA_DIR", filepath.Join(".", id)),
		maxConns:   getInt("MAX_CONNS", 128),
		rpcTimeout: getDuration("RPC_TIMEOUT", 0),
		logLevel:   getenv("LOG_LEVEL", "info"),
	}
}

// main initializes and runs the storage node until shutdown.
//
// The main function:
//  1. Reads configuration from environment variables
//  2. Opens the store and loads files left by an earlier run
//  3. Starts serving requests
//  4. Registers with the directory (primary, then backup)
//  5. Serves requests until shutdown signal
//
// Exit codes:
//   - 0: Normal shutdown via signal
//   - 1: Missing configuration, unusable data directory, or no directory reachable
func main() {
	cfg := loadConfig()

	logger, err := logging.New(os.Stderr, cfg.logLevel)
	if err != nil {
		logFatal("%v", err)
		return
	}
	logger = logger.With().Str("component", "node").Str("id", cfg.id).Logger()
	zlog.Logger = logger

	n, err := newNode(cfg, logger)
	if err != nil {
		logFatal("%v", err)
		return
	}

	ln, err := cluster.Listen(cfg.listen, cfg.maxConns)
	if err != nil {
		logFatal("listen: %v", err)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, n, ln, logger); err != nil {
		logFatal("%v", err)
	}
	logger.Info().Msg("node stopped")
}

func openStore(dir string) (storage.Store, error) {
	if dir == memoryDataDir {
		return storage.NewMemoryStore(), nil
	}
	return storage.NewDiskStore(dir)
}

func newNode(cfg config, logger zerolog.Logger) (*node.Node, error) {
	store, err := openStore(cfg.dataDir)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.dataDir, err)
	}
	directory := failover.New(cfg.primary, cfg.backup, logger)
	return node.New(cfg.id, cfg.addr, store, directory, cluster.NewClient(cfg.rpcTimeout), logger)
}

// run serves n on ln, registers it, and blocks until ctx is cancelled.
// The listener is up before registration so that the directory's first
// sync finds the node answering.
func run(ctx context.Context, n *node.Node, ln net.Listener, logger zerolog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- cluster.ServeListener(ctx, ln, n, logger)
	}()

	if err := n.Register(ctx); err != nil {
		cancel()
		<-errCh
		return err
	}

	err := <-errCh

	summary := n.Files().ResponseSummary()
	stats := n.Store().Stats()
	logger.Info().
		Int("files", stats.Files).
		Int("bytes", stats.Bytes).
		Int64("filelist_requests", summary.Requests).
		Dur("filelist_avg", summary.Average).
		Msg("shutdown statistics")
	return err
}

// getenv retrieves an environment variable with a fallback default value.
//
// Example:
//
//	listen := getenv("NODE_LISTEN", ":14000")
//	// Returns $NODE_LISTEN if set, otherwise ":14000"
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// mustGetenv retrieves a required environment variable, terminating the
// program if it's not set to ensure configuration completeness.
//
// Side effects:
//   - Calls logFatal if variable is unset or empty
func mustGetenv(k string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	logFatal("missing env %s", k)
	return ""
}

func getDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		logFatal("env %s: invalid duration %q", k, v)
		return def
	}
	return d
}

func getInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logFatal("env %s: invalid integer %q", k, v)
		return def
	}
	return n
}
