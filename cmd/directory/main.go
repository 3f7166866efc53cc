// Package main implements the dirstore directory server, which tracks
// storage nodes and replicated files and keeps every live node holding
// every file.
//
// Two directory servers run as a fixed pair. The primary serves clients and
// storage nodes, replicates files between nodes, and pushes its full state to
// the backup every STATE_INTERVAL. The backup only applies those pushes until
// the first other request reaches it; from then on it acts as primary.
//
// Architecture:
//
//	┌──────────────────────────────────────────┐
//	│            Directory Server               │
//	├──────────────────────────────────────────┤
//	│  RPC (POST /rpc):                         │
//	│    REGISTER NEWFILE CONNECT FILELIST      │
//	│    STATE                                  │
//	├──────────────────────────────────────────┤
//	│  Background (primary or promoted backup): │
//	│    replication engine                     │
//	│    state replicator (primary only)        │
//	└──────────────────────────────────────────┘
//
// Configuration:
//   - DIRECTORY_ID: Server identifier (required)
//   - DIRECTORY_LISTEN: Listen address (default: ":13000")
//   - DIRECTORY_ROLE: "primary" or "backup" (default: "primary")
//   - BACKUP_ADDR: Backup host:port (required for the primary)
//   - STATE_INTERVAL: Period of state pushes (default: "1s")
//   - JOB_POLL_INTERVAL: Sleep when the job queue is empty (default: "1s")
//   - MAX_CONNS: Concurrent connections served (default: 128)
//   - RPC_TIMEOUT: Deadline for outgoing calls, 0 for none (default: "0")
//   - LOG_LEVEL: debug, info, warn, error (default: "info")
//
// Example usage:
//
//	DIRECTORY_ID=dir-b DIRECTORY_ROLE=backup DIRECTORY_LISTEN=:13001 ./directory
//	DIRECTORY_ID=dir-a BACKUP_ADDR=127.0.0.1:13001 ./directory
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/dreamware/dirstore/internal/cluster"
	"github.com/dreamware/dirstore/internal/coordinator"
	"github.com/dreamware/dirstore/internal/logging"
)

// logFatal is a variable to allow mocking fatal exits in tests.
var logFatal = func(format string, args ...any) {
	zlog.Fatal().Msgf(format, args...)
}

type config struct {
	id            string
	listen        string
	primary       bool
	backupAddr    string
	stateInterval time.Duration
	pollInterval  time.Duration
	rpcTimeout    time.Duration
	maxConns      int
	logLevel      string
}

// loadConfig reads the environment. Missing or malformed required values
// go through logFatal.
func loadConfig() config {
	cfg := config{
		id:            mustGetenv("DIRECTORY_ID"),
		listen:        getenv("DIRECTORY_LISTEN", ":13000"),
		stateInterval: getDuration("STATE_INTERVAL", coordinator.DefaultStateInterval),
		pollInterval:  getDuration("JOB_POLL_INTERVAL", coordinator.DefaultPollInterval),
		rpcTimeout:    getDuration("RPC_TIMEOUT", 0),
		maxConns:      getInt("MAX_CONNS", 128),
		logLevel:      getenv("LOG_LEVEL", "info"),
	}

	switch role := getenv("DIRECTORY_ROLE", "primary"); role {
	case "primary":
		cfg.primary = true
		cfg.backupAddr = mustGetenv("BACKUP_ADDR")
	case "backup":
	default:
		logFatal("DIRECTORY_ROLE must be primary or backup, got %q", role)
	}
	return cfg
}

func main() {
	cfg := loadConfig()

	logger, err := logging.New(os.Stderr, cfg.logLevel)
	if err != nil {
		logFatal("%v", err)
		return
	}
	logger = logger.With().Str("component", "directory").Str("id", cfg.id).Logger()
	zlog.Logger = logger

	ln, err := cluster.Listen(cfg.listen, cfg.maxConns)
	if err != nil {
		logFatal("listen: %v", err)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, ln, logger); err != nil {
		logFatal("serve: %v", err)
	}
	logger.Info().Msg("directory stopped")
}

func newServer(cfg config, logger zerolog.Logger) *coordinator.Server {
	peers := coordinator.NewRPCPeers(cluster.NewClient(cfg.rpcTimeout))
	return coordinator.NewServer(coordinator.Config{
		ID:            cfg.id,
		Primary:       cfg.primary,
		BackupAddr:    cfg.backupAddr,
		StateInterval: cfg.stateInterval,
		PollInterval:  cfg.pollInterval,
	}, peers, logger)
}

// run serves on ln until ctx is cancelled, then stops the background tasks
// and logs the shutdown statistics.
func run(ctx context.Context, cfg config, ln net.Listener, logger zerolog.Logger) error {
	srv := newServer(cfg, logger)
	srv.Start()

	err := cluster.ServeListener(ctx, ln, srv, logger)
	srv.Stop()

	summary := srv.Registry().ResponseSummary()
	stats := srv.Engine().Stats()
	logger.Info().
		Str("role", string(srv.Role())).
		Int64("filelist_requests", summary.Requests).
		Dur("filelist_avg", summary.Average).
		Int64("jobs", stats.Jobs).
		Int64("files_synced", stats.FilesSynced).
		Int64("files_abandoned", stats.FilesAbandoned).
		Msg("shutdown statistics")
	return err
}

// getenv retrieves an environment variable with a fallback default value.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// mustGetenv retrieves a required environment variable, terminating the
// program if it's not set.
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
