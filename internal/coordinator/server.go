// Package coordinator provides the directory server functionality.
// This file implements request dispatch, roles and background tasks.
package coordinator

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/dreamware/dirstore/internal/catalog"
	"github.com/dreamware/dirstore/internal/cluster"
)

// Role describes what a directory server is currently doing.
type Role string

const (
	RolePrimary        Role = "primary"         // serves clients, runs engine and replicator
	RoleBackupStandby  Role = "backup-standby"  // only applies STATE pushes
	RoleBackupPromoted Role = "backup-promoted" // serves clients and runs the engine
)

// Config holds the settings of a directory server.
type Config struct {
	ID         string
	Primary    bool   // false for the backup
	BackupAddr string // where a primary pushes state; ignored by the backup

	StateInterval  time.Duration
	PollInterval   time.Duration
	SourceAttempts int

	MaxProbeAttempts int
	ProbeRate        rate.Limit
	ProbeBurst       int
	Rand             *rand.Rand
}

// Server is a directory server. It owns the registry and the job queue and
// hands requests to them. A primary starts the replication engine and the
// state replicator on Start. A backup starts neither; the first request
// other than STATE promotes it and starts the engine exactly once.
//
// Thread Safety:
// Handle may be called concurrently from any number of connections.
type Server struct {
	cfg        Config
	registry   *Registry
	queue      *JobQueue
	selector   *Selector
	engine     *Engine
	replicator *StateReplicator
	logger     zerolog.Logger

	promoted     atomic.Bool
	engineStarts atomic.Int32

	ctx    context.Context    // lifetime of background tasks
	cancel context.CancelFunc // stops background tasks
	wg     sync.WaitGroup
}

// NewServer creates a directory server talking to other processes through
// peers. Nothing runs until Start.
//
// Example:
//
//	srv := NewServer(cfg, NewRPCPeers(cluster.NewClient(0)), logger)
//	srv.Start()
//	defer srv.Stop()
//	cluster.Serve(ctx, ":13000", srv, 128, logger)
func NewServer(cfg Config, peers Peers, logger zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	registry := NewRegistry()
	queue := NewJobQueue()
	selector := NewSelector(registry, peers.Heartbeat, SelectorConfig{
		MaxAttempts: cfg.MaxProbeAttempts,
		ProbeRate:   cfg.ProbeRate,
		ProbeBurst:  cfg.ProbeBurst,
		Rand:        cfg.Rand,
	}, logger.With().Str("component", "selector").Logger())

	s := &Server{
		cfg:      cfg,
		registry: registry,
		queue:    queue,
		selector: selector,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
	s.engine = NewEngine(registry, queue, peers, selector, EngineConfig{
		PollInterval:   cfg.PollInterval,
		SourceAttempts: cfg.SourceAttempts,
	}, logger.With().Str("component", "engine").Logger())

	if cfg.Primary {
		s.replicator = NewStateReplicator(cfg.BackupAddr, s, peers, cfg.StateInterval,
			logger.With().Str("component", "replicator").Logger())
	}
	return s
}

// Start launches the background tasks for the configured role.
func (s *Server) Start() {
	if !s.cfg.Primary {
		s.logger.Info().Str("id", s.cfg.ID).Msg("directory running as backup, waiting for state")
		return
	}

	s.logger.Info().Str("id", s.cfg.ID).Str("backup", s.cfg.BackupAddr).Msg("directory running as primary")
	s.startEngine()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.replicator.Run(s.ctx)
	}()
}

// Stop cancels the background tasks and waits for them to return.
func (s *Server) Stop() {
	s.cancel()
	s.wg.Wait()
}

// Role returns the server's current role.
func (s *Server) Role() Role {
	switch {
	case s.cfg.Primary:
		return RolePrimary
	case s.promoted.Load():
		return RoleBackupPromoted
	default:
		return RoleBackupStandby
	}
}

// Registry returns the node and file registry.
func (s *Server) Registry() *Registry { return s.registry }

// Queue returns the job queue.
func (s *Server) Queue() *JobQueue { return s.queue }

// Engine returns the replication engine.
func (s *Server) Engine() *Engine { return s.engine }

// Replicator returns the state replicator, nil on a backup.
func (s *Server) Replicator() *StateReplicator { return s.replicator }

// EngineStarts returns how many times the engine has been started; at most 1.
func (s *Server) EngineStarts() int { return int(s.engineStarts.Load()) }

// Snapshot captures nodes, files and pending jobs for a STATE push.
func (s *Server) Snapshot() ServerState {
	return s.registry.Snapshot(s.queue.Snapshot())
}

// Handle dispatches one request. It implements cluster.Handler.
func (s *Server) Handle(ctx context.Context, req cluster.Message) cluster.Message {
	if req.Command != cluster.CmdState {
		s.promote()
	}

	switch req.Command {
	case cluster.CmdRegister:
		return s.handleRegister(req)
	case cluster.CmdNewFile:
		return s.handleNewFile(req)
	case cluster.CmdConnect:
		return s.handleConnect(ctx)
	case cluster.CmdFileList:
		return catalog.FileListResponse(s.registry)
	case cluster.CmdState:
		return s.handleState(req)
	default:
		return cluster.Failure(cluster.ReasonBadRequest)
	}
}

// promote turns a standby backup into an acting primary. Concurrent callers
// race on the flag; only the winner starts the engine.
func (s *Server) promote() {
	if s.cfg.Primary || !s.promoted.CompareAndSwap(false, true) {
		return
	}
	s.logger.Warn().Str("id", s.cfg.ID).Msg("primary presumed down, backup taking over")
	s.startEngine()
}

func (s *Server) startEngine() {
	s.engineStarts.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.engine.Run(s.ctx)
	}()
}

func (s *Server) handleRegister(req cluster.Message) cluster.Message {
	var addr string
	if err := req.Item(0, &addr); err != nil {
		return cluster.Failure(cluster.ReasonBadRequest)
	}
	if _, err := cluster.ParseAddress(addr); err != nil {
		return cluster.Failure(err.Error())
	}

	s.registry.RegisterNode(addr)
	job := NewSyncEverythingJob(addr)
	s.queue.Enqueue(job)
	s.logger.Info().Str("node", addr).Str("job", job.ID).Msg("storage node registered")
	return cluster.Success()
}

func (s *Server) handleNewFile(req cluster.Message) cluster.Message {
	var origin string
	var rec cluster.FileRecord
	var payload []byte
	if req.Item(0, &origin) != nil || req.Item(1, &rec) != nil || req.Item(2, &payload) != nil || rec.Name == "" {
		return cluster.Failure(cluster.ReasonBadRequest)
	}

	if s.registry.FileExists(rec.Name) {
		return cluster.Failure(cluster.ReasonFileExists)
	}

	job := NewSyncFileJob(origin, rec, payload)
	s.queue.Enqueue(job)
	s.logger.Info().Str("file", rec.Name).Int64("size", rec.Size).Str("origin", origin).
		Str("job", job.ID).Msg("new file queued for replication")
	return cluster.Success()
}

func (s *Server) handleConnect(ctx context.Context) cluster.Message {
	addr, err := s.selector.SelectLiveNode(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("connect: no storage node available")
		return cluster.Failure(cluster.ReasonNoLiveNode)
	}
	return cluster.Success(addr)
}

func (s *Server) handleState(req cluster.Message) cluster.Message {
	var state ServerState
	if err := req.Item(0, &state); err != nil {
		return cluster.Failure(cluster.ReasonBadRequest)
	}

	s.registry.Restore(state)
	s.queue.Replace(state.Jobs)
	s.logger.Debug().Int("nodes", len(state.Nodes)).Int("files", len(state.Files)).
		Int("jobs", len(state.Jobs)).Msg("state applied")
	return cluster.Success()
}
