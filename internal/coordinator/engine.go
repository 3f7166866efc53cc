// Package coordinator provides the directory server functionality.
// This file implements the replication engine that drains the job queue.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/dirstore/internal/cluster"
)

// Default engine tuning.
const (
	DefaultPollInterval   = time.Second
	DefaultSourceAttempts = 10
)

// errTargetDown aborts a SyncEverything job once its target stops answering.
var errTargetDown = errors.New("sync target unreachable")

// Directory is the slice of directory state the engine reads and updates.
type Directory interface {
	AliveNodes(excluding ...string) []string
	MarkUnavailable(addr string) bool
	ListFiles() []cluster.FileRecord
	AddFile(rec cluster.FileRecord) bool
}

// SourceSelector picks a live node to copy a file from.
type SourceSelector interface {
	SelectLiveNode(ctx context.Context, excluding ...string) (string, error)
}

// EngineConfig tunes an Engine. Zero values fall back to the defaults.
type EngineConfig struct {
	PollInterval   time.Duration // Sleep between empty-queue polls
	SourceAttempts int           // Source selections per file before abandoning it
}

// EngineStats counts what the engine has done since it was created.
type EngineStats struct {
	Jobs           int64 `json:"jobs"`
	UploadsOK      int64 `json:"uploads_ok"`
	UploadsFailed  int64 `json:"uploads_failed"`
	FilesSynced    int64 `json:"files_synced"`
	FilesAbandoned int64 `json:"files_abandoned"`
}

// Engine takes jobs off the queue one at a time and runs them to
// completion. Inside a job the per-node transfers run concurrently and are
// joined before the next job is taken.
type Engine struct {
	dir      Directory
	queue    *JobQueue
	transfer Transfer
	selector SourceSelector
	cfg      EngineConfig
	logger   zerolog.Logger

	jobs, uploadsOK, uploadsFailed, synced, abandoned atomic.Int64
}

// NewEngine wires an engine to the directory state and transport it acts on.
func NewEngine(dir Directory, queue *JobQueue, transfer Transfer, selector SourceSelector, cfg EngineConfig, logger zerolog.Logger) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.SourceAttempts <= 0 {
		cfg.SourceAttempts = DefaultSourceAttempts
	}
	return &Engine{
		dir:      dir,
		queue:    queue,
		transfer: transfer,
		selector: selector,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run drains the queue until ctx is canceled, sleeping PollInterval
// whenever the queue is empty. A job in progress is finished first, with
// ctx passed to its transfers.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info().Dur("poll_interval", e.cfg.PollInterval).Msg("replication engine started")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("replication engine stopping")
			return
		case <-timer.C:
		}

		for ctx.Err() == nil && e.RunOnce(ctx) {
		}
		timer.Reset(e.cfg.PollInterval)
	}
}

// RunOnce processes the job at the head of the queue, if any, and reports
// whether there was one.
func (e *Engine) RunOnce(ctx context.Context) bool {
	job, ok := e.queue.Dequeue()
	if !ok {
		return false
	}
	e.Process(ctx, job)
	return true
}

// Process runs a single job to completion.
func (e *Engine) Process(ctx context.Context, job Job) {
	e.jobs.Add(1)
	log := e.logger.With().Str("job", job.ID).Str("kind", string(job.Kind)).Logger()

	switch job.Kind {
	case JobSyncFile:
		e.syncFile(ctx, log, job)
	case JobSyncEverything:
		e.syncEverything(ctx, log, job)
	default:
		log.Error().Msg("dropping job of unknown kind")
	}
}

// Stats returns the engine counters.
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		Jobs:           e.jobs.Load(),
		UploadsOK:      e.uploadsOK.Load(),
		UploadsFailed:  e.uploadsFailed.Load(),
		FilesSynced:    e.synced.Load(),
		FilesAbandoned: e.abandoned.Load(),
	}
}

// syncFile pushes the payload to every live node except the origin, waits
// for all pushes, then commits the file record. Nodes that fail the push
// are marked unavailable; the record is committed regardless.
func (e *Engine) syncFile(ctx context.Context, log zerolog.Logger, job Job) {
	targets := e.dir.AliveNodes(job.Origin)

	var g errgroup.Group
	for _, addr := range targets {
		addr := addr
		g.Go(func() error {
			if err := e.transfer.Upload(ctx, addr, job.File, job.Payload); err != nil {
				e.uploadsFailed.Add(1)
				e.uploadFailed(ctx, log, addr, job.File.Name, err)
				return nil
			}
			e.uploadsOK.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	if e.dir.AddFile(job.File) {
		log.Info().Str("file", job.File.Name).Str("origin", job.Origin).
			Int("replicas", len(targets)).Msg("file replicated")
	} else {
		log.Warn().Str("file", job.File.Name).Msg("file already recorded, keeping first record")
	}
}

// syncEverything copies every recorded file onto the target, each from a
// randomly chosen live source other than the target. Files are copied
// concurrently; the first failure to reach the target cancels the rest.
func (e *Engine) syncEverything(ctx context.Context, log zerolog.Logger, job Job) {
	files := e.dir.ListFiles()
	if len(files) == 0 {
		log.Debug().Str("target", job.Target).Msg("nothing to sync")
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, rec := range files {
		rec := rec
		g.Go(func() error {
			return e.syncOne(gctx, log, job.Target, rec)
		})
	}

	if err := g.Wait(); err != nil {
		log.Warn().Err(err).Str("target", job.Target).Msg("sync aborted")
		return
	}
	log.Info().Str("target", job.Target).Int("files", len(files)).Msg("node synced")
}

func (e *Engine) syncOne(ctx context.Context, log zerolog.Logger, target string, rec cluster.FileRecord) error {
	if ctx.Err() != nil {
		e.abandoned.Add(1)
		return nil
	}

	source, err := e.pickSource(ctx, log, target)
	if err != nil {
		e.abandoned.Add(1)
		return nil
	}

	_, data, err := e.transfer.Download(ctx, source, rec.Name)
	if err != nil {
		e.abandoned.Add(1)
		if cluster.IsUnreachable(err) && ctx.Err() == nil {
			e.dir.MarkUnavailable(source)
		}
		log.Warn().Err(err).Str("file", rec.Name).Str("source", source).Msg("download failed, file abandoned")
		return nil
	}

	if err := e.transfer.Upload(ctx, target, rec, data); err != nil {
		e.abandoned.Add(1)
		if cluster.IsUnreachable(err) && ctx.Err() == nil {
			e.dir.MarkUnavailable(target)
			return fmt.Errorf("%w: %s: %v", errTargetDown, target, err)
		}
		log.Warn().Err(err).Str("file", rec.Name).Str("target", target).Msg("upload rejected, file abandoned")
		return nil
	}

	e.synced.Add(1)
	return nil
}

// pickSource retries selection a bounded number of times. Running out
// usually means the target is the only live node.
func (e *Engine) pickSource(ctx context.Context, log zerolog.Logger, target string) (string, error) {
	for attempt := 0; attempt < e.cfg.SourceAttempts; attempt++ {
		source, err := e.selector.SelectLiveNode(ctx, target)
		if err == nil {
			return source, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	log.Warn().Str("target", target).Msg("no live source besides the target, it may be the only live node")
	return "", ErrNoLiveNode
}

func (e *Engine) uploadFailed(ctx context.Context, log zerolog.Logger, addr, name string, err error) {
	if !cluster.IsUnreachable(err) || ctx.Err() != nil {
		log.Warn().Err(err).Str("node", addr).Str("file", name).Msg("upload rejected")
		return
	}
	e.dir.MarkUnavailable(addr)
	log.Warn().Err(err).Str("node", addr).Str("file", name).Msg("upload failed, node marked unavailable")
}
