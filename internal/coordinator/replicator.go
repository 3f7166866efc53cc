package coordinator

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// DefaultStateInterval is how often a primary pushes its state.
const DefaultStateInterval = time.Second

// StateSource produces the snapshot to push.
type StateSource interface {
	Snapshot() ServerState
}

type statePusher interface {
	PushState(ctx context.Context, addr string, state ServerState) error
}

// StateReplicator periodically pushes the primary's full state to the
// backup. A failed push is logged and retried on the next tick; it never
// stops the primary.
type StateReplicator struct {
	backup   string
	source   StateSource
	pusher   statePusher
	interval time.Duration
	logger   zerolog.Logger

	pushes, failures atomic.Int64
	lastFailed       atomic.Bool
}

// NewStateReplicator creates a replicator pushing source's state to backup.
func NewStateReplicator(backup string, source StateSource, pusher statePusher, interval time.Duration, logger zerolog.Logger) *StateReplicator {
	if interval <= 0 {
		interval = DefaultStateInterval
	}
	return &StateReplicator{
		backup:   backup,
		source:   source,
		pusher:   pusher,
		interval: interval,
		logger:   logger,
	}
}

// Run pushes every interval until ctx is canceled.
func (r *StateReplicator) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().Str("backup", r.backup).Dur("interval", r.interval).Msg("state replicator started")

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("state replicator stopping")
			return
		case <-ticker.C:
			_ = r.PushOnce(ctx)
		}
	}
}

// PushOnce takes a snapshot and sends it. Only the first failure of a run of
// failures is logged at warn level.
func (r *StateReplicator) PushOnce(ctx context.Context) error {
	state := r.source.Snapshot()
	if err := r.pusher.PushState(ctx, r.backup, state); err != nil {
		r.failures.Add(1)
		if ctx.Err() != nil {
			return err
		}
		if r.lastFailed.CompareAndSwap(false, true) {
			r.logger.Warn().Err(err).Str("backup", r.backup).Msg("state push failed")
		} else {
			r.logger.Debug().Err(err).Str("backup", r.backup).Msg("state push failed")
		}
		return err
	}

	r.pushes.Add(1)
	if r.lastFailed.CompareAndSwap(true, false) {
		r.logger.Info().Str("backup", r.backup).Msg("state push recovered")
	}
	return nil
}

// Pushes returns the number of successful pushes.
func (r *StateReplicator) Pushes() int64 { return r.pushes.Load() }

// Failures returns the number of failed pushes.
func (r *StateReplicator) Failures() int64 { return r.failures.Load() }
