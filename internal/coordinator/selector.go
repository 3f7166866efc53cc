// Package coordinator provides the directory server functionality.
// This file implements liveness-checked selection of storage nodes.
package coordinator

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ErrNoLiveNode is returned when no candidate answered a heartbeat within
// the selector's attempt budget.
var ErrNoLiveNode = errors.New("no live storage node")

// Default selector tuning.
const (
	DefaultMaxProbeAttempts = 32
	DefaultProbeRate        = rate.Limit(50)
	DefaultProbeBurst       = 10
)

// ProbeFunc sends one heartbeat to addr. Any reply counts as alive.
type ProbeFunc func(ctx context.Context, addr string) error

// nodeSet is the part of the registry the selector needs.
type nodeSet interface {
	AliveNodes(excluding ...string) []string
	MarkUnavailable(addr string) bool
}

// SelectorConfig tunes a Selector. Zero values fall back to the defaults.
type SelectorConfig struct {
	MaxAttempts int        // Probes before giving up with ErrNoLiveNode
	ProbeRate   rate.Limit // Heartbeats per second across all callers
	ProbeBurst  int
	Rand        *rand.Rand // Source for the random pick; seed it in tests
}

// Selector picks a random storage node flagged alive and confirms it with a
// heartbeat before returning it. Nodes that do not answer are marked
// unavailable and the pick is repeated.
//
// Thread Safety:
// SelectLiveNode may be called from any number of goroutines. The random
// source is guarded by its own mutex; the rate limiter is shared so that
// concurrent selections do not flood the cluster with heartbeats.
type Selector struct {
	nodes       nodeSet
	probe       ProbeFunc
	limiter     *rate.Limiter
	rng         *rand.Rand
	rngMu       sync.Mutex
	maxAttempts int
	logger      zerolog.Logger
}

// NewSelector creates a selector over nodes that checks candidates with probe.
//
// Parameters:
//   - nodes: Registry holding liveness flags
//   - probe: Heartbeat function, usually Peers.Heartbeat
//   - cfg: Attempt budget, probe pacing and random source
//   - logger: Component logger
//
// Example:
//
//	sel := NewSelector(registry, peers.Heartbeat, SelectorConfig{}, logger)
//	addr, err := sel.SelectLiveNode(ctx)
func NewSelector(nodes nodeSet, probe ProbeFunc, cfg SelectorConfig, logger zerolog.Logger) *Selector {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxProbeAttempts
	}
	if cfg.ProbeRate == 0 {
		cfg.ProbeRate = DefaultProbeRate
	}
	if cfg.ProbeBurst <= 0 {
		cfg.ProbeBurst = DefaultProbeBurst
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return &Selector{
		nodes:       nodes,
		probe:       probe,
		limiter:     rate.NewLimiter(cfg.ProbeRate, cfg.ProbeBurst),
		rng:         rng,
		maxAttempts: cfg.MaxAttempts,
		logger:      logger,
	}
}

// SetProbeFunction overrides the heartbeat used to confirm candidates.
// Must be called before the selector is shared.
func (s *Selector) SetProbeFunction(probe ProbeFunc) {
	s.probe = probe
}

// SelectLiveNode returns an address that is flagged alive, is not in
// excluding, and answered a heartbeat. A returned address has also not been
// marked unavailable by this call.
//
// Returns:
//   - ErrNoLiveNode if no candidate exists or every probe failed
//   - ctx.Err() if the context ended while waiting to probe
//
// Implementation:
//  1. Read the alive set minus excluding
//  2. Stop at once if it is empty; nothing can be probed
//  3. Pick one at random and heartbeat it
//  4. On failure mark it unavailable and go back to 1
func (s *Selector) SelectLiveNode(ctx context.Context, excluding ...string) (string, error) {
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		candidates := s.nodes.AliveNodes(excluding...)
		if len(candidates) == 0 {
			return "", ErrNoLiveNode
		}

		if err := s.limiter.Wait(ctx); err != nil {
			return "", err
		}

		addr := candidates[s.intn(len(candidates))]
		if err := s.probe(ctx, addr); err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if s.nodes.MarkUnavailable(addr) {
				s.logger.Warn().Err(err).Str("node", addr).Int("attempt", attempt).
					Msg("storage node failed heartbeat, marked unavailable")
			}
			continue
		}
		return addr, nil
	}

	s.logger.Warn().Int("attempts", s.maxAttempts).Msg("gave up selecting a live storage node")
	return "", ErrNoLiveNode
}

func (s *Selector) intn(n int) int {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Intn(n)
}
