// Package failover implements the two-endpoint request pattern used to reach
// the directory tier: try the primary, switch to the backup once, try again,
// otherwise give up.
package failover

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/dreamware/dirstore/internal/cluster"
)

// ErrExhausted is returned when both endpoints failed with connectivity
// errors. The switch to the secondary is irreversible, so every later call
// on the same Caller only tries the secondary.
var ErrExhausted = errors.New("both directory endpoints are unreachable")

// Op is one logical operation against a single endpoint.
type Op func(ctx context.Context, addr string) error

// Caller holds a binary selector over a primary and a secondary endpoint.
// Safe for concurrent use.
type Caller struct {
	endpoints [2]string
	index     atomic.Int32
	logger    zerolog.Logger
}

// New returns a Caller pointing at primary.
func New(primary, secondary string, logger zerolog.Logger) *Caller {
	return &Caller{
		endpoints: [2]string{primary, secondary},
		logger:    logger,
	}
}

// Current returns the endpoint calls are sent to.
func (c *Caller) Current() string {
	return c.endpoints[c.index.Load()]
}

// Switched reports whether the caller has moved to the secondary.
func (c *Caller) Switched() bool {
	return c.index.Load() == 1
}

// Switch performs the one-time flip to the secondary. It returns false if
// the caller was already on the secondary, i.e. when asked to flip twice.
func (c *Caller) Switch() bool {
	return c.index.CompareAndSwap(0, 1)
}

// Do runs op against the current endpoint. A connectivity failure on the
// primary flips to the secondary and retries once; a connectivity failure
// on the secondary ends with ErrExhausted. Application failures are
// returned unchanged and never cause a flip.
func (c *Caller) Do(ctx context.Context, op Op) error {
	idx := c.index.Load()
	err := op(ctx, c.endpoints[idx])
	if err == nil || !cluster.IsUnreachable(err) {
		return err
	}
	if idx == 1 {
		return fmt.Errorf("%w: %v", ErrExhausted, err)
	}

	// Losing the CAS means a concurrent call already flipped; either way we
	// are on the secondary now.
	if c.Switch() {
		c.logger.Warn().Err(err).
			Str("from", c.endpoints[0]).
			Str("to", c.endpoints[1]).
			Msg("primary directory unreachable, switching to backup")
	}
	if err := op(ctx, c.endpoints[1]); err != nil {
		if cluster.IsUnreachable(err) {
			return fmt.Errorf("%w: %v", ErrExhausted, err)
		}
		return err
	}
	return nil
}

// Call sends one request through Do and returns the SUCCESS reply.
func (c *Caller) Call(ctx context.Context, client *cluster.Client, command string, items ...any) (cluster.Message, error) {
	var resp cluster.Message
	err := c.Do(ctx, func(ctx context.Context, addr string) error {
		var err error
		resp, err = client.Do(ctx, addr, command, items...)
		return err
	})
	return resp, err
}
