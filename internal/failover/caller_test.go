package failover

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/dirstore/internal/cluster"
)

func unreachable(addr string) error {
	return fmt.Errorf("%w: dial %s", cluster.ErrUnreachable, addr)
}

func TestCallerStaysOnHealthyPrimary(t *testing.T) {
	c := New("primary:1", "backup:2", zerolog.Nop())
	var calls []string

	err := c.Do(context.Background(), func(_ context.Context, addr string) error {
		calls = append(calls, addr)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"primary:1"}, calls)
	assert.False(t, c.Switched())
	assert.Equal(t, "primary:1", c.Current())
}

func TestCallerFlipsOnceOnConnectivityFailure(t *testing.T) {
	c := New("primary:1", "backup:2", zerolog.Nop())
	var calls []string

	err := c.Do(context.Background(), func(_ context.Context, addr string) error {
		calls = append(calls, addr)
		if addr == "primary:1" {
			return unreachable(addr)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"primary:1", "backup:2"}, calls)
	assert.True(t, c.Switched())
	assert.Equal(t, "backup:2", c.Current())

	// Later calls go straight to the backup
	calls = nil
	require.NoError(t, c.Do(context.Background(), func(_ context.Context, addr string) error {
		calls = append(calls, addr)
		return nil
	}))
	assert.Equal(t, []string{"backup:2"}, calls)
}

func TestCallerExhausted(t *testing.T) {
	c := New("primary:1", "backup:2", zerolog.Nop())
	attempts := 0

	err := c.Do(context.Background(), func(_ context.Context, addr string) error {
		attempts++
		return unreachable(addr)
	})

	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 2, attempts, "one try per endpoint, no further retries")

	// Once on the secondary a failure is terminal immediately
	attempts = 0
	err = c.Do(context.Background(), func(_ context.Context, addr string) error {
		attempts++
		return unreachable(addr)
	})
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 1, attempts)
}

func TestCallerSwitchIsIrreversible(t *testing.T) {
	c := New("primary:1", "backup:2", zerolog.Nop())
	assert.True(t, c.Switch())
	assert.False(t, c.Switch(), "flipping twice fails")
	assert.Equal(t, "backup:2", c.Current())
}

func TestCallerApplicationErrorDoesNotFlip(t *testing.T) {
	c := New("primary:1", "backup:2", zerolog.Nop())
	rejection := &cluster.RemoteError{Reason: "file already exists"}

	err := c.Do(context.Background(), func(_ context.Context, addr string) error {
		return rejection
	})

	var remote *cluster.RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, "file already exists", remote.Reason)
	assert.False(t, c.Switched())
}

func TestCallerConcurrentFailuresAllReachBackup(t *testing.T) {
	c := New("primary:1", "backup:2", zerolog.Nop())
	var wg sync.WaitGroup
	errs := make([]error, 16)

	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.Do(context.Background(), func(_ context.Context, addr string) error {
				if addr == "primary:1" {
					return unreachable(addr)
				}
				return nil
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "call %d", i)
	}
	assert.True(t, c.Switched())
}

func TestCallerCallOverRPC(t *testing.T) {
	backup := httptest.NewServer(cluster.NewMux(cluster.HandlerFunc(func(_ context.Context, req cluster.Message) cluster.Message {
		if req.Command == cluster.CmdRegister {
			return cluster.Success()
		}
		return cluster.Failure(cluster.ReasonBadRequest)
	})))
	defer backup.Close()

	// The primary is a closed server: connections are refused
	dead := httptest.NewServer(nil)
	deadAddr := strings.TrimPrefix(dead.URL, "http://")
	dead.Close()

	c := New(deadAddr, strings.TrimPrefix(backup.URL, "http://"), zerolog.Nop())
	client := cluster.NewClient(0)

	_, err := c.Call(context.Background(), client, cluster.CmdRegister, "10.0.0.5:14000")
	require.NoError(t, err)
	assert.True(t, c.Switched())

	_, err = c.Call(context.Background(), client, "NOPE")
	var remote *cluster.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, cluster.ReasonBadRequest, remote.Reason)
}
