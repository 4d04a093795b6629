package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smallbiznis/balancer/internal/config"
	"github.com/smallbiznis/balancer/pkg/telemetry/correlation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastDispatcher(cfg config.DispatchConfig) *Dispatcher {
	d := newDispatcher(cfg, nil, nil)
	d.initialInterval = time.Millisecond
	d.maxInterval = 2 * time.Millisecond
	return d
}

func TestDispatcherRetriesUntilSuccess(t *testing.T) {
	d := fastDispatcher(config.DispatchConfig{Workers: 2, QueueSize: 4, MaxTries: 5})
	d.Start()

	var calls atomic.Int32
	done := make(chan string, 1)
	ctx := correlation.ContextWithCorrelationID(context.Background(), "corr-1")

	require.NoError(t, d.Submit(ctx, "test.task", func(ctx context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("downstream unavailable")
		}
		done <- correlation.ExtractCorrelationID(ctx)
		return nil
	}))

	select {
	case cid := <-done:
		assert.Equal(t, "corr-1", cid)
	case <-time.After(2 * time.Second):
		t.Fatal("task did not complete")
	}
	require.NoError(t, d.Stop(context.Background()))
	assert.Equal(t, int32(3), calls.Load())
}

func TestDispatcherGivesUpAfterMaxTries(t *testing.T) {
	d := fastDispatcher(config.DispatchConfig{Workers: 1, QueueSize: 1, MaxTries: 3})
	d.Start()

	var calls atomic.Int32
	require.NoError(t, d.Submit(context.Background(), "test.task", func(context.Context) error {
		calls.Add(1)
		return errors.New("always fails")
	}))

	require.NoError(t, d.Stop(context.Background()))
	assert.Equal(t, int32(3), calls.Load())
}

func TestDispatcherRejectsAfterStop(t *testing.T) {
	d := fastDispatcher(config.DispatchConfig{})
	d.Start()
	require.NoError(t, d.Stop(context.Background()))

	err := d.Submit(context.Background(), "test.task", func(context.Context) error { return nil })
	require.ErrorIs(t, err, ErrDispatcherClosed)
}

func TestDispatcherDropsWhenQueueFull(t *testing.T) {
	d := fastDispatcher(config.DispatchConfig{Workers: 1, QueueSize: 1, MaxTries: 1})

	noop := func(context.Context) error { return nil }
	require.NoError(t, d.Submit(context.Background(), "test.task", noop))
	require.Error(t, d.Submit(context.Background(), "test.task", noop))

	d.Start()
	require.NoError(t, d.Stop(context.Background()))
}
