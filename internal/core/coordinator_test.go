package core_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"RiskCore/internal/core"
	"RiskCore/internal/hierarchy"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRunConfig(attempts int) core.RunConfig {
	return core.RunConfig{MaxAttempts: attempts, InitialBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond}
}

func TestCoordinator_RetriesWithSameAsOf(t *testing.T) {
	var (
		mu    sync.Mutex
		seen  []time.Time
		calls atomic.Int32
	)
	run := func(_ context.Context, _ hierarchy.NodeID, at time.Time, attempt int) error {
		mu.Lock()
		seen = append(seen, at)
		mu.Unlock()
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}
	c := core.NewRunCoordinator(run, fastRunConfig(3), nil, zerolog.Nop())
	defer c.Close()

	c.Trigger("firm", asOf)
	c.Wait()

	assert.Equal(t, int32(3), calls.Load())
	for _, at := range seen {
		assert.Equal(t, asOf, at)
	}
	assert.False(t, c.Running("firm"))
}

func TestCoordinator_LaterAsOfReplacesRetry(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []time.Time
	)
	failed := make(chan struct{})
	run := func(_ context.Context, _ hierarchy.NodeID, at time.Time, attempt int) error {
		mu.Lock()
		seen = append(seen, at)
		mu.Unlock()
		if attempt == 1 && at.Equal(asOf) {
			close(failed)
			return errors.New("transient")
		}
		return nil
	}
	cfg := core.RunConfig{MaxAttempts: 3, InitialBackoff: time.Hour, MaxBackoff: time.Hour}
	c := core.NewRunCoordinator(run, cfg, nil, zerolog.Nop())
	defer c.Close()

	c.Trigger("firm", asOf)
	<-failed
	later := asOf.Add(time.Minute)
	c.Trigger("firm", later)
	c.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []time.Time{asOf, later}, seen, "the pending as-of runs instead of the stale retry")
}

func TestCoordinator_ReportsExhaustedRun(t *testing.T) {
	var failed atomic.Bool
	run := func(context.Context, hierarchy.NodeID, time.Time, int) error { return errors.New("broken") }
	c := core.NewRunCoordinator(run, fastRunConfig(2), nil, zerolog.Nop())
	defer c.Close()
	c.OnFailure(func(node hierarchy.NodeID, _ time.Time, err error) {
		assert.Equal(t, hierarchy.NodeID("firm"), node)
		assert.Error(t, err)
		failed.Store(true)
	})

	c.Trigger("firm", asOf)
	c.Wait()
	assert.True(t, failed.Load())
}

func TestCoordinator_TriggerCancelsAndCoalesces(t *testing.T) {
	started := make(chan time.Time, 8)
	release := make(chan struct{})
	var completed []time.Time
	var mu sync.Mutex

	run := func(ctx context.Context, _ hierarchy.NodeID, at time.Time, _ int) error {
		started <- at
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-release:
		}
		mu.Lock()
		completed = append(completed, at)
		mu.Unlock()
		return nil
	}
	c := core.NewRunCoordinator(run, fastRunConfig(1), nil, zerolog.Nop())
	defer c.Close()

	c.Trigger("firm", asOf)
	require.Equal(t, asOf, <-started)

	// Two triggers during the run collapse into one restart at the newest as-of.
	c.Trigger("firm", asOf.Add(2*time.Minute))
	c.Trigger("firm", asOf.Add(time.Minute))

	restarted := <-started
	assert.Equal(t, asOf.Add(2*time.Minute), restarted)
	close(release)
	c.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []time.Time{asOf.Add(2 * time.Minute)}, completed)
}

func TestCoordinator_NodesRunIndependently(t *testing.T) {
	var runs sync.Map
	run := func(_ context.Context, node hierarchy.NodeID, _ time.Time, _ int) error {
		runs.Store(node, true)
		return nil
	}
	c := core.NewRunCoordinator(run, fastRunConfig(1), nil, zerolog.Nop())
	defer c.Close()

	c.Trigger("firm-a", asOf)
	c.Trigger("firm-b", asOf)
	c.Wait()

	_, a := runs.Load(hierarchy.NodeID("firm-a"))
	_, b := runs.Load(hierarchy.NodeID("firm-b"))
	assert.True(t, a)
	assert.True(t, b)
}

func TestCoordinator_ClosedIgnoresTriggers(t *testing.T) {
	var calls atomic.Int32
	c := core.NewRunCoordinator(func(context.Context, hierarchy.NodeID, time.Time, int) error {
		calls.Add(1)
		return nil
	}, fastRunConfig(1), nil, zerolog.Nop())
	c.Close()
	c.Trigger("firm", asOf)
	c.Wait()
	assert.Zero(t, calls.Load())
}
