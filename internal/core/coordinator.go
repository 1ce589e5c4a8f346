package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"RiskCore/internal/hierarchy"
	"RiskCore/internal/observability"

	"github.com/rs/zerolog"
)

// RunFunc executes one attempt of an aggregation run. It must return
// ctx.Err() (or an error wrapping it) when cancelled.
type RunFunc func(ctx context.Context, node hierarchy.NodeID, asOf time.Time, attempt int) error

// FailureFunc observes a run that exhausted its attempts.
type FailureFunc func(node hierarchy.NodeID, asOf time.Time, err error)

type RunConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultRunConfig() RunConfig {
	return RunConfig{MaxAttempts: 3, InitialBackoff: 200 * time.Millisecond, MaxBackoff: 5 * time.Second}
}

// RunCoordinator allows one aggregation run per node at a time. A trigger
// that arrives during a run cancels it and marks the node pending; the
// triggers are coalesced and the run restarts once with the newest as-of.
type RunCoordinator struct {
	run       RunFunc
	onFailure FailureFunc
	cfg       RunConfig
	metrics   *observability.Metrics
	log       zerolog.Logger

	mu     sync.Mutex
	slots  map[hierarchy.NodeID]*runSlot
	base   context.Context
	stop   context.CancelFunc
	closed bool
	wg     sync.WaitGroup
}

type runSlot struct {
	running     bool
	cancel      context.CancelFunc
	pending     bool
	pendingAsOf time.Time
}

func NewRunCoordinator(run RunFunc, cfg RunConfig, metrics *observability.Metrics, log zerolog.Logger) *RunCoordinator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultRunConfig().InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	base, stop := context.WithCancel(context.Background())
	return &RunCoordinator{
		run:     run,
		cfg:     cfg,
		metrics: metrics,
		log:     log.With().Str("component", "run_coordinator").Logger(),
		slots:   make(map[hierarchy.NodeID]*runSlot),
		base:    base,
		stop:    stop,
	}
}

func (c *RunCoordinator) OnFailure(f FailureFunc) { c.onFailure = f }

// Trigger requests a run of node at asOf.
func (c *RunCoordinator) Trigger(node hierarchy.NodeID, asOf time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	s := c.slots[node]
	if s == nil {
		s = &runSlot{}
		c.slots[node] = s
	}

	if s.running {
		if s.pending && c.metrics != nil {
			c.metrics.RunsCoalesced.Inc()
		}
		s.pending = true
		if asOf.After(s.pendingAsOf) {
			s.pendingAsOf = asOf
		}
		if s.cancel != nil {
			s.cancel()
		}
		return
	}

	s.running = true
	c.wg.Add(1)
	go c.loop(node, s, asOf)
}

func (c *RunCoordinator) loop(node hierarchy.NodeID, s *runSlot, asOf time.Time) {
	defer c.wg.Done()
	for {
		ctx, cancel := context.WithCancel(c.base)
		c.mu.Lock()
		s.cancel = cancel
		c.mu.Unlock()

		c.execute(ctx, node, asOf, s)
		cancel()

		c.mu.Lock()
		if s.pending && !c.closed {
			if s.pendingAsOf.After(asOf) {
				asOf = s.pendingAsOf
			}
			s.pending = false
			s.pendingAsOf = time.Time{}
			c.mu.Unlock()
			continue
		}
		s.running = false
		s.pending = false
		s.cancel = nil
		c.mu.Unlock()
		return
	}
}

// execute runs the attempts of one run. Failed attempts are retried with
// exponential backoff at the same as-of; nothing of a failed or cancelled
// attempt is kept. A retry is abandoned once a later as-of is pending,
// which the loop then runs instead.
func (c *RunCoordinator) execute(ctx context.Context, node hierarchy.NodeID, asOf time.Time, s *runSlot) {
	backoff := c.cfg.InitialBackoff
	for attempt := 1; ; attempt++ {
		start := time.Now()
		err := c.run(ctx, node, asOf, attempt)
		elapsed := time.Since(start).Seconds()

		switch {
		case err == nil:
			c.observe("ok", elapsed)
			return
		case ctx.Err() != nil || errors.Is(err, context.Canceled):
			c.observe("cancelled", elapsed)
			if c.metrics != nil {
				c.metrics.RunsCancelled.Inc()
			}
			c.log.Debug().Str("node", string(node)).Time("as_of", asOf).Msg("run superseded")
			return
		}

		c.observe("failed", elapsed)
		if attempt >= c.cfg.MaxAttempts {
			c.log.Error().Err(err).Str("node", string(node)).Time("as_of", asOf).Int("attempts", attempt).Msg("aggregation run failed")
			if c.onFailure != nil {
				c.onFailure(node, asOf, err)
			}
			return
		}
		c.log.Warn().Err(err).Str("node", string(node)).Int("attempt", attempt).Dur("backoff", backoff).Msg("aggregation run failed, retrying")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			if c.metrics != nil {
				c.metrics.RunsCancelled.Inc()
			}
			return
		case <-timer.C:
		}
		if c.superseded(s, asOf) {
			c.log.Debug().Str("node", string(node)).Time("as_of", asOf).Msg("retry superseded by a later as-of")
			return
		}
		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
}

func (c *RunCoordinator) superseded(s *runSlot, asOf time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return s.pending && s.pendingAsOf.After(asOf)
}

func (c *RunCoordinator) observe(outcome string, seconds float64) {
	if c.metrics == nil {
		return
	}
	c.metrics.RunsTotal.WithLabelValues(outcome).Inc()
	c.metrics.RunDuration.WithLabelValues(outcome).Observe(seconds)
}

// Running reports whether node has a run in flight.
func (c *RunCoordinator) Running(node hierarchy.NodeID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.slots[node]
	return s != nil && s.running
}

// Wait blocks until every started run, including coalesced restarts, has
// finished.
func (c *RunCoordinator) Wait() { c.wg.Wait() }

// Close cancels in-flight runs, drops pending ones and waits for the
// workers to exit.
func (c *RunCoordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.stop()
	c.wg.Wait()
}
