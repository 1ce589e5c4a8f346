package scheduler

import (
	"context"
	"time"
)

// CorrelationRecomputer refreshes book correlation matrices of every
// tenant. Implemented by core.Engine.
type CorrelationRecomputer interface {
	RecomputeAllCorrelations(ctx context.Context, asOf time.Time) error
}

// RunTrigger schedules an aggregation of every firm. Implemented by
// core.Engine.
type RunTrigger interface {
	TriggerAll()
}

// CorrelationJob recomputes correlation matrices as of the tick time.
type CorrelationJob struct {
	engine CorrelationRecomputer
	now    func() time.Time
}

func NewCorrelationJob(engine CorrelationRecomputer) *CorrelationJob {
	return &CorrelationJob{engine: engine, now: func() time.Time { return time.Now().UTC() }}
}

func (j *CorrelationJob) Name() string { return "correlation_recompute" }

func (j *CorrelationJob) Run(ctx context.Context) error {
	return j.engine.RecomputeAllCorrelations(ctx, j.now())
}

// SweepJob re-runs every firm so that expired waivers reopen and metrics
// that aged past the staleness bound get flagged without new input.
type SweepJob struct {
	engine RunTrigger
}

func NewSweepJob(engine RunTrigger) *SweepJob {
	return &SweepJob{engine: engine}
}

func (j *SweepJob) Name() string { return "aggregation_sweep" }

func (j *SweepJob) Run(_ context.Context) error {
	j.engine.TriggerAll()
	return nil
}
