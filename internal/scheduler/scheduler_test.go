package scheduler_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"RiskCore/internal/scheduler"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingJob struct {
	runs atomic.Int32
	err  error
}

func (j *countingJob) Name() string { return "counting" }

func (j *countingJob) Run(ctx context.Context) error {
	j.runs.Add(1)
	return j.err
}

type fakeEngine struct {
	recomputes atomic.Int32
	triggers   atomic.Int32
	asOf       atomic.Value
	err        error
}

func (f *fakeEngine) RecomputeAllCorrelations(_ context.Context, asOf time.Time) error {
	f.recomputes.Add(1)
	f.asOf.Store(asOf)
	return f.err
}

func (f *fakeEngine) TriggerAll() { f.triggers.Add(1) }

// ============================================================================
// Scheduler
// ============================================================================

func TestScheduler_RejectsBadSchedule(t *testing.T) {
	s := scheduler.New(zerolog.Nop())
	err := s.AddJob("every tuesday", &countingJob{})
	require.Error(t, err)
}

func TestScheduler_RunsJobOnSchedule(t *testing.T) {
	s := scheduler.New(zerolog.Nop())
	job := &countingJob{}
	require.NoError(t, s.AddJob("@every 1s", job))

	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool { return job.runs.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
}

func TestScheduler_FailingJobKeepsSchedule(t *testing.T) {
	s := scheduler.New(zerolog.Nop())
	job := &countingJob{err: errors.New("boom")}
	require.NoError(t, s.AddJob("@every 1s", job))

	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool { return job.runs.Load() >= 2 }, 5*time.Second, 20*time.Millisecond)
}

func TestScheduler_RunNow(t *testing.T) {
	s := scheduler.New(zerolog.Nop())
	job := &countingJob{err: errors.New("boom")}

	err := s.RunNow(job)
	require.EqualError(t, err, "boom")
	assert.Equal(t, int32(1), job.runs.Load())
}

// ============================================================================
// Jobs
// ============================================================================

func TestCorrelationJob(t *testing.T) {
	e := &fakeEngine{}
	job := scheduler.NewCorrelationJob(e)
	assert.Equal(t, "correlation_recompute", job.Name())

	before := time.Now().UTC()
	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, int32(1), e.recomputes.Load())

	asOf := e.asOf.Load().(time.Time)
	assert.False(t, asOf.Before(before.Truncate(time.Second)))
	assert.Equal(t, time.UTC, asOf.Location())
}

func TestCorrelationJob_PropagatesError(t *testing.T) {
	e := &fakeEngine{err: errors.New("tenant acme: no books")}
	err := scheduler.NewCorrelationJob(e).Run(context.Background())
	require.Error(t, err)
}

func TestSweepJob(t *testing.T) {
	e := &fakeEngine{}
	s := scheduler.New(zerolog.Nop())
	require.NoError(t, s.RunNow(scheduler.NewSweepJob(e)))
	assert.Equal(t, int32(1), e.triggers.Load())
}
