package persistence

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"RiskCore/internal/core"
	"RiskCore/internal/event"
	"RiskCore/internal/observability"

	"github.com/rs/zerolog"
)

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The engine sends with a blocking send, so if this worker falls behind
// ingestion stalls and no output is lost. Notifications are forwarded to
// the publisher only after the transaction holding them committed.
//
// Outputs are batched per tenant and each tenant commits in its own
// transaction. A tenant whose writes fail is parked with exponential
// backoff while the others keep flushing; its rows stay buffered until a
// retry succeeds. Tenant-less outputs (securities, aliases) form their
// own lane and commit ahead of every tenant.
type PersistenceWorker struct {
	writer       *HistoryWriter
	inputChan    <-chan core.Output
	publishChan  chan<- event.Envelope
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger

	lanes     map[string]*lane
	flushRows func(ctx context.Context, tenant string, rows *Rows) error
	now       func() time.Time
}

type lane struct {
	tenant   string
	rows     *Rows
	failures int
	retryAt  time.Time
}

const (
	minRetryBackoff = 100 * time.Millisecond
	maxRetryBackoff = 30 * time.Second
)

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.Output,
	publishChan chan<- event.Envelope,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *PersistenceWorker {
	pw := &PersistenceWorker{
		writer:       NewHistoryWriter(db),
		inputChan:    inputChan,
		publishChan:  publishChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		log:          log.With().Str("component", "persistence").Logger(),
		lanes:        make(map[string]*lane),
		now:          time.Now,
	}
	pw.flushRows = func(ctx context.Context, _ string, rows *Rows) error {
		return pw.flushAndPublish(ctx, rows)
	}
	return pw
}

// Run batches incoming outputs and flushes a tenant either when its batch
// is full or the flush timeout expires. Blocks until ctx is cancelled or
// the input channel is closed.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			pw.finalFlush()
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				pw.finalFlush()
				return nil
			}

			l := pw.lane(out.Tenant)
			l.rows.Add(out)
			if pw.metrics != nil {
				pw.metrics.SetChannelMetrics("persist", len(pw.inputChan), cap(pw.inputChan))
			}
			if l.rows.Outputs() >= pw.batchSize && pw.due(l) {
				pw.flushLane(ctx, l)
			}

		case <-timer.C:
			pw.flushDue(ctx)
			timer.Reset(pw.flushTimeout)
		}
	}
}

func (pw *PersistenceWorker) lane(tenant string) *lane {
	l, ok := pw.lanes[tenant]
	if !ok {
		l = &lane{tenant: tenant, rows: &Rows{}}
		pw.lanes[tenant] = l
	}
	return l
}

// due reports whether l may be written now: it is not parked, and for a
// tenant lane, no shared rows are waiting ahead of it.
func (pw *PersistenceWorker) due(l *lane) bool {
	if !l.retryAt.IsZero() && pw.now().Before(l.retryAt) {
		return false
	}
	if l.tenant != "" {
		if g, ok := pw.lanes[""]; ok && g.rows.Outputs() > 0 {
			return false
		}
	}
	return true
}

// flushDue writes every lane holding rows that is not parked, the shared
// lane first.
func (pw *PersistenceWorker) flushDue(ctx context.Context) {
	tenants := make([]string, 0, len(pw.lanes))
	for t, l := range pw.lanes {
		if l.rows.Outputs() > 0 {
			tenants = append(tenants, t)
		}
	}
	sort.Strings(tenants)
	for _, t := range tenants {
		if l := pw.lanes[t]; pw.due(l) {
			pw.flushLane(ctx, l)
		}
	}
}

// flushLane commits l's rows. On failure the rows are kept and the lane is
// parked until its backoff expires.
func (pw *PersistenceWorker) flushLane(ctx context.Context, l *lane) bool {
	err := pw.flushRows(ctx, l.tenant, l.rows)
	if err != nil {
		l.failures++
		backoff := retryBackoff(l.failures)
		l.retryAt = pw.now().Add(backoff)
		if pw.metrics != nil {
			pw.metrics.PersistRetry.Inc()
		}
		pw.log.Error().Err(err).
			Str("tenant", l.tenant).
			Int("attempt", l.failures).
			Dur("backoff", backoff).
			Int("outputs", l.rows.Outputs()).
			Msg("persistence flush failed, tenant parked")
		return false
	}
	if l.failures > 0 {
		pw.log.Info().Str("tenant", l.tenant).Int("retries", l.failures).Msg("persistence flush succeeded")
	}
	l.failures = 0
	l.retryAt = time.Time{}
	l.rows.Reset()
	return true
}

func retryBackoff(failures int) time.Duration {
	backoff := minRetryBackoff
	for i := 1; i < failures; i++ {
		backoff *= 2
		if backoff >= maxRetryBackoff {
			return maxRetryBackoff
		}
	}
	return backoff
}

// finalFlush makes one last attempt per lane on a fresh context, ignoring
// backoff. Rows of a lane that still fails are lost with the process.
func (pw *PersistenceWorker) finalFlush() {
	tenants := make([]string, 0, len(pw.lanes))
	for t, l := range pw.lanes {
		if l.rows.Outputs() > 0 {
			tenants = append(tenants, t)
		}
	}
	sort.Strings(tenants)
	for _, t := range tenants {
		l := pw.lanes[t]
		if err := pw.flushRows(context.Background(), t, l.rows); err != nil {
			pw.log.Error().Err(err).Str("tenant", t).Int("outputs", l.rows.Outputs()).Msg("final flush failed")
			continue
		}
		l.rows.Reset()
	}
}

func (pw *PersistenceWorker) flushAndPublish(ctx context.Context, rows *Rows) error {
	if err := pw.flush(ctx, rows); err != nil {
		return err
	}
	pw.forward(rows.Envelopes)
	return nil
}

func (pw *PersistenceWorker) flush(ctx context.Context, rows *Rows) error {
	start := time.Now()

	tx, err := pw.writer.DB().BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	counts, err := pw.writer.Write(ctx, tx, rows)
	if err != nil {
		pw.countError("write")
		return err
	}

	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(rows.Outputs()))
		for t, n := range counts {
			pw.metrics.PersistRowsWritten.WithLabelValues(t).Add(float64(n))
		}
	}
	return nil
}

// forward hands committed notifications to the publisher without
// blocking; a full channel drops the notification, which stays in the
// notifications outbox table.
func (pw *PersistenceWorker) forward(envs []event.Envelope) {
	if pw.publishChan == nil {
		return
	}
	for _, env := range envs {
		select {
		case pw.publishChan <- env:
		default:
			if pw.metrics != nil {
				pw.metrics.PublishDrops.Inc()
			}
			pw.log.Warn().
				Str("event_type", env.EventType).
				Str("idempotency_key", env.IdempotencyKey).
				Msg("publish channel full, notification kept in outbox only")
		}
	}
}

func (pw *PersistenceWorker) countError(kind string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(kind).Inc()
	}
}
