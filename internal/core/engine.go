package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"RiskCore/internal/aggregation"
	"RiskCore/internal/correlation"
	"RiskCore/internal/event"
	"RiskCore/internal/hierarchy"
	"RiskCore/internal/limits"
	"RiskCore/internal/observability"
	"RiskCore/internal/risk"
	"RiskCore/internal/security"
	"RiskCore/internal/validation"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrUnknownTenant = errors.New("core: unknown tenant")
	ErrInvalidBatch  = errors.New("core: invalid batch")
)

type Config struct {
	BaseCurrency string
	Netting      aggregation.NettingConfig
	Rollup       risk.RollupConfig
	Correlation  correlation.Config
	Monitor      limits.MonitorConfig
	Run          RunConfig

	DedupCapacity       int
	DataQualityCapacity int

	// AutoRun schedules an aggregation of the affected firm after every
	// applied batch.
	AutoRun bool

	// ValidationRules replaces the default rule set when not empty.
	ValidationRules []validation.Rule
}

func DefaultConfig() Config {
	return Config{
		BaseCurrency:        "USD",
		Netting:             aggregation.DefaultNettingConfig(),
		Rollup:              risk.DefaultRollupConfig(),
		Correlation:         correlation.DefaultConfig(),
		Monitor:             limits.DefaultMonitorConfig(),
		Run:                 DefaultRunConfig(),
		DedupCapacity:       100_000,
		DataQualityCapacity: 1_000,
		AutoRun:             true,
	}
}

// Engine owns the shared security master and one Partition per tenant.
// Every state change leaves the engine as an Output: a blocking send to
// the persistence worker and a non-blocking send to the projections.
type Engine struct {
	cfg      Config
	master   *security.Master
	enricher *security.Enricher
	factors  *correlation.FactorReturnStore
	dedup    *IdempotencyChecker

	mu         sync.RWMutex
	partitions map[string]*Partition

	emitMu   sync.Mutex
	sequence atomic.Int64

	persistChan    chan<- Output
	projectionChan chan<- Output

	metrics *observability.Metrics
	log     zerolog.Logger
	now     func() time.Time
}

func NewEngine(
	cfg Config,
	master *security.Master,
	persistChan, projectionChan chan<- Output,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Engine {
	if cfg.BaseCurrency == "" {
		cfg.BaseCurrency = "USD"
	}
	if cfg.DedupCapacity <= 0 {
		cfg.DedupCapacity = DefaultConfig().DedupCapacity
	}
	log = log.With().Str("component", "engine").Logger()
	e := &Engine{
		cfg:            cfg,
		master:         master,
		factors:        correlation.NewFactorReturnStore(),
		dedup:          NewIdempotencyChecker(cfg.DedupCapacity, dbChecker, metrics, log),
		partitions:     make(map[string]*Partition),
		persistChan:    persistChan,
		projectionChan: projectionChan,
		metrics:        metrics,
		log:            log,
		now:            func() time.Time { return time.Now().UTC() },
	}
	master.SetHooks(security.Hooks{
		OnCreated:    func(s security.Security) { e.emit(Output{Securities: []security.Security{s}}) },
		OnEnriched:   func(s security.Security) { e.emit(Output{Securities: []security.Security{s}}) },
		OnRegistered: func(a security.Alias, id uuid.UUID) { e.emit(Output{Aliases: []AliasRow{{Alias: a, SecurityID: id}}}) },
		OnMerged:     e.onMerged,
	})
	return e
}

// SetEnricher enables external lookups for identifiers the master does not
// know.
func (e *Engine) SetEnricher(en *security.Enricher) { e.enricher = en }

// SetClock replaces the wall clock. Tests only.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

func (e *Engine) Config() Config                          { return e.cfg }
func (e *Engine) Master() *security.Master                { return e.master }
func (e *Engine) Factors() *correlation.FactorReturnStore { return e.factors }
func (e *Engine) Dedup() *IdempotencyChecker              { return e.dedup }

// Sequence returns the last assigned output sequence.
func (e *Engine) Sequence() int64 { return e.sequence.Load() }

// RestoreSequence continues output numbering after recovery.
func (e *Engine) RestoreSequence(seq int64) { e.sequence.Store(seq) }

// EnsurePartition returns the tenant's partition, creating it on first use.
func (e *Engine) EnsurePartition(tenant string) *Partition {
	e.mu.RLock()
	p := e.partitions[tenant]
	e.mu.RUnlock()
	if p != nil {
		return p
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if p = e.partitions[tenant]; p == nil {
		p = newPartition(e, tenant)
		e.partitions[tenant] = p
		e.log.Info().Str("tenant", tenant).Msg("tenant partition created")
	}
	return p
}

func (e *Engine) Partition(tenant string) (*Partition, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.partitions[tenant]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTenant, tenant)
	}
	return p, nil
}

func (e *Engine) Tenants() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.partitions))
	for t := range e.partitions {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (e *Engine) each(fn func(*Partition)) {
	for _, t := range e.Tenants() {
		if p, err := e.Partition(t); err == nil {
			fn(p)
		}
	}
}

// ===========================================================================
// Output
// ===========================================================================

// emit hands a tenant-less output (securities, aliases) to the workers.
// Tenant outputs go through Partition.emit, which orders them under the
// partition's own lock so one tenant's backlog never queues another's.
func (e *Engine) emit(out Output, notes ...event.Notification) {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()
	e.send(out, notes...)
}

// send numbers out, wraps notes into envelopes and hands the output to the
// workers. Persistence is a blocking send so nothing is lost; projections
// are best effort and rebuild from the store when they fall behind.
// Sequences are unique and increase within a tenant.
func (e *Engine) send(out Output, notes ...event.Notification) {
	out.Sequence = e.sequence.Add(1)
	for _, n := range notes {
		env, err := event.Wrap(out.Sequence, n)
		if err != nil {
			e.log.Error().Err(err).Str("event_type", n.EventType().String()).Msg("notification dropped")
			continue
		}
		out.Notifications = append(out.Notifications, env)
	}

	if e.persistChan != nil {
		select {
		case e.persistChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- out
		}
	}
	if e.projectionChan != nil {
		select {
		case e.projectionChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.WithLabelValues("engine").Inc()
			}
		}
	}
}

func (e *Engine) onMerged(source, target uuid.UUID, moved []security.Alias) {
	var out Output
	for _, id := range []uuid.UUID{source, target} {
		if s, ok := e.master.Record(id); ok {
			out.Securities = append(out.Securities, s)
		}
	}
	for _, a := range moved {
		out.Aliases = append(out.Aliases, AliasRow{Alias: a, SecurityID: target})
	}
	e.emit(out)

	e.each(func(p *Partition) {
		p.agg.InvalidateAll()
		p.markAllDirty()
		p.flushTriggers()
	})
}

// resolve maps identifiers to a canonical security, going to the external
// mapper only when one is configured.
func (e *Engine) resolve(ctx context.Context, ids []security.Identifier, currency string) (uuid.UUID, error) {
	if e.enricher != nil {
		id, err := e.enricher.ResolveOrEnrich(ctx, ids, currency)
		if e.metrics != nil {
			outcome := "resolved"
			if err != nil {
				outcome = "unresolved"
			}
			e.metrics.EnrichmentRequests.WithLabelValues(outcome).Inc()
		}
		return id, err
	}
	id, _, err := e.master.ResolveBest(ids)
	return id, err
}

// ===========================================================================
// Ingestion
// ===========================================================================

func batchKey(tenant, batchID string) string { return tenant + "/" + batchID }

// admit checks the batch envelope and the two-tier dedup. It returns false
// when the batch was already applied.
func (e *Engine) admit(kind, tenant, batchID string) (bool, error) {
	if strings.TrimSpace(batchID) == "" {
		return false, fmt.Errorf("%w: %s batch without id", ErrInvalidBatch, kind)
	}
	if kind != KindFactors && strings.TrimSpace(tenant) == "" {
		return false, fmt.Errorf("%w: %s batch %s without tenant", ErrInvalidBatch, kind, batchID)
	}
	if e.dedup.IsDuplicate(kind, batchKey(tenant, batchID)) {
		if e.metrics != nil {
			e.metrics.IngestRecords.WithLabelValues(kind, "duplicate_batch").Inc()
		}
		e.log.Debug().Str("kind", kind).Str("tenant", tenant).Str("batch", batchID).Msg("duplicate batch skipped")
		return false, nil
	}
	return true, nil
}

// applied marks the batch processed and records it durably.
func (e *Engine) applied(kind, tenant, batchID string, start time.Time) {
	key := batchKey(tenant, batchID)
	e.dedup.MarkProcessed(kind, key)
	out := Output{Tenant: tenant, Batches: []BatchRecord{{Kind: kind, Key: key, Tenant: tenant, AppliedAt: e.now()}}}
	if p, err := e.Partition(tenant); err == nil {
		p.emit(out)
	} else {
		e.emit(out)
	}
	if e.metrics != nil {
		e.metrics.IngestDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}
}

// IngestPositions applies a batch of position snapshots. Records that
// cannot be mapped to a security or a book are quarantined; invalid ones
// are rejected into the data-quality list. Neither fails the batch.
func (e *Engine) IngestPositions(ctx context.Context, batch PositionBatch) (IngestReport, error) {
	start := time.Now()
	ok, err := e.admit(KindPositions, batch.Tenant, batch.BatchID)
	if err != nil || !ok {
		return IngestReport{BatchID: batch.BatchID, Duplicate: err == nil}, err
	}
	p := e.EnsurePartition(batch.Tenant)
	rep := p.ingestPositions(ctx, batch)
	e.applied(KindPositions, batch.Tenant, batch.BatchID, start)
	p.flushTriggers()

	e.log.Info().
		Str("tenant", batch.Tenant).
		Str("batch", batch.BatchID).
		Int("applied", rep.Applied).
		Int("unchanged", rep.Unchanged).
		Int("quarantined", rep.Quarantined).
		Int("rejected", rep.Rejected).
		Msg("position batch ingested")
	return rep, nil
}

func (e *Engine) IngestMetrics(_ context.Context, batch MetricBatch) (IngestReport, error) {
	start := time.Now()
	ok, err := e.admit(KindMetrics, batch.Tenant, batch.BatchID)
	if err != nil || !ok {
		return IngestReport{BatchID: batch.BatchID, Duplicate: err == nil}, err
	}
	p := e.EnsurePartition(batch.Tenant)
	rep := p.ingestMetrics(batch)
	e.applied(KindMetrics, batch.Tenant, batch.BatchID, start)
	p.flushTriggers()
	return rep, nil
}

func (e *Engine) IngestPnL(_ context.Context, batch PnLBatch) (IngestReport, error) {
	start := time.Now()
	ok, err := e.admit(KindPnL, batch.Tenant, batch.BatchID)
	if err != nil || !ok {
		return IngestReport{BatchID: batch.BatchID, Duplicate: err == nil}, err
	}
	p := e.EnsurePartition(batch.Tenant)
	rep := p.ingestPnL(batch)
	e.applied(KindPnL, batch.Tenant, batch.BatchID, start)
	return rep, nil
}

// IngestFactorReturns stores market factor returns shared by every tenant.
func (e *Engine) IngestFactorReturns(_ context.Context, batch FactorBatch) (IngestReport, error) {
	start := time.Now()
	ok, err := e.admit(KindFactors, "", batch.BatchID)
	if err != nil || !ok {
		return IngestReport{BatchID: batch.BatchID, Duplicate: err == nil}, err
	}
	rep := IngestReport{BatchID: batch.BatchID}
	for _, r := range batch.Records {
		if err := e.factors.Put(r.Factor, r.Day, r.Return); err != nil {
			e.log.Warn().Err(err).Str("factor", r.Factor).Msg("factor return rejected")
			rep.Rejected++
			continue
		}
		rep.Applied++
	}
	if e.metrics != nil {
		e.metrics.IngestRecords.WithLabelValues(KindFactors, "applied").Add(float64(rep.Applied))
		e.metrics.IngestRecords.WithLabelValues(KindFactors, "rejected").Add(float64(rep.Rejected))
	}
	e.applied(KindFactors, "", batch.BatchID, start)
	return rep, nil
}

// ApplyHierarchy applies structural changes. A change that would create a
// cycle fails the batch; the changes before it stay applied and the batch
// is not marked processed.
func (e *Engine) ApplyHierarchy(_ context.Context, batch HierarchyBatch) (IngestReport, error) {
	start := time.Now()
	ok, err := e.admit(KindHierarchy, batch.Tenant, batch.BatchID)
	if err != nil || !ok {
		return IngestReport{BatchID: batch.BatchID, Duplicate: err == nil}, err
	}
	p := e.EnsurePartition(batch.Tenant)
	rep, err := p.applyHierarchy(batch)
	if err != nil {
		return rep, err
	}
	e.applied(KindHierarchy, batch.Tenant, batch.BatchID, start)
	p.flushTriggers()
	return rep, nil
}

func (e *Engine) IngestLimits(_ context.Context, batch LimitBatch) (IngestReport, error) {
	start := time.Now()
	ok, err := e.admit(KindLimits, batch.Tenant, batch.BatchID)
	if err != nil || !ok {
		return IngestReport{BatchID: batch.BatchID, Duplicate: err == nil}, err
	}
	p := e.EnsurePartition(batch.Tenant)
	rep := p.ingestLimits(batch)
	e.applied(KindLimits, batch.Tenant, batch.BatchID, start)
	p.flushTriggers()
	return rep, nil
}

// DefineLimit is the admin path for a single limit.
func (e *Engine) DefineLimit(tenant string, rec LimitRecord) (limits.Limit, error) {
	p, err := e.Partition(tenant)
	if err != nil {
		return limits.Limit{}, err
	}
	l, err := p.applyLimit(rec)
	if err != nil {
		return limits.Limit{}, err
	}
	p.flushTriggers()
	return l, nil
}

func (e *Engine) IngestReference(_ context.Context, batch ReferenceBatch) (IngestReport, error) {
	start := time.Now()
	ok, err := e.admit(KindReference, batch.Tenant, batch.BatchID)
	if err != nil || !ok {
		return IngestReport{BatchID: batch.BatchID, Duplicate: err == nil}, err
	}
	p := e.EnsurePartition(batch.Tenant)
	rep := p.ingestReference(batch)
	e.applied(KindReference, batch.Tenant, batch.BatchID, start)
	p.flushTriggers()
	return rep, nil
}

// ===========================================================================
// Runs and admin actions
// ===========================================================================

// RunAggregation computes and publishes one aggregation synchronously.
func (e *Engine) RunAggregation(ctx context.Context, tenant string, node hierarchy.NodeID, asOf time.Time) (*RunResult, error) {
	p, err := e.Partition(tenant)
	if err != nil {
		return nil, err
	}
	return p.Run(ctx, node, asOf)
}

// Trigger schedules an aggregation of node through the coordinator.
func (e *Engine) Trigger(tenant string, node hierarchy.NodeID, asOf time.Time) error {
	p, err := e.Partition(tenant)
	if err != nil {
		return err
	}
	if _, err := p.tree.Node(node); err != nil {
		return err
	}
	p.coordinator.Trigger(node, asOf)
	return nil
}

// TriggerAll schedules a run of every firm of every tenant at the current
// time.
func (e *Engine) TriggerAll() {
	asOf := e.now()
	e.each(func(p *Partition) {
		for _, n := range p.tree.Nodes(hierarchy.LevelFirm) {
			p.coordinator.Trigger(n.ID, asOf)
		}
	})
}

func (e *Engine) RecomputeCorrelations(ctx context.Context, tenant string, asOf time.Time) ([]*correlation.Matrix, error) {
	p, err := e.Partition(tenant)
	if err != nil {
		return nil, err
	}
	return p.recomputeCorrelations(ctx, asOf)
}

// RecomputeAllCorrelations refreshes book matrices of every tenant. A
// failing tenant does not stop the others.
func (e *Engine) RecomputeAllCorrelations(ctx context.Context, asOf time.Time) error {
	var errs []error
	e.each(func(p *Partition) {
		if ctx.Err() != nil {
			return
		}
		if _, err := p.recomputeCorrelations(ctx, asOf); err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", p.tenant, err))
		}
	})
	return errors.Join(errs...)
}

// ReleaseQuarantine retries the tenant's quarantined records.
func (e *Engine) ReleaseQuarantine(ctx context.Context, tenant string) (int, error) {
	p, err := e.Partition(tenant)
	if err != nil {
		return 0, err
	}
	n := p.releaseQuarantine(ctx)
	if n > 0 {
		p.flushTriggers()
	}
	return n, nil
}

// MergeSecurities folds source into target in the shared master.
func (e *Engine) MergeSecurities(source, target uuid.UUID) error {
	return e.master.Merge(source, target)
}

func (e *Engine) AcknowledgeBreach(tenant string, id uuid.UUID, by string) (limits.Breach, error) {
	p, err := e.Partition(tenant)
	if err != nil {
		return limits.Breach{}, err
	}
	return p.monitor.Acknowledge(id, by, e.now())
}

func (e *Engine) WaiveBreach(tenant string, id uuid.UUID, by, reason string, expiry time.Time) (limits.Breach, error) {
	p, err := e.Partition(tenant)
	if err != nil {
		return limits.Breach{}, err
	}
	return p.monitor.Waive(id, by, reason, expiry, e.now())
}

// Close stops every coordinator. In-flight runs are cancelled.
func (e *Engine) Close() {
	e.each(func(p *Partition) { p.coordinator.Close() })
}

// Wait blocks until every scheduled run has finished. Tests only.
func (e *Engine) Wait() {
	e.each(func(p *Partition) { p.coordinator.Wait() })
}
