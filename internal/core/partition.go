package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"RiskCore/internal/aggregation"
	"RiskCore/internal/correlation"
	"RiskCore/internal/event"
	"RiskCore/internal/hierarchy"
	"RiskCore/internal/limits"
	"RiskCore/internal/observability"
	"RiskCore/internal/risk"
	"RiskCore/internal/security"
	"RiskCore/internal/state"
	"RiskCore/internal/validation"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Partition is the complete, isolated state of one tenant. Partitions
// share nothing but the security master and factor returns.
type Partition struct {
	tenant string
	engine *Engine

	tree        *hierarchy.Tree
	store       *state.Store
	quarantine  *state.Quarantine
	fx          *aggregation.FXTable
	nav         *NAVTable
	agg         *aggregation.Aggregator
	detector    *aggregation.Detector
	metricStore *risk.MetricStore
	roller      *risk.Roller
	pnl         *correlation.PnLStore
	corr        *correlation.Engine
	limitBook   *limits.LimitBook
	monitor     *limits.Monitor
	validator   *validation.Validator
	sequences   *SequenceValidator
	hasher      *RunHasher
	coordinator *RunCoordinator
	issues      *issueLog

	emitMu sync.Mutex

	publishMu    sync.Mutex
	lastFindings map[hierarchy.NodeID]map[string]struct{}
	limitIssues  map[uuid.UUID]string

	latestMu sync.RWMutex
	latest   map[hierarchy.NodeID]*RunResult

	dirtyMu sync.Mutex
	dirty   map[hierarchy.NodeID]struct{}

	metrics *observability.Metrics
	log     zerolog.Logger
	now     func() time.Time
}

func newPartition(e *Engine, tenant string) *Partition {
	log := e.log.With().Str("tenant", tenant).Logger()
	cfg := e.cfg

	p := &Partition{
		tenant:       tenant,
		engine:       e,
		tree:         hierarchy.NewTree(),
		store:        state.NewStore(),
		quarantine:   state.NewQuarantine(),
		fx:           aggregation.NewFXTable(cfg.BaseCurrency),
		nav:          NewNAVTable(),
		metricStore:  risk.NewMetricStore(),
		pnl:          correlation.NewPnLStore(),
		limitBook:    limits.NewLimitBook(),
		sequences:    NewSequenceValidator(),
		hasher:       NewRunHasher(),
		issues:       newIssueLog(cfg.DataQualityCapacity),
		lastFindings: make(map[hierarchy.NodeID]map[string]struct{}),
		limitIssues:  make(map[uuid.UUID]string),
		latest:       make(map[hierarchy.NodeID]*RunResult),
		dirty:        make(map[hierarchy.NodeID]struct{}),
		metrics:      e.metrics,
		log:          log,
		now:          e.now,
	}

	p.agg = aggregation.NewAggregator(p.tree, p.store, e.master, p.fx)
	p.detector = aggregation.NewDetector(p.agg, cfg.Netting, p.nav)
	p.corr = correlation.NewEngine(p.tree, p.pnl, e.factors, p.store, e.master, p.fx, cfg.Correlation, log)
	p.roller = risk.NewRoller(p.tree, p.metricStore, p.corr, cfg.Rollup, log)
	p.monitor = limits.NewMonitor(cfg.Monitor, log)

	p.validator = validation.NewValidator(p)
	if len(cfg.ValidationRules) > 0 {
		p.validator.Add(cfg.ValidationRules...)
	} else {
		p.validator.Add(validation.DefaultPositionRules()...)
		p.validator.Add(validation.DefaultMetricRules()...)
	}

	p.coordinator = NewRunCoordinator(p.runOnce, cfg.Run, e.metrics, log)
	p.coordinator.OnFailure(p.runFailed)

	p.store.AddHook(p.onUpsert)
	p.monitor.AddHook(limits.Hook{OnTransition: p.onTransition, OnHistory: p.onBreachHistory})
	p.corr.AddHook(p.onMatrix)
	return p
}

func (p *Partition) Tenant() string                       { return p.tenant }
func (p *Partition) Tree() *hierarchy.Tree                { return p.tree }
func (p *Partition) Store() *state.Store                  { return p.store }
func (p *Partition) Quarantine() *state.Quarantine        { return p.quarantine }
func (p *Partition) FX() *aggregation.FXTable             { return p.fx }
func (p *Partition) NAV() *NAVTable                       { return p.nav }
func (p *Partition) Aggregator() *aggregation.Aggregator  { return p.agg }
func (p *Partition) Detector() *aggregation.Detector      { return p.detector }
func (p *Partition) MetricStore() *risk.MetricStore       { return p.metricStore }
func (p *Partition) Roller() *risk.Roller                 { return p.roller }
func (p *Partition) PnL() *correlation.PnLStore           { return p.pnl }
func (p *Partition) Correlations() *correlation.Engine    { return p.corr }
func (p *Partition) LimitBook() *limits.LimitBook         { return p.limitBook }
func (p *Partition) Monitor() *limits.Monitor             { return p.monitor }
func (p *Partition) Validator() *validation.Validator     { return p.validator }
func (p *Partition) Sequences() *SequenceValidator        { return p.sequences }
func (p *Partition) Coordinator() *RunCoordinator         { return p.coordinator }

// Exists answers referential validation rules.
func (p *Partition) Exists(kind, value string) bool {
	switch kind {
	case "book":
		n, err := p.tree.Node(hierarchy.NodeID(value))
		return err == nil && n.Level == hierarchy.LevelBook
	case "node":
		_, err := p.tree.Node(hierarchy.NodeID(value))
		return err == nil
	case "security":
		id, err := uuid.Parse(value)
		if err != nil {
			return false
		}
		_, err = p.engine.master.Security(id)
		return err == nil
	default:
		return false
	}
}

// LatestRun returns the last published run rooted at node.
// RestoreRun seeds the digest chain and the known findings of root from a
// persisted run so a restart neither forks the chain nor re-announces
// findings. Call it before ingestion starts, oldest run first.
func (p *Partition) RestoreRun(root hierarchy.NodeID, digest [32]byte, findingKeys []string) {
	p.hasher.Reset(digest)
	known := make(map[string]struct{}, len(findingKeys))
	for _, k := range findingKeys {
		known[k] = struct{}{}
	}
	p.publishMu.Lock()
	p.lastFindings[root] = known
	p.publishMu.Unlock()
}

func (p *Partition) LatestRun(node hierarchy.NodeID) (*RunResult, bool) {
	p.latestMu.RLock()
	defer p.latestMu.RUnlock()
	r, ok := p.latest[node]
	return r, ok
}

// DataQuality reports quarantined records and recent issues.
func (p *Partition) DataQuality() DataQualityReport {
	items, counts := p.issues.snapshot()
	return DataQualityReport{
		Tenant:      p.tenant,
		Quarantined: p.quarantine.List(),
		Items:       items,
		Counts:      counts,
	}
}

func (p *Partition) emit(out Output, notes ...event.Notification) {
	out.Tenant = p.tenant
	p.emitMu.Lock()
	defer p.emitMu.Unlock()
	p.engine.send(out, notes...)
}

func (p *Partition) raise(kind IssueKind, book hierarchy.NodeID, code, detail string, record uuid.UUID) DataQualityItem {
	it := DataQualityItem{
		ID:       uuid.New(),
		Tenant:   p.tenant,
		Kind:     kind,
		Book:     book,
		Code:     code,
		Detail:   detail,
		RecordID: record,
		At:       p.now(),
	}
	p.issues.add(it)
	if p.metrics != nil {
		p.metrics.DataQualityIssues.WithLabelValues(kind.String()).Inc()
	}
	return it
}

// ===========================================================================
// Post-write hooks
// ===========================================================================

func (p *Partition) onUpsert(r state.UpsertResult) {
	if r.Outcome == state.OutcomeDuplicate {
		return
	}
	p.agg.Invalidate(r.Position.Book)
	p.emit(Output{Positions: []state.Position{r.Position}})
	p.markDirty(r.Position.Book)
}

func (p *Partition) onTransition(t limits.Transition) {
	if p.metrics != nil {
		p.metrics.BreachTransitions.WithLabelValues(t.To.String()).Inc()
	}
	actor := t.Breach.AcknowledgedBy
	if t.To == limits.BreachWaived {
		actor = t.Breach.WaivedBy
	}
	if t.To != limits.BreachAcknowledged && t.To != limits.BreachWaived {
		actor = ""
	}
	p.emit(Output{}, &event.BreachTransitioned{
		TenantID:     p.tenant,
		BreachID:     t.Breach.ID,
		LimitID:      t.Breach.LimitID,
		LimitVersion: t.Breach.LimitVersion,
		Node:         string(t.Breach.Node),
		From:         t.From.String(),
		To:           t.To.String(),
		Threshold:    t.Breach.Threshold,
		Actual:       t.Breach.Actual,
		Severity:     t.Breach.Severity.String(),
		At:           t.At,
		Actor:        actor,
	})
}

func (p *Partition) onBreachHistory(h limits.HistoryEntry) {
	b, err := p.monitor.Breach(h.BreachID)
	if err != nil {
		p.log.Error().Err(err).Str("breach", h.BreachID.String()).Msg("history for unknown breach")
		return
	}
	p.emit(Output{Breaches: []limits.Breach{b}, BreachHistory: []limits.HistoryEntry{h}})
}

func (p *Partition) onMatrix(m *correlation.Matrix) {
	nodes := make([]string, len(m.Nodes))
	for i, n := range m.Nodes {
		nodes[i] = string(n)
	}
	insufficient := 0
	for i := range m.Cells {
		for j := i + 1; j < len(m.Cells[i]); j++ {
			if m.Cells[i][j].Status == correlation.CellInsufficientData {
				insufficient++
			}
		}
	}
	p.emit(Output{Matrices: []*correlation.Matrix{m}}, &event.CorrelationRecomputed{
		TenantID:         p.tenant,
		MatrixID:         m.ID,
		Type:             m.Type.String(),
		LookbackDays:     m.Lookback,
		AsOf:             m.AsOf,
		Nodes:            nodes,
		ComputedAt:       m.ComputedAt,
		InsufficientData: insufficient,
	})
}

// ===========================================================================
// Run scheduling
// ===========================================================================

// rootOf returns the firm above node.
func (p *Partition) rootOf(node hierarchy.NodeID) (hierarchy.NodeID, bool) {
	anc, err := p.tree.Ancestors(node)
	if err != nil {
		return "", false
	}
	if len(anc) == 0 {
		return node, true
	}
	return anc[len(anc)-1], true
}

func (p *Partition) markDirty(node hierarchy.NodeID) {
	root, ok := p.rootOf(node)
	if !ok {
		return
	}
	p.dirtyMu.Lock()
	p.dirty[root] = struct{}{}
	p.dirtyMu.Unlock()
}

func (p *Partition) markAllDirty() {
	p.dirtyMu.Lock()
	for _, n := range p.tree.Nodes(hierarchy.LevelFirm) {
		p.dirty[n.ID] = struct{}{}
	}
	p.dirtyMu.Unlock()
}

// flushTriggers hands every dirty root to the coordinator when automatic
// runs are enabled. Dirty roots stay marked otherwise.
func (p *Partition) flushTriggers() {
	if !p.engine.cfg.AutoRun {
		return
	}
	p.dirtyMu.Lock()
	roots := make([]hierarchy.NodeID, 0, len(p.dirty))
	for r := range p.dirty {
		roots = append(roots, r)
	}
	p.dirty = make(map[hierarchy.NodeID]struct{})
	p.dirtyMu.Unlock()

	sort.Slice(roots, func(i, j int) bool { return roots[i] < roots[j] })
	asOf := p.now()
	for _, r := range roots {
		p.coordinator.Trigger(r, asOf)
	}
}

// runOnce is the coordinator's RunFunc. A retry drops the cached rollups
// of root's books so it reads a fresh snapshot instead of repeating the
// failed attempt's inputs.
func (p *Partition) runOnce(ctx context.Context, root hierarchy.NodeID, asOf time.Time, attempt int) error {
	if attempt > 1 {
		if books, err := p.tree.DescendantBooks(root); err == nil {
			p.agg.InvalidateBooks(books)
		}
	}
	res, err := p.compute(ctx, root, asOf, attempt)
	if err != nil {
		return err
	}
	return p.publish(ctx, res)
}

func (p *Partition) runFailed(root hierarchy.NodeID, asOf time.Time, err error) {
	it := p.raise(IssueRunFailed, root, "RUN_FAILED", fmt.Sprintf("as of %s: %v", asOf.Format(time.RFC3339), err), uuid.Nil)
	p.emit(Output{DataQuality: []DataQualityItem{it}})
}

// Run computes and publishes one aggregation of root synchronously,
// bypassing the coordinator.
func (p *Partition) Run(ctx context.Context, root hierarchy.NodeID, asOf time.Time) (*RunResult, error) {
	res, err := p.compute(ctx, root, asOf, 1)
	if err != nil {
		return nil, err
	}
	if err := p.publish(ctx, res); err != nil {
		return nil, err
	}
	return res, nil
}

// ===========================================================================
// Ingestion
// ===========================================================================

func (p *Partition) ingestPositions(ctx context.Context, batch PositionBatch) IngestReport {
	rep := IngestReport{BatchID: batch.BatchID}
	fields := make([]validation.Record, len(batch.Records))
	for i, r := range batch.Records {
		fields[i] = r.Fields()
	}
	rep.Validation = p.validator.Validate(validation.TargetPositions, fields, func(i int) map[string]string {
		return batch.Records[i].identity()
	})

	var out Output
	var notes []event.Notification
	for i, rec := range batch.Records {
		results := rep.Validation.ForRow(i)
		for _, r := range results {
			if r.Severity == validation.SeverityWarning {
				out.DataQuality = append(out.DataQuality, p.raise(IssueValidationWarning, rec.Book, r.Code, r.Message, uuid.Nil))
			}
		}
		if rep.Validation.Failed(i) {
			if unknownBook(results) {
				id := p.quarantine.Hold(rec.Book, rec.Identifiers, snapshotOf(rec), state.ReasonUnknownBook, "book not in hierarchy")
				out.DataQuality = append(out.DataQuality, p.raise(IssueQuarantined, rec.Book, state.ReasonUnknownBook.String(), "book not in hierarchy", id))
				notes = append(notes, p.quarantineNote(id, rec, state.ReasonUnknownBook, "book not in hierarchy"))
				rep.Quarantined++
				continue
			}
			out.DataQuality = append(out.DataQuality, p.raise(IssueValidationError, rec.Book, results[0].Code, results[0].Message, uuid.Nil))
			rep.Rejected++
			continue
		}

		switch p.sequences.Observe(rec.Book, rec.SourceSequence) {
		case SeqGap:
			out.DataQuality = append(out.DataQuality, p.raise(IssueSequenceGap, rec.Book, "SEQUENCE_GAP", fmt.Sprintf("source sequence %d skipped records", rec.SourceSequence), uuid.Nil))
			if p.metrics != nil {
				p.metrics.SourceSequenceGap.WithLabelValues(p.tenant).Inc()
			}
		case SeqStale:
			out.DataQuality = append(out.DataQuality, p.raise(IssueSequenceStale, rec.Book, "SEQUENCE_STALE", fmt.Sprintf("source sequence %d already seen", rec.SourceSequence), uuid.Nil))
			if p.metrics != nil {
				p.metrics.SourceSequenceStale.WithLabelValues(p.tenant).Inc()
			}
		}

		applied, err := p.applyRecord(ctx, rec)
		switch {
		case errors.Is(err, security.ErrNotFound):
			detail := err.Error()
			id := p.quarantine.Hold(rec.Book, rec.Identifiers, snapshotOf(rec), state.ReasonUnresolvedIdentifier, detail)
			out.DataQuality = append(out.DataQuality, p.raise(IssueQuarantined, rec.Book, state.ReasonUnresolvedIdentifier.String(), detail, id))
			notes = append(notes, p.quarantineNote(id, rec, state.ReasonUnresolvedIdentifier, detail))
			rep.Quarantined++
		case err != nil:
			out.DataQuality = append(out.DataQuality, p.raise(IssueRejected, rec.Book, "REJECTED", err.Error(), uuid.Nil))
			rep.Rejected++
		case applied:
			rep.Applied++
		default:
			rep.Unchanged++
		}
	}

	if p.metrics != nil {
		p.metrics.IngestRecords.WithLabelValues(KindPositions, "applied").Add(float64(rep.Applied))
		p.metrics.IngestRecords.WithLabelValues(KindPositions, "unchanged").Add(float64(rep.Unchanged))
		p.metrics.IngestRecords.WithLabelValues(KindPositions, "quarantined").Add(float64(rep.Quarantined))
		p.metrics.IngestRecords.WithLabelValues(KindPositions, "rejected").Add(float64(rep.Rejected))
		p.metrics.QuarantineSize.WithLabelValues(p.tenant).Set(float64(p.quarantine.Len()))
	}
	if len(out.DataQuality) > 0 || len(notes) > 0 {
		p.emit(out, notes...)
	}
	return rep
}

// applyRecord resolves the record's security and upserts it. It reports
// whether the store changed.
func (p *Partition) applyRecord(ctx context.Context, rec PositionRecord) (bool, error) {
	secID, err := p.engine.resolve(ctx, rec.Identifiers, rec.Currency)
	if err != nil {
		return false, err
	}
	res, err := p.store.Upsert(rec.Book, secID, snapshotOf(rec))
	if err != nil {
		return false, err
	}
	return res.Outcome != state.OutcomeDuplicate, nil
}

func (p *Partition) quarantineNote(id uuid.UUID, rec PositionRecord, reason state.QuarantineReason, detail string) *event.PositionQuarantined {
	ids := make([]string, len(rec.Identifiers))
	for i, ident := range rec.Identifiers {
		ids[i] = ident.String()
	}
	return &event.PositionQuarantined{
		TenantID:    p.tenant,
		RecordID:    id,
		Book:        string(rec.Book),
		Identifiers: ids,
		Reason:      reason.String(),
		Detail:      detail,
		At:          p.now(),
	}
}

func unknownBook(results []validation.Result) bool {
	for _, r := range results {
		if r.Severity == validation.SeverityError && r.Field == "book" && r.Code == "INVALID_REFERENCE" {
			return true
		}
	}
	return false
}

func snapshotOf(rec PositionRecord) state.Snapshot {
	return state.Snapshot{
		AsOf:        rec.AsOf,
		Quantity:    rec.Quantity,
		MarketValue: rec.MarketValue,
		Currency:    rec.Currency,
		Attributes:  rec.Attributes,
		Source:      rec.Source,
	}
}

// releaseQuarantine retries every held record. Records whose book now
// exists and whose identifiers now resolve are applied.
func (p *Partition) releaseQuarantine(ctx context.Context) int {
	n := p.quarantine.Release(func(q state.QuarantinedRecord) bool {
		if !p.Exists("book", string(q.Book)) {
			return false
		}
		secID, err := p.engine.resolve(ctx, q.Identifiers, q.Snapshot.Currency)
		if err != nil {
			return false
		}
		if _, err := p.store.Upsert(q.Book, secID, q.Snapshot); err != nil {
			p.log.Warn().Err(err).Str("record", q.ID.String()).Msg("quarantined record rejected on release")
			return false
		}
		return true
	})
	if p.metrics != nil {
		p.metrics.QuarantineSize.WithLabelValues(p.tenant).Set(float64(p.quarantine.Len()))
	}
	return n
}

func (p *Partition) ingestMetrics(batch MetricBatch) IngestReport {
	rep := IngestReport{BatchID: batch.BatchID}
	fields := make([]validation.Record, len(batch.Records))
	for i, r := range batch.Records {
		fields[i] = r.Fields()
	}
	rep.Validation = p.validator.Validate(validation.TargetMetrics, fields, func(i int) map[string]string {
		return map[string]string{"book": string(batch.Records[i].Book), "kind": batch.Records[i].Kind.String()}
	})

	var out Output
	for i, rec := range batch.Records {
		if rep.Validation.Failed(i) {
			r := rep.Validation.ForRow(i)[0]
			out.DataQuality = append(out.DataQuality, p.raise(IssueValidationError, rec.Book, r.Code, r.Message, uuid.Nil))
			rep.Rejected++
			continue
		}
		err := p.metricStore.Put(risk.BookMetric{Book: rec.Book, Kind: rec.Kind, Value: rec.Value, AsOf: rec.AsOf, ReceivedAt: p.now()})
		if err != nil {
			out.DataQuality = append(out.DataQuality, p.raise(IssueRejected, rec.Book, "REJECTED", err.Error(), uuid.Nil))
			rep.Rejected++
			continue
		}
		p.markDirty(rec.Book)
		rep.Applied++
	}
	p.countIngest(KindMetrics, rep)
	if len(out.DataQuality) > 0 {
		p.emit(out)
	}
	return rep
}

func (p *Partition) ingestPnL(batch PnLBatch) IngestReport {
	rep := IngestReport{BatchID: batch.BatchID}
	for _, rec := range batch.Records {
		if !p.Exists("book", string(rec.Book)) {
			p.raise(IssueRejected, rec.Book, "UNKNOWN_BOOK", "pnl for unknown book", uuid.Nil)
			rep.Rejected++
			continue
		}
		if err := p.pnl.Put(rec.Book, rec.Day, rec.PnL); err != nil {
			p.raise(IssueRejected, rec.Book, "REJECTED", err.Error(), uuid.Nil)
			rep.Rejected++
			continue
		}
		rep.Applied++
	}
	p.countIngest(KindPnL, rep)
	return rep
}

// applyHierarchy applies structural changes in order. A cycle aborts the
// batch and is returned; other failures reject only the change.
func (p *Partition) applyHierarchy(batch HierarchyBatch) (IngestReport, error) {
	rep := IngestReport{BatchID: batch.BatchID}
	var rows []NodeRow
	for _, ch := range batch.Changes {
		var (
			err     error
			removed bool
		)
		switch ch.Op {
		case HierarchyAdd:
			err = p.tree.AddNode(ch.Node)
		case HierarchyMove:
			err = p.tree.Move(ch.Node.ID, ch.NewParent)
		case HierarchyRemove:
			var n hierarchy.Node
			if n, err = p.tree.Node(ch.Node.ID); err == nil {
				if err = p.tree.Remove(ch.Node.ID); err == nil {
					rows = append(rows, NodeRow{Node: n, Removed: true})
					removed = true
				}
			}
		default:
			err = fmt.Errorf("unknown hierarchy op %d", ch.Op)
		}
		if errors.Is(err, hierarchy.ErrCycle) {
			p.log.Error().Err(err).Str("node", string(ch.Node.ID)).Msg("hierarchy change would create a cycle")
			if len(rows) > 0 {
				p.emit(Output{Nodes: rows})
				p.markAllDirty()
			}
			return rep, err
		}
		if err != nil {
			p.raise(IssueRejected, ch.Node.ID, "HIERARCHY_REJECTED", err.Error(), uuid.Nil)
			rep.Rejected++
			continue
		}
		if !removed {
			if n, err := p.tree.Node(ch.Node.ID); err == nil {
				rows = append(rows, NodeRow{Node: n})
			}
		}
		rep.Applied++
	}
	if rep.Applied > 0 {
		p.emit(Output{Nodes: rows})
		p.markAllDirty()
	}
	p.countIngest(KindHierarchy, rep)
	return rep, nil
}

func (p *Partition) ingestLimits(batch LimitBatch) IngestReport {
	rep := IngestReport{BatchID: batch.BatchID}
	for _, rec := range batch.Records {
		if _, err := p.applyLimit(rec); err != nil {
			p.raise(IssueRejected, rec.Limit.Node, "LIMIT_REJECTED", err.Error(), uuid.Nil)
			rep.Rejected++
			continue
		}
		rep.Applied++
	}
	p.countIngest(KindLimits, rep)
	return rep
}

// applyLimit defines or supersedes a limit and persists every version it
// touched.
func (p *Partition) applyLimit(rec LimitRecord) (limits.Limit, error) {
	if !p.Exists("node", string(rec.Limit.Node)) {
		return limits.Limit{}, fmt.Errorf("%w: unknown node %s", limits.ErrInvalidLimit, rec.Limit.Node)
	}
	var (
		l   limits.Limit
		err error
	)
	if rec.Supersedes != uuid.Nil {
		l, err = p.limitBook.Supersede(rec.Supersedes, rec.Limit)
	} else {
		l, err = p.limitBook.Define(rec.Limit)
	}
	if err != nil {
		return limits.Limit{}, err
	}
	touched := []limits.Limit{l}
	if vs := p.limitBook.Versions(l.ID); len(vs) > 1 {
		touched = vs[len(vs)-2:]
	}
	p.emit(Output{Limits: touched})
	p.markDirty(l.Node)
	return l, nil
}

func (p *Partition) ingestReference(batch ReferenceBatch) IngestReport {
	rep := IngestReport{BatchID: batch.BatchID}
	for _, r := range batch.FX {
		if len(r.Currency) != 3 || r.Rate.Sign() <= 0 {
			p.raise(IssueRejected, "", "FX_REJECTED", fmt.Sprintf("invalid rate %s=%s", r.Currency, r.Rate), uuid.Nil)
			rep.Rejected++
			continue
		}
		p.fx.Set(r.Currency, r.AsOf, r.Rate)
		rep.Applied++
	}
	for _, r := range batch.NAV {
		if !p.Exists("node", string(r.Node)) {
			p.raise(IssueRejected, r.Node, "NAV_REJECTED", "nav for unknown node", uuid.Nil)
			rep.Rejected++
			continue
		}
		p.nav.Set(r.Node, r.AsOf, r.NAV)
		rep.Applied++
	}
	if rep.Applied > 0 {
		p.agg.InvalidateAll()
		p.markAllDirty()
	}
	p.countIngest(KindReference, rep)
	return rep
}

func (p *Partition) countIngest(kind string, rep IngestReport) {
	if p.metrics == nil {
		return
	}
	p.metrics.IngestRecords.WithLabelValues(kind, "applied").Add(float64(rep.Applied))
	p.metrics.IngestRecords.WithLabelValues(kind, "rejected").Add(float64(rep.Rejected))
}

// ===========================================================================
// Correlation
// ===========================================================================

// recomputeCorrelations refreshes the book-level matrices used by the risk
// rollup and every node set readers asked for, then schedules runs for
// every root.
func (p *Partition) recomputeCorrelations(ctx context.Context, asOf time.Time) ([]*correlation.Matrix, error) {
	start := time.Now()
	ms, err := p.corr.RecomputeAll(ctx, asOf)
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	if p.metrics != nil {
		for _, m := range ms {
			p.metrics.CorrelationRecomputes.WithLabelValues(m.Type.String(), outcome).Inc()
		}
		if err != nil {
			p.metrics.CorrelationRecomputes.WithLabelValues("books", outcome).Inc()
		}
		p.metrics.CorrelationDuration.WithLabelValues("books").Observe(time.Since(start).Seconds())
	}
	if len(ms) > 0 {
		p.markAllDirty()
		p.flushTriggers()
	}
	return ms, err
}

// CorrelationMatrix returns the latest matrix for the node set as of asOf.
// One is computed on demand when none exists for asOf's day. The node set
// is tracked so that later recomputes keep it current.
func (p *Partition) CorrelationMatrix(ctx context.Context, t correlation.MatrixType, nodes []hierarchy.NodeID, lookback int, asOf time.Time) (*correlation.Matrix, error) {
	if m, ok := p.corr.LatestAt(t, nodes, lookback, asOf); ok && !correlation.Day(m.AsOf).Before(correlation.Day(asOf)) {
		p.corr.Track(t, nodes, lookback)
		return m, nil
	}
	start := time.Now()
	m, err := p.corr.Recompute(ctx, t, nodes, asOf, lookback)
	if p.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "failed"
		}
		p.metrics.CorrelationRecomputes.WithLabelValues(t.String(), outcome).Inc()
		p.metrics.CorrelationDuration.WithLabelValues(t.String()).Observe(time.Since(start).Seconds())
	}
	if err == nil {
		p.corr.Track(t, nodes, lookback)
	}
	return m, err
}
