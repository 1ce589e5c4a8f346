package core_test

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"RiskCore/internal/core"
	"RiskCore/internal/correlation"
	"RiskCore/internal/event"
	"RiskCore/internal/hierarchy"
	"RiskCore/internal/limits"
	"RiskCore/internal/risk"
	"RiskCore/internal/security"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tenant = "acme"

var asOf = time.Date(2026, 3, 2, 21, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type harness struct {
	engine  *core.Engine
	persist chan core.Output
	proj    chan core.Output
	aapl    uuid.UUID
}

// firm ─ fund-a ─ pm-1 ─ strat-1 ─ book-1, book-2
//
//	└ pm-2 ─ strat-2 ─ book-3
func newTestEngine(t *testing.T) *harness {
	t.Helper()
	persist := make(chan core.Output, 4096)
	proj := make(chan core.Output, 4096)

	cfg := core.DefaultConfig()
	cfg.AutoRun = false
	master := security.NewMaster(zerolog.Nop())
	e := core.NewEngine(cfg, master, persist, proj, nil, nil, zerolog.Nop())
	e.SetClock(func() time.Time { return asOf.Add(time.Hour) })
	t.Cleanup(e.Close)

	applyTree(t, e, tenant)

	aapl, err := master.CreateSecurity(security.NewSecurity{
		Name: "Apple Inc", AssetClass: security.AssetClassEquity, Currency: "USD",
		Sector: "Technology", Country: "US",
	})
	require.NoError(t, err)
	require.NoError(t, master.Register(isin("US0378331005"), aapl.ID))

	return &harness{engine: e, persist: persist, proj: proj, aapl: aapl.ID}
}

func applyTree(t *testing.T, e *core.Engine, tn string) {
	t.Helper()
	var changes []core.HierarchyChange
	for _, n := range []hierarchy.Node{
		{ID: "firm", Level: hierarchy.LevelFirm},
		{ID: "fund-a", Level: hierarchy.LevelFund, Parent: "firm"},
		{ID: "pm-1", Level: hierarchy.LevelPM, Parent: "fund-a"},
		{ID: "pm-2", Level: hierarchy.LevelPM, Parent: "fund-a"},
		{ID: "strat-1", Level: hierarchy.LevelStrategy, Parent: "pm-1"},
		{ID: "strat-2", Level: hierarchy.LevelStrategy, Parent: "pm-2"},
		{ID: "book-1", Level: hierarchy.LevelBook, Parent: "strat-1"},
		{ID: "book-2", Level: hierarchy.LevelBook, Parent: "strat-1"},
		{ID: "book-3", Level: hierarchy.LevelBook, Parent: "strat-2"},
	} {
		changes = append(changes, core.HierarchyChange{Op: core.HierarchyAdd, Node: n})
	}
	rep, err := e.ApplyHierarchy(context.Background(), core.HierarchyBatch{Tenant: tn, BatchID: "tree-1", Changes: changes})
	require.NoError(t, err)
	require.Equal(t, 9, rep.Applied)
}

func isin(v string) security.Identifier {
	return security.Identifier{Scheme: security.SchemeISIN, Value: v}
}

func position(book hierarchy.NodeID, id security.Identifier, qty, mv string, seq int64) core.PositionRecord {
	return core.PositionRecord{
		Book:           book,
		Identifiers:    []security.Identifier{id},
		AsOf:           asOf,
		Quantity:       d(qty),
		MarketValue:    d(mv),
		Currency:       "USD",
		Source:         "oms",
		SourceSequence: seq,
	}
}

func mustIngest(t *testing.T, h *harness, batchID string, recs ...core.PositionRecord) core.IngestReport {
	t.Helper()
	rep, err := h.engine.IngestPositions(context.Background(), core.PositionBatch{Tenant: tenant, BatchID: batchID, Records: recs})
	require.NoError(t, err)
	return rep
}

func mustRun(t *testing.T, h *harness, node hierarchy.NodeID) *core.RunResult {
	t.Helper()
	res, err := h.engine.RunAggregation(context.Background(), tenant, node, asOf)
	require.NoError(t, err)
	return res
}

// drain collects everything emitted so far.
func drain(ch chan core.Output) []core.Output {
	var out []core.Output
	for {
		select {
		case o := <-ch:
			out = append(out, o)
		default:
			return out
		}
	}
}

func notificationsOf(outs []core.Output, et event.EventType) []event.Envelope {
	var envs []event.Envelope
	for _, o := range outs {
		for _, env := range o.Notifications {
			if env.EventType == et.String() {
				envs = append(envs, env)
			}
		}
	}
	return envs
}

// ===========================================================================
// Aggregation runs
// ===========================================================================

func TestRun_OffsettingPMsProduceFinding(t *testing.T) {
	h := newTestEngine(t)
	rep := mustIngest(t, h, "b1",
		position("book-1", isin("US0378331005"), "1000", "200000", 1),
		position("book-3", isin("US0378331005"), "-300", "-60000", 1),
	)
	assert.Equal(t, 2, rep.Applied)

	res := mustRun(t, h, "firm")
	exp := res.Exposures["firm"]
	require.NotNil(t, exp)
	se, ok := exp.Security(h.aapl)
	require.True(t, ok)
	assert.True(t, se.NetQuantity.Equal(d("700")))
	assert.True(t, se.NetMarketValue.Equal(d("140000")))
	assert.True(t, se.GrossMarketValue.Equal(d("260000")))

	findings := res.FindingsAt("fund-a")
	require.Len(t, findings, 1)
	assert.InDelta(t, 0.4615, findings[0].OffsetRatio, 0.001)
	assert.Len(t, findings[0].Books, 2)

	// pm-1 alone holds only book-1, so nothing overlaps there.
	assert.Empty(t, res.FindingsAt("pm-1"))

	outs := drain(h.persist)
	assert.NotEmpty(t, notificationsOf(outs, event.EventTypeOverlapFindingDetected))
	assert.Len(t, notificationsOf(outs, event.EventTypeAggregationCompleted), 1)
}

func TestRun_FindingIsNewOnlyOnce(t *testing.T) {
	h := newTestEngine(t)
	mustIngest(t, h, "b1",
		position("book-1", isin("US0378331005"), "1000", "200000", 1),
		position("book-3", isin("US0378331005"), "-300", "-60000", 1),
	)

	first := mustRun(t, h, "firm")
	assert.NotEmpty(t, first.NewFindings)
	drain(h.persist)

	second := mustRun(t, h, "firm")
	assert.Equal(t, len(first.Findings), len(second.Findings))
	assert.Empty(t, second.NewFindings)
	assert.Empty(t, notificationsOf(drain(h.persist), event.EventTypeOverlapFindingDetected))
}

func TestRun_DigestIsStableForSameSnapshot(t *testing.T) {
	h := newTestEngine(t)
	mustIngest(t, h, "b1", position("book-1", isin("US0378331005"), "1000", "200000", 1))

	a := mustRun(t, h, "firm")
	b := mustRun(t, h, "firm")
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, core.ResultDigest(a), core.ResultDigest(b))
	assert.NotEqual(t, a.Digest, b.Digest, "chain tip advances with every run")

	latest, ok := func() (*core.RunResult, bool) {
		p, err := h.engine.Partition(tenant)
		require.NoError(t, err)
		return p.LatestRun("firm")
	}()
	require.True(t, ok)
	assert.Equal(t, b.ID, latest.ID)
}

func TestRun_CancelledContextPublishesNothing(t *testing.T) {
	h := newTestEngine(t)
	mustIngest(t, h, "b1", position("book-1", isin("US0378331005"), "1000", "200000", 1))
	drain(h.persist)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.engine.RunAggregation(ctx, tenant, "firm", asOf)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, drain(h.persist))
}

// ===========================================================================
// Ingestion
// ===========================================================================

func TestIngest_DuplicateBatchSkipped(t *testing.T) {
	h := newTestEngine(t)
	mustIngest(t, h, "b1", position("book-1", isin("US0378331005"), "1000", "200000", 1))

	rep := mustIngest(t, h, "b1", position("book-1", isin("US0378331005"), "5", "1000", 2))
	assert.True(t, rep.Duplicate)
	assert.Zero(t, rep.Applied)

	p, err := h.engine.Partition(tenant)
	require.NoError(t, err)
	pos, err := p.Store().Current("book-1", h.aapl)
	require.NoError(t, err)
	assert.True(t, pos.Quantity.Equal(d("1000")))
}

func TestIngest_IdenticalSnapshotIsUnchanged(t *testing.T) {
	h := newTestEngine(t)
	mustIngest(t, h, "b1", position("book-1", isin("US0378331005"), "1000", "200000", 1))
	rep := mustIngest(t, h, "b2", position("book-1", isin("US0378331005"), "1000", "200000", 2))
	assert.Zero(t, rep.Applied)
	assert.Equal(t, 1, rep.Unchanged)
}

func TestIngest_BatchWithoutIDRejected(t *testing.T) {
	h := newTestEngine(t)
	_, err := h.engine.IngestPositions(context.Background(), core.PositionBatch{Tenant: tenant})
	require.ErrorIs(t, err, core.ErrInvalidBatch)
}

func TestIngest_UnresolvedIdentifierQuarantinedThenReleased(t *testing.T) {
	h := newTestEngine(t)
	msft := isin("US5949181045")
	rep := mustIngest(t, h, "b1", position("book-1", msft, "10", "4000", 1))
	assert.Equal(t, 1, rep.Quarantined)

	p, err := h.engine.Partition(tenant)
	require.NoError(t, err)
	dq := p.DataQuality()
	require.Len(t, dq.Quarantined, 1)
	assert.Equal(t, 1, dq.Counts["quarantined"])
	assert.Len(t, notificationsOf(drain(h.persist), event.EventTypePositionQuarantined), 1)

	// Still unknown: nothing is released.
	n, err := h.engine.ReleaseQuarantine(context.Background(), tenant)
	require.NoError(t, err)
	assert.Zero(t, n)

	sec, err := h.engine.Master().CreateSecurity(security.NewSecurity{
		Name: "Microsoft", AssetClass: security.AssetClassEquity, Currency: "USD",
	})
	require.NoError(t, err)
	require.NoError(t, h.engine.Master().Register(msft, sec.ID))

	n, err = h.engine.ReleaseQuarantine(context.Background(), tenant)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, p.Quarantine().Len())
	_, err = p.Store().Current("book-1", sec.ID)
	assert.NoError(t, err)
}

func TestIngest_UnknownBookQuarantined(t *testing.T) {
	h := newTestEngine(t)
	rep := mustIngest(t, h, "b1", position("book-9", isin("US0378331005"), "1", "200", 1))
	assert.Equal(t, 1, rep.Quarantined)
	assert.False(t, rep.Validation.IsValid())
}

func TestIngest_InvalidCurrencyRejected(t *testing.T) {
	h := newTestEngine(t)
	rec := position("book-1", isin("US0378331005"), "1", "200", 1)
	rec.Currency = "usd"
	rep := mustIngest(t, h, "b1", rec)
	assert.Equal(t, 1, rep.Rejected)

	p, err := h.engine.Partition(tenant)
	require.NoError(t, err)
	assert.Equal(t, 1, p.DataQuality().Counts["validation_error"])
}

func TestIngest_SequenceGapSurfacedButApplied(t *testing.T) {
	h := newTestEngine(t)
	mustIngest(t, h, "b1", position("book-1", isin("US0378331005"), "1", "200", 1))
	rec := position("book-1", isin("US0378331005"), "2", "400", 3)
	rec.AsOf = asOf.Add(time.Minute)
	rep := mustIngest(t, h, "b2", rec)
	assert.Equal(t, 1, rep.Applied)

	p, err := h.engine.Partition(tenant)
	require.NoError(t, err)
	assert.Equal(t, 1, p.DataQuality().Counts["sequence_gap"])
}

func TestApplyHierarchy_CycleFailsBatch(t *testing.T) {
	h := newTestEngine(t)
	_, err := h.engine.ApplyHierarchy(context.Background(), core.HierarchyBatch{
		Tenant:  tenant,
		BatchID: "tree-2",
		Changes: []core.HierarchyChange{{Op: core.HierarchyMove, Node: hierarchy.Node{ID: "fund-a"}, NewParent: "strat-1"}},
	})
	require.Error(t, err)
}

// ===========================================================================
// Limits
// ===========================================================================

func TestLimits_BreachOpensOnRunAndAcknowledges(t *testing.T) {
	h := newTestEngine(t)
	mustIngest(t, h, "b1",
		position("book-1", isin("US0378331005"), "1000", "200000", 1),
		position("book-3", isin("US0378331005"), "-300", "-60000", 1),
	)
	_, err := h.engine.IngestLimits(context.Background(), core.LimitBatch{Tenant: tenant, BatchID: "l1", Records: []core.LimitRecord{{
		Limit: limits.Limit{
			Node:          "firm",
			Measure:       limits.MeasureGrossMarketValue,
			Direction:     limits.DirectionUpper,
			Threshold:     100000,
			EffectiveFrom: asOf.Add(-24 * time.Hour),
			Author:        "risk",
		},
	}}})
	require.NoError(t, err)

	mustRun(t, h, "firm")
	p, err := h.engine.Partition(tenant)
	require.NoError(t, err)
	active := p.Monitor().ActiveBreaches()
	require.Len(t, active, 1)
	assert.Equal(t, limits.BreachActive, active[0].State)
	assert.InDelta(t, 260000, active[0].Actual, 1e-6)
	assert.Len(t, notificationsOf(drain(h.persist), event.EventTypeBreachTransitioned), 1)

	// A second run while still breached does not reopen.
	mustRun(t, h, "firm")
	assert.Empty(t, notificationsOf(drain(h.persist), event.EventTypeBreachTransitioned))

	b, err := h.engine.AcknowledgeBreach(tenant, active[0].ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, limits.BreachAcknowledged, b.State)
	assert.Len(t, notificationsOf(drain(h.persist), event.EventTypeBreachTransitioned), 1)
}

func TestLimits_UnknownNodeRejected(t *testing.T) {
	h := newTestEngine(t)
	rep, err := h.engine.IngestLimits(context.Background(), core.LimitBatch{Tenant: tenant, BatchID: "l1", Records: []core.LimitRecord{{
		Limit: limits.Limit{Node: "nope", Threshold: 1, EffectiveFrom: asOf, Author: "risk"},
	}}})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Rejected)
}

func TestPartition_UnknownTenant(t *testing.T) {
	h := newTestEngine(t)
	_, err := h.engine.RunAggregation(context.Background(), "other", "firm", asOf)
	require.ErrorIs(t, err, core.ErrUnknownTenant)
}

func TestLimits_RiskLimitEvaluatedWithMissingBook(t *testing.T) {
	h := newTestEngine(t)
	ctx := context.Background()
	_, err := h.engine.IngestMetrics(ctx, core.MetricBatch{Tenant: tenant, BatchID: "m1", Records: []core.MetricRecord{
		{Book: "book-1", Kind: risk.MetricVaR, Value: 1e6, AsOf: asOf},
		{Book: "book-2", Kind: risk.MetricVaR, Value: 1e6, AsOf: asOf},
	}})
	require.NoError(t, err)
	_, err = h.engine.IngestLimits(ctx, core.LimitBatch{Tenant: tenant, BatchID: "l1", Records: []core.LimitRecord{{
		Limit: limits.Limit{
			Node:          "firm",
			Measure:       limits.MeasureRisk,
			RiskMetric:    risk.MetricVaR,
			Direction:     limits.DirectionUpper,
			Threshold:     1000,
			EffectiveFrom: asOf.Add(-24 * time.Hour),
			Author:        "risk",
		},
	}}})
	require.NoError(t, err)
	drain(h.persist)

	res := mustRun(t, h, "firm")
	require.Len(t, res.Evaluations, 1)
	ev := res.Evaluations[0]
	assert.False(t, ev.Stale)
	assert.False(t, ev.Result.Suppressed)
	assert.Equal(t, []hierarchy.NodeID{"book-3"}, ev.Missing)

	p, err := h.engine.Partition(tenant)
	require.NoError(t, err)
	active := p.Monitor().ActiveBreaches()
	require.Len(t, active, 1)
	assert.InDelta(t, 2e6, active[0].Actual, 1)

	items := dataQualityOf(drain(h.persist))
	require.Len(t, items, 1)
	assert.Equal(t, core.IssueMetricMissing, items[0].Kind)
	assert.Equal(t, hierarchy.NodeID("book-3"), items[0].Book)
	assert.Equal(t, 1, p.DataQuality().Counts["metric_missing"])

	// Unchanged gaps are reported once.
	mustRun(t, h, "firm")
	assert.Empty(t, dataQualityOf(drain(h.persist)))
}

func TestLimits_StaleRiskLimitSuppressedAndReported(t *testing.T) {
	h := newTestEngine(t)
	ctx := context.Background()
	var recs []core.MetricRecord
	for _, b := range []hierarchy.NodeID{"book-1", "book-2", "book-3"} {
		recs = append(recs, core.MetricRecord{Book: b, Kind: risk.MetricVaR, Value: 1e6, AsOf: asOf.Add(-72 * time.Hour)})
	}
	_, err := h.engine.IngestMetrics(ctx, core.MetricBatch{Tenant: tenant, BatchID: "m1", Records: recs})
	require.NoError(t, err)
	_, err = h.engine.IngestLimits(ctx, core.LimitBatch{Tenant: tenant, BatchID: "l1", Records: []core.LimitRecord{{
		Limit: limits.Limit{
			Node:          "pm-1",
			Measure:       limits.MeasureRisk,
			RiskMetric:    risk.MetricVaR,
			Direction:     limits.DirectionUpper,
			Threshold:     1000,
			EffectiveFrom: asOf.Add(-24 * time.Hour),
			Author:        "risk",
		},
	}}})
	require.NoError(t, err)
	drain(h.persist)

	res := mustRun(t, h, "firm")
	require.Len(t, res.Evaluations, 1)
	assert.True(t, res.Evaluations[0].Stale)
	assert.True(t, res.Evaluations[0].Result.Suppressed)

	p, err := h.engine.Partition(tenant)
	require.NoError(t, err)
	assert.Empty(t, p.Monitor().ActiveBreaches())

	items := dataQualityOf(drain(h.persist))
	require.Len(t, items, 1)
	assert.Equal(t, core.IssueLimitSuppressed, items[0].Kind)
	assert.Equal(t, "LIMIT_SUPPRESSED", items[0].Code)
}

func dataQualityOf(outs []core.Output) []core.DataQualityItem {
	var items []core.DataQualityItem
	for _, o := range outs {
		items = append(items, o.DataQuality...)
	}
	return items
}

// ===========================================================================
// Correlation
// ===========================================================================

func TestCorrelation_RequestedMatrixRefreshedAfterPnL(t *testing.T) {
	h := newTestEngine(t)
	ctx := context.Background()
	p, err := h.engine.Partition(tenant)
	require.NoError(t, err)
	pms := []hierarchy.NodeID{"pm-1", "pm-2"}

	first, err := p.CorrelationMatrix(ctx, correlation.MatrixRealized, pms, 0, asOf)
	require.NoError(t, err)
	c, ok := first.Cell("pm-1", "pm-2")
	require.True(t, ok)
	assert.Equal(t, correlation.CellInsufficientData, c.Status)

	again, err := p.CorrelationMatrix(ctx, correlation.MatrixRealized, pms, 0, asOf)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID, "served from the latest matrix until a recompute")

	var recs []core.PnLRecord
	for i := 0; i < 40; i++ {
		day := correlation.Day(asOf).AddDate(0, 0, -i)
		v := 1000 * math.Sin(float64(i)*0.7)
		recs = append(recs,
			core.PnLRecord{Book: "book-1", Day: day, PnL: v},
			core.PnLRecord{Book: "book-2", Day: day, PnL: v},
			core.PnLRecord{Book: "book-3", Day: day, PnL: -v},
		)
	}
	rep, err := h.engine.IngestPnL(ctx, core.PnLBatch{Tenant: tenant, BatchID: "p1", Records: recs})
	require.NoError(t, err)
	require.Equal(t, 120, rep.Applied)

	_, err = h.engine.RecomputeCorrelations(ctx, tenant, asOf)
	require.NoError(t, err)

	latest, err := p.CorrelationMatrix(ctx, correlation.MatrixRealized, pms, 0, asOf)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, latest.ID)
	c, ok = latest.Cell("pm-1", "pm-2")
	require.True(t, ok)
	assert.Equal(t, correlation.CellOk, c.Status)
	assert.Less(t, c.Value, -0.5)
}

// ===========================================================================
// Output sequencing
// ===========================================================================

func TestEmit_TenantsSequencedIndependently(t *testing.T) {
	h := newTestEngine(t)
	applyTree(t, h.engine, "beta")
	drain(h.persist)

	var wg sync.WaitGroup
	for _, tn := range []string{tenant, "beta"} {
		wg.Add(1)
		go func(tn string) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				rec := position("book-2", isin("US0378331005"), fmt.Sprint(i+1), "100", int64(i+1))
				_, err := h.engine.IngestPositions(context.Background(), core.PositionBatch{
					Tenant: tn, BatchID: fmt.Sprintf("b-%d", i), Records: []core.PositionRecord{rec},
				})
				assert.NoError(t, err)
			}
		}(tn)
	}
	wg.Wait()

	seen := make(map[int64]bool)
	last := make(map[string]int64)
	perTenant := make(map[string]int)
	for _, o := range drain(h.persist) {
		assert.False(t, seen[o.Sequence], "sequence %d reused", o.Sequence)
		seen[o.Sequence] = true
		assert.Greater(t, o.Sequence, last[o.Tenant], "tenant %q out of order", o.Tenant)
		last[o.Tenant] = o.Sequence
		if len(o.Positions) > 0 {
			perTenant[o.Tenant]++
		}
	}
	assert.Equal(t, 25, perTenant[tenant])
	assert.Equal(t, 25, perTenant["beta"])
}
