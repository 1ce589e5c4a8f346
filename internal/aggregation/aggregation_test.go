package aggregation_test

import (
	"math/rand"
	"testing"
	"time"

	"RiskCore/internal/aggregation"
	"RiskCore/internal/hierarchy"
	"RiskCore/internal/security"
	"RiskCore/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var asOf = time.Date(2026, 3, 2, 21, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	tree   *hierarchy.Tree
	store  *state.Store
	master *security.Master
	fx     *aggregation.FXTable
	agg    *aggregation.Aggregator
	aapl   uuid.UUID
	sap    uuid.UUID
}

// firm ─ fund-a ─ pm-1 ─ strat-1 ─ book-1, book-2
//
//	└ pm-2 ─ strat-2 ─ book-3
func newFixture(t *testing.T) *fixture {
	t.Helper()
	tree := hierarchy.NewTree()
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
		require.NoError(t, tree.AddNode(n))
	}

	master := security.NewMaster(zerolog.Nop())
	aapl, err := master.CreateSecurity(security.NewSecurity{
		Name: "Apple Inc", AssetClass: security.AssetClassEquity, Currency: "USD",
		Sector: "Technology", Country: "US",
	})
	require.NoError(t, err)
	sap, err := master.CreateSecurity(security.NewSecurity{
		Name: "SAP SE", AssetClass: security.AssetClassEquity, Currency: "EUR",
		Sector: "Technology", Country: "DE",
	})
	require.NoError(t, err)

	fx := aggregation.NewFXTable("USD")
	fx.Set("EUR", asOf.Add(-24*time.Hour), d("1.10"))

	store := state.NewStore()
	return &fixture{
		tree:   tree,
		store:  store,
		master: master,
		fx:     fx,
		agg:    aggregation.NewAggregator(tree, store, master, fx),
		aapl:   aapl.ID,
		sap:    sap.ID,
	}
}

func (f *fixture) put(t *testing.T, book hierarchy.NodeID, sec uuid.UUID, qty, mv, ccy string) {
	t.Helper()
	_, err := f.store.Upsert(book, sec, state.Snapshot{
		AsOf:        asOf,
		Quantity:    d(qty),
		MarketValue: d(mv),
		Currency:    ccy,
		Attributes:  map[string]decimal.Decimal{state.AttrDelta: d(qty), state.AttrBeta: d("1.2")},
	})
	require.NoError(t, err)
}

// ===========================================================================
// Rollup
// ===========================================================================

func TestRollup_OffsettingBooks(t *testing.T) {
	f := newFixture(t)
	f.put(t, "book-1", f.aapl, "1000", "200000", "USD")
	f.put(t, "book-2", f.aapl, "-300", "-60000", "USD")

	exp, err := f.agg.Rollup("pm-1", asOf)
	require.NoError(t, err)

	se, ok := exp.Security(f.aapl)
	require.True(t, ok)
	assert.Equal(t, "700", se.NetQuantity.String())
	assert.Equal(t, "1300", se.GrossQuantity.String())
	assert.Equal(t, "140000", se.NetMarketValue.String())
	assert.Equal(t, "260000", se.GrossMarketValue.String())
	assert.Equal(t, "200000", se.LongMarketValue.String())
	assert.Equal(t, "-60000", se.ShortMarketValue.String())
	assert.Equal(t, "700", se.Attributes[state.AttrDelta].String())
	_, summed := se.Attributes[state.AttrBeta]
	assert.False(t, summed, "descriptor attributes are not summed")
	require.Len(t, se.Contributions, 2)
	assert.Equal(t, hierarchy.NodeID("book-1"), se.Contributions[0].Book)
	assert.Equal(t, 2, exp.PositionCount)
}

func TestRollup_ConvertsToBaseCurrency(t *testing.T) {
	f := newFixture(t)
	f.put(t, "book-3", f.sap, "100", "10000", "EUR")

	exp, err := f.agg.Rollup("fund-a", asOf)
	require.NoError(t, err)
	assert.Equal(t, "USD", exp.BaseCurrency)
	assert.Equal(t, "11000", exp.NetMarketValue.String())

	var de bool
	for _, fe := range exp.Factors {
		if fe.Tag == (aggregation.FactorTag{Kind: aggregation.FactorCountry, Value: "DE"}) {
			de = true
			assert.Equal(t, "11000", fe.GrossMarketValue.String())
		}
	}
	assert.True(t, de)
}

func TestRollup_MissingFXRateFails(t *testing.T) {
	f := newFixture(t)
	f.put(t, "book-3", f.sap, "100", "10000", "JPY")
	_, err := f.agg.Rollup("fund-a", asOf)
	assert.ErrorIs(t, err, aggregation.ErrMissingFXRate)
}

func TestRollup_EmptyNodeIsZero(t *testing.T) {
	f := newFixture(t)
	exp, err := f.agg.Rollup("pm-2", asOf)
	require.NoError(t, err)
	assert.True(t, exp.NetMarketValue.IsZero())
	assert.Empty(t, exp.Securities)
	assert.Equal(t, []hierarchy.NodeID{"book-3"}, exp.Books)
}

func TestRollup_UnknownNode(t *testing.T) {
	f := newFixture(t)
	_, err := f.agg.Rollup("nope", asOf)
	assert.ErrorIs(t, err, hierarchy.ErrNodeNotFound)
}

func TestRollup_MergedSecuritiesCollapse(t *testing.T) {
	f := newFixture(t)
	dup, err := f.master.CreateSecurity(security.NewSecurity{Name: "AAPL dup", AssetClass: security.AssetClassEquity, Currency: "USD"})
	require.NoError(t, err)
	f.put(t, "book-1", f.aapl, "100", "20000", "USD")
	f.put(t, "book-2", dup.ID, "50", "10000", "USD")
	require.NoError(t, f.master.Merge(dup.ID, f.aapl))
	f.agg.InvalidateAll()

	exp, err := f.agg.Rollup("firm", asOf)
	require.NoError(t, err)
	require.Len(t, exp.Securities, 1)
	assert.Equal(t, "150", exp.Securities[0].NetQuantity.String())
}

func TestRollup_ParentEqualsSumOfChildren(t *testing.T) {
	f := newFixture(t)
	f.put(t, "book-1", f.aapl, "1000", "200000", "USD")
	f.put(t, "book-2", f.aapl, "-300", "-60000", "USD")
	f.put(t, "book-3", f.sap, "100", "10000", "EUR")

	fund, err := f.agg.Rollup("fund-a", asOf)
	require.NoError(t, err)
	pm1, _ := f.agg.Rollup("pm-1", asOf)
	pm2, _ := f.agg.Rollup("pm-2", asOf)

	assert.True(t, fund.NetMarketValue.Equal(pm1.NetMarketValue.Add(pm2.NetMarketValue)))
	assert.True(t, fund.GrossMarketValue.Equal(pm1.GrossMarketValue.Add(pm2.GrossMarketValue)))
}

func TestRollup_OrderInvariant(t *testing.T) {
	type row struct {
		book hierarchy.NodeID
		qty  string
		mv   string
	}
	rows := []row{
		{"book-1", "10", "1000"}, {"book-2", "-4", "-400"}, {"book-3", "7", "700"},
	}

	var want *aggregation.AggregateExposure
	r := rand.New(rand.NewSource(7))
	for trial := 0; trial < 5; trial++ {
		f := newFixture(t)
		perm := r.Perm(len(rows))
		for _, i := range perm {
			f.put(t, rows[i].book, f.aapl, rows[i].qty, rows[i].mv, "USD")
		}
		got, err := f.agg.Rollup("firm", asOf)
		require.NoError(t, err)
		if want == nil {
			want = got
			continue
		}
		assert.Equal(t, want.NetMarketValue.String(), got.NetMarketValue.String())
		assert.Equal(t, want.Securities[0].Contributions, got.Securities[0].Contributions)
	}
}

func TestRollup_CacheAndInvalidate(t *testing.T) {
	f := newFixture(t)
	f.put(t, "book-1", f.aapl, "100", "20000", "USD")

	first, err := f.agg.Rollup("pm-1", asOf)
	require.NoError(t, err)
	again, err := f.agg.Rollup("pm-1", asOf)
	require.NoError(t, err)
	assert.Same(t, first, again, "repeated rollup is served from cache")

	_, err = f.store.Upsert("book-1", f.aapl, state.Snapshot{
		AsOf: asOf, Quantity: d("200"), MarketValue: d("40000"), Currency: "USD",
	})
	require.NoError(t, err)
	f.agg.Invalidate("book-1")

	fresh, err := f.agg.Rollup("pm-1", asOf)
	require.NoError(t, err)
	assert.Equal(t, "40000", fresh.NetMarketValue.String())
}

// racingSource runs write once, after the first snapshot is taken and
// before the rollup built from it is cached.
type racingSource struct {
	store *state.Store
	write func()
}

func (r *racingSource) SnapshotAt(books []hierarchy.NodeID, at time.Time) []state.Position {
	out := r.store.SnapshotAt(books, at)
	if w := r.write; w != nil {
		r.write = nil
		w()
	}
	return out
}

func TestRollup_WriteDuringRollupIsNotCached(t *testing.T) {
	f := newFixture(t)
	f.put(t, "book-1", f.aapl, "100", "20000", "USD")

	src := &racingSource{store: f.store}
	agg := aggregation.NewAggregator(f.tree, src, f.master, f.fx)
	src.write = func() {
		_, err := f.store.Upsert("book-1", f.aapl, state.Snapshot{
			AsOf: asOf, Quantity: d("200"), MarketValue: d("40000"), Currency: "USD",
		})
		require.NoError(t, err)
		agg.Invalidate("book-1")
	}

	stale, err := agg.Rollup("pm-1", asOf)
	require.NoError(t, err)
	assert.Equal(t, "20000", stale.NetMarketValue.String())

	fresh, err := agg.Rollup("pm-1", asOf)
	require.NoError(t, err)
	assert.Equal(t, "40000", fresh.NetMarketValue.String())
}

func TestInvalidateBooks_DropsEveryRollupTouchingThem(t *testing.T) {
	f := newFixture(t)
	f.put(t, "book-1", f.aapl, "100", "20000", "USD")
	f.put(t, "book-3", f.aapl, "50", "10000", "USD")

	pm1, err := f.agg.Rollup("pm-1", asOf)
	require.NoError(t, err)
	pm2, err := f.agg.Rollup("pm-2", asOf)
	require.NoError(t, err)

	f.agg.InvalidateBooks([]hierarchy.NodeID{"book-1", "book-2"})

	again1, err := f.agg.Rollup("pm-1", asOf)
	require.NoError(t, err)
	assert.NotSame(t, pm1, again1)
	again2, err := f.agg.Rollup("pm-2", asOf)
	require.NoError(t, err)
	assert.Same(t, pm2, again2, "pm-2 holds none of the invalidated books")
}

// ===========================================================================
// Netting
// ===========================================================================

func TestDetect_OffsetFinding(t *testing.T) {
	f := newFixture(t)
	f.put(t, "book-1", f.aapl, "1000", "200000", "USD")
	f.put(t, "book-2", f.aapl, "-300", "-60000", "USD")

	det := aggregation.NewDetector(f.agg, aggregation.DefaultNettingConfig(), nil)
	findings, err := det.Detect("pm-1", asOf)
	require.NoError(t, err)
	require.Len(t, findings, 1)

	fd := findings[0]
	assert.Equal(t, f.aapl, fd.Security)
	assert.InDelta(t, 0.4615, fd.OffsetRatio, 1e-3)
	assert.True(t, fd.HasTrigger(aggregation.TriggerOffset))
	assert.Equal(t, "700", fd.NetQuantity.String())
	assert.Equal(t, "260000", fd.GrossMarketValue.String())
	assert.Len(t, fd.Books, 2)
}

func TestDetect_SameDirectionBelowThreshold(t *testing.T) {
	f := newFixture(t)
	f.put(t, "book-1", f.aapl, "1000", "200000", "USD")
	f.put(t, "book-2", f.aapl, "300", "60000", "USD")

	det := aggregation.NewDetector(f.agg, aggregation.DefaultNettingConfig(), nil)
	findings, err := det.Detect("pm-1", asOf)
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestDetect_ConcentrationTriggers(t *testing.T) {
	f := newFixture(t)
	f.put(t, "book-1", f.aapl, "1000", "200000", "USD")
	f.put(t, "book-3", f.aapl, "500", "100000", "USD")

	cfg := aggregation.DefaultNettingConfig()
	cfg.ConcentrationAbs = d("250000")
	cfg.ConcentrationNAVPct = 0.25
	det := aggregation.NewDetector(f.agg, cfg, navFunc(func(hierarchy.NodeID) decimal.Decimal { return d("1000000") }))

	findings, err := det.Detect("fund-a", asOf)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.False(t, findings[0].HasTrigger(aggregation.TriggerOffset))
	assert.True(t, findings[0].HasTrigger(aggregation.TriggerConcentration))
	assert.True(t, findings[0].HasTrigger(aggregation.TriggerNAVConcentration))
}

func TestDetect_FlatBookDoesNotOverlap(t *testing.T) {
	f := newFixture(t)
	f.put(t, "book-1", f.aapl, "1000", "200000", "USD")
	f.put(t, "book-2", f.aapl, "0", "0", "USD")

	det := aggregation.NewDetector(f.agg, aggregation.DefaultNettingConfig(), nil)
	findings, err := det.Detect("pm-1", asOf)
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestDetect_OverlapIsSymmetric(t *testing.T) {
	a := newFixture(t)
	a.put(t, "book-1", a.aapl, "1000", "200000", "USD")
	a.put(t, "book-2", a.aapl, "-300", "-60000", "USD")

	b := newFixture(t)
	b.put(t, "book-1", b.aapl, "-300", "-60000", "USD")
	b.put(t, "book-2", b.aapl, "1000", "200000", "USD")

	fa, err := aggregation.NewDetector(a.agg, aggregation.DefaultNettingConfig(), nil).Detect("pm-1", asOf)
	require.NoError(t, err)
	fb, err := aggregation.NewDetector(b.agg, aggregation.DefaultNettingConfig(), nil).Detect("pm-1", asOf)
	require.NoError(t, err)
	require.Len(t, fa, 1)
	require.Len(t, fb, 1)
	assert.InDelta(t, fa[0].OffsetRatio, fb[0].OffsetRatio, 1e-12)
}

func TestDetectTree_VisitsEveryAggregateNode(t *testing.T) {
	f := newFixture(t)
	f.put(t, "book-1", f.aapl, "1000", "200000", "USD")
	f.put(t, "book-3", f.aapl, "-600", "-120000", "USD")

	det := aggregation.NewDetector(f.agg, aggregation.DefaultNettingConfig(), nil)
	findings, err := det.DetectTree("firm", asOf)
	require.NoError(t, err)

	nodes := map[hierarchy.NodeID]bool{}
	for _, fd := range findings {
		nodes[fd.Node] = true
	}
	assert.Equal(t, map[hierarchy.NodeID]bool{"firm": true, "fund-a": true}, nodes,
		"books only meet at fund level and above")
}

type navFunc func(hierarchy.NodeID) decimal.Decimal

func (f navFunc) NAV(node hierarchy.NodeID, _ time.Time) (decimal.Decimal, bool) {
	return f(node), true
}
