package correlation_test

import (
	"context"
	"math"
	"testing"
	"time"

	"RiskCore/internal/aggregation"
	"RiskCore/internal/correlation"
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

type fixture struct {
	tree    *hierarchy.Tree
	pnl     *correlation.PnLStore
	factors *correlation.FactorReturnStore
	store   *state.Store
	master  *security.Master
	engine  *correlation.Engine
}

func newTestEngine(t *testing.T, cfg correlation.Config) *fixture {
	t.Helper()
	tree := hierarchy.NewTree()
	for _, n := range []hierarchy.Node{
		{ID: "firm", Level: hierarchy.LevelFirm},
		{ID: "fund", Level: hierarchy.LevelFund, Parent: "firm"},
		{ID: "pm-1", Level: hierarchy.LevelPM, Parent: "fund"},
		{ID: "pm-2", Level: hierarchy.LevelPM, Parent: "fund"},
		{ID: "strat-1", Level: hierarchy.LevelStrategy, Parent: "pm-1"},
		{ID: "strat-2", Level: hierarchy.LevelStrategy, Parent: "pm-2"},
		{ID: "book-a", Level: hierarchy.LevelBook, Parent: "strat-1"},
		{ID: "book-b", Level: hierarchy.LevelBook, Parent: "strat-2"},
	} {
		require.NoError(t, tree.AddNode(n))
	}
	f := &fixture{
		tree:    tree,
		pnl:     correlation.NewPnLStore(),
		factors: correlation.NewFactorReturnStore(),
		store:   state.NewStore(),
		master:  security.NewMaster(zerolog.Nop()),
	}
	f.engine = correlation.NewEngine(tree, f.pnl, f.factors, f.store, f.master,
		aggregation.NewFXTable("USD"), cfg, zerolog.Nop())
	return f
}

func day(i int) time.Time { return asOf.AddDate(0, 0, -i) }

func (f *fixture) putPnL(t *testing.T, book hierarchy.NodeID, days int, fn func(i int) float64) {
	t.Helper()
	for i := 0; i < days; i++ {
		require.NoError(t, f.pnl.Put(book, day(i), fn(i)))
	}
}

func wave(i int) float64 { return math.Sin(float64(i)*0.7) + 0.3*math.Cos(float64(i)*1.3) }

// ===========================================================================
// Realized
// ===========================================================================

func TestRealized_PerfectlyOpposed(t *testing.T) {
	f := newTestEngine(t, correlation.DefaultConfig())
	f.putPnL(t, "book-a", 30, wave)
	f.putPnL(t, "book-b", 30, func(i int) float64 { return -2 * wave(i) })

	m, err := f.engine.Recompute(context.Background(), correlation.MatrixRealized,
		[]hierarchy.NodeID{"book-b", "book-a"}, asOf, 0)
	require.NoError(t, err)

	assert.Equal(t, []hierarchy.NodeID{"book-a", "book-b"}, m.Nodes, "node set is normalised")
	c, ok := m.Cell("book-a", "book-b")
	require.True(t, ok)
	assert.Equal(t, correlation.CellOk, c.Status)
	assert.InDelta(t, -1, c.Value, 1e-9)
	assert.Equal(t, 30, c.Observations)
	assert.False(t, m.ComputedAt.IsZero())
}

func TestRealized_InsufficientData(t *testing.T) {
	f := newTestEngine(t, correlation.DefaultConfig())
	f.putPnL(t, "book-a", 10, wave)
	f.putPnL(t, "book-b", 10, wave)

	m, err := f.engine.Recompute(context.Background(), correlation.MatrixRealized,
		[]hierarchy.NodeID{"book-a", "book-b"}, asOf, 0)
	require.NoError(t, err)
	c, _ := m.Cell("book-a", "book-b")
	assert.Equal(t, correlation.CellInsufficientData, c.Status)
	_, ok := m.Pair("book-a", "book-b")
	assert.False(t, ok)
}

func TestRealized_ZeroVarianceIsUndefined(t *testing.T) {
	f := newTestEngine(t, correlation.DefaultConfig())
	f.putPnL(t, "book-a", 30, wave)
	f.putPnL(t, "book-b", 30, func(int) float64 { return 5 })

	m, err := f.engine.Recompute(context.Background(), correlation.MatrixRealized,
		[]hierarchy.NodeID{"book-a", "book-b"}, asOf, 0)
	require.NoError(t, err)
	c, _ := m.Cell("book-a", "book-b")
	assert.Equal(t, correlation.CellUndefined, c.Status)
}

func TestRealized_LookbackWindow(t *testing.T) {
	f := newTestEngine(t, correlation.DefaultConfig())
	f.putPnL(t, "book-a", 90, wave)
	f.putPnL(t, "book-b", 90, wave)

	m, err := f.engine.Recompute(context.Background(), correlation.MatrixRealized,
		[]hierarchy.NodeID{"book-a", "book-b"}, asOf, 25)
	require.NoError(t, err)
	c, _ := m.Cell("book-a", "book-b")
	assert.Equal(t, 25, c.Observations)
	assert.Equal(t, 25, m.Lookback)
}

func TestRealized_NodePnLSumsBooks(t *testing.T) {
	f := newTestEngine(t, correlation.DefaultConfig())
	f.putPnL(t, "book-a", 30, wave)
	f.putPnL(t, "book-b", 30, wave)

	series := f.pnl.NodeSeries([]hierarchy.NodeID{"book-a", "book-b"}, asOf, 60)
	assert.InDelta(t, 2*wave(3), series[correlation.Day(day(3)).Unix()], 1e-12)

	m, err := f.engine.Recompute(context.Background(), correlation.MatrixRealized,
		[]hierarchy.NodeID{"fund", "pm-1"}, asOf, 0)
	require.NoError(t, err)
	rho, ok := m.Pair("fund", "pm-1")
	require.True(t, ok)
	assert.InDelta(t, 1, rho, 1e-9)
}

func TestRecompute_AppendOnlyAndLatest(t *testing.T) {
	f := newTestEngine(t, correlation.DefaultConfig())
	f.putPnL(t, "book-a", 30, wave)
	f.putPnL(t, "book-b", 30, wave)
	nodes := []hierarchy.NodeID{"book-a", "book-b"}

	var recomputed int
	f.engine.AddHook(func(*correlation.Matrix) { recomputed++ })

	first, err := f.engine.Recompute(context.Background(), correlation.MatrixRealized, nodes, asOf, 0)
	require.NoError(t, err)
	second, err := f.engine.Recompute(context.Background(), correlation.MatrixRealized, nodes, asOf, 0)
	require.NoError(t, err)

	latest, ok := f.engine.Latest(correlation.MatrixRealized, nodes, 0)
	require.True(t, ok)
	assert.Equal(t, second.ID, latest.ID)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Len(t, f.engine.History(correlation.MatrixRealized, nodes, 0), 2)
	assert.Equal(t, 2, recomputed)

	_, ok = f.engine.Latest(correlation.MatrixImplied, nodes, 0)
	assert.False(t, ok)
}

func TestRecomputeAll_RefreshesRequestedSets(t *testing.T) {
	f := newTestEngine(t, correlation.DefaultConfig())
	ctx := context.Background()
	pms := []hierarchy.NodeID{"pm-1", "pm-2"}

	first, err := f.engine.Recompute(ctx, correlation.MatrixRealized, pms, asOf, 0)
	require.NoError(t, err)
	c, _ := first.Cell("pm-1", "pm-2")
	assert.Equal(t, correlation.CellInsufficientData, c.Status)
	f.engine.Track(correlation.MatrixRealized, pms, 0)

	f.putPnL(t, "book-a", 40, wave)
	f.putPnL(t, "book-b", 40, func(i int) float64 { return -wave(i) })

	ms, err := f.engine.RecomputeAll(ctx, asOf)
	require.NoError(t, err)
	assert.Len(t, ms, 2, "book matrix plus the requested pm set; implied has no factor history")

	latest, ok := f.engine.LatestAt(correlation.MatrixRealized, pms, 0, asOf)
	require.True(t, ok)
	assert.NotEqual(t, first.ID, latest.ID)
	c, ok = latest.Cell("pm-1", "pm-2")
	require.True(t, ok)
	assert.Equal(t, correlation.CellOk, c.Status)
	assert.Equal(t, 40, c.Observations)
	assert.InDelta(t, -1, c.Value, 1e-9)
}

func TestLatestAt_IgnoresLaterMatrices(t *testing.T) {
	f := newTestEngine(t, correlation.DefaultConfig())
	nodes := []hierarchy.NodeID{"book-a", "book-b"}
	older, err := f.engine.Recompute(context.Background(), correlation.MatrixRealized, nodes, day(3), 0)
	require.NoError(t, err)
	_, err = f.engine.Recompute(context.Background(), correlation.MatrixRealized, nodes, asOf, 0)
	require.NoError(t, err)

	m, ok := f.engine.LatestAt(correlation.MatrixRealized, nodes, 0, day(1))
	require.True(t, ok)
	assert.Equal(t, older.ID, m.ID)

	_, ok = f.engine.LatestAt(correlation.MatrixRealized, nodes, 0, day(5))
	assert.False(t, ok)
}

func TestTrack_BoundedLeastRecentlyRequested(t *testing.T) {
	cfg := correlation.DefaultConfig()
	cfg.MaxTracked = 2
	f := newTestEngine(t, cfg)
	clock := asOf
	f.engine.SetClock(func() time.Time { clock = clock.Add(time.Second); return clock })

	a := []hierarchy.NodeID{"book-a", "book-b"}
	b := []hierarchy.NodeID{"pm-1", "pm-2"}
	c := []hierarchy.NodeID{"fund", "pm-1"}
	f.engine.Track(correlation.MatrixRealized, a, 0)
	f.engine.Track(correlation.MatrixRealized, b, 0)
	f.engine.Track(correlation.MatrixRealized, a, 0)
	f.engine.Track(correlation.MatrixRealized, c, 0)
	assert.Equal(t, 2, f.engine.Tracked())

	_, err := f.engine.RecomputeAll(context.Background(), asOf)
	require.NoError(t, err)
	_, ok := f.engine.LatestAt(correlation.MatrixRealized, b, 0, asOf)
	assert.False(t, ok, "b was requested least recently and dropped")
	_, ok = f.engine.LatestAt(correlation.MatrixRealized, c, 0, asOf)
	assert.True(t, ok)
}

func TestRecomputeAll_ForgetsRemovedNodes(t *testing.T) {
	f := newTestEngine(t, correlation.DefaultConfig())
	f.engine.Track(correlation.MatrixRealized, []hierarchy.NodeID{"book-a", "book-b"}, 0)
	require.NoError(t, f.tree.Remove("book-b"))

	_, err := f.engine.RecomputeAll(context.Background(), asOf)
	require.NoError(t, err)
	assert.Zero(t, f.engine.Tracked())
}

func TestRecompute_Cancelled(t *testing.T) {
	f := newTestEngine(t, correlation.DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.engine.Recompute(ctx, correlation.MatrixRealized, []hierarchy.NodeID{"book-a", "book-b"}, asOf, 0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.engine.History(correlation.MatrixRealized, []hierarchy.NodeID{"book-a", "book-b"}, 0))
}

// ===========================================================================
// Implied
// ===========================================================================

func (f *fixture) equity(t *testing.T) uuid.UUID {
	t.Helper()
	s, err := f.master.CreateSecurity(security.NewSecurity{
		Name: "Apple Inc", AssetClass: security.AssetClassEquity, Currency: "USD",
		Sector: "Technology", Country: "US",
	})
	require.NoError(t, err)
	return s.ID
}

func (f *fixture) putPosition(t *testing.T, book hierarchy.NodeID, sec uuid.UUID, qty, mv string) {
	t.Helper()
	_, err := f.store.Upsert(book, sec, state.Snapshot{
		AsOf: asOf, Quantity: decimal.RequireFromString(qty),
		MarketValue: decimal.RequireFromString(mv), Currency: "USD",
	})
	require.NoError(t, err)
}

func (f *fixture) putFactorHistory(t *testing.T, days int) {
	t.Helper()
	for i := 0; i < days; i++ {
		require.NoError(t, f.factors.Put(correlation.FactorEquityMarket, day(i), 0.01*wave(i)))
		require.NoError(t, f.factors.Put("sector:technology", day(i), 0.02*math.Cos(float64(i))))
		require.NoError(t, f.factors.Put("country:us", day(i), 0.005*math.Sin(float64(i)*2.1)))
	}
}

func TestImplied_OpposingHoldings(t *testing.T) {
	f := newTestEngine(t, correlation.DefaultConfig())
	sec := f.equity(t)
	f.putPosition(t, "book-a", sec, "100", "20000")
	f.putPosition(t, "book-b", sec, "-50", "-10000")
	f.putFactorHistory(t, 40)

	m, err := f.engine.Recompute(context.Background(), correlation.MatrixImplied,
		[]hierarchy.NodeID{"book-a", "book-b"}, asOf, 0)
	require.NoError(t, err)
	rho, ok := m.Pair("book-a", "book-b")
	require.True(t, ok)
	assert.InDelta(t, -1, rho, 1e-9)
	assert.GreaterOrEqual(t, m.Shrinkage, 0.0)
}

func TestImplied_EmptyBookIsUndefined(t *testing.T) {
	f := newTestEngine(t, correlation.DefaultConfig())
	sec := f.equity(t)
	f.putPosition(t, "book-a", sec, "100", "20000")
	f.putFactorHistory(t, 40)

	m, err := f.engine.Recompute(context.Background(), correlation.MatrixImplied,
		[]hierarchy.NodeID{"book-a", "book-b"}, asOf, 0)
	require.NoError(t, err)
	c, _ := m.Cell("book-a", "book-b")
	assert.Equal(t, correlation.CellUndefined, c.Status)
}

func TestImplied_InsufficientFactorHistory(t *testing.T) {
	f := newTestEngine(t, correlation.DefaultConfig())
	sec := f.equity(t)
	f.putPosition(t, "book-a", sec, "100", "20000")
	f.putPosition(t, "book-b", sec, "100", "20000")
	f.putFactorHistory(t, 5)

	m, err := f.engine.Recompute(context.Background(), correlation.MatrixImplied,
		[]hierarchy.NodeID{"book-a", "book-b"}, asOf, 0)
	require.NoError(t, err)
	c, _ := m.Cell("book-a", "book-b")
	assert.Equal(t, correlation.CellInsufficientData, c.Status)
}

func TestImplied_NoFactorHistory(t *testing.T) {
	f := newTestEngine(t, correlation.DefaultConfig())
	sec := f.equity(t)
	f.putPosition(t, "book-a", sec, "100", "20000")

	_, err := f.engine.Recompute(context.Background(), correlation.MatrixImplied,
		[]hierarchy.NodeID{"book-a", "book-b"}, asOf, 0)
	assert.ErrorIs(t, err, correlation.ErrNoFactorHistory)
}

func TestRatesBucket(t *testing.T) {
	assert.Equal(t, "2y", correlation.RatesBucket(1))
	assert.Equal(t, "5y", correlation.RatesBucket(5))
	assert.Equal(t, "10y", correlation.RatesBucket(12))
	assert.Equal(t, "30y", correlation.RatesBucket(30))
}

// ===========================================================================
// Book view
// ===========================================================================

func TestBookCorrelations_RealizedPreferredImpliedFallback(t *testing.T) {
	f := newTestEngine(t, correlation.DefaultConfig())
	assert.Nil(t, f.engine.BookCorrelations(nil, asOf))

	sec := f.equity(t)
	f.putPosition(t, "book-a", sec, "100", "20000")
	f.putPosition(t, "book-b", sec, "-50", "-10000")
	f.putFactorHistory(t, 40)
	f.putPnL(t, "book-a", 5, wave)
	f.putPnL(t, "book-b", 5, wave)

	ms, err := f.engine.RecomputeBooks(context.Background(), asOf)
	require.NoError(t, err)
	require.Len(t, ms, 2)

	view := f.engine.BookCorrelations(nil, asOf)
	require.NotNil(t, view)
	assert.Equal(t, "realized", view.Source())
	rho, ok := view.Pair("book-a", "book-b")
	require.True(t, ok, "implied fills the pair realized cannot")
	assert.InDelta(t, -1, rho, 1e-9)

	assert.Nil(t, f.engine.BookCorrelations(nil, asOf.Add(-time.Hour)), "matrices after the as-of are ignored")
}
