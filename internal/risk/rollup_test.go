package risk_test

import (
	"math"
	"testing"
	"time"

	"RiskCore/internal/hierarchy"
	"RiskCore/internal/risk"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var asOf = time.Date(2026, 3, 2, 21, 0, 0, 0, time.UTC)

func newTestTree(t *testing.T) *hierarchy.Tree {
	t.Helper()
	tree := hierarchy.NewTree()
	for _, n := range []hierarchy.Node{
		{ID: "firm", Level: hierarchy.LevelFirm},
		{ID: "fund", Level: hierarchy.LevelFund, Parent: "firm"},
		{ID: "pm", Level: hierarchy.LevelPM, Parent: "fund"},
		{ID: "strat", Level: hierarchy.LevelStrategy, Parent: "pm"},
		{ID: "book-a", Level: hierarchy.LevelBook, Parent: "strat"},
		{ID: "book-b", Level: hierarchy.LevelBook, Parent: "strat"},
	} {
		require.NoError(t, tree.AddNode(n))
	}
	return tree
}

type fixedCorr struct {
	rho map[[2]hierarchy.NodeID]float64
}

func (f fixedCorr) Pair(a, b hierarchy.NodeID) (float64, bool) {
	if v, ok := f.rho[[2]hierarchy.NodeID{a, b}]; ok {
		return v, true
	}
	v, ok := f.rho[[2]hierarchy.NodeID{b, a}]
	return v, ok
}
func (fixedCorr) Source() string  { return "realized" }
func (fixedCorr) AsOf() time.Time { return asOf }

type provider struct{ c risk.Correlations }

func (p provider) BookCorrelations([]hierarchy.NodeID, time.Time) risk.Correlations { return p.c }

func newRoller(t *testing.T, rho *float64) (*risk.Roller, *risk.MetricStore) {
	t.Helper()
	store := risk.NewMetricStore()
	var p risk.CorrelationProvider
	if rho != nil {
		p = provider{c: fixedCorr{rho: map[[2]hierarchy.NodeID]float64{{"book-a", "book-b"}: *rho}}}
	}
	return risk.NewRoller(newTestTree(t), store, p, risk.DefaultRollupConfig(), zerolog.Nop()), store
}

func mustPut(t *testing.T, s *risk.MetricStore, book hierarchy.NodeID, kind risk.MetricKind, v float64, at time.Time) {
	t.Helper()
	require.NoError(t, s.Put(risk.BookMetric{Book: book, Kind: kind, Value: v, AsOf: at}))
}

func ptr(v float64) *float64 { return &v }

// ===========================================================================
// Rule
// ===========================================================================

func TestMetricKind_Rule(t *testing.T) {
	for _, k := range risk.AllMetricKinds {
		k := k
		t.Run(k.String(), func(t *testing.T) {
			parsed, err := risk.ParseMetricKind(k.String())
			require.NoError(t, err)
			assert.Equal(t, k, parsed)
		})
	}
	assert.Equal(t, risk.RuleCovariance, risk.MetricVaR.Rule())
	assert.Equal(t, risk.RuleLinear, risk.MetricDV01.Rule())

	_, err := risk.ParseMetricKind("sharpe")
	assert.ErrorIs(t, err, risk.ErrUnknownMetric)
}

// ===========================================================================
// Covariance rollup
// ===========================================================================

func TestRollup_PerfectHedgeBelowNaiveSum(t *testing.T) {
	r, s := newRoller(t, ptr(-1))
	mustPut(t, s, "book-a", risk.MetricVaR, 100, asOf)
	mustPut(t, s, "book-b", risk.MetricVaR, 100, asOf)

	m, err := r.Rollup("pm", risk.MetricVaR, asOf)
	require.NoError(t, err)
	assert.Equal(t, 200.0, m.NaiveSum)
	assert.Less(t, m.Value, m.NaiveSum)
	assert.InDelta(t, 0, m.Value, 1e-9)
	assert.InDelta(t, 200, m.DiversificationBenefit, 1e-9)
	assert.InDelta(t, math.Sqrt(38000), m.StressedValue, 1e-9, "stress floor removes the hedge")
	assert.Equal(t, "realized", m.CorrelationSource)
}

func TestRollup_Uncorrelated(t *testing.T) {
	r, s := newRoller(t, ptr(0))
	mustPut(t, s, "book-a", risk.MetricVaR, 100, asOf)
	mustPut(t, s, "book-b", risk.MetricVaR, 100, asOf)

	m, err := r.Rollup("pm", risk.MetricVaR, asOf)
	require.NoError(t, err)
	assert.InDelta(t, 100*math.Sqrt2, m.Value, 1e-9)

	var sum float64
	for _, c := range m.Contributions {
		sum += c.Contribution
	}
	assert.InDelta(t, m.Value, sum, 1e-9, "Euler contributions add up")
}

func TestRollup_MissingCorrelationIsConservative(t *testing.T) {
	r, s := newRoller(t, nil)
	mustPut(t, s, "book-a", risk.MetricVaR, 100, asOf)
	mustPut(t, s, "book-b", risk.MetricVaR, 50, asOf)

	m, err := r.Rollup("pm", risk.MetricVaR, asOf)
	require.NoError(t, err)
	assert.InDelta(t, 150, m.Value, 1e-9)
	assert.Equal(t, 1, m.DefaultedPairs)
	assert.InDelta(t, 0, m.DiversificationBenefit, 1e-9)
}

// ===========================================================================
// Linear rollup and staleness
// ===========================================================================

func TestRollup_LinearSums(t *testing.T) {
	r, s := newRoller(t, ptr(-1))
	mustPut(t, s, "book-a", risk.MetricDV01, 1200, asOf)
	mustPut(t, s, "book-b", risk.MetricDV01, -200, asOf)

	m, err := r.Rollup("firm", risk.MetricDV01, asOf)
	require.NoError(t, err)
	assert.Equal(t, 1000.0, m.Value)
	assert.Equal(t, 0.0, m.DiversificationBenefit)
	assert.False(t, m.PartiallyStale)
}

func TestRollup_StaleAndMissingFlagged(t *testing.T) {
	r, s := newRoller(t, nil)
	mustPut(t, s, "book-a", risk.MetricNetDelta, 10, asOf.Add(-72*time.Hour))

	m, err := r.Rollup("strat", risk.MetricNetDelta, asOf)
	require.NoError(t, err)
	assert.True(t, m.PartiallyStale)
	assert.Equal(t, []hierarchy.NodeID{"book-a"}, m.StaleBooks)
	assert.Equal(t, []hierarchy.NodeID{"book-b"}, m.MissingBooks)
	assert.Equal(t, 10.0, m.Value, "stale values are still used")
}

func TestRollup_UsesLatestNotAfterAsOf(t *testing.T) {
	r, s := newRoller(t, nil)
	mustPut(t, s, "book-a", risk.MetricGamma, 1, asOf.Add(-time.Hour))
	mustPut(t, s, "book-a", risk.MetricGamma, 2, asOf.Add(time.Hour))

	m, err := r.Rollup("book-a", risk.MetricGamma, asOf)
	require.NoError(t, err)
	assert.Equal(t, 1.0, m.Value)
}

func TestRollupAll_SkipsUnreportedKinds(t *testing.T) {
	r, s := newRoller(t, nil)
	mustPut(t, s, "book-a", risk.MetricVaR, 5, asOf)
	mustPut(t, s, "book-b", risk.MetricVega, 3, asOf)

	all, err := r.RollupAll("pm", asOf)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, risk.MetricVaR, all[0].Kind)
	assert.Equal(t, risk.MetricVega, all[1].Kind)
}
