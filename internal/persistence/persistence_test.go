package persistence_test

import (
	"context"
	"testing"
	"time"

	"RiskCore/internal/core"
	"RiskCore/internal/event"
	"RiskCore/internal/hierarchy"
	"RiskCore/internal/limits"
	"RiskCore/internal/persistence"
	"RiskCore/internal/security"
	"RiskCore/internal/testutil"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tenant = "acme"

var asOf = time.Date(2026, 3, 2, 21, 0, 0, 0, time.UTC)

type fixture struct {
	engine  *core.Engine
	persist chan core.Output
	aapl    uuid.UUID
}

// firm > fund-a > pm-1 > strat-1 > book-1
func newTestEngine(t *testing.T) *fixture {
	t.Helper()
	persist := make(chan core.Output, 4096)
	cfg := core.DefaultConfig()
	cfg.AutoRun = false
	e := core.NewEngine(cfg, security.NewMaster(zerolog.Nop()), persist, nil, nil, nil, zerolog.Nop())
	e.SetClock(func() time.Time { return asOf.Add(time.Hour) })
	t.Cleanup(e.Close)

	var changes []core.HierarchyChange
	for _, n := range []hierarchy.Node{
		{ID: "firm", Level: hierarchy.LevelFirm},
		{ID: "fund-a", Level: hierarchy.LevelFund, Parent: "firm"},
		{ID: "pm-1", Level: hierarchy.LevelPM, Parent: "fund-a"},
		{ID: "strat-1", Level: hierarchy.LevelStrategy, Parent: "pm-1"},
		{ID: "book-1", Level: hierarchy.LevelBook, Parent: "strat-1"},
	} {
		changes = append(changes, core.HierarchyChange{Op: core.HierarchyAdd, Node: n})
	}
	_, err := e.ApplyHierarchy(context.Background(), core.HierarchyBatch{Tenant: tenant, BatchID: "tree-1", Changes: changes})
	require.NoError(t, err)

	aapl, err := e.Master().CreateSecurity(security.NewSecurity{
		Name: "Apple Inc", AssetClass: security.AssetClassEquity, Currency: "USD",
	})
	require.NoError(t, err)
	require.NoError(t, e.Master().Register(security.Identifier{Scheme: security.SchemeISIN, Value: "US0378331005"}, aapl.ID))

	return &fixture{engine: e, persist: persist, aapl: aapl.ID}
}

// breach ingests a position, defines a limit below its gross value and
// runs the firm, leaving one active breach.
func (f *fixture) breach(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	_, err := f.engine.IngestPositions(ctx, core.PositionBatch{Tenant: tenant, BatchID: "b1", Records: []core.PositionRecord{{
		Book:           "book-1",
		Identifiers:    []security.Identifier{{Scheme: security.SchemeISIN, Value: "US0378331005"}},
		AsOf:           asOf,
		Quantity:       decimal.NewFromInt(1000),
		MarketValue:    decimal.NewFromInt(200000),
		Currency:       "USD",
		Source:         "oms",
		SourceSequence: 1,
	}}})
	require.NoError(t, err)

	_, err = f.engine.DefineLimit(tenant, core.LimitRecord{Limit: limits.Limit{
		Node:          "firm",
		Measure:       limits.MeasureGrossMarketValue,
		Direction:     limits.DirectionUpper,
		Threshold:     100000,
		EffectiveFrom: asOf.Add(-24 * time.Hour),
		Author:        "cro",
	}})
	require.NoError(t, err)

	_, err = f.engine.RunAggregation(ctx, tenant, "firm", asOf)
	require.NoError(t, err)
}

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

// ============================================================================
// Rows
// ============================================================================

func TestRows_AddConvertsEngineOutputs(t *testing.T) {
	f := newTestEngine(t)
	f.breach(t)
	outs := drain(f.persist)
	require.NotEmpty(t, outs)

	rows := &persistence.Rows{}
	for _, o := range outs {
		rows.Add(o)
	}

	assert.Equal(t, len(outs), rows.Outputs())
	assert.Equal(t, f.engine.Sequence(), rows.MaxSequence())
	assert.Len(t, rows.Nodes, 5)
	require.Len(t, rows.Positions, 1)
	assert.Equal(t, "1000", rows.Positions[0].Quantity)
	assert.Equal(t, "200000", rows.Positions[0].MarketValue)
	assert.Len(t, rows.Positions[0].ContentHash, 32)
	assert.Len(t, rows.Aliases, 1)
	require.Len(t, rows.Limits, 1)
	assert.Equal(t, "gross_market_value", rows.Limits[0].Measure)
	require.NotEmpty(t, rows.Breaches)
	assert.Equal(t, "active", rows.Breaches[len(rows.Breaches)-1].State)
	require.Len(t, rows.Runs, 1)
	assert.Len(t, rows.Runs[0].Digest, 32)
	assert.Equal(t, 1, rows.Runs[0].Evaluations)
	assert.Len(t, rows.Notifications, len(rows.Envelopes))

	var kinds []string
	for _, b := range rows.Batches {
		kinds = append(kinds, b.Kind)
	}
	assert.Contains(t, kinds, core.KindHierarchy)
	assert.Contains(t, kinds, core.KindPositions)
}

func TestRows_Reset(t *testing.T) {
	f := newTestEngine(t)
	rows := &persistence.Rows{}
	for _, o := range drain(f.persist) {
		rows.Add(o)
	}
	require.NotZero(t, rows.Outputs())

	rows.Reset()
	assert.Zero(t, rows.Outputs())
	assert.Zero(t, rows.MaxSequence())
	assert.Empty(t, rows.Nodes)
	assert.Empty(t, rows.Securities)
}

func TestMarshalPayload(t *testing.T) {
	assert.JSONEq(t, `{"beta":"1.2"}`, string(persistence.MarshalPayload(map[string]decimal.Decimal{"beta": decimal.RequireFromString("1.2")})))
	assert.Equal(t, "{}", string(persistence.MarshalPayload(func() {})))
}

// ============================================================================
// Postgres round trip
// ============================================================================

func TestWorkerAndRecovery_RoundTrip(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	f := newTestEngine(t)
	f.breach(t)
	wantSeq := f.engine.Sequence()
	close(f.persist)

	published := make(chan event.Envelope, 1024)
	worker := persistence.NewPersistenceWorker(db, f.persist, published, 8, 5*time.Millisecond, nil, zerolog.Nop())
	require.NoError(t, worker.Run(context.Background()))

	var transitions int
	for len(published) > 0 {
		if env := <-published; env.EventType == event.EventTypeBreachTransitioned.String() {
			transitions++
		}
	}
	assert.Equal(t, 1, transitions)

	// A fresh engine restores what the first one wrote.
	cfg := core.DefaultConfig()
	cfg.AutoRun = false
	restored := core.NewEngine(cfg, security.NewMaster(zerolog.Nop()), nil, nil,
		persistence.NewPostgresIdempotencyChecker(db), nil, zerolog.Nop())
	t.Cleanup(restored.Close)

	stats, err := persistence.NewRecovery(db, nil, zerolog.Nop()).Restore(context.Background(), restored)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Tenants)
	assert.Equal(t, 1, stats.Securities)
	assert.Equal(t, 5, stats.Nodes)
	assert.Equal(t, 1, stats.Positions)
	assert.Equal(t, 1, stats.Limits)
	assert.Equal(t, 1, stats.Breaches)
	assert.Equal(t, 1, stats.Runs)
	assert.Equal(t, wantSeq, stats.Sequence)
	assert.Equal(t, wantSeq, restored.Sequence())

	p, err := restored.Partition(tenant)
	require.NoError(t, err)
	pos, err := p.Store().Current("book-1", f.aapl)
	require.NoError(t, err)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(1000)))
	assert.Len(t, p.Monitor().ActiveBreaches(), 1)
	_, ok := p.LatestRun("firm")
	assert.False(t, ok, "only the digest tip is restored, not the run body")

	rep, err := restored.IngestPositions(context.Background(), core.PositionBatch{Tenant: tenant, BatchID: "b1"})
	require.NoError(t, err)
	assert.True(t, rep.Duplicate)
}
