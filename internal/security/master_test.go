package security_test

import (
	"context"
	"errors"
	"testing"

	"RiskCore/internal/clients/openfigi"
	"RiskCore/internal/security"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMaster() *security.Master {
	return security.NewMaster(zerolog.Nop())
}

func mustCreate(t *testing.T, m *security.Master, name string) security.Security {
	t.Helper()
	s, err := m.CreateSecurity(security.NewSecurity{
		Name:       name,
		AssetClass: security.AssetClassEquity,
		Currency:   "usd",
		Sector:     "Technology",
		Country:    "US",
	})
	require.NoError(t, err)
	return s
}

func mustRegister(t *testing.T, m *security.Master, scheme security.Scheme, value, venue string, id uuid.UUID) {
	t.Helper()
	require.NoError(t, m.Register(security.Alias{Scheme: scheme, Value: value, Venue: venue}, id))
}

// ===========================================================================
// Resolve / Register
// ===========================================================================

func TestResolve_NotFound(t *testing.T) {
	m := newTestMaster()
	_, err := m.Resolve(security.SchemeISIN, "US0378331005", "")
	assert.ErrorIs(t, err, security.ErrNotFound)
}

func TestResolve_NormalisesValueAndVenue(t *testing.T) {
	m := newTestMaster()
	aapl := mustCreate(t, m, "Apple")
	mustRegister(t, m, security.SchemeTicker, "aapl", "xnas", aapl.ID)

	got, err := m.Resolve(security.SchemeTicker, " AAPL ", "XNAS")
	require.NoError(t, err)
	assert.Equal(t, aapl.ID, got)
	assert.Equal(t, "USD", aapl.Currency)
}

func TestResolve_VenueFallsBackToVenueless(t *testing.T) {
	m := newTestMaster()
	aapl := mustCreate(t, m, "Apple")
	mustRegister(t, m, security.SchemeTicker, "AAPL", "", aapl.ID)

	got, err := m.Resolve(security.SchemeTicker, "AAPL", "XNAS")
	require.NoError(t, err)
	assert.Equal(t, aapl.ID, got)

	// The reverse does not hold: a venue-less lookup never guesses a venue.
	other := mustCreate(t, m, "Other")
	mustRegister(t, m, security.SchemeTicker, "OTH", "XLON", other.ID)
	_, err = m.Resolve(security.SchemeTicker, "OTH", "")
	assert.ErrorIs(t, err, security.ErrNotFound)
}

func TestRegister_IdempotentForSameTarget(t *testing.T) {
	m := newTestMaster()
	aapl := mustCreate(t, m, "Apple")
	mustRegister(t, m, security.SchemeISIN, "US0378331005", "", aapl.ID)
	assert.NoError(t, m.Register(security.Alias{Scheme: security.SchemeISIN, Value: "us0378331005"}, aapl.ID))
	assert.Len(t, m.Aliases(aapl.ID), 1)
}

func TestRegister_ConflictNeverOverwrites(t *testing.T) {
	m := newTestMaster()
	a := mustCreate(t, m, "A")
	b := mustCreate(t, m, "B")
	mustRegister(t, m, security.SchemeCUSIP, "037833100", "", a.ID)

	err := m.Register(security.Alias{Scheme: security.SchemeCUSIP, Value: "037833100"}, b.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, security.ErrConflict)

	var conflict *security.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, a.ID, conflict.Existing)
	assert.Equal(t, b.ID, conflict.Proposed)

	got, err := m.Resolve(security.SchemeCUSIP, "037833100", "")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got, "conflicting register must not re-point the alias")
}

func TestRegister_SameValueDifferentVenueIsNotConflict(t *testing.T) {
	m := newTestMaster()
	a := mustCreate(t, m, "A")
	b := mustCreate(t, m, "B")
	mustRegister(t, m, security.SchemeTicker, "VOD", "XLON", a.ID)
	mustRegister(t, m, security.SchemeTicker, "VOD", "XNYS", b.ID)
}

func TestRegister_UnknownSecurity(t *testing.T) {
	m := newTestMaster()
	err := m.Register(security.Alias{Scheme: security.SchemeISIN, Value: "X"}, uuid.New())
	assert.ErrorIs(t, err, security.ErrUnknown)
}

func TestResolveBest_Priority(t *testing.T) {
	m := newTestMaster()
	byTicker := mustCreate(t, m, "by ticker")
	byISIN := mustCreate(t, m, "by isin")
	byFIGI := mustCreate(t, m, "by figi")
	mustRegister(t, m, security.SchemeTicker, "AAPL", "", byTicker.ID)
	mustRegister(t, m, security.SchemeISIN, "US0378331005", "", byISIN.ID)
	mustRegister(t, m, security.SchemeFIGI, "BBG000B9XRY4", "", byFIGI.ID)

	ids := []security.Identifier{
		{Scheme: security.SchemeTicker, Value: "AAPL"},
		{Scheme: security.SchemeISIN, Value: "US0378331005"},
		{Scheme: security.SchemeFIGI, Value: "BBG000B9XRY4"},
	}
	got, used, err := m.ResolveBest(ids)
	require.NoError(t, err)
	assert.Equal(t, byFIGI.ID, got)
	assert.Equal(t, security.SchemeFIGI, used.Scheme)

	got, _, err = m.ResolveBest(ids[:2])
	require.NoError(t, err)
	assert.Equal(t, byISIN.ID, got)
}

func TestPriority_VenueQualifiedTickerBeatsRawTicker(t *testing.T) {
	raw := security.Alias{Scheme: security.SchemeTicker, Value: "AAPL"}
	venue := security.Alias{Scheme: security.SchemeTicker, Value: "AAPL", Venue: "XNAS"}
	cusip := security.Alias{Scheme: security.SchemeCUSIP, Value: "037833100"}
	sedol := security.Alias{Scheme: security.SchemeSEDOL, Value: "2046251"}

	assert.Less(t, venue.Priority(), raw.Priority())
	assert.Less(t, cusip.Priority(), venue.Priority())
	assert.Equal(t, cusip.Priority(), sedol.Priority())
}

func TestResolveBest_NoIdentifiers(t *testing.T) {
	_, _, err := newTestMaster().ResolveBest(nil)
	assert.ErrorIs(t, err, security.ErrNoIdentifiers)
}

// ===========================================================================
// Merge
// ===========================================================================

func TestMerge_PreservesHistoricalReferences(t *testing.T) {
	m := newTestMaster()
	a := mustCreate(t, m, "dup")
	b := mustCreate(t, m, "canonical")
	mustRegister(t, m, security.SchemeCUSIP, "037833100", "", a.ID)
	mustRegister(t, m, security.SchemeTicker, "AAPL", "XNAS", a.ID)
	mustRegister(t, m, security.SchemeISIN, "US0378331005", "", b.ID)

	var hooked []security.Alias
	m.SetHooks(security.Hooks{OnMerged: func(src, tgt uuid.UUID, moved []security.Alias) {
		hooked = moved
	}})

	require.NoError(t, m.Merge(a.ID, b.ID))

	// Historical references to A land on B.
	assert.Equal(t, b.ID, m.Canonical(a.ID))
	sec, err := m.Security(a.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, sec.ID)

	rec, ok := m.Record(a.ID)
	require.True(t, ok)
	require.NotNil(t, rec.MergedInto)
	assert.Equal(t, b.ID, *rec.MergedInto)

	// No alias is left dangling on the tombstone.
	for _, alias := range []security.Alias{
		{Scheme: security.SchemeCUSIP, Value: "037833100"},
		{Scheme: security.SchemeTicker, Value: "AAPL", Venue: "XNAS"},
		{Scheme: security.SchemeISIN, Value: "US0378331005"},
	} {
		got, err := m.Resolve(alias.Scheme, alias.Value, alias.Venue)
		require.NoError(t, err)
		assert.Equal(t, b.ID, got, alias.String())
	}
	assert.Len(t, m.Aliases(b.ID), 3)
	assert.Len(t, hooked, 2)
}

func TestMerge_CollapsesTombstoneChains(t *testing.T) {
	m := newTestMaster()
	a := mustCreate(t, m, "a")
	b := mustCreate(t, m, "b")
	c := mustCreate(t, m, "c")

	require.NoError(t, m.Merge(a.ID, b.ID))
	require.NoError(t, m.Merge(b.ID, c.ID))

	rec, _ := m.Record(a.ID)
	require.NotNil(t, rec.MergedInto)
	assert.Equal(t, c.ID, *rec.MergedInto)
	assert.Equal(t, c.ID, m.Canonical(a.ID))
}

func TestMerge_Invalid(t *testing.T) {
	m := newTestMaster()
	a := mustCreate(t, m, "a")
	b := mustCreate(t, m, "b")

	assert.ErrorIs(t, m.Merge(a.ID, a.ID), security.ErrInvalidMerge)
	assert.ErrorIs(t, m.Merge(a.ID, uuid.New()), security.ErrUnknown)

	require.NoError(t, m.Merge(a.ID, b.ID))
	assert.ErrorIs(t, m.Merge(b.ID, a.ID), security.ErrInvalidMerge, "target is a tombstone")
	assert.ErrorIs(t, m.Merge(a.ID, b.ID), security.ErrInvalidMerge, "source already merged")
}

func TestRegister_ToTombstoneLandsOnTarget(t *testing.T) {
	m := newTestMaster()
	a := mustCreate(t, m, "a")
	b := mustCreate(t, m, "b")
	require.NoError(t, m.Merge(a.ID, b.ID))

	mustRegister(t, m, security.SchemeSEDOL, "2046251", "", a.ID)
	got, err := m.Resolve(security.SchemeSEDOL, "2046251", "")
	require.NoError(t, err)
	assert.Equal(t, b.ID, got)
}

// ===========================================================================
// Enrichment
// ===========================================================================

func TestEnrich_OnlyTouchesEnrichmentFields(t *testing.T) {
	m := newTestMaster()
	a := mustCreate(t, m, "Apple")
	sector := "Information Technology"
	updated, err := m.Enrich(a.ID, security.Enrichment{Sector: &sector})
	require.NoError(t, err)
	assert.Equal(t, sector, updated.Sector)
	assert.Equal(t, "Apple", updated.Name)
	assert.Equal(t, a.AssetClass, updated.AssetClass)
	assert.False(t, updated.EnrichedAt.IsZero())
}

func TestParseScheme(t *testing.T) {
	assert.Equal(t, security.SchemeISIN, security.ParseScheme("ID_ISIN"))
	assert.Equal(t, security.SchemeFIGI, security.ParseScheme("id_bb_global"))
	assert.Equal(t, security.SchemeCompositeFIGI, security.ParseScheme("composite_figi"))
	assert.Equal(t, security.SchemeUnknown, security.ParseScheme("ric"))
}

func TestClassifyVendorType(t *testing.T) {
	assert.Equal(t, security.AssetClassFund, security.ClassifyVendorType("ETP", "Equity"))
	assert.Equal(t, security.AssetClassFixedIncome, security.ClassifyVendorType("", "Govt"))
	assert.Equal(t, security.AssetClassOther, security.ClassifyVendorType("Exotic", "Nowhere"))
}

// ===========================================================================
// Enricher
// ===========================================================================

type fakeMapper struct {
	calls   int
	results map[string]*openfigi.MappingResult
}

func (f *fakeMapper) MapOne(_ context.Context, job openfigi.MappingRequest) (*openfigi.MappingResult, error) {
	f.calls++
	return f.results[job.IDType+":"+job.IDValue], nil
}

func TestEnricher_CreatesFromMapping(t *testing.T) {
	m := newTestMaster()
	mapper := &fakeMapper{results: map[string]*openfigi.MappingResult{
		"ID_ISIN:US0378331005": {FIGI: "BBG000B9XRY4", Name: "APPLE INC", SecurityType: "Common Stock", Ticker: "AAPL", ExchCode: "US"},
	}}
	e := security.NewEnricher(m, mapper, zerolog.Nop())

	id, err := e.ResolveOrEnrich(context.Background(), []security.Identifier{
		{Scheme: security.SchemeISIN, Value: "US0378331005"},
	}, "USD")
	require.NoError(t, err)

	sec, err := m.Security(id)
	require.NoError(t, err)
	assert.Equal(t, security.AssetClassEquity, sec.AssetClass)
	assert.Equal(t, "BBG000B9XRY4", sec.FIGI)

	// Second lookup is local.
	again, err := e.ResolveOrEnrich(context.Background(), []security.Identifier{
		{Scheme: security.SchemeFIGI, Value: "BBG000B9XRY4"},
	}, "USD")
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Equal(t, 1, mapper.calls)
}

func TestEnricher_AttachesToExistingFIGI(t *testing.T) {
	m := newTestMaster()
	existing, err := m.CreateSecurity(security.NewSecurity{Name: "Apple", AssetClass: security.AssetClassEquity, Currency: "USD", FIGI: "BBG000B9XRY4"})
	require.NoError(t, err)

	mapper := &fakeMapper{results: map[string]*openfigi.MappingResult{
		"ID_CUSIP:037833100": {FIGI: "BBG000B9XRY4"},
	}}
	e := security.NewEnricher(m, mapper, zerolog.Nop())

	id, err := e.ResolveOrEnrich(context.Background(), []security.Identifier{
		{Scheme: security.SchemeCUSIP, Value: "037833100"},
	}, "USD")
	require.NoError(t, err)
	assert.Equal(t, existing.ID, id)
}

func TestEnricher_NoMatch(t *testing.T) {
	e := security.NewEnricher(newTestMaster(), &fakeMapper{}, zerolog.Nop())
	_, err := e.ResolveOrEnrich(context.Background(), []security.Identifier{
		{Scheme: security.SchemeVendor, Value: "XYZ-123"},
		{Scheme: security.SchemeTicker, Value: "NOPE"},
	}, "USD")
	assert.ErrorIs(t, err, security.ErrNotFound)
}
