package event_test

import (
	"encoding/json"
	"testing"
	"time"

	"RiskCore/internal/event"
	"RiskCore/internal/testutil"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrap_CarriesKeyAndPayload(t *testing.T) {
	run := uuid.New()
	sec := uuid.New()
	n := &event.OverlapFindingDetected{
		TenantID:       "acme",
		RunID:          run,
		Node:           "fund-a",
		SecurityID:     sec,
		AsOf:           time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		NetQuantity:    decimal.NewFromInt(700),
		GrossQuantity:  decimal.NewFromInt(1300),
		OffsetRatio:    0.4615,
		Triggers:       []string{"offset"},
		Books:          []string{"book-1", "book-2"},
		NetMarketValue: decimal.NewFromInt(140000),
	}

	env, err := event.Wrap(7, n)
	require.NoError(t, err)
	assert.Equal(t, int64(7), env.Sequence)
	assert.Equal(t, "OverlapFindingDetected", env.EventType)
	assert.Equal(t, "acme", env.Tenant)
	assert.Equal(t, "overlap:"+run.String()+":fund-a:"+sec.String(), env.IdempotencyKey)

	var back event.OverlapFindingDetected
	require.NoError(t, json.Unmarshal(env.Payload, &back))
	assert.True(t, back.NetQuantity.Equal(decimal.NewFromInt(700)))
	assert.Equal(t, []string{"book-1", "book-2"}, back.Books)
}

func TestBreachTransitioned_KeyIsPerTransition(t *testing.T) {
	id := uuid.New()
	a := &event.BreachTransitioned{BreachID: id, From: "none", To: "active"}
	b := &event.BreachTransitioned{BreachID: id, From: "active", To: "resolved"}
	assert.NotEqual(t, a.IdempotencyKey(), b.IdempotencyKey())
}

func TestEventType_Tokens(t *testing.T) {
	assert.Equal(t, "breach_transition", event.EventTypeBreachTransitioned.Token())
	assert.Equal(t, "correlation", event.EventTypeCorrelationRecomputed.Token())
	assert.Equal(t, "Unknown", event.EventTypeUnknown.String())
}

func TestEnvelope_WireFormat(t *testing.T) {
	at := time.Date(2026, 3, 2, 21, 0, 0, 0, time.UTC)
	n := &event.BreachTransitioned{
		TenantID:     "acme",
		BreachID:     uuid.MustParse("11111111-1111-1111-1111-111111111111"),
		LimitID:      uuid.MustParse("22222222-2222-2222-2222-222222222222"),
		LimitVersion: 1,
		Node:         "firm",
		From:         "active",
		To:           "acknowledged",
		Threshold:    100000,
		Actual:       260000,
		Severity:     "critical",
		At:           at,
		Actor:        "cro",
	}
	env, err := event.Wrap(7, n)
	require.NoError(t, err)
	assert.Equal(t, "riskcore.events.breach_transition.acme", env.Subject())

	data, err := json.Marshal(env)
	require.NoError(t, err)
	testutil.AssertGolden(t, "breach_transitioned.golden", data)
}

func TestEnvelope_GlobalSubject(t *testing.T) {
	env := event.Envelope{EventType: event.EventTypeCorrelationRecomputed.String()}
	assert.Equal(t, "riskcore.events.correlation.global", env.Subject())
	assert.Equal(t, event.EventTypeCorrelationRecomputed, event.ParseEventType("CorrelationRecomputed"))
	assert.Equal(t, event.EventTypeUnknown, event.ParseEventType("Nope"))
}
