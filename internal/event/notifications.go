package event

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OverlapFindingDetected is published for a finding that was not present
// in the previous run of the same node.
type OverlapFindingDetected struct {
	TenantID         string          `json:"tenant"`
	RunID            uuid.UUID       `json:"run_id"`
	Node             string          `json:"node"`
	Level            string          `json:"level"`
	SecurityID       uuid.UUID       `json:"security_id"`
	AsOf             time.Time       `json:"as_of"`
	Books            []string        `json:"books"`
	NetQuantity      decimal.Decimal `json:"net_quantity"`
	GrossQuantity    decimal.Decimal `json:"gross_quantity"`
	NetMarketValue   decimal.Decimal `json:"net_market_value"`
	GrossMarketValue decimal.Decimal `json:"gross_market_value"`
	Basis            string          `json:"basis"`
	OffsetRatio      float64         `json:"offset_ratio"`
	Triggers         []string        `json:"triggers"`
}

func (e *OverlapFindingDetected) EventType() EventType { return EventTypeOverlapFindingDetected }
func (e *OverlapFindingDetected) Tenant() string       { return e.TenantID }
func (e *OverlapFindingDetected) OccurredAt() time.Time {
	return e.AsOf
}
func (e *OverlapFindingDetected) IdempotencyKey() string {
	return runKey("overlap", e.RunID, e.Node, e.SecurityID.String())
}

// BreachTransitioned is published for every breach state change.
type BreachTransitioned struct {
	TenantID     string    `json:"tenant"`
	BreachID     uuid.UUID `json:"breach_id"`
	LimitID      uuid.UUID `json:"limit_id"`
	LimitVersion int       `json:"limit_version"`
	Node         string    `json:"node"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	Threshold    float64   `json:"threshold"`
	Actual       float64   `json:"actual"`
	Severity     string    `json:"severity"`
	At           time.Time `json:"at"`
	Actor        string    `json:"actor,omitempty"`
}

func (e *BreachTransitioned) EventType() EventType  { return EventTypeBreachTransitioned }
func (e *BreachTransitioned) Tenant() string        { return e.TenantID }
func (e *BreachTransitioned) OccurredAt() time.Time { return e.At }
func (e *BreachTransitioned) IdempotencyKey() string {
	return "breach:" + e.BreachID.String() + ":" + e.From + ">" + e.To
}

// BreachWarning is published when a value crosses a warning threshold.
type BreachWarning struct {
	TenantID  string    `json:"tenant"`
	RunID     uuid.UUID `json:"run_id"`
	LimitID   uuid.UUID `json:"limit_id"`
	Node      string    `json:"node"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	At        time.Time `json:"at"`
}

func (e *BreachWarning) EventType() EventType  { return EventTypeBreachWarning }
func (e *BreachWarning) Tenant() string        { return e.TenantID }
func (e *BreachWarning) OccurredAt() time.Time { return e.At }
func (e *BreachWarning) IdempotencyKey() string {
	return runKey("warning", e.RunID, e.LimitID.String())
}

// CorrelationRecomputed is published after a matrix is appended.
type CorrelationRecomputed struct {
	TenantID         string    `json:"tenant"`
	MatrixID         uuid.UUID `json:"matrix_id"`
	Type             string    `json:"type"`
	LookbackDays     int       `json:"lookback_days"`
	AsOf             time.Time `json:"as_of"`
	Nodes            []string  `json:"nodes"`
	ComputedAt       time.Time `json:"computed_at"`
	InsufficientData int       `json:"insufficient_cells"`
}

func (e *CorrelationRecomputed) EventType() EventType  { return EventTypeCorrelationRecomputed }
func (e *CorrelationRecomputed) Tenant() string        { return e.TenantID }
func (e *CorrelationRecomputed) OccurredAt() time.Time { return e.ComputedAt }
func (e *CorrelationRecomputed) IdempotencyKey() string {
	return "correlation:" + e.MatrixID.String()
}

// PositionQuarantined is published when an inbound record is held back.
type PositionQuarantined struct {
	TenantID    string    `json:"tenant"`
	RecordID    uuid.UUID `json:"record_id"`
	Book        string    `json:"book"`
	Identifiers []string  `json:"identifiers"`
	Reason      string    `json:"reason"`
	Detail      string    `json:"detail"`
	At          time.Time `json:"at"`
}

func (e *PositionQuarantined) EventType() EventType  { return EventTypePositionQuarantined }
func (e *PositionQuarantined) Tenant() string        { return e.TenantID }
func (e *PositionQuarantined) OccurredAt() time.Time { return e.At }
func (e *PositionQuarantined) IdempotencyKey() string {
	return "quarantine:" + e.RecordID.String()
}

// AggregationCompleted summarises one published run.
type AggregationCompleted struct {
	TenantID    string        `json:"tenant"`
	RunID       uuid.UUID     `json:"run_id"`
	Node        string        `json:"node"`
	AsOf        time.Time     `json:"as_of"`
	Attempt     int           `json:"attempt"`
	Findings    int           `json:"findings"`
	NewFindings int           `json:"new_findings"`
	Metrics     int           `json:"metrics"`
	Evaluations int           `json:"evaluations"`
	Duration    time.Duration `json:"duration_ns"`
}

func (e *AggregationCompleted) EventType() EventType  { return EventTypeAggregationCompleted }
func (e *AggregationCompleted) Tenant() string        { return e.TenantID }
func (e *AggregationCompleted) OccurredAt() time.Time { return e.AsOf }
func (e *AggregationCompleted) IdempotencyKey() string {
	return runKey("run", e.RunID, strconv.Itoa(e.Attempt))
}
