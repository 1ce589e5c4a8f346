package core

import (
	"time"

	"RiskCore/internal/hierarchy"
	"RiskCore/internal/limits"
	"RiskCore/internal/risk"
	"RiskCore/internal/security"
	"RiskCore/internal/validation"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Batch kinds, used as dedup namespaces and metric labels.
const (
	KindPositions = "positions"
	KindMetrics   = "metrics"
	KindPnL       = "pnl"
	KindFactors   = "factors"
	KindLimits    = "limits"
	KindHierarchy = "hierarchy"
	KindReference = "reference"
)

// PositionRecord is one inbound position snapshot as sent by a PM system.
type PositionRecord struct {
	Book           hierarchy.NodeID
	Identifiers    []security.Identifier
	AsOf           time.Time
	Quantity       decimal.Decimal
	MarketValue    decimal.Decimal
	Currency       string
	Attributes     map[string]decimal.Decimal
	Source         string
	SourceSequence int64
}

// Fields exposes the record to validation rules.
func (r PositionRecord) Fields() validation.Record {
	rec := validation.Record{
		"book":         string(r.Book),
		"currency":     r.Currency,
		"quantity":     r.Quantity,
		"market_value": r.MarketValue,
		"source":       r.Source,
	}
	if !r.AsOf.IsZero() {
		rec["as_of"] = r.AsOf
	}
	for k, v := range r.Attributes {
		rec[k] = v
	}
	return rec
}

func (r PositionRecord) identity() map[string]string {
	id := map[string]string{"book": string(r.Book)}
	if len(r.Identifiers) > 0 {
		id["identifier"] = r.Identifiers[0].String()
	}
	return id
}

type PositionBatch struct {
	Tenant  string
	BatchID string
	Records []PositionRecord
}

type MetricRecord struct {
	Book  hierarchy.NodeID
	Kind  risk.MetricKind
	Value float64
	AsOf  time.Time
}

func (r MetricRecord) Fields() validation.Record {
	rec := validation.Record{"book": string(r.Book), "value": r.Value}
	if r.Kind != risk.MetricUnknown {
		rec["kind"] = r.Kind.String()
	}
	if !r.AsOf.IsZero() {
		rec["as_of"] = r.AsOf
	}
	return rec
}

type MetricBatch struct {
	Tenant  string
	BatchID string
	Records []MetricRecord
}

type PnLRecord struct {
	Book hierarchy.NodeID
	Day  time.Time
	PnL  float64
}

type PnLBatch struct {
	Tenant  string
	BatchID string
	Records []PnLRecord
}

// FactorReturnRecord is a daily return of a risk factor. Factor returns
// are market data and shared by every tenant.
type FactorReturnRecord struct {
	Factor string
	Day    time.Time
	Return float64
}

type FactorBatch struct {
	BatchID string
	Records []FactorReturnRecord
}

// HierarchyOp is a structural change to a tenant's tree.
type HierarchyOp int32

const (
	HierarchyAdd HierarchyOp = iota
	HierarchyMove
	HierarchyRemove
)

func (o HierarchyOp) String() string {
	switch o {
	case HierarchyAdd:
		return "add"
	case HierarchyMove:
		return "move"
	case HierarchyRemove:
		return "remove"
	default:
		return "unknown"
	}
}

type HierarchyChange struct {
	Op        HierarchyOp
	Node      hierarchy.Node
	NewParent hierarchy.NodeID
}

type HierarchyBatch struct {
	Tenant  string
	BatchID string
	Changes []HierarchyChange
}

// LimitRecord defines a new limit, or supersedes one when Supersedes is set.
type LimitRecord struct {
	Limit      limits.Limit
	Supersedes uuid.UUID
}

type LimitBatch struct {
	Tenant  string
	BatchID string
	Records []LimitRecord
}

type FXRecord struct {
	Currency string
	AsOf     time.Time
	Rate     decimal.Decimal
}

type NAVRecord struct {
	Node hierarchy.NodeID
	AsOf time.Time
	NAV  decimal.Decimal
}

// ReferenceBatch carries FX rates and node NAVs.
type ReferenceBatch struct {
	Tenant  string
	BatchID string
	FX      []FXRecord
	NAV     []NAVRecord
}

// IngestReport summarises the outcome of one batch.
type IngestReport struct {
	BatchID     string
	Duplicate   bool
	Applied     int
	Unchanged   int
	Quarantined int
	Rejected    int
	Validation  validation.Summary
}
