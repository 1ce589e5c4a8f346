package query

import (
	"encoding/hex"
	"sort"
	"time"

	"RiskCore/internal/aggregation"
	"RiskCore/internal/core"
	"RiskCore/internal/correlation"
	"RiskCore/internal/hierarchy"
	"RiskCore/internal/limits"
	"RiskCore/internal/risk"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Amounts are decimal strings so no precision is lost in JSON.

type BookContributionResponse struct {
	Book        string `json:"book"`
	Quantity    string `json:"quantity"`
	MarketValue string `json:"market_value"`
}

type SecurityExposureResponse struct {
	SecurityID       uuid.UUID                  `json:"security_id"`
	AssetClass       string                     `json:"asset_class"`
	Sector           string                     `json:"sector"`
	Country          string                     `json:"country"`
	NetQuantity      string                     `json:"net_quantity"`
	GrossQuantity    string                     `json:"gross_quantity"`
	NetMarketValue   string                     `json:"net_market_value"`
	GrossMarketValue string                     `json:"gross_market_value"`
	LongMarketValue  string                     `json:"long_market_value"`
	ShortMarketValue string                     `json:"short_market_value"`
	Attributes       map[string]string          `json:"attributes,omitempty"`
	Books            []BookContributionResponse `json:"books"`
}

type FactorExposureResponse struct {
	Kind             string `json:"kind"`
	Value            string `json:"value"`
	NetMarketValue   string `json:"net_market_value"`
	GrossMarketValue string `json:"gross_market_value"`
	LongMarketValue  string `json:"long_market_value"`
	ShortMarketValue string `json:"short_market_value"`
}

type ExposureResponse struct {
	Node             string                     `json:"node"`
	Level            string                     `json:"level"`
	AsOf             time.Time                  `json:"as_of"`
	BaseCurrency     string                     `json:"base_currency"`
	NetMarketValue   string                     `json:"net_market_value"`
	GrossMarketValue string                     `json:"gross_market_value"`
	LongMarketValue  string                     `json:"long_market_value"`
	ShortMarketValue string                     `json:"short_market_value"`
	Attributes       map[string]string          `json:"attributes,omitempty"`
	Securities       []SecurityExposureResponse `json:"securities"`
	Factors          []FactorExposureResponse   `json:"factors"`
	Books            []string                   `json:"books"`
	PositionCount    int                        `json:"position_count"`
	AsOfSequence     int64                      `json:"as_of_sequence"`
}

type OverlapFindingResponse struct {
	Node             string                     `json:"node"`
	Level            string                     `json:"level"`
	SecurityID       uuid.UUID                  `json:"security_id"`
	AsOf             time.Time                  `json:"as_of"`
	Books            []BookContributionResponse `json:"books"`
	NetQuantity      string                     `json:"net_quantity"`
	GrossQuantity    string                     `json:"gross_quantity"`
	NetMarketValue   string                     `json:"net_market_value"`
	GrossMarketValue string                     `json:"gross_market_value"`
	Basis            string                     `json:"basis"`
	OffsetRatio      float64                    `json:"offset_ratio"`
	Triggers         []string                   `json:"triggers"`
}

type OverlapFindingsResponse struct {
	Node         string                   `json:"node"`
	AsOf         time.Time                `json:"as_of"`
	Findings     []OverlapFindingResponse `json:"findings"`
	AsOfSequence int64                    `json:"as_of_sequence"`
}

type ContributionResponse struct {
	Book         string     `json:"book"`
	Standalone   float64    `json:"standalone"`
	Contribution float64    `json:"contribution"`
	Status       string     `json:"status"`
	MetricAsOf   *time.Time `json:"metric_as_of,omitempty"`
}

type RolledUpMetricResponse struct {
	Kind                   string                 `json:"kind"`
	Rule                   string                 `json:"rule"`
	Value                  float64                `json:"value"`
	NaiveSum               float64                `json:"naive_sum"`
	DiversificationBenefit float64                `json:"diversification_benefit"`
	StressedValue          float64                `json:"stressed_value"`
	Contributions          []ContributionResponse `json:"contributions"`
	PartiallyStale         bool                   `json:"partially_stale"`
	StaleBooks             []string               `json:"stale_books,omitempty"`
	MissingBooks           []string               `json:"missing_books,omitempty"`
	CorrelationSource      string                 `json:"correlation_source,omitempty"`
	CorrelationAsOf        *time.Time             `json:"correlation_as_of,omitempty"`
	DefaultedPairs         int                    `json:"defaulted_pairs"`
}

type RiskMetricsResponse struct {
	Node         string                   `json:"node"`
	AsOf         time.Time                `json:"as_of"`
	Metrics      []RolledUpMetricResponse `json:"metrics"`
	AsOfSequence int64                    `json:"as_of_sequence"`
}

type CellResponse struct {
	Value        *float64 `json:"value,omitempty"` // absent unless status is ok
	Status       string   `json:"status"`
	Observations int      `json:"observations"`
}

type CorrelationMatrixResponse struct {
	MatrixID   uuid.UUID        `json:"matrix_id"`
	Type       string           `json:"type"`
	Lookback   int              `json:"lookback_days"`
	AsOf       time.Time        `json:"as_of"`
	ComputedAt time.Time        `json:"computed_at"`
	Shrinkage  float64          `json:"shrinkage"`
	Nodes      []string         `json:"nodes"`
	Cells      [][]CellResponse `json:"cells"`
}

type BreachResponse struct {
	BreachID       uuid.UUID  `json:"breach_id"`
	LimitID        uuid.UUID  `json:"limit_id"`
	LimitVersion   int        `json:"limit_version"`
	Node           string     `json:"node"`
	State          string     `json:"state"`
	Severity       string     `json:"severity"`
	Threshold      float64    `json:"threshold"`
	Actual         float64    `json:"actual"`
	OpenedAt       time.Time  `json:"opened_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	WaivedBy       string     `json:"waived_by,omitempty"`
	WaiverReason   string     `json:"waiver_reason,omitempty"`
	WaiverExpiry   *time.Time `json:"waiver_expiry,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

type BreachesResponse struct {
	Tenant       string           `json:"tenant"`
	Breaches     []BreachResponse `json:"breaches"`
	AsOfSequence int64            `json:"as_of_sequence"`
}

type BreachHistoryEntry struct {
	Seq    int       `json:"seq"`
	At     time.Time `json:"at"`
	From   string    `json:"from"`
	To     string    `json:"to"`
	Actual float64   `json:"actual"`
	Actor  string    `json:"actor,omitempty"`
	Note   string    `json:"note,omitempty"`
}

type BreachHistoryResponse struct {
	Breach  BreachResponse       `json:"breach"`
	History []BreachHistoryEntry `json:"history"`
}

type LimitResponse struct {
	LimitID       uuid.UUID  `json:"limit_id"`
	Version       int        `json:"version"`
	Node          string     `json:"node"`
	AssetClass    string     `json:"asset_class,omitempty"`
	Sector        string     `json:"sector,omitempty"`
	SecurityID    *uuid.UUID `json:"security_id,omitempty"`
	Measure       string     `json:"measure"`
	RiskMetric    string     `json:"risk_metric,omitempty"`
	Direction     string     `json:"direction"`
	Threshold     float64    `json:"threshold"`
	Warning       *float64   `json:"warning,omitempty"`
	EffectiveFrom time.Time  `json:"effective_from"`
	EffectiveTo   *time.Time `json:"effective_to,omitempty"`
	Author        string     `json:"author"`
}

type QuarantinedRecordResponse struct {
	RecordID    uuid.UUID `json:"record_id"`
	Book        string    `json:"book"`
	Identifiers []string  `json:"identifiers"`
	Reason      string    `json:"reason"`
	Detail      string    `json:"detail,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
	Attempts    int       `json:"attempts"`
}

type DataQualityItemResponse struct {
	ItemID   uuid.UUID  `json:"item_id"`
	Kind     string     `json:"kind"`
	Book     string     `json:"book,omitempty"`
	Code     string     `json:"code,omitempty"`
	Detail   string     `json:"detail,omitempty"`
	RecordID *uuid.UUID `json:"record_id,omitempty"`
	At       time.Time  `json:"at"`
}

type DataQualityResponse struct {
	Tenant       string                      `json:"tenant"`
	Quarantined  []QuarantinedRecordResponse `json:"quarantined"`
	Items        []DataQualityItemResponse   `json:"items"`
	Counts       map[string]int              `json:"counts"`
	AsOfSequence int64                       `json:"as_of_sequence"`
}

// ExposureSummary is one row of the dashboard projection.
type ExposureSummary struct {
	Node             string    `json:"node"`
	Level            string    `json:"level"`
	AsOf             time.Time `json:"as_of"`
	BaseCurrency     string    `json:"base_currency"`
	NetMarketValue   string    `json:"net_market_value"`
	GrossMarketValue string    `json:"gross_market_value"`
	LongMarketValue  string    `json:"long_market_value"`
	ShortMarketValue string    `json:"short_market_value"`
	Securities       int       `json:"securities"`
	Positions        int       `json:"positions"`
	RunID            uuid.UUID `json:"run_id"`
}

type ExposureSummariesResponse struct {
	Tenant       string            `json:"tenant"`
	Summaries    []ExposureSummary `json:"summaries"`
	AsOfSequence int64             `json:"as_of_sequence"`
}

type IngestResponse struct {
	BatchID            string `json:"batch_id"`
	Duplicate          bool   `json:"duplicate"`
	Applied            int    `json:"applied"`
	Unchanged          int    `json:"unchanged"`
	Rejected           int    `json:"rejected"`
	Quarantined        int    `json:"quarantined"`
	ValidationErrors   int    `json:"validation_errors"`
	ValidationWarnings int    `json:"validation_warnings"`
}

type RunResponse struct {
	RunID       uuid.UUID `json:"run_id"`
	Node        string    `json:"node"`
	AsOf        time.Time `json:"as_of"`
	Attempt     int       `json:"attempt"`
	Nodes       int       `json:"nodes"`
	Findings    int       `json:"findings"`
	NewFindings int       `json:"new_findings"`
	Evaluations int       `json:"evaluations"`
	Digest      string    `json:"digest"`
	DurationMs  int64     `json:"duration_ms"`
}

type StatusResponse struct {
	Tenant             string `json:"tenant"`
	EngineSequence     int64  `json:"engine_sequence"`
	ProjectionSequence int64  `json:"projection_sequence"`
	ProjectionLag      int64  `json:"projection_lag"`
	Nodes              int    `json:"nodes"`
	ActiveBreaches     int    `json:"active_breaches"`
	Quarantined        int    `json:"quarantined"`
}

// ===========================================================================
// Converters
// ===========================================================================

func decimals(m map[string]decimal.Decimal) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v.String()
	}
	return out
}

func nodeStrings(ids []hierarchy.NodeID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func toBooks(cs []aggregation.BookContribution) []BookContributionResponse {
	out := make([]BookContributionResponse, len(cs))
	for i, c := range cs {
		out[i] = BookContributionResponse{
			Book:        string(c.Book),
			Quantity:    c.Quantity.String(),
			MarketValue: c.MarketValue.String(),
		}
	}
	return out
}

func toExposure(exp *aggregation.AggregateExposure, seq int64) *ExposureResponse {
	resp := &ExposureResponse{
		Node:             string(exp.Node),
		Level:            exp.Level.String(),
		AsOf:             exp.AsOf,
		BaseCurrency:     exp.BaseCurrency,
		NetMarketValue:   exp.NetMarketValue.String(),
		GrossMarketValue: exp.GrossMarketValue.String(),
		LongMarketValue:  exp.LongMarketValue.String(),
		ShortMarketValue: exp.ShortMarketValue.String(),
		Attributes:       decimals(exp.Attributes),
		Securities:       make([]SecurityExposureResponse, len(exp.Securities)),
		Factors:          make([]FactorExposureResponse, len(exp.Factors)),
		Books:            nodeStrings(exp.Books),
		PositionCount:    exp.PositionCount,
		AsOfSequence:     seq,
	}
	for i, s := range exp.Securities {
		resp.Securities[i] = SecurityExposureResponse{
			SecurityID:       s.Security,
			AssetClass:       s.AssetClass.String(),
			Sector:           s.Sector,
			Country:          s.Country,
			NetQuantity:      s.NetQuantity.String(),
			GrossQuantity:    s.GrossQuantity.String(),
			NetMarketValue:   s.NetMarketValue.String(),
			GrossMarketValue: s.GrossMarketValue.String(),
			LongMarketValue:  s.LongMarketValue.String(),
			ShortMarketValue: s.ShortMarketValue.String(),
			Attributes:       decimals(s.Attributes),
			Books:            toBooks(s.Contributions),
		}
	}
	for i, f := range exp.Factors {
		resp.Factors[i] = FactorExposureResponse{
			Kind:             f.Tag.Kind.String(),
			Value:            f.Tag.Value,
			NetMarketValue:   f.NetMarketValue.String(),
			GrossMarketValue: f.GrossMarketValue.String(),
			LongMarketValue:  f.LongMarketValue.String(),
			ShortMarketValue: f.ShortMarketValue.String(),
		}
	}
	return resp
}

func toFinding(f aggregation.OverlapFinding) OverlapFindingResponse {
	triggers := make([]string, len(f.Triggers))
	for i, t := range f.Triggers {
		triggers[i] = t.String()
	}
	return OverlapFindingResponse{
		Node:             string(f.Node),
		Level:            f.Level.String(),
		SecurityID:       f.Security,
		AsOf:             f.AsOf,
		Books:            toBooks(f.Books),
		NetQuantity:      f.NetQuantity.String(),
		GrossQuantity:    f.GrossQuantity.String(),
		NetMarketValue:   f.NetMarketValue.String(),
		GrossMarketValue: f.GrossMarketValue.String(),
		Basis:            f.Basis.String(),
		OffsetRatio:      f.OffsetRatio,
		Triggers:         triggers,
	}
}

func toMetric(m risk.RolledUpMetric) RolledUpMetricResponse {
	resp := RolledUpMetricResponse{
		Kind:                   m.Kind.String(),
		Rule:                   m.Rule.String(),
		Value:                  m.Value,
		NaiveSum:               m.NaiveSum,
		DiversificationBenefit: m.DiversificationBenefit,
		StressedValue:          m.StressedValue,
		Contributions:          make([]ContributionResponse, len(m.Contributions)),
		PartiallyStale:         m.PartiallyStale,
		StaleBooks:             nodeStrings(m.StaleBooks),
		MissingBooks:           nodeStrings(m.MissingBooks),
		CorrelationSource:      m.CorrelationSource,
		CorrelationAsOf:        timePtr(m.CorrelationAsOf),
		DefaultedPairs:         m.DefaultedPairs,
	}
	for i, c := range m.Contributions {
		resp.Contributions[i] = ContributionResponse{
			Book:         string(c.Book),
			Standalone:   c.Standalone,
			Contribution: c.Contribution,
			Status:       c.Status.String(),
			MetricAsOf:   timePtr(c.MetricAsOf),
		}
	}
	return resp
}

func toMatrix(m *correlation.Matrix) *CorrelationMatrixResponse {
	resp := &CorrelationMatrixResponse{
		MatrixID:   m.ID,
		Type:       m.Type.String(),
		Lookback:   m.Lookback,
		AsOf:       m.AsOf,
		ComputedAt: m.ComputedAt,
		Shrinkage:  m.Shrinkage,
		Nodes:      nodeStrings(m.Nodes),
		Cells:      make([][]CellResponse, len(m.Cells)),
	}
	for i, row := range m.Cells {
		resp.Cells[i] = make([]CellResponse, len(row))
		for j, c := range row {
			cell := CellResponse{Status: c.Status.String(), Observations: c.Observations}
			if c.Status == correlation.CellOk {
				v := c.Value
				cell.Value = &v
			}
			resp.Cells[i][j] = cell
		}
	}
	return resp
}

func toBreach(b limits.Breach) BreachResponse {
	return BreachResponse{
		BreachID:       b.ID,
		LimitID:        b.LimitID,
		LimitVersion:   b.LimitVersion,
		Node:           string(b.Node),
		State:          b.State.String(),
		Severity:       b.Severity.String(),
		Threshold:      b.Threshold,
		Actual:         b.Actual,
		OpenedAt:       b.OpenedAt,
		UpdatedAt:      b.UpdatedAt,
		AcknowledgedBy: b.AcknowledgedBy,
		AcknowledgedAt: b.AcknowledgedAt,
		WaivedBy:       b.WaivedBy,
		WaiverReason:   b.WaiverReason,
		WaiverExpiry:   b.WaiverExpiry,
		ResolvedAt:     b.ResolvedAt,
	}
}

func toHistory(hs []limits.HistoryEntry) []BreachHistoryEntry {
	out := make([]BreachHistoryEntry, len(hs))
	for i, h := range hs {
		out[i] = BreachHistoryEntry{
			Seq:    h.Seq,
			At:     h.At,
			From:   h.From.String(),
			To:     h.To.String(),
			Actual: h.Actual,
			Actor:  h.Actor,
			Note:   h.Note,
		}
	}
	return out
}

func toLimit(l limits.Limit) *LimitResponse {
	resp := &LimitResponse{
		LimitID:       l.ID,
		Version:       l.Version,
		Node:          string(l.Node),
		AssetClass:    l.AssetClass,
		Sector:        l.Sector,
		Measure:       l.Measure.String(),
		Direction:     l.Direction.String(),
		Threshold:     l.Threshold,
		Warning:       l.Warning,
		EffectiveFrom: l.EffectiveFrom,
		EffectiveTo:   l.EffectiveTo,
		Author:        l.Author,
	}
	if l.Security != uuid.Nil {
		id := l.Security
		resp.SecurityID = &id
	}
	if l.Measure == limits.MeasureRisk {
		resp.RiskMetric = l.RiskMetric.String()
	}
	return resp
}

func toIngest(rep core.IngestReport) *IngestResponse {
	return &IngestResponse{
		BatchID:            rep.BatchID,
		Duplicate:          rep.Duplicate,
		Applied:            rep.Applied,
		Unchanged:          rep.Unchanged,
		Rejected:           rep.Rejected,
		Quarantined:        rep.Quarantined,
		ValidationErrors:   rep.Validation.ErrorCount,
		ValidationWarnings: rep.Validation.WarningCount,
	}
}

func toRun(r *core.RunResult) *RunResponse {
	return &RunResponse{
		RunID:       r.ID,
		Node:        string(r.Node),
		AsOf:        r.AsOf,
		Attempt:     r.Attempt,
		Nodes:       len(r.Exposures),
		Findings:    len(r.Findings),
		NewFindings: len(r.NewFindings),
		Evaluations: len(r.Evaluations),
		Digest:      hexDigest(r.Digest),
		DurationMs:  r.FinishedAt.Sub(r.StartedAt).Milliseconds(),
	}
}

func hexDigest(d [32]byte) string { return hex.EncodeToString(d[:]) }

func sortBreaches(bs []BreachResponse) {
	sort.Slice(bs, func(i, j int) bool {
		if !bs[i].OpenedAt.Equal(bs[j].OpenedAt) {
			return bs[i].OpenedAt.Before(bs[j].OpenedAt)
		}
		return bs[i].BreachID.String() < bs[j].BreachID.String()
	})
}
