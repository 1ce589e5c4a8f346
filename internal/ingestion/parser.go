package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"RiskCore/internal/core"
	"RiskCore/internal/hierarchy"
	"RiskCore/internal/limits"
	"RiskCore/internal/risk"
	"RiskCore/internal/security"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrMalformed marks a payload that can never be applied. Such messages
// are terminated rather than redelivered.
var ErrMalformed = errors.New("ingestion: malformed payload")

const dayLayout = "2006-01-02"

// --- JSON wire formats ---
// Field names use snake_case to match upstream PM systems.

type identifierJSON struct {
	Type  string `json:"type"`
	Value string `json:"value"`
	Venue string `json:"venue,omitempty"`
}

type positionJSON struct {
	Book           string                     `json:"book"`
	Identifiers    []identifierJSON           `json:"identifiers"`
	AsOf           time.Time                  `json:"as_of"`
	Quantity       decimal.Decimal            `json:"quantity"`
	MarketValue    decimal.Decimal            `json:"market_value"`
	Currency       string                     `json:"currency"`
	Attributes     map[string]decimal.Decimal `json:"attributes,omitempty"`
	Source         string                     `json:"source,omitempty"`
	SourceSequence int64                      `json:"source_sequence,omitempty"`
}

type positionBatchJSON struct {
	BatchID string         `json:"batch_id"`
	Records []positionJSON `json:"records"`
}

// ParsePositions decodes a position batch. Unknown identifier types are
// kept as SchemeUnknown and fail resolution downstream.
func ParsePositions(tenant string, data []byte) (core.PositionBatch, error) {
	var j positionBatchJSON
	if err := decode(data, &j); err != nil {
		return core.PositionBatch{}, fmt.Errorf("parse positions: %w", err)
	}
	batch := core.PositionBatch{Tenant: tenant, BatchID: j.BatchID, Records: make([]core.PositionRecord, 0, len(j.Records))}
	for _, r := range j.Records {
		ids := make([]security.Identifier, 0, len(r.Identifiers))
		for _, id := range r.Identifiers {
			ids = append(ids, security.Identifier{
				Scheme: security.ParseScheme(id.Type),
				Value:  id.Value,
				Venue:  id.Venue,
			}.Normalize())
		}
		batch.Records = append(batch.Records, core.PositionRecord{
			Book:           hierarchy.NodeID(r.Book),
			Identifiers:    ids,
			AsOf:           r.AsOf.UTC(),
			Quantity:       r.Quantity,
			MarketValue:    r.MarketValue,
			Currency:       strings.TrimSpace(r.Currency),
			Attributes:     r.Attributes,
			Source:         r.Source,
			SourceSequence: r.SourceSequence,
		})
	}
	return batch, nil
}

type metricJSON struct {
	Book  string    `json:"book"`
	Kind  string    `json:"kind"`
	Value float64   `json:"value"`
	AsOf  time.Time `json:"as_of"`
}

type metricBatchJSON struct {
	BatchID string       `json:"batch_id"`
	Records []metricJSON `json:"records"`
}

func ParseMetrics(tenant string, data []byte) (core.MetricBatch, error) {
	var j metricBatchJSON
	if err := decode(data, &j); err != nil {
		return core.MetricBatch{}, fmt.Errorf("parse metrics: %w", err)
	}
	batch := core.MetricBatch{Tenant: tenant, BatchID: j.BatchID}
	for i, r := range j.Records {
		kind, err := risk.ParseMetricKind(r.Kind)
		if err != nil {
			return core.MetricBatch{}, fmt.Errorf("%w: record %d: %v", ErrMalformed, i, err)
		}
		batch.Records = append(batch.Records, core.MetricRecord{
			Book:  hierarchy.NodeID(r.Book),
			Kind:  kind,
			Value: r.Value,
			AsOf:  r.AsOf.UTC(),
		})
	}
	return batch, nil
}

type pnlJSON struct {
	Book string  `json:"book"`
	Day  string  `json:"day"`
	PnL  float64 `json:"pnl"`
}

type pnlBatchJSON struct {
	BatchID string    `json:"batch_id"`
	Records []pnlJSON `json:"records"`
}

func ParsePnL(tenant string, data []byte) (core.PnLBatch, error) {
	var j pnlBatchJSON
	if err := decode(data, &j); err != nil {
		return core.PnLBatch{}, fmt.Errorf("parse pnl: %w", err)
	}
	batch := core.PnLBatch{Tenant: tenant, BatchID: j.BatchID}
	for i, r := range j.Records {
		day, err := time.Parse(dayLayout, r.Day)
		if err != nil {
			return core.PnLBatch{}, fmt.Errorf("%w: record %d day: %v", ErrMalformed, i, err)
		}
		batch.Records = append(batch.Records, core.PnLRecord{Book: hierarchy.NodeID(r.Book), Day: day, PnL: r.PnL})
	}
	return batch, nil
}

type factorJSON struct {
	Factor string  `json:"factor"`
	Day    string  `json:"day"`
	Return float64 `json:"return"`
}

type factorBatchJSON struct {
	BatchID string       `json:"batch_id"`
	Records []factorJSON `json:"records"`
}

func ParseFactorReturns(data []byte) (core.FactorBatch, error) {
	var j factorBatchJSON
	if err := decode(data, &j); err != nil {
		return core.FactorBatch{}, fmt.Errorf("parse factor returns: %w", err)
	}
	batch := core.FactorBatch{BatchID: j.BatchID}
	for i, r := range j.Records {
		day, err := time.Parse(dayLayout, r.Day)
		if err != nil {
			return core.FactorBatch{}, fmt.Errorf("%w: record %d day: %v", ErrMalformed, i, err)
		}
		batch.Records = append(batch.Records, core.FactorReturnRecord{Factor: r.Factor, Day: day, Return: r.Return})
	}
	return batch, nil
}

type hierarchyJSON struct {
	Op        string `json:"op"` // add | move | remove
	ID        string `json:"id"`
	Level     string `json:"level,omitempty"`
	Name      string `json:"name,omitempty"`
	Parent    string `json:"parent,omitempty"`
	NewParent string `json:"new_parent,omitempty"`
}

type hierarchyBatchJSON struct {
	BatchID string          `json:"batch_id"`
	Changes []hierarchyJSON `json:"changes"`
}

func ParseHierarchy(tenant string, data []byte) (core.HierarchyBatch, error) {
	var j hierarchyBatchJSON
	if err := decode(data, &j); err != nil {
		return core.HierarchyBatch{}, fmt.Errorf("parse hierarchy: %w", err)
	}
	batch := core.HierarchyBatch{Tenant: tenant, BatchID: j.BatchID}
	for i, c := range j.Changes {
		var op core.HierarchyOp
		switch strings.ToLower(c.Op) {
		case "add", "":
			op = core.HierarchyAdd
		case "move":
			op = core.HierarchyMove
		case "remove":
			op = core.HierarchyRemove
		default:
			return core.HierarchyBatch{}, fmt.Errorf("%w: change %d: unknown op %q", ErrMalformed, i, c.Op)
		}
		batch.Changes = append(batch.Changes, core.HierarchyChange{
			Op: op,
			Node: hierarchy.Node{
				ID:     hierarchy.NodeID(c.ID),
				Level:  hierarchy.ParseLevel(c.Level),
				Name:   c.Name,
				Parent: hierarchy.NodeID(c.Parent),
			},
			NewParent: hierarchy.NodeID(c.NewParent),
		})
	}
	return batch, nil
}

type windowJSON struct {
	Start string `json:"start"` // HH:MM UTC
	End   string `json:"end"`
}

type limitJSON struct {
	Supersedes    string      `json:"supersedes,omitempty"`
	Node          string      `json:"node"`
	AssetClass    string      `json:"asset_class,omitempty"`
	Sector        string      `json:"sector,omitempty"`
	SecurityID    string      `json:"security_id,omitempty"`
	Measure       string      `json:"measure"`
	RiskMetric    string      `json:"risk_metric,omitempty"`
	Direction     string      `json:"direction,omitempty"`
	Threshold     float64     `json:"threshold"`
	Warning       *float64    `json:"warning,omitempty"`
	Window        *windowJSON `json:"window,omitempty"`
	EffectiveFrom time.Time   `json:"effective_from"`
	EffectiveTo   *time.Time  `json:"effective_to,omitempty"`
	Author        string      `json:"author"`
}

type limitBatchJSON struct {
	BatchID string      `json:"batch_id"`
	Records []limitJSON `json:"records"`
}

func ParseLimits(tenant string, data []byte) (core.LimitBatch, error) {
	var j limitBatchJSON
	if err := decode(data, &j); err != nil {
		return core.LimitBatch{}, fmt.Errorf("parse limits: %w", err)
	}
	batch := core.LimitBatch{Tenant: tenant, BatchID: j.BatchID}
	for i, r := range j.Records {
		rec, err := limitFromJSON(r)
		if err != nil {
			return core.LimitBatch{}, fmt.Errorf("%w: record %d: %v", ErrMalformed, i, err)
		}
		batch.Records = append(batch.Records, rec)
	}
	return batch, nil
}

// ParseLimit decodes a single limit definition, as sent by the admin API.
func ParseLimit(data []byte) (core.LimitRecord, error) {
	var j limitJSON
	if err := decode(data, &j); err != nil {
		return core.LimitRecord{}, fmt.Errorf("parse limit: %w", err)
	}
	rec, err := limitFromJSON(j)
	if err != nil {
		return core.LimitRecord{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return rec, nil
}

func limitFromJSON(r limitJSON) (core.LimitRecord, error) {
	measure, err := limits.ParseMeasure(r.Measure)
	if err != nil {
		return core.LimitRecord{}, err
	}
	l := limits.Limit{
		Node:          hierarchy.NodeID(r.Node),
		AssetClass:    strings.ToLower(r.AssetClass),
		Sector:        r.Sector,
		Measure:       measure,
		Direction:     limits.ParseDirection(r.Direction),
		Threshold:     r.Threshold,
		Warning:       r.Warning,
		EffectiveFrom: r.EffectiveFrom.UTC(),
		Author:        r.Author,
	}
	if r.EffectiveTo != nil {
		to := r.EffectiveTo.UTC()
		l.EffectiveTo = &to
	}
	if measure == limits.MeasureRisk {
		if l.RiskMetric, err = risk.ParseMetricKind(r.RiskMetric); err != nil {
			return core.LimitRecord{}, err
		}
	}
	if r.SecurityID != "" {
		if l.Security, err = uuid.Parse(r.SecurityID); err != nil {
			return core.LimitRecord{}, fmt.Errorf("security_id: %w", err)
		}
	}
	if r.Window != nil {
		start, err := minuteOfDay(r.Window.Start)
		if err != nil {
			return core.LimitRecord{}, fmt.Errorf("window start: %w", err)
		}
		end, err := minuteOfDay(r.Window.End)
		if err != nil {
			return core.LimitRecord{}, fmt.Errorf("window end: %w", err)
		}
		l.Window = &limits.ActiveWindow{StartMinute: start, EndMinute: end}
	}
	rec := core.LimitRecord{Limit: l}
	if r.Supersedes != "" {
		if rec.Supersedes, err = uuid.Parse(r.Supersedes); err != nil {
			return core.LimitRecord{}, fmt.Errorf("supersedes: %w", err)
		}
	}
	return rec, nil
}

func minuteOfDay(s string) (int, error) {
	if s == "24:00" {
		return 1440, nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

type fxJSON struct {
	Currency string          `json:"currency"`
	AsOf     time.Time       `json:"as_of"`
	Rate     decimal.Decimal `json:"rate"`
}

type navJSON struct {
	Node string          `json:"node"`
	AsOf time.Time       `json:"as_of"`
	NAV  decimal.Decimal `json:"nav"`
}

type referenceBatchJSON struct {
	BatchID string    `json:"batch_id"`
	FX      []fxJSON  `json:"fx"`
	NAV     []navJSON `json:"nav"`
}

func ParseReference(tenant string, data []byte) (core.ReferenceBatch, error) {
	var j referenceBatchJSON
	if err := decode(data, &j); err != nil {
		return core.ReferenceBatch{}, fmt.Errorf("parse reference: %w", err)
	}
	batch := core.ReferenceBatch{Tenant: tenant, BatchID: j.BatchID}
	for _, r := range j.FX {
		batch.FX = append(batch.FX, core.FXRecord{Currency: strings.ToUpper(r.Currency), AsOf: r.AsOf.UTC(), Rate: r.Rate})
	}
	for _, r := range j.NAV {
		batch.NAV = append(batch.NAV, core.NAVRecord{Node: hierarchy.NodeID(r.Node), AsOf: r.AsOf.UTC(), NAV: r.NAV})
	}
	return batch, nil
}

func decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
