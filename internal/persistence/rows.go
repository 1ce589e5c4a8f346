package persistence

import (
	"encoding/json"
	"time"

	"RiskCore/internal/core"
	"RiskCore/internal/event"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// NodeRow is a row in riskcore.hierarchy_nodes
type NodeRow struct {
	Tenant   string
	NodeID   string
	Level    string
	Name     string
	Parent   string
	Removed  bool
	Sequence int64
}

// PositionRow is a row in riskcore.position_history
type PositionRow struct {
	Tenant      string
	Book        string
	SecurityID  uuid.UUID
	AsOf        time.Time
	Quantity    string // NUMERIC, decimal text
	MarketValue string
	Currency    string
	Attributes  []byte // JSONB
	Source      string
	ContentHash []byte
	Version     int64
	RecordedAt  time.Time
}

// SecurityRow is a row in riskcore.securities
type SecurityRow struct {
	SecurityID uuid.UUID
	AssetClass string
	Currency   string
	Name       string
	Sector     string
	Country    string
	Issuer     string
	FIGI       string
	CreatedAt  time.Time
	EnrichedAt *time.Time
	MergedInto *uuid.UUID
}

// AliasRow is a row in riskcore.security_aliases
type AliasRow struct {
	Scheme     string
	Value      string
	Venue      string
	SecurityID uuid.UUID
}

// LimitRow is a row in riskcore.limits
type LimitRow struct {
	LimitID       uuid.UUID
	Version       int
	Tenant        string
	Node          string
	AssetClass    string
	Sector        string
	SecurityID    *uuid.UUID
	Measure       string
	RiskMetric    string
	Direction     string
	Threshold     float64
	Warning       *float64
	WindowStart   *int
	WindowEnd     *int
	EffectiveFrom time.Time
	EffectiveTo   *time.Time
	Author        string
	CreatedAt     time.Time
}

// BreachRow is a row in riskcore.breaches
type BreachRow struct {
	BreachID       uuid.UUID
	Tenant         string
	LimitID        uuid.UUID
	LimitVersion   int
	Node           string
	OpenedAt       time.Time
	Threshold      float64
	Actual         float64
	Severity       string
	State          string
	UpdatedAt      time.Time
	AcknowledgedBy string
	AcknowledgedAt *time.Time
	WaivedBy       string
	WaiverReason   string
	WaiverExpiry   *time.Time
	ResolvedAt     *time.Time
}

// BreachHistoryRow is a row in riskcore.breach_history
type BreachHistoryRow struct {
	BreachID  uuid.UUID
	Seq       int
	At        time.Time
	FromState string
	ToState   string
	Actual    float64
	Actor     string
	Note      string
}

// MatrixRow is a row in riskcore.correlation_matrices
type MatrixRow struct {
	MatrixID     uuid.UUID
	Tenant       string
	MatrixType   string
	LookbackDays int
	AsOf         time.Time
	Nodes        []string // TEXT[]
	Cells        []byte   // JSONB, see cellJSON
	Shrinkage    float64
	ComputedAt   time.Time
}

// cellJSON is the stored form of one correlation cell.
type cellJSON struct {
	Value        float64 `json:"v"`
	Status       string  `json:"s"`
	Observations int     `json:"n"`
}

// BatchRow is a row in riskcore.batches
type BatchRow struct {
	Kind      string
	BatchKey  string
	Tenant    string
	AppliedAt time.Time
	Sequence  int64
}

// DataQualityRow is a row in riskcore.data_quality
type DataQualityRow struct {
	ItemID   uuid.UUID
	Tenant   string
	Kind     string
	Book     string
	Code     string
	Detail   string
	RecordID *uuid.UUID
	At       time.Time
}

// RunRow is a row in riskcore.aggregation_runs
type RunRow struct {
	RunID       uuid.UUID
	Tenant      string
	Node        string
	AsOf        time.Time
	Attempt     int
	StartedAt   time.Time
	FinishedAt  time.Time
	Digest      []byte
	FindingKeys []string // TEXT[]
	NewFindings int
	Evaluations int
	Sequence    int64
}

// NotificationRow is a row in the riskcore.notifications outbox
type NotificationRow struct {
	IdempotencyKey string
	Sequence       int64
	EventType      string
	Tenant         string
	Payload        []byte
	OccurredAt     time.Time
}

// Rows accumulates converted outputs until the worker flushes them in one
// transaction.
type Rows struct {
	Nodes         []NodeRow
	Positions     []PositionRow
	Securities    []SecurityRow
	Aliases       []AliasRow
	Limits        []LimitRow
	Breaches      []BreachRow
	BreachHistory []BreachHistoryRow
	Matrices      []MatrixRow
	Batches       []BatchRow
	DataQuality   []DataQualityRow
	Runs          []RunRow
	Notifications []NotificationRow

	// Envelopes are forwarded to the publisher after commit.
	Envelopes []event.Envelope

	outputs     int
	maxSequence int64
}

// Outputs is the number of engine outputs folded into r.
func (r *Rows) Outputs() int { return r.outputs }

// MaxSequence is the highest engine sequence folded into r.
func (r *Rows) MaxSequence() int64 { return r.maxSequence }

func (r *Rows) Reset() {
	*r = Rows{
		Nodes:         r.Nodes[:0],
		Positions:     r.Positions[:0],
		Securities:    r.Securities[:0],
		Aliases:       r.Aliases[:0],
		Limits:        r.Limits[:0],
		Breaches:      r.Breaches[:0],
		BreachHistory: r.BreachHistory[:0],
		Matrices:      r.Matrices[:0],
		Batches:       r.Batches[:0],
		DataQuality:   r.DataQuality[:0],
		Runs:          r.Runs[:0],
		Notifications: r.Notifications[:0],
		Envelopes:     r.Envelopes[:0],
	}
}

// Add converts one engine output into rows.
func (r *Rows) Add(out core.Output) {
	r.outputs++
	if out.Sequence > r.maxSequence {
		r.maxSequence = out.Sequence
	}

	for _, n := range out.Nodes {
		r.Nodes = append(r.Nodes, NodeRow{
			Tenant:   out.Tenant,
			NodeID:   string(n.Node.ID),
			Level:    n.Node.Level.String(),
			Name:     n.Node.Name,
			Parent:   string(n.Node.Parent),
			Removed:  n.Removed,
			Sequence: out.Sequence,
		})
	}

	for _, p := range out.Positions {
		h := p.Hash
		r.Positions = append(r.Positions, PositionRow{
			Tenant:      out.Tenant,
			Book:        string(p.Book),
			SecurityID:  p.Security,
			AsOf:        p.AsOf,
			Quantity:    p.Quantity.String(),
			MarketValue: p.MarketValue.String(),
			Currency:    p.Currency,
			Attributes:  MarshalPayload(p.Attributes),
			Source:      p.Source,
			ContentHash: h[:],
			Version:     p.Version,
			RecordedAt:  p.RecordedAt,
		})
	}

	for _, s := range out.Securities {
		row := SecurityRow{
			SecurityID: s.ID,
			AssetClass: s.AssetClass.String(),
			Currency:   s.Currency,
			Name:       s.Name,
			Sector:     s.Sector,
			Country:    s.Country,
			Issuer:     s.Issuer,
			FIGI:       s.FIGI,
			CreatedAt:  s.CreatedAt,
			MergedInto: s.MergedInto,
		}
		if !s.EnrichedAt.IsZero() {
			t := s.EnrichedAt
			row.EnrichedAt = &t
		}
		r.Securities = append(r.Securities, row)
	}

	for _, a := range out.Aliases {
		r.Aliases = append(r.Aliases, AliasRow{
			Scheme:     a.Alias.Scheme.String(),
			Value:      a.Alias.Value,
			Venue:      a.Alias.Venue,
			SecurityID: a.SecurityID,
		})
	}

	for _, l := range out.Limits {
		row := LimitRow{
			LimitID:       l.ID,
			Version:       l.Version,
			Tenant:        out.Tenant,
			Node:          string(l.Node),
			AssetClass:    l.AssetClass,
			Sector:        l.Sector,
			Measure:       l.Measure.String(),
			RiskMetric:    l.RiskMetric.String(),
			Direction:     l.Direction.String(),
			Threshold:     l.Threshold,
			Warning:       l.Warning,
			EffectiveFrom: l.EffectiveFrom,
			EffectiveTo:   l.EffectiveTo,
			Author:        l.Author,
			CreatedAt:     l.CreatedAt,
		}
		if l.Security != uuid.Nil {
			id := l.Security
			row.SecurityID = &id
		}
		if l.Window != nil {
			start, end := l.Window.StartMinute, l.Window.EndMinute
			row.WindowStart, row.WindowEnd = &start, &end
		}
		r.Limits = append(r.Limits, row)
	}

	for _, b := range out.Breaches {
		r.Breaches = append(r.Breaches, BreachRow{
			BreachID:       b.ID,
			Tenant:         out.Tenant,
			LimitID:        b.LimitID,
			LimitVersion:   b.LimitVersion,
			Node:           string(b.Node),
			OpenedAt:       b.OpenedAt,
			Threshold:      b.Threshold,
			Actual:         b.Actual,
			Severity:       b.Severity.String(),
			State:          b.State.String(),
			UpdatedAt:      b.UpdatedAt,
			AcknowledgedBy: b.AcknowledgedBy,
			AcknowledgedAt: b.AcknowledgedAt,
			WaivedBy:       b.WaivedBy,
			WaiverReason:   b.WaiverReason,
			WaiverExpiry:   b.WaiverExpiry,
			ResolvedAt:     b.ResolvedAt,
		})
	}

	for _, h := range out.BreachHistory {
		r.BreachHistory = append(r.BreachHistory, BreachHistoryRow{
			BreachID:  h.BreachID,
			Seq:       h.Seq,
			At:        h.At,
			FromState: h.From.String(),
			ToState:   h.To.String(),
			Actual:    h.Actual,
			Actor:     h.Actor,
			Note:      h.Note,
		})
	}

	for _, m := range out.Matrices {
		nodes := make([]string, len(m.Nodes))
		for i, n := range m.Nodes {
			nodes[i] = string(n)
		}
		cells := make([][]cellJSON, len(m.Cells))
		for i, row := range m.Cells {
			cells[i] = make([]cellJSON, len(row))
			for j, c := range row {
				cells[i][j] = cellJSON{Value: c.Value, Status: c.Status.String(), Observations: c.Observations}
			}
		}
		r.Matrices = append(r.Matrices, MatrixRow{
			MatrixID:     m.ID,
			Tenant:       out.Tenant,
			MatrixType:   m.Type.String(),
			LookbackDays: m.Lookback,
			AsOf:         m.AsOf,
			Nodes:        nodes,
			Cells:        MarshalPayload(cells),
			Shrinkage:    m.Shrinkage,
			ComputedAt:   m.ComputedAt,
		})
	}

	for _, b := range out.Batches {
		r.Batches = append(r.Batches, BatchRow{
			Kind:      b.Kind,
			BatchKey:  b.Key,
			Tenant:    b.Tenant,
			AppliedAt: b.AppliedAt,
			Sequence:  out.Sequence,
		})
	}

	for _, it := range out.DataQuality {
		row := DataQualityRow{
			ItemID: it.ID,
			Tenant: it.Tenant,
			Kind:   it.Kind.String(),
			Book:   string(it.Book),
			Code:   it.Code,
			Detail: it.Detail,
			At:     it.At,
		}
		if it.RecordID != uuid.Nil {
			id := it.RecordID
			row.RecordID = &id
		}
		r.DataQuality = append(r.DataQuality, row)
	}

	if res := out.Run; res != nil {
		keys := make([]string, len(res.Findings))
		for i, f := range res.Findings {
			keys[i] = f.Key()
		}
		d := res.Digest
		r.Runs = append(r.Runs, RunRow{
			RunID:       res.ID,
			Tenant:      res.Tenant,
			Node:        string(res.Node),
			AsOf:        res.AsOf,
			Attempt:     res.Attempt,
			StartedAt:   res.StartedAt,
			FinishedAt:  res.FinishedAt,
			Digest:      d[:],
			FindingKeys: keys,
			NewFindings: len(res.NewFindings),
			Evaluations: len(res.Evaluations),
			Sequence:    out.Sequence,
		})
	}

	for _, env := range out.Notifications {
		r.Notifications = append(r.Notifications, NotificationRow{
			IdempotencyKey: env.IdempotencyKey,
			Sequence:       env.Sequence,
			EventType:      env.EventType,
			Tenant:         env.Tenant,
			Payload:        env.Payload,
			OccurredAt:     env.Timestamp,
		})
		r.Envelopes = append(r.Envelopes, env)
	}
}

// MarshalPayload JSON-encodes a JSONB column value.
func MarshalPayload(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		log.Warn().Err(err).Msg("failed to marshal payload")
		return []byte("{}")
	}
	return data
}
