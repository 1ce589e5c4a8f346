package core

import (
	"time"

	"RiskCore/internal/correlation"
	"RiskCore/internal/event"
	"RiskCore/internal/hierarchy"
	"RiskCore/internal/limits"
	"RiskCore/internal/security"
	"RiskCore/internal/state"

	"github.com/google/uuid"
)

// AliasRow is one alias pointing at a security.
type AliasRow struct {
	Alias      security.Alias
	SecurityID uuid.UUID
}

// NodeRow is the latest state of one hierarchy node. Removed nodes are
// kept as tombstones so recovery can skip them.
type NodeRow struct {
	Node    hierarchy.Node
	Removed bool
}

// BatchRecord marks an applied inbound batch for durable dedup.
type BatchRecord struct {
	Kind      string
	Key       string
	Tenant    string
	AppliedAt time.Time
}

// Output is one unit of engine output. It is sent to the persistence
// worker with a blocking send and to projections with a non-blocking one.
// Notifications are published only after the output was persisted.
type Output struct {
	Sequence int64
	Tenant   string

	Nodes         []NodeRow
	Positions     []state.Position
	Securities    []security.Security
	Aliases       []AliasRow
	Limits        []limits.Limit
	Breaches      []limits.Breach
	BreachHistory []limits.HistoryEntry
	Matrices      []*correlation.Matrix
	Batches       []BatchRecord
	DataQuality   []DataQualityItem
	Run           *RunResult

	Notifications []event.Envelope
}

// Empty reports whether the output carries nothing to persist or publish.
func (o Output) Empty() bool {
	return len(o.Nodes) == 0 && len(o.Positions) == 0 && len(o.Securities) == 0 && len(o.Aliases) == 0 &&
		len(o.Limits) == 0 && len(o.Breaches) == 0 && len(o.BreachHistory) == 0 &&
		len(o.Matrices) == 0 && len(o.Batches) == 0 && len(o.DataQuality) == 0 &&
		o.Run == nil && len(o.Notifications) == 0
}
