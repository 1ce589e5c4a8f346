package state

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"RiskCore/internal/hierarchy"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidSnapshot = errors.New("state: invalid position snapshot")
	ErrUnknownPosition = errors.New("state: no position for book and security")
)

// Well-known per-position risk attribute names supplied by the pricing
// collaborator.
const (
	AttrDelta      = "delta"
	AttrDV01       = "dv01"
	AttrCS01       = "cs01"
	AttrGamma      = "gamma"
	AttrVega       = "vega"
	AttrBeta       = "beta"
	AttrTenorYears = "tenor_years"
)

// Snapshot is the state of one (book, security) position as of a timestamp.
// MarketValue is in Currency; conversion to the base currency happens at
// aggregation time.
type Snapshot struct {
	AsOf        time.Time
	Quantity    decimal.Decimal
	MarketValue decimal.Decimal
	Currency    string
	Attributes  map[string]decimal.Decimal
	Source      string
}

func (s Snapshot) Validate() error {
	if s.AsOf.IsZero() {
		return fmt.Errorf("%w: missing as-of", ErrInvalidSnapshot)
	}
	if len(strings.TrimSpace(s.Currency)) != 3 {
		return fmt.Errorf("%w: currency %q", ErrInvalidSnapshot, s.Currency)
	}
	return nil
}

// Attr returns a risk attribute, zero when absent.
func (s Snapshot) Attr(name string) decimal.Decimal {
	return s.Attributes[name]
}

// AttrNames returns the attribute keys in sorted order.
func (s Snapshot) AttrNames() []string {
	names := make([]string, 0, len(s.Attributes))
	for k := range s.Attributes {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Position is a stored snapshot for a (book, security) key.
type Position struct {
	Book     hierarchy.NodeID
	Security uuid.UUID
	Snapshot

	Hash       [32]byte
	Version    int64 // history entries recorded for this key
	RecordedAt time.Time
}

// IsFlat reports a zero quantity. Flat positions are kept, not deleted.
func (p Position) IsFlat() bool {
	return p.Quantity.IsZero()
}

// Key identifies a position within a tenant.
type Key struct {
	Book     hierarchy.NodeID
	Security uuid.UUID
}

// Outcome describes what an upsert did.
type Outcome int32

const (
	OutcomeApplied     Outcome = iota // history appended, current state replaced
	OutcomeHistoryOnly                // history appended, an as-of newer row stays current
	OutcomeDuplicate                  // identical snapshot already recorded; nothing written
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeHistoryOnly:
		return "history_only"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// UpsertResult is returned by Store.Upsert and handed to hooks.
type UpsertResult struct {
	Outcome  Outcome
	Position Position
}
