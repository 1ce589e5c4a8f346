package limits

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"RiskCore/internal/hierarchy"
	"RiskCore/internal/risk"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var (
	ErrInvalidLimit      = errors.New("limits: invalid limit")
	ErrLimitExists       = errors.New("limits: limit already defined")
	ErrLimitNotFound     = errors.New("limits: limit not found")
	ErrInvalidSupersede  = errors.New("limits: supersede must start after the current version")
	ErrBreachNotFound    = errors.New("limits: breach not found")
	ErrInvalidTransition = errors.New("limits: invalid breach transition")
	ErrInvalidWaiver     = errors.New("limits: waiver requires reason and future expiry")
)

// Direction is the unsafe side of a threshold.
type Direction int32

const (
	DirectionUpper Direction = iota // breach when value > threshold
	DirectionLower                  // breach when value < threshold
)

func (d Direction) String() string {
	if d == DirectionLower {
		return "lower"
	}
	return "upper"
}

func ParseDirection(s string) Direction {
	if s == "lower" {
		return DirectionLower
	}
	return DirectionUpper
}

// Measure is what a limit constrains.
type Measure int32

const (
	MeasureRisk Measure = iota // a rolled-up risk metric, see Limit.RiskMetric
	MeasureNetMarketValue
	MeasureGrossMarketValue
	MeasureNetQuantity
	MeasureGrossQuantity
)

func (m Measure) String() string {
	switch m {
	case MeasureRisk:
		return "risk"
	case MeasureNetMarketValue:
		return "net_market_value"
	case MeasureGrossMarketValue:
		return "gross_market_value"
	case MeasureNetQuantity:
		return "net_quantity"
	case MeasureGrossQuantity:
		return "gross_quantity"
	default:
		return "unknown"
	}
}

func ParseMeasure(s string) (Measure, error) {
	for _, m := range []Measure{MeasureRisk, MeasureNetMarketValue, MeasureGrossMarketValue, MeasureNetQuantity, MeasureGrossQuantity} {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown measure %q", ErrInvalidLimit, s)
}

// ActiveWindow restricts evaluation to a UTC time-of-day range, in minutes.
// A window with End < Start wraps midnight.
type ActiveWindow struct {
	StartMinute int `validate:"gte=0,lt=1440"`
	EndMinute   int `validate:"gte=0,lte=1440"`
}

func (w ActiveWindow) Contains(t time.Time) bool {
	u := t.UTC()
	m := u.Hour()*60 + u.Minute()
	if w.StartMinute <= w.EndMinute {
		return m >= w.StartMinute && m < w.EndMinute
	}
	return m >= w.StartMinute || m < w.EndMinute
}

// Limit is one version of a risk or exposure limit. Limits are never
// updated in place; Supersede closes a version and adds the next one.
type Limit struct {
	ID      uuid.UUID
	Version int

	Node       hierarchy.NodeID `validate:"required"`
	AssetClass string           `validate:"omitempty,oneof=equity fixed_income option future fx commodity fund other"`
	Sector     string
	Security   uuid.UUID // uuid.Nil means any

	Measure    Measure
	RiskMetric risk.MetricKind
	Direction  Direction
	Threshold  float64
	Warning    *float64

	Window        *ActiveWindow
	EffectiveFrom time.Time `validate:"required"`
	EffectiveTo   *time.Time
	Author        string `validate:"required"`
	CreatedAt     time.Time
}

// Filtered reports whether the limit applies to a slice of exposure
// rather than the whole node.
func (l Limit) Filtered() bool {
	return l.AssetClass != "" || l.Sector != "" || l.Security != uuid.Nil
}

// Breached reports whether value is on the unsafe side. Equality is within
// bounds.
func (l Limit) Breached(value float64) bool {
	if l.Direction == DirectionLower {
		return value < l.Threshold
	}
	return value > l.Threshold
}

// Warned reports a warning-threshold crossing that is not a breach.
func (l Limit) Warned(value float64) bool {
	if l.Warning == nil || l.Breached(value) {
		return false
	}
	if l.Direction == DirectionLower {
		return value < *l.Warning
	}
	return value > *l.Warning
}

// ActiveAt reports whether this version is in force at t.
func (l Limit) ActiveAt(t time.Time) bool {
	if t.Before(l.EffectiveFrom) {
		return false
	}
	if l.EffectiveTo != nil && !t.Before(*l.EffectiveTo) {
		return false
	}
	if l.Window != nil && !l.Window.Contains(t) {
		return false
	}
	return true
}

var validate = validator.New()

func (l Limit) Validate() error {
	if err := validate.Struct(l); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidLimit, err)
	}
	if l.Measure == MeasureRisk {
		if l.RiskMetric == risk.MetricUnknown {
			return fmt.Errorf("%w: risk limit needs a metric", ErrInvalidLimit)
		}
		if l.Filtered() {
			return fmt.Errorf("%w: risk limits apply to whole nodes", ErrInvalidLimit)
		}
	}
	if l.Warning != nil {
		w := *l.Warning
		if (l.Direction == DirectionUpper && w >= l.Threshold) || (l.Direction == DirectionLower && w <= l.Threshold) {
			return fmt.Errorf("%w: warning %v must sit inside threshold %v", ErrInvalidLimit, w, l.Threshold)
		}
	}
	if l.EffectiveTo != nil && !l.EffectiveTo.After(l.EffectiveFrom) {
		return fmt.Errorf("%w: effective-to must follow effective-from", ErrInvalidLimit)
	}
	return nil
}

// LimitBook stores every version of every limit for one tenant.
type LimitBook struct {
	mu       sync.RWMutex
	versions map[uuid.UUID][]Limit
	now      func() time.Time
}

func NewLimitBook() *LimitBook {
	return &LimitBook{versions: make(map[uuid.UUID][]Limit), now: time.Now}
}

// Define adds the first version of a new limit.
func (b *LimitBook) Define(l Limit) (Limit, error) {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	l.Version = 1
	if l.CreatedAt.IsZero() {
		l.CreatedAt = b.now()
	}
	if err := l.Validate(); err != nil {
		return Limit{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.versions[l.ID]; ok {
		return Limit{}, fmt.Errorf("%w: %s", ErrLimitExists, l.ID)
	}
	b.versions[l.ID] = []Limit{l}
	return l, nil
}

// Supersede closes the current version of id at next.EffectiveFrom and
// appends next as the following version.
func (b *LimitBook) Supersede(id uuid.UUID, next Limit) (Limit, error) {
	next.ID = id
	if next.CreatedAt.IsZero() {
		next.CreatedAt = b.now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	vs, ok := b.versions[id]
	if !ok {
		return Limit{}, fmt.Errorf("%w: %s", ErrLimitNotFound, id)
	}
	cur := vs[len(vs)-1]
	if !next.EffectiveFrom.After(cur.EffectiveFrom) {
		return Limit{}, ErrInvalidSupersede
	}
	next.Version = cur.Version + 1
	if err := next.Validate(); err != nil {
		return Limit{}, err
	}
	closeAt := next.EffectiveFrom
	if cur.EffectiveTo == nil || cur.EffectiveTo.After(closeAt) {
		vs[len(vs)-1].EffectiveTo = &closeAt
	}
	b.versions[id] = append(vs, next)
	return next, nil
}

// Restore loads a persisted version without validation or closing logic.
func (b *LimitBook) Restore(l Limit) {
	b.mu.Lock()
	defer b.mu.Unlock()
	vs := append(b.versions[l.ID], l)
	sort.Slice(vs, func(i, j int) bool { return vs[i].Version < vs[j].Version })
	b.versions[l.ID] = vs
}

// Get returns the latest version of a limit.
func (b *LimitBook) Get(id uuid.UUID) (Limit, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	vs, ok := b.versions[id]
	if !ok {
		return Limit{}, fmt.Errorf("%w: %s", ErrLimitNotFound, id)
	}
	return vs[len(vs)-1], nil
}

func (b *LimitBook) Versions(id uuid.UUID) []Limit {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Limit(nil), b.versions[id]...)
}

// ActiveAt returns the versions in force at t, at most one per limit,
// ordered by limit id.
func (b *LimitBook) ActiveAt(t time.Time) []Limit {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Limit
	for _, vs := range b.versions {
		for i := len(vs) - 1; i >= 0; i-- {
			if vs[i].ActiveAt(t) {
				out = append(out, vs[i])
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}
