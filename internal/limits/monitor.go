package limits

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"RiskCore/internal/hierarchy"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// BreachState is the lifecycle state of a limit breach.
// NoBreach → Active → Acknowledged/Waived → Resolved. An expired waiver
// on a still-breaching limit returns the breach to Active.
type BreachState int32

const (
	BreachNone BreachState = iota
	BreachActive
	BreachAcknowledged
	BreachResolved
	BreachWaived
)

func (s BreachState) String() string {
	switch s {
	case BreachNone:
		return "no_breach"
	case BreachActive:
		return "active"
	case BreachAcknowledged:
		return "acknowledged"
	case BreachResolved:
		return "resolved"
	case BreachWaived:
		return "waived"
	default:
		return "unknown"
	}
}

func ParseBreachState(s string) BreachState {
	for _, st := range []BreachState{BreachNone, BreachActive, BreachAcknowledged, BreachResolved, BreachWaived} {
		if st.String() == s {
			return st
		}
	}
	return BreachNone
}

func (s BreachState) CanTransitionTo(next BreachState) bool {
	transitions := map[BreachState][]BreachState{
		BreachNone: {
			BreachActive,
		},
		BreachActive: {
			BreachAcknowledged,
			BreachResolved,
			BreachWaived,
		},
		BreachAcknowledged: {
			BreachResolved,
			BreachWaived,
		},
		BreachWaived: {
			BreachActive, // waiver expired while still breaching
			BreachResolved,
		},
		BreachResolved: {
			// terminal; a new excursion opens a new breach
		},
	}
	for _, a := range transitions[s] {
		if next == a {
			return true
		}
	}
	return false
}

// IsOpen reports states that still count as the limit's open breach.
func (s BreachState) IsOpen() bool {
	return s == BreachActive || s == BreachAcknowledged || s == BreachWaived
}

type Severity int32

const (
	SeverityBreach Severity = iota
	SeverityCritical
)

func (s Severity) String() string {
	if s == SeverityCritical {
		return "critical"
	}
	return "breach"
}

func ParseSeverity(s string) Severity {
	if s == "critical" {
		return SeverityCritical
	}
	return SeverityBreach
}

// Breach is one excursion of a limit beyond its threshold.
type Breach struct {
	ID           uuid.UUID
	LimitID      uuid.UUID
	LimitVersion int
	Node         hierarchy.NodeID
	OpenedAt     time.Time
	Threshold    float64
	Actual       float64
	Severity     Severity
	State        BreachState
	UpdatedAt    time.Time

	AcknowledgedBy string
	AcknowledgedAt *time.Time
	WaivedBy       string
	WaiverReason   string
	WaiverExpiry   *time.Time
	ResolvedAt     *time.Time
}

// HistoryEntry is one append-only record of a breach. From == To marks an
// actual-value update without a state change.
type HistoryEntry struct {
	BreachID uuid.UUID
	Seq      int
	At       time.Time
	From     BreachState
	To       BreachState
	Actual   float64
	Actor    string
	Note     string
}

// Transition is emitted for every state change.
type Transition struct {
	Breach Breach
	From   BreachState
	To     BreachState
	At     time.Time
}

// Warning is raised when a value crosses the warning threshold without
// breaching. It does not change any breach state.
type Warning struct {
	LimitID   uuid.UUID
	Node      hierarchy.NodeID
	Value     float64
	Threshold float64
	At        time.Time
}

type Result struct {
	Suppressed  bool
	Transitions []Transition
	Warning     *Warning
}

// Hook observes transitions and history entries after they are recorded.
type Hook struct {
	OnTransition func(Transition)
	OnHistory    func(HistoryEntry)
}

type MonitorConfig struct {
	// CriticalExcess is the relative excess over threshold at which a
	// breach is critical.
	CriticalExcess float64
}

func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{CriticalExcess: 0.2}
}

// Monitor evaluates limits and owns the breach lifecycle for one tenant.
type Monitor struct {
	mu       sync.Mutex
	cfg      MonitorConfig
	open     map[uuid.UUID]uuid.UUID // limit id -> open breach id
	breaches map[uuid.UUID]*Breach
	history  map[uuid.UUID][]HistoryEntry
	hooks    []Hook
	log      zerolog.Logger
}

func NewMonitor(cfg MonitorConfig, log zerolog.Logger) *Monitor {
	return &Monitor{
		cfg:      cfg,
		open:     make(map[uuid.UUID]uuid.UUID),
		breaches: make(map[uuid.UUID]*Breach),
		history:  make(map[uuid.UUID][]HistoryEntry),
		log:      log.With().Str("component", "limit_monitor").Logger(),
	}
}

func (m *Monitor) AddHook(h Hook) {
	m.mu.Lock()
	m.hooks = append(m.hooks, h)
	m.mu.Unlock()
}

func (m *Monitor) severity(l Limit, value float64) Severity {
	if l.Threshold == 0 {
		return SeverityCritical
	}
	excess := math.Abs(value-l.Threshold) / math.Abs(l.Threshold)
	if excess > m.cfg.CriticalExcess {
		return SeverityCritical
	}
	return SeverityBreach
}

// Evaluate applies one observation of a limit's measure. Stale inputs are
// suppressed and never change state.
func (m *Monitor) Evaluate(l Limit, value float64, asOf time.Time, stale bool) (Result, error) {
	if stale {
		m.log.Debug().Str("limit", l.ID.String()).Msg("stale input, evaluation suppressed")
		return Result{Suppressed: true}, nil
	}

	var (
		res     Result
		entries []HistoryEntry
	)
	m.mu.Lock()
	breaching := l.Breached(value)
	openID, hasOpen := m.open[l.ID]

	switch {
	case !hasOpen && breaching:
		b := &Breach{
			ID:           uuid.New(),
			LimitID:      l.ID,
			LimitVersion: l.Version,
			Node:         l.Node,
			OpenedAt:     asOf,
			Threshold:    l.Threshold,
			Actual:       value,
			Severity:     m.severity(l, value),
			State:        BreachActive,
			UpdatedAt:    asOf,
		}
		m.breaches[b.ID] = b
		m.open[l.ID] = b.ID
		entries = append(entries, m.appendLocked(b, BreachNone, BreachActive, asOf, "", "opened"))
		res.Transitions = append(res.Transitions, Transition{Breach: *b, From: BreachNone, To: BreachActive, At: asOf})

	case hasOpen && breaching:
		b := m.breaches[openID]
		b.Actual = value
		b.Threshold = l.Threshold
		b.LimitVersion = l.Version
		b.Severity = m.severity(l, value)
		b.UpdatedAt = asOf
		if b.State == BreachWaived && b.WaiverExpiry != nil && !asOf.Before(*b.WaiverExpiry) {
			b.State = BreachActive
			entries = append(entries, m.appendLocked(b, BreachWaived, BreachActive, asOf, "", "waiver expired"))
			res.Transitions = append(res.Transitions, Transition{Breach: *b, From: BreachWaived, To: BreachActive, At: asOf})
		} else {
			entries = append(entries, m.appendLocked(b, b.State, b.State, asOf, "", "updated"))
		}

	case hasOpen && !breaching:
		b := m.breaches[openID]
		from := b.State
		b.State = BreachResolved
		b.Actual = value
		b.UpdatedAt = asOf
		at := asOf
		b.ResolvedAt = &at
		delete(m.open, l.ID)
		entries = append(entries, m.appendLocked(b, from, BreachResolved, asOf, "", "back within limit"))
		res.Transitions = append(res.Transitions, Transition{Breach: *b, From: from, To: BreachResolved, At: asOf})
	}

	if !breaching && l.Warned(value) {
		res.Warning = &Warning{LimitID: l.ID, Node: l.Node, Value: value, Threshold: *l.Warning, At: asOf}
	}
	hooks := m.hooks
	m.mu.Unlock()

	m.fire(hooks, res.Transitions, entries)
	return res, nil
}

// Acknowledge moves an Active breach to Acknowledged.
func (m *Monitor) Acknowledge(id uuid.UUID, by string, at time.Time) (Breach, error) {
	if strings.TrimSpace(by) == "" {
		return Breach{}, fmt.Errorf("%w: acknowledger required", ErrInvalidTransition)
	}
	m.mu.Lock()
	b, ok := m.breaches[id]
	if !ok {
		m.mu.Unlock()
		return Breach{}, fmt.Errorf("%w: %s", ErrBreachNotFound, id)
	}
	if !b.State.CanTransitionTo(BreachAcknowledged) {
		m.mu.Unlock()
		return Breach{}, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, b.State, BreachAcknowledged)
	}
	from := b.State
	b.State = BreachAcknowledged
	b.AcknowledgedBy = by
	b.AcknowledgedAt = &at
	b.UpdatedAt = at
	entry := m.appendLocked(b, from, BreachAcknowledged, at, by, "acknowledged")
	tr := Transition{Breach: *b, From: from, To: BreachAcknowledged, At: at}
	out := *b
	hooks := m.hooks
	m.mu.Unlock()

	m.fire(hooks, []Transition{tr}, []HistoryEntry{entry})
	return out, nil
}

// Waive suppresses an open breach until expiry. Reason and a future expiry
// are mandatory.
func (m *Monitor) Waive(id uuid.UUID, by, reason string, expiry, at time.Time) (Breach, error) {
	if strings.TrimSpace(reason) == "" || !expiry.After(at) || strings.TrimSpace(by) == "" {
		return Breach{}, ErrInvalidWaiver
	}
	m.mu.Lock()
	b, ok := m.breaches[id]
	if !ok {
		m.mu.Unlock()
		return Breach{}, fmt.Errorf("%w: %s", ErrBreachNotFound, id)
	}
	if !b.State.CanTransitionTo(BreachWaived) {
		m.mu.Unlock()
		return Breach{}, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, b.State, BreachWaived)
	}
	from := b.State
	b.State = BreachWaived
	b.WaivedBy = by
	b.WaiverReason = reason
	b.WaiverExpiry = &expiry
	b.UpdatedAt = at
	entry := m.appendLocked(b, from, BreachWaived, at, by, reason)
	tr := Transition{Breach: *b, From: from, To: BreachWaived, At: at}
	out := *b
	hooks := m.hooks
	m.mu.Unlock()

	m.fire(hooks, []Transition{tr}, []HistoryEntry{entry})
	return out, nil
}

func (m *Monitor) appendLocked(b *Breach, from, to BreachState, at time.Time, actor, note string) HistoryEntry {
	e := HistoryEntry{
		BreachID: b.ID,
		Seq:      len(m.history[b.ID]) + 1,
		At:       at,
		From:     from,
		To:       to,
		Actual:   b.Actual,
		Actor:    actor,
		Note:     note,
	}
	m.history[b.ID] = append(m.history[b.ID], e)
	return e
}

func (m *Monitor) fire(hooks []Hook, trs []Transition, entries []HistoryEntry) {
	for _, h := range hooks {
		if h.OnHistory != nil {
			for _, e := range entries {
				h.OnHistory(e)
			}
		}
		if h.OnTransition != nil {
			for _, t := range trs {
				h.OnTransition(t)
			}
		}
	}
}

// Breach returns a breach by id.
func (m *Monitor) Breach(id uuid.UUID) (Breach, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breaches[id]
	if !ok {
		return Breach{}, fmt.Errorf("%w: %s", ErrBreachNotFound, id)
	}
	return *b, nil
}

// OpenBreach returns the open breach of a limit, if any.
func (m *Monitor) OpenBreach(limitID uuid.UUID) (Breach, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.open[limitID]
	if !ok {
		return Breach{}, false
	}
	return *m.breaches[id], true
}

// ActiveBreaches lists open breaches, oldest first.
func (m *Monitor) ActiveBreaches() []Breach {
	m.mu.Lock()
	out := make([]Breach, 0, len(m.open))
	for _, id := range m.open {
		out = append(out, *m.breaches[id])
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].OpenedAt.Before(out[j].OpenedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// History returns the append-only record of a breach.
func (m *Monitor) History(id uuid.UUID) []HistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]HistoryEntry(nil), m.history[id]...)
}

// Restore loads a persisted breach and its history without firing hooks.
func (m *Monitor) Restore(b Breach, history []HistoryEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := b
	m.breaches[b.ID] = &cp
	m.history[b.ID] = append([]HistoryEntry(nil), history...)
	if b.State.IsOpen() {
		m.open[b.LimitID] = b.ID
	}
}
