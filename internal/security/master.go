package security

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Hooks are invoked after a mutation has been applied and the master's lock
// released. Any hook may be nil.
type Hooks struct {
	OnCreated    func(Security)
	OnRegistered func(Alias, uuid.UUID)
	OnMerged     func(source, target uuid.UUID, moved []Alias)
	OnEnriched   func(Security)
}

// Master is the security master: canonical securities plus the alias index.
// It is shared by every tenant and safe for concurrent use.
type Master struct {
	mu         sync.RWMutex
	securities map[uuid.UUID]*Security
	aliases    map[Alias]uuid.UUID
	bySecurity map[uuid.UUID]map[Alias]struct{}

	hooks Hooks
	now   func() time.Time
	log   zerolog.Logger
}

func NewMaster(log zerolog.Logger) *Master {
	return &Master{
		securities: make(map[uuid.UUID]*Security),
		aliases:    make(map[Alias]uuid.UUID),
		bySecurity: make(map[uuid.UUID]map[Alias]struct{}),
		now:        time.Now,
		log:        log.With().Str("component", "security_master").Logger(),
	}
}

// SetHooks installs post-write hooks. Call before serving traffic.
func (m *Master) SetHooks(h Hooks) {
	m.mu.Lock()
	m.hooks = h
	m.mu.Unlock()
}

// CreateSecurity adds a new canonical security.
func (m *Master) CreateSecurity(ns NewSecurity) (Security, error) {
	if len(strings.TrimSpace(ns.Currency)) != 3 {
		return Security{}, fmt.Errorf("%w: currency %q", ErrInvalidRecord, ns.Currency)
	}

	sec := &Security{
		ID:         uuid.New(),
		AssetClass: ns.AssetClass,
		Currency:   strings.ToUpper(strings.TrimSpace(ns.Currency)),
		Name:       ns.Name,
		Sector:     ns.Sector,
		Country:    ns.Country,
		Issuer:     ns.Issuer,
		FIGI:       strings.ToUpper(strings.TrimSpace(ns.FIGI)),
		CreatedAt:  m.now(),
	}

	m.mu.Lock()
	m.securities[sec.ID] = sec
	m.bySecurity[sec.ID] = make(map[Alias]struct{})
	hook := m.hooks.OnCreated
	out := *sec
	m.mu.Unlock()

	m.log.Info().Str("security_id", out.ID.String()).Str("asset_class", out.AssetClass.String()).Msg("security created")
	if hook != nil {
		hook(out)
	}
	return out, nil
}

// Resolve looks up an alias. A venue-qualified lookup falls back to the
// venue-less alias of the same scheme and value. Tombstones are followed to
// the live security.
func (m *Master) Resolve(scheme Scheme, value, venue string) (uuid.UUID, error) {
	key := Alias{Scheme: scheme, Value: value, Venue: venue}.Normalize()

	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.aliases[key]
	if !ok && key.Venue != "" {
		id, ok = m.aliases[Alias{Scheme: key.Scheme, Value: key.Value}]
	}
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return m.canonicalLocked(id), nil
}

// ResolveBest tries identifiers in priority order and returns the first hit.
func (m *Master) ResolveBest(ids []Identifier) (uuid.UUID, Identifier, error) {
	if len(ids) == 0 {
		return uuid.Nil, Identifier{}, ErrNoIdentifiers
	}
	ordered := make([]Identifier, len(ids))
	copy(ordered, ids)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority() < ordered[j].Priority()
	})

	for _, id := range ordered {
		if id.Validate() != nil {
			continue
		}
		secID, err := m.Resolve(id.Scheme, id.Value, id.Venue)
		if err == nil {
			return secID, id, nil
		}
	}
	return uuid.Nil, Identifier{}, fmt.Errorf("%w: none of %d identifiers resolved", ErrNotFound, len(ids))
}

// Register points an alias at a security. Registering the same mapping twice
// is a no-op; mapping an alias already owned by a different live security
// returns a *ConflictError.
func (m *Master) Register(alias Alias, securityID uuid.UUID) error {
	if err := alias.Validate(); err != nil {
		return err
	}
	key := alias.Normalize()

	m.mu.Lock()
	if _, ok := m.securities[securityID]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknown, securityID)
	}
	target := m.canonicalLocked(securityID)

	if existing, ok := m.aliases[key]; ok {
		existing = m.canonicalLocked(existing)
		m.mu.Unlock()
		if existing == target {
			return nil
		}
		return &ConflictError{Alias: key, Existing: existing, Proposed: target}
	}

	m.aliases[key] = target
	m.bySecurity[target][key] = struct{}{}
	hook := m.hooks.OnRegistered
	m.mu.Unlock()

	if hook != nil {
		hook(key, target)
	}
	return nil
}

// Merge folds source into target: every alias of source is re-pointed to
// target and source becomes a tombstone. Tombstones that pointed at source
// are re-pointed at target so lookups never walk a chain.
func (m *Master) Merge(source, target uuid.UUID) error {
	if source == target {
		return fmt.Errorf("%w: source equals target", ErrInvalidMerge)
	}

	m.mu.Lock()
	src, ok := m.securities[source]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: source %s", ErrUnknown, source)
	}
	tgt, ok := m.securities[target]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: target %s", ErrUnknown, target)
	}
	if src.IsTombstone() {
		m.mu.Unlock()
		return fmt.Errorf("%w: source %s already merged into %s", ErrInvalidMerge, source, *src.MergedInto)
	}
	if tgt.IsTombstone() {
		m.mu.Unlock()
		return fmt.Errorf("%w: target %s is a tombstone", ErrInvalidMerge, target)
	}

	moved := make([]Alias, 0, len(m.bySecurity[source]))
	for key := range m.bySecurity[source] {
		m.aliases[key] = target
		m.bySecurity[target][key] = struct{}{}
		moved = append(moved, key)
	}
	m.bySecurity[source] = make(map[Alias]struct{})

	tid := target
	src.MergedInto = &tid
	for _, s := range m.securities {
		if s.MergedInto != nil && *s.MergedInto == source {
			s.MergedInto = &tid
		}
	}
	hook := m.hooks.OnMerged
	m.mu.Unlock()

	sort.Slice(moved, func(i, j int) bool { return moved[i].String() < moved[j].String() })
	m.log.Warn().
		Str("source", source.String()).
		Str("target", target.String()).
		Int("aliases_moved", len(moved)).
		Msg("securities merged")
	if hook != nil {
		hook(source, target, moved)
	}
	return nil
}

// Canonical returns the live id for id, following a tombstone if present.
// Unknown ids are returned unchanged.
func (m *Master) Canonical(id uuid.UUID) uuid.UUID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.canonicalLocked(id)
}

func (m *Master) canonicalLocked(id uuid.UUID) uuid.UUID {
	for i := 0; i < 8; i++ {
		s, ok := m.securities[id]
		if !ok || s.MergedInto == nil {
			return id
		}
		id = *s.MergedInto
	}
	return id
}

// Security returns the live record reachable from id.
func (m *Master) Security(id uuid.UUID) (Security, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.securities[m.canonicalLocked(id)]
	if !ok {
		return Security{}, fmt.Errorf("%w: %s", ErrUnknown, id)
	}
	return *s, nil
}

// Record returns the stored record for id without following tombstones.
func (m *Master) Record(id uuid.UUID) (Security, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.securities[id]
	if !ok {
		return Security{}, false
	}
	return *s, true
}

// Aliases lists the aliases of the live security reachable from id.
func (m *Master) Aliases(id uuid.UUID) []Alias {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.bySecurity[m.canonicalLocked(id)]
	out := make([]Alias, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Enrich updates the mutable descriptive fields of a security.
func (m *Master) Enrich(id uuid.UUID, e Enrichment) (Security, error) {
	m.mu.Lock()
	s, ok := m.securities[m.canonicalLocked(id)]
	if !ok {
		m.mu.Unlock()
		return Security{}, fmt.Errorf("%w: %s", ErrUnknown, id)
	}
	if e.Name != nil {
		s.Name = *e.Name
	}
	if e.Sector != nil {
		s.Sector = *e.Sector
	}
	if e.Country != nil {
		s.Country = *e.Country
	}
	if e.Issuer != nil {
		s.Issuer = *e.Issuer
	}
	if e.FIGI != nil {
		s.FIGI = strings.ToUpper(strings.TrimSpace(*e.FIGI))
	}
	s.EnrichedAt = m.now()
	out := *s
	hook := m.hooks.OnEnriched
	m.mu.Unlock()

	if hook != nil {
		hook(out)
	}
	return out, nil
}

// FindByFIGI returns the live security whose FIGI matches.
func (m *Master) FindByFIGI(figi string) (uuid.UUID, bool) {
	figi = strings.ToUpper(strings.TrimSpace(figi))
	if figi == "" {
		return uuid.Nil, false
	}
	if id, err := m.Resolve(SchemeFIGI, figi, ""); err == nil {
		return id, true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, s := range m.securities {
		if !s.IsTombstone() && s.FIGI == figi {
			return id, true
		}
	}
	return uuid.Nil, false
}

// All returns every stored record, tombstones included, ordered by id.
func (m *Master) All() []Security {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Security, 0, len(m.securities))
	for _, s := range m.securities {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

// Restore loads persisted state without firing hooks. Used on startup.
func (m *Master) Restore(secs []Security, aliases map[Alias]uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range secs {
		s := secs[i]
		m.securities[s.ID] = &s
		if _, ok := m.bySecurity[s.ID]; !ok {
			m.bySecurity[s.ID] = make(map[Alias]struct{})
		}
	}
	for a, id := range aliases {
		key := a.Normalize()
		live := m.canonicalLocked(id)
		if _, ok := m.bySecurity[live]; !ok {
			continue
		}
		m.aliases[key] = live
		m.bySecurity[live][key] = struct{}{}
	}
}
