package aggregation

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"RiskCore/internal/hierarchy"
	riskmath "RiskCore/internal/math"
	"RiskCore/internal/security"
	"RiskCore/internal/state"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Descriptive attributes are carried per position but are not amounts and
// are never summed.
var descriptorAttrs = map[string]bool{
	state.AttrBeta:       true,
	state.AttrTenorYears: true,
}

// FactorKind is the dimension of a factor tag.
type FactorKind int32

const (
	FactorSector FactorKind = iota
	FactorCountry
	FactorAssetClass
)

func (k FactorKind) String() string {
	switch k {
	case FactorSector:
		return "sector"
	case FactorCountry:
		return "country"
	case FactorAssetClass:
		return "asset_class"
	default:
		return "unknown"
	}
}

// FactorTag is one (kind, value) grouping key, e.g. sector=Technology.
type FactorTag struct {
	Kind  FactorKind
	Value string
}

func (t FactorTag) String() string { return t.Kind.String() + "=" + t.Value }

// BookContribution is one book's share of a security exposure.
type BookContribution struct {
	Book        hierarchy.NodeID
	Quantity    decimal.Decimal
	MarketValue decimal.Decimal // base currency
}

// SecurityExposure is the rolled-up exposure to one canonical security.
type SecurityExposure struct {
	Security   uuid.UUID
	AssetClass security.AssetClass
	Sector     string
	Country    string

	NetQuantity      decimal.Decimal
	GrossQuantity    decimal.Decimal
	NetMarketValue   decimal.Decimal
	GrossMarketValue decimal.Decimal
	LongMarketValue  decimal.Decimal
	ShortMarketValue decimal.Decimal

	Attributes    map[string]decimal.Decimal
	Contributions []BookContribution // one per book, sorted by book
}

// FactorExposure aggregates market value per factor tag.
type FactorExposure struct {
	Tag              FactorTag
	NetMarketValue   decimal.Decimal
	GrossMarketValue decimal.Decimal
	LongMarketValue  decimal.Decimal
	ShortMarketValue decimal.Decimal
}

// AggregateExposure is the derived rollup of a node at an as-of. It is
// shared through the cache and must be treated as read-only.
type AggregateExposure struct {
	Node         hierarchy.NodeID
	Level        hierarchy.Level
	AsOf         time.Time
	BaseCurrency string

	Securities []SecurityExposure
	Factors    []FactorExposure

	NetMarketValue   decimal.Decimal
	GrossMarketValue decimal.Decimal
	LongMarketValue  decimal.Decimal
	ShortMarketValue decimal.Decimal
	Attributes       map[string]decimal.Decimal

	Books         []hierarchy.NodeID
	PositionCount int
}

// Security returns the exposure for a security, if held.
func (a *AggregateExposure) Security(id uuid.UUID) (SecurityExposure, bool) {
	i := sort.Search(len(a.Securities), func(i int) bool {
		return a.Securities[i].Security.String() >= id.String()
	})
	if i < len(a.Securities) && a.Securities[i].Security == id {
		return a.Securities[i], true
	}
	return SecurityExposure{}, false
}

// PositionSource is the consistent-read side of the position store.
type PositionSource interface {
	SnapshotAt(books []hierarchy.NodeID, asOf time.Time) []state.Position
}

// SecurityLookup is the read side of the security master.
type SecurityLookup interface {
	Canonical(id uuid.UUID) uuid.UUID
	Security(id uuid.UUID) (security.Security, error)
}

// Aggregator rolls positions up the hierarchy. Rollup is a pure reduction
// (addition only) over one consistent snapshot, cached per (node, as-of).
type Aggregator struct {
	tree       *hierarchy.Tree
	positions  PositionSource
	securities SecurityLookup
	fx         FXProvider

	mu    sync.Mutex
	cache map[cacheKey]*cacheEntry
	// gen advances on every invalidation. A rollup computed across an
	// invalidation is returned but not cached.
	gen uint64
}

type cacheKey struct {
	node        hierarchy.NodeID
	asOf        int64
	treeVersion uint64
}

type cacheEntry struct {
	books    map[hierarchy.NodeID]struct{}
	exposure *AggregateExposure
}

func NewAggregator(tree *hierarchy.Tree, positions PositionSource, securities SecurityLookup, fx FXProvider) *Aggregator {
	return &Aggregator{
		tree:       tree,
		positions:  positions,
		securities: securities,
		fx:         fx,
		cache:      make(map[cacheKey]*cacheEntry),
	}
}

func (a *Aggregator) Tree() *hierarchy.Tree { return a.tree }

// Rollup returns the aggregate exposure of node as of asOf. A node without
// books yields a zero-valued exposure.
func (a *Aggregator) Rollup(node hierarchy.NodeID, asOf time.Time) (*AggregateExposure, error) {
	n, err := a.tree.Node(node)
	if err != nil {
		return nil, err
	}
	key := cacheKey{node: node, asOf: asOf.UnixNano(), treeVersion: a.tree.Version()}

	a.mu.Lock()
	if e, ok := a.cache[key]; ok {
		a.mu.Unlock()
		return e.exposure, nil
	}
	gen := a.gen
	a.mu.Unlock()

	books, err := a.tree.DescendantBooks(node)
	if err != nil {
		return nil, err
	}
	exp, err := a.reduce(n, books, a.positions.SnapshotAt(books, asOf), asOf)
	if err != nil {
		return nil, err
	}

	entry := &cacheEntry{books: make(map[hierarchy.NodeID]struct{}, len(books)), exposure: exp}
	for _, b := range books {
		entry.books[b] = struct{}{}
	}
	a.mu.Lock()
	if a.gen == gen {
		a.cache[key] = entry
	}
	a.mu.Unlock()
	return exp, nil
}

// Invalidate drops every cached rollup that includes book.
func (a *Aggregator) Invalidate(book hierarchy.NodeID) {
	a.InvalidateBooks([]hierarchy.NodeID{book})
}

// InvalidateBooks drops every cached rollup that includes any of books.
func (a *Aggregator) InvalidateBooks(books []hierarchy.NodeID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gen++
	for k, e := range a.cache {
		for _, b := range books {
			if _, ok := e.books[b]; ok {
				delete(a.cache, k)
				break
			}
		}
	}
}

// InvalidateAll clears the cache, e.g. after FX or security master changes.
func (a *Aggregator) InvalidateAll() {
	a.mu.Lock()
	a.gen++
	a.cache = make(map[cacheKey]*cacheEntry)
	a.mu.Unlock()
}

// Prune drops cached rollups stamped before cutoff.
func (a *Aggregator) Prune(cutoff time.Time) int {
	c := cutoff.UnixNano()
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for k := range a.cache {
		if k.asOf < c {
			delete(a.cache, k)
			n++
		}
	}
	return n
}

type secAcc struct {
	exp   *SecurityExposure
	books map[hierarchy.NodeID]*BookContribution
}

func (a *Aggregator) reduce(n hierarchy.Node, books []hierarchy.NodeID, positions []state.Position, asOf time.Time) (*AggregateExposure, error) {
	out := &AggregateExposure{
		Node:         n.ID,
		Level:        n.Level,
		AsOf:         asOf,
		BaseCurrency: a.fx.Base(),
		Securities:   []SecurityExposure{},
		Factors:      []FactorExposure{},
		Attributes:   map[string]decimal.Decimal{},
		Books:        books,
	}

	bySec := make(map[uuid.UUID]*secAcc)
	byTag := make(map[FactorTag]*FactorExposure)

	for _, p := range positions {
		rate, err := a.fx.Rate(p.Currency, asOf)
		if err != nil {
			return nil, fmt.Errorf("rollup %s: %w", n.ID, err)
		}
		mv := riskmath.ConvertToBase(p.MarketValue, rate)
		secID := a.securities.Canonical(p.Security)

		acc := bySec[secID]
		if acc == nil {
			acc = &secAcc{
				exp:   &SecurityExposure{Security: secID, Attributes: map[string]decimal.Decimal{}},
				books: make(map[hierarchy.NodeID]*BookContribution),
			}
			if sec, err := a.securities.Security(secID); err == nil {
				acc.exp.AssetClass = sec.AssetClass
				acc.exp.Sector = sec.Sector
				acc.exp.Country = sec.Country
			}
			bySec[secID] = acc
		}

		e := acc.exp
		e.NetQuantity = e.NetQuantity.Add(p.Quantity)
		e.GrossQuantity = e.GrossQuantity.Add(p.Quantity.Abs())
		addMarketValue(&e.NetMarketValue, &e.GrossMarketValue, &e.LongMarketValue, &e.ShortMarketValue, mv)
		addMarketValue(&out.NetMarketValue, &out.GrossMarketValue, &out.LongMarketValue, &out.ShortMarketValue, mv)

		for name, v := range p.Attributes {
			if descriptorAttrs[name] {
				continue
			}
			e.Attributes[name] = e.Attributes[name].Add(v)
			out.Attributes[name] = out.Attributes[name].Add(v)
		}

		bc := acc.books[p.Book]
		if bc == nil {
			bc = &BookContribution{Book: p.Book}
			acc.books[p.Book] = bc
		}
		bc.Quantity = bc.Quantity.Add(p.Quantity)
		bc.MarketValue = bc.MarketValue.Add(mv)

		for _, tag := range []FactorTag{
			{Kind: FactorSector, Value: orUnknown(e.Sector)},
			{Kind: FactorCountry, Value: orUnknown(e.Country)},
			{Kind: FactorAssetClass, Value: e.AssetClass.String()},
		} {
			fe := byTag[tag]
			if fe == nil {
				fe = &FactorExposure{Tag: tag}
				byTag[tag] = fe
			}
			addMarketValue(&fe.NetMarketValue, &fe.GrossMarketValue, &fe.LongMarketValue, &fe.ShortMarketValue, mv)
		}
		out.PositionCount++
	}

	for _, acc := range bySec {
		for _, bc := range acc.books {
			acc.exp.Contributions = append(acc.exp.Contributions, *bc)
		}
		sort.Slice(acc.exp.Contributions, func(i, j int) bool {
			return acc.exp.Contributions[i].Book < acc.exp.Contributions[j].Book
		})
		out.Securities = append(out.Securities, *acc.exp)
	}
	sort.Slice(out.Securities, func(i, j int) bool {
		return out.Securities[i].Security.String() < out.Securities[j].Security.String()
	})

	for _, fe := range byTag {
		out.Factors = append(out.Factors, *fe)
	}
	sort.Slice(out.Factors, func(i, j int) bool {
		if out.Factors[i].Tag.Kind != out.Factors[j].Tag.Kind {
			return out.Factors[i].Tag.Kind < out.Factors[j].Tag.Kind
		}
		return out.Factors[i].Tag.Value < out.Factors[j].Tag.Value
	})
	return out, nil
}

func addMarketValue(net, gross, long, short *decimal.Decimal, mv decimal.Decimal) {
	*net = net.Add(mv)
	*gross = gross.Add(mv.Abs())
	if mv.Sign() > 0 {
		*long = long.Add(mv)
	} else {
		*short = short.Add(mv)
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
