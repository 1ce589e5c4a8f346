package aggregation

import (
	"sort"
	"time"

	"RiskCore/internal/hierarchy"
	riskmath "RiskCore/internal/math"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Basis selects the amount used for offset computation.
type Basis int32

const (
	BasisQuantity Basis = iota
	BasisMarketValue
)

func (b Basis) String() string {
	switch b {
	case BasisQuantity:
		return "quantity"
	case BasisMarketValue:
		return "market_value"
	default:
		return "unknown"
	}
}

func ParseBasis(s string) Basis {
	if s == "market_value" || s == "mv" {
		return BasisMarketValue
	}
	return BasisQuantity
}

// Trigger names the condition that produced a finding.
type Trigger int32

const (
	TriggerOffset Trigger = iota
	TriggerConcentration
	TriggerNAVConcentration
)

func (t Trigger) String() string {
	switch t {
	case TriggerOffset:
		return "offset"
	case TriggerConcentration:
		return "concentration"
	case TriggerNAVConcentration:
		return "nav_concentration"
	default:
		return "unknown"
	}
}

type NettingConfig struct {
	// OffsetThreshold is compared strictly: offset > threshold triggers.
	OffsetThreshold float64
	Basis           Basis
	// ConcentrationAbs triggers when gross market value exceeds it. Zero disables.
	ConcentrationAbs decimal.Decimal
	// ConcentrationNAVPct triggers when gross market value exceeds this
	// fraction of the node's NAV. Zero disables.
	ConcentrationNAVPct float64
}

func DefaultNettingConfig() NettingConfig {
	return NettingConfig{OffsetThreshold: 0.3, Basis: BasisQuantity}
}

// NAVProvider supplies a node's net asset value in base currency.
type NAVProvider interface {
	NAV(node hierarchy.NodeID, asOf time.Time) (decimal.Decimal, bool)
}

// OverlapFinding reports a security held by two or more books under a node
// whose holdings offset or concentrate beyond configured bounds.
type OverlapFinding struct {
	Node     hierarchy.NodeID
	Level    hierarchy.Level
	Security uuid.UUID
	AsOf     time.Time

	Books []BookContribution // books with non-zero quantity, sorted

	NetQuantity      decimal.Decimal
	GrossQuantity    decimal.Decimal
	NetMarketValue   decimal.Decimal
	GrossMarketValue decimal.Decimal

	Basis       Basis
	OffsetRatio float64
	Triggers    []Trigger
}

// Key identifies a finding across runs for new-finding detection.
func (f OverlapFinding) Key() string {
	return string(f.Node) + "|" + f.Security.String()
}

func (f OverlapFinding) HasTrigger(t Trigger) bool {
	for _, x := range f.Triggers {
		if x == t {
			return true
		}
	}
	return false
}

// Detector finds cross-book overlaps on top of aggregated exposure.
type Detector struct {
	agg *Aggregator
	cfg NettingConfig
	nav NAVProvider
}

// NewDetector builds a detector. nav may be nil, which disables the NAV
// concentration trigger.
func NewDetector(agg *Aggregator, cfg NettingConfig, nav NAVProvider) *Detector {
	return &Detector{agg: agg, cfg: cfg, nav: nav}
}

func (d *Detector) Config() NettingConfig { return d.cfg }

// Detect rolls up node at asOf and returns its findings ordered by security.
func (d *Detector) Detect(node hierarchy.NodeID, asOf time.Time) ([]OverlapFinding, error) {
	exp, err := d.agg.Rollup(node, asOf)
	if err != nil {
		return nil, err
	}
	return d.FromExposure(exp), nil
}

// DetectTree runs Detect for root and every non-book node beneath it.
func (d *Detector) DetectTree(root hierarchy.NodeID, asOf time.Time) ([]OverlapFinding, error) {
	tree := d.agg.Tree()
	if _, err := tree.Node(root); err != nil {
		return nil, err
	}
	var out []OverlapFinding
	queue := []hierarchy.NodeID{root}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		n, err := tree.Node(id)
		if err != nil {
			return nil, err
		}
		if n.Level == hierarchy.LevelBook {
			continue
		}
		fs, err := d.Detect(id, asOf)
		if err != nil {
			return nil, err
		}
		out = append(out, fs...)
		queue = append(queue, tree.Children(id)...)
	}
	return out, nil
}

// FromExposure evaluates findings on an already computed rollup.
func (d *Detector) FromExposure(exp *AggregateExposure) []OverlapFinding {
	var nav decimal.Decimal
	haveNAV := false
	if d.nav != nil && d.cfg.ConcentrationNAVPct > 0 {
		nav, haveNAV = d.nav.NAV(exp.Node, exp.AsOf)
		haveNAV = haveNAV && nav.Sign() > 0
	}

	var out []OverlapFinding
	for _, se := range exp.Securities {
		books := make([]BookContribution, 0, len(se.Contributions))
		for _, c := range se.Contributions {
			if !c.Quantity.IsZero() {
				books = append(books, c)
			}
		}
		if len(books) < 2 {
			continue
		}

		amounts := make([]decimal.Decimal, len(books))
		for i, c := range books {
			if d.cfg.Basis == BasisMarketValue {
				amounts[i] = c.MarketValue
			} else {
				amounts[i] = c.Quantity
			}
		}
		net, gross := riskmath.NetGross(amounts)
		offset := riskmath.OffsetRatio(net, gross)

		var triggers []Trigger
		if offset > d.cfg.OffsetThreshold {
			triggers = append(triggers, TriggerOffset)
		}
		if d.cfg.ConcentrationAbs.Sign() > 0 && se.GrossMarketValue.GreaterThan(d.cfg.ConcentrationAbs) {
			triggers = append(triggers, TriggerConcentration)
		}
		if haveNAV {
			limit := nav.Mul(decimal.NewFromFloat(d.cfg.ConcentrationNAVPct))
			if se.GrossMarketValue.GreaterThan(limit) {
				triggers = append(triggers, TriggerNAVConcentration)
			}
		}
		if len(triggers) == 0 {
			continue
		}

		f := OverlapFinding{
			Node:        exp.Node,
			Level:       exp.Level,
			Security:    se.Security,
			AsOf:        exp.AsOf,
			Books:       books,
			Basis:       d.cfg.Basis,
			OffsetRatio: offset,
			Triggers:    triggers,
		}
		for _, c := range books {
			f.NetQuantity = f.NetQuantity.Add(c.Quantity)
			f.GrossQuantity = f.GrossQuantity.Add(c.Quantity.Abs())
			f.NetMarketValue = f.NetMarketValue.Add(c.MarketValue)
			f.GrossMarketValue = f.GrossMarketValue.Add(c.MarketValue.Abs())
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Security.String() < out[j].Security.String()
	})
	return out
}
