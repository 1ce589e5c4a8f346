package risk

import (
	"fmt"
	"time"

	"RiskCore/internal/hierarchy"
	riskmath "RiskCore/internal/math"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
)

// Correlations is a book-level correlation view captured for one run.
type Correlations interface {
	// Pair returns the correlation of two books; ok is false when the pair
	// has no usable value.
	Pair(a, b hierarchy.NodeID) (rho float64, ok bool)
	Source() string
	AsOf() time.Time
}

// CorrelationProvider returns the correlation view to use for books at
// asOf, or nil when none has been computed yet.
type CorrelationProvider interface {
	BookCorrelations(books []hierarchy.NodeID, asOf time.Time) Correlations
}

// BookStatus is the freshness of a book's input to a rollup.
type BookStatus int32

const (
	BookFresh BookStatus = iota
	BookStale
	BookMissing
)

func (s BookStatus) String() string {
	switch s {
	case BookFresh:
		return "fresh"
	case BookStale:
		return "stale"
	case BookMissing:
		return "missing"
	default:
		return "unknown"
	}
}

type Contribution struct {
	Book         hierarchy.NodeID
	Standalone   float64
	Contribution float64 // Euler share for covariance metrics, the value itself for linear ones
	Status       BookStatus
	MetricAsOf   time.Time
}

// RolledUpMetric is a node-level metric with its decomposition.
type RolledUpMetric struct {
	Node hierarchy.NodeID
	Kind MetricKind
	Rule Rule
	AsOf time.Time

	Value                  float64
	NaiveSum               float64
	DiversificationBenefit float64
	StressedValue          float64

	Contributions []Contribution

	PartiallyStale bool
	StaleBooks     []hierarchy.NodeID
	MissingBooks   []hierarchy.NodeID

	CorrelationSource string
	CorrelationAsOf   time.Time
	// DefaultedPairs counts book pairs rolled at ρ = 1 for lack of data.
	DefaultedPairs int
}

type RollupConfig struct {
	MaxAge            time.Duration
	StressCorrelation float64
}

func DefaultRollupConfig() RollupConfig {
	return RollupConfig{MaxAge: 24 * time.Hour, StressCorrelation: 0.9}
}

// Roller rolls book metrics up the hierarchy.
type Roller struct {
	tree    *hierarchy.Tree
	metrics *MetricStore
	corr    CorrelationProvider
	cfg     RollupConfig
	log     zerolog.Logger
}

func NewRoller(tree *hierarchy.Tree, metrics *MetricStore, corr CorrelationProvider, cfg RollupConfig, log zerolog.Logger) *Roller {
	return &Roller{
		tree:    tree,
		metrics: metrics,
		corr:    corr,
		cfg:     cfg,
		log:     log.With().Str("component", "risk_roller").Logger(),
	}
}

// RollupAll returns one rolled metric per kind reported by any book under
// node. Kinds nobody reported are omitted.
func (r *Roller) RollupAll(node hierarchy.NodeID, asOf time.Time) ([]RolledUpMetric, error) {
	books, err := r.tree.DescendantBooks(node)
	if err != nil {
		return nil, err
	}
	var corr Correlations
	if r.corr != nil {
		corr = r.corr.BookCorrelations(books, asOf)
	}
	var out []RolledUpMetric
	for _, kind := range AllMetricKinds {
		m := r.rollup(node, books, kind, asOf, corr)
		if len(m.MissingBooks) == len(books) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Rollup rolls a single metric kind for node at asOf.
func (r *Roller) Rollup(node hierarchy.NodeID, kind MetricKind, asOf time.Time) (RolledUpMetric, error) {
	if kind == MetricUnknown {
		return RolledUpMetric{}, fmt.Errorf("%w: %s", ErrUnknownMetric, kind)
	}
	books, err := r.tree.DescendantBooks(node)
	if err != nil {
		return RolledUpMetric{}, err
	}
	var corr Correlations
	if kind.Rule() == RuleCovariance && r.corr != nil {
		corr = r.corr.BookCorrelations(books, asOf)
	}
	return r.rollup(node, books, kind, asOf, corr), nil
}

func (r *Roller) rollup(node hierarchy.NodeID, books []hierarchy.NodeID, kind MetricKind, asOf time.Time, corr Correlations) RolledUpMetric {
	out := RolledUpMetric{
		Node:          node,
		Kind:          kind,
		Rule:          kind.Rule(),
		AsOf:          asOf,
		Contributions: make([]Contribution, len(books)),
	}

	values := make([]float64, len(books))
	for i, b := range books {
		c := Contribution{Book: b}
		m, ok := r.metrics.At(b, kind, asOf)
		switch {
		case !ok:
			c.Status = BookMissing
			out.MissingBooks = append(out.MissingBooks, b)
		case r.cfg.MaxAge > 0 && asOf.Sub(m.AsOf) > r.cfg.MaxAge:
			c.Status = BookStale
			c.Standalone = m.Value
			c.MetricAsOf = m.AsOf
			out.StaleBooks = append(out.StaleBooks, b)
		default:
			c.Standalone = m.Value
			c.MetricAsOf = m.AsOf
		}
		values[i] = c.Standalone
		out.NaiveSum += c.Standalone
		out.Contributions[i] = c
	}
	out.PartiallyStale = len(out.StaleBooks) > 0 || len(out.MissingBooks) > 0

	if out.Rule == RuleLinear || len(books) == 0 {
		out.Value = out.NaiveSum
		out.StressedValue = out.NaiveSum
		for i := range out.Contributions {
			out.Contributions[i].Contribution = values[i]
		}
		return out
	}

	if corr != nil {
		out.CorrelationSource = corr.Source()
		out.CorrelationAsOf = corr.AsOf()
	}
	rho, defaulted := correlationMatrix(books, corr)
	out.DefaultedPairs = defaulted

	ones := make([]float64, len(books))
	for i := range ones {
		ones[i] = 1
	}
	sigma := covarianceFrom(rho, values)
	total, err := riskmath.CovarianceRollup(ones, sigma)
	if err != nil {
		// dimensions are built from the same book list
		r.log.Error().Err(err).Str("node", string(node)).Str("metric", kind.String()).Msg("covariance rollup failed")
		total = out.NaiveSum
	}
	out.Value = total
	out.DiversificationBenefit = out.NaiveSum - total
	for i, c := range riskmath.EulerContributions(ones, sigma, total) {
		out.Contributions[i].Contribution = c
	}

	stressed, err := riskmath.CovarianceRollup(ones, covarianceFrom(riskmath.StressCorrelation(rho, r.cfg.StressCorrelation), values))
	if err != nil {
		stressed = out.NaiveSum
	}
	out.StressedValue = stressed
	return out
}

// correlationMatrix builds ρ over books. Pairs without a usable value get
// ρ = 1.
func correlationMatrix(books []hierarchy.NodeID, corr Correlations) (*mat.SymDense, int) {
	n := len(books)
	rho := mat.NewSymDense(n, nil)
	defaulted := 0
	for i := 0; i < n; i++ {
		rho.SetSym(i, i, 1)
		for j := i + 1; j < n; j++ {
			v, ok := 1.0, false
			if corr != nil {
				v, ok = corr.Pair(books[i], books[j])
			}
			if !ok {
				v = 1
				defaulted++
			}
			rho.SetSym(i, j, v)
		}
	}
	return rho, defaulted
}

func covarianceFrom(rho mat.Symmetric, sd []float64) *mat.SymDense {
	n := len(sd)
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			out.SetSym(i, j, rho.At(i, j)*sd[i]*sd[j])
		}
	}
	return out
}
