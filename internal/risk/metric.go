package risk

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"RiskCore/internal/hierarchy"

	"github.com/tidwall/btree"
)

var (
	ErrUnknownMetric = errors.New("risk: unknown metric kind")
	ErrInvalidMetric = errors.New("risk: invalid book metric")
)

// MetricKind is a risk measure reported per book by the risk collaborator.
type MetricKind int32

const (
	MetricUnknown MetricKind = iota
	MetricVaR
	MetricCVaR
	MetricVolatility
	MetricGrossExposure
	MetricNetDelta
	MetricDV01
	MetricCS01
	MetricGamma
	MetricVega
)

// AllMetricKinds lists every known kind in declaration order.
var AllMetricKinds = []MetricKind{
	MetricVaR, MetricCVaR, MetricVolatility,
	MetricGrossExposure, MetricNetDelta, MetricDV01, MetricCS01, MetricGamma, MetricVega,
}

func (k MetricKind) String() string {
	switch k {
	case MetricVaR:
		return "var"
	case MetricCVaR:
		return "cvar"
	case MetricVolatility:
		return "volatility"
	case MetricGrossExposure:
		return "gross_exposure"
	case MetricNetDelta:
		return "net_delta"
	case MetricDV01:
		return "dv01"
	case MetricCS01:
		return "cs01"
	case MetricGamma:
		return "gamma"
	case MetricVega:
		return "vega"
	default:
		return "unknown"
	}
}

func ParseMetricKind(s string) (MetricKind, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	for _, k := range AllMetricKinds {
		if k.String() == v {
			return k, nil
		}
	}
	return MetricUnknown, fmt.Errorf("%w: %q", ErrUnknownMetric, s)
}

// Rule is how a metric combines across books.
type Rule int32

const (
	RuleLinear Rule = iota
	RuleCovariance
)

func (r Rule) String() string {
	if r == RuleCovariance {
		return "covariance"
	}
	return "linear"
}

// Rule returns the aggregation rule of the metric.
func (k MetricKind) Rule() Rule {
	switch k {
	case MetricVaR, MetricCVaR, MetricVolatility:
		return RuleCovariance
	case MetricGrossExposure, MetricNetDelta, MetricDV01, MetricCS01, MetricGamma, MetricVega:
		return RuleLinear
	default:
		return RuleLinear
	}
}

// BookMetric is one reported value of a metric for a book.
type BookMetric struct {
	Book       hierarchy.NodeID
	Kind       MetricKind
	Value      float64
	AsOf       time.Time
	ReceivedAt time.Time
}

// MetricStore keeps reported book metrics, ordered by as-of per (book, kind).
type MetricStore struct {
	mu     sync.RWMutex
	series map[metricKey]*btree.Map[int64, BookMetric]
	now    func() time.Time
}

type metricKey struct {
	book hierarchy.NodeID
	kind MetricKind
}

func NewMetricStore() *MetricStore {
	return &MetricStore{
		series: make(map[metricKey]*btree.Map[int64, BookMetric]),
		now:    time.Now,
	}
}

// Put records a metric. A later report with the same as-of replaces the
// earlier one.
func (s *MetricStore) Put(m BookMetric) error {
	if m.Book == "" || m.AsOf.IsZero() {
		return fmt.Errorf("%w: book and as-of are required", ErrInvalidMetric)
	}
	if m.Kind == MetricUnknown {
		return fmt.Errorf("%w: %s", ErrUnknownMetric, m.Kind)
	}
	if m.ReceivedAt.IsZero() {
		m.ReceivedAt = s.now()
	}
	k := metricKey{book: m.Book, kind: m.Kind}
	s.mu.Lock()
	defer s.mu.Unlock()
	tr := s.series[k]
	if tr == nil {
		tr = btree.NewMap[int64, BookMetric](16)
		s.series[k] = tr
	}
	tr.Set(m.AsOf.UnixNano(), m)
	return nil
}

// At returns the latest metric for (book, kind) with as-of not after asOf.
func (s *MetricStore) At(book hierarchy.NodeID, kind MetricKind, asOf time.Time) (BookMetric, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tr := s.series[metricKey{book: book, kind: kind}]
	if tr == nil {
		return BookMetric{}, false
	}
	var (
		out   BookMetric
		found bool
	)
	tr.Descend(asOf.UnixNano(), func(_ int64, v BookMetric) bool {
		out, found = v, true
		return false
	})
	return out, found
}
