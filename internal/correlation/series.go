package correlation

import (
	"errors"
	"sort"
	"sync"
	"time"

	"RiskCore/internal/hierarchy"

	"github.com/tidwall/btree"
)

var ErrInvalidObservation = errors.New("correlation: invalid observation")

// Day truncates t to its UTC calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// dailySeries is a day-keyed float series. A later observation for the same
// day replaces the earlier one.
type dailySeries struct {
	tree *btree.Map[int64, float64]
}

func newDailySeries() *dailySeries {
	return &dailySeries{tree: btree.NewMap[int64, float64](32)}
}

func (s *dailySeries) set(day time.Time, v float64) {
	s.tree.Set(Day(day).Unix(), v)
}

// window returns observations with from < day <= to, keyed by unix day.
func (s *dailySeries) window(from, to time.Time) map[int64]float64 {
	out := make(map[int64]float64)
	lo, hi := Day(from).Unix(), Day(to).Unix()
	s.tree.Ascend(lo+1, func(k int64, v float64) bool {
		if k > hi {
			return false
		}
		out[k] = v
		return true
	})
	return out
}

// PnLStore keeps daily P&L per book for one tenant.
type PnLStore struct {
	mu    sync.RWMutex
	books map[hierarchy.NodeID]*dailySeries
}

func NewPnLStore() *PnLStore {
	return &PnLStore{books: make(map[hierarchy.NodeID]*dailySeries)}
}

func (s *PnLStore) Put(book hierarchy.NodeID, day time.Time, pnl float64) error {
	if book == "" || day.IsZero() {
		return ErrInvalidObservation
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ser := s.books[book]
	if ser == nil {
		ser = newDailySeries()
		s.books[book] = ser
	}
	ser.set(day, pnl)
	return nil
}

// NodeSeries sums the daily P&L of books inside (asOf - lookback, asOf].
// A day is present when at least one book reported it.
func (s *PnLStore) NodeSeries(books []hierarchy.NodeID, asOf time.Time, lookbackDays int) map[int64]float64 {
	from := asOf.AddDate(0, 0, -lookbackDays)
	out := make(map[int64]float64)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range books {
		ser := s.books[b]
		if ser == nil {
			continue
		}
		for day, v := range ser.window(from, asOf) {
			out[day] += v
		}
	}
	return out
}

// FactorReturnStore keeps daily returns per named factor. Factors are
// shared across tenants.
type FactorReturnStore struct {
	mu      sync.RWMutex
	factors map[string]*dailySeries
}

func NewFactorReturnStore() *FactorReturnStore {
	return &FactorReturnStore{factors: make(map[string]*dailySeries)}
}

func (s *FactorReturnStore) Put(factor string, day time.Time, ret float64) error {
	if factor == "" || day.IsZero() {
		return ErrInvalidObservation
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ser := s.factors[factor]
	if ser == nil {
		ser = newDailySeries()
		s.factors[factor] = ser
	}
	ser.set(day, ret)
	return nil
}

// Aligned returns the factors that have history among wanted, and their
// returns on the days inside the window where every one of them reported.
func (s *FactorReturnStore) Aligned(wanted []string, asOf time.Time, lookbackDays int) ([]string, [][]float64) {
	from := asOf.AddDate(0, 0, -lookbackDays)
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		names   []string
		windows []map[int64]float64
	)
	for _, f := range wanted {
		ser := s.factors[f]
		if ser == nil {
			continue
		}
		w := ser.window(from, asOf)
		if len(w) == 0 {
			continue
		}
		names = append(names, f)
		windows = append(windows, w)
	}
	if len(names) == 0 {
		return nil, nil
	}

	var days []int64
	for day := range windows[0] {
		all := true
		for _, w := range windows[1:] {
			if _, ok := w[day]; !ok {
				all = false
				break
			}
		}
		if all {
			days = append(days, day)
		}
	}
	sort.Slice(days, func(i, j int) bool { return days[i] < days[j] })

	series := make([][]float64, len(names))
	for i, w := range windows {
		series[i] = make([]float64, len(days))
		for k, day := range days {
			series[i][k] = w[day]
		}
	}
	return names, series
}

// alignPair returns the values of a and b on the days both reported, in day
// order.
func alignPair(a, b map[int64]float64) ([]float64, []float64) {
	days := make([]int64, 0, len(a))
	for d := range a {
		if _, ok := b[d]; ok {
			days = append(days, d)
		}
	}
	sort.Slice(days, func(i, j int) bool { return days[i] < days[j] })
	x := make([]float64, len(days))
	y := make([]float64, len(days))
	for i, d := range days {
		x[i], y[i] = a[d], b[d]
	}
	return x, y
}
