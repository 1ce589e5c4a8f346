package aggregation

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
)

var ErrMissingFXRate = errors.New("aggregation: missing fx rate")

// FXProvider converts local-currency amounts to the base currency.
type FXProvider interface {
	Base() string
	// Rate returns the multiplier from currency to base as of asOf.
	Rate(currency string, asOf time.Time) (decimal.Decimal, error)
}

// FXTable keeps a time series of rates per currency and answers with the
// latest rate not after the requested as-of.
type FXTable struct {
	mu    sync.RWMutex
	base  string
	rates map[string]*btree.Map[int64, decimal.Decimal]
}

func NewFXTable(base string) *FXTable {
	return &FXTable{
		base:  strings.ToUpper(base),
		rates: make(map[string]*btree.Map[int64, decimal.Decimal]),
	}
}

func (t *FXTable) Base() string { return t.base }

// Set records the rate of one unit of currency in base currency.
func (t *FXTable) Set(currency string, asOf time.Time, rate decimal.Decimal) {
	ccy := strings.ToUpper(currency)
	t.mu.Lock()
	defer t.mu.Unlock()
	series := t.rates[ccy]
	if series == nil {
		series = btree.NewMap[int64, decimal.Decimal](16)
		t.rates[ccy] = series
	}
	series.Set(asOf.UnixNano(), rate)
}

func (t *FXTable) Rate(currency string, asOf time.Time) (decimal.Decimal, error) {
	ccy := strings.ToUpper(currency)
	if ccy == t.base {
		return decimal.NewFromInt(1), nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	series := t.rates[ccy]
	if series == nil {
		return decimal.Zero, fmt.Errorf("%w: %s/%s", ErrMissingFXRate, ccy, t.base)
	}
	var (
		rate  decimal.Decimal
		found bool
	)
	series.Descend(asOf.UnixNano(), func(_ int64, v decimal.Decimal) bool {
		rate, found = v, true
		return false
	})
	if !found {
		return decimal.Zero, fmt.Errorf("%w: %s/%s before %s", ErrMissingFXRate, ccy, t.base, asOf.Format(time.RFC3339))
	}
	return rate, nil
}
