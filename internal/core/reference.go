package core

import (
	"sync"
	"time"

	"RiskCore/internal/hierarchy"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
)

// NAVTable keeps a NAV time series per node for concentration checks.
type NAVTable struct {
	mu     sync.RWMutex
	series map[hierarchy.NodeID]*btree.Map[int64, decimal.Decimal]
}

func NewNAVTable() *NAVTable {
	return &NAVTable{series: make(map[hierarchy.NodeID]*btree.Map[int64, decimal.Decimal])}
}

func (t *NAVTable) Set(node hierarchy.NodeID, asOf time.Time, nav decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.series[node]
	if s == nil {
		s = btree.NewMap[int64, decimal.Decimal](16)
		t.series[node] = s
	}
	s.Set(asOf.UnixNano(), nav)
}

// NAV returns the latest NAV of node not after asOf.
func (t *NAVTable) NAV(node hierarchy.NodeID, asOf time.Time) (decimal.Decimal, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := t.series[node]
	if s == nil {
		return decimal.Zero, false
	}
	var (
		nav   decimal.Decimal
		found bool
	)
	s.Descend(asOf.UnixNano(), func(_ int64, v decimal.Decimal) bool {
		nav, found = v, true
		return false
	})
	return nav, found
}
