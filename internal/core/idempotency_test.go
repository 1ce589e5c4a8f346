package core_test

import (
	"errors"
	"testing"

	"RiskCore/internal/core"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type fakeBatchStore struct {
	applied map[string]bool
	err     error
	calls   int
}

func (f *fakeBatchStore) IsDuplicate(kind, key string) (bool, error) {
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	return f.applied[kind+":"+key], nil
}

func TestIdempotencyLRU_EvictsOldest(t *testing.T) {
	lru := core.NewIdempotencyLRU(2)
	lru.Add("a")
	lru.Add("b")
	assert.True(t, lru.Contains("a")) // a is now most recent
	lru.Add("c")

	assert.True(t, lru.Contains("a"))
	assert.False(t, lru.Contains("b"))
	assert.True(t, lru.Contains("c"))
	assert.Equal(t, 2, lru.Size())
	assert.Equal(t, int64(1), lru.Evictions())
}

func TestIdempotencyLRU_WarmKeepsOrder(t *testing.T) {
	lru := core.NewIdempotencyLRU(3)
	lru.WarmFromKeys([]string{"a", "b", "a", "c"})
	assert.Equal(t, 3, lru.Size())
	lru.Add("d")
	assert.False(t, lru.Contains("a"))
}

func TestIdempotencyChecker_FallsBackToDatabase(t *testing.T) {
	db := &fakeBatchStore{applied: map[string]bool{"positions:acme/b1": true}}
	ic := core.NewIdempotencyChecker(10, db, nil, zerolog.Nop())

	assert.True(t, ic.IsDuplicate("positions", "acme/b1"))
	assert.Equal(t, 1, db.calls)
	// Second lookup is served by the LRU.
	assert.True(t, ic.IsDuplicate("positions", "acme/b1"))
	assert.Equal(t, 1, db.calls)

	assert.False(t, ic.IsDuplicate("positions", "acme/b2"))
	ic.MarkProcessed("positions", "acme/b2")
	assert.True(t, ic.IsDuplicate("positions", "acme/b2"))
}

func TestIdempotencyChecker_DatabaseErrorIsNotDuplicate(t *testing.T) {
	db := &fakeBatchStore{err: errors.New("connection refused")}
	ic := core.NewIdempotencyChecker(10, db, nil, zerolog.Nop())
	assert.False(t, ic.IsDuplicate("positions", "acme/b1"))
}

func TestSequenceValidator_Classifies(t *testing.T) {
	sv := core.NewSequenceValidator()
	assert.Equal(t, core.SeqInOrder, sv.Observe("book-1", 5))
	assert.Equal(t, core.SeqInOrder, sv.Observe("book-1", 6))
	assert.Equal(t, core.SeqGap, sv.Observe("book-1", 9))
	assert.Equal(t, core.SeqStale, sv.Observe("book-1", 7))
	assert.Equal(t, core.SeqUntracked, sv.Observe("book-1", 0))
	assert.Equal(t, int64(10), sv.Expected("book-1"))

	gaps, stale := sv.Counts("book-1")
	assert.Equal(t, int64(1), gaps)
	assert.Equal(t, int64(1), stale)
}
