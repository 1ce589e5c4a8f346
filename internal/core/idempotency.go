package core

import (
	"container/list"
	"sync"

	"RiskCore/internal/observability"

	"github.com/rs/zerolog"
)

// IdempotencyChecker implements two-tier deduplication of inbound batches.
type IdempotencyChecker struct {
	// Tier 1: in-memory LRU
	lru *IdempotencyLRU

	// Tier 2: Postgres (injected via interface, may be nil)
	dbChecker DBIdempotencyChecker

	metrics *observability.Metrics
	log     zerolog.Logger
}

// DBIdempotencyChecker is the durable lookup of already applied batches.
type DBIdempotencyChecker interface {
	IsDuplicate(kind string, batchKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics, log zerolog.Logger) *IdempotencyChecker {
	lru := NewIdempotencyLRU(capacity)
	if metrics != nil {
		lru.onEvict = metrics.DedupLRUEvictions.Inc
	}
	return &IdempotencyChecker{
		lru:       lru,
		dbChecker: dbChecker,
		metrics:   metrics,
		log:       log,
	}
}

func compositeKey(kind, batchKey string) string {
	return kind + ":" + batchKey
}

// IsDuplicate reports whether the batch was already applied.
func (ic *IdempotencyChecker) IsDuplicate(kind string, batchKey string) bool {
	key := compositeKey(kind, batchKey)

	if ic.lru.Contains(key) {
		ic.record("lru")
		return true
	}

	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(kind, batchKey)
		if err != nil {
			// A DB outage must not block ingestion; the position store's
			// content hash still drops replayed snapshots.
			ic.log.Warn().Err(err).Str("kind", kind).Msg("tier-2 dedup lookup failed")
			ic.record("postgres_error")
			return false
		}
		if isDup {
			ic.record("postgres")
			ic.lru.Add(key)
			return true
		}
	}
	return false
}

// MarkProcessed adds the batch to the LRU after it was applied.
func (ic *IdempotencyChecker) MarkProcessed(kind string, batchKey string) {
	ic.lru.Add(compositeKey(kind, batchKey))
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.Size()))
	}
}

// Warm loads recently applied batch keys, already in kind:key form.
func (ic *IdempotencyChecker) Warm(keys []string) {
	ic.lru.WarmFromKeys(keys)
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.Size()))
	}
}

func (ic *IdempotencyChecker) LRU() *IdempotencyLRU { return ic.lru }

func (ic *IdempotencyChecker) record(tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(tier).Inc()
	}
}

// --- LRU Implementation ---

// IdempotencyLRU is a bounded LRU set of batch keys. Safe for concurrent use;
// ingestion subscribers for different subjects share one instance.
type IdempotencyLRU struct {
	mu       sync.Mutex
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
	onEvict   func()
}

type lruEntry struct {
	key string
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes if exists)
func (lru *IdempotencyLRU) Add(key string) {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	lru.addLocked(key, true)
}

func (lru *IdempotencyLRU) addLocked(key string, promote bool) {
	if elem, exists := lru.cache[key]; exists {
		if promote {
			lru.lruList.MoveToFront(elem)
		}
		return
	}
	elem := lru.lruList.PushFront(&lruEntry{key: key})
	lru.cache[key] = elem
	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		entry := elem.Value.(*lruEntry)
		delete(lru.cache, entry.key)
		lru.evictions++
		if lru.onEvict != nil {
			lru.onEvict()
		}
	}
}

// WarmFromKeys loads a batch of composite keys into the LRU without
// reordering keys already present. Used at startup from recent batches.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	for _, key := range keys {
		lru.addLocked(key, false)
	}
}

// Size returns current number of entries
func (lru *IdempotencyLRU) Size() int {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	return lru.lruList.Len()
}

// Evictions returns total evictions
func (lru *IdempotencyLRU) Evictions() int64 {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	return lru.evictions
}
