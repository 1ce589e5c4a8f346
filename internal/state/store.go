package state

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"RiskCore/internal/hierarchy"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
)

// UpsertHook runs after a snapshot has been recorded and the book's shard
// released, so a slow hook never holds up readers of the book. Hooks for
// concurrent writes to one book may run in either order; use
// Position.Version to order them.
type UpsertHook func(UpsertResult)

// Store holds current positions and their append-only history for one
// tenant. Each book is its own shard: writers to different books never
// contend, writers to the same book serialize.
type Store struct {
	mu     sync.RWMutex
	shards map[hierarchy.NodeID]*bookShard
	hooks  []UpsertHook
	now    func() time.Time
}

type bookShard struct {
	mu      sync.RWMutex
	current map[uuid.UUID]*Position
	history map[uuid.UUID]*keyHistory
}

type keyHistory struct {
	entries []Position
	byAsOf  *btree.Map[int64, int] // as-of unix nanos -> index of latest arrival at that as-of
	hashes  map[[32]byte]struct{}
}

func NewStore() *Store {
	return &Store{
		shards: make(map[hierarchy.NodeID]*bookShard),
		now:    time.Now,
	}
}

// AddHook registers a post-write hook. Call before serving traffic.
func (s *Store) AddHook(h UpsertHook) {
	s.mu.Lock()
	s.hooks = append(s.hooks, h)
	s.mu.Unlock()
}

func (s *Store) shard(book hierarchy.NodeID, create bool) *bookShard {
	s.mu.RLock()
	sh, ok := s.shards[book]
	s.mu.RUnlock()
	if ok || !create {
		return sh
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sh, ok = s.shards[book]; ok {
		return sh
	}
	sh = &bookShard{
		current: make(map[uuid.UUID]*Position),
		history: make(map[uuid.UUID]*keyHistory),
	}
	s.shards[book] = sh
	return sh
}

// Upsert records a snapshot for (book, security).
//
// Current state is last-write-wins by as-of timestamp; an equal as-of
// replaces the current row. History is appended on every call except when
// a snapshot with the same content hash was already recorded for the key.
func (s *Store) Upsert(book hierarchy.NodeID, security uuid.UUID, snap Snapshot) (UpsertResult, error) {
	if book == "" || security == uuid.Nil {
		return UpsertResult{}, fmt.Errorf("%w: book and security are required", ErrInvalidSnapshot)
	}
	if err := snap.Validate(); err != nil {
		return UpsertResult{}, err
	}
	snap.Currency = strings.ToUpper(strings.TrimSpace(snap.Currency))
	snap.Attributes = copyAttrs(snap.Attributes)
	hash := ContentHash(book, security, snap)

	res := s.record(book, security, snap, hash)
	if res.Outcome == OutcomeDuplicate {
		return res, nil
	}

	s.mu.RLock()
	hooks := s.hooks
	s.mu.RUnlock()
	for _, h := range hooks {
		h(res)
	}
	return res, nil
}

func (s *Store) record(book hierarchy.NodeID, security uuid.UUID, snap Snapshot, hash [32]byte) UpsertResult {
	sh := s.shard(book, true)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	kh := sh.history[security]
	if kh == nil {
		kh = &keyHistory{
			byAsOf: btree.NewMap[int64, int](32),
			hashes: make(map[[32]byte]struct{}),
		}
		sh.history[security] = kh
	}

	if _, dup := kh.hashes[hash]; dup {
		res := UpsertResult{Outcome: OutcomeDuplicate}
		if cur := sh.current[security]; cur != nil {
			res.Position = *cur
		}
		return res
	}

	pos := Position{
		Book:       book,
		Security:   security,
		Snapshot:   snap,
		Hash:       hash,
		Version:    int64(len(kh.entries)) + 1,
		RecordedAt: s.now(),
	}
	kh.entries = append(kh.entries, pos)
	kh.byAsOf.Set(snap.AsOf.UnixNano(), len(kh.entries)-1)
	kh.hashes[hash] = struct{}{}

	res := UpsertResult{Outcome: OutcomeApplied, Position: pos}
	if cur := sh.current[security]; cur != nil && snap.AsOf.Before(cur.AsOf) {
		res.Outcome = OutcomeHistoryOnly
	} else {
		p := pos
		sh.current[security] = &p
	}
	return res
}

// Restore replays a persisted history row without firing hooks.
func (s *Store) Restore(p Position) {
	sh := s.shard(p.Book, true)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	kh := sh.history[p.Security]
	if kh == nil {
		kh = &keyHistory{
			byAsOf: btree.NewMap[int64, int](32),
			hashes: make(map[[32]byte]struct{}),
		}
		sh.history[p.Security] = kh
	}
	p.Attributes = copyAttrs(p.Attributes)
	if p.Hash == ([32]byte{}) {
		p.Hash = ContentHash(p.Book, p.Security, p.Snapshot)
	}
	if _, dup := kh.hashes[p.Hash]; dup {
		return
	}
	p.Version = int64(len(kh.entries)) + 1
	kh.entries = append(kh.entries, p)
	kh.byAsOf.Set(p.AsOf.UnixNano(), len(kh.entries)-1)
	kh.hashes[p.Hash] = struct{}{}
	if cur := sh.current[p.Security]; cur == nil || !p.AsOf.Before(cur.AsOf) {
		c := p
		sh.current[p.Security] = &c
	}
}

// Current returns the current row for (book, security).
func (s *Store) Current(book hierarchy.NodeID, security uuid.UUID) (Position, error) {
	sh := s.shard(book, false)
	if sh == nil {
		return Position{}, fmt.Errorf("%w: %s/%s", ErrUnknownPosition, book, security)
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	p, ok := sh.current[security]
	if !ok {
		return Position{}, fmt.Errorf("%w: %s/%s", ErrUnknownPosition, book, security)
	}
	return *p, nil
}

// BookPositions returns every current row of a book, flat ones included,
// ordered by security id.
func (s *Store) BookPositions(book hierarchy.NodeID) []Position {
	sh := s.shard(book, false)
	if sh == nil {
		return nil
	}
	sh.mu.RLock()
	out := make([]Position, 0, len(sh.current))
	for _, p := range sh.current {
		out = append(out, *p)
	}
	sh.mu.RUnlock()
	sortPositions(out)
	return out
}

// SnapshotAt returns, for every key of the given books, the latest history
// entry with as-of not after asOf. This is the consistent read used by
// aggregation runs: rows written later with an older as-of are visible,
// rows with a newer as-of are not.
func (s *Store) SnapshotAt(books []hierarchy.NodeID, asOf time.Time) []Position {
	pivot := asOf.UnixNano()
	var out []Position
	for _, book := range books {
		sh := s.shard(book, false)
		if sh == nil {
			continue
		}
		sh.mu.RLock()
		for _, kh := range sh.history {
			kh.byAsOf.Descend(pivot, func(_ int64, idx int) bool {
				out = append(out, kh.entries[idx])
				return false
			})
		}
		sh.mu.RUnlock()
	}
	sortPositions(out)
	return out
}

// History returns the append-only history of a key in arrival order.
func (s *Store) History(book hierarchy.NodeID, security uuid.UUID) []Position {
	sh := s.shard(book, false)
	if sh == nil {
		return nil
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	kh := sh.history[security]
	if kh == nil {
		return nil
	}
	out := make([]Position, len(kh.entries))
	copy(out, kh.entries)
	return out
}

// Books lists every book that has ever received a snapshot.
func (s *Store) Books() []hierarchy.NodeID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]hierarchy.NodeID, 0, len(s.shards))
	for b := range s.shards {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortPositions(ps []Position) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Book != ps[j].Book {
			return ps[i].Book < ps[j].Book
		}
		return ps[i].Security.String() < ps[j].Security.String()
	})
}

func copyAttrs(in map[string]decimal.Decimal) map[string]decimal.Decimal {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]decimal.Decimal, len(in))
	for k, v := range in {
		out[strings.ToLower(k)] = v
	}
	return out
}
