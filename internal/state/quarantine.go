package state

import (
	"sort"
	"sync"
	"time"

	"RiskCore/internal/hierarchy"
	"RiskCore/internal/security"

	"github.com/google/uuid"
)

// QuarantineReason classifies why a record was held back.
type QuarantineReason int32

const (
	ReasonUnresolvedIdentifier QuarantineReason = iota
	ReasonValidationFailed
	ReasonUnknownBook
)

func (r QuarantineReason) String() string {
	switch r {
	case ReasonUnresolvedIdentifier:
		return "unresolved_identifier"
	case ReasonValidationFailed:
		return "validation_failed"
	case ReasonUnknownBook:
		return "unknown_book"
	default:
		return "unknown"
	}
}

// QuarantinedRecord is an incoming position that could not be attached to a
// canonical security or book. It is excluded from aggregation and surfaced
// as a data-quality item.
type QuarantinedRecord struct {
	ID          uuid.UUID
	Book        hierarchy.NodeID
	Identifiers []security.Identifier
	Snapshot    Snapshot
	Reason      QuarantineReason
	Detail      string
	ReceivedAt  time.Time
	Attempts    int
}

// Quarantine holds unresolved records for one tenant.
type Quarantine struct {
	mu      sync.Mutex
	records map[uuid.UUID]*QuarantinedRecord
	now     func() time.Time
}

func NewQuarantine() *Quarantine {
	return &Quarantine{
		records: make(map[uuid.UUID]*QuarantinedRecord),
		now:     time.Now,
	}
}

// Hold parks a record and returns its id.
func (q *Quarantine) Hold(book hierarchy.NodeID, ids []security.Identifier, snap Snapshot, reason QuarantineReason, detail string) uuid.UUID {
	rec := &QuarantinedRecord{
		ID:          uuid.New(),
		Book:        book,
		Identifiers: append([]security.Identifier(nil), ids...),
		Snapshot:    snap,
		Reason:      reason,
		Detail:      detail,
		ReceivedAt:  q.now(),
	}
	q.mu.Lock()
	q.records[rec.ID] = rec
	q.mu.Unlock()
	return rec.ID
}

// List returns every held record, oldest first.
func (q *Quarantine) List() []QuarantinedRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QuarantinedRecord, 0, len(q.records))
	for _, r := range q.records {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.Before(out[j].ReceivedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

func (q *Quarantine) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

// Release retries every record with retry. Records for which retry returns
// true are removed; the others stay with their attempt count bumped.
// retry runs without the quarantine lock held.
func (q *Quarantine) Release(retry func(QuarantinedRecord) bool) (released int) {
	for _, rec := range q.List() {
		ok := retry(rec)
		q.mu.Lock()
		if ok {
			delete(q.records, rec.ID)
			released++
		} else if r, exists := q.records[rec.ID]; exists {
			r.Attempts++
		}
		q.mu.Unlock()
	}
	return released
}
