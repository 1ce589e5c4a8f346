package core

import (
	"sync"

	"RiskCore/internal/hierarchy"
)

// SeqStatus classifies a source sequence against what was seen before.
type SeqStatus int32

const (
	SeqInOrder SeqStatus = iota
	SeqGap               // newer than expected; accepted, missing records reported
	SeqStale             // at or below the last seen sequence; accepted, reported
	SeqUntracked         // source sends no sequence
)

func (s SeqStatus) String() string {
	switch s {
	case SeqInOrder:
		return "in_order"
	case SeqGap:
		return "gap"
	case SeqStale:
		return "stale"
	case SeqUntracked:
		return "untracked"
	default:
		return "unknown"
	}
}

// SequenceValidator tracks per-book source sequences of one tenant.
// Position ordering is decided by as-of in the store; the validator only
// detects lost or replayed feed records so they surface as data quality.
type SequenceValidator struct {
	mu              sync.Mutex
	expectedNextSeq map[hierarchy.NodeID]int64 // book -> next expected sequence
	gaps            map[hierarchy.NodeID]int64
	stale           map[hierarchy.NodeID]int64
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[hierarchy.NodeID]int64),
		gaps:            make(map[hierarchy.NodeID]int64),
		stale:           make(map[hierarchy.NodeID]int64),
	}
}

// Observe records seq for book and classifies it. seq <= 0 is untracked.
// The first sequence seen for a book is taken as in order.
func (sv *SequenceValidator) Observe(book hierarchy.NodeID, seq int64) SeqStatus {
	if seq <= 0 {
		return SeqUntracked
	}
	sv.mu.Lock()
	defer sv.mu.Unlock()

	expected, seen := sv.expectedNextSeq[book]
	switch {
	case !seen || seq == expected:
		sv.expectedNextSeq[book] = seq + 1
		return SeqInOrder
	case seq < expected:
		sv.stale[book]++
		return SeqStale
	default:
		sv.gaps[book]++
		sv.expectedNextSeq[book] = seq + 1
		return SeqGap
	}
}

// Expected returns the next expected sequence for book, 0 when unseen.
func (sv *SequenceValidator) Expected(book hierarchy.NodeID) int64 {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.expectedNextSeq[book]
}

// SetExpected initialises a book's sequence during recovery.
func (sv *SequenceValidator) SetExpected(book hierarchy.NodeID, seq int64) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	sv.expectedNextSeq[book] = seq
}

// Counts returns the gaps and stale records seen for book.
func (sv *SequenceValidator) Counts(book hierarchy.NodeID) (gaps, stale int64) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.gaps[book], sv.stale[book]
}
