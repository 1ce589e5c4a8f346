package core

import (
	"sync"
	"time"

	"RiskCore/internal/hierarchy"
	"RiskCore/internal/state"

	"github.com/google/uuid"
)

// IssueKind classifies a data-quality item.
type IssueKind int32

const (
	IssueQuarantined IssueKind = iota
	IssueValidationError
	IssueValidationWarning
	IssueSequenceGap
	IssueSequenceStale
	IssueRejected
	IssueRunFailed
	IssueLimitSuppressed
	IssueMetricMissing
)

func (k IssueKind) String() string {
	switch k {
	case IssueQuarantined:
		return "quarantined"
	case IssueValidationError:
		return "validation_error"
	case IssueValidationWarning:
		return "validation_warning"
	case IssueSequenceGap:
		return "sequence_gap"
	case IssueSequenceStale:
		return "sequence_stale"
	case IssueRejected:
		return "rejected"
	case IssueRunFailed:
		return "run_failed"
	case IssueLimitSuppressed:
		return "limit_suppressed"
	case IssueMetricMissing:
		return "metric_missing"
	default:
		return "unknown"
	}
}

type DataQualityItem struct {
	ID       uuid.UUID
	Tenant   string
	Kind     IssueKind
	Book     hierarchy.NodeID
	Code     string
	Detail   string
	RecordID uuid.UUID // quarantined record, when applicable
	At       time.Time
}

// DataQualityReport is the data-quality view of one tenant.
type DataQualityReport struct {
	Tenant      string
	Quarantined []state.QuarantinedRecord
	Items       []DataQualityItem
	Counts      map[string]int
}

// issueLog is a bounded ring of the most recent items. Counts are kept
// for the lifetime of the process.
type issueLog struct {
	mu     sync.Mutex
	items  []DataQualityItem
	next   int
	full   bool
	counts map[IssueKind]int
}

func newIssueLog(capacity int) *issueLog {
	if capacity <= 0 {
		capacity = 1000
	}
	return &issueLog{items: make([]DataQualityItem, capacity), counts: make(map[IssueKind]int)}
}

func (l *issueLog) add(it DataQualityItem) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items[l.next] = it
	l.next = (l.next + 1) % len(l.items)
	if l.next == 0 {
		l.full = true
	}
	l.counts[it.Kind]++
}

// snapshot returns the retained items, oldest first, and the counts.
func (l *issueLog) snapshot() ([]DataQualityItem, map[string]int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []DataQualityItem
	if l.full {
		out = append(out, l.items[l.next:]...)
	}
	out = append(out, l.items[:l.next]...)
	counts := make(map[string]int, len(l.counts))
	for k, n := range l.counts {
		counts[k.String()] = n
	}
	return out, counts
}
