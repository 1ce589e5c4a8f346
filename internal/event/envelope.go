package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType discriminates outbound notifications.
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeOverlapFindingDetected
	EventTypeBreachTransitioned
	EventTypeBreachWarning
	EventTypeCorrelationRecomputed
	EventTypePositionQuarantined
	EventTypeAggregationCompleted
)

func (et EventType) String() string {
	switch et {
	case EventTypeOverlapFindingDetected:
		return "OverlapFindingDetected"
	case EventTypeBreachTransitioned:
		return "BreachTransitioned"
	case EventTypeBreachWarning:
		return "BreachWarning"
	case EventTypeCorrelationRecomputed:
		return "CorrelationRecomputed"
	case EventTypePositionQuarantined:
		return "PositionQuarantined"
	case EventTypeAggregationCompleted:
		return "AggregationCompleted"
	default:
		return "Unknown"
	}
}

// Token is the subject segment used on the bus.
func (et EventType) Token() string {
	switch et {
	case EventTypeOverlapFindingDetected:
		return "overlap_finding"
	case EventTypeBreachTransitioned:
		return "breach_transition"
	case EventTypeBreachWarning:
		return "breach_warning"
	case EventTypeCorrelationRecomputed:
		return "correlation"
	case EventTypePositionQuarantined:
		return "quarantine"
	case EventTypeAggregationCompleted:
		return "aggregation"
	default:
		return "unknown"
	}
}

// Notification is implemented by every outbound payload.
type Notification interface {
	EventType() EventType
	// Tenant is empty for global notifications.
	Tenant() string
	// IdempotencyKey is stable across re-publication of the same fact.
	IdempotencyKey() string
	OccurredAt() time.Time
}

// Envelope wraps a notification for the wire.
type Envelope struct {
	// Per-process monotonic sequence assigned by the engine
	Sequence int64 `json:"sequence"`

	IdempotencyKey string    `json:"idempotency_key"`
	EventType      string    `json:"event_type"`
	Tenant         string    `json:"tenant,omitempty"`
	Timestamp      time.Time `json:"timestamp"`

	Payload json.RawMessage `json:"payload"`
}

// Wrap encodes n into an envelope with the given sequence.
func Wrap(seq int64, n Notification) (Envelope, error) {
	payload, err := json.Marshal(n)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", n.EventType(), err)
	}
	return Envelope{
		Sequence:       seq,
		IdempotencyKey: n.IdempotencyKey(),
		EventType:      n.EventType().String(),
		Tenant:         n.Tenant(),
		Timestamp:      n.OccurredAt(),
		Payload:        payload,
	}, nil
}

func runKey(prefix string, run uuid.UUID, parts ...string) string {
	k := prefix + ":" + run.String()
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(s string) EventType {
	for et := EventTypeOverlapFindingDetected; et <= EventTypeAggregationCompleted; et++ {
		if et.String() == s {
			return et
		}
	}
	return EventTypeUnknown
}

// Subject is the bus subject of the envelope:
// riskcore.events.<token>.<tenant>, or riskcore.events.<token>.global.
func (e Envelope) Subject() string {
	tenant := e.Tenant
	if tenant == "" {
		tenant = "global"
	}
	return "riskcore.events." + ParseEventType(e.EventType).Token() + "." + tenant
}
