package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"RiskCore/internal/core"
	"RiskCore/internal/hierarchy"
	"RiskCore/internal/observability"

	"github.com/rs/zerolog"
)

// Ingestor is the write side of the engine.
type Ingestor interface {
	IngestPositions(ctx context.Context, batch core.PositionBatch) (core.IngestReport, error)
	IngestMetrics(ctx context.Context, batch core.MetricBatch) (core.IngestReport, error)
	IngestPnL(ctx context.Context, batch core.PnLBatch) (core.IngestReport, error)
	IngestFactorReturns(ctx context.Context, batch core.FactorBatch) (core.IngestReport, error)
	ApplyHierarchy(ctx context.Context, batch core.HierarchyBatch) (core.IngestReport, error)
	IngestLimits(ctx context.Context, batch core.LimitBatch) (core.IngestReport, error)
	IngestReference(ctx context.Context, batch core.ReferenceBatch) (core.IngestReport, error)
}

// Dispatcher decodes raw batches and applies them. It serves both the
// NATS consumers and admin submissions over gRPC.
type Dispatcher struct {
	ing       Ingestor
	laneDepth int
	metrics   *observability.Metrics
	log       zerolog.Logger
}

// DefaultLaneDepth is how many messages of one tenant may wait behind the
// one being applied before further ones are redelivered.
const DefaultLaneDepth = 64

func NewDispatcher(ing Ingestor, metrics *observability.Metrics, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		ing:       ing,
		laneDepth: DefaultLaneDepth,
		metrics:   metrics,
		log:       log.With().Str("component", "dispatcher").Logger(),
	}
}

// SetLaneDepth changes the per-tenant queue depth. Call before Run.
func (d *Dispatcher) SetLaneDepth(n int) {
	if n > 0 {
		d.laneDepth = n
	}
}

// Apply decodes data as a batch of kind for tenant and applies it.
func (d *Dispatcher) Apply(ctx context.Context, kind, tenant string, data []byte) (core.IngestReport, error) {
	switch kind {
	case core.KindPositions:
		b, err := ParsePositions(tenant, data)
		if err != nil {
			return core.IngestReport{}, err
		}
		return d.ing.IngestPositions(ctx, b)
	case core.KindMetrics:
		b, err := ParseMetrics(tenant, data)
		if err != nil {
			return core.IngestReport{}, err
		}
		return d.ing.IngestMetrics(ctx, b)
	case core.KindPnL:
		b, err := ParsePnL(tenant, data)
		if err != nil {
			return core.IngestReport{}, err
		}
		return d.ing.IngestPnL(ctx, b)
	case core.KindFactors:
		b, err := ParseFactorReturns(data)
		if err != nil {
			return core.IngestReport{}, err
		}
		return d.ing.IngestFactorReturns(ctx, b)
	case core.KindHierarchy:
		b, err := ParseHierarchy(tenant, data)
		if err != nil {
			return core.IngestReport{}, err
		}
		return d.ing.ApplyHierarchy(ctx, b)
	case core.KindLimits:
		b, err := ParseLimits(tenant, data)
		if err != nil {
			return core.IngestReport{}, err
		}
		return d.ing.IngestLimits(ctx, b)
	case core.KindReference:
		b, err := ParseReference(tenant, data)
		if err != nil {
			return core.IngestReport{}, err
		}
		return d.ing.IngestReference(ctx, b)
	default:
		return core.IngestReport{}, fmt.Errorf("%w: unknown batch kind %q", ErrMalformed, kind)
	}
}

// Permanent reports whether err can never succeed on redelivery.
func Permanent(err error) bool {
	return errors.Is(err, ErrMalformed) ||
		errors.Is(err, core.ErrInvalidBatch) ||
		errors.Is(err, hierarchy.ErrCycle)
}

// Run applies messages from in until ctx is done or in is closed. Each
// tenant has its own lane, applied in arrival order by its own goroutine,
// so a slow tenant never holds up another. Factor returns share a lane.
// A message whose lane is full is redelivered later. Run returns once
// every lane has drained.
func (d *Dispatcher) Run(ctx context.Context, in <-chan RawMessage) error {
	lanes := make(map[string]chan RawMessage)
	var wg sync.WaitGroup
	defer func() {
		for _, ch := range lanes {
			close(ch)
		}
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			tenant, err := laneOf(msg)
			if err != nil {
				d.reject(msg, err)
				continue
			}
			ch, ok := lanes[tenant]
			if !ok {
				ch = make(chan RawMessage, d.laneDepth)
				lanes[tenant] = ch
				wg.Add(1)
				go d.drain(ctx, tenant, ch, &wg)
			}
			select {
			case ch <- msg:
			default:
				d.log.Warn().Str("tenant", tenant).Str("subject", msg.Subject).Msg("tenant lane full, message will be redelivered")
				if d.metrics != nil {
					d.metrics.IngestRecords.WithLabelValues(msg.Kind, "lane_full").Inc()
				}
				if msg.NakFunc != nil {
					msg.NakFunc()
				}
			}
		}
	}
}

func (d *Dispatcher) drain(ctx context.Context, tenant string, ch <-chan RawMessage, wg *sync.WaitGroup) {
	defer wg.Done()
	for msg := range ch {
		if ctx.Err() != nil {
			if msg.NakFunc != nil {
				msg.NakFunc()
			}
			continue
		}
		d.handle(ctx, tenant, msg)
	}
}

func laneOf(msg RawMessage) (string, error) {
	if msg.Kind == core.KindFactors {
		return "", nil
	}
	return TenantFromSubject(msg.Subject)
}

func (d *Dispatcher) handle(ctx context.Context, tenant string, msg RawMessage) {
	rep, err := d.Apply(ctx, msg.Kind, tenant, msg.Data)
	switch {
	case err == nil:
		if msg.AckFunc != nil {
			msg.AckFunc()
		}
		d.log.Debug().
			Str("subject", msg.Subject).
			Str("batch", rep.BatchID).
			Bool("duplicate", rep.Duplicate).
			Msg("batch handled")
	case Permanent(err):
		d.reject(msg, err)
	default:
		d.log.Warn().Err(err).Str("subject", msg.Subject).Msg("batch failed, will be redelivered")
		if msg.NakFunc != nil {
			msg.NakFunc()
		}
	}
}

func (d *Dispatcher) reject(msg RawMessage, err error) {
	d.log.Error().Err(err).Str("subject", msg.Subject).Str("kind", msg.Kind).Msg("batch rejected")
	if d.metrics != nil {
		d.metrics.IngestRecords.WithLabelValues(msg.Kind, "malformed").Inc()
	}
	if msg.TermFunc != nil {
		msg.TermFunc()
	} else if msg.AckFunc != nil {
		msg.AckFunc()
	}
}
