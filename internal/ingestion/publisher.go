package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"RiskCore/internal/event"
	"RiskCore/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutboundPublisher publishes notifications to NATS once the output that
// carried them is persisted. Subjects follow riskcore.events.<type>.<tenant>.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan event.Envelope
	metrics   *observability.Metrics
	log       zerolog.Logger
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan event.Envelope, metrics *observability.Metrics, log zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		log:       log.With().Str("component", "publisher").Logger(),
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if err := op.publish(ctx, env); err != nil {
				// Non-fatal: consumers can read history from Postgres.
				op.log.Warn().Err(err).Int64("seq", env.Sequence).Str("event_type", env.EventType).Msg("outbound publish failed")
				if op.metrics != nil {
					op.metrics.PublishDrops.Inc()
				}
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, env event.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	// The idempotency key doubles as the JetStream message id so that a
	// re-published notification is dropped by the server's dedup window.
	_, err = op.js.Publish(ctx, env.Subject(), data, jetstream.WithMsgID(env.IdempotencyKey))
	return err
}

// EnsureOutboundStream creates the outbound notification stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       StreamEvents,
		Subjects:   []string{"riskcore.events.>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Info().Str("stream", StreamEvents).Msg("ensured outbound stream")
	return nil
}
