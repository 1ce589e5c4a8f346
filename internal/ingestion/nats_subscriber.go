package ingestion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"RiskCore/internal/core"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber consumes inbound batches from JetStream and hands them to
// the dispatcher over msgChan.
type NATSSubscriber struct {
	js        jetstream.JetStream
	msgChan   chan<- RawMessage
	consumers []jetstream.ConsumeContext
	log       zerolog.Logger
}

// RawMessage is one undecoded inbound batch. Exactly one of the callbacks
// must be invoked once the batch is handled.
type RawMessage struct {
	Subject   string
	Kind      string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // applied or duplicate
	NakFunc   func() // transient failure, redeliver
	TermFunc  func() // never applicable, do not redeliver
}

// SubjectConfig maps a subject filter to a batch kind.
type SubjectConfig struct {
	Subject      string
	Kind         string
	ConsumerName string
	StreamName   string
}

const (
	StreamInbound  = "RISKCORE_INBOUND"
	StreamFactors  = "RISKCORE_FACTORS"
	StreamEvents   = "RISKCORE_EVENTS"
	subjectPrefix  = "riskcore."
	factorsSubject = "riskcore.factors.returns"
)

// DefaultSubjects returns one consumer per inbound kind. Tenant-scoped
// subjects end in the tenant id.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "riskcore.positions.*", Kind: core.KindPositions, ConsumerName: "riskcore-positions", StreamName: StreamInbound},
		{Subject: "riskcore.metrics.*", Kind: core.KindMetrics, ConsumerName: "riskcore-metrics", StreamName: StreamInbound},
		{Subject: "riskcore.pnl.*", Kind: core.KindPnL, ConsumerName: "riskcore-pnl", StreamName: StreamInbound},
		{Subject: "riskcore.limits.*", Kind: core.KindLimits, ConsumerName: "riskcore-limits", StreamName: StreamInbound},
		{Subject: "riskcore.hierarchy.*", Kind: core.KindHierarchy, ConsumerName: "riskcore-hierarchy", StreamName: StreamInbound},
		{Subject: "riskcore.reference.*", Kind: core.KindReference, ConsumerName: "riskcore-reference", StreamName: StreamInbound},
		{Subject: factorsSubject, Kind: core.KindFactors, ConsumerName: "riskcore-factors", StreamName: StreamFactors},
	}
}

// TenantFromSubject extracts the tenant from riskcore.<kind>.<tenant>.
func TenantFromSubject(subject string) (string, error) {
	if !strings.HasPrefix(subject, subjectPrefix) {
		return "", fmt.Errorf("%w: subject %q outside riskcore namespace", ErrMalformed, subject)
	}
	parts := strings.Split(subject, ".")
	if len(parts) != 3 || parts[2] == "" {
		return "", fmt.Errorf("%w: subject %q has no tenant", ErrMalformed, subject)
	}
	return parts[2], nil
}

func NewNATSSubscriber(js jetstream.JetStream, msgChan chan<- RawMessage, log zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:      js,
		msgChan: msgChan,
		log:     log.With().Str("component", "nats_subscriber").Logger(),
	}
}

// Subscribe creates durable consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		kind := cfg.Kind
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawMessage{
				Subject:   msg.Subject(),
				Kind:      kind,
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { _ = msg.Ack() },
				NakFunc:   func() { _ = msg.Nak() },
				TermFunc:  func() { _ = msg.Term() },
			}

			select {
			case ns.msgChan <- raw:
			case <-ctx.Done():
				_ = msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.log.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}
	return nil
}

// EnsureStreams creates the inbound streams if they don't exist. Inbound
// batches are kept for 72h; factor returns for 30 days so a cold start can
// rebuild correlation windows.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name: StreamInbound,
			Subjects: []string{
				"riskcore.positions.*", "riskcore.metrics.*", "riskcore.pnl.*",
				"riskcore.limits.*", "riskcore.hierarchy.*", "riskcore.reference.*",
			},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      StreamFactors,
			Subjects:  []string{factorsSubject},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    30 * 24 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// Stop stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.log.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("riskcore"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
