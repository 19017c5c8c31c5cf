package ingestion

import (
	"PerpOptions/internal/oracle"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	PriceStream   = "PERPOPT_PRICES"
	EventStream   = "PERPOPT_EVENTS"
	PriceConsumer = "perpopt-prices"
)

// PriceApplier is the oracle store as seen by the subscriber.
type PriceApplier interface {
	Apply(u oracle.Update) error
}

// Disposition is what happens to a message after handling.
type Disposition int

const (
	Ack  Disposition = iota // applied, or superseded by a newer price
	Nak                     // transient, redeliver
	Term                    // malformed, never redeliver
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Nak:
		return "nak"
	case Term:
		return "term"
	}
	return "unknown"
}

// PriceSubscriber feeds JetStream price messages into the oracle store.
type PriceSubscriber struct {
	js       jetstream.JetStream
	store    PriceApplier
	log      zerolog.Logger
	consumer jetstream.ConsumeContext
}

func NewPriceSubscriber(js jetstream.JetStream, store PriceApplier, logger zerolog.Logger) *PriceSubscriber {
	return &PriceSubscriber{js: js, store: store, log: logger}
}

// Handle parses one message and applies it to the store.
func (ps *PriceSubscriber) Handle(subject string, data []byte) Disposition {
	u, err := ParsePriceUpdate(subject, data)
	if err != nil {
		ps.log.Warn().Str("subject", subject).Err(err).Msg("dropping malformed price message")
		return Term
	}
	switch err := ps.store.Apply(u); {
	case err == nil:
		return Ack
	case errors.Is(err, oracle.ErrStaleUpdate):
		ps.log.Debug().Str("market", u.MarketID).Int64("sequence", u.Sequence).Msg("stale price ignored")
		return Ack
	case errors.Is(err, oracle.ErrInvalidPrice):
		ps.log.Warn().Str("market", u.MarketID).Err(err).Msg("invalid price rejected")
		return Term
	default:
		ps.log.Error().Str("market", u.MarketID).Err(err).Msg("price apply failed")
		return Nak
	}
}

// Subscribe creates the durable price consumer and starts consuming.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ps *PriceSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := ps.js.CreateOrUpdateConsumer(ctx, PriceStream, jetstream.ConsumerConfig{
		Durable:       PriceConsumer,
		FilterSubject: PriceSubjectPrefix + ".>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverLastPerSubjectPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", PriceConsumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		var ackErr error
		switch ps.Handle(msg.Subject(), msg.Data()) {
		case Ack:
			ackErr = msg.Ack()
		case Nak:
			ackErr = msg.Nak()
		case Term:
			ackErr = msg.Term()
		}
		if ackErr != nil {
			ps.log.Warn().Str("subject", msg.Subject()).Err(ackErr).Msg("ack failed")
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", PriceConsumer, err)
	}
	ps.consumer = cc
	ps.log.Info().Str("subject", PriceSubjectPrefix+".>").Str("consumer", PriceConsumer).Msg("subscribed to prices")
	return nil
}

// Stop stops the consumer.
func (ps *PriceSubscriber) Stop() {
	if ps.consumer != nil {
		ps.consumer.Stop()
	}
	ps.log.Info().Msg("price subscriber stopped")
}

// EnsureStreams creates the price and outbound event streams.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:              PriceStream,
			Subjects:          []string{PriceSubjectPrefix + ".>"},
			Storage:           jetstream.FileStorage,
			Retention:         jetstream.LimitsPolicy,
			MaxAge:            72 * time.Hour,
			MaxMsgsPerSubject: 1024,
			Replicas:          1,
		},
		{
			Name:       EventStream,
			Subjects:   []string{EventSubjectPrefix + ".>"},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     72 * time.Hour,
			Duplicates: 2 * time.Minute,
			Replicas:   1,
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

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("perpoptions"),
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
