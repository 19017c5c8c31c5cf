package ingestion

import (
	"PerpOptions/internal/core"
	"PerpOptions/internal/observability"
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// EventSubjectPrefix is the outbound subject space:
// perpopt.events.<type>[.<market>]
const EventSubjectPrefix = "perpopt.events"

// StreamPublisher is the subset of jetstream.JetStream used for publishing.
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes committed envelopes for downstream consumers.
// The sequence is the message id, so JetStream drops republished envelopes
// inside the stream's duplicate window.
type OutboundPublisher struct {
	js        StreamPublisher
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	log       zerolog.Logger
}

func NewOutboundPublisher(js StreamPublisher, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		log:       logger,
	}
}

// Run publishes until ctx is done or the input channel is closed.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if op.metrics != nil {
				op.metrics.SetChannelMetrics("publish", len(op.inputChan), cap(op.inputChan))
			}
			if err := op.Publish(ctx, out); err != nil {
				// Non-fatal: consumers can read the event log directly.
				op.log.Warn().Int64("sequence", out.Envelope.Sequence).Err(err).Msg("outbound publish failed")
			}
		}
	}
}

// Publish sends one envelope to its subject.
func (op *OutboundPublisher) Publish(ctx context.Context, out core.CoreOutput) error {
	env := out.Envelope
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	subject := env.Subject(EventSubjectPrefix)
	if _, err := op.js.Publish(ctx, subject, data, jetstream.WithMsgID(strconv.FormatInt(env.Sequence, 10))); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}
