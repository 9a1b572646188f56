package ingestion

import (
	"LendLedger/internal/event"
	"LendLedger/internal/observability"
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// EventPublisher is the part of jetstream.JetStream the publisher needs.
type EventPublisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes committed operations for downstream consumers
// on lending.events.<operation>.<account_id>. The request id is sent as
// Nats-Msg-Id so the stream drops republished duplicates.
type OutboundPublisher struct {
	js        EventPublisher
	inputChan <-chan *event.OperationCommitted
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewOutboundPublisher(
	js EventPublisher,
	inputChan <-chan *event.OperationCommitted,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run publishes until the input channel is closed or ctx is done.
// Publish failures are logged and skipped; the operation log in Postgres
// stays authoritative.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if op.metrics != nil {
				op.metrics.ChannelSize.WithLabelValues("publish").Set(float64(len(op.inputChan)))
			}

			if err := op.publish(ctx, evt); err != nil {
				if op.metrics != nil {
					op.metrics.PublishErrors.Inc()
				}
				op.logger.Warn().Err(err).
					Str("request_id", evt.IdempotencyKey()).
					Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt *event.OperationCommitted) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := nats.NewMsg(EventSubject(evt))
	msg.Header.Set(nats.MsgIdHdr, evt.IdempotencyKey())
	msg.Data = data

	_, err = op.js.PublishMsg(ctx, msg)
	return err
}

// EventSubject returns lending.events.<operation>.<account_id>.
func EventSubject(evt *event.OperationCommitted) string {
	return fmt.Sprintf("%s%s.%s", EventSubjectPrefix, evt.Operation, evt.Account)
}
