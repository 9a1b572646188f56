package ingestion

import (
	"LendLedger/internal/auth"
	"LendLedger/internal/core"
	"LendLedger/internal/ledger"
	"LendLedger/internal/observability"
	"context"
	"errors"
	"hash/fnv"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Dispatcher authenticates raw messages and runs them through the processor
// on a fixed pool of workers. Messages for one account always land on the
// same worker, so they apply in stream order.
type Dispatcher struct {
	processor *core.Processor
	verifier  *auth.TokenVerifier
	rawChan   <-chan RawMessage
	workers   int
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

type job struct {
	raw RawMessage
	req core.Request
}

func NewDispatcher(
	processor *core.Processor,
	verifier *auth.TokenVerifier,
	rawChan <-chan RawMessage,
	workers int,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher{
		processor: processor,
		verifier:  verifier,
		rawChan:   rawChan,
		workers:   workers,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run routes messages until rawChan is closed or ctx is done. Jobs already
// routed to a worker are finished before Run returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	shards := make([]chan job, d.workers)
	for i := range shards {
		shards[i] = make(chan job, 64)
	}

	var g errgroup.Group
	for _, shard := range shards {
		g.Go(func() error {
			for j := range shard {
				d.process(ctx, j)
			}
			return nil
		})
	}

	err := d.route(ctx, shards)
	for _, shard := range shards {
		close(shard)
	}
	g.Wait()
	return err
}

func (d *Dispatcher) route(ctx context.Context, shards []chan job) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-d.rawChan:
			if !ok {
				return nil
			}
			if d.metrics != nil {
				d.metrics.ChannelSize.WithLabelValues("ingest").Set(float64(len(d.rawChan)))
			}

			req, err := ParseMessage(raw, d.verifier)
			if err != nil {
				outcome := "invalid"
				if errors.Is(err, auth.ErrUnauthenticated) {
					outcome = "unauthenticated"
				}
				d.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping instruction message")
				d.finish(raw, outcome)
				continue
			}

			select {
			case shards[shardFor(req.Account, len(shards))] <- job{raw: raw, req: req}:
			case <-ctx.Done():
				d.finish(raw, "retry")
				return ctx.Err()
			}
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, j job) {
	_, err := d.processor.Handle(ctx, j.req)
	d.finish(j.raw, outcome(err))
}

// finish acks final outcomes and naks the ones worth redelivering.
func (d *Dispatcher) finish(raw RawMessage, outcome string) {
	if d.metrics != nil {
		d.metrics.IngestMessages.WithLabelValues(outcome).Inc()
	}
	if outcome == "retry" {
		if raw.NakFunc != nil {
			raw.NakFunc()
		}
		return
	}
	if raw.AckFunc != nil {
		raw.AckFunc()
	}
}

// outcome labels a processing result. "rejected" is a ledger rule refusing
// the operation; "refused" covers everything else that is final, such as
// authorization and malformed payloads.
func outcome(err error) string {
	switch {
	case err == nil:
		return "applied"
	case errors.Is(err, core.ErrDuplicateRequest):
		return "duplicate"
	case ledger.IsRejection(err):
		return "rejected"
	case errors.Is(err, ledger.ErrStorageFailure),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return "retry"
	default:
		return "refused"
	}
}

func shardFor(account uuid.UUID, n int) int {
	h := fnv.New32a()
	h.Write(account[:])
	return int(h.Sum32() % uint32(n))
}
