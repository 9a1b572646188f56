package core

import (
	"LendLedger/internal/auth"
	"LendLedger/internal/event"
	"LendLedger/internal/instruction"
	"LendLedger/internal/ledger"
	"LendLedger/internal/observability"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Request is one encoded instruction from any transport.
type Request struct {
	// RequestID deduplicates redeliveries. uuid.Nil disables deduplication.
	RequestID uuid.UUID
	Caller    auth.Caller
	Account   uuid.UUID
	Payload   []byte
}

// Outputs are the downstream channels for committed operations. Persist is
// sent to blocking (backpressure) and is never abandoned once the position
// has committed; Publish and Projection drop when full. Any of them may be nil.
type Outputs struct {
	Persist    chan<- *event.OperationCommitted
	Publish    chan<- *event.OperationCommitted
	Projection chan<- *event.OperationCommitted
}

// Processor runs the decode, dedup, execute, emit pipeline. Unlike the
// engine it is safe to call from many goroutines at once; per-account
// ordering is left to the position store.
type Processor struct {
	engine      *ledger.Engine
	idempotency *IdempotencyChecker
	out         Outputs
	metrics     *observability.Metrics
	logger      zerolog.Logger
}

func NewProcessor(
	engine *ledger.Engine,
	idempotency *IdempotencyChecker,
	out Outputs,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Processor {
	return &Processor{
		engine:      engine,
		idempotency: idempotency,
		out:         out,
		metrics:     metrics,
		logger:      logger,
	}
}

// Handle decodes and applies req. The returned event is nil on error.
func (p *Processor) Handle(ctx context.Context, req Request) (*event.OperationCommitted, error) {
	start := time.Now()

	// Step 1: decode
	ins, err := instruction.Decode(req.Payload)
	if err != nil {
		p.reject("unknown", "malformed_instruction", req, err)
		return nil, err
	}
	return p.apply(ctx, req, ins, start)
}

// HandleInstruction applies an already-decoded instruction, for transports
// that carry the operation in structured form.
func (p *Processor) HandleInstruction(ctx context.Context, req Request, ins instruction.Instruction) (*event.OperationCommitted, error) {
	if !ins.Op.Valid() {
		err := instruction.ErrMalformedInstruction
		p.reject("unknown", "malformed_instruction", req, err)
		return nil, err
	}
	return p.apply(ctx, req, ins, time.Now())
}

func (p *Processor) apply(ctx context.Context, req Request, ins instruction.Instruction, start time.Time) (*event.OperationCommitted, error) {
	op := ins.Op.String()

	requestID := req.RequestID
	dedup := requestID != uuid.Nil
	if !dedup {
		requestID = uuid.New()
	}
	key := requestID.String()

	// Step 2: idempotency
	if dedup && p.idempotency != nil {
		if err := p.idempotency.Reserve(ctx, key); err != nil {
			p.reject(op, "duplicate", req, err)
			return nil, err
		}
	}

	// Step 3: guard, load, check, save and journal the request id
	receipt, err := p.engine.ExecuteRequest(ctx, requestID, req.Caller, req.Account, ins)
	if errors.Is(err, ledger.ErrAlreadyApplied) {
		// committed before, e.g. by a run whose log write never happened
		if dedup && p.idempotency != nil {
			p.idempotency.MarkProcessed(key)
		}
		err = fmt.Errorf("%w: %w", ErrDuplicateRequest, err)
		p.reject(op, "duplicate", req, err)
		return nil, err
	}
	if err != nil {
		if dedup && p.idempotency != nil {
			p.idempotency.Release(key)
		}
		p.reject(op, reason(err), req, err)
		return nil, err
	}

	evt := event.NewOperationCommitted(receipt)

	// Step 4: emit
	p.emit(evt)

	// Step 5: mark processed
	if dedup && p.idempotency != nil {
		p.idempotency.MarkProcessed(key)
	}

	if p.metrics != nil {
		p.metrics.OperationsApplied.WithLabelValues(op).Inc()
		p.metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
	p.logger.Debug().
		Str("request_id", key).
		Str("account", req.Account.String()).
		Str("operation", op).
		Uint64("amount", ins.Amount).
		Uint64("deposits", receipt.After.Deposits).
		Uint64("borrowed", receipt.After.Borrowed).
		Stringer("health", evt.Health).
		Msg("operation committed")

	return evt, nil
}

// emit fans evt out. The persist send ignores the request context: the
// position is already committed and the worker drains until shutdown.
func (p *Processor) emit(evt *event.OperationCommitted) {
	if p.out.Persist != nil {
		select {
		case p.out.Persist <- evt:
		default:
			if p.metrics != nil {
				p.metrics.PersistBackpressure.Inc()
			}
			p.out.Persist <- evt
		}
	}

	if p.out.Publish != nil {
		select {
		case p.out.Publish <- evt:
		default:
			if p.metrics != nil {
				p.metrics.PublishDrops.Inc()
			}
		}
	}

	if p.out.Projection != nil {
		select {
		case p.out.Projection <- evt:
		default:
			if p.metrics != nil {
				p.metrics.ProjectionDrops.Inc()
			}
		}
	}
}

func (p *Processor) reject(op, why string, req Request, err error) {
	if p.metrics != nil {
		p.metrics.OperationsRejected.WithLabelValues(op, why).Inc()
	}

	l := p.logger.Info()
	if why == "storage_failure" {
		l = p.logger.Error()
	}
	l.Err(err).
		Str("request_id", req.RequestID.String()).
		Str("account", req.Account.String()).
		Str("caller", req.Caller.String()).
		Str("operation", op).
		Str("reason", why).
		Msg("instruction rejected")
}

func reason(err error) string {
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, auth.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, instruction.ErrMalformedInstruction):
		return "malformed_instruction"
	default:
		return ledger.Reason(err)
	}
}
