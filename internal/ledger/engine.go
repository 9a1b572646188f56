package ledger

import (
	"LendLedger/internal/auth"
	"LendLedger/internal/instruction"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Receipt describes one committed operation.
type Receipt struct {
	// RequestID is uuid.Nil for operations run without one.
	RequestID   uuid.UUID
	Account     uuid.UUID
	Caller      uuid.UUID
	Op          instruction.Operation
	Amount      uint64
	Before      Position
	After       Position
	CommittedAt time.Time
}

// Engine applies instructions to positions held in a PositionStore.
// It holds no position state between calls.
type Engine struct {
	store PositionStore
	guard auth.Guard
	now   func() time.Time
}

func NewEngine(store PositionStore, guard auth.Guard) *Engine {
	return &Engine{store: store, guard: guard, now: time.Now}
}

// Execute authorizes caller, then runs one load/check/save cycle for account.
// Authorization failures are returned before the store is touched.
func (e *Engine) Execute(ctx context.Context, caller auth.Caller, account uuid.UUID, ins instruction.Instruction) (Receipt, error) {
	return e.ExecuteRequest(ctx, uuid.Nil, caller, account, ins)
}

// ExecuteRequest is Execute keyed by requestID. The store journals the
// request in the same write as the position; a request it has already
// journaled returns ErrAlreadyApplied and leaves the position untouched.
func (e *Engine) ExecuteRequest(ctx context.Context, requestID uuid.UUID, caller auth.Caller, account uuid.UUID, ins instruction.Instruction) (Receipt, error) {
	if err := e.guard.Authorize(caller, account, ins.Op); err != nil {
		return Receipt{}, err
	}

	receipt := Receipt{
		RequestID: requestID,
		Account:   account,
		Caller:    caller.ID,
		Op:        ins.Op,
		Amount:    ins.Amount,
	}
	var rejected error

	err := e.store.WithPosition(ctx, account, func(tx PositionTx) error {
		if requestID != uuid.Nil {
			seen, err := tx.Applied(requestID)
			if err != nil {
				return err
			}
			if seen {
				rejected = ErrAlreadyApplied
				return rejected
			}
		}

		before, err := tx.Load()
		if err != nil {
			return err
		}
		after, err := Apply(before, ins)
		if err != nil {
			rejected = err
			return err
		}
		if err := tx.Save(after); err != nil {
			return err
		}
		receipt.Before = before
		receipt.After = after
		receipt.CommittedAt = e.now().UTC()

		if requestID != uuid.Nil {
			return tx.Journal(receipt)
		}
		return nil
	})

	switch {
	case rejected != nil:
		return Receipt{}, rejected
	case err == nil:
		return receipt, nil
	case errors.Is(err, ErrAlreadyApplied), errors.Is(err, ErrStorageFailure):
		return Receipt{}, err
	default:
		return Receipt{}, fmt.Errorf("%w: %w", ErrStorageFailure, err)
	}
}

// Position returns the stored position for account.
func (e *Engine) Position(ctx context.Context, account uuid.UUID) (Position, error) {
	p, err := e.store.Get(ctx, account)
	if err != nil && !errors.Is(err, ErrStorageFailure) {
		return Position{}, fmt.Errorf("%w: %w", ErrStorageFailure, err)
	}
	return p, err
}
