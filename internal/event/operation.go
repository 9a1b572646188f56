package event

import (
	"LendLedger/internal/instruction"
	"LendLedger/internal/ledger"
	"time"

	"github.com/google/uuid"
)

// OperationCommitted is emitted once per successfully applied instruction.
// It is the unit written to the operation log, published on NATS and fed
// to projections.
type OperationCommitted struct {
	RequestID   uuid.UUID             `json:"request_id"`
	Account     uuid.UUID             `json:"account_id"`
	Caller      uuid.UUID             `json:"caller_id"`
	Operation   instruction.Operation `json:"operation"`
	Amount      uint64                `json:"amount"`
	Before      ledger.Position       `json:"before"`
	After       ledger.Position       `json:"after"`
	Health      ledger.Health         `json:"health"`
	CommittedAt time.Time             `json:"committed_at"`
}

func NewOperationCommitted(r ledger.Receipt) *OperationCommitted {
	return &OperationCommitted{
		RequestID:   r.RequestID,
		Account:     r.Account,
		Caller:      r.Caller,
		Operation:   r.Op,
		Amount:      r.Amount,
		Before:      r.Before,
		After:       r.After,
		Health:      r.After.Health(),
		CommittedAt: r.CommittedAt.UTC(),
	}
}

// IdempotencyKey is the request id in canonical string form.
func (e *OperationCommitted) IdempotencyKey() string {
	return e.RequestID.String()
}

// ThirdParty reports whether the caller acted on someone else's account.
func (e *OperationCommitted) ThirdParty() bool {
	return e.Caller != e.Account
}
