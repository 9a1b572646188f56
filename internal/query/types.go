package query

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PositionView is a position plus the limits derived from it at query time.
type PositionView struct {
	AccountID uuid.UUID `json:"account_id"`
	Deposits  uint64    `json:"deposits"`
	Borrowed  uint64    `json:"borrowed"`
	Health    string    `json:"health"`

	// Derived (not stored)
	CollateralRatio string `json:"collateral_ratio"` // deposits/borrowed, 4 dp; empty with no debt
	MaxBorrow       uint64 `json:"max_borrow"`       // extra debt the deposits still carry at 150%
	MaxWithdraw     uint64 `json:"max_withdraw"`     // collateral removable while staying at 150%
}

// OperationEntry is one row of the operation log.
type OperationEntry struct {
	ID             int64     `json:"id"`
	RequestID      uuid.UUID `json:"request_id"`
	CallerID       uuid.UUID `json:"caller_id"`
	Operation      string    `json:"operation"`
	Amount         uint64    `json:"amount"`
	DepositsBefore uint64    `json:"deposits_before"`
	BorrowedBefore uint64    `json:"borrowed_before"`
	DepositsAfter  uint64    `json:"deposits_after"`
	BorrowedAfter  uint64    `json:"borrowed_after"`
	Health         string    `json:"health"`
	CommittedAt    time.Time `json:"committed_at"`
}

// ActivityView holds lifetime totals from the activity projection. Totals
// are decimals because they can exceed a single 64-bit balance.
type ActivityView struct {
	AccountID        uuid.UUID       `json:"account_id"`
	TotalDeposited   decimal.Decimal `json:"total_deposited"`
	TotalBorrowed    decimal.Decimal `json:"total_borrowed"`
	TotalRepaid      decimal.Decimal `json:"total_repaid"`
	TotalWithdrawn   decimal.Decimal `json:"total_withdrawn"`
	TotalLiquidated  decimal.Decimal `json:"total_liquidated"`
	LiquidationCount int64           `json:"liquidation_count"`
	OperationCount   int64           `json:"operation_count"`
	LastOperation    string          `json:"last_operation,omitempty"`
	LastHealth       string          `json:"last_health,omitempty"`
	UpdatedAt        *time.Time      `json:"updated_at,omitempty"`
}
