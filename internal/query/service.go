package query

import (
	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/observability"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	DefaultOperationLimit = 50
	MaxOperationLimit     = 500
)

// ErrUnavailable is returned by log and projection queries when the service
// runs without Postgres.
var ErrUnavailable = errors.New("query requires the postgres operation log")

// QueryService serves read-only views. Positions are read through the
// position store; operation history and activity come from Postgres.
type QueryService struct {
	store   ledger.PositionStore
	db      *sql.DB
	metrics *observability.Metrics
}

// NewQueryService builds a query service. db may be nil.
func NewQueryService(store ledger.PositionStore, db *sql.DB, metrics *observability.Metrics) *QueryService {
	return &QueryService{store: store, db: db, metrics: metrics}
}

// GetPosition returns the current position of account. Unknown accounts
// read as the zero position.
func (qs *QueryService) GetPosition(ctx context.Context, account uuid.UUID) (_ *PositionView, err error) {
	defer qs.observe("position", time.Now(), &err)

	p, err := qs.store.Get(ctx, account)
	if err != nil {
		return nil, err
	}
	view := NewPositionView(account, p)
	return &view, nil
}

// NewPositionView derives the ratio and limits for p.
func NewPositionView(account uuid.UUID, p ledger.Position) PositionView {
	view := PositionView{
		AccountID: account,
		Deposits:  p.Deposits,
		Borrowed:  p.Borrowed,
		Health:    p.Health().String(),
	}

	if p.Borrowed > 0 {
		ratio := fromUint64(p.Deposits).DivRound(fromUint64(p.Borrowed), 8)
		view.CollateralRatio = ratio.StringFixed(4)
	}

	if limit := fpmath.MaxDebt(p.Deposits, fpmath.CollateralRatio); limit > p.Borrowed {
		view.MaxBorrow = limit - p.Borrowed
	}

	if need, ok := fpmath.MinCollateral(p.Borrowed, fpmath.CollateralRatio); ok && need < p.Deposits {
		view.MaxWithdraw = p.Deposits - need
	}
	return view
}

// ListOperations returns logged operations for account, newest first.
// before is an exclusive id cursor; zero starts from the newest entry.
func (qs *QueryService) ListOperations(
	ctx context.Context,
	account uuid.UUID,
	limit int,
	before int64,
) (_ []OperationEntry, err error) {
	defer qs.observe("operations", time.Now(), &err)

	if qs.db == nil {
		return nil, ErrUnavailable
	}
	if limit <= 0 {
		limit = DefaultOperationLimit
	}
	if limit > MaxOperationLimit {
		limit = MaxOperationLimit
	}

	query := `
		SELECT id, request_id, caller_id, operation, amount,
		       deposits_before, borrowed_before, deposits_after, borrowed_after,
		       health, committed_at
		FROM lending.operations
		WHERE account_id = $1
	`
	args := []interface{}{account}
	argIdx := 2

	if before > 0 {
		query += fmt.Sprintf(" AND id < $%d", argIdx)
		args = append(args, before)
		argIdx++
	}

	query += " ORDER BY id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []OperationEntry{}
	for rows.Next() {
		var e OperationEntry
		var amount, depBefore, borBefore, depAfter, borAfter decimal.Decimal
		if err := rows.Scan(
			&e.ID, &e.RequestID, &e.CallerID, &e.Operation, &amount,
			&depBefore, &borBefore, &depAfter, &borAfter,
			&e.Health, &e.CommittedAt,
		); err != nil {
			return nil, err
		}
		if err := toUint64s(
			[]decimal.Decimal{amount, depBefore, borBefore, depAfter, borAfter},
			&e.Amount, &e.DepositsBefore, &e.BorrowedBefore, &e.DepositsAfter, &e.BorrowedAfter,
		); err != nil {
			return nil, fmt.Errorf("operation %d: %w", e.ID, err)
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// GetActivity returns lifetime totals for account. Accounts without
// committed operations get zero totals.
func (qs *QueryService) GetActivity(ctx context.Context, account uuid.UUID) (_ *ActivityView, err error) {
	defer qs.observe("activity", time.Now(), &err)

	if qs.db == nil {
		return nil, ErrUnavailable
	}

	view := &ActivityView{AccountID: account}
	var updatedAt time.Time
	err = qs.db.QueryRowContext(ctx, `
		SELECT total_deposited, total_borrowed, total_repaid, total_withdrawn,
		       total_liquidated, liquidation_count, operation_count,
		       last_operation, last_health, updated_at
		FROM projections.account_activity
		WHERE account_id = $1
	`, account).Scan(
		&view.TotalDeposited, &view.TotalBorrowed, &view.TotalRepaid, &view.TotalWithdrawn,
		&view.TotalLiquidated, &view.LiquidationCount, &view.OperationCount,
		&view.LastOperation, &view.LastHealth, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return view, nil
	}
	if err != nil {
		return nil, err
	}
	view.UpdatedAt = &updatedAt
	return view, nil
}

func (qs *QueryService) observe(endpoint string, start time.Time, err *error) {
	if qs.metrics == nil {
		return
	}
	status := "ok"
	if *err != nil {
		status = "error"
	}
	qs.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

// --- helpers ---

func fromUint64(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}

func toUint64s(src []decimal.Decimal, dst ...*uint64) error {
	for i, d := range src {
		n := d.BigInt()
		if !d.IsInteger() || !n.IsUint64() {
			return fmt.Errorf("value %s out of range", d)
		}
		*dst[i] = n.Uint64()
	}
	return nil
}
