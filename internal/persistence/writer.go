package persistence

import (
	"LendLedger/internal/event"
	"LendLedger/internal/ledger"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
)

// uniqueViolation is the Postgres SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

// OperationRow is one row of lending.operations.
type OperationRow struct {
	RequestID      string
	AccountID      string
	CallerID       string
	Operation      string
	Amount         uint64
	DepositsBefore uint64
	BorrowedBefore uint64
	DepositsAfter  uint64
	BorrowedAfter  uint64
	Health         string
	CommittedAt    time.Time
}

const operationColumns = 11

// NewOperationRow flattens a committed operation for the log.
func NewOperationRow(evt *event.OperationCommitted) OperationRow {
	return OperationRow{
		RequestID:      evt.RequestID.String(),
		AccountID:      evt.Account.String(),
		CallerID:       evt.Caller.String(),
		Operation:      evt.Operation.String(),
		Amount:         evt.Amount,
		DepositsBefore: evt.Before.Deposits,
		BorrowedBefore: evt.Before.Borrowed,
		DepositsAfter:  evt.After.Deposits,
		BorrowedAfter:  evt.After.Borrowed,
		Health:         evt.Health.String(),
		CommittedAt:    evt.CommittedAt,
	}
}

// NewReceiptRow flattens a receipt journaled by the Postgres store.
func NewReceiptRow(r ledger.Receipt) OperationRow {
	return OperationRow{
		RequestID:      r.RequestID.String(),
		AccountID:      r.Account.String(),
		CallerID:       r.Caller.String(),
		Operation:      r.Op.String(),
		Amount:         r.Amount,
		DepositsBefore: r.Before.Deposits,
		BorrowedBefore: r.Before.Borrowed,
		DepositsAfter:  r.After.Deposits,
		BorrowedAfter:  r.After.Borrowed,
		Health:         r.After.Health().String(),
		CommittedAt:    r.CommittedAt,
	}
}

// OperationLogWriter writes the operation log using multi-row INSERT.
type OperationLogWriter struct {
	db *sql.DB
}

func NewOperationLogWriter(db *sql.DB) *OperationLogWriter {
	return &OperationLogWriter{db: db}
}

// WriteOperationBatch inserts rows inside tx. Rows whose request id is
// already logged are skipped, so a retried batch is harmless.
func (w *OperationLogWriter) WriteOperationBatch(ctx context.Context, tx *sql.Tx, rows []OperationRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO lending.operations
		(request_id, account_id, caller_id, operation, amount,
		 deposits_before, borrowed_before, deposits_after, borrowed_after, health, committed_at)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*operationColumns)

	for i, r := range rows {
		base := i * operationColumns
		placeholders := make([]string, operationColumns)
		for c := range placeholders {
			placeholders[c] = fmt.Sprintf("$%d", base+c+1)
		}
		values = append(values, "("+strings.Join(placeholders, ", ")+")")

		// database/sql rejects uint64 values with the high bit set; NUMERIC
		// columns take the decimal string instead.
		args = append(args,
			r.RequestID, r.AccountID, r.CallerID, r.Operation, numeric(r.Amount),
			numeric(r.DepositsBefore), numeric(r.BorrowedBefore),
			numeric(r.DepositsAfter), numeric(r.BorrowedAfter),
			r.Health, r.CommittedAt,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (request_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// InsertOperation logs one row inside tx. A request id that is already logged
// fails with ledger.ErrAlreadyApplied so the caller's transaction rolls back.
func (w *OperationLogWriter) InsertOperation(ctx context.Context, tx *sql.Tx, r OperationRow) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO lending.operations
			(request_id, account_id, caller_id, operation, amount,
			 deposits_before, borrowed_before, deposits_after, borrowed_after, health, committed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.RequestID, r.AccountID, r.CallerID, r.Operation, numeric(r.Amount),
		numeric(r.DepositsBefore), numeric(r.BorrowedBefore),
		numeric(r.DepositsAfter), numeric(r.BorrowedAfter),
		r.Health, r.CommittedAt,
	)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ledger.ErrAlreadyApplied, r.RequestID)
	}
	if err != nil {
		return storageErr("log operation", err)
	}
	return nil
}

// RecentRequestIDs returns up to limit logged request ids, oldest first,
// for warming the idempotency LRU on start.
func (w *OperationLogWriter) RecentRequestIDs(ctx context.Context, limit int) ([]string, error) {
	rows, err := w.db.QueryContext(ctx,
		`SELECT request_id FROM (
			SELECT id, request_id FROM lending.operations ORDER BY id DESC LIMIT $1
		 ) recent ORDER BY id ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent request ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func numeric(v uint64) string {
	return strconv.FormatUint(v, 10)
}
