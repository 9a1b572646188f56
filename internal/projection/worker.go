package projection

import (
	"LendLedger/internal/event"
	"LendLedger/internal/instruction"
	"LendLedger/internal/observability"
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ActivityWorker keeps projections.account_activity up to date from
// committed operations. The projection channel drops when full, so the
// table is eventually consistent and can be rebuilt from the operation log.
type ActivityWorker struct {
	db        *sql.DB
	inputChan <-chan *event.OperationCommitted
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewActivityWorker(
	db *sql.DB,
	inputChan <-chan *event.OperationCommitted,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *ActivityWorker {
	return &ActivityWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run applies operations until the input channel is closed or ctx is done.
func (aw *ActivityWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-aw.inputChan:
			if !ok {
				return nil
			}
			if aw.metrics != nil {
				aw.metrics.ChannelSize.WithLabelValues("projection").Set(float64(len(aw.inputChan)))
			}

			start := time.Now()
			if err := aw.apply(ctx, evt); err != nil {
				if aw.metrics != nil {
					aw.metrics.ProjectionErrors.Inc()
				}
				aw.logger.Warn().Err(err).
					Str("request_id", evt.IdempotencyKey()).
					Str("account", evt.Account.String()).
					Msg("activity projection update failed")
				continue
			}
			if aw.metrics != nil {
				aw.metrics.ProjectionUpdateDur.Observe(time.Since(start).Seconds())
			}
		}
	}
}

// Delta is the change one operation makes to an account's totals.
type Delta struct {
	Deposited   decimal.Decimal
	Borrowed    decimal.Decimal
	Repaid      decimal.Decimal
	Withdrawn   decimal.Decimal
	Liquidated  decimal.Decimal
	Liquidation int64
}

// DeltaFor returns the totals delta for evt.
func DeltaFor(evt *event.OperationCommitted) Delta {
	amount := decimal.NewFromBigInt(new(big.Int).SetUint64(evt.Amount), 0)
	d := Delta{
		Deposited:  decimal.Zero,
		Borrowed:   decimal.Zero,
		Repaid:     decimal.Zero,
		Withdrawn:  decimal.Zero,
		Liquidated: decimal.Zero,
	}
	switch evt.Operation {
	case instruction.OperationDeposit:
		d.Deposited = amount
	case instruction.OperationBorrow:
		d.Borrowed = amount
	case instruction.OperationRepay:
		d.Repaid = amount
	case instruction.OperationWithdraw:
		d.Withdrawn = amount
	case instruction.OperationLiquidate:
		d.Liquidated = amount
		d.Liquidation = 1
	}
	return d
}

// apply upserts the totals. A redelivered event (same request id as the
// last applied one) is ignored.
func (aw *ActivityWorker) apply(ctx context.Context, evt *event.OperationCommitted) error {
	d := DeltaFor(evt)
	_, err := aw.db.ExecContext(ctx, `
		INSERT INTO projections.account_activity
			(account_id, total_deposited, total_borrowed, total_repaid, total_withdrawn,
			 total_liquidated, liquidation_count, operation_count,
			 last_operation, last_health, last_request_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8, $9, $10, $11)
		ON CONFLICT (account_id) DO UPDATE SET
			total_deposited   = projections.account_activity.total_deposited + EXCLUDED.total_deposited,
			total_borrowed    = projections.account_activity.total_borrowed + EXCLUDED.total_borrowed,
			total_repaid      = projections.account_activity.total_repaid + EXCLUDED.total_repaid,
			total_withdrawn   = projections.account_activity.total_withdrawn + EXCLUDED.total_withdrawn,
			total_liquidated  = projections.account_activity.total_liquidated + EXCLUDED.total_liquidated,
			liquidation_count = projections.account_activity.liquidation_count + EXCLUDED.liquidation_count,
			operation_count   = projections.account_activity.operation_count + 1,
			last_operation    = EXCLUDED.last_operation,
			last_health       = EXCLUDED.last_health,
			last_request_id   = EXCLUDED.last_request_id,
			updated_at        = EXCLUDED.updated_at
		WHERE projections.account_activity.last_request_id IS DISTINCT FROM EXCLUDED.last_request_id
	`,
		evt.Account, d.Deposited, d.Borrowed, d.Repaid, d.Withdrawn,
		d.Liquidated, d.Liquidation,
		evt.Operation.String(), evt.Health.String(), evt.RequestID, evt.CommittedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert activity: %w", err)
	}
	return nil
}

// RebuildActivity recomputes projections.account_activity from the
// operation log.
func RebuildActivity(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `TRUNCATE projections.account_activity`); err != nil {
		return fmt.Errorf("truncate activity: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO projections.account_activity
			(account_id, total_deposited, total_borrowed, total_repaid, total_withdrawn,
			 total_liquidated, liquidation_count, operation_count,
			 last_operation, last_health, last_request_id, updated_at)
		SELECT
			account_id,
			COALESCE(SUM(amount) FILTER (WHERE operation = 'deposit'), 0),
			COALESCE(SUM(amount) FILTER (WHERE operation = 'borrow'), 0),
			COALESCE(SUM(amount) FILTER (WHERE operation = 'repay'), 0),
			COALESCE(SUM(amount) FILTER (WHERE operation = 'withdraw'), 0),
			COALESCE(SUM(amount) FILTER (WHERE operation = 'liquidate'), 0),
			COUNT(*) FILTER (WHERE operation = 'liquidate'),
			COUNT(*),
			(ARRAY_AGG(operation ORDER BY id DESC))[1],
			(ARRAY_AGG(health ORDER BY id DESC))[1],
			(ARRAY_AGG(request_id ORDER BY id DESC))[1],
			MAX(committed_at)
		FROM lending.operations
		GROUP BY account_id
	`)
	if err != nil {
		return fmt.Errorf("rebuild activity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	accounts, _ := res.RowsAffected()
	logger.Info().Int64("accounts", accounts).Msg("activity projection rebuilt")
	return nil
}
