package persistence

import (
	"LendLedger/internal/ledger"
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// PostgresStore keeps positions in lending.positions and serializes
// operations per account with SELECT ... FOR UPDATE. Journaled requests are
// inserted into lending.operations in the same transaction.
type PostgresStore struct {
	db  *sql.DB
	log *OperationLogWriter
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, log: NewOperationLogWriter(db)}
}

// emptyRecord is an uninitialized 17-byte record. It is inserted so that the
// row lock also covers accounts seen for the first time.
var emptyRecord = make([]byte, ledger.RecordSize)

func (s *PostgresStore) WithPosition(ctx context.Context, id uuid.UUID, fn func(tx ledger.PositionTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin tx", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO lending.positions (account_id, record) VALUES ($1, $2)
		 ON CONFLICT (account_id) DO NOTHING`,
		id, emptyRecord,
	); err != nil {
		return storageErr("ensure position row", err)
	}

	var record []byte
	if err := tx.QueryRowContext(ctx,
		`SELECT record FROM lending.positions WHERE account_id = $1 FOR UPDATE`, id,
	).Scan(&record); err != nil {
		return storageErr("lock position", err)
	}

	ptx := &sqlTx{ctx: ctx, tx: tx}
	if err := ptx.current.UnmarshalBinary(record); err != nil {
		return err
	}

	if err := fn(ptx); err != nil {
		return err
	}

	if ptx.staged != nil {
		rec, err := ptx.staged.MarshalBinary()
		if err != nil {
			return storageErr("encode position", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE lending.positions SET record = $2, updated_at = NOW() WHERE account_id = $1`,
			id, rec,
		); err != nil {
			return storageErr("save position", err)
		}
	}

	if ptx.journal != nil {
		if err := s.log.InsertOperation(ctx, tx, NewReceiptRow(*ptx.journal)); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("commit", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (ledger.Position, error) {
	var record []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM lending.positions WHERE account_id = $1`, id,
	).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Position{}, nil
	}
	if err != nil {
		return ledger.Position{}, storageErr("read position", err)
	}

	var p ledger.Position
	if err := p.UnmarshalBinary(record); err != nil {
		return ledger.Position{}, err
	}
	return p, nil
}

// Ping checks the connection for readiness probes.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// stagedTx is the part of PositionTx shared by the SQL and Redis stores: the
// current record is read once, and Save and Journal are held until the
// backing transaction commits.
type stagedTx struct {
	current ledger.Position
	staged  *ledger.Position
	journal *ledger.Receipt
}

func (t *stagedTx) Load() (ledger.Position, error) {
	if t.staged != nil {
		return *t.staged, nil
	}
	return t.current, nil
}

func (t *stagedTx) Save(p ledger.Position) error {
	t.staged = &p
	return nil
}

func (t *stagedTx) Journal(r ledger.Receipt) error {
	t.journal = &r
	return nil
}

type sqlTx struct {
	stagedTx
	ctx context.Context
	tx  *sql.Tx
}

// Applied looks the request id up in the operation log. It runs after the
// row lock, so a concurrent commit of the same request is already visible.
func (t *sqlTx) Applied(requestID uuid.UUID) (bool, error) {
	var exists int
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT 1 FROM lending.operations WHERE request_id = $1`, requestID,
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("check request id", err)
	}
	return true, nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ledger.ErrStorageFailure, op, err)
}
