package persistence_test

import (
	"LendLedger/internal/auth"
	"LendLedger/internal/event"
	"LendLedger/internal/instruction"
	"LendLedger/internal/ledger"
	"LendLedger/internal/observability"
	"LendLedger/internal/persistence"
	"LendLedger/internal/testutil"
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// storeContract runs the same checks against every PositionStore backend.
func storeContract(t *testing.T, store ledger.PositionStore) {
	t.Helper()
	ctx := context.Background()
	engine := ledger.NewEngine(store, auth.NewDefaultGuard())
	account := uuid.New()
	caller := auth.Caller{ID: account}

	p, err := store.Get(ctx, account)
	if err != nil || !p.IsZero() {
		t.Fatalf("unknown account: got %s, %v", p, err)
	}

	if _, err := engine.Execute(ctx, caller, account, instruction.Instruction{Op: instruction.OperationDeposit, Amount: math.MaxUint64}); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := engine.Execute(ctx, caller, account, instruction.Instruction{Op: instruction.OperationBorrow, Amount: 600}); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	p, err = store.Get(ctx, account)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p != (ledger.Position{Deposits: math.MaxUint64, Borrowed: 600}) {
		t.Errorf("stored %s", p)
	}

	// rejection leaves the stored record untouched
	_, err = engine.Execute(ctx, caller, account, instruction.Instruction{Op: instruction.OperationDeposit, Amount: 1})
	if !errors.Is(err, ledger.ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
	after, _ := store.Get(ctx, account)
	if after != p {
		t.Errorf("rejected operation changed record: %s -> %s", p, after)
	}

	// concurrent deposits on one account serialize
	other := uuid.New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := engine.Execute(ctx, auth.Caller{ID: other}, other, instruction.Instruction{Op: instruction.OperationDeposit, Amount: 5}); err != nil {
				t.Errorf("concurrent deposit: %v", err)
			}
		}()
	}
	wg.Wait()

	p, _ = store.Get(ctx, other)
	if p.Deposits != 100 {
		t.Errorf("concurrent deposits = %d, want 100", p.Deposits)
	}

	// a journaled request id is refused with the position untouched
	requestID := uuid.New()
	if _, err := engine.ExecuteRequest(ctx, requestID, auth.Caller{ID: other}, other, instruction.Instruction{Op: instruction.OperationDeposit, Amount: 1}); err != nil {
		t.Fatalf("journaled deposit: %v", err)
	}
	_, err = engine.ExecuteRequest(ctx, requestID, auth.Caller{ID: other}, other, instruction.Instruction{Op: instruction.OperationDeposit, Amount: 1})
	if !errors.Is(err, ledger.ErrAlreadyApplied) {
		t.Fatalf("redelivered deposit: expected ErrAlreadyApplied, got %v", err)
	}
	p, _ = store.Get(ctx, other)
	if p.Deposits != 101 {
		t.Errorf("deposits after redelivery = %d, want 101", p.Deposits)
	}
}

func TestPostgresStore_JournalsInSameTransaction(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	engine := ledger.NewEngine(persistence.NewPostgresStore(db), auth.NewDefaultGuard())
	account := uuid.New()
	requestID := uuid.New()

	if _, err := engine.ExecuteRequest(ctx, requestID, auth.Caller{ID: account}, account,
		instruction.Instruction{Op: instruction.OperationDeposit, Amount: 1000}); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	// no persistence worker is running: the row came from the store itself
	dup, err := persistence.NewPostgresIdempotencyChecker(db).IsDuplicate(ctx, requestID.String())
	if err != nil || !dup {
		t.Fatalf("IsDuplicate = %v, %v; want true", dup, err)
	}

	var depositsAfter string
	if err := db.QueryRow(`SELECT deposits_after::text FROM lending.operations WHERE request_id = $1`, requestID).Scan(&depositsAfter); err != nil {
		t.Fatalf("read log row: %v", err)
	}
	if depositsAfter != "1000" {
		t.Errorf("deposits_after = %s, want 1000", depositsAfter)
	}

	// the same id against another account also fails and rolls back
	other := uuid.New()
	_, err = engine.ExecuteRequest(ctx, requestID, auth.Caller{ID: other}, other,
		instruction.Instruction{Op: instruction.OperationDeposit, Amount: 5})
	if !errors.Is(err, ledger.ErrAlreadyApplied) {
		t.Fatalf("reused id: expected ErrAlreadyApplied, got %v", err)
	}
	if p, _ := engine.Position(ctx, other); !p.IsZero() {
		t.Errorf("rolled back position = %s, want zero", p)
	}
}

func TestPostgresStore_Contract(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	storeContract(t, persistence.NewPostgresStore(db))
}

func TestRedisStore_Contract(t *testing.T) {
	testutil.RequireIntegration(t)
	client, cleanup := testutil.SetupTestRedis(t)
	defer cleanup()

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	storeContract(t, persistence.NewRedisStore(client, persistence.RedisOptions{MaxRetries: 1000}, metrics))
}

func TestRedisStore_CorruptRecord(t *testing.T) {
	testutil.RequireIntegration(t)
	client, cleanup := testutil.SetupTestRedis(t)
	defer cleanup()

	account := uuid.New()
	client.Set(context.Background(), "lend:position:"+account.String(), []byte{1, 2, 3}, 0)

	store := persistence.NewRedisStore(client, persistence.RedisOptions{}, nil)
	if _, err := store.Get(context.Background(), account); !errors.Is(err, ledger.ErrStorageFailure) {
		t.Errorf("expected ErrStorageFailure, got %v", err)
	}
}

func TestPersistenceWorker_WritesOperationLog(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	in := make(chan *event.OperationCommitted, 8)
	worker := persistence.NewPersistenceWorker(db, in, 2, 5*time.Millisecond, nil, zerolog.Nop())

	account := uuid.New()
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for i, id := range ids {
		in <- &event.OperationCommitted{
			RequestID:   id,
			Account:     account,
			Caller:      account,
			Operation:   instruction.OperationDeposit,
			Amount:      math.MaxUint64 - uint64(i),
			After:       ledger.Position{Deposits: math.MaxUint64 - uint64(i)},
			Health:      ledger.HealthHealthy,
			CommittedAt: time.Now(),
		}
	}
	// redelivered row is ignored
	in <- &event.OperationCommitted{RequestID: ids[0], Account: account, Caller: account, CommittedAt: time.Now()}
	close(in)

	if err := worker.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM lending.operations WHERE account_id = $1`, account).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Errorf("logged %d operations, want 3", count)
	}

	checker := persistence.NewPostgresIdempotencyChecker(db)
	dup, err := checker.IsDuplicate(context.Background(), ids[1].String())
	if err != nil || !dup {
		t.Errorf("IsDuplicate(logged) = %v, %v", dup, err)
	}
	dup, err = checker.IsDuplicate(context.Background(), uuid.NewString())
	if err != nil || dup {
		t.Errorf("IsDuplicate(unknown) = %v, %v", dup, err)
	}

	recent, err := persistence.NewOperationLogWriter(db).RecentRequestIDs(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 3 || recent[0] != ids[0].String() {
		t.Errorf("recent request ids = %v", recent)
	}
}
