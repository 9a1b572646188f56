package ledger_test

import (
	"LendLedger/internal/instruction"
	"LendLedger/internal/ledger"
	"errors"
	"math"
	"testing"
)

// ============================================================================
// Test: Scenarios
// ============================================================================

func TestScenario_BorrowAgainstDeposit(t *testing.T) {
	p := ledger.Position{}

	p, err := ledger.Deposit(p, 1000)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if p != (ledger.Position{Deposits: 1000}) {
		t.Fatalf("after deposit: got %s", p)
	}

	p, err = ledger.Borrow(p, 600)
	if err != nil {
		t.Fatalf("borrow 600: %v", err)
	}
	if p != (ledger.Position{Deposits: 1000, Borrowed: 600}) {
		t.Fatalf("after borrow: got %s", p)
	}

	next, err := ledger.Borrow(p, 100)
	if !errors.Is(err, ledger.ErrCollateralNotSufficient) {
		t.Fatalf("borrow 100 more: expected ErrCollateralNotSufficient, got %v", err)
	}
	if next != p {
		t.Errorf("rejected borrow changed position: %s", next)
	}
}

func TestScenario_Withdraw(t *testing.T) {
	p := ledger.Position{Deposits: 1000, Borrowed: 600}

	next, err := ledger.Withdraw(p, 350)
	if !errors.Is(err, ledger.ErrCollateralNotSufficient) {
		t.Fatalf("withdraw 350: expected ErrCollateralNotSufficient, got %v", err)
	}
	if next != p {
		t.Errorf("rejected withdraw changed position: %s", next)
	}

	p, err = ledger.Withdraw(p, 100)
	if err != nil {
		t.Fatalf("withdraw 100: %v", err)
	}
	if p != (ledger.Position{Deposits: 900, Borrowed: 600}) {
		t.Errorf("after withdraw: got %s", p)
	}
}

func TestScenario_PartialLiquidation(t *testing.T) {
	p := ledger.Position{Deposits: 500, Borrowed: 500}
	if !p.Liquidatable() {
		t.Fatal("(500, 500) should be liquidatable")
	}

	p, err := ledger.Liquidate(p, 200)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if p != (ledger.Position{Deposits: 300, Borrowed: 300}) {
		t.Fatalf("after liquidate: got %s", p)
	}
	if !p.Liquidatable() {
		t.Error("(300, 300) should still be liquidatable")
	}
}

// ============================================================================
// Test: Operation edge cases
// ============================================================================

func TestOperations_Errors(t *testing.T) {
	tests := []struct {
		name    string
		start   ledger.Position
		ins     instruction.Instruction
		wantErr error
	}{
		{"deposit zero", ledger.Position{}, ins(instruction.OperationDeposit, 0), ledger.ErrInvalidArgument},
		{"borrow zero", ledger.Position{Deposits: 10}, ins(instruction.OperationBorrow, 0), ledger.ErrInvalidArgument},
		{"repay zero", ledger.Position{Borrowed: 10}, ins(instruction.OperationRepay, 0), ledger.ErrInvalidArgument},
		{"withdraw zero", ledger.Position{Deposits: 10}, ins(instruction.OperationWithdraw, 0), ledger.ErrInvalidArgument},
		{"liquidate zero", ledger.Position{Deposits: 1, Borrowed: 10}, ins(instruction.OperationLiquidate, 0), ledger.ErrInvalidArgument},

		{"deposit overflow", ledger.Position{Deposits: math.MaxUint64}, ins(instruction.OperationDeposit, 1), ledger.ErrOverflow},
		{"borrow overflow", ledger.Position{Deposits: math.MaxUint64, Borrowed: math.MaxUint64 - 1}, ins(instruction.OperationBorrow, 2), ledger.ErrOverflow},
		{"borrow without collateral", ledger.Position{}, ins(instruction.OperationBorrow, 1), ledger.ErrCollateralNotSufficient},

		{"repay more than owed", ledger.Position{Borrowed: 10}, ins(instruction.OperationRepay, 11), ledger.ErrInvalidArgument},
		{"withdraw more than held", ledger.Position{Deposits: 10}, ins(instruction.OperationWithdraw, 11), ledger.ErrInvalidArgument},

		{"liquidate healthy", ledger.Position{Deposits: 1000, Borrowed: 600}, ins(instruction.OperationLiquidate, 1), ledger.ErrCollateralNotSufficient},
		{"liquidate stressed", ledger.Position{Deposits: 600, Borrowed: 500}, ins(instruction.OperationLiquidate, 1), ledger.ErrCollateralNotSufficient},
		{"liquidate at threshold", ledger.Position{Deposits: 550, Borrowed: 500}, ins(instruction.OperationLiquidate, 1), ledger.ErrCollateralNotSufficient},
		{"liquidate no debt", ledger.Position{}, ins(instruction.OperationLiquidate, 1), ledger.ErrCollateralNotSufficient},
		{"liquidate more than debt", ledger.Position{Deposits: 500, Borrowed: 500}, ins(instruction.OperationLiquidate, 501), ledger.ErrInvalidArgument},
		{"liquidate more than collateral", ledger.Position{Deposits: 50, Borrowed: 500}, ins(instruction.OperationLiquidate, 100), ledger.ErrInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ledger.Apply(tt.start, tt.ins)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if got != tt.start {
				t.Errorf("failed operation changed position: %s -> %s", tt.start, got)
			}
		})
	}
}

func TestRepay_ExactDebtClears(t *testing.T) {
	p, err := ledger.Repay(ledger.Position{Deposits: 900, Borrowed: 600}, 600)
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if p.Borrowed != 0 || p.Deposits != 900 {
		t.Errorf("got %s, want {900 0}", p)
	}
}

func TestLiquidate_FullSeizure(t *testing.T) {
	p, err := ledger.Liquidate(ledger.Position{Deposits: 100, Borrowed: 100}, 100)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if !p.IsZero() {
		t.Errorf("got %s, want zero position", p)
	}
}

func TestBorrow_ChecksTotalDebt(t *testing.T) {
	// 400 alone satisfies 150% of 1000, but not on top of 500 already owed.
	_, err := ledger.Borrow(ledger.Position{Deposits: 1000, Borrowed: 500}, 400)
	if !errors.Is(err, ledger.ErrCollateralNotSufficient) {
		t.Errorf("expected ErrCollateralNotSufficient, got %v", err)
	}
}

func TestApply_UnknownOperation(t *testing.T) {
	_, err := ledger.Apply(ledger.Position{}, instruction.Instruction{Op: instruction.Operation(9), Amount: 1})
	if !errors.Is(err, instruction.ErrMalformedInstruction) {
		t.Errorf("expected ErrMalformedInstruction, got %v", err)
	}
}

// ============================================================================
// Test: Health
// ============================================================================

func TestHealth(t *testing.T) {
	tests := []struct {
		p    ledger.Position
		want ledger.Health
	}{
		{ledger.Position{}, ledger.HealthHealthy},
		{ledger.Position{Deposits: 900, Borrowed: 600}, ledger.HealthHealthy},
		{ledger.Position{Deposits: 899, Borrowed: 600}, ledger.HealthStressed},
		{ledger.Position{Deposits: 550, Borrowed: 500}, ledger.HealthStressed},
		{ledger.Position{Deposits: 549, Borrowed: 500}, ledger.HealthLiquidatable},
		{ledger.Position{Deposits: 0, Borrowed: 1}, ledger.HealthLiquidatable},
	}

	for _, tt := range tests {
		if got := tt.p.Health(); got != tt.want {
			t.Errorf("%s: got %s, want %s", tt.p, got, tt.want)
		}
	}
}

// ============================================================================
// Test: Record codec
// ============================================================================

func TestPositionRecord(t *testing.T) {
	p := ledger.Position{Deposits: 0x0102030405060708, Borrowed: math.MaxUint64}

	data, err := p.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(data) != ledger.RecordSize {
		t.Fatalf("record length %d, want %d", len(data), ledger.RecordSize)
	}
	if data[0] != 1 || data[1] != 0x08 || data[8] != 0x01 {
		t.Errorf("unexpected layout: %x", data)
	}

	var got ledger.Position
	if err := got.UnmarshalBinary(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != p {
		t.Errorf("got %s, want %s", got, p)
	}
}

func TestPositionRecord_Uninitialized(t *testing.T) {
	data := make([]byte, ledger.RecordSize)
	data[5] = 0xff // ignored while the flag is clear

	got := ledger.Position{Deposits: 7}
	if err := got.UnmarshalBinary(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !got.IsZero() {
		t.Errorf("uninitialized record decoded to %s", got)
	}
}

func TestPositionRecord_Corrupt(t *testing.T) {
	bad := [][]byte{
		nil,
		make([]byte, ledger.RecordSize-1),
		make([]byte, ledger.RecordSize+1),
		append([]byte{2}, make([]byte, ledger.RecordSize-1)...),
	}
	for _, data := range bad {
		var p ledger.Position
		if err := p.UnmarshalBinary(data); !errors.Is(err, ledger.ErrStorageFailure) {
			t.Errorf("record %x: expected ErrStorageFailure, got %v", data, err)
		}
	}
}

// ============================================================================
// Test: Properties
// ============================================================================

func ins(op instruction.Operation, amount uint64) instruction.Instruction {
	return instruction.Instruction{Op: op, Amount: amount}
}

func FuzzOperations(f *testing.F) {
	f.Add(uint64(1000), uint64(600), uint8(1), uint64(100))
	f.Add(uint64(500), uint64(500), uint8(4), uint64(200))
	f.Add(uint64(900), uint64(600), uint8(3), uint64(1))
	f.Add(uint64(math.MaxUint64), uint64(0), uint8(0), uint64(1))

	f.Fuzz(func(t *testing.T, deposits, borrowed uint64, tag uint8, amount uint64) {
		start := ledger.Position{Deposits: deposits, Borrowed: borrowed}
		op := instruction.Operation(tag % 5)

		got, err := ledger.Apply(start, ins(op, amount))
		if err != nil {
			if got != start {
				t.Fatalf("%s(%d) on %s failed but changed position to %s", op, amount, start, got)
			}
			return
		}

		switch op {
		case instruction.OperationDeposit:
			if got.Deposits-start.Deposits != amount || got.Deposits < start.Deposits {
				t.Fatalf("deposit wrapped: %s -> %s", start, got)
			}
		case instruction.OperationBorrow, instruction.OperationWithdraw:
			if !got.Solvent() {
				t.Fatalf("%s left %s insolvent", op, got)
			}
		case instruction.OperationRepay:
			if got.Borrowed > start.Borrowed {
				t.Fatalf("repay increased debt: %s -> %s", start, got)
			}
			back, err := ledger.Borrow(got, amount)
			if err == nil && back.Borrowed != start.Borrowed {
				t.Fatalf("repay/borrow round trip: %s -> %s -> %s", start, got, back)
			}
		case instruction.OperationLiquidate:
			if !start.Liquidatable() {
				t.Fatalf("liquidated %s above threshold", start)
			}
			if start.Deposits-got.Deposits != amount || start.Borrowed-got.Borrowed != amount {
				t.Fatalf("liquidation not 1:1: %s -> %s", start, got)
			}
		}

		if op == instruction.OperationDeposit {
			back, err := ledger.Withdraw(got, amount)
			if err == nil && back.Deposits != start.Deposits {
				t.Fatalf("deposit/withdraw round trip: %s -> %s -> %s", start, got, back)
			}
		}
	})
}
