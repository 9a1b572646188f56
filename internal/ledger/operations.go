package ledger

import (
	"LendLedger/internal/instruction"
	fpmath "LendLedger/internal/math"
	"fmt"
)

// Apply computes the position that results from ins. It never mutates p;
// on error the returned position is the input unchanged.
func Apply(p Position, ins instruction.Instruction) (Position, error) {
	switch ins.Op {
	case instruction.OperationDeposit:
		return Deposit(p, ins.Amount)
	case instruction.OperationBorrow:
		return Borrow(p, ins.Amount)
	case instruction.OperationRepay:
		return Repay(p, ins.Amount)
	case instruction.OperationWithdraw:
		return Withdraw(p, ins.Amount)
	case instruction.OperationLiquidate:
		return Liquidate(p, ins.Amount)
	default:
		return p, fmt.Errorf("%w: unknown operation %d", instruction.ErrMalformedInstruction, ins.Op)
	}
}

func requirePositive(amount uint64) error {
	if amount == 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidArgument)
	}
	return nil
}

func Deposit(p Position, amount uint64) (Position, error) {
	if err := requirePositive(amount); err != nil {
		return p, err
	}
	deposits, ok := fpmath.CheckedAdd(p.Deposits, amount)
	if !ok {
		return p, fmt.Errorf("%w: deposits %d + %d", ErrOverflow, p.Deposits, amount)
	}
	return Position{Deposits: deposits, Borrowed: p.Borrowed}, nil
}

// Borrow checks the collateral ratio on the total debt after the borrow.
func Borrow(p Position, amount uint64) (Position, error) {
	if err := requirePositive(amount); err != nil {
		return p, err
	}
	borrowed, ok := fpmath.CheckedAdd(p.Borrowed, amount)
	if !ok {
		return p, fmt.Errorf("%w: borrowed %d + %d", ErrOverflow, p.Borrowed, amount)
	}
	next := Position{Deposits: p.Deposits, Borrowed: borrowed}
	if !next.Solvent() {
		return p, fmt.Errorf("%w: deposits %d cannot carry debt %d", ErrCollateralNotSufficient, next.Deposits, next.Borrowed)
	}
	return next, nil
}

func Repay(p Position, amount uint64) (Position, error) {
	if err := requirePositive(amount); err != nil {
		return p, err
	}
	borrowed, ok := fpmath.CheckedSub(p.Borrowed, amount)
	if !ok {
		return p, fmt.Errorf("%w: repay %d exceeds debt %d", ErrInvalidArgument, amount, p.Borrowed)
	}
	return Position{Deposits: p.Deposits, Borrowed: borrowed}, nil
}

func Withdraw(p Position, amount uint64) (Position, error) {
	if err := requirePositive(amount); err != nil {
		return p, err
	}
	deposits, ok := fpmath.CheckedSub(p.Deposits, amount)
	if !ok {
		return p, fmt.Errorf("%w: withdraw %d exceeds deposits %d", ErrInvalidArgument, amount, p.Deposits)
	}
	next := Position{Deposits: deposits, Borrowed: p.Borrowed}
	if !next.Solvent() {
		return p, fmt.Errorf("%w: deposits %d cannot carry debt %d", ErrCollateralNotSufficient, next.Deposits, next.Borrowed)
	}
	return next, nil
}

// Liquidate seizes amount of collateral against the same amount of debt.
// The result is not required to be solvent.
func Liquidate(p Position, amount uint64) (Position, error) {
	if err := requirePositive(amount); err != nil {
		return p, err
	}
	if !p.Liquidatable() {
		return p, fmt.Errorf("%w: position %s is above the liquidation threshold", ErrCollateralNotSufficient, p)
	}
	if amount > p.Borrowed {
		return p, fmt.Errorf("%w: liquidation %d exceeds debt %d", ErrInvalidArgument, amount, p.Borrowed)
	}
	if amount > p.Deposits {
		return p, fmt.Errorf("%w: liquidation %d exceeds collateral %d", ErrInvalidArgument, amount, p.Deposits)
	}
	return Position{Deposits: p.Deposits - amount, Borrowed: p.Borrowed - amount}, nil
}
