package instruction

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedInstruction is returned for truncated, oversized or unknown input.
var ErrMalformedInstruction = errors.New("malformed instruction")

// Operation is the closed set of ledger operations.
type Operation uint8

const (
	OperationDeposit Operation = iota
	OperationBorrow
	OperationRepay
	OperationWithdraw
	OperationLiquidate
)

// Size is the encoded length: 1 tag byte + 8 bytes little-endian amount.
const Size = 9

// Operations lists every valid operation in tag order.
var Operations = []Operation{
	OperationDeposit,
	OperationBorrow,
	OperationRepay,
	OperationWithdraw,
	OperationLiquidate,
}

func (op Operation) String() string {
	switch op {
	case OperationDeposit:
		return "deposit"
	case OperationBorrow:
		return "borrow"
	case OperationRepay:
		return "repay"
	case OperationWithdraw:
		return "withdraw"
	case OperationLiquidate:
		return "liquidate"
	default:
		return "unknown"
	}
}

// Valid reports whether op is one of the five known operations.
func (op Operation) Valid() bool {
	return op <= OperationLiquidate
}

// ParseOperation maps a case-insensitive name to an Operation.
func ParseOperation(s string) (Operation, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for _, op := range Operations {
		if op.String() == name {
			return op, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown operation %q", ErrMalformedInstruction, s)
}

// Instruction is a decoded request to apply one operation.
type Instruction struct {
	Op     Operation
	Amount uint64
}

func (i Instruction) String() string {
	return fmt.Sprintf("%s(%d)", i.Op, i.Amount)
}

// Decode parses the 9-byte wire form [tag][amount u64 LE].
func Decode(b []byte) (Instruction, error) {
	if len(b) < Size {
		return Instruction{}, fmt.Errorf("%w: need %d bytes, got %d", ErrMalformedInstruction, Size, len(b))
	}
	if len(b) > Size {
		return Instruction{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformedInstruction, len(b)-Size)
	}

	op := Operation(b[0])
	if !op.Valid() {
		return Instruction{}, fmt.Errorf("%w: unknown tag %d", ErrMalformedInstruction, b[0])
	}

	return Instruction{
		Op:     op,
		Amount: binary.LittleEndian.Uint64(b[1:Size]),
	}, nil
}

// Encode returns the wire form of i.
func Encode(i Instruction) []byte {
	return AppendEncode(make([]byte, 0, Size), i)
}

// AppendEncode appends the wire form of i to buf.
func AppendEncode(buf []byte, i Instruction) []byte {
	buf = append(buf, byte(i.Op))
	return binary.LittleEndian.AppendUint64(buf, i.Amount)
}

func (op Operation) MarshalText() ([]byte, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("%w: unknown operation %d", ErrMalformedInstruction, uint8(op))
	}
	return []byte(op.String()), nil
}

func (op *Operation) UnmarshalText(text []byte) error {
	parsed, err := ParseOperation(string(text))
	if err != nil {
		return err
	}
	*op = parsed
	return nil
}
