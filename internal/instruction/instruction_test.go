package instruction_test

import (
	"LendLedger/internal/instruction"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	// borrow 600: tag 1, amount 0x0258 little-endian
	data := []byte{1, 0x58, 0x02, 0, 0, 0, 0, 0, 0}

	ins, err := instruction.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, instruction.OperationBorrow, ins.Op)
	assert.Equal(t, uint64(600), ins.Amount)
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"tag only", []byte{0}},
		{"truncated amount", []byte{0, 1, 2, 3}},
		{"trailing bytes", []byte{0, 1, 0, 0, 0, 0, 0, 0, 0, 9}},
		{"unknown tag", []byte{5, 1, 0, 0, 0, 0, 0, 0, 0}},
		{"high tag", []byte{0xff, 1, 0, 0, 0, 0, 0, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := instruction.Decode(tt.data)
			require.Error(t, err)
			assert.True(t, errors.Is(err, instruction.ErrMalformedInstruction), "got %v", err)
		})
	}
}

func TestEncodeDecode_AllOperations(t *testing.T) {
	for _, op := range instruction.Operations {
		in := instruction.Instruction{Op: op, Amount: 1<<63 + uint64(op)}
		data := instruction.Encode(in)
		require.Len(t, data, instruction.Size)
		assert.Equal(t, byte(op), data[0])

		out, err := instruction.Decode(data)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	}
}

func TestParseOperation(t *testing.T) {
	op, err := instruction.ParseOperation(" Liquidate ")
	require.NoError(t, err)
	assert.Equal(t, instruction.OperationLiquidate, op)

	_, err = instruction.ParseOperation("flashloan")
	assert.ErrorIs(t, err, instruction.ErrMalformedInstruction)
}

func TestOperationString(t *testing.T) {
	assert.Equal(t, "deposit", instruction.OperationDeposit.String())
	assert.Equal(t, "withdraw", instruction.OperationWithdraw.String())
	assert.Equal(t, "unknown", instruction.Operation(42).String())
}

func FuzzDecode(f *testing.F) {
	f.Add([]byte{0, 1, 0, 0, 0, 0, 0, 0, 0})
	f.Add([]byte{4, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, data []byte) {
		ins, err := instruction.Decode(data)
		if err != nil {
			if !errors.Is(err, instruction.ErrMalformedInstruction) {
				t.Fatalf("unexpected error kind: %v", err)
			}
			return
		}
		if got := instruction.Encode(ins); string(got) != string(data) {
			t.Fatalf("re-encode mismatch: %x vs %x", got, data)
		}
	})
}

func TestOperationText(t *testing.T) {
	text, err := instruction.OperationRepay.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "repay", string(text))

	var op instruction.Operation
	require.NoError(t, op.UnmarshalText([]byte("BORROW")))
	assert.Equal(t, instruction.OperationBorrow, op)

	_, err = instruction.Operation(7).MarshalText()
	assert.ErrorIs(t, err, instruction.ErrMalformedInstruction)
}
