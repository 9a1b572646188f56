package event_test

import (
	"LendLedger/internal/event"
	"LendLedger/internal/instruction"
	"LendLedger/internal/ledger"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperationCommitted_FromReceipt(t *testing.T) {
	account := uuid.New()
	liquidator := uuid.New()
	requestID := uuid.New()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))

	evt := event.NewOperationCommitted(ledger.Receipt{
		RequestID:   requestID,
		Account:     account,
		Caller:      liquidator,
		Op:          instruction.OperationLiquidate,
		Amount:      200,
		Before:      ledger.Position{Deposits: 500, Borrowed: 500},
		After:       ledger.Position{Deposits: 300, Borrowed: 300},
		CommittedAt: at,
	})

	assert.Equal(t, ledger.HealthLiquidatable, evt.Health)
	assert.True(t, evt.ThirdParty())
	assert.Equal(t, requestID.String(), evt.IdempotencyKey())
	assert.Equal(t, time.UTC, evt.CommittedAt.Location())
}

func TestOperationCommitted_JSON(t *testing.T) {
	evt := &event.OperationCommitted{
		RequestID: uuid.New(),
		Account:   uuid.New(),
		Operation: instruction.OperationBorrow,
		Amount:    1<<64 - 1,
		After:     ledger.Position{Deposits: 1000, Borrowed: 600},
		Health:    ledger.HealthHealthy,
	}
	evt.Caller = evt.Account

	data, err := json.Marshal(evt)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "borrow", raw["operation"])
	assert.Equal(t, "healthy", raw["health"])
	assert.Contains(t, string(data), `"amount":18446744073709551615`)

	var back event.OperationCommitted
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, evt.Amount, back.Amount)
	assert.Equal(t, evt.Operation, back.Operation)
	assert.False(t, back.ThirdParty())
}
