package logging

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/MarkoPoloResearchLab/promptledger/pkg/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapOperationLoggerFields(t *testing.T) {
	t.Parallel()
	core, logs := observer.New(zapcore.DebugLevel)
	operationLogger := NewZapOperationLogger(zap.New(core))
	userID, err := ledger.NewUserID("user-1")
	require.NoError(t, err)
	externalRef, err := ledger.NewExternalRef("purchase_pi_1")
	require.NoError(t, err)

	operationLogger.LogOperation(context.Background(), ledger.OperationLog{
		Operation:       "grant",
		UserID:          userID,
		Amount:          500,
		BucketType:      ledger.BucketPurchased,
		TransactionType: ledger.TransactionPurchase,
		ExternalRef:     externalRef,
		Status:          "ok",
	})

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zapcore.InfoLevel, entry.Level)
	assert.Equal(t, "ledger", entry.LoggerName)
	fields := entry.ContextMap()
	assert.Equal(t, "grant", fields["operation"])
	assert.Equal(t, "user-1", fields["user_id"])
	assert.Equal(t, int64(500), fields["amount"])
	assert.Equal(t, "purchase_pi_1", fields["external_ref"])
	assert.NotContains(t, fields, "item_type")
}

func TestZapOperationLoggerLevels(t *testing.T) {
	t.Parallel()
	core, logs := observer.New(zapcore.DebugLevel)
	operationLogger := NewZapOperationLogger(zap.New(core))

	operationLogger.LogOperation(context.Background(), ledger.OperationLog{
		Operation: "charge",
		Status:    "error",
		Error:     fmt.Errorf("%w: empty value", ledger.ErrInvalidUserID),
	})
	operationLogger.LogOperation(context.Background(), ledger.OperationLog{
		Operation: "sweep",
		Status:    "error",
		Error:     ledger.StorageError(errors.New("connection reset")),
	})

	require.Equal(t, 2, logs.Len())
	assert.Equal(t, zapcore.WarnLevel, logs.All()[0].Level)
	assert.Equal(t, zapcore.ErrorLevel, logs.All()[1].Level)
}

func TestZapOperationLoggerNilLogger(t *testing.T) {
	t.Parallel()
	assert.NotPanics(t, func() {
		NewZapOperationLogger(nil).LogOperation(context.Background(), ledger.OperationLog{Operation: "grant"})
	})
}
