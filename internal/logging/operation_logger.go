// Package logging adapts ledger operation callbacks to zap.
package logging

import (
	"context"

	"github.com/MarkoPoloResearchLab/promptledger/pkg/ledger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapOperationLogger writes one structured line per ledger operation.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger wraps logger. A nil logger discards everything.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapOperationLogger{logger: logger.Named("ledger")}
}

func (operationLogger *ZapOperationLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if !entry.UserID.IsZero() {
		fields = append(fields, zap.String("user_id", entry.UserID.String()))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount))
	}
	if entry.BucketType != "" {
		fields = append(fields, zap.String("bucket_type", entry.BucketType.String()))
	}
	if entry.TransactionType != "" {
		fields = append(fields, zap.String("transaction_type", entry.TransactionType.String()))
	}
	if !entry.ExternalRef.IsZero() {
		fields = append(fields, zap.String("external_ref", entry.ExternalRef.String()))
	}
	if entry.ItemType != "" {
		fields = append(fields, zap.String("item_type", entry.ItemType), zap.String("item_id", entry.ItemID))
	}
	if entry.Count > 0 {
		fields = append(fields, zap.Int("count", entry.Count))
	}
	level := zapcore.InfoLevel
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		level = zapcore.ErrorLevel
		if ledger.IsValidationError(entry.Error) {
			level = zapcore.WarnLevel
		}
	}
	if checked := operationLogger.logger.Check(level, "ledger operation"); checked != nil {
		checked.Write(fields...)
	}
}
