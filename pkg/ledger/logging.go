package ledger

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation       string
	UserID          UserID
	Amount          int64
	BucketType      BucketType
	TransactionType TransactionType
	ExternalRef     ExternalRef
	ItemType        string
	ItemID          string
	Count           int
	Metadata        MetadataJSON
	Status          string
	Error           error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
// Multiple loggers are called in registration order.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		if logger != nil {
			service.loggers = append(service.loggers, logger)
		}
	}
}

// WithSweepBatchSize bounds how many expired buckets a sweep reads per page.
func WithSweepBatchSize(size int) ServiceOption {
	return func(service *Service) {
		if size > 0 {
			service.sweepBatchSize = size
		}
	}
}
