package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInsufficientCredits       = errors.New("insufficient credits")
	ErrInsufficientBucketBalance = errors.New("insufficient bucket balance")
	ErrBucketExpired             = errors.New("bucket expired")
	ErrDuplicateExternalRef      = errors.New("duplicate external ref")
	ErrUnknownBucket             = errors.New("unknown bucket")
	ErrStorageUnavailable        = errors.New("storage unavailable")
	ErrInvalidAmount             = errors.New("invalid amount")
	ErrInvalidUserID             = errors.New("invalid user id")
	ErrInvalidBucketID           = errors.New("invalid bucket id")
	ErrInvalidTransactionID      = errors.New("invalid transaction id")
	ErrInvalidBucketType         = errors.New("invalid bucket type")
	ErrInvalidTransactionType    = errors.New("invalid transaction type")
	ErrInvalidExternalRef        = errors.New("invalid external ref")
	ErrInvalidSource             = errors.New("invalid source")
	ErrInvalidExpiry             = errors.New("invalid expiry")
	ErrInvalidItem               = errors.New("invalid item")
	ErrInvalidMetadataJSON       = errors.New("invalid metadata json")
	ErrInvalidPage               = errors.New("invalid page")
	ErrInvalidServiceConfig      = errors.New("invalid service config")
)

// IsValidationError reports whether err is a caller error (4xx-equivalent).
func IsValidationError(err error) bool {
	for _, candidate := range []error{
		ErrInvalidAmount,
		ErrInvalidUserID,
		ErrInvalidBucketID,
		ErrInvalidTransactionID,
		ErrInvalidBucketType,
		ErrInvalidTransactionType,
		ErrInvalidExternalRef,
		ErrInvalidSource,
		ErrInvalidExpiry,
		ErrInvalidItem,
		ErrInvalidMetadataJSON,
		ErrInvalidPage,
	} {
		if errors.Is(err, candidate) {
			return true
		}
	}
	return false
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// StorageError marks a driver failure as ErrStorageUnavailable while keeping the cause inspectable.
func StorageError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
}
