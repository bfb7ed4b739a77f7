package ledger

import (
	"errors"
	"fmt"
	"testing"
)

const (
	operationName    = "ledger"
	subjectName      = "bucket"
	codeName         = "invalid"
	baseErrorMessage = "base error"
)

func TestOperationErrorFormatting(test *testing.T) {
	test.Parallel()
	baseError := errors.New(baseErrorMessage)
	wrappedError := WrapError(operationName, subjectName, codeName, baseError)
	if wrappedError == nil {
		test.Fatalf("expected wrapped error")
	}
	expected := operationName + "." + subjectName + "." + codeName + ": " + baseErrorMessage
	if wrappedError.Error() != expected {
		test.Fatalf("expected %q, got %q", expected, wrappedError.Error())
	}
	var operationError OperationError
	if !errors.As(wrappedError, &operationError) {
		test.Fatalf("expected OperationError")
	}
	if operationError.Operation() != operationName || operationError.Subject() != subjectName || operationError.Code() != codeName {
		test.Fatalf("unexpected segments: %+v", operationError)
	}
	if !errors.Is(wrappedError, baseError) {
		test.Fatalf("expected base error to unwrap")
	}
}

func TestWrapErrorNil(test *testing.T) {
	test.Parallel()
	if WrapError(operationName, subjectName, codeName, nil) != nil {
		test.Fatalf("expected nil wrapped error")
	}
}

func TestStorageErrorKeepsCause(test *testing.T) {
	test.Parallel()
	cause := errors.New("connection refused")
	err := WrapError("store", "bucket", "insert", StorageError(cause))
	if !errors.Is(err, ErrStorageUnavailable) || !errors.Is(err, cause) {
		test.Fatalf("expected storage sentinel and cause, got %v", err)
	}
	if StorageError(nil) != nil {
		test.Fatalf("expected nil storage error")
	}
}

func TestIsValidationError(test *testing.T) {
	test.Parallel()
	if !IsValidationError(fmt.Errorf("%w: bad", ErrInvalidExternalRef)) {
		test.Fatalf("expected external ref error to be a validation error")
	}
	if IsValidationError(ErrInsufficientCredits) || IsValidationError(StorageError(errors.New("down"))) {
		test.Fatalf("expected non-validation errors to be excluded")
	}
}
