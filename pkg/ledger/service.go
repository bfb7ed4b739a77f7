package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Service contains the domain logic over a Store.
type Service struct {
	store          Store
	nowFn          func() time.Time
	loggers        []OperationLogger
	locks          *userLocks
	sweepBatchSize int
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:          store,
		nowFn:          now,
		locks:          newUserLocks(),
		sweepBatchSize: defaultSweepBatch,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// GrantRequest describes a credit grant.
type GrantRequest struct {
	UserID      UserID
	Amount      PositiveCredits
	Type        BucketType
	Source      string
	ExternalRef ExternalRef
	// ExpiryDays of zero means the bucket never expires.
	ExpiryDays int
	// TransactionType defaults to the bucket type's grant transaction type.
	TransactionType TransactionType
	Description     string
	Metadata        MetadataJSON
}

// GrantResult reports the bucket backing a grant.
type GrantResult struct {
	Bucket      Bucket
	Transaction Transaction
	Duplicate   bool
}

// Grant creates a bucket and its mirroring transaction. A grant whose external ref already exists for the user
// is a no-op that returns the existing bucket.
func (service *Service) Grant(ctx context.Context, request GrantRequest) (GrantResult, error) {
	var result GrantResult
	operationError := validateGrant(request)
	if operationError == nil {
		result, operationError = service.grant(ctx, request)
	}
	status := ""
	if operationError == nil && result.Duplicate {
		status = operationStatusNoop
	}
	service.logOperation(ctx, OperationLog{
		Operation:       operationGrant,
		UserID:          request.UserID,
		Amount:          request.Amount.Int64(),
		BucketType:      request.Type,
		TransactionType: grantTransactionType(request),
		ExternalRef:     request.ExternalRef,
		Metadata:        request.Metadata,
		Status:          status,
		Error:           operationError,
	})
	return result, operationError
}

func (service *Service) grant(ctx context.Context, request GrantRequest) (GrantResult, error) {
	result, operationError := service.grantLocked(ctx, request)
	if errors.Is(operationError, ErrDuplicateExternalRef) {
		// Lost an insert race against another delivery of the same grant.
		existing, err := service.store.GetBucketByExternalRef(ctx, request.UserID, request.ExternalRef)
		if err != nil {
			return GrantResult{}, err
		}
		return GrantResult{Bucket: existing, Duplicate: true}, nil
	}
	if operationError != nil {
		return GrantResult{}, operationError
	}
	return result, nil
}

func (service *Service) grantLocked(ctx context.Context, request GrantRequest) (GrantResult, error) {
	release := service.locks.acquire(request.UserID)
	defer release()
	var result GrantResult
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.LockUser(ctx, request.UserID); err != nil {
			return err
		}
		existing, err := transactionStore.GetBucketByExternalRef(ctx, request.UserID, request.ExternalRef)
		if err == nil {
			result = GrantResult{Bucket: existing, Duplicate: true}
			return nil
		}
		if !errors.Is(err, ErrUnknownBucket) {
			return err
		}
		nowUTC := service.nowFn()
		var expiresAt *time.Time
		if request.ExpiryDays > 0 {
			expiry := nowUTC.Add(time.Duration(request.ExpiryDays) * day)
			expiresAt = &expiry
		}
		bucketInput, err := NewBucketInput(request.UserID, request.Type, request.Amount, request.Source, request.ExternalRef, expiresAt, nowUTC)
		if err != nil {
			return err
		}
		bucket, err := transactionStore.InsertBucket(ctx, bucketInput)
		if err != nil {
			return err
		}
		transactionInput, err := NewTransactionInput(
			request.UserID,
			SignedCredits(request.Amount),
			grantTransactionType(request),
			grantDescription(request),
			"",
			"",
			[]BucketID{bucket.BucketID},
			request.Metadata,
			nowUTC,
		)
		if err != nil {
			return err
		}
		transaction, err := transactionStore.InsertTransaction(ctx, transactionInput)
		if err != nil {
			return err
		}
		result = GrantResult{Bucket: bucket, Transaction: transaction}
		return nil
	})
	return result, err
}

func validateGrant(request GrantRequest) error {
	if request.UserID.IsZero() {
		return fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if request.Amount <= 0 {
		return fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if _, err := ParseBucketType(request.Type.String()); err != nil {
		return err
	}
	if request.ExternalRef.IsZero() {
		return fmt.Errorf("%w: grants require an external ref", ErrInvalidExternalRef)
	}
	if request.ExpiryDays < 0 {
		return fmt.Errorf("%w: expiry days must not be negative", ErrInvalidExpiry)
	}
	if request.TransactionType != "" {
		if _, err := ParseTransactionType(request.TransactionType.String()); err != nil {
			return err
		}
		if request.TransactionType.IsDebit() || request.TransactionType == TransactionSystemCleanup {
			return fmt.Errorf("%w: %s cannot record a grant", ErrInvalidTransactionType, request.TransactionType)
		}
	}
	return nil
}

func grantTransactionType(request GrantRequest) TransactionType {
	if request.TransactionType != "" {
		return request.TransactionType
	}
	return request.Type.GrantTransactionType()
}

func grantDescription(request GrantRequest) string {
	if description := strings.TrimSpace(request.Description); description != "" {
		return description
	}
	return fmt.Sprintf("Granted %d %s credits (%s)", request.Amount, request.Type, strings.TrimSpace(request.Source))
}

// ChargeRequest describes a debit.
type ChargeRequest struct {
	UserID      UserID
	Amount      PositiveCredits
	Type        TransactionType
	ItemType    string
	ItemID      string
	Description string
	Metadata    MetadataJSON
	// OncePerItem declines the charge when a debit of the same type already exists for the item.
	OncePerItem bool
}

// ChargeResult reports the outcome of a debit. Insufficient credits is a declined result, not an error.
type ChargeResult struct {
	Success        bool
	AlreadyCharged bool
	Requested      PositiveCredits
	Available      Credits
	Drained        []DrainStep
	Transaction    Transaction
}

// Charge drains the user's buckets in priority order and records one debit transaction.
// Either every bucket decrement and the transaction apply, or none do.
func (service *Service) Charge(ctx context.Context, request ChargeRequest) (ChargeResult, error) {
	var result ChargeResult
	operationError := validateCharge(request)
	if operationError == nil {
		result, operationError = service.charge(ctx, request)
	}
	status := ""
	if operationError == nil && !result.Success {
		status = operationStatusDeclined
	}
	service.logOperation(ctx, OperationLog{
		Operation:       operationCharge,
		UserID:          request.UserID,
		Amount:          request.Amount.Int64(),
		TransactionType: request.Type,
		ItemType:        request.ItemType,
		ItemID:          request.ItemID,
		Metadata:        request.Metadata,
		Status:          status,
		Error:           operationError,
	})
	return result, operationError
}

func (service *Service) charge(ctx context.Context, request ChargeRequest) (ChargeResult, error) {
	result := ChargeResult{Requested: request.Amount}
	release := service.locks.acquire(request.UserID)
	defer release()
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.LockUser(ctx, request.UserID); err != nil {
			return err
		}
		if request.OncePerItem {
			charged, err := transactionStore.HasItemTransaction(ctx, request.UserID, request.Type, request.ItemType, request.ItemID)
			if err != nil {
				return err
			}
			if charged {
				result.AlreadyCharged = true
				return nil
			}
		}
		nowUTC := service.nowFn()
		buckets, err := transactionStore.ListBuckets(ctx, request.UserID, BucketFilter{At: nowUTC})
		if err != nil {
			return err
		}
		steps, available, covered := PlanDrain(buckets, request.Amount, nowUTC)
		result.Available = available
		if !covered {
			return ErrInsufficientCredits
		}
		relatedBucketIDs := make([]BucketID, 0, len(steps))
		for _, step := range steps {
			if _, err := transactionStore.DecrementBucket(ctx, step.BucketID, step.Taken, nowUTC); err != nil {
				return err
			}
			relatedBucketIDs = append(relatedBucketIDs, step.BucketID)
		}
		transactionInput, err := NewTransactionInput(
			request.UserID,
			-SignedCredits(request.Amount),
			request.Type,
			chargeDescription(request),
			request.ItemID,
			request.ItemType,
			relatedBucketIDs,
			request.Metadata,
			nowUTC,
		)
		if err != nil {
			return err
		}
		transaction, err := transactionStore.InsertTransaction(ctx, transactionInput)
		if err != nil {
			return err
		}
		result.Success = true
		result.Drained = steps
		result.Transaction = transaction
		return nil
	})
	if errors.Is(operationError, ErrInsufficientCredits) {
		return ChargeResult{Requested: request.Amount, Available: result.Available}, nil
	}
	if operationError != nil {
		return ChargeResult{Requested: request.Amount}, operationError
	}
	return result, nil
}

func validateCharge(request ChargeRequest) error {
	if request.UserID.IsZero() {
		return fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if request.Amount <= 0 {
		return fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if _, err := ParseTransactionType(request.Type.String()); err != nil {
		return err
	}
	if !request.Type.IsDebit() {
		return fmt.Errorf("%w: %s is not a debit", ErrInvalidTransactionType, request.Type)
	}
	if request.OncePerItem && (strings.TrimSpace(request.ItemID) == "" || strings.TrimSpace(request.ItemType) == "") {
		return fmt.Errorf("%w: once-per-item charges need an item", ErrInvalidItem)
	}
	return nil
}

func chargeDescription(request ChargeRequest) string {
	if description := strings.TrimSpace(request.Description); description != "" {
		return description
	}
	if request.ItemID != "" {
		return fmt.Sprintf("Charged %d credits for %s %s", request.Amount, request.ItemType, request.ItemID)
	}
	return fmt.Sprintf("Charged %d credits", request.Amount)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if len(service.loggers) == 0 {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	for _, logger := range service.loggers {
		logger.LogOperation(ctx, entry)
	}
}
