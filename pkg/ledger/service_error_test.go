package ledger

import (
	"context"
	"errors"
	"testing"
	"time"
)

const (
	userIDValue          = "user-1"
	errStoreMessage      = "store error"
	errorMismatchMessage = "expected %v, got %v"
)

var errStoreFailure = errors.New(errStoreMessage)

func TestNewServiceValidatesDependencies(test *testing.T) {
	test.Parallel()
	if _, err := NewService(nil, time.Now); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf(errorMismatchMessage, ErrInvalidServiceConfig, err)
	}
	if _, err := NewService(newStubStore(test), nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf(errorMismatchMessage, ErrInvalidServiceConfig, err)
	}
}

func TestGrantReturnsStoreErrors(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name   string
		method string
	}{
		{name: "lock user error", method: stubMethodLockUser},
		{name: "external ref lookup error", method: stubMethodGetByExternalRef},
		{name: "insert bucket error", method: stubMethodInsertBucket},
		{name: "insert transaction error", method: stubMethodInsertTransaction},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := newStubStore(test)
			store.setFailure(testCase.method, errStoreFailure)
			service := mustNewService(test, store)

			_, err := service.Grant(context.Background(), GrantRequest{
				UserID:      mustUserID(test, userIDValue),
				Amount:      mustPositiveCredits(test, 10),
				Type:        BucketPurchased,
				Source:      "stripe_checkout",
				ExternalRef: mustExternalRef(test, "grant-error"),
			})
			if !errors.Is(err, errStoreFailure) {
				test.Fatalf(errorMismatchMessage, errStoreFailure, err)
			}
			if len(store.buckets) != 0 {
				test.Fatalf("expected the grant to be rolled back")
			}
		})
	}
}

func TestChargeReturnsStoreErrors(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name        string
		method      string
		oncePerItem bool
	}{
		{name: "lock user error", method: stubMethodLockUser},
		{name: "list buckets error", method: stubMethodListBuckets},
		{name: "decrement error", method: stubMethodDecrementBucket},
		{name: "insert transaction error", method: stubMethodInsertTransaction},
		{name: "item lookup error", method: stubMethodHasItemTransaction, oncePerItem: true},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := newStubStore(test)
			userID := mustUserID(test, userIDValue)
			seeded := store.seedBucket(test, mustBucketInput(test, userID, BucketPurchased, 100, "charge-error-seed", nil, fixedNow))
			store.setFailure(testCase.method, errStoreFailure)
			service := mustNewService(test, store)

			result, err := service.Charge(context.Background(), ChargeRequest{
				UserID:      userID,
				Amount:      mustPositiveCredits(test, 10),
				Type:        TransactionPromptUnlock,
				ItemType:    "flow",
				ItemID:      "flow-1",
				OncePerItem: testCase.oncePerItem,
			})
			if !errors.Is(err, errStoreFailure) {
				test.Fatalf(errorMismatchMessage, errStoreFailure, err)
			}
			if result.Success {
				test.Fatalf("expected failed charge")
			}
			if store.mustBucket(test, seeded.BucketID).Remaining != 100 {
				test.Fatalf("expected bucket untouched")
			}
		})
	}
}

func TestQueriesReturnStoreErrors(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.setFailure(stubMethodListBuckets, errStoreFailure)
	store.setFailure(stubMethodListTransactions, errStoreFailure)
	service := mustNewService(test, store)
	userID := mustUserID(test, userIDValue)

	if _, err := service.TotalCredits(context.Background(), userID); !errors.Is(err, errStoreFailure) {
		test.Fatalf(errorMismatchMessage, errStoreFailure, err)
	}
	if _, err := service.Breakdown(context.Background(), userID); !errors.Is(err, errStoreFailure) {
		test.Fatalf(errorMismatchMessage, errStoreFailure, err)
	}
	if _, err := service.History(context.Background(), userID, 10, 0); !errors.Is(err, errStoreFailure) {
		test.Fatalf(errorMismatchMessage, errStoreFailure, err)
	}
}
