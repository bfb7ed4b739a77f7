package ledger

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGrantCreatesBucketAndTransaction(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "grant-user")

	result, err := service.Grant(context.Background(), GrantRequest{
		UserID:      userID,
		Amount:      mustPositiveCredits(test, 2500),
		Type:        BucketPurchased,
		Source:      "stripe_checkout",
		ExternalRef: mustExternalRef(test, "cs_test_1"),
		Metadata:    mustMetadata(test, `{"price_id":"price_1"}`),
	})
	if err != nil {
		test.Fatalf("grant: %v", err)
	}
	if result.Duplicate {
		test.Fatalf("expected a fresh grant")
	}
	if result.Bucket.Remaining != 2500 || result.Bucket.Amount != 2500 || result.Bucket.ExpiresAt != nil {
		test.Fatalf("unexpected bucket: %+v", result.Bucket)
	}
	if result.Transaction.Type != TransactionPurchase || result.Transaction.Amount != 2500 {
		test.Fatalf("unexpected grant transaction: %+v", result.Transaction)
	}
	if len(result.Transaction.RelatedBucketIDs) != 1 || result.Transaction.RelatedBucketIDs[0] != result.Bucket.BucketID {
		test.Fatalf("expected transaction to reference the new bucket, got %v", result.Transaction.RelatedBucketIDs)
	}
	if result.Transaction.Metadata.String() != `{"price_id":"price_1"}` {
		test.Fatalf("expected metadata preserved, got %s", result.Transaction.Metadata.String())
	}
}

func TestGrantSetsExpiryFromDays(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newStubStore(test))

	result, err := service.Grant(context.Background(), GrantRequest{
		UserID:      mustUserID(test, "expiry-user"),
		Amount:      mustPositiveCredits(test, 100),
		Type:        BucketReferral,
		Source:      "referral_bonus",
		ExternalRef: mustExternalRef(test, "referral_1_invitee"),
		ExpiryDays:  30,
	})
	if err != nil {
		test.Fatalf("grant: %v", err)
	}
	expected := fixedNow.Add(30 * day)
	if result.Bucket.ExpiresAt == nil || !result.Bucket.ExpiresAt.Equal(expected) {
		test.Fatalf("expected expiry %s, got %v", expected, result.Bucket.ExpiresAt)
	}
	if result.Transaction.Type != TransactionReferralBonus {
		test.Fatalf("expected referral_bonus transaction, got %s", result.Transaction.Type)
	}
}

func TestGrantIsIdempotentPerExternalRef(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	request := GrantRequest{
		UserID:      mustUserID(test, "idempotent-user"),
		Amount:      mustPositiveCredits(test, 500),
		Type:        BucketPurchased,
		Source:      "stripe_checkout",
		ExternalRef: mustExternalRef(test, "pi_duplicate"),
	}

	first, err := service.Grant(context.Background(), request)
	if err != nil {
		test.Fatalf("first grant: %v", err)
	}
	second, err := service.Grant(context.Background(), request)
	if err != nil {
		test.Fatalf("second grant: %v", err)
	}
	if !second.Duplicate || second.Bucket.BucketID != first.Bucket.BucketID {
		test.Fatalf("expected the existing bucket back, got %+v", second)
	}
	if store.transactionCount() != 1 {
		test.Fatalf("expected one grant transaction, got %d", store.transactionCount())
	}
	total, err := service.TotalCredits(context.Background(), request.UserID)
	if err != nil {
		test.Fatalf("total credits: %v", err)
	}
	if total != 500 {
		test.Fatalf("expected balance 500, got %d", total)
	}
}

func TestGrantSameRefForDifferentUsers(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	externalRef := mustExternalRef(test, "shared-ref")
	for _, rawUser := range []string{"user-a", "user-b"} {
		result, err := service.Grant(context.Background(), GrantRequest{
			UserID:      mustUserID(test, rawUser),
			Amount:      mustPositiveCredits(test, 10),
			Type:        BucketBonus,
			Source:      "admin",
			ExternalRef: externalRef,
		})
		if err != nil {
			test.Fatalf("grant %s: %v", rawUser, err)
		}
		if result.Duplicate {
			test.Fatalf("expected refs to be scoped per user")
		}
	}
	if store.transactionCount() != 2 {
		test.Fatalf("expected two transactions, got %d", store.transactionCount())
	}
}

// racingStore hides the competing bucket from the in-transaction lookup and reports the unique index hit.
type racingStore struct {
	*stubStore
	winner Bucket
}

func (store *racingStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return store.stubStore.WithTx(ctx, func(ctx context.Context, _ Store) error {
		return fn(ctx, store)
	})
}

func (store *racingStore) GetBucketByExternalRef(ctx context.Context, userID UserID, externalRef ExternalRef) (Bucket, error) {
	return Bucket{}, ErrUnknownBucket
}

func (store *racingStore) InsertBucket(ctx context.Context, input BucketInput) (Bucket, error) {
	return Bucket{}, ErrDuplicateExternalRef
}

func TestGrantResolvesInsertRace(test *testing.T) {
	test.Parallel()
	base := newStubStore(test)
	userID := mustUserID(test, "race-grant-user")
	winner := base.seedBucket(test, mustBucketInput(test, userID, BucketPurchased, 300, "pi_race", nil, fixedNow))
	racing := &racingStore{stubStore: base, winner: winner}
	service := mustNewService(test, racing)

	result, err := service.Grant(context.Background(), GrantRequest{
		UserID:      userID,
		Amount:      mustPositiveCredits(test, 300),
		Type:        BucketPurchased,
		Source:      "stripe_webhook",
		ExternalRef: mustExternalRef(test, "pi_race"),
	})
	if err != nil {
		test.Fatalf("grant: %v", err)
	}
	if !result.Duplicate || result.Bucket.BucketID != winner.BucketID {
		test.Fatalf("expected the winning bucket, got %+v", result)
	}
	if base.transactionCount() != 0 {
		test.Fatalf("expected no transaction from the losing grant")
	}
}

func TestGrantCustomTransactionType(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newStubStore(test))

	result, err := service.Grant(context.Background(), GrantRequest{
		UserID:          mustUserID(test, "automation-user"),
		Amount:          mustPositiveCredits(test, 1000),
		Type:            BucketBonus,
		Source:          "automation_tier",
		ExternalRef:     mustExternalRef(test, "automation_bonus_automation-user_2025-03"),
		TransactionType: TransactionAutomationBonus,
	})
	if err != nil {
		test.Fatalf("grant: %v", err)
	}
	if result.Transaction.Type != TransactionAutomationBonus {
		test.Fatalf("expected automation_bonus, got %s", result.Transaction.Type)
	}
	if result.Bucket.Type != BucketBonus {
		test.Fatalf("expected bonus bucket, got %s", result.Bucket.Type)
	}
}

func TestGrantValidatesRequest(test *testing.T) {
	test.Parallel()
	userID := mustUserID(test, "grant-validate")
	externalRef := mustExternalRef(test, "grant-validate-ref")
	testCases := []struct {
		name    string
		request GrantRequest
		wantErr error
	}{
		{name: "missing user", request: GrantRequest{Amount: 1, Type: BucketBonus, Source: "admin", ExternalRef: externalRef}, wantErr: ErrInvalidUserID},
		{name: "zero amount", request: GrantRequest{UserID: userID, Type: BucketBonus, Source: "admin", ExternalRef: externalRef}, wantErr: ErrInvalidAmount},
		{name: "unknown bucket type", request: GrantRequest{UserID: userID, Amount: 1, Type: "gift", Source: "admin", ExternalRef: externalRef}, wantErr: ErrInvalidBucketType},
		{name: "missing external ref", request: GrantRequest{UserID: userID, Amount: 1, Type: BucketBonus, Source: "admin"}, wantErr: ErrInvalidExternalRef},
		{name: "negative expiry", request: GrantRequest{UserID: userID, Amount: 1, Type: BucketBonus, Source: "admin", ExternalRef: externalRef, ExpiryDays: -1}, wantErr: ErrInvalidExpiry},
		{name: "debit transaction type", request: GrantRequest{UserID: userID, Amount: 1, Type: BucketBonus, Source: "admin", ExternalRef: externalRef, TransactionType: TransactionPromptRun}, wantErr: ErrInvalidTransactionType},
		{name: "missing source", request: GrantRequest{UserID: userID, Amount: 1, Type: BucketBonus, ExternalRef: externalRef}, wantErr: ErrInvalidSource},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := newStubStore(test)
			service := mustNewService(test, store)
			_, err := service.Grant(context.Background(), testCase.request)
			if !errors.Is(err, testCase.wantErr) {
				test.Fatalf(errorMismatchMessage, testCase.wantErr, err)
			}
			if store.transactionCount() != 0 {
				test.Fatalf("expected nothing recorded")
			}
		})
	}
}

func TestGrantReleasesUserLockWhenStorePanics(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.insertPanic = "insert exploded"
	service := mustNewService(test, store)
	userID := mustUserID(test, "panic-user")
	request := GrantRequest{
		UserID:      userID,
		Amount:      mustPositiveCredits(test, 10),
		Type:        BucketBonus,
		Source:      "promo",
		ExternalRef: mustExternalRef(test, "panic-1"),
	}

	func() {
		defer func() {
			if recovered := recover(); recovered == nil {
				test.Fatalf("expected the store panic to propagate")
			}
		}()
		_, _ = service.Grant(context.Background(), request)
	}()
	if size := service.locks.size(); size != 0 {
		test.Fatalf("expected the user lock released, %d entries held", size)
	}

	done := make(chan error, 1)
	go func() {
		_, err := service.Grant(context.Background(), request)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			test.Fatalf("grant after panic: %v", err)
		}
	case <-time.After(2 * time.Second):
		test.Fatalf("grant after panic blocked on the user lock")
	}
}
