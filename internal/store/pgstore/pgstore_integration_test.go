//go:build integration

package pgstore

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/promptledger/pkg/ledger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const databaseURLEnv = "PROMPTLEDGER_TEST_DATABASE_URL"

func newIntegrationService(t *testing.T) (*ledger.Service, *Store) {
	t.Helper()
	databaseURL := os.Getenv(databaseURLEnv)
	if databaseURL == "" {
		t.Skipf("%s is not set", databaseURLEnv)
	}
	pool, err := pgxpool.New(context.Background(), databaseURL)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	store := New(pool)
	require.NoError(t, store.EnsureSchema(context.Background()))
	service, err := ledger.NewService(store, func() time.Time { return time.Now().UTC().Truncate(time.Second) })
	require.NoError(t, err)
	return service, store
}

func uniqueUser(t *testing.T) ledger.UserID {
	t.Helper()
	userID, err := ledger.NewUserID("it-" + uuid.NewString())
	require.NoError(t, err)
	return userID
}

func ref(t *testing.T, raw string) ledger.ExternalRef {
	t.Helper()
	externalRef, err := ledger.NewExternalRef(raw)
	require.NoError(t, err)
	return externalRef
}

func TestPostgresDrainOrderAndIdempotency(t *testing.T) {
	service, store := newIntegrationService(t)
	ctx := context.Background()
	userID := uniqueUser(t)

	grants := []ledger.GrantRequest{
		{UserID: userID, Amount: 50000, Type: ledger.BucketPurchased, Source: "stripe_checkout", ExternalRef: ref(t, "pay")},
		{UserID: userID, Amount: 10000, Type: ledger.BucketBonus, Source: "legacy_migration", ExternalRef: ref(t, "bonus")},
		{UserID: userID, Amount: 5000, Type: ledger.BucketReferral, Source: "referral_bonus", ExternalRef: ref(t, "referral"), ExpiryDays: 1},
	}
	for _, grant := range grants {
		_, err := service.Grant(ctx, grant)
		require.NoError(t, err)
	}
	duplicate, err := service.Grant(ctx, grants[0])
	require.NoError(t, err)
	assert.True(t, duplicate.Duplicate)

	result, err := service.Charge(ctx, ledger.ChargeRequest{UserID: userID, Amount: 6000, Type: ledger.TransactionPromptRun})
	require.NoError(t, err)
	require.True(t, result.Success)

	breakdown, err := service.Breakdown(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, ledger.Breakdown{Purchased: 50000, Bonus: 9000, Referral: 0}, breakdown)

	transactions, err := store.ListTransactions(ctx, userID, ledger.TransactionFilter{})
	require.NoError(t, err)
	assert.Len(t, transactions, 4)
	assert.Equal(t, ledger.SignedCredits(-6000), transactions[0].Amount)
}

func TestPostgresConcurrentChargesSerialize(t *testing.T) {
	service, _ := newIntegrationService(t)
	ctx := context.Background()
	userID := uniqueUser(t)
	_, err := service.Grant(ctx, ledger.GrantRequest{UserID: userID, Amount: 100, Type: ledger.BucketPurchased, Source: "stripe_checkout", ExternalRef: ref(t, "seed")})
	require.NoError(t, err)

	var (
		waitGroup sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for range 30 {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			result, chargeErr := service.Charge(ctx, ledger.ChargeRequest{UserID: userID, Amount: 10, Type: ledger.TransactionPromptRun})
			if chargeErr != nil {
				t.Errorf("charge failed: %v", chargeErr)
				return
			}
			if result.Success {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	waitGroup.Wait()
	assert.Equal(t, 10, successes)
	total, err := service.TotalCredits(ctx, userID)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestPostgresDecrementGuards(t *testing.T) {
	_, store := newIntegrationService(t)
	ctx := context.Background()
	userID := uniqueUser(t)
	now := time.Now().UTC().Truncate(time.Second)
	expiresAt := now.Add(time.Hour)
	input, err := ledger.NewBucketInput(userID, ledger.BucketReferral, 10, "referral_bonus", ref(t, "guard"), &expiresAt, now)
	require.NoError(t, err)
	bucket, err := store.InsertBucket(ctx, input)
	require.NoError(t, err)

	_, err = store.InsertBucket(ctx, input)
	assert.True(t, errors.Is(err, ledger.ErrDuplicateExternalRef))
	_, err = store.DecrementBucket(ctx, bucket.BucketID, 11, now)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBucketBalance)
	_, err = store.DecrementBucket(ctx, bucket.BucketID, 1, expiresAt)
	assert.ErrorIs(t, err, ledger.ErrBucketExpired)

	voided, err := store.ZeroOutBucket(ctx, bucket.BucketID, expiresAt.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, ledger.Credits(10), voided)
}
