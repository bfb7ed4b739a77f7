package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Breakdown sums the user's live remaining credits per bucket type. Expired buckets are excluded
// even before the sweeper has zeroed them.
func (service *Service) Breakdown(ctx context.Context, userID UserID) (Breakdown, error) {
	buckets, err := service.store.ListBuckets(ctx, userID, BucketFilter{At: service.nowFn()})
	if err != nil {
		return Breakdown{}, err
	}
	var breakdown Breakdown
	for _, bucket := range buckets {
		switch bucket.Type {
		case BucketPurchased:
			breakdown.Purchased += bucket.Remaining
		case BucketBonus:
			breakdown.Bonus += bucket.Remaining
		case BucketReferral:
			breakdown.Referral += bucket.Remaining
		}
	}
	return breakdown, nil
}

// TotalCredits returns the user's spendable balance.
func (service *Service) TotalCredits(ctx context.Context, userID UserID) (Credits, error) {
	breakdown, err := service.Breakdown(ctx, userID)
	if err != nil {
		return 0, err
	}
	return breakdown.Total(), nil
}

// Buckets lists the user's buckets, oldest first.
func (service *Service) Buckets(ctx context.Context, userID UserID, includeExpired bool) ([]Bucket, error) {
	return service.store.ListBuckets(ctx, userID, BucketFilter{
		IncludeExpired:  includeExpired,
		IncludeDepleted: true,
		At:              service.nowFn(),
	})
}

// History returns the user's transactions, newest first.
func (service *Service) History(ctx context.Context, userID UserID, limit int, offset int) ([]Transaction, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return nil, fmt.Errorf("%w: limit must be at most %d", ErrInvalidPage, maxHistoryLimit)
	}
	if offset < 0 {
		return nil, fmt.Errorf("%w: offset must not be negative", ErrInvalidPage)
	}
	return service.store.ListTransactions(ctx, userID, TransactionFilter{Limit: limit, Offset: offset})
}

// LifetimeDebited returns the total the user has ever spent.
func (service *Service) LifetimeDebited(ctx context.Context, userID UserID) (Credits, error) {
	return service.store.SumDebited(ctx, userID)
}

// CountUsage counts the user's usage debits since the given instant.
func (service *Service) CountUsage(ctx context.Context, userID UserID, since time.Time) (int64, error) {
	return service.store.CountTransactions(ctx, userID, UsageTransactionTypes, since)
}

// CountTransactions counts the user's transactions of the given types since the given instant.
func (service *Service) CountTransactions(ctx context.Context, userID UserID, types []TransactionType, since time.Time) (int64, error) {
	return service.store.CountTransactions(ctx, userID, types, since)
}

// HasExternalRef reports whether a grant with the reference was already applied for the user.
func (service *Service) HasExternalRef(ctx context.Context, userID UserID, externalRef ExternalRef) (bool, error) {
	_, err := service.store.GetBucketByExternalRef(ctx, userID, externalRef)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrUnknownBucket) {
		return false, nil
	}
	return false, err
}

// HasItemCharge reports whether the user already has a debit of the given type for an item.
func (service *Service) HasItemCharge(ctx context.Context, userID UserID, transactionType TransactionType, itemType string, itemID string) (bool, error) {
	return service.store.HasItemTransaction(ctx, userID, transactionType, itemType, itemID)
}

// ActiveUsers lists users with usage debits since the given instant.
func (service *Service) ActiveUsers(ctx context.Context, since time.Time) ([]UserID, error) {
	return service.store.ListActiveUsers(ctx, UsageTransactionTypes, since)
}

// Now exposes the service clock so collaborators stamp time consistently.
func (service *Service) Now() time.Time {
	return service.nowFn()
}
