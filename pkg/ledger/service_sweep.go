package ledger

import (
	"context"
	"fmt"
	"time"
)

// SweepResult summarizes one expiration sweep.
type SweepResult struct {
	Expired int
	Voided  Credits
	Failed  int
}

type sweepMetadata struct {
	BucketID   string `json:"bucket_id"`
	BucketType string `json:"bucket_type"`
	Voided     int64  `json:"voided"`
	ExpiredAt  string `json:"expired_at"`
}

// Sweep zeroes every bucket whose expiry has passed and still holds credits, recording one
// zero-amount system_cleanup transaction per bucket. Each bucket is swept in its own unit, so one
// failure does not stop the rest. Running it again finds nothing to do.
func (service *Service) Sweep(ctx context.Context) (SweepResult, error) {
	nowUTC := service.nowFn()
	var result SweepResult
	var cursor BucketID
	for {
		if err := ctx.Err(); err != nil {
			service.logSweep(ctx, result, err)
			return result, err
		}
		page, err := service.store.ListExpiredBuckets(ctx, nowUTC, cursor, service.sweepBatchSize)
		if err != nil {
			service.logSweep(ctx, result, err)
			return result, err
		}
		for _, row := range page.Malformed {
			result.Failed++
			service.logOperation(ctx, OperationLog{
				Operation: operationSweep,
				Error:     WrapError(operationSweep, row.ID, "bucket", row.Err),
			})
		}
		for _, candidate := range page.Buckets {
			voided, sweepErr := service.sweepBucket(ctx, candidate, nowUTC)
			if sweepErr != nil {
				result.Failed++
				service.logOperation(ctx, OperationLog{
					Operation:  operationSweep,
					UserID:     candidate.UserID,
					BucketType: candidate.Type,
					Amount:     candidate.Remaining.Int64(),
					Error:      WrapError(operationSweep, candidate.BucketID.String(), "bucket", sweepErr),
				})
				continue
			}
			if voided > 0 {
				result.Expired++
				result.Voided += voided
			}
		}
		if page.Next.String() == "" {
			break
		}
		cursor = page.Next
	}
	service.logSweep(ctx, result, nil)
	return result, nil
}

func (service *Service) sweepBucket(ctx context.Context, candidate Bucket, at time.Time) (Credits, error) {
	release := service.locks.acquire(candidate.UserID)
	defer release()
	var voided Credits
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.LockUser(ctx, candidate.UserID); err != nil {
			return err
		}
		zeroed, err := transactionStore.ZeroOutBucket(ctx, candidate.BucketID, at)
		if err != nil {
			return err
		}
		if zeroed == 0 {
			return nil
		}
		expiredAt := at
		if candidate.ExpiresAt != nil {
			expiredAt = *candidate.ExpiresAt
		}
		metadata, err := MarshalMetadata(sweepMetadata{
			BucketID:   candidate.BucketID.String(),
			BucketType: candidate.Type.String(),
			Voided:     zeroed.Int64(),
			ExpiredAt:  expiredAt.UTC().Format(time.RFC3339),
		})
		if err != nil {
			return err
		}
		transactionInput, err := NewTransactionInput(
			candidate.UserID,
			0,
			TransactionSystemCleanup,
			fmt.Sprintf("Expired %d unused %s credits", zeroed, candidate.Type),
			"",
			"",
			[]BucketID{candidate.BucketID},
			metadata,
			at,
		)
		if err != nil {
			return err
		}
		if _, err := transactionStore.InsertTransaction(ctx, transactionInput); err != nil {
			return err
		}
		voided = zeroed
		return nil
	})
	if err != nil {
		return 0, err
	}
	return voided, nil
}

func (service *Service) logSweep(ctx context.Context, result SweepResult, err error) {
	status := ""
	if err == nil && result.Expired == 0 {
		status = operationStatusNoop
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationSweep,
		Amount:    result.Voided.Int64(),
		Count:     result.Expired,
		Status:    status,
		Error:     err,
	})
}
