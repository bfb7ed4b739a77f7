package pgstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/promptledger/pkg/ledger"
	"github.com/jackc/pgx/v5"
)

// bucketRow holds a bucket row as stored, before validation.
type bucketRow struct {
	bucketID    string
	userID      string
	bucketType  string
	amount      int64
	remaining   int64
	source      string
	externalRef string
	expiresAt   *time.Time
	createdAt   time.Time
	updatedAt   time.Time
}

func scanBucketRow(row pgx.Row) (bucketRow, error) {
	var raw bucketRow
	err := row.Scan(
		&raw.bucketID,
		&raw.userID,
		&raw.bucketType,
		&raw.amount,
		&raw.remaining,
		&raw.source,
		&raw.externalRef,
		&raw.expiresAt,
		&raw.createdAt,
		&raw.updatedAt,
	)
	return raw, err
}

func (raw bucketRow) bucket() (ledger.Bucket, error) {
	bucketID, err := ledger.NewBucketID(raw.bucketID)
	if err != nil {
		return ledger.Bucket{}, err
	}
	userID, err := ledger.NewUserID(raw.userID)
	if err != nil {
		return ledger.Bucket{}, err
	}
	bucketType, err := ledger.ParseBucketType(raw.bucketType)
	if err != nil {
		return ledger.Bucket{}, err
	}
	amount, err := ledger.NewPositiveCredits(raw.amount)
	if err != nil {
		return ledger.Bucket{}, err
	}
	remaining, err := ledger.NewCredits(raw.remaining)
	if err != nil {
		return ledger.Bucket{}, err
	}
	externalRef, err := ledger.NewExternalRef(raw.externalRef)
	if err != nil {
		return ledger.Bucket{}, err
	}
	return ledger.Bucket{
		BucketID:    bucketID,
		UserID:      userID,
		Type:        bucketType,
		Amount:      amount,
		Remaining:   remaining,
		Source:      raw.source,
		ExternalRef: externalRef,
		ExpiresAt:   utcPointer(raw.expiresAt),
		CreatedAt:   raw.createdAt.UTC(),
		UpdatedAt:   raw.updatedAt.UTC(),
	}, nil
}

func scanBucket(row pgx.Row) (ledger.Bucket, error) {
	raw, err := scanBucketRow(row)
	if err != nil {
		return ledger.Bucket{}, err
	}
	return raw.bucket()
}

func scanBuckets(rows pgx.Rows) ([]ledger.Bucket, error) {
	defer rows.Close()
	buckets := make([]ledger.Bucket, 0, 8)
	for rows.Next() {
		bucket, err := scanBucket(rows)
		if err != nil {
			return nil, err
		}
		buckets = append(buckets, bucket)
	}
	return buckets, rows.Err()
}

// scanExpiredPage keeps rows that fail validation as malformed instead of failing the page.
func scanExpiredPage(rows pgx.Rows, limit int) (ledger.ExpiredPage, error) {
	defer rows.Close()
	var (
		page    ledger.ExpiredPage
		read    int
		lastRaw string
	)
	for rows.Next() {
		raw, err := scanBucketRow(rows)
		if err != nil {
			return ledger.ExpiredPage{}, err
		}
		read++
		lastRaw = raw.bucketID
		bucket, err := raw.bucket()
		if err != nil {
			page.Malformed = append(page.Malformed, ledger.MalformedRow{ID: raw.bucketID, Err: err})
			continue
		}
		page.Buckets = append(page.Buckets, bucket)
	}
	if err := rows.Err(); err != nil {
		return ledger.ExpiredPage{}, err
	}
	if limit > 0 && read == limit {
		next, err := ledger.NewBucketID(lastRaw)
		if err != nil {
			return ledger.ExpiredPage{}, err
		}
		page.Next = next
	}
	return page, nil
}

func scanTransactions(rows pgx.Rows) ([]ledger.Transaction, error) {
	defer rows.Close()
	transactions := make([]ledger.Transaction, 0, 32)
	for rows.Next() {
		var (
			transactionIDValue   string
			userIDValue          string
			amountValue          int64
			transactionTypeValue string
			descriptionValue     string
			itemIDValue          string
			itemTypeValue        string
			relatedValue         string
			metadataValue        string
			createdAt            time.Time
		)
		if err := rows.Scan(
			&transactionIDValue,
			&userIDValue,
			&amountValue,
			&transactionTypeValue,
			&descriptionValue,
			&itemIDValue,
			&itemTypeValue,
			&relatedValue,
			&metadataValue,
			&createdAt,
		); err != nil {
			return nil, err
		}
		transactionID, err := ledger.NewTransactionID(transactionIDValue)
		if err != nil {
			return nil, err
		}
		userID, err := ledger.NewUserID(userIDValue)
		if err != nil {
			return nil, err
		}
		transactionType, err := ledger.ParseTransactionType(transactionTypeValue)
		if err != nil {
			return nil, err
		}
		var rawRelated []string
		if err := json.Unmarshal([]byte(relatedValue), &rawRelated); err != nil {
			return nil, fmt.Errorf("%w: related bucket ids: %v", ledger.ErrInvalidBucketID, err)
		}
		relatedBucketIDs := make([]ledger.BucketID, 0, len(rawRelated))
		for _, raw := range rawRelated {
			bucketID, err := ledger.NewBucketID(raw)
			if err != nil {
				return nil, err
			}
			relatedBucketIDs = append(relatedBucketIDs, bucketID)
		}
		metadata, err := ledger.NewMetadataJSON(metadataValue)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, ledger.Transaction{
			TransactionID:    transactionID,
			UserID:           userID,
			Amount:           ledger.SignedCredits(amountValue),
			Type:             transactionType,
			Description:      descriptionValue,
			ItemID:           itemIDValue,
			ItemType:         itemTypeValue,
			RelatedBucketIDs: relatedBucketIDs,
			Metadata:         metadata,
			CreatedAt:        createdAt.UTC(),
		})
	}
	return transactions, rows.Err()
}

// storageOrInvalid keeps row-mapping validation errors as they are and marks driver errors unavailable.
func storageOrInvalid(err error) error {
	if ledger.IsValidationError(err) {
		return err
	}
	return ledger.StorageError(err)
}
