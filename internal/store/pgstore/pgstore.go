package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/promptledger/pkg/ledger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintBucketUserRef = "uniq_credit_buckets_user_ref"
	pgUniqueViolationCode   = "23505"
	defaultMetadataJSON     = "{}"

	errorOperationStore     = "store"
	errorSubjectBucket      = "bucket"
	errorSubjectTransaction = "transaction"
	errorSubjectUser        = "user"
	errorSubjectSchema      = "schema"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeCount          = "count"
	errorCodeDecrement      = "decrement"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLock           = "lock"
	errorCodeMigrate        = "migrate"
	errorCodeSum            = "sum"
	errorCodeZeroOut        = "zero_out"

	bucketColumns = `bucket_id::text, user_id, type, amount, remaining, source, external_ref, expires_at, created_at, updated_at`

	transactionColumns = `transaction_id::text, user_id, amount, type, description, item_id, item_type,
		coalesce(related_bucket_ids::text,'[]'), coalesce(metadata::text,'{}'), created_at`

	sqlLockUser = `select pg_advisory_xact_lock(hashtext($1))`

	sqlInsertBucket = `
		insert into credit_buckets(bucket_id, user_id, type, amount, remaining, source, external_ref, expires_at, created_at, updated_at)
		values ($1, $2, $3, $4, $4, $5, $6, $7, $8, $8)
	`

	sqlSelectBucketByRef = `select ` + bucketColumns + ` from credit_buckets where user_id = $1 and external_ref = $2`

	sqlSelectBucket = `select ` + bucketColumns + ` from credit_buckets where bucket_id = $1`

	sqlDecrementBucket = `
		update credit_buckets
		set remaining = remaining - $2, updated_at = $3
		where bucket_id = $1 and remaining >= $2 and (expires_at is null or expires_at > $3)
		returning ` + bucketColumns

	sqlListExpiredBuckets = `
		select ` + bucketColumns + ` from credit_buckets
		where remaining > 0 and expires_at is not null and expires_at < $1
		order by bucket_id
		limit $2
	`

	sqlListExpiredBucketsAfter = `
		select ` + bucketColumns + ` from credit_buckets
		where remaining > 0 and expires_at is not null and expires_at < $1 and bucket_id > $3::uuid
		order by bucket_id
		limit $2
	`

	sqlZeroOutBucket = `
		update credit_buckets set remaining = 0, updated_at = $3
		where bucket_id = $1 and remaining = $2
	`

	sqlInsertTransaction = `
		insert into credit_transactions(transaction_id, user_id, amount, type, description, item_id, item_type, related_bucket_ids, metadata, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9::jsonb, $10)
	`

	sqlSumDebited = `
		select coalesce(sum(-amount),0) from credit_transactions
		where user_id = $1 and type = any($2)
	`

	sqlHasItemTransaction = `
		select exists(
			select 1 from credit_transactions
			where user_id = $1 and type = $2 and item_type = $3 and item_id = $4
		)
	`
)

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements ledger.Store using a pgx connection pool. Outside WithTx every call autocommits.
type Store struct {
	pool        *pgxpool.Pool
	db          querier
	transaction bool
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

// WithTx runs fn in a transaction. The transaction rolls back when fn fails.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	if store.transaction {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, ledger.StorageError(err))
	}
	transactionStore := &Store{pool: store.pool, db: tx, transaction: true}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, ledger.StorageError(err))
	}
	return nil
}

// LockUser takes a transaction-scoped advisory lock keyed by the user id.
func (store *Store) LockUser(ctx context.Context, userID ledger.UserID) error {
	if !store.transaction {
		return nil
	}
	if _, err := store.db.Exec(ctx, sqlLockUser, userID.String()); err != nil {
		return wrapStoreError(errorSubjectUser, errorCodeLock, ledger.StorageError(err))
	}
	return nil
}

func (store *Store) InsertBucket(ctx context.Context, input ledger.BucketInput) (ledger.Bucket, error) {
	bucketIDValue := uuid.NewString()
	createdAt := input.CreatedAt.UTC()
	_, err := store.db.Exec(ctx, sqlInsertBucket,
		bucketIDValue,
		input.UserID.String(),
		input.Type.String(),
		input.Amount.Int64(),
		input.Source,
		input.ExternalRef.String(),
		utcPointer(input.ExpiresAt),
		createdAt,
	)
	if isBucketRefConflict(err) {
		return ledger.Bucket{}, wrapStoreError(errorSubjectBucket, errorCodeDuplicate, ledger.ErrDuplicateExternalRef)
	}
	if err != nil {
		return ledger.Bucket{}, wrapStoreError(errorSubjectBucket, errorCodeInsert, ledger.StorageError(err))
	}
	bucketID, err := ledger.NewBucketID(bucketIDValue)
	if err != nil {
		return ledger.Bucket{}, wrapStoreError(errorSubjectBucket, errorCodeInvalid, err)
	}
	return ledger.Bucket{
		BucketID:    bucketID,
		UserID:      input.UserID,
		Type:        input.Type,
		Amount:      input.Amount,
		Remaining:   input.Amount.ToCredits(),
		Source:      input.Source,
		ExternalRef: input.ExternalRef,
		ExpiresAt:   utcPointer(input.ExpiresAt),
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}, nil
}

func (store *Store) GetBucketByExternalRef(ctx context.Context, userID ledger.UserID, externalRef ledger.ExternalRef) (ledger.Bucket, error) {
	bucket, err := scanBucket(store.db.QueryRow(ctx, sqlSelectBucketByRef, userID.String(), externalRef.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Bucket{}, wrapStoreError(errorSubjectBucket, errorCodeGet, ledger.ErrUnknownBucket)
		}
		return ledger.Bucket{}, wrapStoreError(errorSubjectBucket, errorCodeGet, storageOrInvalid(err))
	}
	return bucket, nil
}

// ListBuckets returns the user's buckets oldest first. Inside a transaction the rows are locked.
func (store *Store) ListBuckets(ctx context.Context, userID ledger.UserID, filter ledger.BucketFilter) ([]ledger.Bucket, error) {
	var query strings.Builder
	query.WriteString(`select ` + bucketColumns + ` from credit_buckets where user_id = $1`)
	arguments := []any{userID.String()}
	if !filter.IncludeExpired {
		arguments = append(arguments, filter.At.UTC())
		fmt.Fprintf(&query, " and (expires_at is null or expires_at > $%d)", len(arguments))
	}
	if !filter.IncludeDepleted {
		query.WriteString(" and remaining > 0")
	}
	query.WriteString(" order by created_at, bucket_id")
	if store.transaction {
		query.WriteString(" for update")
	}
	rows, err := store.db.Query(ctx, query.String(), arguments...)
	if err != nil {
		return nil, wrapStoreError(errorSubjectBucket, errorCodeList, ledger.StorageError(err))
	}
	buckets, err := scanBuckets(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectBucket, errorCodeList, storageOrInvalid(err))
	}
	return buckets, nil
}

// DecrementBucket subtracts amount only while the bucket is live and holds enough.
func (store *Store) DecrementBucket(ctx context.Context, bucketID ledger.BucketID, amount ledger.PositiveCredits, at time.Time) (ledger.Bucket, error) {
	atUTC := at.UTC()
	bucket, err := scanBucket(store.db.QueryRow(ctx, sqlDecrementBucket, bucketID.String(), amount.Int64(), atUTC))
	if err == nil {
		return bucket, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return ledger.Bucket{}, wrapStoreError(errorSubjectBucket, errorCodeDecrement, storageOrInvalid(err))
	}
	current, err := scanBucket(store.db.QueryRow(ctx, sqlSelectBucket, bucketID.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Bucket{}, wrapStoreError(errorSubjectBucket, errorCodeDecrement, ledger.ErrUnknownBucket)
		}
		return ledger.Bucket{}, wrapStoreError(errorSubjectBucket, errorCodeDecrement, storageOrInvalid(err))
	}
	if current.IsExpired(atUTC) {
		return ledger.Bucket{}, wrapStoreError(errorSubjectBucket, errorCodeDecrement, ledger.ErrBucketExpired)
	}
	return ledger.Bucket{}, wrapStoreError(errorSubjectBucket, errorCodeDecrement, ledger.ErrInsufficientBucketBalance)
}

// ListExpiredBuckets pages through buckets past expiry that still hold credit, ordered by bucket id.
// Rows that fail validation are reported on the page and do not fail it.
func (store *Store) ListExpiredBuckets(ctx context.Context, at time.Time, after ledger.BucketID, limit int) (ledger.ExpiredPage, error) {
	var limitValue any
	if limit > 0 {
		limitValue = limit
	}
	var (
		rows pgx.Rows
		err  error
	)
	if after.String() == "" {
		rows, err = store.db.Query(ctx, sqlListExpiredBuckets, at.UTC(), limitValue)
	} else {
		rows, err = store.db.Query(ctx, sqlListExpiredBucketsAfter, at.UTC(), limitValue, after.String())
	}
	if err != nil {
		return ledger.ExpiredPage{}, wrapStoreError(errorSubjectBucket, errorCodeList, ledger.StorageError(err))
	}
	page, err := scanExpiredPage(rows, limit)
	if err != nil {
		return ledger.ExpiredPage{}, wrapStoreError(errorSubjectBucket, errorCodeList, storageOrInvalid(err))
	}
	return page, nil
}

// ZeroOutBucket voids what remains in an expired bucket and reports how much was voided.
func (store *Store) ZeroOutBucket(ctx context.Context, bucketID ledger.BucketID, at time.Time) (ledger.Credits, error) {
	query := sqlSelectBucket
	if store.transaction {
		query += " for update"
	}
	bucket, err := scanBucket(store.db.QueryRow(ctx, query, bucketID.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, wrapStoreError(errorSubjectBucket, errorCodeZeroOut, ledger.ErrUnknownBucket)
		}
		return 0, wrapStoreError(errorSubjectBucket, errorCodeZeroOut, storageOrInvalid(err))
	}
	if !bucket.IsExpired(at.UTC()) || bucket.IsDepleted() {
		return 0, nil
	}
	tag, err := store.db.Exec(ctx, sqlZeroOutBucket, bucketID.String(), bucket.Remaining.Int64(), at.UTC())
	if err != nil {
		return 0, wrapStoreError(errorSubjectBucket, errorCodeZeroOut, ledger.StorageError(err))
	}
	if tag.RowsAffected() == 0 {
		return 0, nil
	}
	return bucket.Remaining, nil
}

func (store *Store) InsertTransaction(ctx context.Context, input ledger.TransactionInput) (ledger.Transaction, error) {
	relatedValues := make([]string, 0, len(input.RelatedBucketIDs))
	for _, bucketID := range input.RelatedBucketIDs {
		relatedValues = append(relatedValues, bucketID.String())
	}
	relatedJSON, err := json.Marshal(relatedValues)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	createdAt := input.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	transactionIDValue := uuid.NewString()
	_, err = store.db.Exec(ctx, sqlInsertTransaction,
		transactionIDValue,
		input.UserID.String(),
		input.Amount.Int64(),
		input.Type.String(),
		input.Description,
		input.ItemID,
		input.ItemType,
		string(relatedJSON),
		input.Metadata.String(),
		createdAt,
	)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, ledger.StorageError(err))
	}
	transactionID, err := ledger.NewTransactionID(transactionIDValue)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return ledger.Transaction{
		TransactionID:    transactionID,
		UserID:           input.UserID,
		Amount:           input.Amount,
		Type:             input.Type,
		Description:      input.Description,
		ItemID:           input.ItemID,
		ItemType:         input.ItemType,
		RelatedBucketIDs: append([]ledger.BucketID(nil), input.RelatedBucketIDs...),
		Metadata:         input.Metadata,
		CreatedAt:        createdAt,
	}, nil
}

// ListTransactions returns the user's transactions newest first.
func (store *Store) ListTransactions(ctx context.Context, userID ledger.UserID, filter ledger.TransactionFilter) ([]ledger.Transaction, error) {
	var query strings.Builder
	query.WriteString(`select ` + transactionColumns + ` from credit_transactions where user_id = $1`)
	arguments := []any{userID.String()}
	if len(filter.Types) > 0 {
		arguments = append(arguments, transactionTypeStrings(filter.Types))
		fmt.Fprintf(&query, " and type = any($%d)", len(arguments))
	}
	if filter.Since != nil {
		arguments = append(arguments, filter.Since.UTC())
		fmt.Fprintf(&query, " and created_at >= $%d", len(arguments))
	}
	query.WriteString(" order by created_at desc, sequence desc")
	if filter.Limit > 0 {
		arguments = append(arguments, filter.Limit)
		fmt.Fprintf(&query, " limit $%d", len(arguments))
	}
	if filter.Offset > 0 {
		arguments = append(arguments, filter.Offset)
		fmt.Fprintf(&query, " offset $%d", len(arguments))
	}
	rows, err := store.db.Query(ctx, query.String(), arguments...)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, ledger.StorageError(err))
	}
	transactions, err := scanTransactions(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, storageOrInvalid(err))
	}
	return transactions, nil
}

func (store *Store) SumDebited(ctx context.Context, userID ledger.UserID) (ledger.Credits, error) {
	var total int64
	err := store.db.QueryRow(ctx, sqlSumDebited, userID.String(), transactionTypeStrings(debitTypes())).Scan(&total)
	if err != nil {
		return 0, wrapStoreError(errorSubjectTransaction, errorCodeSum, ledger.StorageError(err))
	}
	debited, err := ledger.NewCredits(total)
	if err != nil {
		return 0, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return debited, nil
}

func (store *Store) CountTransactions(ctx context.Context, userID ledger.UserID, types []ledger.TransactionType, since time.Time) (int64, error) {
	query := `select count(*) from credit_transactions where user_id = $1 and created_at >= $2`
	arguments := []any{userID.String(), since.UTC()}
	if len(types) > 0 {
		query += ` and type = any($3)`
		arguments = append(arguments, transactionTypeStrings(types))
	}
	var count int64
	if err := store.db.QueryRow(ctx, query, arguments...).Scan(&count); err != nil {
		return 0, wrapStoreError(errorSubjectTransaction, errorCodeCount, ledger.StorageError(err))
	}
	return count, nil
}

func (store *Store) HasItemTransaction(ctx context.Context, userID ledger.UserID, transactionType ledger.TransactionType, itemType string, itemID string) (bool, error) {
	var exists bool
	err := store.db.QueryRow(ctx, sqlHasItemTransaction, userID.String(), transactionType.String(), itemType, itemID).Scan(&exists)
	if err != nil {
		return false, wrapStoreError(errorSubjectTransaction, errorCodeCount, ledger.StorageError(err))
	}
	return exists, nil
}

func (store *Store) ListActiveUsers(ctx context.Context, types []ledger.TransactionType, since time.Time) ([]ledger.UserID, error) {
	query := `select distinct user_id from credit_transactions where created_at >= $1`
	arguments := []any{since.UTC()}
	if len(types) > 0 {
		query += ` and type = any($2)`
		arguments = append(arguments, transactionTypeStrings(types))
	}
	query += ` order by user_id`
	rows, err := store.db.Query(ctx, query, arguments...)
	if err != nil {
		return nil, wrapStoreError(errorSubjectUser, errorCodeList, ledger.StorageError(err))
	}
	rawUserIDs, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, wrapStoreError(errorSubjectUser, errorCodeList, ledger.StorageError(err))
	}
	userIDs := make([]ledger.UserID, 0, len(rawUserIDs))
	for _, raw := range rawUserIDs {
		userID, err := ledger.NewUserID(raw)
		if err != nil {
			return nil, wrapStoreError(errorSubjectUser, errorCodeInvalid, err)
		}
		userIDs = append(userIDs, userID)
	}
	return userIDs, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isBucketRefConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintBucketUserRef
	}
	return false
}

func debitTypes() []ledger.TransactionType {
	return []ledger.TransactionType{ledger.TransactionPromptRun, ledger.TransactionFlowRun, ledger.TransactionPromptUnlock}
}

func transactionTypeStrings(types []ledger.TransactionType) []string {
	values := make([]string, 0, len(types))
	for _, transactionType := range types {
		values = append(values, transactionType.String())
	}
	return values
}

func utcPointer(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	normalized := value.UTC()
	return &normalized
}
