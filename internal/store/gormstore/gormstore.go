package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/promptledger/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	dialectPostgres       = "postgres"
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19

	errorOperationStore     = "store"
	errorSubjectBucket      = "bucket"
	errorSubjectTransaction = "transaction"
	errorSubjectUser        = "user"
	errorSubjectReferral    = "referral"
	errorSubjectSettings    = "settings"
	errorSubjectFlow        = "flow"
	errorCodeCount          = "count"
	errorCodeDecrement      = "decrement"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLock           = "lock"
	errorCodeSum            = "sum"
	errorCodeUpdate         = "update"
	errorCodeZeroOut        = "zero_out"

	sqlAdvisoryLockUser = "select pg_advisory_xact_lock(hashtext(?))"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db          *gorm.DB
	transaction bool
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction, transaction: true})
	})
}

// LockUser takes a transaction-scoped advisory lock on postgres. SQLite serializes writers itself.
func (store *Store) LockUser(ctx context.Context, userID ledger.UserID) error {
	if !store.isPostgres() {
		return nil
	}
	if err := store.db.WithContext(ctx).Exec(sqlAdvisoryLockUser, userID.String()).Error; err != nil {
		return wrapStoreError(errorSubjectUser, errorCodeLock, ledger.StorageError(err))
	}
	return nil
}

func (store *Store) InsertBucket(ctx context.Context, input ledger.BucketInput) (ledger.Bucket, error) {
	model := CreditBucket{
		UserID:      input.UserID.String(),
		Type:        input.Type.String(),
		Amount:      input.Amount.Int64(),
		Remaining:   input.Amount.Int64(),
		Source:      input.Source,
		ExternalRef: input.ExternalRef.String(),
		ExpiresAt:   utcPointer(input.ExpiresAt),
		CreatedAt:   input.CreatedAt.UTC(),
		UpdatedAt:   input.CreatedAt.UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return ledger.Bucket{}, wrapStoreError(errorSubjectBucket, errorCodeDuplicate, ledger.ErrDuplicateExternalRef)
	}
	if err != nil {
		return ledger.Bucket{}, wrapStoreError(errorSubjectBucket, errorCodeInsert, ledger.StorageError(err))
	}
	return mapBucket(model)
}

func (store *Store) GetBucketByExternalRef(ctx context.Context, userID ledger.UserID, externalRef ledger.ExternalRef) (ledger.Bucket, error) {
	var model CreditBucket
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND external_ref = ?", userID.String(), externalRef.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Bucket{}, wrapStoreError(errorSubjectBucket, errorCodeGet, ledger.ErrUnknownBucket)
		}
		return ledger.Bucket{}, wrapStoreError(errorSubjectBucket, errorCodeGet, ledger.StorageError(err))
	}
	return mapBucket(model)
}

// ListBuckets returns the user's buckets oldest first. Inside a postgres transaction the rows are locked.
func (store *Store) ListBuckets(ctx context.Context, userID ledger.UserID, filter ledger.BucketFilter) ([]ledger.Bucket, error) {
	query := store.lockingQuery(ctx).Where("user_id = ?", userID.String())
	if !filter.IncludeExpired {
		query = query.Where("(expires_at IS NULL OR expires_at > ?)", filter.At.UTC())
	}
	if !filter.IncludeDepleted {
		query = query.Where("remaining > 0")
	}
	var rows []CreditBucket
	if err := query.Order("created_at ASC, bucket_id ASC").Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectBucket, errorCodeList, ledger.StorageError(err))
	}
	return mapBuckets(rows)
}

// DecrementBucket subtracts amount only while the bucket is live and holds enough.
func (store *Store) DecrementBucket(ctx context.Context, bucketID ledger.BucketID, amount ledger.PositiveCredits, at time.Time) (ledger.Bucket, error) {
	atUTC := at.UTC()
	result := store.db.WithContext(ctx).
		Model(&CreditBucket{}).
		Where("bucket_id = ? AND remaining >= ?", bucketID.String(), amount.Int64()).
		Where("(expires_at IS NULL OR expires_at > ?)", atUTC).
		Updates(map[string]any{
			"remaining":  gorm.Expr("remaining - ?", amount.Int64()),
			"updated_at": atUTC,
		})
	if result.Error != nil {
		return ledger.Bucket{}, wrapStoreError(errorSubjectBucket, errorCodeDecrement, ledger.StorageError(result.Error))
	}
	bucket, err := store.getBucket(ctx, bucketID)
	if err != nil {
		return ledger.Bucket{}, err
	}
	if result.RowsAffected == 0 {
		if bucket.IsExpired(atUTC) {
			return ledger.Bucket{}, wrapStoreError(errorSubjectBucket, errorCodeDecrement, ledger.ErrBucketExpired)
		}
		return ledger.Bucket{}, wrapStoreError(errorSubjectBucket, errorCodeDecrement, ledger.ErrInsufficientBucketBalance)
	}
	return bucket, nil
}

// ListExpiredBuckets pages through buckets past expiry that still hold credit, ordered by bucket id.
// Rows that fail validation are reported on the page and do not fail it.
func (store *Store) ListExpiredBuckets(ctx context.Context, at time.Time, after ledger.BucketID, limit int) (ledger.ExpiredPage, error) {
	query := store.db.WithContext(ctx).
		Where("remaining > 0 AND expires_at IS NOT NULL AND expires_at < ?", at.UTC())
	if after.String() != "" {
		query = query.Where("bucket_id > ?", after.String())
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []CreditBucket
	if err := query.Order("bucket_id ASC").Find(&rows).Error; err != nil {
		return ledger.ExpiredPage{}, wrapStoreError(errorSubjectBucket, errorCodeList, ledger.StorageError(err))
	}
	var page ledger.ExpiredPage
	for _, row := range rows {
		bucket, err := mapBucket(row)
		if err != nil {
			page.Malformed = append(page.Malformed, ledger.MalformedRow{ID: row.BucketID, Err: err})
			continue
		}
		page.Buckets = append(page.Buckets, bucket)
	}
	if limit > 0 && len(rows) == limit {
		next, err := ledger.NewBucketID(rows[len(rows)-1].BucketID)
		if err != nil {
			return ledger.ExpiredPage{}, wrapStoreError(errorSubjectBucket, errorCodeList, err)
		}
		page.Next = next
	}
	return page, nil
}

// ZeroOutBucket voids what remains in an expired bucket and reports how much was voided.
func (store *Store) ZeroOutBucket(ctx context.Context, bucketID ledger.BucketID, at time.Time) (ledger.Credits, error) {
	var model CreditBucket
	err := store.lockingQuery(ctx).Where("bucket_id = ?", bucketID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, wrapStoreError(errorSubjectBucket, errorCodeZeroOut, ledger.ErrUnknownBucket)
		}
		return 0, wrapStoreError(errorSubjectBucket, errorCodeZeroOut, ledger.StorageError(err))
	}
	bucket, err := mapBucket(model)
	if err != nil {
		return 0, err
	}
	if !bucket.IsExpired(at.UTC()) || bucket.IsDepleted() {
		return 0, nil
	}
	result := store.db.WithContext(ctx).
		Model(&CreditBucket{}).
		Where("bucket_id = ? AND remaining = ?", model.BucketID, model.Remaining).
		Updates(map[string]any{"remaining": 0, "updated_at": at.UTC()})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectBucket, errorCodeZeroOut, ledger.StorageError(result.Error))
	}
	if result.RowsAffected == 0 {
		return 0, nil
	}
	return bucket.Remaining, nil
}

func (store *Store) InsertTransaction(ctx context.Context, input ledger.TransactionInput) (ledger.Transaction, error) {
	relatedBucketIDs := make([]string, 0, len(input.RelatedBucketIDs))
	for _, bucketID := range input.RelatedBucketIDs {
		relatedBucketIDs = append(relatedBucketIDs, bucketID.String())
	}
	model := CreditTransaction{
		UserID:           input.UserID.String(),
		Amount:           input.Amount.Int64(),
		Type:             input.Type.String(),
		Description:      input.Description,
		ItemID:           input.ItemID,
		ItemType:         input.ItemType,
		RelatedBucketIDs: datatypes.NewJSONSlice(relatedBucketIDs),
		Metadata:         datatypesJSON(input.Metadata.String()),
		CreatedAt:        input.CreatedAt.UTC(),
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, ledger.StorageError(err))
	}
	return mapTransaction(model)
}

// ListTransactions returns the user's transactions newest first.
func (store *Store) ListTransactions(ctx context.Context, userID ledger.UserID, filter ledger.TransactionFilter) ([]ledger.Transaction, error) {
	query := store.db.WithContext(ctx).Where("user_id = ?", userID.String())
	if len(filter.Types) > 0 {
		query = query.Where("type IN ?", transactionTypeStrings(filter.Types))
	}
	if filter.Since != nil {
		query = query.Where("created_at >= ?", filter.Since.UTC())
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}
	var rows []CreditTransaction
	if err := query.Order("created_at DESC, sequence DESC").Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, ledger.StorageError(err))
	}
	transactions := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func (store *Store) SumDebited(ctx context.Context, userID ledger.UserID) (ledger.Credits, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Select("coalesce(sum(-amount),0) as total").
		Where("user_id = ? AND type IN ?", userID.String(), transactionTypeStrings(debitTypes())).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectTransaction, errorCodeSum, ledger.StorageError(err))
	}
	total, err := ledger.NewCredits(sum.Total)
	if err != nil {
		return 0, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return total, nil
}

func (store *Store) CountTransactions(ctx context.Context, userID ledger.UserID, types []ledger.TransactionType, since time.Time) (int64, error) {
	query := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Where("user_id = ? AND created_at >= ?", userID.String(), since.UTC())
	if len(types) > 0 {
		query = query.Where("type IN ?", transactionTypeStrings(types))
	}
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, wrapStoreError(errorSubjectTransaction, errorCodeCount, ledger.StorageError(err))
	}
	return count, nil
}

func (store *Store) HasItemTransaction(ctx context.Context, userID ledger.UserID, transactionType ledger.TransactionType, itemType string, itemID string) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Where("user_id = ? AND type = ? AND item_type = ? AND item_id = ?", userID.String(), transactionType.String(), itemType, itemID).
		Limit(1).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectTransaction, errorCodeCount, ledger.StorageError(err))
	}
	return count > 0, nil
}

func (store *Store) ListActiveUsers(ctx context.Context, types []ledger.TransactionType, since time.Time) ([]ledger.UserID, error) {
	query := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Distinct("user_id").
		Where("created_at >= ?", since.UTC())
	if len(types) > 0 {
		query = query.Where("type IN ?", transactionTypeStrings(types))
	}
	var rawUserIDs []string
	if err := query.Order("user_id ASC").Pluck("user_id", &rawUserIDs).Error; err != nil {
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

func (store *Store) getBucket(ctx context.Context, bucketID ledger.BucketID) (ledger.Bucket, error) {
	var model CreditBucket
	err := store.db.WithContext(ctx).Where("bucket_id = ?", bucketID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Bucket{}, wrapStoreError(errorSubjectBucket, errorCodeGet, ledger.ErrUnknownBucket)
		}
		return ledger.Bucket{}, wrapStoreError(errorSubjectBucket, errorCodeGet, ledger.StorageError(err))
	}
	return mapBucket(model)
}

func (store *Store) lockingQuery(ctx context.Context) *gorm.DB {
	query := store.db.WithContext(ctx)
	if store.transaction && store.isPostgres() {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return query
}

func (store *Store) isPostgres() bool {
	return store.db.Dialector != nil && store.db.Dialector.Name() == dialectPostgres
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapBuckets(rows []CreditBucket) ([]ledger.Bucket, error) {
	buckets := make([]ledger.Bucket, 0, len(rows))
	for _, row := range rows {
		bucket, err := mapBucket(row)
		if err != nil {
			return nil, err
		}
		buckets = append(buckets, bucket)
	}
	return buckets, nil
}

func mapBucket(row CreditBucket) (ledger.Bucket, error) {
	bucketID, err := ledger.NewBucketID(row.BucketID)
	if err != nil {
		return ledger.Bucket{}, wrapStoreError(errorSubjectBucket, errorCodeInvalid, err)
	}
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.Bucket{}, wrapStoreError(errorSubjectBucket, errorCodeInvalid, err)
	}
	bucketType, err := ledger.ParseBucketType(row.Type)
	if err != nil {
		return ledger.Bucket{}, wrapStoreError(errorSubjectBucket, errorCodeInvalid, err)
	}
	amount, err := ledger.NewPositiveCredits(row.Amount)
	if err != nil {
		return ledger.Bucket{}, wrapStoreError(errorSubjectBucket, errorCodeInvalid, err)
	}
	remaining, err := ledger.NewCredits(row.Remaining)
	if err != nil {
		return ledger.Bucket{}, wrapStoreError(errorSubjectBucket, errorCodeInvalid, err)
	}
	externalRef, err := ledger.NewExternalRef(row.ExternalRef)
	if err != nil {
		return ledger.Bucket{}, wrapStoreError(errorSubjectBucket, errorCodeInvalid, err)
	}
	return ledger.Bucket{
		BucketID:    bucketID,
		UserID:      userID,
		Type:        bucketType,
		Amount:      amount,
		Remaining:   remaining,
		Source:      row.Source,
		ExternalRef: externalRef,
		ExpiresAt:   utcPointer(row.ExpiresAt),
		CreatedAt:   row.CreatedAt.UTC(),
		UpdatedAt:   row.UpdatedAt.UTC(),
	}, nil
}

func mapTransaction(row CreditTransaction) (ledger.Transaction, error) {
	transactionID, err := ledger.NewTransactionID(row.TransactionID)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	transactionType, err := ledger.ParseTransactionType(row.Type)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	relatedBucketIDs := make([]ledger.BucketID, 0, len(row.RelatedBucketIDs))
	for _, raw := range row.RelatedBucketIDs {
		bucketID, err := ledger.NewBucketID(raw)
		if err != nil {
			return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		relatedBucketIDs = append(relatedBucketIDs, bucketID)
	}
	return ledger.Transaction{
		TransactionID:    transactionID,
		UserID:           userID,
		Amount:           ledger.SignedCredits(row.Amount),
		Type:             transactionType,
		Description:      row.Description,
		ItemID:           row.ItemID,
		ItemType:         row.ItemType,
		RelatedBucketIDs: relatedBucketIDs,
		Metadata:         metadata,
		CreatedAt:        row.CreatedAt.UTC(),
	}, nil
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

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
