package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Credits is a non-negative credit quantity.
type Credits int64

// PositiveCredits is a credit quantity strictly greater than zero.
type PositiveCredits int64

// SignedCredits is a transaction amount: positive credits, negative debits, zero for system events.
type SignedCredits int64

// UserID identifies a credit owner.
type UserID struct {
	value string
}

// BucketID identifies a credit bucket.
type BucketID struct {
	value string
}

// TransactionID identifies a ledger transaction.
type TransactionID struct {
	value string
}

// ExternalRef is the caller-supplied idempotency key of a grant.
type ExternalRef struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// BucketType enumerates bucket kinds.
type BucketType string

const (
	BucketPurchased BucketType = "purchased"
	BucketBonus     BucketType = "bonus"
	BucketReferral  BucketType = "referral"
)

// TransactionType enumerates ledger transaction kinds.
type TransactionType string

const (
	TransactionPurchase        TransactionType = "purchase"
	TransactionPromptRun       TransactionType = "prompt_run"
	TransactionFlowRun         TransactionType = "flow_run"
	TransactionPromptUnlock    TransactionType = "prompt_unlock"
	TransactionReferralBonus   TransactionType = "referral_bonus"
	TransactionAutomationBonus TransactionType = "automation_bonus"
	TransactionBonus           TransactionType = "bonus"
	TransactionSystemCleanup   TransactionType = "system_cleanup"
	TransactionEvent           TransactionType = "event"
)

// UsageTransactionTypes are the debit kinds that count as model usage.
var UsageTransactionTypes = []TransactionType{TransactionPromptRun, TransactionFlowRun}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id UserID) IsZero() bool {
	return id.value == ""
}

// NewBucketID validates and normalizes a bucket id.
func NewBucketID(raw string) (BucketID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return BucketID{}, fmt.Errorf("%w: empty value", ErrInvalidBucketID)
	}
	return BucketID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id BucketID) String() string {
	return id.value
}

// NewTransactionID validates and normalizes a transaction id.
func NewTransactionID(raw string) (TransactionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TransactionID{}, fmt.Errorf("%w: empty value", ErrInvalidTransactionID)
	}
	return TransactionID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id TransactionID) String() string {
	return id.value
}

// NewExternalRef validates and normalizes an external reference.
func NewExternalRef(raw string) (ExternalRef, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ExternalRef{}, fmt.Errorf("%w: empty value", ErrInvalidExternalRef)
	}
	if len(trimmed) > maxExternalRefLength {
		return ExternalRef{}, fmt.Errorf("%w: longer than %d characters", ErrInvalidExternalRef, maxExternalRefLength)
	}
	return ExternalRef{value: trimmed}, nil
}

// String returns the normalized key.
func (ref ExternalRef) String() string {
	return ref.value
}

// IsZero reports whether the reference was never set.
func (ref ExternalRef) IsZero() bool {
	return ref.value == ""
}

// DeriveExternalRef joins a base reference and a suffix into a new reference.
func DeriveExternalRef(base ExternalRef, suffix string) (ExternalRef, error) {
	return NewExternalRef(base.String() + externalRefDelimiter + suffix)
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = defaultMetadataJSON
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// MarshalMetadata encodes a value into MetadataJSON.
func MarshalMetadata(value any) (MetadataJSON, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	return NewMetadataJSON(string(raw))
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return defaultMetadataJSON
	}
	return metadata.value
}

// NewCredits validates a non-negative credit quantity.
func NewCredits(raw int64) (Credits, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must be zero or greater", ErrInvalidAmount)
	}
	return Credits(raw), nil
}

// Int64 exposes the raw value.
func (amount Credits) Int64() int64 {
	return int64(amount)
}

// NewPositiveCredits validates an amount and ensures it is strictly positive.
func NewPositiveCredits(raw int64) (PositiveCredits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return PositiveCredits(raw), nil
}

// Int64 exposes the raw value.
func (amount PositiveCredits) Int64() int64 {
	return int64(amount)
}

// ToCredits widens the amount.
func (amount PositiveCredits) ToCredits() Credits {
	return Credits(amount)
}

// Int64 exposes the raw value.
func (amount SignedCredits) Int64() int64 {
	return int64(amount)
}

// ParseBucketType validates a bucket type string.
func ParseBucketType(raw string) (BucketType, error) {
	switch BucketType(strings.TrimSpace(raw)) {
	case BucketPurchased:
		return BucketPurchased, nil
	case BucketBonus:
		return BucketBonus, nil
	case BucketReferral:
		return BucketReferral, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidBucketType, raw)
	}
}

// String returns the stored representation.
func (bucketType BucketType) String() string {
	return string(bucketType)
}

// drainRank orders bucket types for debits; lower drains first.
func (bucketType BucketType) drainRank() int {
	switch bucketType {
	case BucketReferral:
		return 0
	case BucketBonus:
		return 1
	default:
		return 2
	}
}

// GrantTransactionType is the default transaction type recorded for a grant into this bucket type.
func (bucketType BucketType) GrantTransactionType() TransactionType {
	switch bucketType {
	case BucketReferral:
		return TransactionReferralBonus
	case BucketBonus:
		return TransactionBonus
	default:
		return TransactionPurchase
	}
}

// ParseTransactionType validates a transaction type string.
func ParseTransactionType(raw string) (TransactionType, error) {
	candidate := TransactionType(strings.TrimSpace(raw))
	switch candidate {
	case TransactionPurchase, TransactionPromptRun, TransactionFlowRun, TransactionPromptUnlock,
		TransactionReferralBonus, TransactionAutomationBonus, TransactionBonus,
		TransactionSystemCleanup, TransactionEvent:
		return candidate, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
	}
}

// String returns the stored representation.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// IsDebit reports whether the type records spending.
func (transactionType TransactionType) IsDebit() bool {
	switch transactionType {
	case TransactionPromptRun, TransactionFlowRun, TransactionPromptUnlock:
		return true
	default:
		return false
	}
}

// Bucket is a discrete grant of credits with its own remaining balance and optional expiry.
type Bucket struct {
	BucketID    BucketID
	UserID      UserID
	Type        BucketType
	Amount      PositiveCredits
	Remaining   Credits
	Source      string
	ExternalRef ExternalRef
	ExpiresAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IsExpired reports whether the bucket's expiry is at or before at.
func (bucket Bucket) IsExpired(at time.Time) bool {
	return bucket.ExpiresAt != nil && !at.Before(*bucket.ExpiresAt)
}

// IsDepleted reports whether nothing remains in the bucket.
func (bucket Bucket) IsDepleted() bool {
	return bucket.Remaining == 0
}

// Decrement returns the bucket after taking amount at the given instant.
func (bucket Bucket) Decrement(amount PositiveCredits, at time.Time) (Bucket, error) {
	if bucket.IsExpired(at) {
		return Bucket{}, fmt.Errorf("%w: bucket %s", ErrBucketExpired, bucket.BucketID.String())
	}
	if amount.ToCredits() > bucket.Remaining {
		return Bucket{}, fmt.Errorf("%w: bucket %s has %d, requested %d", ErrInsufficientBucketBalance, bucket.BucketID.String(), bucket.Remaining, amount)
	}
	updated := bucket
	updated.Remaining = bucket.Remaining - amount.ToCredits()
	updated.UpdatedAt = at
	return updated, nil
}

// BucketInput describes a bucket about to be created.
type BucketInput struct {
	UserID      UserID
	Type        BucketType
	Amount      PositiveCredits
	Source      string
	ExternalRef ExternalRef
	ExpiresAt   *time.Time
	CreatedAt   time.Time
}

// NewBucketInput validates the fields of a bucket about to be created.
func NewBucketInput(userID UserID, bucketType BucketType, amount PositiveCredits, source string, externalRef ExternalRef, expiresAt *time.Time, createdAt time.Time) (BucketInput, error) {
	if userID.IsZero() {
		return BucketInput{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if _, err := ParseBucketType(bucketType.String()); err != nil {
		return BucketInput{}, err
	}
	if amount <= 0 {
		return BucketInput{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if externalRef.IsZero() {
		return BucketInput{}, fmt.Errorf("%w: empty value", ErrInvalidExternalRef)
	}
	normalizedSource := strings.TrimSpace(source)
	if normalizedSource == "" {
		return BucketInput{}, fmt.Errorf("%w: source is required", ErrInvalidSource)
	}
	if expiresAt != nil && !expiresAt.After(createdAt) {
		return BucketInput{}, fmt.Errorf("%w: expiry must be after creation", ErrInvalidExpiry)
	}
	return BucketInput{
		UserID:      userID,
		Type:        bucketType,
		Amount:      amount,
		Source:      normalizedSource,
		ExternalRef: externalRef,
		ExpiresAt:   expiresAt,
		CreatedAt:   createdAt,
	}, nil
}

// BucketFilter narrows ListBuckets.
type BucketFilter struct {
	IncludeExpired  bool
	IncludeDepleted bool
	At              time.Time
}

// DefaultBucketFilter hides expired buckets and keeps depleted ones.
func DefaultBucketFilter(at time.Time) BucketFilter {
	return BucketFilter{IncludeExpired: false, IncludeDepleted: true, At: at}
}

// Transaction is an immutable ledger line.
type Transaction struct {
	TransactionID    TransactionID
	UserID           UserID
	Amount           SignedCredits
	Type             TransactionType
	Description      string
	ItemID           string
	ItemType         string
	RelatedBucketIDs []BucketID
	Metadata         MetadataJSON
	CreatedAt        time.Time
}

// TransactionInput describes a transaction about to be appended.
type TransactionInput struct {
	UserID           UserID
	Amount           SignedCredits
	Type             TransactionType
	Description      string
	ItemID           string
	ItemType         string
	RelatedBucketIDs []BucketID
	Metadata         MetadataJSON
	CreatedAt        time.Time
}

// NewTransactionInput validates the fields of a transaction about to be appended.
func NewTransactionInput(userID UserID, amount SignedCredits, transactionType TransactionType, description string, itemID string, itemType string, relatedBucketIDs []BucketID, metadata MetadataJSON, createdAt time.Time) (TransactionInput, error) {
	if userID.IsZero() {
		return TransactionInput{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if _, err := ParseTransactionType(transactionType.String()); err != nil {
		return TransactionInput{}, err
	}
	if transactionType.IsDebit() && amount >= 0 {
		return TransactionInput{}, fmt.Errorf("%w: %s must be negative", ErrInvalidAmount, transactionType)
	}
	if transactionType == TransactionSystemCleanup && amount != 0 {
		return TransactionInput{}, fmt.Errorf("%w: %s must be zero", ErrInvalidAmount, transactionType)
	}
	return TransactionInput{
		UserID:           userID,
		Amount:           amount,
		Type:             transactionType,
		Description:      strings.TrimSpace(description),
		ItemID:           strings.TrimSpace(itemID),
		ItemType:         strings.TrimSpace(itemType),
		RelatedBucketIDs: append([]BucketID(nil), relatedBucketIDs...),
		Metadata:         metadata,
		CreatedAt:        createdAt,
	}, nil
}

// TransactionFilter narrows ListTransactions.
type TransactionFilter struct {
	Types  []TransactionType
	Since  *time.Time
	Limit  int
	Offset int
}

// Breakdown groups live remaining credits by bucket type.
type Breakdown struct {
	Purchased Credits
	Bonus     Credits
	Referral  Credits
}

// Total sums the breakdown.
func (breakdown Breakdown) Total() Credits {
	return breakdown.Purchased + breakdown.Bonus + breakdown.Referral
}

// ExpiredPage is one cursor page of sweep candidates.
type ExpiredPage struct {
	Buckets []Bucket
	// Malformed holds rows on the page that could not be read as buckets.
	Malformed []MalformedRow
	// Next resumes after the last row read, valid or not. It is zero after the final page.
	Next BucketID
}

// MalformedRow is a stored row that failed validation.
type MalformedRow struct {
	ID  string
	Err error
}

// Store is the persistence contract used by Service.
// (gormstore and pgstore implement it.)
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	LockUser(ctx context.Context, userID UserID) error

	InsertBucket(ctx context.Context, input BucketInput) (Bucket, error)
	GetBucketByExternalRef(ctx context.Context, userID UserID, externalRef ExternalRef) (Bucket, error)
	ListBuckets(ctx context.Context, userID UserID, filter BucketFilter) ([]Bucket, error)
	DecrementBucket(ctx context.Context, bucketID BucketID, amount PositiveCredits, at time.Time) (Bucket, error)
	ListExpiredBuckets(ctx context.Context, at time.Time, after BucketID, limit int) (ExpiredPage, error)
	ZeroOutBucket(ctx context.Context, bucketID BucketID, at time.Time) (Credits, error)

	InsertTransaction(ctx context.Context, input TransactionInput) (Transaction, error)
	ListTransactions(ctx context.Context, userID UserID, filter TransactionFilter) ([]Transaction, error)
	SumDebited(ctx context.Context, userID UserID) (Credits, error)
	CountTransactions(ctx context.Context, userID UserID, types []TransactionType, since time.Time) (int64, error)
	HasItemTransaction(ctx context.Context, userID UserID, transactionType TransactionType, itemType string, itemID string) (bool, error)
	ListActiveUsers(ctx context.Context, types []TransactionType, since time.Time) ([]UserID, error)
}
