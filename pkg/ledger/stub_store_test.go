package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"
)

const (
	stubMethodLockUser           = "LockUser"
	stubMethodInsertBucket       = "InsertBucket"
	stubMethodGetByExternalRef   = "GetBucketByExternalRef"
	stubMethodListBuckets        = "ListBuckets"
	stubMethodDecrementBucket    = "DecrementBucket"
	stubMethodListExpired        = "ListExpiredBuckets"
	stubMethodZeroOutBucket      = "ZeroOutBucket"
	stubMethodInsertTransaction  = "InsertTransaction"
	stubMethodListTransactions   = "ListTransactions"
	stubMethodHasItemTransaction = "HasItemTransaction"
)

// stubStore is an in-memory Store. WithTx snapshots state and restores it when fn fails.
type stubStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	buckets      []Bucket
	transactions []Transaction
	nextBucket   int
	nextTxn      int

	failures          map[string]error
	zeroOutFailures   map[BucketID]error
	decrementCalls    int
	failDecrementCall int
	lockedUsers       []UserID
	malformedExpired  []MalformedRow
	insertPanic       any
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		failures:        make(map[string]error),
		zeroOutFailures: make(map[BucketID]error),
	}
}

func (store *stubStore) failure(method string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.failures[method]
}

func (store *stubStore) setFailure(method string, err error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.failures[method] = err
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.txMu.Lock()
	defer store.txMu.Unlock()

	store.mu.Lock()
	savedBuckets := append([]Bucket(nil), store.buckets...)
	savedTransactions := append([]Transaction(nil), store.transactions...)
	store.mu.Unlock()

	if err := fn(ctx, store); err != nil {
		store.mu.Lock()
		store.buckets = savedBuckets
		store.transactions = savedTransactions
		store.mu.Unlock()
		return err
	}
	return nil
}

func (store *stubStore) LockUser(ctx context.Context, userID UserID) error {
	if err := store.failure(stubMethodLockUser); err != nil {
		return err
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	store.lockedUsers = append(store.lockedUsers, userID)
	return nil
}

func (store *stubStore) InsertBucket(ctx context.Context, input BucketInput) (Bucket, error) {
	if err := store.failure(stubMethodInsertBucket); err != nil {
		return Bucket{}, err
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.insertPanic != nil {
		panicValue := store.insertPanic
		store.insertPanic = nil
		panic(panicValue)
	}
	for _, bucket := range store.buckets {
		if bucket.UserID == input.UserID && bucket.ExternalRef == input.ExternalRef {
			return Bucket{}, ErrDuplicateExternalRef
		}
	}
	store.nextBucket++
	bucketID, err := NewBucketID(fmt.Sprintf("bucket-%04d", store.nextBucket))
	if err != nil {
		return Bucket{}, err
	}
	bucket := Bucket{
		BucketID:    bucketID,
		UserID:      input.UserID,
		Type:        input.Type,
		Amount:      input.Amount,
		Remaining:   input.Amount.ToCredits(),
		Source:      input.Source,
		ExternalRef: input.ExternalRef,
		ExpiresAt:   input.ExpiresAt,
		CreatedAt:   input.CreatedAt,
		UpdatedAt:   input.CreatedAt,
	}
	store.buckets = append(store.buckets, bucket)
	return bucket, nil
}

func (store *stubStore) GetBucketByExternalRef(ctx context.Context, userID UserID, externalRef ExternalRef) (Bucket, error) {
	if err := store.failure(stubMethodGetByExternalRef); err != nil {
		return Bucket{}, err
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, bucket := range store.buckets {
		if bucket.UserID == userID && bucket.ExternalRef == externalRef {
			return bucket, nil
		}
	}
	return Bucket{}, ErrUnknownBucket
}

func (store *stubStore) ListBuckets(ctx context.Context, userID UserID, filter BucketFilter) ([]Bucket, error) {
	if err := store.failure(stubMethodListBuckets); err != nil {
		return nil, err
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	var buckets []Bucket
	for _, bucket := range store.buckets {
		if bucket.UserID != userID {
			continue
		}
		if !filter.IncludeExpired && bucket.IsExpired(filter.At) {
			continue
		}
		if !filter.IncludeDepleted && bucket.IsDepleted() {
			continue
		}
		buckets = append(buckets, bucket)
	}
	return buckets, nil
}

func (store *stubStore) DecrementBucket(ctx context.Context, bucketID BucketID, amount PositiveCredits, at time.Time) (Bucket, error) {
	if err := store.failure(stubMethodDecrementBucket); err != nil {
		return Bucket{}, err
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	store.decrementCalls++
	if store.failDecrementCall > 0 && store.decrementCalls == store.failDecrementCall {
		return Bucket{}, errStoreFailure
	}
	for index, bucket := range store.buckets {
		if bucket.BucketID != bucketID {
			continue
		}
		updated, err := bucket.Decrement(amount, at)
		if err != nil {
			return Bucket{}, err
		}
		store.buckets[index] = updated
		return updated, nil
	}
	return Bucket{}, ErrUnknownBucket
}

func (store *stubStore) ListExpiredBuckets(ctx context.Context, at time.Time, after BucketID, limit int) (ExpiredPage, error) {
	if err := store.failure(stubMethodListExpired); err != nil {
		return ExpiredPage{}, err
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	var candidates []Bucket
	for _, bucket := range store.buckets {
		if bucket.ExpiresAt == nil || !bucket.ExpiresAt.Before(at) || bucket.Remaining == 0 {
			continue
		}
		if bucket.BucketID.String() <= after.String() {
			continue
		}
		candidates = append(candidates, bucket)
	}
	sort.Slice(candidates, func(left, right int) bool {
		return candidates[left].BucketID.String() < candidates[right].BucketID.String()
	})
	page := ExpiredPage{}
	if after.String() == "" {
		page.Malformed = store.malformedExpired
	}
	if limit > 0 && len(candidates) >= limit {
		candidates = candidates[:limit]
		page.Next = candidates[len(candidates)-1].BucketID
	}
	page.Buckets = candidates
	return page, nil
}

func (store *stubStore) ZeroOutBucket(ctx context.Context, bucketID BucketID, at time.Time) (Credits, error) {
	if err := store.failure(stubMethodZeroOutBucket); err != nil {
		return 0, err
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if err := store.zeroOutFailures[bucketID]; err != nil {
		return 0, err
	}
	for index, bucket := range store.buckets {
		if bucket.BucketID != bucketID {
			continue
		}
		if !bucket.IsExpired(at) || bucket.Remaining == 0 {
			return 0, nil
		}
		voided := bucket.Remaining
		bucket.Remaining = 0
		bucket.UpdatedAt = at
		store.buckets[index] = bucket
		return voided, nil
	}
	return 0, ErrUnknownBucket
}

func (store *stubStore) InsertTransaction(ctx context.Context, input TransactionInput) (Transaction, error) {
	if err := store.failure(stubMethodInsertTransaction); err != nil {
		return Transaction{}, err
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	store.nextTxn++
	transactionID, err := NewTransactionID(fmt.Sprintf("txn-%04d", store.nextTxn))
	if err != nil {
		return Transaction{}, err
	}
	transaction := Transaction{
		TransactionID:    transactionID,
		UserID:           input.UserID,
		Amount:           input.Amount,
		Type:             input.Type,
		Description:      input.Description,
		ItemID:           input.ItemID,
		ItemType:         input.ItemType,
		RelatedBucketIDs: input.RelatedBucketIDs,
		Metadata:         input.Metadata,
		CreatedAt:        input.CreatedAt,
	}
	store.transactions = append(store.transactions, transaction)
	return transaction, nil
}

func (store *stubStore) ListTransactions(ctx context.Context, userID UserID, filter TransactionFilter) ([]Transaction, error) {
	if err := store.failure(stubMethodListTransactions); err != nil {
		return nil, err
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	var matched []Transaction
	for index := len(store.transactions) - 1; index >= 0; index-- {
		transaction := store.transactions[index]
		if transaction.UserID != userID || !matchesTypes(transaction.Type, filter.Types) {
			continue
		}
		if filter.Since != nil && transaction.CreatedAt.Before(*filter.Since) {
			continue
		}
		matched = append(matched, transaction)
	}
	sort.SliceStable(matched, func(left, right int) bool {
		return matched[left].CreatedAt.After(matched[right].CreatedAt)
	})
	if filter.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (store *stubStore) SumDebited(ctx context.Context, userID UserID) (Credits, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var total Credits
	for _, transaction := range store.transactions {
		if transaction.UserID == userID && transaction.Type.IsDebit() {
			total += Credits(-transaction.Amount)
		}
	}
	return total, nil
}

func (store *stubStore) CountTransactions(ctx context.Context, userID UserID, types []TransactionType, since time.Time) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var count int64
	for _, transaction := range store.transactions {
		if transaction.UserID == userID && matchesTypes(transaction.Type, types) && !transaction.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (store *stubStore) HasItemTransaction(ctx context.Context, userID UserID, transactionType TransactionType, itemType string, itemID string) (bool, error) {
	if err := store.failure(stubMethodHasItemTransaction); err != nil {
		return false, err
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, transaction := range store.transactions {
		if transaction.UserID == userID && transaction.Type == transactionType && transaction.ItemType == itemType && transaction.ItemID == itemID {
			return true, nil
		}
	}
	return false, nil
}

func (store *stubStore) ListActiveUsers(ctx context.Context, types []TransactionType, since time.Time) ([]UserID, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	seen := make(map[UserID]struct{})
	var users []UserID
	for _, transaction := range store.transactions {
		if !matchesTypes(transaction.Type, types) || transaction.CreatedAt.Before(since) {
			continue
		}
		if _, ok := seen[transaction.UserID]; ok {
			continue
		}
		seen[transaction.UserID] = struct{}{}
		users = append(users, transaction.UserID)
	}
	sort.Slice(users, func(left, right int) bool {
		return users[left].String() < users[right].String()
	})
	return users, nil
}

func (store *stubStore) seedBucket(test *testing.T, input BucketInput) Bucket {
	test.Helper()
	bucket, err := store.InsertBucket(context.Background(), input)
	if err != nil {
		test.Fatalf("seed bucket: %v", err)
	}
	return bucket
}

func (store *stubStore) mustBucket(test *testing.T, bucketID BucketID) Bucket {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, bucket := range store.buckets {
		if bucket.BucketID == bucketID {
			return bucket
		}
	}
	test.Fatalf("bucket %s not found", bucketID.String())
	return Bucket{}
}

func (store *stubStore) transactionCount() int {
	store.mu.Lock()
	defer store.mu.Unlock()
	return len(store.transactions)
}

func (store *stubStore) lastTransaction(test *testing.T) Transaction {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.transactions) == 0 {
		test.Fatalf("no transactions recorded")
	}
	return store.transactions[len(store.transactions)-1]
}

func matchesTypes(candidate TransactionType, types []TransactionType) bool {
	if len(types) == 0 {
		return true
	}
	for _, transactionType := range types {
		if transactionType == candidate {
			return true
		}
	}
	return false
}
