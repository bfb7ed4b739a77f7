package ledger

import (
	"sync"
	"testing"
	"time"
)

var fixedNow = time.Date(2025, time.March, 14, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(start time.Time) *testClock {
	return &testClock{now: start}
}

func (clock *testClock) Now() time.Time {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.now
}

func (clock *testClock) Advance(duration time.Duration) {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.now = clock.now.Add(duration)
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() time.Time { return fixedNow }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustNewServiceWithClock(test *testing.T, store Store, clock *testClock, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, clock.Now, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	value, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return value
}

func mustBucketID(test *testing.T, raw string) BucketID {
	test.Helper()
	value, err := NewBucketID(raw)
	if err != nil {
		test.Fatalf("bucket id: %v", err)
	}
	return value
}

func mustExternalRef(test *testing.T, raw string) ExternalRef {
	test.Helper()
	value, err := NewExternalRef(raw)
	if err != nil {
		test.Fatalf("external ref: %v", err)
	}
	return value
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	value, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return value
}

func mustPositiveCredits(test *testing.T, raw int64) PositiveCredits {
	test.Helper()
	value, err := NewPositiveCredits(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return value
}

func mustBucketInput(test *testing.T, userID UserID, bucketType BucketType, amount int64, ref string, expiresAt *time.Time, createdAt time.Time) BucketInput {
	test.Helper()
	input, err := NewBucketInput(userID, bucketType, mustPositiveCredits(test, amount), "test_seed", mustExternalRef(test, ref), expiresAt, createdAt)
	if err != nil {
		test.Fatalf("bucket input: %v", err)
	}
	return input
}

func timePointer(value time.Time) *time.Time {
	return &value
}
