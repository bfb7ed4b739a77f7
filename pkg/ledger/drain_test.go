package ledger

import (
	"testing"
	"time"
)

func drainBucket(id string, bucketType BucketType, remaining Credits, expiresAt *time.Time, createdAt time.Time) Bucket {
	return Bucket{
		BucketID:  BucketID{value: id},
		Type:      bucketType,
		Amount:    PositiveCredits(remaining + 1),
		Remaining: remaining,
		ExpiresAt: expiresAt,
		CreatedAt: createdAt,
	}
}

func TestOrderForDrain(t *testing.T) {
	t.Parallel()
	soon := fixedNow.Add(day)
	later := fixedNow.Add(7 * day)
	older := fixedNow.Add(-2 * day)
	newer := fixedNow.Add(-day)

	buckets := []Bucket{
		drainBucket("purchased-forever", BucketPurchased, 10, nil, older),
		drainBucket("bonus-forever-new", BucketBonus, 10, nil, newer),
		drainBucket("bonus-forever-old", BucketBonus, 10, nil, older),
		drainBucket("referral-forever", BucketReferral, 10, nil, newer),
		drainBucket("purchased-later", BucketPurchased, 10, &later, older),
		drainBucket("purchased-soon", BucketPurchased, 10, &soon, older),
		drainBucket("referral-soon", BucketReferral, 10, &soon, newer),
	}
	expected := []string{
		"referral-soon",
		"purchased-soon",
		"purchased-later",
		"referral-forever",
		"bonus-forever-old",
		"bonus-forever-new",
		"purchased-forever",
	}

	ordered := OrderForDrain(buckets)
	for index, bucket := range ordered {
		if bucket.BucketID.String() != expected[index] {
			t.Fatalf("position %d: expected %s, got %s", index, expected[index], bucket.BucketID.String())
		}
	}
	if buckets[0].BucketID.String() != "purchased-forever" {
		t.Fatalf("expected input slice to be left unsorted")
	}
}

func TestPlanDrain(t *testing.T) {
	t.Parallel()
	expired := fixedNow.Add(-time.Second)
	buckets := []Bucket{
		drainBucket("purchased", BucketPurchased, 50, nil, fixedNow),
		drainBucket("empty", BucketReferral, 0, nil, fixedNow),
		drainBucket("dead", BucketReferral, 100, &expired, fixedNow.Add(-day)),
		drainBucket("bonus", BucketBonus, 20, nil, fixedNow),
	}

	cases := []struct {
		name          string
		amount        PositiveCredits
		wantOK        bool
		wantAvailable Credits
		wantTaken     []PositiveCredits
	}{
		{name: "single partial", amount: 5, wantOK: true, wantAvailable: 70, wantTaken: []PositiveCredits{5}},
		{name: "spans buckets", amount: 45, wantOK: true, wantAvailable: 70, wantTaken: []PositiveCredits{20, 25}},
		{name: "exact total", amount: 70, wantOK: true, wantAvailable: 70, wantTaken: []PositiveCredits{20, 50}},
		{name: "short", amount: 71, wantOK: false, wantAvailable: 70},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			steps, available, ok := PlanDrain(buckets, tc.amount, fixedNow)
			if ok != tc.wantOK || available != tc.wantAvailable {
				t.Fatalf("expected ok=%v available=%d, got ok=%v available=%d", tc.wantOK, tc.wantAvailable, ok, available)
			}
			if len(steps) != len(tc.wantTaken) {
				t.Fatalf("expected %d steps, got %+v", len(tc.wantTaken), steps)
			}
			for index, step := range steps {
				if step.Taken != tc.wantTaken[index] {
					t.Fatalf("step %d: expected %d, got %d", index, tc.wantTaken[index], step.Taken)
				}
			}
		})
	}
}
