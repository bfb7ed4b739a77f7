package ledger

import (
	"sort"
	"time"
)

// DrainStep records how much one bucket contributed to a debit.
type DrainStep struct {
	BucketID   BucketID
	BucketType BucketType
	Taken      PositiveCredits
}

// OrderForDrain returns the buckets in debit priority order: soonest expiry first
// (no expiry last), then referral, bonus, purchased, then oldest first.
func OrderForDrain(buckets []Bucket) []Bucket {
	ordered := append([]Bucket(nil), buckets...)
	sort.SliceStable(ordered, func(left, right int) bool {
		return drainsBefore(ordered[left], ordered[right])
	})
	return ordered
}

func drainsBefore(left Bucket, right Bucket) bool {
	switch {
	case left.ExpiresAt != nil && right.ExpiresAt == nil:
		return true
	case left.ExpiresAt == nil && right.ExpiresAt != nil:
		return false
	case left.ExpiresAt != nil && right.ExpiresAt != nil && !left.ExpiresAt.Equal(*right.ExpiresAt):
		return left.ExpiresAt.Before(*right.ExpiresAt)
	}
	if left.Type.drainRank() != right.Type.drainRank() {
		return left.Type.drainRank() < right.Type.drainRank()
	}
	if !left.CreatedAt.Equal(right.CreatedAt) {
		return left.CreatedAt.Before(right.CreatedAt)
	}
	return left.BucketID.String() < right.BucketID.String()
}

// PlanDrain walks the eligible buckets in priority order and decides how much to take from each.
// Expired and empty buckets are skipped. It reports the total available and whether the amount is covered;
// when it is not, no steps are returned.
func PlanDrain(buckets []Bucket, amount PositiveCredits, at time.Time) ([]DrainStep, Credits, bool) {
	var available Credits
	eligible := make([]Bucket, 0, len(buckets))
	for _, bucket := range buckets {
		if bucket.IsExpired(at) || bucket.Remaining <= 0 {
			continue
		}
		eligible = append(eligible, bucket)
		available += bucket.Remaining
	}
	if available < amount.ToCredits() {
		return nil, available, false
	}

	outstanding := amount.ToCredits()
	steps := make([]DrainStep, 0, len(eligible))
	for _, bucket := range OrderForDrain(eligible) {
		if outstanding == 0 {
			break
		}
		taken := bucket.Remaining
		if taken > outstanding {
			taken = outstanding
		}
		steps = append(steps, DrainStep{
			BucketID:   bucket.BucketID,
			BucketType: bucket.Type,
			Taken:      PositiveCredits(taken),
		})
		outstanding -= taken
	}
	return steps, available, true
}
