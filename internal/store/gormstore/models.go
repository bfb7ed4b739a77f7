package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CreditBucket mirrors the credit_buckets table.
type CreditBucket struct {
	BucketID    string     `gorm:"type:uuid;primaryKey"`
	UserID      string     `gorm:"not null;index:idx_credit_buckets_user_expires,priority:1;uniqueIndex:uniq_credit_buckets_user_ref,priority:1"`
	Type        string     `gorm:"not null"`
	Amount      int64      `gorm:"not null"`
	Remaining   int64      `gorm:"not null"`
	Source      string     `gorm:"not null"`
	ExternalRef string     `gorm:"not null;uniqueIndex:uniq_credit_buckets_user_ref,priority:2"`
	ExpiresAt   *time.Time `gorm:"index:idx_credit_buckets_user_expires,priority:2;index:idx_credit_buckets_expiry"`
	CreatedAt   time.Time  `gorm:"not null;autoCreateTime:false"`
	UpdatedAt   time.Time  `gorm:"not null;autoUpdateTime:false"`
}

func (CreditBucket) TableName() string { return "credit_buckets" }

func (bucket *CreditBucket) BeforeCreate(tx *gorm.DB) error {
	if bucket.BucketID == "" {
		bucket.BucketID = uuid.NewString()
	}
	return nil
}

// CreditTransaction mirrors the append-only credit_transactions table. Sequence breaks created_at ties.
type CreditTransaction struct {
	Sequence         int64                       `gorm:"primaryKey;autoIncrement"`
	TransactionID    string                      `gorm:"type:uuid;not null;uniqueIndex:uniq_credit_transactions_id"`
	UserID           string                      `gorm:"not null;index:idx_credit_transactions_user_created,priority:1;index:idx_credit_transactions_item,priority:1"`
	Amount           int64                       `gorm:"not null"`
	Type             string                      `gorm:"not null;index:idx_credit_transactions_type_created,priority:1;index:idx_credit_transactions_item,priority:2"`
	Description      string                      `gorm:"not null;default:''"`
	ItemID           string                      `gorm:"not null;default:'';index:idx_credit_transactions_item,priority:4"`
	ItemType         string                      `gorm:"not null;default:'';index:idx_credit_transactions_item,priority:3"`
	RelatedBucketIDs datatypes.JSONSlice[string] `gorm:"not null"`
	Metadata         datatypes.JSON              `gorm:"not null"`
	CreatedAt        time.Time                   `gorm:"not null;autoCreateTime:false;index:idx_credit_transactions_user_created,priority:2;index:idx_credit_transactions_type_created,priority:2"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

func (transaction *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// Referral mirrors the referrals table written by the web application.
type Referral struct {
	ReferralID string     `gorm:"type:uuid;primaryKey"`
	InviterID  string     `gorm:"not null;index"`
	InviteeID  string     `gorm:"not null;uniqueIndex:uniq_referrals_invitee"`
	Status     string     `gorm:"not null;index"`
	CreatedAt  time.Time  `gorm:"not null;autoCreateTime:false"`
	RewardedAt *time.Time `gorm:""`
}

func (Referral) TableName() string { return "referrals" }

func (referral *Referral) BeforeCreate(tx *gorm.DB) error {
	if referral.ReferralID == "" {
		referral.ReferralID = uuid.NewString()
	}
	return nil
}

// ReferralSettings mirrors the single-row referral_settings table.
type ReferralSettings struct {
	ID                  int64     `gorm:"primaryKey"`
	Enabled             bool      `gorm:"not null"`
	InviterBonus        int64     `gorm:"not null"`
	InviteeBonus        int64     `gorm:"not null"`
	MinSpendRequirement int64     `gorm:"not null"`
	BonusExpiryDays     int       `gorm:"not null"`
	UpdatedAt           time.Time `gorm:"not null;autoUpdateTime:false"`
}

func (ReferralSettings) TableName() string { return "referral_settings" }

// FlowListing mirrors the flow_listings table the marketplace maintains.
type FlowListing struct {
	FlowID        string    `gorm:"primaryKey"`
	CreatorID     string    `gorm:"not null;index"`
	UnlockCredits int64     `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null;autoUpdateTime:false"`
}

func (FlowListing) TableName() string { return "flow_listings" }

// Models lists every table the gorm store owns, in migration order.
func Models() []any {
	return []any{
		&CreditBucket{},
		&CreditTransaction{},
		&Referral{},
		&ReferralSettings{},
		&FlowListing{},
	}
}
