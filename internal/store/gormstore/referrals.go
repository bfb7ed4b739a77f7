package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/promptledger/internal/referral"
	"github.com/MarkoPoloResearchLab/promptledger/pkg/ledger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const referralSettingsRowID = 1

// ReferralStore implements referral.Repository and referral.SettingsSource.
type ReferralStore struct {
	db *gorm.DB
}

// NewReferralStore returns a ReferralStore backed by gorm.DB.
func NewReferralStore(db *gorm.DB) *ReferralStore {
	return &ReferralStore{db: db}
}

// CreateReferral records that inviter brought in invitee. An invitee can be referred once.
func (store *ReferralStore) CreateReferral(ctx context.Context, inviterID ledger.UserID, inviteeID ledger.UserID, at time.Time) (referral.Referral, error) {
	if inviterID.IsZero() || inviteeID.IsZero() {
		return referral.Referral{}, wrapStoreError(errorSubjectReferral, errorCodeInsert, fmt.Errorf("%w: missing identifiers", referral.ErrInvalidReferral))
	}
	model := Referral{
		InviterID: inviterID.String(),
		InviteeID: inviteeID.String(),
		Status:    string(referral.StatusPending),
		CreatedAt: at.UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return referral.Referral{}, wrapStoreError(errorSubjectReferral, errorCodeDuplicate, fmt.Errorf("%w: invitee already referred", referral.ErrInvalidReferral))
	}
	if err != nil {
		return referral.Referral{}, wrapStoreError(errorSubjectReferral, errorCodeInsert, ledger.StorageError(err))
	}
	return mapReferral(model)
}

// ListPending returns pending referrals oldest first. Rows with malformed user ids come back with zero ids.
func (store *ReferralStore) ListPending(ctx context.Context) ([]referral.Referral, error) {
	var rows []Referral
	err := store.db.WithContext(ctx).
		Where("status = ?", string(referral.StatusPending)).
		Order("created_at ASC, referral_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectReferral, errorCodeList, ledger.StorageError(err))
	}
	referrals := make([]referral.Referral, 0, len(rows))
	for _, row := range rows {
		referrals = append(referrals, mapPendingReferral(row))
	}
	return referrals, nil
}

// MarkRewarded moves a pending referral to rewarded.
func (store *ReferralStore) MarkRewarded(ctx context.Context, referralID string, at time.Time) error {
	rewardedAt := at.UTC()
	result := store.db.WithContext(ctx).
		Model(&Referral{}).
		Where("referral_id = ? AND status = ?", referralID, string(referral.StatusPending)).
		Updates(map[string]any{"status": string(referral.StatusRewarded), "rewarded_at": rewardedAt})
	if result.Error != nil {
		return wrapStoreError(errorSubjectReferral, errorCodeUpdate, ledger.StorageError(result.Error))
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectReferral, errorCodeUpdate, referral.ErrUnknownReferral)
	}
	return nil
}

// LoadSettings reads the settings row.
func (store *ReferralStore) LoadSettings(ctx context.Context) (referral.Settings, error) {
	var model ReferralSettings
	err := store.db.WithContext(ctx).Where("id = ?", referralSettingsRowID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return referral.Settings{}, referral.ErrSettingsNotFound
		}
		return referral.Settings{}, wrapStoreError(errorSubjectSettings, errorCodeGet, ledger.StorageError(err))
	}
	return referral.Settings{
		Enabled:             model.Enabled,
		InviterBonus:        ledger.Credits(model.InviterBonus),
		InviteeBonus:        ledger.Credits(model.InviteeBonus),
		MinSpendRequirement: ledger.Credits(model.MinSpendRequirement),
		BonusExpiryDays:     model.BonusExpiryDays,
	}, nil
}

// SaveSettings upserts the settings row.
func (store *ReferralStore) SaveSettings(ctx context.Context, settings referral.Settings, at time.Time) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	model := ReferralSettings{
		ID:                  referralSettingsRowID,
		Enabled:             settings.Enabled,
		InviterBonus:        settings.InviterBonus.Int64(),
		InviteeBonus:        settings.InviteeBonus.Int64(),
		MinSpendRequirement: settings.MinSpendRequirement.Int64(),
		BonusExpiryDays:     settings.BonusExpiryDays,
		UpdatedAt:           at.UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectSettings, errorCodeUpdate, ledger.StorageError(err))
	}
	return nil
}

// mapPendingReferral leaves an unparseable identifier zero so the processor rejects that row alone.
func mapPendingReferral(row Referral) referral.Referral {
	inviterID, _ := ledger.NewUserID(row.InviterID)
	inviteeID, _ := ledger.NewUserID(row.InviteeID)
	return referral.Referral{
		ReferralID: row.ReferralID,
		InviterID:  inviterID,
		InviteeID:  inviteeID,
		Status:     referral.Status(row.Status),
		CreatedAt:  row.CreatedAt.UTC(),
		RewardedAt: utcPointer(row.RewardedAt),
	}
}

func mapReferral(row Referral) (referral.Referral, error) {
	inviterID, err := ledger.NewUserID(row.InviterID)
	if err != nil {
		return referral.Referral{}, wrapStoreError(errorSubjectReferral, errorCodeInvalid, err)
	}
	inviteeID, err := ledger.NewUserID(row.InviteeID)
	if err != nil {
		return referral.Referral{}, wrapStoreError(errorSubjectReferral, errorCodeInvalid, err)
	}
	return referral.Referral{
		ReferralID: row.ReferralID,
		InviterID:  inviterID,
		InviteeID:  inviteeID,
		Status:     referral.Status(row.Status),
		CreatedAt:  row.CreatedAt.UTC(),
		RewardedAt: utcPointer(row.RewardedAt),
	}, nil
}
