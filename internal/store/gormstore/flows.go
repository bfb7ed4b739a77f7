package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/promptledger/internal/billing"
	"github.com/MarkoPoloResearchLab/promptledger/pkg/ledger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FlowStore implements billing.FlowCatalog over the flow_listings table.
type FlowStore struct {
	db *gorm.DB
}

// NewFlowStore returns a FlowStore backed by gorm.DB.
func NewFlowStore(db *gorm.DB) *FlowStore {
	return &FlowStore{db: db}
}

// GetFlow returns a listing or billing.ErrFlowNotFound.
func (store *FlowStore) GetFlow(ctx context.Context, flowID string) (billing.Flow, error) {
	var model FlowListing
	err := store.db.WithContext(ctx).Where("flow_id = ?", flowID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return billing.Flow{}, wrapStoreError(errorSubjectFlow, errorCodeGet, billing.ErrFlowNotFound)
		}
		return billing.Flow{}, wrapStoreError(errorSubjectFlow, errorCodeGet, ledger.StorageError(err))
	}
	creatorID, err := ledger.NewUserID(model.CreatorID)
	if err != nil {
		return billing.Flow{}, wrapStoreError(errorSubjectFlow, errorCodeInvalid, err)
	}
	return billing.Flow{
		FlowID:        model.FlowID,
		CreatorID:     creatorID,
		UnlockCredits: ledger.Credits(model.UnlockCredits),
	}, nil
}

// UpsertFlow creates or reprices a listing.
func (store *FlowStore) UpsertFlow(ctx context.Context, flow billing.Flow, at time.Time) error {
	flowID := strings.TrimSpace(flow.FlowID)
	if flowID == "" || flow.CreatorID.IsZero() {
		return wrapStoreError(errorSubjectFlow, errorCodeInvalid, fmt.Errorf("%w: flow and creator are required", ledger.ErrInvalidItem))
	}
	if flow.UnlockCredits < 0 {
		return wrapStoreError(errorSubjectFlow, errorCodeInvalid, fmt.Errorf("%w: unlock price must not be negative", ledger.ErrInvalidAmount))
	}
	model := FlowListing{
		FlowID:        flowID,
		CreatorID:     flow.CreatorID.String(),
		UnlockCredits: flow.UnlockCredits.Int64(),
		UpdatedAt:     at.UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "flow_id"}}, UpdateAll: true}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectFlow, errorCodeUpdate, ledger.StorageError(err))
	}
	return nil
}
