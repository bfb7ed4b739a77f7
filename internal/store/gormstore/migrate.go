package gormstore

import (
	"context"

	"github.com/MarkoPoloResearchLab/promptledger/pkg/ledger"
	"gorm.io/gorm"
)

// AutoMigrate creates or updates every table the gorm store owns.
func AutoMigrate(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return wrapStoreError("schema", "migrate", ledger.StorageError(err))
	}
	return nil
}
