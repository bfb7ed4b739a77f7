package pgstore

import (
	"context"

	"github.com/MarkoPoloResearchLab/promptledger/pkg/ledger"
)

// Table and index names match the gorm models so either store can run against the same database.
var schemaStatements = []string{
	`create table if not exists credit_buckets (
		bucket_id uuid primary key,
		user_id text not null,
		type text not null check (type in ('purchased','bonus','referral')),
		amount bigint not null check (amount > 0),
		remaining bigint not null check (remaining >= 0 and remaining <= amount),
		source text not null,
		external_ref text not null,
		expires_at timestamptz,
		created_at timestamptz not null,
		updated_at timestamptz not null
	)`,
	`create unique index if not exists uniq_credit_buckets_user_ref on credit_buckets(user_id, external_ref)`,
	`create index if not exists idx_credit_buckets_user_expires on credit_buckets(user_id, expires_at)`,
	`create index if not exists idx_credit_buckets_expiry on credit_buckets(expires_at)`,
	`create table if not exists credit_transactions (
		sequence bigserial primary key,
		transaction_id uuid not null,
		user_id text not null,
		amount bigint not null,
		type text not null,
		description text not null default '',
		item_id text not null default '',
		item_type text not null default '',
		related_bucket_ids jsonb not null default '[]'::jsonb,
		metadata jsonb not null default '{}'::jsonb,
		created_at timestamptz not null
	)`,
	`create unique index if not exists uniq_credit_transactions_id on credit_transactions(transaction_id)`,
	`create index if not exists idx_credit_transactions_user_created on credit_transactions(user_id, created_at)`,
	`create index if not exists idx_credit_transactions_type_created on credit_transactions(type, created_at)`,
	`create index if not exists idx_credit_transactions_item on credit_transactions(user_id, type, item_type, item_id)`,
}

// EnsureSchema creates the ledger tables when they do not exist.
func (store *Store) EnsureSchema(ctx context.Context) error {
	for _, statement := range schemaStatements {
		if _, err := store.db.Exec(ctx, statement); err != nil {
			return wrapStoreError(errorSubjectSchema, errorCodeMigrate, ledger.StorageError(err))
		}
	}
	return nil
}
