package grpcserver

// BalanceRequest asks for a user's live balance.
type BalanceRequest struct {
	UserID string `json:"user_id"`
}

// BalanceResponse is a user's live balance by bucket type.
type BalanceResponse struct {
	Total     int64 `json:"total"`
	Purchased int64 `json:"purchased"`
	Bonus     int64 `json:"bonus"`
	Referral  int64 `json:"referral"`
}

// HistoryRequest pages through a user's transactions, newest first.
type HistoryRequest struct {
	UserID string `json:"user_id"`
	Limit  int32  `json:"limit"`
	Offset int32  `json:"offset"`
}

// HistoryResponse carries one page of transactions.
type HistoryResponse struct {
	Transactions []*Transaction `json:"transactions"`
}

// Transaction is a ledger line.
type Transaction struct {
	TransactionID    string   `json:"transaction_id"`
	Type             string   `json:"type"`
	Amount           int64    `json:"amount"`
	Description      string   `json:"description"`
	ItemType         string   `json:"item_type,omitempty"`
	ItemID           string   `json:"item_id,omitempty"`
	RelatedBucketIDs []string `json:"related_bucket_ids,omitempty"`
	MetadataJSON     string   `json:"metadata_json"`
	CreatedUnixUTC   int64    `json:"created_unix_utc"`
}

// GrantRequest adds a bucket. ExternalRef makes the grant idempotent.
type GrantRequest struct {
	UserID      string `json:"user_id"`
	Amount      int64  `json:"amount"`
	BucketType  string `json:"bucket_type"`
	Source      string `json:"source"`
	ExpiryDays  int32  `json:"expiry_days"`
	ExternalRef string `json:"external_ref"`
	Description string `json:"description"`
}

// GrantResponse identifies the bucket backing a grant.
type GrantResponse struct {
	BucketID  string `json:"bucket_id"`
	Duplicate bool   `json:"duplicate"`
}

// ChargePromptRunRequest prices and charges a prompt run.
type ChargePromptRunRequest struct {
	UserID            string `json:"user_id"`
	PromptID          string `json:"prompt_id"`
	ModelID           string `json:"model_id"`
	PromptLength      int32  `json:"prompt_length"`
	PromptText        string `json:"prompt_text,omitempty"`
	CreatorID         string `json:"creator_id,omitempty"`
	CreatorFeePercent string `json:"creator_fee_percent,omitempty"`
}

// ChargeFlowUnlockRequest charges a flow's unlock price once.
type ChargeFlowUnlockRequest struct {
	UserID string `json:"user_id"`
	FlowID string `json:"flow_id"`
}

// BurnRequest charges a model's base price.
type BurnRequest struct {
	UserID   string `json:"user_id"`
	ModelID  string `json:"model_id"`
	ItemType string `json:"item_type"`
	ItemID   string `json:"item_id"`
}

// ChargeResponse reports a charge. A decline is Success false with no error.
type ChargeResponse struct {
	Success         bool   `json:"success"`
	AlreadyUnlocked bool   `json:"already_unlocked"`
	Charged         int64  `json:"charged"`
	Available       int64  `json:"available"`
	TotalCost       int64  `json:"total_cost"`
	TransactionID   string `json:"transaction_id,omitempty"`
}
