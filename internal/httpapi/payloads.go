package httpapi

import (
	"encoding/json"
	"time"

	"github.com/MarkoPoloResearchLab/promptledger/internal/billing"
	"github.com/MarkoPoloResearchLab/promptledger/internal/tier"
	"github.com/MarkoPoloResearchLab/promptledger/pkg/ledger"
	"github.com/shopspring/decimal"
)

const (
	chargeStatusCharged         = "charged"
	chargeStatusInsufficient    = "insufficient_credits"
	chargeStatusAlreadyUnlocked = "already_unlocked"
)

type grantRequest struct {
	Amount      int64  `json:"amount"`
	Type        string `json:"type"`
	Source      string `json:"source"`
	ExpiryDays  int    `json:"expiry_days"`
	ExternalRef string `json:"external_ref"`
	Description string `json:"description"`
}

type purchaseRequest struct {
	Amount    int64  `json:"amount"`
	PaymentID string `json:"payment_id"`
	Source    string `json:"source"`
}

type promptRunRequest struct {
	PromptID          string          `json:"prompt_id"`
	ModelID           string          `json:"model_id"`
	PromptLength      int             `json:"prompt_length"`
	PromptText        string          `json:"prompt_text"`
	CreatorID         string          `json:"creator_id"`
	CreatorFeePercent decimal.Decimal `json:"creator_fee_percent"`
}

type flowUnlockRequest struct {
	FlowID string `json:"flow_id"`
}

type burnRequest struct {
	ModelID  string `json:"model_id"`
	ItemType string `json:"item_type"`
	ItemID   string `json:"item_id"`
}

type balanceResponse struct {
	UserID          string `json:"user_id"`
	Total           int64  `json:"total"`
	Purchased       int64  `json:"purchased"`
	Bonus           int64  `json:"bonus"`
	Referral        int64  `json:"referral"`
	LifetimeDebited int64  `json:"lifetime_debited"`
}

type bucketPayload struct {
	BucketID    string     `json:"bucket_id"`
	Type        string     `json:"type"`
	Amount      int64      `json:"amount"`
	Remaining   int64      `json:"remaining"`
	Source      string     `json:"source"`
	ExternalRef string     `json:"external_ref"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

type transactionPayload struct {
	TransactionID    string          `json:"transaction_id"`
	Type             string          `json:"type"`
	Amount           int64           `json:"amount"`
	Description      string          `json:"description"`
	ItemType         string          `json:"item_type,omitempty"`
	ItemID           string          `json:"item_id,omitempty"`
	RelatedBucketIDs []string        `json:"related_bucket_ids"`
	Metadata         json.RawMessage `json:"metadata"`
	CreatedAt        time.Time       `json:"created_at"`
}

type grantResponse struct {
	Bucket    bucketPayload `json:"bucket"`
	Duplicate bool          `json:"duplicate"`
}

type costPayload struct {
	ModelID        string `json:"model_id,omitempty"`
	PromptTokens   int    `json:"prompt_tokens,omitempty"`
	InferenceCost  int64  `json:"inference_cost"`
	PlatformMarkup int64  `json:"platform_markup"`
	CreatorFee     int64  `json:"creator_fee"`
	TotalCost      int64  `json:"total_cost"`
}

type chargeResponse struct {
	Status          string      `json:"status"`
	Success         bool        `json:"success"`
	AlreadyUnlocked bool        `json:"already_unlocked"`
	Charged         int64       `json:"charged"`
	Available       int64       `json:"available"`
	Cost            costPayload `json:"cost"`
	TransactionID   string      `json:"transaction_id,omitempty"`
}

type tierResponse struct {
	Tier                    string `json:"tier"`
	UsageCount              int64  `json:"usage_count"`
	Threshold               int64  `json:"threshold"`
	NextTier                string `json:"next_tier,omitempty"`
	NextThreshold           int64  `json:"next_threshold,omitempty"`
	BonusCredits            int64  `json:"bonus_credits"`
	WindowDays              int    `json:"window_days"`
	HasReceivedCurrentBonus bool   `json:"has_received_current_bonus"`
}

func newBucketPayload(bucket ledger.Bucket) bucketPayload {
	return bucketPayload{
		BucketID:    bucket.BucketID.String(),
		Type:        bucket.Type.String(),
		Amount:      bucket.Amount.Int64(),
		Remaining:   bucket.Remaining.Int64(),
		Source:      bucket.Source,
		ExternalRef: bucket.ExternalRef.String(),
		ExpiresAt:   bucket.ExpiresAt,
		CreatedAt:   bucket.CreatedAt,
	}
}

func newTransactionPayload(transaction ledger.Transaction) transactionPayload {
	relatedIDs := make([]string, 0, len(transaction.RelatedBucketIDs))
	for _, bucketID := range transaction.RelatedBucketIDs {
		relatedIDs = append(relatedIDs, bucketID.String())
	}
	metadata := transaction.Metadata.String()
	if metadata == "" {
		metadata = "{}"
	}
	return transactionPayload{
		TransactionID:    transaction.TransactionID.String(),
		Type:             transaction.Type.String(),
		Amount:           transaction.Amount.Int64(),
		Description:      transaction.Description,
		ItemType:         transaction.ItemType,
		ItemID:           transaction.ItemID,
		RelatedBucketIDs: relatedIDs,
		Metadata:         json.RawMessage(metadata),
		CreatedAt:        transaction.CreatedAt,
	}
}

func newChargeResponse(outcome billing.ChargeOutcome) chargeResponse {
	status := chargeStatusCharged
	switch {
	case outcome.AlreadyUnlocked:
		status = chargeStatusAlreadyUnlocked
	case !outcome.Success:
		status = chargeStatusInsufficient
	}
	return chargeResponse{
		Status:          status,
		Success:         outcome.Success,
		AlreadyUnlocked: outcome.AlreadyUnlocked,
		Charged:         outcome.Charged.Int64(),
		Available:       outcome.Available.Int64(),
		Cost: costPayload{
			ModelID:        outcome.Cost.ModelID,
			PromptTokens:   outcome.Cost.PromptTokens,
			InferenceCost:  outcome.Cost.InferenceCost.Int64(),
			PlatformMarkup: outcome.Cost.PlatformMarkup.Int64(),
			CreatorFee:     outcome.Cost.CreatorFee.Int64(),
			TotalCost:      outcome.Cost.TotalCost.Int64(),
		},
		TransactionID: outcome.Transaction.TransactionID.String(),
	}
}

func newTierResponse(result tier.Result, hasReceivedBonus bool) tierResponse {
	return tierResponse{
		Tier:                    result.Tier,
		UsageCount:              result.UsageCount,
		Threshold:               result.Threshold,
		NextTier:                result.NextTier,
		NextThreshold:           result.NextThreshold,
		BonusCredits:            result.BonusCredits.Int64(),
		WindowDays:              result.WindowDays,
		HasReceivedCurrentBonus: hasReceivedBonus,
	}
}
