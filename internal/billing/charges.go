package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/promptledger/internal/pricing"
	"github.com/MarkoPoloResearchLab/promptledger/pkg/ledger"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type chargeMetadata struct {
	ModelID        string `json:"model_id,omitempty"`
	PromptTokens   int    `json:"prompt_tokens,omitempty"`
	InferenceCost  int64  `json:"inference_cost"`
	PlatformMarkup int64  `json:"platform_markup"`
	CreatorFee     int64  `json:"creator_fee"`
	TotalCost      int64  `json:"total_cost"`
	CreatorID      string `json:"creator_id,omitempty"`
	CreatorShare   int64  `json:"creator_share,omitempty"`
	PlatformShare  int64  `json:"platform_share,omitempty"`
}

func newChargeMetadata(cost pricing.Cost, creatorID ledger.UserID) (ledger.MetadataJSON, error) {
	creatorShare, platformShare := pricing.SplitCreatorFee(cost.CreatorFee)
	return ledger.MarshalMetadata(chargeMetadata{
		ModelID:        cost.ModelID,
		PromptTokens:   cost.PromptTokens,
		InferenceCost:  cost.InferenceCost.Int64(),
		PlatformMarkup: cost.PlatformMarkup.Int64(),
		CreatorFee:     cost.CreatorFee.Int64(),
		TotalCost:      cost.TotalCost.Int64(),
		CreatorID:      creatorID.String(),
		CreatorShare:   creatorShare.Int64(),
		PlatformShare:  platformShare.Int64(),
	})
}

// BurnRequest charges the base price of a model for an arbitrary item.
type BurnRequest struct {
	UserID   ledger.UserID
	ModelID  string
	ItemType string
	ItemID   string
}

// BurnCredits charges the model's base cost. Flow items record a flow_run, everything else a prompt_run.
func (service *Service) BurnCredits(ctx context.Context, request BurnRequest) (ChargeOutcome, error) {
	cost, err := service.pricer.BaseCost(request.ModelID)
	if err != nil {
		return ChargeOutcome{}, err
	}
	transactionType := ledger.TransactionPromptRun
	if strings.TrimSpace(request.ItemType) == itemTypeFlow {
		transactionType = ledger.TransactionFlowRun
	}
	return service.chargeCost(ctx, request.UserID, cost, ledger.UserID{}, ledger.ChargeRequest{
		Type:        transactionType,
		ItemType:    strings.TrimSpace(request.ItemType),
		ItemID:      strings.TrimSpace(request.ItemID),
		Description: fmt.Sprintf("Model run (%s)", cost.ModelID),
	})
}

// PromptRunRequest describes one run of a marketplace prompt.
type PromptRunRequest struct {
	UserID       ledger.UserID
	PromptID     string
	ModelID      string
	PromptLength int
	// PromptText, when set, is tokenized instead of estimating from PromptLength.
	PromptText        string
	CreatorID         ledger.UserID
	CreatorFeePercent decimal.Decimal
}

// ChargeForPromptRun prices and charges a prompt run. The creator split is recorded in the
// transaction metadata; payout settles elsewhere.
func (service *Service) ChargeForPromptRun(ctx context.Context, request PromptRunRequest) (ChargeOutcome, error) {
	promptID := strings.TrimSpace(request.PromptID)
	if promptID == "" {
		return ChargeOutcome{}, fmt.Errorf("%w: prompt id is required", ledger.ErrInvalidItem)
	}
	var (
		cost pricing.Cost
		err  error
	)
	if request.PromptText != "" {
		cost, err = service.pricer.CalculateCostForText(request.ModelID, request.PromptText, request.CreatorFeePercent)
	} else {
		cost, err = service.pricer.CalculateCost(request.ModelID, request.PromptLength, request.CreatorFeePercent)
	}
	if err != nil {
		return ChargeOutcome{}, err
	}
	return service.chargeCost(ctx, request.UserID, cost, request.CreatorID, ledger.ChargeRequest{
		Type:        ledger.TransactionPromptRun,
		ItemType:    itemTypePrompt,
		ItemID:      promptID,
		Description: fmt.Sprintf("Prompt run %s (%s)", promptID, cost.ModelID),
	})
}

// ChargeForFlowUnlock charges a flow's unlock price once per user. A repeated unlock returns
// AlreadyUnlocked without charging. Free flows unlock without a transaction.
func (service *Service) ChargeForFlowUnlock(ctx context.Context, userID ledger.UserID, flowID string) (ChargeOutcome, error) {
	normalizedFlowID := strings.TrimSpace(flowID)
	if normalizedFlowID == "" {
		return ChargeOutcome{}, fmt.Errorf("%w: flow id is required", ledger.ErrInvalidItem)
	}
	if userID.IsZero() {
		return ChargeOutcome{}, fmt.Errorf("%w: empty value", ledger.ErrInvalidUserID)
	}
	if service.unlocked.Contains(unlockKey(userID, normalizedFlowID)) {
		return ChargeOutcome{Success: false, AlreadyUnlocked: true}, nil
	}
	flow, err := service.flows.GetFlow(ctx, normalizedFlowID)
	if err != nil {
		return ChargeOutcome{}, err
	}
	if flow.IsFree() {
		service.unlocked.Add(unlockKey(userID, normalizedFlowID), struct{}{})
		return ChargeOutcome{Success: true}, nil
	}
	cost := pricing.Cost{CreatorFee: flow.UnlockCredits, TotalCost: flow.UnlockCredits}
	outcome, err := service.chargeCost(ctx, userID, cost, flow.CreatorID, ledger.ChargeRequest{
		Type:        ledger.TransactionPromptUnlock,
		ItemType:    itemTypeFlow,
		ItemID:      normalizedFlowID,
		Description: fmt.Sprintf("Unlocked flow %s", normalizedFlowID),
		OncePerItem: true,
	})
	if err != nil {
		return ChargeOutcome{}, err
	}
	if outcome.Success || outcome.AlreadyUnlocked {
		service.unlocked.Add(unlockKey(userID, normalizedFlowID), struct{}{})
	}
	return outcome, nil
}

// HasUnlockedFlow reports whether the user already paid for the flow. Free flows are unlocked for everyone.
func (service *Service) HasUnlockedFlow(ctx context.Context, userID ledger.UserID, flowID string) (bool, error) {
	normalizedFlowID := strings.TrimSpace(flowID)
	if userID.IsZero() || normalizedFlowID == "" {
		return false, fmt.Errorf("%w: user and flow are required", ledger.ErrInvalidItem)
	}
	key := unlockKey(userID, normalizedFlowID)
	if service.unlocked.Contains(key) {
		return true, nil
	}
	unlocked, err := service.ledger.HasItemCharge(ctx, userID, ledger.TransactionPromptUnlock, itemTypeFlow, normalizedFlowID)
	if err != nil {
		return false, err
	}
	if !unlocked {
		flow, err := service.flows.GetFlow(ctx, normalizedFlowID)
		switch {
		case errors.Is(err, ErrFlowNotFound):
			return false, nil
		case err != nil:
			return false, err
		}
		unlocked = flow.IsFree()
	}
	if unlocked {
		service.unlocked.Add(key, struct{}{})
	}
	return unlocked, nil
}

func (service *Service) chargeCost(ctx context.Context, userID ledger.UserID, cost pricing.Cost, creatorID ledger.UserID, request ledger.ChargeRequest) (ChargeOutcome, error) {
	amount, err := ledger.NewPositiveCredits(cost.TotalCost.Int64())
	if err != nil {
		return ChargeOutcome{}, err
	}
	metadata, err := newChargeMetadata(cost, creatorID)
	if err != nil {
		return ChargeOutcome{}, err
	}
	request.UserID = userID
	request.Amount = amount
	request.Metadata = metadata
	result, err := service.ledger.Charge(ctx, request)
	if err != nil {
		if ledger.IsValidationError(err) {
			return ChargeOutcome{}, err
		}
		service.logger.Error("charge failed",
			zap.String("user_id", userID.String()),
			zap.String("item_type", request.ItemType),
			zap.String("item_id", request.ItemID),
			zap.Error(err),
		)
		return ChargeOutcome{}, err
	}
	if !result.Success && !result.AlreadyCharged {
		service.logger.Info("charge declined",
			zap.String("user_id", userID.String()),
			zap.Int64("requested", amount.Int64()),
			zap.Int64("available", result.Available.Int64()),
		)
	}
	return outcomeFromCharge(cost, result), nil
}
