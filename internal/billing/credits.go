package billing

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/promptledger/pkg/ledger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultPurchaseSource = "stripe_checkout"
	purchaseRefPrefix     = "purchase_"
	manualRefPrefix       = "manual_"
)

// AddCreditsRequest grants credits from an internal caller such as an admin tool or a migration.
type AddCreditsRequest struct {
	UserID     ledger.UserID
	Amount     ledger.PositiveCredits
	Type       ledger.BucketType
	Source     string
	ExpiryDays int
	// ExternalRef defaults to a generated one-off reference, making the grant non-idempotent.
	ExternalRef ledger.ExternalRef
	Description string
}

// AddCredits grants a bucket through the ledger.
func (service *Service) AddCredits(ctx context.Context, request AddCreditsRequest) (ledger.GrantResult, error) {
	externalRef := request.ExternalRef
	if externalRef.IsZero() {
		generated, err := ledger.NewExternalRef(manualRefPrefix + uuid.NewString())
		if err != nil {
			return ledger.GrantResult{}, err
		}
		externalRef = generated
	}
	return service.ledger.Grant(ctx, ledger.GrantRequest{
		UserID:      request.UserID,
		Amount:      request.Amount,
		Type:        request.Type,
		Source:      request.Source,
		ExternalRef: externalRef,
		ExpiryDays:  request.ExpiryDays,
		Description: request.Description,
	})
}

// PurchaseRequest records a completed credit purchase.
type PurchaseRequest struct {
	UserID    ledger.UserID
	Amount    ledger.PositiveCredits
	PaymentID string
	Source    string
}

// RecordPurchase grants purchased credits keyed by the payment id, so redelivered payment
// webhooks apply once.
func (service *Service) RecordPurchase(ctx context.Context, request PurchaseRequest) (ledger.GrantResult, error) {
	paymentID := strings.TrimSpace(request.PaymentID)
	if paymentID == "" {
		return ledger.GrantResult{}, fmt.Errorf("%w: payment id is required", ErrInvalidPayment)
	}
	externalRef, err := ledger.NewExternalRef(purchaseRefPrefix + paymentID)
	if err != nil {
		return ledger.GrantResult{}, err
	}
	source := strings.TrimSpace(request.Source)
	if source == "" {
		source = defaultPurchaseSource
	}
	result, err := service.ledger.Grant(ctx, ledger.GrantRequest{
		UserID:          request.UserID,
		Amount:          request.Amount,
		Type:            ledger.BucketPurchased,
		Source:          source,
		ExternalRef:     externalRef,
		TransactionType: ledger.TransactionPurchase,
		Description:     fmt.Sprintf("Purchased %d credits", request.Amount),
	})
	if err != nil {
		return ledger.GrantResult{}, err
	}
	if result.Duplicate {
		service.logger.Info("purchase already recorded",
			zap.String("user_id", request.UserID.String()),
			zap.String("payment_id", paymentID),
		)
	}
	return result, nil
}
