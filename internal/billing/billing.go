// Package billing exposes the debit and credit entry points the web layer calls.
package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/promptledger/internal/pricing"
	"github.com/MarkoPoloResearchLab/promptledger/pkg/ledger"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultUnlockCacheSize = 4096

	itemTypePrompt = "prompt"
	itemTypeFlow   = "flow"
)

var (
	// ErrFlowNotFound reports a flow id missing from the catalog.
	ErrFlowNotFound = errors.New("flow not found")
	// ErrInvalidBillingConfig reports a billing service built without its dependencies.
	ErrInvalidBillingConfig = errors.New("invalid billing config")
	// ErrInvalidPayment reports a purchase without a payment id.
	ErrInvalidPayment = errors.New("invalid payment")
)

// Ledger is the slice of ledger.Service billing depends on.
type Ledger interface {
	Grant(ctx context.Context, request ledger.GrantRequest) (ledger.GrantResult, error)
	Charge(ctx context.Context, request ledger.ChargeRequest) (ledger.ChargeResult, error)
	HasItemCharge(ctx context.Context, userID ledger.UserID, transactionType ledger.TransactionType, itemType string, itemID string) (bool, error)
}

// Pricer prices model runs.
type Pricer interface {
	CalculateCost(modelID string, promptLength int, creatorFeePercent decimal.Decimal) (pricing.Cost, error)
	CalculateCostForText(modelID string, promptText string, creatorFeePercent decimal.Decimal) (pricing.Cost, error)
	BaseCost(modelID string) (pricing.Cost, error)
}

// Flow is a sellable flow listing.
type Flow struct {
	FlowID        string
	CreatorID     ledger.UserID
	UnlockCredits ledger.Credits
}

// IsFree reports whether unlocking the flow costs nothing.
func (flow Flow) IsFree() bool {
	return flow.UnlockCredits <= 0
}

// FlowCatalog resolves flow listings.
type FlowCatalog interface {
	GetFlow(ctx context.Context, flowID string) (Flow, error)
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(service *Service) {
		if logger != nil {
			service.logger = logger
		}
	}
}

// WithUnlockCacheSize bounds the unlocked-flow cache.
func WithUnlockCacheSize(size int) Option {
	return func(service *Service) {
		if size > 0 {
			service.unlockCacheSize = size
		}
	}
}

// Service prices actions and turns them into ledger charges and grants.
type Service struct {
	ledger          Ledger
	pricer          Pricer
	flows           FlowCatalog
	logger          *zap.Logger
	unlockCacheSize int
	unlocked        *lru.Cache[string, struct{}]
}

// NewService wires a billing Service.
func NewService(ledgerService Ledger, pricer Pricer, flows FlowCatalog, options ...Option) (*Service, error) {
	if ledgerService == nil || pricer == nil || flows == nil {
		return nil, ErrInvalidBillingConfig
	}
	service := &Service{
		ledger:          ledgerService,
		pricer:          pricer,
		flows:           flows,
		logger:          zap.NewNop(),
		unlockCacheSize: defaultUnlockCacheSize,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	cache, err := lru.New[string, struct{}](service.unlockCacheSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBillingConfig, err)
	}
	service.unlocked = cache
	return service, nil
}

// ChargeOutcome is the result of a priced debit. A declined charge has Success false and a nil error.
type ChargeOutcome struct {
	Success         bool
	AlreadyUnlocked bool
	Cost            pricing.Cost
	Charged         ledger.Credits
	Available       ledger.Credits
	Transaction     ledger.Transaction
}

func outcomeFromCharge(cost pricing.Cost, result ledger.ChargeResult) ChargeOutcome {
	outcome := ChargeOutcome{
		Success:         result.Success,
		AlreadyUnlocked: result.AlreadyCharged,
		Cost:            cost,
		Available:       result.Available,
		Transaction:     result.Transaction,
	}
	if result.Success {
		outcome.Charged = result.Requested.ToCredits()
	}
	return outcome
}

func unlockKey(userID ledger.UserID, flowID string) string {
	return userID.String() + "\x00" + flowID
}
