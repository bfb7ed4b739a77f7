package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/promptledger/internal/auth"
	"github.com/MarkoPoloResearchLab/promptledger/internal/billing"
	"github.com/MarkoPoloResearchLab/promptledger/internal/pricing"
	"github.com/MarkoPoloResearchLab/promptledger/pkg/ledger"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	errorInvalidUserID       = "invalid_user_id"
	errorInvalidAmount       = "invalid_amount"
	errorInvalidBucketType   = "invalid_bucket_type"
	errorInvalidExternalRef  = "invalid_external_ref"
	errorInvalidSource       = "invalid_source"
	errorInvalidItem         = "invalid_item"
	errorInvalidPage         = "invalid_page"
	errorInvalidCreatorFee   = "invalid_creator_fee"
	errorInvalidPromptLength = "invalid_prompt_length"
	errorInvalidRequest      = "invalid_request"
	errorUnknownModel        = "unknown_model"
	errorFlowNotFound        = "flow_not_found"
	errorInsufficientCredits = "insufficient_credits"
	errorStorageUnavailable  = "storage_unavailable"
	errorUnauthenticated     = "unauthenticated"

	authorizationMetadataKey = "authorization"
	defaultGrantSource       = "grpc"
)

// Ledger is the read surface of ledger.Service.
type Ledger interface {
	Breakdown(ctx context.Context, userID ledger.UserID) (ledger.Breakdown, error)
	History(ctx context.Context, userID ledger.UserID, limit int, offset int) ([]ledger.Transaction, error)
}

// Billing is the priced debit and credit surface.
type Billing interface {
	AddCredits(ctx context.Context, request billing.AddCreditsRequest) (ledger.GrantResult, error)
	BurnCredits(ctx context.Context, request billing.BurnRequest) (billing.ChargeOutcome, error)
	ChargeForPromptRun(ctx context.Context, request billing.PromptRunRequest) (billing.ChargeOutcome, error)
	ChargeForFlowUnlock(ctx context.Context, userID ledger.UserID, flowID string) (billing.ChargeOutcome, error)
}

// LedgerService exposes the credit ledger over gRPC.
type LedgerService struct {
	ledger  Ledger
	billing Billing
}

// NewLedgerService constructs the gRPC implementation.
func NewLedgerService(ledgerService Ledger, billingService Billing) *LedgerService {
	return &LedgerService{ledger: ledgerService, billing: billingService}
}

// NewServer builds a grpc.Server speaking the Struct codec with the ledger service registered.
// A nil authenticator leaves the service unauthenticated.
func NewServer(service *LedgerService, authenticator *auth.TokenAuthenticator, logger *zap.Logger) *grpc.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	interceptors := []grpc.UnaryServerInterceptor{loggingInterceptor(logger)}
	if authenticator != nil {
		interceptors = append(interceptors, authInterceptor(authenticator))
	}
	server := grpc.NewServer(
		grpc.ForceServerCodec(StructCodec{}),
		grpc.ChainUnaryInterceptor(interceptors...),
	)
	RegisterLedgerServer(server, service)
	return server
}

func (service *LedgerService) GetBalance(ctx context.Context, request *BalanceRequest) (*BalanceResponse, error) {
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	breakdown, err := service.ledger.Breakdown(ctx, userID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return &BalanceResponse{
		Total:     breakdown.Total().Int64(),
		Purchased: breakdown.Purchased.Int64(),
		Bonus:     breakdown.Bonus.Int64(),
		Referral:  breakdown.Referral.Int64(),
	}, nil
}

func (service *LedgerService) GetHistory(ctx context.Context, request *HistoryRequest) (*HistoryResponse, error) {
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	transactions, err := service.ledger.History(ctx, userID, int(request.Limit), int(request.Offset))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	response := &HistoryResponse{Transactions: make([]*Transaction, 0, len(transactions))}
	for _, transaction := range transactions {
		relatedIDs := make([]string, 0, len(transaction.RelatedBucketIDs))
		for _, bucketID := range transaction.RelatedBucketIDs {
			relatedIDs = append(relatedIDs, bucketID.String())
		}
		response.Transactions = append(response.Transactions, &Transaction{
			TransactionID:    transaction.TransactionID.String(),
			Type:             transaction.Type.String(),
			Amount:           transaction.Amount.Int64(),
			Description:      transaction.Description,
			ItemType:         transaction.ItemType,
			ItemID:           transaction.ItemID,
			RelatedBucketIDs: relatedIDs,
			MetadataJSON:     transaction.Metadata.String(),
			CreatedUnixUTC:   transaction.CreatedAt.Unix(),
		})
	}
	return response, nil
}

func (service *LedgerService) Grant(ctx context.Context, request *GrantRequest) (*GrantResponse, error) {
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	amount, err := ledger.NewPositiveCredits(request.Amount)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	bucketType, err := ledger.ParseBucketType(request.BucketType)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	var externalRef ledger.ExternalRef
	if request.ExternalRef != "" {
		externalRef, err = ledger.NewExternalRef(request.ExternalRef)
		if err != nil {
			return nil, mapToGRPCError(err)
		}
	}
	source := request.Source
	if source == "" {
		source = defaultGrantSource
	}
	result, err := service.billing.AddCredits(ctx, billing.AddCreditsRequest{
		UserID:      userID,
		Amount:      amount,
		Type:        bucketType,
		Source:      source,
		ExpiryDays:  int(request.ExpiryDays),
		ExternalRef: externalRef,
		Description: request.Description,
	})
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return &GrantResponse{BucketID: result.Bucket.BucketID.String(), Duplicate: result.Duplicate}, nil
}

func (service *LedgerService) ChargePromptRun(ctx context.Context, request *ChargePromptRunRequest) (*ChargeResponse, error) {
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	var creatorID ledger.UserID
	if request.CreatorID != "" {
		creatorID, err = ledger.NewUserID(request.CreatorID)
		if err != nil {
			return nil, mapToGRPCError(err)
		}
	}
	creatorFee := decimal.Zero
	if request.CreatorFeePercent != "" {
		creatorFee, err = decimal.NewFromString(request.CreatorFeePercent)
		if err != nil {
			return nil, mapToGRPCError(fmt.Errorf("%w: %q is not a number", pricing.ErrInvalidCreatorFee, request.CreatorFeePercent))
		}
	}
	outcome, err := service.billing.ChargeForPromptRun(ctx, billing.PromptRunRequest{
		UserID:            userID,
		PromptID:          request.PromptID,
		ModelID:           request.ModelID,
		PromptLength:      int(request.PromptLength),
		PromptText:        request.PromptText,
		CreatorID:         creatorID,
		CreatorFeePercent: creatorFee,
	})
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return newChargeResponse(outcome), nil
}

func (service *LedgerService) ChargeFlowUnlock(ctx context.Context, request *ChargeFlowUnlockRequest) (*ChargeResponse, error) {
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	outcome, err := service.billing.ChargeForFlowUnlock(ctx, userID, request.FlowID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return newChargeResponse(outcome), nil
}

func (service *LedgerService) Burn(ctx context.Context, request *BurnRequest) (*ChargeResponse, error) {
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	outcome, err := service.billing.BurnCredits(ctx, billing.BurnRequest{
		UserID:   userID,
		ModelID:  request.ModelID,
		ItemType: request.ItemType,
		ItemID:   request.ItemID,
	})
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return newChargeResponse(outcome), nil
}

func newChargeResponse(outcome billing.ChargeOutcome) *ChargeResponse {
	return &ChargeResponse{
		Success:         outcome.Success,
		AlreadyUnlocked: outcome.AlreadyUnlocked,
		Charged:         outcome.Charged.Int64(),
		Available:       outcome.Available.Int64(),
		TotalCost:       outcome.Cost.TotalCost.Int64(),
		TransactionID:   outcome.Transaction.TransactionID.String(),
	}
}

func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, request any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		started := time.Now()
		response, err := handler(ctx, request)
		code := status.Code(err)
		if code == codes.Internal || code == codes.Unavailable {
			logger.Error("grpc call failed", zap.String("method", info.FullMethod), zap.Duration("duration", time.Since(started)), zap.Error(err))
		} else {
			logger.Debug("grpc call", zap.String("method", info.FullMethod), zap.String("code", code.String()), zap.Duration("duration", time.Since(started)))
		}
		return response, err
	}
}

func authInterceptor(authenticator *auth.TokenAuthenticator) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, request any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		incoming, _ := metadata.FromIncomingContext(ctx)
		values := incoming.Get(authorizationMetadataKey)
		if len(values) == 0 {
			return nil, status.Error(codes.Unauthenticated, errorUnauthenticated)
		}
		if _, err := authenticator.ParseAuthorization(values[0]); err != nil {
			return nil, status.Error(codes.Unauthenticated, errorUnauthenticated)
		}
		return handler(ctx, request)
	}
}

func mapToGRPCError(source error) error {
	if errors.Is(source, ledger.ErrInvalidUserID) {
		return status.Error(codes.InvalidArgument, errorInvalidUserID)
	}
	if errors.Is(source, ledger.ErrInvalidAmount) {
		return status.Error(codes.InvalidArgument, errorInvalidAmount)
	}
	if errors.Is(source, ledger.ErrInvalidBucketType) {
		return status.Error(codes.InvalidArgument, errorInvalidBucketType)
	}
	if errors.Is(source, ledger.ErrInvalidExternalRef) {
		return status.Error(codes.InvalidArgument, errorInvalidExternalRef)
	}
	if errors.Is(source, ledger.ErrInvalidSource) {
		return status.Error(codes.InvalidArgument, errorInvalidSource)
	}
	if errors.Is(source, ledger.ErrInvalidItem) {
		return status.Error(codes.InvalidArgument, errorInvalidItem)
	}
	if errors.Is(source, ledger.ErrInvalidPage) {
		return status.Error(codes.InvalidArgument, errorInvalidPage)
	}
	if errors.Is(source, pricing.ErrInvalidCreatorFee) {
		return status.Error(codes.InvalidArgument, errorInvalidCreatorFee)
	}
	if errors.Is(source, pricing.ErrInvalidPromptLength) {
		return status.Error(codes.InvalidArgument, errorInvalidPromptLength)
	}
	if errors.Is(source, pricing.ErrUnknownModel) {
		return status.Error(codes.InvalidArgument, errorUnknownModel)
	}
	if ledger.IsValidationError(source) {
		return status.Error(codes.InvalidArgument, errorInvalidRequest)
	}
	if errors.Is(source, billing.ErrFlowNotFound) {
		return status.Error(codes.NotFound, errorFlowNotFound)
	}
	if errors.Is(source, ledger.ErrInsufficientCredits) {
		return status.Error(codes.FailedPrecondition, errorInsufficientCredits)
	}
	if errors.Is(source, ledger.ErrStorageUnavailable) {
		return status.Error(codes.Unavailable, errorStorageUnavailable)
	}
	return status.Error(codes.Internal, source.Error())
}
