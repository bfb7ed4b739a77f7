package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/promptledger/internal/auth"
	"github.com/MarkoPoloResearchLab/promptledger/internal/billing"
	"github.com/MarkoPoloResearchLab/promptledger/internal/pricing"
	"github.com/MarkoPoloResearchLab/promptledger/pkg/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type stubLedger struct {
	breakdown    ledger.Breakdown
	transactions []ledger.Transaction
	err          error
}

func (stub *stubLedger) Breakdown(context.Context, ledger.UserID) (ledger.Breakdown, error) {
	return stub.breakdown, stub.err
}

func (stub *stubLedger) History(_ context.Context, _ ledger.UserID, limit int, _ int) ([]ledger.Transaction, error) {
	if limit > 100 {
		return nil, fmt.Errorf("%w: limit too large", ledger.ErrInvalidPage)
	}
	return stub.transactions, stub.err
}

type stubBilling struct {
	grants     []billing.AddCreditsRequest
	promptRuns []billing.PromptRunRequest
	outcome    billing.ChargeOutcome
	err        error
}

func (stub *stubBilling) AddCredits(_ context.Context, request billing.AddCreditsRequest) (ledger.GrantResult, error) {
	stub.grants = append(stub.grants, request)
	bucketID, _ := ledger.NewBucketID("bucket-1")
	return ledger.GrantResult{Bucket: ledger.Bucket{BucketID: bucketID}}, stub.err
}

func (stub *stubBilling) BurnCredits(context.Context, billing.BurnRequest) (billing.ChargeOutcome, error) {
	return stub.outcome, stub.err
}

func (stub *stubBilling) ChargeForPromptRun(_ context.Context, request billing.PromptRunRequest) (billing.ChargeOutcome, error) {
	stub.promptRuns = append(stub.promptRuns, request)
	return stub.outcome, stub.err
}

func (stub *stubBilling) ChargeForFlowUnlock(_ context.Context, _ ledger.UserID, flowID string) (billing.ChargeOutcome, error) {
	if flowID == "missing" {
		return billing.ChargeOutcome{}, fmt.Errorf("%w: %s", billing.ErrFlowNotFound, flowID)
	}
	return stub.outcome, stub.err
}

func startServer(t *testing.T, ledgerService Ledger, billingService Billing, authenticator *auth.TokenAuthenticator) *Client {
	t.Helper()
	listener := bufconn.Listen(1 << 20)
	server := NewServer(NewLedgerService(ledgerService, billingService), authenticator, nil)
	go func() { _ = server.Serve(listener) }()
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewClient(conn)
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGetBalanceAndHistory(t *testing.T) {
	t.Parallel()
	transactionID, err := ledger.NewTransactionID("tx-1")
	require.NoError(t, err)
	created := time.Date(2025, time.April, 1, 8, 0, 0, 0, time.UTC)
	ledgerStub := &stubLedger{
		breakdown: ledger.Breakdown{Purchased: 50, Bonus: 10, Referral: 5},
		transactions: []ledger.Transaction{{
			TransactionID: transactionID,
			Type:          ledger.TransactionPromptRun,
			Amount:        -6,
			Description:   "Prompt run",
			CreatedAt:     created,
		}},
	}
	client := startServer(t, ledgerStub, &stubBilling{}, nil)
	ctx := testContext(t)

	balance, err := client.GetBalance(ctx, &BalanceRequest{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, &BalanceResponse{Total: 65, Purchased: 50, Bonus: 10, Referral: 5}, balance)

	history, err := client.GetHistory(ctx, &HistoryRequest{UserID: "u1", Limit: 10})
	require.NoError(t, err)
	require.Len(t, history.Transactions, 1)
	assert.Equal(t, "prompt_run", history.Transactions[0].Type)
	assert.Equal(t, int64(-6), history.Transactions[0].Amount)
	assert.Equal(t, created.Unix(), history.Transactions[0].CreatedUnixUTC)

	_, err = client.GetHistory(ctx, &HistoryRequest{UserID: "u1", Limit: 500})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.GetBalance(ctx, &BalanceRequest{UserID: " "})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Equal(t, errorInvalidUserID, status.Convert(err).Message())
}

func TestGrantAndCharges(t *testing.T) {
	t.Parallel()
	billingStub := &stubBilling{outcome: billing.ChargeOutcome{Success: true, Charged: 5, Available: 20, Cost: pricing.Cost{TotalCost: 5}}}
	client := startServer(t, &stubLedger{}, billingStub, nil)
	ctx := testContext(t)

	grant, err := client.Grant(ctx, &GrantRequest{UserID: "u1", Amount: 100, BucketType: "bonus", ExternalRef: "promo-7"})
	require.NoError(t, err)
	assert.Equal(t, "bucket-1", grant.BucketID)
	require.Len(t, billingStub.grants, 1)
	assert.Equal(t, defaultGrantSource, billingStub.grants[0].Source)
	assert.Equal(t, "promo-7", billingStub.grants[0].ExternalRef.String())

	_, err = client.Grant(ctx, &GrantRequest{UserID: "u1", Amount: 100, BucketType: "gift"})
	assert.Equal(t, errorInvalidBucketType, status.Convert(err).Message())

	charge, err := client.ChargePromptRun(ctx, &ChargePromptRunRequest{UserID: "u1", PromptID: "p1", ModelID: "small", CreatorID: "c1", CreatorFeePercent: "12.5"})
	require.NoError(t, err)
	assert.Equal(t, &ChargeResponse{Success: true, Charged: 5, Available: 20, TotalCost: 5}, charge)
	require.Len(t, billingStub.promptRuns, 1)
	assert.Equal(t, "12.5", billingStub.promptRuns[0].CreatorFeePercent.String())

	_, err = client.ChargePromptRun(ctx, &ChargePromptRunRequest{UserID: "u1", PromptID: "p1", CreatorFeePercent: "lots"})
	assert.Equal(t, errorInvalidCreatorFee, status.Convert(err).Message())

	_, err = client.ChargeFlowUnlock(ctx, &ChargeFlowUnlockRequest{UserID: "u1", FlowID: "missing"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	burn, err := client.Burn(ctx, &BurnRequest{UserID: "u1", ModelID: "small"})
	require.NoError(t, err)
	assert.True(t, burn.Success)
}

func TestStorageFailuresAreUnavailable(t *testing.T) {
	t.Parallel()
	client := startServer(t, &stubLedger{err: ledger.StorageError(errors.New("connection refused"))}, &stubBilling{}, nil)

	_, err := client.GetBalance(testContext(t), &BalanceRequest{UserID: "u1"})
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestAuthInterceptor(t *testing.T) {
	t.Parallel()
	authenticator, err := auth.NewTokenAuthenticator([]byte("grpc-key"), "promptledger")
	require.NoError(t, err)
	client := startServer(t, &stubLedger{}, &stubBilling{}, authenticator)

	_, err = client.GetBalance(testContext(t), &BalanceRequest{UserID: "u1"})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	token, err := authenticator.IssueToken("web", []string{auth.RoleService}, time.Minute)
	require.NoError(t, err)
	ctx := metadata.AppendToOutgoingContext(testContext(t), authorizationMetadataKey, "Bearer "+token)
	_, err = client.GetBalance(ctx, &BalanceRequest{UserID: "u1"})
	assert.NoError(t, err)
}
