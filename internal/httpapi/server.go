// Package httpapi serves the ledger's call contracts over JSON.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/promptledger/internal/auth"
	"github.com/MarkoPoloResearchLab/promptledger/internal/billing"
	"github.com/MarkoPoloResearchLab/promptledger/internal/jobs"
	"github.com/MarkoPoloResearchLab/promptledger/internal/tier"
	"github.com/MarkoPoloResearchLab/promptledger/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 10 * time.Second
	shutdownTimeout       = 5 * time.Second
)

// ErrInvalidServerConfig reports a router built without its dependencies.
var ErrInvalidServerConfig = errors.New("invalid http server config")

// Ledger is the read and sweep surface of ledger.Service.
type Ledger interface {
	Breakdown(ctx context.Context, userID ledger.UserID) (ledger.Breakdown, error)
	Buckets(ctx context.Context, userID ledger.UserID, includeExpired bool) ([]ledger.Bucket, error)
	History(ctx context.Context, userID ledger.UserID, limit int, offset int) ([]ledger.Transaction, error)
	LifetimeDebited(ctx context.Context, userID ledger.UserID) (ledger.Credits, error)
	Sweep(ctx context.Context) (ledger.SweepResult, error)
}

// Billing is the priced debit and credit surface.
type Billing interface {
	AddCredits(ctx context.Context, request billing.AddCreditsRequest) (ledger.GrantResult, error)
	RecordPurchase(ctx context.Context, request billing.PurchaseRequest) (ledger.GrantResult, error)
	BurnCredits(ctx context.Context, request billing.BurnRequest) (billing.ChargeOutcome, error)
	ChargeForPromptRun(ctx context.Context, request billing.PromptRunRequest) (billing.ChargeOutcome, error)
	ChargeForFlowUnlock(ctx context.Context, userID ledger.UserID, flowID string) (billing.ChargeOutcome, error)
	HasUnlockedFlow(ctx context.Context, userID ledger.UserID, flowID string) (bool, error)
}

// TierCalculator reports automation usage tiers.
type TierCalculator interface {
	CalculateTier(ctx context.Context, userID ledger.UserID, windowDays int) (tier.Result, error)
	HasReceivedCurrentBonus(ctx context.Context, userID ledger.UserID) (bool, error)
}

// ReferralProcessor rewards qualifying referrals.
type ReferralProcessor interface {
	ProcessQualifyingReferrals(ctx context.Context) (int, error)
}

// BonusRunner grants monthly automation bonuses.
type BonusRunner interface {
	Run(ctx context.Context) (tier.RunResult, error)
}

// JobRunner runs maintenance work under the lease of the scheduled job with the same name.
type JobRunner interface {
	Exclusive(ctx context.Context, name string, fn func(ctx context.Context) error) error
}

// RequestObserver records request latency.
type RequestObserver interface {
	ObserveRequest(route string, code string, duration time.Duration)
}

// Config tunes the HTTP server.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// Dependencies are the services behind the routes. Metrics and Observer are optional.
// Without Jobs, cron routes only exclude each other inside this process.
type Dependencies struct {
	Ledger        Ledger
	Billing       Billing
	Tiers         TierCalculator
	Referrals     ReferralProcessor
	Bonuses       BonusRunner
	Jobs          JobRunner
	Authenticator *auth.TokenAuthenticator
	Metrics       http.Handler
	Observer      RequestObserver
	Logger        *zap.Logger
}

type httpHandler struct {
	ledger    Ledger
	billing   Billing
	tiers     TierCalculator
	referrals ReferralProcessor
	bonuses   BonusRunner
	jobs      JobRunner
	logger    *zap.Logger
	timeout   time.Duration
}

// NewRouter builds the gin engine with every route mounted.
func NewRouter(cfg Config, deps Dependencies) (*gin.Engine, error) {
	if deps.Ledger == nil || deps.Billing == nil || deps.Tiers == nil || deps.Referrals == nil || deps.Bonuses == nil {
		return nil, fmt.Errorf("%w: services are required", ErrInvalidServerConfig)
	}
	if deps.Authenticator == nil {
		return nil, fmt.Errorf("%w: authenticator is required", ErrInvalidServerConfig)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	var runner JobRunner = jobs.New(jobs.Config{}, jobs.NewLocalLease(), nil, logger)
	if deps.Jobs != nil {
		runner = deps.Jobs
	}
	handler := &httpHandler{
		ledger:    deps.Ledger,
		billing:   deps.Billing,
		tiers:     deps.Tiers,
		referrals: deps.Referrals,
		bonuses:   deps.Bonuses,
		jobs:      runner,
		logger:    logger,
		timeout:   timeout,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if deps.Observer != nil {
		router.Use(observeRequests(deps.Observer))
	}
	if len(cfg.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins: cfg.AllowedOrigins,
			AllowMethods: []string{"GET", "POST", "OPTIONS"},
			AllowHeaders: []string{"Authorization", "Content-Type", "Origin", "Accept"},
			MaxAge:       12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	api := router.Group("/v1")
	api.Use(requireToken(deps.Authenticator))

	users := api.Group("/users/:userID")
	users.GET("/balance", handler.handleBalance)
	users.GET("/history", handler.handleHistory)
	users.GET("/buckets", handler.handleBuckets)
	users.POST("/grants", handler.handleGrant)
	users.POST("/purchases", handler.handlePurchase)
	users.POST("/charges/prompt-run", handler.handlePromptRun)
	users.POST("/charges/flow-unlock", handler.handleFlowUnlock)
	users.POST("/charges/burn", handler.handleBurn)
	users.GET("/flows/:flowID/unlocked", handler.handleFlowUnlocked)
	users.GET("/automation-tier", handler.handleAutomationTier)

	cron := api.Group("/cron")
	cron.Use(requireRole(auth.RoleCron))
	cron.POST("/sweep", handler.handleSweep)
	cron.POST("/referrals", handler.handleReferrals)
	cron.POST("/automation-bonus", handler.handleAutomationBonus)

	return router, nil
}

// Run serves the router until ctx is done.
func Run(ctx context.Context, cfg Config, deps Dependencies) error {
	router, err := NewRouter(cfg, deps)
	if err != nil {
		return err
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func observeRequests(observer RequestObserver) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		started := time.Now()
		ctx.Next()
		route := ctx.FullPath()
		if route == "" {
			route = "unmatched"
		}
		observer.ObserveRequest(route, strconv.Itoa(ctx.Writer.Status()), time.Since(started))
	}
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.timeout)
}
