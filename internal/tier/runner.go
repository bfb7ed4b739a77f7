package tier

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/MarkoPoloResearchLab/promptledger/pkg/ledger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultRunnerConcurrency = 8
	bonusSource              = "automation_tier"
)

// ErrInvalidRunnerConfig reports a runner built without its dependencies.
var ErrInvalidRunnerConfig = errors.New("invalid tier bonus runner config")

// GrantLedger is the write side of ledger.Service the runner needs.
type GrantLedger interface {
	ActiveUsers(ctx context.Context, since time.Time) ([]ledger.UserID, error)
	Grant(ctx context.Context, request ledger.GrantRequest) (ledger.GrantResult, error)
	Now() time.Time
}

// RunnerConfig tunes a BonusRunner.
type RunnerConfig struct {
	WindowDays  int
	ExpiryDays  int
	Concurrency int
}

// RunResult summarizes one bonus run.
type RunResult struct {
	Evaluated int64
	Granted   int64
	Skipped   int64
	Failed    int64
}

// BonusRunner grants the monthly tier bonus to every recently active user.
type BonusRunner struct {
	ledger     GrantLedger
	calculator *Calculator
	logger     *zap.Logger
	config     RunnerConfig
}

// NewBonusRunner wires a BonusRunner.
func NewBonusRunner(ledgerService GrantLedger, calculator *Calculator, logger *zap.Logger, config RunnerConfig) (*BonusRunner, error) {
	if ledgerService == nil || calculator == nil {
		return nil, ErrInvalidRunnerConfig
	}
	if config.ExpiryDays < 0 {
		return nil, fmt.Errorf("%w: expiry days must not be negative", ErrInvalidRunnerConfig)
	}
	if config.WindowDays <= 0 {
		config.WindowDays = DefaultWindowDays
	}
	if config.Concurrency <= 0 {
		config.Concurrency = defaultRunnerConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BonusRunner{ledger: ledgerService, calculator: calculator, logger: logger, config: config}, nil
}

type bonusMetadata struct {
	Tier       string `json:"tier"`
	UsageCount int64  `json:"usage_count"`
	Period     string `json:"period"`
}

// Run evaluates every user active in the window. One user's failure is logged and never stops the others.
// Re-running within the same month grants nothing new.
func (runner *BonusRunner) Run(ctx context.Context) (RunResult, error) {
	now := runner.ledger.Now()
	users, err := runner.ledger.ActiveUsers(ctx, now.Add(-time.Duration(runner.config.WindowDays)*day))
	if err != nil {
		return RunResult{}, fmt.Errorf("list active users: %w", err)
	}

	var evaluated, granted, skipped, failed atomic.Int64
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(runner.config.Concurrency)
	for _, userID := range users {
		if groupCtx.Err() != nil {
			break
		}
		group.Go(func() error {
			evaluated.Add(1)
			wasGranted, err := runner.grantUser(groupCtx, userID, now)
			switch {
			case err != nil:
				failed.Add(1)
				runner.logger.Warn("automation bonus failed",
					zap.String("user_id", userID.String()),
					zap.Error(err),
				)
			case wasGranted:
				granted.Add(1)
			default:
				skipped.Add(1)
			}
			return nil
		})
	}
	_ = group.Wait()

	result := RunResult{
		Evaluated: evaluated.Load(),
		Granted:   granted.Load(),
		Skipped:   skipped.Load(),
		Failed:    failed.Load(),
	}
	runner.logger.Info("automation bonus run finished",
		zap.Int("active_users", len(users)),
		zap.Int64("granted", result.Granted),
		zap.Int64("skipped", result.Skipped),
		zap.Int64("failed", result.Failed),
	)
	return result, ctx.Err()
}

func (runner *BonusRunner) grantUser(ctx context.Context, userID ledger.UserID, now time.Time) (bool, error) {
	tierResult, err := runner.calculator.CalculateTier(ctx, userID, runner.config.WindowDays)
	if err != nil {
		return false, err
	}
	if tierResult.BonusCredits <= 0 {
		return false, nil
	}
	externalRef, err := BonusExternalRef(userID, now)
	if err != nil {
		return false, err
	}
	metadata, err := ledger.MarshalMetadata(bonusMetadata{
		Tier:       tierResult.Tier,
		UsageCount: tierResult.UsageCount,
		Period:     now.UTC().Format(bonusPeriod),
	})
	if err != nil {
		return false, err
	}
	grantResult, err := runner.ledger.Grant(ctx, ledger.GrantRequest{
		UserID:          userID,
		Amount:          ledger.PositiveCredits(tierResult.BonusCredits),
		Type:            ledger.BucketBonus,
		Source:          bonusSource,
		ExternalRef:     externalRef,
		ExpiryDays:      runner.config.ExpiryDays,
		TransactionType: ledger.TransactionAutomationBonus,
		Description:     fmt.Sprintf("Automation %s tier bonus for %s", tierResult.Tier, now.UTC().Format(bonusPeriod)),
		Metadata:        metadata,
	})
	if err != nil {
		return false, err
	}
	return !grantResult.Duplicate, nil
}
