package main

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/promptledger/internal/billing"
	"github.com/MarkoPoloResearchLab/promptledger/internal/config"
	"github.com/MarkoPoloResearchLab/promptledger/internal/logging"
	"github.com/MarkoPoloResearchLab/promptledger/internal/metrics"
	"github.com/MarkoPoloResearchLab/promptledger/internal/pricing"
	"github.com/MarkoPoloResearchLab/promptledger/internal/referral"
	"github.com/MarkoPoloResearchLab/promptledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/promptledger/internal/tier"
	"github.com/MarkoPoloResearchLab/promptledger/pkg/ledger"
	"go.uber.org/zap"
)

//go:embed prices.yaml
var defaultPriceTable []byte

// application is the fully wired service graph shared by every subcommand.
type application struct {
	cfg       config.Config
	logger    *zap.Logger
	db        *database
	metrics   *metrics.Recorder
	ledger    *ledger.Service
	billing   *billing.Service
	flows     *gormstore.FlowStore
	referrals *gormstore.ReferralStore
	processor *referral.Processor
	tiers     *tier.Calculator
	bonuses   *tier.BonusRunner
}

func newApplication(ctx context.Context, cfg config.Config, logger *zap.Logger) (*application, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}
	app, err := wireApplication(cfg, logger, db)
	if err != nil {
		db.close()
		return nil, err
	}
	return app, nil
}

func wireApplication(cfg config.Config, logger *zap.Logger, db *database) (*application, error) {
	recorder := metrics.NewRecorder()
	clock := func() time.Time { return time.Now().UTC() }

	ledgerService, err := ledger.NewService(db.ledgerStore(), clock,
		ledger.WithOperationLogger(logging.NewZapOperationLogger(logger)),
		ledger.WithOperationLogger(recorder),
		ledger.WithSweepBatchSize(cfg.SweepBatchSize),
	)
	if err != nil {
		return nil, fmt.Errorf("ledger service init: %w", err)
	}

	table, err := loadPriceTable(cfg.PriceTablePath)
	if err != nil {
		return nil, err
	}
	calculator := pricing.NewCalculator(table, pricing.NewDefaultEstimator(cfg.TokenEncoding))

	flows := gormstore.NewFlowStore(db.gorm)
	billingService, err := billing.NewService(ledgerService, calculator, flows,
		billing.WithLogger(logger),
		billing.WithUnlockCacheSize(cfg.UnlockCacheSize),
	)
	if err != nil {
		return nil, fmt.Errorf("billing service init: %w", err)
	}

	referrals := gormstore.NewReferralStore(db.gorm)
	settings := referral.FallbackSettings{Primary: referrals, Fallback: cfg.Referral}
	processor, err := referral.NewProcessor(ledgerService, referrals, settings, logger, clock)
	if err != nil {
		return nil, fmt.Errorf("referral processor init: %w", err)
	}

	tiers, err := tier.NewCalculator(ledgerService, tier.DefaultLevels())
	if err != nil {
		return nil, fmt.Errorf("tier calculator init: %w", err)
	}
	bonuses, err := tier.NewBonusRunner(ledgerService, tiers, logger, tier.RunnerConfig{
		WindowDays:  cfg.TierWindowDays,
		ExpiryDays:  cfg.TierBonusExpiryDays,
		Concurrency: cfg.TierConcurrency,
	})
	if err != nil {
		return nil, fmt.Errorf("tier bonus runner init: %w", err)
	}

	return &application{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		metrics:   recorder,
		ledger:    ledgerService,
		billing:   billingService,
		flows:     flows,
		referrals: referrals,
		processor: processor,
		tiers:     tiers,
		bonuses:   bonuses,
	}, nil
}

func (app *application) Close() {
	app.db.close()
}

func loadPriceTable(path string) (pricing.PriceTable, error) {
	if path == "" {
		table, err := pricing.ParsePriceTable(defaultPriceTable)
		if err != nil {
			return pricing.PriceTable{}, fmt.Errorf("default price table: %w", err)
		}
		return table, nil
	}
	table, err := pricing.LoadPriceTable(path)
	if err != nil {
		return pricing.PriceTable{}, fmt.Errorf("price table %s: %w", path, err)
	}
	return table, nil
}
