package main

import (
	"context"

	"github.com/MarkoPoloResearchLab/promptledger/internal/jobs"
	"go.uber.org/zap"
)

func (app *application) maintenanceJobs() []jobs.Job {
	return []jobs.Job{
		{Name: jobs.SweepExpired, Schedule: app.cfg.SweepSchedule, Run: app.sweep},
		{Name: jobs.ProcessReferrals, Schedule: app.cfg.ReferralSchedule, Run: app.processReferrals},
		{Name: jobs.AutomationBonus, Schedule: app.cfg.AutomationBonusSchedule, Run: app.grantAutomationBonuses},
	}
}

func (app *application) sweep(ctx context.Context) error {
	result, err := app.ledger.Sweep(ctx)
	app.logger.Info("sweep finished",
		zap.Int("expired", result.Expired),
		zap.Int64("voided", result.Voided.Int64()),
		zap.Int("failed", result.Failed),
	)
	return err
}

func (app *application) processReferrals(ctx context.Context) error {
	rewarded, err := app.processor.ProcessQualifyingReferrals(ctx)
	app.logger.Info("referrals processed", zap.Int("rewarded", rewarded))
	return err
}

func (app *application) grantAutomationBonuses(ctx context.Context) error {
	result, err := app.bonuses.Run(ctx)
	app.logger.Info("automation bonus finished",
		zap.Int64("evaluated", result.Evaluated),
		zap.Int64("granted", result.Granted),
		zap.Int64("skipped", result.Skipped),
		zap.Int64("failed", result.Failed),
	)
	return err
}
