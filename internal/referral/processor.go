package referral

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/promptledger/pkg/ledger"
	"go.uber.org/zap"
)

const (
	rewardSource = "referral_bonus"
	roleInviter  = "inviter"
	roleInvitee  = "invitee"
)

// ErrInvalidProcessorConfig reports a processor built without its dependencies.
var ErrInvalidProcessorConfig = errors.New("invalid referral processor config")

// Ledger is the slice of the ledger service the processor needs.
type Ledger interface {
	Grant(ctx context.Context, request ledger.GrantRequest) (ledger.GrantResult, error)
	LifetimeDebited(ctx context.Context, userID ledger.UserID) (ledger.Credits, error)
}

// Processor grants referral rewards for invitees who crossed the spend threshold.
type Processor struct {
	ledger     Ledger
	repository Repository
	settings   SettingsSource
	logger     *zap.Logger
	now        func() time.Time
}

// NewProcessor wires a Processor.
func NewProcessor(ledgerService Ledger, repository Repository, settings SettingsSource, logger *zap.Logger, now func() time.Time) (*Processor, error) {
	if ledgerService == nil || repository == nil || settings == nil || now == nil {
		return nil, ErrInvalidProcessorConfig
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		ledger:     ledgerService,
		repository: repository,
		settings:   settings,
		logger:     logger,
		now:        now,
	}, nil
}

type rewardMetadata struct {
	ReferralID string `json:"referral_id"`
	Role       string `json:"role"`
}

// ProcessQualifyingReferrals rewards every pending referral whose invitee has spent at least the
// configured minimum and returns how many were rewarded. A failing referral is logged and skipped;
// it stays pending and is retried on the next run without double-granting.
func (processor *Processor) ProcessQualifyingReferrals(ctx context.Context) (int, error) {
	settings, err := processor.settings.LoadSettings(ctx)
	if err != nil {
		return 0, fmt.Errorf("load referral settings: %w", err)
	}
	if err := settings.Validate(); err != nil {
		return 0, err
	}
	if !settings.Enabled {
		processor.logger.Info("referral rewards disabled")
		return 0, nil
	}
	pending, err := processor.repository.ListPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending referrals: %w", err)
	}

	rewarded := 0
	for _, referral := range pending {
		if err := ctx.Err(); err != nil {
			return rewarded, err
		}
		qualified, err := processor.processReferral(ctx, referral, settings)
		if err != nil {
			processor.logger.Warn("referral reward failed",
				zap.String("referral_id", referral.ReferralID),
				zap.String("inviter_id", referral.InviterID.String()),
				zap.String("invitee_id", referral.InviteeID.String()),
				zap.Error(err),
			)
			continue
		}
		if qualified {
			rewarded++
		}
	}
	processor.logger.Info("referral processing finished",
		zap.Int("pending", len(pending)),
		zap.Int("rewarded", rewarded),
	)
	return rewarded, nil
}

func (processor *Processor) processReferral(ctx context.Context, referral Referral, settings Settings) (bool, error) {
	if strings.TrimSpace(referral.ReferralID) == "" || referral.InviterID.IsZero() || referral.InviteeID.IsZero() {
		return false, fmt.Errorf("%w: missing identifiers", ErrInvalidReferral)
	}
	if referral.InviterID == referral.InviteeID {
		return false, fmt.Errorf("%w: self referral", ErrInvalidReferral)
	}
	debited, err := processor.ledger.LifetimeDebited(ctx, referral.InviteeID)
	if err != nil {
		return false, err
	}
	if debited < settings.MinSpendRequirement {
		return false, nil
	}

	inviterRef, err := InviterExternalRef(referral.ReferralID)
	if err != nil {
		return false, err
	}
	if err := processor.reward(ctx, referral, referral.InviterID, settings.InviterBonus, inviterRef, roleInviter, settings.BonusExpiryDays); err != nil {
		return false, err
	}
	inviteeRef, err := InviteeExternalRef(referral.ReferralID)
	if err != nil {
		return false, err
	}
	if err := processor.reward(ctx, referral, referral.InviteeID, settings.InviteeBonus, inviteeRef, roleInvitee, settings.BonusExpiryDays); err != nil {
		return false, err
	}
	if err := processor.repository.MarkRewarded(ctx, referral.ReferralID, processor.now()); err != nil {
		return false, err
	}
	return true, nil
}

func (processor *Processor) reward(ctx context.Context, referral Referral, userID ledger.UserID, amount ledger.Credits, externalRef ledger.ExternalRef, role string, expiryDays int) error {
	if amount <= 0 {
		return nil
	}
	metadata, err := ledger.MarshalMetadata(rewardMetadata{ReferralID: referral.ReferralID, Role: role})
	if err != nil {
		return err
	}
	result, err := processor.ledger.Grant(ctx, ledger.GrantRequest{
		UserID:      userID,
		Amount:      ledger.PositiveCredits(amount),
		Type:        ledger.BucketReferral,
		Source:      rewardSource,
		ExternalRef: externalRef,
		ExpiryDays:  expiryDays,
		Description: fmt.Sprintf("Referral reward (%s)", role),
		Metadata:    metadata,
	})
	if err != nil {
		return fmt.Errorf("grant %s reward: %w", role, err)
	}
	if result.Duplicate {
		processor.logger.Debug("referral reward already granted",
			zap.String("referral_id", referral.ReferralID),
			zap.String("role", role),
		)
	}
	return nil
}
