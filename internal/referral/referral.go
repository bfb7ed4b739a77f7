// Package referral rewards inviters and invitees once the invitee has spent enough credit.
package referral

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/promptledger/pkg/ledger"
)

// Status is the lifecycle state of a referral.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRewarded Status = "rewarded"
)

var (
	// ErrSettingsNotFound reports that no settings record exists yet.
	ErrSettingsNotFound = errors.New("referral settings not found")
	// ErrUnknownReferral reports a referral id that does not exist or is no longer pending.
	ErrUnknownReferral = errors.New("unknown referral")
	// ErrInvalidReferral reports a malformed referral record.
	ErrInvalidReferral = errors.New("invalid referral")
	// ErrInvalidSettings reports a settings record that cannot drive a reward.
	ErrInvalidSettings = errors.New("invalid referral settings")
)

// Referral links an inviter to the invitee they brought in.
type Referral struct {
	ReferralID string
	InviterID  ledger.UserID
	InviteeID  ledger.UserID
	Status     Status
	CreatedAt  time.Time
	RewardedAt *time.Time
}

// Settings is the externally owned reward policy.
type Settings struct {
	Enabled             bool
	InviterBonus        ledger.Credits
	InviteeBonus        ledger.Credits
	MinSpendRequirement ledger.Credits
	BonusExpiryDays     int
}

// Validate rejects settings that cannot drive a reward.
func (settings Settings) Validate() error {
	if settings.InviterBonus < 0 || settings.InviteeBonus < 0 || settings.MinSpendRequirement < 0 {
		return fmt.Errorf("%w: amounts must not be negative", ErrInvalidSettings)
	}
	if settings.BonusExpiryDays < 0 {
		return fmt.Errorf("%w: expiry days must not be negative", ErrInvalidSettings)
	}
	return nil
}

// Repository persists referral relationships.
type Repository interface {
	ListPending(ctx context.Context) ([]Referral, error)
	MarkRewarded(ctx context.Context, referralID string, at time.Time) error
}

// SettingsSource loads the current reward policy. It is read on every run.
type SettingsSource interface {
	LoadSettings(ctx context.Context) (Settings, error)
}

// StaticSettings serves a fixed policy, typically from configuration.
type StaticSettings Settings

// LoadSettings returns the fixed policy.
func (settings StaticSettings) LoadSettings(context.Context) (Settings, error) {
	return Settings(settings), nil
}

// FallbackSettings reads primary and falls back to a fixed policy while no record exists.
type FallbackSettings struct {
	Primary  SettingsSource
	Fallback Settings
}

// LoadSettings returns the primary record, or the fallback when the primary has none.
func (source FallbackSettings) LoadSettings(ctx context.Context) (Settings, error) {
	if source.Primary == nil {
		return source.Fallback, nil
	}
	settings, err := source.Primary.LoadSettings(ctx)
	if errors.Is(err, ErrSettingsNotFound) {
		return source.Fallback, nil
	}
	return settings, err
}

// InviterExternalRef is the idempotency key of the inviter's reward for a referral.
func InviterExternalRef(referralID string) (ledger.ExternalRef, error) {
	return ledger.NewExternalRef(fmt.Sprintf("referral_%s_inviter", referralID))
}

// InviteeExternalRef is the idempotency key of the invitee's reward for a referral.
func InviteeExternalRef(referralID string) (ledger.ExternalRef, error) {
	return ledger.NewExternalRef(fmt.Sprintf("referral_%s_invitee", referralID))
}
