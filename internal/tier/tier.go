// Package tier ranks users by recent automation usage and reports monthly bonus eligibility.
package tier

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/promptledger/pkg/ledger"
)

const (
	// DefaultWindowDays is the trailing usage window when the caller passes none.
	DefaultWindowDays = 30

	bonusRefPrefix = "automation_bonus_"
	bonusPeriod    = "2006-01"
	day            = 24 * time.Hour
)

var (
	// ErrInvalidLadder reports a tier ladder that cannot classify every usage count.
	ErrInvalidLadder = errors.New("invalid tier ladder")
	// ErrInvalidCalculatorConfig reports a calculator built without a ledger.
	ErrInvalidCalculatorConfig = errors.New("invalid tier calculator config")
)

// Level is one rung of the tier ladder.
type Level struct {
	Name         string
	MinUsage     int64
	BonusCredits ledger.Credits
}

// DefaultLevels is the ladder used when none is configured.
func DefaultLevels() []Level {
	return []Level{
		{Name: "none", MinUsage: 0, BonusCredits: 0},
		{Name: "starter", MinUsage: 50, BonusCredits: 100},
		{Name: "pro", MinUsage: 250, BonusCredits: 500},
		{Name: "power", MinUsage: 1000, BonusCredits: 2500},
	}
}

// Result describes where a user sits on the ladder.
type Result struct {
	Tier          string
	UsageCount    int64
	Threshold     int64
	NextTier      string
	NextThreshold int64
	BonusCredits  ledger.Credits
	WindowDays    int
}

// Ledger is the read side of ledger.Service the calculator needs.
type Ledger interface {
	CountUsage(ctx context.Context, userID ledger.UserID, since time.Time) (int64, error)
	HasExternalRef(ctx context.Context, userID ledger.UserID, externalRef ledger.ExternalRef) (bool, error)
	Now() time.Time
}

// Calculator classifies users. It never grants.
type Calculator struct {
	ledger Ledger
	levels []Level
}

// NewCalculator validates the ladder. The lowest level must start at zero usage and thresholds must be unique.
func NewCalculator(ledgerService Ledger, levels []Level) (*Calculator, error) {
	if ledgerService == nil {
		return nil, ErrInvalidCalculatorConfig
	}
	if len(levels) == 0 {
		levels = DefaultLevels()
	}
	sorted := append([]Level(nil), levels...)
	sort.Slice(sorted, func(left, right int) bool { return sorted[left].MinUsage < sorted[right].MinUsage })
	if sorted[0].MinUsage != 0 {
		return nil, fmt.Errorf("%w: lowest tier must start at zero usage", ErrInvalidLadder)
	}
	for index, level := range sorted {
		if strings.TrimSpace(level.Name) == "" {
			return nil, fmt.Errorf("%w: tier name is required", ErrInvalidLadder)
		}
		if level.BonusCredits < 0 {
			return nil, fmt.Errorf("%w: tier %s has a negative bonus", ErrInvalidLadder, level.Name)
		}
		if index > 0 && level.MinUsage == sorted[index-1].MinUsage {
			return nil, fmt.Errorf("%w: tiers %s and %s share a threshold", ErrInvalidLadder, sorted[index-1].Name, level.Name)
		}
	}
	return &Calculator{ledger: ledgerService, levels: sorted}, nil
}

// CalculateTier counts prompt_run and flow_run transactions in the trailing window and maps them to a tier.
func (calculator *Calculator) CalculateTier(ctx context.Context, userID ledger.UserID, windowDays int) (Result, error) {
	if userID.IsZero() {
		return Result{}, fmt.Errorf("%w: empty value", ledger.ErrInvalidUserID)
	}
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}
	since := calculator.ledger.Now().Add(-time.Duration(windowDays) * day)
	usage, err := calculator.ledger.CountUsage(ctx, userID, since)
	if err != nil {
		return Result{}, err
	}
	return calculator.classify(usage, windowDays), nil
}

func (calculator *Calculator) classify(usage int64, windowDays int) Result {
	current := 0
	for index, level := range calculator.levels {
		if usage >= level.MinUsage {
			current = index
		}
	}
	level := calculator.levels[current]
	result := Result{
		Tier:         level.Name,
		UsageCount:   usage,
		Threshold:    level.MinUsage,
		BonusCredits: level.BonusCredits,
		WindowDays:   windowDays,
	}
	if current+1 < len(calculator.levels) {
		next := calculator.levels[current+1]
		result.NextTier = next.Name
		result.NextThreshold = next.MinUsage
	}
	return result
}

// HasReceivedCurrentBonus reports whether this calendar month's bonus was already granted.
func (calculator *Calculator) HasReceivedCurrentBonus(ctx context.Context, userID ledger.UserID) (bool, error) {
	externalRef, err := BonusExternalRef(userID, calculator.ledger.Now())
	if err != nil {
		return false, err
	}
	return calculator.ledger.HasExternalRef(ctx, userID, externalRef)
}

// BonusExternalRef is the idempotency key of a user's bonus for the calendar month containing at.
func BonusExternalRef(userID ledger.UserID, at time.Time) (ledger.ExternalRef, error) {
	if userID.IsZero() {
		return ledger.ExternalRef{}, fmt.Errorf("%w: empty value", ledger.ErrInvalidUserID)
	}
	return ledger.NewExternalRef(bonusRefPrefix + userID.String() + "_" + at.UTC().Format(bonusPeriod))
}
