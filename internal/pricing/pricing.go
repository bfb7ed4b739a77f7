package pricing

import (
	"fmt"

	"github.com/MarkoPoloResearchLab/promptledger/pkg/ledger"
	"github.com/shopspring/decimal"
)

// MaxPromptLength is the longest prompt, in characters, CalculateCost will price.
const MaxPromptLength = 4_000_000

var (
	hundred          = decimal.NewFromInt(100)
	thousand         = decimal.NewFromInt(1000)
	creatorSharePart = decimal.NewFromInt(80)
)

// Cost is the credit breakdown of one run. Every component is rounded up to whole credits.
type Cost struct {
	ModelID         string
	PromptTokens    int
	InferenceCost   ledger.Credits
	PlatformMarkup  ledger.Credits
	CreatorFee      ledger.Credits
	TotalCost       ledger.Credits
	CreatorFeeShare decimal.Decimal
}

// Calculator prices model runs from a PriceTable.
type Calculator struct {
	table     PriceTable
	estimator TokenEstimator
}

// NewCalculator builds a Calculator. A nil estimator uses the character heuristic.
func NewCalculator(table PriceTable, estimator TokenEstimator) *Calculator {
	if estimator == nil {
		estimator = HeuristicEstimator{}
	}
	return &Calculator{table: table, estimator: estimator}
}

// CalculateCost prices a run of promptLength characters. The platform markup applies only when the
// prompt carries no creator fee; the two revenue paths are exclusive.
func (calculator *Calculator) CalculateCost(modelID string, promptLength int, creatorFeePercent decimal.Decimal) (Cost, error) {
	if promptLength < 0 || promptLength > MaxPromptLength {
		return Cost{}, fmt.Errorf("%w: %d", ErrInvalidPromptLength, promptLength)
	}
	return calculator.cost(modelID, EstimateTokensFromLength(promptLength), creatorFeePercent)
}

// CalculateCostForText prices a run using the token estimator on the prompt text.
func (calculator *Calculator) CalculateCostForText(modelID string, promptText string, creatorFeePercent decimal.Decimal) (Cost, error) {
	return calculator.cost(modelID, calculator.estimator.CountTokens(promptText), creatorFeePercent)
}

// BaseCost prices a model run with no prompt, used when only the model is known.
func (calculator *Calculator) BaseCost(modelID string) (Cost, error) {
	return calculator.cost(modelID, 0, decimal.Zero)
}

func (calculator *Calculator) cost(modelID string, promptTokens int, creatorFeePercent decimal.Decimal) (Cost, error) {
	if creatorFeePercent.IsNegative() || creatorFeePercent.GreaterThan(hundred) {
		return Cost{}, fmt.Errorf("%w: %s%%", ErrInvalidCreatorFee, creatorFeePercent.String())
	}
	price, err := calculator.table.Model(modelID)
	if err != nil {
		return Cost{}, err
	}
	tokenCost := price.CreditsPerThousandTokens.Mul(decimal.NewFromInt(int64(promptTokens))).Div(thousand)
	inference := price.BaseCredits.Add(tokenCost).Ceil()
	if inference.LessThan(decimal.NewFromInt(1)) {
		inference = decimal.NewFromInt(1)
	}

	markup := decimal.Zero
	creatorFee := decimal.Zero
	if creatorFeePercent.IsPositive() {
		creatorFee = inference.Mul(creatorFeePercent).Div(hundred).Ceil()
	} else {
		markup = inference.Mul(calculator.table.PlatformMarkupPercent).Div(hundred).Ceil()
	}
	total := inference.Add(markup).Add(creatorFee)

	return Cost{
		ModelID:         price.ModelID,
		PromptTokens:    promptTokens,
		InferenceCost:   ledger.Credits(inference.IntPart()),
		PlatformMarkup:  ledger.Credits(markup.IntPart()),
		CreatorFee:      ledger.Credits(creatorFee.IntPart()),
		TotalCost:       ledger.Credits(total.IntPart()),
		CreatorFeeShare: creatorFeePercent,
	}, nil
}

// SplitCreatorFee divides a settled creator fee: 80% to the creator, the remainder to the platform.
func SplitCreatorFee(creatorFee ledger.Credits) (creatorShare ledger.Credits, platformShare ledger.Credits) {
	if creatorFee <= 0 {
		return 0, 0
	}
	fee := decimal.NewFromInt(creatorFee.Int64())
	creator := fee.Mul(creatorSharePart).Div(hundred).Floor()
	return ledger.Credits(creator.IntPart()), ledger.Credits(fee.Sub(creator).IntPart())
}
