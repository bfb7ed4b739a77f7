// Package pricing turns a model run into a credit cost.
package pricing

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

var (
	// ErrUnknownModel reports a model id missing from the price table.
	ErrUnknownModel = errors.New("unknown model")
	// ErrInvalidPriceTable reports a malformed price table.
	ErrInvalidPriceTable = errors.New("invalid price table")
	// ErrInvalidCreatorFee reports a creator fee outside 0..100 percent.
	ErrInvalidCreatorFee = errors.New("invalid creator fee")
	// ErrInvalidPromptLength reports a negative or oversized prompt length.
	ErrInvalidPromptLength = errors.New("invalid prompt length")
)

// ModelPrice is the credit price of one model.
type ModelPrice struct {
	ModelID string
	// BaseCredits covers a run regardless of prompt size, including expected output.
	BaseCredits decimal.Decimal
	// CreditsPerThousandTokens is charged on the estimated prompt tokens.
	CreditsPerThousandTokens decimal.Decimal
}

// PriceTable is the set of model prices plus the platform markup.
type PriceTable struct {
	PlatformMarkupPercent decimal.Decimal
	DefaultModelID        string
	models                map[string]ModelPrice
}

type priceTableFile struct {
	PlatformMarkupPercent string           `yaml:"platform_markup_percent"`
	DefaultModel          string           `yaml:"default_model"`
	Models                []modelPriceFile `yaml:"models"`
}

type modelPriceFile struct {
	ID                       string `yaml:"id"`
	BaseCredits              string `yaml:"base_credits"`
	CreditsPerThousandTokens string `yaml:"credits_per_1k_tokens"`
}

// LoadPriceTable reads a YAML price table from disk. ${VAR} references are expanded from the environment.
func LoadPriceTable(path string) (PriceTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return PriceTable{}, fmt.Errorf("read price table: %w", err)
	}
	return ParsePriceTable([]byte(os.ExpandEnv(string(raw))))
}

// ParsePriceTable decodes a YAML price table.
func ParsePriceTable(raw []byte) (PriceTable, error) {
	var file priceTableFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return PriceTable{}, fmt.Errorf("%w: %v", ErrInvalidPriceTable, err)
	}
	markup, err := parseNonNegative(file.PlatformMarkupPercent, "platform_markup_percent")
	if err != nil {
		return PriceTable{}, err
	}
	models := make([]ModelPrice, 0, len(file.Models))
	for _, entry := range file.Models {
		base, err := parseNonNegative(entry.BaseCredits, entry.ID+".base_credits")
		if err != nil {
			return PriceTable{}, err
		}
		perThousand, err := parseNonNegative(entry.CreditsPerThousandTokens, entry.ID+".credits_per_1k_tokens")
		if err != nil {
			return PriceTable{}, err
		}
		models = append(models, ModelPrice{ModelID: entry.ID, BaseCredits: base, CreditsPerThousandTokens: perThousand})
	}
	return NewPriceTable(markup, strings.TrimSpace(file.DefaultModel), models)
}

// NewPriceTable validates and indexes model prices.
func NewPriceTable(platformMarkupPercent decimal.Decimal, defaultModelID string, models []ModelPrice) (PriceTable, error) {
	if platformMarkupPercent.IsNegative() {
		return PriceTable{}, fmt.Errorf("%w: markup must not be negative", ErrInvalidPriceTable)
	}
	if len(models) == 0 {
		return PriceTable{}, fmt.Errorf("%w: no models", ErrInvalidPriceTable)
	}
	indexed := make(map[string]ModelPrice, len(models))
	for _, model := range models {
		modelID := strings.TrimSpace(model.ModelID)
		if modelID == "" {
			return PriceTable{}, fmt.Errorf("%w: model id is required", ErrInvalidPriceTable)
		}
		if _, exists := indexed[modelID]; exists {
			return PriceTable{}, fmt.Errorf("%w: duplicate model %q", ErrInvalidPriceTable, modelID)
		}
		if model.BaseCredits.IsNegative() || model.CreditsPerThousandTokens.IsNegative() {
			return PriceTable{}, fmt.Errorf("%w: model %q has negative prices", ErrInvalidPriceTable, modelID)
		}
		model.ModelID = modelID
		indexed[modelID] = model
	}
	if defaultModelID != "" {
		if _, ok := indexed[defaultModelID]; !ok {
			return PriceTable{}, fmt.Errorf("%w: default model %q is not priced", ErrInvalidPriceTable, defaultModelID)
		}
	}
	return PriceTable{
		PlatformMarkupPercent: platformMarkupPercent,
		DefaultModelID:        defaultModelID,
		models:                indexed,
	}, nil
}

// Model returns the price of a model, or of the default model when modelID is blank.
func (table PriceTable) Model(modelID string) (ModelPrice, error) {
	normalized := strings.TrimSpace(modelID)
	if normalized == "" {
		normalized = table.DefaultModelID
	}
	price, ok := table.models[normalized]
	if !ok {
		return ModelPrice{}, fmt.Errorf("%w: %q", ErrUnknownModel, modelID)
	}
	return price, nil
}

func parseNonNegative(raw string, field string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero, nil
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %s: %v", ErrInvalidPriceTable, field, err)
	}
	if value.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("%w: %s must not be negative", ErrInvalidPriceTable, field)
	}
	return value, nil
}
