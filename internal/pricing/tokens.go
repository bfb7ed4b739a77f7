package pricing

import (
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

const (
	defaultEncoding    = "cl100k_base"
	charactersPerToken = 4
)

// TokenEstimator counts prompt tokens.
type TokenEstimator interface {
	CountTokens(text string) int
}

// EstimateTokensFromLength approximates tokens from a character count.
func EstimateTokensFromLength(promptLength int) int {
	if promptLength <= 0 {
		return 0
	}
	tokens := promptLength / charactersPerToken
	if promptLength%charactersPerToken != 0 {
		tokens++
	}
	return tokens
}

// HeuristicEstimator counts roughly four characters per token.
type HeuristicEstimator struct{}

// CountTokens approximates the token count of text.
func (HeuristicEstimator) CountTokens(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	return EstimateTokensFromLength(len([]rune(trimmed)))
}

// TiktokenEstimator counts tokens with a BPE encoding.
type TiktokenEstimator struct {
	encoding *tiktoken.Tiktoken
}

// NewTiktokenEstimator loads the named encoding (cl100k_base when blank).
func NewTiktokenEstimator(encodingName string) (*TiktokenEstimator, error) {
	if strings.TrimSpace(encodingName) == "" {
		encodingName = defaultEncoding
	}
	encoding, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, err
	}
	return &TiktokenEstimator{encoding: encoding}, nil
}

// CountTokens returns the exact token count of text.
func (estimator *TiktokenEstimator) CountTokens(text string) int {
	return len(estimator.encoding.Encode(text, nil, nil))
}

// NewDefaultEstimator prefers tiktoken and falls back to the heuristic when the encoding cannot load.
func NewDefaultEstimator(encodingName string) TokenEstimator {
	estimator, err := NewTiktokenEstimator(encodingName)
	if err != nil {
		return HeuristicEstimator{}
	}
	return estimator
}
