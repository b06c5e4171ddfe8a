// Package tokens measures text size in model tokens.
package tokens

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// Counter counts tokens in text.
type Counter interface {
	Count(text string) int
}

// TikToken counts with the cl100k encoding. Claude tokenizes differently,
// but the estimate is close enough for prompt budgeting.
type TikToken struct {
	codec tokenizer.Codec
}

// NewTikToken returns a counter backed by the GPT-4 encoding.
func NewTikToken() (*TikToken, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, err
	}
	return &TikToken{codec: codec}, nil
}

// Count returns the token count, or a 4-chars-per-token estimate if the
// codec is unavailable.
func (t *TikToken) Count(text string) int {
	if t == nil || t.codec == nil {
		return Estimate(text)
	}
	n, err := t.codec.Count(text)
	if err != nil {
		return Estimate(text)
	}
	return n
}

// Estimate approximates the token count at 4 characters per token.
func Estimate(text string) int {
	return (len(text) + 3) / 4
}

// EstimateCounter is a Counter that never loads an encoding.
type EstimateCounter struct{}

func (EstimateCounter) Count(text string) int { return Estimate(text) }

var (
	defaultOnce    sync.Once
	defaultCounter Counter
)

// Default returns a shared tiktoken counter, falling back to Estimate.
func Default() Counter {
	defaultOnce.Do(func() {
		tc, err := NewTikToken()
		if err != nil {
			defaultCounter = EstimateCounter{}
			return
		}
		defaultCounter = tc
	})
	return defaultCounter
}
