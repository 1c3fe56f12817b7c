package usage

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator approximates how many tokens a query will consume.
type Estimator struct {
	tokenizer *tiktoken.Tiktoken
}

// NewEstimator picks the tokenizer for model, falling back to cl100k_base for
// unknown models.
func NewEstimator(model string) (*Estimator, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return &Estimator{tokenizer: enc}, nil
}

// Count returns the token count of text.
func (e *Estimator) Count(text string) int {
	return len(e.tokenizer.Encode(text, nil, nil))
}

// Exceeds reports whether text is estimated to cost more than the snapshot has left.
func (e *Estimator) Exceeds(text string, s Snapshot) bool {
	return int64(e.Count(text)) > s.Remaining()
}
