package pipeline

import (
	"github.com/pkoukk/tiktoken-go"
	"github.com/ternarybob/rake/internal/models"
)

// Tokenizer counts and slices text by cl100k_base tokens, matching the
// tokenization of the embedding models.
type Tokenizer struct {
	encoding *tiktoken.Tiktoken
}

// NewTokenizer loads the cl100k_base encoding.
func NewTokenizer() (*Tokenizer, error) {
	encoding, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, models.WrapPipelineError(models.ErrCodeInternal, "failed to load tokenizer encoding", err)
	}
	return &Tokenizer{encoding: encoding}, nil
}

// Count returns the token count of text.
func (t *Tokenizer) Count(text string) int {
	return len(t.encoding.Encode(text, nil, nil))
}

// Encode returns the token IDs of text.
func (t *Tokenizer) Encode(text string) []int {
	return t.encoding.Encode(text, nil, nil)
}

// Decode converts token IDs back to text.
func (t *Tokenizer) Decode(tokens []int) string {
	return t.encoding.Decode(tokens)
}
