package interfaces

import "context"

// EmbeddingProvider turns a batch of texts into vectors. One vector is
// returned per input text, in input order.
type EmbeddingProvider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Model() string

	// CostPer1KTokens returns the provider's unit price in USD per
	// thousand input tokens, used for job cost accounting.
	CostPer1KTokens() float64
}
