package embeddings

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/rake/internal/interfaces"
	"github.com/ternarybob/rake/internal/models"
)

// OpenAIProvider generates embeddings through the OpenAI API. Calls run
// behind a circuit breaker so a dead upstream fails fast instead of
// holding worker slots through full retry cycles.
type OpenAIProvider struct {
	client    *openai.Client
	model     string
	costPer1K float64
	breaker   *gobreaker.CircuitBreaker
	logger    arbor.ILogger
}

// Compile-time interface assertion
var _ interfaces.EmbeddingProvider = (*OpenAIProvider)(nil)

// modelCosts holds published USD prices per 1K input tokens. Models not
// listed fall back to the small-embedding price unless configured.
var modelCosts = map[string]float64{
	string(openai.SmallEmbedding3):  0.00002,
	string(openai.LargeEmbedding3):  0.00013,
	string(openai.AdaEmbeddingV2):   0.00010,
}

// NewOpenAIProvider creates a provider for the given model. A positive
// costPer1K overrides the built-in price table.
func NewOpenAIProvider(apiKey, model string, costPer1K float64, logger arbor.ILogger) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, models.ValidationError("OpenAI API key is required")
	}
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	if costPer1K <= 0 {
		if cost, ok := modelCosts[model]; ok {
			costPer1K = cost
		} else {
			costPer1K = modelCosts[string(openai.SmallEmbedding3)]
		}
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "openai-embeddings",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})

	return &OpenAIProvider{
		client:    openai.NewClient(apiKey),
		model:     model,
		costPer1K: costPer1K,
		breaker:   breaker,
		logger:    logger,
	}, nil
}

// Embed returns one vector per input text, in input order.
func (p *OpenAIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	result, err := p.breaker.Execute(func() (interface{}, error) {
		resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: texts,
			Model: openai.EmbeddingModel(p.model),
		})
		if err != nil {
			return nil, err
		}
		return resp, nil
	})
	if err != nil {
		return nil, classifyOpenAIError(err)
	}

	resp := result.(openai.EmbeddingResponse)
	if len(resp.Data) != len(texts) {
		return nil, models.NewPipelineError(models.ErrCodeInternal,
			"embedding count does not match input count")
	}

	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, models.NewPipelineError(models.ErrCodeInternal,
				"embedding response index out of range")
		}
		vectors[d.Index] = d.Embedding
	}

	return vectors, nil
}

// Model returns the embedding model name.
func (p *OpenAIProvider) Model() string {
	return p.model
}

// CostPer1KTokens returns the USD unit price used for cost accounting.
func (p *OpenAIProvider) CostPer1KTokens() float64 {
	return p.costPer1K
}

// classifyOpenAIError maps API failures onto the pipeline error
// taxonomy so the retry executor can decide what to do.
func classifyOpenAIError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return models.WrapPipelineError(models.ErrCodeTransient, "embedding provider circuit open", err)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429:
			return models.WrapPipelineError(models.ErrCodeRateLimited, "embedding provider rate limited", err)
		case apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403:
			return models.WrapPipelineError(models.ErrCodeForbidden, "embedding provider rejected credentials", err)
		case apiErr.HTTPStatusCode >= 500:
			return models.WrapPipelineError(models.ErrCodeTransient, "embedding provider unavailable", err)
		case apiErr.HTTPStatusCode >= 400:
			return models.WrapPipelineError(models.ErrCodeValidation, "embedding request rejected", err)
		}
	}

	if errors.Is(err, context.Canceled) {
		return models.WrapPipelineError(models.ErrCodeCancelled, "embedding cancelled", err)
	}
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "timeout") {
		return models.WrapPipelineError(models.ErrCodeTransient, "embedding request timed out", err)
	}

	return models.WrapPipelineError(models.ErrCodeTransient, "embedding request failed", err)
}
