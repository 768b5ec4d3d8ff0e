package pipeline

import (
	"context"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/rake/internal/interfaces"
	"github.com/ternarybob/rake/internal/models"
	"github.com/ternarybob/rake/internal/services/retry"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Embedder turns chunks into vectors through an embedding provider.
// Chunks are batched and batches run concurrently; a failed batch fails
// the whole stage after retries so partial results never reach storage.
type Embedder struct {
	provider    interfaces.EmbeddingProvider
	retryPolicy *retry.Policy
	batchSize   int
	maxWorkers  int64
	logger      arbor.ILogger
}

// NewEmbedder creates the embedder. Non-positive batchSize and
// maxWorkers fall back to 100 and 4.
func NewEmbedder(provider interfaces.EmbeddingProvider, retryPolicy *retry.Policy, batchSize, maxWorkers int, logger arbor.ILogger) *Embedder {
	if batchSize <= 0 {
		batchSize = 100
	}
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	return &Embedder{
		provider:    provider,
		retryPolicy: retryPolicy,
		batchSize:   batchSize,
		maxWorkers:  int64(maxWorkers),
		logger:      logger,
	}
}

// Embed produces one embedding per chunk, in chunk order. An empty
// input passes through: a job whose documents produced no chunks still
// completes.
func (e *Embedder) Embed(ctx context.Context, chunks []*models.Chunk) ([]*models.Embedding, error) {
	if len(chunks) == 0 {
		return []*models.Embedding{}, nil
	}

	embeddings := make([]*models.Embedding, len(chunks))
	sem := semaphore.NewWeighted(e.maxWorkers)
	group, groupCtx := errgroup.WithContext(ctx)

	for start := 0; start < len(chunks); start += e.batchSize {
		end := start + e.batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]
		offset := start

		group.Go(func() error {
			if err := sem.Acquire(groupCtx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			return e.embedBatch(groupCtx, batch, embeddings[offset:offset+len(batch)])
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	e.logger.Info().
		Int("chunks", len(chunks)).
		Str("model", e.provider.Model()).
		Msg("Embedded chunks")

	return embeddings, nil
}

// embedBatch calls the provider with retries and writes results into
// the caller's slice window.
func (e *Embedder) embedBatch(ctx context.Context, batch []*models.Chunk, out []*models.Embedding) error {
	texts := make([]string, len(batch))
	for i, chunk := range batch {
		texts[i] = chunk.Content
	}

	var vectors [][]float32
	err := e.retryPolicy.DoSimple(ctx, e.logger, "embed batch", func() error {
		var embedErr error
		vectors, embedErr = e.provider.Embed(ctx, texts)
		return embedErr
	})
	if err != nil {
		return err
	}

	if len(vectors) != len(batch) {
		return models.NewPipelineError(models.ErrCodeInternal,
			"embedding provider returned mismatched vector count").WithStage("embed")
	}

	unitCost := e.provider.CostPer1KTokens()
	for i, chunk := range batch {
		out[i] = &models.Embedding{
			ID:            chunk.ID,
			ChunkID:       chunk.ID,
			Vector:        vectors[i],
			Model:         e.provider.Model(),
			TokenCount:    chunk.TokenCount,
			EstimatedCost: float64(chunk.TokenCount) / 1000.0 * unitCost,
			TenantID:      chunk.TenantID,
		}
	}
	return nil
}

// TotalCost sums the estimated spend across a job's embeddings.
func TotalCost(embeddings []*models.Embedding) float64 {
	var total float64
	for _, emb := range embeddings {
		total += emb.EstimatedCost
	}
	return total
}
