package pipeline

import (
	"context"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/rake/internal/interfaces"
	"github.com/ternarybob/rake/internal/models"
)

// Storer persists embeddings into the tenant's vector collection and
// summarizes what was written per source document.
type Storer struct {
	vectorStore interfaces.VectorStore
	logger      arbor.ILogger
}

func NewStorer(vectorStore interfaces.VectorStore, logger arbor.ILogger) *Storer {
	return &Storer{
		vectorStore: vectorStore,
		logger:      logger,
	}
}

// Store upserts all embeddings. The upsert is idempotent by chunk ID,
// so re-running a job overwrites rather than duplicates.
func (s *Storer) Store(ctx context.Context, tenantID string, docs []*models.CleanedDocument, chunks []*models.Chunk, embeddings []*models.Embedding) ([]*models.StoredDocument, error) {
	if len(chunks) != len(embeddings) {
		return nil, models.NewPipelineError(models.ErrCodeInternal,
			"chunk and embedding counts diverged").WithStage("store")
	}

	if err := s.vectorStore.Upsert(ctx, tenantID, embeddings, chunks); err != nil {
		return nil, err
	}

	// Summaries keyed by source document, in document order.
	counts := make(map[string]int, len(docs))
	for _, chunk := range chunks {
		counts[chunk.DocumentID]++
	}

	stored := make([]*models.StoredDocument, 0, len(docs))
	for _, doc := range docs {
		stored = append(stored, &models.StoredDocument{
			ID:             doc.ID,
			Source:         doc.Source,
			URL:            doc.URL,
			ChunkCount:     counts[doc.ID],
			EmbeddingCount: counts[doc.ID],
			TenantID:       tenantID,
		})
	}

	s.logger.Info().
		Str("tenant_id", tenantID).
		Int("documents", len(stored)).
		Int("embeddings", len(embeddings)).
		Msg("Stored embeddings")

	return stored, nil
}
