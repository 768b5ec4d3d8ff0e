package interfaces

import (
	"context"

	"github.com/ternarybob/rake/internal/models"
)

// VectorStore persists embeddings into a tenant-scoped collection.
// Upserts are idempotent by chunk ID.
type VectorStore interface {
	Upsert(ctx context.Context, tenantID string, embeddings []*models.Embedding, chunks []*models.Chunk) error
	Count(ctx context.Context, tenantID string) (int, error)
	HealthCheck(ctx context.Context) error
}
