package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/rake/internal/interfaces"
	"github.com/ternarybob/rake/internal/models"
)

// ChromaStore persists embeddings into ChromaDB over its v2 HTTP API.
// Each tenant gets its own collection so reads and deletes stay scoped.
type ChromaStore struct {
	baseURL    string
	rootURL    string
	httpClient *http.Client
	logger     arbor.ILogger

	// collection name -> chroma collection id. Guarded by mu because one
	// store instance serves concurrent jobs.
	mu            sync.Mutex
	collectionIDs map[string]string
}

// Compile-time interface assertion
var _ interfaces.VectorStore = (*ChromaStore)(nil)

// Config holds ChromaDB connection settings.
type Config struct {
	Host     string
	Port     int
	Tenant   string
	Database string
	Timeout  time.Duration
}

// chromaCollection mirrors the collection resource returned by Chroma.
type chromaCollection struct {
	ID       string                 `json:"id"`
	Name     string                 `json:"name"`
	Metadata map[string]interface{} `json:"metadata"`
}

// NewChromaStore creates a store against the v2 API.
func NewChromaStore(config Config, logger arbor.ILogger) *ChromaStore {
	if config.Tenant == "" {
		config.Tenant = "default_tenant"
	}
	if config.Database == "" {
		config.Database = "default_database"
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	rootURL := fmt.Sprintf("http://%s:%d", config.Host, config.Port)
	baseURL := fmt.Sprintf("%s/api/v2/tenants/%s/databases/%s",
		rootURL, config.Tenant, config.Database)

	return &ChromaStore{
		baseURL:       baseURL,
		rootURL:       rootURL,
		httpClient:    &http.Client{Timeout: config.Timeout},
		logger:        logger,
		collectionIDs: make(map[string]string),
	}
}

var collectionNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// CollectionName maps a tenant to its collection. Chroma collection
// names are restricted, so tenant IDs are sanitized.
func CollectionName(tenantID string) string {
	if tenantID == "" {
		tenantID = "default"
	}
	safe := collectionNameSanitizer.ReplaceAllString(tenantID, "_")
	return "docs_" + strings.ToLower(safe)
}

// HealthCheck verifies the Chroma server responds to heartbeats.
func (s *ChromaStore) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.rootURL+"/api/v2/heartbeat", nil)
	if err != nil {
		return fmt.Errorf("failed to create heartbeat request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return models.WrapPipelineError(models.ErrCodeTransient, "chroma heartbeat failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.NewPipelineError(models.ErrCodeTransient,
			fmt.Sprintf("chroma heartbeat returned status %d", resp.StatusCode))
	}
	return nil
}

// Upsert writes embeddings and their chunk texts into the tenant's
// collection. Re-running a job overwrites the same chunk IDs, which
// keeps the operation idempotent.
func (s *ChromaStore) Upsert(ctx context.Context, tenantID string, embeddings []*models.Embedding, chunks []*models.Chunk) error {
	if len(embeddings) == 0 {
		return nil
	}
	if len(chunks) != len(embeddings) {
		return models.NewPipelineError(models.ErrCodeInternal,
			"chunk and embedding counts differ")
	}

	collectionID, err := s.getOrCreateCollection(ctx, CollectionName(tenantID))
	if err != nil {
		return err
	}

	ids := make([]string, len(embeddings))
	documents := make([]string, len(embeddings))
	vectors := make([][]float32, len(embeddings))
	metadatas := make([]map[string]interface{}, len(embeddings))

	for i, emb := range embeddings {
		ids[i] = emb.ChunkID
		documents[i] = chunks[i].Content
		vectors[i] = emb.Vector

		// Source metadata travels with the chunk; the reserved keys
		// below always win.
		metadata := make(map[string]interface{}, len(chunks[i].Metadata)+5)
		for k, v := range chunks[i].Metadata {
			metadata[k] = v
		}
		for k, v := range emb.Metadata {
			metadata[k] = v
		}
		metadata["document_id"] = chunks[i].DocumentID
		metadata["position"] = chunks[i].Position
		metadata["token_count"] = chunks[i].TokenCount
		metadata["model"] = emb.Model
		metadata["tenant_id"] = tenantID
		metadatas[i] = metadata
	}

	payload := map[string]interface{}{
		"ids":        ids,
		"documents":  documents,
		"embeddings": vectors,
		"metadatas":  metadatas,
	}

	url := fmt.Sprintf("%s/collections/%s/upsert", s.baseURL, collectionID)
	if err := s.post(ctx, url, payload); err != nil {
		return err
	}

	s.logger.Debug().
		Str("tenant_id", tenantID).
		Int("embeddings", len(embeddings)).
		Msg("Upserted embeddings into vector store")

	return nil
}

// Count returns the number of records in the tenant's collection.
func (s *ChromaStore) Count(ctx context.Context, tenantID string) (int, error) {
	collectionID, err := s.getOrCreateCollection(ctx, CollectionName(tenantID))
	if err != nil {
		return 0, err
	}

	url := fmt.Sprintf("%s/collections/%s/count", s.baseURL, collectionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, models.WrapPipelineError(models.ErrCodeTransient, "chroma count failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return 0, models.NewPipelineError(models.ErrCodeTransient,
			fmt.Sprintf("count failed (status %d): %s", resp.StatusCode, string(body)))
	}

	var count int
	if err := json.NewDecoder(resp.Body).Decode(&count); err != nil {
		return 0, fmt.Errorf("failed to decode count response: %w", err)
	}
	return count, nil
}

// getOrCreateCollection resolves a collection name to its ID, creating
// the collection on first use. IDs are cached per store instance.
func (s *ChromaStore) getOrCreateCollection(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	id, ok := s.collectionIDs[name]
	s.mu.Unlock()
	if ok {
		return id, nil
	}

	// Try fetch first; most jobs hit existing collections.
	url := fmt.Sprintf("%s/collections/%s", s.baseURL, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", models.WrapPipelineError(models.ErrCodeTransient, "chroma get collection failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		var collection chromaCollection
		if err := json.NewDecoder(resp.Body).Decode(&collection); err != nil {
			return "", fmt.Errorf("failed to decode collection: %w", err)
		}
		s.cacheCollectionID(name, collection.ID)
		return collection.ID, nil
	}

	if resp.StatusCode != http.StatusNotFound {
		body, _ := io.ReadAll(resp.Body)
		return "", models.NewPipelineError(models.ErrCodeTransient,
			fmt.Sprintf("get collection failed (status %d): %s", resp.StatusCode, string(body)))
	}

	created, err := s.createCollection(ctx, name)
	if err != nil {
		return "", err
	}
	s.cacheCollectionID(name, created.ID)
	return created.ID, nil
}

func (s *ChromaStore) cacheCollectionID(name, id string) {
	s.mu.Lock()
	s.collectionIDs[name] = id
	s.mu.Unlock()
}

func (s *ChromaStore) createCollection(ctx context.Context, name string) (*chromaCollection, error) {
	payload := map[string]interface{}{
		"name": name,
		"metadata": map[string]interface{}{
			"hnsw:space": "cosine",
		},
		"get_or_create": true,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/collections", s.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, models.WrapPipelineError(models.ErrCodeTransient, "chroma create collection failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return nil, models.NewPipelineError(models.ErrCodeTransient,
			fmt.Sprintf("create collection failed (status %d): %s", resp.StatusCode, string(body)))
	}

	var collection chromaCollection
	if err := json.NewDecoder(resp.Body).Decode(&collection); err != nil {
		return nil, fmt.Errorf("failed to decode collection: %w", err)
	}
	return &collection, nil
}

func (s *ChromaStore) post(ctx context.Context, url string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return models.WrapPipelineError(models.ErrCodeTransient, "chroma request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		code := models.ErrCodeTransient
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != 429 {
			code = models.ErrCodeInternal
		}
		return models.NewPipelineError(code,
			fmt.Sprintf("chroma request failed (status %d): %s", resp.StatusCode, string(body)))
	}

	return nil
}
