package models

import "time"

// SourceType identifies where a document was fetched from.
type SourceType string

const (
	SourceFileUpload    SourceType = "file_upload"
	SourceSECEdgar      SourceType = "sec_edgar"
	SourceURLScrape     SourceType = "url_scrape"
	SourceAPIFetch      SourceType = "api_fetch"
	SourceDatabaseQuery SourceType = "database_query"
)

// ValidSourceTypes lists every registered adapter type.
func ValidSourceTypes() []SourceType {
	return []SourceType{
		SourceFileUpload,
		SourceSECEdgar,
		SourceURLScrape,
		SourceAPIFetch,
		SourceDatabaseQuery,
	}
}

// RawDocument is the output of the fetch stage: unprocessed content
// plus whatever metadata the source adapter could provide.
type RawDocument struct {
	ID          string                 `json:"id"`
	Source      SourceType             `json:"source"`
	URL         string                 `json:"url,omitempty"`
	ContentType string                 `json:"content_type"`
	Content     string                 `json:"content"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	TenantID    string                 `json:"tenant_id,omitempty"`
	FetchedAt   time.Time              `json:"fetched_at"`
}

// CleanedDocument is the output of the clean stage.
type CleanedDocument struct {
	ID        string                 `json:"id"`
	Source    SourceType             `json:"source"`
	URL       string                 `json:"url,omitempty"`
	Content   string                 `json:"content"`
	WordCount int                    `json:"word_count"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	TenantID  string                 `json:"tenant_id,omitempty"`
}

// Chunk is a token-bounded slice of a cleaned document.
type Chunk struct {
	ID         string                 `json:"id"`
	DocumentID string                 `json:"document_id"`
	Content    string                 `json:"content"`
	Position   int                    `json:"position"`
	TokenCount int                    `json:"token_count"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	TenantID   string                 `json:"tenant_id,omitempty"`
}

// Embedding pairs a chunk with its vector representation.
type Embedding struct {
	ID            string                 `json:"id"`
	ChunkID       string                 `json:"chunk_id"`
	Vector        []float32              `json:"vector"`
	Model         string                 `json:"model"`
	TokenCount    int                    `json:"token_count"`
	EstimatedCost float64                `json:"estimated_cost"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	TenantID      string                 `json:"tenant_id,omitempty"`
}

// StoredDocument summarizes what the store stage persisted for one
// source document.
type StoredDocument struct {
	ID             string     `json:"id"`
	Source         SourceType `json:"source"`
	URL            string     `json:"url,omitempty"`
	ChunkCount     int        `json:"chunk_count"`
	EmbeddingCount int        `json:"embedding_count"`
	TenantID       string     `json:"tenant_id,omitempty"`
}
