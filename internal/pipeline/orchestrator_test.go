package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/rake/internal/common"
	"github.com/ternarybob/rake/internal/interfaces"
	"github.com/ternarybob/rake/internal/models"
	"github.com/ternarybob/rake/internal/sources"
)

// memoryJobStorage is an in-memory JobStorage for orchestrator tests.
// It enforces the same status state machine as the real backends and
// records every update so tests can inspect mid-run snapshots.
type memoryJobStorage struct {
	mu      sync.Mutex
	jobs    map[string]*models.Job
	history []models.Job

	// progressErr, when set, fails every non-terminal update.
	progressErr error
}

func newMemoryJobStorage() *memoryJobStorage {
	return &memoryJobStorage{jobs: make(map[string]*models.Job)}
}

func (s *memoryJobStorage) Create(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.JobID]; exists {
		return models.ValidationError("job %s already exists", job.JobID)
	}
	copied := *job
	s.jobs[job.JobID] = &copied
	return nil
}

func (s *memoryJobStorage) GetByJobID(ctx context.Context, jobID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, models.NewPipelineError(models.ErrCodeNotFound, "job not found")
	}
	copied := *job
	return &copied, nil
}

func (s *memoryJobStorage) Update(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.jobs[job.JobID]
	if !ok {
		return models.NewPipelineError(models.ErrCodeNotFound, "job not found")
	}
	if !current.Status.CanAdvanceTo(job.Status) {
		return models.ValidationError("illegal transition %s -> %s", current.Status, job.Status)
	}
	if s.progressErr != nil && !job.Status.IsTerminal() {
		return s.progressErr
	}
	copied := *job
	s.jobs[job.JobID] = &copied
	s.history = append(s.history, copied)
	return nil
}

// seed overwrites a stored record without state-machine checks.
func (s *memoryJobStorage) seed(job *models.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *job
	s.jobs[job.JobID] = &copied
}

func (s *memoryJobStorage) snapshots() []models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Job, len(s.history))
	copy(out, s.history)
	return out
}

func (s *memoryJobStorage) List(ctx context.Context, filter models.JobFilter) ([]*models.Job, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Job
	for _, job := range s.jobs {
		copied := *job
		out = append(out, &copied)
	}
	return out, len(out), nil
}

func (s *memoryJobStorage) CountByStatus(ctx context.Context, tenantID string) (map[models.JobStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[models.JobStatus]int)
	for _, job := range s.jobs {
		if tenantID == "" || job.TenantID == tenantID {
			counts[job.Status]++
		}
	}
	return counts, nil
}

func (s *memoryJobStorage) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	return 0, nil
}

// captureSink records emitted telemetry events.
type captureSink struct {
	mu     sync.Mutex
	events []*models.TelemetryEvent
}

func (c *captureSink) Emit(ctx context.Context, event *models.TelemetryEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureSink) Close() error { return nil }

func (c *captureSink) eventTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	types := make([]string, len(c.events))
	for i, e := range c.events {
		types[i] = e.EventType
	}
	return types
}

// stubAdapter emits canned documents, optionally failing or blocking.
type stubAdapter struct {
	docs     []*models.RawDocument
	fetchErr error
	delay    time.Duration
}

func (a *stubAdapter) Type() models.SourceType                      { return models.SourceFileUpload }
func (a *stubAdapter) Validate(params interfaces.SourceParams) error { return nil }
func (a *stubAdapter) HealthCheck(ctx context.Context) error         { return nil }
func (a *stubAdapter) SupportedFormats() []string                    { return []string{".txt"} }

func (a *stubAdapter) Fetch(ctx context.Context, params interfaces.SourceParams) ([]*models.RawDocument, error) {
	if a.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, models.WrapPipelineError(models.ErrCodeCancelled, "fetch cancelled", ctx.Err())
		case <-time.After(a.delay):
		}
	}
	if a.fetchErr != nil {
		return nil, a.fetchErr
	}
	return a.docs, nil
}

// fakeVectorStore records upserts in memory.
type fakeVectorStore struct {
	mu       sync.Mutex
	upserted map[string][]*models.Embedding
	err      error
}

func newFakeVectorStore() *fakeVectorStore {
	return &fakeVectorStore{upserted: make(map[string][]*models.Embedding)}
}

func (f *fakeVectorStore) Upsert(ctx context.Context, tenantID string, embeddings []*models.Embedding, chunks []*models.Chunk) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserted[tenantID] = append(f.upserted[tenantID], embeddings...)
	return nil
}

func (f *fakeVectorStore) Count(ctx context.Context, tenantID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.upserted[tenantID]), nil
}

func (f *fakeVectorStore) HealthCheck(ctx context.Context) error { return nil }

type orchestratorFixture struct {
	orchestrator *Orchestrator
	storage      *memoryJobStorage
	sink         *captureSink
	vectors      *fakeVectorStore
	adapter      *stubAdapter
}

func newOrchestratorFixture(t *testing.T, adapter *stubAdapter) *orchestratorFixture {
	config := DefaultChunkerConfig()
	config.MinChunkTokens = 5
	return newOrchestratorFixtureConfig(t, adapter, config)
}

func newOrchestratorFixtureConfig(t *testing.T, adapter *stubAdapter, config ChunkerConfig) *orchestratorFixture {
	t.Helper()
	logger := common.GetLogger()
	tokenizer := newTestTokenizer(t)

	chunker, err := NewChunker(tokenizer, config, logger)
	require.NoError(t, err)

	registry := sources.NewRegistry()
	registry.Register(adapter)

	storage := newMemoryJobStorage()
	sink := &captureSink{}
	vectors := newFakeVectorStore()

	orchestrator := NewOrchestrator(
		storage,
		registry,
		NewCleaner(10, logger),
		chunker,
		NewEmbedder(&fakeProvider{}, fastRetryPolicy(), 100, 2, logger),
		NewStorer(vectors, logger),
		sink,
		2,
		logger,
	)

	return &orchestratorFixture{
		orchestrator: orchestrator,
		storage:      storage,
		sink:         sink,
		vectors:      vectors,
		adapter:      adapter,
	}
}

func newPendingJob(t *testing.T, storage *memoryJobStorage) *models.Job {
	t.Helper()
	job := models.NewJob(common.NewJobID(), common.NewCorrelationID(), string(models.SourceFileUpload), "acme", nil)
	require.NoError(t, storage.Create(context.Background(), job))
	return job
}

func TestOrchestratorRunHappyPath(t *testing.T) {
	adapter := &stubAdapter{docs: []*models.RawDocument{
		{
			ID:          "doc-1",
			Source:      models.SourceFileUpload,
			ContentType: "text/plain",
			Content:     "a document with enough content to survive cleaning and produce a chunk",
		},
	}}
	fixture := newOrchestratorFixture(t, adapter)
	job := newPendingJob(t, fixture.storage)

	fixture.orchestrator.Run(context.Background(), job)

	stored, err := fixture.storage.GetByJobID(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, stored.Status)
	assert.Equal(t, 1, stored.DocumentsStored)
	assert.Equal(t, 1, stored.ChunksCreated)
	assert.Equal(t, 1, stored.EmbeddingsGenerated)
	assert.NotNil(t, stored.DurationMs)
	assert.Equal(t, []string{"fetch", "clean", "chunk", "embed", "store"}, stored.StagesCompleted)

	// Raw documents inherit the job's tenant.
	count, _ := fixture.vectors.Count(context.Background(), "acme")
	assert.Equal(t, 1, count)

	types := fixture.sink.eventTypes()
	assert.Equal(t, "job_started", types[0])
	assert.Equal(t, "job_completed", types[len(types)-1])
	assert.Equal(t, 7, len(types)) // started + 5 stages + completed
}

func TestOrchestratorRunFetchFailure(t *testing.T) {
	adapter := &stubAdapter{fetchErr: models.NewPipelineError(models.ErrCodeNotFound, "upstream gone")}
	fixture := newOrchestratorFixture(t, adapter)
	job := newPendingJob(t, fixture.storage)

	fixture.orchestrator.Run(context.Background(), job)

	stored, err := fixture.storage.GetByJobID(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "upstream gone")

	types := fixture.sink.eventTypes()
	assert.Contains(t, types, "job_failed")
	assert.NotContains(t, types, "job_completed")
}

func TestOrchestratorRunCleanFailure(t *testing.T) {
	adapter := &stubAdapter{docs: []*models.RawDocument{
		{ID: "doc-1", ContentType: "text/plain", Content: "tiny"},
	}}
	fixture := newOrchestratorFixture(t, adapter)
	job := newPendingJob(t, fixture.storage)

	fixture.orchestrator.Run(context.Background(), job)

	stored, _ := fixture.storage.GetByJobID(context.Background(), job.JobID)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Contains(t, stored.StagesCompleted, "fetch")
	assert.NotContains(t, stored.StagesCompleted, "clean")
}

func TestOrchestratorSwallowsProgressUpdateFailures(t *testing.T) {
	adapter := &stubAdapter{docs: []*models.RawDocument{
		{
			ID:          "doc-1",
			Source:      models.SourceFileUpload,
			ContentType: "text/plain",
			Content:     "a document with enough content to survive cleaning and produce a chunk",
		},
	}}
	fixture := newOrchestratorFixture(t, adapter)
	job := newPendingJob(t, fixture.storage)
	fixture.storage.progressErr = models.TransientError("storage blip", nil)

	fixture.orchestrator.Run(context.Background(), job)

	// Every mid-pipeline snapshot failed, yet the run finished and the
	// terminal update landed.
	stored, err := fixture.storage.GetByJobID(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, stored.Status)
	assert.Equal(t, 1, stored.DocumentsStored)
	assert.Equal(t, 1, stored.EmbeddingsGenerated)
}

func TestOrchestratorPersistsCountersPerStage(t *testing.T) {
	adapter := &stubAdapter{docs: []*models.RawDocument{
		{
			ID:          "doc-1",
			Source:      models.SourceFileUpload,
			ContentType: "text/plain",
			Content:     "a document with enough content to survive cleaning and produce a chunk",
		},
	}}
	fixture := newOrchestratorFixture(t, adapter)
	job := newPendingJob(t, fixture.storage)

	fixture.orchestrator.Run(context.Background(), job)

	// The snapshot written when entering each later stage already holds
	// the counters of the stages before it.
	byStatus := make(map[models.JobStatus]models.Job)
	for _, snapshot := range fixture.storage.snapshots() {
		byStatus[snapshot.Status] = snapshot
	}

	cleaning, ok := byStatus[models.JobStatusCleaning]
	require.True(t, ok)
	assert.Equal(t, 1, cleaning.DocumentsStored)

	embedding, ok := byStatus[models.JobStatusEmbedding]
	require.True(t, ok)
	assert.Equal(t, 1, embedding.ChunksCreated)

	storing, ok := byStatus[models.JobStatusStoring]
	require.True(t, ok)
	assert.Equal(t, 1, storing.EmbeddingsGenerated)
	assert.Greater(t, storing.EstimatedCost, 0.0)
}

func TestOrchestratorTinyDocumentCompletesWithZeroChunks(t *testing.T) {
	adapter := &stubAdapter{docs: []*models.RawDocument{
		{
			ID:          "doc-1",
			Source:      models.SourceFileUpload,
			ContentType: "text/plain",
			Content:     "Hello world, this is a test file.",
		},
	}}
	fixture := newOrchestratorFixtureConfig(t, adapter, DefaultChunkerConfig())
	job := newPendingJob(t, fixture.storage)

	fixture.orchestrator.Run(context.Background(), job)

	stored, err := fixture.storage.GetByJobID(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, stored.Status)
	assert.Equal(t, 1, stored.DocumentsStored)
	assert.Equal(t, 0, stored.ChunksCreated)
	assert.Equal(t, 0, stored.EmbeddingsGenerated)
	assert.Equal(t, 0.0, stored.EstimatedCost)
	assert.Equal(t, []string{"fetch", "clean", "chunk", "embed", "store"}, stored.StagesCompleted)
}

func TestOrchestratorCancelRunningJob(t *testing.T) {
	adapter := &stubAdapter{
		delay: 5 * time.Second,
		docs:  []*models.RawDocument{{ID: "doc-1", ContentType: "text/plain", Content: "never reached"}},
	}
	fixture := newOrchestratorFixture(t, adapter)
	job := newPendingJob(t, fixture.storage)

	require.NoError(t, fixture.orchestrator.Submit(job))

	// Give the goroutine time to enter the fetch stage.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, fixture.orchestrator.Cancel(context.Background(), job.JobID))
	fixture.orchestrator.Wait()

	stored, err := fixture.storage.GetByJobID(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, stored.Status)
}

func TestOrchestratorCancelPendingJob(t *testing.T) {
	fixture := newOrchestratorFixture(t, &stubAdapter{})
	job := newPendingJob(t, fixture.storage)

	require.NoError(t, fixture.orchestrator.Cancel(context.Background(), job.JobID))

	stored, _ := fixture.storage.GetByJobID(context.Background(), job.JobID)
	assert.Equal(t, models.JobStatusCancelled, stored.Status)
}

func TestOrchestratorCancelTerminalJobRejected(t *testing.T) {
	fixture := newOrchestratorFixture(t, &stubAdapter{})
	job := newPendingJob(t, fixture.storage)

	job.MarkCompleted(1, 1, 1)
	fixture.storage.seed(job)

	err := fixture.orchestrator.Cancel(context.Background(), job.JobID)
	require.Error(t, err)
	assert.Equal(t, models.ErrCodeValidation, models.CodeOf(err))
}

func TestOrchestratorCancelUnknownJob(t *testing.T) {
	fixture := newOrchestratorFixture(t, &stubAdapter{})

	err := fixture.orchestrator.Cancel(context.Background(), "job-missing")
	require.Error(t, err)
	assert.Equal(t, models.ErrCodeNotFound, models.CodeOf(err))
}

func TestOrchestratorSubmitUnknownSource(t *testing.T) {
	fixture := newOrchestratorFixture(t, &stubAdapter{})
	job := models.NewJob(common.NewJobID(), common.NewCorrelationID(), "teleporter", "acme", nil)

	err := fixture.orchestrator.Submit(job)
	require.Error(t, err)
	assert.Equal(t, models.ErrCodeValidation, models.CodeOf(err))
}

func TestStorerSummaries(t *testing.T) {
	vectors := newFakeVectorStore()
	storer := NewStorer(vectors, common.GetLogger())

	docs := []*models.CleanedDocument{
		cleanedDoc("doc-1", "first"),
		cleanedDoc("doc-2", "second"),
	}
	chunks := []*models.Chunk{
		{ID: "chunk-a", DocumentID: "doc-1", TenantID: "acme"},
		{ID: "chunk-b", DocumentID: "doc-1", TenantID: "acme"},
		{ID: "chunk-c", DocumentID: "doc-2", TenantID: "acme"},
	}
	embeddings := []*models.Embedding{
		{ID: "chunk-a", ChunkID: "chunk-a"},
		{ID: "chunk-b", ChunkID: "chunk-b"},
		{ID: "chunk-c", ChunkID: "chunk-c"},
	}

	stored, err := storer.Store(context.Background(), "acme", docs, chunks, embeddings)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, 2, stored[0].ChunkCount)
	assert.Equal(t, 1, stored[1].ChunkCount)
	assert.Equal(t, "acme", stored[0].TenantID)
}

func TestStorerCountMismatch(t *testing.T) {
	storer := NewStorer(newFakeVectorStore(), common.GetLogger())

	_, err := storer.Store(context.Background(), "acme",
		nil,
		[]*models.Chunk{{ID: "chunk-a"}},
		nil)
	require.Error(t, err)
	assert.Equal(t, models.ErrCodeInternal, models.CodeOf(err))
}

func TestEnsureUniqueDocumentIDs(t *testing.T) {
	docs := []*models.RawDocument{
		{ID: "doc-1", URL: "https://example.com/a"},
		{ID: "doc-1", URL: "https://example.com/b"},
		{ID: "", URL: "https://example.com/c"},
	}

	ensureUniqueDocumentIDs(docs)

	seen := map[string]bool{}
	for _, doc := range docs {
		assert.NotEmpty(t, doc.ID)
		assert.False(t, seen[doc.ID], "duplicate id %s", doc.ID)
		seen[doc.ID] = true
	}
	assert.Equal(t, "doc-1", docs[0].ID)

	// Fallback IDs are deterministic across runs.
	again := []*models.RawDocument{
		{ID: "doc-1", URL: "https://example.com/a"},
		{ID: "doc-1", URL: "https://example.com/b"},
	}
	ensureUniqueDocumentIDs(again)
	assert.Equal(t, docs[1].ID, again[1].ID)
}
