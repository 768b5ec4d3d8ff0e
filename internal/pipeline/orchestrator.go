package pipeline

import (
	"context"
	"fmt"
	"hash/fnv"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/rake/internal/interfaces"
	"github.com/ternarybob/rake/internal/models"
	"github.com/ternarybob/rake/internal/sources"
	"golang.org/x/sync/semaphore"
)

// Stage names as recorded in job history and telemetry.
const (
	StageFetch = "fetch"
	StageClean = "clean"
	StageChunk = "chunk"
	StageEmbed = "embed"
	StageStore = "store"
)

// Orchestrator drives jobs through the five pipeline stages, persisting
// every status transition and emitting telemetry along the way.
type Orchestrator struct {
	storage   interfaces.JobStorage
	registry  *sources.Registry
	cleaner   *Cleaner
	chunker   *Chunker
	embedder  *Embedder
	storer    *Storer
	telemetry interfaces.TelemetrySink
	logger    arbor.ILogger

	// jobSem caps concurrently running jobs.
	jobSem *semaphore.Weighted

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewOrchestrator wires the pipeline. maxConcurrentJobs <= 0 defaults
// to 4.
func NewOrchestrator(
	storage interfaces.JobStorage,
	registry *sources.Registry,
	cleaner *Cleaner,
	chunker *Chunker,
	embedder *Embedder,
	storer *Storer,
	telemetry interfaces.TelemetrySink,
	maxConcurrentJobs int,
	logger arbor.ILogger,
) *Orchestrator {
	if maxConcurrentJobs <= 0 {
		maxConcurrentJobs = 4
	}
	return &Orchestrator{
		storage:   storage,
		registry:  registry,
		cleaner:   cleaner,
		chunker:   chunker,
		embedder:  embedder,
		storer:    storer,
		telemetry: telemetry,
		logger:    logger,
		jobSem:    semaphore.NewWeighted(int64(maxConcurrentJobs)),
		running:   make(map[string]context.CancelFunc),
	}
}

// Submit validates the job's source parameters and launches it in the
// background. The job must already be persisted in pending state.
func (o *Orchestrator) Submit(job *models.Job) error {
	adapter, err := o.registry.Get(models.SourceType(job.Source))
	if err != nil {
		return err
	}
	if err := adapter.Validate(interfaces.SourceParams(job.SourceParams)); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.running[job.JobID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			delete(o.running, job.JobID)
			o.mu.Unlock()
			cancel()
		}()
		o.Run(ctx, job)
	}()

	return nil
}

// Cancel stops a job. Running jobs get their context cancelled; a
// pending job is transitioned directly. Terminal jobs reject the cancel.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	o.mu.Lock()
	cancel, isRunning := o.running[jobID]
	o.mu.Unlock()

	if isRunning {
		cancel()
		return nil
	}

	job, err := o.storage.GetByJobID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return models.ValidationError("job %s is already %s", jobID, job.Status)
	}

	job.MarkCancelled()
	return o.storage.Update(ctx, job)
}

// Wait blocks until all launched jobs have finished. Used on shutdown.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Run executes the full pipeline for one job synchronously. Failures
// and cancellations are persisted on the job record; the method never
// panics outward.
func (o *Orchestrator) Run(ctx context.Context, job *models.Job) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error().
				Str("job_id", job.JobID).
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", string(debug.Stack())).
				Msg("Pipeline panicked")
			o.finishFailed(job, "internal",
				models.NewPipelineError(models.ErrCodeInternal, fmt.Sprintf("pipeline panic: %v", r)))
		}
	}()

	if err := o.jobSem.Acquire(ctx, 1); err != nil {
		o.finishCancelled(job)
		return
	}
	defer o.jobSem.Release(1)

	logger := o.logger.WithCorrelationId(job.CorrelationID)
	logger.Info().
		Str("job_id", job.JobID).
		Str("source", job.Source).
		Str("tenant_id", job.TenantID).
		Msg("Starting pipeline run")

	job.MarkStarted()
	o.persistProgress(ctx, job)
	o.telemetry.Emit(ctx, &models.TelemetryEvent{
		EventType:     models.EventJobStarted,
		JobID:         job.JobID,
		CorrelationID: job.CorrelationID,
		TenantID:      job.TenantID,
		Source:        job.Source,
	})

	// Stage 1: fetch
	stageStart := time.Now()
	adapter, err := o.registry.Get(models.SourceType(job.Source))
	if err != nil {
		o.finishFailed(job, StageFetch, err)
		return
	}
	rawDocs, err := adapter.Fetch(ctx, interfaces.SourceParams(job.SourceParams))
	if err != nil {
		o.finish(ctx, job, StageFetch, err)
		return
	}
	for _, doc := range rawDocs {
		doc.TenantID = job.TenantID
	}
	ensureUniqueDocumentIDs(rawDocs)
	job.DocumentsStored = len(rawDocs)
	if !o.completeStage(ctx, job, StageFetch, 1, models.JobStatusCleaning, stageStart, 0, len(rawDocs)) {
		return
	}

	// Stage 2: clean
	stageStart = time.Now()
	cleanedDocs, err := o.cleaner.Clean(rawDocs)
	if err != nil {
		o.finish(ctx, job, StageClean, err)
		return
	}
	if !o.completeStage(ctx, job, StageClean, 2, models.JobStatusChunking, stageStart, len(rawDocs), len(cleanedDocs)) {
		return
	}

	// Stage 3: chunk
	stageStart = time.Now()
	chunks, err := o.chunker.Chunk(cleanedDocs)
	if err != nil {
		o.finish(ctx, job, StageChunk, err)
		return
	}
	job.ChunksCreated = len(chunks)
	if !o.completeStage(ctx, job, StageChunk, 3, models.JobStatusEmbedding, stageStart, len(cleanedDocs), len(chunks)) {
		return
	}

	// Stage 4: embed
	stageStart = time.Now()
	embeddings, err := o.embedder.Embed(ctx, chunks)
	if err != nil {
		o.finish(ctx, job, StageEmbed, err)
		return
	}
	job.EmbeddingsGenerated = len(embeddings)
	job.EstimatedCost = TotalCost(embeddings)
	if !o.completeStage(ctx, job, StageEmbed, 4, models.JobStatusStoring, stageStart, len(chunks), len(embeddings)) {
		return
	}

	// Stage 5: store
	stageStart = time.Now()
	stored, err := o.storer.Store(ctx, job.TenantID, cleanedDocs, chunks, embeddings)
	if err != nil {
		o.finish(ctx, job, StageStore, err)
		return
	}
	o.emitStageCompleted(ctx, job, StageStore, 5, stageStart, len(embeddings), len(stored))
	job.MarkStageCompleted(StageStore)

	job.MarkCompleted(len(stored), len(chunks), len(embeddings))
	if err := o.storage.Update(context.WithoutCancel(ctx), job); err != nil {
		logger.Error().Err(err).Str("job_id", job.JobID).Msg("Failed to persist completed job")
	}

	event := &models.TelemetryEvent{
		EventType:     models.EventJobCompleted,
		JobID:         job.JobID,
		CorrelationID: job.CorrelationID,
		TenantID:      job.TenantID,
		Source:        job.Source,
		Metadata: map[string]interface{}{
			"documents_stored":     job.DocumentsStored,
			"chunks_created":       job.ChunksCreated,
			"embeddings_generated": job.EmbeddingsGenerated,
			"estimated_cost":       job.EstimatedCost,
		},
	}
	if job.DurationMs != nil {
		event.DurationMs = *job.DurationMs
	}
	o.telemetry.Emit(context.WithoutCancel(ctx), event)

	logger.Info().
		Str("job_id", job.JobID).
		Int("documents", job.DocumentsStored).
		Int("chunks", job.ChunksCreated).
		Int("embeddings", job.EmbeddingsGenerated).
		Msg("Pipeline run completed")
}

// ensureUniqueDocumentIDs guarantees document IDs are unique within one
// fetch. Adapters are expected to return unique IDs; collisions and
// blanks get a deterministic hash of the URL and position instead.
func ensureUniqueDocumentIDs(docs []*models.RawDocument) {
	seen := make(map[string]struct{}, len(docs))
	for i, doc := range docs {
		if doc.ID == "" {
			doc.ID = hashedDocumentID(doc.URL, i)
		}
		if _, dup := seen[doc.ID]; dup {
			doc.ID = hashedDocumentID(doc.URL+"|"+doc.ID, i)
		}
		seen[doc.ID] = struct{}{}
	}
}

func hashedDocumentID(seed string, position int) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d", seed, position)
	return fmt.Sprintf("doc-%012x", h.Sum64()&0xffffffffffff)
}

// completeStage records a finished stage, advances the job status, and
// checks for cancellation before the next stage starts. Returns false
// when the run must stop.
func (o *Orchestrator) completeStage(ctx context.Context, job *models.Job, stage string, stageNumber int, next models.JobStatus, start time.Time, itemsIn, itemsOut int) bool {
	job.MarkStageCompleted(stage)
	o.emitStageCompleted(ctx, job, stage, stageNumber, start, itemsIn, itemsOut)

	if err := ctx.Err(); err != nil {
		o.finishCancelled(job)
		return false
	}

	job.Status = next
	o.persistProgress(ctx, job)
	return true
}

// persistProgress writes a mid-pipeline snapshot of the job. A write
// failure here never stops the run; only the terminal update must land.
func (o *Orchestrator) persistProgress(ctx context.Context, job *models.Job) {
	if err := o.storage.Update(ctx, job); err != nil {
		o.logger.Warn().
			Err(err).
			Str("job_id", job.JobID).
			Str("status", string(job.Status)).
			Msg("Failed to persist job progress, continuing")
	}
}

func (o *Orchestrator) emitStageCompleted(ctx context.Context, job *models.Job, stage string, stageNumber int, start time.Time, itemsIn, itemsOut int) {
	o.telemetry.Emit(context.WithoutCancel(ctx), &models.TelemetryEvent{
		EventType:     models.EventStageCompleted,
		JobID:         job.JobID,
		CorrelationID: job.CorrelationID,
		TenantID:      job.TenantID,
		Source:        job.Source,
		Stage:         stage,
		StageNumber:   stageNumber,
		DurationMs:    float64(time.Since(start).Microseconds()) / 1000.0,
		ItemsIn:       itemsIn,
		ItemsOut:      itemsOut,
	})

	o.logger.Info().
		Str("job_id", job.JobID).
		Str("stage", stage).
		Int("items_in", itemsIn).
		Int("items_out", itemsOut).
		Dur("duration", time.Since(start)).
		Msg("Stage completed")
}

// finish routes a stage error to the cancelled or failed terminal state.
func (o *Orchestrator) finish(ctx context.Context, job *models.Job, stage string, err error) {
	if models.CodeOf(err) == models.ErrCodeCancelled || ctx.Err() != nil {
		o.finishCancelled(job)
		return
	}
	o.finishFailed(job, stage, err)
}

func (o *Orchestrator) finishCancelled(job *models.Job) {
	job.MarkCancelled()
	if err := o.storage.Update(context.Background(), job); err != nil {
		o.logger.Error().Err(err).Str("job_id", job.JobID).Msg("Failed to persist cancelled job")
	}
	o.logger.Info().Str("job_id", job.JobID).Msg("Pipeline run cancelled")
}

func (o *Orchestrator) finishFailed(job *models.Job, stage string, cause error) {
	job.MarkFailed(cause.Error())
	if err := o.storage.Update(context.Background(), job); err != nil {
		o.logger.Error().Err(err).Str("job_id", job.JobID).Msg("Failed to persist failed job")
	}

	o.telemetry.Emit(context.Background(), &models.TelemetryEvent{
		EventType:     models.EventJobFailed,
		JobID:         job.JobID,
		CorrelationID: job.CorrelationID,
		TenantID:      job.TenantID,
		Source:        job.Source,
		Stage:         stage,
		ErrorCode:     string(models.CodeOf(cause)),
		ErrorMessage:  cause.Error(),
	})

	o.logger.Error().
		Err(cause).
		Str("job_id", job.JobID).
		Str("stage", stage).
		Str("error_code", string(models.CodeOf(cause))).
		Msg("Pipeline run failed")
}
