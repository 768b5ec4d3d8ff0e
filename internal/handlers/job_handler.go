package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/rake/internal/common"
	"github.com/ternarybob/rake/internal/interfaces"
	"github.com/ternarybob/rake/internal/models"
)

// PipelineService is what the job handler needs from the orchestrator.
type PipelineService interface {
	Submit(job *models.Job) error
	Cancel(ctx context.Context, jobID string) error
}

// JobHandler serves the job management API.
type JobHandler struct {
	pipeline   PipelineService
	jobStorage interfaces.JobStorage
	validate   *validator.Validate
	logger     arbor.ILogger
}

func NewJobHandler(pipeline PipelineService, jobStorage interfaces.JobStorage, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		pipeline:   pipeline,
		jobStorage: jobStorage,
		validate:   validator.New(),
		logger:     logger,
	}
}

// submitJobRequest is the POST /api/jobs payload.
type submitJobRequest struct {
	Source   string                 `json:"source" validate:"required,oneof=file_upload sec_edgar url_scrape api_fetch database_query"`
	TenantID string                 `json:"tenant_id" validate:"required,min=1,max=128"`
	Params   map[string]interface{} `json:"params"`
}

// SubmitJobHandler creates and launches a job.
// POST /api/jobs
func (h *JobHandler) SubmitJobHandler(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, models.ValidationError("invalid JSON body: %v", err))
		return
	}

	if err := h.validate.Struct(&req); err != nil {
		writeError(w, models.ValidationError("invalid job request: %v", err))
		return
	}

	correlationID := r.Header.Get("X-Correlation-ID")
	if correlationID == "" {
		correlationID = common.NewCorrelationID()
	}

	job := models.NewJob(common.NewJobID(), correlationID, req.Source, req.TenantID, req.Params)
	if err := h.jobStorage.Create(r.Context(), job); err != nil {
		h.logger.Error().Err(err).Str("source", req.Source).Msg("Failed to persist job")
		writeError(w, err)
		return
	}

	if err := h.pipeline.Submit(job); err != nil {
		// Parameter validation failed; the record keeps the reason.
		job.MarkFailed(err.Error())
		if updateErr := h.jobStorage.Update(r.Context(), job); updateErr != nil {
			h.logger.Error().Err(updateErr).Str("job_id", job.JobID).Msg("Failed to persist rejected job")
		}
		writeError(w, err)
		return
	}

	h.logger.Info().
		Str("job_id", job.JobID).
		Str("source", job.Source).
		Str("tenant_id", job.TenantID).
		Str("correlation_id", job.CorrelationID).
		Msg("Job accepted")

	writeJSON(w, http.StatusAccepted, job)
}

// ListJobsHandler returns a filtered page of jobs.
// GET /api/jobs?tenant_id=acme&status=completed&source=sec_edgar&created_after=2026-01-01T00:00:00Z&limit=50&offset=0
func (h *JobHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	filter := models.JobFilter{
		TenantID: query.Get("tenant_id"),
		Status:   models.JobStatus(query.Get("status")),
		Source:   query.Get("source"),
		OrderBy:  query.Get("order_by"),
		OrderDir: strings.ToUpper(query.Get("order_dir")),
	}
	if limit := query.Get("limit"); limit != "" {
		if parsed, err := strconv.Atoi(limit); err == nil {
			filter.Limit = parsed
		}
	}
	if offset := query.Get("offset"); offset != "" {
		if parsed, err := strconv.Atoi(offset); err == nil {
			filter.Offset = parsed
		}
	}
	if after := query.Get("created_after"); after != "" {
		parsed, err := time.Parse(time.RFC3339, after)
		if err != nil {
			writeError(w, models.ValidationError("created_after must be RFC 3339, got %q", after))
			return
		}
		filter.CreatedAfter = parsed
	}
	if before := query.Get("created_before"); before != "" {
		parsed, err := time.Parse(time.RFC3339, before)
		if err != nil {
			writeError(w, models.ValidationError("created_before must be RFC 3339, got %q", before))
			return
		}
		filter.CreatedBefore = parsed
	}

	jobs, total, err := h.jobStorage.List(r.Context(), filter)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list jobs")
		writeError(w, err)
		return
	}

	filter.Normalize()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":   jobs,
		"count":  len(jobs),
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

// GetJobHandler returns one job.
// GET /api/jobs/{id}
func (h *JobHandler) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	jobID := jobIDFromPath(r.URL.Path)
	if jobID == "" {
		writeError(w, models.ValidationError("job ID is required"))
		return
	}

	job, err := h.jobStorage.GetByJobID(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, job)
}

// CancelJobHandler cancels a pending or running job.
// POST /api/jobs/{id}/cancel
func (h *JobHandler) CancelJobHandler(w http.ResponseWriter, r *http.Request) {
	jobID := jobIDFromPath(strings.TrimSuffix(r.URL.Path, "/cancel"))
	if jobID == "" {
		writeError(w, models.ValidationError("job ID is required"))
		return
	}

	if err := h.pipeline.Cancel(r.Context(), jobID); err != nil {
		writeError(w, err)
		return
	}

	h.logger.Info().Str("job_id", jobID).Msg("Job cancellation requested")
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": jobID,
		"status": "cancelling",
	})
}

// GetJobStatsHandler returns job counts per status.
// GET /api/jobs/stats?tenant_id=acme
func (h *JobHandler) GetJobStatsHandler(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")

	counts, err := h.jobStorage.CountByStatus(r.Context(), tenantID)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to count jobs")
		writeError(w, err)
		return
	}

	total := 0
	for _, count := range counts {
		total += count
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"by_status": counts,
		"total":     total,
		"tenant_id": tenantID,
	})
}

// jobIDFromPath extracts {id} from /api/jobs/{id}[...].
func jobIDFromPath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}
