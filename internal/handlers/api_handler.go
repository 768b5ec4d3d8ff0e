package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/rake/internal/common"
	"github.com/ternarybob/rake/internal/interfaces"
	"github.com/ternarybob/rake/internal/models"
)

// APIHandler serves the system endpoints.
type APIHandler struct {
	jobStorage  interfaces.JobStorage
	vectorStore interfaces.VectorStore
	logger      arbor.ILogger
}

func NewAPIHandler(jobStorage interfaces.JobStorage, vectorStore interfaces.VectorStore, logger arbor.ILogger) *APIHandler {
	return &APIHandler{
		jobStorage:  jobStorage,
		vectorStore: vectorStore,
		logger:      logger,
	}
}

// HealthHandler reports service and dependency health.
// GET /api/health
func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	components := map[string]string{
		"job_store":    "healthy",
		"vector_store": "healthy",
	}
	healthy := true

	if _, err := h.jobStorage.CountByStatus(ctx, ""); err != nil {
		components["job_store"] = err.Error()
		healthy = false
	}
	if h.vectorStore != nil {
		if err := h.vectorStore.HealthCheck(ctx); err != nil {
			components["vector_store"] = err.Error()
			healthy = false
		}
	}

	status := http.StatusOK
	overall := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}

	writeJSON(w, status, map[string]interface{}{
		"status":     overall,
		"components": components,
		"timestamp":  time.Now().UTC(),
	})
}

// VersionHandler returns build metadata.
// GET /api/version
func (h *APIHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service":    "rake",
		"version":    common.Version,
		"git_commit": common.GitCommit,
		"build_time": common.BuildTime,
	})
}

// NotFoundHandler covers unmatched API routes.
func (h *APIHandler) NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	writeError(w, models.NewPipelineError(models.ErrCodeNotFound, "endpoint not found"))
}
