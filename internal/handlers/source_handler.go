package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/rake/internal/models"
	"github.com/ternarybob/rake/internal/sources"
)

// SourceHandler serves source adapter discovery and health endpoints.
type SourceHandler struct {
	registry *sources.Registry
	logger   arbor.ILogger
}

func NewSourceHandler(registry *sources.Registry, logger arbor.ILogger) *SourceHandler {
	return &SourceHandler{
		registry: registry,
		logger:   logger,
	}
}

// ListSourcesHandler lists the registered source types.
// GET /api/sources
func (h *SourceHandler) ListSourcesHandler(w http.ResponseWriter, r *http.Request) {
	type sourceInfo struct {
		Type             models.SourceType `json:"type"`
		SupportedFormats []string          `json:"supported_formats"`
	}

	var list []sourceInfo
	for _, sourceType := range h.registry.Types() {
		adapter, err := h.registry.Get(sourceType)
		if err != nil {
			continue
		}
		list = append(list, sourceInfo{
			Type:             sourceType,
			SupportedFormats: adapter.SupportedFormats(),
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sources": list,
		"count":   len(list),
	})
}

// SourceHealthHandler probes one adapter's upstream.
// GET /api/sources/{type}/health
func (h *SourceHandler) SourceHealthHandler(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 4 {
		writeError(w, models.ValidationError("source type is required"))
		return
	}
	sourceType := models.SourceType(parts[2])

	adapter, err := h.registry.Get(sourceType)
	if err != nil {
		writeError(w, models.NewPipelineError(models.ErrCodeNotFound,
			fmt.Sprintf("unknown source type %q", sourceType)))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	if err := adapter.HealthCheck(ctx); err != nil {
		h.logger.Warn().Err(err).Str("source", string(sourceType)).Msg("Source health check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"source": sourceType,
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"source": sourceType,
		"status": "healthy",
	})
}
