package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/ternarybob/rake/internal/models"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// errorResponse is the wire format for API errors.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusForCode maps the pipeline error taxonomy onto HTTP statuses.
func statusForCode(code models.ErrorCode) int {
	switch code {
	case models.ErrCodeValidation:
		return http.StatusBadRequest
	case models.ErrCodeNotFound:
		return http.StatusNotFound
	case models.ErrCodeForbidden:
		return http.StatusForbidden
	case models.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case models.ErrCodeSizeExceeded:
		return http.StatusRequestEntityTooLarge
	case models.ErrCodeCancelled:
		return http.StatusConflict
	case models.ErrCodeTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes a classified error response.
func writeError(w http.ResponseWriter, err error) {
	code := models.CodeOf(err)
	writeJSON(w, statusForCode(code), errorResponse{
		Error: err.Error(),
		Code:  string(code),
	})
}
