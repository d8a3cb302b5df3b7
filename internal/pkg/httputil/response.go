package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/ignite/audience-engine/internal/pkg/logger"
)

// ErrorResponse is the standard error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}

// JSON writes a JSON response with the given status code. The data is
// serialized and Content-Type is set automatically.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("json encode failed", "error", err)
	}
}

// OK writes a 200 response with the given data.
func OK(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, data)
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, ErrorResponse{Error: message})
}

// Unavailable writes a 503 and logs the underlying error. The client only
// sees message.
func Unavailable(w http.ResponseWriter, message string, err error) {
	logger.Warn("dependency unavailable", "message", message, "error", err)
	Error(w, http.StatusServiceUnavailable, message)
}
