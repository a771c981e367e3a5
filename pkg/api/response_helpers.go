package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/seamusabshere/fuzzy-infer/pkg/models"
	"github.com/seamusabshere/fuzzy-infer/pkg/registry"
)

// writeJSONResponse writes a JSON response with the given status code
func writeJSONResponse(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeErrorResponse writes an error response with the given status code and message
func writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	writeJSONResponse(w, statusCode, map[string]any{
		"error":  message,
		"status": "error",
	})
}

// writeSuccessResponse writes a success response with the given data
func writeSuccessResponse(w http.ResponseWriter, data any) {
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    data,
	})
}

// writeBadRequestResponse writes a 400 Bad Request response
func writeBadRequestResponse(w http.ResponseWriter, message string) {
	writeErrorResponse(w, http.StatusBadRequest, message)
}

// writeInternalServerErrorResponse writes a 500 Internal Server Error response
func writeInternalServerErrorResponse(w http.ResponseWriter, message string) {
	if message == "" {
		message = "Internal Server Error"
	}
	writeErrorResponse(w, http.StatusInternalServerError, message)
}

// statusForError maps inference errors to HTTP status codes
func statusForError(err error) int {
	switch {
	case errors.Is(err, models.ErrUnregisteredType):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrNoTargets):
		return http.StatusBadRequest
	case models.IsConfigurationError(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeInferenceError writes err with the status statusForError picks
func writeInferenceError(w http.ResponseWriter, err error) {
	writeErrorResponse(w, statusForError(err), err.Error())
}
