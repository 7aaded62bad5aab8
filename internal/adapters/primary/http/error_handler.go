package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	mw "github.com/bombworks/eventgrid/internal/adapters/primary/http/middleware"
	apperrors "github.com/bombworks/eventgrid/internal/core/errors"
)

// GetRequestID retrieves the request ID from context
func GetRequestID(ctx context.Context) string {
	return mw.GetRequestID(ctx)
}

// ErrorResponse is the standard JSON error response format
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ErrorHandler provides centralized error handling with logging
type ErrorHandler struct {
	logger *slog.Logger
}

// NewErrorHandler creates a new error handler with the given logger
func NewErrorHandler(logger *slog.Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// Handle processes an error and writes the appropriate HTTP response
func (h *ErrorHandler) Handle(w http.ResponseWriter, r *http.Request, err error) {
	requestID := GetRequestID(r.Context())

	statusCode := statusForError(err)
	response := ErrorResponse{
		Error: err.Error(),
		Code:  "INTERNAL_ERROR",
	}

	var busErr *apperrors.BusError
	if errors.As(err, &busErr) {
		response.Error = busErr.Message
		response.Code = busErr.Code
		response.Details = busErr.Details
	}

	h.logError(r, statusCode, err, requestID)
	h.writeErrorResponse(w, statusCode, response)
}

// statusForError maps bus errors to HTTP status codes
func statusForError(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrInvalidEvent),
		errors.Is(err, apperrors.ErrInvalidSubscription):
		return http.StatusBadRequest
	case errors.Is(err, apperrors.ErrEventTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, apperrors.ErrNotAuthenticated),
		errors.Is(err, apperrors.ErrInvalidToken),
		errors.Is(err, apperrors.ErrAuthTimeout):
		return http.StatusUnauthorized
	case errors.Is(err, apperrors.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, apperrors.ErrCapacityExceeded),
		errors.Is(err, apperrors.ErrNotRunning),
		errors.Is(err, apperrors.ErrPersistenceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, apperrors.ErrUnknownConnection):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// logError logs the error with appropriate context
func (h *ErrorHandler) logError(r *http.Request, statusCode int, err error, requestID string) {
	logAttrs := []any{
		"request_id", requestID,
		"method", r.Method,
		"path", r.URL.Path,
		"status_code", statusCode,
		"error", err.Error(),
	}

	switch {
	case statusCode >= 500:
		h.logger.Error("server error", logAttrs...)
	case statusCode >= 400:
		h.logger.Warn("client error", logAttrs...)
	default:
		h.logger.Info("request error", logAttrs...)
	}
}

func (h *ErrorHandler) writeErrorResponse(w http.ResponseWriter, statusCode int, response ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

// HandleError handles errors inline in handlers.
// Usage: if HandleError(w, r, err, h.errorHandler) { return }
func HandleError(w http.ResponseWriter, r *http.Request, err error, handler *ErrorHandler) bool {
	if err != nil {
		handler.Handle(w, r, err)
		return true
	}
	return false
}
