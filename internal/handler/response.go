// Package handler is the HTTP layer: it decodes requests, calls a service and
// encodes the outcome as JSON. Business rules live in the service package.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/sakif/code-runner/internal/apperror"
)

// maxBodyBytes bounds request bodies. It sits above service.MaxCodeLength so
// oversized code gets the service's validation message.
const maxBodyBytes = 1 << 20

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`           // machine-readable, e.g. "execution_timeout"
	Message string `json:"message"`         // human-readable
	Field   string `json:"field,omitempty"` // set for validation errors
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// errorMapping pairs a sentinel with its status code and error name.
// The first match wins.
var errorMapping = []struct {
	sentinel error
	status   int
	name     string
}{
	{apperror.ErrValidation, http.StatusBadRequest, "validation_error"},
	{apperror.ErrUnsupportedLanguage, http.StatusBadRequest, "unsupported_language"},
	{apperror.ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
	{apperror.ErrForbidden, http.StatusForbidden, "forbidden"},
	{apperror.ErrNotFound, http.StatusNotFound, "not_found"},
	{apperror.ErrConflict, http.StatusConflict, "conflict"},
	{apperror.ErrExecutionError, http.StatusUnprocessableEntity, "execution_error"},
	{apperror.ErrExecutionTimeout, http.StatusGatewayTimeout, "execution_timeout"},
	{apperror.ErrRequestTimeout, http.StatusGatewayTimeout, "request_timeout"},
	{apperror.ErrChannelFault, http.StatusServiceUnavailable, "channel_fault"},
	{apperror.ErrChannelTerminated, http.StatusServiceUnavailable, "channel_terminated"},
	{apperror.ErrChannelCreationFailed, http.StatusServiceUnavailable, "channel_creation_failed"},
}

// writeError translates an error into a status code and ErrorResponse.
//
// Only *apperror.AppError messages reach the client. Anything else is an
// internal failure whose details stay in the logs.
func writeError(w http.ResponseWriter, err error) {
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) {
		slog.Error("unhandled error", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "An internal error occurred",
		})
		return
	}

	status, name := http.StatusInternalServerError, "internal_error"
	for _, m := range errorMapping {
		if errors.Is(err, m.sentinel) {
			status, name = m.status, m.name
			break
		}
	}

	writeJSON(w, status, ErrorResponse{
		Error:   name,
		Message: appErr.Message,
		Field:   appErr.Field,
	})
}

// decodeJSON reads a single JSON object from the request body into dst.
// Unknown fields are rejected so typos like "timeout" don't pass silently.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return apperror.ValidationFailed("body", fmt.Sprintf("request body must be %d bytes or less", maxErr.Limit))
		case errors.Is(err, io.EOF):
			return apperror.ValidationFailed("body", "request body is required")
		default:
			return apperror.ValidationFailed("body", "invalid JSON body: "+err.Error())
		}
	}
	if dec.More() {
		return apperror.ValidationFailed("body", "request body must contain a single JSON object")
	}
	return nil
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperror.ValidationFailed(name, name+" must be an integer")
	}
	return n, nil
}

// pagination reads the limit and offset query parameters.
func pagination(r *http.Request) (limit, offset int, err error) {
	if limit, err = queryInt(r, "limit"); err != nil {
		return 0, 0, err
	}
	if offset, err = queryInt(r, "offset"); err != nil {
		return 0, 0, err
	}
	return limit, offset, nil
}
