package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hiplawrussia-stack/FolliCore/internal/backend"
	"github.com/hiplawrussia-stack/FolliCore/internal/preprocess"
	"github.com/hiplawrussia-stack/FolliCore/internal/registry"
	"github.com/hiplawrussia-stack/FolliCore/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// mapError folds domain errors into an HTTP status and a client-safe message.
// Internal failures are reported as "internal_error" without detail so the
// wire never leaks runtime internals.
func mapError(err error) (int, string) {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge, "request body too large"
	case preprocess.IsDecodeError(err):
		return http.StatusBadRequest, "invalid or unsupported image"
	case registry.IsModelNotFound(err):
		return http.StatusNotFound, err.Error()
	case registry.IsLoadInProgress(err):
		return http.StatusConflict, err.Error()
	case registry.IsDraining(err), registry.IsNotReady(err), backend.IsNotLoaded(err):
		return http.StatusServiceUnavailable, err.Error()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return statusClientClosedRequest, "request canceled"
	default:
		var he HTTPError
		if errors.As(err, &he) {
			return he.StatusCode(), he.Error()
		}
		return http.StatusInternalServerError, "internal_error"
	}
}

// 499 is the de-facto standard for client-abandoned requests.
const statusClientClosedRequest = 499

// writeJSONError writes the consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{
		Error:     msg,
		Code:      status,
		RequestID: requestID(r),
	})
}

// writeError maps err and writes it in one step.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := mapError(err)
	writeJSONError(w, r, status, msg)
}

// writeJSON writes a 200 JSON payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
