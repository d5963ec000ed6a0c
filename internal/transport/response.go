// Package transport contains the HTTP router, middleware chain, and request
// handlers of the monitor: the JSON API, the sign-in routes and the
// server-rendered dashboard.
package transport

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rl0ve/uipath-process-app-training/internal/observability"
	"github.com/rl0ve/uipath-process-app-training/model"
)

var statusForCode = map[string]int{
	model.ErrBadRequest:         http.StatusBadRequest,
	model.ErrUnauthorized:       http.StatusUnauthorized,
	model.ErrForbidden:          http.StatusForbidden,
	model.ErrNotFound:           http.StatusNotFound,
	model.ErrConflict:           http.StatusConflict,
	model.ErrValidationError:    http.StatusUnprocessableEntity,
	model.ErrRateLimited:        http.StatusTooManyRequests,
	model.ErrInternalError:      http.StatusInternalServerError,
	model.ErrBackendUnavailable: http.StatusBadGateway,
	model.ErrBackendTimeout:     http.StatusGatewayTimeout,
	model.ErrInvalidInstance:    http.StatusUnprocessableEntity,
	model.ErrCancelNotAllowed:   http.StatusConflict,
}

// StatusFor returns the HTTP status of an error code. Unknown codes are 500.
func StatusFor(code string) int {
	if status, ok := statusForCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteJSON writes body as a JSON response. Responses are per session and
// never cached.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes err as {"error": {...}}. Errors that wrap no envelope
// become INTERNAL_ERROR so their text never leaks. The envelope is stamped
// with the request's trace id, and a vendor back-off hint becomes a
// Retry-After header.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	env, ok := model.AsEnvelope(err)
	if !ok {
		env = model.NewInternalError()
	}
	out := *env
	if out.TraceID == "" {
		out.TraceID = traceID(r)
	}
	if secs := int(out.RetryAfter.Seconds()); secs > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	WriteJSON(w, StatusFor(out.Code), struct {
		Error *model.ErrorEnvelope `json:"error"`
	}{&out})
}

// WriteNotFound writes a NOT_FOUND error.
func WriteNotFound(w http.ResponseWriter, r *http.Request, msg string) {
	WriteError(w, r, model.NewNotFoundError(msg))
}

func traceID(r *http.Request) string {
	if rctx := model.RequestContextFrom(r.Context()); rctx != nil && rctx.TraceID != "" {
		return rctx.TraceID
	}
	return observability.TraceIDFromContext(r.Context())
}
