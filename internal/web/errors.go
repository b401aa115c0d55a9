package web

// errors.go turns handler errors into JSON responses.
//
// The technical error is logged with the request id; the client receives
// the mapped user message and its stable code from core.MapError.

import (
	"context"
	"net/http"

	"github.com/cockroachdb/errors"

	"github.com/JonMunkholm/csvw/internal/core"
	"github.com/JonMunkholm/csvw/internal/fetch"
	"github.com/JonMunkholm/csvw/internal/logging"
)

// errBadRequest marks malformed request bodies.
var errBadRequest = errors.New("bad request")

// ErrorResponse is the body of every API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
}

// respondError logs err and writes its mapped user message.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := core.MapError(err)

	logging.FromContext(r.Context()).Error("request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err.Error(),
		"code", msg.Code,
	)

	resp := ErrorResponse{Error: msg.Message, Message: msg.Message, Action: msg.Action, Code: msg.Code}
	// client errors carry the full detail
	if status == http.StatusUnprocessableEntity || status == http.StatusBadRequest {
		resp.Error = err.Error()
	}
	writeJSON(w, r, status, resp)
}

func statusFor(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, core.ErrTooManyRequests):
		return http.StatusTooManyRequests
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, errBadRequest), errors.Is(err, fetch.ErrUnsupported):
		return http.StatusBadRequest
	case errors.Is(err, fetch.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrMetadata), errors.Is(err, core.ErrDialect),
		errors.Is(err, core.ErrEncoding), errors.Is(err, core.ErrDatatype),
		errors.Is(err, core.ErrKeyViolation):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}
