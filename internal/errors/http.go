// Package errors maps domain errors onto the JSON error envelope returned
// by the HTTP API.
package errors

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/quillaudio/scriptorium/internal/server/middleware"
	"github.com/quillaudio/scriptorium/pkg/corpusstore"
)

// Error codes returned in the envelope. Clients branch on these, not on
// message text.
const (
	CodeNotFound          = "NOT_FOUND"
	CodeMethodNotAllowed  = "METHOD_NOT_ALLOWED"
	CodeInvalidRequest    = "INVALID_REQUEST"
	CodeLockConflict      = "LOCK_CONFLICT"
	CodeNotHolder         = "NOT_HOLDER"
	CodeInvalidSpan       = "INVALID_SPAN"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeUnverified        = "UNVERIFIED_UTTERANCES"
	CodeInternal          = "INTERNAL_ERROR"
)

// HTTPErrorResponse is the JSON envelope for every non-2xx API response.
type HTTPErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody carries the machine-readable code, a human-readable message,
// and optional context fields.
type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Holder    string `json:"holder,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Respond writes an error envelope with an explicit status and code.
func Respond(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeEnvelope(w, r, status, ErrorBody{Code: code, Message: message})
}

// RespondWithError translates a domain error into the appropriate status
// and envelope. Unrecognized errors become 500 without leaking internals.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	body := ErrorBody{Code: CodeInternal, Message: "internal error"}
	status := http.StatusInternalServerError

	var conflict *corpusstore.LockConflictError
	var transition *corpusstore.TransitionError

	switch {
	case corpusstore.IsNotFound(err):
		status = http.StatusNotFound
		body = ErrorBody{Code: CodeNotFound, Message: err.Error()}
	case errors.As(err, &conflict):
		status = http.StatusConflict
		body = ErrorBody{Code: CodeLockConflict, Message: err.Error(), Holder: conflict.Holder}
	case corpusstore.IsNotHolder(err):
		status = http.StatusForbidden
		body = ErrorBody{Code: CodeNotHolder, Message: err.Error()}
	case corpusstore.IsInvalidSpan(err):
		status = http.StatusUnprocessableEntity
		body = ErrorBody{Code: CodeInvalidSpan, Message: err.Error()}
	case errors.Is(err, corpusstore.ErrUnverifiedUtterances):
		status = http.StatusConflict
		body = ErrorBody{Code: CodeUnverified, Message: err.Error()}
	case errors.As(err, &transition):
		status = http.StatusConflict
		body = ErrorBody{Code: CodeInvalidTransition, Message: err.Error()}
	}

	writeEnvelope(w, r, status, body)
}

// NotFoundHandler is the router's fallback for unknown paths.
func NotFoundHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		Respond(w, r, http.StatusNotFound, CodeNotFound, "resource not found")
	}
}

// MethodNotAllowedHandler is the router's fallback for known paths hit
// with the wrong method.
func MethodNotAllowedHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		Respond(w, r, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method not allowed")
	}
}

func writeEnvelope(w http.ResponseWriter, r *http.Request, status int, body ErrorBody) {
	if body.RequestID == "" {
		body.RequestID = middleware.GetRequestID(r.Context())
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{Error: body})
}
