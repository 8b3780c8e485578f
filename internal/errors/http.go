// Package errors provides the HTTP error envelope shared by the coordinator
// routes and middleware.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// Standard error codes.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeInternal           = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// ErrorBody is the payload of an error response.
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// HTTPErrorResponse is the JSON envelope written for failed requests.
type HTTPErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// HTTPError is an error that knows its HTTP status and error code.
type HTTPError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
	Err     error
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *HTTPError) Unwrap() error {
	return e.Err
}

// NewHTTPError creates an HTTPError.
func NewHTTPError(status int, code, message string, err error) *HTTPError {
	return &HTTPError{Status: status, Code: code, Message: message, Err: err}
}

// WithDetails attaches details to the error and returns it.
func (e *HTTPError) WithDetails(details map[string]any) *HTTPError {
	e.Details = details
	return e
}

// RespondWithError writes err as an error envelope. Errors that are not an
// *HTTPError become a 500 INTERNAL_ERROR.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	var he *HTTPError
	if !stderrors.As(err, &he) {
		he = NewHTTPError(http.StatusInternalServerError, CodeInternal, "internal server error", err)
	}
	WriteError(w, r, he.Status, ErrorBody{
		Code:    he.Code,
		Message: he.Message,
		Details: he.Details,
	})
}

// WriteError writes body with status, filling in the request id when r
// carries one.
func WriteError(w http.ResponseWriter, r *http.Request, status int, body ErrorBody) {
	if body.RequestID == "" && r != nil {
		body.RequestID = chimw.GetReqID(r.Context())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{Error: body})
}

// NotFoundHandler answers unknown routes with a NOT_FOUND envelope.
func NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	WriteError(w, r, http.StatusNotFound, ErrorBody{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("route %s not found", r.URL.Path),
	})
}

// MethodNotAllowedHandler answers known routes hit with the wrong method.
func MethodNotAllowedHandler(w http.ResponseWriter, r *http.Request) {
	WriteError(w, r, http.StatusMethodNotAllowed, ErrorBody{
		Code:    CodeMethodNotAllowed,
		Message: fmt.Sprintf("method %s not allowed on %s", r.Method, r.URL.Path),
	})
}
