// Package errors provides the standardized HTTP error envelope used by every
// endpoint of the control API.
package errors

import (
	"encoding/json"
	"net/http"
)

// Stable machine-readable error codes.
const (
	CodeNotFound         = "NOT_FOUND"
	CodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	CodeValidation       = "VALIDATION_ERROR"
	CodeConflict         = "CONFLICT"
	CodeInternal         = "INTERNAL_ERROR"
)

// HTTPErrorResponse is the JSON envelope for every error response.
type HTTPErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the error body.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Write emits the envelope with the given status. The request id is pulled
// from the X-Request-ID header populated by the request-id middleware.
func Write(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := HTTPErrorResponse{Error: ErrorDetail{
		Code:    code,
		Message: message,
	}}
	if r != nil {
		resp.Error.RequestID = r.Header.Get("X-Request-ID")
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// NotFound writes a 404 envelope.
func NotFound(w http.ResponseWriter, r *http.Request, message string) {
	Write(w, r, http.StatusNotFound, CodeNotFound, message)
}

// MethodNotAllowed writes a 405 envelope.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	Write(w, r, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method not allowed")
}

// Validation writes a 400 envelope.
func Validation(w http.ResponseWriter, r *http.Request, message string) {
	Write(w, r, http.StatusBadRequest, CodeValidation, message)
}

// Conflict writes a 409 envelope.
func Conflict(w http.ResponseWriter, r *http.Request, message string) {
	Write(w, r, http.StatusConflict, CodeConflict, message)
}

// Internal writes a 500 envelope.
func Internal(w http.ResponseWriter, r *http.Request, message string) {
	Write(w, r, http.StatusInternalServerError, CodeInternal, message)
}
