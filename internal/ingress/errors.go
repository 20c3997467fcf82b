// Package ingress implements the HTTP API (C5): the narrow surface the
// Student/Mentor actors and the operator CLI use to drive one Controller,
// plus a WebSocket observation channel. Grounded on the teacher's
// net/http-ServeMux-method-pattern server (backend/internal/server/
// server.go, handler.go, errors.go, compress.go), generalized from a
// multi-task REST CRUD API to a single-run control surface.
package ingress

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

type errorCode string

// Recognized API error codes, kept identical to the teacher's taxonomy.
const (
	codeBadRequest    errorCode = "BAD_REQUEST"
	codeNotFound      errorCode = "NOT_FOUND"
	codeConflict      errorCode = "CONFLICT"
	codeUnauthorized  errorCode = "UNAUTHORIZED"
	codeBusy          errorCode = "BUSY"
	codeInternalError errorCode = "INTERNAL_ERROR"
)

// errorWithStatus is implemented by apiError; writeError type-asserts
// against it to decide the HTTP status and response body.
type errorWithStatus interface {
	Error() string
	StatusCode() int
	Code() errorCode
	Details() map[string]any
}

// apiError is a concrete error carrying an HTTP status, error code, and
// optional details, mirroring the teacher's server.apiError.
type apiError struct {
	statusCode int
	code       errorCode
	message    string
	details    map[string]any
	wrappedErr error
}

func (e *apiError) Error() string {
	if e.wrappedErr != nil {
		return e.message + ": " + e.wrappedErr.Error()
	}
	return e.message
}

func (e *apiError) StatusCode() int          { return e.statusCode }
func (e *apiError) Code() errorCode          { return e.code }
func (e *apiError) Details() map[string]any  { return e.details }
func (e *apiError) Unwrap() error            { return e.wrappedErr }
func (e *apiError) Wrap(err error) *apiError { e.wrappedErr = err; return e }

func badRequest(msg string) *apiError {
	return &apiError{statusCode: http.StatusBadRequest, code: codeBadRequest, message: msg}
}

func notFound(resource string) *apiError {
	return &apiError{statusCode: http.StatusNotFound, code: codeNotFound, message: resource + " not found"}
}

func conflict(msg string) *apiError {
	return &apiError{statusCode: http.StatusConflict, code: codeConflict, message: msg}
}

func unauthorized(msg string) *apiError {
	return &apiError{statusCode: http.StatusUnauthorized, code: codeUnauthorized, message: msg}
}

// busy is returned when the ingress timeout (spec.md §4.5's 5s budget) is
// exceeded waiting for the Controller to accept a command.
func busy(msg string) *apiError {
	return &apiError{statusCode: http.StatusServiceUnavailable, code: codeBusy, message: msg}
}

func internalError(msg string) *apiError {
	return &apiError{statusCode: http.StatusInternalServerError, code: codeInternalError, message: msg}
}

type errorResponse struct {
	Error   errorBody      `json:"error"`
	Details map[string]any `json:"details,omitempty"`
}

type errorBody struct {
	Code    errorCode `json:"code"`
	Message string    `json:"message"`
}

// writeError writes a structured JSON error response.
func writeError(w http.ResponseWriter, err error) {
	statusCode := http.StatusInternalServerError
	code := codeInternalError
	var details map[string]any

	var ews errorWithStatus
	if errors.As(err, &ews) {
		statusCode = ews.StatusCode()
		code = ews.Code()
		details = ews.Details()
	}

	slog.Error("ingress handler error", "err", err, "statusCode", statusCode, "code", code)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	resp := errorResponse{Error: errorBody{Code: code, Message: err.Error()}, Details: details}
	if encErr := json.NewEncoder(w).Encode(resp); encErr != nil {
		slog.Warn("failed to encode error response", "err", encErr)
	}
}

// writeJSONResponse writes a JSON success or structured error response.
func writeJSONResponse[Out any](w http.ResponseWriter, output *Out, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if encErr := json.NewEncoder(w).Encode(output); encErr != nil {
		slog.Warn("failed to encode JSON response", "err", encErr)
	}
}
