// Package response writes the JSON bodies shared by the submitter and worker
// endpoints.
package response

import (
	"encoding/json"
	"net/http"
)

// Code is the machine-readable error identifier clients branch on.
type Code string

const (
	CodeInvalidRequest  Code = "INVALID_REQUEST"
	CodeInvalidID       Code = "INVALID_ID"
	CodeValidation      Code = "VALIDATION_ERROR"
	CodeAlreadyPending  Code = "ALREADY_PENDING"
	CodeNotReady        Code = "NOT_READY"
	CodeInvalidToken    Code = "INVALID_TOKEN"
	CodePayloadTooLarge Code = "PAYLOAD_TOO_LARGE"
	CodeRateLimited     Code = "RATE_LIMIT_EXCEEDED"
	CodeUnavailable     Code = "UNAVAILABLE"
	CodeDegraded        Code = "DEGRADED"
	CodeNotImplemented  Code = "NOT_IMPLEMENTED"
	CodeInternal        Code = "INTERNAL_ERROR"
)

type envelope struct {
	Data any `json:"data"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// JSON writes a 200 with data wrapped in the submitter envelope.
func JSON(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Data: data})
}

// Accepted acknowledges a queued job.
func Accepted(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusAccepted, envelope{Data: data})
}

// Raw writes v without the data envelope. Worker protocol bodies use it.
func Raw(w http.ResponseWriter, status int, v any) {
	writeJSON(w, status, v)
}

// Ack answers a worker report with 201 and an empty object.
func Ack(w http.ResponseWriter) {
	writeJSON(w, http.StatusCreated, struct{}{})
}

func Error(w http.ResponseWriter, status int, code Code, message string, details any) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{
		Code:    code,
		Message: message,
		Details: details,
	}})
}

// Internal hides the cause of a failure from the client; callers log it.
func Internal(w http.ResponseWriter) {
	Error(w, http.StatusInternalServerError, CodeInternal, "An unexpected error occurred", nil)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
