// Package httpserver contains HTTP handlers and middleware.
//
// It exposes the routing API (completion submission, stats) and keeps a
// clear separation between HTTP concerns and routing logic.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pillarhq/ai-router/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, _ *http.Request, err error, details interface{}) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrNoCapacity):
		code = http.StatusServiceUnavailable
		codeStr = "NO_CAPACITY"
	case errors.Is(err, domain.ErrRateLimited):
		code = http.StatusTooManyRequests
		codeStr = "RATE_LIMITED"
	case errors.Is(err, domain.ErrTimeout):
		code = http.StatusGatewayTimeout
		codeStr = "TIMEOUT"
	case errors.Is(err, domain.ErrExhaustedRetries):
		code = http.StatusBadGateway
		codeStr = "EXHAUSTED_RETRIES"
	case errors.Is(err, domain.ErrProvider):
		code = http.StatusBadGateway
		codeStr = "PROVIDER_ERROR"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error(), Details: details}})
}
