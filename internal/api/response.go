// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/vigil/internal/engine"
	"github.com/tomtom215/vigil/internal/logging"
	"github.com/tomtom215/vigil/internal/validation"
)

// maxBodyBytes bounds request bodies. A telemetry batch is the largest.
const maxBodyBytes = 4 << 20

// Error codes.
const (
	CodeValidation     = "VALIDATION_ERROR"
	CodeNotFound       = "NOT_FOUND"
	CodeConflict       = "CONFLICT"
	CodeGone           = "GONE"
	CodeInvalidState   = "INVALID_STATE"
	CodeInternal       = "INTERNAL_ERROR"
	CodeNotReady       = "NOT_READY"
	CodeRateLimited    = "RATE_LIMIT_EXCEEDED"
	CodeRequestTooBig  = "REQUEST_TOO_LARGE"
	CodeMalformedInput = "MALFORMED_JSON"
)

// APIResponse is the envelope for every JSON response.
type APIResponse struct {
	Status   string      `json:"status"`
	Data     interface{} `json:"data"`
	Metadata Metadata    `json:"metadata"`
	Error    *APIError   `json:"error,omitempty"`
}

// Metadata accompanies every response.
type Metadata struct {
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	// Degraded lists collaborators that failed while serving the request.
	Degraded []string `json:"degraded,omitempty"`
}

// APIError describes a failed request.
type APIError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func respondJSON(w http.ResponseWriter, r *http.Request, status int, resp *APIResponse) {
	resp.Metadata.Timestamp = time.Now().UTC()
	resp.Metadata.CorrelationID = logging.CorrelationIDFromContext(r.Context())

	data, err := json.Marshal(resp)
	if err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Msg("Failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Msg("Failed to write JSON response")
	}
}

func respondOK(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	respondJSON(w, r, status, &APIResponse{Status: "success", Data: data})
}

func respondError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]interface{}) {
	if status >= http.StatusInternalServerError {
		logging.Ctx(r.Context()).Error().Str("code", code).Str("path", r.URL.Path).Msg(message)
	}
	respondJSON(w, r, status, &APIResponse{
		Status: "error",
		Error:  &APIError{Code: code, Message: message, Details: details},
	})
}

// respondEngineError maps engine sentinel errors to HTTP statuses.
func respondEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, engine.ErrSessionNotFound), errors.Is(err, engine.ErrAnomalyNotFound):
		respondError(w, r, http.StatusNotFound, CodeNotFound, err.Error(), nil)
	case errors.Is(err, engine.ErrSessionExists):
		respondError(w, r, http.StatusConflict, CodeConflict, err.Error(), nil)
	case errors.Is(err, engine.ErrSessionTerminated):
		respondError(w, r, http.StatusGone, CodeGone, err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidState):
		respondError(w, r, http.StatusConflict, CodeInvalidState, err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidArgument):
		respondError(w, r, http.StatusBadRequest, CodeValidation, err.Error(), nil)
	default:
		logging.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("engine operation failed")
		respondError(w, r, http.StatusInternalServerError, CodeInternal, "internal error", nil)
	}
}

// respondEvaluation writes ev. A degraded error still carries a valid
// evaluation, so it is reported in metadata rather than as a failure.
func respondEvaluation(w http.ResponseWriter, r *http.Request, status int, ev *engine.Evaluation, err error) {
	if err != nil && !errors.Is(err, engine.ErrServiceDegraded) {
		respondEngineError(w, r, err)
		return
	}
	resp := &APIResponse{Status: "success", Data: ev}
	if ev != nil {
		resp.Metadata.Degraded = ev.Degraded
	}
	respondJSON(w, r, status, resp)
}

// decodeBody reads a JSON body into v and validates it. It writes the error
// response and returns false on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			respondError(w, r, http.StatusRequestEntityTooLarge, CodeRequestTooBig,
				fmt.Sprintf("request body exceeds %d bytes", tooBig.Limit), nil)
			return false
		}
		respondError(w, r, http.StatusBadRequest, CodeMalformedInput, "failed to read request body", nil)
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		respondError(w, r, http.StatusBadRequest, CodeMalformedInput, "request body is not valid JSON", nil)
		return false
	}
	if verr := validation.ValidateStruct(v); verr != nil {
		details := make(map[string]interface{}, len(verr.Fields()))
		for _, fe := range verr.Fields() {
			details[strings.ToLower(fe.Field())] = fe.Error()
		}
		respondError(w, r, http.StatusBadRequest, CodeValidation, verr.First().Error(), details)
		return false
	}
	return true
}
