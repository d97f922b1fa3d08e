package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"
)

var errNoResolvedTenant = errors.New("public API route reached without a resolved tenant")

// Stable error codes surfaced in JSON bodies. Clients match on these, never
// on messages.
const (
	CodeMissingTenant   = "MISSING_TENANT"
	CodeTenantNotFound  = "TENANT_NOT_FOUND"
	CodeTenantSuspended = "TENANT_SUSPENDED"
	CodeTenantConflict  = "TENANT_CONFLICT"
	CodeInvalidTenantID = "INVALID_TENANT_ID"
	CodeTenantExists    = "TENANT_EXISTS"

	CodeMissingToken     = "MISSING_TOKEN"
	CodeInvalidToken     = "INVALID_TOKEN"
	CodeInsufficientRole = "INSUFFICIENT_ROLE"
	CodeTenantMismatch   = "TENANT_MISMATCH"

	CodeRateLimited = "RATE_LIMITED"

	CodeBackupConfigMissing    = "BACKUP_CONFIG_MISSING"
	CodeBackupFormatInvalid    = "BACKUP_FORMAT_INVALID"
	CodeBackupNotFound         = "BACKUP_NOT_FOUND"
	CodeBackupHashMismatch     = "BACKUP_HASH_MISMATCH"
	CodeBackupSignatureInvalid = "BACKUP_SIGNATURE_INVALID"
	CodeRestoreRejected        = "RESTORE_REJECTED"
	CodeContinuityBroken       = "EVENTLOG_CONTINUITY_BROKEN"
	CodeDRProcedureError       = "DR_PROCEDURE_ERROR"

	CodeValidation       = "VALIDATION_ERROR"
	CodeNotFound         = "NOT_FOUND"
	CodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	CodeInternal         = "INTERNAL_ERROR"
)

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Details   any    `json:"details,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// writeError emits the stable error shape. Internal details never leak: the
// caller chooses the message, and 500s log the underlying error separately
// with the request id.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	writeJSON(w, status, errorBody{
		Error:     http.StatusText(status),
		Code:      code,
		Message:   message,
		Details:   details,
		RequestID: GetRequestID(r.Context()),
	})
}

// writeInternalError logs the cause under the request id and returns an
// opaque 500.
func writeInternalError(w http.ResponseWriter, r *http.Request, err error) {
	log.Error().
		Err(err).
		Str("request_id", GetRequestID(r.Context())).
		Str("path", r.URL.Path).
		Msg("internal error")
	writeError(w, r, http.StatusInternalServerError, CodeInternal, "internal error", nil)
}

// parseLimit parses a limit query param with default and max
func parseLimit(q string, def, max int) int {
	if q == "" {
		return def
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
