package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	feen "github.com/feenlabs/feen/internal"
)

// errorBody is the canonical client error envelope.
type errorBody struct {
	Error     string         `json:"error"`
	Code      feen.Code      `json:"code"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"requestId"`
	Timestamp string         `json:"timestamp"`
}

// statusFor maps an error code to its HTTP status.
func statusFor(code feen.Code) int {
	switch code {
	case feen.CodeTokenInvalid, feen.CodeTokenExpired, feen.CodeUnauthorized, feen.CodeInvalidCredentials:
		return http.StatusUnauthorized
	case feen.CodeTwoFactorRequired, feen.CodeForbidden, feen.CodeInsufficientScope,
		feen.CodeScopeDenied, feen.CodeNotAllowed,
		feen.CodeMissingSignature, feen.CodeExpiredTimestamp,
		feen.CodeReplayAttack, feen.CodeInvalidSignature:
		return http.StatusForbidden
	case feen.CodeValidation, feen.CodeInvalidInput, feen.CodeMissingField, feen.CodeLimitExceeded:
		return http.StatusBadRequest
	case feen.CodeNotFound:
		return http.StatusNotFound
	case feen.CodeAlreadyExists, feen.CodeConflict:
		return http.StatusConflict
	case feen.CodeRateLimited, feen.CodeQuotaExceeded:
		return http.StatusTooManyRequests
	case feen.CodeExternalService:
		return http.StatusBadGateway
	case feen.CodeServiceUnavailable, feen.CodeDatabaseError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError emits the canonical envelope for a domain error and audits it.
// Retry-After accompanies 429s; integrity failures surface as a bare internal
// error after the operator-visible log line.
func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error, retryAfter int64) {
	code := feen.CodeFor(err)
	status := statusFor(code)
	msg := err.Error()

	if errors.Is(err, feen.ErrIntegrity) {
		slog.LogAttrs(r.Context(), slog.LevelError, "integrity failure",
			slog.String("path", r.URL.Path),
		)
		msg = "internal error"
	} else if status >= 500 && code == feen.CodeInternal {
		slog.LogAttrs(r.Context(), slog.LevelError, "request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		msg = "internal error"
	}

	if status == http.StatusTooManyRequests && retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
	}
	if s.deps.Metrics != nil && status != http.StatusTooManyRequests && status < 500 {
		s.deps.Metrics.PolicyRejects.WithLabelValues(string(code)).Inc()
	}

	requestID := feen.RequestIDFromContext(r.Context())
	writeJSON(w, status, errorBody{
		Error:     msg,
		Code:      code,
		RequestID: requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	s.auditError(r, code, requestID)
}

// writeValidation emits a VALIDATION_ERROR with field details.
func (s *server) writeValidation(w http.ResponseWriter, r *http.Request, msg string, details map[string]any) {
	requestID := feen.RequestIDFromContext(r.Context())
	writeJSON(w, http.StatusBadRequest, errorBody{
		Error:     msg,
		Code:      feen.CodeValidation,
		Details:   details,
		RequestID: requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *server) auditError(r *http.Request, code feen.Code, requestID string) {
	detail, _ := json.Marshal(map[string]string{
		"code":   string(code),
		"method": r.Method,
		"path":   r.URL.Path,
	})
	a := &feen.AuditLog{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Action:    feen.AuditAPIError,
		Detail:    string(detail),
		RequestID: requestID,
		ClientIP:  clientIP(r),
		CreatedAt: time.Now().UTC(),
	}
	if caller := feen.CallerFromContext(r.Context()); caller != nil {
		a.UserID = caller.UserID
	}
	if err := s.deps.Store.InsertAudit(r.Context(), a); err != nil {
		slog.LogAttrs(r.Context(), slog.LevelWarn, "error audit write failed",
			slog.String("error", err.Error()),
		)
	}
}

// jsonCT is a pre-allocated header value slice; direct map assignment avoids
// the []string{v} alloc that Header.Set creates on every call.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
