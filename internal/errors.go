package feen

import "errors"

// Sentinel errors for the gateway domain.
var (
	ErrTokenInvalid     = errors.New("invalid token")
	ErrTokenExpired     = errors.New("token expired")
	ErrQuotaExceeded    = errors.New("quota exceeded")
	ErrRateLimited      = errors.New("rate limited")
	ErrIPNotAllowed     = errors.New("IP address not allowed")
	ErrScopeDenied      = errors.New("insufficient scope")
	ErrMissingSignature = errors.New("missing signature headers")
	ErrExpiredTimestamp = errors.New("signature timestamp outside window")
	ErrReplayAttack     = errors.New("nonce already used")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("forbidden")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("already exists")
	ErrValidation       = errors.New("validation error")
	ErrNoProvider       = errors.New("no provider available")
	ErrUpstream         = errors.New("upstream provider error")
	ErrIntegrity        = errors.New("integrity check failed") // never surfaced to clients
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Code is the machine-readable error code carried in the client error body.
type Code string

const (
	CodeTokenInvalid       Code = "TOKEN_INVALID"
	CodeTokenExpired       Code = "TOKEN_EXPIRED"
	CodeUnauthorized       Code = "UNAUTHORIZED"
	CodeInvalidCredentials Code = "INVALID_CREDENTIALS"
	CodeTwoFactorRequired  Code = "TWO_FACTOR_REQUIRED"
	CodeForbidden          Code = "FORBIDDEN"
	CodeInsufficientScope  Code = "INSUFFICIENT_SCOPE"
	CodeScopeDenied        Code = "SCOPE_DENIED"
	CodeNotAllowed         Code = "OPERATION_NOT_ALLOWED"
	CodeValidation         Code = "VALIDATION_ERROR"
	CodeInvalidInput       Code = "INVALID_INPUT"
	CodeMissingField       Code = "MISSING_REQUIRED_FIELD"
	CodeLimitExceeded      Code = "LIMIT_EXCEEDED"
	CodeNotFound           Code = "NOT_FOUND"
	CodeAlreadyExists      Code = "ALREADY_EXISTS"
	CodeConflict           Code = "CONFLICT"
	CodeRateLimited        Code = "RATE_LIMITED"
	CodeQuotaExceeded      Code = "QUOTA_EXCEEDED"
	CodeMissingSignature   Code = "MISSING_SIGNATURE"
	CodeExpiredTimestamp   Code = "EXPIRED_TIMESTAMP"
	CodeReplayAttack       Code = "REPLAY_ATTACK"
	CodeInvalidSignature   Code = "INVALID_SIGNATURE"
	CodeExternalService    Code = "EXTERNAL_SERVICE_ERROR"
	CodeServiceUnavailable Code = "SERVICE_UNAVAILABLE"
	CodeDatabaseError      Code = "DATABASE_ERROR"
	CodeInternal           Code = "INTERNAL_ERROR"
)

// CodeFor maps a domain error to its canonical code. Unknown errors map to
// CodeInternal; integrity failures are deliberately folded into it so a
// decryption tag mismatch is never distinguishable to a client.
func CodeFor(err error) Code {
	switch {
	case errors.Is(err, ErrTokenInvalid):
		return CodeTokenInvalid
	case errors.Is(err, ErrTokenExpired):
		return CodeTokenExpired
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrIPNotAllowed):
		return CodeForbidden
	case errors.Is(err, ErrScopeDenied):
		return CodeInsufficientScope
	case errors.Is(err, ErrMissingSignature):
		return CodeMissingSignature
	case errors.Is(err, ErrExpiredTimestamp):
		return CodeExpiredTimestamp
	case errors.Is(err, ErrReplayAttack):
		return CodeReplayAttack
	case errors.Is(err, ErrInvalidSignature):
		return CodeInvalidSignature
	case errors.Is(err, ErrQuotaExceeded):
		return CodeQuotaExceeded
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrConflict):
		return CodeAlreadyExists
	case errors.Is(err, ErrNoProvider):
		return CodeServiceUnavailable
	case errors.Is(err, ErrStoreUnavailable):
		return CodeDatabaseError
	case errors.Is(err, ErrUpstream):
		return CodeExternalService
	default:
		return CodeInternal
	}
}
