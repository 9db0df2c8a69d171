// Package feen defines domain types and interfaces for the Feen credential
// vault and proxy gateway. This package has no project imports -- it is the
// dependency root.
package feen

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// AccessTokenPrefix is the prefix carried by every shared access token.
// The entry point rejects tokens without it before any store lookup.
const AccessTokenPrefix = "feen_"

// HashToken returns the hex-encoded SHA-256 hash of a raw access token.
// It is the sole request-time lookup key; the plaintext is never queried.
func HashToken(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// --- Entities ---

// User is an account that owns vault keys and shared tokens.
type User struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	Team         string     `json:"team,omitempty"`
	Roles        []string   `json:"roles,omitempty"`
	TwoFactor    bool       `json:"two_factor_enabled"`
	TOTPSecret   string     `json:"-"` // encrypted at rest
	BackupCodes  []string   `json:"-"` // hashes only
	Disabled     bool       `json:"disabled"`
	CreatedAt    time.Time  `json:"created_at"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
}

// APIKey is a vault record: a deposited upstream provider credential plus its
// policy envelope. EncryptedMaterial is always the output of the crypto
// package's Seal routine; the plaintext never persists.
type APIKey struct {
	ID                string     `json:"id"`
	OwnerUserID       string     `json:"owner_user_id"`
	Team              string     `json:"team,omitempty"`
	Provider          Provider   `json:"provider"`
	EncryptedMaterial string     `json:"-"`
	MaterialHash      string     `json:"-"`              // dedup lookup only, never decryption
	DisplayPrefix     string     `json:"display_prefix"` // UI only
	Name              string     `json:"name,omitempty"`
	BaseURL           string     `json:"base_url,omitempty"` // AZURE_OPENAI and CUSTOM only
	RatePerMinute     int64      `json:"rate_per_minute"`
	DailyCap          int64      `json:"daily_cap"`
	Active            bool       `json:"active"`
	LastUsedAt        *time.Time `json:"last_used_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// SharedToken is a policy object delegating use of exactly one vault key.
type SharedToken struct {
	ID            string     `json:"id"`
	APIKeyID      string     `json:"api_key_id"`
	OwnerUserID   string     `json:"owner_user_id"`
	AccessToken   string     `json:"-"` // plaintext; empty unless the deployment stores it
	TokenHash     string     `json:"-"` // unique lookup key
	Name          string     `json:"name,omitempty"`
	RatePerMinute int64      `json:"rate_per_minute"`
	DailyCap      int64      `json:"daily_cap"`
	UsageCount    int64      `json:"usage_count"`
	MaxTotalUse   *int64     `json:"max_total_use,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	AllowedIPs    []string   `json:"allowed_ips,omitempty"`    // literals or CIDRs; empty = any
	AllowedModels []string   `json:"allowed_models,omitempty"` // empty = any
	Scopes        []string   `json:"scopes,omitempty"`         // scope vocabulary or "*"
	RequireSig    bool       `json:"require_signature"`
	SigningSecret string     `json:"-"`
	Active        bool       `json:"active"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// UsageLog is the immutable record written per completed proxy attempt.
type UsageLog struct {
	ID             string    `json:"id"`
	APIKeyID       string    `json:"api_key_id"`
	SharedTokenID  string    `json:"shared_token_id"`
	UserID         string    `json:"user_id"`
	Provider       Provider  `json:"provider"`
	Model          string    `json:"model,omitempty"`
	Endpoint       string    `json:"endpoint"`
	Method         string    `json:"method"`
	StatusCode     int       `json:"status_code"`
	RequestTokens  *int64    `json:"request_tokens,omitempty"`
	ResponseTokens *int64    `json:"response_tokens,omitempty"`
	TotalTokens    *int64    `json:"total_tokens,omitempty"`
	LatencyMs      int64     `json:"latency_ms"`
	ClientIP       string    `json:"client_ip"`
	UserAgent      string    `json:"user_agent,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// AuditLog records administratively sensitive events.
type AuditLog struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id,omitempty"`
	Action    string    `json:"action"`
	Resource  string    `json:"resource,omitempty"`
	Detail    string    `json:"detail,omitempty"` // JSON blob
	RequestID string    `json:"request_id,omitempty"`
	ClientIP  string    `json:"client_ip,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Audit actions emitted by the core.
const (
	AuditAPIKeyCreated     = "API_KEY_CREATED"
	AuditAPIKeyUpdated     = "API_KEY_UPDATED"
	AuditAPIKeyDeleted     = "API_KEY_DELETED"
	AuditAPIKeyRevealed    = "API_KEY_REVEALED"
	AuditSharedKeyCreated  = "SHARED_KEY_CREATED"
	AuditSharedKeyUpdated  = "SHARED_KEY_UPDATED"
	AuditSharedKeyDeleted  = "SHARED_KEY_DELETED"
	AuditTokenRotated      = "TOKEN_ROTATED"
	AuditSuspicious        = "SUSPICIOUS_ACTIVITY"
	AuditTwoFactorEnabled  = "2FA_ENABLED"
	AuditTwoFactorDisabled = "2FA_DISABLED"
	AuditTwoFactorVerified = "2FA_VERIFIED"
	AuditWebhookCreated    = "WEBHOOK_CREATED"
	AuditWebhookDeleted    = "WEBHOOK_DELETED"
	AuditWebhookDelivered  = "WEBHOOK_DELIVERED"
	AuditWebhookFailed     = "WEBHOOK_FAILED"
	AuditAPIError          = "API_ERROR"
)

// Webhook is a registered delivery target for core events.
type Webhook struct {
	ID          string    `json:"id"`
	OwnerUserID string    `json:"owner_user_id"`
	URL         string    `json:"url"`
	Secret      string    `json:"-"`
	Events      []string  `json:"events"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// WebhookEvent is a queued delivery payload.
type WebhookEvent struct {
	Event     string         `json:"event"`
	UserID    string         `json:"user_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Webhook event names fanned out by the core.
const (
	EventTokenRotated     = "token.rotated"
	EventTokenExpired     = "token.expired"
	EventTokenDeactivated = "token.deactivated"
	EventDailyCapReached  = "token.daily_cap_reached"
)

// --- Request-time context ---

// TokenContext is the resolved result of policy evaluation: the shared token
// presented by the caller and the vault key it delegates.
type TokenContext struct {
	Token *SharedToken
	Key   *APIKey
}

// Caller is the authenticated identity for control-plane (CRUD) requests.
// Threaded explicitly through handlers; never fetched from process globals.
type Caller struct {
	UserID string
	Roles  []string
}

// IsAdmin reports whether the caller holds the admin role.
func (c *Caller) IsAdmin() bool {
	for _, r := range c.Roles {
		if r == "admin" {
			return true
		}
	}
	return false
}

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// Caller is set later by the admin auth middleware via mutation of the same
// pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Caller    *Caller
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// RequestIDFromContext extracts the request ID from ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// CallerFromContext extracts the authenticated control-plane caller, or nil.
func CallerFromContext(ctx context.Context) *Caller {
	if m := metaFromContext(ctx); m != nil {
		return m.Caller
	}
	return nil
}

// ContextWithCaller stores the caller in the existing requestMeta if present,
// falling back to a new allocation (e.g. in tests).
func ContextWithCaller(ctx context.Context, c *Caller) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Caller = c
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Caller: c})
}
