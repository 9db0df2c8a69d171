// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"
	"time"

	feen "github.com/feenlabs/feen/internal"
)

// UserStore manages user persistence.
type UserStore interface {
	CreateUser(ctx context.Context, u *feen.User) error
	GetUser(ctx context.Context, id string) (*feen.User, error)
	GetUserByEmail(ctx context.Context, email string) (*feen.User, error)
	UpdateUser(ctx context.Context, u *feen.User) error
}

// APIKeyStore manages vault record persistence.
type APIKeyStore interface {
	CreateAPIKey(ctx context.Context, k *feen.APIKey) error
	GetAPIKey(ctx context.Context, id string) (*feen.APIKey, error)
	GetAPIKeyByMaterialHash(ctx context.Context, ownerID, hash string) (*feen.APIKey, error)
	ListAPIKeys(ctx context.Context, ownerID string) ([]*feen.APIKey, error)
	UpdateAPIKey(ctx context.Context, k *feen.APIKey) error
	// DeleteAPIKey removes the vault record and cascade-deletes its shared tokens.
	DeleteAPIKey(ctx context.Context, id string) error
	// ListProbeKeys returns one active key per provider, the most recently
	// used, for the latency probe.
	ListProbeKeys(ctx context.Context) ([]*feen.APIKey, error)
	TouchAPIKeyUsed(ctx context.Context, id string, at time.Time) error
}

// TokenStore manages shared token persistence.
type TokenStore interface {
	// CreateSharedToken writes the token row and its audit entry in one
	// transaction.
	CreateSharedToken(ctx context.Context, t *feen.SharedToken, audit *feen.AuditLog) error
	GetSharedToken(ctx context.Context, id string) (*feen.SharedToken, error)
	// GetSharedTokenByHash returns the row regardless of active flag; policy
	// decides, so "no row" and "inactive row" take the same code path.
	GetSharedTokenByHash(ctx context.Context, hash string) (*feen.SharedToken, error)
	ListSharedTokens(ctx context.Context, ownerID string) ([]*feen.SharedToken, error)
	ListSharedTokensByAPIKey(ctx context.Context, apiKeyID string) ([]*feen.SharedToken, error)
	UpdateSharedToken(ctx context.Context, t *feen.SharedToken) error
	DeleteSharedToken(ctx context.Context, id string) error
	// RotateSharedToken replaces access_token and token_hash in a single write.
	RotateSharedToken(ctx context.Context, id, accessToken, tokenHash string) error
	// ListExpiredActive returns active tokens whose expiry is before now.
	ListExpiredActive(ctx context.Context, now time.Time) ([]*feen.SharedToken, error)
	BumpTokenUsage(ctx context.Context, id string, n int64, at time.Time) error
}

// UsageStore manages usage log persistence.
type UsageStore interface {
	InsertUsage(ctx context.Context, records []feen.UsageLog) error
	ListUsage(ctx context.Context, ownerID string, offset, limit int) ([]*feen.UsageLog, error)
	// CountTokenUsageSince counts usage rows for a token written at or after
	// the cutoff; the recorder uses it for daily-cap evaluation.
	CountTokenUsageSince(ctx context.Context, tokenID string, since time.Time) (int64, error)
	PruneUsage(ctx context.Context, olderThan time.Time) (int64, error)
}

// AuditStore manages audit log persistence.
type AuditStore interface {
	InsertAudit(ctx context.Context, a *feen.AuditLog) error
	ListAudit(ctx context.Context, userID string, offset, limit int) ([]*feen.AuditLog, error)
	PruneAudit(ctx context.Context, olderThan time.Time) (int64, error)
}

// WebhookStore manages webhook registrations.
type WebhookStore interface {
	CreateWebhook(ctx context.Context, w *feen.Webhook) error
	ListWebhooks(ctx context.Context, ownerID string) ([]*feen.Webhook, error)
	ListActiveWebhooksForEvent(ctx context.Context, event string) ([]*feen.Webhook, error)
	DeleteWebhook(ctx context.Context, id string) error
}

// Store combines all storage interfaces.
type Store interface {
	UserStore
	APIKeyStore
	TokenStore
	UsageStore
	AuditStore
	WebhookStore
	Ping(ctx context.Context) error
	Close() error
}
