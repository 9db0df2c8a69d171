// Package guard implements the security guardrails: per-token suspicious
// activity tracking and automatic access-token rotation.
package guard

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	feen "github.com/feenlabs/feen/internal"
	"github.com/feenlabs/feen/internal/crypto"
	"github.com/feenlabs/feen/internal/faststore"
	"github.com/feenlabs/feen/internal/storage"
)

// Suspicious event types. Each carries a rotation threshold over a shared
// one-hour window; a threshold of 1 rotates immediately.
const (
	EventInvalidSignature = "INVALID_SIGNATURE"
	EventExpiredTimestamp = "EXPIRED_TIMESTAMP"
	EventMissingSignature = "MISSING_SIGNATURE"
	EventReplayAttack     = "REPLAY_ATTACK"
	EventIPBlacklisted    = "IP_BLACKLISTED"
	EventScopeDenied      = "SCOPE_DENIED"
	EventQuotaExceeded    = "QUOTA_EXCEEDED"
	EventRateLimited      = "RATE_LIMITED"
	EventTokenExpired     = "TOKEN_EXPIRED"
)

// ReasonManual is the rotation reason for operator-initiated rotation.
const ReasonManual = "manual_rotation"

// eventWindow is the shared suspicious-activity window.
const eventWindow = time.Hour

// thresholds maps event type to the count that triggers rotation. Types
// absent from the map are recorded but never rotate on their own.
var thresholds = map[string]int64{
	EventReplayAttack:     1,
	EventIPBlacklisted:    1,
	EventInvalidSignature: 3,
	EventExpiredTimestamp: 5,
	EventMissingSignature: 5,
	EventScopeDenied:      10,
	EventQuotaExceeded:    10,
	EventRateLimited:      30,
}

// Guard is the guardrail contract. The HTTP layer and the policy evaluator
// feed it; tests supply a fake.
type Guard interface {
	// RecordSuspicious appends one event for the token and rotates the token
	// when the event's threshold is met.
	RecordSuspicious(ctx context.Context, token *feen.SharedToken, eventType, detail string)
	// Rotate replaces the token's access token, returning the new plaintext.
	Rotate(ctx context.Context, token *feen.SharedToken, reason string) (string, error)
}

// Controller is the concrete Guard backed by the fast store and the
// persistent store.
type Controller struct {
	fast  faststore.Store
	store storage.Store

	// storePlaintext mirrors the vault.store_plaintext_tokens deployment flag.
	storePlaintext bool

	// OnRotate, when set, is called with the retired token hash so the
	// policy evaluator can drop its cached row.
	OnRotate func(oldHash string)
}

// NewController wires a rotation controller.
func NewController(fast faststore.Store, store storage.Store, storePlaintext bool) *Controller {
	return &Controller{fast: fast, store: store, storePlaintext: storePlaintext}
}

type suspiciousEvent struct {
	Type   string `json:"type"`
	Detail string `json:"detail,omitempty"`
	At     int64  `json:"at"`
}

// RecordSuspicious appends the event to suspicious:<token>:<type> with a
// one-hour TTL, then rotates if the list length meets the type's threshold.
// Failures here must never fail the client request; they are logged only.
func (c *Controller) RecordSuspicious(ctx context.Context, token *feen.SharedToken, eventType, detail string) {
	key := faststore.SuspiciousKey(token.ID, eventType)

	payload, _ := json.Marshal(suspiciousEvent{Type: eventType, Detail: detail, At: time.Now().Unix()})
	if err := c.fast.LPush(ctx, key, string(payload)); err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "suspicious event not recorded",
			slog.String("token", token.ID),
			slog.String("type", eventType),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := c.fast.Expire(ctx, key, eventWindow); err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "suspicious window expire failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}

	c.audit(ctx, &feen.AuditLog{
		UserID:   token.OwnerUserID,
		Action:   feen.AuditSuspicious,
		Resource: token.ID,
		Detail:   string(payload),
	})

	threshold, ok := thresholds[eventType]
	if !ok {
		return
	}
	count, err := c.fast.LLen(ctx, key)
	if err != nil {
		return
	}
	if count >= threshold {
		if _, err := c.Rotate(ctx, token, strings.ToLower(eventType)); err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "automatic rotation failed",
				slog.String("token", token.ID),
				slog.String("reason", eventType),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Rotate mints a new access token, updates the row in a single write, clears
// the token's suspicious lists, audits, and enqueues a webhook. Outstanding
// holders of the old token observe TOKEN_INVALID on their next request.
func (c *Controller) Rotate(ctx context.Context, token *feen.SharedToken, reason string) (string, error) {
	plaintext, err := crypto.MintAccessToken()
	if err != nil {
		return "", err
	}
	newHash := feen.HashToken(plaintext)

	stored := ""
	if c.storePlaintext {
		stored = plaintext
	}
	if err := c.store.RotateSharedToken(ctx, token.ID, stored, newHash); err != nil {
		return "", err
	}

	oldHash := token.TokenHash
	token.AccessToken = stored
	token.TokenHash = newHash

	// The token's transient keys belong to the retired credential.
	if keys, err := c.fast.KeysByPrefix(ctx, faststore.SuspiciousPrefix(token.ID)); err == nil && len(keys) > 0 {
		if err := c.fast.Del(ctx, keys...); err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "suspicious key cleanup failed",
				slog.String("token", token.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if c.OnRotate != nil {
		c.OnRotate(oldHash)
	}

	detail, _ := json.Marshal(map[string]string{"reason": reason})
	c.audit(ctx, &feen.AuditLog{
		UserID:   token.OwnerUserID,
		Action:   feen.AuditTokenRotated,
		Resource: token.ID,
		Detail:   string(detail),
	})

	c.enqueueWebhook(ctx, feen.WebhookEvent{
		Event:  feen.EventTokenRotated,
		UserID: token.OwnerUserID,
		Data:   map[string]any{"token_id": token.ID, "reason": reason},
	})

	slog.LogAttrs(ctx, slog.LevelInfo, "token rotated",
		slog.String("token", token.ID),
		slog.String("reason", reason),
	)
	return plaintext, nil
}

func (c *Controller) audit(ctx context.Context, a *feen.AuditLog) {
	a.ID = uuid.Must(uuid.NewV7()).String()
	a.RequestID = feen.RequestIDFromContext(ctx)
	a.CreatedAt = time.Now().UTC()
	if err := c.store.InsertAudit(ctx, a); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "audit write failed",
			slog.String("action", a.Action),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Controller) enqueueWebhook(ctx context.Context, ev feen.WebhookEvent) {
	ev.CreatedAt = time.Now().UTC()
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := c.fast.LPush(ctx, faststore.WebhookQueueKey, string(payload)); err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "webhook enqueue failed",
			slog.String("event", ev.Event),
			slog.String("error", err.Error()),
		)
	}
}
