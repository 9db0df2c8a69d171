// Package faststore provides the shared low-latency store used for rate-limit
// counters, latency samples, nonce tracking, suspicious-activity lists, and
// the webhook queue.
package faststore

import (
	"context"
	"time"
)

// ErrNotFound is returned for missing keys. Transport errors are returned
// as-is; callers decide whether to fail open.
type notFoundError struct{}

func (notFoundError) Error() string { return "faststore: key not found" }

// ErrNotFound marks a missing key, as opposed to a transport failure.
var ErrNotFound error = notFoundError{}

// Store is the fast shared store contract.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	// Incr atomically increments the counter at key and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	LPush(ctx context.Context, key string, values ...string) error
	RPop(ctx context.Context, key string) (string, error)
	LLen(ctx context.Context, key string) (int64, error)

	KeysByPrefix(ctx context.Context, prefix string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// Key layouts used across the core. Kept here so every component spells them
// the same way.
const (
	WebhookQueueKey = "webhooks:queue"
)

// RateLimitKey returns "ratelimit:<scope>:<key>:<window-index>".
func RateLimitKey(scope, key string, window int64) string {
	return "ratelimit:" + scope + ":" + key + ":" + itoa(window)
}

// LatencyKey returns "latency:<provider>".
func LatencyKey(provider string) string { return "latency:" + provider }

// SuspiciousKey returns "suspicious:<token>:<type>".
func SuspiciousKey(tokenID, eventType string) string {
	return "suspicious:" + tokenID + ":" + eventType
}

// SuspiciousPrefix returns the prefix matching every suspicious list of a token.
func SuspiciousPrefix(tokenID string) string { return "suspicious:" + tokenID + ":" }

// NonceKey returns "nonce:<token>:<nonce>".
func NonceKey(tokenID, nonce string) string { return "nonce:" + tokenID + ":" + nonce }

// itoa is a minimal positive-int64 formatter; window indexes are never negative.
func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
