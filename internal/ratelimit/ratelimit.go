// Package ratelimit implements the per-token fixed-window rate limiter backed
// by the fast shared store.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	feen "github.com/feenlabs/feen/internal"
	"github.com/feenlabs/feen/internal/faststore"
)

const (
	// Window is the fixed rate window.
	Window = 60 * time.Second

	dayWindow = 24 * time.Hour

	// scopeShared is the counter scope for shared tokens.
	scopeShared = "shared"
	scopeDaily  = "daily"
)

// Result is the authoritative outcome of a rate check.
type Result struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	// ResetAt is the unix second the current window closes.
	ResetAt int64
}

// RetryAfter returns the seconds until the window resets, floored at 1.
func (r Result) RetryAfter(now time.Time) int64 {
	d := r.ResetAt - now.Unix()
	if d < 1 {
		d = 1
	}
	return d
}

// Limiter counts requests per token per minute window. If the fast store is
// unreachable it fails open: a bounded over-serve beats blocking all traffic
// on a cache outage.
type Limiter struct {
	store faststore.Store

	// syncDailyCap additionally enforces daily_cap with a day-granular
	// window on every request. Off by default; the usage recorder remains
	// the authoritative daily enforcement either way.
	syncDailyCap bool

	now func() time.Time
}

// New returns a Limiter over the given fast store.
func New(store faststore.Store, syncDailyCap bool) *Limiter {
	return &Limiter{store: store, syncDailyCap: syncDailyCap, now: time.Now}
}

// Allow consumes one request from the token's minute window and, when the
// synchronous daily check is enabled, from its day window.
func (l *Limiter) Allow(ctx context.Context, token *feen.SharedToken) Result {
	now := l.now()
	res := l.consume(ctx, scopeShared, token.ID, token.RatePerMinute, Window, now)
	if !res.Allowed {
		return res
	}

	if l.syncDailyCap && token.DailyCap > 0 {
		daily := l.consume(ctx, scopeDaily, token.ID, token.DailyCap, dayWindow, now)
		if !daily.Allowed {
			return daily
		}
	}
	return res
}

// consume runs the INCR-then-EXPIRE fixed-window protocol for one scope.
func (l *Limiter) consume(ctx context.Context, scope, id string, limit int64, window time.Duration, now time.Time) Result {
	windowSecs := int64(window / time.Second)
	index := now.Unix() / windowSecs
	resetAt := (index + 1) * windowSecs

	if limit <= 0 {
		return Result{Allowed: true, Limit: limit, Remaining: 0, ResetAt: resetAt}
	}

	key := faststore.RateLimitKey(scope, id, index)
	count, err := l.store.Incr(ctx, key)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "rate limiter failing open",
			slog.String("token", id),
			slog.String("error", err.Error()),
		)
		return Result{Allowed: true, Limit: limit, Remaining: limit, ResetAt: resetAt}
	}
	if count == 1 {
		// First hit in this window owns the TTL. A failed EXPIRE leaves an
		// orphan counter that the next window index sidesteps anyway.
		if err := l.store.Expire(ctx, key, window); err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "rate window expire failed",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   count <= limit,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}
