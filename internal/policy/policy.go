// Package policy evaluates whether a proxy request presenting a shared access
// token may proceed. Checks run in a fixed order and the first failure wins,
// so a caller never learns more than the earliest gate it tripped.
package policy

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"

	feen "github.com/feenlabs/feen/internal"
	"github.com/feenlabs/feen/internal/crypto"
	"github.com/feenlabs/feen/internal/faststore"
	"github.com/feenlabs/feen/internal/guard"
	"github.com/feenlabs/feen/internal/storage"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up revocations promptly
	cacheMaxLen = 10_000
)

// Signature header names presented by signing clients.
const (
	HeaderTimestamp = "X-Feen-Timestamp"
	HeaderSignature = "X-Feen-Signature"
	HeaderNonce     = "X-Feen-Nonce"
)

// Request carries everything the evaluator inspects about one proxy call.
type Request struct {
	RawToken string
	ClientIP string // "unknown" when the address could not be determined
	Method   string
	Path     string // provider-relative, normalized
	Body     []byte

	// Signature headers; empty when absent.
	Timestamp string
	Signature string
	Nonce     string
}

// Evaluator resolves and polices shared tokens. Token rows are cached in an
// otter W-TinyLFU cache keyed by token hash; mutations and rotations
// invalidate entries so a retired credential dies within one lookup.
type Evaluator struct {
	store storage.Store
	fast  faststore.Store
	guard guard.Guard

	cache    *otter.Cache[string, *feen.SharedToken]
	idToHash sync.Map // token ID -> hash, for invalidation by ID
	now      func() time.Time
}

// New returns an Evaluator over the given stores.
func New(store storage.Store, fast faststore.Store, g guard.Guard) *Evaluator {
	cache := otter.Must(&otter.Options[string, *feen.SharedToken]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *feen.SharedToken](cacheTTL),
	})
	return &Evaluator{store: store, fast: fast, guard: g, cache: cache, now: time.Now}
}

// InvalidateHash drops the cached row for a token hash. The guard calls this
// on rotation so the retired hash stops resolving immediately.
func (e *Evaluator) InvalidateHash(hash string) {
	e.cache.Invalidate(hash)
}

// InvalidateByTokenID drops the cached row for a token by its ID. Used when
// control-plane operations (update, deactivate, delete) modify a token.
func (e *Evaluator) InvalidateByTokenID(id string) {
	if hash, ok := e.idToHash.LoadAndDelete(id); ok {
		e.cache.Invalidate(hash.(string))
	}
}

// Evaluate runs the policy gates in order. On success it returns the resolved
// token context; on failure it returns the first error and, where the token's
// identity is known, records a suspicious event with the guard.
func (e *Evaluator) Evaluate(ctx context.Context, req *Request) (*feen.TokenContext, error) {
	if !strings.HasPrefix(req.RawToken, feen.AccessTokenPrefix) {
		return nil, feen.ErrTokenInvalid
	}

	token, err := e.resolve(ctx, feen.HashToken(req.RawToken))
	if err != nil {
		return nil, err
	}
	if !token.Active {
		// An inactive row shares the invalid-token path with a missing one.
		return nil, feen.ErrTokenInvalid
	}

	now := e.now()

	if token.ExpiresAt != nil && token.ExpiresAt.Before(now) {
		e.guard.RecordSuspicious(ctx, token, guard.EventTokenExpired, "")
		return nil, feen.ErrTokenExpired
	}

	if token.MaxTotalUse != nil && token.UsageCount >= *token.MaxTotalUse {
		e.guard.RecordSuspicious(ctx, token, guard.EventQuotaExceeded, "max_total_use reached")
		return nil, feen.ErrQuotaExceeded
	}

	if !ipAllowed(req.ClientIP, token.AllowedIPs) {
		e.guard.RecordSuspicious(ctx, token, guard.EventIPBlacklisted, req.ClientIP)
		return nil, feen.ErrIPNotAllowed
	}

	required := feen.RequiredScopes(req.Path)
	if !feen.HasScope(token.Scopes, required) {
		e.guard.RecordSuspicious(ctx, token, guard.EventScopeDenied, strings.Join(required, ","))
		return nil, feen.ErrScopeDenied
	}

	if token.RequireSig {
		if err := e.verifySignature(ctx, token, req, now); err != nil {
			return nil, err
		}
	}

	key, err := e.store.GetAPIKey(ctx, token.APIKeyID)
	if err != nil {
		if errors.Is(err, feen.ErrNotFound) {
			return nil, feen.ErrTokenInvalid
		}
		slog.LogAttrs(ctx, slog.LevelError, "vault key lookup failed",
			slog.String("token", token.ID),
			slog.String("error", err.Error()),
		)
		return nil, feen.ErrStoreUnavailable
	}
	if !key.Active {
		return nil, feen.ErrTokenInvalid
	}

	return &feen.TokenContext{Token: token, Key: key}, nil
}

// resolve looks the token row up by hash, through the cache.
func (e *Evaluator) resolve(ctx context.Context, hash string) (*feen.SharedToken, error) {
	if token, ok := e.cache.GetIfPresent(hash); ok {
		return token, nil
	}

	token, err := e.store.GetSharedTokenByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, feen.ErrNotFound) {
			return nil, feen.ErrTokenInvalid
		}
		slog.LogAttrs(ctx, slog.LevelError, "token lookup failed",
			slog.String("error", err.Error()),
		)
		return nil, feen.ErrStoreUnavailable
	}

	// Belt-and-suspenders: the DB lookup already matched, but guard against
	// collation or encoding surprises with a constant-time recheck.
	if subtle.ConstantTimeCompare([]byte(token.TokenHash), []byte(hash)) != 1 {
		return nil, feen.ErrTokenInvalid
	}

	e.cache.Set(hash, token)
	e.idToHash.Store(token.ID, hash)
	return token, nil
}

// verifySignature enforces the HMAC request-signing contract: all three
// headers present, timestamp inside the window, nonce never seen before, and
// the HMAC matching the canonical request string.
func (e *Evaluator) verifySignature(ctx context.Context, token *feen.SharedToken, req *Request, now time.Time) error {
	if req.Timestamp == "" || req.Signature == "" || req.Nonce == "" {
		e.guard.RecordSuspicious(ctx, token, guard.EventMissingSignature, "")
		return feen.ErrMissingSignature
	}

	ts, err := strconv.ParseInt(req.Timestamp, 10, 64)
	if err != nil || !crypto.TimestampInWindow(ts, now) {
		e.guard.RecordSuspicious(ctx, token, guard.EventExpiredTimestamp, req.Timestamp)
		return feen.ErrExpiredTimestamp
	}

	nonceKey := faststore.NonceKey(token.ID, req.Nonce)
	if _, err := e.fast.Get(ctx, nonceKey); err == nil {
		e.guard.RecordSuspicious(ctx, token, guard.EventReplayAttack, req.Nonce)
		return feen.ErrReplayAttack
	} else if !errors.Is(err, faststore.ErrNotFound) {
		// Fast store down: without the nonce ledger replay protection is
		// void, so signed requests fail closed.
		slog.LogAttrs(ctx, slog.LevelError, "nonce lookup failed",
			slog.String("token", token.ID),
			slog.String("error", err.Error()),
		)
		return feen.ErrStoreUnavailable
	}

	if !crypto.VerifySignature(token.SigningSecret, ts, req.Nonce, req.Method, req.Path, req.Body, token.ID, req.Signature) {
		e.guard.RecordSuspicious(ctx, token, guard.EventInvalidSignature, "")
		return feen.ErrInvalidSignature
	}

	// Record the nonce only after the signature verifies, so a forged request
	// cannot burn a nonce the legitimate client is about to use.
	if err := e.fast.SetEx(ctx, nonceKey, "1", crypto.NonceTTL); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "nonce record failed",
			slog.String("token", token.ID),
			slog.String("error", err.Error()),
		)
		return feen.ErrStoreUnavailable
	}
	return nil
}

// ipAllowed checks the client address against the token's ACL. Entries are
// literal addresses or CIDR blocks; an empty ACL admits any address. The
// sentinel "unknown" only ever matches a literal "unknown" entry.
func ipAllowed(clientIP string, acl []string) bool {
	if len(acl) == 0 {
		return true
	}
	addr, addrErr := netip.ParseAddr(clientIP)
	for _, entry := range acl {
		if entry == clientIP {
			return true
		}
		if addrErr != nil || !strings.Contains(entry, "/") {
			continue
		}
		if prefix, err := netip.ParsePrefix(entry); err == nil && prefix.Contains(addr) {
			return true
		}
	}
	return false
}
