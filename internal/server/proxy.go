package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	feen "github.com/feenlabs/feen/internal"
	"github.com/feenlabs/feen/internal/guard"
	"github.com/feenlabs/feen/internal/policy"
	"github.com/feenlabs/feen/internal/proxy"
)

// maxProxyBody bounds the captured request body. The body is held in memory
// so every fallback candidate can replay the identical bytes.
const maxProxyBody = 32 << 20

// handleProxy is the data-plane entry point: ANY /api/proxy/<provider-path>.
// It authenticates the shared token, applies policy and rate limits, routes
// to an upstream candidate list, and relays the committed response.
func (s *server) handleProxy(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" || raw == r.Header.Get("Authorization") {
		s.writeError(w, r, feen.ErrTokenInvalid, 0)
		return
	}

	forwarded := strings.TrimPrefix(r.URL.Path, "/api/proxy/")
	path := feen.NormalizePath(forwarded)

	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, maxProxyBody))
		if err != nil {
			s.writeValidation(w, r, "request body too large or unreadable", nil)
			return
		}
	}

	ip := clientIP(r)
	tc, err := s.deps.Policy.Evaluate(r.Context(), &policy.Request{
		RawToken:  raw,
		ClientIP:  ip,
		Method:    r.Method,
		Path:      path,
		Body:      body,
		Timestamp: r.Header.Get(policy.HeaderTimestamp),
		Signature: r.Header.Get(policy.HeaderSignature),
		Nonce:     r.Header.Get(policy.HeaderNonce),
	})
	if err != nil {
		s.writeError(w, r, err, 0)
		return
	}

	model := proxy.PeekModel(body)
	if !modelAllowed(model, tc.Token.AllowedModels) {
		s.deps.Guard.RecordSuspicious(r.Context(), tc.Token, guard.EventScopeDenied, "model "+model)
		s.writeError(w, r, feen.ErrForbidden, 0)
		return
	}

	rl := s.deps.Limiter.Allow(r.Context(), tc.Token)
	if !rl.Allowed {
		if s.deps.Metrics != nil {
			s.deps.Metrics.RateLimitRejects.WithLabelValues("per_minute").Inc()
		}
		s.deps.Guard.RecordSuspicious(r.Context(), tc.Token, guard.EventRateLimited, "")
		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(rl.Limit, 10))
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(rl.ResetAt, 10))
		s.writeError(w, r, feen.ErrRateLimited, rl.RetryAfter(time.Now()))
		return
	}

	candidates, err := s.deps.Router.Candidates(r.Context(), tc, model)
	if err != nil {
		s.writeError(w, r, err, 0)
		return
	}

	res, err := s.deps.Transport.Do(r.Context(), w, r, candidates, path, body, rl)
	if err != nil && res == nil {
		// Nothing was written yet (vault decryption failure); the client gets
		// the generic internal error.
		s.writeError(w, r, err, 0)
		return
	}
	if errors.Is(err, feen.ErrUpstream) && s.deps.Metrics != nil {
		s.deps.Metrics.UpstreamErrors.WithLabelValues(string(res.Provider), "exhausted").Inc()
	}

	s.recordUsage(r, tc, res, model, path, ip)
}

// modelAllowed checks the token's model allowlist; an empty list admits any
// model, and bodies without a model field pass (scope checks still apply).
func modelAllowed(model string, allowed []string) bool {
	if len(allowed) == 0 || model == "" {
		return true
	}
	for _, m := range allowed {
		if m == model || m == "*" {
			return true
		}
	}
	return false
}

// recordUsage synthesizes the one usage record for a completed proxy attempt
// and hands it to the asynchronous recorder.
func (s *server) recordUsage(r *http.Request, tc *feen.TokenContext, res *proxy.Result, model, path, ip string) {
	if s.deps.Usage == nil || res == nil {
		return
	}

	keyID := tc.Key.ID
	if res.Key != nil {
		keyID = res.Key.ID
	}
	record := feen.UsageLog{
		APIKeyID:       keyID,
		SharedTokenID:  tc.Token.ID,
		UserID:         tc.Token.OwnerUserID,
		Provider:       res.Provider,
		Model:          model,
		Endpoint:       path,
		Method:         r.Method,
		StatusCode:     res.StatusCode,
		RequestTokens:  res.Usage.RequestTokens,
		ResponseTokens: res.Usage.ResponseTokens,
		TotalTokens:    res.Usage.TotalTokens,
		LatencyMs:      res.LatencyMs,
		ClientIP:       ip,
		UserAgent:      r.Header.Get("User-Agent"),
		CreatedAt:      time.Now().UTC(),
	}
	s.deps.Usage.Record(record)

	if s.deps.Metrics != nil {
		s.deps.Metrics.UpstreamDuration.WithLabelValues(string(res.Provider)).Observe(float64(res.LatencyMs) / 1000)
		if res.Usage.RequestTokens != nil {
			s.deps.Metrics.TokensProcessed.WithLabelValues(string(res.Provider), "request").Add(float64(*res.Usage.RequestTokens))
		}
		if res.Usage.ResponseTokens != nil {
			s.deps.Metrics.TokensProcessed.WithLabelValues(string(res.Provider), "response").Add(float64(*res.Usage.ResponseTokens))
		}
	}
}
