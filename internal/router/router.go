// Package router turns a resolved token context plus an optional requested
// model into an ordered list of upstream candidates for the proxy transport.
package router

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"

	feen "github.com/feenlabs/feen/internal"
	"github.com/feenlabs/feen/internal/circuitbreaker"
	"github.com/feenlabs/feen/internal/faststore"
	"github.com/feenlabs/feen/internal/storage"
)

// Candidate is one upstream attempt target.
type Candidate struct {
	Key      *feen.APIKey
	Provider feen.Provider
	BaseURL  string
}

// modelProviders is the static model -> preferred-provider table. Prefixes
// match so versioned model names ("llama-3-8b-instruct", "llama-3.1-70b")
// resolve without enumerating every release.
var modelProviders = []struct {
	prefix    string
	providers []feen.Provider
}{
	{"gpt-", []feen.Provider{feen.ProviderOpenAI, feen.ProviderAzureOpenAI}},
	{"o1", []feen.Provider{feen.ProviderOpenAI, feen.ProviderAzureOpenAI}},
	{"o3", []feen.Provider{feen.ProviderOpenAI, feen.ProviderAzureOpenAI}},
	{"chatgpt-", []feen.Provider{feen.ProviderOpenAI}},
	{"text-embedding-", []feen.Provider{feen.ProviderOpenAI, feen.ProviderAzureOpenAI}},
	{"dall-e-", []feen.Provider{feen.ProviderOpenAI, feen.ProviderAzureOpenAI}},
	{"whisper-", []feen.Provider{feen.ProviderOpenAI, feen.ProviderGroq}},
	{"claude-", []feen.Provider{feen.ProviderAnthropic}},
	{"gemini-", []feen.Provider{feen.ProviderGoogle}},
	{"command", []feen.Provider{feen.ProviderCohere}},
	{"embed-", []feen.Provider{feen.ProviderCohere}},
	{"mistral-", []feen.Provider{feen.ProviderMistral, feen.ProviderTogether}},
	{"mixtral-", []feen.Provider{feen.ProviderMistral, feen.ProviderTogether, feen.ProviderGroq}},
	{"codestral-", []feen.Provider{feen.ProviderMistral}},
	{"llama-", []feen.Provider{feen.ProviderTogether, feen.ProviderGroq, feen.ProviderReplicate, feen.ProviderHuggingFace}},
	{"llama3", []feen.Provider{feen.ProviderTogether, feen.ProviderGroq}},
	{"meta-llama/", []feen.Provider{feen.ProviderTogether, feen.ProviderHuggingFace}},
	{"qwen", []feen.Provider{feen.ProviderTogether, feen.ProviderGroq, feen.ProviderHuggingFace}},
	{"deepseek-", []feen.Provider{feen.ProviderTogether, feen.ProviderGroq, feen.ProviderHuggingFace}},
	{"gemma-", []feen.Provider{feen.ProviderGoogle, feen.ProviderGroq, feen.ProviderHuggingFace}},
}

// preferredFor returns the preferred provider list for a model, or nil when
// the model is absent or unknown.
func preferredFor(model string) []feen.Provider {
	if model == "" {
		return nil
	}
	m := strings.ToLower(model)
	for _, e := range modelProviders {
		if strings.HasPrefix(m, e.prefix) {
			return e.providers
		}
	}
	return nil
}

// Router orders the owner's vault keys into an attempt sequence.
type Router struct {
	store    storage.APIKeyStore
	fast     faststore.Store
	breakers *circuitbreaker.Registry
}

// New returns a Router. The breaker registry may be nil in tests.
func New(store storage.APIKeyStore, fast faststore.Store, breakers *circuitbreaker.Registry) *Router {
	return &Router{store: store, fast: fast, breakers: breakers}
}

// Candidates produces the ordered attempt list for the token's owner and the
// requested model. The directly referenced key always participates; with no
// model preference it leads outright, otherwise it ranks first among the
// non-preferred remainder. An empty result is a configuration error.
func (r *Router) Candidates(ctx context.Context, tc *feen.TokenContext, model string) ([]Candidate, error) {
	keys, err := r.store.ListAPIKeys(ctx, tc.Token.OwnerUserID)
	if err != nil {
		return nil, err
	}

	// Creation order is the store's list order; keep only usable keys and
	// make sure the direct key is present even if the listing raced a write.
	active := keys[:0]
	sawDirect := false
	for _, k := range keys {
		if !k.Active {
			continue
		}
		if k.ID == tc.Key.ID {
			sawDirect = true
		}
		active = append(active, k)
	}
	if !sawDirect && tc.Key.Active {
		active = append(active, tc.Key)
	}
	if len(active) == 0 {
		return nil, feen.ErrNoProvider
	}

	preferred := preferredSet(preferredFor(model), active)

	var head, tail []*feen.APIKey
	for _, k := range active {
		if _, ok := preferred[k.Provider]; ok {
			head = append(head, k)
		} else {
			tail = append(tail, k)
		}
	}

	if len(head) == 0 {
		// No model preference: the direct key leads, the rest keep creation order.
		ordered := promoteDirect(active, tc.Key.ID)
		return r.finish(ctx, ordered)
	}

	// Preferred keys rank by cached provider latency, missing samples last.
	// sort.SliceStable keeps creation order inside a latency tie.
	latency := r.latencies(ctx, head)
	sort.SliceStable(head, func(i, j int) bool {
		return latency[head[i].Provider] < latency[head[j].Provider]
	})

	ordered := append(head, promoteDirect(tail, tc.Key.ID)...)
	return r.finish(ctx, ordered)
}

// finish applies breaker demotion and materializes candidates.
func (r *Router) finish(ctx context.Context, ordered []*feen.APIKey) ([]Candidate, error) {
	if r.breakers != nil {
		healthy := make([]*feen.APIKey, 0, len(ordered))
		var demoted []*feen.APIKey
		for _, k := range ordered {
			if r.breakers.Healthy(k.Provider) {
				healthy = append(healthy, k)
			} else {
				demoted = append(demoted, k)
			}
		}
		// Demoted providers stay in the list; the transport may still reach
		// them once everything healthier has failed.
		ordered = append(healthy, demoted...)
	}

	out := make([]Candidate, 0, len(ordered))
	for _, k := range ordered {
		base := k.ResolveBaseURL()
		if base == "" {
			slog.LogAttrs(ctx, slog.LevelWarn, "key skipped, no base url",
				slog.String("key", k.ID),
				slog.String("provider", string(k.Provider)),
			)
			continue
		}
		out = append(out, Candidate{Key: k, Provider: k.Provider, BaseURL: base})
	}
	if len(out) == 0 {
		return nil, feen.ErrNoProvider
	}
	return out, nil
}

// latencies reads the cached latency sample per distinct provider; a missing
// or unparsable sample ranks the provider last.
func (r *Router) latencies(ctx context.Context, keys []*feen.APIKey) map[feen.Provider]int64 {
	out := make(map[feen.Provider]int64)
	for _, k := range keys {
		if _, ok := out[k.Provider]; ok {
			continue
		}
		out[k.Provider] = int64(math.MaxInt64)
		v, err := r.fast.Get(ctx, faststore.LatencyKey(string(k.Provider)))
		if err != nil {
			continue
		}
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			out[k.Provider] = ms
		}
	}
	return out
}

// preferredSet intersects the model's provider list with the providers the
// owner actually holds keys for.
func preferredSet(providers []feen.Provider, keys []*feen.APIKey) map[feen.Provider]struct{} {
	if len(providers) == 0 {
		return nil
	}
	held := make(map[feen.Provider]struct{}, len(keys))
	for _, k := range keys {
		held[k.Provider] = struct{}{}
	}
	out := make(map[feen.Provider]struct{})
	for _, p := range providers {
		if _, ok := held[p]; ok {
			out[p] = struct{}{}
		}
	}
	return out
}

// promoteDirect moves the directly referenced key to the front, preserving
// the relative order of the rest.
func promoteDirect(keys []*feen.APIKey, directID string) []*feen.APIKey {
	out := make([]*feen.APIKey, 0, len(keys))
	for _, k := range keys {
		if k.ID == directID {
			out = append(out, k)
		}
	}
	for _, k := range keys {
		if k.ID != directID {
			out = append(out, k)
		}
	}
	return out
}
