package feen

import "strings"

// ScopeWildcard grants every scope.
const ScopeWildcard = "*"

// scopeTable maps normalized endpoint prefixes to the scope sets that may
// call them. Longest-prefix wins. Endpoints absent from the table require no
// scope.
var scopeTable = []struct {
	prefix string
	scopes []string
}{
	{"/v1/chat/completions", []string{"chat:write"}},
	{"/v1/completions", []string{"completions:write"}},
	{"/v1/complete", []string{"completions:write"}}, // Anthropic legacy
	{"/v1/embeddings", []string{"embeddings:write"}},
	{"/v1/images/generations", []string{"images:write"}},
	{"/v1/images/variations", []string{"images:write"}},
	{"/v1/images/edits", []string{"images:edit"}},
	{"/v1/audio/transcriptions", []string{"audio:transcribe"}},
	{"/v1/audio/translations", []string{"audio:translate"}},
	{"/v1/audio/speech", []string{"audio:speech"}},
	{"/v1/models", []string{"models:list", "models:read"}},
	{"/v1/files", []string{"files:read", "files:write"}},
	{"/v1/fine_tuning/jobs", []string{"finetune:read", "finetune:write"}},
	{"/v1/assistants", []string{"assistants:read", "assistants:write"}},
	{"/v1/messages", []string{"chat:write"}}, // Anthropic
}

// NormalizePath strips the query string from a forwarded path and guarantees
// exactly one leading slash: the form the scope table, the signature base
// string, and usage records are all keyed by.
func NormalizePath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	return "/" + strings.TrimLeft(p, "/")
}

// RequiredScopes returns the scope set required to call the given normalized
// path. An empty result means the endpoint is unrestricted.
func RequiredScopes(normalized string) []string {
	var best []string
	bestLen := -1
	for _, e := range scopeTable {
		if len(e.prefix) > bestLen && strings.HasPrefix(normalized, e.prefix) {
			best, bestLen = e.scopes, len(e.prefix)
		}
	}
	return best
}

// HasScope reports whether the token's scopes satisfy the required set:
// wildcard, or at least one element in common. An empty required set always
// passes.
func HasScope(tokenScopes, required []string) bool {
	if len(required) == 0 {
		return true
	}
	for _, s := range tokenScopes {
		if s == ScopeWildcard {
			return true
		}
		for _, r := range required {
			if s == r {
				return true
			}
		}
	}
	return false
}
