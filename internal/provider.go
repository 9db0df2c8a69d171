package feen

import "net/http"

// Provider is a tag from the closed upstream provider set.
type Provider string

const (
	ProviderOpenAI      Provider = "OPENAI"
	ProviderAnthropic   Provider = "ANTHROPIC"
	ProviderGoogle      Provider = "GOOGLE"
	ProviderCohere      Provider = "COHERE"
	ProviderMistral     Provider = "MISTRAL"
	ProviderGroq        Provider = "GROQ"
	ProviderTogether    Provider = "TOGETHER"
	ProviderReplicate   Provider = "REPLICATE"
	ProviderHuggingFace Provider = "HUGGINGFACE"
	ProviderBytez       Provider = "BYTEZ"
	ProviderAzureOpenAI Provider = "AZURE_OPENAI"
	ProviderCustom      Provider = "CUSTOM"
)

// Providers is the closed provider set in declaration order.
var Providers = []Provider{
	ProviderOpenAI, ProviderAnthropic, ProviderGoogle, ProviderCohere,
	ProviderMistral, ProviderGroq, ProviderTogether, ProviderReplicate,
	ProviderHuggingFace, ProviderBytez, ProviderAzureOpenAI, ProviderCustom,
}

// Valid reports whether p is a member of the closed provider set.
func (p Provider) Valid() bool {
	for _, known := range Providers {
		if p == known {
			return true
		}
	}
	return false
}

// providerBaseURLs is the authoritative base URL table. AZURE_OPENAI and
// CUSTOM have no fixed base URL; the vault record supplies one.
var providerBaseURLs = map[Provider]string{
	ProviderOpenAI:      "https://api.openai.com",
	ProviderAnthropic:   "https://api.anthropic.com",
	ProviderGoogle:      "https://generativelanguage.googleapis.com",
	ProviderCohere:      "https://api.cohere.ai",
	ProviderMistral:     "https://api.mistral.ai",
	ProviderGroq:        "https://api.groq.com/openai",
	ProviderTogether:    "https://api.together.xyz",
	ProviderReplicate:   "https://api.replicate.com",
	ProviderHuggingFace: "https://api-inference.huggingface.co",
	ProviderBytez:       "https://api.bytez.ai/v2",
}

// ResolveBaseURL returns the key's upstream base URL. For AZURE_OPENAI and
// CUSTOM the vault record's configured URL wins; for the fixed providers the
// table is authoritative and any configured value is ignored.
func (k *APIKey) ResolveBaseURL() string {
	if url, ok := providerBaseURLs[k.Provider]; ok {
		return url
	}
	return k.BaseURL
}

// AnthropicVersion is the pinned API version header sent to Anthropic.
const AnthropicVersion = "2023-06-01"

// ApplyAuthHeaders sets the provider's auth headers on an outbound request,
// replacing whatever credential the client presented. passthrough carries
// client headers the provider contract forwards verbatim (Bytez Provider-Key).
func ApplyAuthHeaders(h http.Header, p Provider, credential string, passthrough http.Header) {
	switch p {
	case ProviderAnthropic:
		h.Set("x-api-key", credential)
		h.Set("anthropic-version", AnthropicVersion)
	case ProviderBytez:
		h.Set("Authorization", "Bearer "+credential)
		if pk := passthrough.Get("Provider-Key"); pk != "" {
			h.Set("Provider-Key", pk)
		}
	default:
		h.Set("Authorization", "Bearer "+credential)
	}
}

// ProbeTarget describes the minimal request the latency probe issues.
type ProbeTarget struct {
	Path string
	Body string
}

// ProbeRequest returns the provider's probe target, or ok=false when the
// provider has no cheap canonical endpoint to measure.
func ProbeRequest(p Provider) (ProbeTarget, bool) {
	switch p {
	case ProviderAnthropic:
		return ProbeTarget{
			Path: "/v1/messages",
			Body: `{"model":"claude-3-5-haiku-latest","max_tokens":1,"messages":[{"role":"user","content":"ping"}]}`,
		}, true
	case ProviderOpenAI:
		return ProbeTarget{
			Path: "/v1/chat/completions",
			Body: `{"model":"gpt-4o-mini","max_tokens":1,"messages":[{"role":"user","content":"ping"}]}`,
		}, true
	case ProviderMistral:
		return ProbeTarget{
			Path: "/v1/chat/completions",
			Body: `{"model":"mistral-small-latest","max_tokens":1,"messages":[{"role":"user","content":"ping"}]}`,
		}, true
	case ProviderGroq:
		return ProbeTarget{
			Path: "/v1/chat/completions",
			Body: `{"model":"llama-3.1-8b-instant","max_tokens":1,"messages":[{"role":"user","content":"ping"}]}`,
		}, true
	case ProviderTogether:
		return ProbeTarget{
			Path: "/v1/chat/completions",
			Body: `{"model":"meta-llama/Llama-3.3-70B-Instruct-Turbo","max_tokens":1,"messages":[{"role":"user","content":"ping"}]}`,
		}, true
	case ProviderCohere:
		return ProbeTarget{Path: "/v1/models", Body: ""}, true
	default:
		return ProbeTarget{}, false
	}
}
