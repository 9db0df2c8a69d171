package feen

import (
	"net/http"
	"testing"
)

func TestProviderValid(t *testing.T) {
	t.Parallel()
	for _, p := range Providers {
		if !p.Valid() {
			t.Errorf("%s not recognized", p)
		}
	}
	for _, p := range []Provider{"", "openai", "OPENROUTER"} {
		if p.Valid() {
			t.Errorf("%q accepted outside the closed set", p)
		}
	}
}

func TestResolveBaseURL(t *testing.T) {
	t.Parallel()
	k := &APIKey{Provider: ProviderOpenAI, BaseURL: "https://attacker.example.com"}
	if got := k.ResolveBaseURL(); got != "https://api.openai.com" {
		t.Errorf("fixed provider url = %q; the table must be authoritative", got)
	}

	k = &APIKey{Provider: ProviderAzureOpenAI, BaseURL: "https://myorg.openai.azure.com"}
	if got := k.ResolveBaseURL(); got != "https://myorg.openai.azure.com" {
		t.Errorf("azure url = %q", got)
	}

	k = &APIKey{Provider: ProviderCustom}
	if got := k.ResolveBaseURL(); got != "" {
		t.Errorf("custom key without base url resolved %q", got)
	}
}

func TestApplyAuthHeaders(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	ApplyAuthHeaders(h, ProviderAnthropic, "sk-ant-123", http.Header{})
	if h.Get("x-api-key") != "sk-ant-123" || h.Get("anthropic-version") != AnthropicVersion {
		t.Errorf("anthropic headers = %v", h)
	}
	if h.Get("Authorization") != "" {
		t.Error("anthropic must not receive a bearer header")
	}

	h = http.Header{}
	inbound := http.Header{}
	inbound.Set("Provider-Key", "pk-upstream")
	ApplyAuthHeaders(h, ProviderBytez, "bz-123", inbound)
	if h.Get("Authorization") != "Bearer bz-123" || h.Get("Provider-Key") != "pk-upstream" {
		t.Errorf("bytez headers = %v", h)
	}

	h = http.Header{}
	ApplyAuthHeaders(h, ProviderOpenAI, "sk-123", http.Header{})
	if h.Get("Authorization") != "Bearer sk-123" {
		t.Errorf("default headers = %v", h)
	}
}

func TestProbeRequest(t *testing.T) {
	t.Parallel()
	target, ok := ProbeRequest(ProviderCohere)
	if !ok || target.Path != "/v1/models" || target.Body != "" {
		t.Errorf("cohere probe = %+v, %v", target, ok)
	}
	if _, ok := ProbeRequest(ProviderCustom); ok {
		t.Error("custom providers have no canonical probe")
	}
	if _, ok := ProbeRequest(ProviderReplicate); ok {
		t.Error("replicate has no cheap probe endpoint")
	}
}
