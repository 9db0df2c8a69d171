package crypto

import (
	"testing"
	"time"
)

func TestSignRequest_Deterministic(t *testing.T) {
	t.Parallel()
	body := []byte(`{"model":"gpt-4o"}`)
	a := SignRequest("secret", 1700000000, "n-1", "POST", "/v1/chat/completions", body, "tok-1")
	b := SignRequest("secret", 1700000000, "n-1", "POST", "/v1/chat/completions", body, "tok-1")
	if a != b {
		t.Error("identical inputs produced different signatures")
	}
	if len(a) != 64 {
		t.Errorf("signature length = %d, want 64 hex chars", len(a))
	}
}

func TestVerifySignature_FieldSensitivity(t *testing.T) {
	t.Parallel()
	body := []byte(`{"model":"gpt-4o"}`)
	sig := SignRequest("secret", 1700000000, "n-1", "POST", "/v1/chat/completions", body, "tok-1")

	if !VerifySignature("secret", 1700000000, "n-1", "POST", "/v1/chat/completions", body, "tok-1", sig) {
		t.Fatal("valid signature rejected")
	}

	cases := []struct {
		name string
		ok   bool
	}{
		{"wrong secret", VerifySignature("other", 1700000000, "n-1", "POST", "/v1/chat/completions", body, "tok-1", sig)},
		{"wrong timestamp", VerifySignature("secret", 1700000001, "n-1", "POST", "/v1/chat/completions", body, "tok-1", sig)},
		{"wrong nonce", VerifySignature("secret", 1700000000, "n-2", "POST", "/v1/chat/completions", body, "tok-1", sig)},
		{"wrong method", VerifySignature("secret", 1700000000, "n-1", "GET", "/v1/chat/completions", body, "tok-1", sig)},
		{"wrong path", VerifySignature("secret", 1700000000, "n-1", "POST", "/v1/embeddings", body, "tok-1", sig)},
		{"wrong body", VerifySignature("secret", 1700000000, "n-1", "POST", "/v1/chat/completions", []byte("{}"), "tok-1", sig)},
		{"wrong token", VerifySignature("secret", 1700000000, "n-1", "POST", "/v1/chat/completions", body, "tok-2", sig)},
	}
	for _, tc := range cases {
		if tc.ok {
			t.Errorf("%s: signature still verified", tc.name)
		}
	}
}

func TestTimestampInWindow(t *testing.T) {
	t.Parallel()
	now := time.Unix(1700000000, 0)

	if !TimestampInWindow(1700000000, now) {
		t.Error("exact timestamp rejected")
	}
	if !TimestampInWindow(1700000000-300, now) {
		t.Error("300s-old timestamp rejected (boundary is inclusive)")
	}
	if !TimestampInWindow(1700000000+300, now) {
		t.Error("300s-future timestamp rejected")
	}
	if TimestampInWindow(1700000000-301, now) {
		t.Error("stale timestamp accepted")
	}
	if TimestampInWindow(1700000000+301, now) {
		t.Error("far-future timestamp accepted")
	}
}

func TestNonceTTL_TwiceTheWindow(t *testing.T) {
	t.Parallel()
	if NonceTTL != 2*SignatureWindow {
		t.Errorf("NonceTTL = %v, want %v", NonceTTL, 2*SignatureWindow)
	}
}

func TestSignWebhook(t *testing.T) {
	t.Parallel()
	body := []byte(`{"event":"token.rotated"}`)
	a := SignWebhook("whsec", 1700000000, body)
	b := SignWebhook("whsec", 1700000000, body)
	if a != b {
		t.Error("identical inputs produced different webhook signatures")
	}
	if a == SignWebhook("whsec", 1700000001, body) {
		t.Error("timestamp not bound into the webhook signature")
	}
	if a == SignWebhook("other", 1700000000, body) {
		t.Error("secret not bound into the webhook signature")
	}
}
