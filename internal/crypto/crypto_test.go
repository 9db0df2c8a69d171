package crypto

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	feen "github.com/feenlabs/feen/internal"
)

func testCipher(t *testing.T) *Cipher {
	t.Helper()
	c, err := NewCipher([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	return c
}

func TestCipher_RoundTrip(t *testing.T) {
	t.Parallel()
	c := testCipher(t)

	plaintext := []byte("sk-live-abcdef123456")
	blob, err := c.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	got, err := c.Open(blob)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Errorf("Open = %q, want %q", got, plaintext)
	}
}

func TestCipher_NonceUnique(t *testing.T) {
	t.Parallel()
	c := testCipher(t)

	a, _ := c.Seal([]byte("same plaintext"))
	b, _ := c.Seal([]byte("same plaintext"))
	if a == b {
		t.Error("two seals of identical plaintext produced identical blobs")
	}
}

func TestCipher_TamperDetected(t *testing.T) {
	t.Parallel()
	c := testCipher(t)

	blob, err := c.Seal([]byte("secret material"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	raw, _ := base64.StdEncoding.DecodeString(blob)
	raw[len(raw)-1] ^= 0x01 // flip one ciphertext bit
	tampered := base64.StdEncoding.EncodeToString(raw)

	if _, err := c.Open(tampered); !errors.Is(err, feen.ErrIntegrity) {
		t.Errorf("Open(tampered) = %v, want ErrIntegrity", err)
	}
}

func TestCipher_WrongKey(t *testing.T) {
	t.Parallel()
	c := testCipher(t)
	other, err := NewCipher([]byte("ffffffffffffffffffffffffffffffff"))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	blob, _ := c.Seal([]byte("secret"))
	if _, err := other.Open(blob); !errors.Is(err, feen.ErrIntegrity) {
		t.Errorf("Open with wrong key = %v, want ErrIntegrity", err)
	}
}

func TestCipher_MalformedBlob(t *testing.T) {
	t.Parallel()
	c := testCipher(t)

	for _, blob := range []string{"", "not-base64!!!", base64.StdEncoding.EncodeToString([]byte("short"))} {
		if _, err := c.Open(blob); !errors.Is(err, feen.ErrIntegrity) {
			t.Errorf("Open(%q) = %v, want ErrIntegrity", blob, err)
		}
	}
}

func TestCipher_ShortMasterKeyStretched(t *testing.T) {
	t.Parallel()
	c, err := NewCipher([]byte("short-passphrase"))
	if err != nil {
		t.Fatalf("NewCipher with short key: %v", err)
	}
	blob, err := c.Seal([]byte("payload"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	got, err := c.Open(blob)
	if err != nil || string(got) != "payload" {
		t.Errorf("round trip with stretched key failed: %q, %v", got, err)
	}
}

func TestCipher_EmptyMasterKey(t *testing.T) {
	t.Parallel()
	if _, err := NewCipher(nil); err == nil {
		t.Error("NewCipher(nil) should fail")
	}
}

func TestMintAccessToken(t *testing.T) {
	t.Parallel()
	tok, err := MintAccessToken()
	if err != nil {
		t.Fatalf("MintAccessToken: %v", err)
	}
	if !strings.HasPrefix(tok, feen.AccessTokenPrefix) {
		t.Errorf("token %q missing prefix %q", tok, feen.AccessTokenPrefix)
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(tok, feen.AccessTokenPrefix))
	if err != nil {
		t.Fatalf("token body is not base64url: %v", err)
	}
	if len(raw) != 24 {
		t.Errorf("token entropy = %d bytes, want 24", len(raw))
	}

	other, _ := MintAccessToken()
	if tok == other {
		t.Error("two minted tokens are identical")
	}
}

func TestDisplayPrefix(t *testing.T) {
	t.Parallel()
	if got := DisplayPrefix("sk-live-abcdef123456"); got != "sk-l...3456" {
		t.Errorf("DisplayPrefix = %q", got)
	}
	if got := DisplayPrefix("tiny"); got != "****" {
		t.Errorf("DisplayPrefix(short) = %q, want ****", got)
	}
	if got := DisplayPrefix("12345678"); got != "****" {
		t.Errorf("DisplayPrefix(8 chars) = %q, want ****", got)
	}
}

func TestHashPassword_VerifyPassword(t *testing.T) {
	t.Parallel()
	stored, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	saltHex, _, ok := strings.Cut(stored, ":")
	if !ok || len(saltHex) != passwordSaltLen*2 {
		t.Fatalf("stored form %q not salt_hex:hash_hex", stored)
	}

	if !VerifyPassword("correct horse battery staple", stored) {
		t.Error("correct password rejected")
	}
	if VerifyPassword("wrong password", stored) {
		t.Error("wrong password accepted")
	}
	if VerifyPassword("anything", "garbage") {
		t.Error("malformed stored hash accepted")
	}
}

func TestHashPassword_SaltVaries(t *testing.T) {
	t.Parallel()
	a, _ := HashPassword("same")
	b, _ := HashPassword("same")
	if a == b {
		t.Error("two hashes of the same password are identical (salt reuse)")
	}
}
