package crypto

import (
	"crypto/rand"
	"encoding/base64"

	feen "github.com/feenlabs/feen/internal"
)

// MintAccessToken generates a fresh opaque shared access token:
// "feen_" followed by 24 random bytes, base64url without padding.
func MintAccessToken() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return feen.AccessTokenPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// DisplayPrefix returns the UI-only rendering of a secret: the first and last
// four characters joined by an ellipsis, or "****" when the plaintext is too
// short to redact meaningfully.
func DisplayPrefix(plaintext string) string {
	if len(plaintext) <= 8 {
		return "****"
	}
	return plaintext[:4] + "..." + plaintext[len(plaintext)-4:]
}
