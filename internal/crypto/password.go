package crypto

import (
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	passwordSaltLen    = 16
	passwordKeyLen     = 32
	passwordIterations = 100_000
)

// HashPassword derives a storable password hash in the form
// "salt_hex:derived_hex" using PBKDF2-SHA512.
func HashPassword(password string) (string, error) {
	salt := make([]byte, passwordSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(password), salt, passwordIterations, passwordKeyLen, sha512.New)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(derived), nil
}

// VerifyPassword recomputes the derivation with the stored salt and compares
// in constant time.
func VerifyPassword(password, stored string) bool {
	saltHex, wantHex, ok := strings.Cut(stored, ":")
	if !ok {
		return false
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(wantHex)
	if err != nil || len(want) != passwordKeyLen {
		return false
	}
	got := pbkdf2.Key([]byte(password), salt, passwordIterations, passwordKeyLen, sha512.New)
	return subtle.ConstantTimeCompare(got, want) == 1
}
