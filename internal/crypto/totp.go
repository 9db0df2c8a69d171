package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"
)

const (
	totpStep      = 30 * time.Second
	totpDigits    = 6
	totpSkew      = 1 // accepted steps either side of now
	totpSecretLen = 20
)

// GenerateTOTPSecret returns a fresh base32-encoded 20-byte TOTP secret.
func GenerateTOTPSecret() (string, error) {
	raw := make([]byte, totpSecretLen)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw), nil
}

// totpCode computes the RFC 6238 code for a given step counter.
func totpCode(secret []byte, counter uint64) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)

	mac := hmac.New(sha1.New, secret)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	code := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff
	return fmt.Sprintf("%06d", code%1_000_000)
}

// VerifyTOTP checks a 6-digit code against the base32 secret, accepting the
// current step and one step either side. Comparison is constant time.
func VerifyTOTP(secret, code string, now time.Time) bool {
	if len(code) != totpDigits {
		return false
	}
	raw, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(secret)
	if err != nil {
		return false
	}
	step := now.Unix() / int64(totpStep/time.Second)

	match := 0
	for delta := -totpSkew; delta <= totpSkew; delta++ {
		want := totpCode(raw, uint64(step+int64(delta)))
		match |= subtle.ConstantTimeCompare([]byte(want), []byte(code))
	}
	return match == 1
}

// GenerateBackupCodes returns n random backup codes and their SHA-256 hex
// hashes. Only the hashes are stored.
func GenerateBackupCodes(n int) (codes, hashes []string, err error) {
	for range n {
		raw := make([]byte, 5)
		if _, err := rand.Read(raw); err != nil {
			return nil, nil, err
		}
		code := hex.EncodeToString(raw)
		sum := sha256.Sum256([]byte(code))
		codes = append(codes, code)
		hashes = append(hashes, hex.EncodeToString(sum[:]))
	}
	return codes, hashes, nil
}

// VerifyBackupCode reports whether code matches any stored hash, comparing
// every entry in constant time, and returns the index of the match (or -1).
func VerifyBackupCode(code string, hashes []string) int {
	sum := sha256.Sum256([]byte(code))
	got := hex.EncodeToString(sum[:])
	matched := -1
	for i, h := range hashes {
		if subtle.ConstantTimeCompare([]byte(got), []byte(h)) == 1 && matched < 0 {
			matched = i
		}
	}
	return matched
}
