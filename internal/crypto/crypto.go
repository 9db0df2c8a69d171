// Package crypto implements the cryptographic primitives for the Feen vault:
// authenticated encryption of credential material, token minting, password
// derivation, TOTP, and request signatures.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	feen "github.com/feenlabs/feen/internal"
)

const (
	keyLen   = 32
	nonceLen = 12
	tagLen   = 16

	// kdfIterations is applied when the master key must be stretched.
	kdfIterations = 100_000
)

// kdfSalt is the fixed, process-wide salt used only for stretching a
// non-32-byte master key into an AES-256 key. Credential confidentiality
// rests on the master key itself, not on this salt.
var kdfSalt = []byte("feen.vault.master.v1")

// Cipher performs authenticated encryption of vault material with AES-256-GCM.
// The wire format of a sealed blob is base64(nonce ‖ tag ‖ ciphertext).
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from the boot-time master key. Keys that are not
// exactly 32 bytes are stretched with PBKDF2-SHA256.
func NewCipher(masterKey []byte) (*Cipher, error) {
	if len(masterKey) == 0 {
		return nil, fmt.Errorf("master key is empty")
	}
	key := masterKey
	if len(key) != keyLen {
		key = pbkdf2.Key(masterKey, kdfSalt, kdfIterations, keyLen, sha256.New)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts plaintext and returns the base64 blob stored in the vault.
func (c *Cipher) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}

	// gcm.Seal yields ciphertext ‖ tag; the stored layout is nonce ‖ tag ‖
	// ciphertext, so the tag is moved to the front.
	sealed := c.aead.Seal(nil, nonce, plaintext, nil)
	ct, tag := sealed[:len(sealed)-tagLen], sealed[len(sealed)-tagLen:]

	blob := make([]byte, 0, nonceLen+tagLen+len(ct))
	blob = append(blob, nonce...)
	blob = append(blob, tag...)
	blob = append(blob, ct...)
	return base64.StdEncoding.EncodeToString(blob), nil
}

// Open decrypts a vault blob. Tag verification failure (or any structural
// damage) returns feen.ErrIntegrity; callers must surface that as a
// configuration problem, never a client error.
func (c *Cipher) Open(blob string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed blob", feen.ErrIntegrity)
	}
	if len(raw) < nonceLen+tagLen {
		return nil, fmt.Errorf("%w: blob too short", feen.ErrIntegrity)
	}
	nonce := raw[:nonceLen]
	tag := raw[nonceLen : nonceLen+tagLen]
	ct := raw[nonceLen+tagLen:]

	sealed := make([]byte, 0, len(ct)+tagLen)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, feen.ErrIntegrity
	}
	return plaintext, nil
}
