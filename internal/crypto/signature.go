package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// SignatureWindow is the maximum clock skew accepted for a signed request.
const SignatureWindow = 300 * time.Second

// NonceTTL is how long an observed nonce stays on record (2x the window).
const NonceTTL = 2 * SignatureWindow

// SignRequest computes the HMAC-SHA256 request signature over the canonical
// string "timestamp\nnonce\nMETHOD\npath\nbody\ntoken_id".
func SignRequest(secret string, timestamp int64, nonce, method, path string, body []byte, tokenID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("\n"))
	mac.Write([]byte(nonce))
	mac.Write([]byte("\n"))
	mac.Write([]byte(method))
	mac.Write([]byte("\n"))
	mac.Write([]byte(path))
	mac.Write([]byte("\n"))
	mac.Write(body)
	mac.Write([]byte("\n"))
	mac.Write([]byte(tokenID))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature recomputes the signature and compares in constant time.
func VerifySignature(secret string, timestamp int64, nonce, method, path string, body []byte, tokenID, presented string) bool {
	want := SignRequest(secret, timestamp, nonce, method, path, body, tokenID)
	return hmac.Equal([]byte(want), []byte(presented))
}

// TimestampInWindow reports whether |now - ts| is within the signature window.
func TimestampInWindow(ts int64, now time.Time) bool {
	d := now.Unix() - ts
	if d < 0 {
		d = -d
	}
	return d <= int64(SignatureWindow/time.Second)
}

// SignWebhook computes the webhook delivery signature over "<ts>.<body>".
func SignWebhook(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
