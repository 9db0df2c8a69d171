package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	feen "github.com/feenlabs/feen/internal"
)

var errBadSession = errors.New("invalid session token")

// mintSession issues a signed control-plane session token:
// base64url("<uid>|<roles>|<exp>") + "." + hex(HMAC-SHA256(secret, payload)).
func (s *server) mintSession(userID string, roles []string, now time.Time) string {
	exp := now.Add(s.deps.SessionTTL).Unix()
	payload := userID + "|" + strings.Join(roles, ",") + "|" + strconv.FormatInt(exp, 10)
	mac := hmac.New(sha256.New, []byte(s.deps.SessionSecret))
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString([]byte(payload)) + "." + hex.EncodeToString(mac.Sum(nil))
}

// verifySession validates a session token and returns its caller.
func (s *server) verifySession(token string) (*feen.Caller, error) {
	dot := strings.LastIndexByte(token, '.')
	if dot < 0 {
		return nil, errBadSession
	}
	payload, err := base64.RawURLEncoding.DecodeString(token[:dot])
	if err != nil {
		return nil, errBadSession
	}

	mac := hmac.New(sha256.New, []byte(s.deps.SessionSecret))
	mac.Write(payload)
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(token[dot+1:])) {
		return nil, errBadSession
	}

	parts := strings.Split(string(payload), "|")
	if len(parts) != 3 {
		return nil, errBadSession
	}
	exp, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || time.Now().Unix() > exp {
		return nil, errBadSession
	}

	caller := &feen.Caller{UserID: parts[0]}
	if parts[1] != "" {
		caller.Roles = strings.Split(parts[1], ",")
	}
	return caller, nil
}
