package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	feen "github.com/feenlabs/feen/internal"
	"github.com/feenlabs/feen/internal/crypto"
)

const backupCodeCount = 10

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Team     string `json:"team"`
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		s.writeValidation(w, r, "valid email is required", map[string]any{"field": "email"})
		return
	}
	if len(req.Password) < 8 {
		s.writeValidation(w, r, "password must be at least 8 characters", map[string]any{"field": "password"})
		return
	}

	hash, err := crypto.HashPassword(req.Password)
	if err != nil {
		s.writeError(w, r, err, 0)
		return
	}
	u := &feen.User{
		ID:           uuid.Must(uuid.NewV7()).String(),
		Email:        req.Email,
		PasswordHash: hash,
		Team:         req.Team,
		Roles:        []string{"member"},
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.deps.Store.CreateUser(r.Context(), u); err != nil {
		s.writeError(w, r, err, 0)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	// Code is the TOTP or backup code, required once 2FA is enabled.
	Code string `json:"code"`
}

type loginResponse struct {
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expires_at"`
	User      *feen.User `json:"user"`
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	u, err := s.deps.Store.GetUserByEmail(r.Context(), strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil || u.Disabled || !crypto.VerifyPassword(req.Password, u.PasswordHash) {
		// One path for unknown account, disabled account, and wrong password.
		s.writeError(w, r, feen.ErrUnauthorized, 0)
		return
	}

	now := time.Now()
	if u.TwoFactor {
		if req.Code == "" {
			requestID := feen.RequestIDFromContext(r.Context())
			writeJSON(w, http.StatusForbidden, errorBody{
				Error:     "two-factor code required",
				Code:      feen.CodeTwoFactorRequired,
				RequestID: requestID,
				Timestamp: now.UTC().Format(time.RFC3339),
			})
			return
		}
		if !s.checkSecondFactor(w, r, u, req.Code, now) {
			return
		}
	}

	lastLogin := now.UTC()
	u.LastLoginAt = &lastLogin
	if err := s.deps.Store.UpdateUser(r.Context(), u); err != nil {
		s.writeError(w, r, err, 0)
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token:     s.mintSession(u.ID, u.Roles, now),
		ExpiresAt: now.Add(s.deps.SessionTTL).UTC(),
		User:      u,
	})
}

// checkSecondFactor verifies a TOTP code, falling back to backup codes; a
// matched backup code is consumed. Writes the error response on failure.
func (s *server) checkSecondFactor(w http.ResponseWriter, r *http.Request, u *feen.User, code string, now time.Time) bool {
	secret, err := s.deps.Cipher.Open(u.TOTPSecret)
	if err != nil {
		s.writeError(w, r, err, 0)
		return false
	}
	if crypto.VerifyTOTP(string(secret), code, now) {
		return true
	}
	if i := crypto.VerifyBackupCode(code, u.BackupCodes); i >= 0 {
		u.BackupCodes = append(u.BackupCodes[:i], u.BackupCodes[i+1:]...)
		if err := s.deps.Store.UpdateUser(r.Context(), u); err != nil {
			s.writeError(w, r, err, 0)
			return false
		}
		return true
	}
	s.writeError(w, r, feen.ErrUnauthorized, 0)
	return false
}

type twoFactorEnableResponse struct {
	Secret      string   `json:"secret"`
	BackupCodes []string `json:"backup_codes"`
}

// handleTwoFactorEnable provisions a TOTP secret and backup codes. The secret
// is returned once for enrollment and stored encrypted; 2FA activates after
// the first successful verify.
func (s *server) handleTwoFactorEnable(w http.ResponseWriter, r *http.Request) {
	caller := feen.CallerFromContext(r.Context())
	u, err := s.deps.Store.GetUser(r.Context(), caller.UserID)
	if err != nil {
		s.writeError(w, r, err, 0)
		return
	}
	if u.TwoFactor {
		s.writeError(w, r, feen.ErrConflict, 0)
		return
	}

	secret, err := crypto.GenerateTOTPSecret()
	if err != nil {
		s.writeError(w, r, err, 0)
		return
	}
	codes, hashes, err := crypto.GenerateBackupCodes(backupCodeCount)
	if err != nil {
		s.writeError(w, r, err, 0)
		return
	}
	sealed, err := s.deps.Cipher.Seal([]byte(secret))
	if err != nil {
		s.writeError(w, r, err, 0)
		return
	}

	u.TOTPSecret = sealed
	u.BackupCodes = hashes
	if err := s.deps.Store.UpdateUser(r.Context(), u); err != nil {
		s.writeError(w, r, err, 0)
		return
	}
	s.audit(r, feen.AuditTwoFactorEnabled, u.ID, nil)
	writeJSON(w, http.StatusOK, twoFactorEnableResponse{Secret: secret, BackupCodes: codes})
}

type twoFactorCodeRequest struct {
	Code string `json:"code"`
}

// handleTwoFactorVerify confirms enrollment with a live code and switches
// 2FA on for the account.
func (s *server) handleTwoFactorVerify(w http.ResponseWriter, r *http.Request) {
	var req twoFactorCodeRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	caller := feen.CallerFromContext(r.Context())
	u, err := s.deps.Store.GetUser(r.Context(), caller.UserID)
	if err != nil {
		s.writeError(w, r, err, 0)
		return
	}
	if u.TOTPSecret == "" {
		s.writeValidation(w, r, "two-factor enrollment has not been started", nil)
		return
	}

	secret, err := s.deps.Cipher.Open(u.TOTPSecret)
	if err != nil {
		s.writeError(w, r, err, 0)
		return
	}
	if !crypto.VerifyTOTP(string(secret), req.Code, time.Now()) {
		s.writeError(w, r, feen.ErrUnauthorized, 0)
		return
	}

	u.TwoFactor = true
	if err := s.deps.Store.UpdateUser(r.Context(), u); err != nil {
		s.writeError(w, r, err, 0)
		return
	}
	s.audit(r, feen.AuditTwoFactorVerified, u.ID, nil)
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": true})
}

func (s *server) handleTwoFactorDisable(w http.ResponseWriter, r *http.Request) {
	var req twoFactorCodeRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	caller := feen.CallerFromContext(r.Context())
	u, err := s.deps.Store.GetUser(r.Context(), caller.UserID)
	if err != nil {
		s.writeError(w, r, err, 0)
		return
	}
	if !u.TwoFactor {
		s.writeValidation(w, r, "two-factor is not enabled", nil)
		return
	}
	if !s.checkSecondFactor(w, r, u, req.Code, time.Now()) {
		return
	}

	u.TwoFactor = false
	u.TOTPSecret = ""
	u.BackupCodes = nil
	if err := s.deps.Store.UpdateUser(r.Context(), u); err != nil {
		s.writeError(w, r, err, 0)
		return
	}
	s.audit(r, feen.AuditTwoFactorDisabled, u.ID, nil)
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": false})
}

// audit writes a control-plane audit entry attributed to the caller.
func (s *server) audit(r *http.Request, action, resource string, detail map[string]any) {
	a := &feen.AuditLog{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Action:    action,
		Resource:  resource,
		RequestID: feen.RequestIDFromContext(r.Context()),
		ClientIP:  clientIP(r),
		CreatedAt: time.Now().UTC(),
	}
	if caller := feen.CallerFromContext(r.Context()); caller != nil {
		a.UserID = caller.UserID
	}
	if detail != nil {
		if b, err := json.Marshal(detail); err == nil {
			a.Detail = string(b)
		}
	}
	if err := s.deps.Store.InsertAudit(r.Context(), a); err != nil {
		// Mutation already landed; a lost audit row is log-only.
		return
	}
}
