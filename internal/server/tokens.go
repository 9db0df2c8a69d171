package server

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	feen "github.com/feenlabs/feen/internal"
	"github.com/feenlabs/feen/internal/crypto"
	"github.com/feenlabs/feen/internal/guard"
)

type tokenCreateRequest struct {
	APIKeyID      string   `json:"api_key_id"`
	Name          string   `json:"name"`
	RatePerMinute int64    `json:"rate_per_minute"`
	DailyCap      int64    `json:"daily_cap"`
	MaxTotalUse   *int64   `json:"max_total_use"`
	ExpiresAt     *string  `json:"expires_at"`
	AllowedIPs    []string `json:"allowed_ips"`
	AllowedModels []string `json:"allowed_models"`
	Scopes        []string `json:"scopes"`
	RequireSig    bool     `json:"require_signature"`
}

type tokenCreateResponse struct {
	*feen.SharedToken
	// AccessToken is returned exactly once at mint time.
	AccessToken string `json:"access_token"`
	// SigningSecret accompanies signature-required tokens, also once.
	SigningSecret string `json:"signing_secret,omitempty"`
}

// handleCreateToken mints a shared access token delegating one vault key.
func (s *server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	var req tokenCreateRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.APIKeyID == "" {
		s.writeValidation(w, r, "api_key_id is required", map[string]any{"field": "api_key_id"})
		return
	}
	expiresAt, ok := s.parseExpiresAt(w, r, req.ExpiresAt)
	if !ok {
		return
	}

	caller := feen.CallerFromContext(r.Context())
	key, err := s.deps.Store.GetAPIKey(r.Context(), req.APIKeyID)
	if err != nil {
		s.writeError(w, r, err, 0)
		return
	}
	if key.OwnerUserID != caller.UserID && !caller.IsAdmin() {
		s.writeError(w, r, feen.ErrNotFound, 0)
		return
	}

	plaintext, err := crypto.MintAccessToken()
	if err != nil {
		s.writeError(w, r, err, 0)
		return
	}

	rpm := req.RatePerMinute
	if rpm <= 0 {
		rpm = s.deps.DefaultRPM
	}
	scopes := req.Scopes
	if len(scopes) == 0 {
		scopes = []string{"*"}
	}

	var signingSecret string
	if req.RequireSig {
		raw := make([]byte, 32)
		if _, err := rand.Read(raw); err != nil {
			s.writeError(w, r, err, 0)
			return
		}
		signingSecret = hex.EncodeToString(raw)
	}

	stored := ""
	if s.deps.StorePlaintext {
		stored = plaintext
	}
	t := &feen.SharedToken{
		ID:            uuid.Must(uuid.NewV7()).String(),
		APIKeyID:      key.ID,
		OwnerUserID:   key.OwnerUserID,
		AccessToken:   stored,
		TokenHash:     feen.HashToken(plaintext),
		Name:          req.Name,
		RatePerMinute: rpm,
		DailyCap:      req.DailyCap,
		MaxTotalUse:   req.MaxTotalUse,
		ExpiresAt:     expiresAt,
		AllowedIPs:    req.AllowedIPs,
		AllowedModels: req.AllowedModels,
		Scopes:        scopes,
		RequireSig:    req.RequireSig,
		SigningSecret: signingSecret,
		Active:        true,
		CreatedAt:     time.Now().UTC(),
	}

	audit := &feen.AuditLog{
		ID:        uuid.Must(uuid.NewV7()).String(),
		UserID:    caller.UserID,
		Action:    feen.AuditSharedKeyCreated,
		Resource:  t.ID,
		RequestID: feen.RequestIDFromContext(r.Context()),
		ClientIP:  clientIP(r),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.deps.Store.CreateSharedToken(r.Context(), t, audit); err != nil {
		s.writeError(w, r, err, 0)
		return
	}

	w.Header().Set("Location", "/api/tokens/"+t.ID)
	writeJSON(w, http.StatusCreated, tokenCreateResponse{
		SharedToken:   t,
		AccessToken:   plaintext,
		SigningSecret: signingSecret,
	})
}

func (s *server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.scopeOwner(w, r)
	if !ok {
		return
	}
	tokens, err := s.deps.Store.ListSharedTokens(r.Context(), owner)
	if err != nil {
		s.writeError(w, r, err, 0)
		return
	}
	if tokens == nil {
		tokens = []*feen.SharedToken{}
	}
	writeJSON(w, http.StatusOK, listResponse{Data: tokens, Pagination: pagination{Limit: len(tokens)}})
}

// ownedToken loads a shared token and enforces ownership (admins bypass).
func (s *server) ownedToken(w http.ResponseWriter, r *http.Request) (*feen.SharedToken, bool) {
	t, err := s.deps.Store.GetSharedToken(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err, 0)
		return nil, false
	}
	caller := feen.CallerFromContext(r.Context())
	if t.OwnerUserID != caller.UserID && !caller.IsAdmin() {
		s.writeError(w, r, feen.ErrNotFound, 0)
		return nil, false
	}
	return t, true
}

func (s *server) handleGetToken(w http.ResponseWriter, r *http.Request) {
	t, ok := s.ownedToken(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type tokenUpdateRequest struct {
	Name          *string   `json:"name"`
	RatePerMinute *int64    `json:"rate_per_minute"`
	DailyCap      *int64    `json:"daily_cap"`
	MaxTotalUse   *int64    `json:"max_total_use"`
	ExpiresAt     *string   `json:"expires_at"`
	AllowedIPs    *[]string `json:"allowed_ips"`
	AllowedModels *[]string `json:"allowed_models"`
	Scopes        *[]string `json:"scopes"`
	Active        *bool     `json:"active"`
}

func (s *server) handleUpdateToken(w http.ResponseWriter, r *http.Request) {
	t, ok := s.ownedToken(w, r)
	if !ok {
		return
	}
	var req tokenUpdateRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	if req.Name != nil {
		t.Name = *req.Name
	}
	if req.RatePerMinute != nil {
		t.RatePerMinute = *req.RatePerMinute
	}
	if req.DailyCap != nil {
		t.DailyCap = *req.DailyCap
	}
	if req.MaxTotalUse != nil {
		t.MaxTotalUse = req.MaxTotalUse
	}
	if req.ExpiresAt != nil {
		expiresAt, ok := s.parseExpiresAt(w, r, req.ExpiresAt)
		if !ok {
			return
		}
		t.ExpiresAt = expiresAt
	}
	if req.AllowedIPs != nil {
		t.AllowedIPs = *req.AllowedIPs
	}
	if req.AllowedModels != nil {
		t.AllowedModels = *req.AllowedModels
	}
	if req.Scopes != nil {
		t.Scopes = *req.Scopes
	}
	if req.Active != nil {
		t.Active = *req.Active
	}

	if err := s.deps.Store.UpdateSharedToken(r.Context(), t); err != nil {
		s.writeError(w, r, err, 0)
		return
	}
	s.deps.Policy.InvalidateByTokenID(t.ID)
	s.audit(r, feen.AuditSharedKeyUpdated, t.ID, nil)
	writeJSON(w, http.StatusOK, t)
}

func (s *server) handleDeleteToken(w http.ResponseWriter, r *http.Request) {
	t, ok := s.ownedToken(w, r)
	if !ok {
		return
	}
	if err := s.deps.Store.DeleteSharedToken(r.Context(), t.ID); err != nil {
		s.writeError(w, r, err, 0)
		return
	}
	s.deps.Policy.InvalidateByTokenID(t.ID)
	s.audit(r, feen.AuditSharedKeyDeleted, t.ID, nil)
	w.WriteHeader(http.StatusNoContent)
}

// handleRotateToken replaces the token's credential on demand. The new
// plaintext is returned exactly once.
func (s *server) handleRotateToken(w http.ResponseWriter, r *http.Request) {
	t, ok := s.ownedToken(w, r)
	if !ok {
		return
	}
	plaintext, err := s.deps.Guard.Rotate(r.Context(), t, guard.ReasonManual)
	if err != nil {
		s.writeError(w, r, err, 0)
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.TokenRotations.WithLabelValues(guard.ReasonManual).Inc()
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"id":           t.ID,
		"access_token": plaintext,
	})
}
