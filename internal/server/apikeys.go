package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	feen "github.com/feenlabs/feen/internal"
	"github.com/feenlabs/feen/internal/crypto"
)

type keyCreateRequest struct {
	Provider      string `json:"provider"`
	Material      string `json:"material"` // the upstream credential, plaintext
	Name          string `json:"name"`
	Team          string `json:"team"`
	BaseURL       string `json:"base_url"`
	RatePerMinute int64  `json:"rate_per_minute"`
	DailyCap      int64  `json:"daily_cap"`
}

// handleCreateKey deposits an upstream credential into the vault. The
// plaintext is sealed immediately; only the display prefix and the dedup hash
// survive in clear form.
func (s *server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req keyCreateRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	provider := feen.Provider(req.Provider)
	if !provider.Valid() {
		s.writeValidation(w, r, "unknown provider", map[string]any{"field": "provider"})
		return
	}
	if req.Material == "" {
		s.writeValidation(w, r, "material is required", map[string]any{"field": "material"})
		return
	}
	if (provider == feen.ProviderAzureOpenAI || provider == feen.ProviderCustom) && req.BaseURL == "" {
		s.writeValidation(w, r, "base_url is required for this provider", map[string]any{"field": "base_url"})
		return
	}

	caller := feen.CallerFromContext(r.Context())
	materialHash := feen.HashToken(req.Material)

	// Duplicate deposit of the same credential by the same owner is a conflict.
	if _, err := s.deps.Store.GetAPIKeyByMaterialHash(r.Context(), caller.UserID, materialHash); err == nil {
		s.writeError(w, r, feen.ErrConflict, 0)
		return
	} else if !errors.Is(err, feen.ErrNotFound) {
		s.writeError(w, r, err, 0)
		return
	}

	sealed, err := s.deps.Cipher.Seal([]byte(req.Material))
	if err != nil {
		s.writeError(w, r, err, 0)
		return
	}

	k := &feen.APIKey{
		ID:                uuid.Must(uuid.NewV7()).String(),
		OwnerUserID:       caller.UserID,
		Team:              req.Team,
		Provider:          provider,
		EncryptedMaterial: sealed,
		MaterialHash:      materialHash,
		DisplayPrefix:     crypto.DisplayPrefix(req.Material),
		Name:              req.Name,
		BaseURL:           req.BaseURL,
		RatePerMinute:     req.RatePerMinute,
		DailyCap:          req.DailyCap,
		Active:            true,
		CreatedAt:         time.Now().UTC(),
	}
	if err := s.deps.Store.CreateAPIKey(r.Context(), k); err != nil {
		s.writeError(w, r, err, 0)
		return
	}
	s.audit(r, feen.AuditAPIKeyCreated, k.ID, map[string]any{"provider": provider})
	w.Header().Set("Location", "/api/keys/"+k.ID)
	writeJSON(w, http.StatusCreated, k)
}

func (s *server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.scopeOwner(w, r)
	if !ok {
		return
	}
	keys, err := s.deps.Store.ListAPIKeys(r.Context(), owner)
	if err != nil {
		s.writeError(w, r, err, 0)
		return
	}
	if keys == nil {
		keys = []*feen.APIKey{}
	}
	writeJSON(w, http.StatusOK, listResponse{Data: keys, Pagination: pagination{Limit: len(keys)}})
}

// ownedKey loads a vault record and enforces ownership (admins bypass).
func (s *server) ownedKey(w http.ResponseWriter, r *http.Request) (*feen.APIKey, bool) {
	k, err := s.deps.Store.GetAPIKey(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err, 0)
		return nil, false
	}
	caller := feen.CallerFromContext(r.Context())
	if k.OwnerUserID != caller.UserID && !caller.IsAdmin() {
		// Hide existence of other users' keys.
		s.writeError(w, r, feen.ErrNotFound, 0)
		return nil, false
	}
	return k, true
}

func (s *server) handleGetKey(w http.ResponseWriter, r *http.Request) {
	k, ok := s.ownedKey(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, k)
}

type keyUpdateRequest struct {
	Name          *string `json:"name"`
	Team          *string `json:"team"`
	BaseURL       *string `json:"base_url"`
	RatePerMinute *int64  `json:"rate_per_minute"`
	DailyCap      *int64  `json:"daily_cap"`
	Active        *bool   `json:"active"`
}

// handleUpdateKey patches the policy envelope. The deposited material and its
// derived fields are immutable; rotating a credential means a new deposit.
func (s *server) handleUpdateKey(w http.ResponseWriter, r *http.Request) {
	k, ok := s.ownedKey(w, r)
	if !ok {
		return
	}
	var req keyUpdateRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	if req.Name != nil {
		k.Name = *req.Name
	}
	if req.Team != nil {
		k.Team = *req.Team
	}
	if req.BaseURL != nil {
		k.BaseURL = *req.BaseURL
	}
	if req.RatePerMinute != nil {
		k.RatePerMinute = *req.RatePerMinute
	}
	if req.DailyCap != nil {
		k.DailyCap = *req.DailyCap
	}
	if req.Active != nil {
		k.Active = *req.Active
	}

	if err := s.deps.Store.UpdateAPIKey(r.Context(), k); err != nil {
		s.writeError(w, r, err, 0)
		return
	}
	s.invalidateKeyTokens(r, k.ID)
	s.audit(r, feen.AuditAPIKeyUpdated, k.ID, nil)
	writeJSON(w, http.StatusOK, k)
}

func (s *server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	k, ok := s.ownedKey(w, r)
	if !ok {
		return
	}
	s.invalidateKeyTokens(r, k.ID)
	if err := s.deps.Store.DeleteAPIKey(r.Context(), k.ID); err != nil {
		s.writeError(w, r, err, 0)
		return
	}
	s.audit(r, feen.AuditAPIKeyDeleted, k.ID, nil)
	w.WriteHeader(http.StatusNoContent)
}

// handleRevealKey decrypts and returns the deposited credential. Every reveal
// is audit-logged; there is no silent read path to vault material.
func (s *server) handleRevealKey(w http.ResponseWriter, r *http.Request) {
	k, ok := s.ownedKey(w, r)
	if !ok {
		return
	}
	material, err := s.deps.Cipher.Open(k.EncryptedMaterial)
	if err != nil {
		s.writeError(w, r, err, 0)
		return
	}
	s.audit(r, feen.AuditAPIKeyRevealed, k.ID, nil)
	writeJSON(w, http.StatusOK, map[string]string{
		"id":       k.ID,
		"provider": string(k.Provider),
		"material": string(material),
	})
}

// invalidateKeyTokens drops cached policy rows for every token delegating the
// key, so envelope changes and deletions take effect within one request.
func (s *server) invalidateKeyTokens(r *http.Request, keyID string) {
	tokens, err := s.deps.Store.ListSharedTokensByAPIKey(r.Context(), keyID)
	if err != nil {
		return
	}
	for _, t := range tokens {
		s.deps.Policy.InvalidateByTokenID(t.ID)
	}
}
