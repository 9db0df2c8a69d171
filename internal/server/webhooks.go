package server

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	feen "github.com/feenlabs/feen/internal"
)

// knownEvents is the fan-out vocabulary accepted at registration time.
var knownEvents = map[string]struct{}{
	feen.EventTokenRotated:     {},
	feen.EventTokenExpired:     {},
	feen.EventTokenDeactivated: {},
	feen.EventDailyCapReached:  {},
}

type webhookCreateRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

type webhookCreateResponse struct {
	*feen.Webhook
	// Secret signs deliveries; returned exactly once.
	Secret string `json:"secret"`
}

func (s *server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookCreateRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		s.writeValidation(w, r, "valid http(s) url is required", map[string]any{"field": "url"})
		return
	}
	if len(req.Events) == 0 {
		s.writeValidation(w, r, "at least one event is required", map[string]any{"field": "events"})
		return
	}
	for _, ev := range req.Events {
		if _, ok := knownEvents[ev]; !ok {
			s.writeValidation(w, r, "unknown event", map[string]any{"event": ev})
			return
		}
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		s.writeError(w, r, err, 0)
		return
	}
	secret := hex.EncodeToString(raw)

	caller := feen.CallerFromContext(r.Context())
	hook := &feen.Webhook{
		ID:          uuid.Must(uuid.NewV7()).String(),
		OwnerUserID: caller.UserID,
		URL:         req.URL,
		Secret:      secret,
		Events:      req.Events,
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.deps.Store.CreateWebhook(r.Context(), hook); err != nil {
		s.writeError(w, r, err, 0)
		return
	}
	s.audit(r, feen.AuditWebhookCreated, hook.ID, map[string]any{"url": hook.URL})
	w.Header().Set("Location", "/api/webhooks/"+hook.ID)
	writeJSON(w, http.StatusCreated, webhookCreateResponse{Webhook: hook, Secret: secret})
}

func (s *server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.scopeOwner(w, r)
	if !ok {
		return
	}
	hooks, err := s.deps.Store.ListWebhooks(r.Context(), owner)
	if err != nil {
		s.writeError(w, r, err, 0)
		return
	}
	if hooks == nil {
		hooks = []*feen.Webhook{}
	}
	writeJSON(w, http.StatusOK, listResponse{Data: hooks, Pagination: pagination{Limit: len(hooks)}})
}

func (s *server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	caller := feen.CallerFromContext(r.Context())

	hooks, err := s.deps.Store.ListWebhooks(r.Context(), caller.UserID)
	if err != nil {
		s.writeError(w, r, err, 0)
		return
	}
	owned := false
	for _, h := range hooks {
		if h.ID == id {
			owned = true
			break
		}
	}
	if !owned && !caller.IsAdmin() {
		s.writeError(w, r, feen.ErrNotFound, 0)
		return
	}

	if err := s.deps.Store.DeleteWebhook(r.Context(), id); err != nil {
		s.writeError(w, r, err, 0)
		return
	}
	s.audit(r, feen.AuditWebhookDeleted, id, nil)
	w.WriteHeader(http.StatusNoContent)
}
