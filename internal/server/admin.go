package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	feen "github.com/feenlabs/feen/internal"
)

// maxAdminBody is the maximum allowed control-plane request body size (1 MB).
const maxAdminBody = 1 << 20

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on error.
// Returns true if decoding succeeded.
func (s *server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeValidation(w, r, "invalid request body", nil)
		return false
	}
	return true
}

// --- Pagination helpers ---

type pagination struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

type listResponse struct {
	Data       any        `json:"data"`
	Pagination pagination `json:"pagination"`
}

func parsePagination(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return
}

// scopeOwner resolves whose resources a listing covers: the caller's own, or
// any user when an admin passes user_id explicitly.
func (s *server) scopeOwner(w http.ResponseWriter, r *http.Request) (string, bool) {
	caller := feen.CallerFromContext(r.Context())
	owner := r.URL.Query().Get("user_id")
	if owner == "" || owner == caller.UserID {
		return caller.UserID, true
	}
	if !caller.IsAdmin() {
		s.writeError(w, r, feen.ErrForbidden, 0)
		return "", false
	}
	return owner, true
}

// parseExpiresAt parses an optional RFC3339 expires_at string pointer.
func (s *server) parseExpiresAt(w http.ResponseWriter, r *http.Request, raw *string) (*time.Time, bool) {
	if raw == nil || *raw == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, *raw)
	if err != nil {
		s.writeValidation(w, r, "invalid expires_at format, use RFC3339", map[string]any{"field": "expires_at"})
		return nil, false
	}
	return &t, true
}

// --- Usage and audit listings ---

func (s *server) handleListUsage(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.scopeOwner(w, r)
	if !ok {
		return
	}
	offset, limit := parsePagination(r)
	records, err := s.deps.Store.ListUsage(r.Context(), owner, offset, limit)
	if err != nil {
		s.writeError(w, r, err, 0)
		return
	}
	if records == nil {
		records = []*feen.UsageLog{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       records,
		Pagination: pagination{Offset: offset, Limit: limit},
	})
}

func (s *server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.scopeOwner(w, r)
	if !ok {
		return
	}
	offset, limit := parsePagination(r)
	records, err := s.deps.Store.ListAudit(r.Context(), owner, offset, limit)
	if err != nil {
		s.writeError(w, r, err, 0)
		return
	}
	if records == nil {
		records = []*feen.AuditLog{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       records,
		Pagination: pagination{Offset: offset, Limit: limit},
	})
}
