// Package testutil provides in-memory fakes for tests.
package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	feen "github.com/feenlabs/feen/internal"
)

// FakeStore is an in-memory implementation of storage.Store for testing.
type FakeStore struct {
	mu       sync.RWMutex
	users    map[string]*feen.User
	keys     map[string]*feen.APIKey
	tokens   map[string]*feen.SharedToken
	usage    []feen.UsageLog
	audits   []*feen.AuditLog
	webhooks map[string]*feen.Webhook

	keyOrder   []string // creation order, mirrors the SQL ORDER BY created_at
	tokenOrder []string
}

// NewFakeStore returns a FakeStore with empty collections.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		users:    make(map[string]*feen.User),
		keys:     make(map[string]*feen.APIKey),
		tokens:   make(map[string]*feen.SharedToken),
		webhooks: make(map[string]*feen.Webhook),
	}
}

// --- UserStore ---

func (s *FakeStore) CreateUser(_ context.Context, u *feen.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Email == u.Email {
			return feen.ErrConflict
		}
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *FakeStore) GetUser(_ context.Context, id string) (*feen.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, feen.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *FakeStore) GetUserByEmail(_ context.Context, email string) (*feen.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, feen.ErrNotFound
}

func (s *FakeStore) UpdateUser(_ context.Context, u *feen.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; !ok {
		return feen.ErrNotFound
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

// --- APIKeyStore ---

func (s *FakeStore) CreateAPIKey(_ context.Context, k *feen.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *k
	s.keys[k.ID] = &cp
	s.keyOrder = append(s.keyOrder, k.ID)
	return nil
}

func (s *FakeStore) GetAPIKey(_ context.Context, id string) (*feen.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, feen.ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (s *FakeStore) GetAPIKeyByMaterialHash(_ context.Context, ownerID, hash string) (*feen.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.OwnerUserID == ownerID && k.MaterialHash == hash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, feen.ErrNotFound
}

func (s *FakeStore) ListAPIKeys(_ context.Context, ownerID string) ([]*feen.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*feen.APIKey
	for _, id := range s.keyOrder {
		k, ok := s.keys[id]
		if !ok || k.OwnerUserID != ownerID {
			continue
		}
		cp := *k
		out = append(out, &cp)
	}
	return out, nil
}

func (s *FakeStore) UpdateAPIKey(_ context.Context, k *feen.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[k.ID]; !ok {
		return feen.ErrNotFound
	}
	cp := *k
	s.keys[k.ID] = &cp
	return nil
}

func (s *FakeStore) DeleteAPIKey(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[id]; !ok {
		return feen.ErrNotFound
	}
	delete(s.keys, id)
	for tid, t := range s.tokens {
		if t.APIKeyID == id {
			delete(s.tokens, tid)
		}
	}
	return nil
}

func (s *FakeStore) ListProbeKeys(_ context.Context) ([]*feen.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	best := make(map[feen.Provider]*feen.APIKey)
	for _, id := range s.keyOrder {
		k, ok := s.keys[id]
		if !ok || !k.Active {
			continue
		}
		cur, seen := best[k.Provider]
		if !seen || lastActivity(k).After(lastActivity(cur)) {
			best[k.Provider] = k
		}
	}
	var out []*feen.APIKey
	for _, k := range best {
		cp := *k
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out, nil
}

func lastActivity(k *feen.APIKey) time.Time {
	if k.LastUsedAt != nil {
		return *k.LastUsedAt
	}
	return k.CreatedAt
}

func (s *FakeStore) TouchAPIKeyUsed(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[id]; ok {
		t := at
		k.LastUsedAt = &t
	}
	return nil
}

// --- TokenStore ---

func (s *FakeStore) CreateSharedToken(ctx context.Context, t *feen.SharedToken, audit *feen.AuditLog) error {
	s.mu.Lock()
	cp := *t
	s.tokens[t.ID] = &cp
	s.tokenOrder = append(s.tokenOrder, t.ID)
	s.mu.Unlock()
	if audit != nil {
		return s.InsertAudit(ctx, audit)
	}
	return nil
}

func (s *FakeStore) GetSharedToken(_ context.Context, id string) (*feen.SharedToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[id]
	if !ok {
		return nil, feen.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *FakeStore) GetSharedTokenByHash(_ context.Context, hash string) (*feen.SharedToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tokens {
		if t.TokenHash == hash {
			cp := *t
			return &cp, nil
		}
	}
	return nil, feen.ErrNotFound
}

func (s *FakeStore) ListSharedTokens(_ context.Context, ownerID string) ([]*feen.SharedToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*feen.SharedToken
	for _, id := range s.tokenOrder {
		t, ok := s.tokens[id]
		if !ok || t.OwnerUserID != ownerID {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (s *FakeStore) ListSharedTokensByAPIKey(_ context.Context, apiKeyID string) ([]*feen.SharedToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*feen.SharedToken
	for _, id := range s.tokenOrder {
		t, ok := s.tokens[id]
		if !ok || t.APIKeyID != apiKeyID {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (s *FakeStore) UpdateSharedToken(_ context.Context, t *feen.SharedToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[t.ID]; !ok {
		return feen.ErrNotFound
	}
	cp := *t
	s.tokens[t.ID] = &cp
	return nil
}

func (s *FakeStore) DeleteSharedToken(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[id]; !ok {
		return feen.ErrNotFound
	}
	delete(s.tokens, id)
	return nil
}

func (s *FakeStore) RotateSharedToken(_ context.Context, id, accessToken, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok {
		return feen.ErrNotFound
	}
	t.AccessToken = accessToken
	t.TokenHash = tokenHash
	return nil
}

func (s *FakeStore) ListExpiredActive(_ context.Context, now time.Time) ([]*feen.SharedToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*feen.SharedToken
	for _, id := range s.tokenOrder {
		t, ok := s.tokens[id]
		if !ok || !t.Active || t.ExpiresAt == nil || !t.ExpiresAt.Before(now) {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (s *FakeStore) BumpTokenUsage(_ context.Context, id string, n int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok {
		return feen.ErrNotFound
	}
	t.UsageCount += n
	ts := at
	t.LastUsedAt = &ts
	return nil
}

// --- UsageStore ---

func (s *FakeStore) InsertUsage(_ context.Context, records []feen.UsageLog) error {
	s.mu.Lock()
	s.usage = append(s.usage, records...)
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) ListUsage(_ context.Context, ownerID string, offset, limit int) ([]*feen.UsageLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []*feen.UsageLog
	for i := len(s.usage) - 1; i >= 0; i-- {
		if ownerID == "" || s.usage[i].UserID == ownerID {
			cp := s.usage[i]
			matched = append(matched, &cp)
		}
	}
	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *FakeStore) CountTokenUsageSince(_ context.Context, tokenID string, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, u := range s.usage {
		if u.SharedTokenID == tokenID && !u.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *FakeStore) PruneUsage(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.usage[:0]
	var pruned int64
	for _, u := range s.usage {
		if u.CreatedAt.Before(olderThan) {
			pruned++
			continue
		}
		kept = append(kept, u)
	}
	s.usage = kept
	return pruned, nil
}

// UsageCount returns the number of stored usage records.
func (s *FakeStore) UsageCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.usage)
}

// --- AuditStore ---

func (s *FakeStore) InsertAudit(_ context.Context, a *feen.AuditLog) error {
	s.mu.Lock()
	cp := *a
	s.audits = append(s.audits, &cp)
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) ListAudit(_ context.Context, userID string, offset, limit int) ([]*feen.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []*feen.AuditLog
	for i := len(s.audits) - 1; i >= 0; i-- {
		if userID == "" || s.audits[i].UserID == userID {
			cp := *s.audits[i]
			matched = append(matched, &cp)
		}
	}
	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *FakeStore) PruneAudit(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.audits[:0]
	var pruned int64
	for _, a := range s.audits {
		if a.CreatedAt.Before(olderThan) {
			pruned++
			continue
		}
		kept = append(kept, a)
	}
	s.audits = kept
	return pruned, nil
}

// AuditActions returns the actions of all stored audit entries, oldest first.
func (s *FakeStore) AuditActions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.audits))
	for _, a := range s.audits {
		out = append(out, a.Action)
	}
	return out
}

// --- WebhookStore ---

func (s *FakeStore) CreateWebhook(_ context.Context, w *feen.Webhook) error {
	s.mu.Lock()
	cp := *w
	s.webhooks[w.ID] = &cp
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) ListWebhooks(_ context.Context, ownerID string) ([]*feen.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*feen.Webhook
	for _, w := range s.webhooks {
		if ownerID == "" || w.OwnerUserID == ownerID {
			cp := *w
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *FakeStore) ListActiveWebhooksForEvent(_ context.Context, event string) ([]*feen.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*feen.Webhook
	for _, w := range s.webhooks {
		if !w.Active {
			continue
		}
		for _, ev := range w.Events {
			if ev == event {
				cp := *w
				out = append(out, &cp)
				break
			}
		}
	}
	return out, nil
}

func (s *FakeStore) DeleteWebhook(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.webhooks[id]; !ok {
		return feen.ErrNotFound
	}
	delete(s.webhooks, id)
	return nil
}

// --- Store ---

func (s *FakeStore) Ping(context.Context) error { return nil }
func (s *FakeStore) Close() error               { return nil }
