package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	feen "github.com/feenlabs/feen/internal"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedUser(t *testing.T, s *Store, id string) *feen.User {
	t.Helper()
	u := &feen.User{
		ID:           id,
		Email:        id + "@example.com",
		PasswordHash: "salt:hash",
		Roles:        []string{"member"},
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return u
}

func seedKey(t *testing.T, s *Store, id, owner string, p feen.Provider) *feen.APIKey {
	t.Helper()
	k := &feen.APIKey{
		ID:                id,
		OwnerUserID:       owner,
		Provider:          p,
		EncryptedMaterial: "blob-" + id,
		MaterialHash:      "hash-" + id,
		DisplayPrefix:     "sk-l...3456",
		Active:            true,
		CreatedAt:         time.Now().UTC().Truncate(time.Second),
	}
	if err := s.CreateAPIKey(context.Background(), k); err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
	return k
}

func seedToken(t *testing.T, s *Store, id, keyID, owner string) *feen.SharedToken {
	t.Helper()
	tok := &feen.SharedToken{
		ID:          id,
		APIKeyID:    keyID,
		OwnerUserID: owner,
		TokenHash:   "tokenhash-" + id,
		Scopes:      []string{"*"},
		Active:      true,
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
	}
	if err := s.CreateSharedToken(context.Background(), tok, nil); err != nil {
		t.Fatalf("CreateSharedToken: %v", err)
	}
	return tok
}

func TestUserCRUD(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()
	u := seedUser(t, s, "user-1")

	got, err := s.GetUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got.Email != u.Email || len(got.Roles) != 1 || got.Roles[0] != "member" {
		t.Errorf("got %+v", got)
	}

	byEmail, err := s.GetUserByEmail(ctx, u.Email)
	if err != nil || byEmail.ID != "user-1" {
		t.Errorf("GetUserByEmail: %v, %v", byEmail, err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	got.TwoFactor = true
	got.TOTPSecret = "sealed-secret"
	got.BackupCodes = []string{"h1", "h2"}
	got.LastLoginAt = &now
	if err := s.UpdateUser(ctx, got); err != nil {
		t.Fatalf("UpdateUser: %v", err)
	}
	got, _ = s.GetUser(ctx, "user-1")
	if !got.TwoFactor || got.TOTPSecret != "sealed-secret" || len(got.BackupCodes) != 2 {
		t.Errorf("update not persisted: %+v", got)
	}
	if got.LastLoginAt == nil || !got.LastLoginAt.Equal(now) {
		t.Errorf("last login = %v, want %v", got.LastLoginAt, now)
	}
}

func TestUser_DuplicateEmail(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	seedUser(t, s, "user-1")

	dup := &feen.User{ID: "user-2", Email: "user-1@example.com", PasswordHash: "x", CreatedAt: time.Now().UTC()}
	if err := s.CreateUser(context.Background(), dup); !errors.Is(err, feen.ErrConflict) {
		t.Errorf("err = %v, want ErrConflict", err)
	}
}

func TestUser_NotFound(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	if _, err := s.GetUser(context.Background(), "nope"); !errors.Is(err, feen.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestAPIKeyCRUD(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()
	seedUser(t, s, "user-1")
	k := seedKey(t, s, "key-1", "user-1", feen.ProviderOpenAI)

	got, err := s.GetAPIKey(ctx, "key-1")
	if err != nil {
		t.Fatalf("GetAPIKey: %v", err)
	}
	if got.EncryptedMaterial != k.EncryptedMaterial || got.Provider != feen.ProviderOpenAI {
		t.Errorf("got %+v", got)
	}

	byHash, err := s.GetAPIKeyByMaterialHash(ctx, "user-1", "hash-key-1")
	if err != nil || byHash.ID != "key-1" {
		t.Errorf("GetAPIKeyByMaterialHash: %v, %v", byHash, err)
	}
	if _, err := s.GetAPIKeyByMaterialHash(ctx, "other-user", "hash-key-1"); !errors.Is(err, feen.ErrNotFound) {
		t.Errorf("material hash lookup must be owner-scoped, err = %v", err)
	}

	got.Name = "prod key"
	got.RatePerMinute = 120
	got.Active = false
	if err := s.UpdateAPIKey(ctx, got); err != nil {
		t.Fatalf("UpdateAPIKey: %v", err)
	}
	got, _ = s.GetAPIKey(ctx, "key-1")
	if got.Name != "prod key" || got.RatePerMinute != 120 || got.Active {
		t.Errorf("update not persisted: %+v", got)
	}

	if err := s.DeleteAPIKey(ctx, "key-1"); err != nil {
		t.Fatalf("DeleteAPIKey: %v", err)
	}
	if _, err := s.GetAPIKey(ctx, "key-1"); !errors.Is(err, feen.ErrNotFound) {
		t.Errorf("deleted key still resolves: %v", err)
	}
}

func TestAPIKey_ListCreationOrder(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()
	seedUser(t, s, "user-1")

	base := time.Now().UTC().Truncate(time.Second)
	for i, id := range []string{"key-a", "key-b", "key-c"} {
		k := &feen.APIKey{
			ID: id, OwnerUserID: "user-1", Provider: feen.ProviderOpenAI,
			EncryptedMaterial: "blob", MaterialHash: "hash-" + id,
			DisplayPrefix: "****", Active: true,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := s.CreateAPIKey(ctx, k); err != nil {
			t.Fatal(err)
		}
	}

	keys, err := s.ListAPIKeys(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListAPIKeys: %v", err)
	}
	if len(keys) != 3 || keys[0].ID != "key-a" || keys[2].ID != "key-c" {
		ids := make([]string, len(keys))
		for i, k := range keys {
			ids[i] = k.ID
		}
		t.Errorf("order = %v, want creation order", ids)
	}
}

func TestAPIKey_DeleteCascadesTokens(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()
	seedUser(t, s, "user-1")
	seedKey(t, s, "key-1", "user-1", feen.ProviderOpenAI)
	seedToken(t, s, "tok-1", "key-1", "user-1")

	if err := s.DeleteAPIKey(ctx, "key-1"); err != nil {
		t.Fatalf("DeleteAPIKey: %v", err)
	}
	if _, err := s.GetSharedToken(ctx, "tok-1"); !errors.Is(err, feen.ErrNotFound) {
		t.Errorf("token should cascade-delete with its key, err = %v", err)
	}
}

func TestListProbeKeys(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()
	seedUser(t, s, "user-1")

	old := seedKey(t, s, "key-openai-old", "user-1", feen.ProviderOpenAI)
	fresh := seedKey(t, s, "key-openai-new", "user-1", feen.ProviderOpenAI)
	seedKey(t, s, "key-groq", "user-1", feen.ProviderGroq)
	dead := seedKey(t, s, "key-anthropic", "user-1", feen.ProviderAnthropic)

	// The recently used OpenAI key wins its provider slot.
	s.TouchAPIKeyUsed(ctx, fresh.ID, time.Now().UTC())
	s.TouchAPIKeyUsed(ctx, old.ID, time.Now().UTC().Add(-time.Hour))

	dead.Active = false
	s.UpdateAPIKey(ctx, dead)

	keys, err := s.ListProbeKeys(ctx)
	if err != nil {
		t.Fatalf("ListProbeKeys: %v", err)
	}
	byProvider := map[feen.Provider]string{}
	for _, k := range keys {
		byProvider[k.Provider] = k.ID
	}
	if len(keys) != 2 {
		t.Fatalf("got %d probe keys, want 2 (one per active provider)", len(keys))
	}
	if byProvider[feen.ProviderOpenAI] != "key-openai-new" {
		t.Errorf("OpenAI probe key = %s, want the most recently used", byProvider[feen.ProviderOpenAI])
	}
	if _, ok := byProvider[feen.ProviderAnthropic]; ok {
		t.Error("inactive provider key should not be probed")
	}
}

func TestSharedTokenRoundTrip(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()
	seedUser(t, s, "user-1")
	seedKey(t, s, "key-1", "user-1", feen.ProviderOpenAI)

	max := int64(100)
	exp := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Second)
	tok := &feen.SharedToken{
		ID:            "tok-1",
		APIKeyID:      "key-1",
		OwnerUserID:   "user-1",
		TokenHash:     "hash-1",
		Name:          "ci token",
		RatePerMinute: 60,
		DailyCap:      1000,
		MaxTotalUse:   &max,
		ExpiresAt:     &exp,
		AllowedIPs:    []string{"10.0.0.0/8"},
		AllowedModels: []string{"gpt-4o"},
		Scopes:        []string{"chat", "embeddings"},
		RequireSig:    true,
		SigningSecret: "sig-secret",
		Active:        true,
		CreatedAt:     time.Now().UTC().Truncate(time.Second),
	}
	audit := &feen.AuditLog{
		ID: "audit-1", UserID: "user-1", Action: feen.AuditSharedKeyCreated,
		Resource: "tok-1", CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateSharedToken(ctx, tok, audit); err != nil {
		t.Fatalf("CreateSharedToken: %v", err)
	}

	got, err := s.GetSharedTokenByHash(ctx, "hash-1")
	if err != nil {
		t.Fatalf("GetSharedTokenByHash: %v", err)
	}
	if got.Name != "ci token" || !got.RequireSig || got.SigningSecret != "sig-secret" {
		t.Errorf("got %+v", got)
	}
	if got.MaxTotalUse == nil || *got.MaxTotalUse != 100 {
		t.Errorf("max total use = %v", got.MaxTotalUse)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(exp) {
		t.Errorf("expires = %v, want %v", got.ExpiresAt, exp)
	}
	if len(got.AllowedIPs) != 1 || len(got.Scopes) != 2 {
		t.Errorf("lists not round-tripped: %+v", got)
	}

	// The transactional audit entry landed too.
	audits, err := s.ListAudit(ctx, "user-1", 0, 10)
	if err != nil || len(audits) != 1 || audits[0].Action != feen.AuditSharedKeyCreated {
		t.Errorf("audit entries = %v, %v", audits, err)
	}
}

func TestSharedToken_DuplicateHashConflicts(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()
	seedUser(t, s, "user-1")
	seedKey(t, s, "key-1", "user-1", feen.ProviderOpenAI)
	seedToken(t, s, "tok-1", "key-1", "user-1")

	dup := &feen.SharedToken{
		ID: "tok-2", APIKeyID: "key-1", OwnerUserID: "user-1",
		TokenHash: "tokenhash-tok-1", Active: true, CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateSharedToken(ctx, dup, nil); !errors.Is(err, feen.ErrConflict) {
		t.Errorf("err = %v, want ErrConflict on duplicate hash", err)
	}
}

func TestRotateSharedToken(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()
	seedUser(t, s, "user-1")
	seedKey(t, s, "key-1", "user-1", feen.ProviderOpenAI)
	seedToken(t, s, "tok-1", "key-1", "user-1")

	if err := s.RotateSharedToken(ctx, "tok-1", "", "new-hash"); err != nil {
		t.Fatalf("RotateSharedToken: %v", err)
	}
	if _, err := s.GetSharedTokenByHash(ctx, "tokenhash-tok-1"); !errors.Is(err, feen.ErrNotFound) {
		t.Error("old hash still resolves after rotation")
	}
	got, err := s.GetSharedTokenByHash(ctx, "new-hash")
	if err != nil || got.ID != "tok-1" {
		t.Errorf("new hash lookup: %v, %v", got, err)
	}
	if got.AccessToken != "" {
		t.Errorf("access token = %q, want empty", got.AccessToken)
	}
}

func TestListExpiredActive(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()
	seedUser(t, s, "user-1")
	seedKey(t, s, "key-1", "user-1", feen.ProviderOpenAI)

	now := time.Now().UTC().Truncate(time.Second)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	mk := func(id string, exp *time.Time, active bool) {
		tok := &feen.SharedToken{
			ID: id, APIKeyID: "key-1", OwnerUserID: "user-1",
			TokenHash: "hash-" + id, ExpiresAt: exp, Active: active,
			CreatedAt: now,
		}
		if err := s.CreateSharedToken(ctx, tok, nil); err != nil {
			t.Fatal(err)
		}
	}
	mk("tok-expired", &past, true)
	mk("tok-live", &future, true)
	mk("tok-eternal", nil, true)
	mk("tok-already-off", &past, false)

	got, err := s.ListExpiredActive(ctx, now)
	if err != nil {
		t.Fatalf("ListExpiredActive: %v", err)
	}
	if len(got) != 1 || got[0].ID != "tok-expired" {
		ids := make([]string, len(got))
		for i, tok := range got {
			ids[i] = tok.ID
		}
		t.Errorf("expired = %v, want [tok-expired]", ids)
	}
}

func TestBumpTokenUsage(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()
	seedUser(t, s, "user-1")
	seedKey(t, s, "key-1", "user-1", feen.ProviderOpenAI)
	seedToken(t, s, "tok-1", "key-1", "user-1")

	at := time.Now().UTC().Truncate(time.Second)
	s.BumpTokenUsage(ctx, "tok-1", 1, at)
	s.BumpTokenUsage(ctx, "tok-1", 2, at)

	got, _ := s.GetSharedToken(ctx, "tok-1")
	if got.UsageCount != 3 {
		t.Errorf("usage count = %d, want 3", got.UsageCount)
	}
	if got.LastUsedAt == nil || !got.LastUsedAt.Equal(at) {
		t.Errorf("last used = %v, want %v", got.LastUsedAt, at)
	}
}

func TestUsageInsertCountPrune(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()
	seedUser(t, s, "user-1")
	seedKey(t, s, "key-1", "user-1", feen.ProviderOpenAI)
	seedToken(t, s, "tok-1", "key-1", "user-1")

	now := time.Now().UTC().Truncate(time.Second)
	tokens := int64(42)
	records := []feen.UsageLog{
		{
			ID: "u-1", APIKeyID: "key-1", SharedTokenID: "tok-1", UserID: "user-1",
			Provider: feen.ProviderOpenAI, Model: "gpt-4o", Endpoint: "/v1/chat/completions",
			Method: "POST", StatusCode: 200, TotalTokens: &tokens, LatencyMs: 120,
			ClientIP: "203.0.113.7", CreatedAt: now,
		},
		{
			ID: "u-2", APIKeyID: "key-1", SharedTokenID: "tok-1", UserID: "user-1",
			Provider: feen.ProviderOpenAI, Endpoint: "/v1/chat/completions",
			Method: "POST", StatusCode: 502, CreatedAt: now.Add(-48 * time.Hour),
		},
	}
	if err := s.InsertUsage(ctx, records); err != nil {
		t.Fatalf("InsertUsage: %v", err)
	}

	rows, err := s.ListUsage(ctx, "user-1", 0, 10)
	if err != nil || len(rows) != 2 {
		t.Fatalf("ListUsage: %d rows, %v", len(rows), err)
	}
	// Newest first; token counts round-trip.
	if rows[0].ID != "u-1" || rows[0].TotalTokens == nil || *rows[0].TotalTokens != 42 {
		t.Errorf("rows[0] = %+v", rows[0])
	}

	n, err := s.CountTokenUsageSince(ctx, "tok-1", now.Add(-time.Hour))
	if err != nil || n != 1 {
		t.Errorf("CountTokenUsageSince = %d, %v, want 1", n, err)
	}

	pruned, err := s.PruneUsage(ctx, now.Add(-24*time.Hour))
	if err != nil || pruned != 1 {
		t.Errorf("PruneUsage = %d, %v, want 1", pruned, err)
	}
}

func TestAuditListAndPrune(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()
	seedUser(t, s, "user-1")

	now := time.Now().UTC().Truncate(time.Second)
	for i, action := range []string{feen.AuditAPIKeyCreated, feen.AuditSharedKeyCreated, feen.AuditTokenRotated} {
		a := &feen.AuditLog{
			ID: "a-" + action, UserID: "user-1", Action: action,
			Resource: "res-1", Detail: `{"k":"v"}`, ClientIP: "203.0.113.7",
			CreatedAt: now.Add(time.Duration(i) * time.Second),
		}
		if err := s.InsertAudit(ctx, a); err != nil {
			t.Fatal(err)
		}
	}

	rows, err := s.ListAudit(ctx, "user-1", 0, 2)
	if err != nil || len(rows) != 2 {
		t.Fatalf("ListAudit: %d rows, %v", len(rows), err)
	}
	if rows[0].Action != feen.AuditTokenRotated {
		t.Errorf("newest first expected, got %s", rows[0].Action)
	}

	pruned, err := s.PruneAudit(ctx, now.Add(10*time.Second))
	if err != nil || pruned != 3 {
		t.Errorf("PruneAudit = %d, %v, want 3", pruned, err)
	}
}

func TestWebhookStore(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()
	seedUser(t, s, "user-1")

	w := &feen.Webhook{
		ID: "wh-1", OwnerUserID: "user-1", URL: "https://example.com/hook",
		Secret: "whsec", Events: []string{feen.EventTokenRotated, feen.EventDailyCapReached},
		Active: true, CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := s.CreateWebhook(ctx, w); err != nil {
		t.Fatalf("CreateWebhook: %v", err)
	}

	hooks, err := s.ListWebhooks(ctx, "user-1")
	if err != nil || len(hooks) != 1 || hooks[0].Secret != "whsec" {
		t.Errorf("ListWebhooks: %v, %v", hooks, err)
	}

	subscribed, err := s.ListActiveWebhooksForEvent(ctx, feen.EventTokenRotated)
	if err != nil || len(subscribed) != 1 {
		t.Errorf("ListActiveWebhooksForEvent: %v, %v", subscribed, err)
	}
	none, err := s.ListActiveWebhooksForEvent(ctx, feen.EventTokenExpired)
	if err != nil || len(none) != 0 {
		t.Errorf("unsubscribed event matched: %v", none)
	}

	if err := s.DeleteWebhook(ctx, "wh-1"); err != nil {
		t.Fatalf("DeleteWebhook: %v", err)
	}
	if err := s.DeleteWebhook(ctx, "wh-1"); !errors.Is(err, feen.ErrNotFound) {
		t.Errorf("double delete err = %v, want ErrNotFound", err)
	}
}
