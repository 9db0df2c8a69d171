package worker

import (
	"context"
	"strconv"
	"testing"
	"time"

	feen "github.com/feenlabs/feen/internal"
	"github.com/feenlabs/feen/internal/faststore"
	"github.com/feenlabs/feen/internal/testutil"
)

func usageFixture(t *testing.T) (*UsageRecorder, *testutil.FakeStore, faststore.Store) {
	t.Helper()
	store := testutil.NewFakeStore()
	fast, _ := testutil.NewFastStore(t)
	return NewUsageRecorder(store, fast), store, fast
}

func seedTokenKey(t *testing.T, store *testutil.FakeStore, dailyCap int64) (*feen.SharedToken, *feen.APIKey) {
	t.Helper()
	ctx := context.Background()
	key := &feen.APIKey{ID: "key-1", OwnerUserID: "user-1", Provider: feen.ProviderOpenAI, Active: true}
	if err := store.CreateAPIKey(ctx, key); err != nil {
		t.Fatal(err)
	}
	token := &feen.SharedToken{
		ID: "tok-1", APIKeyID: "key-1", OwnerUserID: "user-1",
		DailyCap: dailyCap, Active: true,
	}
	if err := store.CreateSharedToken(ctx, token, nil); err != nil {
		t.Fatal(err)
	}
	return token, key
}

func record(tokenID string) feen.UsageLog {
	return feen.UsageLog{
		APIKeyID:      "key-1",
		SharedTokenID: tokenID,
		UserID:        "user-1",
		Provider:      feen.ProviderOpenAI,
		StatusCode:    200,
		CreatedAt:     time.Now().UTC(),
	}
}

func TestUsageRecorder_FlushPersistsAndBumps(t *testing.T) {
	t.Parallel()
	u, store, _ := usageFixture(t)
	seedTokenKey(t, store, 0)

	u.flush(context.Background(), []feen.UsageLog{record("tok-1"), record("tok-1")})

	if got := store.UsageCount(); got != 2 {
		t.Errorf("persisted %d records, want 2", got)
	}
	token, _ := store.GetSharedToken(context.Background(), "tok-1")
	if token.UsageCount != 2 {
		t.Errorf("usage count = %d, want 2", token.UsageCount)
	}
	key, _ := store.GetAPIKey(context.Background(), "key-1")
	if key.LastUsedAt == nil {
		t.Error("vault key last-used not touched")
	}
}

func TestUsageRecorder_AssignsIDs(t *testing.T) {
	t.Parallel()
	u, store, _ := usageFixture(t)
	seedTokenKey(t, store, 0)

	u.flush(context.Background(), []feen.UsageLog{record("tok-1")})
	rows, _ := store.ListUsage(context.Background(), "user-1", 0, 10)
	if len(rows) != 1 || rows[0].ID == "" {
		t.Error("flushed record should carry a generated ID")
	}
}

func TestUsageRecorder_DailyCapDeactivates(t *testing.T) {
	t.Parallel()
	u, store, fast := usageFixture(t)
	seedTokenKey(t, store, 2)

	var deactivated []string
	u.OnDeactivate = func(id string) { deactivated = append(deactivated, id) }

	u.flush(context.Background(), []feen.UsageLog{record("tok-1")})
	token, _ := store.GetSharedToken(context.Background(), "tok-1")
	if !token.Active {
		t.Fatal("token deactivated below the daily cap")
	}

	u.flush(context.Background(), []feen.UsageLog{record("tok-1")})
	token, _ = store.GetSharedToken(context.Background(), "tok-1")
	if token.Active {
		t.Fatal("token still active at the daily cap")
	}
	if len(deactivated) != 1 || deactivated[0] != "tok-1" {
		t.Errorf("OnDeactivate calls = %v", deactivated)
	}
	if n, _ := fast.LLen(context.Background(), faststore.WebhookQueueKey); n != 1 {
		t.Errorf("webhook queue length = %d, want 1 daily-cap event", n)
	}
}

func TestUsageRecorder_ZeroCapNeverDeactivates(t *testing.T) {
	t.Parallel()
	u, store, _ := usageFixture(t)
	seedTokenKey(t, store, 0)

	for range 5 {
		u.flush(context.Background(), []feen.UsageLog{record("tok-1")})
	}
	token, _ := store.GetSharedToken(context.Background(), "tok-1")
	if !token.Active {
		t.Error("zero daily cap means unlimited")
	}
}

func TestUsageRecorder_DropOldestOnOverflow(t *testing.T) {
	t.Parallel()
	u, store, _ := usageFixture(t)
	seedTokenKey(t, store, 0)

	// Fill past capacity without a consumer; the newest must survive.
	for i := range usageChanSize + 10 {
		r := record("tok-1")
		r.Endpoint = "req-" + strconv.Itoa(i)
		u.Record(r)
	}
	if len(u.ch) != usageChanSize {
		t.Fatalf("queue length = %d, want %d", len(u.ch), usageChanSize)
	}

	// Drain and confirm the newest record is present and the oldest was shed.
	var endpoints []string
	for len(u.ch) > 0 {
		endpoints = append(endpoints, (<-u.ch).Endpoint)
	}
	last := endpoints[len(endpoints)-1]
	if last != "req-"+strconv.Itoa(usageChanSize+9) {
		t.Errorf("newest record missing, tail = %s", last)
	}
	if endpoints[0] == "req-0" {
		t.Error("oldest record should have been dropped")
	}
}

func TestUsageRecorder_RunDrainsOnCancel(t *testing.T) {
	t.Parallel()
	u, store, _ := usageFixture(t)
	seedTokenKey(t, store, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		u.Run(ctx)
		close(done)
	}()

	for range 3 {
		u.Record(record("tok-1"))
	}
	// Give Run a moment to pull records into its buffer, then cancel.
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not exit after cancel")
	}

	if got := store.UsageCount(); got != 3 {
		t.Errorf("drained %d records, want 3", got)
	}
}
