package worker

import (
	"context"
	"testing"
	"time"

	feen "github.com/feenlabs/feen/internal"
	"github.com/feenlabs/feen/internal/faststore"
	"github.com/feenlabs/feen/internal/testutil"
)

func TestExpirySweep_DeactivatesExpired(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	fast, _ := testutil.NewFastStore(t)
	sweep := NewExpirySweep(store, fast)

	ctx := context.Background()
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	expired := &feen.SharedToken{ID: "tok-old", OwnerUserID: "user-1", ExpiresAt: &past, Active: true}
	fresh := &feen.SharedToken{ID: "tok-new", OwnerUserID: "user-1", ExpiresAt: &future, Active: true}
	eternal := &feen.SharedToken{ID: "tok-eternal", OwnerUserID: "user-1", Active: true}
	for _, tok := range []*feen.SharedToken{expired, fresh, eternal} {
		if err := store.CreateSharedToken(ctx, tok, nil); err != nil {
			t.Fatal(err)
		}
	}

	var dropped []string
	sweep.OnDeactivate = func(id string) { dropped = append(dropped, id) }

	sweep.sweep(ctx)

	got, _ := store.GetSharedToken(ctx, "tok-old")
	if got.Active {
		t.Error("expired token still active after sweep")
	}
	for _, id := range []string{"tok-new", "tok-eternal"} {
		got, _ := store.GetSharedToken(ctx, id)
		if !got.Active {
			t.Errorf("%s deactivated although not expired", id)
		}
	}
	if len(dropped) != 1 || dropped[0] != "tok-old" {
		t.Errorf("OnDeactivate calls = %v", dropped)
	}
	if n, _ := fast.LLen(ctx, faststore.WebhookQueueKey); n != 1 {
		t.Errorf("webhook queue length = %d, want 1 expiry event", n)
	}
}

func TestExpirySweep_Idempotent(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	fast, _ := testutil.NewFastStore(t)
	sweep := NewExpirySweep(store, fast)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	store.CreateSharedToken(ctx, &feen.SharedToken{ID: "tok-1", ExpiresAt: &past, Active: true}, nil)

	sweep.sweep(ctx)
	sweep.sweep(ctx)

	// Already-inactive tokens are not re-swept.
	if n, _ := fast.LLen(ctx, faststore.WebhookQueueKey); n != 1 {
		t.Errorf("webhook queue length = %d, want 1", n)
	}
}
