package ratelimit

import (
	"context"
	"testing"
	"time"

	feen "github.com/feenlabs/feen/internal"
	"github.com/feenlabs/feen/internal/testutil"
)

func testToken(rpm int64) *feen.SharedToken {
	return &feen.SharedToken{ID: "tok-1", RatePerMinute: rpm, Active: true}
}

func TestLimiter_AllowUpToLimit(t *testing.T) {
	t.Parallel()
	fast, _ := testutil.NewFastStore(t)
	l := New(fast, false)
	ctx := context.Background()
	tok := testToken(3)

	for i := range 3 {
		r := l.Allow(ctx, tok)
		if !r.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if want := int64(3 - i - 1); r.Remaining != want {
			t.Errorf("request %d remaining = %d, want %d", i+1, r.Remaining, want)
		}
	}

	r := l.Allow(ctx, tok)
	if r.Allowed {
		t.Error("4th request should be denied")
	}
	if r.Remaining != 0 {
		t.Errorf("denied remaining = %d, want 0", r.Remaining)
	}
	if r.RetryAfter(time.Now()) < 1 {
		t.Error("RetryAfter should be at least 1")
	}
}

func TestLimiter_WindowIsolation(t *testing.T) {
	t.Parallel()
	fast, _ := testutil.NewFastStore(t)
	l := New(fast, false)
	// Pin time inside one window, then step into the next.
	base := time.Unix(1700000010, 0)
	l.now = func() time.Time { return base }
	ctx := context.Background()
	tok := testToken(1)

	if r := l.Allow(ctx, tok); !r.Allowed {
		t.Fatal("first request should be allowed")
	}
	if r := l.Allow(ctx, tok); r.Allowed {
		t.Fatal("second request in window should be denied")
	}

	l.now = func() time.Time { return base.Add(Window) }
	if r := l.Allow(ctx, tok); !r.Allowed {
		t.Error("request in the next window should be allowed")
	}
}

func TestLimiter_ZeroLimitUnlimited(t *testing.T) {
	t.Parallel()
	fast, _ := testutil.NewFastStore(t)
	l := New(fast, false)
	ctx := context.Background()
	tok := testToken(0)

	for range 100 {
		if r := l.Allow(ctx, tok); !r.Allowed {
			t.Fatal("zero limit should never deny")
		}
	}
}

func TestLimiter_FailOpen(t *testing.T) {
	t.Parallel()
	fast, mr := testutil.NewFastStore(t)
	l := New(fast, false)
	mr.Close() // sever the store

	r := l.Allow(context.Background(), testToken(1))
	if !r.Allowed {
		t.Error("limiter should fail open when the fast store is down")
	}
}

func TestLimiter_TokensIndependent(t *testing.T) {
	t.Parallel()
	fast, _ := testutil.NewFastStore(t)
	l := New(fast, false)
	ctx := context.Background()

	a := &feen.SharedToken{ID: "tok-a", RatePerMinute: 1}
	b := &feen.SharedToken{ID: "tok-b", RatePerMinute: 1}

	l.Allow(ctx, a)
	if r := l.Allow(ctx, a); r.Allowed {
		t.Fatal("token a should be exhausted")
	}
	if r := l.Allow(ctx, b); !r.Allowed {
		t.Error("token b should not share token a's window")
	}
}

func TestLimiter_SyncDailyCap(t *testing.T) {
	t.Parallel()
	fast, _ := testutil.NewFastStore(t)
	l := New(fast, true)
	ctx := context.Background()
	tok := &feen.SharedToken{ID: "tok-1", RatePerMinute: 100, DailyCap: 2}

	if r := l.Allow(ctx, tok); !r.Allowed {
		t.Fatal("first request should pass the daily window")
	}
	if r := l.Allow(ctx, tok); !r.Allowed {
		t.Fatal("second request should pass the daily window")
	}
	if r := l.Allow(ctx, tok); r.Allowed {
		t.Error("third request should be stopped by the daily cap")
	}
}

func TestResult_RetryAfterFloor(t *testing.T) {
	t.Parallel()
	now := time.Unix(1700000000, 0)
	r := Result{ResetAt: now.Unix() - 10}
	if got := r.RetryAfter(now); got != 1 {
		t.Errorf("RetryAfter past reset = %d, want 1", got)
	}
	r = Result{ResetAt: now.Unix() + 42}
	if got := r.RetryAfter(now); got != 42 {
		t.Errorf("RetryAfter = %d, want 42", got)
	}
}
