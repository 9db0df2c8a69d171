package circuitbreaker

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	feen "github.com/feenlabs/feen/internal"
)

func TestRegistry_OpensAtThreshold(t *testing.T) {
	t.Parallel()
	r := NewRegistry(Config{FailureThreshold: 3, Cooldown: time.Minute})

	r.ReportFailure(feen.ProviderOpenAI)
	r.ReportFailure(feen.ProviderOpenAI)
	if !r.Healthy(feen.ProviderOpenAI) {
		t.Fatal("breaker opened below threshold")
	}

	r.ReportFailure(feen.ProviderOpenAI)
	if r.Healthy(feen.ProviderOpenAI) {
		t.Error("breaker should be open at threshold")
	}
	if got := r.StateOf(feen.ProviderOpenAI); got != StateOpen {
		t.Errorf("state = %v, want open", got)
	}
}

func TestRegistry_SuccessResets(t *testing.T) {
	t.Parallel()
	r := NewRegistry(Config{FailureThreshold: 2, Cooldown: time.Minute})

	r.ReportFailure(feen.ProviderGroq)
	r.ReportSuccess(feen.ProviderGroq)
	r.ReportFailure(feen.ProviderGroq)
	if !r.Healthy(feen.ProviderGroq) {
		t.Error("success should reset the consecutive-failure count")
	}
}

func TestRegistry_HalfOpenAfterCooldown(t *testing.T) {
	t.Parallel()
	r := NewRegistry(Config{FailureThreshold: 1, Cooldown: 30 * time.Second})
	base := time.Unix(1700000000, 0)
	r.now = func() time.Time { return base }

	r.ReportFailure(feen.ProviderAnthropic)
	if r.Healthy(feen.ProviderAnthropic) {
		t.Fatal("breaker should be open")
	}

	r.now = func() time.Time { return base.Add(31 * time.Second) }
	if !r.Healthy(feen.ProviderAnthropic) {
		t.Fatal("breaker should be half-open (probing) after cooldown")
	}
	if got := r.StateOf(feen.ProviderAnthropic); got != StateHalfOpen {
		t.Errorf("state = %v, want half_open", got)
	}

	// A failure during the trial reopens immediately.
	r.ReportFailure(feen.ProviderAnthropic)
	if r.Healthy(feen.ProviderAnthropic) {
		t.Error("half-open failure should reopen the breaker")
	}

	// A success during a later trial closes it.
	r.now = func() time.Time { return base.Add(2 * time.Minute) }
	if !r.Healthy(feen.ProviderAnthropic) {
		t.Fatal("breaker should probe again")
	}
	r.ReportSuccess(feen.ProviderAnthropic)
	if got := r.StateOf(feen.ProviderAnthropic); got != StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
}

func TestRegistry_ProvidersIndependent(t *testing.T) {
	t.Parallel()
	r := NewRegistry(Config{FailureThreshold: 1, Cooldown: time.Minute})
	r.ReportFailure(feen.ProviderOpenAI)
	if !r.Healthy(feen.ProviderGroq) {
		t.Error("one provider's breaker must not affect another")
	}
}

func TestIsUpstreamFailure(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		status int
		err    error
		want   bool
	}{
		{"500", 500, nil, true},
		{"503", 503, nil, true},
		{"200", 200, nil, false},
		{"404", 404, nil, false},
		{"429", 429, nil, false},
		{"client canceled", 0, context.Canceled, false},
		{"deadline", 0, context.DeadlineExceeded, true},
		{"dns error", 0, &net.DNSError{IsTimeout: true}, true},
		{"generic transport", 0, errors.New("connection refused"), true},
	}
	for _, tc := range cases {
		if got := IsUpstreamFailure(tc.status, tc.err); got != tc.want {
			t.Errorf("%s: IsUpstreamFailure = %v, want %v", tc.name, got, tc.want)
		}
	}
}
