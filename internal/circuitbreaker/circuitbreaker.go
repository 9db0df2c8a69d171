// Package circuitbreaker tracks upstream provider health so the router can
// demote providers that are currently failing. It is an ordering hint only:
// the transport still walks the full candidate list.
package circuitbreaker

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	feen "github.com/feenlabs/feen/internal"
)

// State represents the breaker state for one provider.
type State int

const (
	// StateClosed means the provider is considered healthy.
	StateClosed State = iota
	// StateOpen means the provider is demoted until the cooldown elapses.
	StateOpen
	// StateHalfOpen allows traffic again; the next outcome decides.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds breaker parameters.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the breaker.
	FailureThreshold int
	// Cooldown is how long an open breaker demotes its provider before a
	// half-open trial.
	Cooldown time.Duration
}

// DefaultConfig returns the deployed defaults.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, Cooldown: 30 * time.Second}
}

type breaker struct {
	state    State
	failures int
	openedAt time.Time
}

// Registry holds one breaker per provider tag.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[feen.Provider]*breaker
	now      func() time.Time
}

// NewRegistry creates a Registry with the given config.
func NewRegistry(cfg Config) *Registry {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	return &Registry{cfg: cfg, breakers: make(map[feen.Provider]*breaker), now: time.Now}
}

// Healthy reports whether the provider should keep its position in the
// candidate order. Open breakers past cooldown flip to half-open and count as
// healthy so one request can probe the provider.
func (r *Registry) Healthy(p feen.Provider) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[p]
	if !ok {
		return true
	}
	switch b.state {
	case StateOpen:
		if r.now().Sub(b.openedAt) >= r.cfg.Cooldown {
			b.state = StateHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// ReportSuccess closes the provider's breaker.
func (r *Registry) ReportSuccess(p feen.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[p]; ok {
		b.state = StateClosed
		b.failures = 0
	}
}

// ReportFailure records an upstream failure; enough consecutive failures (or
// any failure while half-open) open the breaker.
func (r *Registry) ReportFailure(p feen.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[p]
	if !ok {
		b = &breaker{}
		r.breakers[p] = b
	}
	b.failures++
	if b.state == StateHalfOpen || b.failures >= r.cfg.FailureThreshold {
		b.state = StateOpen
		b.openedAt = r.now()
		b.failures = 0
	}
}

// StateOf returns the current state for a provider (closed when untracked).
func (r *Registry) StateOf(p feen.Provider) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[p]; ok {
		return b.state
	}
	return StateClosed
}

// IsUpstreamFailure classifies a completed attempt: transport errors and 5xx
// count against the provider; 4xx responses are the client's problem.
func IsUpstreamFailure(statusCode int, err error) bool {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return false // client went away, not the provider's fault
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
			return true
		}
		var netErr net.Error
		if errors.As(err, &netErr) {
			return true
		}
		return true
	}
	return statusCode >= 500
}
