package testutil

import (
	"context"
	"sync"

	feen "github.com/feenlabs/feen/internal"
	"github.com/feenlabs/feen/internal/crypto"
)

// SuspiciousRecord is one captured RecordSuspicious call.
type SuspiciousRecord struct {
	TokenID string
	Type    string
	Detail  string
}

// FakeGuard records guard interactions without side effects.
type FakeGuard struct {
	mu       sync.Mutex
	events   []SuspiciousRecord
	rotated  []string // token IDs, in rotation order
	RotateFn func(ctx context.Context, token *feen.SharedToken, reason string) (string, error)
}

// NewFakeGuard returns an empty FakeGuard.
func NewFakeGuard() *FakeGuard { return &FakeGuard{} }

func (g *FakeGuard) RecordSuspicious(_ context.Context, token *feen.SharedToken, eventType, detail string) {
	g.mu.Lock()
	g.events = append(g.events, SuspiciousRecord{TokenID: token.ID, Type: eventType, Detail: detail})
	g.mu.Unlock()
}

func (g *FakeGuard) Rotate(ctx context.Context, token *feen.SharedToken, reason string) (string, error) {
	g.mu.Lock()
	g.rotated = append(g.rotated, token.ID)
	g.mu.Unlock()
	if g.RotateFn != nil {
		return g.RotateFn(ctx, token, reason)
	}
	return crypto.MintAccessToken()
}

// Events returns the recorded suspicious events.
func (g *FakeGuard) Events() []SuspiciousRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]SuspiciousRecord(nil), g.events...)
}

// Rotated returns the token IDs rotated, in order.
func (g *FakeGuard) Rotated() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.rotated...)
}
