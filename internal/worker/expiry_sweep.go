package worker

import (
	"context"
	"log/slog"
	"time"

	feen "github.com/feenlabs/feen/internal"
	"github.com/feenlabs/feen/internal/faststore"
	"github.com/feenlabs/feen/internal/storage"
)

const sweepInterval = 24 * time.Hour

// ExpirySweep deactivates shared tokens whose expiry has passed. Expired
// tokens are already rejected at evaluation time; the sweep makes the stored
// state reflect that and fans out a webhook per mutation.
type ExpirySweep struct {
	store storage.Store
	fast  faststore.Store

	// OnDeactivate lets the policy cache drop the mutated rows.
	OnDeactivate func(tokenID string)

	now func() time.Time
}

// NewExpirySweep creates an ExpirySweep.
func NewExpirySweep(store storage.Store, fast faststore.Store) *ExpirySweep {
	return &ExpirySweep{store: store, fast: fast, now: time.Now}
}

// Name returns the worker identifier.
func (e *ExpirySweep) Name() string { return "expiry_sweep" }

// Run sweeps once at startup and then daily.
func (e *ExpirySweep) Run(ctx context.Context) error {
	e.sweep(ctx)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.sweep(ctx)
		}
	}
}

func (e *ExpirySweep) sweep(ctx context.Context) {
	now := e.now().UTC()
	tokens, err := e.store.ListExpiredActive(ctx, now)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "expiry listing failed",
			slog.String("error", err.Error()),
		)
		return
	}

	for _, t := range tokens {
		t.Active = false
		if err := e.store.UpdateSharedToken(ctx, t); err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "expiry deactivation failed",
				slog.String("token", t.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if e.OnDeactivate != nil {
			e.OnDeactivate(t.ID)
		}
		enqueueWebhook(ctx, e.fast, feen.WebhookEvent{
			Event:  feen.EventTokenExpired,
			UserID: t.OwnerUserID,
			Data:   map[string]any{"token_id": t.ID, "expires_at": t.ExpiresAt},
		})
	}
	if len(tokens) > 0 {
		slog.LogAttrs(ctx, slog.LevelInfo, "expired tokens deactivated",
			slog.Int("count", len(tokens)),
		)
	}
}
