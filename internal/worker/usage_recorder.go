package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	feen "github.com/feenlabs/feen/internal"
	"github.com/feenlabs/feen/internal/faststore"
	"github.com/feenlabs/feen/internal/storage"
)

const (
	usageChanSize   = 1000
	usageBatchSize  = 100
	usageFlushEvery = 5 * time.Second
	usageDrainTime  = 30 * time.Second
)

// UsageRecorder buffers per-request usage records and batch-flushes them to
// the store, then applies the per-record side effects: token usage counters,
// key last-used timestamps, and lazy daily-cap enforcement. The queue is
// bounded; on overflow the oldest record is dropped and a back-pressure
// warning is emitted.
type UsageRecorder struct {
	ch    chan feen.UsageLog
	store storage.Store
	fast  faststore.Store

	// OnDeactivate, when set, is called with the token ID after a daily-cap
	// deactivation so the policy cache drops the row.
	OnDeactivate func(tokenID string)

	now func() time.Time
}

// NewUsageRecorder creates a UsageRecorder backed by the given stores.
func NewUsageRecorder(store storage.Store, fast faststore.Store) *UsageRecorder {
	return &UsageRecorder{
		ch:    make(chan feen.UsageLog, usageChanSize),
		store: store,
		fast:  fast,
		now:   time.Now,
	}
}

// Name returns the worker identifier.
func (u *UsageRecorder) Name() string { return "usage_recorder" }

// Record enqueues a usage record without blocking. When the queue is full the
// oldest buffered record is discarded to make room.
func (u *UsageRecorder) Record(r feen.UsageLog) {
	for {
		select {
		case u.ch <- r:
			return
		default:
		}
		select {
		case dropped := <-u.ch:
			slog.Warn("USAGE_BACKPRESSURE: oldest usage record dropped",
				"token", dropped.SharedTokenID)
		default:
		}
	}
}

// Run processes records until ctx is cancelled, then drains what remains.
func (u *UsageRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(usageFlushEvery)
	defer ticker.Stop()

	buf := make([]feen.UsageLog, 0, usageBatchSize)

	for {
		select {
		case r := <-u.ch:
			buf = append(buf, r)
			if len(buf) >= usageBatchSize {
				u.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				u.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			u.drain(buf)
			return nil
		}
	}
}

func (u *UsageRecorder) drain(buf []feen.UsageLog) {
	ctx, cancel := context.WithTimeout(context.Background(), usageDrainTime)
	defer cancel()

	for {
		select {
		case r := <-u.ch:
			buf = append(buf, r)
			if len(buf) >= usageBatchSize {
				u.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				u.flush(ctx, buf)
			}
			return
		}
	}
}

func (u *UsageRecorder) flush(ctx context.Context, buf []feen.UsageLog) {
	// Copy to avoid aliasing the caller's slice.
	batch := make([]feen.UsageLog, len(buf))
	copy(batch, buf)

	// Assign IDs off the hot path; callers leave ID empty.
	for i := range batch {
		if batch[i].ID == "" {
			batch[i].ID = uuid.Must(uuid.NewV7()).String()
		}
	}

	if err := u.store.InsertUsage(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "usage flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
		// At-most-once retry: a second failure surfaces in logs only.
		if err := u.store.InsertUsage(ctx, batch); err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "usage flush retry failed",
				slog.Int("count", len(batch)),
				slog.String("error", err.Error()),
			)
			return
		}
	}

	for i := range batch {
		u.applySideEffects(ctx, &batch[i])
	}
}

// applySideEffects bumps the token's usage counter, touches the vault key,
// and enforces the daily cap lazily from the post-increment day total.
func (u *UsageRecorder) applySideEffects(ctx context.Context, r *feen.UsageLog) {
	now := u.now().UTC()

	if err := u.store.BumpTokenUsage(ctx, r.SharedTokenID, 1, now); err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "token usage bump failed",
			slog.String("token", r.SharedTokenID),
			slog.String("error", err.Error()),
		)
	}
	if err := u.store.TouchAPIKeyUsed(ctx, r.APIKeyID, now); err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "key touch failed",
			slog.String("key", r.APIKeyID),
			slog.String("error", err.Error()),
		)
	}

	token, err := u.store.GetSharedToken(ctx, r.SharedTokenID)
	if err != nil || !token.Active || token.DailyCap <= 0 {
		return
	}

	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	total, err := u.store.CountTokenUsageSince(ctx, token.ID, dayStart)
	if err != nil {
		return
	}
	if total < token.DailyCap {
		return
	}

	token.Active = false
	if err := u.store.UpdateSharedToken(ctx, token); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "daily cap deactivation failed",
			slog.String("token", token.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if u.OnDeactivate != nil {
		u.OnDeactivate(token.ID)
	}
	enqueueWebhook(ctx, u.fast, feen.WebhookEvent{
		Event:  feen.EventDailyCapReached,
		UserID: token.OwnerUserID,
		Data:   map[string]any{"token_id": token.ID, "daily_cap": token.DailyCap},
	})
	slog.LogAttrs(ctx, slog.LevelInfo, "token deactivated at daily cap",
		slog.String("token", token.ID),
		slog.Int64("daily_cap", token.DailyCap),
	)
}
