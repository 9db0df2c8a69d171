package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	feen "github.com/feenlabs/feen/internal"
	"github.com/feenlabs/feen/internal/faststore"
)

// enqueueWebhook pushes an event onto the delivery queue. Enqueue failures
// are logged, never propagated; webhooks are best-effort notifications.
func enqueueWebhook(ctx context.Context, fast faststore.Store, ev feen.WebhookEvent) {
	ev.CreatedAt = time.Now().UTC()
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := fast.LPush(ctx, faststore.WebhookQueueKey, string(payload)); err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "webhook enqueue failed",
			slog.String("event", ev.Event),
			slog.String("error", err.Error()),
		)
	}
}
