package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	feen "github.com/feenlabs/feen/internal"
	"github.com/feenlabs/feen/internal/crypto"
	"github.com/feenlabs/feen/internal/faststore"
	"github.com/feenlabs/feen/internal/storage"
)

const (
	deliveryTimeout = 30 * time.Second
	queuePollIdle   = time.Second
)

// WebhookDelivery pops events off the shared queue and posts each to every
// registered webhook subscribed to the event. Deliveries are signed; outcomes
// are audit-logged. No automatic retry: a recorded failure is the contract.
type WebhookDelivery struct {
	store  storage.Store
	fast   faststore.Store
	client *http.Client
	now    func() time.Time
}

// NewWebhookDelivery creates a WebhookDelivery using the given HTTP client.
func NewWebhookDelivery(store storage.Store, fast faststore.Store, client *http.Client) *WebhookDelivery {
	return &WebhookDelivery{store: store, fast: fast, client: client, now: time.Now}
}

// Name returns the worker identifier.
func (d *WebhookDelivery) Name() string { return "webhook_delivery" }

// Run drains the queue until ctx is cancelled, idling briefly when empty.
func (d *WebhookDelivery) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		raw, err := d.fast.RPop(ctx, faststore.WebhookQueueKey)
		if err != nil {
			if !errors.Is(err, faststore.ErrNotFound) {
				slog.LogAttrs(ctx, slog.LevelWarn, "webhook queue pop failed",
					slog.String("error", err.Error()),
				)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(queuePollIdle):
			}
			continue
		}

		var ev feen.WebhookEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "malformed webhook payload dropped",
				slog.String("error", err.Error()),
			)
			continue
		}
		d.fanOut(ctx, &ev, []byte(raw))
	}
}

func (d *WebhookDelivery) fanOut(ctx context.Context, ev *feen.WebhookEvent, body []byte) {
	hooks, err := d.store.ListActiveWebhooksForEvent(ctx, ev.Event)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "webhook registration listing failed",
			slog.String("event", ev.Event),
			slog.String("error", err.Error()),
		)
		return
	}
	for _, h := range hooks {
		d.deliver(ctx, h, ev, body)
	}
}

// deliver posts one signed payload to one registered endpoint.
func (d *WebhookDelivery) deliver(ctx context.Context, h *feen.Webhook, ev *feen.WebhookEvent, body []byte) {
	ctx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()

	ts := d.now().Unix()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		d.audit(ctx, h, ev, feen.AuditWebhookFailed, err.Error())
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Feen-Webhook-Signature", crypto.SignWebhook(h.Secret, ts, body))
	req.Header.Set("X-Feen-Webhook-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("X-Feen-Webhook-Event", ev.Event)

	resp, err := d.client.Do(req)
	if err != nil {
		d.audit(ctx, h, ev, feen.AuditWebhookFailed, err.Error())
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.audit(ctx, h, ev, feen.AuditWebhookDelivered, "")
		return
	}
	d.audit(ctx, h, ev, feen.AuditWebhookFailed, "status "+strconv.Itoa(resp.StatusCode))
}

func (d *WebhookDelivery) audit(ctx context.Context, h *feen.Webhook, ev *feen.WebhookEvent, action, detail string) {
	payload, _ := json.Marshal(map[string]string{
		"webhook_id": h.ID,
		"url":        h.URL,
		"event":      ev.Event,
		"detail":     detail,
	})
	a := &feen.AuditLog{
		ID:        uuid.Must(uuid.NewV7()).String(),
		UserID:    h.OwnerUserID,
		Action:    action,
		Resource:  h.ID,
		Detail:    string(payload),
		CreatedAt: d.now().UTC(),
	}
	if err := d.store.InsertAudit(ctx, a); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "webhook audit write failed",
			slog.String("error", err.Error()),
		)
	}
}
