package sqlite

import (
	"context"
	"time"

	feen "github.com/feenlabs/feen/internal"
)

// CreateWebhook inserts a webhook registration.
func (s *Store) CreateWebhook(ctx context.Context, w *feen.Webhook) error {
	events, err := marshalJSON(w.Events)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO webhooks (id, owner_user_id, url, secret, events, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.OwnerUserID, w.URL, w.Secret, events, boolToInt(w.Active),
		w.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// ListWebhooks returns an owner's webhook registrations.
func (s *Store) ListWebhooks(ctx context.Context, ownerID string) ([]*feen.Webhook, error) {
	return s.queryWebhooks(ctx,
		`SELECT id, owner_user_id, url, secret, events, active, created_at
		 FROM webhooks WHERE owner_user_id = ? ORDER BY created_at ASC`, ownerID)
}

// ListActiveWebhooksForEvent returns every active webhook whose event set
// contains the given event. Event filtering happens in Go; the set is small.
func (s *Store) ListActiveWebhooksForEvent(ctx context.Context, event string) ([]*feen.Webhook, error) {
	hooks, err := s.queryWebhooks(ctx,
		`SELECT id, owner_user_id, url, secret, events, active, created_at
		 FROM webhooks WHERE active = 1`)
	if err != nil {
		return nil, err
	}
	var out []*feen.Webhook
	for _, h := range hooks {
		for _, e := range h.Events {
			if e == event || e == "*" {
				out = append(out, h)
				break
			}
		}
	}
	return out, nil
}

// DeleteWebhook removes a registration.
func (s *Store) DeleteWebhook(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM webhooks WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "webhook")
}

func (s *Store) queryWebhooks(ctx context.Context, query string, args ...any) ([]*feen.Webhook, error) {
	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hooks []*feen.Webhook
	for rows.Next() {
		var w feen.Webhook
		var events, created string
		var active int
		if err := rows.Scan(&w.ID, &w.OwnerUserID, &w.URL, &w.Secret, &events,
			&active, &created); err != nil {
			return nil, err
		}
		w.Events = unmarshalJSONString(events)
		w.Active = active == 1
		w.CreatedAt = mustTime(created)
		hooks = append(hooks, &w)
	}
	return hooks, rows.Err()
}
