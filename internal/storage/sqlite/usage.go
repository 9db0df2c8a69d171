package sqlite

import (
	"context"
	"database/sql"
	"time"

	feen "github.com/feenlabs/feen/internal"
)

// InsertUsage appends a batch of usage records in one transaction.
func (s *Store) InsertUsage(ctx context.Context, records []feen.UsageLog) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO usage_logs (id, api_key_id, shared_token_id, user_id, provider,
		 model, endpoint, method, status_code, request_tokens, response_tokens,
		 total_tokens, latency_ms, client_ip, user_agent, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx,
			r.ID, r.APIKeyID, r.SharedTokenID, r.UserID, string(r.Provider),
			nullStr(r.Model), r.Endpoint, r.Method, r.StatusCode,
			nullInt64(r.RequestTokens), nullInt64(r.ResponseTokens), nullInt64(r.TotalTokens),
			r.LatencyMs, nullStr(r.ClientIP), nullStr(r.UserAgent),
			r.CreatedAt.UTC().Format(time.RFC3339),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListUsage returns an owner's usage records newest first.
func (s *Store) ListUsage(ctx context.Context, ownerID string, offset, limit int) ([]*feen.UsageLog, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, api_key_id, shared_token_id, user_id, provider, model, endpoint,
		 method, status_code, request_tokens, response_tokens, total_tokens,
		 latency_ms, client_ip, user_agent, created_at
		 FROM usage_logs WHERE user_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		ownerID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*feen.UsageLog
	for rows.Next() {
		l, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// CountTokenUsageSince counts a token's usage rows at or after the cutoff.
func (s *Store) CountTokenUsageSince(ctx context.Context, tokenID string, since time.Time) (int64, error) {
	var n int64
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM usage_logs WHERE shared_token_id = ? AND created_at >= ?`,
		tokenID, since.UTC().Format(time.RFC3339),
	).Scan(&n)
	return n, err
}

// PruneUsage deletes usage rows older than the retention threshold.
func (s *Store) PruneUsage(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM usage_logs WHERE created_at < ?`,
		olderThan.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanUsage(sc scanner) (*feen.UsageLog, error) {
	var l feen.UsageLog
	var model, clientIP, userAgent sql.NullString
	var reqTok, respTok, totTok sql.NullInt64
	var provider, created string
	if err := sc.Scan(&l.ID, &l.APIKeyID, &l.SharedTokenID, &l.UserID, &provider,
		&model, &l.Endpoint, &l.Method, &l.StatusCode, &reqTok, &respTok, &totTok,
		&l.LatencyMs, &clientIP, &userAgent, &created); err != nil {
		return nil, notFoundErr(err)
	}
	l.Provider = feen.Provider(provider)
	l.Model = strOrEmpty(model)
	l.RequestTokens = int64Ptr(reqTok)
	l.ResponseTokens = int64Ptr(respTok)
	l.TotalTokens = int64Ptr(totTok)
	l.ClientIP = strOrEmpty(clientIP)
	l.UserAgent = strOrEmpty(userAgent)
	l.CreatedAt = mustTime(created)
	return &l, nil
}
