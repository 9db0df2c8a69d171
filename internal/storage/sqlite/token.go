package sqlite

import (
	"context"
	"database/sql"
	"time"

	feen "github.com/feenlabs/feen/internal"
)

const tokenCols = `id, api_key_id, owner_user_id, access_token, token_hash, name,
	 rate_per_minute, daily_cap, usage_count, max_total_use, expires_at, allowed_ips,
	 allowed_models, scopes, require_signature, signing_secret, active, last_used_at, created_at`

// CreateSharedToken writes the token row and its audit entry in one transaction.
func (s *Store) CreateSharedToken(ctx context.Context, t *feen.SharedToken, audit *feen.AuditLog) error {
	ips, err := marshalJSON(t.AllowedIPs)
	if err != nil {
		return err
	}
	models, err := marshalJSON(t.AllowedModels)
	if err != nil {
		return err
	}
	scopes, err := marshalJSON(t.Scopes)
	if err != nil {
		return err
	}

	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO shared_tokens (id, api_key_id, owner_user_id, access_token,
		 token_hash, name, rate_per_minute, daily_cap, usage_count, max_total_use,
		 expires_at, allowed_ips, allowed_models, scopes, require_signature,
		 signing_secret, active, last_used_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.APIKeyID, t.OwnerUserID, t.AccessToken, t.TokenHash, nullStr(t.Name),
		t.RatePerMinute, t.DailyCap, t.UsageCount, nullInt64(t.MaxTotalUse),
		timeToStr(t.ExpiresAt), ips, models, scopes, boolToInt(t.RequireSig),
		nullStr(t.SigningSecret), boolToInt(t.Active), timeToStr(t.LastUsedAt),
		t.CreatedAt.UTC().Format(time.RFC3339),
	); err != nil {
		return conflictErr(err)
	}

	if audit != nil {
		if err := insertAuditTx(ctx, tx, audit); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetSharedToken retrieves a shared token by ID.
func (s *Store) GetSharedToken(ctx context.Context, id string) (*feen.SharedToken, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+tokenCols+` FROM shared_tokens WHERE id = ?`, id)
	return scanToken(row)
}

// GetSharedTokenByHash retrieves a shared token by its lookup hash. The row is
// returned regardless of the active flag; the policy evaluator decides, which
// keeps the "no row" and "inactive row" paths timing-identical.
func (s *Store) GetSharedTokenByHash(ctx context.Context, hash string) (*feen.SharedToken, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+tokenCols+` FROM shared_tokens WHERE token_hash = ?`, hash)
	return scanToken(row)
}

// ListSharedTokens returns an owner's tokens newest first.
func (s *Store) ListSharedTokens(ctx context.Context, ownerID string) ([]*feen.SharedToken, error) {
	return s.listTokens(ctx,
		`SELECT `+tokenCols+` FROM shared_tokens WHERE owner_user_id = ? ORDER BY created_at DESC`,
		ownerID)
}

// ListSharedTokensByAPIKey returns the tokens delegating a given vault record.
func (s *Store) ListSharedTokensByAPIKey(ctx context.Context, apiKeyID string) ([]*feen.SharedToken, error) {
	return s.listTokens(ctx,
		`SELECT `+tokenCols+` FROM shared_tokens WHERE api_key_id = ? ORDER BY created_at DESC`,
		apiKeyID)
}

func (s *Store) listTokens(ctx context.Context, query string, arg any) ([]*feen.SharedToken, error) {
	rows, err := s.read.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []*feen.SharedToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// UpdateSharedToken updates a token's policy fields. The access token and its
// hash are only ever changed through RotateSharedToken.
func (s *Store) UpdateSharedToken(ctx context.Context, t *feen.SharedToken) error {
	ips, err := marshalJSON(t.AllowedIPs)
	if err != nil {
		return err
	}
	models, err := marshalJSON(t.AllowedModels)
	if err != nil {
		return err
	}
	scopes, err := marshalJSON(t.Scopes)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE shared_tokens SET name=?, rate_per_minute=?, daily_cap=?, max_total_use=?,
		 expires_at=?, allowed_ips=?, allowed_models=?, scopes=?, require_signature=?,
		 signing_secret=?, active=? WHERE id=?`,
		nullStr(t.Name), t.RatePerMinute, t.DailyCap, nullInt64(t.MaxTotalUse),
		timeToStr(t.ExpiresAt), ips, models, scopes, boolToInt(t.RequireSig),
		nullStr(t.SigningSecret), boolToInt(t.Active), t.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "shared token")
}

// DeleteSharedToken removes a shared token.
func (s *Store) DeleteSharedToken(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM shared_tokens WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "shared token")
}

// RotateSharedToken replaces access_token and token_hash in a single write.
func (s *Store) RotateSharedToken(ctx context.Context, id, accessToken, tokenHash string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE shared_tokens SET access_token=?, token_hash=? WHERE id=?`,
		accessToken, tokenHash, id,
	)
	if err != nil {
		return conflictErr(err)
	}
	return checkRowsAffected(result, "shared token")
}

// ListExpiredActive returns active tokens whose expiry is before now.
func (s *Store) ListExpiredActive(ctx context.Context, now time.Time) ([]*feen.SharedToken, error) {
	return s.listTokens(ctx,
		`SELECT `+tokenCols+` FROM shared_tokens
		 WHERE active = 1 AND expires_at IS NOT NULL AND expires_at < ?
		 ORDER BY expires_at ASC`,
		now.UTC().Format(time.RFC3339))
}

// BumpTokenUsage adds n to usage_count and advances last_used_at.
func (s *Store) BumpTokenUsage(ctx context.Context, id string, n int64, at time.Time) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE shared_tokens SET usage_count = usage_count + ?, last_used_at = ? WHERE id = ?`,
		n, at.UTC().Format(time.RFC3339), id,
	)
	return err
}

func scanToken(sc scanner) (*feen.SharedToken, error) {
	var t feen.SharedToken
	var name, expires, ips, models, scopes, secret, lastUsed sql.NullString
	var maxUse sql.NullInt64
	var requireSig, active int
	var created string
	if err := sc.Scan(&t.ID, &t.APIKeyID, &t.OwnerUserID, &t.AccessToken, &t.TokenHash,
		&name, &t.RatePerMinute, &t.DailyCap, &t.UsageCount, &maxUse, &expires,
		&ips, &models, &scopes, &requireSig, &secret, &active, &lastUsed, &created); err != nil {
		return nil, notFoundErr(err)
	}
	t.Name = strOrEmpty(name)
	t.MaxTotalUse = int64Ptr(maxUse)
	t.ExpiresAt = strToTime(expires)
	t.AllowedIPs = unmarshalJSON(ips)
	t.AllowedModels = unmarshalJSON(models)
	t.Scopes = unmarshalJSON(scopes)
	t.RequireSig = requireSig == 1
	t.SigningSecret = strOrEmpty(secret)
	t.Active = active == 1
	t.LastUsedAt = strToTime(lastUsed)
	t.CreatedAt = mustTime(created)
	return &t, nil
}
