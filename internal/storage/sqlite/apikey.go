package sqlite

import (
	"context"
	"database/sql"
	"time"

	feen "github.com/feenlabs/feen/internal"
)

const apiKeyCols = `id, owner_user_id, team, provider, encrypted_material, material_hash,
	 display_prefix, name, base_url, rate_per_minute, daily_cap, active, last_used_at, created_at`

// CreateAPIKey inserts a new vault record.
func (s *Store) CreateAPIKey(ctx context.Context, k *feen.APIKey) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO api_keys (id, owner_user_id, team, provider, encrypted_material,
		 material_hash, display_prefix, name, base_url, rate_per_minute, daily_cap,
		 active, last_used_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		k.ID, k.OwnerUserID, nullStr(k.Team), string(k.Provider), k.EncryptedMaterial,
		k.MaterialHash, k.DisplayPrefix, nullStr(k.Name), nullStr(k.BaseURL),
		k.RatePerMinute, k.DailyCap, boolToInt(k.Active), timeToStr(k.LastUsedAt),
		k.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetAPIKey retrieves a vault record by ID.
func (s *Store) GetAPIKey(ctx context.Context, id string) (*feen.APIKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+apiKeyCols+` FROM api_keys WHERE id = ?`, id)
	return scanAPIKey(row)
}

// GetAPIKeyByMaterialHash looks up an owner's vault record by credential hash.
// Used for deposit deduplication, never for decryption.
func (s *Store) GetAPIKeyByMaterialHash(ctx context.Context, ownerID, hash string) (*feen.APIKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+apiKeyCols+` FROM api_keys WHERE owner_user_id = ? AND material_hash = ?`,
		ownerID, hash)
	return scanAPIKey(row)
}

// ListAPIKeys returns an owner's vault records oldest first. The router relies
// on this ordering for its creation-order tie-break.
func (s *Store) ListAPIKeys(ctx context.Context, ownerID string) ([]*feen.APIKey, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+apiKeyCols+` FROM api_keys WHERE owner_user_id = ? ORDER BY created_at ASC, id ASC`,
		ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*feen.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// UpdateAPIKey updates the policy envelope of a vault record. The encrypted
// material, its hash, and the display prefix are immutable after deposit.
func (s *Store) UpdateAPIKey(ctx context.Context, k *feen.APIKey) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET team=?, name=?, base_url=?, rate_per_minute=?,
		 daily_cap=?, active=? WHERE id=?`,
		nullStr(k.Team), nullStr(k.Name), nullStr(k.BaseURL),
		k.RatePerMinute, k.DailyCap, boolToInt(k.Active), k.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// DeleteAPIKey removes a vault record; the shared_tokens FK cascades.
func (s *Store) DeleteAPIKey(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// ListProbeKeys returns, per provider, the most recently used active vault
// record. The latency probe uses these as its measurement credentials.
func (s *Store) ListProbeKeys(ctx context.Context) ([]*feen.APIKey, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+apiKeyCols+` FROM (
		   SELECT *, ROW_NUMBER() OVER (
		     PARTITION BY provider
		     ORDER BY COALESCE(last_used_at, created_at) DESC
		   ) AS rn FROM api_keys WHERE active = 1
		 ) WHERE rn = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*feen.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// TouchAPIKeyUsed updates the last_used_at timestamp.
func (s *Store) TouchAPIKeyUsed(ctx context.Context, id string, at time.Time) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at=? WHERE id=?`,
		at.UTC().Format(time.RFC3339), id,
	)
	return err
}

func scanAPIKey(sc scanner) (*feen.APIKey, error) {
	var k feen.APIKey
	var team, name, baseURL, lastUsed sql.NullString
	var provider, created string
	var active int
	if err := sc.Scan(&k.ID, &k.OwnerUserID, &team, &provider, &k.EncryptedMaterial,
		&k.MaterialHash, &k.DisplayPrefix, &name, &baseURL, &k.RatePerMinute,
		&k.DailyCap, &active, &lastUsed, &created); err != nil {
		return nil, notFoundErr(err)
	}
	k.Team = strOrEmpty(team)
	k.Provider = feen.Provider(provider)
	k.Name = strOrEmpty(name)
	k.BaseURL = strOrEmpty(baseURL)
	k.Active = active == 1
	k.LastUsedAt = strToTime(lastUsed)
	k.CreatedAt = mustTime(created)
	return &k, nil
}
