package sqlite

import (
	"context"
	"database/sql"
	"time"

	feen "github.com/feenlabs/feen/internal"
)

const userCols = `id, email, password_hash, team, roles, two_factor, totp_secret,
	 backup_codes, disabled, created_at, last_login_at`

// CreateUser inserts a new user. Duplicate emails return feen.ErrConflict.
func (s *Store) CreateUser(ctx context.Context, u *feen.User) error {
	roles, err := marshalJSON(u.Roles)
	if err != nil {
		return err
	}
	codes, err := marshalJSON(u.BackupCodes)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash, team, roles, two_factor,
		 totp_secret, backup_codes, disabled, created_at, last_login_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.PasswordHash, nullStr(u.Team), roles, boolToInt(u.TwoFactor),
		nullStr(u.TOTPSecret), codes, boolToInt(u.Disabled),
		u.CreatedAt.UTC().Format(time.RFC3339), timeToStr(u.LastLoginAt),
	)
	return conflictErr(err)
}

// GetUser retrieves a user by ID.
func (s *Store) GetUser(ctx context.Context, id string) (*feen.User, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+userCols+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// GetUserByEmail retrieves a user by unique email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*feen.User, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+userCols+` FROM users WHERE email = ?`, email)
	return scanUser(row)
}

// UpdateUser persists mutable user fields.
func (s *Store) UpdateUser(ctx context.Context, u *feen.User) error {
	roles, err := marshalJSON(u.Roles)
	if err != nil {
		return err
	}
	codes, err := marshalJSON(u.BackupCodes)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE users SET password_hash=?, team=?, roles=?, two_factor=?,
		 totp_secret=?, backup_codes=?, disabled=?, last_login_at=? WHERE id=?`,
		u.PasswordHash, nullStr(u.Team), roles, boolToInt(u.TwoFactor),
		nullStr(u.TOTPSecret), codes, boolToInt(u.Disabled),
		timeToStr(u.LastLoginAt), u.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "user")
}

func scanUser(sc scanner) (*feen.User, error) {
	var u feen.User
	var team, totp, roles, codes, lastLogin sql.NullString
	var twoFactor, disabled int
	var created string
	if err := sc.Scan(&u.ID, &u.Email, &u.PasswordHash, &team, &roles, &twoFactor,
		&totp, &codes, &disabled, &created, &lastLogin); err != nil {
		return nil, notFoundErr(err)
	}
	u.Team = strOrEmpty(team)
	u.Roles = unmarshalJSON(roles)
	u.TwoFactor = twoFactor == 1
	u.TOTPSecret = strOrEmpty(totp)
	u.BackupCodes = unmarshalJSON(codes)
	u.Disabled = disabled == 1
	u.CreatedAt = mustTime(created)
	u.LastLoginAt = strToTime(lastLogin)
	return &u, nil
}
