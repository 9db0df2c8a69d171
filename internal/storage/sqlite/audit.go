package sqlite

import (
	"context"
	"database/sql"
	"time"

	feen "github.com/feenlabs/feen/internal"
)

// InsertAudit appends one audit record.
func (s *Store) InsertAudit(ctx context.Context, a *feen.AuditLog) error {
	_, err := s.write.ExecContext(ctx, auditInsertSQL, auditArgs(a)...)
	return err
}

const auditInsertSQL = `INSERT INTO audit_logs (id, user_id, action, resource, detail,
	 request_id, client_ip, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

func auditArgs(a *feen.AuditLog) []any {
	return []any{
		a.ID, nullStr(a.UserID), a.Action, nullStr(a.Resource), nullStr(a.Detail),
		nullStr(a.RequestID), nullStr(a.ClientIP), a.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// insertAuditTx writes an audit row inside an open transaction; used by the
// token-creation batch.
func insertAuditTx(ctx context.Context, tx *sql.Tx, a *feen.AuditLog) error {
	_, err := tx.ExecContext(ctx, auditInsertSQL, auditArgs(a)...)
	return err
}

// ListAudit returns a user's audit records newest first. An empty userID
// lists across all users (admin view).
func (s *Store) ListAudit(ctx context.Context, userID string, offset, limit int) ([]*feen.AuditLog, error) {
	query := `SELECT id, user_id, action, resource, detail, request_id, client_ip, created_at
		 FROM audit_logs`
	args := []any{}
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*feen.AuditLog
	for rows.Next() {
		var a feen.AuditLog
		var userID, resource, detail, requestID, clientIP sql.NullString
		var created string
		if err := rows.Scan(&a.ID, &userID, &a.Action, &resource, &detail,
			&requestID, &clientIP, &created); err != nil {
			return nil, err
		}
		a.UserID = strOrEmpty(userID)
		a.Resource = strOrEmpty(resource)
		a.Detail = strOrEmpty(detail)
		a.RequestID = strOrEmpty(requestID)
		a.ClientIP = strOrEmpty(clientIP)
		a.CreatedAt = mustTime(created)
		logs = append(logs, &a)
	}
	return logs, rows.Err()
}

// PruneAudit deletes audit rows older than the retention threshold.
func (s *Store) PruneAudit(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM audit_logs WHERE created_at < ?`,
		olderThan.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
