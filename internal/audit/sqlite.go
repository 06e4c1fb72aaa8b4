package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// SQLiteStore implements Store on the shared s3desk database
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an already migrated database
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// LogEvent records an audit event
func (s *SQLiteStore) LogEvent(ctx context.Context, event *AuditEvent) error {
	var details interface{}
	if len(event.Details) > 0 {
		b, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal audit details: %w", err)
		}
		details = string(b)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (timestamp, user_id, email, action, bucket, object_key, target,
			status, ip_address, user_agent, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, time.Now().Unix(), nullString(event.UserID), nullString(event.Email), event.Action,
		nullString(event.Bucket), nullString(event.Key), nullString(event.Target), event.Status,
		nullString(event.IPAddress), nullString(event.UserAgent), details)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	return nil
}

// GetLogs returns the most recent logs matching filters, newest first
func (s *SQLiteStore) GetLogs(ctx context.Context, filters *AuditLogFilters) ([]*AuditLog, error) {
	if filters == nil {
		filters = &AuditLogFilters{}
	}
	limit := filters.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	where, args := buildWhereClause(filters)
	query := `SELECT id, timestamp, user_id, email, action, bucket, object_key, target, status,
		ip_address, user_agent, details FROM audit_logs ` + where + ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	return scanLogs(rows)
}

// PurgeLogs deletes logs older than specified days
func (s *SQLiteStore) PurgeLogs(ctx context.Context, olderThanDays int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -olderThanDays).Unix()

	result, err := s.db.ExecContext(ctx, "DELETE FROM audit_logs WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge old audit logs: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get deleted rows count: %w", err)
	}
	return int(deleted), nil
}

func buildWhereClause(filters *AuditLogFilters) (string, []interface{}) {
	var conditions []string
	var args []interface{}

	add := func(column, value string) {
		if value != "" {
			conditions = append(conditions, column+" = ?")
			args = append(args, value)
		}
	}
	add("user_id", filters.UserID)
	add("action", filters.Action)
	add("bucket", filters.Bucket)
	add("status", filters.Status)

	if len(conditions) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conditions, " AND "), args
}

func scanLogs(rows *sql.Rows) ([]*AuditLog, error) {
	logs := []*AuditLog{}

	for rows.Next() {
		log := &AuditLog{}
		var userID, email, bucket, key, target, ip, ua, details sql.NullString

		if err := rows.Scan(&log.ID, &log.Timestamp, &userID, &email, &log.Action, &bucket, &key,
			&target, &log.Status, &ip, &ua, &details); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}

		log.UserID = userID.String
		log.Email = email.String
		log.Bucket = bucket.String
		log.Key = key.String
		log.Target = target.String
		log.IPAddress = ip.String
		log.UserAgent = ua.String
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &log.Details); err != nil {
				return nil, fmt.Errorf("failed to unmarshal audit details: %w", err)
			}
		}

		logs = append(logs, log)
	}

	return logs, rows.Err()
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
