package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// SQLiteStore persists users and sessions
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an already migrated database
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// HashPassword hashes a password using bcrypt
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword verifies a password against its bcrypt hash
func VerifyPassword(password, hash string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

const userColumns = `id, email, name, password_hash, role, provider, status,
	two_factor_enabled, two_factor_secret, backup_codes, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*User, error) {
	var (
		u                             User
		name, hash, secret, codesJSON sql.NullString
		twoFactor                     int
		createdAt, updatedAt          int64
	)
	err := row.Scan(&u.ID, &u.Email, &name, &hash, &u.Role, &u.Provider, &u.Status,
		&twoFactor, &secret, &codesJSON, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}

	u.Name = name.String
	u.PasswordHash = hash.String
	u.TwoFactorEnabled = twoFactor == 1
	u.TwoFactorSecret = secret.String
	u.CreatedAt = time.Unix(createdAt, 0)
	u.UpdatedAt = time.Unix(updatedAt, 0)
	if codesJSON.Valid && codesJSON.String != "" {
		if err := json.Unmarshal([]byte(codesJSON.String), &u.BackupCodes); err != nil {
			return nil, fmt.Errorf("failed to decode backup codes: %w", err)
		}
	}
	return &u, nil
}

// CreateUser inserts a new user
func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	now := time.Now()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, name, password_hash, role, provider, status,
			two_factor_enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`, user.ID, strings.ToLower(user.Email), nullString(user.Name), nullString(user.PasswordHash),
		user.Role, user.Provider, user.Status, user.CreatedAt.Unix(), user.UpdatedAt.Unix())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrUserExists
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// nullString converts empty strings to NULL
func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// GetUserByEmail retrieves a user by email, case-insensitively
func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, strings.ToLower(email))
	return scanUser(row)
}

// GetUserByID retrieves a user by ID
func (s *SQLiteStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// CountUsers returns the number of accounts
func (s *SQLiteStore) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return n, nil
}

// UpdateProfile updates the name and provider of an existing user
func (s *SQLiteStore) UpdateProfile(ctx context.Context, id, name, provider string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET name = ?, provider = ?, updated_at = ? WHERE id = ?`,
		nullString(name), provider, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return nil
}

// SetTwoFactorSecret stores a pending TOTP secret without enabling it
func (s *SQLiteStore) SetTwoFactorSecret(ctx context.Context, userID, secret string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET two_factor_secret = ?, updated_at = ? WHERE id = ?`,
		secret, time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("failed to store two-factor secret: %w", err)
	}
	return nil
}

// EnableTwoFactor marks 2FA enabled and stores hashed backup codes
func (s *SQLiteStore) EnableTwoFactor(ctx context.Context, userID string, hashedCodes []string) error {
	codes, err := json.Marshal(hashedCodes)
	if err != nil {
		return fmt.Errorf("failed to encode backup codes: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE users SET two_factor_enabled = 1, backup_codes = ?, updated_at = ? WHERE id = ?
	`, string(codes), time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("failed to enable two-factor: %w", err)
	}
	return nil
}

// DisableTwoFactor clears the secret and backup codes
func (s *SQLiteStore) DisableTwoFactor(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET two_factor_enabled = 0, two_factor_secret = NULL, backup_codes = NULL, updated_at = ?
		WHERE id = ?
	`, time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("failed to disable two-factor: %w", err)
	}
	return nil
}

// UpdateBackupCodes replaces the stored backup code hashes
func (s *SQLiteStore) UpdateBackupCodes(ctx context.Context, userID string, hashedCodes []string) error {
	codes, err := json.Marshal(hashedCodes)
	if err != nil {
		return fmt.Errorf("failed to encode backup codes: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE users SET backup_codes = ?, updated_at = ? WHERE id = ?`,
		string(codes), time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("failed to update backup codes: %w", err)
	}
	return nil
}

// CreateSession inserts a session row
func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, expires_at, ip_address, user_agent, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, session.ID, session.UserID, session.ExpiresAt.Unix(), nullString(session.IPAddress),
		nullString(session.UserAgent), session.CreatedAt.Unix(), session.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	var (
		session                         Session
		ip, ua                          sql.NullString
		expiresAt, createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, expires_at, ip_address, user_agent, created_at, updated_at
		FROM sessions WHERE id = ?
	`, id).Scan(&session.ID, &session.UserID, &expiresAt, &ip, &ua, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	session.IPAddress = ip.String
	session.UserAgent = ua.String
	session.ExpiresAt = time.Unix(expiresAt, 0)
	session.CreatedAt = time.Unix(createdAt, 0)
	session.UpdatedAt = time.Unix(updatedAt, 0)
	return &session, nil
}

// ExtendSession moves the expiry of a session forward
func (s *SQLiteStore) ExtendSession(ctx context.Context, id string, expiresAt, updatedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET expires_at = ?, updated_at = ? WHERE id = ?`,
		expiresAt.Unix(), updatedAt.Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to extend session: %w", err)
	}
	return nil
}

// DeleteSession removes a session
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteExpiredSessions removes sessions that expired before now
func (s *SQLiteStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return res.RowsAffected()
}
