// Package auth owns s3desk users and browser sessions: email/password
// sign-in, delegated LDAP and Google sign-in, two-factor codes, and the
// HTTP middleware that puts the signed-in user on the request context.
package auth

import (
	"context"
	"errors"
	"time"
)

// Common authentication errors
var (
	ErrInvalidCredentials  = errors.New("invalid email or password")
	ErrUserNotFound        = errors.New("user not found")
	ErrUserExists          = errors.New("user already exists")
	ErrUserInactive        = errors.New("user is not active")
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionExpired      = errors.New("session expired")
	ErrInvalidToken        = errors.New("invalid token")
	ErrTooManyAttempts     = errors.New("too many login attempts, try again later")
	ErrTwoFactorRequired   = errors.New("two-factor code required")
	ErrInvalidTwoFactor    = errors.New("invalid two-factor code")
	ErrTwoFactorNotSetUp   = errors.New("two-factor authentication has not been set up")
	ErrTwoFactorEnabled    = errors.New("two-factor authentication is already enabled")
	ErrSignUpDisabled      = errors.New("sign up is disabled")
	ErrInvalidEmail        = errors.New("invalid email address")
	ErrPasswordTooShort    = errors.New("password must be at least 8 characters")
	ErrProviderUnavailable = errors.New("identity provider is not configured")
)

// User roles
const (
	RoleAdmin    = "admin"
	RoleUser     = "user"
	RoleReadOnly = "readonly"
)

// User statuses
const (
	StatusActive   = "active"
	StatusDisabled = "disabled"
)

// ProviderLocal marks users whose password lives in the s3desk database
const ProviderLocal = "local"

// MinPasswordLength is enforced on sign up
const MinPasswordLength = 8

// User represents an s3desk account
type User struct {
	ID               string    `json:"id"`
	Email            string    `json:"email"`
	Name             string    `json:"name"`
	Role             string    `json:"role"`
	Provider         string    `json:"provider"`
	Status           string    `json:"status"`
	TwoFactorEnabled bool      `json:"twoFactorEnabled"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`

	PasswordHash    string   `json:"-"`
	TwoFactorSecret string   `json:"-"`
	BackupCodes     []string `json:"-"`
}

// CanWrite reports whether the user may mutate objects
func (u *User) CanWrite() bool {
	return u != nil && u.Role != RoleReadOnly
}

// IsAdmin reports whether the user has the admin role
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

// Session is a server-side record backing a session token
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
	IPAddress string    `json:"ipAddress,omitempty"`
	UserAgent string    `json:"userAgent,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Expired reports whether the session is past its expiry at now
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// ClientInfo identifies where a sign-in came from
type ClientInfo struct {
	IP        string
	UserAgent string
}

// SignInResult is returned by every successful sign-in path
type SignInResult struct {
	User    *User
	Session *Session
	Token   string
}

type contextKey string

const userContextKey contextKey = "user"

// WithUser returns a copy of ctx carrying user
func WithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// GetUserFromContext extracts the authenticated user from the request context
func GetUserFromContext(ctx context.Context) (*User, bool) {
	user, ok := ctx.Value(userContextKey).(*User)
	return user, ok && user != nil
}

// GetUserIDFromContext extracts the user ID from the request context
func GetUserIDFromContext(ctx context.Context) string {
	user, ok := GetUserFromContext(ctx)
	if !ok {
		return ""
	}
	return user.ID
}
