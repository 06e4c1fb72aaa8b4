// Package idp holds the external identity providers s3desk can delegate
// sign-in to: an LDAP directory and Google OAuth2.
package idp

import (
	"context"
	"errors"
)

const (
	ProviderLDAP   = "ldap"
	ProviderGoogle = "google"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found in directory")
	ErrNoEmail            = errors.New("identity provider returned no email")
)

// ExternalUser represents a user resolved by an external directory
type ExternalUser struct {
	ExternalID  string `json:"externalId"` // DN for LDAP, sub for OAuth
	Username    string `json:"username"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Provider    string `json:"provider"`
}

// PasswordAuthenticator verifies a username/password pair against a directory
type PasswordAuthenticator interface {
	Authenticate(ctx context.Context, username, password string) (*ExternalUser, error)
}

// RedirectProvider implements a browser redirect login flow
type RedirectProvider interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*ExternalUser, error)
}
