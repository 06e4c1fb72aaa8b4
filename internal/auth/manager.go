package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/s3desk/s3desk/internal/config"
	"github.com/s3desk/s3desk/internal/idp"
	"github.com/s3desk/s3desk/internal/idp/ldap"
	"github.com/s3desk/s3desk/internal/idp/oauth"
	"github.com/sirupsen/logrus"
)

// anonymousUser is placed on the context when authentication is disabled
var anonymousUser = &User{
	ID:       "anonymous",
	Email:    "anonymous@localhost",
	Name:     "Anonymous",
	Role:     RoleAdmin,
	Provider: ProviderLocal,
	Status:   StatusActive,
}

// Manager handles sign-in, sessions and two-factor settings
type Manager struct {
	config  config.AuthConfig
	store   *SQLiteStore
	signer  *tokenSigner
	cache   *sessionCache
	limiter *attemptLimiter
	ldap    idp.PasswordAuthenticator
	google  idp.RedirectProvider
	now     func() time.Time
}

// NewManager creates an auth manager backed by a migrated database
func NewManager(cfg config.AuthConfig, db *sql.DB) *Manager {
	m := &Manager{
		config:  cfg,
		store:   NewSQLiteStore(db),
		signer:  newTokenSigner(cfg.JWTSecret),
		cache:   newSessionCache(cfg.CookieCacheTTL),
		limiter: newAttemptLimiter(cfg.LoginMaxAttempts, cfg.LoginWindow),
		now:     time.Now,
	}

	if cfg.LDAP.Enable {
		m.ldap = ldap.NewClient(cfg.LDAP)
		logrus.WithField("host", cfg.LDAP.Host).Info("LDAP sign-in enabled")
	}
	if cfg.Google.Enabled() {
		m.google = oauth.NewGoogleProvider(cfg.Google)
		logrus.Info("Google sign-in enabled")
	}
	if !cfg.EnableAuth {
		logrus.Warn("Authentication is disabled: every request runs as an anonymous admin")
	}

	return m
}

// Enabled reports whether requests must carry a session
func (m *Manager) Enabled() bool {
	return m.config.EnableAuth
}

// GoogleEnabled reports whether the Google redirect flow is configured
func (m *Manager) GoogleEnabled() bool {
	return m.google != nil
}

// Store exposes the user and session store
func (m *Manager) Store() *SQLiteStore {
	return m.store
}

// Close stops background goroutines
func (m *Manager) Close() {
	m.cache.Close()
	m.limiter.Stop()
}

// SignUp creates a local account and signs it in
func (m *Manager) SignUp(ctx context.Context, email, password, name string, client ClientInfo) (*SignInResult, error) {
	if !m.config.AllowSignup {
		return nil, ErrSignUpDisabled
	}

	email = normalizeEmail(email)
	if !validEmail(email) {
		return nil, ErrInvalidEmail
	}
	if len(password) < MinPasswordLength {
		return nil, ErrPasswordTooShort
	}

	role, err := m.defaultRole(ctx)
	if err != nil {
		return nil, err
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}

	user := &User{
		ID:           uuid.NewString(),
		Email:        email,
		Name:         strings.TrimSpace(name),
		Role:         role,
		Provider:     ProviderLocal,
		Status:       StatusActive,
		PasswordHash: hash,
	}
	if err := m.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"user_id": user.ID,
		"email":   user.Email,
		"role":    user.Role,
	}).Info("User signed up")

	return m.startSession(ctx, user, client)
}

// SignIn verifies email and password (falling through to LDAP when
// configured) and, when the account has 2FA, the TOTP or backup code.
func (m *Manager) SignIn(ctx context.Context, email, password, code string, client ClientInfo) (*SignInResult, error) {
	if !m.limiter.Allow(client.IP) {
		return nil, ErrTooManyAttempts
	}

	email = normalizeEmail(email)
	user, err := m.store.GetUserByEmail(ctx, email)
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}

	switch {
	case user != nil && user.Provider == ProviderLocal && VerifyPassword(password, user.PasswordHash):
	case m.ldap != nil && (user == nil || user.Provider == idp.ProviderLDAP):
		user, err = m.signInLDAP(ctx, email, password)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrInvalidCredentials
	}

	if user.Status != StatusActive {
		return nil, ErrUserInactive
	}

	if user.TwoFactorEnabled {
		if strings.TrimSpace(code) == "" {
			return nil, ErrTwoFactorRequired
		}
		if err := m.verifySecondFactor(ctx, user, code); err != nil {
			return nil, err
		}
	}

	m.limiter.Reset(client.IP)
	return m.startSession(ctx, user, client)
}

func (m *Manager) signInLDAP(ctx context.Context, login, password string) (*User, error) {
	ext, err := m.ldap.Authenticate(ctx, login, password)
	if err != nil {
		if !errors.Is(err, idp.ErrInvalidCredentials) && !errors.Is(err, idp.ErrUserNotFound) {
			logrus.WithError(err).Warn("LDAP sign-in failed")
		}
		return nil, ErrInvalidCredentials
	}
	return m.upsertExternal(ctx, ext)
}

// GoogleAuthURL returns the Google consent URL for state
func (m *Manager) GoogleAuthURL(state string) (string, error) {
	if m.google == nil {
		return "", ErrProviderUnavailable
	}
	return m.google.AuthCodeURL(state), nil
}

// SignInGoogle completes the Google redirect flow
func (m *Manager) SignInGoogle(ctx context.Context, code string, client ClientInfo) (*SignInResult, error) {
	if m.google == nil {
		return nil, ErrProviderUnavailable
	}

	ext, err := m.google.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("google sign-in failed: %w", err)
	}

	user, err := m.upsertExternal(ctx, ext)
	if err != nil {
		return nil, err
	}
	if user.Status != StatusActive {
		return nil, ErrUserInactive
	}
	return m.startSession(ctx, user, client)
}

// upsertExternal links an external identity to a local account by email
func (m *Manager) upsertExternal(ctx context.Context, ext *idp.ExternalUser) (*User, error) {
	email := normalizeEmail(ext.Email)
	if email == "" {
		return nil, idp.ErrNoEmail
	}

	user, err := m.store.GetUserByEmail(ctx, email)
	if err == nil {
		if user.Name == "" && ext.DisplayName != "" {
			if err := m.store.UpdateProfile(ctx, user.ID, ext.DisplayName, user.Provider); err != nil {
				return nil, err
			}
			user.Name = ext.DisplayName
		}
		return user, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}

	if !m.config.AllowSignup && ext.Provider == idp.ProviderGoogle {
		return nil, ErrSignUpDisabled
	}

	role, err := m.defaultRole(ctx)
	if err != nil {
		return nil, err
	}

	user = &User{
		ID:       uuid.NewString(),
		Email:    email,
		Name:     ext.DisplayName,
		Role:     role,
		Provider: ext.Provider,
		Status:   StatusActive,
	}
	if err := m.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"user_id":  user.ID,
		"email":    user.Email,
		"provider": user.Provider,
	}).Info("Created user from external identity")

	return user, nil
}

// defaultRole makes the very first account an admin
func (m *Manager) defaultRole(ctx context.Context) (string, error) {
	n, err := m.store.CountUsers(ctx)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return RoleAdmin, nil
	}
	return RoleUser, nil
}

func (m *Manager) verifySecondFactor(ctx context.Context, user *User, code string) error {
	code = strings.TrimSpace(code)
	if isBackupCode(strings.ToUpper(code)) {
		remaining, ok := consumeBackupCode(code, user.BackupCodes)
		if !ok {
			return ErrInvalidTwoFactor
		}
		return m.store.UpdateBackupCodes(ctx, user.ID, remaining)
	}
	if !verifyTOTPCode(user.TwoFactorSecret, code, m.now()) {
		return ErrInvalidTwoFactor
	}
	return nil
}

func (m *Manager) startSession(ctx context.Context, user *User, client ClientInfo) (*SignInResult, error) {
	now := m.now()
	session := &Session{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		ExpiresAt: now.Add(m.config.SessionTTL),
		IPAddress: client.IP,
		UserAgent: client.UserAgent,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	token, err := m.signer.Sign(session)
	if err != nil {
		return nil, err
	}

	m.cache.Set(user, session)
	return &SignInResult{User: user, Session: session, Token: token}, nil
}

// ValidateToken resolves a session token. When the session is older than
// the update age its expiry is extended and a new token is returned.
func (m *Manager) ValidateToken(ctx context.Context, token string) (*User, *Session, string, error) {
	sessionID, err := m.signer.Parse(token)
	if err != nil {
		return nil, nil, "", err
	}

	user, session, ok := m.cache.Get(sessionID)
	if !ok {
		session, err = m.store.GetSession(ctx, sessionID)
		if err != nil {
			return nil, nil, "", err
		}
		user, err = m.store.GetUserByID(ctx, session.UserID)
		if err != nil {
			return nil, nil, "", err
		}
	}

	now := m.now()
	if session.Expired(now) {
		m.cache.Delete(sessionID)
		return nil, nil, "", ErrSessionExpired
	}
	if user.Status != StatusActive {
		m.cache.Delete(sessionID)
		return nil, nil, "", ErrUserInactive
	}

	var refreshed string
	if m.config.SessionUpdateAge > 0 && now.Sub(session.UpdatedAt) >= m.config.SessionUpdateAge {
		extended := *session
		extended.ExpiresAt = now.Add(m.config.SessionTTL)
		extended.UpdatedAt = now
		if err := m.store.ExtendSession(ctx, extended.ID, extended.ExpiresAt, extended.UpdatedAt); err != nil {
			return nil, nil, "", err
		}
		if refreshed, err = m.signer.Sign(&extended); err != nil {
			return nil, nil, "", err
		}
		session = &extended
	}

	if !ok || refreshed != "" {
		m.cache.Set(user, session)
	}
	return user, session, refreshed, nil
}

// SignOut deletes the session behind token
func (m *Manager) SignOut(ctx context.Context, token string) error {
	sessionID, err := m.signer.Parse(token)
	if err != nil {
		if errors.Is(err, ErrSessionExpired) {
			return nil
		}
		return err
	}
	m.cache.Delete(sessionID)
	return m.store.DeleteSession(ctx, sessionID)
}

// SetupTwoFactor generates and stores a pending TOTP secret. An enabled
// secret is never replaced; 2FA must be disabled first.
func (m *Manager) SetupTwoFactor(ctx context.Context, user *User) (*TOTPSetup, error) {
	stored, err := m.store.GetUserByID(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if stored.TwoFactorEnabled {
		return nil, ErrTwoFactorEnabled
	}

	setup, err := generateTOTPSecret(user.Email)
	if err != nil {
		return nil, err
	}
	if err := m.store.SetTwoFactorSecret(ctx, user.ID, setup.Secret); err != nil {
		return nil, err
	}
	return setup, nil
}

// EnableTwoFactor confirms the pending secret with a code and returns
// freshly generated backup codes.
func (m *Manager) EnableTwoFactor(ctx context.Context, user *User, code string) ([]string, error) {
	stored, err := m.store.GetUserByID(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if stored.TwoFactorSecret == "" {
		return nil, ErrTwoFactorNotSetUp
	}
	if !verifyTOTPCode(stored.TwoFactorSecret, code, m.now()) {
		return nil, ErrInvalidTwoFactor
	}

	plain, hashed, err := generateBackupCodes()
	if err != nil {
		return nil, err
	}
	if err := m.store.EnableTwoFactor(ctx, user.ID, hashed); err != nil {
		return nil, err
	}

	m.cache.DeleteUser(user.ID)
	return plain, nil
}

// DisableTwoFactor turns 2FA off after re-checking the password (local
// accounts) or a current code (external accounts).
func (m *Manager) DisableTwoFactor(ctx context.Context, user *User, password, code string) error {
	stored, err := m.store.GetUserByID(ctx, user.ID)
	if err != nil {
		return err
	}

	if stored.Provider == ProviderLocal {
		if !VerifyPassword(password, stored.PasswordHash) {
			return ErrInvalidCredentials
		}
	} else if stored.TwoFactorEnabled {
		if err := m.verifySecondFactor(ctx, stored, code); err != nil {
			return err
		}
	}

	if err := m.store.DisableTwoFactor(ctx, user.ID); err != nil {
		return err
	}
	m.cache.DeleteUser(user.ID)
	return nil
}

// EnsureUser creates a local account unless one already exists for email
func (m *Manager) EnsureUser(ctx context.Context, email, password, name, role string) (bool, error) {
	email = normalizeEmail(email)
	if _, err := m.store.GetUserByEmail(ctx, email); err == nil {
		return false, nil
	} else if !errors.Is(err, ErrUserNotFound) {
		return false, err
	}

	hash, err := HashPassword(password)
	if err != nil {
		return false, err
	}

	err = m.store.CreateUser(ctx, &User{
		ID:           uuid.NewString(),
		Email:        email,
		Name:         name,
		Role:         role,
		Provider:     ProviderLocal,
		Status:       StatusActive,
		PasswordHash: hash,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// PurgeExpiredSessions deletes expired session rows
func (m *Manager) PurgeExpiredSessions(ctx context.Context) (int64, error) {
	return m.store.DeleteExpiredSessions(ctx, m.now())
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validEmail(email string) bool {
	at := strings.LastIndex(email, "@")
	return at > 0 && at < len(email)-1 && !strings.ContainsAny(email, " \t\r\n")
}
