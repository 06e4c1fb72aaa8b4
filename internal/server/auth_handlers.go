package server

import (
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/s3desk/s3desk/internal/audit"
	"github.com/s3desk/s3desk/internal/auth"
	"github.com/sirupsen/logrus"
)

const (
	oauthStateCookie = "s3desk_oauth_state"
	oauthStateTTL    = 10 * time.Minute
)

// SignUpRequest is the body of POST /api/auth/sign-up/email
type SignUpRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

// SignInRequest is the body of POST /api/auth/sign-in/email
type SignInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Code     string `json:"code,omitempty"`
}

// SessionResponse is returned after a successful sign-in
type SessionResponse struct {
	Token     string     `json:"token"`
	User      *auth.User `json:"user"`
	ExpiresAt time.Time  `json:"expiresAt"`
}

// TwoFactorRequest carries a TOTP or backup code, and the password when
// disabling two-factor on a local account
type TwoFactorRequest struct {
	Code     string `json:"code"`
	Password string `json:"password,omitempty"`
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var req SignUpRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := s.auth.SignUp(r.Context(), req.Email, req.Password, req.Name, clientInfo(r))
	if err != nil {
		writeAuthError(w, err)
		return
	}

	s.logAudit(r, &audit.AuditEvent{
		UserID: result.User.ID,
		Email:  result.User.Email,
		Action: audit.ActionSignUp,
	}, nil)
	s.writeSession(w, result)
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req SignInRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Email and password are required")
		return
	}

	result, err := s.auth.SignIn(r.Context(), req.Email, req.Password, req.Code, clientInfo(r))
	if err != nil {
		// Asking for the second factor is not a failed attempt
		if !errors.Is(err, auth.ErrTwoFactorRequired) {
			s.metrics.RecordAuthAttempt("email", false)
			s.logAudit(r, &audit.AuditEvent{
				Email:  req.Email,
				Action: audit.ActionSignInFailed,
			}, err)
		}
		writeAuthError(w, err)
		return
	}

	s.metrics.RecordAuthAttempt("email", true)
	s.logAudit(r, &audit.AuditEvent{
		UserID:  result.User.ID,
		Email:   result.User.Email,
		Action:  audit.ActionSignIn,
		Details: map[string]interface{}{"provider": result.User.Provider},
	}, nil)
	s.writeSession(w, result)
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	token := auth.TokenFromRequest(r)
	if token != "" {
		user, _, _, err := s.auth.ValidateToken(r.Context(), token)
		if err := s.auth.SignOut(r.Context(), token); err != nil {
			logrus.WithError(err).Debug("Sign out with unusable token")
		}
		if err == nil {
			s.logAudit(r, &audit.AuditEvent{
				UserID: user.ID,
				Email:  user.Email,
				Action: audit.ActionSignOut,
			}, nil)
		}
	}

	s.auth.ClearSessionCookie(w)
	writeSuccess(w)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.GetUserFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{"user": user})
}

func (s *Server) handleGoogleSignIn(w http.ResponseWriter, r *http.Request) {
	state := uuid.NewString()
	authURL, err := s.auth.GoogleAuthURL(state)
	if err != nil {
		writeError(w, http.StatusNotFound, "Google sign-in is not configured")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/api/auth",
		MaxAge:   int(oauthStateTTL.Seconds()),
		HttpOnly: true,
		Secure:   s.config.Auth.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (s *Server) handleGoogleCallback(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    "",
		Path:     "/api/auth",
		MaxAge:   -1,
		HttpOnly: true,
	})

	cookie, err := r.Cookie(oauthStateCookie)
	if err != nil || cookie.Value == "" || cookie.Value != r.URL.Query().Get("state") {
		s.redirectSignInError(w, r, "invalid_state")
		return
	}
	if errParam := r.URL.Query().Get("error"); errParam != "" {
		s.redirectSignInError(w, r, errParam)
		return
	}

	result, err := s.auth.SignInGoogle(r.Context(), r.URL.Query().Get("code"), clientInfo(r))
	if err != nil {
		logrus.WithError(err).Warn("Google sign-in failed")
		s.metrics.RecordAuthAttempt("google", false)
		s.logAudit(r, &audit.AuditEvent{
			Action:  audit.ActionSignInFailed,
			Details: map[string]interface{}{"provider": "google"},
		}, err)
		s.redirectSignInError(w, r, "sign_in_failed")
		return
	}

	s.metrics.RecordAuthAttempt("google", true)
	s.logAudit(r, &audit.AuditEvent{
		UserID:  result.User.ID,
		Email:   result.User.Email,
		Action:  audit.ActionSignIn,
		Details: map[string]interface{}{"provider": "google"},
	}, nil)
	s.auth.SetSessionCookie(w, result.Token, result.Session.ExpiresAt)
	http.Redirect(w, r, s.config.PublicURL+"/", http.StatusFound)
}

func (s *Server) redirectSignInError(w http.ResponseWriter, r *http.Request, reason string) {
	http.Redirect(w, r, s.config.PublicURL+"/sign-in?error="+url.QueryEscape(reason), http.StatusFound)
}

func (s *Server) handleTwoFactorSetup(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.GetUserFromContext(r.Context())
	if !s.auth.Enabled() {
		writeError(w, http.StatusBadRequest, "Authentication is disabled")
		return
	}

	setup, err := s.auth.SetupTwoFactor(r.Context(), user)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, setup)
}

func (s *Server) handleTwoFactorEnable(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.GetUserFromContext(r.Context())
	if !s.auth.Enabled() {
		writeError(w, http.StatusBadRequest, "Authentication is disabled")
		return
	}

	var req TwoFactorRequest
	if err := decodeJSON(w, r, &req); err != nil || req.Code == "" {
		writeError(w, http.StatusBadRequest, "Code is required")
		return
	}

	codes, err := s.auth.EnableTwoFactor(r.Context(), user, req.Code)
	s.logAudit(r, &audit.AuditEvent{Action: audit.Action2FAEnabled}, err)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"backupCodes": codes})
}

func (s *Server) handleTwoFactorDisable(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.GetUserFromContext(r.Context())
	if !s.auth.Enabled() {
		writeError(w, http.StatusBadRequest, "Authentication is disabled")
		return
	}

	var req TwoFactorRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	err := s.auth.DisableTwoFactor(r.Context(), user, req.Password, req.Code)
	s.logAudit(r, &audit.AuditEvent{Action: audit.Action2FADisabled}, err)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	writeSuccess(w)
}

func (s *Server) writeSession(w http.ResponseWriter, result *auth.SignInResult) {
	s.auth.SetSessionCookie(w, result.Token, result.Session.ExpiresAt)
	writeJSON(w, http.StatusOK, SessionResponse{
		Token:     result.Token,
		User:      result.User,
		ExpiresAt: result.Session.ExpiresAt,
	})
}

func writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrTooManyAttempts):
		writeError(w, http.StatusTooManyRequests, "Too many login attempts, please try again later")
	case errors.Is(err, auth.ErrTwoFactorRequired):
		writeJSON(w, http.StatusUnauthorized, APIError{Error: "Two-factor code required", TwoFactorRequired: true})
	case errors.Is(err, auth.ErrInvalidTwoFactor):
		writeError(w, http.StatusUnauthorized, "Invalid two-factor code")
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "Invalid email or password")
	case errors.Is(err, auth.ErrUserInactive):
		writeError(w, http.StatusForbidden, "Account is disabled")
	case errors.Is(err, auth.ErrSignUpDisabled):
		writeError(w, http.StatusForbidden, "Sign up is disabled")
	case errors.Is(err, auth.ErrInvalidEmail),
		errors.Is(err, auth.ErrPasswordTooShort),
		errors.Is(err, auth.ErrTwoFactorNotSetUp),
		errors.Is(err, auth.ErrTwoFactorEnabled):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrUserExists):
		writeError(w, http.StatusConflict, "User already exists")
	default:
		logrus.WithError(err).Error("Authentication request failed")
		writeError(w, http.StatusInternalServerError, "Failed to process request")
	}
}
