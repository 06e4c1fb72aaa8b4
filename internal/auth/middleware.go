package auth

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// SessionCookieName is the cookie carrying the session token
const SessionCookieName = "s3desk_session"

// TokenFromRequest returns the session token from the cookie or a Bearer header
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if c, err := r.Cookie(SessionCookieName); err == nil {
		return c.Value
	}
	return ""
}

// SetSessionCookie writes the session cookie
func (m *Manager) SetSessionCookie(w http.ResponseWriter, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		MaxAge:   int(time.Until(expiresAt).Seconds()),
		HttpOnly: true,
		Secure:   m.config.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie expires the session cookie
func (m *Manager) ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.config.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

// Middleware rejects requests without a valid session and puts the user on
// the request context. Sessions due for refresh get a new cookie.
func (m *Manager) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !m.config.EnableAuth {
				next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), anonymousUser)))
				return
			}

			token := TokenFromRequest(r)
			if token == "" {
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}

			user, session, refreshed, err := m.ValidateToken(r.Context(), token)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"method": r.Method,
					"path":   r.URL.Path,
					"error":  err.Error(),
				}).Debug("Session rejected")
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}

			if refreshed != "" {
				m.SetSessionCookie(w, refreshed, session.ExpiresAt)
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

// RequireWrite rejects read-only users on mutating requests
func RequireWrite(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		if user, ok := GetUserFromContext(r.Context()); !ok || !user.CanWrite() {
			writeError(w, http.StatusForbidden, "Read-only users cannot modify objects")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin rejects non-admin users
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user, ok := GetUserFromContext(r.Context()); !ok || !user.IsAdmin() {
			writeError(w, http.StatusForbidden, "Admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
