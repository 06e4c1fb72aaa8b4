package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/handlers"
	"github.com/sirupsen/logrus"
)

// CORS allows credentialed cross-origin requests from the given origins
func CORS(origins []string) func(http.Handler) http.Handler {
	return handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization", RequestIDHeader}),
		handlers.ExposedHeaders([]string{RequestIDHeader}),
		handlers.AllowCredentials(),
		handlers.MaxAge(3600),
	)
}

// TrustedOrigins rejects state-changing requests whose Origin header is not
// one of origins. Requests without an Origin header are not browser
// cross-site submissions and pass through.
func TrustedOrigins(origins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[normalizeOrigin(o)] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" || isSafeMethod(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			if _, ok := allowed[normalizeOrigin(origin)]; !ok {
				logrus.WithFields(logrus.Fields{
					"origin":     origin,
					"method":     r.Method,
					"path":       r.URL.Path,
					"request_id": GetRequestID(r.Context()),
				}).Warn("Rejected request from untrusted origin")

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "Invalid origin"})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func normalizeOrigin(origin string) string {
	return strings.ToLower(strings.TrimSuffix(origin, "/"))
}
