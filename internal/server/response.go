package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/s3desk/s3desk/internal/audit"
	"github.com/s3desk/s3desk/internal/auth"
	"github.com/s3desk/s3desk/internal/middleware"
	"github.com/s3desk/s3desk/internal/objstore"
	"github.com/sirupsen/logrus"
)

const maxJSONBody = 1 << 20

// APIError is the error body returned by every endpoint
type APIError struct {
	Error             string `json:"error"`
	TwoFactorRequired bool   `json:"twoFactorRequired,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Debug("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, APIError{Error: message})
}

func writeSuccess(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// decodeJSON reads a JSON request body into v
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(v)
}

// writeStoreError translates an object store error into a response.
// Unrecognized errors are logged and answered with fallback.
func writeStoreError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	switch {
	case errors.Is(err, objstore.ErrBucketRequired):
		writeError(w, http.StatusBadRequest, "Bucket is required")
	case errors.Is(err, objstore.ErrInvalidKey), errors.Is(err, objstore.ErrInvalidDestination):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, objstore.ErrBucketNotAllowed):
		writeError(w, http.StatusForbidden, "Bucket is not allowed")
	case errors.Is(err, objstore.ErrAccessDenied):
		writeError(w, http.StatusForbidden, "Access denied")
	case errors.Is(err, objstore.ErrObjectNotFound):
		writeError(w, http.StatusNotFound, "Object not found")
	case errors.Is(err, objstore.ErrBucketNotFound):
		writeError(w, http.StatusNotFound, "Bucket not found")
	case errors.Is(err, objstore.ErrContentTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "Object is too large to preview")
	default:
		logrus.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"request_id": middleware.GetRequestID(r.Context()),
		}).WithError(err).Error(fallback)
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

func clientInfo(r *http.Request) auth.ClientInfo {
	return auth.ClientInfo{
		IP:        middleware.ClientIP(r),
		UserAgent: r.UserAgent(),
	}
}

// logAudit records an event for the user on r's context. The write is
// not cancelled with the request.
func (s *Server) logAudit(r *http.Request, event *audit.AuditEvent, err error) {
	if user, ok := auth.GetUserFromContext(r.Context()); ok && event.UserID == "" {
		event.UserID = user.ID
		event.Email = user.Email
	}
	event.IPAddress = middleware.ClientIP(r)
	event.UserAgent = r.UserAgent()
	event.Status = audit.StatusSuccess
	if err != nil {
		event.Status = audit.StatusFailed
		if event.Details == nil {
			event.Details = map[string]interface{}{}
		}
		event.Details["error"] = err.Error()
	}
	s.audit.LogEvent(context.WithoutCancel(r.Context()), event)
}
