package server

import (
	"net/http"
	"strconv"

	"github.com/s3desk/s3desk/internal/audit"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

func (s *Server) handleListAuditLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	limit := defaultAuditLimit
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}
	if limit > maxAuditLimit {
		limit = maxAuditLimit
	}

	logs, err := s.audit.GetLogs(r.Context(), &audit.AuditLogFilters{
		UserID: query.Get("userId"),
		Action: query.Get("action"),
		Bucket: query.Get("bucket"),
		Status: query.Get("status"),
		Limit:  limit,
	})
	if err != nil {
		writeStoreError(w, r, err, "Failed to get audit logs")
		return
	}
	if logs == nil {
		logs = []*audit.AuditLog{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"logs": logs})
}
