// Package audit records who did what to which object, for admins to review.
package audit

import "context"

// Authentication actions
const (
	ActionSignIn       = "sign_in"
	ActionSignInFailed = "sign_in_failed"
	ActionSignOut      = "sign_out"
	ActionSignUp       = "sign_up"
	Action2FAEnabled   = "2fa_enabled"
	Action2FADisabled  = "2fa_disabled"
)

// Object actions
const (
	ActionCreateFolder  = "create_folder"
	ActionDeleteObject  = "delete_object"
	ActionDeleteObjects = "delete_objects"
	ActionRenameObject  = "rename_object"
	ActionCopyObject    = "copy_object"
	ActionMoveObject    = "move_object"
	ActionUploadObject  = "upload_object"
	ActionPresignUpload = "presign_upload"
)

// Status
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// AuditEvent represents a single audit log event to be recorded
type AuditEvent struct {
	UserID    string
	Email     string
	Action    string
	Bucket    string
	Key       string
	Target    string // destination key or bucket/key for copy, move and rename
	Status    string
	IPAddress string
	UserAgent string
	Details   map[string]interface{}
}

// AuditLog represents a stored audit log record
type AuditLog struct {
	ID        int64                  `json:"id"`
	Timestamp int64                  `json:"timestamp"`
	UserID    string                 `json:"userId"`
	Email     string                 `json:"email"`
	Action    string                 `json:"action"`
	Bucket    string                 `json:"bucket,omitempty"`
	Key       string                 `json:"key,omitempty"`
	Target    string                 `json:"target,omitempty"`
	Status    string                 `json:"status"`
	IPAddress string                 `json:"ipAddress,omitempty"`
	UserAgent string                 `json:"userAgent,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// AuditLogFilters for querying logs
type AuditLogFilters struct {
	UserID string
	Action string
	Bucket string
	Status string
	Limit  int
}

// Store defines the interface for audit log storage
type Store interface {
	LogEvent(ctx context.Context, event *AuditEvent) error
	GetLogs(ctx context.Context, filters *AuditLogFilters) ([]*AuditLog, error)
	PurgeLogs(ctx context.Context, olderThanDays int) (int, error)
}
