package server

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/s3desk/s3desk/internal/audit"
)

// ObjectsActionRequest is the body of POST /api/s3/objects
type ObjectsActionRequest struct {
	Action     string   `json:"action"`
	Bucket     string   `json:"bucket"`
	FolderPath string   `json:"folderPath,omitempty"`
	Keys       []string `json:"keys,omitempty"`
}

// UpdateObjectRequest is the body of PATCH /api/s3/objects/{bucket}/{key}
type UpdateObjectRequest struct {
	Action            string `json:"action"`
	NewKey            string `json:"newKey,omitempty"`
	DestinationBucket string `json:"destinationBucket,omitempty"`
	DestinationKey    string `json:"destinationKey,omitempty"`
}

// PresignRequest is the body of POST /api/s3/presigned
type PresignRequest struct {
	Action      string `json:"action"`
	Bucket      string `json:"bucket"`
	Key         string `json:"key"`
	ContentType string `json:"contentType,omitempty"`
}

func (s *Server) handleListBuckets(w http.ResponseWriter, r *http.Request) {
	buckets, err := s.objects.ListBuckets(r.Context())
	if err != nil {
		writeStoreError(w, r, err, "Failed to list buckets")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"buckets": buckets})
}

func (s *Server) handleListObjects(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	bucket := query.Get("bucket")
	if bucket == "" {
		writeError(w, http.StatusBadRequest, "Bucket is required")
		return
	}

	result, err := s.objects.ListObjects(r.Context(), bucket, query.Get("prefix"), query.Get("continuationToken"))
	if err != nil {
		writeStoreError(w, r, err, "Failed to list objects")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleObjectsAction(w http.ResponseWriter, r *http.Request) {
	var req ObjectsActionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Bucket == "" {
		writeError(w, http.StatusBadRequest, "Bucket is required")
		return
	}

	switch req.Action {
	case "createFolder":
		if strings.Trim(req.FolderPath, "/") == "" {
			writeError(w, http.StatusBadRequest, "Folder path is required")
			return
		}
		err := s.objects.CreateFolder(r.Context(), req.Bucket, req.FolderPath)
		s.logAudit(r, &audit.AuditEvent{
			Action: audit.ActionCreateFolder,
			Bucket: req.Bucket,
			Key:    req.FolderPath,
		}, err)
		if err != nil {
			writeStoreError(w, r, err, "Failed to process request")
			return
		}

	case "delete":
		if len(req.Keys) == 0 {
			writeError(w, http.StatusBadRequest, "Keys are required")
			return
		}
		err := s.objects.DeleteObjects(r.Context(), req.Bucket, req.Keys)
		s.logAudit(r, &audit.AuditEvent{
			Action:  audit.ActionDeleteObjects,
			Bucket:  req.Bucket,
			Details: map[string]interface{}{"keys": req.Keys},
		}, err)
		if err != nil {
			writeStoreError(w, r, err, "Failed to process request")
			return
		}

	default:
		writeError(w, http.StatusBadRequest, "Invalid action")
		return
	}

	writeSuccess(w)
}

func (s *Server) handleMissingKey(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusBadRequest, "Bucket and key are required")
}

func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]

	if r.URL.Query().Get("action") == "content" {
		content, err := s.objects.GetObjectContent(r.Context(), bucket, key)
		if err != nil {
			writeStoreError(w, r, err, "Failed to get object")
			return
		}
		writeJSON(w, http.StatusOK, content)
		return
	}

	object, err := s.objects.HeadObject(r.Context(), bucket, key)
	if err != nil {
		writeStoreError(w, r, err, "Failed to get object")
		return
	}
	writeJSON(w, http.StatusOK, object)
}

func (s *Server) handleDeleteObject(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]

	err := s.objects.DeleteObject(r.Context(), bucket, key)
	s.logAudit(r, &audit.AuditEvent{
		Action: audit.ActionDeleteObject,
		Bucket: bucket,
		Key:    key,
	}, err)
	if err != nil {
		writeStoreError(w, r, err, "Failed to delete object")
		return
	}
	writeSuccess(w)
}

func (s *Server) handleUpdateObject(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]

	var req UpdateObjectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var (
		err   error
		event *audit.AuditEvent
	)
	switch req.Action {
	case "rename":
		if req.NewKey == "" {
			writeError(w, http.StatusBadRequest, "New key is required")
			return
		}
		err = s.objects.RenameObject(r.Context(), bucket, key, req.NewKey)
		event = &audit.AuditEvent{Action: audit.ActionRenameObject, Target: req.NewKey}

	case "copy", "move":
		if req.DestinationBucket == "" || req.DestinationKey == "" {
			writeError(w, http.StatusBadRequest, "Destination bucket and key are required")
			return
		}
		target := req.DestinationBucket + "/" + req.DestinationKey
		if req.Action == "copy" {
			err = s.objects.CopyObject(r.Context(), bucket, key, req.DestinationBucket, req.DestinationKey)
			event = &audit.AuditEvent{Action: audit.ActionCopyObject, Target: target}
		} else {
			err = s.objects.MoveObject(r.Context(), bucket, key, req.DestinationBucket, req.DestinationKey)
			event = &audit.AuditEvent{Action: audit.ActionMoveObject, Target: target}
		}

	default:
		writeError(w, http.StatusBadRequest, "Invalid action")
		return
	}

	event.Bucket = bucket
	event.Key = key
	s.logAudit(r, event, err)
	if err != nil {
		writeStoreError(w, r, err, "Failed to update object")
		return
	}
	writeSuccess(w)
}

func (s *Server) handlePresigned(w http.ResponseWriter, r *http.Request) {
	var req PresignRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Bucket == "" || req.Key == "" {
		writeError(w, http.StatusBadRequest, "Bucket and key are required")
		return
	}

	switch req.Action {
	case "upload":
		if !requireWriter(w, r) {
			return
		}
		presigned, err := s.objects.PresignUpload(r.Context(), req.Bucket, req.Key, req.ContentType)
		s.logAudit(r, &audit.AuditEvent{
			Action: audit.ActionPresignUpload,
			Bucket: req.Bucket,
			Key:    req.Key,
		}, err)
		if err != nil {
			writeStoreError(w, r, err, "Failed to generate presigned URL")
			return
		}
		writeJSON(w, http.StatusOK, presigned)

	case "download":
		presigned, err := s.objects.PresignDownload(r.Context(), req.Bucket, req.Key)
		if err != nil {
			writeStoreError(w, r, err, "Failed to generate presigned URL")
			return
		}
		writeJSON(w, http.StatusOK, presigned)

	default:
		writeError(w, http.StatusBadRequest, "Invalid action. Use 'upload' or 'download'")
	}
}
