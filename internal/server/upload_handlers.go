package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/s3desk/s3desk/internal/audit"
	"github.com/s3desk/s3desk/internal/auth"
	"github.com/s3desk/s3desk/internal/objstore"
	"github.com/sirupsen/logrus"
)

// multipartMemory is how much of a multipart form is buffered in memory
// before spilling to temporary files
const multipartMemory = 32 << 20

// UploadIDHeader carries the tracker id of a streamed upload
const UploadIDHeader = "X-Upload-ID"

// progressEvent is one server-sent event of an upload stream
type progressEvent struct {
	Loaded *int64 `json:"loaded,omitempty"`
	Total  *int64 `json:"total,omitempty"`
	Done   bool   `json:"done,omitempty"`
	Error  string `json:"error,omitempty"`
}

// eventStream writes server-sent events. Progress callbacks may run on
// the transport's goroutine, so writes are serialized.
type eventStream struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	closed  bool
}

func newEventStream(w http.ResponseWriter) *eventStream {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	return &eventStream{w: w, flusher: flusher}
}

func (e *eventStream) send(event progressEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", data); err != nil {
		e.closed = true
		return
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
}

func (e *eventStream) progress(loaded, total int64) {
	e.send(progressEvent{Loaded: &loaded, Total: &total})
}

// close stops further writes once the handler returns
func (e *eventStream) close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.config.Upload.MaxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.config.Upload.MaxBytes)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "File is too large")
			return
		}
		writeError(w, http.StatusBadRequest, "Missing required fields: file, bucket, key")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	bucket := r.FormValue("bucket")
	key := r.FormValue("key")
	if err != nil || bucket == "" || key == "" {
		writeError(w, http.StatusBadRequest, "Missing required fields: file, bucket, key")
		return
	}
	defer file.Close()

	// Reject before opening the stream so the client sees a status code
	if !s.objects.BucketAllowed(bucket) {
		writeStoreError(w, r, objstore.ErrBucketNotAllowed, "Upload failed")
		return
	}
	if err := objstore.ValidateKey(key); err != nil {
		writeStoreError(w, r, err, "Upload failed")
		return
	}

	// Browsers fall back to octet-stream for unknown files; sniff those instead
	contentType := header.Header.Get("Content-Type")
	if contentType == "application/octet-stream" {
		contentType = ""
	}

	user, _ := auth.GetUserFromContext(r.Context())
	tracked := s.uploads.Add(user.ID, bucket, key, header.Size)
	s.uploads.Start(tracked.ID)
	w.Header().Set(UploadIDHeader, tracked.ID)

	stream := newEventStream(w)
	defer stream.close()
	stream.progress(0, header.Size)

	err = s.objects.UploadObject(r.Context(), objstore.UploadInput{
		Bucket:      bucket,
		Key:         key,
		Body:        file,
		Size:        header.Size,
		ContentType: contentType,
		Progress: func(loaded, total int64) {
			s.uploads.SetProgress(tracked.ID, loaded, total)
			stream.progress(loaded, total)
		},
	})

	s.metrics.RecordUpload(err == nil, header.Size)
	s.logAudit(r, &audit.AuditEvent{
		Action:  audit.ActionUploadObject,
		Bucket:  bucket,
		Key:     key,
		Details: map[string]interface{}{"size": header.Size},
	}, err)

	if err != nil {
		logrus.WithFields(logrus.Fields{
			"bucket": bucket,
			"key":    key,
		}).WithError(err).Warn("Upload failed")
		s.uploads.Fail(tracked.ID, err)
		stream.send(progressEvent{Error: uploadErrorMessage(err)})
		return
	}

	s.uploads.Complete(tracked.ID)
	stream.send(progressEvent{Done: true})
}

// uploadErrorMessage is the text sent to the browser for a failed upload
func uploadErrorMessage(err error) string {
	switch {
	case errors.Is(err, objstore.ErrAccessDenied):
		return "Access denied"
	case errors.Is(err, objstore.ErrBucketNotFound):
		return "Bucket not found"
	case errors.Is(err, objstore.ErrBucketNotAllowed):
		return "Bucket is not allowed"
	default:
		return "Upload failed"
	}
}

func (s *Server) handleListUploads(w http.ResponseWriter, r *http.Request) {
	userID := auth.GetUserIDFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uploads":   s.uploads.List(userID),
		"hasActive": s.uploads.HasActive(userID),
	})
}

func (s *Server) handleClearUploads(w http.ResponseWriter, r *http.Request) {
	userID := auth.GetUserIDFromContext(r.Context())

	var removed int
	switch scope := r.URL.Query().Get("scope"); scope {
	case "", "completed":
		removed = s.uploads.ClearCompleted(userID)
	case "all":
		removed = s.uploads.ClearAll(userID)
	default:
		writeError(w, http.StatusBadRequest, "Invalid scope")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"removed": removed})
}

// requireWriter writes a 403 and returns false for read-only users
func requireWriter(w http.ResponseWriter, r *http.Request) bool {
	if user, ok := auth.GetUserFromContext(r.Context()); !ok || !user.CanWrite() {
		writeError(w, http.StatusForbidden, "Read-only users cannot modify objects")
		return false
	}
	return true
}
