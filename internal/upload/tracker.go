// Package upload tracks server-side uploads per user so a page reload can
// recover the upload panel state.
package upload

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status of a tracked upload
type Status string

const (
	StatusPending   Status = "pending"
	StatusUploading Status = "uploading"
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
)

// ErrNotFound is returned for unknown or cleared upload ids
var ErrNotFound = errors.New("upload not found")

// Upload is a snapshot of one upload
type Upload struct {
	ID        string    `json:"id"`
	UserID    string    `json:"-"`
	Bucket    string    `json:"bucket"`
	Key       string    `json:"key"`
	Size      int64     `json:"size"`
	Loaded    int64     `json:"loaded"`
	Progress  int       `json:"progress"`
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	seq uint64
}

// Finished reports whether the upload reached a terminal status
func (u *Upload) Finished() bool {
	return u.Status == StatusSuccess || u.Status == StatusError
}

// Tracker is an in-memory registry of uploads
type Tracker struct {
	mu      sync.RWMutex
	uploads map[string]*Upload
	seq     uint64
	now     func() time.Time
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{
		uploads: make(map[string]*Upload),
		now:     time.Now,
	}
}

// Add registers a pending upload and returns its snapshot
func (t *Tracker) Add(userID, bucket, key string, size int64) Upload {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	now := t.now()
	u := &Upload{
		ID:        uuid.New().String(),
		UserID:    userID,
		Bucket:    bucket,
		Key:       key,
		Size:      size,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		seq:       t.seq,
	}
	t.uploads[u.ID] = u
	return *u
}

// Start marks an upload as in progress
func (t *Tracker) Start(id string) error {
	return t.update(id, func(u *Upload) {
		u.Status = StatusUploading
	})
}

// SetProgress records bytes sent so far
func (t *Tracker) SetProgress(id string, loaded, total int64) error {
	return t.update(id, func(u *Upload) {
		if total > 0 {
			u.Size = total
		}
		u.Loaded = loaded
		u.Progress = percent(loaded, u.Size)
		if u.Status == StatusPending {
			u.Status = StatusUploading
		}
	})
}

// Complete marks an upload as successful
func (t *Tracker) Complete(id string) error {
	return t.update(id, func(u *Upload) {
		u.Status = StatusSuccess
		u.Loaded = u.Size
		u.Progress = 100
		u.Error = ""
	})
}

// Fail marks an upload as failed with err's message
func (t *Tracker) Fail(id string, err error) error {
	msg := "Upload failed"
	if err != nil {
		msg = err.Error()
	}
	return t.update(id, func(u *Upload) {
		u.Status = StatusError
		u.Error = msg
	})
}

// Get returns a snapshot of one upload
func (t *Tracker) Get(id string) (Upload, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	u, ok := t.uploads[id]
	if !ok {
		return Upload{}, ErrNotFound
	}
	return *u, nil
}

// List returns the user's uploads in the order they were added
func (t *Tracker) List(userID string) []Upload {
	t.mu.RLock()
	defer t.mu.RUnlock()

	list := make([]Upload, 0)
	for _, u := range t.uploads {
		if u.UserID == userID {
			list = append(list, *u)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })
	return list
}

// HasActive reports whether the user has pending or running uploads
func (t *Tracker) HasActive(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, u := range t.uploads {
		if u.UserID == userID && !u.Finished() {
			return true
		}
	}
	return false
}

// ClearCompleted removes the user's finished uploads and returns how many
func (t *Tracker) ClearCompleted(userID string) int {
	return t.remove(func(u *Upload) bool {
		return u.UserID == userID && u.Finished()
	})
}

// ClearAll removes every upload of the user. Uploads still running keep
// streaming but are no longer listed.
func (t *Tracker) ClearAll(userID string) int {
	return t.remove(func(u *Upload) bool {
		return u.UserID == userID
	})
}

func (t *Tracker) update(id string, fn func(*Upload)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	u, ok := t.uploads[id]
	if !ok {
		return ErrNotFound
	}
	fn(u)
	u.UpdatedAt = t.now()
	return nil
}

func (t *Tracker) remove(match func(*Upload) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, u := range t.uploads {
		if match(u) {
			delete(t.uploads, id)
			removed++
		}
	}
	return removed
}

func percent(loaded, total int64) int {
	if total <= 0 {
		return 0
	}
	p := int(float64(loaded) / float64(total) * 100)
	if p > 100 {
		p = 100
	}
	return p
}
