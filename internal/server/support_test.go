package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/s3desk/s3desk/internal/audit"
	"github.com/s3desk/s3desk/internal/auth"
	"github.com/s3desk/s3desk/internal/config"
	"github.com/s3desk/s3desk/internal/db"
	"github.com/s3desk/s3desk/internal/objstore"
	"github.com/s3desk/s3desk/internal/upload"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory ObjectStore
type fakeStore struct {
	mu      sync.Mutex
	allowed map[string]bool
	objects map[string][]byte // "bucket/key" -> body
	calls   []string
	err     error // returned by every mutating call when set

	beforeUpload func() // runs before UploadObject reads the body
}

func newFakeStore(buckets ...string) *fakeStore {
	allowed := map[string]bool{}
	for _, b := range buckets {
		allowed[b] = true
	}
	return &fakeStore{allowed: allowed, objects: map[string][]byte{}}
}

func (f *fakeStore) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeStore) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeStore) check(bucket string) error {
	if bucket == "" {
		return objstore.ErrBucketRequired
	}
	if !f.allowed[bucket] {
		return objstore.ErrBucketNotAllowed
	}
	return nil
}

func (f *fakeStore) BucketAllowed(bucket string) bool {
	return f.allowed[bucket]
}

func (f *fakeStore) ListBuckets(ctx context.Context) ([]objstore.Bucket, error) {
	var buckets []objstore.Bucket
	for name := range f.allowed {
		buckets = append(buckets, objstore.Bucket{Name: name})
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Name < buckets[j].Name })
	return buckets, nil
}

func (f *fakeStore) ListObjects(ctx context.Context, bucket, prefix, token string) (*objstore.ListResult, error) {
	if err := f.check(bucket); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	result := &objstore.ListResult{Objects: []objstore.Object{}, Prefixes: []string{}}
	for path, body := range f.objects {
		key := strings.TrimPrefix(path, bucket+"/")
		if key == path || !strings.HasPrefix(key, prefix) {
			continue
		}
		size := int64(len(body))
		result.Objects = append(result.Objects, objstore.Object{Key: key, Name: key, Size: &size})
	}
	return result, nil
}

func (f *fakeStore) HeadObject(ctx context.Context, bucket, key string) (*objstore.Object, error) {
	if err := f.check(bucket); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	body, ok := f.objects[bucket+"/"+key]
	if !ok {
		return nil, objstore.ErrObjectNotFound
	}
	size := int64(len(body))
	return &objstore.Object{Key: key, Name: key, Size: &size, ContentType: "text/plain"}, nil
}

func (f *fakeStore) GetObjectContent(ctx context.Context, bucket, key string) (*objstore.ObjectContent, error) {
	if err := f.check(bucket); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	body, ok := f.objects[bucket+"/"+key]
	if !ok {
		return nil, objstore.ErrObjectNotFound
	}
	if len(body) > 16 {
		return nil, objstore.ErrContentTooLarge
	}
	return &objstore.ObjectContent{Content: string(body), ContentType: "text/plain"}, nil
}

func (f *fakeStore) mutate(bucket, call string) error {
	if err := f.check(bucket); err != nil {
		return err
	}
	f.record(call)
	return f.err
}

func (f *fakeStore) CreateFolder(ctx context.Context, bucket, path string) error {
	return f.mutate(bucket, "CreateFolder "+bucket+"/"+path)
}

func (f *fakeStore) DeleteObject(ctx context.Context, bucket, key string) error {
	return f.mutate(bucket, "DeleteObject "+bucket+"/"+key)
}

func (f *fakeStore) DeleteObjects(ctx context.Context, bucket string, keys []string) error {
	return f.mutate(bucket, "DeleteObjects "+bucket+" "+strings.Join(keys, ","))
}

func (f *fakeStore) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	return f.mutate(srcBucket, "CopyObject "+srcBucket+"/"+srcKey+" "+dstBucket+"/"+dstKey)
}

func (f *fakeStore) MoveObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	return f.mutate(srcBucket, "MoveObject "+srcBucket+"/"+srcKey+" "+dstBucket+"/"+dstKey)
}

func (f *fakeStore) RenameObject(ctx context.Context, bucket, oldKey, newKey string) error {
	return f.mutate(bucket, "RenameObject "+bucket+"/"+oldKey+" "+newKey)
}

func (f *fakeStore) PresignUpload(ctx context.Context, bucket, key, contentType string) (*objstore.PresignedURL, error) {
	if err := f.check(bucket); err != nil {
		return nil, err
	}
	return &objstore.PresignedURL{
		URL:       "https://s3.test/" + bucket + "/" + key + "?upload",
		ExpiresAt: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
	}, nil
}

func (f *fakeStore) PresignDownload(ctx context.Context, bucket, key string) (*objstore.PresignedURL, error) {
	if err := f.check(bucket); err != nil {
		return nil, err
	}
	return &objstore.PresignedURL{
		URL:       "https://s3.test/" + bucket + "/" + key,
		ExpiresAt: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
	}, nil
}

func (f *fakeStore) UploadObject(ctx context.Context, in objstore.UploadInput) error {
	if err := f.mutate(in.Bucket, "UploadObject "+in.Bucket+"/"+in.Key+" "+in.ContentType); err != nil {
		return err
	}
	if f.beforeUpload != nil {
		f.beforeUpload()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := io.ReadAll(in.Body)
	if err != nil {
		return err
	}
	if in.Progress != nil {
		in.Progress(int64(len(body)), in.Size)
	}

	f.mu.Lock()
	f.objects[in.Bucket+"/"+in.Key] = body
	f.mu.Unlock()
	return nil
}

func (f *fakeStore) put(bucket, key, body string) {
	f.mu.Lock()
	f.objects[bucket+"/"+key] = []byte(body)
	f.mu.Unlock()
}

type testEnv struct {
	server  *Server
	handler http.Handler
	store   *fakeStore
	auth    *auth.Manager
	audit   *audit.Manager
	uploads *upload.Tracker
}

const testPublicURL = "http://localhost:3000"

func testConfig() *config.Config {
	return &config.Config{
		Listen:    ":0",
		PublicURL: testPublicURL,
		Upload:    config.UploadConfig{MaxBytes: 1 << 20},
		Audit:     config.AuditConfig{Enable: true, RetentionDays: 30},
		Metrics:   config.MetricsConfig{Path: "/metrics"},
		Auth: config.AuthConfig{
			EnableAuth:       true,
			JWTSecret:        "test-secret",
			AllowSignup:      true,
			SessionTTL:       7 * 24 * time.Hour,
			SessionUpdateAge: 24 * time.Hour,
			CookieCacheTTL:   5 * time.Minute,
			LoginMaxAttempts: 5,
			LoginWindow:      time.Minute,
			TrustedOrigins:   []string{"https://files.example.com"},
		},
	}
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()

	cfg := testConfig()
	for _, fn := range mutate {
		fn(cfg)
	}

	conn, err := db.Open(filepath.Join(t.TempDir(), "s3desk.db"), nil)
	require.NoError(t, err)

	store := newFakeStore("photos", "backups")
	authManager := auth.NewManager(cfg.Auth, conn)
	auditManager := audit.NewManager(audit.NewSQLiteStore(conn), nil)
	tracker := upload.NewTracker()

	s := NewWithDependencies(cfg, Dependencies{
		DB:      conn,
		Objects: store,
		Auth:    authManager,
		Audit:   auditManager,
		Uploads: tracker,
	})
	t.Cleanup(func() {
		authManager.Close()
		conn.Close()
	})

	return &testEnv{
		server:  s,
		handler: s.Handler(),
		store:   store,
		auth:    authManager,
		audit:   auditManager,
		uploads: tracker,
	}
}

// do sends a request with an optional JSON body and bearer token
func (e *testEnv) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

// signUp creates an account through the API and returns its token. The
// first account created is an admin.
func (e *testEnv) signUp(t *testing.T, email string) string {
	t.Helper()

	rec := e.do("POST", "/api/auth/sign-up/email", "", SignUpRequest{
		Email:    email,
		Password: "password1",
		Name:     "Test",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeBody[SessionResponse](t, rec).Token
}

// signInAs creates a user with role directly and signs it in
func (e *testEnv) signInAs(t *testing.T, email, role string) string {
	t.Helper()

	_, err := e.auth.EnsureUser(context.Background(), email, "password1", "Test", role)
	require.NoError(t, err)

	rec := e.do("POST", "/api/auth/sign-in/email", "", SignInRequest{Email: email, Password: "password1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeBody[SessionResponse](t, rec).Token
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeBody[APIError](t, rec).Error
}
