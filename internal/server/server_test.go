package server

import (
	"bytes"
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/s3desk/s3desk/internal/audit"
	"github.com/s3desk/s3desk/internal/auth"
	"github.com/s3desk/s3desk/internal/config"
	"github.com/s3desk/s3desk/internal/objstore"
	"github.com/s3desk/s3desk/internal/upload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do("GET", "/api/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody[map[string]interface{}](t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Contains(t, body, "uptime")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestUnknownAPIRoute(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do("GET", "/api/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Not found", errorMessage(t, rec))
}

func TestFrontendPlaceholder(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do("GET", "/some/page", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "web_root")
}

func TestS3RoutesRequireSession(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/api/s3/buckets", "/api/s3/objects?bucket=photos", "/api/s3/uploads", "/api/auth/session"} {
		rec := env.do("GET", path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
		assert.Equal(t, "Unauthorized", errorMessage(t, rec), path)
	}

	rec := env.do("GET", "/api/s3/buckets", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestOpenMode(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Auth.EnableAuth = false
	})

	rec := env.do("GET", "/api/s3/buckets", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do("POST", "/api/s3/objects", "", ObjectsActionRequest{
		Action:     "createFolder",
		Bucket:     "photos",
		FolderPath: "2024",
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do("POST", "/api/auth/two-factor/setup", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSignUpSessionSignOut(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do("POST", "/api/auth/sign-up/email", "", SignUpRequest{
		Email:    "Admin@Example.com",
		Password: "password1",
		Name:     "Admin",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	session := decodeBody[SessionResponse](t, rec)
	assert.Equal(t, "admin@example.com", session.User.Email)
	assert.Equal(t, auth.RoleAdmin, session.User.Role)
	assert.True(t, session.ExpiresAt.After(time.Now()))

	var cookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == auth.SessionCookieName {
			cookie = c
		}
	}
	require.NotNil(t, cookie, "session cookie is set")
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, session.Token, cookie.Value)

	// The cookie alone authenticates
	req := httptest.NewRequest("GET", "/api/auth/session", nil)
	req.AddCookie(cookie)
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"email":"admin@example.com"`)

	rec = env.do("POST", "/api/auth/sign-out", session.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do("GET", "/api/auth/session", session.Token, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Sign out without a session still clears the cookie
	rec = env.do("POST", "/api/auth/sign-out", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSignUpErrors(t *testing.T) {
	env := newTestEnv(t)
	env.signUp(t, "first@example.com")

	tests := []struct {
		name    string
		req     SignUpRequest
		status  int
		message string
	}{
		{"duplicate", SignUpRequest{Email: "first@example.com", Password: "password1"}, http.StatusConflict, "User already exists"},
		{"bad email", SignUpRequest{Email: "nope", Password: "password1"}, http.StatusBadRequest, auth.ErrInvalidEmail.Error()},
		{"short password", SignUpRequest{Email: "x@example.com", Password: "short"}, http.StatusBadRequest, auth.ErrPasswordTooShort.Error()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do("POST", "/api/auth/sign-up/email", "", tt.req)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.message, errorMessage(t, rec))
		})
	}

	disabled := newTestEnv(t, func(cfg *config.Config) {
		cfg.Auth.AllowSignup = false
	})
	rec := disabled.do("POST", "/api/auth/sign-up/email", "", SignUpRequest{Email: "a@example.com", Password: "password1"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSignInErrors(t *testing.T) {
	env := newTestEnv(t)
	env.signUp(t, "user@example.com")

	rec := env.do("POST", "/api/auth/sign-in/email", "", SignInRequest{Email: "user@example.com", Password: "wrong-password"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Invalid email or password", errorMessage(t, rec))

	rec = env.do("POST", "/api/auth/sign-in/email", "", SignInRequest{Email: "user@example.com"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest("POST", "/api/auth/sign-in/email", strings.NewReader("{"))
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	logs, err := env.audit.GetLogs(t.Context(), &audit.AuditLogFilters{Action: audit.ActionSignInFailed})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, audit.StatusFailed, logs[0].Status)
	assert.Equal(t, "user@example.com", logs[0].Email)
}

func TestSignInRateLimited(t *testing.T) {
	env := newTestEnv(t)
	env.signUp(t, "user@example.com")

	var rec *httptest.ResponseRecorder
	for i := 0; i < 6; i++ {
		rec = env.do("POST", "/api/auth/sign-in/email", "", SignInRequest{Email: "user@example.com", Password: "wrong-password"})
	}
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestTwoFactorFlow(t *testing.T) {
	env := newTestEnv(t)
	token := env.signUp(t, "user@example.com")

	rec := env.do("POST", "/api/auth/two-factor/setup", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	setup := decodeBody[auth.TOTPSetup](t, rec)
	require.NotEmpty(t, setup.Secret)
	assert.True(t, strings.HasPrefix(setup.QRCode, "data:image/png;base64,"))

	rec = env.do("POST", "/api/auth/two-factor/enable", token, TwoFactorRequest{Code: "000000"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	code, err := totp.GenerateCode(setup.Secret, time.Now())
	require.NoError(t, err)
	rec = env.do("POST", "/api/auth/two-factor/enable", token, TwoFactorRequest{Code: code})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	backup := decodeBody[map[string][]string](t, rec)["backupCodes"]
	require.NotEmpty(t, backup)

	// Password alone is no longer enough
	rec = env.do("POST", "/api/auth/sign-in/email", "", SignInRequest{Email: "user@example.com", Password: "password1"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.True(t, decodeBody[APIError](t, rec).TwoFactorRequired)

	rec = env.do("POST", "/api/auth/sign-in/email", "", SignInRequest{Email: "user@example.com", Password: "password1", Code: backup[0]})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// An active secret cannot be replaced by running setup again
	rec = env.do("POST", "/api/auth/two-factor/setup", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, auth.ErrTwoFactorEnabled.Error(), errorMessage(t, rec))

	code, err = totp.GenerateCode(setup.Secret, time.Now())
	require.NoError(t, err)
	rec = env.do("POST", "/api/auth/sign-in/email", "", SignInRequest{Email: "user@example.com", Password: "password1", Code: code})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do("POST", "/api/auth/two-factor/disable", token, TwoFactorRequest{Password: "wrong-password"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do("POST", "/api/auth/two-factor/disable", token, TwoFactorRequest{Password: "password1"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do("POST", "/api/auth/sign-in/email", "", SignInRequest{Email: "user@example.com", Password: "password1"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGoogleSignInNotConfigured(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do("GET", "/api/auth/sign-in/google", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGoogleCallbackRejectsBadState(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest("GET", "/api/auth/callback/google?state=abc&code=xyz", nil)
	req.AddCookie(&http.Cookie{Name: oauthStateCookie, Value: "different"})
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, testPublicURL+"/sign-in?error=invalid_state", rec.Header().Get("Location"))
}

func TestListBucketsAndObjects(t *testing.T) {
	env := newTestEnv(t)
	token := env.signUp(t, "user@example.com")
	env.store.put("photos", "2024/beach.jpg", "jpg")

	rec := env.do("GET", "/api/s3/buckets", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	buckets := decodeBody[map[string][]objstore.Bucket](t, rec)["buckets"]
	require.Len(t, buckets, 2)
	assert.Equal(t, "backups", buckets[0].Name)

	rec = env.do("GET", "/api/s3/objects", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Bucket is required", errorMessage(t, rec))

	rec = env.do("GET", "/api/s3/objects?bucket=photos&prefix=2024/", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	result := decodeBody[objstore.ListResult](t, rec)
	require.Len(t, result.Objects, 1)
	assert.Equal(t, "2024/beach.jpg", result.Objects[0].Key)

	rec = env.do("GET", "/api/s3/objects?bucket=secret", token, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Bucket is not allowed", errorMessage(t, rec))
}

func TestObjectsAction(t *testing.T) {
	env := newTestEnv(t)
	token := env.signUp(t, "user@example.com")

	tests := []struct {
		name    string
		req     ObjectsActionRequest
		status  int
		message string
		call    string
	}{
		{
			name:   "create folder",
			req:    ObjectsActionRequest{Action: "createFolder", Bucket: "photos", FolderPath: "2024/summer"},
			status: http.StatusOK,
			call:   "CreateFolder photos/2024/summer",
		},
		{
			name:   "delete keys",
			req:    ObjectsActionRequest{Action: "delete", Bucket: "photos", Keys: []string{"a.jpg", "b/"}},
			status: http.StatusOK,
			call:   "DeleteObjects photos a.jpg,b/",
		},
		{
			name:    "missing bucket",
			req:     ObjectsActionRequest{Action: "delete", Keys: []string{"a.jpg"}},
			status:  http.StatusBadRequest,
			message: "Bucket is required",
		},
		{
			name:    "empty keys",
			req:     ObjectsActionRequest{Action: "delete", Bucket: "photos"},
			status:  http.StatusBadRequest,
			message: "Keys are required",
		},
		{
			name:    "empty folder path",
			req:     ObjectsActionRequest{Action: "createFolder", Bucket: "photos", FolderPath: "/"},
			status:  http.StatusBadRequest,
			message: "Folder path is required",
		},
		{
			name:    "unknown action",
			req:     ObjectsActionRequest{Action: "explode", Bucket: "photos"},
			status:  http.StatusBadRequest,
			message: "Invalid action",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(env.store.Calls())
			rec := env.do("POST", "/api/s3/objects", token, tt.req)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())

			if tt.message != "" {
				assert.Equal(t, tt.message, errorMessage(t, rec))
			} else {
				assert.JSONEq(t, `{"success":true}`, rec.Body.String())
			}

			calls := env.store.Calls()[before:]
			if tt.call != "" {
				assert.Equal(t, []string{tt.call}, calls)
			} else {
				assert.Empty(t, calls)
			}
		})
	}
}

func TestGetObject(t *testing.T) {
	env := newTestEnv(t)
	token := env.signUp(t, "user@example.com")
	env.store.put("photos", "notes/todo.txt", "buy milk")
	env.store.put("photos", "big.txt", strings.Repeat("x", 100))

	rec := env.do("GET", "/api/s3/objects/photos/notes/todo.txt", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	object := decodeBody[objstore.Object](t, rec)
	assert.Equal(t, "notes/todo.txt", object.Key)
	require.NotNil(t, object.Size)
	assert.Equal(t, int64(8), *object.Size)

	rec = env.do("GET", "/api/s3/objects/photos/notes/todo.txt?action=content", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"content":"buy milk","contentType":"text/plain"}`, rec.Body.String())

	rec = env.do("GET", "/api/s3/objects/photos/missing.txt", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do("GET", "/api/s3/objects/photos/big.txt?action=content", token, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = env.do("GET", "/api/s3/objects/photos", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Bucket and key are required", errorMessage(t, rec))
}

func TestObjectRoutesWithoutKey(t *testing.T) {
	env := newTestEnv(t)
	token := env.signUp(t, "user@example.com")

	for _, path := range []string{"/api/s3/objects/photos", "/api/s3/objects/photos/"} {
		for _, method := range []string{"GET", "DELETE", "PATCH"} {
			t.Run(method+" "+path, func(t *testing.T) {
				rec := env.do(method, path, token, nil)
				assert.Equal(t, http.StatusBadRequest, rec.Code)
				assert.Equal(t, "Bucket and key are required", errorMessage(t, rec))
			})
		}
	}
	assert.Empty(t, env.store.Calls())
}

func TestDeleteObject(t *testing.T) {
	env := newTestEnv(t)
	token := env.signUp(t, "user@example.com")

	rec := env.do("DELETE", "/api/s3/objects/photos/2024/a%20b.jpg", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"DeleteObject photos/2024/a b.jpg"}, env.store.Calls())

	env.store.err = errors.New("boom")
	rec = env.do("DELETE", "/api/s3/objects/photos/x.jpg", token, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Failed to delete object", errorMessage(t, rec))
}

func TestUpdateObject(t *testing.T) {
	env := newTestEnv(t)
	token := env.signUp(t, "user@example.com")

	tests := []struct {
		name    string
		req     UpdateObjectRequest
		status  int
		message string
		call    string
	}{
		{
			name:   "rename",
			req:    UpdateObjectRequest{Action: "rename", NewKey: "docs/new.txt"},
			status: http.StatusOK,
			call:   "RenameObject photos/docs/old.txt docs/new.txt",
		},
		{
			name:   "copy",
			req:    UpdateObjectRequest{Action: "copy", DestinationBucket: "backups", DestinationKey: "old.txt"},
			status: http.StatusOK,
			call:   "CopyObject photos/docs/old.txt backups/old.txt",
		},
		{
			name:   "move",
			req:    UpdateObjectRequest{Action: "move", DestinationBucket: "backups", DestinationKey: "old.txt"},
			status: http.StatusOK,
			call:   "MoveObject photos/docs/old.txt backups/old.txt",
		},
		{
			name:    "rename without key",
			req:     UpdateObjectRequest{Action: "rename"},
			status:  http.StatusBadRequest,
			message: "New key is required",
		},
		{
			name:    "copy without destination",
			req:     UpdateObjectRequest{Action: "copy", DestinationBucket: "backups"},
			status:  http.StatusBadRequest,
			message: "Destination bucket and key are required",
		},
		{
			name:    "unknown action",
			req:     UpdateObjectRequest{Action: "shred"},
			status:  http.StatusBadRequest,
			message: "Invalid action",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(env.store.Calls())
			rec := env.do("PATCH", "/api/s3/objects/photos/docs/old.txt", token, tt.req)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			if tt.message != "" {
				assert.Equal(t, tt.message, errorMessage(t, rec))
			}

			calls := env.store.Calls()[before:]
			if tt.call != "" {
				assert.Equal(t, []string{tt.call}, calls)
			} else {
				assert.Empty(t, calls)
			}
		})
	}

	logs, err := env.audit.GetLogs(t.Context(), &audit.AuditLogFilters{Action: audit.ActionMoveObject})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "photos", logs[0].Bucket)
	assert.Equal(t, "docs/old.txt", logs[0].Key)
	assert.Equal(t, "backups/old.txt", logs[0].Target)
}

func TestPresigned(t *testing.T) {
	env := newTestEnv(t)
	token := env.signUp(t, "user@example.com")

	rec := env.do("POST", "/api/s3/presigned", token, PresignRequest{Action: "download", Bucket: "photos", Key: "a.jpg"})
	require.Equal(t, http.StatusOK, rec.Code)
	presigned := decodeBody[objstore.PresignedURL](t, rec)
	assert.Equal(t, "https://s3.test/photos/a.jpg", presigned.URL)
	assert.False(t, presigned.ExpiresAt.IsZero())

	rec = env.do("POST", "/api/s3/presigned", token, PresignRequest{Action: "upload", Bucket: "photos", Key: "a.jpg", ContentType: "image/jpeg"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "?upload")

	rec = env.do("POST", "/api/s3/presigned", token, PresignRequest{Action: "delete", Bucket: "photos", Key: "a.jpg"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid action. Use 'upload' or 'download'", errorMessage(t, rec))

	rec = env.do("POST", "/api/s3/presigned", token, PresignRequest{Action: "download", Bucket: "photos"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Bucket and key are required", errorMessage(t, rec))
}

func TestReadOnlyUser(t *testing.T) {
	env := newTestEnv(t)
	env.signUp(t, "admin@example.com")
	token := env.signInAs(t, "viewer@example.com", auth.RoleReadOnly)
	env.store.put("photos", "a.jpg", "jpg")

	rec := env.do("GET", "/api/s3/buckets", token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do("GET", "/api/s3/objects/photos/a.jpg", token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do("POST", "/api/s3/presigned", token, PresignRequest{Action: "download", Bucket: "photos", Key: "a.jpg"})
	assert.Equal(t, http.StatusOK, rec.Code)

	denied := []struct {
		method string
		path   string
		body   interface{}
	}{
		{"DELETE", "/api/s3/objects/photos/a.jpg", nil},
		{"PATCH", "/api/s3/objects/photos/a.jpg", UpdateObjectRequest{Action: "rename", NewKey: "b.jpg"}},
		{"POST", "/api/s3/objects", ObjectsActionRequest{Action: "createFolder", Bucket: "photos", FolderPath: "x"}},
		{"POST", "/api/s3/presigned", PresignRequest{Action: "upload", Bucket: "photos", Key: "a.jpg"}},
		{"POST", "/api/s3/upload", nil},
	}
	for _, d := range denied {
		rec := env.do(d.method, d.path, token, d.body)
		assert.Equal(t, http.StatusForbidden, rec.Code, d.method+" "+d.path)
		assert.Equal(t, "Read-only users cannot modify objects", errorMessage(t, rec))
	}
	assert.Empty(t, env.store.Calls())
}

func TestAuditLogAccess(t *testing.T) {
	env := newTestEnv(t)
	admin := env.signUp(t, "admin@example.com")
	user := env.signInAs(t, "user@example.com", auth.RoleUser)

	rec := env.do("POST", "/api/s3/objects", user, ObjectsActionRequest{Action: "createFolder", Bucket: "photos", FolderPath: "x"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do("GET", "/api/audit", user, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Admin access required", errorMessage(t, rec))

	rec = env.do("GET", "/api/audit?action=create_folder", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	logs := decodeBody[map[string][]audit.AuditLog](t, rec)["logs"]
	require.Len(t, logs, 1)
	assert.Equal(t, "user@example.com", logs[0].Email)
	assert.Equal(t, "x", logs[0].Key)
	assert.Equal(t, audit.StatusSuccess, logs[0].Status)

	rec = env.do("GET", "/api/audit?limit=abc", admin, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUntrustedOriginRejected(t *testing.T) {
	env := newTestEnv(t)
	token := env.signUp(t, "user@example.com")

	send := func(origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("DELETE", "/api/s3/objects/photos/a.jpg", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Origin", origin)
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		return rec
	}

	rec := send("https://evil.example.com")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, env.store.Calls())

	rec = send(testPublicURL)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = send("https://files.example.com")
	assert.Equal(t, http.StatusOK, rec.Code)
}

// multipartUpload builds an upload form; an empty filename leaves out the file part
func multipartUpload(t *testing.T, bucket, key, filename, contentType string, content []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	if filename != "" {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
		h.Set("Content-Type", contentType)
		part, err := mw.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	if bucket != "" {
		require.NoError(t, mw.WriteField("bucket", bucket))
	}
	if key != "" {
		require.NoError(t, mw.WriteField("key", key))
	}
	require.NoError(t, mw.Close())
	return body, mw.FormDataContentType()
}

func (e *testEnv) upload(token string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/api/s3/upload", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestUploadStreamsProgress(t *testing.T) {
	env := newTestEnv(t)
	token := env.signUp(t, "user@example.com")

	body, ct := multipartUpload(t, "photos", "docs/hello.txt", "hello.txt", "text/plain", []byte("hello"))
	rec := env.upload(token, body, ct)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t,
		"data: {\"loaded\":0,\"total\":5}\n\n"+
			"data: {\"loaded\":5,\"total\":5}\n\n"+
			"data: {\"done\":true}\n\n",
		rec.Body.String())
	assert.Equal(t, []string{"UploadObject photos/docs/hello.txt text/plain"}, env.store.Calls())

	id := rec.Header().Get(UploadIDHeader)
	require.NotEmpty(t, id)
	tracked, err := env.uploads.Get(id)
	require.NoError(t, err)
	assert.Equal(t, upload.StatusSuccess, tracked.Status)
	assert.Equal(t, 100, tracked.Progress)

	rec = env.do("GET", "/api/s3/uploads", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"key":"docs/hello.txt"`)
	assert.Contains(t, rec.Body.String(), `"hasActive":false`)

	rec = env.do("DELETE", "/api/s3/uploads?scope=completed", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"removed":1}`, rec.Body.String())
}

func TestUploadSniffsGenericContentType(t *testing.T) {
	env := newTestEnv(t)
	token := env.signUp(t, "user@example.com")

	body, ct := multipartUpload(t, "photos", "a.bin", "a.bin", "application/octet-stream", []byte("data"))
	rec := env.upload(token, body, ct)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"UploadObject photos/a.bin "}, env.store.Calls())
}

func TestUploadFailure(t *testing.T) {
	env := newTestEnv(t)
	token := env.signUp(t, "user@example.com")
	env.store.err = objstore.ErrAccessDenied

	body, ct := multipartUpload(t, "photos", "a.txt", "a.txt", "text/plain", []byte("hello"))
	rec := env.upload(token, body, ct)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasSuffix(rec.Body.String(), "data: {\"error\":\"Access denied\"}\n\n"), rec.Body.String())

	tracked, err := env.uploads.Get(rec.Header().Get(UploadIDHeader))
	require.NoError(t, err)
	assert.Equal(t, upload.StatusError, tracked.Status)

	logs, err := env.audit.GetLogs(t.Context(), &audit.AuditLogFilters{Action: audit.ActionUploadObject})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, audit.StatusFailed, logs[0].Status)
}

func TestUploadClientGoneStillAudited(t *testing.T) {
	env := newTestEnv(t)
	token := env.signUp(t, "user@example.com")

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	env.store.beforeUpload = cancel

	body, ct := multipartUpload(t, "photos", "a.txt", "a.txt", "text/plain", []byte("hello"))
	req := httptest.NewRequest("POST", "/api/s3/upload", body).WithContext(ctx)
	req.Header.Set("Content-Type", ct)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.True(t, strings.HasSuffix(rec.Body.String(), "data: {\"error\":\"Upload failed\"}\n\n"), rec.Body.String())

	logs, err := env.audit.GetLogs(t.Context(), &audit.AuditLogFilters{Action: audit.ActionUploadObject})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, audit.StatusFailed, logs[0].Status)
}

func TestUploadValidation(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Upload.MaxBytes = 1024
	})
	token := env.signUp(t, "user@example.com")

	tests := []struct {
		name    string
		bucket  string
		key     string
		file    string
		content []byte
		status  int
		message string
	}{
		{"missing file", "photos", "a.txt", "", nil, http.StatusBadRequest, "Missing required fields: file, bucket, key"},
		{"missing key", "photos", "", "a.txt", []byte("x"), http.StatusBadRequest, "Missing required fields: file, bucket, key"},
		{"bucket not allowed", "secret", "a.txt", "a.txt", []byte("x"), http.StatusForbidden, "Bucket is not allowed"},
		{"bad key", "photos", "../a.txt", "a.txt", []byte("x"), http.StatusBadRequest, objstore.ValidateKey("../a.txt").Error()},
		{"too large", "photos", "a.txt", "a.txt", bytes.Repeat([]byte("x"), 4096), http.StatusRequestEntityTooLarge, "File is too large"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, ct := multipartUpload(t, tt.bucket, tt.key, tt.file, "text/plain", tt.content)
			rec := env.upload(token, body, ct)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.message, errorMessage(t, rec))
		})
	}
	assert.Empty(t, env.store.Calls())
}

func TestClearUploadsScope(t *testing.T) {
	env := newTestEnv(t)
	token := env.signUp(t, "user@example.com")

	other := env.uploads.Add("someone-else", "photos", "other-user.txt", 1)
	require.NoError(t, env.uploads.Complete(other.ID))

	rec := env.do("DELETE", "/api/s3/uploads?scope=everything", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid scope", errorMessage(t, rec))

	rec = env.do("DELETE", "/api/s3/uploads?scope=all", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"removed":0}`, rec.Body.String(), "uploads of other users are untouched")
}

func TestWriteStoreError(t *testing.T) {
	tests := []struct {
		err     error
		status  int
		message string
	}{
		{objstore.ErrBucketRequired, http.StatusBadRequest, "Bucket is required"},
		{objstore.ErrInvalidKey, http.StatusBadRequest, objstore.ErrInvalidKey.Error()},
		{objstore.ErrInvalidDestination, http.StatusBadRequest, objstore.ErrInvalidDestination.Error()},
		{objstore.ErrBucketNotAllowed, http.StatusForbidden, "Bucket is not allowed"},
		{objstore.ErrAccessDenied, http.StatusForbidden, "Access denied"},
		{objstore.ErrObjectNotFound, http.StatusNotFound, "Object not found"},
		{objstore.ErrBucketNotFound, http.StatusNotFound, "Bucket not found"},
		{objstore.ErrContentTooLarge, http.StatusRequestEntityTooLarge, "Object is too large to preview"},
		{errors.New("connection reset"), http.StatusInternalServerError, "Failed to list objects"},
	}

	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest("GET", "/api/s3/objects", nil)
			writeStoreError(rec, req, tt.err, "Failed to list objects")

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.message, errorMessage(t, rec))
		})
	}
}
