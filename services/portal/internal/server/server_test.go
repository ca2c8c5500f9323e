package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"campusportal/pkg/domain"
	"campusportal/pkg/storage"
	"campusportal/pkg/store"
	"campusportal/services/portal/internal/app"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00\x1f\x15\xc4\x89")

type testEnv struct {
	handler  http.Handler
	sessions *store.MemorySessionStore
}

func newTestEnv(t *testing.T, mutate ...func(*app.Stores, *Config)) *testEnv {
	t.Helper()
	mediaDir := t.TempDir()
	media, err := storage.NewFileStore(mediaDir, "/media")
	require.NoError(t, err)
	db := store.NewMemoryStore()
	sessions := store.NewMemorySessionStore()
	stores := &app.Stores{
		Credentials: db,
		Profiles:    db,
		Gallery:     db,
		Sessions:    sessions,
		Media:       media,
	}
	cfg := Config{
		CookieName:     "portal_session",
		FailOpen:       true,
		AllowedOrigins: []string{"http://localhost:4000"},
		MediaRoot:      mediaDir,
	}
	for _, m := range mutate {
		m(stores, &cfg)
	}
	a, err := app.New(app.Config{Stores: stores, SignupAutoLogin: true})
	require.NoError(t, err)
	cfg.App = a
	srv, err := New(cfg)
	require.NoError(t, err)
	return &testEnv{handler: srv.Router(), sessions: sessions}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func jsonRequest(method, path string, body any, cookie *http.Cookie) *http.Request {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(method, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	if cookie != nil {
		req.AddCookie(cookie)
	}
	return req
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == "portal_session" {
			return c
		}
	}
	t.Fatalf("no session cookie in response")
	return nil
}

func (e *testEnv) signup(t *testing.T, username, email string) *http.Cookie {
	t.Helper()
	rec := e.do(jsonRequest(http.MethodPost, "/signup", map[string]string{
		"username": username, "email": email, "password": "pw123456",
	}, nil))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return sessionCookie(t, rec)
}

func TestHealthzAndSecurityHeaders(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestSignupSetsSessionCookie(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(jsonRequest(http.MethodPost, "/signup", map[string]string{
		"username": "alice", "email": "a@x.com", "password": "pw123456",
	}, nil))
	require.Equal(t, http.StatusCreated, rec.Code)
	c := sessionCookie(t, rec)
	assert.True(t, c.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
	assert.Equal(t, 72*60*60, c.MaxAge)
	assert.NotContains(t, rec.Body.String(), "pw123456")
	assert.NotContains(t, rec.Body.String(), "passwordHash")

	rec = env.do(jsonRequest(http.MethodPost, "/signup", map[string]string{
		"username": "alice", "email": "b@x.com", "password": "pw123456",
	}, nil))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(jsonRequest(http.MethodPost, "/signup", map[string]string{"username": "carol"}, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "fields")
}

func TestSignupFormRedirectsBrowsers(t *testing.T) {
	env := newTestEnv(t)
	form := url.Values{"username": {"alice"}, "email": {"a@x.com"}, "password": {"pw123456"}}
	req := httptest.NewRequest(http.MethodPost, "/signup", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "text/html")
	rec := env.do(req)
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/profile", rec.Header().Get("Location"))
	sessionCookie(t, rec)
}

func TestLoginErrors(t *testing.T) {
	env := newTestEnv(t)
	env.signup(t, "alice", "a@x.com")

	rec := env.do(jsonRequest(http.MethodPost, "/login", map[string]string{"username": "alice", "password": "wrong"}, nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = env.do(jsonRequest(http.MethodPost, "/login", map[string]string{"username": "nobody", "password": "pw123456"}, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(jsonRequest(http.MethodPost, "/login", map[string]string{"username": " alice ", "password": "pw123456"}, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLoginReplacesPresentedSession(t *testing.T) {
	env := newTestEnv(t)
	old := env.signup(t, "alice", "a@x.com")

	rec := env.do(jsonRequest(http.MethodPost, "/login", map[string]string{"username": "alice", "password": "pw123456"}, old))
	require.Equal(t, http.StatusOK, rec.Code)
	fresh := sessionCookie(t, rec)
	assert.NotEqual(t, old.Value, fresh.Value)

	_, ok, err := env.sessions.GetSession(context.Background(), old.Value)
	require.NoError(t, err)
	assert.False(t, ok, "the pre-login session must be destroyed")
}

func TestProfileRequiresSession(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/profile", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/profile", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	rec = env.do(req)
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/login", rec.Header().Get("Location"))
}

func TestProfileUpdateAndView(t *testing.T) {
	env := newTestEnv(t)
	cookie := env.signup(t, "alice", "a@x.com")

	rec := env.do(jsonRequest(http.MethodGet, "/profile", nil, cookie))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"profile":null`)

	rec = env.do(jsonRequest(http.MethodPost, "/profile", map[string]string{
		"fullName":   "Alice Liddell",
		"bloodGroup": "AB-",
		"userId":     "someone-else",
	}, cookie))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(jsonRequest(http.MethodGet, "/profile", nil, cookie))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		User    domain.Identity `json:"user"`
		Profile *domain.Profile `json:"profile"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Profile)
	assert.Equal(t, resp.User.UserID, resp.Profile.UserID)
	assert.Equal(t, "Alice Liddell", resp.User.DisplayName)
	assert.Equal(t, "AB-", resp.Profile.BloodGroup)

	rec = env.do(jsonRequest(http.MethodPost, "/profile", map[string]string{"bloodGroup": "C"}, cookie))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func profileFormRequest(t *testing.T, fields map[string]string, photo []byte, cookie *http.Cookie) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if photo != nil {
		fw, err := mw.CreateFormFile("avatar", "me.png")
		require.NoError(t, err)
		_, err = fw.Write(photo)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/profile", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.AddCookie(cookie)
	return req
}

func TestProfileUpdateFromMultipartForm(t *testing.T) {
	env := newTestEnv(t)
	cookie := env.signup(t, "alice", "a@x.com")

	rec := env.do(jsonRequest(http.MethodPost, "/profile", map[string]string{"fullName": "Alice Liddell", "course": "CS"}, cookie))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(profileFormRequest(t, map[string]string{"fullName": "Alice Updated", "course": "Math"}, nil, cookie))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(jsonRequest(http.MethodGet, "/profile", nil, cookie))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		User    domain.Identity `json:"user"`
		Profile *domain.Profile `json:"profile"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Profile)
	assert.Equal(t, "Alice Updated", resp.Profile.FullName)
	assert.Equal(t, "Math", resp.Profile.Course)
	assert.Equal(t, "Alice Updated", resp.User.DisplayName)
}

func TestProfileUpdateFromMultipartFormWithPhoto(t *testing.T) {
	env := newTestEnv(t)
	cookie := env.signup(t, "alice", "a@x.com")

	rec := env.do(profileFormRequest(t, map[string]string{"fullName": "Alice", "bloodGroup": "o+"}, pngHeader, cookie))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Profile *domain.Profile `json:"profile"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Profile)
	assert.Equal(t, "Alice", resp.Profile.FullName)
	assert.Equal(t, "O+", resp.Profile.BloodGroup)
	assert.True(t, strings.HasPrefix(resp.Profile.ProfilePhoto, "/media/profiles/"), resp.Profile.ProfilePhoto)
}

func TestProfileUpdateRejectsUnknownContentType(t *testing.T) {
	env := newTestEnv(t)
	cookie := env.signup(t, "alice", "a@x.com")
	rec := env.do(jsonRequest(http.MethodPost, "/profile", map[string]string{"fullName": "Alice"}, cookie))
	require.Equal(t, http.StatusOK, rec.Code)

	for _, ct := range []string{"text/plain", ""} {
		req := httptest.NewRequest(http.MethodPost, "/profile", strings.NewReader("fullName=Mallory"))
		if ct != "" {
			req.Header.Set("Content-Type", ct)
		}
		req.AddCookie(cookie)
		rec = env.do(req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, ct)
	}

	rec = env.do(jsonRequest(http.MethodGet, "/profile", nil, cookie))
	assert.Contains(t, rec.Body.String(), `"fullName":"Alice"`)
}

func TestLogoutIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	cookie := env.signup(t, "alice", "a@x.com")
	for i := 0; i < 2; i++ {
		rec := env.do(jsonRequest(http.MethodPost, "/logout", nil, cookie))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, -1, sessionCookie(t, rec).MaxAge)
	}
	rec := env.do(jsonRequest(http.MethodGet, "/profile", nil, cookie))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func multipartRequest(t *testing.T, path, field, filename string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestGalleryUploadListAndServe(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(multipartRequest(t, "/eventsImage", "image", "fest.png", pngHeader))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var img domain.GalleryImage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &img))
	assert.True(t, strings.HasPrefix(img.URL, "/media/gallery/"))

	rec = env.do(httptest.NewRequest(http.MethodGet, "/eventsGallery", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), img.URL)

	rec = env.do(httptest.NewRequest(http.MethodGet, img.URL, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, pngHeader, rec.Body.Bytes())

	rec = env.do(httptest.NewRequest(http.MethodGet, "/media/gallery/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGalleryUploadRejectsNonImage(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(multipartRequest(t, "/eventsImage", "image", "notes.png", []byte("just some text")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(multipartRequest(t, "/eventsImage", "file", "fest.png", pngHeader))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProfilePhotoUpload(t *testing.T) {
	env := newTestEnv(t)
	cookie := env.signup(t, "alice", "a@x.com")
	req := multipartRequest(t, "/profile/photo", "profilePhoto", "me.png", pngHeader)
	req.AddCookie(cookie)
	rec := env.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "/media/profiles/")
}

func TestSignupRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	env := newTestEnv(t, func(_ *app.Stores, c *Config) {
		c.Redis = client
		c.SignupRateLimitPerMinute = 1
	})
	env.signup(t, "alice", "a@x.com")
	rec := env.do(jsonRequest(http.MethodPost, "/signup", map[string]string{
		"username": "bob", "email": "b@x.com", "password": "pw123456",
	}, nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestSignupLimiterOutageIsUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	env := newTestEnv(t, func(_ *app.Stores, c *Config) {
		c.Redis = client
	})
	mr.Close()

	rec := env.do(jsonRequest(http.MethodPost, "/signup", map[string]string{
		"username": "alice", "email": "a@x.com", "password": "pw123456",
	}, nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Empty(t, rec.Header().Get("Retry-After"))
}

type downSessions struct{ *store.MemorySessionStore }

func (downSessions) GetSession(context.Context, string) (domain.Session, bool, error) {
	return domain.Session{}, false, errors.New("connection refused")
}

func TestSessionOutageFailOpenAndClosed(t *testing.T) {
	broken := func(failOpen bool) func(*app.Stores, *Config) {
		return func(s *app.Stores, c *Config) {
			s.Sessions = downSessions{store.NewMemorySessionStore()}
			c.FailOpen = failOpen
		}
	}
	cookie := &http.Cookie{Name: "portal_session", Value: "tok"}

	open := newTestEnv(t, broken(true))
	rec := open.do(jsonRequest(http.MethodGet, "/profile", nil, cookie))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	closed := newTestEnv(t, broken(false))
	rec = closed.do(jsonRequest(http.MethodGet, "/profile", nil, cookie))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodOptions, "/login", nil)
	req.Header.Set("Origin", "http://localhost:4000")
	rec := env.do(req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:4000", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestLoginFailuresCountTowardsAlert(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	env := newTestEnv(t, func(_ *app.Stores, c *Config) {
		c.Redis = client
		c.LoginRateLimitPerMinute = 100
	})
	for i := 0; i < 3; i++ {
		rec := env.do(jsonRequest(http.MethodPost, "/login", map[string]string{"username": "ghost", "password": "pw123456"}, nil))
		require.Equal(t, http.StatusNotFound, rec.Code)
	}
	var counted bool
	for _, key := range mr.Keys() {
		if strings.HasPrefix(key, "portal:alerts:portal.login:fail:") {
			v, err := mr.Get(key)
			require.NoError(t, err)
			assert.Equal(t, "3", v)
			counted = true
		}
	}
	assert.True(t, counted, "expected a failed-login alert counter, keys: %v", mr.Keys())
}
