package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"campusportal/internal/ratelimit"
	"campusportal/internal/util"
	"campusportal/pkg/domain"
	"campusportal/services/portal/internal/app"
	"campusportal/services/portal/internal/security"
	"github.com/redis/go-redis/v9"
)

const (
	maxFormBytes       = 1 << 20
	multipartOverhead  = 1 << 20
	defaultCookieName  = "portal_session"
	defaultSignupLimit = 5
	defaultLoginLimit  = 10
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App
	// Redis enables signup/login rate limiting and audit alerts when set.
	Redis                    redis.UniversalClient
	SignupRateLimitPerMinute int
	LoginRateLimitPerMinute  int
	CookieName               string
	CookieSecure             bool
	// FailOpen treats session store outages as anonymous requests instead of 503.
	FailOpen          bool
	AllowedOrigins    []string
	TrustedProxyCIDRs []string
	// MediaRoot is served under /media/ when set (local media backend).
	MediaRoot    string
	ImageSources []string
}

// Server exposes the portal HTTP endpoints.
type Server struct {
	app           *app.App
	mux           *http.ServeMux
	cookieName    string
	cookieSecure  bool
	failOpen      bool
	origins       []string
	imgSources    []string
	trusted       *util.TrustedProxies
	signupLimiter *ratelimit.FixedWindowLimiter
	loginLimiter  *ratelimit.FixedWindowLimiter
	alerter       *security.AuditAlerter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app is required")
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		return nil, fmt.Errorf("parse trusted proxies: %w", err)
	}
	s := &Server{
		app:          cfg.App,
		mux:          http.NewServeMux(),
		cookieName:   cfg.CookieName,
		cookieSecure: cfg.CookieSecure,
		failOpen:     cfg.FailOpen,
		origins:      cfg.AllowedOrigins,
		imgSources:   cfg.ImageSources,
		trusted:      trusted,
		alerter:      security.NewAuditAlerter(cfg.Redis, ""),
	}
	if s.cookieName == "" {
		s.cookieName = defaultCookieName
	}
	if cfg.Redis != nil {
		newLimiter := func(name string, limit, fallback int) (*ratelimit.FixedWindowLimiter, error) {
			if limit <= 0 {
				limit = fallback
			}
			limiter, err := ratelimit.NewFixedWindowLimiter(cfg.Redis, "portal:ratelimit:"+name, limit, time.Minute)
			if err != nil {
				return nil, fmt.Errorf("init %s limiter: %w", name, err)
			}
			return limiter, nil
		}
		if s.signupLimiter, err = newLimiter("signup", cfg.SignupRateLimitPerMinute, defaultSignupLimit); err != nil {
			return nil, err
		}
		if s.loginLimiter, err = newLimiter("login", cfg.LoginRateLimitPerMinute, defaultLoginLimit); err != nil {
			return nil, err
		}
	}
	s.routes(cfg.MediaRoot)
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	h := util.CORS(s.origins)(s.mux)
	h = util.SecurityHeaders(s.imgSources...)(h)
	return util.WithRequestID(util.WithRequestLog("portal", h))
}

func (s *Server) routes(mediaRoot string) {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	s.mux.Handle("GET /signup", s.withSession(s.handleAuthPage))
	s.mux.Handle("POST /signup", s.withSession(s.handleSignup))
	s.mux.Handle("GET /login", s.withSession(s.handleAuthPage))
	s.mux.Handle("POST /login", s.withSession(s.handleLogin))
	s.mux.Handle("POST /logout", s.withSession(s.handleLogout))

	s.mux.Handle("GET /profile", s.authenticated(s.handleViewProfile))
	s.mux.Handle("POST /profile", s.authenticated(s.handleUpdateProfile))
	s.mux.Handle("POST /profile/photo", s.authenticated(s.handleProfilePhoto))

	s.mux.HandleFunc("GET /eventsGallery", s.handleGallery)
	s.mux.HandleFunc("POST /eventsImage", s.handleUploadImage)

	if mediaRoot != "" {
		files := http.StripPrefix("/media/", http.FileServer(http.Dir(mediaRoot)))
		s.mux.Handle("GET /media/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasSuffix(r.URL.Path, "/") {
				http.NotFound(w, r)
				return
			}
			files.ServeHTTP(w, r)
		}))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// session is the caller state resolved from the request cookie.
type session struct {
	token    string
	identity domain.Identity
}

type sessionHandler func(http.ResponseWriter, *http.Request, session)

func (s *Server) withSession(next sessionHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.resolve(r)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		next(w, r, sess)
	})
}

func (s *Server) authenticated(next sessionHandler) http.Handler {
	return s.withSession(func(w http.ResponseWriter, r *http.Request, sess session) {
		if sess.identity.Anonymous() {
			s.audit(r, "portal.authorize", "fail")
			writeAppError(w, r, app.ErrAuthRequired)
			return
		}
		s.audit(r, "portal.authorize", "success", "user_id", sess.identity.UserID)
		next(w, r, sess)
	})
}

// resolve reads the session cookie. Store outages are logged and, when
// failOpen is set, the request continues anonymously.
func (s *Server) resolve(r *http.Request) (session, error) {
	c, err := r.Cookie(s.cookieName)
	if err != nil || c.Value == "" {
		return session{}, nil
	}
	id, ok, err := s.app.Identify(r.Context(), c.Value)
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("session_resolve_failed", "fail_open", s.failOpen, "err", err)
		if s.failOpen {
			return session{token: c.Value}, nil
		}
		return session{}, err
	}
	if !ok {
		return session{token: c.Value}, nil
	}
	return session{token: c.Value, identity: id}, nil
}

func (s *Server) handleAuthPage(w http.ResponseWriter, r *http.Request, sess session) {
	if !sess.identity.Anonymous() && wantsHTML(r) {
		redirect(w, r, "/profile")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": !sess.identity.Anonymous(),
		"user":          identityOrNil(sess.identity),
	})
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request, sess session) {
	if !s.allowRate(w, r, s.signupLimiter, "portal.signup", "too many signup attempts") {
		return
	}
	var req app.SignupInput
	if err := s.bind(w, r, &req, func(v url.Values) {
		req.Username = v.Get("username")
		req.Email = v.Get("email")
		req.Password = v.Get("password")
	}); err != nil {
		s.audit(r, "portal.signup", "fail", "reason", "invalid_body")
		writeBindError(w, err)
		return
	}
	user, token, err := s.app.Signup(r.Context(), req)
	if err != nil {
		s.audit(r, "portal.signup", "fail", "reason", reason(err))
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "portal.signup", "success", "user_id", user.ID)
	if token != "" {
		s.replaceSession(w, r, sess, token)
	}
	if wantsHTML(r) {
		if token != "" {
			redirect(w, r, "/profile")
		} else {
			redirect(w, r, "/login")
		}
		return
	}
	writeJSON(w, http.StatusCreated, authResponse{User: user, Authenticated: token != ""})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request, sess session) {
	if !s.allowRate(w, r, s.loginLimiter, "portal.login", "too many login attempts") {
		return
	}
	var req loginRequest
	if err := s.bind(w, r, &req, func(v url.Values) {
		req.Username = v.Get("username")
		req.Password = v.Get("password")
	}); err != nil {
		s.audit(r, "portal.login", "fail", "reason", "invalid_body")
		writeBindError(w, err)
		return
	}
	user, token, err := s.app.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		s.audit(r, "portal.login", "fail", "reason", reason(err))
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "portal.login", "success", "user_id", user.ID)
	s.replaceSession(w, r, sess, token)
	if wantsHTML(r) {
		redirect(w, r, "/profile")
		return
	}
	writeJSON(w, http.StatusOK, authResponse{User: user, Authenticated: true})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, sess session) {
	if err := s.app.Logout(r.Context(), sess.token); err != nil {
		s.audit(r, "portal.logout", "fail", "reason", reason(err))
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "portal.logout", "success", "user_id", sess.identity.UserID)
	s.clearCookie(w)
	if wantsHTML(r) {
		redirect(w, r, "/login")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func (s *Server) handleViewProfile(w http.ResponseWriter, r *http.Request, sess session) {
	profile, found, err := s.app.ViewProfile(r.Context(), sess.identity)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	resp := profileResponse{User: sess.identity}
	if found {
		resp.Profile = &profile
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request, sess session) {
	var req app.ProfileInput
	if err := s.bind(w, r, &req, func(v url.Values) {
		req.FullName = v.Get("fullName")
		req.DateOfBirth = v.Get("dateOfBirth")
		req.Phone = v.Get("phone")
		req.EmergencyContact = v.Get("emergencyContact")
		req.BloodGroup = v.Get("bloodGroup")
		req.Address = v.Get("address")
		req.Course = v.Get("course")
		req.Year = v.Get("year")
		req.ProfilePhoto = v.Get("profilePhoto")
	}); err != nil {
		writeBindError(w, err)
		return
	}
	photo, closePhoto, err := formFile(r, "profilePhoto", "avatar")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer closePhoto()
	profile, err := s.app.SaveProfile(r.Context(), sess.token, sess.identity, req, photo)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if wantsHTML(r) {
		redirect(w, r, "/profile")
		return
	}
	identity := sess.identity
	identity.DisplayName = profile.FullName
	writeJSON(w, http.StatusOK, profileResponse{User: identity, Profile: &profile})
}

func (s *Server) handleProfilePhoto(w http.ResponseWriter, r *http.Request, sess session) {
	up, closeFn, ok := s.readUpload(w, r, "profilePhoto")
	if !ok {
		return
	}
	defer closeFn()
	profile, err := s.app.UploadProfilePhoto(r.Context(), sess.token, sess.identity, up)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if wantsHTML(r) {
		redirect(w, r, "/profile")
		return
	}
	writeJSON(w, http.StatusOK, profileResponse{User: sess.identity, Profile: &profile})
}

func (s *Server) handleGallery(w http.ResponseWriter, r *http.Request) {
	imgs, err := s.app.ListImages(r.Context())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": imgs,
		"count": len(imgs),
	})
}

func (s *Server) handleUploadImage(w http.ResponseWriter, r *http.Request) {
	up, closeFn, ok := s.readUpload(w, r, "image")
	if !ok {
		return
	}
	defer closeFn()
	img, err := s.app.UploadImage(r.Context(), up)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if wantsHTML(r) {
		redirect(w, r, "/eventsGallery")
		return
	}
	writeJSON(w, http.StatusCreated, img)
}

func (s *Server) readUpload(w http.ResponseWriter, r *http.Request, field string) (app.Upload, func(), bool) {
	if err := s.parseMultipart(w, r); err != nil {
		writeBindError(w, err)
		return app.Upload{}, nil, false
	}
	up, closeFn, err := formFile(r, field)
	if err != nil || up == nil {
		writeError(w, http.StatusBadRequest, "file is required (field: "+field+")")
		return app.Upload{}, nil, false
	}
	return *up, closeFn, true
}

// replaceSession sets the new session cookie and drops any session the
// request presented, so a pre-login token never survives authentication.
func (s *Server) replaceSession(w http.ResponseWriter, r *http.Request, old session, token string) {
	if old.token != "" && old.token != token {
		if err := s.app.Logout(r.Context(), old.token); err != nil {
			util.LoggerFromContext(r.Context()).Warn("previous_session_destroy_failed", "err", err)
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.app.Sessions().TTL().Seconds()),
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type authResponse struct {
	User          domain.User `json:"user"`
	Authenticated bool        `json:"authenticated"`
}

type profileResponse struct {
	User    domain.Identity `json:"user"`
	Profile *domain.Profile `json:"profile"`
}

func identityOrNil(id domain.Identity) *domain.Identity {
	if id.Anonymous() {
		return nil
	}
	return &id
}

var errUnsupportedBody = errors.New("unsupported content type")

// bind decodes a JSON body into dst, or hands url-encoded or multipart form
// values to fromForm. Any other content type is rejected.
func (s *Server) bind(w http.ResponseWriter, r *http.Request, dst any, fromForm func(url.Values)) error {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return errUnsupportedBody
	}
	switch mediaType {
	case "application/json":
		if err := json.NewDecoder(io.LimitReader(r.Body, maxFormBytes)).Decode(dst); err != nil {
			return errors.New("invalid JSON body")
		}
	case "application/x-www-form-urlencoded":
		r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
		if err := r.ParseForm(); err != nil {
			return fmt.Errorf("invalid form body: %w", err)
		}
		fromForm(r.PostForm)
	case "multipart/form-data":
		if err := s.parseMultipart(w, r); err != nil {
			return err
		}
		fromForm(url.Values(r.MultipartForm.Value))
	default:
		return errUnsupportedBody
	}
	return nil
}

func (s *Server) parseMultipart(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.app.MaxUploadBytes()+multipartOverhead)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		return fmt.Errorf("invalid form data: %w", err)
	}
	return nil
}

// writeBindError answers 413 for oversized bodies and 400 otherwise.
func writeBindError(w http.ResponseWriter, err error) {
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

// formFile opens the first file part found under one of names. It returns a
// nil upload when the request carries none.
func formFile(r *http.Request, names ...string) (*app.Upload, func(), error) {
	if r.MultipartForm == nil {
		return nil, func() {}, nil
	}
	for _, name := range names {
		headers := r.MultipartForm.File[name]
		if len(headers) == 0 {
			continue
		}
		f, err := headers[0].Open()
		if err != nil {
			return nil, func() {}, fmt.Errorf("open %s: %w", name, err)
		}
		up := &app.Upload{Filename: headers[0].Filename, Size: headers[0].Size, Reader: f}
		return up, func() { _ = f.Close() }, nil
	}
	return nil, func() {}, nil
}

func wantsHTML(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "text/html") && !strings.Contains(accept, "application/json")
}

func redirect(w http.ResponseWriter, r *http.Request, location string) {
	http.Redirect(w, r, location, http.StatusSeeOther)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeAppError maps the app error taxonomy onto HTTP statuses.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *app.ValidationError
	switch {
	case errors.Is(err, app.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  app.ErrValidation.Error(),
			"fields": verr.Fields,
		})
	case errors.Is(err, app.ErrConflict):
		writeError(w, http.StatusConflict, app.ErrConflict.Error())
	case errors.Is(err, app.ErrNotFound):
		writeError(w, http.StatusNotFound, app.ErrNotFound.Error())
	case errors.Is(err, app.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, app.ErrInvalidCredentials.Error())
	case errors.Is(err, app.ErrAuthRequired):
		if wantsHTML(r) {
			redirect(w, r, "/login")
			return
		}
		writeError(w, http.StatusUnauthorized, app.ErrAuthRequired.Error())
	case errors.Is(err, app.ErrUpload):
		util.LoggerFromContext(r.Context()).Error("media_upload_failed", "err", err)
		writeError(w, http.StatusBadGateway, app.ErrUpload.Error())
	case errors.Is(err, app.ErrStorageUnavailable):
		util.LoggerFromContext(r.Context()).Error("storage_unavailable", "err", err)
		writeError(w, http.StatusServiceUnavailable, app.ErrStorageUnavailable.Error())
	default:
		util.LoggerFromContext(r.Context()).Error("request_failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// reason names an error for audit logs without echoing user input.
func reason(err error) string {
	switch {
	case errors.Is(err, app.ErrValidation):
		return "validation"
	case errors.Is(err, app.ErrConflict):
		return "conflict"
	case errors.Is(err, app.ErrNotFound):
		return "unknown_user"
	case errors.Is(err, app.ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, app.ErrStorageUnavailable):
		return "storage_unavailable"
	default:
		return "internal"
	}
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	ip := util.ClientIP(r, s.trusted)
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", ip,
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Log(r.Context(), slog.LevelWarn, "security_event", logAttrs...)

	result, err := s.alerter.Observe(r.Context(), event, outcome, ip)
	if err != nil {
		logger.Warn("security_alert_observe_failed", "event", event, "err", err)
		return
	}
	if result.Triggered {
		logger.Error("security_alert",
			"event", event,
			"outcome", outcome,
			"ip", ip,
			"count", result.Count,
			"threshold", result.Threshold,
			"window", result.Window.String(),
		)
	}
}

// allowRate answers 429 when the caller is over quota and 503 when the limiter
// cannot reach Redis.
func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, event, msg string) bool {
	if limiter == nil {
		return true
	}
	key := r.URL.Path + "|" + util.ClientIP(r, s.trusted)
	ok, err := limiter.Allow(r.Context(), key)
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("rate_limiter_unavailable", "event", event, "err", err)
		s.audit(r, event, "fail", "reason", "rate_limiter_unavailable")
		writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
		return false
	}
	if ok {
		return true
	}
	s.audit(r, event, "rate_limited")
	retry := int(limiter.RetryAfter().Round(time.Second).Seconds())
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}
