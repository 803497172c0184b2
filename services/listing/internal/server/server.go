package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"rentalhub/internal/metrics"
	"rentalhub/internal/ratelimit"
	"rentalhub/internal/tracing"
	"rentalhub/internal/util"
	"rentalhub/pkg/domain"
	"rentalhub/services/listing/internal/app"
)

const (
	serviceName  = "listing"
	maxJSONBytes = 1 << 20
)

// TokenVerifier resolves a bearer token into the caller principal.
type TokenVerifier interface {
	VerifyPrincipal(token string) (domain.Principal, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App           *app.App
	TokenVerifier TokenVerifier
	Metrics       *metrics.Registry

	// Redis backs the rate limiters. Without it requests are not rate limited.
	Redis                      redis.UniversalClient
	LoginRateLimitPerMinute    int
	RegisterRateLimitPerMinute int
	CreateRateLimitPerMinute   int

	TrustedProxyCIDRs  []string
	CORSAllowedOrigins []string
	MaxUploadBytes     int64

	// Media serves locally stored images under /media/ when set.
	Media http.Handler
}

// Server exposes the listing REST API.
type Server struct {
	app             *app.App
	tokenVerifier   TokenVerifier
	metrics         *metrics.Registry
	mux             *http.ServeMux
	trusted         *util.TrustedProxies
	corsOrigins     []string
	maxUploadBytes  int64
	loginLimiter    *ratelimit.FixedWindowLimiter
	registerLimiter *ratelimit.FixedWindowLimiter
	createLimiter   *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app is required")
	}
	if cfg.TokenVerifier == nil {
		return nil, errors.New("token verifier is required")
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		return nil, fmt.Errorf("parse trusted proxies: %w", err)
	}
	s := &Server{
		app:            cfg.App,
		tokenVerifier:  cfg.TokenVerifier,
		metrics:        cfg.Metrics,
		mux:            http.NewServeMux(),
		trusted:        trusted,
		corsOrigins:    cfg.CORSAllowedOrigins,
		maxUploadBytes: normalizeMaxBytes(cfg.MaxUploadBytes),
	}
	if cfg.Redis != nil {
		newLimiter := func(name string, limit, fallback int) (*ratelimit.FixedWindowLimiter, error) {
			if limit <= 0 {
				limit = fallback
			}
			limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.Redis, "rentalhub:listing:ratelimit:"+name, limit, time.Minute)
			if err != nil {
				return nil, fmt.Errorf("init %s limiter: %w", name, err)
			}
			return limiter, nil
		}
		if s.loginLimiter, err = newLimiter("login", cfg.LoginRateLimitPerMinute, 10); err != nil {
			return nil, err
		}
		if s.registerLimiter, err = newLimiter("register", cfg.RegisterRateLimitPerMinute, 5); err != nil {
			return nil, err
		}
		if s.createLimiter, err = newLimiter("create", cfg.CreateRateLimitPerMinute, 20); err != nil {
			return nil, err
		}
	} else {
		slog.Warn("rate limiting disabled: no redis client configured")
	}
	s.routes(cfg.Media)
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	var h http.Handler = s.metrics.Instrument(s.mux)
	h = util.WithClientIP(s.trusted, h)
	h = util.WithCORS(s.corsOrigins, h)
	h = util.WithSecurityHeaders(h)
	h = tracing.Middleware(serviceName, h)
	return util.WithRequestID(util.WithRequestLog(serviceName, h))
}

func (s *Server) routes(media http.Handler) {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}
	if media != nil {
		s.mux.Handle("GET /media/", http.StripPrefix("/media/", media))
	}

	// accounts
	s.mux.HandleFunc("POST /api/users/register", s.handleRegister)
	s.mux.HandleFunc("POST /api/users/admin-register", s.handleRegisterAdmin)
	s.mux.HandleFunc("POST /api/users/login", s.handleLogin)
	s.mux.Handle("GET /api/users/me", s.authenticated(s.handleMe))
	s.mux.Handle("GET /api/admin/users", s.adminOnly(s.handleListUsers))
	s.mux.Handle("GET /api/admin/users/{id}", s.adminOnly(s.handleGetUser))
	s.mux.Handle("PATCH /api/admin/users/{id}", s.adminOnly(s.handleUpdateUser))
	s.mux.Handle("DELETE /api/admin/users/{id}", s.adminOnly(s.handleDeleteUser))

	// listings
	s.mux.HandleFunc("GET /api/listings", s.handleListActive)
	s.mux.Handle("POST /api/listings", s.authenticated(s.handleCreateListing))
	s.mux.Handle("GET /api/listings/mine", s.authenticated(s.handleListMine))
	s.mux.HandleFunc("GET /api/listings/{id}", s.handleGetListing)
	s.mux.Handle("PUT /api/listings/{id}", s.authenticated(s.handleUpdateListing))
	s.mux.Handle("PATCH /api/listings/{id}", s.authenticated(s.handleUpdateListing))
	s.mux.Handle("DELETE /api/listings/{id}", s.authenticated(s.handleDeleteListing))

	// moderation
	s.mux.Handle("GET /api/admin/listings/pending", s.adminOnly(s.handleListPending))
	s.mux.Handle("POST /api/admin/listings/{id}/approve", s.adminOnly(s.handleApprove))
	s.mux.Handle("POST /api/admin/listings/{id}/reject", s.adminOnly(s.handleReject))
	s.mux.Handle("GET /api/admin/listings/{id}/events", s.adminOnly(s.handleListEvents))
	s.mux.Handle("GET /api/admin/stats", s.adminOnly(s.handleStats))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrappers
type principalHandler func(http.ResponseWriter, *http.Request, domain.Principal)

func (s *Server) authenticated(next principalHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := s.authorize(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "AUTH_INVALID_TOKEN", "unauthorized")
			return
		}
		next(w, r, p)
	})
}

func (s *Server) adminOnly(next principalHandler) http.Handler {
	return s.authenticated(func(w http.ResponseWriter, r *http.Request, p domain.Principal) {
		if !p.IsAdmin() {
			s.audit(r, "listing.admin.authorize", "fail", "user_id", p.ID, "reason", "forbidden")
			writeError(w, http.StatusForbidden, "LISTING_FORBIDDEN", "forbidden")
			return
		}
		next(w, r, p)
	})
}

// authorize verifies the bearer token and reloads the account so that role
// changes and deletions take effect before the token expires.
func (s *Server) authorize(r *http.Request) (domain.Principal, bool) {
	token, ok := bearerToken(r)
	if !ok {
		return domain.Principal{}, false
	}
	claimed, err := s.tokenVerifier.VerifyPrincipal(token)
	if err != nil {
		s.audit(r, "listing.token.verify", "fail", "reason", "invalid_signature_or_claims")
		return domain.Principal{}, false
	}
	user, err := s.app.Me(r.Context(), claimed)
	if err != nil {
		s.audit(r, "listing.token.verify", "fail", "user_id", claimed.ID, "reason", "unknown_user")
		return domain.Principal{}, false
	}
	util.SetRequestUser(r.Context(), user.ID)
	return user.Principal(), true
}

// accounts
type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.registerLimiter, "register", "too many registration attempts") {
		return
	}
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user, err := s.app.Register(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		s.audit(r, "listing.register", "fail", "reason", err.Error())
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "listing.register", "success", "user_id", user.ID)
	writeJSON(w, http.StatusCreated, user)
}

// handleRegisterAdmin accepts anonymous callers only while no admin exists.
func (s *Server) handleRegisterAdmin(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.registerLimiter, "register", "too many registration attempts") {
		return
	}
	var caller domain.Principal
	if _, present := bearerToken(r); present {
		p, ok := s.authorize(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "AUTH_INVALID_TOKEN", "unauthorized")
			return
		}
		caller = p
	}
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user, err := s.app.RegisterAdmin(r.Context(), caller, req.Username, req.Email, req.Password)
	if err != nil {
		s.audit(r, "listing.register_admin", "fail", "reason", err.Error())
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "listing.register_admin", "success", "user_id", user.ID, "by", caller.ID)
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.loginLimiter, "login", "too many login attempts") {
		return
	}
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	session, err := s.app.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.audit(r, "listing.login", "fail", "reason", err.Error())
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "listing.login", "success", "user_id", session.User.ID)
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	user, err := s.app.Me(r.Context(), p)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	users, err := s.app.ListUsers(r.Context(), p)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": users, "count": len(users)})
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	user, err := s.app.GetUser(r.Context(), p, id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var patch app.UserPatch
	if !decodeJSON(w, r, &patch) {
		return
	}
	user, err := s.app.UpdateUser(r.Context(), p, id, patch)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "listing.admin.update_user", "success", "user_id", p.ID, "target_id", id)
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.app.DeleteUser(r.Context(), p, id); err != nil {
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "listing.admin.delete_user", "success", "user_id", p.ID, "target_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// listings
func (s *Server) handleListActive(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := app.ActiveFilter{
		City:     strings.TrimSpace(q.Get("city")),
		Category: strings.TrimSpace(q.Get("category")),
	}
	fields := map[string]string{}
	for name, dst := range map[string]*int64{"minPrice": &filter.MinPrice, "maxPrice": &filter.MaxPrice} {
		raw := strings.TrimSpace(q.Get(name))
		if raw == "" {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			fields[name] = name + " must be an integer"
			continue
		}
		if n > 0 {
			*dst = n
		}
	}
	if len(fields) > 0 {
		writeAppError(w, r, &app.ValidationError{Fields: fields})
		return
	}
	items, err := s.app.ListActive(r.Context(), filter)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (s *Server) handleCreateListing(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	if !s.allowRateKey(w, r, s.createLimiter, "create", "user:"+strconv.FormatInt(p.ID, 10), "too many listings created") {
		return
	}
	in, cleanup, ok := s.decodeListingInput(w, r)
	if !ok {
		return
	}
	defer cleanup()
	l, err := s.app.Create(r.Context(), p, in)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

func (s *Server) handleListMine(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	items, err := s.app.ListOwnedBy(r.Context(), p)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (s *Server) handleGetListing(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	l, err := s.app.GetByID(r.Context(), id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleUpdateListing(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	in, cleanup, ok := s.decodeListingInput(w, r)
	if !ok {
		return
	}
	defer cleanup()
	l, err := s.app.Update(r.Context(), p, id, in)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleDeleteListing(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.app.Delete(r.Context(), p, id); err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// moderation
func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	items, err := s.app.ListPendingForModeration(r.Context(), p)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	s.moderate(w, r, p, s.app.Approve, "listing.approve")
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	s.moderate(w, r, p, s.app.Reject, "listing.reject")
}

type moderationFunc func(ctx context.Context, p domain.Principal, id int64) (domain.Listing, error)

func (s *Server) moderate(w http.ResponseWriter, r *http.Request, p domain.Principal, fn moderationFunc, event string) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	l, err := fn(r.Context(), p, id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	s.audit(r, event, "success", "user_id", p.ID, "listing_id", id)
	writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	items, err := s.app.ListEvents(r.Context(), p, id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	stats, err := s.app.ComputeModerationStats(r.Context(), p)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// decodeListingInput reads a JSON body or a multipart form with an optional
// "image" file part. cleanup releases multipart temp files.
func (s *Server) decodeListingInput(w http.ResponseWriter, r *http.Request) (app.ListingInput, func(), bool) {
	noop := func() {}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		var in app.ListingInput
		if !decodeJSON(w, r, &in) {
			return app.ListingInput{}, noop, false
		}
		return in, noop, true
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+maxJSONBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeAppError(w, r, &app.ValidationError{Fields: map[string]string{"image": "file too large"}})
			return app.ListingInput{}, noop, false
		}
		writeError(w, http.StatusBadRequest, "LISTING_INVALID_UPLOAD_FORM", "invalid form data")
		return app.ListingInput{}, noop, false
	}
	form := r.MultipartForm
	cleanup := func() { _ = form.RemoveAll() }

	value := func(key string) *string {
		if vals, ok := form.Value[key]; ok && len(vals) > 0 {
			v := vals[0]
			return &v
		}
		return nil
	}
	numeric := func(key string) *app.Numeric {
		if v := value(key); v != nil {
			n := app.Numeric(*v)
			return &n
		}
		return nil
	}
	in := app.ListingInput{
		Title:        value("title"),
		Description:  value("description"),
		Price:        numeric("price"),
		LocationText: value("location"),
		City:         value("city"),
		AreaText:     value("area"),
		Beds:         numeric("beds"),
		Baths:        numeric("baths"),
		Category:     value("category"),
		ImageRef:     value("image"),
	}
	if v := value("parking"); v != nil {
		f := app.Flag(*v)
		in.HasParking = &f
	}
	if files := form.File["image"]; len(files) > 0 {
		file, err := files[0].Open()
		if err != nil {
			cleanup()
			writeError(w, http.StatusBadRequest, "LISTING_INVALID_UPLOAD_FORM", "invalid form data")
			return app.ListingInput{}, noop, false
		}
		in.Upload = &app.Upload{Filename: files[0].Filename, Body: file}
		in.ImageRef = nil
		return in, func() {
			_ = file.Close()
			cleanup()
		}, true
	}
	return in, cleanup, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBytes)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "LISTING_INVALID_REQUEST", "invalid JSON body")
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusNotFound, "SYSTEM_NOT_FOUND", "not found")
		return 0, false
	}
	return id, true
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, name, msg string) bool {
	return s.allowRateKey(w, r, limiter, name, r.URL.Path+"|"+util.ClientIPFromRequest(r), msg)
}

func (s *Server) allowRateKey(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, name, key, msg string) bool {
	if limiter == nil {
		return true
	}
	d := limiter.Check(r.Context(), key)
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.Limit()))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if d.Allowed {
		return true
	}
	s.metrics.ObserveRateLimited(name)
	w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfterSeconds()))
	writeError(w, http.StatusTooManyRequests, "SYSTEM_RATE_LIMITED", msg)
	return false
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIPFromRequest(r),
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func normalizeMaxBytes(value int64) int64 {
	if value <= 0 {
		return 5 << 20
	}
	return value
}
