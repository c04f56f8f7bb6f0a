package rowstore

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"math"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/errs"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/metrics"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/push"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/schema"
)

// ServerConfig holds Server settings.
type ServerConfig struct {
	// JWTSecret enables HS256 bearer authentication when set.
	JWTSecret string
	Audience  string

	// RateLimitMax requests per RateLimitWindow per client; 0 disables limiting.
	RateLimitMax    int
	RateLimitWindow time.Duration

	MaxBodyBytes int64

	// WriteDelay holds every write this long before applying it. Used to
	// simulate a slow upstream.
	WriteDelay time.Duration

	// Options is served from /api/sheet/statuses. Defaults to the fallback map.
	Options schema.Options

	Hub    *push.HubConfig
	Logger *log.Logger
}

// DefaultServerConfig returns the default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		RateLimitWindow: time.Minute,
		MaxBodyBytes:    1 << 20,
		Options:         schema.FallbackOptions(),
		Logger:          log.New(os.Stderr, "[rowstore] ", log.LstdFlags),
	}
}

// Server serves the row store HTTP API and the push stream over a Backend.
type Server struct {
	backend     Backend
	cfg         ServerConfig
	rateLimiter *rateLimiter
	hub         *push.Hub
	mux         *http.ServeMux

	pushMu       sync.Mutex
	pushSessions int
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

// NewServer creates a server. Call Start before serving and Stop afterwards.
func NewServer(backend Backend, cfg ServerConfig) (*Server, error) {
	if backend == nil {
		return nil, errors.New("backend cannot be nil")
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Options == nil {
		cfg.Options = schema.FallbackOptions()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	if cfg.Hub == nil {
		cfg.Hub = push.DefaultHubConfig()
		cfg.Hub.Logger = cfg.Logger
	}

	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}

	s := &Server{
		backend:     backend,
		cfg:         cfg,
		rateLimiter: limiter,
		hub:         push.NewHub(cfg.Hub),
		mux:         http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	s.mux.Handle("GET /metrics", metrics.Handler())

	s.mux.Handle("GET /api/sheet", s.api(s.handleList))
	s.mux.Handle("POST /api/sheet", s.api(s.handleCreate))
	s.mux.Handle("PUT /api/sheet", s.api(s.handleUpdate))
	s.mux.Handle("DELETE /api/sheet", s.api(s.handleDelete))
	s.mux.Handle("GET /api/sheet/statuses", s.api(s.handleStatuses))
	s.mux.Handle("POST /api/setup-push", s.api(s.handleSetupPush))

	// The websocket handshake needs the raw ResponseWriter, so the push
	// stream skips request instrumentation.
	s.mux.HandleFunc("GET "+push.Path, func(w http.ResponseWriter, r *http.Request) {
		if _, ok := s.authorize(w, r); !ok {
			return
		}
		s.hub.ServeHTTP(w, r)
	})
}

// Start starts the push hub.
func (s *Server) Start() {
	s.hub.Start()
}

// Stop closes every push subscription.
func (s *Server) Stop() {
	s.hub.Stop()
}

// Hub returns the push hub.
func (s *Server) Hub() *push.Hub {
	return s.hub
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// api wraps a row store handler with authentication, rate limiting and
// request metrics.
func (s *Server) api(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			metrics.APIRequests.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		}()

		subject, ok := s.authorize(rec, r)
		if !ok {
			return
		}
		if s.rateLimiter != nil {
			key := subject
			if key == "" {
				key = clientAddr(r)
			}
			if !s.rateLimiter.allow(key, time.Now().UTC()) {
				retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
				if retryAfter < 1 {
					retryAfter = 1
				}
				rec.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeError(rec, http.StatusTooManyRequests, "rate_limited", "Too many requests")
				return
			}
		}
		h(rec, r)
	})
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) (string, bool) {
	if s.cfg.JWTSecret == "" {
		return "", true
	}
	subject, authErr := parseBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, s.cfg.Audience)
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return "", false
	}
	return subject, true
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	records, err := s.backend.List(r.Context())
	if err != nil {
		s.writeBackendError(w, err)
		return
	}
	if records == nil {
		records = []schema.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body schema.Record
	if !s.decodeJSONBody(w, r, &body) {
		return
	}
	if !s.holdWrite(r.Context()) {
		return
	}
	rec, err := s.backend.Create(r.Context(), body.Fields)
	if err != nil {
		s.writeBackendError(w, err)
		return
	}
	s.hub.NotifyChanged()
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("rowId")
	if id == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "rowId is required")
		return
	}
	var body schema.Record
	if !s.decodeJSONBody(w, r, &body) {
		return
	}
	if !s.holdWrite(r.Context()) {
		return
	}
	rec, err := s.backend.Update(r.Context(), id, body.Fields)
	if err != nil {
		s.writeBackendError(w, err)
		return
	}
	s.hub.NotifyChanged()
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("rowId")
	if id == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "rowId is required")
		return
	}
	if !s.holdWrite(r.Context()) {
		return
	}
	if err := s.backend.Delete(r.Context(), id); err != nil {
		s.writeBackendError(w, err)
		return
	}
	s.hub.NotifyChanged()
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleStatuses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Options)
}

func (s *Server) handleSetupPush(w http.ResponseWriter, r *http.Request) {
	s.pushMu.Lock()
	s.pushSessions++
	s.pushMu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"channel": "push-" + uuid.NewString(),
	})
}

// PushSessions returns how many times push was enabled.
func (s *Server) PushSessions() int {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()
	return s.pushSessions
}

func (s *Server) holdWrite(ctx context.Context) bool {
	if s.cfg.WriteDelay <= 0 {
		return true
	}
	return waitWithContext(ctx, s.cfg.WriteDelay) == nil
}

func (s *Server) writeBackendError(w http.ResponseWriter, err error) {
	if errors.Is(err, errs.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "Row not found")
		return
	}
	s.cfg.Logger.Printf("backend error: %v", err)
	writeError(w, http.StatusInternalServerError, "internal_error", "Failed to access sheet")
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
		"code":  code,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
