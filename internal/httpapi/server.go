package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/relaygraph/internal/clock"
	"github.com/agentworkforce/relaygraph/internal/jobs"
	"github.com/agentworkforce/relaygraph/internal/provenance"
	"github.com/agentworkforce/relaygraph/internal/relaygraph"
)

const (
	scopeCommitsRead = "commits:read"
	scopeEventsRead  = "events:read"
	scopeAdminRead   = "admin:read"
)

type ServerConfig struct {
	JWTSecret          string
	InternalHMACSecret string
	InternalMaxSkew    time.Duration
	RateLimitMax       int
	RateLimitWindow    time.Duration
	MaxBodyBytes       int64
	StreamBuffer       int
	// StreamOriginPatterns lists the cross-origin hosts allowed to open the
	// event stream.
	StreamOriginPatterns []string
}

// CommitStore is the read side of the provenance store.
type CommitStore interface {
	GetCommit(ctx context.Context, commitID string) (provenance.Commit, error)
	VerifyCommit(ctx context.Context, commitID string) error
	ListVersions(ctx context.Context, orgID, entityID string) ([]provenance.Version, error)
}

type EventSource interface {
	Subscribe(orgID string, buffer int) (<-chan relaygraph.DomainEvent, func())
}

// Deps wires the server to the pipeline. Jobs is required; a nil Commits,
// Events, Gatherer, Health or Depths leaves the matching routes answering
// 404 or a static response.
type Deps struct {
	Jobs     relaygraph.JobAdder
	Commits  CommitStore
	Events   EventSource
	Gatherer prometheus.Gatherer
	Health   func() jobs.Health
	Depths   func() map[string]int
	Clock    clock.Clock
	Logger   *slog.Logger
}

type Server struct {
	router      chi.Router
	deps        Deps
	cfg         ServerConfig
	schema      *jsonschema.Schema
	rateLimiter *rateLimiter
	logger      *slog.Logger

	replayMu   sync.Mutex
	replaySeen map[string]time.Time
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

func NewServer(deps Deps, cfg ServerConfig) (*Server, error) {
	if deps.Jobs == nil {
		return nil, fmt.Errorf("%w: job queue is required", relaygraph.ErrInvalidInput)
	}
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.InternalHMACSecret == "" {
		cfg.InternalHMACSecret = "dev-internal-secret"
	}
	if cfg.InternalMaxSkew <= 0 {
		cfg.InternalMaxSkew = 5 * time.Minute
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = 64
	}
	schema, err := compileSyncEventSchema()
	if err != nil {
		return nil, err
	}
	s := &Server{
		deps:       deps,
		cfg:        cfg,
		schema:     schema,
		logger:     deps.Logger.With("component", "httpapi"),
		replaySeen: map[string]time.Time{},
	}
	if cfg.RateLimitMax > 0 {
		s.rateLimiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	})

	r.Get("/health", s.handleHealth)
	if s.deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Post("/v1/internal/sync-events", s.handleSyncEvent)
	r.With(s.requireScope(scopeAdminRead)).Get("/v1/admin/queues", s.handleAdminQueues)

	r.Route("/v1/orgs/{org}", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.requireScope(scopeCommitsRead))
			r.Get("/commits/{commitID}", s.handleGetCommit)
			r.Get("/commits/{commitID}/verify", s.handleVerifyCommit)
			r.Get("/entities/{entityID}/versions", s.handleListVersions)
		})
		r.With(s.requireScope(scopeEventsRead)).Get("/events/stream", s.handleEventStream)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"correlation_id", getCorrelationID(r),
		)
	})
}

// requireScope authorizes the bearer token against the {org} route param and
// applies the per-subject rate limit.
func (s *Server) requireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			orgID := chi.URLParam(r, "org")
			now := s.deps.Clock.Now().UTC()
			claims, authErr := authorizeBearer(bearerFromRequest(r), s.cfg.JWTSecret, orgID, scope, now)
			if authErr != nil {
				writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
				return
			}
			if s.rateLimiter != nil && !s.rateLimiter.allow(claims.OrgID+"|"+claims.Subject, now) {
				retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", getCorrelationID(r))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	health := s.deps.Health()
	if !health.Healthy {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "runner": health})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "runner": health})
}

func (s *Server) handleAdminQueues(w http.ResponseWriter, _ *http.Request) {
	depths := map[string]int{}
	if s.deps.Depths != nil {
		depths = s.deps.Depths()
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": depths})
}

func (s *Server) handleSyncEvent(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	now := s.deps.Clock.Now().UTC()
	timestamp := r.Header.Get("X-Relay-Timestamp")
	signature := r.Header.Get("X-Relay-Signature")
	if authErr := verifyInternalHMAC(s.cfg.InternalHMACSecret, timestamp, signature, body, now, s.cfg.InternalMaxSkew); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.markReplaySeen(timestamp, signature, now) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "internal request replay detected", correlationID)
		return
	}
	if err := validateAgainst(s.schema, body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}

	var event relaygraph.SyncEvent
	if err := json.Unmarshal(body, &event); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	if event.CorrelationID == "" {
		event.CorrelationID = correlationID
	}
	jobID, err := s.deps.Jobs.AddJob(r.Context(), relaygraph.QueueSync, relaygraph.JobNameSync, event)
	if err != nil {
		switch {
		case errors.Is(err, relaygraph.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		case errors.Is(err, relaygraph.ErrQueueFull):
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "queue_full", err.Error(), correlationID)
		default:
			s.logger.Error("enqueue sync event failed", "org_id", event.OrgID, "correlation_id", correlationID, "error", err)
			w.Header().Set("Retry-After", "5")
			writeError(w, http.StatusServiceUnavailable, "queue_unavailable", "sync queue unavailable", correlationID)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":        "queued",
		"jobId":         jobID,
		"correlationId": event.CorrelationID,
	})
}

// orgCommit loads a commit and hides commits that belong to another org.
func (s *Server) orgCommit(w http.ResponseWriter, r *http.Request) (provenance.Commit, bool) {
	if s.deps.Commits == nil {
		writeError(w, http.StatusNotFound, "not_found", "commit store not configured", getCorrelationID(r))
		return provenance.Commit{}, false
	}
	commitID := chi.URLParam(r, "commitID")
	commit, err := s.deps.Commits.GetCommit(r.Context(), commitID)
	if err == nil && commit.OrgID != chi.URLParam(r, "org") {
		err = provenance.ErrNotFound
	}
	if err != nil {
		if errors.Is(err, provenance.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "commit not found", getCorrelationID(r))
		} else {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), getCorrelationID(r))
		}
		return provenance.Commit{}, false
	}
	return commit, true
}

func (s *Server) handleGetCommit(w http.ResponseWriter, r *http.Request) {
	commit, ok := s.orgCommit(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, commit)
}

func (s *Server) handleVerifyCommit(w http.ResponseWriter, r *http.Request) {
	commit, ok := s.orgCommit(w, r)
	if !ok {
		return
	}
	err := s.deps.Commits.VerifyCommit(r.Context(), commit.ID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"commitId": commit.ID, "valid": true})
	case errors.Is(err, provenance.ErrSignatureMismatch):
		writeJSON(w, http.StatusOK, map[string]any{"commitId": commit.ID, "valid": false, "error": err.Error()})
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), getCorrelationID(r))
	}
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Commits == nil {
		writeError(w, http.StatusNotFound, "not_found", "commit store not configured", getCorrelationID(r))
		return
	}
	versions, err := s.deps.Commits.ListVersions(r.Context(), chi.URLParam(r, "org"), chi.URLParam(r, "entityID"))
	if err != nil {
		if errors.Is(err, provenance.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), getCorrelationID(r))
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), getCorrelationID(r))
		return
	}
	if versions == nil {
		versions = []provenance.Version{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": versions})
}

func getCorrelationID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{count: 1, resetAt: now.Add(r.window)}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

// markReplaySeen reports false when the same timestamp and signature were
// already accepted inside the skew window.
func (s *Server) markReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.ToLower(strings.TrimSpace(timestamp)) + "|" + strings.ToLower(strings.TrimSpace(signature))
	s.replayMu.Lock()
	defer s.replayMu.Unlock()
	for seen, expiresAt := range s.replaySeen {
		if !now.Before(expiresAt) {
			delete(s.replaySeen, seen)
		}
	}
	if _, exists := s.replaySeen[key]; exists {
		return false
	}
	s.replaySeen[key] = now.Add(s.cfg.InternalMaxSkew)
	return true
}
