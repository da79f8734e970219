// Package httpapi is the HTTP surface of the Core: auth, tasks, the
// WebSocket endpoint and metrics, all answering in the standard envelope.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/meristem/core/internal/auth"
	"github.com/meristem/core/internal/domerr"
	"github.com/meristem/core/internal/metrics"
	"github.com/meristem/core/internal/task"
	"github.com/meristem/core/internal/trace"
)

type ctxKey int

const (
	claimsKey ctxKey = iota
	traceKey
)

// Options wires the server's collaborators.
type Options struct {
	Auth      *auth.Service
	Tasks     *task.Scheduler
	WSHandler http.Handler
	WSPath    string
	Metrics   *metrics.Set
	NodeID    string
	Logger    *zap.Logger
}

// Server is the mux-backed HTTP front.
type Server struct {
	router  *mux.Router
	auth    *auth.Service
	tasks   *task.Scheduler
	metrics *metrics.Set
	nodeID  string
	zl      *zap.Logger
}

func NewServer(opts Options) *Server {
	zl := opts.Logger
	if zl == nil {
		zl = zap.NewNop()
	}
	s := &Server{
		router:  mux.NewRouter(),
		auth:    opts.Auth,
		tasks:   opts.Tasks,
		metrics: opts.Metrics,
		nodeID:  opts.NodeID,
		zl:      zl,
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/auth/bootstrap", s.instrument("bootstrap", s.handleBootstrap)).Methods(http.MethodPost)
	api.HandleFunc("/auth/login", s.instrument("login", s.handleLogin)).Methods(http.MethodPost)
	api.HandleFunc("/tasks", s.instrument("task_create", s.authenticated(s.handleTaskCreate))).Methods(http.MethodPost)
	api.HandleFunc("/tasks", s.instrument("task_list", s.authenticated(s.handleTaskList))).Methods(http.MethodGet)

	wsPath := opts.WSPath
	if wsPath == "" {
		wsPath = "/ws"
	}
	if opts.WSHandler != nil {
		s.router.Handle(wsPath, opts.WSHandler)
	}
	if opts.Metrics != nil {
		s.router.HandleFunc("/metrics", s.authenticated(s.handleMetrics)).Methods(http.MethodGet)
	}
	s.router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeSuccess(w, http.StatusOK, map[string]interface{}{"status": "ok"})
	}).Methods(http.MethodGet)

	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Run serves until the context ends, then drains with a bounded shutdown.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// ============================================================================
// ENVELOPE AND MIDDLEWARE
// ============================================================================

func writeSuccess(w http.ResponseWriter, status int, body map[string]interface{}) {
	out := map[string]interface{}{"success": true}
	for k, v := range body {
		out[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(out)
}

func writeError(w http.ResponseWriter, err error) {
	de := domerr.From(err)
	if de.Code == domerr.CodeAuditBackpressure {
		w.Header().Set("Retry-After", "1")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(de.Status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   string(de.Code),
	})
}

// statusRecorder captures the response status for the request counter.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument counts the request and seeds the per-request trace context.
func (s *Server) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tc := trace.Propagated(r.Header.Get("X-Trace-Id"), s.nodeID, "http."+route)
		r = r.WithContext(context.WithValue(r.Context(), traceKey, tc))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		if s.metrics != nil {
			s.metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		}
	}
}

// authenticated resolves the bearer token into claims before the handler runs.
func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, domerr.New(domerr.CodeUnauthorized, "missing bearer token"))
			return
		}
		claims, err := s.auth.Verify(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			writeError(w, domerr.New(domerr.CodeUnauthorized, "invalid token"))
			return
		}
		r = r.WithContext(context.WithValue(r.Context(), claimsKey, claims))
		next(w, r)
	}
}

func claimsFrom(r *http.Request) *auth.Claims {
	claims, _ := r.Context().Value(claimsKey).(*auth.Claims)
	return claims
}

func traceFrom(r *http.Request) trace.Context {
	if tc, ok := r.Context().Value(traceKey).(trace.Context); ok {
		return tc
	}
	return trace.NewContext("", "http")
}

// ============================================================================
// AUTH
// ============================================================================

func (s *Server) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BootstrapToken string `json:"bootstrap_token"`
		Username       string `json:"username"`
		Password       string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domerr.New(domerr.CodeInvalidRequest, "malformed body"))
		return
	}
	user, err := s.auth.Bootstrap(r.Context(), req.BootstrapToken, req.Username, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusCreated, map[string]interface{}{
		"user_id":  user.UserID,
		"username": user.Username,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domerr.New(domerr.CodeInvalidRequest, "malformed body"))
		return
	}
	token, claims, err := s.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"access_token": token,
		"username":     claims.Username,
		"superadmin":   claims.Superadmin,
	})
}

// ============================================================================
// TASKS
// ============================================================================

func actorFrom(claims *auth.Claims) task.Actor {
	return task.Actor{
		Subject:    claims.Subject,
		OrgID:      claims.OrgID,
		Superadmin: claims.Superadmin,
	}
}

func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	depth := 0
	if raw := r.Header.Get("Call-Depth"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, domerr.New(domerr.CodeInvalidCallDepth, "call depth header is not an integer"))
			return
		}
		depth = n
	}

	var req task.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domerr.New(domerr.CodeInvalidRequest, "malformed body"))
		return
	}
	req.CallDepth = depth

	created, err := s.tasks.Create(r.Context(), traceFrom(r), actorFrom(claims), req)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.TasksCreated.Inc()
	}
	writeSuccess(w, http.StatusCreated, map[string]interface{}{"task": created, "task_id": created.TaskID})
}

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, domerr.New(domerr.CodeInvalidRequest, "limit is not an integer"))
			return
		}
		limit = n
	}

	page, err := s.tasks.List(r.Context(), actorFrom(claims), limit, r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"tasks":       page.Tasks,
		"has_next":    page.HasNext,
		"next_cursor": page.NextCursor,
	})
}

// ============================================================================
// METRICS
// ============================================================================

// handleMetrics serves the Prometheus registry to superadmins only.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	if !claims.Superadmin {
		writeError(w, domerr.New(domerr.CodeAccessDenied, "metrics require superadmin"))
		return
	}
	s.metrics.Handler().ServeHTTP(w, r)
}
