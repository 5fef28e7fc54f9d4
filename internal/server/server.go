package server

// Package server exposes the reasoning engine over HTTP, WebSocket and a gRPC
// health endpoint.
//
// Routes:
//
//	POST /api/v1/orchestrate      process one query
//	GET  /api/v1/sessions         list persisted sessions (?session_id=&limit=&offset=)
//	GET  /api/v1/sessions/{id}    one persisted session with its trace
//
// The session routes require a bearer token accepted by the Authenticator.
//	GET  /api/v1/requirements     the requirement catalogue
//	GET  /ws/orchestrate          stream the steps of one query
//	GET  /health, /ready, /metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/kubilitics/kubilitics-reasoner/internal/db"
	"github.com/kubilitics/kubilitics-reasoner/internal/middleware"
	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning"
	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning/engine"
	"github.com/kubilitics/kubilitics-reasoner/pkg/types"
)

// SessionStore is the read side of session persistence plus a liveness
// check. db.Store satisfies it.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*db.SessionRecord, error)
	ListSessions(ctx context.Context, sessionID string, limit, offset int) ([]*db.SessionRecord, error)
	Ping(ctx context.Context) error
}

// Server serves the reasoner API.
type Server struct {
	cfg      Config
	engine   engine.ReasoningEngine
	sessions SessionStore // nil disables the session routes
	auth     reasoning.Authenticator
	logger   *zap.Logger

	validate *validator.Validate
	upgrader websocket.Upgrader
	limiter  *middleware.RateLimiter
	router   *mux.Router

	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	running bool
}

// New creates a Server. sessions and auth may be nil; a nil auth leaves the
// session routes open.
func New(cfg Config, eng engine.ReasoningEngine, sessions SessionStore, auth reasoning.Authenticator, logger *zap.Logger) (*Server, error) {
	if eng == nil {
		return nil, errors.New("server: reasoning engine is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		engine:   eng,
		sessions: sessions,
		auth:     auth,
		logger:   logger.Named("server"),
		validate: validator.New(),
		upgrader: newUpgrader(cfg.AllowedOrigins),
		health:   health.NewServer(),
		ctx:      ctx,
		cancel:   cancel,
	}
	if cfg.RateLimitRPS > 0 {
		s.limiter = middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
	s.router = s.routes()
	s.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	return s, nil
}

// Handler returns the HTTP handler with all routes and middleware.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.CorrelationID, middleware.Recover(s.logger), middleware.Logging(s.logger))

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	if s.limiter != nil {
		api.Use(s.limiter.Middleware)
	}
	requireAuth := middleware.Auth(s.auth, s.logger)
	api.HandleFunc("/orchestrate", s.handleOrchestrate).Methods(http.MethodPost)
	api.Handle("/sessions", requireAuth(http.HandlerFunc(s.handleListSessions))).Methods(http.MethodGet)
	api.Handle("/sessions/{id}", requireAuth(http.HandlerFunc(s.handleGetSession))).Methods(http.MethodGet)
	api.HandleFunc("/requirements", s.handleRequirements).Methods(http.MethodGet)

	ws := r.PathPrefix("/ws").Subrouter()
	if s.limiter != nil {
		ws.Use(s.limiter.Middleware)
	}
	ws.HandleFunc("/orchestrate", s.handleWebSocket).Methods(http.MethodGet)

	// Subrouters resolve their own misses.
	for _, router := range []*mux.Router{r, api, ws} {
		router.NotFoundHandler = http.HandlerFunc(handleNotFound)
		router.MethodNotAllowedHandler = http.HandlerFunc(handleMethodNotAllowed)
	}
	return r
}

func handleNotFound(w http.ResponseWriter, r *http.Request) {
	respondError(w, r, http.StatusNotFound, types.CodeNotFound, "route not found")
}

func handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	respondError(w, r, http.StatusMethodNotAllowed, types.CodeInvalidRequest, "method not allowed")
}

// Start opens the HTTP and gRPC listeners and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server is already running")
	}
	s.running = true
	s.mu.Unlock()

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.setRunning(false)
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	var grpcLn net.Listener
	if s.cfg.GRPCPort > 0 {
		grpcAddr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.GRPCPort)
		grpcLn, err = net.Listen("tcp", grpcAddr)
		if err != nil {
			ln.Close()
			s.setRunning(false)
			return fmt.Errorf("listen on %s: %w", grpcAddr, err)
		}
	}

	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		// Orchestrate calls run for up to RequestTimeout, WebSocket streams
		// manage their own deadlines.
		WriteTimeout: s.cfg.RequestTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}
	if s.cfg.RequestTimeout <= 0 {
		s.httpServer.WriteTimeout = 0
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("HTTP server listening", zap.String("addr", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", zap.Error(err))
		}
	}()

	if grpcLn != nil {
		s.grpcServer = grpc.NewServer(grpc.ConnectionTimeout(30 * time.Second))
		grpc_health_v1.RegisterHealthServer(s.grpcServer, s.health)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.logger.Info("gRPC health server listening", zap.String("addr", grpcLn.Addr().String()))
			if err := s.grpcServer.Serve(grpcLn); err != nil {
				s.logger.Error("gRPC server failed", zap.Error(err))
			}
		}()
	}

	s.checkReady(s.ctx)
	s.wg.Add(1)
	go s.readinessLoop()

	s.logger.Info("kubilitics-reasoner server started",
		zap.String("version", Version),
		zap.Int("port", s.cfg.Port),
		zap.Int("grpc_port", s.cfg.GRPCPort),
		zap.Bool("rate_limit", s.limiter != nil))
	return nil
}

// Stop drains in-flight requests and stops both listeners.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return errors.New("server is not running")
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("stopping server")
	s.health.Shutdown()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	var shutdownErr error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		shutdownErr = fmt.Errorf("shutdown HTTP server: %w", err)
	}

	if s.grpcServer != nil {
		stopped := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			s.logger.Warn("gRPC server forced to stop after timeout")
			s.grpcServer.Stop()
		}
	}

	s.cancel()
	if s.limiter != nil {
		s.limiter.Stop()
	}
	s.wg.Wait()
	s.logger.Info("server stopped")
	return shutdownErr
}

// Done is closed once Stop has been called.
func (s *Server) Done() <-chan struct{} { return s.ctx.Done() }

// IsRunning returns whether the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Server) setRunning(v bool) {
	s.mu.Lock()
	s.running = v
	s.mu.Unlock()
}

// ─── Readiness ────────────────────────────────────────────────────────────────

// checkReady pings dependencies, updates the gRPC health status and returns
// the per-check results.
func (s *Server) checkReady(ctx context.Context) (bool, map[string]string) {
	checks := map[string]string{"engine": "ok"}
	ready := true
	if s.sessions != nil {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := s.sessions.Ping(pctx)
		cancel()
		if err != nil {
			checks["database"] = err.Error()
			ready = false
		} else {
			checks["database"] = "ok"
		}
	}

	status := grpc_health_v1.HealthCheckResponse_SERVING
	if !ready {
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	return ready, checks
}

func (s *Server) readinessLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.ReadyInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if ready, checks := s.checkReady(s.ctx); !ready {
				s.logger.Warn("server not ready", zap.Any("checks", checks))
			}
		}
	}
}
