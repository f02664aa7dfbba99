package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/patternd/internal/auth"
	"github.com/ashita-ai/patternd/internal/consume"
	"github.com/ashita-ai/patternd/internal/ctxutil"
	"github.com/ashita-ai/patternd/internal/jobs"
	"github.com/ashita-ai/patternd/internal/model"
	"github.com/ashita-ai/patternd/internal/ratelimit"
	"github.com/ashita-ai/patternd/internal/snapshot"
	"github.com/ashita-ai/patternd/internal/storage"
)

// Server is the patternd HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): BackfillLimiter, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	Store    storage.Store
	JWTMgr   *auth.JWTManager
	Reader   *consume.Reader
	Recorder *snapshot.Recorder
	Runner   *jobs.Runner
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	BackfillLimiter ratelimit.Limiter
	MCPServer       *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		Reader:              cfg.Reader,
		Recorder:            cfg.Recorder,
		Runner:              cfg.Runner,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	backfillRL := ratelimit.Middleware(cfg.BackfillLimiter, backfillKeyFunc, requestIDFunc, cfg.Logger)

	mux := http.NewServeMux()

	// Snapshot intake (engine+).
	engine := requireRole(model.RoleEngine)
	mux.Handle("POST /v1/tenants/{tenant_id}/snapshots", engine(http.HandlerFunc(h.HandleSnapshots)))

	// Pattern inspection and resolution (reader+).
	reader := requireRole(model.RoleReader)
	mux.Handle("GET /v1/tenants/{tenant_id}/patterns", reader(http.HandlerFunc(h.HandleListPatterns)))
	mux.Handle("GET /v1/tenants/{tenant_id}/patterns/{type}", reader(http.HandlerFunc(h.HandleGetPattern)))
	mux.Handle("GET /v1/tenants/{tenant_id}/patterns/{type}/history", reader(http.HandlerFunc(h.HandlePatternHistory)))
	mux.Handle("POST /v1/tenants/{tenant_id}/effective/{type}", reader(http.HandlerFunc(h.HandleEffective)))

	// Operator actions.
	operator := requireRole(model.RoleOperator)
	mux.Handle("POST /v1/tenants/{tenant_id}/backfill", operator(backfillRL(http.HandlerFunc(h.HandleBackfill))))
	mux.Handle("GET /v1/pattern-health", operator(http.HandlerFunc(h.HandlePatternHealth)))

	// MCP StreamableHTTP transport (reader+; tools check their own scope).
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", reader(mcpserver.NewStreamableHTTPServer(cfg.MCPServer)))
	}

	// Health (no auth).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → route capture → mux.
	var handler http.Handler = routeCaptureMiddleware(mux)
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// backfillKeyFunc limits backfills per tenant, whoever asks.
func backfillKeyFunc(r *http.Request) string {
	return "backfill:" + r.PathValue("tenant_id")
}

func requestIDFunc(r *http.Request) string {
	return ctxutil.RequestIDFromContext(r.Context())
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
