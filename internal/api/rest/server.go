package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/complyon/compliance-agent-backend/internal/infrastructure/config"
	auditlog "github.com/complyon/compliance-agent-backend/internal/service/audit"
	"github.com/complyon/compliance-agent-backend/internal/service/contextstore"
	evidencestore "github.com/complyon/compliance-agent-backend/internal/service/evidence"
	"github.com/complyon/compliance-agent-backend/internal/service/registry"
	"github.com/complyon/compliance-agent-backend/internal/service/scheduler"
	"github.com/complyon/compliance-agent-backend/internal/service/scoring"
)

// Deps collects the services the HTTP layer exposes. MetricsHandler
// and AuditStream are optional; nil disables the route.
type Deps struct {
	Scheduler *scheduler.Scheduler
	Registry  *registry.Registry
	Evidence  *evidencestore.Store
	Contexts  *contextstore.Store
	Shares    *contextstore.ShareProtocol
	Scoring   *scoring.Engine
	AuditLog  *auditlog.Logger

	MetricsHandler http.Handler
	AuditStream    http.Handler
}

// Server is the HTTP front door for agents and operators.
type Server struct {
	httpServer      *http.Server
	shutdownTimeout time.Duration
	logger          *zap.Logger
}

func NewServer(cfg config.ServerConfig, security config.SecurityConfig, deps Deps, logger *zap.Logger) *Server {
	h := &handlers{
		scheduler: deps.Scheduler,
		registry:  deps.Registry,
		evidence:  deps.Evidence,
		contexts:  deps.Contexts,
		shares:    deps.Shares,
		scoring:   deps.Scoring,
		auditLog:  deps.AuditLog,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if deps.MetricsHandler != nil {
		mux.Handle("GET /metrics", deps.MetricsHandler)
	}

	api := http.NewServeMux()

	api.HandleFunc("POST /v1/tasks", h.submitTask)
	api.HandleFunc("GET /v1/tasks/{id}", h.getTask)
	api.HandleFunc("DELETE /v1/tasks/{id}", h.cancelTask)

	api.HandleFunc("POST /v1/evidence", h.putEvidence)
	api.HandleFunc("GET /v1/evidence/{id}", h.getEvidence)
	api.HandleFunc("POST /v1/evidence/query", h.queryEvidence)
	api.HandleFunc("PUT /v1/evidence/{id}/status", h.setEvidenceStatus)

	api.HandleFunc("POST /v1/contexts", h.putContext)
	api.HandleFunc("GET /v1/contexts/{id}", h.getContext)
	api.HandleFunc("DELETE /v1/contexts/{id}", h.deleteContext)
	api.HandleFunc("POST /v1/contexts/query", h.queryContext)
	api.HandleFunc("POST /v1/contexts/similar", h.similarContext)

	api.HandleFunc("POST /v1/shares", h.submitShare)
	api.HandleFunc("GET /v1/shares", h.listShares)
	api.HandleFunc("GET /v1/shares/{id}", h.getShare)
	api.HandleFunc("POST /v1/shares/{id}/approve", h.approveShare)
	api.HandleFunc("POST /v1/shares/{id}/deny", h.denyShare)

	api.HandleFunc("GET /v1/compliance/{framework}", h.assessCompliance)
	api.HandleFunc("POST /v1/audit/query", h.queryAudit)

	api.HandleFunc("GET /v1/agents", h.listAgents)
	api.HandleFunc("GET /v1/agents/{id}/health", h.agentHealth)
	api.HandleFunc("POST /v1/agents", h.registerAgent)
	api.Handle("POST /v1/agents/{id}/start", h.agentLifecycle(deps.Registry.Start))
	api.Handle("POST /v1/agents/{id}/stop", h.agentLifecycle(deps.Registry.Stop))
	api.Handle("POST /v1/agents/{id}/reset", h.agentLifecycle(deps.Registry.Reset))

	if deps.AuditStream != nil {
		api.Handle("GET /v1/audit/stream", deps.AuditStream)
	}

	limiter := newRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	mux.Handle("/v1/", chain(api,
		requestIDMiddleware,
		loggingMiddleware(logger),
		recoveryMiddleware(logger),
		authMiddleware([]byte(security.JWTSecret), logger),
		rateLimitMiddleware(limiter),
	))

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      mux,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		shutdownTimeout: cfg.ShutdownTimeout,
		logger:          logger,
	}
}

// Start blocks serving requests until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.shutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.shutdownTimeout)
		defer cancel()
	}
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the full route table, used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
