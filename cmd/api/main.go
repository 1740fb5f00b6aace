// Command api runs the agent orchestration backend: the REST and
// websocket front door, the task scheduler, the context and evidence
// stores, the ETL runtime and the audit pipeline, all over one Redis
// instance.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/complyon/compliance-agent-backend/internal/api/rest"
	apiws "github.com/complyon/compliance-agent-backend/internal/api/websocket"
	auditdomain "github.com/complyon/compliance-agent-backend/internal/domain/audit"
	"github.com/complyon/compliance-agent-backend/internal/infrastructure/cache"
	"github.com/complyon/compliance-agent-backend/internal/infrastructure/config"
	"github.com/complyon/compliance-agent-backend/internal/infrastructure/integrity"
	"github.com/complyon/compliance-agent-backend/internal/infrastructure/telemetry"
	"github.com/complyon/compliance-agent-backend/internal/metrics"
	auditlog "github.com/complyon/compliance-agent-backend/internal/service/audit"
	"github.com/complyon/compliance-agent-backend/internal/service/capability"
	"github.com/complyon/compliance-agent-backend/internal/service/contextstore"
	"github.com/complyon/compliance-agent-backend/internal/service/etl"
	evidencestore "github.com/complyon/compliance-agent-backend/internal/service/evidence"
	"github.com/complyon/compliance-agent-backend/internal/service/registry"
	"github.com/complyon/compliance-agent-backend/internal/service/scheduler"
	"github.com/complyon/compliance-agent-backend/internal/service/scoring"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to configuration file")
		catalogPath = flag.String("catalog", "configs/controls.yaml", "path to the control catalog")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading configuration: %v", err)
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		log.Fatalf("building logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, *catalogPath, logger); err != nil {
		logger.Fatal("fatal", zap.Error(err))
	}
}

func run(cfg *config.Config, catalogPath string, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracing, err := telemetry.Initialize(ctx, &telemetry.Config{
		ServiceName:    "cab-api",
		ServiceVersion: cfg.Version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Enabled:        cfg.Telemetry.Enabled,
		SamplingRate:   cfg.Telemetry.SamplingRate,
		BatchTimeout:   cfg.Telemetry.BatchTimeout,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewRegistry(promReg)

	backing, err := cache.NewRedisStore(&cfg.Redis, logger)
	if err != nil {
		return err
	}
	defer backing.Close()

	sealer := integrity.NewSealer([]byte(cfg.Security.IntegrityKey))

	var encryptor *integrity.Encryptor
	if cfg.Security.EncryptionEnabled {
		encryptor, err = integrity.NewEncryptor(cfg.Security.EncryptionKeyRing)
		if err != nil {
			return err
		}
	}

	auditLog, err := auditlog.NewLogger(backing, sealer, auditlog.Config{
		ShardCount:    cfg.Audit.ShardCount,
		FlushInterval: cfg.Audit.FlushInterval,
		RetentionDays: cfg.Audit.RetentionDays,
	}, m, logger)
	if err != nil {
		return err
	}

	hub := apiws.NewHub(logger)
	auditLog.RegisterMonitor(hub)
	auditLog.RegisterMonitor(auditlog.NewFailedAccessMonitor(10, 5*time.Minute, logger))
	auditLog.RegisterMonitor(auditlog.NewHighRiskMonitor(75, func(event *auditdomain.Event) {
		logger.Warn("high risk audit event",
			zap.String("event_type", event.EventType),
			zap.String("organization_id", event.OrganizationID),
			zap.Int("risk_score", event.RiskScore))
	}, logger))

	if err := auditLog.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		if err := auditLog.Stop(stopCtx); err != nil {
			logger.Warn("audit logger stop failed", zap.Error(err))
		}
	}()
	defer hub.Close()

	reg := registry.New(auditLog, logger)

	sched, err := scheduler.New(cfg.Scheduler, reg, auditLog, m, logger)
	if err != nil {
		return err
	}

	ev, err := evidencestore.NewStore(backing, sealer, auditLog, m, logger)
	if err != nil {
		return err
	}

	access := contextstore.NewAccessController(contextstore.DefaultPolicyTable(), auditLog, logger)
	contexts, err := contextstore.NewStore(backing, access, encryptor, cfg.Context, auditLog, m, logger)
	if err != nil {
		return err
	}
	if err := contexts.Start(ctx); err != nil {
		return err
	}
	defer contexts.Stop()

	shares, err := contextstore.NewShareProtocol(contexts, backing, auditLog, logger)
	if err != nil {
		return err
	}

	caps := capability.NewClient(capability.BreakerConfig{}, logger)
	registerExecutors(sched, caps, ev)

	controls, err := scoring.LoadCatalog(catalogPath)
	if err != nil {
		return err
	}
	engine, err := scoring.NewEngine(controls, ev, auditLog, logger)
	if err != nil {
		return err
	}

	pipelines := etl.NewRuntime(m, logger)
	pipelineSchedules := etl.NewScheduleManager(pipelines, cfg.ETL.ScheduleInterval, logger)
	pipelineSchedules.Start(ctx)
	defer pipelineSchedules.Stop()

	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		if err := sched.Stop(stopCtx); err != nil {
			logger.Warn("scheduler stop failed", zap.Error(err))
		}
	}()

	srv := rest.NewServer(cfg.Server, cfg.Security, rest.Deps{
		Scheduler: sched,
		Registry:  reg,
		Evidence:  ev,
		Contexts:  contexts,
		Shares:    shares,
		Scoring:   engine,
		AuditLog:  auditLog,
		MetricsHandler: promhttp.HandlerFor(promReg,
			promhttp.HandlerOpts{EnableOpenMetrics: true}),
		AuditStream: hub,
	}, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("signal received, shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	return srv.Shutdown(context.Background())
}
