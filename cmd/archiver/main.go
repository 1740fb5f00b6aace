// Command archiver moves retention-expired audit events out of the hot
// Redis store into the Postgres archive. Run it once per organization
// from cron, or with -interval as a long-lived sidecar.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/complyon/compliance-agent-backend/internal/domain/audit"
	"github.com/complyon/compliance-agent-backend/internal/infrastructure/archive"
	"github.com/complyon/compliance-agent-backend/internal/infrastructure/cache"
	"github.com/complyon/compliance-agent-backend/internal/infrastructure/config"
	"github.com/complyon/compliance-agent-backend/internal/infrastructure/integrity"
	"github.com/complyon/compliance-agent-backend/internal/infrastructure/telemetry"
	"github.com/complyon/compliance-agent-backend/internal/metrics"
	auditlog "github.com/complyon/compliance-agent-backend/internal/service/audit"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to configuration file")
		orgList    = flag.String("orgs", "", "comma-separated organization IDs to sweep")
		interval   = flag.Duration("interval", 0, "sweep interval; zero runs a single sweep and exits")
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

	orgs := splitOrgs(*orgList)
	if len(orgs) == 0 {
		logger.Fatal("at least one organization is required (-orgs)")
	}

	if err := run(cfg, orgs, *interval, logger); err != nil {
		logger.Fatal("fatal", zap.Error(err))
	}
}

func splitOrgs(raw string) []string {
	var orgs []string
	for _, org := range strings.Split(raw, ",") {
		if org = strings.TrimSpace(org); org != "" {
			orgs = append(orgs, org)
		}
	}
	return orgs
}

func run(cfg *config.Config, orgs []string, interval time.Duration, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	backing, err := cache.NewRedisStore(&cfg.Redis, logger)
	if err != nil {
		return err
	}
	defer backing.Close()

	auditLog, err := auditlog.NewLogger(backing,
		integrity.NewSealer([]byte(cfg.Security.IntegrityKey)),
		auditlog.Config{
			ShardCount:    cfg.Audit.ShardCount,
			FlushInterval: cfg.Audit.FlushInterval,
			RetentionDays: cfg.Audit.RetentionDays,
		}, metrics.NewNopRegistry(), logger)
	if err != nil {
		return err
	}

	archiver, err := archive.NewArchiver(ctx, &cfg.Database, logger)
	if err != nil {
		return err
	}
	defer archiver.Close()

	sweep := func() {
		for _, org := range orgs {
			removed, err := auditLog.SweepRetention(ctx, org,
				func(ctx context.Context, events []*audit.Event) error {
					_, err := archiver.ArchiveBatch(ctx, events)
					return err
				})
			if err != nil {
				logger.Error("retention sweep failed",
					zap.String("organization_id", org), zap.Error(err))
				continue
			}
			logger.Info("retention sweep completed",
				zap.String("organization_id", org),
				zap.Int("archived", removed))
		}
	}

	sweep()
	if interval <= 0 {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case <-ticker.C:
			sweep()
		}
	}
}
