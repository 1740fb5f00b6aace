// Package archive offloads retention-expired audit events from the hot
// Redis store into Postgres for long-term, queryable cold storage.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/complyon/compliance-agent-backend/internal/domain/audit"
	"github.com/complyon/compliance-agent-backend/internal/infrastructure/config"
)

// Archiver writes audit events into the audit_events_archive table.
type Archiver struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewArchiver connects to Postgres and verifies the connection.
func NewArchiver(ctx context.Context, cfg *config.DatabaseConfig, logger *zap.Logger) (*Archiver, error) {
	if cfg == nil || cfg.URL == "" {
		return nil, fmt.Errorf("database config with URL is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	logger.Info("audit archiver connected", zap.Int("max_conns", cfg.MaxOpenConns))
	return &Archiver{pool: pool, logger: logger}, nil
}

const insertEventSQL = `
	INSERT INTO audit_events_archive
		(id, organization_id, category, event_type, outcome, actor_id,
		 actor_kind, resource_ref, action, risk_score, occurred_at,
		 integrity_hash, payload)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	ON CONFLICT (id) DO NOTHING`

// ArchiveBatch persists a batch of events inside one transaction.
// Re-archiving an already archived event is a no-op.
func (a *Archiver) ArchiveBatch(ctx context.Context, events []*audit.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("beginning archive transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	archived := 0
	for _, event := range events {
		payload, err := json.Marshal(event)
		if err != nil {
			a.logger.Error("failed to marshal event for archive",
				zap.String("event_id", event.ID.String()),
				zap.Error(err))
			continue
		}

		tag, err := tx.Exec(ctx, insertEventSQL,
			event.ID,
			event.OrganizationID,
			string(event.Category),
			event.EventType,
			string(event.Outcome),
			event.ActorID,
			string(event.ActorKind),
			event.ResourceRef,
			event.Action,
			event.RiskScore,
			event.Timestamp,
			event.IntegrityHash,
			payload,
		)
		if err != nil {
			return archived, fmt.Errorf("archiving event %s: %w", event.ID, err)
		}
		archived += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing archive transaction: %w", err)
	}

	a.logger.Info("archived audit events",
		zap.Int("batch_size", len(events)),
		zap.Int("archived", archived))
	return archived, nil
}

// PurgeOlderThan deletes archived rows past the given age. Used for
// organizations with shortened retention overrides.
func (a *Archiver) PurgeOlderThan(ctx context.Context, orgID string, cutoff time.Time) (int64, error) {
	tag, err := a.pool.Exec(ctx,
		`DELETE FROM audit_events_archive WHERE organization_id = $1 AND occurred_at < $2`,
		orgID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging archive: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Close releases the connection pool.
func (a *Archiver) Close() {
	a.pool.Close()
}
