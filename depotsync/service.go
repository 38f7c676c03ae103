// Package depotsync is the server side of the depot synchronization protocol:
// it accepts batches of client-originated purchase transactions with
// idempotent insert-or-reject semantics (push) and serves incremental changes
// to reference data and transactions past a watermark (pull).
package depotsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/fieldops/depotsync/depotsync/migrations"
)

// SyncService provides the authoritative-store half of the sync protocol.
type SyncService struct {
	pool     *pgxpool.Pool
	logger   *slog.Logger
	config   *ServiceConfig
	validate *validator.Validate

	mu     sync.RWMutex
	closed bool
}

// ServiceConfig holds configuration for the sync service.
type ServiceConfig struct {
	AppName string

	// MaxPushBatchSize bounds a single push request (0 = unlimited). An
	// oversized batch is rejected whole so clients never drop records.
	MaxPushBatchSize int

	// MaxPullBatchSize bounds each entity type in a pull response. A full
	// page is reported as partial so the client re-pulls before idling.
	MaxPullBatchSize int

	// StrongFingerprints folds material and location into the idempotency
	// key. Both sides of a deployment must agree on this setting.
	StrongFingerprints bool

	StageMetrics    StageMetricsRecorder
	LogStageTimings bool
}

// NewSyncService creates a sync service over an existing pool and runs the
// embedded schema migrations. The caller owns the pool lifecycle.
func NewSyncService(ctx context.Context, pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*SyncService, error) {
	if config == nil {
		config = &ServiceConfig{AppName: "depotsync"}
	}
	if config.MaxPullBatchSize <= 0 {
		config.MaxPullBatchSize = 500
	}
	if logger == nil {
		logger = slog.Default()
	}

	service := &SyncService{
		pool:     pool,
		logger:   logger,
		config:   config,
		validate: newRecordValidator(),
	}

	if err := service.runMigrations(ctx); err != nil {
		return nil, fmt.Errorf("failed to run depot migrations: %w", err)
	}

	return service, nil
}

// runMigrations applies the embedded goose migrations through a database/sql
// view of the pgx pool.
func (s *SyncService) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return err
	}
	s.logger.Debug("Depot schema migrations applied")
	return nil
}

// Close marks the service closed. It does not close the pool.
func (s *SyncService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.logger.Debug("Sync service shutdown complete")
	return nil
}

// Pool returns the underlying connection pool for custom queries.
func (s *SyncService) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *SyncService) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("sync service has been closed")
	}
	return nil
}

// ProcessStatus reports a diagnostic snapshot of the authoritative store.
func (s *SyncService) ProcessStatus(ctx context.Context) (*StatusResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	resp := &StatusResponse{Status: "healthy", AppName: s.config.AppName}
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COALESCE(MAX(last_modified), 'epoch'::timestamptz)
		FROM depot.transactions
	`).Scan(&resp.TransactionCount, &resp.LatestChange)
	if err != nil {
		return nil, fmt.Errorf("failed to query status: %w", err)
	}
	return resp, nil
}
