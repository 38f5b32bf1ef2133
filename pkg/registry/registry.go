// Package registry tracks harness runs through their lifecycle. Run rows
// are the only state shared between the run engine and API readers, so
// every write here is a whole-row-consistent update.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/inferencelab/harness/pkg/config"
)

// listLimit caps how many runs ListRuns returns.
const listLimit = 50

var (
	// ErrNotFound is returned when no run exists for the given id.
	ErrNotFound = errors.New("run not found")

	// ErrInvalidTransition is returned when a lifecycle update targets a
	// run that is not in the expected status.
	ErrInvalidTransition = errors.New("invalid run transition")
)

// Store provides persistence and lifecycle tracking for harness runs.
// A run moves pending -> running -> completed|failed exactly once; the
// guarded updates below refuse anything else.
type Store interface {
	Start(ctx context.Context) error
	Stop() error
	Ping(ctx context.Context) error

	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context) ([]Run, error)

	StartRun(ctx context.Context, runID string) error
	UpdateProgress(ctx context.Context, runID string, p *Progress) error
	FinishRun(
		ctx context.Context, runID, status, errMsg string, p *Progress,
	) error

	RequestCancel(ctx context.Context, runID string) (*Run, error)
	BindCancel(runID string, cancel context.CancelFunc)
	ReleaseCancel(runID string)

	FailStale(ctx context.Context) (int64, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB

	// Cancel functions are process-local and live beside the rows: a
	// context cannot be persisted, so restarts orphan in-flight runs and
	// FailStale sweeps them instead.
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewStore creates a run Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log:     log.WithField("component", "registry"),
		cfg:     cfg,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening registry database: %w", err)
	}

	if s.cfg.Driver == "sqlite" {
		// sqlite allows one writer; a larger pool would also hand every
		// connection its own database when the path is :memory:.
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(&Run{}); err != nil {
		return fmt.Errorf("running registry migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).
		Info("Run registry connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// Ping verifies the database connection is alive.
func (s *store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("registry not started")
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.PingContext(ctx)
}

// CreateRun inserts a new run row in pending status.
func (s *store) CreateRun(ctx context.Context, run *Run) error {
	run.Status = StatusPending

	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}

	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("creating run: %w", err)
	}

	return nil
}

// GetRun returns the run row for the given id.
func (s *store) GetRun(ctx context.Context, runID string) (*Run, error) {
	var run Run
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
		}

		return nil, fmt.Errorf("getting run: %w", err)
	}

	return &run, nil
}

// ListRuns returns the most recent runs, newest first, capped at 50.
func (s *store) ListRuns(ctx context.Context) ([]Run, error) {
	var runs []Run
	if err := s.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(listLimit).
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	return runs, nil
}

// StartRun transitions a run from pending to running. The update is
// guarded on the current status so the transition happens at most once.
func (s *store) StartRun(ctx context.Context, runID string) error {
	result := s.db.WithContext(ctx).
		Model(&Run{}).
		Where("run_id = ? AND status = ?", runID, StatusPending).
		Update("status", StatusRunning)
	if result.Error != nil {
		return fmt.Errorf("starting run: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: run %s is not pending",
			ErrInvalidTransition, runID)
	}

	return nil
}

// UpdateProgress overwrites the run's aggregate totals with a snapshot.
// Writes against runs that already settled are dropped.
func (s *store) UpdateProgress(
	ctx context.Context, runID string, p *Progress,
) error {
	updates, err := progressColumns(p)
	if err != nil {
		return err
	}

	if err := s.db.WithContext(ctx).
		Model(&Run{}).
		Where("run_id = ? AND status = ?", runID, StatusRunning).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("updating run progress: %w", err)
	}

	return nil
}

// FinishRun settles a run as completed or failed, recording the final
// totals when provided. A run can settle exactly once.
func (s *store) FinishRun(
	ctx context.Context, runID, status, errMsg string, p *Progress,
) error {
	if status != StatusCompleted && status != StatusFailed {
		return fmt.Errorf("finishing run: %q is not a terminal status", status)
	}

	updates := map[string]any{
		"status":       status,
		"error":        errMsg,
		"completed_at": time.Now().UTC(),
	}

	if p != nil {
		cols, err := progressColumns(p)
		if err != nil {
			return err
		}

		for k, v := range cols {
			updates[k] = v
		}
	}

	result := s.db.WithContext(ctx).
		Model(&Run{}).
		Where("run_id = ? AND status IN ?",
			runID, []string{StatusPending, StatusRunning}).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("finishing run: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: run %s already settled",
			ErrInvalidTransition, runID)
	}

	return nil
}

// RequestCancel flags a non-terminal run for cancellation and fires its
// registered cancel function. Cancelling a settled run is a no-op. The
// returned row reflects the run after the flag was applied.
func (s *store) RequestCancel(
	ctx context.Context, runID string,
) (*Run, error) {
	result := s.db.WithContext(ctx).
		Model(&Run{}).
		Where("run_id = ? AND status IN ?",
			runID, []string{StatusPending, StatusRunning}).
		Update("cancel_requested", true)
	if result.Error != nil {
		return nil, fmt.Errorf("flagging cancel: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		s.fireCancel(runID)

		s.log.WithField("run_id", runID).Info("Run cancellation requested")
	}

	return s.GetRun(ctx, runID)
}

// BindCancel registers the cancel function for a run about to execute.
func (s *store) BindCancel(runID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancels[runID] = cancel
}

// ReleaseCancel drops the cancel function once a run has settled.
func (s *store) ReleaseCancel(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.cancels, runID)
}

func (s *store) fireCancel(runID string) {
	s.mu.Lock()
	cancel := s.cancels[runID]
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// FailStale marks runs left pending or running by a previous process as
// failed. Called once at startup, before the API accepts new runs.
func (s *store) FailStale(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&Run{}).
		Where("status IN ?", []string{StatusPending, StatusRunning}).
		Updates(map[string]any{
			"status":       StatusFailed,
			"error":        "interrupted by server restart",
			"completed_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failing stale runs: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		s.log.WithField("count", result.RowsAffected).
			Warn("Marked stale runs as failed")
	}

	return result.RowsAffected, nil
}

// progressColumns maps a progress snapshot onto database columns.
func progressColumns(p *Progress) (map[string]any, error) {
	updates := map[string]any{
		"total":                 p.Total,
		"passed":                p.Passed,
		"failed":                p.Failed,
		"pass_rate":             p.PassRate,
		"avg_latency_ms":        p.AvgLatencyMS,
		"p50_latency_ms":        p.P50LatencyMS,
		"p95_latency_ms":        p.P95LatencyMS,
		"p99_latency_ms":        p.P99LatencyMS,
		"avg_tokens_per_second": p.AvgTokensPerSecond,
	}

	if len(p.Categories) > 0 {
		data, err := json.Marshal(p.Categories)
		if err != nil {
			return nil, fmt.Errorf("serializing category stats: %w", err)
		}

		updates["categories_json"] = string(data)
	}

	if len(p.Errors) > 0 {
		data, err := json.Marshal(p.Errors)
		if err != nil {
			return nil, fmt.Errorf("serializing run errors: %w", err)
		}

		updates["errors_json"] = string(data)
	}

	return updates, nil
}
