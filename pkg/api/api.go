// Package api exposes the harness over HTTP: promptset discovery, run
// submission and polling, ad-hoc scoring and target checks.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inferencelab/harness/pkg/config"
	"github.com/inferencelab/harness/pkg/engine"
	"github.com/inferencelab/harness/pkg/metrics"
	"github.com/inferencelab/harness/pkg/promptset"
	"github.com/inferencelab/harness/pkg/promptset/storage"
	"github.com/inferencelab/harness/pkg/registry"
	"github.com/inferencelab/harness/pkg/scoring"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.Config
	runs       registry.Store
	source     promptset.Source
	scorer     scoring.Scorer
	engine     engine.Engine
	metrics    *metrics.Metrics
	httpServer *http.Server
	wg         sync.WaitGroup
}

// NewServer creates a new API server.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.Config,
) Server {
	return &server{
		log: log.WithField("component", "api"),
		cfg: cfg,
	}
}

// Start brings up the registry, promptset source, scorer, and run engine,
// then begins serving HTTP.
func (s *server) Start(ctx context.Context) error {
	// Create and start the run registry.
	s.runs = registry.NewStore(s.log, &s.cfg.Database)
	if err := s.runs.Start(ctx); err != nil {
		return fmt.Errorf("starting run registry: %w", err)
	}

	// Runs left behind by a previous process can never make progress.
	stale, err := s.runs.FailStale(ctx)
	if err != nil {
		return fmt.Errorf("failing stale runs: %w", err)
	}

	if stale > 0 {
		s.log.WithField("count", stale).
			Warn("Marked interrupted runs as failed")
	}

	reader, err := s.buildStorageReader()
	if err != nil {
		return err
	}

	s.source = promptset.New(s.log, reader)
	s.scorer = scoring.New(s.log, &s.cfg.Scoring)
	s.metrics = metrics.New()

	if s.scorer.Configured() {
		s.log.WithField("judge", s.cfg.Scoring.JudgeURL).
			Info("Scoring enabled")
	}

	s.engine = engine.NewEngine(
		s.log, &s.cfg.Engine, s.source, s.runs, s.scorer, s.metrics,
	)
	if err := s.engine.Start(ctx); err != nil {
		return fmt.Errorf("starting run engine: %w", err)
	}

	// Build router and start HTTP server.
	router := s.buildRouter()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Server.Listen).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server, settles in-flight runs, and
// closes the registry.
func (s *server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	if s.engine != nil {
		if err := s.engine.Stop(); err != nil {
			s.log.WithError(err).Warn("Run engine stop error")
		}
	}

	if s.runs != nil {
		if err := s.runs.Stop(); err != nil {
			return fmt.Errorf("stopping run registry: %w", err)
		}
	}

	s.log.Info("API server stopped")

	return nil
}

// buildStorageReader creates the promptset storage reader for the
// configured backend.
func (s *server) buildStorageReader() (storage.Reader, error) {
	reader, err := storage.NewReader(&s.cfg.Promptsets)
	if err != nil {
		return nil, err
	}

	switch {
	case s.cfg.Promptsets.S3 != nil:
		s.log.WithField("bucket", s.cfg.Promptsets.S3.Bucket).
			Info("Reading promptsets from S3")
	case s.cfg.Promptsets.Local != nil:
		s.log.WithField("dir", s.cfg.Promptsets.Local.BaseDir).
			Info("Reading promptsets from local directory")
	}

	return reader, nil
}
