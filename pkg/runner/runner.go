// Package runner executes a single harness run end to end: it builds the
// run engine stack from configuration, submits the run, polls the registry
// until settlement, and renders the summary artifacts.
package runner

import (
	"context"
	"fmt"
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

// pollInterval is how often the runner checks the registry for settlement.
const pollInterval = 200 * time.Millisecond

// Params describe the single run to execute.
type Params struct {
	Promptset        string
	Team             string
	Variant          string
	Concurrency      int
	MaxPrompts       int
	ThresholdProfile string
	TimeoutSeconds   int
}

// Runner executes one harness run against the configured target.
type Runner interface {
	Start(ctx context.Context) error
	Stop() error

	// Execute submits the run and blocks until it settles. When ctx is
	// cancelled mid-run, dispatch stops and Execute still returns the
	// partial snapshot once the run settles.
	Execute(ctx context.Context) (*registry.Snapshot, error)
}

// Compile-time interface check.
var _ Runner = (*runner)(nil)

type runner struct {
	log    logrus.FieldLogger
	cfg    *config.Config
	params *Params

	runs   registry.Store
	engine engine.Engine
}

// NewRunner creates a one-shot run executor.
func NewRunner(
	log logrus.FieldLogger,
	cfg *config.Config,
	params *Params,
) Runner {
	return &runner{
		log:    log.WithField("component", "runner"),
		cfg:    cfg,
		params: params,
	}
}

// Start builds the engine stack. The registry may be shared with a live
// API server, so no stale-run recovery happens here.
func (r *runner) Start(ctx context.Context) error {
	r.runs = registry.NewStore(r.log, &r.cfg.Database)
	if err := r.runs.Start(ctx); err != nil {
		return fmt.Errorf("starting run registry: %w", err)
	}

	reader, err := storage.NewReader(&r.cfg.Promptsets)
	if err != nil {
		return err
	}

	source := promptset.New(r.log, reader)
	scorer := scoring.New(r.log, &r.cfg.Scoring)

	r.engine = engine.NewEngine(
		r.log, &r.cfg.Engine, source, r.runs, scorer, metrics.New(),
	)

	return r.engine.Start(ctx)
}

// Stop settles outstanding work and closes the registry.
func (r *runner) Stop() error {
	if r.engine != nil {
		if err := r.engine.Stop(); err != nil {
			r.log.WithError(err).Warn("Run engine stop error")
		}
	}

	if r.runs != nil {
		if err := r.runs.Stop(); err != nil {
			return fmt.Errorf("stopping run registry: %w", err)
		}
	}

	return nil
}

// Execute submits the run and polls the registry until it settles.
func (r *runner) Execute(ctx context.Context) (*registry.Snapshot, error) {
	req := &engine.RunRequest{
		Promptset:        r.params.Promptset,
		Team:             r.params.Team,
		Variant:          r.params.Variant,
		MaxPrompts:       r.params.MaxPrompts,
		ThresholdProfile: r.params.ThresholdProfile,
		TimeoutSeconds:   r.params.TimeoutSeconds,
	}

	if r.params.Concurrency > 0 {
		req.Concurrency = &r.params.Concurrency
	}

	run, err := r.engine.Submit(ctx, req)
	if err != nil {
		return nil, err
	}

	r.log.WithFields(logrus.Fields{
		"run_id":    run.RunID,
		"promptset": run.Promptset,
		"team":      run.Team,
		"variant":   run.Variant,
	}).Info("Run submitted")

	return r.await(ctx, run.RunID)
}

// await polls until the run reaches a terminal status. Settlement writes
// are not bound to ctx: after an interrupt the engine drops in-flight work
// and the run still settles within one poll interval.
func (r *runner) await(
	ctx context.Context, runID string,
) (*registry.Snapshot, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	interrupt := ctx.Done()

	for {
		select {
		case <-interrupt:
			// Disable this case so the loop falls back to the ticker.
			interrupt = nil

			r.log.Info("Interrupted, waiting for the run to settle")

			continue
		case <-ticker.C:
		}

		run, err := r.runs.GetRun(context.Background(), runID)
		if err != nil {
			return nil, fmt.Errorf("polling run %s: %w", runID, err)
		}

		if run.IsTerminal() {
			return run.Snapshot(), nil
		}
	}
}
