// Package engine drives harness runs: it fans prompts out to the target
// gateway under a bounded concurrency budget, folds the outcomes into
// run totals, and settles the run record.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/inferencelab/harness/pkg/config"
	"github.com/inferencelab/harness/pkg/metrics"
	"github.com/inferencelab/harness/pkg/promptset"
	"github.com/inferencelab/harness/pkg/registry"
	"github.com/inferencelab/harness/pkg/scoring"
)

// Ad-hoc test defaults, used when the request leaves them unset.
const (
	defaultTestPrompt    = "Test prompt for health check"
	defaultTestMaxTokens = 10
)

// ErrInvalidRequest marks run requests rejected before any record is
// written.
var ErrInvalidRequest = errors.New("invalid run request")

// RunRequest is a caller's intent to execute a promptset against a
// team/variant.
type RunRequest struct {
	Promptset        string `json:"promptset"`
	Team             string `json:"team"`
	Variant          string `json:"variant,omitempty"`
	Concurrency      *int   `json:"concurrency,omitempty"`
	MaxPrompts       int    `json:"max_prompts,omitempty"`
	ThresholdProfile string `json:"threshold_profile,omitempty"`
	TimeoutSeconds   int    `json:"timeout_seconds,omitempty"`
}

// TestRequest is a single ad-hoc invocation outside any run.
type TestRequest struct {
	Team      string `json:"team"`
	Prompt    string `json:"prompt,omitempty"`
	Variant   string `json:"variant,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

// Engine accepts run requests and drives them to settlement.
type Engine interface {
	Start(ctx context.Context) error
	Stop() error

	// Submit validates a run request, verifies the promptset, and
	// returns the pending run; execution proceeds asynchronously.
	Submit(ctx context.Context, req *RunRequest) (*registry.Run, error)

	// Test performs one ad-hoc invocation and returns its outcome.
	Test(ctx context.Context, req *TestRequest) *Outcome
}

// Compile-time interface check.
var _ Engine = (*engine)(nil)

type engine struct {
	log     logrus.FieldLogger
	cfg     *config.EngineConfig
	source  promptset.Source
	runs    registry.Store
	scorer  scoring.Scorer
	metrics *metrics.Metrics
	target  *Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine wires the run engine against its collaborators.
func NewEngine(
	log logrus.FieldLogger,
	cfg *config.EngineConfig,
	source promptset.Source,
	runs registry.Store,
	scorer scoring.Scorer,
	m *metrics.Metrics,
) Engine {
	return &engine{
		log:     log.WithField("component", "engine"),
		cfg:     cfg,
		source:  source,
		runs:    runs,
		scorer:  scorer,
		metrics: m,
		target:  NewClient(log, cfg),
	}
}

// Start readies the engine. Runs submitted afterwards are bound to the
// given context and abort when it is cancelled.
func (e *engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)

	return nil
}

// Stop cancels outstanding runs and waits for them to settle.
func (e *engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}

	e.wg.Wait()

	return nil
}

// Submit validates a run request, loads and checksum-verifies the
// promptset, and creates the run in pending before handing it to the
// dispatch loop. Any validation failure creates no record.
func (e *engine) Submit(
	ctx context.Context, req *RunRequest,
) (*registry.Run, error) {
	if e.ctx == nil {
		return nil, errors.New("engine not started")
	}

	concurrency := e.cfg.DefaultConcurrency
	if req.Concurrency != nil {
		concurrency = *req.Concurrency
	}

	switch {
	case req.Promptset == "":
		return nil, fmt.Errorf("%w: promptset is required", ErrInvalidRequest)
	case req.Team == "":
		return nil, fmt.Errorf("%w: team is required", ErrInvalidRequest)
	case concurrency < 1:
		return nil, fmt.Errorf("%w: concurrency must be at least 1",
			ErrInvalidRequest)
	case req.MaxPrompts < 0:
		return nil, fmt.Errorf("%w: max_prompts cannot be negative",
			ErrInvalidRequest)
	case req.TimeoutSeconds < 0:
		return nil, fmt.Errorf("%w: timeout_seconds cannot be negative",
			ErrInvalidRequest)
	}

	if req.ThresholdProfile != "" && !e.scorer.HasProfile(req.ThresholdProfile) {
		return nil, fmt.Errorf("%w: unknown threshold profile %q",
			ErrInvalidRequest, req.ThresholdProfile)
	}

	// The checksum is verified here; a mismatch rejects the request
	// before a single invocation is dispatched.
	ps, err := e.source.Load(ctx, req.Promptset)
	if err != nil {
		return nil, err
	}

	run := &registry.Run{
		RunID:            registry.NewRunID(time.Now()),
		Promptset:        req.Promptset,
		Team:             req.Team,
		Variant:          req.Variant,
		ThresholdProfile: req.ThresholdProfile,
		Concurrency:      concurrency,
		MaxPrompts:       req.MaxPrompts,
		TimeoutSeconds:   req.TimeoutSeconds,
	}

	if err := e.runs.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(e.ctx)
	e.runs.BindCancel(run.RunID, cancel)

	e.wg.Add(1)

	go e.execute(runCtx, cancel, run, ps)

	e.log.WithFields(logrus.Fields{
		"run_id":    run.RunID,
		"promptset": run.Promptset,
		"team":      run.Team,
		"variant":   run.Variant,
		"prompts":   len(ps.Prompts),
	}).Info("Run accepted")

	return run, nil
}

// Test performs one ad-hoc invocation outside any run, with a fresh
// test-<8 hex> correlation id.
func (e *engine) Test(ctx context.Context, req *TestRequest) *Outcome {
	prompt := req.Prompt
	if prompt == "" {
		prompt = defaultTestPrompt
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultTestMaxTokens
	}

	outcome := e.target.Invoke(ctx, &InvokeRequest{
		CorrelationID: newTestCorrelationID(),
		Team:          req.Team,
		Variant:       req.Variant,
		Prompt:        prompt,
		MaxTokens:     maxTokens,
	})

	e.metrics.ObserveRequest(req.Team, req.Variant, outcome.Status,
		outcome.LatencyMS/1000)

	return outcome
}

// execute drives one run to settlement. From here on it owns every write
// to the run row.
func (e *engine) execute(
	ctx context.Context,
	cancel context.CancelFunc,
	run *registry.Run,
	ps *promptset.Promptset,
) {
	defer e.wg.Done()
	defer e.runs.ReleaseCancel(run.RunID)
	defer cancel()

	// Run record writes use a background context: a cancel that lands
	// before dispatch begins must still leave a settled run behind.
	if err := e.runs.StartRun(context.Background(), run.RunID); err != nil {
		e.log.WithError(err).WithField("run_id", run.RunID).
			Error("Could not start run")

		return
	}

	e.metrics.RunStarted()

	prompts := ps.Prompts
	if run.MaxPrompts > 0 && run.MaxPrompts < len(prompts) {
		prompts = prompts[:run.MaxPrompts]
	}

	summary, err := e.dispatch(ctx, run, prompts)
	if err != nil {
		// Orchestration failure: the only path that fails a whole run.
		if ferr := e.runs.FinishRun(context.Background(), run.RunID,
			registry.StatusFailed, err.Error(), nil); ferr != nil {
			e.log.WithError(ferr).WithField("run_id", run.RunID).
				Error("Could not settle failed run")
		}

		e.metrics.RunSettled(registry.StatusFailed)

		return
	}

	// Cancelled runs settle as completed with whatever settled before
	// the signal; cancellation is not a terminal status of its own.
	if err := e.runs.FinishRun(context.Background(), run.RunID,
		registry.StatusCompleted, "", summary); err != nil {
		e.log.WithError(err).WithField("run_id", run.RunID).
			Error("Could not settle run")
	}

	e.metrics.RunSettled(registry.StatusCompleted)

	e.log.WithFields(logrus.Fields{
		"run_id":    run.RunID,
		"total":     summary.Total,
		"passed":    summary.Passed,
		"failed":    summary.Failed,
		"cancelled": ctx.Err() != nil,
	}).Info("Run settled")
}

// dispatch fans the prompts out over a fixed-size worker pool and folds
// every settled outcome exactly once through the collector goroutine,
// the single writer of the run's totals.
func (e *engine) dispatch(
	ctx context.Context, run *registry.Run, prompts []promptset.Prompt,
) (summary *registry.Progress, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch panic: %v", r)
		}
	}()

	builder := newSummaryBuilder(e.cfg.MaxErrors)
	outcomes := make(chan *Outcome)
	collectorDone := make(chan struct{})

	var collectErr error

	go func() {
		defer close(collectorDone)
		defer func() {
			if r := recover(); r != nil {
				collectErr = fmt.Errorf("aggregation panic: %v", r)

				// Drain so workers never block on a dead collector.
				for range outcomes {
					continue
				}
			}
		}()

		for o := range outcomes {
			builder.add(o)
			e.metrics.ObserveVerdict(run.Team, run.Variant, o.Passed())

			if perr := e.runs.UpdateProgress(
				context.Background(), run.RunID, builder.snapshot(),
			); perr != nil {
				e.log.WithError(perr).WithField("run_id", run.RunID).
					Warn("Could not publish run progress")
			}
		}
	}()

	pool := new(errgroup.Group)
	pool.SetLimit(run.Concurrency)

	for i := range prompts {
		// Cancellation is observed before each submission; no new work
		// starts after the signal.
		if ctx.Err() != nil {
			break
		}

		prompt := &prompts[i]

		pool.Go(func() error {
			outcome := e.invokePrompt(ctx, run, prompt)

			// Outcomes aborted by cancellation are dropped: the totals
			// reflect only invocations settled before the signal.
			if ctx.Err() != nil {
				return nil
			}

			outcomes <- outcome

			return nil
		})
	}

	_ = pool.Wait()
	close(outcomes)
	<-collectorDone

	if collectErr != nil {
		return nil, collectErr
	}

	return builder.snapshot(), nil
}

// invokePrompt executes one prompt end to end: target call, content
// validation, optional scoring.
func (e *engine) invokePrompt(
	ctx context.Context, run *registry.Run, prompt *promptset.Prompt,
) *Outcome {
	maxTokens := prompt.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	var timeout time.Duration
	if run.TimeoutSeconds > 0 {
		timeout = time.Duration(run.TimeoutSeconds) * time.Second
	}

	outcome := e.target.Invoke(ctx, &InvokeRequest{
		CorrelationID: uuid.NewString(),
		Team:          run.Team,
		Variant:       run.Variant,
		Prompt:        prompt.Prompt,
		MaxTokens:     maxTokens,
		Timeout:       timeout,
	})

	outcome.PromptID = prompt.PromptID
	outcome.Category = prompt.Category

	e.metrics.ObserveRequest(run.Team, run.Variant, outcome.Status,
		outcome.LatencyMS/1000)

	if outcome.Status != OutcomeSuccess {
		return outcome
	}

	outcome.Validated = validateOutput(prompt, outcome.rawOutput)

	if run.ThresholdProfile != "" {
		score, err := e.scorer.Score(ctx, &scoring.Request{
			Prompt:           prompt.Prompt,
			Response:         outcome.rawOutput,
			ThresholdProfile: run.ThresholdProfile,
		})
		if err != nil {
			// Scoring never fails an invocation; it degrades to
			// unscored and the pass rule falls back to transport
			// success plus content validation.
			e.metrics.ScoringFailure()
			e.log.WithError(err).WithFields(logrus.Fields{
				"run_id":    run.RunID,
				"prompt_id": prompt.PromptID,
			}).Warn("Scoring degraded to unscored")
		} else {
			outcome.Score = score
		}
	}

	return outcome
}
