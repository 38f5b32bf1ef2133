package engine

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inferencelab/harness/pkg/config"
	"github.com/inferencelab/harness/pkg/scoring"
)

// Invocation outcome statuses.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
)

// previewLimit caps stored response previews and error bodies.
const previewLimit = 200

// defaultMaxTokens is sent when a prompt carries no token budget.
const defaultMaxTokens = 100

// Outcome is the settled result of one target invocation. Every
// invocation produces exactly one outcome; transport failures settle as
// error or timeout rather than propagating.
type Outcome struct {
	CorrelationID string          `json:"correlation_id"`
	PromptID      string          `json:"prompt_id,omitempty"`
	Category      string          `json:"category,omitempty"`
	Status        string          `json:"status"`
	LatencyMS     float64         `json:"latency_ms"`
	Output        string          `json:"output,omitempty"`
	ModelVersion  string          `json:"model_version,omitempty"`
	OutputTokens  int             `json:"output_tokens,omitempty"`
	Validated     *bool           `json:"validated,omitempty"`
	Score         *scoring.Result `json:"score,omitempty"`
	Error         string          `json:"error,omitempty"`

	// rawOutput keeps the untruncated response for validation and
	// scoring; Output holds the stored preview.
	rawOutput string
}

// Passed reports whether the outcome counts toward the run's pass total:
// transport success, declared content expectations met, and the quality
// threshold cleared when a score is present.
func (o *Outcome) Passed() bool {
	if o.Status != OutcomeSuccess {
		return false
	}

	if o.Validated != nil && !*o.Validated {
		return false
	}

	if o.Score != nil && !o.Score.PassThreshold {
		return false
	}

	return true
}

// InvokeRequest describes one prompt invocation against the target.
type InvokeRequest struct {
	CorrelationID string
	Team          string
	Variant       string
	Prompt        string
	MaxTokens     int

	// Timeout overrides the client default when positive.
	Timeout time.Duration
}

// predictRequest is the target gateway's invocation payload.
type predictRequest struct {
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens"`
}

// predictResponse is the target gateway's reply.
type predictResponse struct {
	Output        string  `json:"output"`
	ModelVersion  string  `json:"model_version"`
	LatencyMS     float64 `json:"latency_ms"`
	CorrelationID string  `json:"correlation_id"`
}

// Client invokes prompts against the target gateway's predict endpoint.
// Requests are routed by the X-Target-Team and X-Model-Variant headers
// and traced end to end via X-Correlation-ID.
type Client struct {
	log     logrus.FieldLogger
	baseURL string
	timeout time.Duration
	backoff time.Duration
	http    *http.Client
}

// NewClient creates a target gateway client from the engine config.
func NewClient(log logrus.FieldLogger, cfg *config.EngineConfig) *Client {
	return &Client{
		log:     log.WithField("component", "target-client"),
		baseURL: strings.TrimRight(cfg.GatewayURL, "/"),
		timeout: cfg.InvocationTimeout(),
		backoff: cfg.RetryBackoffDuration(),
		http:    &http.Client{},
	}
}

// Invoke sends one prompt to the target and always returns a settled
// outcome. Network-level failures (connection refused or reset, DNS) are
// retried exactly once after a fixed backoff; HTTP error responses and
// timeouts are never retried.
func (c *Client) Invoke(ctx context.Context, req *InvokeRequest) *Outcome {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}

	outcome := &Outcome{
		CorrelationID: req.CorrelationID,
	}

	start := time.Now()

	status, body, err := c.attempt(ctx, req, timeout)
	if err != nil && retryable(ctx, err) {
		c.log.WithError(err).
			WithField("correlation_id", req.CorrelationID).
			Debug("Retrying after network failure")

		select {
		case <-time.After(c.backoff):
			status, body, err = c.attempt(ctx, req, timeout)
		case <-ctx.Done():
			err = ctx.Err()
		}
	}

	outcome.LatencyMS = round1(time.Since(start).Seconds() * 1000)

	switch {
	case err == nil && status == http.StatusOK:
		c.settleSuccess(outcome, body)
	case err == nil:
		outcome.Status = OutcomeError
		outcome.Error = fmt.Sprintf("HTTP %d: %s",
			status, truncate(string(body), previewLimit))
	case isTimeout(err):
		// A timed-out call consumed its full budget; the deadline is
		// recorded as the latency.
		outcome.Status = OutcomeTimeout
		outcome.LatencyMS = round1(timeout.Seconds() * 1000)
		outcome.Error = fmt.Sprintf("timeout after %s", timeout)
	default:
		outcome.Status = OutcomeError
		outcome.Error = truncate(err.Error(), previewLimit)
	}

	return outcome
}

func (c *Client) settleSuccess(outcome *Outcome, body []byte) {
	var reply predictResponse
	if err := json.Unmarshal(body, &reply); err != nil {
		outcome.Status = OutcomeError
		outcome.Error = fmt.Sprintf("malformed response: %v", err)

		return
	}

	outcome.Status = OutcomeSuccess
	outcome.ModelVersion = reply.ModelVersion
	outcome.rawOutput = reply.Output
	outcome.Output = truncate(reply.Output, previewLimit)
	outcome.OutputTokens = len(strings.Fields(reply.Output))
}

// attempt performs a single predict call bounded by the given deadline.
func (c *Client) attempt(
	ctx context.Context, req *InvokeRequest, timeout time.Duration,
) (int, []byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := json.Marshal(predictRequest{
		Prompt:    req.Prompt,
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		return 0, nil, fmt.Errorf("encoding predict request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost,
		c.baseURL+"/predict", bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("creating predict request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Correlation-ID", req.CorrelationID)
	httpReq.Header.Set("X-Target-Team", req.Team)

	if req.Variant != "" {
		httpReq.Header.Set("X-Model-Variant", req.Variant)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}

	return resp.StatusCode, body, nil
}

// retryable reports whether err is a network-level failure worth the
// single retry. Timeouts already consumed the full budget and HTTP-level
// errors settled normally, so neither is retried; a cancelled context
// stops everything.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}

	var uerr *url.Error
	if !errors.As(err, &uerr) {
		return false
	}

	return !uerr.Timeout()
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var uerr *url.Error

	return errors.As(err, &uerr) && uerr.Timeout()
}

// newTestCorrelationID generates the test-<8 hex> id used by ad-hoc
// invocations outside a run.
func newTestCorrelationID() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		// Fallback to timestamp-based ID if crypto/rand fails.
		return fmt.Sprintf("test-%08x", time.Now().UnixNano()&0xFFFFFFFF)
	}

	return "test-" + hex.EncodeToString(b)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}

	return s[:limit]
}
