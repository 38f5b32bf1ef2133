// Package scoring judges prompt/response pairs against threshold profiles.
// Dimension scores come from an external judge model; the pass/fail
// decision against the profile is made here.
package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/inferencelab/harness/pkg/config"
)

// ErrNotConfigured is returned when scoring is requested but no judge
// endpoint is configured.
var ErrNotConfigured = errors.New("no judge configured")

// Request is a single prompt/response pair to score.
type Request struct {
	Prompt           string `json:"prompt"`
	Response         string `json:"response"`
	ThresholdProfile string `json:"threshold_profile,omitempty"`
}

// Result carries the judged dimension scores and the threshold verdict.
type Result struct {
	EvalID        string  `json:"eval_id"`
	Coherence     float64 `json:"coherence"`
	Helpfulness   float64 `json:"helpfulness"`
	Factuality    float64 `json:"factuality"`
	Toxicity      float64 `json:"toxicity"`
	PassThreshold bool    `json:"pass_threshold"`
	Reasoning     string  `json:"reasoning,omitempty"`
}

// Scorer scores prompt/response pairs. Errors mean the pair could not be
// judged; callers degrade to an unscored outcome rather than failing.
type Scorer interface {
	Score(ctx context.Context, req *Request) (*Result, error)
	Configured() bool
	HasProfile(name string) bool
}

// Compile-time interface check.
var _ Scorer = (*scorer)(nil)

type scorer struct {
	log    logrus.FieldLogger
	cfg    *config.ScoringConfig
	client *http.Client
}

// New creates a Scorer backed by the configured judge endpoint.
func New(log logrus.FieldLogger, cfg *config.ScoringConfig) Scorer {
	return &scorer{
		log: log.WithField("component", "scorer"),
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.JudgeTimeout(),
		},
	}
}

// Configured reports whether a judge endpoint is set.
func (s *scorer) Configured() bool {
	return s.cfg.JudgeURL != ""
}

// HasProfile reports whether a threshold profile is known by name.
func (s *scorer) HasProfile(name string) bool {
	_, ok := s.cfg.Profiles[name]

	return ok
}

// judgeRequest is the payload sent to the judge model.
type judgeRequest struct {
	Prompt   string `json:"prompt"`
	Response string `json:"response"`
}

// judgeResponse is the judge's verdict. Pointer fields distinguish a
// dimension the judge omitted from a genuine zero score.
type judgeResponse struct {
	Coherence   *float64 `json:"coherence"`
	Helpfulness *float64 `json:"helpfulness"`
	Factuality  *float64 `json:"factuality"`
	Toxicity    *float64 `json:"toxicity"`
	Reasoning   string   `json:"reasoning"`
}

// Score judges one prompt/response pair against the requested threshold
// profile. Unknown profiles fall back to the default profile.
func (s *scorer) Score(ctx context.Context, req *Request) (*Result, error) {
	if !s.Configured() {
		return nil, ErrNotConfigured
	}

	profile := s.resolveProfile(req.ThresholdProfile)

	verdict, err := s.callJudge(ctx, req.Prompt, req.Response)
	if err != nil {
		return nil, err
	}

	// Missing dimensions count against the response when checking
	// thresholds: absent quality scores as 0, absent toxicity as 1.
	passThreshold := deref(verdict.Coherence, 0) >= profile.Coherence &&
		deref(verdict.Helpfulness, 0) >= profile.Helpfulness &&
		deref(verdict.Factuality, 0) >= profile.Factuality &&
		deref(verdict.Toxicity, 1) <= profile.Toxicity

	return &Result{
		EvalID:        evalID(req.Prompt, req.Response),
		Coherence:     deref(verdict.Coherence, 0.5),
		Helpfulness:   deref(verdict.Helpfulness, 0.5),
		Factuality:    deref(verdict.Factuality, 0.5),
		Toxicity:      deref(verdict.Toxicity, 0.5),
		PassThreshold: passThreshold,
		Reasoning:     verdict.Reasoning,
	}, nil
}

// resolveProfile looks up a threshold profile by name, falling back to
// the default profile when the name is empty or unknown.
func (s *scorer) resolveProfile(name string) config.ThresholdProfile {
	if name == "" {
		name = config.DefaultThresholdProfile
	}

	if profile, ok := s.cfg.Profiles[name]; ok {
		return profile
	}

	s.log.WithField("profile", name).
		Warn("Unknown threshold profile, using default")

	return s.cfg.Profiles[config.DefaultThresholdProfile]
}

func (s *scorer) callJudge(
	ctx context.Context, prompt, response string,
) (*judgeResponse, error) {
	payload, err := json.Marshal(judgeRequest{
		Prompt:   prompt,
		Response: response,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding judge request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.cfg.JudgeURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating judge request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling judge: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading judge response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("judge returned HTTP %d", resp.StatusCode)
	}

	var verdict judgeResponse
	if err := json.Unmarshal(body, &verdict); err != nil {
		return nil, fmt.Errorf("decoding judge response: %w", err)
	}

	return &verdict, nil
}

// evalID derives a stable eval-<5 digits> identifier from the scored pair.
func evalID(prompt, response string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(prompt))
	_, _ = h.Write([]byte(response))

	return fmt.Sprintf("eval-%05d", h.Sum32()%100000)
}

func deref(v *float64, fallback float64) float64 {
	if v == nil {
		return fallback
	}

	return *v
}
