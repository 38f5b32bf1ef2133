package scoring_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferencelab/harness/pkg/config"
	"github.com/inferencelab/harness/pkg/scoring"
)

// newJudge spins up a fake judge endpoint returning the given verdict.
func newJudge(t *testing.T, verdict map[string]any) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

			var req struct {
				Prompt   string `json:"prompt"`
				Response string `json:"response"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.NotEmpty(t, req.Prompt)

			w.Header().Set("Content-Type", "application/json")
			require.NoError(t, json.NewEncoder(w).Encode(verdict))
		}))

	t.Cleanup(server.Close)

	return server
}

func newScorer(t *testing.T, judgeURL string) scoring.Scorer {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return scoring.New(log, &config.ScoringConfig{
		JudgeURL: judgeURL,
		Timeout:  "5s",
		Profiles: config.DefaultProfiles(),
	})
}

func TestScorer_Thresholds(t *testing.T) {
	tests := []struct {
		name     string
		profile  string
		verdict  map[string]any
		wantPass bool
	}{
		{
			name:    "clears daily gate",
			profile: "daily-gate-v1",
			verdict: map[string]any{
				"coherence": 0.9, "helpfulness": 0.8,
				"factuality": 0.7, "toxicity": 0.02,
			},
			wantPass: true,
		},
		{
			name:    "boundary scores pass",
			profile: "daily-gate-v1",
			verdict: map[string]any{
				"coherence": 0.7, "helpfulness": 0.7,
				"factuality": 0.6, "toxicity": 0.1,
			},
			wantPass: true,
		},
		{
			name:    "low factuality fails",
			profile: "daily-gate-v1",
			verdict: map[string]any{
				"coherence": 0.9, "helpfulness": 0.9,
				"factuality": 0.5, "toxicity": 0.0,
			},
			wantPass: false,
		},
		{
			name:    "toxicity above ceiling fails",
			profile: "daily-gate-v1",
			verdict: map[string]any{
				"coherence": 0.9, "helpfulness": 0.9,
				"factuality": 0.9, "toxicity": 0.2,
			},
			wantPass: false,
		},
		{
			name:    "daily gate scores fail strict profile",
			profile: "strict-v1",
			verdict: map[string]any{
				"coherence": 0.8, "helpfulness": 0.8,
				"factuality": 0.7, "toxicity": 0.04,
			},
			wantPass: false,
		},
		{
			name:    "strict profile clears at its boundaries",
			profile: "strict-v1",
			verdict: map[string]any{
				"coherence": 0.85, "helpfulness": 0.85,
				"factuality": 0.8, "toxicity": 0.05,
			},
			wantPass: true,
		},
		{
			name:    "unknown profile falls back to daily gate",
			profile: "nope-v9",
			verdict: map[string]any{
				"coherence": 0.75, "helpfulness": 0.75,
				"factuality": 0.65, "toxicity": 0.05,
			},
			wantPass: true,
		},
		{
			name:    "empty profile uses default",
			profile: "",
			verdict: map[string]any{
				"coherence": 0.75, "helpfulness": 0.75,
				"factuality": 0.65, "toxicity": 0.05,
			},
			wantPass: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			judge := newJudge(t, tt.verdict)
			s := newScorer(t, judge.URL)

			result, err := s.Score(context.Background(), &scoring.Request{
				Prompt:           "What is 2 + 2?",
				Response:         "4",
				ThresholdProfile: tt.profile,
			})
			require.NoError(t, err)

			assert.Equal(t, tt.wantPass, result.PassThreshold)
		})
	}
}

func TestScorer_ResultFields(t *testing.T) {
	judge := newJudge(t, map[string]any{
		"coherence": 0.91, "helpfulness": 0.82,
		"factuality": 0.73, "toxicity": 0.01,
		"reasoning": "clear and correct",
	})
	s := newScorer(t, judge.URL)

	result, err := s.Score(context.Background(), &scoring.Request{
		Prompt:   "What is 2 + 2?",
		Response: "4",
	})
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^eval-\d{5}$`), result.EvalID)
	assert.InDelta(t, 0.91, result.Coherence, 1e-9)
	assert.InDelta(t, 0.82, result.Helpfulness, 1e-9)
	assert.InDelta(t, 0.73, result.Factuality, 1e-9)
	assert.InDelta(t, 0.01, result.Toxicity, 1e-9)
	assert.Equal(t, "clear and correct", result.Reasoning)

	// The eval id is a stable function of the scored pair.
	again, err := s.Score(context.Background(), &scoring.Request{
		Prompt:   "What is 2 + 2?",
		Response: "4",
	})
	require.NoError(t, err)
	assert.Equal(t, result.EvalID, again.EvalID)

	other, err := s.Score(context.Background(), &scoring.Request{
		Prompt:   "What is 3 + 3?",
		Response: "6",
	})
	require.NoError(t, err)
	assert.NotEqual(t, result.EvalID, other.EvalID)
}

func TestScorer_MissingDimensions(t *testing.T) {
	// A judge that only scores coherence: the absent dimensions are
	// recorded as 0.5 and the threshold check fails.
	judge := newJudge(t, map[string]any{"coherence": 0.95})
	s := newScorer(t, judge.URL)

	result, err := s.Score(context.Background(), &scoring.Request{
		Prompt:   "What is 2 + 2?",
		Response: "4",
	})
	require.NoError(t, err)

	assert.InDelta(t, 0.95, result.Coherence, 1e-9)
	assert.InDelta(t, 0.5, result.Helpfulness, 1e-9)
	assert.InDelta(t, 0.5, result.Factuality, 1e-9)
	assert.InDelta(t, 0.5, result.Toxicity, 1e-9)
	assert.False(t, result.PassThreshold)
}

func TestScorer_HasProfile(t *testing.T) {
	s := newScorer(t, "http://judge")

	assert.True(t, s.HasProfile("daily-gate-v1"))
	assert.True(t, s.HasProfile("strict-v1"))
	assert.False(t, s.HasProfile("nope-v9"))
}

func TestScorer_JudgeFailures(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		s := newScorer(t, "")

		assert.False(t, s.Configured())

		_, err := s.Score(context.Background(), &scoring.Request{
			Prompt: "p", Response: "r",
		})
		require.ErrorIs(t, err, scoring.ErrNotConfigured)
	})

	t.Run("judge returns 500", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(
			func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			}))
		t.Cleanup(server.Close)

		s := newScorer(t, server.URL)

		_, err := s.Score(context.Background(), &scoring.Request{
			Prompt: "p", Response: "r",
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "HTTP 500")
	})

	t.Run("judge unreachable", func(t *testing.T) {
		// Grab a port that is guaranteed closed.
		server := httptest.NewServer(http.HandlerFunc(
			func(_ http.ResponseWriter, _ *http.Request) {}))
		url := server.URL
		server.Close()

		s := newScorer(t, url)

		_, err := s.Score(context.Background(), &scoring.Request{
			Prompt: "p", Response: "r",
		})
		require.Error(t, err)
	})

	t.Run("judge returns garbage", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(
			func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte("not json"))
			}))
		t.Cleanup(server.Close)

		s := newScorer(t, server.URL)

		_, err := s.Score(context.Background(), &scoring.Request{
			Prompt: "p", Response: "r",
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "decoding judge response")
	})
}
