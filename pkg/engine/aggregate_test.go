package engine

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferencelab/harness/pkg/scoring"
)

func boolPtr(v bool) *bool { return &v }

// mixedOutcomes builds a multiset with successes, errors, timeouts,
// categories, validation verdicts, and scores.
func mixedOutcomes() []*Outcome {
	return []*Outcome{
		{PromptID: "p-001", Category: "math", Status: OutcomeSuccess,
			LatencyMS: 100, OutputTokens: 20},
		{PromptID: "p-002", Category: "math", Status: OutcomeSuccess,
			LatencyMS: 200, OutputTokens: 40},
		{PromptID: "p-003", Category: "code", Status: OutcomeSuccess,
			LatencyMS: 150, OutputTokens: 30, Validated: boolPtr(false)},
		{PromptID: "p-004", Category: "code", Status: OutcomeError,
			LatencyMS: 50, Error: "HTTP 500: upstream overloaded"},
		{PromptID: "p-005", Status: OutcomeTimeout,
			LatencyMS: 30000, Error: "timeout after 30s"},
		{PromptID: "p-006", Category: "reasoning", Status: OutcomeSuccess,
			LatencyMS: 300, OutputTokens: 60,
			Score: &scoring.Result{PassThreshold: false}},
		{PromptID: "p-007", Category: "reasoning", Status: OutcomeSuccess,
			LatencyMS: 250, OutputTokens: 50,
			Score: &scoring.Result{PassThreshold: true}},
	}
}

func TestSummaryBuilder_Fold(t *testing.T) {
	t.Parallel()

	b := newSummaryBuilder(50)
	for _, o := range mixedOutcomes() {
		b.add(o)
	}

	p := b.snapshot()

	assert.Equal(t, 7, p.Total)
	assert.Equal(t, 3, p.Passed, "validation and score failures count as failed")
	assert.Equal(t, 4, p.Failed)
	assert.Equal(t, p.Total, p.Passed+p.Failed)
	assert.InDelta(t, 3.0/7.0, p.PassRate, 1e-9)

	// Latency stats cover the five transport successes only; the
	// timeout's 30000ms must not drag the average.
	assert.InDelta(t, 200.0, p.AvgLatencyMS, 1e-9)
	assert.InDelta(t, 200.0, p.P50LatencyMS, 1e-9)
	assert.InDelta(t, 300.0, p.P95LatencyMS, 1e-9)
	assert.InDelta(t, 300.0, p.P99LatencyMS, 1e-9)
	assert.Greater(t, p.AvgTokensPerSecond, 0.0)

	require.Len(t, p.Categories, 3)
	assert.Equal(t, 2, p.Categories["math"].Total)
	assert.Equal(t, 2, p.Categories["math"].Passed)
	assert.Equal(t, 2, p.Categories["code"].Total)
	assert.Equal(t, 0, p.Categories["code"].Passed)
	assert.Equal(t, 2, p.Categories["reasoning"].Total)
	assert.Equal(t, 1, p.Categories["reasoning"].Passed)

	require.Len(t, p.Errors, 2)
	assert.Equal(t, "p-004: HTTP 500: upstream overloaded", p.Errors[0])
	assert.Equal(t, "p-005: timeout after 30s", p.Errors[1])
}

func TestSummaryBuilder_OrderIndependent(t *testing.T) {
	t.Parallel()

	outcomes := mixedOutcomes()

	baseline := newSummaryBuilder(50)
	for _, o := range outcomes {
		baseline.add(o)
	}

	want := baseline.snapshot()

	for seed := int64(1); seed <= 5; seed++ {
		shuffled := append([]*Outcome(nil), outcomes...)
		rng := rand.New(rand.NewSource(seed))
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		b := newSummaryBuilder(50)
		for _, o := range shuffled {
			b.add(o)
		}

		assert.Equal(t, want, b.snapshot(), "seed %d", seed)
	}
}

func TestSummaryBuilder_EmptyRun(t *testing.T) {
	t.Parallel()

	p := newSummaryBuilder(50).snapshot()

	assert.Equal(t, 0, p.Total)
	assert.Equal(t, 0.0, p.PassRate, "pass rate is 0, not NaN, for empty runs")
	assert.Equal(t, 0.0, p.AvgLatencyMS)
	assert.Nil(t, p.Categories)
	assert.Nil(t, p.Errors)
}

func TestSummaryBuilder_PassRateBounds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		statuses []string
	}{
		{"all pass", []string{OutcomeSuccess, OutcomeSuccess}},
		{"all fail", []string{OutcomeError, OutcomeTimeout}},
		{"mixed", []string{OutcomeSuccess, OutcomeError, OutcomeSuccess}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			b := newSummaryBuilder(50)
			for i, status := range tt.statuses {
				b.add(&Outcome{
					PromptID:  fmt.Sprintf("p-%03d", i),
					Status:    status,
					LatencyMS: 10,
				})
			}

			p := b.snapshot()
			assert.GreaterOrEqual(t, p.PassRate, 0.0)
			assert.LessOrEqual(t, p.PassRate, 1.0)
			assert.Equal(t, p.Total, p.Passed+p.Failed)
		})
	}
}

func TestSummaryBuilder_ErrorCap(t *testing.T) {
	t.Parallel()

	b := newSummaryBuilder(50)
	for i := range 60 {
		b.add(&Outcome{
			PromptID: fmt.Sprintf("p-%03d", i),
			Status:   OutcomeError,
			Error:    "HTTP 503: overloaded",
		})
	}

	p := b.snapshot()

	// 50 entries plus the single suppression marker.
	require.Len(t, p.Errors, 51)
	assert.Equal(t, "10 additional errors suppressed", p.Errors[50])

	for _, entry := range p.Errors[:50] {
		assert.Contains(t, entry, "HTTP 503")
	}
}

func TestSummaryBuilder_ErrorsUnderCapHaveNoMarker(t *testing.T) {
	t.Parallel()

	b := newSummaryBuilder(50)
	for i := range 3 {
		b.add(&Outcome{
			PromptID: fmt.Sprintf("p-%03d", i),
			Status:   OutcomeTimeout,
			Error:    "timeout after 30s",
		})
	}

	p := b.snapshot()

	require.Len(t, p.Errors, 3)
	for _, entry := range p.Errors {
		assert.NotContains(t, entry, "suppressed")
	}
}

func TestSummaryBuilder_NoCategoriesYieldsNoBreakdown(t *testing.T) {
	t.Parallel()

	b := newSummaryBuilder(50)
	b.add(&Outcome{PromptID: "p-001", Status: OutcomeSuccess, LatencyMS: 10})

	assert.Nil(t, b.snapshot().Categories)
}

func TestOutcome_Passed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		outcome Outcome
		want    bool
	}{
		{"plain success", Outcome{Status: OutcomeSuccess}, true},
		{"transport error", Outcome{Status: OutcomeError}, false},
		{"timeout", Outcome{Status: OutcomeTimeout}, false},
		{
			"success with validation pass",
			Outcome{Status: OutcomeSuccess, Validated: boolPtr(true)},
			true,
		},
		{
			"success with validation failure",
			Outcome{Status: OutcomeSuccess, Validated: boolPtr(false)},
			false,
		},
		{
			"success with passing score",
			Outcome{Status: OutcomeSuccess,
				Score: &scoring.Result{PassThreshold: true}},
			true,
		},
		{
			"success with failing score",
			Outcome{Status: OutcomeSuccess,
				Score: &scoring.Result{PassThreshold: false}},
			false,
		},
		{
			"unscored success falls back to transport",
			Outcome{Status: OutcomeSuccess, Score: nil},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, tt.outcome.Passed())
		})
	}
}

func TestPercentile(t *testing.T) {
	t.Parallel()

	sorted := []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}

	assert.Equal(t, 50.0, percentile(sorted, 50))
	assert.Equal(t, 100.0, percentile(sorted, 95))
	assert.Equal(t, 100.0, percentile(sorted, 99))
	assert.Equal(t, 10.0, percentile(sorted, 1))
	assert.Equal(t, 0.0, percentile(nil, 50))

	single := []float64{42}
	assert.Equal(t, 42.0, percentile(single, 50))
	assert.Equal(t, 42.0, percentile(single, 99))
}
