package runner

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferencelab/harness/pkg/registry"
)

func settledSnapshot() *registry.Snapshot {
	started := time.Date(2025, 6, 11, 12, 0, 0, 0, time.UTC)
	completed := started.Add(12 * time.Second)

	return &registry.Snapshot{
		RunID:            "run-20250611-120000-abc123",
		Status:           registry.StatusCompleted,
		Promptset:        "canary",
		Team:             "quant",
		Variant:          "int8-v2",
		ThresholdProfile: "daily-gate-v1",
		Concurrency:      3,

		Total:    10,
		Passed:   9,
		Failed:   1,
		PassRate: 0.9,

		AvgLatencyMS:       120.0,
		P50LatencyMS:       100.0,
		P95LatencyMS:       250.0,
		P99LatencyMS:       300.0,
		AvgTokensPerSecond: 42.5,

		CategoryBreakdown: map[string]registry.CategoryStat{
			"math":      {Total: 5, Passed: 4},
			"geography": {Total: 5, Passed: 5},
		},
		Errors: []string{"p-007: timeout after 1s"},

		StartedAt:   started,
		CompletedAt: &completed,
	}
}

func TestPrintSummary(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	PrintSummary(&buf, settledSnapshot())

	assert.Equal(t,
		"Run ID: run-20250611-120000-abc123\n"+
			"Total: 10, Passed: 9, Failed: 1\n"+
			"Pass Rate: 90.0%\n"+
			"Avg Latency: 120.0ms\n",
		buf.String())
}

func TestGenerateMarkdown(t *testing.T) {
	t.Parallel()

	t.Run("settled run", func(t *testing.T) {
		md := GenerateMarkdown(settledSnapshot())

		assert.True(t, strings.HasPrefix(md,
			"# Harness Run: run-20250611-120000-abc123\n"))
		assert.Contains(t, md, "| Status | completed |")
		assert.Contains(t, md, "| Promptset | canary |")
		assert.Contains(t, md, "| Variant | int8-v2 |")
		assert.Contains(t, md, "| Threshold Profile | daily-gate-v1 |")
		assert.Contains(t, md, "| Started | 2025-06-11 12:00:00 UTC |")
		assert.Contains(t, md, "| Duration | 12s |")
		assert.Contains(t, md, "| 10 | 9 | 1 | 90.0% |")
		assert.Contains(t, md,
			"| 120.0ms | 100.0ms | 250.0ms | 300.0ms | 42.5 |")
		assert.Contains(t, md, "| geography | 5 | 5 |")
		assert.Contains(t, md, "| math | 5 | 4 |")
		assert.Contains(t, md, "- `p-007: timeout after 1s`")

		// Categories are listed alphabetically.
		assert.Less(t,
			strings.Index(md, "| geography |"),
			strings.Index(md, "| math |"))
	})

	t.Run("failed run omits empty sections", func(t *testing.T) {
		md := GenerateMarkdown(&registry.Snapshot{
			RunID:     "run-20250611-130000-def456",
			Status:    registry.StatusFailed,
			Promptset: "canary",
			Team:      "quant",
			Error:     "dispatch panic: boom",
		})

		assert.Contains(t, md, "| Status | failed |")
		assert.Contains(t, md, "| Error | dispatch panic: boom |")
		assert.NotContains(t, md, "## Latency")
		assert.NotContains(t, md, "## Categories")
		assert.NotContains(t, md, "## Errors")
	})

	t.Run("cancelled run is flagged", func(t *testing.T) {
		snap := settledSnapshot()
		snap.CancelRequested = true

		md := GenerateMarkdown(snap)

		assert.Contains(t, md, "| Cancelled | yes |")
	})
}

func TestWriteArtifacts(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	snap := settledSnapshot()

	resultPath := filepath.Join(dir, "result.json")
	require.NoError(t, WriteResult(resultPath, snap))

	data, err := os.ReadFile(resultPath)
	require.NoError(t, err)

	var decoded registry.Snapshot
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, snap.RunID, decoded.RunID)
	assert.Equal(t, snap.Total, decoded.Total)

	reportPath := filepath.Join(dir, "report.md")
	require.NoError(t, WriteReport(reportPath, snap))

	report, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(report), "# Harness Run:"))
}
