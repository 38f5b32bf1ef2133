package runner

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/inferencelab/harness/pkg/registry"
)

// PrintSummary writes the human-readable run summary lines to w.
func PrintSummary(w io.Writer, snap *registry.Snapshot) {
	fmt.Fprintf(w, "Run ID: %s\n", snap.RunID)
	fmt.Fprintf(w, "Total: %d, Passed: %d, Failed: %d\n",
		snap.Total, snap.Passed, snap.Failed)
	fmt.Fprintf(w, "Pass Rate: %.1f%%\n", snap.PassRate*100)
	fmt.Fprintf(w, "Avg Latency: %.1fms\n", snap.AvgLatencyMS)
}

// WriteResult writes the full run snapshot to path as indented JSON.
func WriteResult(path string, snap *registry.Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing result file: %w", err)
	}

	return nil
}

// WriteReport renders the run as a markdown report and writes it to path.
func WriteReport(path string, snap *registry.Snapshot) error {
	md := GenerateMarkdown(snap)

	if err := os.WriteFile(path, []byte(md), 0644); err != nil {
		return fmt.Errorf("writing report file: %w", err)
	}

	return nil
}

// GenerateMarkdown renders a markdown summary of a settled run.
func GenerateMarkdown(snap *registry.Snapshot) string {
	var sb strings.Builder

	sb.Grow(2048)

	writeTitle(&sb, snap)
	writeOverview(&sb, snap)
	writeResults(&sb, snap)
	writeLatency(&sb, snap)
	writeCategories(&sb, snap)
	writeErrors(&sb, snap)

	return sb.String()
}

func writeTitle(sb *strings.Builder, snap *registry.Snapshot) {
	fmt.Fprintf(sb, "# Harness Run: %s\n\n", snap.RunID)
}

func writeOverview(sb *strings.Builder, snap *registry.Snapshot) {
	sb.WriteString("## Overview\n\n")
	sb.WriteString("| Field | Value |\n")
	sb.WriteString("|---|---|\n")

	fmt.Fprintf(sb, "| Status | %s |\n", snap.Status)

	if snap.CancelRequested {
		sb.WriteString("| Cancelled | yes |\n")
	}

	if snap.Error != "" {
		fmt.Fprintf(sb, "| Error | %s |\n", snap.Error)
	}

	fmt.Fprintf(sb, "| Promptset | %s |\n", snap.Promptset)
	fmt.Fprintf(sb, "| Team | %s |\n", snap.Team)

	if snap.Variant != "" {
		fmt.Fprintf(sb, "| Variant | %s |\n", snap.Variant)
	}

	if snap.ThresholdProfile != "" {
		fmt.Fprintf(sb, "| Threshold Profile | %s |\n",
			snap.ThresholdProfile)
	}

	fmt.Fprintf(sb, "| Concurrency | %d |\n", snap.Concurrency)

	if !snap.StartedAt.IsZero() {
		fmt.Fprintf(sb, "| Started | %s |\n",
			snap.StartedAt.UTC().Format("2006-01-02 15:04:05 UTC"))
	}

	if snap.CompletedAt != nil && !snap.StartedAt.IsZero() {
		fmt.Fprintf(sb, "| Duration | %s |\n",
			formatDuration(snap.CompletedAt.Sub(snap.StartedAt)))
	}

	sb.WriteByte('\n')
}

func writeResults(sb *strings.Builder, snap *registry.Snapshot) {
	sb.WriteString("## Results\n\n")
	sb.WriteString("| Total | Passed | Failed | Pass Rate |\n")
	sb.WriteString("|---|---|---|---|\n")
	fmt.Fprintf(sb, "| %d | %d | %d | %.1f%% |\n\n",
		snap.Total, snap.Passed, snap.Failed, snap.PassRate*100)
}

func writeLatency(sb *strings.Builder, snap *registry.Snapshot) {
	// Latency stats exist only when at least one invocation succeeded.
	if snap.AvgLatencyMS <= 0 {
		return
	}

	sb.WriteString("## Latency\n\n")
	sb.WriteString("| Avg | p50 | p95 | p99 | Tokens/s |\n")
	sb.WriteString("|---|---|---|---|---|\n")
	fmt.Fprintf(sb, "| %.1fms | %.1fms | %.1fms | %.1fms | %s |\n\n",
		snap.AvgLatencyMS,
		snap.P50LatencyMS,
		snap.P95LatencyMS,
		snap.P99LatencyMS,
		formatTokensPerSecond(snap.AvgTokensPerSecond),
	)
}

func writeCategories(sb *strings.Builder, snap *registry.Snapshot) {
	if len(snap.CategoryBreakdown) == 0 {
		return
	}

	names := make([]string, 0, len(snap.CategoryBreakdown))
	for name := range snap.CategoryBreakdown {
		names = append(names, name)
	}

	sort.Strings(names)

	sb.WriteString("## Categories\n\n")
	sb.WriteString("| Category | Total | Passed |\n")
	sb.WriteString("|---|---|---|\n")

	for _, name := range names {
		stat := snap.CategoryBreakdown[name]
		fmt.Fprintf(sb, "| %s | %d | %d |\n", name, stat.Total, stat.Passed)
	}

	sb.WriteByte('\n')
}

func writeErrors(sb *strings.Builder, snap *registry.Snapshot) {
	if len(snap.Errors) == 0 {
		return
	}

	sb.WriteString("## Errors\n\n")

	for _, e := range snap.Errors {
		fmt.Fprintf(sb, "- `%s`\n", e)
	}

	sb.WriteByte('\n')
}

// formatDuration renders a duration as compact h/m/s parts.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

func formatTokensPerSecond(tps float64) string {
	if tps <= 0 {
		return "-"
	}

	return fmt.Sprintf("%.1f", tps)
}
