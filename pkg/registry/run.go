package registry

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Run statuses. A run moves pending -> running -> completed|failed and
// never leaves a terminal status.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Run is a single harness run as persisted in the registry database.
type Run struct {
	ID     uint   `gorm:"primaryKey"`
	RunID  string `gorm:"not null;uniqueIndex"`
	Status string `gorm:"index"`

	// Request parameters captured at submission.
	Promptset        string
	Team             string
	Variant          string
	ThresholdProfile string
	Concurrency      int
	MaxPrompts       int
	TimeoutSeconds   int

	// Aggregate totals, overwritten as the run progresses.
	Total    int
	Passed   int
	Failed   int
	PassRate float64

	AvgLatencyMS       float64
	P50LatencyMS       float64
	P95LatencyMS       float64
	P99LatencyMS       float64
	AvgTokensPerSecond float64

	// Aggregate detail serialized as JSON.
	CategoriesJSON string `gorm:"type:text"`
	ErrorsJSON     string `gorm:"type:text"`

	CancelRequested bool
	Error           string

	StartedAt   time.Time
	CompletedAt *time.Time
}

// IsTerminal reports whether the run has settled.
func (r *Run) IsTerminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed
}

// CategoryStat holds per-category totals within a run.
type CategoryStat struct {
	Total  int `json:"total"`
	Passed int `json:"passed"`
}

// Progress is an aggregate snapshot handed to the registry by the run
// engine. It overwrites the run's totals wholesale.
type Progress struct {
	Total    int
	Passed   int
	Failed   int
	PassRate float64

	AvgLatencyMS       float64
	P50LatencyMS       float64
	P95LatencyMS       float64
	P99LatencyMS       float64
	AvgTokensPerSecond float64

	Categories map[string]CategoryStat
	Errors     []string
}

// Snapshot is the JSON-facing view of a run.
type Snapshot struct {
	RunID            string `json:"run_id"`
	Status           string `json:"status"`
	Promptset        string `json:"promptset"`
	Team             string `json:"team"`
	Variant          string `json:"variant,omitempty"`
	ThresholdProfile string `json:"threshold_profile,omitempty"`
	Concurrency      int    `json:"concurrency"`
	MaxPrompts       int    `json:"max_prompts,omitempty"`

	Total    int     `json:"total"`
	Passed   int     `json:"passed"`
	Failed   int     `json:"failed"`
	PassRate float64 `json:"pass_rate"`

	AvgLatencyMS       float64 `json:"avg_latency_ms"`
	P50LatencyMS       float64 `json:"p50_latency_ms"`
	P95LatencyMS       float64 `json:"p95_latency_ms"`
	P99LatencyMS       float64 `json:"p99_latency_ms"`
	AvgTokensPerSecond float64 `json:"avg_tokens_per_second"`

	CategoryBreakdown map[string]CategoryStat `json:"category_breakdown,omitempty"`
	Errors            []string                `json:"errors,omitempty"`

	CancelRequested bool   `json:"cancel_requested,omitempty"`
	Error           string `json:"error,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Snapshot materializes the JSON text columns back into structured form.
// Corrupt columns are surfaced as absent detail rather than an error.
func (r *Run) Snapshot() *Snapshot {
	s := &Snapshot{
		RunID:            r.RunID,
		Status:           r.Status,
		Promptset:        r.Promptset,
		Team:             r.Team,
		Variant:          r.Variant,
		ThresholdProfile: r.ThresholdProfile,
		Concurrency:      r.Concurrency,
		MaxPrompts:       r.MaxPrompts,

		Total:    r.Total,
		Passed:   r.Passed,
		Failed:   r.Failed,
		PassRate: r.PassRate,

		AvgLatencyMS:       r.AvgLatencyMS,
		P50LatencyMS:       r.P50LatencyMS,
		P95LatencyMS:       r.P95LatencyMS,
		P99LatencyMS:       r.P99LatencyMS,
		AvgTokensPerSecond: r.AvgTokensPerSecond,

		CancelRequested: r.CancelRequested,
		Error:           r.Error,

		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
	}

	if r.CategoriesJSON != "" {
		var categories map[string]CategoryStat
		if json.Unmarshal([]byte(r.CategoriesJSON), &categories) == nil {
			s.CategoryBreakdown = categories
		}
	}

	if r.ErrorsJSON != "" {
		var errs []string
		if json.Unmarshal([]byte(r.ErrorsJSON), &errs) == nil {
			s.Errors = errs
		}
	}

	return s
}

// NewRunID generates a run identifier of the form
// run-YYYYMMDD-HHMMSS-<6 hex>.
func NewRunID(now time.Time) string {
	return fmt.Sprintf("run-%s-%s",
		now.UTC().Format("20060102-150405"), shortHex(3))
}

// shortHex generates n random bytes hex-encoded (2n characters).
func shortHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// Fallback to timestamp-based suffix if crypto/rand fails.
		return fmt.Sprintf("%0*x", n*2, time.Now().UnixNano()&(1<<(n*8)-1))
	}

	return hex.EncodeToString(b)
}
