package engine

import (
	"fmt"
	"math"
	"sort"

	"github.com/inferencelab/harness/pkg/registry"
)

// summaryBuilder folds invocation outcomes into run totals. The fold is
// commutative over outcomes: any arrival order of the same multiset
// yields an identical snapshot. Latencies and throughput are tracked
// over successful invocations only.
type summaryBuilder struct {
	maxErrors int

	total  int
	passed int
	failed int

	latencies  []float64
	tokenRates []float64

	categories map[string]registry.CategoryStat
	errs       []string
}

func newSummaryBuilder(maxErrors int) *summaryBuilder {
	return &summaryBuilder{
		maxErrors:  maxErrors,
		categories: make(map[string]registry.CategoryStat),
	}
}

// add folds one settled outcome into the totals.
func (b *summaryBuilder) add(o *Outcome) {
	b.total++

	passed := o.Passed()
	if passed {
		b.passed++
	} else {
		b.failed++
	}

	if o.Status == OutcomeSuccess {
		b.latencies = append(b.latencies, o.LatencyMS)

		if o.LatencyMS > 0 && o.OutputTokens > 0 {
			b.tokenRates = append(b.tokenRates,
				float64(o.OutputTokens)/(o.LatencyMS/1000))
		}
	}

	if o.Category != "" {
		stat := b.categories[o.Category]
		stat.Total++

		if passed {
			stat.Passed++
		}

		b.categories[o.Category] = stat
	}

	if o.Error != "" {
		entry := o.Error
		if o.PromptID != "" {
			entry = o.PromptID + ": " + o.Error
		}

		b.errs = append(b.errs, entry)
	}
}

// snapshot renders the current totals as registry progress. The error
// list is sorted before capping so the rendering does not depend on
// arrival order.
func (b *summaryBuilder) snapshot() *registry.Progress {
	p := &registry.Progress{
		Total:  b.total,
		Passed: b.passed,
		Failed: b.failed,
	}

	if b.total > 0 {
		p.PassRate = float64(b.passed) / float64(b.total)
	}

	if len(b.latencies) > 0 {
		p.AvgLatencyMS = round1(mean(b.latencies))

		sorted := append([]float64(nil), b.latencies...)
		sort.Float64s(sorted)

		p.P50LatencyMS = round1(percentile(sorted, 50))
		p.P95LatencyMS = round1(percentile(sorted, 95))
		p.P99LatencyMS = round1(percentile(sorted, 99))
	}

	if len(b.tokenRates) > 0 {
		p.AvgTokensPerSecond = round1(mean(b.tokenRates))
	}

	if len(b.categories) > 0 {
		p.Categories = make(map[string]registry.CategoryStat, len(b.categories))
		for k, v := range b.categories {
			p.Categories[k] = v
		}
	}

	if len(b.errs) > 0 {
		errs := append([]string(nil), b.errs...)
		sort.Strings(errs)

		if len(errs) > b.maxErrors {
			suppressed := len(errs) - b.maxErrors
			errs = append(errs[:b.maxErrors],
				fmt.Sprintf("%d additional errors suppressed", suppressed))
		}

		p.Errors = errs
	}

	return p
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}

	return sum / float64(len(values))
}

// percentile returns the nearest-rank percentile from sorted values.
func percentile(sorted []float64, pct float64) float64 {
	if len(sorted) == 0 {
		return 0
	}

	rank := int(math.Ceil(pct / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}

	return sorted[rank-1]
}

// round1 rounds to one decimal place, the precision run summaries carry.
func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
