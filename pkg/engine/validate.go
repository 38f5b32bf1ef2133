package engine

import (
	"encoding/json"
	"strings"

	"github.com/inferencelab/harness/pkg/promptset"
)

// validateOutput checks a response against the prompt's declared
// expectations: every expected_contains needle must appear
// (case-insensitive) and an expected_format of "json" must parse.
// Returns nil when the prompt declares no expectations.
func validateOutput(p *promptset.Prompt, output string) *bool {
	checked := false
	ok := true

	if len(p.ExpectedContains) > 0 {
		checked = true
		lower := strings.ToLower(output)

		for _, want := range p.ExpectedContains {
			if !strings.Contains(lower, strings.ToLower(want)) {
				ok = false

				break
			}
		}
	}

	if p.ExpectedFormat == "json" {
		checked = true

		if ok && !json.Valid([]byte(strings.TrimSpace(output))) {
			ok = false
		}
	}

	if !checked {
		return nil
	}

	return &ok
}
