// Package promptset resolves promptset identifiers to materialized,
// checksum-verified prompt sequences.
package promptset

import (
	"crypto/sha256"
	"encoding/hex"
)

const (
	// ManifestFile is the metadata file inside each promptset directory.
	ManifestFile = "manifest.json"

	// PromptsFile holds one prompt per JSON line.
	PromptsFile = "promptset.jsonl"

	// PreviewCount is the number of prompts returned by Get.
	PreviewCount = 5
)

// Prompt is one line of a promptset jsonl file.
type Prompt struct {
	PromptID           string         `json:"prompt_id"`
	Prompt             string         `json:"prompt"`
	ScenarioID         string         `json:"scenario_id,omitempty"`
	DatasetID          string         `json:"dataset_id,omitempty"`
	ExpectedContains   []string       `json:"expected_contains,omitempty"`
	ExpectedFormat     string         `json:"expected_format,omitempty"`
	TargetOutputTokens int            `json:"target_output_tokens,omitempty"`
	Bucket             string         `json:"bucket,omitempty"`
	Category           string         `json:"category,omitempty"`
	Split              string         `json:"split,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	MaxTokens          int            `json:"max_tokens,omitempty"`
}

// Manifest describes a promptset as written by the data pipeline. The
// checksum covers the raw bytes of the jsonl file.
type Manifest struct {
	PromptsetID              string         `json:"promptset_id"`
	ScenarioID               string         `json:"scenario_id"`
	DatasetID                string         `json:"dataset_id"`
	CreatedAt                string         `json:"created_at"`
	Seed                     int            `json:"seed,omitempty"`
	PromptCount              int            `json:"prompt_count"`
	ExpectedOutputSchema     map[string]any `json:"expected_output_schema,omitempty"`
	TargetBuckets            map[string]any `json:"target_buckets,omitempty"`
	Checksum                 string         `json:"checksum"`
	Version                  string         `json:"version"`
	CompatibleHarnessVersion string         `json:"compatible_harness_version,omitempty"`
}

// Info is the listing entry served for one promptset.
type Info struct {
	PromptsetID string `json:"promptset_id"`
	ScenarioID  string `json:"scenario_id"`
	DatasetID   string `json:"dataset_id"`
	PromptCount int    `json:"prompt_count"`
	CreatedAt   string `json:"created_at"`
	Version     string `json:"version"`
	Checksum    string `json:"checksum"`
}

// Promptset is a fully materialized promptset: manifest plus the ordered
// prompt sequence. Immutable once loaded.
type Promptset struct {
	Manifest Manifest
	Prompts  []Prompt
}

// Info returns the listing entry for this promptset.
func (p *Promptset) Info() Info {
	return infoFromManifest(&p.Manifest)
}

func infoFromManifest(m *Manifest) Info {
	return Info{
		PromptsetID: m.PromptsetID,
		ScenarioID:  m.ScenarioID,
		DatasetID:   m.DatasetID,
		PromptCount: m.PromptCount,
		CreatedAt:   m.CreatedAt,
		Version:     m.Version,
		Checksum:    m.Checksum,
	}
}

// Checksum computes the promptset checksum over raw jsonl bytes, in the
// "sha256:<hex>" form the data pipeline writes into manifests.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)

	return "sha256:" + hex.EncodeToString(sum[:])
}
