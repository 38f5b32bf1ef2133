package promptset

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/inferencelab/harness/pkg/promptset/storage"
)

var (
	// ErrNotFound is returned when a promptset id cannot be resolved.
	ErrNotFound = errors.New("promptset not found")

	// ErrChecksumMismatch is returned when the jsonl bytes do not match
	// the manifest checksum. Runs must abort before dispatching anything.
	ErrChecksumMismatch = errors.New("promptset checksum mismatch")
)

// Source resolves promptset identifiers against a storage backend.
type Source interface {
	// List returns infos for every promptset with a readable manifest.
	List(ctx context.Context) ([]Info, error)

	// Get returns the manifest and a short prompt preview. The checksum
	// is not verified; use Load before executing against the promptset.
	Get(ctx context.Context, id string) (*Manifest, []Prompt, error)

	// Load materializes the full promptset and verifies its checksum.
	Load(ctx context.Context, id string) (*Promptset, error)
}

// Compile-time interface check.
var _ Source = (*source)(nil)

type source struct {
	log    logrus.FieldLogger
	reader storage.Reader
}

// New creates a Source backed by the given storage reader.
func New(log logrus.FieldLogger, reader storage.Reader) Source {
	return &source{
		log:    log.WithField("component", "promptset-source"),
		reader: reader,
	}
}

// List scans the backend for promptset directories and returns the infos
// of those with a parseable manifest. Directories without one are skipped.
func (s *source) List(ctx context.Context) ([]Info, error) {
	ids, err := s.reader.ListPromptsetIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing promptsets: %w", err)
	}

	infos := make([]Info, 0, len(ids))

	for _, id := range ids {
		manifest, err := s.manifest(ctx, id)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				s.log.WithError(err).WithField("promptset", id).
					Warn("Skipping promptset with unreadable manifest")
			}

			continue
		}

		infos = append(infos, infoFromManifest(manifest))
	}

	return infos, nil
}

// Get returns the manifest and up to PreviewCount prompts.
func (s *source) Get(ctx context.Context, id string) (*Manifest, []Prompt, error) {
	manifest, err := s.manifest(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	data, err := s.reader.GetFile(ctx, id, PromptsFile)
	if err != nil {
		return nil, nil, fmt.Errorf("reading prompts for %q: %w", id, err)
	}

	if data == nil {
		return manifest, nil, nil
	}

	prompts, err := parsePrompts(data)
	if err != nil {
		return nil, nil, fmt.Errorf("promptset %q: %w", id, err)
	}

	if len(prompts) > PreviewCount {
		prompts = prompts[:PreviewCount]
	}

	return manifest, prompts, nil
}

// Load reads the manifest and jsonl file, verifies the checksum over the
// raw jsonl bytes, and returns the materialized promptset.
func (s *source) Load(ctx context.Context, id string) (*Promptset, error) {
	manifest, err := s.manifest(ctx, id)
	if err != nil {
		return nil, err
	}

	data, err := s.reader.GetFile(ctx, id, PromptsFile)
	if err != nil {
		return nil, fmt.Errorf("reading prompts for %q: %w", id, err)
	}

	if data == nil {
		return nil, fmt.Errorf("%w: %q has no prompt data", ErrNotFound, id)
	}

	if manifest.Checksum != "" {
		if computed := Checksum(data); computed != manifest.Checksum {
			return nil, fmt.Errorf(
				"%w: manifest %s, computed %s",
				ErrChecksumMismatch, manifest.Checksum, computed,
			)
		}
	}

	prompts, err := parsePrompts(data)
	if err != nil {
		return nil, fmt.Errorf("promptset %q: %w", id, err)
	}

	return &Promptset{Manifest: *manifest, Prompts: prompts}, nil
}

func (s *source) manifest(ctx context.Context, id string) (*Manifest, error) {
	data, err := s.reader.GetFile(ctx, id, ManifestFile)
	if err != nil {
		return nil, fmt.Errorf("reading manifest for %q: %w", id, err)
	}

	if data == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parsing manifest for %q: %w", id, err)
	}

	if manifest.PromptsetID == "" {
		manifest.PromptsetID = id
	}

	return &manifest, nil
}

// parsePrompts decodes one prompt per line, skipping blank lines.
func parsePrompts(data []byte) ([]Prompt, error) {
	lines := bytes.Split(data, []byte("\n"))
	prompts := make([]Prompt, 0, len(lines))

	for i, line := range lines {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var p Prompt
		if err := json.Unmarshal(line, &p); err != nil {
			return nil, fmt.Errorf("parsing prompt line %d: %w", i+1, err)
		}

		prompts = append(prompts, p)
	}

	return prompts, nil
}
