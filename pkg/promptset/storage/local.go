package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/inferencelab/harness/pkg/config"
)

// Compile-time interface check.
var _ Reader = (*localReader)(nil)

type localReader struct {
	baseDir string
}

// NewLocalReader creates a Reader backed by a local filesystem directory.
func NewLocalReader(cfg *config.LocalSourceConfig) Reader {
	return &localReader{baseDir: filepath.Clean(cfg.BaseDir)}
}

// ListPromptsetIDs returns promptset directory names under the base
// directory, sorted.
func (r *localReader) ListPromptsetIDs(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(r.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading promptsets directory: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}

	sort.Strings(ids)

	return ids, nil
}

// GetFile reads {baseDir}/{promptsetID}/{filename}.
// Returns (nil, nil) when the file does not exist.
func (r *localReader) GetFile(
	_ context.Context, promptsetID, filename string,
) ([]byte, error) {
	if !isAllowedName(promptsetID) || !isAllowedName(filename) {
		return nil, fmt.Errorf("path %q/%q is not allowed", promptsetID, filename)
	}

	p := filepath.Join(r.baseDir, promptsetID, filename)

	// The resolved path must stay under the base directory.
	if !strings.HasPrefix(p, r.baseDir+string(filepath.Separator)) {
		return nil, fmt.Errorf("path %q is not allowed", p)
	}

	data, err := os.ReadFile(p) //nolint:gosec // path confined to baseDir above
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading file %s: %w", p, err)
	}

	return data, nil
}

// isAllowedName rejects empty, absolute, traversal, or nested name parts.
// Promptset IDs and filenames are single path elements.
func isAllowedName(name string) bool {
	if name == "" {
		return false
	}

	if strings.Contains(name, "..") {
		return false
	}

	if strings.ContainsAny(name, `/\`) {
		return false
	}

	return true
}
