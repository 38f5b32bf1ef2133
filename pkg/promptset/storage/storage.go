package storage

import (
	"context"
	"errors"

	"github.com/inferencelab/harness/pkg/config"
)

// Reader provides read access to promptset data stored in a backend
// (local filesystem or S3). It is used by the promptset source to discover
// and read manifest/prompt files without knowing the underlying storage
// details.
type Reader interface {
	// ListPromptsetIDs returns the promptset IDs (directory names) under
	// the storage root.
	ListPromptsetIDs(ctx context.Context) ([]string, error)

	// GetFile reads a file from a specific promptset directory.
	// Returns (nil, nil) when the file does not exist.
	GetFile(ctx context.Context, promptsetID, filename string) ([]byte, error)
}

// NewReader creates the Reader for the configured backend. Config
// validation guarantees at most one backend is set.
func NewReader(cfg *config.PromptsetsConfig) (Reader, error) {
	switch {
	case cfg.S3 != nil:
		return NewS3Reader(cfg.S3), nil
	case cfg.Local != nil:
		return NewLocalReader(cfg.Local), nil
	default:
		return nil, errors.New("no promptset storage backend configured")
	}
}
