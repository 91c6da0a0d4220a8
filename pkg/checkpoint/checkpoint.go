// Package checkpoint persists scheduler progress so report windows resume
// across restarts instead of replaying from the epoch.
package checkpoint

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Checkpoint records how far report generation has progressed for one
// dataset. LastWindowEnd is a canonical UTC timestamp: the next cycle's
// window starts there.
type Checkpoint struct {
	Dataset       string    `json:"dataset"`
	LastWindowEnd string    `json:"last_window_end"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Backend is the interface for checkpoint storage backends.
// Implementations store checkpoints locally, in Redis, or in S3.
type Backend interface {
	// Load retrieves the checkpoint for a dataset. Returns nil, nil when no
	// checkpoint exists yet.
	Load(ctx context.Context, dataset string) (*Checkpoint, error)

	// Save persists a checkpoint.
	Save(ctx context.Context, cp *Checkpoint) error

	// Close releases backend resources.
	Close() error

	// Name returns the backend name for logging.
	Name() string
}

// FileBackend stores one JSON file per dataset in a local directory.
// The default backend.
type FileBackend struct {
	dir string
}

// NewFileBackend creates a file backend rooted at dir.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &FileBackend{dir: dir}, nil
}

func (b *FileBackend) path(dataset string) string {
	return filepath.Join(b.dir, dataset+".checkpoint.json")
}

// Load retrieves the checkpoint for a dataset.
func (b *FileBackend) Load(ctx context.Context, dataset string) (*Checkpoint, error) {
	data, err := os.ReadFile(b.path(dataset))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// Save persists a checkpoint via temp file and rename.
func (b *FileBackend) Save(ctx context.Context, cp *Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}

	tmp := b.path(cp.Dataset) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, b.path(cp.Dataset))
}

// Close is a no-op for the file backend.
func (b *FileBackend) Close() error { return nil }

// Name returns the backend name.
func (b *FileBackend) Name() string { return "file" }
