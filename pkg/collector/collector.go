// Package collector moves dropped files through the
// discovered -> staged -> archived lifecycle.
package collector

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tabflow/tabflow/pkg/errors"
)

// Collector owns the source-file lifecycle up to loader hand-off.
// Files are moved, never copied, so a file exists in exactly one of
// input root, staging, archive, or the rejected area.
type Collector struct {
	inputRoot   string
	stagingDir  string
	archiveDir  string
	rejectedDir string
}

// New creates a Collector over the configured directories.
func New(inputRoot, stagingDir, archiveDir, rejectedDir string) *Collector {
	return &Collector{
		inputRoot:   inputRoot,
		stagingDir:  stagingDir,
		archiveDir:  archiveDir,
		rejectedDir: rejectedDir,
	}
}

// Scan returns the names of candidate files in the input root, sorted for
// deterministic processing order. Pure discovery: no side effects.
func (c *Collector) Scan(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(c.inputRoot)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeFileNotFound, "scan input root").
			WithContext("root", c.inputRoot)
	}

	var names []string
	for _, entry := range entries {
		select {
		case <-ctx.Done():
			return nil, errors.ContextCanceled("scan")
		default:
		}

		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		// Skip dotfiles and partial uploads still being written
		if strings.HasPrefix(name, ".") ||
			strings.HasSuffix(name, ".tmp") ||
			strings.HasSuffix(name, ".part") {
			continue
		}
		names = append(names, name)
	}

	sort.Strings(names)
	return names, nil
}

// Stage moves a discovered file into the staging area and returns the staged
// path. If the destination already exists the file was staged by an earlier
// cycle that did not finish; that is logged and skipped, not fatal.
func (c *Collector) Stage(name string) (string, error) {
	src := filepath.Join(c.inputRoot, name)
	dst := filepath.Join(c.stagingDir, name)

	if _, err := os.Stat(dst); err == nil {
		log.Printf("collector: %s already staged, skipping", name)
		return "", errors.New(errors.CodeStageConflict, "already staged").
			WithContext("file", name)
	}

	if err := os.Rename(src, dst); err != nil {
		return "", errors.Wrap(err, errors.CodeFilePermission, "stage file").
			WithContext("file", name)
	}
	return dst, nil
}

// Staged returns the names of files currently in the staging area. Files
// left behind by an interrupted cycle reappear here and are retried.
func (c *Collector) Staged() ([]string, error) {
	entries, err := os.ReadDir(c.stagingDir)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeFileNotFound, "list staging").
			WithContext("dir", c.stagingDir)
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// StagedPath returns the staging path of a file.
func (c *Collector) StagedPath(name string) string {
	return filepath.Join(c.stagingDir, name)
}

// Archive moves a staged file into the archive. Called only after the loader
// confirms persistence; on failure the file stays in staging for the next
// cycle, so archival is at-most-once per file.
func (c *Collector) Archive(name string) error {
	src := filepath.Join(c.stagingDir, name)
	dst := filepath.Join(c.archiveDir, name)

	if err := os.Rename(src, dst); err != nil {
		return errors.Wrap(err, errors.CodeFilePermission, "archive file").
			WithContext("file", name)
	}
	return nil
}

// Reject moves a staged file into the rejected area. Used for files the
// loader cannot parse at all; they are never retried automatically.
func (c *Collector) Reject(name string) error {
	src := filepath.Join(c.stagingDir, name)
	dst := filepath.Join(c.rejectedDir, name)

	if err := os.Rename(src, dst); err != nil {
		return errors.Wrap(err, errors.CodeFilePermission, "reject file").
			WithContext("file", name)
	}
	return nil
}
