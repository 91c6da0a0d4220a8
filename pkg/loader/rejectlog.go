package loader

import (
	"bytes"
	"encoding/json"
	"os"
	"sync"

	"github.com/tabflow/tabflow/pkg/schema"
)

// RejectionLog appends rejected rows to a JSONL file, one entry per row,
// keyed by file + row index. Rejected rows are recorded, never silently
// dropped.
type RejectionLog struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// NewRejectionLog opens (or creates) the rejection log at path, appending.
func NewRejectionLog(path string) (*RejectionLog, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &RejectionLog{path: path, file: file}, nil
}

// Add appends one rejection entry.
func (l *RejectionLog) Add(r schema.Rejection) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if _, err := l.file.Write(data); err != nil {
		return err
	}
	_, err = l.file.WriteString("\n")
	return err
}

// Entries reads back all recorded rejections.
func (l *RejectionLog) Entries() ([]schema.Rejection, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, err
	}

	var entries []schema.Rejection
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var r schema.Rejection
		if err := dec.Decode(&r); err != nil {
			return nil, err
		}
		entries = append(entries, r)
	}
	return entries, nil
}

// Close closes the underlying file.
func (l *RejectionLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
