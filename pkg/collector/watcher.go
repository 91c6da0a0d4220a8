package collector

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors the input root and triggers an ingestion cycle when new
// files are dropped. It complements the scheduler tick: the tick remains the
// fallback for anything the watcher misses.
type Watcher struct {
	watcher  *fsnotify.Watcher
	root     string
	debounce time.Duration
	OnDrop   func()
	OnError  func(err error)
}

// NewWatcher creates a watcher over the input root.
func NewWatcher(inputRoot string) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := fsWatcher.Add(inputRoot); err != nil {
		fsWatcher.Close()
		return nil, err
	}

	return &Watcher{
		watcher:  fsWatcher,
		root:     inputRoot,
		debounce: 500 * time.Millisecond,
	}, nil
}

// Run starts the watch loop. Blocks until the context is cancelled. Rapid
// bursts of drops collapse into a single OnDrop call per debounce window.
func (w *Watcher) Run(ctx context.Context) error {
	var mu sync.Mutex
	var timer *time.Timer

	for {
		select {
		case <-ctx.Done():
			w.watcher.Close()
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}

			// Only completed drops matter
			if event.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			name := filepath.Base(event.Name)
			if strings.HasPrefix(name, ".") ||
				strings.HasSuffix(name, ".tmp") ||
				strings.HasSuffix(name, ".part") {
				continue
			}

			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				if w.OnDrop != nil {
					w.OnDrop()
				}
			})
			mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			if w.OnError != nil {
				w.OnError(err)
			}
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
