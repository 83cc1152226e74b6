// Package watch emits root-relative paths for filesystem changes under a
// directory tree. It backs the server's change notifications.
package watch

import (
	"fmt"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches a directory tree recursively. New subdirectories are picked
// up as they appear. The zero value is not usable; create one with New.
type Watcher struct {
	root    string
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	changes chan string

	closeOnce sync.Once
	done      chan struct{}
}

// Option represents the options for the watcher.
type Option func(*Watcher)

// WithLogger sets the logger for the watcher.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) {
		w.logger = logger.With(
			slog.String("package", "watch"),
		)
	}
}

// New creates a watcher over the tree rooted at the given directory. The root
// must be an absolute path to an existing directory.
func New(root string, options ...Option) (*Watcher, error) {
	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("root must be an absolute path: %s", root)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root is not a directory: %s", root)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	w := &Watcher{
		root:    filepath.Clean(root),
		watcher: fsw,
		logger:  slog.Default(),
		changes: make(chan string, 64),
		done:    make(chan struct{}),
	}
	for _, opt := range options {
		opt(w)
	}

	// Watch the root and every directory already under it.
	err = filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return fsw.Add(path)
	})
	if err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch tree: %w", err)
	}

	go w.run()

	return w, nil
}

// Changes returns an iterator over root-relative paths of changed entries.
// The iterator ends when the watcher is closed.
func (w *Watcher) Changes() iter.Seq[string] {
	return func(yield func(string) bool) {
		for {
			select {
			case <-w.done:
				return
			case path, ok := <-w.changes:
				if !ok {
					return
				}
				if !yield(path) {
					return
				}
			}
		}
	}
}

// Close stops the watcher. Closing twice is a no-op.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("watch error", slog.String("err", err.Error()))
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.watcher.Add(event.Name); err != nil {
				w.logger.Error("failed to watch new directory",
					slog.String("path", event.Name), slog.String("err", err.Error()))
			}
		}
	}

	relPath, err := filepath.Rel(w.root, event.Name)
	if err != nil {
		return
	}
	relPath = filepath.ToSlash(relPath)

	select {
	case w.changes <- relPath:
	case <-w.done:
	default:
		// A slow consumer drops changes rather than blocking the event loop.
		w.logger.Info("dropped change", slog.String("path", relPath))
	}
}
