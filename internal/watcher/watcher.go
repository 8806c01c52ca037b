// Package watcher triggers a callback when watched files change. The server
// uses it to roll the pool when the worker binary or its assets are
// replaced.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/exp/slices"
)

var ErrNoPaths = errors.New("no paths to watch")

type Watcher struct {
	fsw      *fsnotify.Watcher
	dirs     map[string]bool // watched directories, all entries count
	files    map[string]bool // watched files, matched by exact name
	debounce time.Duration
	onChange func(changed []string)
	log      *slog.Logger
}

// New watches paths. Directories are watched as a whole, files through their
// parent directory so that editors replacing the file are still seen.
func New(paths []string, debounce time.Duration, onChange func([]string), logger *slog.Logger) (*Watcher, error) {
	if len(paths) == 0 {
		return nil, ErrNoPaths
	}
	if logger == nil {
		logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		fsw:      fsw,
		dirs:     make(map[string]bool),
		files:    make(map[string]bool),
		debounce: debounce,
		onChange: onChange,
		log:      logger,
	}

	for _, p := range paths {
		if err := w.add(p); err != nil {
			fsw.Close()
			return nil, err
		}
	}
	return w, nil
}

func (w *Watcher) add(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}

	target := abs
	if info.IsDir() {
		w.dirs[abs] = true
	} else {
		w.files[abs] = true
		target = filepath.Dir(abs)
	}
	if err := w.fsw.Add(target); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	return nil
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
		return false
	}
	if w.files[ev.Name] {
		return true
	}
	return w.dirs[filepath.Dir(ev.Name)]
}

// Run delivers debounced change batches until ctx ends.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	pending := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(ev) {
				continue
			}
			pending[ev.Name] = true
			timer.Reset(w.debounce)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("file watcher error", "error", err)

		case <-timer.C:
			changed := make([]string, 0, len(pending))
			for p := range pending {
				changed = append(changed, p)
			}
			slices.Sort(changed)
			clear(pending)

			w.log.Info("watched files changed", "paths", changed)
			w.onChange(changed)
		}
	}
}
