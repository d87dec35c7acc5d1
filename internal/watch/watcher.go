// Package watch follows a cascade file on disk and reports its content after
// each burst of changes settles.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/cascadeview/internal/events"
	"github.com/msageha/cascadeview/internal/logging"
)

const DefaultDebounce = 200 * time.Millisecond

// Handler receives the file content after a change.
type Handler func(content []byte)

type Watcher struct {
	path     string
	debounce time.Duration
	onChange Handler
	logger   *logging.Logger

	mu       sync.Mutex
	timer    *time.Timer
	lastHash uint64
	hasHash  bool
}

// New watches path. Changes within debounce of each other are reported once.
func New(path string, debounce time.Duration, onChange Handler, logger *logging.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Watcher{
		path:     filepath.Clean(path),
		debounce: debounce,
		onChange: onChange,
		logger:   logger.With("watch"),
	}
}

// Seen records content as already known, so that a change to exactly this
// content (such as our own save) is not reported.
func (w *Watcher) Seen(content []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastHash = events.SimpleHash(content)
	w.hasHash = true
}

// Run watches until ctx is done. The parent directory is watched rather than
// the file so that editors that save by rename are followed.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.logger.Infof("watching %s", w.path)

	defer w.stopTimer()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.logger.Debugf("fsnotify event=%s file=%s", event.Op, event.Name)
				w.schedule()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Errorf("fsnotify error=%v", err)
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.fire)
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *Watcher) fire() {
	content, err := os.ReadFile(w.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			w.logger.Debugf("%s removed", w.path)
			return
		}
		w.logger.Warnf("read %s: %v", w.path, err)
		return
	}
	hash := events.SimpleHash(content)

	w.mu.Lock()
	unchanged := w.hasHash && hash == w.lastHash
	w.lastHash = hash
	w.hasHash = true
	w.mu.Unlock()

	if unchanged {
		w.logger.Debugf("%s unchanged", w.path)
		return
	}
	if w.onChange != nil {
		w.onChange(content)
	}
}
