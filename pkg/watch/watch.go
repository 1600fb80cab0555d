// Package watch turns writes to a JSON file into document change
// notifications.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/wilhg/designsync/pkg/document"
)

// Option configures a Watcher.
type Option func(*Watcher)

// WithValidator checks every parsed document before it is reported.
func WithValidator(v document.Validator) Option { return func(w *Watcher) { w.validator = v } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(w *Watcher) { w.logger = l } }

// WithSettle waits this long after the last filesystem event before
// reading the file, so an editor's write-then-rename lands as one change.
func WithSettle(d time.Duration) Option { return func(w *Watcher) { w.settle = d } }

// Watcher reports the parsed content of one file whenever it changes.
// Unparsable intermediate states are logged and skipped.
type Watcher struct {
	path      string
	onChange  func(document.Value)
	validator document.Validator
	logger    *slog.Logger
	settle    time.Duration

	mu   sync.Mutex
	last document.Value
	seen bool
}

// New returns a watcher for path.
func New(path string, onChange func(document.Value), opts ...Option) *Watcher {
	w := &Watcher{
		path:     filepath.Clean(path),
		onChange: onChange,
		logger:   slog.Default(),
		settle:   20 * time.Millisecond,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Seen records doc as the file's current content so that a write of the
// same document, such as one made by the caller itself, is not reported.
func (w *Watcher) Seen(doc document.Value) {
	w.mu.Lock()
	w.last, w.seen = doc, true
	w.mu.Unlock()
}

// Run watches until ctx is done. The parent directory is watched rather
// than the file so that atomic replacements are observed.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", w.path, err)
	}

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				timer.Reset(w.settle)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "path", w.path, "err", err)
		case <-timer.C:
			w.check()
		}
	}
}

func (w *Watcher) check() {
	raw, err := os.ReadFile(w.path)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		w.logger.Warn("watch read failed", "path", w.path, "err", err)
		return
	}
	doc, err := document.ParseValid(raw, w.validator)
	if err != nil {
		w.logger.Debug("watch skipped unparsable content", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	if w.seen && w.last.Equal(doc) {
		w.mu.Unlock()
		return
	}
	w.last, w.seen = doc, true
	w.mu.Unlock()
	w.onChange(doc)
}
