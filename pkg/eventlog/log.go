// Package eventlog is the client-side undo/redo history: an append-only
// sequence of patches over a base snapshot with a movable cursor.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wilhg/designsync/pkg/document"
	"github.com/wilhg/designsync/pkg/history"
	"github.com/wilhg/designsync/pkg/patch"
)

// ErrNotInitialized is returned by mutating calls before Init.
var ErrNotInitialized = errors.New("eventlog: not initialized")

// Step describes the outcome of Undo or Redo. OK is false when there was
// nothing to move over; Document is then the unchanged working document.
type Step struct {
	OK       bool
	Document document.Value
	Previous int64
	Current  int64
}

// Option configures a Log.
type Option func(*Log)

// WithSnapshotInterval materializes a state every n events for replay.
func WithSnapshotInterval(n int) Option { return func(l *Log) { l.interval = n } }

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option { return func(l *Log) { l.logger = logger } }

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option { return func(l *Log) { l.now = now } }

// Log is safe for concurrent use.
type Log struct {
	mu       sync.Mutex
	storage  Storage
	logger   *slog.Logger
	now      func() time.Time
	interval int

	ready   bool
	events  []history.Event
	current int64
	working document.Value
	replay  *history.Replayer
}

// New returns an uninitialized log backed by storage.
func New(storage Storage, opts ...Option) *Log {
	l := &Log{storage: storage, logger: slog.Default(), now: time.Now, interval: 50}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Init loads persisted history, or stores current as the base document
// when nothing is stored yet. Calling it again is a no-op. A storage that
// implements Locker stays locked until Close.
func (l *Log) Init(ctx context.Context, current document.Value) (err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ready {
		return nil
	}
	if lk, ok := l.storage.(Locker); ok {
		if err := lk.Lock(); err != nil {
			return err
		}
		defer func() {
			if err != nil {
				_ = lk.Unlock()
			}
		}()
	}
	st, ok, err := l.storage.Load(ctx)
	if err != nil {
		return err
	}
	if !ok {
		if err := l.storage.SaveBase(ctx, current); err != nil {
			return err
		}
		l.working = current
		l.replay = history.NewReplayer(current, nil, l.interval)
		l.ready = true
		return nil
	}
	l.events = st.Events
	l.current = st.Current
	l.replay = history.NewReplayer(st.Base, l.events, l.interval)
	doc, err := l.replay.At(l.current)
	if err != nil {
		return err
	}
	l.working = doc
	l.ready = true
	l.logger.Debug("eventlog loaded", "events", len(l.events), "current_version", l.current)
	return nil
}

// RecordChange records doc as the next version. It returns false without
// touching history when doc equals the working document. Recording after
// an undo discards the redo branch.
func (l *Log) RecordChange(ctx context.Context, doc document.Value) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.ready {
		return false, ErrNotInitialized
	}
	p := patch.Diff(l.working, doc)
	if p.IsEmpty() {
		return false, nil
	}
	if err := l.append(ctx, history.Event{Patches: p}, doc); err != nil {
		return false, err
	}
	return true, nil
}

// Checkpoint appends a named marker at the current position.
func (l *Log) Checkpoint(ctx context.Context, name string) (history.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.ready {
		return history.Event{}, ErrNotInitialized
	}
	if name == "" {
		return history.Event{}, errors.New("eventlog: checkpoint name is empty")
	}
	e := history.Event{Patches: patch.Patch{}, Checkpoint: name}
	if err := l.append(ctx, e, l.working); err != nil {
		return history.Event{}, err
	}
	return l.events[len(l.events)-1], nil
}

func (l *Log) append(ctx context.Context, e history.Event, doc document.Value) error {
	if l.current < int64(len(l.events)) {
		if err := l.storage.Truncate(ctx, l.current); err != nil {
			return err
		}
		l.logger.Debug("eventlog branch truncated", "dropped", int64(len(l.events))-l.current, "at", l.current)
		l.events = l.events[:l.current]
		l.replay.Truncate(l.current)
	}
	e.Version = l.current + 1
	e.Timestamp = l.now().UnixMilli()
	if err := l.storage.Append(ctx, e); err != nil {
		return err
	}
	// The event is on disk; memory follows even if the cursor write fails.
	l.events = append(l.events, e)
	l.replay.Append(e, doc)
	l.current = e.Version
	l.working = doc
	if err := l.storage.SaveCursor(ctx, e.Version); err != nil {
		return fmt.Errorf("eventlog: save cursor at v%d: %w", e.Version, err)
	}
	return nil
}

// Close releases the storage lock. The log must be initialized again
// before further use.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ready = false
	if lk, ok := l.storage.(Locker); ok {
		return lk.Unlock()
	}
	return nil
}

// Undo moves the cursor back one event.
func (l *Log) Undo(ctx context.Context) (Step, error) {
	return l.move(ctx, -1)
}

// Redo moves the cursor forward one event.
func (l *Log) Redo(ctx context.Context) (Step, error) {
	return l.move(ctx, 1)
}

func (l *Log) move(ctx context.Context, delta int64) (Step, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.ready {
		return Step{}, ErrNotInitialized
	}
	target := l.current + delta
	if target < 0 || target > int64(len(l.events)) {
		return Step{Document: l.working, Previous: l.current, Current: l.current}, nil
	}
	doc, err := l.replay.At(target)
	if err != nil {
		return Step{}, err
	}
	if err := l.storage.SaveCursor(ctx, target); err != nil {
		return Step{}, err
	}
	prev := l.current
	l.current = target
	l.working = doc
	return Step{OK: true, Document: doc, Previous: prev, Current: target}, nil
}

// Document returns the document at the current version.
func (l *Log) Document() document.Value {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.working
}

// Version returns the cursor position.
func (l *Log) Version() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// MaxVersion returns the number of recorded events.
func (l *Log) MaxVersion() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(len(l.events))
}

// CanUndo reports whether Undo would move.
func (l *Log) CanUndo() bool { return l.Version() > 0 }

// CanRedo reports whether Redo would move.
func (l *Log) CanRedo() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current < int64(len(l.events))
}

// Events returns a copy of the recorded events, including any redo branch.
func (l *Log) Events() []history.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]history.Event(nil), l.events...)
}

// At reconstructs the document at an arbitrary version.
func (l *Log) At(version int64) (document.Value, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.ready {
		return document.Value{}, ErrNotInitialized
	}
	return l.replay.At(version)
}
