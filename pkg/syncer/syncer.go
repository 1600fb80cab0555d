// Package syncer pushes a locally edited document to a version store with
// debounce and single-flight dispatch. Bursts of changes collapse onto the
// latest payload; at most one write per design is outstanding at a time.
package syncer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wilhg/designsync/pkg/document"
	"github.com/wilhg/designsync/pkg/errmodel"
	"github.com/wilhg/designsync/pkg/versionstore"
)

// ErrClosed is returned by Flush after Close.
var ErrClosed = errors.New("syncer: closed")

// Updater is the slice of versionstore.Store the engine writes through.
type Updater interface {
	Update(ctx context.Context, id string, doc document.Value, expectedVersion int64) (versionstore.UpdateResult, error)
}

// State is the engine's coarse state.
type State int

const (
	Idle State = iota
	Pending
	InFlight
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case InFlight:
		return "in_flight"
	default:
		return "idle"
	}
}

// Result describes one completed write.
type Result struct {
	Payload  document.Value
	Expected int64
	Update   versionstore.UpdateResult
	// Version is the expected version after the write.
	Version  int64
	Conflict bool
	Err      error
}

// Option configures an Engine.
type Option func(*Engine)

// WithDebounce sets the quiet period before a dispatch.
func WithDebounce(d time.Duration) Option { return func(e *Engine) { e.debounce = d } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithWriteTimeout bounds each Update call.
func WithWriteTimeout(d time.Duration) Option { return func(e *Engine) { e.writeTimeout = d } }

// OnResult registers a callback for every completed write. It runs on the
// engine's goroutine and must not call back into the engine synchronously
// except through Notify or Rebase.
func OnResult(fn func(Result)) Option { return func(e *Engine) { e.onResult = fn } }

// Engine is safe for concurrent use.
type Engine struct {
	updater      Updater
	id           string
	debounce     time.Duration
	writeTimeout time.Duration
	logger       *slog.Logger
	onResult     func(Result)

	mu         sync.Mutex
	expected   int64
	pending    document.Value
	hasPending bool
	inFlight   bool
	closed     bool
	timer      *time.Timer
	gen        uint64
	lastErr    error
	waiters    []chan struct{}
}

// New returns an idle engine for design id whose stored version is
// expectedVersion.
func New(updater Updater, id string, expectedVersion int64, opts ...Option) *Engine {
	e := &Engine{
		updater:      updater,
		id:           id,
		expected:     expectedVersion,
		debounce:     300 * time.Millisecond,
		writeTimeout: 30 * time.Second,
		logger:       slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Notify records doc as the latest local state. Without a write in flight
// it restarts the debounce timer; otherwise doc replaces any earlier
// pending payload and waits for the current write to finish.
func (e *Engine) Notify(doc document.Value) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.pending, e.hasPending = doc, true
	if e.inFlight {
		return
	}
	e.armLocked()
}

// Rebase adopts version as the expected version, typically after the
// caller reloaded the remote record following a conflict. A pending
// payload is re-armed.
func (e *Engine) Rebase(version int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.expected = version
	if e.hasPending && !e.inFlight && !e.closed {
		e.armLocked()
	}
}

// Expected returns the version the next write will be based on.
func (e *Engine) Expected() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.expected
}

// State reports Idle, Pending or InFlight.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.inFlight:
		return InFlight
	case e.hasPending:
		return Pending
	default:
		return Idle
	}
}

// Flush dispatches any pending payload without waiting for the debounce
// and blocks until no write is in flight. It returns the error of the last
// completed write, if any.
func (e *Engine) Flush(ctx context.Context) error {
	e.mu.Lock()
	if !e.inFlight && !e.hasPending {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()
	for {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return ErrClosed
		}
		if !e.inFlight {
			if !e.hasPending {
				err := e.lastErr
				e.mu.Unlock()
				return err
			}
			payload, expected := e.takeLocked()
			go e.run(payload, expected)
		}
		ch := make(chan struct{})
		e.waiters = append(e.waiters, ch)
		e.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		e.mu.Lock()
		if !e.inFlight && e.lastErr != nil {
			err := e.lastErr
			e.mu.Unlock()
			return err
		}
		e.mu.Unlock()
	}
}

// Close stops the timer. A write already in flight completes but its
// result is dropped.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
	}
	e.wakeLocked()
}

func (e *Engine) armLocked() {
	e.gen++
	gen := e.gen
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(e.debounce, func() { e.fire(gen) })
}

func (e *Engine) fire(gen uint64) {
	e.mu.Lock()
	if e.closed || gen != e.gen || e.inFlight || !e.hasPending {
		e.mu.Unlock()
		return
	}
	payload, expected := e.takeLocked()
	e.mu.Unlock()
	e.run(payload, expected)
}

// takeLocked moves the pending payload into flight.
func (e *Engine) takeLocked() (document.Value, int64) {
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
	}
	payload := e.pending
	e.pending, e.hasPending = document.Value{}, false
	e.inFlight = true
	return payload, e.expected
}

func (e *Engine) wakeLocked() {
	for _, ch := range e.waiters {
		close(ch)
	}
	e.waiters = nil
}

// run performs writes until nothing newer is pending.
func (e *Engine) run(payload document.Value, expected int64) {
	for {
		res, err := e.write(payload, expected)

		e.mu.Lock()
		if e.closed {
			e.inFlight = false
			e.mu.Unlock()
			return
		}
		r := Result{Payload: payload, Expected: expected, Update: res, Err: err}
		e.lastErr = err
		switch {
		case err == nil:
			if res.Accepted {
				e.expected = res.NewVersion
			}
		case errors.Is(err, errmodel.ErrVersionConflict):
			r.Conflict = true
			e.logger.Warn("sync conflict", "design.id", e.id, "expected_version", expected, "err", err)
		default:
			// Transient: keep the newest payload and try again after the debounce.
			if !e.hasPending {
				e.pending, e.hasPending = payload, true
			}
			e.logger.Warn("sync write failed, will retry", "design.id", e.id, "err", err)
		}
		r.Version = e.expected
		next := err == nil && e.hasPending
		if next {
			payload, expected = e.takeLocked()
		} else {
			e.inFlight = false
			if err != nil && !r.Conflict {
				e.armLocked()
			}
		}
		cb := e.onResult
		e.mu.Unlock()

		if cb != nil {
			cb(r)
		}
		if !next {
			// Flush returns only after the result was delivered.
			e.mu.Lock()
			e.wakeLocked()
			e.mu.Unlock()
			return
		}
	}
}

var tracer = otel.Tracer("syncer")

func (e *Engine) write(payload document.Value, expected int64) (res versionstore.UpdateResult, err error) {
	ctx := context.Background()
	if e.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.writeTimeout)
		defer cancel()
	}
	ctx, span := tracer.Start(ctx, "Syncer.dispatch", trace.WithAttributes(
		attribute.String("design.id", e.id),
		attribute.Int64("design.version", expected),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	res, err = e.updater.Update(ctx, e.id, payload, expected)
	if err == nil {
		e.logger.Debug("sync write done", "design.id", e.id, "accepted", res.Accepted, "new_version", res.NewVersion)
	}
	return res, err
}
