// Package notify publishes committed design changes to downstream
// consumers. Delivery is best effort: a failed publish never fails the
// write that produced it.
package notify

import (
	"context"
	"errors"
	"time"
)

// Kind names the mutation that produced a Change.
type Kind string

const (
	KindCreated Kind = "created"
	KindUpdated Kind = "updated"
	KindUndone  Kind = "undone"
	KindRedone  Kind = "redone"
)

// Change is the message emitted after a committed mutation.
type Change struct {
	DesignID        string    `json:"design_id"`
	Kind            Kind      `json:"kind"`
	Version         int64     `json:"version"`
	EventVersion    int64     `json:"event_version"`
	MaxEventVersion int64     `json:"max_event_version"`
	At              time.Time `json:"at"`
}

// Publisher delivers changes.
type Publisher interface {
	Publish(ctx context.Context, c Change) error
	Close() error
}

// Nop discards every change.
type Nop struct{}

func (Nop) Publish(context.Context, Change) error { return nil }
func (Nop) Close() error                          { return nil }

// Fanout forwards to every publisher and joins their errors.
type Fanout []Publisher

// Publish implements Publisher.
func (f Fanout) Publish(ctx context.Context, c Change) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close implements Publisher.
func (f Fanout) Close() error {
	var errs []error
	for _, p := range f {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
