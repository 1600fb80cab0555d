// Package versionstore is the authoritative side of design history: it
// accepts document updates under optimistic concurrency, keeps a
// redo-capable cursor over the stored events and truncates the redo
// branch when a new edit diverges from an undone state.
package versionstore

import (
	"context"
	"time"

	"github.com/wilhg/designsync/pkg/document"
	"github.com/wilhg/designsync/pkg/history"
)

// ReasonNoChanges marks an update whose document equals the stored one.
const ReasonNoChanges = "no_changes"

// Boundary messages returned in StepResult.Message.
const (
	MsgNothingToUndo = "Nothing to undo"
	MsgNothingToRedo = "Nothing to redo"
)

// Record is a design as seen by callers.
type Record struct {
	ID              string         `json:"id"`
	Document        document.Value `json:"document"`
	Version         int64          `json:"version"`
	EventVersion    int64          `json:"event_version"`
	MaxEventVersion int64          `json:"max_event_version"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// UpdateResult reports an update. Accepted=false with Reason set means
// nothing was written.
type UpdateResult struct {
	Accepted   bool   `json:"accepted"`
	NewVersion int64  `json:"new_version,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// NoChanges reports whether the update was a no-op.
func (r UpdateResult) NoChanges() bool { return !r.Accepted && r.Reason == ReasonNoChanges }

// StepResult reports undo or redo. Success=false is a boundary condition,
// not an error; Message then explains it.
type StepResult struct {
	Success         bool           `json:"success"`
	Message         string         `json:"message,omitempty"`
	Document        document.Value `json:"document"`
	PreviousVersion int64          `json:"previous_version"`
	CurrentVersion  int64          `json:"current_version"`
}

// Store is the operation set shared by the local service and the HTTP
// client.
type Store interface {
	Create(ctx context.Context, doc document.Value) (Record, error)
	// Update fails with errmodel.ErrVersionConflict when expectedVersion is
	// stale.
	Update(ctx context.Context, id string, doc document.Value, expectedVersion int64) (UpdateResult, error)
	Undo(ctx context.Context, id string) (StepResult, error)
	Redo(ctx context.Context, id string) (StepResult, error)
	// Get returns nil without error for an unknown id.
	Get(ctx context.Context, id string) (*Record, error)
	List(ctx context.Context) ([]Record, error)
	History(ctx context.Context, id string) ([]history.Event, error)
}
