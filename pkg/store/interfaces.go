package store

import "context"

// DesignStore reads and writes design rows.
type DesignStore interface {
	InsertDesign(ctx context.Context, rec DesignRecord) error
	GetDesign(ctx context.Context, id string) (DesignRecord, error)
	ListDesigns(ctx context.Context) ([]DesignRecord, error)
	// UpdateDesign writes rec only if the stored Version equals
	// expectedVersion, otherwise it returns ErrStaleVersion.
	UpdateDesign(ctx context.Context, rec DesignRecord, expectedVersion int64) error
}

// EventStore defines operations for per-design event logs.
type EventStore interface {
	AppendEvent(ctx context.Context, e EventRecord) error
	// ListEvents returns events with afterSeq < Seq <= uptoSeq in order.
	// uptoSeq < 0 means no upper bound.
	ListEvents(ctx context.Context, designID string, afterSeq, uptoSeq int64) ([]EventRecord, error)
	DeleteEventsAfter(ctx context.Context, designID string, seq int64) error
}

// SnapshotStore defines operations for reading/writing snapshots.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, s SnapshotRecord) error
	// LatestSnapshot returns the snapshot with the greatest UptoSeq not
	// above atOrBefore, or ok=false.
	LatestSnapshot(ctx context.Context, designID string, atOrBefore int64) (SnapshotRecord, bool, error)
	DeleteSnapshotsAfter(ctx context.Context, designID string, seq int64) error
}

// Tx aggregates the stores visible inside one transaction.
type Tx interface {
	DesignStore
	EventStore
	SnapshotStore
}

// Backend runs units of work atomically. Any error returned by fn rolls
// back everything fn wrote.
type Backend interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Close() error
}
