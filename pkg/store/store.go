// Package store defines persistence for designs, their change events and
// materialized snapshots. Every backend must give identical semantics so
// the version store behaves the same on memory, SQLite and PostgreSQL.
package store

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a design does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrStaleVersion is returned by a conditional update whose expected
	// version no longer matches the stored row.
	ErrStaleVersion = errors.New("store: stale version")
	// ErrDuplicate is returned when a unique key already exists.
	ErrDuplicate = errors.New("store: duplicate key")
)

// DesignRecord is one versioned document. Base is the document at
// position 0 and Document the current materialized state.
type DesignRecord struct {
	ID              string
	Base            json.RawMessage
	Document        json.RawMessage
	Version         int64
	EventVersion    int64
	MaxEventVersion int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// EventRecord is a persisted change event. Patches holds an encoded
// JSON Patch array; Seq starts at 1 per design.
type EventRecord struct {
	DesignID   string
	Seq        int64
	Timestamp  time.Time
	Patches    json.RawMessage
	Checkpoint string
}

// SnapshotRecord stores the document materialized after UptoSeq events.
type SnapshotRecord struct {
	DesignID  string
	UptoSeq   int64
	State     json.RawMessage
	CreatedAt time.Time
}
