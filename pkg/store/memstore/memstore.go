// Package memstore is an in-process store.Backend for tests and the
// single-binary dev server.
package memstore

import (
	"bytes"
	"context"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/wilhg/designsync/pkg/store"
)

// Store keeps committed state in maps. A transaction works on a shallow
// copy and swaps it in on success, so a failed fn leaves nothing behind.
type Store struct {
	mu    sync.Mutex
	state *state
}

type state struct {
	designs   map[string]store.DesignRecord
	events    map[string][]store.EventRecord
	snapshots map[string][]store.SnapshotRecord
}

// New returns an empty store.
func New() *Store {
	return &Store{state: &state{
		designs:   map[string]store.DesignRecord{},
		events:    map[string][]store.EventRecord{},
		snapshots: map[string][]store.SnapshotRecord{},
	}}
}

// RunInTx implements store.Backend. Transactions are serialized.
func (s *Store) RunInTx(ctx context.Context, fn func(context.Context, store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	work := &state{
		designs:   maps.Clone(s.state.designs),
		events:    maps.Clone(s.state.events),
		snapshots: maps.Clone(s.state.snapshots),
	}
	if err := fn(ctx, work); err != nil {
		return err
	}
	s.state = work
	return nil
}

// Close implements store.Backend.
func (s *Store) Close() error { return nil }

func cloneDesign(r store.DesignRecord) store.DesignRecord {
	r.Base = bytes.Clone(r.Base)
	r.Document = bytes.Clone(r.Document)
	return r
}

func (m *state) InsertDesign(_ context.Context, rec store.DesignRecord) error {
	if _, ok := m.designs[rec.ID]; ok {
		return store.ErrDuplicate
	}
	m.designs[rec.ID] = cloneDesign(rec)
	return nil
}

func (m *state) GetDesign(_ context.Context, id string) (store.DesignRecord, error) {
	rec, ok := m.designs[id]
	if !ok {
		return store.DesignRecord{}, store.ErrNotFound
	}
	return cloneDesign(rec), nil
}

func (m *state) ListDesigns(context.Context) ([]store.DesignRecord, error) {
	out := make([]store.DesignRecord, 0, len(m.designs))
	for _, r := range m.designs {
		out = append(out, cloneDesign(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *state) UpdateDesign(_ context.Context, rec store.DesignRecord, expectedVersion int64) error {
	cur, ok := m.designs[rec.ID]
	if !ok {
		return store.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return store.ErrStaleVersion
	}
	rec.CreatedAt = cur.CreatedAt
	m.designs[rec.ID] = cloneDesign(rec)
	return nil
}

func (m *state) AppendEvent(_ context.Context, e store.EventRecord) error {
	list := m.events[e.DesignID]
	for _, existing := range list {
		if existing.Seq == e.Seq {
			return store.ErrDuplicate
		}
	}
	e.Patches = bytes.Clone(e.Patches)
	// Clip forces a fresh backing array so the committed slice is untouched.
	m.events[e.DesignID] = append(slices.Clip(list), e)
	return nil
}

func (m *state) ListEvents(_ context.Context, designID string, afterSeq, uptoSeq int64) ([]store.EventRecord, error) {
	var out []store.EventRecord
	for _, e := range m.events[designID] {
		if e.Seq <= afterSeq || (uptoSeq >= 0 && e.Seq > uptoSeq) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *state) DeleteEventsAfter(_ context.Context, designID string, seq int64) error {
	var kept []store.EventRecord
	for _, e := range m.events[designID] {
		if e.Seq <= seq {
			kept = append(kept, e)
		}
	}
	m.events[designID] = kept
	return nil
}

func (m *state) SaveSnapshot(_ context.Context, sn store.SnapshotRecord) error {
	list := m.snapshots[sn.DesignID]
	for _, existing := range list {
		if existing.UptoSeq == sn.UptoSeq {
			return store.ErrDuplicate
		}
	}
	sn.State = bytes.Clone(sn.State)
	m.snapshots[sn.DesignID] = append(slices.Clip(list), sn)
	return nil
}

func (m *state) LatestSnapshot(_ context.Context, designID string, atOrBefore int64) (store.SnapshotRecord, bool, error) {
	var (
		best  store.SnapshotRecord
		found bool
	)
	for _, sn := range m.snapshots[designID] {
		if sn.UptoSeq <= atOrBefore && (!found || sn.UptoSeq > best.UptoSeq) {
			best, found = sn, true
		}
	}
	return best, found, nil
}

func (m *state) DeleteSnapshotsAfter(_ context.Context, designID string, seq int64) error {
	var kept []store.SnapshotRecord
	for _, sn := range m.snapshots[designID] {
		if sn.UptoSeq <= seq {
			kept = append(kept, sn)
		}
	}
	m.snapshots[designID] = kept
	return nil
}
