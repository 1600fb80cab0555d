package history

import (
	"fmt"
	"sort"

	"github.com/wilhg/designsync/pkg/document"
)

// Replayer reconstructs documents over an in-memory event sequence, keeping
// materialized states every Interval events plus the last computed state so
// interactive undo/redo does not replay from the base each time.
//
// events[i] must hold Version i+1. Replayer is not safe for concurrent use.
type Replayer struct {
	Interval int

	base      document.Value
	events    []Event
	snapshots map[int64]document.Value
	lastAt    int64
	last      document.Value
	haveLast  bool
}

// NewReplayer creates a replayer; interval <= 0 disables periodic snapshots.
func NewReplayer(base document.Value, events []Event, interval int) *Replayer {
	r := &Replayer{Interval: interval}
	r.Reset(base, events)
	return r
}

// Reset replaces base and events and drops every cached state.
func (r *Replayer) Reset(base document.Value, events []Event) {
	r.base = base
	r.events = events
	r.snapshots = make(map[int64]document.Value)
	r.haveLast = false
}

// Append registers an event appended at the tail. The caller passes the
// document it already computed for that version so the cache stays warm.
func (r *Replayer) Append(e Event, doc document.Value) {
	r.events = append(r.events, e)
	r.remember(e.Version, doc)
}

// Truncate drops events beyond version and every cache entry past it.
func (r *Replayer) Truncate(version int64) {
	if version < int64(len(r.events)) {
		r.events = r.events[:version]
	}
	for v := range r.snapshots {
		if v > version {
			delete(r.snapshots, v)
		}
	}
	if r.haveLast && r.lastAt > version {
		r.haveLast = false
	}
}

// At returns the document at version (0 is the base).
func (r *Replayer) At(version int64) (document.Value, error) {
	if version < 0 || version > int64(len(r.events)) {
		return document.Value{}, fmt.Errorf("history: version %d out of range [0,%d]", version, len(r.events))
	}
	if version == 0 {
		return r.base, nil
	}
	if r.haveLast && r.lastAt == version {
		return r.last, nil
	}
	from, doc := r.nearest(version)
	for v := from + 1; v <= version; v++ {
		next, err := Replay(doc, r.events[v-1:v])
		if err != nil {
			return document.Value{}, err
		}
		doc = next
		if r.Interval > 0 && v%int64(r.Interval) == 0 {
			r.snapshots[v] = doc
		}
	}
	r.remember(version, doc)
	return doc, nil
}

// nearest picks the closest cached state at or below version.
func (r *Replayer) nearest(version int64) (int64, document.Value) {
	bestAt, best := int64(0), r.base
	if r.haveLast && r.lastAt <= version && r.lastAt > bestAt {
		bestAt, best = r.lastAt, r.last
	}
	keys := make([]int64, 0, len(r.snapshots))
	for v := range r.snapshots {
		keys = append(keys, v)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] > keys[j] })
	for _, v := range keys {
		if v <= version {
			if v > bestAt {
				bestAt, best = v, r.snapshots[v]
			}
			break
		}
	}
	return bestAt, best
}

func (r *Replayer) remember(version int64, doc document.Value) {
	r.last, r.lastAt, r.haveLast = doc, version, true
	if r.Interval > 0 && version%int64(r.Interval) == 0 {
		r.snapshots[version] = doc
	}
}
