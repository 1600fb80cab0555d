package versionstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wilhg/designsync/pkg/document"
	"github.com/wilhg/designsync/pkg/errmodel"
	"github.com/wilhg/designsync/pkg/notify"
	"github.com/wilhg/designsync/pkg/store"
	"github.com/wilhg/designsync/pkg/store/entstore"
	"github.com/wilhg/designsync/pkg/store/memstore"
)

// forEachBackend runs fn against the in-memory and SQLite backends.
func forEachBackend(t *testing.T, fn func(t *testing.T, b store.Backend)) {
	t.Run("memstore", func(t *testing.T) { fn(t, memstore.New()) })
	t.Run("sqlite", func(t *testing.T) {
		name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
		st, err := entstore.Open(t.Context(), "sqlite:file:"+name+"?mode=memory&cache=shared&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { _ = st.Close() })
		if err := st.Migrate(t.Context()); err != nil {
			t.Fatal(err)
		}
		fn(t, st)
	})
}

func doc(s string) document.Value { return document.MustParse(s) }

func mustGet(t *testing.T, s *Service, id string) *Record {
	t.Helper()
	r, err := s.Get(t.Context(), id)
	if err != nil {
		t.Fatal(err)
	}
	if r == nil {
		t.Fatalf("record %s missing", id)
	}
	return r
}

func TestScenario(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b store.Backend) {
		ctx := t.Context()
		s := New(b)
		rec, err := s.Create(ctx, doc(`{"name":"A"}`))
		if err != nil {
			t.Fatal(err)
		}
		if rec.Version != 1 || rec.EventVersion != 0 || rec.MaxEventVersion != 0 {
			t.Fatalf("created %+v", rec)
		}

		res, err := s.Update(ctx, rec.ID, doc(`{"name":"B"}`), 1)
		if err != nil {
			t.Fatal(err)
		}
		if !res.Accepted || res.NewVersion != 2 {
			t.Fatalf("update %+v", res)
		}
		if r := mustGet(t, s, rec.ID); r.Version != 2 || r.EventVersion != 1 {
			t.Fatalf("after update %+v", r)
		}

		step, err := s.Undo(ctx, rec.ID)
		if err != nil {
			t.Fatal(err)
		}
		if !step.Success || !step.Document.Equal(doc(`{"name":"A"}`)) || step.PreviousVersion != 1 || step.CurrentVersion != 0 {
			t.Fatalf("undo %+v", step)
		}

		step, err = s.Redo(ctx, rec.ID)
		if err != nil {
			t.Fatal(err)
		}
		if !step.Success || !step.Document.Equal(doc(`{"name":"B"}`)) || step.CurrentVersion != 1 {
			t.Fatalf("redo %+v", step)
		}

		r := mustGet(t, s, rec.ID)
		if _, err := s.Update(ctx, rec.ID, doc(`{"name":"C"}`), r.Version); err != nil {
			t.Fatal(err)
		}
		r = mustGet(t, s, rec.ID)
		if r.EventVersion != 2 || r.MaxEventVersion != 2 {
			t.Fatalf("after second update %+v", r)
		}
		step, err = s.Redo(ctx, rec.ID)
		if err != nil {
			t.Fatal(err)
		}
		if step.Success || step.Message != MsgNothingToRedo {
			t.Fatalf("redo at head %+v", step)
		}
	})
}

func TestUpdateRejectsStaleVersion(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b store.Backend) {
		ctx := t.Context()
		s := New(b)
		rec, _ := s.Create(ctx, doc(`{"n":0}`))
		if _, err := s.Update(ctx, rec.ID, doc(`{"n":1}`), 1); err != nil {
			t.Fatal(err)
		}
		_, err := s.Update(ctx, rec.ID, doc(`{"n":2}`), 1)
		if !errors.Is(err, errmodel.ErrVersionConflict) {
			t.Fatalf("want version conflict, got %v", err)
		}
		if r := mustGet(t, s, rec.ID); !r.Document.Equal(doc(`{"n":1}`)) || r.Version != 2 {
			t.Fatalf("stale update overwrote %+v", r)
		}
	})
}

func TestUpdateNoChanges(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b store.Backend) {
		ctx := t.Context()
		s := New(b)
		rec, _ := s.Create(ctx, doc(`{"a":[1,2],"b":{"c":true}}`))
		res, err := s.Update(ctx, rec.ID, doc(`{"b":{"c":true},"a":[1,2.0]}`), 1)
		if err != nil {
			t.Fatal(err)
		}
		if !res.NoChanges() {
			t.Fatalf("got %+v", res)
		}
		r := mustGet(t, s, rec.ID)
		if r.Version != 1 || r.EventVersion != 0 {
			t.Fatalf("no-op bumped counters %+v", r)
		}
		events, _ := s.History(ctx, rec.ID)
		if len(events) != 0 {
			t.Fatalf("no-op appended %d events", len(events))
		}
		// A stale version still conflicts even when nothing changed.
		if _, err := s.Update(ctx, rec.ID, r.Document, 7); !errors.Is(err, errmodel.ErrVersionConflict) {
			t.Fatalf("want conflict, got %v", err)
		}
	})
}

func TestBranchTruncation(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b store.Backend) {
		ctx := t.Context()
		s := New(b, WithSnapshotInterval(2))
		rec, _ := s.Create(ctx, doc(`{"v":"A"}`))
		version := rec.Version
		for _, v := range []string{"B", "C", "D", "E"} {
			res, err := s.Update(ctx, rec.ID, doc(fmt.Sprintf(`{"v":%q}`, v)), version)
			if err != nil {
				t.Fatal(err)
			}
			version = res.NewVersion
		}
		for range 3 {
			if step, err := s.Undo(ctx, rec.ID); err != nil || !step.Success {
				t.Fatalf("undo %+v %v", step, err)
			}
		}
		r := mustGet(t, s, rec.ID)
		if r.EventVersion != 1 || r.MaxEventVersion != 4 || !r.Document.Equal(doc(`{"v":"B"}`)) {
			t.Fatalf("after undos %+v", r)
		}
		if _, err := s.Update(ctx, rec.ID, doc(`{"v":"X"}`), r.Version); err != nil {
			t.Fatal(err)
		}
		r = mustGet(t, s, rec.ID)
		if r.EventVersion != 2 || r.MaxEventVersion != 2 {
			t.Fatalf("after branch %+v", r)
		}
		if step, _ := s.Redo(ctx, rec.ID); step.Success || step.Message != MsgNothingToRedo {
			t.Fatalf("redo after branch %+v", step)
		}
		events, _ := s.History(ctx, rec.ID)
		if len(events) != 2 || events[1].Version != 2 {
			t.Fatalf("history %+v", events)
		}

		// Grow the new branch past the old snapshot positions and walk back.
		r = mustGet(t, s, rec.ID)
		version = r.Version
		want := []document.Value{doc(`{"v":"A"}`), doc(`{"v":"B"}`), doc(`{"v":"X"}`)}
		for _, v := range []string{"Y", "Z", "W"} {
			next := doc(fmt.Sprintf(`{"v":%q}`, v))
			res, err := s.Update(ctx, rec.ID, next, version)
			if err != nil {
				t.Fatal(err)
			}
			version = res.NewVersion
			want = append(want, next)
		}
		for pos := int64(len(want) - 2); pos >= 0; pos-- {
			step, err := s.Undo(ctx, rec.ID)
			if err != nil {
				t.Fatal(err)
			}
			if step.CurrentVersion != pos || !step.Document.Equal(want[pos]) {
				t.Fatalf("undo to %d: %+v", pos, step)
			}
		}
		if step, _ := s.Undo(ctx, rec.ID); step.Success || step.Message != MsgNothingToUndo {
			t.Fatalf("undo at base %+v", step)
		}
	})
}

func TestUndoRedoBumpVersionWithoutEvents(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b store.Backend) {
		ctx := t.Context()
		s := New(b)
		rec, _ := s.Create(ctx, doc(`{"a":1}`))
		if _, err := s.Update(ctx, rec.ID, doc(`{"a":2}`), 1); err != nil {
			t.Fatal(err)
		}
		s.Undo(ctx, rec.ID)
		s.Redo(ctx, rec.ID)
		r := mustGet(t, s, rec.ID)
		if r.Version != 4 {
			t.Fatalf("version=%d want 4", r.Version)
		}
		events, _ := s.History(ctx, rec.ID)
		if len(events) != 1 {
			t.Fatalf("events=%d", len(events))
		}
		// The stale expected version from before undo must now conflict.
		if _, err := s.Update(ctx, rec.ID, doc(`{"a":3}`), 2); !errors.Is(err, errmodel.ErrVersionConflict) {
			t.Fatalf("got %v", err)
		}
	})
}

func TestUnknownDesign(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b store.Backend) {
		ctx := t.Context()
		s := New(b)
		r, err := s.Get(ctx, "nope")
		if err != nil || r != nil {
			t.Fatalf("get unknown: %v %v", r, err)
		}
		if _, err := s.Update(ctx, "nope", doc(`{}`), 1); !errors.Is(err, errmodel.ErrNotFound) {
			t.Fatalf("update unknown: %v", err)
		}
		if _, err := s.Undo(ctx, "nope"); !errors.Is(err, errmodel.ErrNotFound) {
			t.Fatalf("undo unknown: %v", err)
		}
		events, err := s.History(ctx, "nope")
		if err != nil || len(events) != 0 {
			t.Fatalf("history unknown: %v %v", events, err)
		}
	})
}

func TestConcurrentUpdatesAcceptExactlyOne(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b store.Backend) {
		ctx := t.Context()
		s := New(b)
		rec, _ := s.Create(ctx, doc(`{"n":0}`))
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			accepted  int
			conflicts int
		)
		for i := range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Update(ctx, rec.ID, doc(fmt.Sprintf(`{"n":%d}`, i+1)), 1)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					accepted++
				case errors.Is(err, errmodel.ErrVersionConflict):
					conflicts++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		if accepted != 1 || conflicts != 7 {
			t.Fatalf("accepted=%d conflicts=%d", accepted, conflicts)
		}
		if r := mustGet(t, s, rec.ID); r.Version != 2 || r.EventVersion != 1 {
			t.Fatalf("after race %+v", r)
		}
	})
}

type recordingPublisher struct {
	mu    sync.Mutex
	kinds []notify.Kind
}

func (p *recordingPublisher) Publish(_ context.Context, c notify.Change) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kinds = append(p.kinds, c.Kind)
	return errors.New("downstream unavailable")
}

func (p *recordingPublisher) Close() error { return nil }

func TestPublishesCommittedChanges(t *testing.T) {
	ctx := t.Context()
	pub := &recordingPublisher{}
	clock := time.UnixMilli(1_700_000_000_000)
	s := New(memstore.New(), WithPublisher(pub), WithClock(func() time.Time { return clock }),
		WithIDGenerator(func() string { return "fixed" }))
	rec, err := s.Create(ctx, doc(`{"a":1}`))
	if err != nil {
		t.Fatal(err)
	}
	if rec.ID != "fixed" || !rec.CreatedAt.Equal(clock) {
		t.Fatalf("created %+v", rec)
	}
	// Publish failures never fail the write.
	if _, err := s.Update(ctx, rec.ID, doc(`{"a":2}`), 1); err != nil {
		t.Fatal(err)
	}
	s.Update(ctx, rec.ID, doc(`{"a":2}`), 2)
	s.Undo(ctx, rec.ID)
	s.Redo(ctx, rec.ID)
	s.Redo(ctx, rec.ID)
	want := []notify.Kind{notify.KindCreated, notify.KindUpdated, notify.KindUndone, notify.KindRedone}
	if fmt.Sprint(pub.kinds) != fmt.Sprint(want) {
		t.Fatalf("published %v want %v", pub.kinds, want)
	}
}

type rejectAll struct{}

func (rejectAll) Validate(document.Value) error {
	return errmodel.InvalidDocument("rejected", nil, nil)
}

func TestValidatorGuardsWrites(t *testing.T) {
	s := New(memstore.New(), WithValidator(rejectAll{}))
	if _, err := s.Create(t.Context(), doc(`{}`)); !errors.Is(err, errmodel.ErrInvalidDocument) {
		t.Fatalf("got %v", err)
	}
}

func TestListOrdersByCreation(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b store.Backend) {
		ctx := t.Context()
		tick := time.UnixMilli(1_700_000_000_000)
		n := 0
		s := New(b,
			WithClock(func() time.Time { tick = tick.Add(time.Second); return tick }),
			WithIDGenerator(func() string { n++; return fmt.Sprintf("d%d", n) }))
		for i := range 3 {
			if _, err := s.Create(ctx, doc(fmt.Sprintf(`{"i":%d}`, i))); err != nil {
				t.Fatal(err)
			}
		}
		list, err := s.List(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(list) != 3 || list[0].ID != "d1" || list[2].ID != "d3" {
			t.Fatalf("list %+v", list)
		}
	})
}
