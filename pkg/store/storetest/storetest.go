// Package storetest holds the behaviour every store.Backend must share.
// Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/wilhg/designsync/pkg/store"
)

// Run exercises b. Each subtest uses its own design ids so one backend
// instance can be shared.
func Run(t *testing.T, b store.Backend) {
	t.Helper()
	prefix := fmt.Sprintf("%s-%d", t.Name(), time.Now().UnixNano())
	id := func(s string) string { return prefix + "-" + s }

	t.Run("design round trip", func(t *testing.T) { designRoundTrip(t, b, id("rt")) })
	t.Run("conditional update", func(t *testing.T) { conditionalUpdate(t, b, id("cu")) })
	t.Run("events and truncation", func(t *testing.T) { eventsAndTruncation(t, b, id("ev")) })
	t.Run("snapshots", func(t *testing.T) { snapshots(t, b, id("sn")) })
	t.Run("rollback on error", func(t *testing.T) { rollback(t, b, id("rb")) })
}

func newDesign(id string) store.DesignRecord {
	now := time.UnixMilli(time.Now().UnixMilli())
	return store.DesignRecord{
		ID:        id,
		Base:      json.RawMessage(`{"name":"A"}`),
		Document:  json.RawMessage(`{"name":"A"}`),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func designRoundTrip(t *testing.T, b store.Backend, id string) {
	ctx := context.Background()
	rec := newDesign(id)
	if err := b.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error { return tx.InsertDesign(ctx, rec) }); err != nil {
		t.Fatal(err)
	}
	err := b.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error { return tx.InsertDesign(ctx, rec) })
	if !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("second insert: want ErrDuplicate, got %v", err)
	}
	var got store.DesignRecord
	var all []store.DesignRecord
	err = b.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		if got, err = tx.GetDesign(ctx, id); err != nil {
			return err
		}
		all, err = tx.ListDesigns(ctx)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != id || got.Version != 0 || !got.CreatedAt.Equal(rec.CreatedAt) {
		t.Fatalf("got %+v", got)
	}
	if !jsonEqual(got.Document, rec.Document) {
		t.Fatalf("document %s", got.Document)
	}
	found := false
	for _, r := range all {
		found = found || r.ID == id
	}
	if !found {
		t.Fatal("list is missing the design")
	}
	err = b.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.GetDesign(ctx, id+"-missing")
		return err
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func conditionalUpdate(t *testing.T, b store.Backend, id string) {
	ctx := context.Background()
	rec := newDesign(id)
	if err := b.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error { return tx.InsertDesign(ctx, rec) }); err != nil {
		t.Fatal(err)
	}
	rec.Document = json.RawMessage(`{"name":"B"}`)
	rec.Version, rec.EventVersion, rec.MaxEventVersion = 1, 1, 1
	if err := b.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error { return tx.UpdateDesign(ctx, rec, 0) }); err != nil {
		t.Fatal(err)
	}
	err := b.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error { return tx.UpdateDesign(ctx, rec, 0) })
	if !errors.Is(err, store.ErrStaleVersion) {
		t.Fatalf("want ErrStaleVersion, got %v", err)
	}
	var got store.DesignRecord
	_ = b.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		got, err = tx.GetDesign(ctx, id)
		return err
	})
	if got.Version != 1 || got.MaxEventVersion != 1 || !jsonEqual(got.Document, rec.Document) {
		t.Fatalf("after update %+v", got)
	}
}

func eventsAndTruncation(t *testing.T, b store.Backend, id string) {
	ctx := context.Background()
	err := b.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		for seq := int64(1); seq <= 5; seq++ {
			e := store.EventRecord{DesignID: id, Seq: seq, Timestamp: time.UnixMilli(seq), Patches: json.RawMessage(`[]`)}
			if seq == 3 {
				e.Checkpoint = "mark"
			}
			if err := tx.AppendEvent(ctx, e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	err = b.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.AppendEvent(ctx, store.EventRecord{DesignID: id, Seq: 2, Patches: json.RawMessage(`[]`)})
	})
	if !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("duplicate seq: got %v", err)
	}
	list := func(after, upto int64) []store.EventRecord {
		var out []store.EventRecord
		if err := b.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
			var err error
			out, err = tx.ListEvents(ctx, id, after, upto)
			return err
		}); err != nil {
			t.Fatal(err)
		}
		return out
	}
	if got := list(0, -1); len(got) != 5 || got[0].Seq != 1 || got[4].Seq != 5 || got[2].Checkpoint != "mark" {
		t.Fatalf("all events %+v", got)
	}
	if got := list(1, 3); len(got) != 2 || got[0].Seq != 2 || got[1].Seq != 3 {
		t.Fatalf("range events %+v", got)
	}
	if err := b.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error { return tx.DeleteEventsAfter(ctx, id, 2) }); err != nil {
		t.Fatal(err)
	}
	if got := list(0, -1); len(got) != 2 {
		t.Fatalf("after truncation %+v", got)
	}
}

func snapshots(t *testing.T, b store.Backend, id string) {
	ctx := context.Background()
	err := b.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		for _, seq := range []int64{2, 4, 6} {
			if err := tx.SaveSnapshot(ctx, store.SnapshotRecord{DesignID: id, UptoSeq: seq, State: json.RawMessage(fmt.Sprintf(`{"at":%d}`, seq)), CreatedAt: time.UnixMilli(seq)}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	latest := func(at int64) (store.SnapshotRecord, bool) {
		var sn store.SnapshotRecord
		var ok bool
		if err := b.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
			var err error
			sn, ok, err = tx.LatestSnapshot(ctx, id, at)
			return err
		}); err != nil {
			t.Fatal(err)
		}
		return sn, ok
	}
	if sn, ok := latest(5); !ok || sn.UptoSeq != 4 || !jsonEqual(sn.State, json.RawMessage(`{"at":4}`)) {
		t.Fatalf("latest(5)=%+v ok=%v", sn, ok)
	}
	if _, ok := latest(1); ok {
		t.Fatal("latest(1) should find nothing")
	}
	if err := b.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error { return tx.DeleteSnapshotsAfter(ctx, id, 3) }); err != nil {
		t.Fatal(err)
	}
	if sn, ok := latest(10); !ok || sn.UptoSeq != 2 {
		t.Fatalf("after delete latest=%+v ok=%v", sn, ok)
	}
}

func rollback(t *testing.T, b store.Backend, id string) {
	ctx := context.Background()
	boom := errors.New("boom")
	err := b.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.InsertDesign(ctx, newDesign(id)); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, store.EventRecord{DesignID: id, Seq: 1, Patches: json.RawMessage(`[]`)}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v", err)
	}
	err = b.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetDesign(ctx, id); !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("design survived rollback: %v", err)
		}
		events, err := tx.ListEvents(ctx, id, 0, -1)
		if err != nil {
			return err
		}
		if len(events) != 0 {
			return fmt.Errorf("events survived rollback: %d", len(events))
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func jsonEqual(a, b json.RawMessage) bool {
	var x, y any
	if json.Unmarshal(a, &x) != nil || json.Unmarshal(b, &y) != nil {
		return false
	}
	ax, _ := json.Marshal(x)
	by, _ := json.Marshal(y)
	return string(ax) == string(by)
}
