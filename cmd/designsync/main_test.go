package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/wilhg/designsync/internal/workspace"
	"github.com/wilhg/designsync/pkg/document"
	"github.com/wilhg/designsync/pkg/errmodel"
	"github.com/wilhg/designsync/pkg/eventlog"
	"github.com/wilhg/designsync/pkg/store/entstore"
	"github.com/wilhg/designsync/pkg/syncer"
	"github.com/wilhg/designsync/pkg/versionstore"
)

// setup isolates a workspace with a file-backed SQLite store and a
// design.json holding {"title":"A"}. It returns the database URL.
func setup(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)
	dbURL := "sqlite:file:" + filepath.Join(dir, "designs.sqlite") + "?_pragma=busy_timeout(5000)"
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DESIGNSYNC_DATABASE_URL", dbURL)
	t.Setenv("DESIGNSYNC_LOG_LEVEL", "warn")
	writeFile(t, `{"title":"A"}`)
	return dbURL
}

func writeFile(t *testing.T, s string) {
	t.Helper()
	if err := os.WriteFile("design.json", []byte(s), 0o644); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T) document.Value {
	t.Helper()
	raw, err := os.ReadFile("design.json")
	if err != nil {
		t.Fatal(err)
	}
	return document.MustParse(string(raw))
}

func parse(t *testing.T, args ...string) docopt.Opts {
	t.Helper()
	p := &docopt.Parser{HelpHandler: docopt.NoHelpHandler}
	opts, err := p.ParseArgs(usage, args, version)
	if err != nil {
		t.Fatalf("%v: %v", args, err)
	}
	return opts
}

func runCmd(t *testing.T, args ...string) string {
	t.Helper()
	var out, errOut bytes.Buffer
	if err := run(t.Context(), parse(t, args...), &out, &errOut); err != nil {
		t.Fatalf("%v: %v\n%s", args, err, errOut.String())
	}
	return out.String()
}

func openService(t *testing.T, dbURL string) *versionstore.Service {
	t.Helper()
	st, err := entstore.Open(t.Context(), dbURL)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Migrate(t.Context()); err != nil {
		t.Fatal(err)
	}
	return versionstore.New(st)
}

func binding(t *testing.T) workspace.Binding {
	t.Helper()
	b, ok, err := workspace.Open(".designsync").Binding()
	if err != nil || !ok {
		t.Fatalf("binding ok=%v err=%v", ok, err)
	}
	return b
}

func TestUsageParses(t *testing.T) {
	for _, args := range [][]string{
		{"serve", "--addr=:0"},
		{"init", "design.json"},
		{"watch"},
		{"undo", "--local"},
		{"redo", "other.json"},
		{"history", "--local"},
		{"checkpoint", "before-refactor"},
		{"mcp", "--config=designsync.yaml"},
	} {
		opts := parse(t, args...)
		if ok, _ := opts.Bool(args[0]); !ok {
			t.Fatalf("%v: command not set in %v", args, opts)
		}
	}
}

func TestInitAndRemoteUndoRedo(t *testing.T) {
	dbURL := setup(t)
	out := runCmd(t, "init", "design.json")
	if !strings.Contains(out, "✓ Created design") {
		t.Fatalf("init output %q", out)
	}
	b := binding(t)
	if b.Version != 1 || b.File != "design.json" {
		t.Fatalf("binding %+v", b)
	}

	svc := openService(t, dbURL)
	if _, err := svc.Update(t.Context(), b.ID, document.MustParse(`{"title":"B"}`), 1); err != nil {
		t.Fatal(err)
	}

	if out := runCmd(t, "history"); !strings.Contains(out, "← current") || !strings.Contains(out, "Current: v1 / Max: v1") {
		t.Fatalf("history %q", out)
	}
	if out := runCmd(t, "undo"); out != "✓ Undone: v1 → v0\n" {
		t.Fatalf("undo %q", out)
	}
	if !readFile(t).Equal(document.MustParse(`{"title":"A"}`)) {
		t.Fatalf("file after undo %s", readFile(t))
	}
	if out := runCmd(t, "undo"); out != "Nothing to undo\n" {
		t.Fatalf("second undo %q", out)
	}
	if out := runCmd(t, "redo"); out != "✓ Redone: v0 → v1\n" {
		t.Fatalf("redo %q", out)
	}
	if out := runCmd(t, "redo"); out != "Nothing to redo\n" {
		t.Fatalf("second redo %q", out)
	}
	if !readFile(t).Equal(document.MustParse(`{"title":"B"}`)) {
		t.Fatalf("file after redo %s", readFile(t))
	}
	if got := binding(t).Version; got != 4 {
		t.Fatalf("workspace version %d", got)
	}
}

func TestLocalHistoryAndCheckpoint(t *testing.T) {
	setup(t)
	runCmd(t, "init", "design.json")
	if out := runCmd(t, "history", "--local"); out != "No version history found.\n" {
		t.Fatalf("empty history %q", out)
	}
	writeFile(t, `{"title":"B"}`)
	if out := runCmd(t, "checkpoint", "reviewed"); out != "✓ Checkpoint \"reviewed\" at v2\n" {
		t.Fatalf("checkpoint %q", out)
	}
	out := runCmd(t, "history", "--local")
	if !strings.Contains(out, `checkpoint "reviewed"  ← current`) || !strings.Contains(out, "Current: v2 / Max: v2") {
		t.Fatalf("history %q", out)
	}
	if out := runCmd(t, "undo", "--local"); out != "✓ Undone: v2 → v1\n" {
		t.Fatalf("undo %q", out)
	}
	if out := runCmd(t, "undo", "--local"); out != "✓ Undone: v1 → v0\n" {
		t.Fatalf("undo %q", out)
	}
	if !readFile(t).Equal(document.MustParse(`{"title":"A"}`)) {
		t.Fatalf("file at v0 %s", readFile(t))
	}
	if out := runCmd(t, "undo", "--local"); out != "Nothing to undo\n" {
		t.Fatalf("undo at base %q", out)
	}
	if out := runCmd(t, "redo", "--local"); out != "✓ Redone: v0 → v1\n" {
		t.Fatalf("redo %q", out)
	}
	if !readFile(t).Equal(document.MustParse(`{"title":"B"}`)) {
		t.Fatalf("file at v1 %s", readFile(t))
	}
}

func TestInitTwiceFails(t *testing.T) {
	setup(t)
	runCmd(t, "init", "design.json")
	var out, errOut bytes.Buffer
	if err := run(t.Context(), parse(t, "init", "design.json"), &out, &errOut); err == nil {
		t.Fatal("expected second init to fail")
	}
}

func TestWatchPushesEdits(t *testing.T) {
	dbURL := setup(t)
	t.Setenv("DESIGNSYNC_SYNC_DEBOUNCE", "10ms")
	runCmd(t, "init", "design.json")
	id := binding(t).ID

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	var out, errOut bytes.Buffer
	done := make(chan error, 1)
	go func() { done <- run(ctx, parse(t, "watch"), &out, &errOut) }()

	svc := openService(t, dbURL)
	time.Sleep(200 * time.Millisecond)
	writeFile(t, `{"title":"watched"}`)

	deadline := time.Now().Add(10 * time.Second)
	for {
		rec, err := svc.Get(t.Context(), id)
		if err != nil {
			t.Fatal(err)
		}
		if rec.Document.Equal(document.MustParse(`{"title":"watched"}`)) && binding(t).Version == 2 {
			if rec.Version != 2 {
				t.Fatalf("version %d", rec.Version)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("edit never synced; log:\n%s", errOut.String())
		}
		time.Sleep(20 * time.Millisecond)
	}
	var cpOut, cpErr bytes.Buffer
	if err := run(t.Context(), parse(t, "checkpoint", "mid-watch"), &cpOut, &cpErr); !errors.Is(err, eventlog.ErrLocked) {
		t.Fatalf("checkpoint while watching: got %v, want ErrLocked", err)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if out := runCmd(t, "checkpoint", "after-watch"); out != "✓ Checkpoint \"after-watch\" at v2\n" {
		t.Fatalf("checkpoint after watch %q", out)
	}
	if !strings.HasPrefix(out.String(), "Watching design.json") {
		t.Fatalf("watch output %q", out.String())
	}
}

func TestConflictReloadAfterWatchStopped(t *testing.T) {
	setup(t)
	runCmd(t, "init", "design.json")
	b := binding(t)

	var out, errOut bytes.Buffer
	a, err := newApp(t.Context(), "", &out, &errOut)
	if err != nil {
		t.Fatal(err)
	}
	defer a.close()
	st, err := a.service(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	// Another client already pushed the document this side was flushing.
	doc := document.MustParse(`{"title":"same"}`)
	upd, err := st.Update(t.Context(), b.ID, doc, b.Version)
	if err != nil || !upd.Accepted {
		t.Fatalf("update %+v %v", upd, err)
	}
	engine := syncer.New(st, b.ID, b.Version)
	defer engine.Close()

	stopped, cancel := context.WithCancel(t.Context())
	cancel()
	a.onSyncResult(stopped, st, engine, b.ID, syncer.Result{
		Payload:  doc,
		Expected: b.Version,
		Version:  b.Version,
		Conflict: true,
		Err:      errmodel.ErrVersionConflict,
	})
	if got := engine.Expected(); got != upd.NewVersion {
		t.Fatalf("engine expected v%d, want v%d; log:\n%s", got, upd.NewVersion, errOut.String())
	}
	if got := binding(t).Version; got != upd.NewVersion {
		t.Fatalf("workspace version %d, want %d", got, upd.NewVersion)
	}
}
