package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/wilhg/designsync/internal/workspace"
	"github.com/wilhg/designsync/pkg/api"
	"github.com/wilhg/designsync/pkg/document"
	"github.com/wilhg/designsync/pkg/errmodel"
	"github.com/wilhg/designsync/pkg/history"
	"github.com/wilhg/designsync/pkg/mcpserver"
	"github.com/wilhg/designsync/pkg/syncer"
	"github.com/wilhg/designsync/pkg/versionstore"
	"github.com/wilhg/designsync/pkg/watch"
)

func run(ctx context.Context, opts docopt.Opts, stdout, stderr io.Writer) error {
	configPath, _ := opts.String("--config")
	a, err := newApp(ctx, configPath, stdout, stderr)
	if err != nil {
		return err
	}
	defer a.close()

	flag := func(name string) bool { v, _ := opts.Bool(name); return v }
	str := func(name string) string { v, _ := opts.String(name); return v }
	switch {
	case flag("serve"):
		return a.serve(ctx, str("--addr"))
	case flag("init"):
		return a.initDesign(ctx, str("<file>"))
	case flag("watch"):
		return a.watchFile(ctx, str("<file>"))
	case flag("undo"):
		if flag("--local") {
			return a.localStep(ctx, str("<file>"), true)
		}
		return a.remoteStep(ctx, str("<file>"), true)
	case flag("redo"):
		if flag("--local") {
			return a.localStep(ctx, str("<file>"), false)
		}
		return a.remoteStep(ctx, str("<file>"), false)
	case flag("history"):
		if flag("--local") {
			return a.localHistory(ctx)
		}
		return a.remoteHistory(ctx)
	case flag("checkpoint"):
		return a.checkpoint(ctx, str("<name>"))
	case flag("mcp"):
		return a.serveMCP(ctx)
	}
	return errors.New("no command given")
}

func (a *app) serve(ctx context.Context, addr string) error {
	if addr == "" {
		addr = a.cfg.HTTP.Addr
	}
	svc, err := a.service(ctx)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewServer(svc, api.WithServerLogger(a.logger)).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	a.logger.Info("serving", "addr", addr)
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (a *app) initDesign(ctx context.Context, file string) error {
	if b, ok, err := a.ws.Binding(); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("already bound to design %s (%s)", b.ID, b.File)
	}
	doc, err := a.readDoc(file)
	if err != nil {
		return err
	}
	st, err := a.store(ctx)
	if err != nil {
		return err
	}
	rec, err := st.Create(ctx, doc)
	if err != nil {
		return err
	}
	if err := a.ws.Save(workspace.Binding{ID: rec.ID, Version: rec.Version, File: filepath.Clean(file)}); err != nil {
		return err
	}
	if _, err := a.localLog(ctx, doc); err != nil {
		return err
	}
	a.printf("✓ Created design %s (v%d)\n", rec.ID, rec.Version)
	return nil
}

func (a *app) watchFile(ctx context.Context, explicit string) error {
	b, err := a.binding()
	if err != nil {
		return err
	}
	file := explicit
	if file == "" {
		file = b.File
	}
	current, err := a.readDoc(file)
	if err != nil {
		return err
	}
	st, err := a.store(ctx)
	if err != nil {
		return err
	}
	elog, err := a.localLog(ctx, current)
	if err != nil {
		return err
	}
	validator, err := a.validator()
	if err != nil {
		return err
	}

	var engine *syncer.Engine
	engine = syncer.New(st, b.ID, b.Version,
		syncer.WithDebounce(a.cfg.Sync.Debounce),
		syncer.WithLogger(a.logger),
		syncer.OnResult(func(r syncer.Result) { a.onSyncResult(ctx, st, engine, b.ID, r) }),
	)
	defer engine.Close()

	changed := func(doc document.Value) {
		if _, err := elog.RecordChange(ctx, doc); err != nil {
			a.logger.Error("record local change", "err", err)
		}
		engine.Notify(doc)
	}
	w := watch.New(file, changed, watch.WithValidator(validator), watch.WithLogger(a.logger))
	w.Seen(current)
	// Push whatever the file holds now; an unchanged file is a no-op write.
	engine.Notify(current)

	a.printf("Watching %s (design %s, v%d)\n", file, b.ID, b.Version)
	if err := w.Run(ctx); err != nil {
		return err
	}
	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := engine.Flush(flushCtx); err != nil && !errors.Is(err, errmodel.ErrVersionConflict) {
		return err
	}
	return nil
}

// onSyncResult keeps the workspace version current and resolves conflicts
// whose remote document already matches the local one.
func (a *app) onSyncResult(ctx context.Context, st versionstore.Store, engine *syncer.Engine, id string, r syncer.Result) {
	switch {
	case r.Err == nil:
		if r.Update.Accepted {
			a.logger.Info("synced", "design.id", id, "version", r.Version)
		}
		if err := a.ws.SetVersion(r.Version); err != nil {
			a.logger.Error("save workspace", "err", err)
		}
	case r.Conflict:
		// The final flush runs after the watch context is cancelled.
		getCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		rec, err := st.Get(getCtx, id)
		if err != nil || rec == nil {
			a.logger.Error("reload after conflict", "design.id", id, "err", err)
			return
		}
		if rec.Document.Equal(r.Payload) {
			engine.Rebase(rec.Version)
			if err := a.ws.SetVersion(rec.Version); err != nil {
				a.logger.Error("save workspace", "err", err)
			}
			return
		}
		a.logger.Error("design changed remotely; local edits not synced", "design.id", id,
			"expected_version", r.Expected, "remote_version", rec.Version)
	default:
		a.logger.Warn("sync failed", "design.id", id, "err", r.Err)
	}
}

func (a *app) localStep(ctx context.Context, explicit string, undo bool) error {
	file, err := a.designFile(explicit)
	if err != nil {
		return err
	}
	current, err := a.readDoc(file)
	if err != nil {
		return err
	}
	elog, err := a.localLog(ctx, current)
	if err != nil {
		return err
	}
	// Unrecorded edits on disk become the newest version first.
	if _, err := elog.RecordChange(ctx, current); err != nil {
		return err
	}
	move, empty, done := elog.Redo, versionstore.MsgNothingToRedo, "Redone"
	if undo {
		move, empty, done = elog.Undo, versionstore.MsgNothingToUndo, "Undone"
	}
	step, err := move(ctx)
	if err != nil {
		return err
	}
	if !step.OK {
		a.printf("%s\n", empty)
		return nil
	}
	if err := writeDoc(file, step.Document); err != nil {
		return err
	}
	a.printf("✓ %s: v%d → v%d\n", done, step.Previous, step.Current)
	return nil
}

func (a *app) remoteStep(ctx context.Context, explicit string, undo bool) error {
	b, err := a.binding()
	if err != nil {
		return err
	}
	file := explicit
	if file == "" {
		file = b.File
	}
	st, err := a.store(ctx)
	if err != nil {
		return err
	}
	move, done := st.Redo, "Redone"
	if undo {
		move, done = st.Undo, "Undone"
	}
	res, err := move(ctx, b.ID)
	if err != nil {
		return err
	}
	if !res.Success {
		a.printf("%s\n", res.Message)
		return nil
	}
	if err := writeDoc(file, res.Document); err != nil {
		return err
	}
	if rec, err := st.Get(ctx, b.ID); err == nil && rec != nil {
		if err := a.ws.SetVersion(rec.Version); err != nil {
			return err
		}
	}
	a.printf("✓ %s: v%d → v%d\n", done, res.PreviousVersion, res.CurrentVersion)
	return nil
}

func (a *app) localHistory(ctx context.Context) error {
	file, err := a.designFile("")
	if err != nil {
		return err
	}
	current, err := a.readDoc(file)
	if err != nil {
		return err
	}
	elog, err := a.localLog(ctx, current)
	if err != nil {
		return err
	}
	a.printHistory(elog.Events(), elog.Version(), elog.MaxVersion())
	return nil
}

func (a *app) remoteHistory(ctx context.Context) error {
	b, err := a.binding()
	if err != nil {
		return err
	}
	st, err := a.store(ctx)
	if err != nil {
		return err
	}
	rec, err := st.Get(ctx, b.ID)
	if err != nil {
		return err
	}
	if rec == nil {
		return errmodel.NotFound("design not found", map[string]any{"design_id": b.ID})
	}
	events, err := st.History(ctx, b.ID)
	if err != nil {
		return err
	}
	a.printHistory(events, rec.EventVersion, rec.MaxEventVersion)
	return nil
}

func (a *app) printHistory(events []history.Event, current, maxVersion int64) {
	if len(events) == 0 {
		a.printf("No version history found.\n")
		return
	}
	for _, e := range events {
		line := fmt.Sprintf("v%d  %s  %d ops", e.Version, e.Time().UTC().Format(time.RFC3339), len(e.Patches))
		if e.IsCheckpoint() {
			line = fmt.Sprintf("v%d  %s  checkpoint %q", e.Version, e.Time().UTC().Format(time.RFC3339), e.Checkpoint)
		}
		if e.Version == current {
			line += "  ← current"
		}
		a.printf("%s\n", line)
	}
	a.printf("Current: v%d / Max: v%d\n", current, maxVersion)
}

func (a *app) checkpoint(ctx context.Context, name string) error {
	file, err := a.designFile("")
	if err != nil {
		return err
	}
	current, err := a.readDoc(file)
	if err != nil {
		return err
	}
	elog, err := a.localLog(ctx, current)
	if err != nil {
		return err
	}
	// Record unsynced edits first so the checkpoint marks what is on disk.
	if _, err := elog.RecordChange(ctx, current); err != nil {
		return err
	}
	e, err := elog.Checkpoint(ctx, name)
	if err != nil {
		return err
	}
	a.printf("✓ Checkpoint %q at v%d\n", e.Checkpoint, e.Version)
	return nil
}

func (a *app) serveMCP(ctx context.Context) error {
	st, err := a.store(ctx)
	if err != nil {
		return err
	}
	return mcpserver.New(st, mcpserver.WithLogger(a.logger), mcpserver.WithVersion(version)).ServeStdio(ctx)
}
