package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	gormlogger "gorm.io/gorm/logger"

	"github.com/wilhg/designsync/internal/config"
	"github.com/wilhg/designsync/internal/workspace"
	"github.com/wilhg/designsync/pkg/api"
	"github.com/wilhg/designsync/pkg/document"
	"github.com/wilhg/designsync/pkg/eventlog"
	"github.com/wilhg/designsync/pkg/notify"
	dsotel "github.com/wilhg/designsync/pkg/otel"
	"github.com/wilhg/designsync/pkg/store"
	"github.com/wilhg/designsync/pkg/store/entstore"
	"github.com/wilhg/designsync/pkg/store/gormstore"
	"github.com/wilhg/designsync/pkg/versionstore"
)

// app carries the configured dependencies of one command invocation.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	level   slog.Level
	stdout  io.Writer
	ws      *workspace.Workspace
	closers []func() error
}

func newApp(ctx context.Context, configPath string, stdout, stderr io.Writer) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	a := &app{
		cfg:    cfg,
		logger: slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})),
		level:  level,
		stdout: stdout,
		ws:     workspace.Open(cfg.History.Dir),
	}
	shutdown, err := dsotel.Init(ctx, dsotel.Config{ServiceVersion: version, UseStdout: cfg.Otel.Stdout, Writer: stderr})
	if err != nil {
		return nil, err
	}
	a.onClose(func() error { return shutdown(context.Background()) })
	return a, nil
}

func (a *app) onClose(fn func() error) { a.closers = append(a.closers, fn) }

// close runs closers in reverse order.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "err", err)
		}
	}
	a.closers = nil
}

func (a *app) printf(format string, args ...any) { fmt.Fprintf(a.stdout, format, args...) }

// validator returns nil when no schema is configured.
func (a *app) validator() (document.Validator, error) {
	if a.cfg.Schema.Path == "" {
		return nil, nil
	}
	v, err := document.LoadSchema(a.cfg.Schema.Path)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (a *app) backend(ctx context.Context) (store.Backend, error) {
	url := a.cfg.Database.URL
	if a.cfg.Database.Backend == "gorm" {
		lvl := gormlogger.Warn
		if a.level <= slog.LevelDebug {
			lvl = gormlogger.Info
		}
		st, err := gormstore.Open(url, gormstore.WithLogger(gormlogger.Default.LogMode(lvl)))
		if err != nil {
			return nil, fmt.Errorf("open gorm store: %w", err)
		}
		a.onClose(st.Close)
		return st, nil
	}
	st, err := entstore.Open(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.onClose(st.Close)
	if err := st.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a.logger.Debug("store ready", "dialect", st.Dialect())
	return st, nil
}

// publisher fans changes out to every configured feed.
func (a *app) publisher(ctx context.Context) (notify.Publisher, error) {
	var fan notify.Fanout
	if len(a.cfg.Kafka.Brokers) > 0 {
		producer, err := notify.NewKafkaProducer(a.cfg.Kafka.Brokers)
		if err != nil {
			return nil, fmt.Errorf("kafka: %w", err)
		}
		fan = append(fan, notify.NewKafkaPublisher(producer, a.cfg.Kafka.Topic, notify.KafkaOptions{MaxRetry: 3, Logger: a.logger}))
	}
	if a.cfg.Redis.Addr != "" {
		p, err := notify.DialRedis(ctx, a.cfg.Redis.Addr, a.cfg.Redis.Channel)
		if err != nil {
			_ = fan.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		fan = append(fan, p)
	}
	if len(fan) == 0 {
		return notify.Nop{}, nil
	}
	a.onClose(fan.Close)
	return fan, nil
}

func (a *app) service(ctx context.Context) (*versionstore.Service, error) {
	validator, err := a.validator()
	if err != nil {
		return nil, err
	}
	b, err := a.backend(ctx)
	if err != nil {
		return nil, err
	}
	pub, err := a.publisher(ctx)
	if err != nil {
		return nil, err
	}
	return versionstore.New(b,
		versionstore.WithLogger(a.logger),
		versionstore.WithPublisher(pub),
		versionstore.WithSnapshotInterval(a.cfg.Store.SnapshotEvery),
		versionstore.WithValidator(validator),
	), nil
}

// store talks to remote.url when set, otherwise to the database directly.
func (a *app) store(ctx context.Context) (versionstore.Store, error) {
	if a.cfg.Remote.URL != "" {
		c := api.NewClient(a.cfg.Remote.URL)
		if err := c.Health(ctx); err != nil {
			return nil, fmt.Errorf("remote %s: %w", a.cfg.Remote.URL, err)
		}
		return c, nil
	}
	return a.service(ctx)
}

func (a *app) localLog(ctx context.Context, initial document.Value) (*eventlog.Log, error) {
	l := eventlog.New(eventlog.NewFileStorage(a.ws.LogDir()),
		eventlog.WithSnapshotInterval(a.cfg.History.SnapshotEvery),
		eventlog.WithLogger(a.logger),
	)
	if err := l.Init(ctx, initial); err != nil {
		return nil, fmt.Errorf("local history: %w", err)
	}
	a.onClose(l.Close)
	return l, nil
}

// designFile resolves the explicit path or the one bound at init.
func (a *app) designFile(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	b, ok, err := a.ws.Binding()
	if err != nil {
		return "", err
	}
	if !ok || b.File == "" {
		return "", errors.New("no design file; run designsync init <file>")
	}
	return b.File, nil
}

func (a *app) binding() (workspace.Binding, error) {
	b, ok, err := a.ws.Binding()
	if err != nil {
		return workspace.Binding{}, err
	}
	if !ok {
		return workspace.Binding{}, errors.New("workspace not initialized; run designsync init <file>")
	}
	return b, nil
}

func (a *app) readDoc(path string) (document.Value, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return document.Value{}, err
	}
	validator, err := a.validator()
	if err != nil {
		return document.Value{}, err
	}
	doc, err := document.ParseValid(raw, validator)
	if err != nil {
		return document.Value{}, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

func writeDoc(path string, doc document.Value) error {
	raw, err := doc.MarshalJSON()
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
