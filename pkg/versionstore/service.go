package versionstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wilhg/designsync/pkg/document"
	"github.com/wilhg/designsync/pkg/errmodel"
	"github.com/wilhg/designsync/pkg/history"
	"github.com/wilhg/designsync/pkg/notify"
	"github.com/wilhg/designsync/pkg/patch"
	"github.com/wilhg/designsync/pkg/store"
)

// Option configures a Service.
type Option func(*Service)

// WithPublisher sets where committed changes are announced.
func WithPublisher(p notify.Publisher) Option { return func(s *Service) { s.publisher = p } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithSnapshotInterval stores a materialized document every n positions;
// n <= 0 disables snapshots.
func WithSnapshotInterval(n int) Option { return func(s *Service) { s.snapshotEvery = n } }

// WithValidator checks documents on Create and Update.
func WithValidator(v document.Validator) Option { return func(s *Service) { s.validator = v } }

// WithIDGenerator overrides uuid-based record ids.
func WithIDGenerator(f func() string) Option { return func(s *Service) { s.newID = f } }

// Service implements Store on a transactional backend.
type Service struct {
	backend       store.Backend
	publisher     notify.Publisher
	logger        *slog.Logger
	now           func() time.Time
	snapshotEvery int
	validator     document.Validator
	newID         func() string
}

var _ Store = (*Service)(nil)

// New builds a service over backend.
func New(backend store.Backend, opts ...Option) *Service {
	s := &Service{
		backend:       backend,
		publisher:     notify.Nop{},
		logger:        slog.Default(),
		now:           time.Now,
		snapshotEvery: 50,
		newID:         func() string { return uuid.NewString() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

var tracer = otel.Tracer("versionstore")

func (s *Service) startSpan(ctx context.Context, name, id string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "VersionStore."+name, trace.WithAttributes(attribute.String("design.id", id)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func recordAttrs(span trace.Span, r store.DesignRecord) {
	span.SetAttributes(
		attribute.Int64("design.version", r.Version),
		attribute.Int64("design.event_version", r.EventVersion),
		attribute.Int64("design.max_event_version", r.MaxEventVersion),
	)
}

func (s *Service) validate(doc document.Value) error {
	if s.validator == nil {
		return nil
	}
	return s.validator.Validate(doc)
}

// Create stores doc as a new record at version 1 with an empty history.
func (s *Service) Create(ctx context.Context, doc document.Value) (rec Record, err error) {
	id := s.newID()
	ctx, span := s.startSpan(ctx, "Create", id)
	defer func() { endSpan(span, err) }()
	if err := s.validate(doc); err != nil {
		return Record{}, err
	}
	raw, err := doc.MarshalJSON()
	if err != nil {
		return Record{}, err
	}
	now := s.nowMillis()
	row := store.DesignRecord{ID: id, Base: raw, Document: raw, Version: 1, CreatedAt: now, UpdatedAt: now}
	if err := s.backend.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertDesign(ctx, row)
	}); err != nil {
		return Record{}, fmt.Errorf("create design: %w", err)
	}
	recordAttrs(span, row)
	s.logger.Info("design created", "design.id", id)
	s.publish(ctx, notify.KindCreated, row)
	return Record{ID: id, Document: doc, Version: 1, CreatedAt: now, UpdatedAt: now}, nil
}

// Update replaces the document when expectedVersion matches, recording the
// diff as the next event.
func (s *Service) Update(ctx context.Context, id string, doc document.Value, expectedVersion int64) (res UpdateResult, err error) {
	ctx, span := s.startSpan(ctx, "Update", id)
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.Int64("design.expected_version", expectedVersion))
	if err := s.validate(doc); err != nil {
		return UpdateResult{}, err
	}
	var (
		row       store.DesignRecord
		truncated int64
	)
	err = s.backend.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		row, err = getDesign(ctx, tx, id)
		if err != nil {
			return err
		}
		if row.Version != expectedVersion {
			return errmodel.VersionConflict(expectedVersion, row.Version, map[string]any{"design_id": id})
		}
		current, err := document.Parse(row.Document)
		if err != nil {
			return err
		}
		p := patch.Diff(current, doc)
		if p.IsEmpty() {
			res = UpdateResult{Reason: ReasonNoChanges}
			return nil
		}
		if row.EventVersion < row.MaxEventVersion {
			truncated = row.MaxEventVersion - row.EventVersion
			if err := tx.DeleteEventsAfter(ctx, id, row.EventVersion); err != nil {
				return err
			}
			if err := tx.DeleteSnapshotsAfter(ctx, id, row.EventVersion); err != nil {
				return err
			}
			row.MaxEventVersion = row.EventVersion
		}
		encoded, err := patch.Encode(p)
		if err != nil {
			return err
		}
		now := s.nowMillis()
		seq := row.EventVersion + 1
		if err := appendEvent(ctx, tx, store.EventRecord{DesignID: id, Seq: seq, Timestamp: now, Patches: encoded}, expectedVersion); err != nil {
			return err
		}
		raw, err := doc.MarshalJSON()
		if err != nil {
			return err
		}
		if s.snapshotEvery > 0 && seq%int64(s.snapshotEvery) == 0 {
			if err := tx.SaveSnapshot(ctx, store.SnapshotRecord{DesignID: id, UptoSeq: seq, State: raw, CreatedAt: now}); err != nil {
				return err
			}
		}
		row.Document = raw
		row.Version++
		row.EventVersion = seq
		row.MaxEventVersion = seq
		row.UpdatedAt = now
		if err := updateDesign(ctx, tx, row, expectedVersion); err != nil {
			return err
		}
		res = UpdateResult{Accepted: true, NewVersion: row.Version}
		return nil
	})
	if err != nil {
		return UpdateResult{}, wrapTx("update design", err)
	}
	if res.NoChanges() {
		s.logger.Debug("design update had no changes", "design.id", id)
		return res, nil
	}
	recordAttrs(span, row)
	if truncated > 0 {
		s.logger.Info("design redo branch discarded", "design.id", id, "dropped", truncated, "event_version", row.EventVersion-1)
	}
	s.publish(ctx, notify.KindUpdated, row)
	return res, nil
}

// Undo moves the cursor back one event and rebuilds the document by replay.
func (s *Service) Undo(ctx context.Context, id string) (res StepResult, err error) {
	ctx, span := s.startSpan(ctx, "Undo", id)
	defer func() { endSpan(span, err) }()
	var row store.DesignRecord
	err = s.backend.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		row, err = getDesign(ctx, tx, id)
		if err != nil {
			return err
		}
		if row.EventVersion == 0 {
			res, err = boundary(row, MsgNothingToUndo)
			return err
		}
		target := row.EventVersion - 1
		doc, err := s.reconstruct(ctx, tx, row, target)
		if err != nil {
			return err
		}
		res, err = s.step(ctx, tx, &row, doc, target)
		return err
	})
	if err != nil {
		return StepResult{}, wrapTx("undo design", err)
	}
	if res.Success {
		recordAttrs(span, row)
		s.publish(ctx, notify.KindUndone, row)
	}
	return res, nil
}

// Redo reapplies the next event on top of the current document.
func (s *Service) Redo(ctx context.Context, id string) (res StepResult, err error) {
	ctx, span := s.startSpan(ctx, "Redo", id)
	defer func() { endSpan(span, err) }()
	var row store.DesignRecord
	err = s.backend.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		row, err = getDesign(ctx, tx, id)
		if err != nil {
			return err
		}
		if row.EventVersion >= row.MaxEventVersion {
			res, err = boundary(row, MsgNothingToRedo)
			return err
		}
		target := row.EventVersion + 1
		events, err := loadEvents(ctx, tx, id, row.EventVersion, target)
		if err != nil {
			return err
		}
		if len(events) != 1 {
			return errmodel.System("history_gap", fmt.Sprintf("event %d missing", target), map[string]any{"design_id": id}, nil)
		}
		current, err := document.Parse(row.Document)
		if err != nil {
			return err
		}
		doc, err := history.Replay(current, events)
		if err != nil {
			return err
		}
		res, err = s.step(ctx, tx, &row, doc, target)
		return err
	})
	if err != nil {
		return StepResult{}, wrapTx("redo design", err)
	}
	if res.Success {
		recordAttrs(span, row)
		s.publish(ctx, notify.KindRedone, row)
	}
	return res, nil
}

func boundary(row store.DesignRecord, msg string) (StepResult, error) {
	doc, err := document.Parse(row.Document)
	if err != nil {
		return StepResult{}, err
	}
	return StepResult{Message: msg, Document: doc, PreviousVersion: row.EventVersion, CurrentVersion: row.EventVersion}, nil
}

// step persists doc as the state at position target and bumps version.
func (s *Service) step(ctx context.Context, tx store.Tx, row *store.DesignRecord, doc document.Value, target int64) (StepResult, error) {
	raw, err := doc.MarshalJSON()
	if err != nil {
		return StepResult{}, err
	}
	prev := row.EventVersion
	expected := row.Version
	row.Document = raw
	row.Version++
	row.EventVersion = target
	row.UpdatedAt = s.nowMillis()
	if err := updateDesign(ctx, tx, *row, expected); err != nil {
		return StepResult{}, err
	}
	return StepResult{Success: true, Document: doc, PreviousVersion: prev, CurrentVersion: target}, nil
}

// reconstruct folds events up to target over the nearest snapshot or the
// base document.
func (s *Service) reconstruct(ctx context.Context, tx store.Tx, row store.DesignRecord, target int64) (document.Value, error) {
	startRaw, from := row.Base, int64(0)
	if target > 0 {
		sn, ok, err := tx.LatestSnapshot(ctx, row.ID, target)
		if err != nil {
			return document.Value{}, err
		}
		if ok {
			startRaw, from = sn.State, sn.UptoSeq
		}
	}
	start, err := document.Parse(startRaw)
	if err != nil {
		return document.Value{}, err
	}
	if from == target {
		return start, nil
	}
	events, err := loadEvents(ctx, tx, row.ID, from, target)
	if err != nil {
		return document.Value{}, err
	}
	if int64(len(events)) != target-from {
		return document.Value{}, errmodel.System("history_gap",
			fmt.Sprintf("expected %d events after %d, found %d", target-from, from, len(events)),
			map[string]any{"design_id": row.ID}, nil)
	}
	return history.Replay(start, events)
}

// Get returns the record, or nil when id is unknown.
func (s *Service) Get(ctx context.Context, id string) (rec *Record, err error) {
	ctx, span := s.startSpan(ctx, "Get", id)
	defer func() { endSpan(span, err) }()
	var row store.DesignRecord
	err = s.backend.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		row, err = tx.GetDesign(ctx, id)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get design: %w", err)
	}
	r, err := toRecord(row)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// List returns every record ordered by creation time.
func (s *Service) List(ctx context.Context) ([]Record, error) {
	var rows []store.DesignRecord
	if err := s.backend.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		rows, err = tx.ListDesigns(ctx)
		return err
	}); err != nil {
		return nil, fmt.Errorf("list designs: %w", err)
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		r, err := toRecord(row)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// History returns all stored events in ascending order, including any
// redo branch beyond the cursor.
func (s *Service) History(ctx context.Context, id string) ([]history.Event, error) {
	var events []history.Event
	if err := s.backend.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		events, err = loadEvents(ctx, tx, id, 0, -1)
		return err
	}); err != nil {
		return nil, fmt.Errorf("design history: %w", err)
	}
	if events == nil {
		events = []history.Event{}
	}
	return events, nil
}

func (s *Service) publish(ctx context.Context, kind notify.Kind, row store.DesignRecord) {
	c := notify.Change{
		DesignID:        row.ID,
		Kind:            kind,
		Version:         row.Version,
		EventVersion:    row.EventVersion,
		MaxEventVersion: row.MaxEventVersion,
		At:              row.UpdatedAt,
	}
	if err := s.publisher.Publish(ctx, c); err != nil {
		s.logger.Warn("publish change failed", "design.id", row.ID, "kind", kind, "err", err)
	}
}

func (s *Service) nowMillis() time.Time { return time.UnixMilli(s.now().UnixMilli()) }
