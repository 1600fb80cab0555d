package versionstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/wilhg/designsync/pkg/document"
	"github.com/wilhg/designsync/pkg/errmodel"
	"github.com/wilhg/designsync/pkg/history"
	"github.com/wilhg/designsync/pkg/patch"
	"github.com/wilhg/designsync/pkg/store"
)

func getDesign(ctx context.Context, tx store.Tx, id string) (store.DesignRecord, error) {
	row, err := tx.GetDesign(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return row, errmodel.NotFound("design not found", map[string]any{"design_id": id})
	}
	return row, err
}

// updateDesign maps a lost race on the conditional write to a conflict.
func updateDesign(ctx context.Context, tx store.Tx, row store.DesignRecord, expected int64) error {
	err := tx.UpdateDesign(ctx, row, expected)
	if errors.Is(err, store.ErrStaleVersion) {
		return concurrentWrite(row.ID, expected)
	}
	return err
}

// appendEvent maps a duplicate position, which only a racing writer can
// produce, to a conflict.
func appendEvent(ctx context.Context, tx store.Tx, e store.EventRecord, expected int64) error {
	err := tx.AppendEvent(ctx, e)
	if errors.Is(err, store.ErrDuplicate) {
		return concurrentWrite(e.DesignID, expected)
	}
	return err
}

func concurrentWrite(id string, expected int64) *errmodel.Error {
	return errmodel.New(errmodel.CategoryConflict, errmodel.CodeVersionConflict,
		"design was modified concurrently", map[string]any{"design_id": id, "expected_version": expected})
}

func loadEvents(ctx context.Context, tx store.Tx, id string, after, upto int64) ([]history.Event, error) {
	rows, err := tx.ListEvents(ctx, id, after, upto)
	if err != nil {
		return nil, err
	}
	out := make([]history.Event, 0, len(rows))
	for _, r := range rows {
		p, err := patch.Decode(r.Patches)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", r.Seq, err)
		}
		out = append(out, history.Event{
			Version:    r.Seq,
			Timestamp:  r.Timestamp.UnixMilli(),
			Patches:    p,
			Checkpoint: r.Checkpoint,
		})
	}
	return out, nil
}

func toRecord(row store.DesignRecord) (Record, error) {
	doc, err := document.Parse(row.Document)
	if err != nil {
		return Record{}, err
	}
	return Record{
		ID:              row.ID,
		Document:        doc,
		Version:         row.Version,
		EventVersion:    row.EventVersion,
		MaxEventVersion: row.MaxEventVersion,
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
	}, nil
}

// wrapTx keeps domain errors unwrapped so their category survives
// errmodel.From, and adds context to storage failures.
func wrapTx(op string, err error) error {
	var e *errmodel.Error
	if errors.As(err, &e) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}
