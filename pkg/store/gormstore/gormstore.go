// Package gormstore implements store.Backend on PostgreSQL through GORM.
package gormstore

import (
	"context"
	"errors"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/wilhg/designsync/pkg/store"
)

// Option allows configuring DB connection.
type Option func(*config)

type config struct {
	Logger logger.Interface
}

// WithLogger sets a custom GORM logger.
func WithLogger(l logger.Interface) Option { return func(c *config) { c.Logger = l } }

// Open opens a Postgres-backed GORM DB connection using the provided DSN
// and migrates the tables.
func Open(dsn string, opts ...Option) (*Store, error) {
	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}
	gormCfg := &gorm.Config{TranslateError: true}
	if cfg.Logger != nil {
		gormCfg.Logger = cfg.Logger
	}
	db, err := gorm.Open(postgres.Open(dsn), gormCfg)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&DesignModel{}, &EventModel{}, &SnapshotModel{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// DesignModel represents the GORM model for designs.
type DesignModel struct {
	ID              string `gorm:"primaryKey;type:text"`
	Base            []byte `gorm:"type:jsonb;not null"`
	Document        []byte `gorm:"type:jsonb;not null"`
	Version         int64  `gorm:"not null"`
	EventVersion    int64  `gorm:"not null"`
	MaxEventVersion int64  `gorm:"not null"`
	CreatedAtMs     int64  `gorm:"column:created_at;index;not null"`
	UpdatedAtMs     int64  `gorm:"column:updated_at;not null"`
}

func (DesignModel) TableName() string { return "designs" }

// EventModel represents the GORM model for events.
type EventModel struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	DesignID   string `gorm:"uniqueIndex:event_design_seq;type:text;not null"`
	Seq        int64  `gorm:"uniqueIndex:event_design_seq;not null"`
	Ts         int64  `gorm:"not null"`
	Patches    []byte `gorm:"type:jsonb;not null"`
	Checkpoint string `gorm:"type:text;not null;default:''"`
}

func (EventModel) TableName() string { return "design_events" }

// SnapshotModel represents the GORM model for snapshots.
type SnapshotModel struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	DesignID    string `gorm:"uniqueIndex:snap_design_seq;type:text;not null"`
	UptoSeq     int64  `gorm:"uniqueIndex:snap_design_seq;not null"`
	State       []byte `gorm:"type:jsonb;not null"`
	CreatedAtMs int64  `gorm:"column:created_at;not null"`
}

func (SnapshotModel) TableName() string { return "design_snapshots" }

// Store implements store.Backend using GORM.
type Store struct{ db *gorm.DB }

// RunInTx implements store.Backend.
func (s *Store) RunInTx(ctx context.Context, fn func(context.Context, store.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, &txStore{db: tx})
	})
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type txStore struct{ db *gorm.DB }

func translate(err error) error {
	switch {
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return errors.Join(store.ErrDuplicate, err)
	case errors.Is(err, gorm.ErrRecordNotFound):
		return store.ErrNotFound
	}
	return err
}

func (t *txStore) InsertDesign(ctx context.Context, rec store.DesignRecord) error {
	m := toDesignModel(rec)
	return translate(t.db.WithContext(ctx).Create(&m).Error)
}

func (t *txStore) GetDesign(ctx context.Context, id string) (store.DesignRecord, error) {
	var m DesignModel
	if err := t.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return store.DesignRecord{}, translate(err)
	}
	return m.record(), nil
}

func (t *txStore) ListDesigns(ctx context.Context) ([]store.DesignRecord, error) {
	var models []DesignModel
	if err := t.db.WithContext(ctx).Order("created_at asc, id asc").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]store.DesignRecord, 0, len(models))
	for _, m := range models {
		out = append(out, m.record())
	}
	return out, nil
}

func (t *txStore) UpdateDesign(ctx context.Context, rec store.DesignRecord, expectedVersion int64) error {
	res := t.db.WithContext(ctx).Model(&DesignModel{}).
		Where("id = ? AND version = ?", rec.ID, expectedVersion).
		Updates(map[string]any{
			"document":          rec.Document,
			"version":           rec.Version,
			"event_version":     rec.EventVersion,
			"max_event_version": rec.MaxEventVersion,
			"updated_at":        rec.UpdatedAt.UnixMilli(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := t.GetDesign(ctx, rec.ID); err != nil {
			return err
		}
		return store.ErrStaleVersion
	}
	return nil
}

func (t *txStore) AppendEvent(ctx context.Context, e store.EventRecord) error {
	patches := []byte(e.Patches)
	if len(patches) == 0 {
		patches = []byte(`[]`)
	}
	m := EventModel{DesignID: e.DesignID, Seq: e.Seq, Ts: e.Timestamp.UnixMilli(), Patches: patches, Checkpoint: e.Checkpoint}
	return translate(t.db.WithContext(ctx).Create(&m).Error)
}

func (t *txStore) ListEvents(ctx context.Context, designID string, afterSeq, uptoSeq int64) ([]store.EventRecord, error) {
	q := t.db.WithContext(ctx).Where("design_id = ? AND seq > ?", designID, afterSeq)
	if uptoSeq >= 0 {
		q = q.Where("seq <= ?", uptoSeq)
	}
	var models []EventModel
	if err := q.Order("seq asc").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]store.EventRecord, 0, len(models))
	for _, m := range models {
		out = append(out, store.EventRecord{
			DesignID:   m.DesignID,
			Seq:        m.Seq,
			Timestamp:  msTime(m.Ts),
			Patches:    m.Patches,
			Checkpoint: m.Checkpoint,
		})
	}
	return out, nil
}

func (t *txStore) DeleteEventsAfter(ctx context.Context, designID string, seq int64) error {
	return t.db.WithContext(ctx).Where("design_id = ? AND seq > ?", designID, seq).Delete(&EventModel{}).Error
}

func (t *txStore) SaveSnapshot(ctx context.Context, sn store.SnapshotRecord) error {
	m := SnapshotModel{DesignID: sn.DesignID, UptoSeq: sn.UptoSeq, State: sn.State, CreatedAtMs: sn.CreatedAt.UnixMilli()}
	return translate(t.db.WithContext(ctx).Create(&m).Error)
}

func (t *txStore) LatestSnapshot(ctx context.Context, designID string, atOrBefore int64) (store.SnapshotRecord, bool, error) {
	var m SnapshotModel
	err := t.db.WithContext(ctx).
		Where("design_id = ? AND upto_seq <= ?", designID, atOrBefore).
		Order("upto_seq desc").
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.SnapshotRecord{}, false, nil
	}
	if err != nil {
		return store.SnapshotRecord{}, false, err
	}
	return store.SnapshotRecord{DesignID: m.DesignID, UptoSeq: m.UptoSeq, State: m.State, CreatedAt: msTime(m.CreatedAtMs)}, true, nil
}

func (t *txStore) DeleteSnapshotsAfter(ctx context.Context, designID string, seq int64) error {
	return t.db.WithContext(ctx).Where("design_id = ? AND upto_seq > ?", designID, seq).Delete(&SnapshotModel{}).Error
}
