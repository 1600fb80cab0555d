package gormstore

import (
	"encoding/json"
	"time"

	"github.com/wilhg/designsync/pkg/store"
)

func msTime(ms int64) time.Time { return time.UnixMilli(ms) }

func toDesignModel(r store.DesignRecord) DesignModel {
	return DesignModel{
		ID:              r.ID,
		Base:            r.Base,
		Document:        r.Document,
		Version:         r.Version,
		EventVersion:    r.EventVersion,
		MaxEventVersion: r.MaxEventVersion,
		CreatedAtMs:     r.CreatedAt.UnixMilli(),
		UpdatedAtMs:     r.UpdatedAt.UnixMilli(),
	}
}

func (m DesignModel) record() store.DesignRecord {
	return store.DesignRecord{
		ID:              m.ID,
		Base:            json.RawMessage(m.Base),
		Document:        json.RawMessage(m.Document),
		Version:         m.Version,
		EventVersion:    m.EventVersion,
		MaxEventVersion: m.MaxEventVersion,
		CreatedAt:       msTime(m.CreatedAtMs),
		UpdatedAt:       msTime(m.UpdatedAtMs),
	}
}
