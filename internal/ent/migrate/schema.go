// Package migrate declares the relational layout shared by the SQLite and
// PostgreSQL backends and applies it with ent's migration engine.
package migrate

import (
	"context"
	"fmt"

	"entgo.io/ent/dialect"
	"entgo.io/ent/dialect/sql/schema"
	"entgo.io/ent/schema/field"
)

var (
	// DesignsColumns holds the columns for the "designs" table.
	DesignsColumns = []*schema.Column{
		{Name: "id", Type: field.TypeString},
		{Name: "base", Type: field.TypeJSON},
		{Name: "document", Type: field.TypeJSON},
		{Name: "version", Type: field.TypeInt64},
		{Name: "event_version", Type: field.TypeInt64},
		{Name: "max_event_version", Type: field.TypeInt64},
		{Name: "created_at", Type: field.TypeInt64},
		{Name: "updated_at", Type: field.TypeInt64},
	}
	// DesignsTable holds the schema information for the "designs" table.
	DesignsTable = &schema.Table{
		Name:       "designs",
		Columns:    DesignsColumns,
		PrimaryKey: []*schema.Column{DesignsColumns[0]},
	}

	// DesignEventsColumns holds the columns for the "design_events" table.
	DesignEventsColumns = []*schema.Column{
		{Name: "id", Type: field.TypeInt64, Increment: true},
		{Name: "design_id", Type: field.TypeString},
		{Name: "seq", Type: field.TypeInt64},
		{Name: "ts", Type: field.TypeInt64},
		{Name: "patches", Type: field.TypeJSON},
		{Name: "checkpoint", Type: field.TypeString, Default: ""},
	}
	// DesignEventsTable holds the schema information for the "design_events" table.
	DesignEventsTable = &schema.Table{
		Name:       "design_events",
		Columns:    DesignEventsColumns,
		PrimaryKey: []*schema.Column{DesignEventsColumns[0]},
		Indexes: []*schema.Index{
			{Name: "designevent_design_id_seq", Unique: true, Columns: []*schema.Column{DesignEventsColumns[1], DesignEventsColumns[2]}},
		},
	}

	// DesignSnapshotsColumns holds the columns for the "design_snapshots" table.
	DesignSnapshotsColumns = []*schema.Column{
		{Name: "id", Type: field.TypeInt64, Increment: true},
		{Name: "design_id", Type: field.TypeString},
		{Name: "upto_seq", Type: field.TypeInt64},
		{Name: "state", Type: field.TypeJSON},
		{Name: "created_at", Type: field.TypeInt64},
	}
	// DesignSnapshotsTable holds the schema information for the "design_snapshots" table.
	DesignSnapshotsTable = &schema.Table{
		Name:       "design_snapshots",
		Columns:    DesignSnapshotsColumns,
		PrimaryKey: []*schema.Column{DesignSnapshotsColumns[0]},
		Indexes: []*schema.Index{
			{Name: "designsnapshot_design_id_upto_seq", Unique: true, Columns: []*schema.Column{DesignSnapshotsColumns[1], DesignSnapshotsColumns[2]}},
		},
	}

	// Tables holds all the tables in the schema.
	Tables = []*schema.Table{
		DesignsTable,
		DesignEventsTable,
		DesignSnapshotsTable,
	}
)

// Create creates or updates every table on drv.
func Create(ctx context.Context, drv dialect.Driver, opts ...schema.MigrateOption) error {
	m, err := schema.NewMigrate(drv, opts...)
	if err != nil {
		return fmt.Errorf("ent/migrate: %w", err)
	}
	return m.Create(ctx, Tables...)
}
