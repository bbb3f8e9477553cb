// Package kb defines the knowledge-base retriever consumed by the
// pipeline: a read-only view of the database catalog used for schema
// lookup, HITL suggestion validation, and the metadata branch.
//
// The retriever is shared by all concurrent sessions, so implementations
// must be safe for concurrent reads.
package kb

import "context"

// ColumnInfo describes one column of a table.
type ColumnInfo struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type" yaml:"type"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// TableInfo identifies a table and its one-line description.
type TableInfo struct {
	Database    string `json:"database" yaml:"database"`
	Table       string `json:"table" yaml:"table"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// TableSchema is the full schema of a single table.
type TableSchema struct {
	Database    string       `json:"database" yaml:"database"`
	Table       string       `json:"table" yaml:"table"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	Columns     []ColumnInfo `json:"columns" yaml:"columns"`
}

// Retriever is the read-only knowledge-base interface. The embedding
// store behind a production implementation is out of scope here; the
// pipeline only depends on this contract.
type Retriever interface {
	// ListDatabases returns every known database name.
	ListDatabases(ctx context.Context) ([]string, error)

	// ListTables returns the tables of one database.
	ListTables(ctx context.Context, database string) ([]TableInfo, error)

	// DatabaseExists reports whether the database is in the catalog.
	DatabaseExists(ctx context.Context, name string) (bool, error)

	// TableExists reports whether database.table is in the catalog.
	TableExists(ctx context.Context, database, table string) (bool, error)

	// SearchTables returns up to limit tables relevant to the query,
	// restricted to the given databases when non-empty.
	SearchTables(ctx context.Context, query string, databases []string, limit int) ([]TableInfo, error)

	// TableSchema returns the full schema of database.table.
	TableSchema(ctx context.Context, database, table string) (*TableSchema, error)
}
