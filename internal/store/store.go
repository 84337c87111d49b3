// Package store defines the table catalog and row store collaborators used by
// the snapshot engine and the nested-set repairer.
//
// Backends live in sub-packages (postgres, sqlite). Rows cross this boundary
// as plain column maps whose values are already normalized to one of:
// nil, bool, int64, float64, string or time.Time.
package store

import (
	"context"
	"errors"
	"sort"
	"strings"
)

// ErrUnknownTable is returned when an operation names a table the catalog
// does not know about.
var ErrUnknownTable = errors.New("unknown table")

// Row maps column name to scalar value.
type Row map[string]any

// Columns returns the row's column names in sorted order.
func (r Row) Columns() []string {
	cols := make([]string, 0, len(r))
	for c := range r {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// ColumnMeta describes a single table column.
type ColumnMeta struct {
	Name     string
	Type     string // Store-native type name, informational only
	Nullable bool
}

// ForeignKey describes a reference from one table to another.
type ForeignKey struct {
	Columns    []string
	RefTable   string
	RefColumns []string
}

// TableMeta contains everything the engine needs to know about a table.
type TableMeta struct {
	Name        string
	Columns     []ColumnMeta
	PrimaryKey  []string
	ForeignKeys []ForeignKey

	// ReadOnly tables (views, configured exclusions) are never cleared or
	// written during a restore.
	ReadOnly bool
}

// ColumnNames returns the table's column names in catalog order.
func (t TableMeta) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// HasColumn reports whether the table defines the named column.
func (t TableMeta) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if c.Name == name {
			return true
		}
	}
	return false
}

// Catalog enumerates the tables of a store.
type Catalog interface {
	ListTables(ctx context.Context) ([]TableMeta, error)
}

// RowIterator is a forward-only cursor over the rows of one table.
//
// Row returns the current row; a non-nil error there is a row-level failure
// (the cursor remains usable). Err reports cursor-level failures after Next
// returns false.
type RowIterator interface {
	Next() bool
	Row() (Row, error)
	Err() error
	Close() error
}

// RowReader opens cursors.
type RowReader interface {
	OpenCursor(ctx context.Context, table string) (RowIterator, error)
}

// RowWriter mutates rows.
type RowWriter interface {
	// DeleteAll removes every row of table without emulating cascades.
	DeleteAll(ctx context.Context, table string) (int64, error)

	// MultiInsert inserts rows with as few statements as the backend allows.
	MultiInsert(ctx context.Context, table string, rows []Row) error

	// UpdateByPK sets values on the single row identified by pk.
	UpdateByPK(ctx context.Context, table string, pk Row, values Row) error
}

// Tx is a store transaction.
type Tx interface {
	RowReader
	RowWriter
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store is the full collaborator consumed by the service layer.
type Store interface {
	Catalog
	RowReader
	Begin(ctx context.Context) (Tx, error)

	// Driver names the backend for logs and snapshot listings.
	Driver() string

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// IntegrityToggler is implemented by transactions whose backend can switch
// off referential integrity checks for the rest of the transaction.
// Without it, restores rely on catalog order (parents first).
type IntegrityToggler interface {
	DisableIntegrity(ctx context.Context) error
	EnableIntegrity(ctx context.Context) error
}

// QuoteIdentifier quotes a SQL identifier with double quotes.
// Works for both PostgreSQL and SQLite.
func QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QuoteColumns quotes each column name.
func QuoteColumns(cols []string) []string {
	quoted := make([]string, len(cols))
	for i, col := range cols {
		quoted[i] = QuoteIdentifier(col)
	}
	return quoted
}
