// Package sqlite implements the row store on SQLite through the pure-Go
// modernc.org/sqlite driver.
//
// The pool holds a single connection. SQLite allows one writer at a time and
// an in-memory database exists only on the connection that created it.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/JonMunkholm/tablesnap/internal/store"
)

// maxParams is SQLite's default limit on host parameters per statement.
const maxParams = 32766

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Store is a store.Store backed by a SQLite database.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open opens the database at dsn, for example "file:app.db" or ":memory:",
// and enables foreign key enforcement.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if !strings.Contains(dsn, ":memory:") && !strings.Contains(dsn, "mode=memory") {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Driver implements store.Store.
func (s *Store) Driver() string { return "sqlite" }

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close implements store.Store.
func (s *Store) Close() error { return s.db.Close() }

// ListTables implements store.Catalog.
func (s *Store) ListTables(ctx context.Context) ([]store.TableMeta, error) {
	return listTables(ctx, s.db)
}

// OpenCursor implements store.RowReader.
func (s *Store) OpenCursor(ctx context.Context, table string) (store.RowIterator, error) {
	return openCursor(ctx, s.db, table)
}

// Begin implements store.Store.
func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// Tx is a store.Tx on one SQLite transaction.
type Tx struct {
	tx *sql.Tx
}

var (
	_ store.Tx               = (*Tx)(nil)
	_ store.IntegrityToggler = (*Tx)(nil)
)

// OpenCursor implements store.RowReader.
func (t *Tx) OpenCursor(ctx context.Context, table string) (store.RowIterator, error) {
	return openCursor(ctx, t.tx, table)
}

// DeleteAll implements store.RowWriter.
func (t *Tx) DeleteAll(ctx context.Context, table string) (int64, error) {
	res, err := t.tx.ExecContext(ctx, "DELETE FROM "+store.QuoteIdentifier(table))
	if err != nil {
		return 0, fmt.Errorf("delete from %s: %w", table, err)
	}
	return res.RowsAffected()
}

// MultiInsert implements store.RowWriter.
func (t *Tx) MultiInsert(ctx context.Context, table string, rows []store.Row) error {
	target := store.QuoteIdentifier(table)
	for _, g := range store.GroupByColumns(rows) {
		if len(g.Columns) == 0 {
			for range g.Rows {
				if _, err := t.tx.ExecContext(ctx, "INSERT INTO "+target+" DEFAULT VALUES"); err != nil {
					return err
				}
			}
			continue
		}
		size := max(maxParams/len(g.Columns), 1)
		for start := 0; start < len(g.Rows); start += size {
			chunk := g.Rows[start:min(start+size, len(g.Rows))]
			args := make([]any, 0, len(chunk)*len(g.Columns))
			for _, row := range chunk {
				for _, col := range g.Columns {
					args = append(args, row[col])
				}
			}
			if _, err := t.tx.ExecContext(ctx, buildInsert(target, g.Columns, len(chunk)), args...); err != nil {
				return err
			}
		}
	}
	return nil
}

// UpdateByPK implements store.RowWriter.
func (t *Tx) UpdateByPK(ctx context.Context, table string, pk store.Row, values store.Row) error {
	setCols, pkCols := values.Columns(), pk.Columns()
	if len(setCols) == 0 || len(pkCols) == 0 {
		return fmt.Errorf("update %s: empty column set", table)
	}
	args := make([]any, 0, len(setCols)+len(pkCols))
	for _, c := range setCols {
		args = append(args, values[c])
	}
	for _, c := range pkCols {
		args = append(args, pk[c])
	}
	res, err := t.tx.ExecContext(ctx, buildUpdate(store.QuoteIdentifier(table), setCols, pkCols), args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s: %w", table, err)
	}
	if n != 1 {
		return fmt.Errorf("update %s: %d rows matched primary key", table, n)
	}
	return nil
}

// DisableIntegrity implements store.IntegrityToggler. SQLite cannot switch
// foreign keys off inside a transaction, so checks are deferred to commit
// instead. The committed data must therefore be consistent, which holds when
// rows arrive parents first.
func (t *Tx) DisableIntegrity(ctx context.Context) error {
	_, err := t.tx.ExecContext(ctx, "PRAGMA defer_foreign_keys = ON")
	return err
}

// EnableIntegrity implements store.IntegrityToggler. Outstanding violations
// are reported here, while the transaction can still be rolled back. A
// failed COMMIT would leave it open on the connection.
func (t *Tx) EnableIntegrity(ctx context.Context) error {
	var violations int
	if err := t.tx.QueryRowContext(ctx, "SELECT count(*) FROM pragma_foreign_key_check").Scan(&violations); err != nil {
		return fmt.Errorf("foreign key check: %w", err)
	}
	if violations > 0 {
		return fmt.Errorf("foreign key check: %d violations", violations)
	}
	_, err := t.tx.ExecContext(ctx, "PRAGMA defer_foreign_keys = OFF")
	return err
}

// Commit implements store.Tx.
func (t *Tx) Commit(ctx context.Context) error { return t.tx.Commit() }

// Rollback implements store.Tx.
func (t *Tx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}
