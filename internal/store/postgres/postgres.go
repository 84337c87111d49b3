// Package postgres implements the row store on PostgreSQL using pgx.
//
// Referential integrity is switched off during a restore with
// session_replication_role, which requires a superuser or a role granted
// SET on that parameter. Without it the restore fails at the integrity phase.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/tablesnap/internal/store"
)

// DBTX is the interface for database operations.
// Satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Config holds pool settings.
type Config struct {
	URL             string
	Schema          string
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// Store is a store.Store backed by a pgx pool.
type Store struct {
	pool   *pgxpool.Pool
	schema string
}

var _ store.Store = (*Store)(nil)

// Open creates a connection pool and verifies connectivity.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return New(pool, cfg.Schema), nil
}

// New wraps an existing pool. An empty schema means "public".
func New(pool *pgxpool.Pool, schema string) *Store {
	if schema == "" {
		schema = "public"
	}
	return &Store{pool: pool, schema: schema}
}

// Pool exposes the underlying pool.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Driver implements store.Store.
func (s *Store) Driver() string { return "postgres" }

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close implements store.Store.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// ListTables implements store.Catalog.
func (s *Store) ListTables(ctx context.Context) ([]store.TableMeta, error) {
	return listTables(ctx, s.pool, s.schema)
}

// OpenCursor implements store.RowReader.
func (s *Store) OpenCursor(ctx context.Context, table string) (store.RowIterator, error) {
	return openCursor(ctx, s.pool, s.schema, table)
}

// Begin implements store.Store.
func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	t, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &Tx{tx: t, schema: s.schema}, nil
}

// Tx is a store.Tx on a single pgx transaction.
type Tx struct {
	tx     pgx.Tx
	schema string
}

var (
	_ store.Tx               = (*Tx)(nil)
	_ store.IntegrityToggler = (*Tx)(nil)
)

// OpenCursor implements store.RowReader.
func (t *Tx) OpenCursor(ctx context.Context, table string) (store.RowIterator, error) {
	return openCursor(ctx, t.tx, t.schema, table)
}

// DeleteAll implements store.RowWriter.
func (t *Tx) DeleteAll(ctx context.Context, table string) (int64, error) {
	tag, err := t.tx.Exec(ctx, "DELETE FROM "+qualify(t.schema, table))
	if err != nil {
		return 0, fmt.Errorf("delete from %s: %w", table, err)
	}
	return tag.RowsAffected(), nil
}

// MultiInsert implements store.RowWriter. Rows are grouped by column set and
// each group is sent in statements that stay under the bind parameter limit.
func (t *Tx) MultiInsert(ctx context.Context, table string, rows []store.Row) error {
	target := qualify(t.schema, table)
	for _, g := range store.GroupByColumns(rows) {
		if len(g.Columns) == 0 {
			for range g.Rows {
				if _, err := t.tx.Exec(ctx, "INSERT INTO "+target+" DEFAULT VALUES"); err != nil {
					return err
				}
			}
			continue
		}
		size := insertChunkSize(len(g.Columns))
		for start := 0; start < len(g.Rows); start += size {
			end := min(start+size, len(g.Rows))
			chunk := g.Rows[start:end]
			args := make([]any, 0, len(chunk)*len(g.Columns))
			for _, row := range chunk {
				for _, col := range g.Columns {
					args = append(args, row[col])
				}
			}
			if _, err := t.tx.Exec(ctx, buildInsert(target, g.Columns, len(chunk)), args...); err != nil {
				return err
			}
		}
	}
	return nil
}

// UpdateByPK implements store.RowWriter.
func (t *Tx) UpdateByPK(ctx context.Context, table string, pk store.Row, values store.Row) error {
	setCols := values.Columns()
	pkCols := pk.Columns()
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
	tag, err := t.tx.Exec(ctx, buildUpdate(qualify(t.schema, table), setCols, pkCols), args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", table, err)
	}
	if n := tag.RowsAffected(); n != 1 {
		return fmt.Errorf("update %s: %d rows matched primary key", table, n)
	}
	return nil
}

// DisableIntegrity implements store.IntegrityToggler. Triggers, including
// the ones enforcing foreign keys, stay off until the transaction ends.
func (t *Tx) DisableIntegrity(ctx context.Context) error {
	_, err := t.tx.Exec(ctx, "SET LOCAL session_replication_role = replica")
	return err
}

// EnableIntegrity implements store.IntegrityToggler.
func (t *Tx) EnableIntegrity(ctx context.Context) error {
	_, err := t.tx.Exec(ctx, "SET LOCAL session_replication_role = DEFAULT")
	return err
}

// Commit implements store.Tx.
func (t *Tx) Commit(ctx context.Context) error { return t.tx.Commit(ctx) }

// Rollback implements store.Tx. Rolling back a finished transaction is a no-op.
func (t *Tx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}
