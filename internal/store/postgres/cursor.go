package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JonMunkholm/tablesnap/internal/store"
)

func openCursor(ctx context.Context, db DBTX, schema, table string) (store.RowIterator, error) {
	meta, err := findTable(ctx, db, schema, table)
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(ctx, buildSelect(qualify(schema, table), meta.PrimaryKey))
	if err != nil {
		return nil, fmt.Errorf("select from %s: %w", table, err)
	}
	fields := rows.FieldDescriptions()
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = f.Name
	}
	return &cursor{rows: rows, cols: cols}, nil
}

// cursor streams rows from a pgx result set. A value that cannot be
// converted fails only its own row.
type cursor struct {
	rows   pgx.Rows
	cols   []string
	cur    store.Row
	rowErr error
}

func (c *cursor) Next() bool {
	if !c.rows.Next() {
		return false
	}
	c.cur, c.rowErr = nil, nil

	values, err := c.rows.Values()
	if err != nil {
		c.rowErr = err
		return true
	}
	row := make(store.Row, len(values))
	for i, v := range values {
		cv, err := convertValue(v)
		if err != nil {
			c.rowErr = fmt.Errorf("column %s: %w", c.cols[i], err)
			return true
		}
		row[c.cols[i]] = cv
	}
	c.cur = row
	return true
}

func (c *cursor) Row() (store.Row, error) { return c.cur, c.rowErr }

func (c *cursor) Err() error { return c.rows.Err() }

func (c *cursor) Close() error {
	c.rows.Close()
	return nil
}
