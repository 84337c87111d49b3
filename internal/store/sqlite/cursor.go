package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/JonMunkholm/tablesnap/internal/store"
)

func openCursor(ctx context.Context, q querier, table string) (store.RowIterator, error) {
	meta, err := findTable(ctx, q, table)
	if err != nil {
		return nil, err
	}
	query := "SELECT * FROM " + store.QuoteIdentifier(table)
	if len(meta.PrimaryKey) > 0 {
		query += " ORDER BY " + strings.Join(store.QuoteColumns(meta.PrimaryKey), ", ")
	} else if !meta.ReadOnly {
		query += " ORDER BY rowid"
	}
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("select from %s: %w", table, err)
	}
	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, fmt.Errorf("columns of %s: %w", table, err)
	}
	return &cursor{rows: rows, cols: cols}, nil
}

type cursor struct {
	rows   *sql.Rows
	cols   []string
	cur    store.Row
	rowErr error
}

func (c *cursor) Next() bool {
	if !c.rows.Next() {
		return false
	}
	c.cur, c.rowErr = nil, nil

	values := make([]any, len(c.cols))
	ptrs := make([]any, len(c.cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := c.rows.Scan(ptrs...); err != nil {
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

func (c *cursor) Close() error { return c.rows.Close() }

func convertValue(v any) (any, error) {
	switch x := v.(type) {
	case nil, bool, int64, string, time.Time:
		return x, nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, fmt.Errorf("non-finite float %v", x)
		}
		return x, nil
	case int:
		return int64(x), nil
	case []byte:
		return nil, fmt.Errorf("binary value of %d bytes has no scalar form", len(x))
	}
	return nil, fmt.Errorf("unsupported value type %T", v)
}

func buildInsert(target string, cols []string, n int) string {
	row := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + ")"
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(target)
	b.WriteString(" (")
	b.WriteString(strings.Join(store.QuoteColumns(cols), ", "))
	b.WriteString(") VALUES ")
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(row)
	}
	return b.String()
}

func buildUpdate(target string, setCols, pkCols []string) string {
	set := make([]string, len(setCols))
	for i, c := range setCols {
		set[i] = store.QuoteIdentifier(c) + " = ?"
	}
	where := make([]string, len(pkCols))
	for i, c := range pkCols {
		where[i] = store.QuoteIdentifier(c) + " = ?"
	}
	return "UPDATE " + target + " SET " + strings.Join(set, ", ") + " WHERE " + strings.Join(where, " AND ")
}
