package sqlite

import (
	"context"
	"fmt"
	"sort"

	"github.com/JonMunkholm/tablesnap/internal/store"
)

const objectsQuery = `
SELECT name, type = 'view' FROM sqlite_master
WHERE type IN ('table', 'view') AND name NOT LIKE 'sqlite_%'
ORDER BY name`

const columnsQuery = `SELECT name, type, "notnull", pk FROM pragma_table_info(?) ORDER BY cid`

const foreignKeysQuery = `SELECT id, seq, "table", "from", "to" FROM pragma_foreign_key_list(?) ORDER BY id, seq`

// listTables reads the schema. Queries run one after another because the
// pool has a single connection.
func listTables(ctx context.Context, q querier) ([]store.TableMeta, error) {
	rows, err := q.QueryContext(ctx, objectsQuery)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	var tables []store.TableMeta
	for rows.Next() {
		var meta store.TableMeta
		if err := rows.Scan(&meta.Name, &meta.ReadOnly); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan table: %w", err)
		}
		tables = append(tables, meta)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}

	for i := range tables {
		if err := loadColumns(ctx, q, &tables[i]); err != nil {
			return nil, err
		}
		if err := loadForeignKeys(ctx, q, &tables[i]); err != nil {
			return nil, err
		}
	}
	return store.SortByDependencies(tables), nil
}

func loadColumns(ctx context.Context, q querier, meta *store.TableMeta) error {
	rows, err := q.QueryContext(ctx, columnsQuery, meta.Name)
	if err != nil {
		return fmt.Errorf("columns of %s: %w", meta.Name, err)
	}
	defer rows.Close()

	type pkCol struct {
		name string
		pos  int
	}
	var pks []pkCol
	for rows.Next() {
		var col store.ColumnMeta
		var notNull bool
		var pk int
		if err := rows.Scan(&col.Name, &col.Type, &notNull, &pk); err != nil {
			return fmt.Errorf("scan column of %s: %w", meta.Name, err)
		}
		col.Nullable = !notNull
		meta.Columns = append(meta.Columns, col)
		if pk > 0 {
			pks = append(pks, pkCol{col.Name, pk})
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("columns of %s: %w", meta.Name, err)
	}
	sort.Slice(pks, func(i, j int) bool { return pks[i].pos < pks[j].pos })
	for _, p := range pks {
		meta.PrimaryKey = append(meta.PrimaryKey, p.name)
	}
	return nil
}

func loadForeignKeys(ctx context.Context, q querier, meta *store.TableMeta) error {
	if meta.ReadOnly {
		return nil
	}
	rows, err := q.QueryContext(ctx, foreignKeysQuery, meta.Name)
	if err != nil {
		return fmt.Errorf("foreign keys of %s: %w", meta.Name, err)
	}
	defer rows.Close()

	lastID := -1
	for rows.Next() {
		var id, seq int
		var ref, from string
		var to *string
		if err := rows.Scan(&id, &seq, &ref, &from, &to); err != nil {
			return fmt.Errorf("scan foreign key of %s: %w", meta.Name, err)
		}
		if id != lastID {
			meta.ForeignKeys = append(meta.ForeignKeys, store.ForeignKey{RefTable: ref})
			lastID = id
		}
		fk := &meta.ForeignKeys[len(meta.ForeignKeys)-1]
		fk.Columns = append(fk.Columns, from)
		if to != nil {
			fk.RefColumns = append(fk.RefColumns, *to)
		}
	}
	return rows.Err()
}

func findTable(ctx context.Context, q querier, table string) (store.TableMeta, error) {
	tables, err := listTables(ctx, q)
	if err != nil {
		return store.TableMeta{}, err
	}
	meta, ok := store.IndexTables(tables)[table]
	if !ok {
		return store.TableMeta{}, fmt.Errorf("%w: %s", store.ErrUnknownTable, table)
	}
	return meta, nil
}
