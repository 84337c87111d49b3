package postgres

import (
	"context"
	"fmt"

	"github.com/JonMunkholm/tablesnap/internal/store"
)

const columnsQuery = `
SELECT c.table_name, c.column_name, c.data_type, c.is_nullable = 'YES', t.table_type <> 'BASE TABLE'
FROM information_schema.columns c
JOIN information_schema.tables t
  ON t.table_schema = c.table_schema AND t.table_name = c.table_name
WHERE c.table_schema = $1
ORDER BY c.table_name, c.ordinal_position`

const primaryKeysQuery = `
SELECT tc.table_name, kcu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON kcu.constraint_name = tc.constraint_name
 AND kcu.table_schema = tc.table_schema
 AND kcu.table_name = tc.table_name
WHERE tc.table_schema = $1 AND tc.constraint_type = 'PRIMARY KEY'
ORDER BY tc.table_name, kcu.ordinal_position`

const foreignKeysQuery = `
SELECT src.relname, ref.relname,
  ARRAY(SELECT a.attname::text
        FROM unnest(con.conkey) WITH ORDINALITY AS k(attnum, ord)
        JOIN pg_attribute a ON a.attrelid = con.conrelid AND a.attnum = k.attnum
        ORDER BY k.ord),
  ARRAY(SELECT a.attname::text
        FROM unnest(con.confkey) WITH ORDINALITY AS k(attnum, ord)
        JOIN pg_attribute a ON a.attrelid = con.confrelid AND a.attnum = k.attnum
        ORDER BY k.ord)
FROM pg_constraint con
JOIN pg_class src ON src.oid = con.conrelid
JOIN pg_class ref ON ref.oid = con.confrelid
JOIN pg_namespace ns ON ns.oid = src.relnamespace
WHERE con.contype = 'f' AND ns.nspname = $1
ORDER BY src.relname, con.conname`

// listTables reads tables, views, primary and foreign keys of one schema and
// returns them parents first.
func listTables(ctx context.Context, db DBTX, schema string) ([]store.TableMeta, error) {
	byName := make(map[string]*store.TableMeta)
	var order []string

	rows, err := db.Query(ctx, columnsQuery, schema)
	if err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}
	for rows.Next() {
		var table string
		var col store.ColumnMeta
		var readOnly bool
		if err := rows.Scan(&table, &col.Name, &col.Type, &col.Nullable, &readOnly); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan column: %w", err)
		}
		meta, ok := byName[table]
		if !ok {
			meta = &store.TableMeta{Name: table, ReadOnly: readOnly}
			byName[table] = meta
			order = append(order, table)
		}
		meta.Columns = append(meta.Columns, col)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}

	rows, err = db.Query(ctx, primaryKeysQuery, schema)
	if err != nil {
		return nil, fmt.Errorf("list primary keys: %w", err)
	}
	for rows.Next() {
		var table, col string
		if err := rows.Scan(&table, &col); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan primary key: %w", err)
		}
		if meta, ok := byName[table]; ok {
			meta.PrimaryKey = append(meta.PrimaryKey, col)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list primary keys: %w", err)
	}

	rows, err = db.Query(ctx, foreignKeysQuery, schema)
	if err != nil {
		return nil, fmt.Errorf("list foreign keys: %w", err)
	}
	for rows.Next() {
		var table string
		var fk store.ForeignKey
		if err := rows.Scan(&table, &fk.RefTable, &fk.Columns, &fk.RefColumns); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan foreign key: %w", err)
		}
		if meta, ok := byName[table]; ok {
			meta.ForeignKeys = append(meta.ForeignKeys, fk)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list foreign keys: %w", err)
	}

	tables := make([]store.TableMeta, 0, len(order))
	for _, name := range order {
		tables = append(tables, *byName[name])
	}
	return store.SortByDependencies(tables), nil
}

func findTable(ctx context.Context, db DBTX, schema, table string) (store.TableMeta, error) {
	tables, err := listTables(ctx, db, schema)
	if err != nil {
		return store.TableMeta{}, err
	}
	meta, ok := store.IndexTables(tables)[table]
	if !ok {
		return store.TableMeta{}, fmt.Errorf("%w: %s", store.ErrUnknownTable, table)
	}
	return meta, nil
}
