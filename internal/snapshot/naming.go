package snapshot

import (
	"strings"

	"github.com/JonMunkholm/tablesnap/internal/store"
)

// ExternalName converts a snake_case store column to the camelCase name used
// in snapshot files. Names without underscores are returned unchanged.
//
//	created_at -> createdAt
//	id         -> id
func ExternalName(column string) string {
	if !strings.Contains(column, "_") {
		return column
	}
	parts := strings.Split(column, "_")
	var b strings.Builder
	b.Grow(len(column))
	first := true
	for _, p := range parts {
		if p == "" {
			continue
		}
		if first {
			b.WriteString(p)
			first = false
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	if b.Len() == 0 {
		return column
	}
	return b.String()
}

// ColumnMapper translates between store column names and snapshot names for
// one table. Columns whose external names would collide keep their store
// name on both sides so the mapping stays reversible.
type ColumnMapper struct {
	toExternal map[string]string
	toInternal map[string]string
}

// NewColumnMapper builds the mapping from the live catalog entry.
func NewColumnMapper(meta store.TableMeta) *ColumnMapper {
	counts := make(map[string]int, len(meta.Columns))
	for _, c := range meta.Columns {
		counts[ExternalName(c.Name)]++
	}

	m := &ColumnMapper{
		toExternal: make(map[string]string, len(meta.Columns)),
		toInternal: make(map[string]string, len(meta.Columns)*2),
	}
	for _, c := range meta.Columns {
		ext := ExternalName(c.Name)
		if counts[ext] > 1 {
			ext = c.Name
		}
		m.toExternal[c.Name] = ext
		m.toInternal[ext] = c.Name
	}
	// Files written with raw store names still resolve.
	for _, c := range meta.Columns {
		if _, ok := m.toInternal[c.Name]; !ok {
			m.toInternal[c.Name] = c.Name
		}
	}
	return m
}

// External returns the snapshot name for a store column.
func (m *ColumnMapper) External(column string) string {
	if ext, ok := m.toExternal[column]; ok {
		return ext
	}
	return ExternalName(column)
}

// ToExternal renames every column of row to its snapshot name.
func (m *ColumnMapper) ToExternal(row store.Row) store.Row {
	out := make(store.Row, len(row))
	for col, v := range row {
		out[m.External(col)] = v
	}
	return out
}

// ToInternal renames snapshot columns to store columns. Columns the live
// table no longer has are dropped and returned by their snapshot name.
func (m *ColumnMapper) ToInternal(values map[string]any) (store.Row, []string) {
	out := make(store.Row, len(values))
	var unknown []string
	for ext, v := range values {
		col, ok := m.toInternal[ext]
		if !ok {
			unknown = append(unknown, ext)
			continue
		}
		out[col] = v
	}
	return out, unknown
}
