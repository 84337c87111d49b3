package store

import (
	"sort"
	"strings"
)

// SortByDependencies orders tables so that referenced tables come before the
// tables referencing them. Ties are broken by name. Tables caught in a
// reference cycle are appended by name once no further progress is possible.
// Self references are ignored.
func SortByDependencies(tables []TableMeta) []TableMeta {
	byName := make(map[string]TableMeta, len(tables))
	pending := make(map[string]map[string]bool, len(tables))
	for _, t := range tables {
		byName[t.Name] = t
	}
	for _, t := range tables {
		deps := make(map[string]bool)
		for _, fk := range t.ForeignKeys {
			if fk.RefTable == t.Name {
				continue
			}
			if _, ok := byName[fk.RefTable]; ok {
				deps[fk.RefTable] = true
			}
		}
		pending[t.Name] = deps
	}

	result := make([]TableMeta, 0, len(tables))
	for len(pending) > 0 {
		var ready []string
		for name, deps := range pending {
			if len(deps) == 0 {
				ready = append(ready, name)
			}
		}
		if len(ready) == 0 {
			// Cycle: emit the rest deterministically.
			for name := range pending {
				ready = append(ready, name)
			}
		}
		sort.Strings(ready)
		for _, name := range ready {
			result = append(result, byName[name])
			delete(pending, name)
		}
		for _, deps := range pending {
			for _, name := range ready {
				delete(deps, name)
			}
		}
	}
	return result
}

// IndexTables returns the tables keyed by name.
func IndexTables(tables []TableMeta) map[string]TableMeta {
	idx := make(map[string]TableMeta, len(tables))
	for _, t := range tables {
		idx[t.Name] = t
	}
	return idx
}

// TableFilter restricts an operation to a set of tables.
// An empty filter allows every table.
type TableFilter []string

// Allows reports whether table passes the filter. Matching is case-insensitive.
func (f TableFilter) Allows(table string) bool {
	if len(f) == 0 {
		return true
	}
	for _, name := range f {
		if strings.EqualFold(name, table) {
			return true
		}
	}
	return false
}

// RowGroup is a run of rows sharing the same column set.
type RowGroup struct {
	Columns []string
	Rows    []Row
}

// GroupByColumns splits rows into groups with identical column sets,
// preserving the order in which each column set first appears.
// Backends use it to build one INSERT per column set.
func GroupByColumns(rows []Row) []RowGroup {
	var groups []RowGroup
	index := make(map[string]int)
	for _, row := range rows {
		cols := row.Columns()
		key := strings.Join(cols, "\x00")
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, RowGroup{Columns: cols})
		}
		groups[i].Rows = append(groups[i].Rows, row)
	}
	return groups
}
