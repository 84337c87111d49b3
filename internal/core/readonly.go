package core

import (
	"context"

	"github.com/JonMunkholm/tablesnap/internal/store"
)

// readOnlyStore marks configured tables read-only in the catalog so that
// restores skip them and repairs refuse them.
type readOnlyStore struct {
	store.Store
	tables store.TableFilter
}

func withReadOnly(st store.Store, tables []string) store.Store {
	if len(tables) == 0 {
		return st
	}
	return readOnlyStore{Store: st, tables: tables}
}

func (s readOnlyStore) ListTables(ctx context.Context) ([]store.TableMeta, error) {
	tables, err := s.Store.ListTables(ctx)
	if err != nil {
		return nil, err
	}
	for i := range tables {
		if s.tables.Allows(tables[i].Name) {
			tables[i].ReadOnly = true
		}
	}
	return tables, nil
}
