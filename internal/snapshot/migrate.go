package snapshot

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JonMunkholm/tablesnap/internal/store"
)

// RowMigration upgrades one row of table written by an older schema
// version. Live columns arrive under their store names; columns the live
// table no longer has keep their snapshot names. Columns still unknown after
// the last hook are dropped. Returning keep=false vetoes the row.
type RowMigration func(rc RestoreContext, table string, row store.Row) (out store.Row, keep bool, err error)

// PostMigration runs once after all rows of an older snapshot were inserted,
// inside the restore transaction.
type PostMigration func(ctx context.Context, rc RestoreContext, tx store.Tx) error

type migrationKey struct {
	table string
	from  int
}

// Migrations holds the version-upgrade hooks applied to snapshots whose
// schema version is older than the live one.
type Migrations struct {
	mu   sync.RWMutex
	rows map[migrationKey][]RowMigration
	post []PostMigration
}

// NewMigrations returns an empty hook set.
func NewMigrations() *Migrations {
	return &Migrations{rows: make(map[migrationKey][]RowMigration)}
}

// Register adds a hook that upgrades rows of table from fromVersion to
// fromVersion+1. Hooks for the same key run in registration order.
func (m *Migrations) Register(table string, fromVersion int, fn RowMigration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := migrationKey{table: table, from: fromVersion}
	m.rows[k] = append(m.rows[k], fn)
}

// OnComplete adds a post-migration hook.
func (m *Migrations) OnComplete(fn PostMigration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.post = append(m.post, fn)
}

// Versions returns the source versions with hooks for table, ascending.
func (m *Migrations) Versions(table string) []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []int
	for k := range m.rows {
		if k.table == table {
			out = append(out, k.from)
		}
	}
	sort.Ints(out)
	return out
}

// Apply chains every hook for table from the file's version up to the live
// version. A veto stops the chain.
func (m *Migrations) Apply(rc RestoreContext, table string, row store.Row) (store.Row, bool, error) {
	if m == nil {
		return row, true, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for v := rc.FromSchemaVersion; v < rc.ToSchemaVersion; v++ {
		for _, fn := range m.rows[migrationKey{table: table, from: v}] {
			out, keep, err := fn(rc, table, row)
			if err != nil {
				return nil, false, fmt.Errorf("migrate %s from version %d: %w", table, v, err)
			}
			if !keep {
				return nil, false, nil
			}
			if out != nil {
				row = out
			}
		}
	}
	return row, true, nil
}

// Complete runs the post-migration hooks in registration order.
func (m *Migrations) Complete(ctx context.Context, rc RestoreContext, tx store.Tx) error {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	hooks := append([]PostMigration(nil), m.post...)
	m.mu.RUnlock()
	for _, fn := range hooks {
		if err := fn(ctx, rc, tx); err != nil {
			return err
		}
	}
	return nil
}
