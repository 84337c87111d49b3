// Package memory is an in-process row store. It backs tests and local demos
// and supports failure injection through hooks.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/JonMunkholm/tablesnap/internal/store"
)

// ErrTxBusy is returned by Begin while another transaction is open.
var ErrTxBusy = errors.New("memory store: transaction already open")

var errTxDone = errors.New("memory store: transaction already closed")

// Hooks let tests fail individual operations. A nil hook never fails.
type Hooks struct {
	Insert func(table string, rows []store.Row) error
	Delete func(table string) error
	Commit func() error
}

// Stats counts operations for assertions.
type Stats struct {
	MultiInserts      int
	Updates           int
	Commits           int
	Rollbacks         int
	IntegrityDisabled int
	IntegrityEnabled  int
}

type table struct {
	meta store.TableMeta
	rows []store.Row
}

// Store is a store.Store kept in memory. Only one transaction can be open
// at a time; its changes become visible on Commit.
type Store struct {
	mu     sync.Mutex
	tables map[string]*table
	txOpen bool
	stats  Stats

	// Hooks inject failures. Set before use.
	Hooks Hooks

	// WithoutIntegrity makes transactions not implement store.IntegrityToggler.
	WithoutIntegrity bool
}

// New returns an empty store.
func New() *Store {
	return &Store{tables: make(map[string]*table)}
}

// AddTable defines a table with optional initial rows.
func (s *Store) AddTable(meta store.TableMeta, rows ...store.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &table{meta: meta}
	for _, r := range rows {
		t.rows = append(t.rows, copyRow(r))
	}
	s.tables[meta.Name] = t
}

// Rows returns a copy of the committed rows of a table.
func (s *Store) Rows(name string) []store.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[name]
	if !ok {
		return nil
	}
	out := make([]store.Row, len(t.rows))
	for i, r := range t.rows {
		out[i] = copyRow(r)
	}
	return out
}

// Stats returns the operation counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Driver implements store.Store.
func (s *Store) Driver() string { return "memory" }

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

// Close implements store.Store.
func (s *Store) Close() error { return nil }

// ListTables implements store.Catalog. Tables are returned parents first.
func (s *Store) ListTables(ctx context.Context) ([]store.TableMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	metas := make([]store.TableMeta, 0, len(s.tables))
	for _, t := range s.tables {
		metas = append(metas, t.meta)
	}
	return store.SortByDependencies(metas), nil
}

// OpenCursor implements store.RowReader over committed data.
func (s *Store) OpenCursor(ctx context.Context, name string) (store.RowIterator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return openCursor(s.tables, name)
}

// Begin implements store.Store.
func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.txOpen {
		return nil, ErrTxBusy
	}
	s.txOpen = true

	work := make(map[string]*table, len(s.tables))
	for name, t := range s.tables {
		work[name] = &table{meta: t.meta, rows: append([]store.Row(nil), t.rows...)}
	}
	base := &tx{store: s, tables: work}
	if s.WithoutIntegrity {
		return base, nil
	}
	return &togglingTx{tx: base}, nil
}

type tx struct {
	store  *Store
	tables map[string]*table
	done   bool
}

func (t *tx) OpenCursor(ctx context.Context, name string) (store.RowIterator, error) {
	if t.done {
		return nil, errTxDone
	}
	return openCursor(t.tables, name)
}

func (t *tx) DeleteAll(ctx context.Context, name string) (int64, error) {
	if t.done {
		return 0, errTxDone
	}
	if h := t.store.Hooks.Delete; h != nil {
		if err := h(name); err != nil {
			return 0, err
		}
	}
	tb, ok := t.tables[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", store.ErrUnknownTable, name)
	}
	n := int64(len(tb.rows))
	tb.rows = nil
	return n, nil
}

func (t *tx) MultiInsert(ctx context.Context, name string, rows []store.Row) error {
	if t.done {
		return errTxDone
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.store.mu.Lock()
	t.store.stats.MultiInserts++
	t.store.mu.Unlock()

	if h := t.store.Hooks.Insert; h != nil {
		if err := h(name, rows); err != nil {
			return err
		}
	}
	tb, ok := t.tables[name]
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrUnknownTable, name)
	}

	// Validate the whole batch first so a failed insert leaves no rows behind.
	seen := make(map[string]bool)
	for _, r := range tb.rows {
		if key, ok := pkKey(tb.meta, r); ok {
			seen[key] = true
		}
	}
	for _, r := range rows {
		for col := range r {
			if !tb.meta.HasColumn(col) {
				return fmt.Errorf("insert into %s: column %q does not exist", name, col)
			}
		}
		if key, ok := pkKey(tb.meta, r); ok {
			if seen[key] {
				return fmt.Errorf("insert into %s: duplicate key value %s", name, key)
			}
			seen[key] = true
		}
	}
	for _, r := range rows {
		tb.rows = append(tb.rows, copyRow(r))
	}
	return nil
}

func (t *tx) UpdateByPK(ctx context.Context, name string, pk store.Row, values store.Row) error {
	if t.done {
		return errTxDone
	}
	tb, ok := t.tables[name]
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrUnknownTable, name)
	}
	for col := range values {
		if !tb.meta.HasColumn(col) {
			return fmt.Errorf("update %s: column %q does not exist", name, col)
		}
	}
	for i, r := range tb.rows {
		if !matches(r, pk) {
			continue
		}
		updated := copyRow(r)
		for col, v := range values {
			updated[col] = v
		}
		tb.rows[i] = updated
		t.store.mu.Lock()
		t.store.stats.Updates++
		t.store.mu.Unlock()
		return nil
	}
	return fmt.Errorf("update %s: no row matches %v", name, pk)
}

func (t *tx) Commit(ctx context.Context) error {
	if t.done {
		return errTxDone
	}
	if h := t.store.Hooks.Commit; h != nil {
		if err := h(); err != nil {
			return err
		}
	}
	t.done = true
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables = t.tables
	s.txOpen = false
	s.stats.Commits++
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txOpen = false
	s.stats.Rollbacks++
	return nil
}

type togglingTx struct {
	*tx
}

func (t *togglingTx) DisableIntegrity(ctx context.Context) error {
	if t.done {
		return errTxDone
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.stats.IntegrityDisabled++
	return nil
}

func (t *togglingTx) EnableIntegrity(ctx context.Context) error {
	if t.done {
		return errTxDone
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.stats.IntegrityEnabled++
	return nil
}

type cursor struct {
	rows []store.Row
	pos  int
}

func openCursor(tables map[string]*table, name string) (store.RowIterator, error) {
	tb, ok := tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrUnknownTable, name)
	}
	rows := append([]store.Row(nil), tb.rows...)
	if len(tb.meta.PrimaryKey) > 0 {
		sort.SliceStable(rows, func(i, j int) bool {
			a, _ := pkKey(tb.meta, rows[i])
			b, _ := pkKey(tb.meta, rows[j])
			return a < b
		})
	}
	return &cursor{rows: rows, pos: -1}, nil
}

func (c *cursor) Next() bool {
	c.pos++
	return c.pos < len(c.rows)
}

func (c *cursor) Row() (store.Row, error) {
	if c.pos < 0 || c.pos >= len(c.rows) {
		return nil, errors.New("memory store: cursor not positioned")
	}
	return copyRow(c.rows[c.pos]), nil
}

func (c *cursor) Err() error   { return nil }
func (c *cursor) Close() error { return nil }

func copyRow(r store.Row) store.Row {
	out := make(store.Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// pkKey renders the primary key of r. Integer-valued numbers of different
// Go types render identically.
func pkKey(meta store.TableMeta, r store.Row) (string, bool) {
	if len(meta.PrimaryKey) == 0 {
		return "", false
	}
	parts := make([]string, len(meta.PrimaryKey))
	for i, col := range meta.PrimaryKey {
		v, ok := r[col]
		if !ok || v == nil {
			return "", false
		}
		parts[i] = sortable(v)
	}
	return strings.Join(parts, "\x00"), true
}

func matches(r store.Row, pk store.Row) bool {
	if len(pk) == 0 {
		return false
	}
	for col, want := range pk {
		got, ok := r[col]
		if !ok || sortable(got) != sortable(want) {
			return false
		}
	}
	return true
}

// sortable renders v so that integers order numerically as strings.
func sortable(v any) string {
	switch x := v.(type) {
	case int64:
		return fmt.Sprintf("%020d", x)
	case int:
		return fmt.Sprintf("%020d", x)
	case int32:
		return fmt.Sprintf("%020d", x)
	case float64:
		if x == float64(int64(x)) {
			return fmt.Sprintf("%020d", int64(x))
		}
		return fmt.Sprint(x)
	default:
		return fmt.Sprint(x)
	}
}
