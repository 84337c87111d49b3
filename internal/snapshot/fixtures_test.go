package snapshot

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/tablesnap/internal/store"
	"github.com/JonMunkholm/tablesnap/internal/store/memory"
)

func usersMeta() store.TableMeta {
	return store.TableMeta{
		Name: "users",
		Columns: []store.ColumnMeta{
			{Name: "id", Type: "bigint"},
			{Name: "full_name", Type: "text"},
			{Name: "created_at", Type: "text", Nullable: true},
		},
		PrimaryKey: []string{"id"},
	}
}

func postsMeta() store.TableMeta {
	return store.TableMeta{
		Name: "posts",
		Columns: []store.ColumnMeta{
			{Name: "id", Type: "bigint"},
			{Name: "user_id", Type: "bigint"},
			{Name: "title", Type: "text"},
		},
		PrimaryKey:  []string{"id"},
		ForeignKeys: []store.ForeignKey{{Columns: []string{"user_id"}, RefTable: "users", RefColumns: []string{"id"}}},
	}
}

func seedUsers() []store.Row {
	return []store.Row{
		{"id": int64(1), "full_name": "Alice", "created_at": "2024-01-01 09:00:00"},
		{"id": int64(2), "full_name": "Bob", "created_at": nil},
		{"id": int64(3), "full_name": "Carol", "created_at": "2024-03-01 10:30:00"},
	}
}

func seedPosts() []store.Row {
	return []store.Row{
		{"id": int64(10), "user_id": int64(1), "title": "Hello"},
		{"id": int64(11), "user_id": int64(1), "title": "Again"},
		{"id": int64(12), "user_id": int64(3), "title": "Hi"},
		{"id": int64(13), "user_id": int64(2), "title": "Yo"},
	}
}

// sourceStore holds the seed data.
func sourceStore() *memory.Store {
	s := memory.New()
	s.AddTable(usersMeta(), seedUsers()...)
	s.AddTable(postsMeta(), seedPosts()...)
	return s
}

// targetStore has the same schema as sourceStore but different rows.
func targetStore() *memory.Store {
	s := memory.New()
	s.AddTable(usersMeta(), store.Row{"id": int64(99), "full_name": "Stale", "created_at": nil})
	s.AddTable(postsMeta(), store.Row{"id": int64(99), "user_id": int64(99), "title": "Stale"})
	return s
}

func fixedNow() time.Time {
	return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
}

// dump writes a snapshot of s.
func dump(t *testing.T, s *memory.Store, schemaVersion int) []byte {
	t.Helper()
	w := &Writer{
		Catalog:        s,
		Rows:           s,
		ProductName:    "tablesnap",
		ProductVersion: "test",
		SchemaVersion:  schemaVersion,
		Now:            fixedNow,
	}
	var buf bytes.Buffer
	res, err := w.Write(context.Background(), &buf, nil)
	require.NoError(t, err)
	require.False(t, res.HadErrors)
	return buf.Bytes()
}

// tickClock advances by step on every call.
type tickClock struct {
	now  time.Time
	step time.Duration
}

func (c *tickClock) Now() time.Time {
	c.now = c.now.Add(c.step)
	return c.now
}

func sortedByID(rows []store.Row) []store.Row {
	sort.Slice(rows, func(i, j int) bool {
		return rows[i]["id"].(int64) < rows[j]["id"].(int64)
	})
	return rows
}

func snapshotLines(lines ...string) string {
	return strings.Join(lines, "\n") + "\n"
}
