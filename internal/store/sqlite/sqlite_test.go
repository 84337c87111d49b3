package sqlite

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/tablesnap/internal/nestedset"
	"github.com/JonMunkholm/tablesnap/internal/snapshot"
	"github.com/JonMunkholm/tablesnap/internal/store"
)

const schema = `
CREATE TABLE users (id INTEGER PRIMARY KEY, full_name TEXT NOT NULL, score REAL);
CREATE TABLE posts (
	id INTEGER PRIMARY KEY,
	user_id INTEGER NOT NULL REFERENCES users(id),
	title TEXT
);
CREATE TABLE categories (id INTEGER PRIMARY KEY, path TEXT, lft INTEGER, rgt INTEGER, level INTEGER);
CREATE VIEW post_titles AS SELECT title FROM posts;
`

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	_, err = s.DB().Exec(schema)
	require.NoError(t, err)
	return s
}

func seed(t *testing.T, s *Store) {
	t.Helper()
	_, err := s.DB().Exec(`
INSERT INTO users VALUES (1, 'Alice', 1.5), (2, 'Bob', NULL);
INSERT INTO posts VALUES (10, 1, 'Hello'), (11, 2, 'Yo');
INSERT INTO categories VALUES (1, '', 0, 0, 0), (2, '/1/', 0, 0, 1), (3, '/1/2/', 0, 0, 2);
`)
	require.NoError(t, err)
}

func TestListTables(t *testing.T) {
	s := openTest(t)
	tables, err := s.ListTables(context.Background())
	require.NoError(t, err)

	idx := store.IndexTables(tables)
	require.Len(t, idx, 4)
	assert.True(t, idx["post_titles"].ReadOnly)
	assert.Equal(t, []string{"id"}, idx["users"].PrimaryKey)
	assert.Equal(t, []string{"id", "full_name", "score"}, idx["users"].ColumnNames())
	assert.False(t, idx["users"].Columns[1].Nullable)

	require.Len(t, idx["posts"].ForeignKeys, 1)
	assert.Equal(t, "users", idx["posts"].ForeignKeys[0].RefTable)
	assert.Equal(t, []string{"user_id"}, idx["posts"].ForeignKeys[0].Columns)

	pos := make(map[string]int)
	for i, m := range tables {
		pos[m.Name] = i
	}
	assert.Less(t, pos["users"], pos["posts"], "parents come first")
}

func TestCursor(t *testing.T) {
	s := openTest(t)
	seed(t, s)

	it, err := s.OpenCursor(context.Background(), "users")
	require.NoError(t, err)
	defer it.Close()

	var rows []store.Row
	for it.Next() {
		row, err := it.Row()
		require.NoError(t, err)
		rows = append(rows, row)
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []store.Row{
		{"id": int64(1), "full_name": "Alice", "score": 1.5},
		{"id": int64(2), "full_name": "Bob", "score": nil},
	}, rows)

	_, err = s.OpenCursor(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrUnknownTable)
}

func TestTx_WritesAndRollback(t *testing.T) {
	s := openTest(t)
	seed(t, s)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	n, err := tx.DeleteAll(ctx, "posts")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	require.NoError(t, tx.Rollback(ctx))
	require.NoError(t, tx.Rollback(ctx), "second rollback is a no-op")

	tx, err = s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.MultiInsert(ctx, "users", []store.Row{
		{"id": int64(3), "full_name": "Carol"},
		{"id": int64(4), "full_name": "Dan", "score": 2.0},
	}))
	require.NoError(t, tx.UpdateByPK(ctx, "users", store.Row{"id": int64(3)}, store.Row{"score": 9.0}))
	assert.Error(t, tx.UpdateByPK(ctx, "users", store.Row{"id": int64(99)}, store.Row{"score": 1.0}))
	require.NoError(t, tx.Commit(ctx))

	var score float64
	require.NoError(t, s.DB().QueryRow("SELECT score FROM users WHERE id = 3").Scan(&score))
	assert.Equal(t, 9.0, score)
}

func TestTx_DeferredForeignKeys(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	toggler := tx.(store.IntegrityToggler)
	require.NoError(t, toggler.DisableIntegrity(ctx))
	require.NoError(t, tx.MultiInsert(ctx, "posts", []store.Row{{"id": int64(1), "user_id": int64(5), "title": "early"}}))
	require.NoError(t, tx.MultiInsert(ctx, "users", []store.Row{{"id": int64(5), "full_name": "Eve"}}))
	require.NoError(t, toggler.EnableIntegrity(ctx))
	require.NoError(t, tx.Commit(ctx))

	tx, err = s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.(store.IntegrityToggler).DisableIntegrity(ctx))
	require.NoError(t, tx.MultiInsert(ctx, "posts", []store.Row{{"id": int64(2), "user_id": int64(404)}}))
	err = tx.(store.IntegrityToggler).EnableIntegrity(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 violations")
	require.NoError(t, tx.Rollback(ctx))

	var count int
	require.NoError(t, s.DB().QueryRow("SELECT count(*) FROM posts").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := openTest(t)
	seed(t, src)

	w := &snapshot.Writer{Catalog: src, Rows: src, ProductName: "test", ProductVersion: "1", SchemaVersion: 1,
		Now: func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }}
	var buf bytes.Buffer
	wr, err := w.Write(ctx, &buf, nil)
	require.NoError(t, err)
	assert.Equal(t, 9, wr.TotalRows, "the view is dumped too")
	assert.False(t, wr.HadErrors)

	dst := openTest(t)
	_, err = dst.DB().Exec(`INSERT INTO users VALUES (42, 'Stale', NULL)`)
	require.NoError(t, err)

	c := &snapshot.Coordinator{Store: dst, SchemaVersion: 1, MaxBuffer: 2}
	res, err := c.Restore(ctx, bytes.NewReader(buf.Bytes()), snapshot.Options{Source: "mem"})
	require.NoError(t, err)
	assert.Equal(t, snapshot.StatusDone, res.Status)
	assert.Equal(t, 7, res.Report.InsertedRows)
	assert.Equal(t, 0, res.Report.FailedRows)
	assert.Equal(t, 2, res.Report.SkippedRows, "view rows are not restored")

	var count int
	require.NoError(t, dst.DB().QueryRow("SELECT count(*) FROM users WHERE id = 42").Scan(&count))
	assert.Equal(t, 0, count, "stale rows are cleared")
	require.NoError(t, dst.DB().QueryRow("SELECT count(*) FROM posts").Scan(&count))
	assert.Equal(t, 2, count)
}

func TestNestedSetRepair(t *testing.T) {
	s := openTest(t)
	seed(t, s)
	ctx := context.Background()

	def := nestedset.TreeDefinition{Table: "categories", LevelColumn: "level"}
	rep, err := nestedset.RepairTable(ctx, s, def, true)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Corrections)

	var lft, rgt int
	require.NoError(t, s.DB().QueryRow("SELECT lft, rgt FROM categories WHERE id = 1").Scan(&lft, &rgt))
	assert.Equal(t, [2]int{1, 6}, [2]int{lft, rgt})
	require.NoError(t, s.DB().QueryRow("SELECT lft, rgt FROM categories WHERE id = 3").Scan(&lft, &rgt))
	assert.Equal(t, [2]int{3, 4}, [2]int{lft, rgt})
}

func TestBuilders(t *testing.T) {
	assert.Equal(t, `INSERT INTO "t" ("a", "b") VALUES (?, ?), (?, ?)`, buildInsert(`"t"`, []string{"a", "b"}, 2))
	assert.Equal(t, `UPDATE "t" SET "l" = ?, "r" = ? WHERE "id" = ?`, buildUpdate(`"t"`, []string{"l", "r"}, []string{"id"}))
}
