package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/tablesnap/internal/nestedset"
	"github.com/JonMunkholm/tablesnap/internal/snapshot"
	"github.com/JonMunkholm/tablesnap/internal/store/sqlite"
)

const schema = `
CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL);
CREATE TABLE posts (id INTEGER PRIMARY KEY, user_id INTEGER NOT NULL REFERENCES users(id), title TEXT);
CREATE TABLE categories (id INTEGER PRIMARY KEY, path TEXT NOT NULL, lft INTEGER, rgt INTEGER, level INTEGER);
INSERT INTO users VALUES (1, 'Alice'), (2, 'Bob');
INSERT INTO posts VALUES (10, 1, 'Hello'), (11, 2, 'Hi');
INSERT INTO categories VALUES (1, '', 0, 0, 0), (2, '/1/', 0, 0, 1);
`

// setup creates a SQLite database file and points the configuration at it.
func setup(t *testing.T) (dsn, dir string) {
	t.Helper()
	nestedset.Clear()
	t.Cleanup(nestedset.Clear)

	tmp := t.TempDir()
	dsn = "file:" + filepath.Join(tmp, "app.db")
	dir = filepath.Join(tmp, "snapshots")

	st, err := sqlite.Open(context.Background(), dsn)
	require.NoError(t, err)
	_, err = st.DB().Exec(schema)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	// Flags are applied through the environment; t.Setenv restores it.
	for _, key := range []string{"DB_DRIVER", "DATABASE_URL", "SNAPSHOT_DIR", "LOG_LEVEL"} {
		t.Setenv(key, "")
	}
	t.Setenv("NESTEDSET_TABLES", "categories")
	return dsn, dir
}

func run(t *testing.T, dsn, dir string, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	base := []string{"--env-file", "", "--driver", "sqlite", "--dsn", dsn, "--dir", dir, "--log-level", "error"}
	cmd.SetArgs(append(base, args...))
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestVersion(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "snapshot format 1")
}

func TestTables(t *testing.T) {
	dsn, dir := setup(t)
	out, _, err := run(t, dsn, dir, "tables")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.Index(out, "users") < strings.Index(out, "posts"), "parents first")
}

func TestDumpToStdout(t *testing.T) {
	dsn, dir := setup(t)
	out, stderr, err := run(t, dsn, dir, "dump", "--tables", "users")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	_, err = snapshot.DecodeHeader([]byte(lines[0]))
	assert.NoError(t, err)
	assert.Contains(t, stderr, "2 rows")
}

func TestSaveListAndRestore(t *testing.T) {
	dsn, dir := setup(t)

	_, stderr, err := run(t, dsn, dir, "dump", "--save")
	require.NoError(t, err)
	assert.Contains(t, stderr, "saved snapshot-")

	out, _, err := run(t, dsn, dir, "snapshots", "list", "--json")
	require.NoError(t, err)
	var files []snapshot.FileInfo
	require.NoError(t, json.Unmarshal([]byte(out), &files))
	require.Len(t, files, 1)

	out, _, err = run(t, dsn, dir, "restore", files[0].Name, "--json")
	require.NoError(t, err)
	var res struct {
		Status snapshot.Status `json:"status"`
		Report snapshot.Report `json:"report"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, snapshot.StatusDone, res.Status)
	assert.Equal(t, 6, res.Report.InsertedRows)
}

func TestRestoreFromPath(t *testing.T) {
	dsn, dir := setup(t)
	path := filepath.Join(t.TempDir(), "users.jsonl")

	_, _, err := run(t, dsn, dir, "dump", "--tables", "users", "-o", path)
	require.NoError(t, err)

	out, _, err := run(t, dsn, dir, "restore", path, "--tables", "users")
	require.NoError(t, err)
	assert.Contains(t, out, "status: done")
	assert.Contains(t, out, "inserted: 2")
}

func TestResumeRejectsBadToken(t *testing.T) {
	dsn, dir := setup(t)
	_, _, err := run(t, dsn, dir, "resume", "--token", "garbage!")
	assert.ErrorIs(t, err, snapshot.ErrInvalidToken)
}

func TestRepair(t *testing.T) {
	dsn, dir := setup(t)

	out, _, err := run(t, dsn, dir, "repair", "categories")
	require.NoError(t, err)
	assert.Contains(t, out, "categories")
	assert.Contains(t, out, "false")

	out, _, err = run(t, dsn, dir, "repair", "--all", "--apply")
	require.NoError(t, err)
	assert.Contains(t, out, "true")

	_, _, err = run(t, dsn, dir, "repair")
	assert.Error(t, err)
}
