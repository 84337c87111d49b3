package web

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/tablesnap/internal/config"
	"github.com/JonMunkholm/tablesnap/internal/core"
	"github.com/JonMunkholm/tablesnap/internal/metrics"
	"github.com/JonMunkholm/tablesnap/internal/nestedset"
	"github.com/JonMunkholm/tablesnap/internal/snapshot"
	"github.com/JonMunkholm/tablesnap/internal/store"
	"github.com/JonMunkholm/tablesnap/internal/store/memory"
)

func testConfig(dir string) *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{Port: 8080, RequestTimeout: 10 * time.Second},
		Database: config.DatabaseConfig{Driver: "memory"},
		Snapshot: config.SnapshotConfig{
			Dir:            dir,
			ProductName:    "tablesnap",
			ProductVersion: "test",
			SchemaVersion:  1,
			MaxBuffer:      16,
			WriterWait:     20 * time.Millisecond,
		},
		NestedSet: config.NestedSetConfig{
			Tables:      []string{"categories"},
			IDColumn:    "id",
			PathColumn:  "path",
			LeftColumn:  "lft",
			RightColumn: "rgt",
			LevelColumn: "level",
		},
		Rate:     config.RateLimitConfig{Enabled: false},
		Security: config.SecurityConfig{EnableCSP: true},
	}
}

func seededStore() *memory.Store {
	s := memory.New()
	s.AddTable(store.TableMeta{
		Name:       "users",
		Columns:    []store.ColumnMeta{{Name: "id"}, {Name: "name"}},
		PrimaryKey: []string{"id"},
	},
		store.Row{"id": int64(1), "name": "Alice"},
		store.Row{"id": int64(2), "name": "Bob"},
	)
	s.AddTable(store.TableMeta{
		Name:       "categories",
		Columns:    []store.ColumnMeta{{Name: "id"}, {Name: "path"}, {Name: "lft"}, {Name: "rgt"}, {Name: "level"}},
		PrimaryKey: []string{"id"},
	},
		store.Row{"id": int64(1), "path": "", "lft": int64(1), "rgt": int64(9), "level": int64(0)},
		store.Row{"id": int64(2), "path": "/1/", "lft": int64(2), "rgt": int64(3), "level": int64(1)},
	)
	return s
}

type testServer struct {
	*Server
	store *memory.Store
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	nestedset.Clear()
	t.Cleanup(nestedset.Clear)

	st := seededStore()
	cfg := testConfig(t.TempDir())
	svc, err := core.NewService(st, cfg, core.WithMetrics(metrics.NewRegistry()))
	require.NoError(t, err)
	srv := NewServer(svc, cfg)
	t.Cleanup(func() { srv.Shutdown(t.Context()) })
	return testServer{Server: srv, store: st}
}

func (ts testServer) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("User-Agent", "server-test")
	rec := httptest.NewRecorder()
	ts.Router().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "memory", decode[map[string]string](t, rec)["driver"])
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, rec.Header().Get("Content-Security-Policy"))

	rec = ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tablesnap_http_requests_total")
}

func TestListTables(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/tables", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	tables := decode[[]store.TableMeta](t, rec)
	require.Len(t, tables, 2)
	names := []string{tables[0].Name, tables[1].Name}
	assert.ElementsMatch(t, []string{"users", "categories"}, names)
}

func TestSnapshotLifecycle(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/snapshots", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/api/snapshots?tables=users", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[CreateSnapshotResponse](t, rec)
	assert.Equal(t, 2, created.Result.TotalRows)
	name := created.Snapshot.Name

	rec = ts.do(t, http.MethodGet, "/api/snapshots", nil)
	files := decode[[]snapshot.FileInfo](t, rec)
	require.Len(t, files, 1)
	require.NotNil(t, files[0].Header)
	assert.Equal(t, 1, files[0].Header.SchemaVersion)

	rec = ts.do(t, http.MethodGet, "/api/snapshots/"+name, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	assert.Len(t, lines, 3)
	assert.Contains(t, lines[0], `"header"`)

	rec = ts.do(t, http.MethodDelete, "/api/snapshots/"+name, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/snapshots/"+name, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "SNP001", decode[ErrorResponse](t, rec).Code)

	rec = ts.do(t, http.MethodGet, "/api/snapshots/notes.txt", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "SNP002", decode[ErrorResponse](t, rec).Code)
}

func TestRestore(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/snapshots?tables=users", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	name := decode[CreateSnapshotResponse](t, rec).Snapshot.Name

	rec = ts.do(t, http.MethodPost, "/api/restore", RestoreRequest{File: name, Tables: []string{"users"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[RestoreResponse](t, rec)
	assert.Equal(t, snapshot.StatusDone, res.Status)
	assert.Equal(t, 2, res.Report.InsertedRows)
	assert.Empty(t, res.Token)
	assert.Len(t, ts.store.Rows("users"), 2)

	rec = ts.do(t, http.MethodGet, "/api/audit?action=restore", nil)
	entries := decode[[]core.AuditEntry](t, rec)
	require.Len(t, entries, 1)
	assert.Equal(t, "server-test", entries[0].UserAgent)
	assert.Equal(t, name, entries[0].Target)
}

func TestRestore_Errors(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"empty request", RestoreRequest{}, http.StatusBadRequest, "SNP006"},
		{"missing file", RestoreRequest{File: "missing.jsonl"}, http.StatusNotFound, "SNP001"},
		{"external path", RestoreRequest{File: "/tmp/x.jsonl"}, http.StatusForbidden, "RST008"},
		{"bad token", RestoreRequest{Token: "%%%"}, http.StatusBadRequest, "RST001"},
		{"unknown field", map[string]any{"path": "x"}, http.StatusBadRequest, "OP005"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/restore", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decode[ErrorResponse](t, rec).Code)
		})
	}
}

func TestRestoreBudgetLimit(t *testing.T) {
	assert.Equal(t, 45*time.Second, restoreBudgetLimit(60*time.Second))
	assert.Equal(t, time.Duration(0), restoreBudgetLimit(0))
	assert.Less(t, restoreBudgetLimit(testConfig("").Server.RequestTimeout), testConfig("").Server.RequestTimeout)
}

func TestTrees(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/trees", nil)
	trees := decode[[]nestedset.TreeDefinition](t, rec)
	require.Len(t, trees, 1)
	assert.Equal(t, "categories", trees[0].Table)

	rec = ts.do(t, http.MethodPost, "/api/trees/categories/repair", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dry := decode[nestedset.TableReport](t, rec)
	assert.Equal(t, 1, dry.Corrections)
	assert.False(t, dry.Applied)

	rec = ts.do(t, http.MethodPost, "/api/trees/categories/repair?apply=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[nestedset.TableReport](t, rec).Applied)
	assert.Equal(t, int64(4), ts.store.Rows("categories")[0]["rgt"])

	rec = ts.do(t, http.MethodPost, "/api/trees/users/repair", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "TREE001", decode[ErrorResponse](t, rec).Code)
}

func TestWriterStatus(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/writer", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[core.WriterGateStatus](t, rec).Busy)
}

func TestRateLimiter(t *testing.T) {
	rl := newRateLimiter(2, time.Minute)
	defer rl.stop()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.allow("1.1.1.1"))
	assert.True(t, rl.allow("1.1.1.1"))
	assert.False(t, rl.allow("1.1.1.1"))
	assert.True(t, rl.allow("2.2.2.2"), "limits are per address")

	now = now.Add(2 * time.Minute)
	assert.True(t, rl.allow("1.1.1.1"), "a new window refills the bucket")
}

func TestWriteRateLimit(t *testing.T) {
	nestedset.Clear()
	t.Cleanup(nestedset.Clear)

	cfg := testConfig(t.TempDir())
	cfg.Rate = config.RateLimitConfig{Enabled: true, RequestsPerMinute: 100, WriteLimit: 1}
	svc, err := core.NewService(seededStore(), cfg, core.WithMetrics(metrics.NewRegistry()))
	require.NoError(t, err)
	ts := testServer{Server: NewServer(svc, cfg)}
	t.Cleanup(func() { ts.Shutdown(t.Context()) })

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/trees/categories/repair", nil).Code)
	rec := ts.do(t, http.MethodPost, "/api/trees/categories/repair", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "OP004", decode[ErrorResponse](t, rec).Code)

	// Reads have their own budget.
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/trees", nil).Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, statusFor(core.ErrWriterBusy))
	assert.Equal(t, http.StatusNotFound, statusFor(store.ErrUnknownTable))
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, splitList(""))
	assert.Equal(t, []string{"a", "b"}, splitList(" a, ,b "))
}
