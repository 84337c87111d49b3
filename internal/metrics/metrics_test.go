package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/JonMunkholm/tablesnap/internal/snapshot"
)

func TestGlobal(t *testing.T) {
	if Global() != Global() {
		t.Error("Global() should return the same instance")
	}
}

func TestHandler(t *testing.T) {
	r := NewRegistry()
	r.ObserveRepair("categories", true, 3)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"go_goroutines", "tablesnap_tree_corrections_total"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("expected %s metric", want)
		}
	}
}

func TestObserveSnapshot(t *testing.T) {
	r := NewRegistry()
	r.ObserveSnapshot(snapshot.WriteResult{TotalRows: 10, Bytes: 400}, time.Second, nil)
	r.ObserveSnapshot(snapshot.WriteResult{TotalRows: 2, HadErrors: true}, time.Second, nil)
	r.ObserveSnapshot(snapshot.WriteResult{}, time.Second, errors.New("disk full"))

	if got := testutil.ToFloat64(r.SnapshotRows); got != 12 {
		t.Errorf("snapshot rows = %v, want 12", got)
	}
	for status, want := range map[string]float64{"ok": 1, "partial": 1, "failed": 1} {
		if got := testutil.ToFloat64(r.SnapshotsTotal.WithLabelValues(status)); got != want {
			t.Errorf("snapshots{status=%s} = %v, want %v", status, got, want)
		}
	}
}

func TestRestoreListenerAndRows(t *testing.T) {
	r := NewRegistry()
	rc := snapshot.RestoreContext{ID: "r1"}

	r.RestoreStarted(rc)
	if got := testutil.ToFloat64(r.RestoresActive); got != 1 {
		t.Errorf("active = %v, want 1", got)
	}
	r.RestoreStopped(rc, snapshot.StatusSuspended, nil)
	if got := testutil.ToFloat64(r.RestoresActive); got != 0 {
		t.Errorf("active = %v, want 0", got)
	}
	if got := testutil.ToFloat64(r.RestoresTotal.WithLabelValues("suspended")); got != 1 {
		t.Errorf("suspended invocations = %v, want 1", got)
	}

	before := snapshot.Report{InsertedRows: 100, FailedRows: 1}
	res := &snapshot.Result{
		Status: snapshot.StatusSuspended,
		Report: snapshot.Report{InsertedRows: 150, FailedRows: 1, SkippedRows: 4},
	}
	r.ObserveRestore(res, before)
	r.ObserveRestore(nil, before)

	if got := testutil.ToFloat64(r.RestoreRows.WithLabelValues("inserted")); got != 50 {
		t.Errorf("inserted = %v, want 50 (delta only)", got)
	}
	if got := testutil.ToFloat64(r.RestoreRows.WithLabelValues("failed")); got != 0 {
		t.Errorf("failed = %v, want 0", got)
	}
	if got := testutil.ToFloat64(r.RestoreSuspended); got != 1 {
		t.Errorf("suspensions = %v, want 1", got)
	}
}

func TestObserveRepair_DryRunHasNoCorrections(t *testing.T) {
	r := NewRegistry()
	r.ObserveRepair("categories", false, 7)
	if got := testutil.ToFloat64(r.TreeRepairs.WithLabelValues("categories", "dry_run")); got != 1 {
		t.Errorf("dry runs = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(r.TreeCorrections); got != 0 {
		t.Errorf("corrections series = %d, want 0", got)
	}
}
