package web

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/tablesnap/internal/core"
	"github.com/JonMunkholm/tablesnap/internal/logging"
	"github.com/JonMunkholm/tablesnap/internal/nestedset"
	"github.com/JonMunkholm/tablesnap/internal/snapshot"
	"github.com/JonMunkholm/tablesnap/internal/store"
)

// maxRestoreBody caps the JSON body of a restore request.
const maxRestoreBody = 64 * 1024

// handleHealth reports whether the store answers.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Ping(r.Context()); err != nil {
		respondError(w, r, err, http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{
		"status": "ok",
		"driver": s.service.Driver(),
	})
}

// handleListTables returns the catalog, parents first.
func (s *Server) handleListTables(w http.ResponseWriter, r *http.Request) {
	tables, err := s.service.Tables(r.Context())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if tables == nil {
		tables = []store.TableMeta{}
	}
	writeJSON(w, r, http.StatusOK, tables)
}

// handleListSnapshots returns the snapshot files with their headers, newest first.
func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	files, err := s.service.ListSnapshots()
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if files == nil {
		files = []snapshot.FileInfo{}
	}
	writeJSON(w, r, http.StatusOK, files)
}

// CreateSnapshotResponse is returned by POST /api/snapshots.
type CreateSnapshotResponse struct {
	Snapshot snapshot.FileInfo    `json:"snapshot"`
	Result   snapshot.WriteResult `json:"result"`
}

// handleCreateSnapshot writes a snapshot of ?tables=a,b (all when empty)
// into the snapshot directory.
func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	info, res, err := s.service.CreateSnapshot(r.Context(), splitList(r.URL.Query().Get("tables")))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, CreateSnapshotResponse{Snapshot: info, Result: res})
}

// handleDownloadSnapshot streams a snapshot file.
func (s *Server) handleDownloadSnapshot(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	f, size, err := s.service.OpenSnapshot(name)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	if _, err := io.Copy(w, f); err != nil {
		// Headers are sent; the client sees a short body.
		logging.FromContext(r.Context()).Warn("snapshot download interrupted", "name", name, "error", err)
	}
}

// handleDeleteSnapshot removes a snapshot file.
func (s *Server) handleDeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteSnapshot(r.Context(), chi.URLParam(r, "name")); err != nil {
		respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RestoreRequest is the body of POST /api/restore. Either File or Token must
// be set.
type RestoreRequest struct {
	File   string   `json:"file,omitempty"`
	Tables []string `json:"tables,omitempty"`

	// MaxExecutionSeconds overrides the configured budget. It is capped
	// below the request timeout; negative means the cap.
	MaxExecutionSeconds float64 `json:"maxExecutionSeconds,omitempty"`

	Token string `json:"token,omitempty"`
}

// RestoreResponse reports one restore invocation. Token is set when Status is
// "suspended".
type RestoreResponse struct {
	Status            snapshot.Status `json:"status"`
	RestoreID         string          `json:"restoreId"`
	Report            snapshot.Report `json:"report"`
	Token             string          `json:"token,omitempty"`
	MigrationRequired bool            `json:"migrationRequired"`
	DurationMS        int64           `json:"durationMs"`
}

// handleRestore runs one restore invocation.
func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	var req RestoreRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRestoreBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		respondError(w, r, fmt.Errorf("%w: %v", core.ErrInvalidRequest, err), http.StatusBadRequest)
		return
	}

	res, err := s.service.Restore(r.Context(), core.RestoreRequest{
		File:         req.File,
		Tables:       req.Tables,
		MaxExecution: time.Duration(req.MaxExecutionSeconds * float64(time.Second)),
		Token:        req.Token,
		BudgetLimit:  restoreBudgetLimit(s.cfg.Server.RequestTimeout),
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	out := RestoreResponse{
		Status:            res.Status,
		RestoreID:         res.RestoreID,
		Report:            res.Report,
		MigrationRequired: res.MigrationRequired,
		DurationMS:        res.Duration.Milliseconds(),
	}
	if res.Token != nil {
		tok, err := res.Token.Encode()
		if err != nil {
			respondServiceError(w, r, err)
			return
		}
		out.Token = tok
	}
	writeJSON(w, r, http.StatusOK, out)
}

// restoreBudgetLimit keeps a restore invocation inside the request timeout,
// leaving a quarter of it for the final flush and commit.
func restoreBudgetLimit(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return 0
	}
	return timeout * 3 / 4
}

// handleListTrees returns the registered tree tables.
func (s *Server) handleListTrees(w http.ResponseWriter, r *http.Request) {
	trees := s.service.Trees()
	if trees == nil {
		trees = []nestedset.TreeDefinition{}
	}
	writeJSON(w, r, http.StatusOK, trees)
}

// handleRepairTree repairs one tree table. Without ?apply=true it is a dry run.
func (s *Server) handleRepairTree(w http.ResponseWriter, r *http.Request) {
	apply, _ := strconv.ParseBool(r.URL.Query().Get("apply"))
	rep, err := s.service.RepairTree(r.Context(), chi.URLParam(r, "table"), apply)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rep)
}

// handleWriterStatus reports whether a restore or repair is running.
func (s *Server) handleWriterStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, s.service.WriterStatus())
}

// handleAuditLog returns recent audit entries, filtered by ?action=, ?target=
// and ?limit=.
func (s *Server) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := strconv.Atoi(q.Get("limit"))
	if err != nil || limit < 1 {
		limit = 50
	}
	entries := s.service.Audit().Entries(core.AuditLogFilter{
		Action: core.AuditAction(q.Get("action")),
		Target: q.Get("target"),
		Limit:  limit,
	})
	if entries == nil {
		entries = []core.AuditEntry{}
	}
	writeJSON(w, r, http.StatusOK, entries)
}

// splitList parses a comma-separated query value.
func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
