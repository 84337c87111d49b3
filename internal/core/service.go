package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/JonMunkholm/tablesnap/internal/config"
	"github.com/JonMunkholm/tablesnap/internal/logging"
	"github.com/JonMunkholm/tablesnap/internal/metrics"
	"github.com/JonMunkholm/tablesnap/internal/nestedset"
	"github.com/JonMunkholm/tablesnap/internal/snapshot"
	"github.com/JonMunkholm/tablesnap/internal/store"
)

var (
	// ErrTreeNotConfigured is returned for repairs of tables that are not
	// registered as nested sets.
	ErrTreeNotConfigured = errors.New("table is not configured as a tree")

	// ErrExternalFilesDisabled is returned when a restore names a path
	// outside the snapshot directory and the service does not allow it.
	ErrExternalFilesDisabled = errors.New("restoring from external paths is disabled")

	// ErrNoSnapshot is returned when a restore names neither a file nor a token.
	ErrNoSnapshot = errors.New("no snapshot given")

	// ErrInvalidRequest wraps malformed API input.
	ErrInvalidRequest = errors.New("invalid request")
)

// Service provides the snapshot, restore and tree repair operations shared by
// the HTTP server and the CLI.
type Service struct {
	store      store.Store
	cfg        *config.Config
	dir        snapshot.Dir
	gate       *WriterGate
	metrics    *metrics.Registry
	audit      *AuditLog
	migrations *snapshot.Migrations
	now        func() time.Time

	// externalFiles allows restores from arbitrary paths (CLI only).
	externalFiles bool

	mu        sync.RWMutex
	listeners []snapshot.RestoreListener
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics records into m instead of the global registry.
func WithMetrics(m *metrics.Registry) Option {
	return func(s *Service) { s.metrics = m }
}

// WithMigrations installs schema migration hooks for restores.
func WithMigrations(m *snapshot.Migrations) Option {
	return func(s *Service) { s.migrations = m }
}

// WithExternalFiles lets restores read snapshot files outside the snapshot
// directory.
func WithExternalFiles() Option {
	return func(s *Service) { s.externalFiles = true }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
		s.audit.now = now
	}
}

// NewService creates a new Service instance. Tables listed in
// SNAPSHOT_READONLY_TABLES are reported read-only to every operation, and
// tables listed in NESTEDSET_TABLES are registered as trees.
func NewService(st store.Store, cfg *config.Config, opts ...Option) (*Service, error) {
	if st == nil {
		return nil, errors.New("core: nil store")
	}
	if cfg == nil {
		return nil, errors.New("core: nil config")
	}

	s := &Service{
		store:      withReadOnly(st, cfg.Snapshot.ReadOnlyTables),
		cfg:        cfg,
		dir:        snapshot.Dir{Path: cfg.Snapshot.Dir},
		gate:       NewWriterGate(cfg.Snapshot.WriterWait),
		audit:      NewAuditLog(0),
		migrations: snapshot.NewMigrations(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.Global()
	}

	RegisterTrees(cfg.NestedSet)
	return s, nil
}

// RegisterTrees registers every configured tree table that is not yet known.
func RegisterTrees(cfg config.NestedSetConfig) {
	for _, table := range cfg.Tables {
		if _, ok := nestedset.Get(table); ok {
			continue
		}
		nestedset.Register(nestedset.TreeDefinition{
			Table:       table,
			IDColumn:    cfg.IDColumn,
			PathColumn:  cfg.PathColumn,
			LeftColumn:  cfg.LeftColumn,
			RightColumn: cfg.RightColumn,
			LevelColumn: cfg.LevelColumn,
			ScopeColumn: cfg.ScopeColumn,
			SortColumn:  cfg.SortColumn,
		})
	}
}

// Driver names the store backend.
func (s *Service) Driver() string { return s.store.Driver() }

// Ping checks the store.
func (s *Service) Ping(ctx context.Context) error { return s.store.Ping(ctx) }

// Metrics returns the registry the service records into.
func (s *Service) Metrics() *metrics.Registry { return s.metrics }

// Audit returns the in-process audit log.
func (s *Service) Audit() *AuditLog { return s.audit }

// Migrations returns the migration hooks applied during restores.
func (s *Service) Migrations() *snapshot.Migrations { return s.migrations }

// WriterStatus reports which writer, if any, holds the gate.
func (s *Service) WriterStatus() WriterGateStatus { return s.gate.Status() }

// WaitForWriters blocks until no restore or repair is running.
// Used for graceful shutdown.
func (s *Service) WaitForWriters(ctx context.Context) error { return s.gate.WaitForDrain(ctx) }

// AddRestoreListener registers l for every later restore invocation.
func (s *Service) AddRestoreListener(l snapshot.RestoreListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Service) restoreListeners() []snapshot.RestoreListener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]snapshot.RestoreListener, 0, len(s.listeners)+1)
	out = append(out, s.metrics)
	return append(out, s.listeners...)
}

// Tables returns the catalog, parents first.
func (s *Service) Tables(ctx context.Context) ([]store.TableMeta, error) {
	return s.store.ListTables(ctx)
}

// WriteSnapshot streams a snapshot of the selected tables to w.
// An empty selection dumps every table.
func (s *Service) WriteSnapshot(ctx context.Context, w io.Writer, tables []string) (snapshot.WriteResult, error) {
	writer := &snapshot.Writer{
		Catalog:        s.store,
		Rows:           s.store,
		ProductName:    s.cfg.Snapshot.ProductName,
		ProductVersion: s.cfg.Snapshot.ProductVersion,
		SchemaVersion:  s.cfg.Snapshot.SchemaVersion,
		Now:            s.now,
	}
	start := time.Now()
	res, err := writer.Write(ctx, w, store.TableFilter(tables))
	s.metrics.ObserveSnapshot(res, time.Since(start), err)
	return res, err
}

// CreateSnapshot writes a new snapshot file into the snapshot directory.
func (s *Service) CreateSnapshot(ctx context.Context, tables []string) (snapshot.FileInfo, snapshot.WriteResult, error) {
	name := snapshot.NewName(s.now())
	ctx = logging.WithOperation(ctx, name)
	start := time.Now()

	var res snapshot.WriteResult
	info, err := s.dir.Create(name, func(w io.Writer) error {
		var werr error
		res, werr = s.WriteSnapshot(ctx, w, tables)
		return werr
	})

	var status string
	if err == nil && res.HadErrors {
		status = "partial"
	}
	s.audit.Record(ctx, AuditLogParams{
		Action:       ActionSnapshotCreate,
		Target:       name,
		Status:       status,
		RowsAffected: res.TotalRows,
		Err:          err,
		Duration:     time.Since(start),
	})
	if err != nil {
		return snapshot.FileInfo{}, res, err
	}
	logging.FromContext(ctx).Info("snapshot created",
		"rows", res.TotalRows,
		"bytes", res.Bytes,
		"failed_rows", res.FailedRows,
		"failed_tables", len(res.FailedTables),
	)
	return info, res, nil
}

// ListSnapshots returns the snapshot files, newest first.
func (s *Service) ListSnapshots() ([]snapshot.FileInfo, error) {
	return s.dir.List()
}

// OpenSnapshot opens a snapshot file for download.
func (s *Service) OpenSnapshot(name string) (*os.File, int64, error) {
	return s.dir.Open(name)
}

// DeleteSnapshot removes a snapshot file.
func (s *Service) DeleteSnapshot(ctx context.Context, name string) error {
	err := s.dir.Remove(name)
	s.audit.Record(ctx, AuditLogParams{Action: ActionSnapshotDelete, Target: name, Err: err})
	return err
}

// PruneSnapshots keeps the newest keep snapshots and deletes the rest.
func (s *Service) PruneSnapshots(ctx context.Context, keep int) ([]string, error) {
	removed, err := s.dir.Prune(keep)
	if len(removed) > 0 || err != nil {
		s.audit.Record(ctx, AuditLogParams{
			Action:       ActionSnapshotPrune,
			Target:       strings.Join(removed, ","),
			RowsAffected: len(removed),
			Err:          err,
		})
	}
	return removed, err
}

// RestoreRequest names what to restore.
type RestoreRequest struct {
	// File is a snapshot name in the snapshot directory, or a path when
	// external files are allowed. It may be empty when Token is set.
	File string

	// Tables restricts the restore. Empty restores every table.
	Tables []string

	// MaxExecution is the per-invocation budget. Zero uses the configured
	// budget (or the token's), negative disables suspension unless
	// BudgetLimit is set.
	MaxExecution time.Duration

	// Token resumes a suspended restore.
	Token string

	// BudgetLimit caps the budget, including an unlimited one. Callers
	// bound by a request deadline set it below that deadline.
	BudgetLimit time.Duration
}

// Restore runs one restore invocation. A suspended result carries a token in
// Result.Token; pass its encoded form back in RestoreRequest.Token to
// continue.
func (s *Service) Restore(ctx context.Context, req RestoreRequest) (*snapshot.Result, error) {
	source := req.File
	var tok *snapshot.ContinuationToken
	if req.Token != "" {
		t, err := snapshot.DecodeToken(req.Token)
		if err != nil {
			return nil, err
		}
		if source != "" && source != t.Source {
			return nil, fmt.Errorf("%w: token belongs to %s", snapshot.ErrTokenMismatch, t.Source)
		}
		source = t.Source
		tok = t
	}
	if source == "" {
		return nil, ErrNoSnapshot
	}

	f, size, err := s.openSource(source)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err := s.gate.Acquire(ctx, "restore "+source); err != nil {
		return nil, err
	}
	defer s.gate.Release()

	budget := restoreBudget(req, tok, s.cfg.Snapshot.MaxExecution)
	if tok != nil {
		tok.MaxExecutionMS = budget.Milliseconds()
	}

	var before snapshot.Report
	if tok != nil {
		before = tok.Report()
	}

	c := &snapshot.Coordinator{
		Store:         s.store,
		SchemaVersion: s.cfg.Snapshot.SchemaVersion,
		MaxBuffer:     s.cfg.Snapshot.MaxBuffer,
		Migrations:    s.migrations,
		Listeners:     s.restoreListeners(),
		Now:           s.now,
	}
	start := time.Now()
	res, err := c.Restore(ctx, f, snapshot.Options{
		Source:       source,
		Tables:       req.Tables,
		MaxExecution: budget,
		Size:         size,
		Token:        tok,
	})
	s.metrics.ObserveRestore(res, before)

	params := AuditLogParams{Action: ActionRestore, Target: source, Err: err, Duration: time.Since(start)}
	if res != nil {
		params.OperationID = res.RestoreID
		params.Status = string(res.Status)
		params.RowsAffected = res.Report.InsertedRows - before.InsertedRows
	}
	s.audit.Record(ctx, params)
	return res, err
}

// restoreBudget resolves the budget of one invocation. Zero means unlimited.
func restoreBudget(req RestoreRequest, tok *snapshot.ContinuationToken, configured time.Duration) time.Duration {
	budget := req.MaxExecution
	switch {
	case budget < 0:
		budget = 0
	case budget == 0 && tok != nil:
		budget = time.Duration(tok.MaxExecutionMS) * time.Millisecond
	case budget == 0:
		budget = configured
	}
	if req.BudgetLimit > 0 && (budget <= 0 || budget > req.BudgetLimit) {
		budget = req.BudgetLimit
	}
	return budget
}

func (s *Service) openSource(source string) (*os.File, int64, error) {
	if !strings.ContainsAny(source, `/\`) {
		return s.dir.Open(source)
	}
	if !s.externalFiles {
		return nil, 0, ErrExternalFilesDisabled
	}
	f, err := os.Open(source)
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, fmt.Errorf("%w: %s", snapshot.ErrSnapshotNotFound, source)
	}
	if err != nil {
		return nil, 0, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, st.Size(), nil
}

// Trees returns the registered tree tables.
func (s *Service) Trees() []nestedset.TreeDefinition {
	return nestedset.All()
}

// RepairTree recomputes the nested-set bounds of a registered tree table.
// A dry run only counts corrections. An applied repair takes the writer gate.
func (s *Service) RepairTree(ctx context.Context, table string, apply bool) (nestedset.TableReport, error) {
	def, ok := nestedset.Get(table)
	if !ok {
		return nestedset.TableReport{Table: table}, fmt.Errorf("%w: %s", ErrTreeNotConfigured, table)
	}
	if apply {
		if err := s.gate.Acquire(ctx, "repair "+table); err != nil {
			return nestedset.TableReport{Table: table}, err
		}
		defer s.gate.Release()
	}

	start := time.Now()
	rep, err := nestedset.RepairTable(ctx, s.store, def, apply)
	if err == nil {
		s.metrics.ObserveRepair(table, apply, rep.Corrections)
	}
	if apply {
		s.audit.Record(ctx, AuditLogParams{
			Action:       ActionTreeRepair,
			Target:       table,
			RowsAffected: rep.Corrections,
			Err:          err,
			Duration:     time.Since(start),
		})
	}
	return rep, err
}
