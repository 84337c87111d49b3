package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/tablesnap/internal/logging"
	"github.com/JonMunkholm/tablesnap/internal/store"
)

// maxRowFailures caps the row failures kept in a Report. Counters are exact.
const maxRowFailures = 100

// Status is the outcome of one restore invocation.
type Status string

const (
	StatusDone      Status = "done"
	StatusSuspended Status = "suspended"
	StatusFailed    Status = "failed"
)

// State is a step of the restore state machine.
type State int

const (
	StateInit State = iota
	StateHeaderValidated
	StateClearingTables
	StateStreaming
	StateSuspended
	StateFinalizing
	StateDone
	StateFailed
)

var stateNames = [...]string{"init", "header_validated", "clearing_tables", "streaming", "suspended", "finalizing", "done", "failed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// DriftWarning lists the differences between a table's columns in the
// snapshot and in the live catalog.
type DriftWarning struct {
	Table   string   `json:"table"`
	Added   []string `json:"added,omitempty"`   // live columns the snapshot lacks
	Removed []string `json:"removed,omitempty"` // snapshot columns the live table lacks
}

// RowFailure records a row that could not be restored.
type RowFailure struct {
	Line  int    `json:"line"`
	Table string `json:"table,omitempty"`
	Error string `json:"error"`
}

// Report holds the restore counters. On a resumed restore they include the
// work of every previous invocation.
type Report struct {
	TotalLinesRead int            `json:"totalLinesRead"`
	SkippedRows    int            `json:"skippedRows"`
	FailedRows     int            `json:"failedRows"`
	InsertedRows   int            `json:"insertedRows"`
	VetoedRows     int            `json:"vetoedRows"`
	BytesRead      int64          `json:"bytesRead"`
	Warnings       []DriftWarning `json:"warnings,omitempty"`
	Failures       []RowFailure   `json:"failures,omitempty"`
}

// Success reports whether every row was restored, skipped or vetoed.
func (r Report) Success() bool {
	return r.FailedRows == 0
}

// Result is returned by Coordinator.Restore when no fatal error occurred.
type Result struct {
	Status            Status             `json:"status"`
	RestoreID         string             `json:"restoreId"`
	Report            Report             `json:"report"`
	Token             *ContinuationToken `json:"-"`
	MigrationRequired bool               `json:"migrationRequired"`
	Duration          time.Duration      `json:"duration"`
}

// Options configure one restore invocation.
type Options struct {
	// Source identifies the snapshot for continuation tokens.
	Source string

	// Tables restricts the restore. Empty restores every table.
	Tables store.TableFilter

	// MaxExecution is the wall-clock budget per invocation, measured from
	// the start of the transaction. Zero disables suspension.
	MaxExecution time.Duration

	// Size is the snapshot size in bytes if known.
	Size int64

	// Token resumes a suspended restore.
	Token *ContinuationToken
}

// Coordinator rebuilds a store from a snapshot inside one transaction per
// invocation.
type Coordinator struct {
	Store         store.Store
	SchemaVersion int
	MaxBuffer     int
	Migrations    *Migrations
	Listeners     []RestoreListener

	// Now defaults to time.Now.
	Now func() time.Time
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Restore reads a snapshot from src and restores it.
//
// A fresh restore clears every in-scope table and then streams rows into
// them. When the time budget runs out, the work so far is committed and the
// result carries StatusSuspended and a token; calling Restore again with the
// same snapshot and that token continues where it stopped.
//
// Row-level problems are counted in the report. Structural failures roll the
// transaction back and return a *RestoreError.
func (c *Coordinator) Restore(ctx context.Context, src io.Reader, opts Options) (*Result, error) {
	r := &restoreRun{
		c:       c,
		ctx:     ctx,
		opts:    opts,
		reader:  NewReader(src, opts.Size),
		mappers: make(map[string]*ColumnMapper),
		checked: make(map[string]bool),
		state:   StateInit,
		start:   c.now(),
	}

	r.rc = RestoreContext{
		ID:         uuid.NewString(),
		Source:     opts.Source,
		StartedAt:  r.start,
		Invocation: 1,
	}
	if tok := opts.Token; tok != nil {
		r.rc.ID = tok.RestoreID
		r.rc.Resumed = true
		r.rc.Invocation = tok.Invocations + 1
		if r.opts.Source == "" {
			r.opts.Source = tok.Source
			r.rc.Source = tok.Source
		}
		if len(r.opts.Tables) == 0 {
			r.opts.Tables = tok.Tables
		}
		if r.opts.MaxExecution == 0 && tok.MaxExecutionMS > 0 {
			r.opts.MaxExecution = time.Duration(tok.MaxExecutionMS) * time.Millisecond
		}
		r.report = tok.Report()
		r.resumeLine = tok.ResumeLineNumber
		r.activeTable = tok.ActiveTable
		if tok.ActiveTable != "" {
			r.checked[tok.ActiveTable] = true
		}
	}
	r.log = logging.WithFields(ctx, "restore_id", r.rc.ID, "source", r.opts.Source)

	if err := r.validateHeader(); err != nil {
		return nil, err
	}

	for _, l := range c.Listeners {
		l.RestoreStarted(r.rc)
	}
	res, err := r.execute()
	status := StatusFailed
	if res != nil {
		status = res.Status
	}
	for _, l := range c.Listeners {
		l.RestoreStopped(r.rc, status, err)
	}
	return res, err
}

type restoreRun struct {
	c      *Coordinator
	ctx    context.Context
	opts   Options
	log    *slog.Logger
	reader *Reader
	rc     RestoreContext
	state  State
	start  time.Time

	tables  map[string]store.TableMeta
	mappers map[string]*ColumnMapper

	tx           store.Tx
	toggler      store.IntegrityToggler
	integrityOff bool
	batch        *BatchInserter
	txStart      time.Time

	report       Report
	baseInserted int
	resumeLine   int
	activeTable  string

	// checked holds the tables already compared against the live catalog.
	checked map[string]bool
}

func (r *restoreRun) transition(s State) {
	r.log.Debug("restore state", "from", r.state.String(), "to", s.String())
	r.state = s
}

func (r *restoreRun) validateHeader() error {
	hdr, err := r.reader.ReadHeader()
	if err != nil {
		return r.fail(PhaseHeader, "", err)
	}
	if hdr.Version > FormatVersion {
		return r.fail(PhaseHeader, "", fmt.Errorf("%w: %d (supported: %d)", ErrUnsupportedFormatVersion, hdr.Version, FormatVersion))
	}
	if hdr.SchemaVersion > r.c.SchemaVersion {
		return r.fail(PhaseHeader, "", fmt.Errorf("%w: %d (live: %d)", ErrUnsupportedSchemaVersion, hdr.SchemaVersion, r.c.SchemaVersion))
	}
	if tok := r.opts.Token; tok != nil && tok.SchemaVersion != hdr.SchemaVersion {
		return r.fail(PhaseHeader, "", fmt.Errorf("%w: token schema version %d, file %d", ErrTokenMismatch, tok.SchemaVersion, hdr.SchemaVersion))
	}

	r.rc.FromSchemaVersion = hdr.SchemaVersion
	r.rc.ToSchemaVersion = r.c.SchemaVersion
	r.transition(StateHeaderValidated)
	r.log.Info("restore started",
		"resumed", r.rc.Resumed,
		"invocation", r.rc.Invocation,
		"product", hdr.ProductName,
		"product_version", hdr.ProductVersion,
		"schema_version", hdr.SchemaVersion,
		"migration_required", r.rc.MigrationRequired(),
	)
	return nil
}

func (r *restoreRun) execute() (*Result, error) {
	ctx := r.ctx

	tables, err := r.c.Store.ListTables(ctx)
	if err != nil {
		return nil, r.fail(PhaseCatalog, "", err)
	}
	r.tables = store.IndexTables(tables)

	tx, err := r.c.Store.Begin(ctx)
	if err != nil {
		return nil, r.fail(PhaseBegin, "", err)
	}
	r.tx = tx
	r.txStart = r.c.now()
	r.batch = NewBatchInserter(tx, r.c.MaxBuffer)
	r.baseInserted = r.report.InsertedRows

	if t, ok := tx.(store.IntegrityToggler); ok {
		if err := t.DisableIntegrity(ctx); err != nil {
			return nil, r.fail(PhaseIntegrity, "", err)
		}
		r.toggler = t
		r.integrityOff = true
	}

	if r.opts.Token == nil {
		r.transition(StateClearingTables)
		if err := r.clear(tables); err != nil {
			return nil, err
		}
	} else if r.resumeLine > 0 {
		n, err := r.reader.Skip(r.resumeLine)
		if err != nil {
			return nil, r.fail(PhaseStream, "", err)
		}
		if n < r.resumeLine {
			return nil, r.fail(PhaseStream, "", fmt.Errorf("%w: file has %d records, token resumes at %d", ErrTokenMismatch, n, r.resumeLine))
		}
	}

	r.transition(StateStreaming)
	for {
		if err := ctx.Err(); err != nil {
			return nil, r.fail(PhaseStream, "", err)
		}

		rec, err := r.reader.Next()
		if err == io.EOF {
			break
		}
		if errors.Is(err, ErrTruncatedRecord) {
			r.report.TotalLinesRead++
			r.log.Warn("snapshot ends in a truncated record", "line", r.resumeLine+1)
			break
		}
		if err != nil && !errors.Is(err, ErrMalformedRecord) {
			return nil, r.fail(PhaseStream, "", err)
		}

		r.report.TotalLinesRead++
		r.resumeLine++
		if err != nil {
			r.rowFailed("", err)
		} else if err := r.handle(rec); err != nil {
			return nil, err
		}

		if r.budgetExceeded() {
			return r.suspend()
		}
	}

	return r.finalize()
}

// clear empties every writable table in scope, children first.
func (r *restoreRun) clear(tables []store.TableMeta) error {
	for i := len(tables) - 1; i >= 0; i-- {
		meta := tables[i]
		if !r.opts.Tables.Allows(meta.Name) {
			continue
		}
		if meta.ReadOnly {
			r.log.Warn("skipping read-only table", "table", meta.Name)
			continue
		}
		if err := r.ctx.Err(); err != nil {
			return r.fail(PhaseClear, meta.Name, err)
		}
		n, err := r.tx.DeleteAll(r.ctx, meta.Name)
		if err != nil {
			return r.fail(PhaseClear, meta.Name, err)
		}
		r.log.Debug("table cleared", "table", meta.Name, "rows", n)
	}
	return nil
}

// handle routes one decoded record. The returned error is fatal.
func (r *restoreRun) handle(rec Record) error {
	if !r.opts.Tables.Allows(rec.Table) {
		r.report.SkippedRows++
		return nil
	}
	meta, ok := r.tables[rec.Table]
	if !ok {
		r.rowFailed(rec.Table, store.ErrUnknownTable)
		return nil
	}
	if meta.ReadOnly {
		r.report.SkippedRows++
		return nil
	}

	mapper := r.mapper(meta)
	row, removed := mapper.ToInternal(rec.Values)

	if !r.checked[rec.Table] {
		if len(r.checked) > 0 {
			r.checkDrift(meta, row, removed)
		}
		r.checked[rec.Table] = true
	}
	r.activeTable = rec.Table

	if r.rc.MigrationRequired() {
		// Hooks see columns the live table lost under their snapshot
		// names. Whatever they leave unmapped is stripped afterwards.
		in := row
		if len(removed) > 0 {
			in = make(store.Row, len(row)+len(removed))
			for col, v := range row {
				in[col] = v
			}
			for _, ext := range removed {
				in[ext] = rec.Values[ext]
			}
		}
		out, keep, err := r.c.Migrations.Apply(r.rc, rec.Table, in)
		if err != nil {
			r.rowFailed(rec.Table, err)
			return nil
		}
		if !keep {
			r.report.VetoedRows++
			return nil
		}
		row, _ = mapper.ToInternal(out)
	}

	if err := r.batch.Add(r.ctx, rec.Table, row); err != nil {
		return r.fail(PhaseFlush, rec.Table, err)
	}
	return nil
}

func (r *restoreRun) mapper(meta store.TableMeta) *ColumnMapper {
	m, ok := r.mappers[meta.Name]
	if !ok {
		m = NewColumnMapper(meta)
		r.mappers[meta.Name] = m
	}
	return m
}

func (r *restoreRun) checkDrift(meta store.TableMeta, row store.Row, removed []string) {
	var added []string
	for _, col := range meta.Columns {
		if _, ok := row[col.Name]; !ok {
			added = append(added, col.Name)
		}
	}
	if len(added) == 0 && len(removed) == 0 {
		return
	}
	sort.Strings(removed)
	r.log.Warn("schema drift",
		"table", meta.Name,
		"added_columns", added,
		"removed_columns", removed,
	)
	r.report.Warnings = append(r.report.Warnings, DriftWarning{
		Table:   meta.Name,
		Added:   added,
		Removed: removed,
	})
}

func (r *restoreRun) rowFailed(table string, err error) {
	r.report.FailedRows++
	r.log.Warn("row not restored", "line", r.resumeLine, "table", table, "error", err)
	if len(r.report.Failures) < maxRowFailures {
		r.report.Failures = append(r.report.Failures, RowFailure{
			Line:  r.resumeLine,
			Table: table,
			Error: err.Error(),
		})
	}
}

func (r *restoreRun) budgetExceeded() bool {
	if r.opts.MaxExecution <= 0 {
		return false
	}
	return r.c.now().Sub(r.txStart) > r.opts.MaxExecution
}

func (r *restoreRun) suspend() (*Result, error) {
	if err := r.batch.FlushAll(r.ctx); err != nil {
		return nil, r.fail(PhaseFlush, r.activeTable, err)
	}
	if err := r.close(true); err != nil {
		return nil, r.fail(PhaseCommit, "", err)
	}
	r.transition(StateSuspended)

	res := r.result(StatusSuspended)
	res.Token = &ContinuationToken{
		RestoreID:        r.rc.ID,
		Source:           r.opts.Source,
		Tables:           r.opts.Tables,
		MaxExecutionMS:   r.opts.MaxExecution.Milliseconds(),
		SchemaVersion:    r.rc.FromSchemaVersion,
		ResumeLineNumber: r.resumeLine,
		ActiveTable:      r.activeTable,
		Invocations:      r.rc.Invocation,
		TotalLinesRead:   res.Report.TotalLinesRead,
		SkippedRows:      res.Report.SkippedRows,
		FailedRows:       res.Report.FailedRows,
		InsertedRows:     res.Report.InsertedRows,
		VetoedRows:       res.Report.VetoedRows,
	}
	r.log.Info("restore suspended",
		"resume_line", r.resumeLine,
		"inserted", res.Report.InsertedRows,
		"elapsed", res.Duration,
	)
	return res, nil
}

func (r *restoreRun) finalize() (*Result, error) {
	r.transition(StateFinalizing)
	if err := r.batch.FlushAll(r.ctx); err != nil {
		return nil, r.fail(PhaseFlush, r.activeTable, err)
	}
	if r.rc.MigrationRequired() {
		if err := r.c.Migrations.Complete(r.ctx, r.rc, r.tx); err != nil {
			return nil, r.fail(PhaseFinalize, "", err)
		}
	}
	if err := r.close(true); err != nil {
		return nil, r.fail(PhaseCommit, "", err)
	}
	r.transition(StateDone)

	res := r.result(StatusDone)
	r.log.Info("restore completed",
		"lines", res.Report.TotalLinesRead,
		"inserted", res.Report.InsertedRows,
		"skipped", res.Report.SkippedRows,
		"failed", res.Report.FailedRows,
		"vetoed", res.Report.VetoedRows,
		"elapsed", res.Duration,
	)
	return res, nil
}

func (r *restoreRun) result(status Status) *Result {
	rep := r.report
	rep.InsertedRows = r.baseInserted + r.batch.Inserted()
	rep.BytesRead = r.reader.BytesRead()
	return &Result{
		Status:            status,
		RestoreID:         r.rc.ID,
		Report:            rep,
		MigrationRequired: r.rc.MigrationRequired(),
		Duration:          r.c.now().Sub(r.start),
	}
}

// close re-enables integrity checks and then commits or rolls back. After
// close the transaction is gone whatever the outcome.
func (r *restoreRun) close(commit bool) error {
	if r.tx == nil {
		return nil
	}
	ctx := context.WithoutCancel(r.ctx)
	tx := r.tx
	r.tx = nil

	var err error
	if r.integrityOff {
		r.integrityOff = false
		if e := r.toggler.EnableIntegrity(ctx); e != nil {
			err = fmt.Errorf("enable integrity: %w", e)
		}
	}
	if commit && err == nil {
		if e := tx.Commit(ctx); e != nil {
			_ = tx.Rollback(ctx)
			return e
		}
		return nil
	}
	if e := tx.Rollback(ctx); e != nil {
		r.log.Error("rollback failed", "error", e)
	}
	return err
}

// fail rolls back and wraps err as a RestoreError.
func (r *restoreRun) fail(phase Phase, table string, err error) error {
	r.transition(StateFailed)
	if cerr := r.close(false); cerr != nil {
		r.log.Error("restore cleanup failed", "error", cerr)
	}
	r.log.Error("restore failed", "phase", string(phase), "table", table, "error", err)
	return &RestoreError{Phase: phase, Table: table, Err: err}
}
