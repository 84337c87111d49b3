package snapshot

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/JonMunkholm/tablesnap/internal/logging"
	"github.com/JonMunkholm/tablesnap/internal/store"
)

// TableResult summarizes the dump of one table.
type TableResult struct {
	Table      string `json:"table"`
	Rows       int    `json:"rows"`
	FailedRows int    `json:"failedRows"`
	Error      string `json:"error,omitempty"`
}

// WriteResult summarizes a dump. Per-row and per-table failures are
// recorded here rather than aborting the dump.
type WriteResult struct {
	Header       Header        `json:"header"`
	TotalRows    int           `json:"totalRows"`
	FailedRows   int           `json:"failedRows"`
	FailedTables []string      `json:"failedTables,omitempty"`
	PerTable     []TableResult `json:"perTable"`
	HadErrors    bool          `json:"hadErrors"`
	Bytes        int64         `json:"bytes"`
}

// Writer dumps tables from a store into the snapshot format.
type Writer struct {
	Catalog store.Catalog
	Rows    store.RowReader

	ProductName    string
	ProductVersion string
	SchemaVersion  int

	// Now defaults to time.Now.
	Now func() time.Time
}

// Write streams the header and every row of the selected tables to dest.
//
// Tables are written in catalog order. A row that fails to read or encode is
// counted and skipped. A table whose cursor cannot be opened, or a filter
// entry naming no table, is recorded as failed. Only a failure of dest
// itself (or ctx) aborts the dump.
func (w *Writer) Write(ctx context.Context, dest io.Writer, filter store.TableFilter) (WriteResult, error) {
	log := logging.WithFields(ctx, "component", "snapshot_writer")
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}

	tables, err := w.Catalog.ListTables(ctx)
	if err != nil {
		return WriteResult{}, fmt.Errorf("list tables: %w", err)
	}

	cw := &countingWriter{w: dest}
	out := bufio.NewWriterSize(cw, 64*1024)

	result := WriteResult{
		Header: Header{
			Version:        FormatVersion,
			ProductName:    w.ProductName,
			ProductVersion: w.ProductVersion,
			SchemaVersion:  w.SchemaVersion,
			Date:           now().Format(TimeLayout),
		},
	}
	line, err := EncodeHeader(result.Header)
	if err != nil {
		return result, fmt.Errorf("encode header: %w", err)
	}
	if _, err := out.Write(line); err != nil {
		return result, fmt.Errorf("write header: %w", err)
	}

	for _, name := range missingTables(tables, filter) {
		log.Warn("table not found", "table", name)
		result.PerTable = append(result.PerTable, TableResult{Table: name, Error: store.ErrUnknownTable.Error()})
		result.FailedTables = append(result.FailedTables, name)
	}

	for _, meta := range tables {
		if !filter.Allows(meta.Name) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		tr, err := w.writeTable(ctx, out, meta)
		if err != nil {
			return result, err
		}
		result.PerTable = append(result.PerTable, tr)
		result.TotalRows += tr.Rows
		result.FailedRows += tr.FailedRows
		if tr.Error != "" {
			result.FailedTables = append(result.FailedTables, tr.Table)
		}
	}

	if err := out.Flush(); err != nil {
		return result, fmt.Errorf("flush snapshot: %w", err)
	}
	result.Bytes = cw.n
	result.HadErrors = result.FailedRows > 0 || len(result.FailedTables) > 0

	log.Info("snapshot written",
		"tables", len(result.PerTable),
		"rows", result.TotalRows,
		"failed_rows", result.FailedRows,
		"failed_tables", len(result.FailedTables),
		"bytes", result.Bytes,
	)
	return result, nil
}

// missingTables returns the filter entries with no catalog table.
func missingTables(tables []store.TableMeta, filter store.TableFilter) []string {
	var missing []string
	for _, name := range filter {
		found := false
		for _, meta := range tables {
			if strings.EqualFold(meta.Name, name) {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, name)
		}
	}
	return missing
}

// writeTable dumps one table. The returned error is only non-nil when dest
// failed.
func (w *Writer) writeTable(ctx context.Context, out io.Writer, meta store.TableMeta) (TableResult, error) {
	log := logging.WithFields(ctx, "component", "snapshot_writer", "table", meta.Name)
	tr := TableResult{Table: meta.Name}

	it, err := w.Rows.OpenCursor(ctx, meta.Name)
	if err != nil {
		log.Error("open cursor failed", "error", err)
		tr.Error = err.Error()
		return tr, nil
	}
	defer it.Close()

	mapper := NewColumnMapper(meta)
	for it.Next() {
		row, err := it.Row()
		if err != nil {
			tr.FailedRows++
			log.Warn("row read failed", "error", err)
			continue
		}
		line, err := Encode(meta.Name, mapper.ToExternal(row))
		if err != nil {
			tr.FailedRows++
			log.Warn("row encode failed", "error", err)
			continue
		}
		if _, err := out.Write(line); err != nil {
			return tr, fmt.Errorf("write %s row: %w", meta.Name, err)
		}
		tr.Rows++
	}
	if err := it.Err(); err != nil {
		log.Error("cursor failed", "error", err, "rows_written", tr.Rows)
		tr.Error = err.Error()
	}
	return tr, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
