package snapshot

import (
	"context"
	"fmt"

	"github.com/JonMunkholm/tablesnap/internal/store"
)

// DefaultMaxBuffer is the number of rows buffered before a multi-insert.
const DefaultMaxBuffer = 1024

// BatchInserter buffers rows for one table at a time and writes them with
// multi-row inserts. It is not safe for concurrent use.
type BatchInserter struct {
	writer store.RowWriter
	max    int

	table string
	rows  []store.Row

	inserted int
	flushes  int
}

// NewBatchInserter creates an inserter writing through w. A maxBuffer of
// zero or less selects DefaultMaxBuffer.
func NewBatchInserter(w store.RowWriter, maxBuffer int) *BatchInserter {
	if maxBuffer <= 0 {
		maxBuffer = DefaultMaxBuffer
	}
	return &BatchInserter{
		writer: w,
		max:    maxBuffer,
		rows:   make([]store.Row, 0, maxBuffer),
	}
}

// Add buffers one row. The buffer is flushed first when it holds rows for
// another table or is already full.
func (b *BatchInserter) Add(ctx context.Context, table string, row store.Row) error {
	if len(b.rows) > 0 && (b.table != table || len(b.rows) >= b.max) {
		if err := b.flush(ctx); err != nil {
			return err
		}
	}
	b.table = table
	b.rows = append(b.rows, row)
	return nil
}

// Flush writes the buffered rows if they belong to table.
func (b *BatchInserter) Flush(ctx context.Context, table string) error {
	if b.table != table {
		return nil
	}
	return b.flush(ctx)
}

// FlushAll writes whatever is buffered.
func (b *BatchInserter) FlushAll(ctx context.Context) error {
	return b.flush(ctx)
}

// Pending returns the number of buffered rows.
func (b *BatchInserter) Pending() int { return len(b.rows) }

// Inserted returns the number of rows written by successful flushes.
func (b *BatchInserter) Inserted() int { return b.inserted }

// Flushes returns the number of multi-inserts issued.
func (b *BatchInserter) Flushes() int { return b.flushes }

func (b *BatchInserter) flush(ctx context.Context) error {
	if len(b.rows) == 0 {
		return nil
	}
	n := len(b.rows)
	err := b.writer.MultiInsert(ctx, b.table, b.rows)
	// Rows are dropped either way; a failed flush aborts the transaction.
	b.rows = make([]store.Row, 0, b.max)
	b.flushes++
	if err != nil {
		return fmt.Errorf("insert %d rows into %s: %w", n, b.table, err)
	}
	b.inserted += n
	return nil
}
