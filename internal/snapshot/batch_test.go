package snapshot

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/tablesnap/internal/store"
)

type insertCall struct {
	table string
	rows  int
}

// recordingWriter captures multi-inserts.
type recordingWriter struct {
	calls []insertCall
	err   error
}

func (w *recordingWriter) DeleteAll(ctx context.Context, table string) (int64, error) {
	return 0, nil
}

func (w *recordingWriter) MultiInsert(ctx context.Context, table string, rows []store.Row) error {
	w.calls = append(w.calls, insertCall{table: table, rows: len(rows)})
	return w.err
}

func (w *recordingWriter) UpdateByPK(ctx context.Context, table string, pk, values store.Row) error {
	return nil
}

func TestBatchInserter_FlushesWhenFull(t *testing.T) {
	ctx := context.Background()
	w := &recordingWriter{}
	b := NewBatchInserter(w, 4)

	for i := 0; i < 4; i++ {
		require.NoError(t, b.Add(ctx, "a", store.Row{"id": int64(i)}))
	}
	assert.Empty(t, w.calls, "a full buffer is only flushed when the next row arrives")

	require.NoError(t, b.Add(ctx, "a", store.Row{"id": int64(4)}))
	assert.Equal(t, []insertCall{{"a", 4}}, w.calls)
	assert.Equal(t, 1, b.Pending())
	assert.Equal(t, 4, b.Inserted())
}

func TestBatchInserter_DefaultMaxBufferPlusOne(t *testing.T) {
	ctx := context.Background()
	w := &recordingWriter{}
	b := NewBatchInserter(w, 0)

	for i := 0; i < DefaultMaxBuffer+1; i++ {
		require.NoError(t, b.Add(ctx, "a", store.Row{"id": int64(i)}))
	}
	require.Len(t, w.calls, 1)
	assert.Equal(t, DefaultMaxBuffer, w.calls[0].rows)

	require.NoError(t, b.FlushAll(ctx))
	assert.Equal(t, []insertCall{{"a", DefaultMaxBuffer}, {"a", 1}}, w.calls)
	assert.Equal(t, DefaultMaxBuffer+1, b.Inserted())
	assert.Equal(t, 2, b.Flushes())
}

func TestBatchInserter_TableSwitchFlushes(t *testing.T) {
	ctx := context.Background()
	w := &recordingWriter{}
	b := NewBatchInserter(w, 100)

	require.NoError(t, b.Add(ctx, "a", store.Row{"id": int64(1)}))
	require.NoError(t, b.Add(ctx, "a", store.Row{"id": int64(2)}))
	require.NoError(t, b.Add(ctx, "b", store.Row{"id": int64(1)}))
	require.NoError(t, b.Add(ctx, "a", store.Row{"id": int64(3)}))
	require.NoError(t, b.FlushAll(ctx))

	assert.Equal(t, []insertCall{{"a", 2}, {"b", 1}, {"a", 1}}, w.calls)
}

func TestBatchInserter_Flush(t *testing.T) {
	ctx := context.Background()
	w := &recordingWriter{}
	b := NewBatchInserter(w, 100)

	require.NoError(t, b.Flush(ctx, "a"), "empty flush is a no-op")
	assert.Empty(t, w.calls)

	require.NoError(t, b.Add(ctx, "a", store.Row{"id": int64(1)}))
	require.NoError(t, b.Flush(ctx, "other"))
	assert.Empty(t, w.calls, "flushing another table leaves the buffer alone")

	require.NoError(t, b.Flush(ctx, "a"))
	assert.Equal(t, []insertCall{{"a", 1}}, w.calls)
	assert.Equal(t, 0, b.Pending())
}

func TestBatchInserter_FlushError(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	w := &recordingWriter{err: boom}
	b := NewBatchInserter(w, 2)

	require.NoError(t, b.Add(ctx, "a", store.Row{"id": int64(1)}))
	require.NoError(t, b.Add(ctx, "a", store.Row{"id": int64(2)}))
	err := b.Add(ctx, "a", store.Row{"id": int64(3)})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, b.Inserted())
	assert.Equal(t, 0, b.Pending())
}
