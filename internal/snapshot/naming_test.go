package snapshot

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/JonMunkholm/tablesnap/internal/store"
)

func TestExternalName(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"id", "id"},
		{"created_at", "createdAt"},
		{"parent_node_id", "parentNodeId"},
		{"alreadyCamel", "alreadyCamel"},
		{"double__underscore", "doubleUnderscore"},
		{"_leading", "leading"},
		{"_", "_"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, ExternalName(tt.input))
		})
	}
}

func TestColumnMapper(t *testing.T) {
	meta := store.TableMeta{
		Name: "users",
		Columns: []store.ColumnMeta{
			{Name: "id"},
			{Name: "created_at"},
			{Name: "user_id"},
			{Name: "userId"},
		},
	}
	m := NewColumnMapper(meta)

	assert.Equal(t, "createdAt", m.External("created_at"))
	// Colliding names keep their store spelling.
	assert.Equal(t, "user_id", m.External("user_id"))
	assert.Equal(t, "userId", m.External("userId"))

	row, unknown := m.ToInternal(map[string]any{
		"id":        int64(1),
		"createdAt": "2024-01-01 00:00:00",
		"user_id":   int64(2),
		"userId":    int64(3),
		"legacy":    "x",
	})
	assert.Equal(t, store.Row{
		"id":         int64(1),
		"created_at": "2024-01-01 00:00:00",
		"user_id":    int64(2),
		"userId":     int64(3),
	}, row)
	assert.Equal(t, []string{"legacy"}, unknown)
}

func TestColumnMapper_AcceptsStoreNames(t *testing.T) {
	m := NewColumnMapper(store.TableMeta{Columns: []store.ColumnMeta{{Name: "created_at"}}})
	row, unknown := m.ToInternal(map[string]any{"created_at": "x"})
	assert.Equal(t, store.Row{"created_at": "x"}, row)
	assert.Empty(t, unknown)
}
